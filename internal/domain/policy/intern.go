package policy

import "sync"

// interner deduplicates feature literal strings behind refcounted handles
// so that heavy duplication (thousands of policies naming the same client)
// costs one allocation instead of many. It replaces the source's
// process-wide interning singleton (§9 "Singletons") with a table owned by
// each Database, per the REDESIGN FLAGS guidance to thread services
// explicitly rather than reach for global state.
type interner struct {
	mu    sync.Mutex
	table map[string]*internEntry
}

type internEntry struct {
	value string
	refs  int
}

func newInterner() *interner {
	return &interner{table: make(map[string]*internEntry)}
}

// intern returns the table's canonical copy of s, incrementing its
// refcount. Call release with the same string when the owning Policy is
// removed.
func (i *interner) intern(s string) string {
	i.mu.Lock()
	defer i.mu.Unlock()

	if e, ok := i.table[s]; ok {
		e.refs++
		return e.value
	}
	e := &internEntry{value: s, refs: 1}
	i.table[s] = e
	return e.value
}

// release decrements s's refcount, evicting it from the table once no
// Policy references it anymore.
func (i *interner) release(s string) {
	i.mu.Lock()
	defer i.mu.Unlock()

	e, ok := i.table[s]
	if !ok {
		return
	}
	e.refs--
	if e.refs <= 0 {
		delete(i.table, s)
	}
}

// size returns the number of distinct interned strings, exposed for tests
// and for Database.InternedStringCount.
func (i *interner) size() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.table)
}

// internFeature interns a feature's literal value in place, leaving
// wildcard/any features untouched (they carry no payload to dedupe).
func (i *interner) internFeature(f Feature) Feature {
	if f.Kind != Literal {
		return f
	}
	f.Value = i.intern(f.Value)
	return f
}

// internKey interns all three literal features of a key.
func (i *interner) internKey(k Key) Key {
	return Key{
		Client:    i.internFeature(k.Client),
		User:      i.internFeature(k.User),
		Privilege: i.internFeature(k.Privilege),
	}
}

// releaseFeature releases a previously-interned literal feature.
func (i *interner) releaseFeature(f Feature) {
	if f.Kind == Literal {
		i.release(f.Value)
	}
}

// releaseKey releases all three features of a key.
func (i *interner) releaseKey(k Key) {
	i.releaseFeature(k.Client)
	i.releaseFeature(k.User)
	i.releaseFeature(k.Privilege)
}
