package policy

import (
	"sync"
)

// RootBucketID is the always-present bucket identified by the empty
// string (§3).
const RootBucketID = ""

// PolicyBucket is a named set of policies plus a default result returned when no
// policy matches. Policies are owned by their bucket.
type PolicyBucket struct {
	ID       string
	Default  Result
	policies map[Key]Result
}

func newBucket(id string, def Result) *PolicyBucket {
	return &PolicyBucket{ID: id, Default: def, policies: make(map[Key]Result)}
}

// Policies returns a snapshot slice of the bucket's policies. Callers must
// not rely on ordering.
func (b *PolicyBucket) Policies() []Policy {
	out := make([]Policy, 0, len(b.policies))
	for k, r := range b.policies {
		out = append(out, Policy{Key: k, Result: r})
	}
	return out
}

// Len reports the number of policies stored in the bucket.
func (b *PolicyBucket) Len() int { return len(b.policies) }

// TypeValidator reports whether a plugin-defined type has a registered
// handler. The policy package depends only on this narrow interface (not
// on domain/plugin) to avoid a domain-to-domain import cycle; the
// dispatcher supplies its plugin registry, which trivially implements it.
type TypeValidator interface {
	IsRegisteredType(t Type) bool
}

// alwaysValid accepts every plugin type; used where callers don't care to
// validate plugin registration (e.g. pure in-memory tests of the resolver).
type alwaysValid struct{}

func (alwaysValid) IsRegisteredType(Type) bool { return true }

// AlwaysValidTypes is a TypeValidator that accepts any plugin type.
var AlwaysValidTypes TypeValidator = alwaysValid{}

func isPredefined(t Type) bool {
	switch t {
	case Deny, None, Allow, Bucket, Delete:
		return true
	default:
		return false
	}
}

// Database is the full mapping from BucketId to Bucket (§3). The root
// bucket always exists. Database is safe for concurrent use; callers that
// need multi-operation atomicity (e.g. set_policies) rely on Database's
// own lock rather than external synchronization.
type Database struct {
	mu      sync.RWMutex
	buckets map[string]*PolicyBucket
	intern  *interner
}

// NewDatabase returns an empty Database containing only the root bucket,
// whose default result is rootDefault. rootDefault.Type must not be NONE
// (§3); passing None here is a programmer error the caller should have
// already rejected via InsertOrUpdateBucket's validation.
func NewDatabase(rootDefault Result) *Database {
	db := &Database{
		buckets: make(map[string]*PolicyBucket),
		intern:  newInterner(),
	}
	db.buckets[RootBucketID] = newBucket(RootBucketID, rootDefault)
	return db
}

// Resolve evaluates key against the database starting at startBucket,
// implementing the recursive lookup of §4.2. recursive controls whether
// BUCKET redirects are followed at all; a non-recursive call only ever
// inspects startBucket itself.
func (db *Database) Resolve(key Key, startBucket string, recursive bool) (Result, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	visited := make(map[string]bool)
	b, ok := db.buckets[startBucket]
	if !ok {
		return Result{}, ErrBucketNotFound
	}
	return db.resolveLocked(b, key, recursive, visited), nil
}

// resolveLocked implements resolve() from §4.2 under db.mu already held.
// visited guards against infinite recursion through BUCKET cycles: a
// bucket already on the current call's stack is skipped, per "BUCKET
// redirects never recurse into an already-visited bucket in a given
// call".
func (db *Database) resolveLocked(b *PolicyBucket, key Key, recursive bool, visited map[string]bool) Result {
	visited[b.ID] = true
	defer delete(visited, b.ID)

	minimum := b.Default
	haveMin := false

	for k, r := range b.policies {
		if !k.Matches(key) {
			continue
		}
		if r.Type == Deny {
			// Short-circuit: DENY is the minimum possible outcome.
			return r
		}
		if r.Type == Bucket {
			if !recursive {
				continue
			}
			if visited[r.Metadata] {
				continue
			}
			sub, ok := db.buckets[r.Metadata]
			if !ok {
				// A dangling BUCKET reference evaluates as NONE, matching
				// the fallback used when remove_bucket silently drops
				// inbound links that set_policies didn't get to first.
				continue
			}
			subResult := db.resolveLocked(sub, key, true, visited)
			if subResult.Type == None {
				continue
			}
			minimum, haveMin = propose(minimum, haveMin, subResult)
		} else {
			minimum, haveMin = propose(minimum, haveMin, r)
		}
	}

	_ = haveMin
	return minimum
}

// propose implements propose(x) from §4.2: x replaces minimum iff there is
// no minimum yet or x sorts lower.
func propose(minimum Result, haveMin bool, x Result) (Result, bool) {
	if !haveMin || x.Type.Less(minimum.Type) {
		return x, true
	}
	return minimum, haveMin
}

// Bucket returns the bucket with the given id, or nil if absent.
func (db *Database) Bucket(id string) *PolicyBucket {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.buckets[id]
}

// BucketIDs returns the ids of every bucket currently in the database.
func (db *Database) BucketIDs() []string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	out := make([]string, 0, len(db.buckets))
	for id := range db.buckets {
		out = append(out, id)
	}
	return out
}

// InsertOrUpdateBucket creates or overwrites the bucket named id with the
// given default result (§4.2 CRUD). Fails if id is the root bucket and
// def.Type is NONE, or if def.Type is plugin-defined but unregistered.
func (db *Database) InsertOrUpdateBucket(id string, def Result, types TypeValidator) error {
	if id == RootBucketID && def.Type == None {
		return ErrRootBucketInvalidDefault
	}
	if !isPredefined(def.Type) && def.Type != Bucket && !types.IsRegisteredType(def.Type) {
		return ErrPluginNotRegistered
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	if existing, ok := db.buckets[id]; ok {
		existing.Default = def
		return nil
	}
	db.buckets[id] = newBucket(id, def)
	return nil
}

// RemoveBucket deletes the named bucket (§4.2 CRUD). Fails for the root
// bucket. Per the preserved source behavior (documented in DESIGN.md),
// removal also silently deletes every policy, in any bucket, whose result
// is BUCKET(id) — inbound links are not left dangling for set_policies to
// clean up separately.
func (db *Database) RemoveBucket(id string) error {
	if id == RootBucketID {
		return ErrCannotRemoveRoot
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	if _, ok := db.buckets[id]; !ok {
		return ErrBucketNotFound
	}

	for _, b := range db.buckets {
		for k, r := range b.policies {
			if r.Type == Bucket && r.Metadata == id {
				db.intern.releaseKey(k)
				delete(b.policies, k)
			}
		}
	}

	delete(db.buckets, id)
	return nil
}

// SetPoliciesRequest batches an admin mutation: policies to insert or
// update per bucket, and keys to remove per bucket (§4.2 CRUD). The whole
// request is validated before anything is applied ("all-or-nothing with
// respect to validation").
type SetPoliciesRequest struct {
	Upsert map[string][]Policy
	Remove map[string][]Key
}

// SetPolicies validates that every target bucket exists and every BUCKET
// result names an existing bucket, then applies the batch atomically.
func (db *Database) SetPolicies(req SetPoliciesRequest, types TypeValidator) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	// Validation pass: no partial apply on failure.
	for bucketID, policies := range req.Upsert {
		if _, ok := db.buckets[bucketID]; !ok {
			return ErrBucketNotFound
		}
		for _, p := range policies {
			if err := db.validatePolicy(p, types); err != nil {
				return err
			}
		}
	}
	for bucketID := range req.Remove {
		if _, ok := db.buckets[bucketID]; !ok {
			return ErrBucketNotFound
		}
	}

	// Apply pass.
	for bucketID, keys := range req.Remove {
		b := db.buckets[bucketID]
		for _, k := range keys {
			if _, ok := b.policies[k]; ok {
				db.intern.releaseKey(k)
				delete(b.policies, k)
			}
		}
	}
	for bucketID, policies := range req.Upsert {
		b := db.buckets[bucketID]
		for _, p := range policies {
			ik := db.intern.internKey(p.Key)
			_, replacing := b.policies[ik]
			b.policies[ik] = p.Result
			if replacing {
				// internKey bumped a fresh reference for the same literal
				// strings the replaced entry already held; drop the
				// duplicate so the refcount reflects one stored policy.
				db.intern.releaseKey(ik)
			}
		}
	}

	return nil
}

func (db *Database) validatePolicy(p Policy, types TypeValidator) error {
	if p.Result.Type == Delete {
		return ErrDeleteNotStorable
	}
	if (p.Result.Type == Deny || p.Result.Type == Allow) && p.Result.Metadata != "" {
		return ErrResultMetadataNotEmpty
	}
	if p.Result.Type == Bucket {
		if _, ok := db.buckets[p.Result.Metadata]; !ok {
			return ErrDanglingBucketLink
		}
		return nil
	}
	if !isPredefined(p.Result.Type) && !types.IsRegisteredType(p.Result.Type) {
		return ErrPluginNotRegistered
	}
	return nil
}

// List returns the policies in bucket whose key matches filter (§4.2
// CRUD). Filter feature positions may be wildcard, meaning "match all at
// that position".
func (db *Database) List(bucketID string, filter Key) ([]Policy, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	b, ok := db.buckets[bucketID]
	if !ok {
		return nil, ErrBucketNotFound
	}

	var out []Policy
	for k, r := range b.policies {
		if k.MatchesFilter(filter) {
			out = append(out, Policy{Key: k, Result: r})
		}
	}
	return out, nil
}

// Erase deletes every policy matching filter from startBucket, descending
// through BUCKET links when recursive is set (§4.2 CRUD).
func (db *Database) Erase(startBucket string, recursive bool, filter Key) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	visited := make(map[string]bool)
	return db.eraseLocked(startBucket, recursive, filter, visited)
}

func (db *Database) eraseLocked(bucketID string, recursive bool, filter Key, visited map[string]bool) error {
	if visited[bucketID] {
		return nil
	}
	visited[bucketID] = true

	b, ok := db.buckets[bucketID]
	if !ok {
		return ErrBucketNotFound
	}

	var subBuckets []string
	for k, r := range b.policies {
		if !k.MatchesFilter(filter) {
			continue
		}
		if recursive && r.Type == Bucket {
			subBuckets = append(subBuckets, r.Metadata)
		}
		db.intern.releaseKey(k)
		delete(b.policies, k)
	}

	for _, sub := range subBuckets {
		if _, ok := db.buckets[sub]; ok {
			if err := db.eraseLocked(sub, true, filter, visited); err != nil {
				return err
			}
		}
	}
	return nil
}

// InternedStringCount reports the size of the interning table.
func (db *Database) InternedStringCount() int {
	return db.intern.size()
}
