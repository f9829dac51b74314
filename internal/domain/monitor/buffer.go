// Package monitor implements the buffering half of the monitor pipeline
// (§4.7): a bounded batch of decision entries with size, age, and
// explicit flush triggers. Subscriber fan-out and the background flush
// ticker live in the service layer, grounded on the same buffering idiom
// but requiring goroutines this package deliberately stays free of.
package monitor

import (
	"time"

	"github.com/policyd/policyd/internal/domain/plugin"
	"github.com/policyd/policyd/internal/domain/policy"
)

// DefaultSizeLimit is the constant entry count that triggers a flush
// (§4.7: "size >= 100 entries (constant)").
const DefaultSizeLimit = 100

// DefaultAgeLimit is the oldest-entry age that triggers a flush (§4.7:
// "age of the oldest entry >= 120 seconds").
const DefaultAgeLimit = 120 * time.Second

// Entry is one recorded decision: the key checked, the answer given, and
// a coarse timestamp (§4.7 "key, decision, coarse timestamp").
type Entry struct {
	Key      policy.Key
	Decision plugin.Code
	At       time.Time
}

// Buffer accumulates Entry values and reports when a flush is due. It
// holds no goroutines and does no I/O; callers (the monitor service, on
// both the server and client side per §4.7) own the background ticking
// and the actual delivery-or-discard decision.
type Buffer struct {
	sizeLimit int
	ageLimit  time.Duration
	entries   []Entry
}

// NewBuffer returns an empty Buffer. A sizeLimit or ageLimit of zero
// falls back to DefaultSizeLimit/DefaultAgeLimit.
func NewBuffer(sizeLimit int, ageLimit time.Duration) *Buffer {
	if sizeLimit <= 0 {
		sizeLimit = DefaultSizeLimit
	}
	if ageLimit <= 0 {
		ageLimit = DefaultAgeLimit
	}
	return &Buffer{sizeLimit: sizeLimit, ageLimit: ageLimit}
}

// Put appends e and reports whether the size threshold is now met. The
// caller is expected to be the sole writer (the MonitorService worker
// goroutine), so Buffer itself does not lock.
func (b *Buffer) Put(e Entry) (sizeThresholdMet bool) {
	b.entries = append(b.entries, e)
	return len(b.entries) >= b.sizeLimit
}

// Len reports the number of buffered entries.
func (b *Buffer) Len() int { return len(b.entries) }

// DueByAge reports whether the oldest buffered entry is at least ageLimit
// old as of now. An empty buffer is never due.
func (b *Buffer) DueByAge(now time.Time) bool {
	if len(b.entries) == 0 {
		return false
	}
	return now.Sub(b.entries[0].At) >= b.ageLimit
}

// Drain removes and returns every buffered entry, resetting the buffer to
// empty. Used on any of the three flush triggers (size, age, explicit).
func (b *Buffer) Drain() []Entry {
	out := b.entries
	b.entries = nil
	return out
}
