package monitor

import (
	"testing"
	"time"

	"github.com/policyd/policyd/internal/domain/plugin"
	"github.com/policyd/policyd/internal/domain/policy"
)

func TestBuffer_PutSignalsSizeThreshold(t *testing.T) {
	t.Parallel()

	b := NewBuffer(3, time.Hour)
	now := time.Unix(1000, 0)

	if due := b.Put(Entry{Key: policy.NewLiteralKey("c", "u", "p"), Decision: plugin.CodeAllow, At: now}); due {
		t.Error("Put() 1/3 should not signal size threshold")
	}
	if due := b.Put(Entry{Key: policy.NewLiteralKey("c", "u", "p"), Decision: plugin.CodeAllow, At: now}); due {
		t.Error("Put() 2/3 should not signal size threshold")
	}
	if due := b.Put(Entry{Key: policy.NewLiteralKey("c", "u", "p"), Decision: plugin.CodeAllow, At: now}); !due {
		t.Error("Put() 3/3 should signal size threshold")
	}
}

func TestBuffer_DueByAge(t *testing.T) {
	t.Parallel()

	b := NewBuffer(100, 120*time.Second)
	start := time.Unix(1000, 0)
	b.Put(Entry{At: start})

	if b.DueByAge(start.Add(119 * time.Second)) {
		t.Error("DueByAge() at 119s should be false")
	}
	if !b.DueByAge(start.Add(120 * time.Second)) {
		t.Error("DueByAge() at 120s should be true")
	}
}

func TestBuffer_DueByAge_EmptyNeverDue(t *testing.T) {
	t.Parallel()

	b := NewBuffer(100, time.Second)
	if b.DueByAge(time.Now().Add(time.Hour)) {
		t.Error("DueByAge() on empty buffer should always be false")
	}
}

func TestBuffer_Drain_ResetsToEmpty(t *testing.T) {
	t.Parallel()

	b := NewBuffer(100, time.Hour)
	now := time.Unix(1000, 0)
	b.Put(Entry{Key: policy.NewLiteralKey("c", "u", "p"), At: now})
	b.Put(Entry{Key: policy.NewLiteralKey("c2", "u", "p"), At: now})

	drained := b.Drain()
	if len(drained) != 2 {
		t.Fatalf("Drain() returned %d entries, want 2", len(drained))
	}
	if b.Len() != 0 {
		t.Errorf("Len() after Drain() = %d, want 0", b.Len())
	}
	if b.DueByAge(now.Add(time.Hour)) {
		t.Error("buffer should not be due by age immediately after Drain()")
	}
}

func TestNewBuffer_DefaultsAppliedForZeroValues(t *testing.T) {
	t.Parallel()

	b := NewBuffer(0, 0)
	if b.sizeLimit != DefaultSizeLimit {
		t.Errorf("sizeLimit = %d, want default %d", b.sizeLimit, DefaultSizeLimit)
	}
	if b.ageLimit != DefaultAgeLimit {
		t.Errorf("ageLimit = %v, want default %v", b.ageLimit, DefaultAgeLimit)
	}
}
