package service

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/policyd/policyd/internal/domain/link"
	"github.com/policyd/policyd/internal/domain/monitor"
	"github.com/policyd/policyd/internal/domain/policy"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMonitorService_NoSubscriberDiscardsFlush(t *testing.T) {
	t.Parallel()

	s := NewMonitorService(testLogger(), 10, WithSizeLimit(2), WithTickInterval(10*time.Millisecond))
	s.Start()
	defer s.Stop()

	s.Record(monitor.Entry{Key: policy.NewLiteralKey("c", "u", "p"), At: time.Now()})
	s.Record(monitor.Entry{Key: policy.NewLiteralKey("c", "u", "p"), At: time.Now()})

	time.Sleep(50 * time.Millisecond)
	// No crash, no subscriber to observe — discard is silent by design.
}

func TestMonitorService_DeliversToSubscriberOnSizeThreshold(t *testing.T) {
	t.Parallel()

	s := NewMonitorService(testLogger(), 10, WithSizeLimit(2), WithTickInterval(10*time.Millisecond))
	s.Start()
	defer s.Stop()

	l := link.NewID()
	ch := s.Subscribe(l)
	defer s.Unsubscribe(l)

	s.Record(monitor.Entry{Key: policy.NewLiteralKey("c", "u", "p"), At: time.Now()})
	s.Record(monitor.Entry{Key: policy.NewLiteralKey("c2", "u", "p"), At: time.Now()})

	select {
	case batch := <-ch:
		if len(batch) != 2 {
			t.Errorf("delivered batch has %d entries, want 2", len(batch))
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for flushed batch")
	}
}

func TestMonitorService_ExplicitFlushDeliversPartialBatch(t *testing.T) {
	t.Parallel()

	s := NewMonitorService(testLogger(), 10, WithSizeLimit(100), WithTickInterval(10*time.Millisecond))
	s.Start()
	defer s.Stop()

	l := link.NewID()
	ch := s.Subscribe(l)
	defer s.Unsubscribe(l)

	s.Record(monitor.Entry{Key: policy.NewLiteralKey("c", "u", "p"), At: time.Now()})
	s.Flush()

	select {
	case batch := <-ch:
		if len(batch) != 1 {
			t.Errorf("delivered batch has %d entries, want 1", len(batch))
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for explicitly flushed batch")
	}
}

func TestMonitorService_AgeTriggerFlushesOldEntry(t *testing.T) {
	t.Parallel()

	s := NewMonitorService(testLogger(), 10, WithSizeLimit(100), WithAgeLimit(30*time.Millisecond), WithTickInterval(10*time.Millisecond))
	s.Start()
	defer s.Stop()

	l := link.NewID()
	ch := s.Subscribe(l)
	defer s.Unsubscribe(l)

	s.Record(monitor.Entry{Key: policy.NewLiteralKey("c", "u", "p"), At: time.Now()})

	select {
	case batch := <-ch:
		if len(batch) != 1 {
			t.Errorf("delivered batch has %d entries, want 1", len(batch))
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for age-triggered flush")
	}
}

func TestMonitorService_RecordDropsWhenIntakeFull(t *testing.T) {
	t.Parallel()

	// Capacity 1 and no Start(): nothing drains the channel, so the
	// second Record must drop rather than block.
	s := NewMonitorService(testLogger(), 1)
	s.Record(monitor.Entry{At: time.Now()})
	s.Record(monitor.Entry{At: time.Now()})

	if s.DroppedTotal() != 1 {
		t.Errorf("DroppedTotal() = %d, want 1", s.DroppedTotal())
	}
}
