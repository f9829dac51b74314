package service

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/policyd/policyd/internal/domain/link"
	"github.com/policyd/policyd/internal/domain/monitor"
)

// MonitorOption configures MonitorService via the functional-options
// pattern.
type MonitorOption func(*MonitorService)

// WithTickInterval sets how often the background goroutine checks the
// age-based flush trigger. It does not change the §4.7 age threshold
// itself, only how promptly the service notices it has elapsed.
func WithTickInterval(d time.Duration) MonitorOption {
	return func(s *MonitorService) { s.tickInterval = d }
}

// WithSizeLimit overrides the default size-based flush trigger (§4.7:
// "size >= 100 entries").
func WithSizeLimit(n int) MonitorOption {
	return func(s *MonitorService) { s.sizeLimit = n }
}

// WithAgeLimit overrides the default age-based flush trigger (§4.7: "age
// of the oldest entry >= 120 seconds").
func WithAgeLimit(d time.Duration) MonitorOption {
	return func(s *MonitorService) { s.ageLimit = d }
}

// WithMetrics records dropped entries against m.MonitorDropped in addition
// to the in-process droppedTotal counter. Omitted in most tests, which have
// no Prometheus registerer to hand.
func WithMetrics(m *Metrics) MonitorOption {
	return func(s *MonitorService) { s.metrics = m }
}

// MonitorService owns the server-side monitor buffer (§4.7) and fans out
// flushed batches to every subscribed monitor-get link: a buffered
// channel feeding a single background worker that batches decision
// entries and delivers them to whichever monitor-get connections are
// currently subscribed, discarding on flush if none are.
type MonitorService struct {
	logger *slog.Logger

	entries chan monitor.Entry
	done    chan struct{}
	wg      sync.WaitGroup

	tickInterval time.Duration
	sizeLimit    int
	ageLimit     time.Duration

	mu          sync.Mutex
	subscribers map[link.ID]chan []monitor.Entry
	flushCh     chan struct{}

	droppedTotal atomic.Int64
	metrics      *Metrics
}

// NewMonitorService returns a MonitorService with a buffered intake
// channel of the given capacity. capacity should comfortably exceed the
// size-based flush trigger so a burst of decisions never blocks the
// dispatcher goroutine that calls Record.
func NewMonitorService(logger *slog.Logger, capacity int, opts ...MonitorOption) *MonitorService {
	if capacity <= 0 {
		capacity = 1000
	}
	s := &MonitorService{
		logger:       logger,
		entries:      make(chan monitor.Entry, capacity),
		done:         make(chan struct{}),
		tickInterval: time.Second,
		sizeLimit:    monitor.DefaultSizeLimit,
		ageLimit:     monitor.DefaultAgeLimit,
		subscribers:  make(map[link.ID]chan []monitor.Entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the background worker. Call once; Stop ends it.
func (s *MonitorService) Start() {
	s.wg.Add(1)
	go s.run()
}

// Stop drains and flushes any pending entries, then waits for the
// background worker to exit.
func (s *MonitorService) Stop() {
	close(s.done)
	s.wg.Wait()
}

// Record enqueues a decision entry (§4.7: "every decision made on behalf
// of a client produces a monitor entry"). Non-blocking: a full intake
// channel drops the entry and increments the drop counter rather than
// blocking, with no configurable blocking timeout — the dispatcher's
// serialization guarantee (§5) means this must never block.
func (s *MonitorService) Record(e monitor.Entry) {
	select {
	case s.entries <- e:
	default:
		drops := s.droppedTotal.Add(1)
		if s.metrics != nil {
			s.metrics.MonitorDropped.Inc()
		}
		s.logger.Warn("monitor entry dropped, intake channel full",
			slog.Int64("total_drops", drops))
	}
}

// DroppedTotal reports how many entries Record has dropped, for metrics.
func (s *MonitorService) DroppedTotal() int64 { return s.droppedTotal.Load() }

// Subscribe registers l as a monitor-get link and returns the channel its
// flushed batches arrive on. Unsubscribe must be called when the
// connection closes.
func (s *MonitorService) Subscribe(l link.ID) <-chan []monitor.Entry {
	ch := make(chan []monitor.Entry, 1)
	s.mu.Lock()
	s.subscribers[l] = ch
	s.mu.Unlock()
	return ch
}

// Unsubscribe removes l, closing its delivery channel.
func (s *MonitorService) Unsubscribe(l link.ID) {
	s.mu.Lock()
	ch, ok := s.subscribers[l]
	delete(s.subscribers, l)
	s.mu.Unlock()
	if ok {
		close(ch)
	}
}

// Flush forces an immediate flush of whatever is currently buffered, for
// the explicit monitor-get Flush request (§4.7's third trigger). It is
// delivered to the background worker rather than acting synchronously,
// since the buffer itself is only ever touched by that one goroutine.
func (s *MonitorService) Flush() {
	select {
	case s.flushRequests() <- struct{}{}:
	default:
		// A flush is already pending; the upcoming one will cover this
		// request too.
	}
}

// flushRequests lazily allocates the flush-request channel on first use,
// since most MonitorService instances in tests never call Flush.
func (s *MonitorService) flushRequests() chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.flushCh == nil {
		s.flushCh = make(chan struct{}, 1)
	}
	return s.flushCh
}

func (s *MonitorService) run() {
	defer s.wg.Done()

	buf := monitor.NewBuffer(s.sizeLimit, s.ageLimit)
	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	done := s.done
	for {
		select {
		case e, ok := <-s.entries:
			if !ok {
				s.deliver(buf.Drain())
				return
			}
			if buf.Put(e) {
				s.deliver(buf.Drain())
			}

		case <-ticker.C:
			if buf.DueByAge(time.Now()) {
				s.deliver(buf.Drain())
			}

		case <-s.flushRequests():
			s.deliver(buf.Drain())

		case <-done:
			// Stop the done channel from re-firing on every subsequent
			// select (reading a closed channel never blocks) and instead
			// close entries exactly once, letting the entries case above
			// perform the final drain-and-return.
			done = nil
			close(s.entries)
		}
	}
}

// deliver fans batch out to every current subscriber, or discards it if
// none are present (§4.7: "if no subscriber is present, the buffer is
// discarded to bound memory").
func (s *MonitorService) deliver(batch []monitor.Entry) {
	if len(batch) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.subscribers) == 0 {
		return
	}
	for _, ch := range s.subscribers {
		select {
		case ch <- batch:
		default:
			if s.metrics != nil {
				s.metrics.MonitorDropped.Inc()
			}
			s.logger.Warn("monitor subscriber channel full, batch dropped for that subscriber")
		}
	}
}
