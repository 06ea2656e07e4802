// Package ingest accepts raw command events from shell hooks and moves
// them into the durable store without ever making the shell wait on disk.
//
// Submit validates and deduplicates an event and places it on a bounded
// in-memory queue; a single writer goroutine drains the queue into the
// store in arrival order, retrying storage failures with backoff.
package ingest

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/entl/cliwrapped/internal/clock"
	"github.com/entl/cliwrapped/internal/config"
	"github.com/entl/cliwrapped/internal/event"
	"github.com/entl/cliwrapped/internal/storage"
	"github.com/entl/cliwrapped/internal/validators"
)

var (
	// ErrNotAccepting is returned by Submit once Drain has begun.
	ErrNotAccepting = errors.New("ingest: not accepting events")
	// ErrHandoffTimeout is returned when a full queue under the block
	// policy does not free a slot within the hook handoff timeout.
	ErrHandoffTimeout = errors.New("ingest: hook handoff timed out")
)

// Sink is where accepted events are persisted.
type Sink interface {
	Append(ctx context.Context, e event.CommandEvent) (storage.Receipt, error)
	Contains(ctx context.Context, key event.Key) (bool, error)
}

// AckStatus is the outcome of an accepted submission.
type AckStatus string

const (
	Accepted  AckStatus = "accepted"
	Duplicate AckStatus = "duplicate"
)

// Ack acknowledges a submission.
type Ack struct {
	Status AckStatus `json:"status"`
	Key    event.Key `json:"key"`
}

// DrainReport is the outcome of Drain.
type DrainReport struct {
	Flushed  int  `json:"flushed"`
	Lost     int  `json:"lost"`
	TimedOut bool `json:"timed_out"`
	// WriterBusy is set when a store write was still running after the
	// grace period. That event is counted as lost but may yet be stored.
	WriterBusy bool `json:"writer_busy,omitempty"`
}

// Stats is a snapshot of the service counters.
type Stats struct {
	QueueDepth     int
	Capacity       int
	Accepted       uint64
	Duplicates     uint64
	Rejected       uint64
	Dropped        uint64
	Persisted      uint64
	Degraded       bool
	LastStorageErr string
	Accepting      bool
}

// Options configures the service.
type Options struct {
	Capacity    int
	Overflow    string
	HookHandoff time.Duration
	Retry       config.RetryConfig
	// WriterGrace bounds how long a timed-out Drain waits for the write
	// in progress.
	WriterGrace time.Duration
	Clock       clock.Clock
	Logger      *slog.Logger
}

// Service is the event ingestion service.
type Service struct {
	sink   Sink
	opts   Options
	clock  clock.Clock
	logger *slog.Logger

	mu        sync.Mutex
	queue     []event.CommandEvent
	pending   map[event.Key]struct{} // queued or being written
	inFlight  bool
	accepting bool
	spaceCh   chan struct{}
	stats     Stats

	workCh       chan struct{}
	stopCh       chan struct{}
	stopOnce     sync.Once
	writerCtx    context.Context
	cancelWriter context.CancelFunc
	done         chan struct{}
}

// NewService creates the service and starts its writer goroutine.
func NewService(sink Sink, opts Options) *Service {
	if opts.Capacity <= 0 {
		opts.Capacity = 1024
	}
	if opts.Overflow == "" {
		opts.Overflow = config.OverflowDropOldest
	}
	if opts.HookHandoff <= 0 {
		opts.HookHandoff = 50 * time.Millisecond
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry.MaxAttempts = 3
	}
	if opts.Retry.InitialBackoff <= 0 {
		opts.Retry.InitialBackoff = 50 * time.Millisecond
	}
	if opts.Retry.MaxBackoff < opts.Retry.InitialBackoff {
		opts.Retry.MaxBackoff = opts.Retry.InitialBackoff
	}
	if opts.Retry.DegradedInterval <= 0 {
		opts.Retry.DegradedInterval = 5 * time.Second
	}
	if opts.WriterGrace <= 0 {
		opts.WriterGrace = 2 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		sink:         sink,
		opts:         opts,
		clock:        opts.Clock,
		logger:       logger.With("component", "ingest"),
		pending:      make(map[event.Key]struct{}),
		accepting:    true,
		spaceCh:      make(chan struct{}),
		workCh:       make(chan struct{}, 1),
		stopCh:       make(chan struct{}),
		writerCtx:    ctx,
		cancelWriter: cancel,
		done:         make(chan struct{}),
	}
	s.stats.Capacity = opts.Capacity

	go s.writeWorker(s.writerCtx)
	return s
}

// Submit validates raw and queues it for persistence. It returns once the
// event is queued, never after a disk write.
func (s *Service) Submit(ctx context.Context, raw event.RawEvent) (Ack, error) {
	if err := validators.ValidateRawEvent(&raw); err != nil {
		s.mu.Lock()
		s.stats.Rejected++
		s.mu.Unlock()
		return Ack{}, err
	}

	e := event.FromRaw(raw, s.clock.Now())
	key := e.Key()

	s.mu.Lock()
	if !s.accepting {
		s.mu.Unlock()
		return Ack{}, ErrNotAccepting
	}
	if _, ok := s.pending[key]; ok {
		s.stats.Duplicates++
		s.mu.Unlock()
		return Ack{Status: Duplicate, Key: key}, nil
	}
	s.mu.Unlock()

	stored, err := s.sink.Contains(ctx, key)
	if err != nil {
		// The store rejects duplicate keys on append anyway.
		s.logger.Debug("duplicate check failed", "key", key.String(), "error", err)
	}
	if stored {
		s.mu.Lock()
		s.stats.Duplicates++
		s.mu.Unlock()
		return Ack{Status: Duplicate, Key: key}, nil
	}

	return s.enqueue(ctx, e)
}

func (s *Service) enqueue(ctx context.Context, e event.CommandEvent) (Ack, error) {
	key := e.Key()
	var deadline <-chan time.Time

	s.mu.Lock()
	for {
		if !s.accepting {
			s.mu.Unlock()
			return Ack{}, ErrNotAccepting
		}
		if _, ok := s.pending[key]; ok {
			s.stats.Duplicates++
			s.mu.Unlock()
			return Ack{Status: Duplicate, Key: key}, nil
		}
		if len(s.queue) < s.opts.Capacity {
			break
		}

		if s.opts.Overflow == config.OverflowDropOldest {
			oldest := s.queue[0]
			s.queue = s.queue[1:]
			delete(s.pending, oldest.Key())
			s.stats.Dropped++
			s.logger.Warn("queue full, dropped oldest event", "key", oldest.Key().String(), "dropped_total", s.stats.Dropped)
			break
		}

		if deadline == nil {
			deadline = s.clock.After(s.opts.HookHandoff)
		}
		space := s.spaceCh
		s.mu.Unlock()

		select {
		case <-space:
		case <-deadline:
			return Ack{}, ErrHandoffTimeout
		case <-ctx.Done():
			return Ack{}, ctx.Err()
		}
		s.mu.Lock()
	}

	s.queue = append(s.queue, e)
	s.pending[key] = struct{}{}
	s.stats.Accepted++
	s.mu.Unlock()

	select {
	case s.workCh <- struct{}{}:
	default:
	}
	return Ack{Status: Accepted, Key: key}, nil
}

// writeWorker drains the queue into the sink in arrival order.
func (s *Service) writeWorker(ctx context.Context) {
	defer close(s.done)

	for {
		e, ok := s.next(ctx)
		if !ok {
			return
		}
		if !s.persist(ctx, e) {
			return
		}
	}
}

// next pops the head of the queue, waiting for work. It returns false when
// the writer should exit: the service is draining and the queue is empty,
// or the writer was cancelled.
func (s *Service) next(ctx context.Context) (event.CommandEvent, bool) {
	for {
		if ctx.Err() != nil {
			return event.CommandEvent{}, false
		}

		s.mu.Lock()
		if len(s.queue) > 0 {
			e := s.queue[0]
			s.queue = s.queue[1:]
			s.inFlight = true
			close(s.spaceCh)
			s.spaceCh = make(chan struct{})
			s.mu.Unlock()
			return e, true
		}
		draining := !s.accepting
		s.mu.Unlock()

		if draining {
			return event.CommandEvent{}, false
		}

		select {
		case <-s.workCh:
		case <-s.stopCh:
		case <-ctx.Done():
		}
	}
}

// persist writes e, retrying with exponential backoff and then at the
// degraded interval. An append in progress is never interrupted; ctx is
// only checked between attempts. It returns false if cancelled first.
func (s *Service) persist(ctx context.Context, e event.CommandEvent) bool {
	key := e.Key()
	for attempt := 1; ; attempt++ {
		_, err := s.sink.Append(context.WithoutCancel(ctx), e)
		if err == nil || errors.Is(err, storage.ErrDuplicate) {
			s.mu.Lock()
			if err == nil {
				s.stats.Persisted++
			} else {
				s.stats.Duplicates++
			}
			delete(s.pending, key)
			s.inFlight = false
			if s.stats.Degraded {
				s.stats.Degraded = false
				s.logger.Info("storage recovered, leaving degraded mode")
			}
			s.mu.Unlock()
			return true
		}

		wait := s.backoff(attempt)
		s.mu.Lock()
		s.stats.LastStorageErr = err.Error()
		if attempt >= s.opts.Retry.MaxAttempts {
			wait = s.opts.Retry.DegradedInterval
			if !s.stats.Degraded {
				s.stats.Degraded = true
				s.logger.Error("storage writes failing, entering degraded mode",
					"error", err,
					"attempts", attempt,
					"queued", len(s.queue),
				)
			}
		} else {
			s.logger.Warn("storage write failed, retrying", "key", key.String(), "attempt", attempt, "backoff", wait, "error", err)
		}
		s.mu.Unlock()

		select {
		case <-s.clock.After(wait):
		case <-ctx.Done():
			return false
		}
	}
}

func (s *Service) backoff(attempt int) time.Duration {
	wait := s.opts.Retry.InitialBackoff
	for i := 1; i < attempt && wait < s.opts.Retry.MaxBackoff; i++ {
		wait *= 2
	}
	return min(wait, s.opts.Retry.MaxBackoff)
}

// Drain stops accepting events and waits for the writer to flush the
// queue. If ctx ends first the writer is cancelled between writes and
// the events that never reached the store are reported as lost. A write
// already in the store is waited for at most WriterGrace.
func (s *Service) Drain(ctx context.Context) DrainReport {
	s.mu.Lock()
	s.accepting = false
	persistedAtStart := s.stats.Persisted
	s.mu.Unlock()
	s.stopOnce.Do(func() { close(s.stopCh) })

	var report DrainReport
	select {
	case <-s.done:
	case <-ctx.Done():
		report.TimedOut = true
		s.cancelWriter()
		select {
		case <-s.done:
		case <-s.clock.After(s.opts.WriterGrace):
			report.WriterBusy = true
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	report.Flushed = int(s.stats.Persisted - persistedAtStart)
	report.Lost = len(s.queue)
	if s.inFlight {
		report.Lost++
	}
	if report.Lost > 0 {
		s.logger.Warn("drain finished with unflushed events", "lost", report.Lost, "flushed", report.Flushed, "writer_busy", report.WriterBusy)
	}
	return report
}

// Stats returns a snapshot of the counters.
func (s *Service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := s.stats
	stats.QueueDepth = len(s.queue)
	if s.inFlight {
		stats.QueueDepth++
	}
	stats.Accepting = s.accepting
	return stats
}
