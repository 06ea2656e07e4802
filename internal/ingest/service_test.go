package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/entl/cliwrapped/internal/clock"
	"github.com/entl/cliwrapped/internal/config"
	"github.com/entl/cliwrapped/internal/event"
	"github.com/entl/cliwrapped/internal/storage"
	"github.com/entl/cliwrapped/internal/validators"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errDiskFull = errors.New("disk full")

type fakeSink struct {
	mu       sync.Mutex
	stored   []event.CommandEvent
	keys     map[event.Key]bool
	gate     chan struct{}
	failures int
	calls    int
}

func newFakeSink() *fakeSink {
	return &fakeSink{keys: make(map[event.Key]bool)}
}

func (s *fakeSink) Append(_ context.Context, e event.CommandEvent) (storage.Receipt, error) {
	s.mu.Lock()
	s.calls++
	gate := s.gate
	s.mu.Unlock()

	if gate != nil {
		<-gate
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return storage.Receipt{}, errDiskFull
	}
	if s.keys[e.Key()] {
		return storage.Receipt{}, storage.ErrDuplicate
	}
	s.keys[e.Key()] = true
	s.stored = append(s.stored, e)
	return storage.Receipt{}, nil
}

func (s *fakeSink) Contains(_ context.Context, key event.Key) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keys[key], nil
}

func (s *fakeSink) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *fakeSink) sequences() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	seqs := make([]uint64, 0, len(s.stored))
	for _, e := range s.stored {
		seqs = append(seqs, e.Sequence)
	}
	return seqs
}

func raw(seq uint64) event.RawEvent {
	return event.RawEvent{
		Command:    "git status",
		StartMs:    time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC).UnixMilli(),
		DurationMs: 12,
		Cwd:        "/home/dev",
		Shell:      event.ShellBash,
		SessionID:  "s1",
		Sequence:   seq,
	}
}

func waitForCalls(t *testing.T, sink *fakeSink, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return sink.callCount() >= n }, time.Second, time.Millisecond)
}

func TestSubmitPersistsInOrder(t *testing.T) {
	sink := newFakeSink()
	svc := NewService(sink, Options{Capacity: 8})
	defer svc.Drain(context.Background())

	for seq := uint64(1); seq <= 3; seq++ {
		ack, err := svc.Submit(context.Background(), raw(seq))
		require.NoError(t, err)
		assert.Equal(t, Accepted, ack.Status)
		assert.Equal(t, event.Key{SessionID: "s1", Sequence: seq}, ack.Key)
	}

	require.Eventually(t, func() bool { return len(sink.sequences()) == 3 }, time.Second, time.Millisecond)
	assert.Equal(t, []uint64{1, 2, 3}, sink.sequences())

	stats := svc.Stats()
	assert.Equal(t, uint64(3), stats.Accepted)
	assert.Equal(t, uint64(3), stats.Persisted)
	assert.Zero(t, stats.QueueDepth)
}

func TestSubmitStampsIngestTime(t *testing.T) {
	now := time.Date(2025, 3, 10, 10, 0, 1, 0, time.UTC)
	sink := newFakeSink()
	svc := NewService(sink, Options{Clock: clock.Fake(now)})
	defer svc.Drain(context.Background())

	_, err := svc.Submit(context.Background(), raw(1))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(sink.sequences()) == 1 }, time.Second, time.Millisecond)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Equal(t, now.UnixMilli(), sink.stored[0].IngestedMs)
}

func TestSubmitRejectsInvalidEvent(t *testing.T) {
	svc := NewService(newFakeSink(), Options{})
	defer svc.Drain(context.Background())

	bad := raw(1)
	bad.Command = "  "
	bad.ExitCode = 300

	_, err := svc.Submit(context.Background(), bad)
	var verr *validators.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.True(t, verr.Has("command"))
	assert.True(t, verr.Has("exit_code"))
	assert.Equal(t, uint64(1), svc.Stats().Rejected)
}

func TestSubmitDeduplicates(t *testing.T) {
	sink := newFakeSink()
	sink.gate = make(chan struct{})
	sink.keys[event.Key{SessionID: "s1", Sequence: 9}] = true

	svc := NewService(sink, Options{Capacity: 8})
	defer svc.Drain(context.Background())
	ctx := context.Background()

	ack, err := svc.Submit(ctx, raw(1))
	require.NoError(t, err)
	assert.Equal(t, Accepted, ack.Status)
	waitForCalls(t, sink, 1)

	// In flight.
	ack, err = svc.Submit(ctx, raw(1))
	require.NoError(t, err)
	assert.Equal(t, Duplicate, ack.Status)

	// Queued.
	_, err = svc.Submit(ctx, raw(2))
	require.NoError(t, err)
	ack, err = svc.Submit(ctx, raw(2))
	require.NoError(t, err)
	assert.Equal(t, Duplicate, ack.Status)

	// Already stored.
	ack, err = svc.Submit(ctx, raw(9))
	require.NoError(t, err)
	assert.Equal(t, Duplicate, ack.Status)

	close(sink.gate)
	require.Eventually(t, func() bool { return len(sink.sequences()) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, uint64(3), svc.Stats().Duplicates)
}

func TestConcurrentRetriesStoredOnce(t *testing.T) {
	sink := newFakeSink()
	svc := NewService(sink, Options{Capacity: 64})

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Submit(context.Background(), raw(7))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	report := svc.Drain(context.Background())
	assert.Zero(t, report.Lost)
	assert.Equal(t, []uint64{7}, sink.sequences())
}

func TestDropOldestOnOverflow(t *testing.T) {
	sink := newFakeSink()
	sink.gate = make(chan struct{})
	svc := NewService(sink, Options{Capacity: 2, Overflow: config.OverflowDropOldest})
	ctx := context.Background()

	_, err := svc.Submit(ctx, raw(1))
	require.NoError(t, err)
	waitForCalls(t, sink, 1)

	for seq := uint64(2); seq <= 4; seq++ {
		ack, err := svc.Submit(ctx, raw(seq))
		require.NoError(t, err)
		assert.Equal(t, Accepted, ack.Status)
	}

	stats := svc.Stats()
	assert.Equal(t, uint64(1), stats.Dropped)
	assert.Equal(t, 3, stats.QueueDepth)

	close(sink.gate)
	report := svc.Drain(ctx)
	assert.Zero(t, report.Lost)
	assert.Equal(t, []uint64{1, 3, 4}, sink.sequences())
}

func TestBlockOverflowWaitsForHandoff(t *testing.T) {
	clk := clock.Fake(time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC))
	sink := newFakeSink()
	sink.gate = make(chan struct{})
	svc := NewService(sink, Options{
		Capacity:    1,
		Overflow:    config.OverflowBlock,
		HookHandoff: 50 * time.Millisecond,
		Clock:       clk,
	})
	ctx := context.Background()

	_, err := svc.Submit(ctx, raw(1))
	require.NoError(t, err)
	waitForCalls(t, sink, 1)
	_, err = svc.Submit(ctx, raw(2))
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := svc.Submit(ctx, raw(3))
		errCh <- err
	}()
	clk.BlockUntil(1)
	clk.Advance(50 * time.Millisecond)
	assert.ErrorIs(t, <-errCh, ErrHandoffTimeout)

	ackCh := make(chan Ack, 1)
	go func() {
		ack, err := svc.Submit(ctx, raw(4))
		assert.NoError(t, err)
		ackCh <- ack
	}()
	clk.BlockUntil(1)
	close(sink.gate)

	select {
	case ack := <-ackCh:
		assert.Equal(t, Accepted, ack.Status)
	case <-time.After(time.Second):
		t.Fatal("submit did not resume after the queue freed a slot")
	}

	report := svc.Drain(ctx)
	assert.Zero(t, report.Lost)
	assert.Equal(t, []uint64{1, 2, 4}, sink.sequences())
	assert.Zero(t, svc.Stats().Dropped)
}

func TestRetryThenDegradedMode(t *testing.T) {
	clk := clock.Fake(time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC))
	sink := newFakeSink()
	sink.failures = 3
	svc := NewService(sink, Options{
		Clock: clk,
		Retry: config.RetryConfig{
			MaxAttempts:      2,
			InitialBackoff:   10 * time.Millisecond,
			MaxBackoff:       40 * time.Millisecond,
			DegradedInterval: time.Second,
		},
	})

	_, err := svc.Submit(context.Background(), raw(1))
	require.NoError(t, err)

	clk.BlockUntil(1)
	assert.False(t, svc.Stats().Degraded)
	clk.Advance(10 * time.Millisecond)

	clk.BlockUntil(1)
	stats := svc.Stats()
	assert.True(t, stats.Degraded)
	assert.Contains(t, stats.LastStorageErr, "disk full")

	// Submissions keep being accepted while degraded.
	ack, err := svc.Submit(context.Background(), raw(2))
	require.NoError(t, err)
	assert.Equal(t, Accepted, ack.Status)

	clk.Advance(time.Second)
	clk.BlockUntil(1)
	clk.Advance(time.Second)

	require.Eventually(t, func() bool { return svc.Stats().Persisted == 2 }, time.Second, time.Millisecond)
	assert.False(t, svc.Stats().Degraded)
	assert.Equal(t, []uint64{1, 2}, sink.sequences())
	svc.Drain(context.Background())
}

func TestBackoffDoublesUpToMax(t *testing.T) {
	svc := NewService(newFakeSink(), Options{Retry: config.RetryConfig{
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     40 * time.Millisecond,
	}})
	defer svc.Drain(context.Background())

	var got []time.Duration
	for attempt := 1; attempt <= 5; attempt++ {
		got = append(got, svc.backoff(attempt))
	}
	assert.Equal(t, []time.Duration{
		10 * time.Millisecond,
		20 * time.Millisecond,
		40 * time.Millisecond,
		40 * time.Millisecond,
		40 * time.Millisecond,
	}, got)
}

func TestDrainFlushesQueue(t *testing.T) {
	sink := newFakeSink()
	sink.gate = make(chan struct{})
	svc := NewService(sink, Options{Capacity: 8})
	ctx := context.Background()

	for seq := uint64(1); seq <= 3; seq++ {
		_, err := svc.Submit(ctx, raw(seq))
		require.NoError(t, err)
	}
	waitForCalls(t, sink, 1)

	reportCh := make(chan DrainReport, 1)
	go func() {
		drainCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		reportCh <- svc.Drain(drainCtx)
	}()

	require.Eventually(t, func() bool { return !svc.Stats().Accepting }, time.Second, time.Millisecond)
	_, err := svc.Submit(ctx, raw(4))
	assert.ErrorIs(t, err, ErrNotAccepting)

	close(sink.gate)
	report := <-reportCh
	assert.Equal(t, DrainReport{Flushed: 3}, report)
	assert.Equal(t, []uint64{1, 2, 3}, sink.sequences())

	// Draining again is a no-op.
	assert.Equal(t, DrainReport{}, svc.Drain(ctx))
}

func TestDrainTimeoutReportsLostEvents(t *testing.T) {
	sink := newFakeSink()
	sink.gate = make(chan struct{})
	svc := NewService(sink, Options{Capacity: 8})

	for seq := uint64(1); seq <= 3; seq++ {
		_, err := svc.Submit(context.Background(), raw(seq))
		require.NoError(t, err)
	}
	waitForCalls(t, sink, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	reportCh := make(chan DrainReport, 1)
	go func() { reportCh <- svc.Drain(ctx) }()

	// The append in progress finishes; nothing after it starts.
	<-svc.writerCtx.Done()
	close(sink.gate)

	report := <-reportCh
	assert.True(t, report.TimedOut)
	assert.Equal(t, 1, report.Flushed)
	assert.Equal(t, 2, report.Lost)
	assert.Equal(t, []uint64{1}, sink.sequences())
}

func TestDrainDoesNotWaitForHungWrite(t *testing.T) {
	sink := newFakeSink()
	sink.gate = make(chan struct{})
	defer close(sink.gate)
	svc := NewService(sink, Options{Capacity: 8, WriterGrace: 10 * time.Millisecond})

	for seq := uint64(1); seq <= 2; seq++ {
		_, err := svc.Submit(context.Background(), raw(seq))
		require.NoError(t, err)
	}
	waitForCalls(t, sink, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	reportCh := make(chan DrainReport, 1)
	go func() { reportCh <- svc.Drain(ctx) }()

	select {
	case report := <-reportCh:
		assert.True(t, report.TimedOut)
		assert.True(t, report.WriterBusy)
		assert.Zero(t, report.Flushed)
		assert.Equal(t, 2, report.Lost)
	case <-time.After(5 * time.Second):
		t.Fatal("drain blocked on a write that never returns")
	}
}
