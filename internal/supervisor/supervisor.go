// Package supervisor owns the daemon lifecycle: it takes the instance
// lock, builds the runtime, serves the ingestion socket and query API,
// runs the background tasks and tears everything down again on Stop.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/entl/cliwrapped/internal/clock"
	"github.com/entl/cliwrapped/internal/config"
	"github.com/entl/cliwrapped/internal/importer"
	"github.com/entl/cliwrapped/internal/lifecycle"
	"github.com/entl/cliwrapped/internal/server"
	"github.com/entl/cliwrapped/internal/storage"
	"github.com/entl/cliwrapped/internal/system"
)

// Options configures a Supervisor.
type Options struct {
	Config  *config.Config
	Version string
	Build   string
	Clock   clock.Clock
	Logger  *slog.Logger
}

// Supervisor runs one daemon instance.
type Supervisor struct {
	cfg     *config.Config
	version string
	build   string
	clock   clock.Clock
	logger  *slog.Logger

	// opMu serializes Start, Stop and failure teardown.
	opMu sync.Mutex

	mu         sync.Mutex
	state      lifecycle.State
	instanceID string
	startedAt  time.Time
	failure    string
	lastStop   *lifecycle.StopReport
	rt         *Runtime
	lock       *instanceLock
	ingestSrv  *server.IngestServer
	grpcSrv    *grpc.Server
	cancel     context.CancelFunc
	group      *errgroup.Group
	done       chan struct{}
}

// New returns a stopped supervisor.
func New(opts Options) *Supervisor {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	c := opts.Clock
	if c == nil {
		c = clock.Real()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Supervisor{
		cfg:     cfg,
		version: opts.Version,
		build:   opts.Build,
		clock:   c,
		logger:  logger,
		state:   lifecycle.Stopped,
	}
}

// LockPath returns the instance lock file.
func (s *Supervisor) LockPath() string {
	return filepath.Join(s.cfg.StorageDir, LockFileName)
}

// State returns the lifecycle state.
func (s *Supervisor) State() lifecycle.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Runtime returns the running components, nil unless Running or
// Draining.
func (s *Supervisor) Runtime() *Runtime {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rt
}

// Done is closed when the current instance stops or fails. It is nil
// before the first Start.
func (s *Supervisor) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Start brings the daemon up. Starting an instance that is already
// running, here or in another process, changes nothing and returns its
// status.
func (s *Supervisor) Start(ctx context.Context) (lifecycle.Status, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	current := s.State()
	if current == lifecycle.Running {
		return s.Status(), nil
	}
	if err := lifecycle.Transition(current, lifecycle.Starting); err != nil {
		return s.Status(), err
	}
	s.setState(lifecycle.Starting)

	now := s.clock.Now()
	instanceID := uuid.NewString()
	if err := os.MkdirAll(s.cfg.StorageDir, 0o700); err != nil {
		return s.failStart(fmt.Errorf("creating storage directory: %w", err))
	}

	lock, err := acquireLock(s.LockPath(), lifecycle.Holder{
		PID:        os.Getpid(),
		InstanceID: instanceID,
		StartedAt:  now,
		Heartbeat:  now,
	})
	var conflict *LockConflictError
	if errors.As(err, &conflict) {
		s.setState(lifecycle.Stopped)
		status := s.Status()
		if conflict.Holder != nil {
			holder := *conflict.Holder
			markStale(&holder, now, s.cfg.Supervisor.StaleLockAfter)
			status.Holder = &holder
			s.logger.Info("another instance holds the lock",
				"pid", holder.PID, "instance", holder.InstanceID, "stale", holder.Stale)
		}
		return status, nil
	}
	if err != nil {
		return s.failStart(err)
	}

	if err := s.launch(ctx, lock, instanceID, now); err != nil {
		if releaseErr := lock.release(); releaseErr != nil {
			s.logger.Warn("releasing lock", "error", releaseErr)
		}
		return s.failStart(err)
	}
	return s.Status(), nil
}

func (s *Supervisor) failStart(err error) (lifecycle.Status, error) {
	s.logger.Error("start failed", "error", err, "corruption", storage.IsCorruption(err))
	s.mu.Lock()
	s.state = lifecycle.Failed
	s.failure = err.Error()
	s.mu.Unlock()
	return s.Status(), err
}

func (s *Supervisor) launch(ctx context.Context, lock *instanceLock, instanceID string, now time.Time) error {
	rt, err := buildRuntime(ctx, s.cfg, s.clock, s.logger)
	if err != nil {
		return err
	}

	ingestLis, err := server.ListenUnix(s.cfg.Ingest.SocketPath)
	if err != nil {
		closeRuntime(rt)
		return fmt.Errorf("ingest socket: %w", err)
	}
	apiLis, err := server.ListenUnix(s.cfg.API.SocketPath)
	if err != nil {
		ingestLis.Close()
		closeRuntime(rt)
		return fmt.Errorf("api socket: %w", err)
	}

	ingestSrv := server.NewIngestServer(rt.Ingest, s.logger)
	grpcSrv := server.NewGRPCServer(server.Services{
		History:    server.NewHistoryServer(rt.History),
		Suggestion: server.NewSuggestionServer(rt.Suggest),
		System:     system.New(s.version, s.build, s.Status, s.logger),
	}, s.logger)

	taskCtx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(taskCtx)

	g.Go(func() error { return s.serve("ingest socket", ingestSrv.Serve, ingestLis) })
	g.Go(func() error { return s.serve("api socket", grpcSrv.Serve, apiLis) })

	if files := s.cfg.Import.WatchFiles; len(files) > 0 {
		tailer, err := importer.NewTailer(files, rt.Ingest, importer.Options{Clock: s.clock, Logger: s.logger})
		if err != nil {
			s.logger.Warn("stats-log tailing disabled", "error", err)
		} else {
			g.Go(func() error { return tailer.Run(gctx) })
		}
	}

	s.every(gctx, g, "reconcile", s.cfg.Supervisor.ReconcileInterval, func(ctx context.Context) error {
		_, err := rt.Engine.Reconcile(ctx)
		return err
	})
	s.every(gctx, g, "compaction", s.cfg.Retention.CompactionInterval, func(ctx context.Context) error {
		_, err := rt.Store.Compact(ctx, rt.Engine)
		return err
	})
	s.every(gctx, g, "heartbeat", s.cfg.Supervisor.HeartbeatInterval, func(context.Context) error {
		return lock.heartbeat(s.clock.Now())
	})

	s.mu.Lock()
	s.state = lifecycle.Running
	s.instanceID = instanceID
	s.startedAt = now
	s.failure = ""
	s.rt = rt
	s.lock = lock
	s.ingestSrv = ingestSrv
	s.grpcSrv = grpcSrv
	s.cancel = cancel
	s.group = g
	s.done = make(chan struct{})
	s.mu.Unlock()

	recovery := rt.Store.Recovery()
	s.logger.Info("daemon started",
		"pid", os.Getpid(),
		"instance", instanceID,
		"ingest_socket", s.cfg.Ingest.SocketPath,
		"api_socket", s.cfg.API.SocketPath,
		"replayed", recovery.Replayed,
		"rebuilt_index", recovery.RebuiltIndex,
	)
	return nil
}

// serve runs a listener loop. A server that dies on its own takes the
// daemon down with it.
func (s *Supervisor) serve(name string, serve func(net.Listener) error, lis net.Listener) error {
	if err := serve(lis); err != nil {
		s.failAsync(fmt.Errorf("%s: %w", name, err))
	}
	return nil
}

// every runs fn on each tick until ctx is done. A corruption error fails
// the daemon; other errors are logged and retried on the next tick.
func (s *Supervisor) every(ctx context.Context, g *errgroup.Group, name string, interval time.Duration, fn func(context.Context) error) {
	if interval <= 0 {
		return
	}
	g.Go(func() error {
		ticker := s.clock.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
			err := fn(ctx)
			switch {
			case err == nil, ctx.Err() != nil:
			case storage.IsCorruption(err):
				s.failAsync(fmt.Errorf("%s: %w", name, err))
				return nil
			default:
				s.logger.Warn("background task failed", "task", name, "error", err)
			}
		}
	})
}

// Stop drains ingestion within the drain timeout and shuts everything
// down. Stopping a stopped daemon is a no-op.
func (s *Supervisor) Stop(ctx context.Context) (lifecycle.StopReport, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	switch current := s.State(); current {
	case lifecycle.Stopped:
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.lastStop != nil {
			return *s.lastStop, nil
		}
		return lifecycle.StopReport{}, nil
	case lifecycle.Failed:
		s.mu.Lock()
		report := lifecycle.StopReport{At: s.clock.Now(), Warning: "stopped after failure: " + s.failure}
		s.state = lifecycle.Stopped
		s.lastStop = &report
		s.mu.Unlock()
		return report, nil
	case lifecycle.Running:
	default:
		return lifecycle.StopReport{}, lifecycle.Transition(current, lifecycle.Draining)
	}

	s.setState(lifecycle.Draining)
	s.logger.Info("draining", "timeout", s.cfg.Timeouts.Drain)

	report := s.drain(ctx)
	err := s.teardown(report.WriterBusy)

	s.mu.Lock()
	s.state = lifecycle.Stopped
	s.lastStop = &report
	s.mu.Unlock()

	s.logger.Info("daemon stopped", "flushed", report.Flushed, "lost", report.Lost, "timed_out", report.TimedOut)
	return report, err
}

func (s *Supervisor) drain(ctx context.Context) lifecycle.StopReport {
	if timeout := s.cfg.Timeouts.Drain; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	rt := s.Runtime()
	drained := rt.Ingest.Drain(ctx)
	report := lifecycle.StopReport{
		Flushed:    drained.Flushed,
		Lost:       drained.Lost,
		TimedOut:   drained.TimedOut,
		WriterBusy: drained.WriterBusy,
		At:         s.clock.Now(),
	}
	if drained.TimedOut {
		report.Warning = fmt.Sprintf("drain timed out after %s: %d events were not stored", s.cfg.Timeouts.Drain, drained.Lost)
		if drained.WriterBusy {
			report.Warning += "; a store write is still in progress"
		}
		s.logger.Warn(report.Warning)
	}
	return report
}

// teardown stops the servers and tasks, closes the store and releases
// the lock. Ingestion must already be drained. With writerBusy the store
// is closed in the background, since Close waits for the write in
// progress, and the lock is held until it returns.
func (s *Supervisor) teardown(writerBusy bool) error {
	s.mu.Lock()
	rt, lock := s.rt, s.lock
	ingestSrv, grpcSrv := s.ingestSrv, s.grpcSrv
	cancel, group, done := s.cancel, s.group, s.done
	s.mu.Unlock()

	ingestSrv.Close()
	grpcSrv.Stop()
	cancel()
	if err := group.Wait(); err != nil {
		s.logger.Warn("background task error", "error", err)
	}

	var err error
	if writerBusy {
		go func() {
			if err := closeStore(rt, lock); err != nil {
				s.logger.Warn("closing store after busy writer", "error", err)
			}
		}()
	} else {
		err = closeStore(rt, lock)
	}

	s.mu.Lock()
	s.rt = nil
	s.lock = nil
	s.ingestSrv = nil
	s.grpcSrv = nil
	s.cancel = nil
	s.group = nil
	s.mu.Unlock()
	close(done)
	return err
}

func closeStore(rt *Runtime, lock *instanceLock) error {
	var errs []error
	if err := rt.Store.Sync(); err != nil {
		errs = append(errs, fmt.Errorf("syncing store: %w", err))
	}
	if err := rt.Store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing store: %w", err))
	}
	if err := lock.release(); err != nil {
		errs = append(errs, fmt.Errorf("releasing lock: %w", err))
	}
	return errors.Join(errs...)
}

func (s *Supervisor) failAsync(cause error) {
	go s.fail(cause)
}

// fail moves a running daemon to Failed and releases its resources.
func (s *Supervisor) fail(cause error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	if s.State() != lifecycle.Running {
		return
	}

	s.logger.Error("daemon failed", "error", cause, "corruption", storage.IsCorruption(cause))
	s.mu.Lock()
	s.state = lifecycle.Failed
	s.failure = cause.Error()
	s.mu.Unlock()

	report := s.drain(context.Background())
	report.Warning = "failed: " + cause.Error()
	if err := s.teardown(report.WriterBusy); err != nil {
		s.logger.Warn("teardown after failure", "error", err)
	}
	s.mu.Lock()
	s.lastStop = &report
	s.mu.Unlock()
}

func (s *Supervisor) setState(state lifecycle.State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// Status returns a snapshot of the daemon. When this supervisor is not
// running it reports the process holding the lock, if any.
func (s *Supervisor) Status() lifecycle.Status {
	now := s.clock.Now()

	s.mu.Lock()
	status := lifecycle.Status{
		State:         s.state,
		InstanceID:    s.instanceID,
		StartedAt:     s.startedAt,
		FailureReason: s.failure,
		LastStop:      s.lastStop,
	}
	rt := s.rt
	s.mu.Unlock()

	if rt != nil {
		status.PID = os.Getpid()
		status.Uptime = now.Sub(status.StartedAt)
		stats := rt.Ingest.Stats()
		status.QueueDepth = stats.QueueDepth
		status.QueueCapacity = stats.Capacity
		status.Accepted = stats.Accepted
		status.Persisted = stats.Persisted
		status.Duplicates = stats.Duplicates
		status.Rejected = stats.Rejected
		status.Dropped = stats.Dropped
		status.StorageDegraded = stats.Degraded
		status.LastStorageErr = stats.LastStorageErr
		return status
	}

	holder, err := probeHolder(s.LockPath(), now, s.cfg.Supervisor.StaleLockAfter)
	if err != nil {
		s.logger.Debug("probing instance lock", "error", err)
	}
	status.Holder = holder
	return status
}

// closeRuntime releases a runtime that never served.
func closeRuntime(rt *Runtime) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rt.Ingest.Drain(ctx)
	rt.Store.Close()
}
