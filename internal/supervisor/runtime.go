package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/entl/cliwrapped/internal/clock"
	"github.com/entl/cliwrapped/internal/config"
	"github.com/entl/cliwrapped/internal/history"
	"github.com/entl/cliwrapped/internal/ingest"
	"github.com/entl/cliwrapped/internal/lifecycle"
	"github.com/entl/cliwrapped/internal/rollup"
	"github.com/entl/cliwrapped/internal/storage"
	"github.com/entl/cliwrapped/internal/suggest"
	"github.com/entl/cliwrapped/internal/wal"
)

// RetiredRollupsFile holds the totals of compacted segments.
const RetiredRollupsFile = "rollups.retired.cbor"

// Runtime is the set of components a running daemon is made of. It is
// built by Start, handed to the API handlers and torn down by Stop.
type Runtime struct {
	Store   *storage.Store
	Engine  *rollup.Engine
	Ingest  *ingest.Service
	History *history.Service
	Suggest *suggest.Service
}

// StoreOptions maps the configuration onto storage options.
func StoreOptions(cfg *config.Config, c clock.Clock, logger *slog.Logger) storage.Options {
	policy := wal.SyncBatched
	if cfg.Durability.Policy == config.SyncEachWrite {
		policy = wal.SyncEachWrite
	}
	return storage.Options{
		Dir:          cfg.StorageDir,
		SegmentSize:  int64(cfg.WAL.SegmentSize),
		Sync:         policy,
		SyncInterval: cfg.Durability.SyncInterval,
		Retention: storage.RetentionOptions{
			MaxAge:      cfg.Retention.MaxAge,
			MaxSize:     int64(cfg.Retention.MaxSize),
			Mode:        cfg.Retention.Mode,
			Compression: cfg.Retention.Compression,
		},
		Clock:  c,
		Logger: logger,
	}
}

// buildRuntime opens the store and brings the rollups up to date with
// it before ingestion starts. The store is closed again on failure.
func buildRuntime(ctx context.Context, cfg *config.Config, c clock.Clock, logger *slog.Logger) (*Runtime, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	store, err := storage.Open(ctx, StoreOptions(cfg, c, logger))
	if err != nil {
		return nil, err
	}

	engine := rollup.New(store, rollup.Options{
		Location:    loc,
		RetiredPath: filepath.Join(cfg.StorageDir, RetiredRollupsFile),
		Clock:       c,
		Logger:      logger,
	})
	store.SetCommitHook(engine.Observe)

	if err := engine.LoadRetired(); err != nil {
		store.Close()
		return nil, fmt.Errorf("loading retired rollups: %w", err)
	}
	if _, err := engine.Reconcile(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("rebuilding rollups: %w", err)
	}

	ingestSvc := ingest.NewService(store, ingest.Options{
		Capacity:    cfg.Ingest.Capacity,
		Overflow:    cfg.Ingest.Overflow,
		HookHandoff: cfg.Timeouts.HookHandoff,
		Retry:       cfg.Retry,
		Clock:       c,
		Logger:      logger,
	})

	historySvc := history.NewService(store, engine)
	return &Runtime{
		Store:   store,
		Engine:  engine,
		Ingest:  ingestSvc,
		History: historySvc,
		Suggest: suggest.NewService(logger,
			suggest.NewHistoryProvider(historySvc),
			suggest.NewDirectoryProvider(engine),
		),
	}, nil
}

// Offline takes the instance lock and opens the store for a one-shot task
// such as an import. It fails with *LockConflictError while a daemon owns
// the storage directory. The returned func closes the store and releases
// the lock. Rollups are rebuilt by the next daemon start.
func Offline(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*storage.Store, func() error, error) {
	if err := os.MkdirAll(cfg.StorageDir, 0o700); err != nil {
		return nil, nil, err
	}
	now := time.Now()
	lock, err := acquireLock(filepath.Join(cfg.StorageDir, LockFileName), lifecycle.Holder{
		PID:        os.Getpid(),
		InstanceID: uuid.NewString(),
		StartedAt:  now,
		Heartbeat:  now,
	})
	if err != nil {
		return nil, nil, err
	}

	store, err := storage.Open(ctx, StoreOptions(cfg, clock.Real(), logger))
	if err != nil {
		lock.release()
		return nil, nil, err
	}
	return store, func() error {
		return errors.Join(store.Close(), lock.release())
	}, nil
}
