// Package storage is the durable event store: a write-ahead log that is
// the system of record, plus a SQLite index that serves queries and can
// always be rebuilt from the log.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/entl/cliwrapped/internal/clock"
	"github.com/entl/cliwrapped/internal/codec"
	"github.com/entl/cliwrapped/internal/event"
	"github.com/entl/cliwrapped/internal/wal"
)

var (
	// ErrDuplicate is returned by Append when the event's key is already
	// stored.
	ErrDuplicate = errors.New("storage: duplicate event key")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("storage: store is closed")
	// ErrInvalidCursor is returned by List for a malformed cursor.
	ErrInvalidCursor = errors.New("storage: invalid cursor")
)

// CorruptionError reports stored data that cannot be trusted. The store
// refuses to continue rather than drop it.
type CorruptionError struct {
	Path   string
	Reason string
	Err    error
}

func (e *CorruptionError) Error() string {
	msg := "storage: corruption in " + e.Path + ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CorruptionError) Unwrap() error { return e.Err }

// IsCorruption reports whether err marks corrupt storage.
func IsCorruption(err error) bool {
	var storeErr *CorruptionError
	var walErr *wal.CorruptionError
	return errors.As(err, &storeErr) || errors.As(err, &walErr)
}

// Options configures a Store.
type Options struct {
	// Dir is the storage directory. The WAL lives in Dir/wal, the index
	// in Dir/index.db and archives in Dir/archive.
	Dir          string
	SegmentSize  int64
	Sync         wal.SyncPolicy
	SyncInterval time.Duration
	Retention    RetentionOptions
	Clock        clock.Clock
	Logger       *slog.Logger
}

// RecoveryReport summarizes what Open did to bring the index in line
// with the log.
type RecoveryReport struct {
	Replayed       int
	RebuiltIndex   bool
	TruncatedTail  *wal.Repair
	DroppedIndexed int64
}

// Store is the durable event store. Appends are serialized by a single
// writer lock; reads run concurrently against index snapshots.
type Store struct {
	opts   Options
	logger *slog.Logger
	clock  clock.Clock

	log *wal.Log
	db  *DB

	writeMu    sync.Mutex
	closed     bool
	commitHook func(event.CommandEvent)

	recovery RecoveryReport
}

const replayBatchSize = 512

// DefaultSegmentSize is used when Options.SegmentSize is zero.
const DefaultSegmentSize = 16 << 20

// Open opens the store in opts.Dir, recovering the index from the log.
func Open(ctx context.Context, opts Options) (*Store, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("storage: Dir is required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.SegmentSize == 0 {
		opts.SegmentSize = DefaultSegmentSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	logger = logger.With("component", "storage")

	if err := os.MkdirAll(opts.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("storage: creating %s: %w", opts.Dir, err)
	}
	if err := checkSchemaMarker(opts.Dir, opts.Clock.Now()); err != nil {
		return nil, err
	}

	log, err := wal.Open(wal.Options{
		Dir:          filepath.Join(opts.Dir, "wal"),
		SegmentSize:  opts.SegmentSize,
		Sync:         opts.Sync,
		SyncInterval: opts.SyncInterval,
		Clock:        opts.Clock,
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}

	s := &Store{opts: opts, logger: logger, clock: opts.Clock, log: log}
	s.recovery.TruncatedTail = log.Repaired()

	if err := s.openIndex(); err != nil {
		log.Close()
		return nil, err
	}
	if err := s.recover(ctx); err != nil {
		s.db.Close()
		log.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) indexPath() string {
	return filepath.Join(s.opts.Dir, "index.db")
}

// openIndex opens the index, moving an unreadable database aside so it is
// rebuilt from the log.
func (s *Store) openIndex() error {
	db, err := NewDB(s.indexPath())
	if err == nil {
		s.db = db
		return nil
	}

	aside := fmt.Sprintf("%s.broken-%d", s.indexPath(), s.clock.Now().Unix())
	s.logger.Warn("index unreadable, rebuilding from log", "error", err, "moved_to", aside)
	for _, suffix := range []string{"", "-wal", "-shm"} {
		if renameErr := os.Rename(s.indexPath()+suffix, aside+suffix); renameErr != nil && !os.IsNotExist(renameErr) {
			return fmt.Errorf("storage: moving broken index aside: %w", renameErr)
		}
	}

	db, err = NewDB(s.indexPath())
	if err != nil {
		return fmt.Errorf("storage: recreating index: %w", err)
	}
	s.db = db
	s.recovery.RebuiltIndex = true
	return nil
}

// recover compares the index checkpoint with the log and replays or trims
// until they agree.
func (s *Store) recover(ctx context.Context) error {
	checkpoint, ok, err := s.db.checkpoint(ctx)
	if err != nil {
		return err
	}
	end := s.log.End()

	switch {
	case !ok:
		s.recovery.RebuiltIndex = true
		return s.replay(ctx, wal.Position{})

	case end.Less(checkpoint):
		// The log lost its tail after the index saw it.
		dropped, err := s.db.deleteFrom(ctx, end)
		if err != nil {
			return err
		}
		s.recovery.DroppedIndexed = dropped
		s.logger.Warn("index ahead of log, dropped rows past log end",
			"checkpoint", checkpoint.String(),
			"log_end", end.String(),
			"rows", dropped,
		)
		return nil

	case checkpoint.Less(end):
		return s.replay(ctx, checkpoint)

	default:
		return nil
	}
}

// replay indexes every frame from the given position in batches.
func (s *Store) replay(ctx context.Context, from wal.Position) error {
	var batch []indexedEvent
	var next wal.Position

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		inserted, err := s.db.insertCommands(ctx, batch, next)
		if err != nil {
			return err
		}
		s.recovery.Replayed += inserted
		batch = batch[:0]
		return nil
	}

	err := s.log.Replay(from, func(position wal.Position, payload []byte) error {
		var e event.CommandEvent
		if err := codec.Unmarshal(payload, &e); err != nil {
			return &CorruptionError{
				Path:   s.log.SegmentPath(position.Segment),
				Reason: fmt.Sprintf("undecodable record at offset %d", position.Offset),
				Err:    err,
			}
		}
		batch = append(batch, indexedEvent{event: e, position: position})
		next = position.Next(len(payload))
		if len(batch) >= replayBatchSize {
			if err := ctx.Err(); err != nil {
				return err
			}
			return flush()
		}
		return nil
	})
	if err != nil {
		return err
	}
	if err := flush(); err != nil {
		return err
	}

	if s.recovery.Replayed > 0 {
		s.logger.Info("replayed log into index", "from", from.String(), "records", s.recovery.Replayed)
	}
	return nil
}

// Recovery reports what Open had to repair.
func (s *Store) Recovery() RecoveryReport {
	return s.recovery
}

// Append durably stores one event. The event is in the log according to
// the sync policy and visible to queries when Append returns.
func (s *Store) Append(ctx context.Context, e event.CommandEvent) (Receipt, error) {
	payload, err := codec.Marshal(e)
	if err != nil {
		return Receipt{}, fmt.Errorf("storage: encoding event: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.closed {
		return Receipt{}, ErrClosed
	}

	exists, err := s.db.contains(ctx, e.Key())
	if err != nil {
		return Receipt{}, err
	}
	if exists {
		return Receipt{}, ErrDuplicate
	}

	position, err := s.log.Append(payload)
	if err != nil {
		return Receipt{}, err
	}

	// The frame is already in the log, so an index failure here is
	// repaired by replay on the next open. Use a fresh context so a
	// cancelled caller cannot leave the index behind the log.
	if _, err := s.db.insertCommands(context.WithoutCancel(ctx),
		[]indexedEvent{{event: e, position: position}},
		position.Next(len(payload)),
	); err != nil {
		return Receipt{}, err
	}
	if s.commitHook != nil {
		s.commitHook(e)
	}

	return Receipt{Position: position}, nil
}

// SetCommitHook registers fn to run for every appended event once it is
// committed. fn runs under the writer lock, so it observes commits in
// order and must not call back into the store.
func (s *Store) SetCommitHook(fn func(event.CommandEvent)) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.commitHook = fn
}

// Contains reports whether an event with the key is stored.
func (s *Store) Contains(ctx context.Context, key event.Key) (bool, error) {
	return s.db.contains(ctx, key)
}

// Sync flushes the log to stable storage.
func (s *Store) Sync() error {
	return s.log.Sync()
}

// Close syncs the log and closes the store.
func (s *Store) Close() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return errors.Join(s.log.Close(), s.db.Close())
}

// Range returns events whose start lies in the window, oldest first.
func (s *Store) Range(ctx context.Context, window Window, limit int) ([]event.CommandEvent, error) {
	query := `SELECT ` + selectColumns + ` FROM commands WHERE ts >= ? AND ts < ? ORDER BY ts ASC, id ASC LIMIT ?`
	from := int64(0)
	if !window.From.IsZero() {
		from = window.From.UnixMilli()
	}
	to := int64(1<<63 - 1)
	if !window.To.IsZero() {
		to = window.To.UnixMilli()
	}
	return s.db.queryEvents(ctx, query, from, to, clampLimit(limit))
}

// ByCommand returns events whose command equals text, or starts with it
// when prefix is set, newest first.
func (s *Store) ByCommand(ctx context.Context, text string, prefix bool, limit int) ([]event.CommandEvent, error) {
	if prefix {
		cond, args := prefixMatch("cmd_text", text)
		return s.db.queryEvents(ctx,
			`SELECT `+selectColumns+` FROM commands WHERE `+cond+` ORDER BY ts DESC, id DESC LIMIT ?`,
			append(args, clampLimit(limit))...)
	}
	return s.db.queryEvents(ctx,
		`SELECT `+selectColumns+` FROM commands WHERE cmd_text = ? ORDER BY ts DESC, id DESC LIMIT ?`,
		text, clampLimit(limit))
}

// ByDirectory returns events run in dir, or anywhere below it when
// prefix is set, newest first.
func (s *Store) ByDirectory(ctx context.Context, dir string, prefix bool, limit int) ([]event.CommandEvent, error) {
	if prefix {
		base := filepath.Clean(dir)
		below := base + string(filepath.Separator)
		if base == string(filepath.Separator) {
			below = base
		}
		cond, args := prefixMatch("cwd", below)
		args = append([]any{base}, args...)
		return s.db.queryEvents(ctx,
			`SELECT `+selectColumns+` FROM commands WHERE (cwd = ? OR `+cond+`) ORDER BY ts DESC, id DESC LIMIT ?`,
			append(args, clampLimit(limit))...)
	}
	return s.db.queryEvents(ctx,
		`SELECT `+selectColumns+` FROM commands WHERE cwd = ? ORDER BY ts DESC, id DESC LIMIT ?`,
		dir, clampLimit(limit))
}

// BySession returns every stored event of a session in sequence order.
func (s *Store) BySession(ctx context.Context, sessionID string) ([]event.CommandEvent, error) {
	return s.db.queryEvents(ctx,
		`SELECT `+selectColumns+` FROM commands WHERE session_id = ? ORDER BY seq ASC`,
		sessionID)
}

// List returns a filtered newest-first page of history.
func (s *Store) List(ctx context.Context, opts ListOptions) (ListResult, error) {
	return s.db.listCommands(ctx, opts)
}

// TopCommands returns the n most used commands, ties in lexical order.
func (s *Store) TopCommands(ctx context.Context, n int) ([]CommandCount, error) {
	if n <= 0 {
		return nil, nil
	}
	return s.db.topCommands(ctx, "", n)
}

// CommandsByPrefix returns the n most used commands starting with prefix.
func (s *Store) CommandsByPrefix(ctx context.Context, prefix string, n int) ([]CommandCount, error) {
	if n <= 0 {
		return nil, nil
	}
	return s.db.topCommands(ctx, prefix, n)
}

// Count returns the number of stored events.
func (s *Store) Count(ctx context.Context) (int64, error) {
	return s.db.count(ctx)
}

const scanPageSize = 1000

// Scan calls fn for every stored event held in segments after
// afterSegment. It reads in pages and checks ctx between pages.
func (s *Store) Scan(ctx context.Context, afterSegment uint64, fn func(event.CommandEvent) error) error {
	return s.ScanSnapshot(ctx, afterSegment, nil, fn)
}

// ScanSnapshot is Scan bounded to the events committed when it starts.
// onSnapshot, if set, runs under the writer lock at that instant: every
// commit before it is scanned and every commit hook after it fires
// later.
func (s *Store) ScanSnapshot(ctx context.Context, afterSegment uint64, onSnapshot func(), fn func(event.CommandEvent) error) error {
	s.writeMu.Lock()
	if s.closed {
		s.writeMu.Unlock()
		return ErrClosed
	}
	maxID, err := s.db.maxID(ctx)
	if err == nil && onSnapshot != nil {
		onSnapshot()
	}
	s.writeMu.Unlock()
	if err != nil {
		return err
	}

	var lastID int64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		page, err := s.db.scanPage(ctx, afterSegment, lastID, maxID, scanPageSize)
		if err != nil {
			return err
		}
		for _, row := range page {
			if err := fn(row.event); err != nil {
				return err
			}
		}
		if len(page) < scanPageSize {
			return nil
		}
		lastID = page[len(page)-1].id
	}
}

// LogEnd returns the position the next record will be written at.
func (s *Store) LogEnd() wal.Position {
	return s.log.End()
}

// Segments describes the log segments, oldest first.
func (s *Store) Segments() ([]wal.SegmentInfo, error) {
	return s.log.Segments()
}
