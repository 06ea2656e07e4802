// Package rollup is the aggregation engine. It keeps per-period counters
// current as events are committed, answers analytical queries from them
// and periodically rebuilds them from the store to correct drift.
//
// The live set always equals retired + everything still stored. Retired
// holds the totals of segments that compaction removed from the store and
// is persisted on its own, so retention never changes a query answer.
package rollup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/natefinch/atomic"

	"github.com/entl/cliwrapped/internal/clock"
	"github.com/entl/cliwrapped/internal/codec"
	"github.com/entl/cliwrapped/internal/event"
)

// Source is the store the engine rebuilds from.
type Source interface {
	// ScanSnapshot visits every event held in segments after
	// afterSegment that was committed when onSnapshot ran.
	ScanSnapshot(ctx context.Context, afterSegment uint64, onSnapshot func(), fn func(event.CommandEvent) error) error
}

// Options configures an Engine.
type Options struct {
	// Location is the zone bucket boundaries are computed in.
	Location *time.Location
	// RetiredPath is where the retired rollups are persisted. Empty keeps
	// them in memory only.
	RetiredPath string
	Clock       clock.Clock
	Logger      *slog.Logger
}

// ReconcileReport describes one rebuild.
type ReconcileReport struct {
	Events   int
	Drift    bool
	At       time.Time
	Duration time.Duration
}

// Engine maintains the rollups.
type Engine struct {
	source      Source
	loc         *time.Location
	retiredPath string
	clock       clock.Clock
	logger      *slog.Logger

	// maintenance serializes Reconcile and Retire.
	maintenance sync.Mutex

	mu             sync.RWMutex
	live           *Set
	retired        *Set
	retiredThrough uint64
	capturing      bool
	pending        []event.CommandEvent
	lastReconcile  ReconcileReport
}

// New returns an engine with empty rollups. Call LoadRetired and
// Reconcile to bring it up to date with an existing store.
func New(source Source, opts Options) *Engine {
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}
	c := opts.Clock
	if c == nil {
		c = clock.Real()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Engine{
		source:      source,
		loc:         loc,
		retiredPath: opts.RetiredPath,
		clock:       c,
		logger:      logger.With("component", "rollup"),
		live:        NewSet(),
		retired:     NewSet(),
	}
}

// Location returns the engine's time zone.
func (e *Engine) Location() *time.Location {
	return e.loc
}

// Now returns the current time in the engine's zone.
func (e *Engine) Now() time.Time {
	return e.clock.Now().In(e.loc)
}

// Observe counts one committed event.
func (e *Engine) Observe(ev event.CommandEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.live.Add(ev, e.loc)
	if e.capturing {
		e.pending = append(e.pending, ev)
	}
}

// Reconcile rebuilds the live rollups as retired + a scan of the store
// and swaps them in. Events committed while the scan runs are carried
// over. It reports whether the rebuilt rollups differed.
func (e *Engine) Reconcile(ctx context.Context) (ReconcileReport, error) {
	e.maintenance.Lock()
	defer e.maintenance.Unlock()

	started := e.clock.Now()

	e.mu.RLock()
	fresh := e.retired.Clone()
	through := e.retiredThrough
	e.mu.RUnlock()

	scanned := 0
	err := e.source.ScanSnapshot(ctx, through,
		func() {
			e.mu.Lock()
			e.capturing = true
			e.pending = nil
			e.mu.Unlock()
		},
		func(ev event.CommandEvent) error {
			fresh.Add(ev, e.loc)
			scanned++
			return nil
		},
	)

	e.mu.Lock()
	defer e.mu.Unlock()

	pending := e.pending
	e.capturing = false
	e.pending = nil
	if err != nil {
		return ReconcileReport{}, fmt.Errorf("rollup: reconcile: %w", err)
	}

	for _, ev := range pending {
		fresh.Add(ev, e.loc)
	}

	report := ReconcileReport{
		Events:   scanned,
		Drift:    !slices.Equal(fresh.Records(), e.live.Records()),
		At:       started,
		Duration: e.clock.Now().Sub(started),
	}
	e.live = fresh
	e.lastReconcile = report

	if report.Drift {
		e.logger.Info("rollups rebuilt with drift", "events", scanned, "retired_through", through)
	} else {
		e.logger.Debug("rollups reconciled", "events", scanned)
	}
	return report, nil
}

// LastReconcile returns the report of the most recent rebuild.
func (e *Engine) LastReconcile() ReconcileReport {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastReconcile
}

type retiredSnapshot struct {
	Version int    `json:"version"`
	Through uint64 `json:"through"`
	Set     *Set   `json:"set"`
}

const retiredVersion = 1

// Retire folds the events of a segment leaving the store into the retired
// rollups and persists them. Segments at or below the last retired one are
// ignored, so retiring twice never double counts. Live rollups already
// include these events and are not touched.
func (e *Engine) Retire(ctx context.Context, segment uint64, events []event.CommandEvent) error {
	e.maintenance.Lock()
	defer e.maintenance.Unlock()

	e.mu.RLock()
	through := e.retiredThrough
	retired := e.retired.Clone()
	e.mu.RUnlock()

	if segment <= through {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	for _, ev := range events {
		retired.Add(ev, e.loc)
	}
	if err := e.persistRetired(segment, retired); err != nil {
		return err
	}

	e.mu.Lock()
	e.retired = retired
	e.retiredThrough = segment
	e.mu.Unlock()

	e.logger.Debug("retired segment", "segment", segment, "events", len(events))
	return nil
}

func (e *Engine) persistRetired(through uint64, set *Set) error {
	if e.retiredPath == "" {
		return nil
	}
	data, err := codec.Marshal(retiredSnapshot{Version: retiredVersion, Through: through, Set: set})
	if err != nil {
		return fmt.Errorf("rollup: encoding retired rollups: %w", err)
	}
	if err := atomic.WriteFile(e.retiredPath, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("rollup: writing retired rollups: %w", err)
	}
	return nil
}

// LoadRetired reads the persisted retired rollups. A missing file means
// nothing was retired yet.
func (e *Engine) LoadRetired() error {
	if e.retiredPath == "" {
		return nil
	}
	data, err := os.ReadFile(e.retiredPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("rollup: reading retired rollups: %w", err)
	}

	var snapshot retiredSnapshot
	if err := codec.Unmarshal(data, &snapshot); err != nil {
		return fmt.Errorf("rollup: decoding retired rollups %s: %w", e.retiredPath, err)
	}
	if snapshot.Version > retiredVersion {
		return fmt.Errorf("rollup: retired rollups version %d is newer than supported %d", snapshot.Version, retiredVersion)
	}
	set := NewSet()
	if snapshot.Set != nil {
		set.Merge(snapshot.Set)
	}

	e.mu.Lock()
	e.retired = set
	e.retiredThrough = snapshot.Through
	e.mu.Unlock()
	return nil
}

// RetiredThrough returns the last retired segment, 0 if none.
func (e *Engine) RetiredThrough() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.retiredThrough
}

// Snapshot returns a copy of the live rollups.
func (e *Engine) Snapshot() *Set {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.live.Clone()
}

// Records flattens the live rollups.
func (e *Engine) Records() []AggregateRecord {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.live.Records()
}
