// Package history answers read-only questions about captured commands:
// paged listings from the store index and statistics from the rollups.
package history

import (
	"context"
	"fmt"
	"time"

	"github.com/entl/cliwrapped/internal/api"
	"github.com/entl/cliwrapped/internal/event"
	"github.com/entl/cliwrapped/internal/rollup"
	"github.com/entl/cliwrapped/internal/storage"
)

// DefaultTopN is the ranking size when a request leaves it unset.
const DefaultTopN = 10

// Service is the query facade over the store and the aggregation engine.
// It never writes.
type Service struct {
	store  *storage.Store
	engine *rollup.Engine
}

// NewService creates a Service.
func NewService(store *storage.Store, engine *rollup.Engine) *Service {
	return &Service{store: store, engine: engine}
}

// ListHistory returns one newest-first page of history.
func (s *Service) ListHistory(ctx context.Context, opts storage.ListOptions) (storage.ListResult, error) {
	return s.store.List(ctx, opts)
}

// Session returns a session's commands in sequence order.
func (s *Service) Session(ctx context.Context, sessionID string) ([]event.CommandEvent, error) {
	return s.store.BySession(ctx, sessionID)
}

// CommandsByPrefix returns up to n stored commands starting with prefix,
// most used first.
func (s *Service) CommandsByPrefix(ctx context.Context, prefix string, n int) ([]storage.CommandCount, error) {
	return s.store.CommandsByPrefix(ctx, prefix, n)
}

// Period returns the period of g containing at, or now when at is zero.
func (s *Service) Period(g rollup.Granularity, at time.Time) rollup.Period {
	if at.IsZero() {
		return s.engine.Current(g)
	}
	return s.engine.Period(g, at)
}

// StatsQuery selects one metric over one period.
type StatsQuery struct {
	Metric    api.Metric
	Period    rollup.Period
	N         int
	Command   string
	Directory string
}

// Stats computes a metric from the rollups. An empty period yields zero
// values.
func (s *Service) Stats(q StatsQuery) (api.StatsResponse, error) {
	n := q.N
	if n <= 0 {
		n = DefaultTopN
	}

	resp := api.StatsResponse{Period: q.Period.Key(), Metric: q.Metric}
	switch q.Metric {
	case api.MetricTopCommands:
		resp.Entries = s.engine.TopFrequency(n, q.Period)
	case api.MetricTopCategories:
		resp.Entries = s.engine.TopCategories(n, q.Period)
	case api.MetricTopDirectories:
		resp.Entries = s.engine.TopDirectories(n, q.Period)
	case api.MetricSuccessRate:
		rate := s.engine.SuccessRate(q.Period)
		resp.Rate = &rate
	case api.MetricAverageDuration:
		filter := rollup.Filter{Period: q.Period}
		switch {
		case q.Command != "":
			filter.Dimension, filter.Key = rollup.DimCommand, q.Command
		case q.Directory != "":
			filter.Dimension, filter.Key = rollup.DimDirectory, q.Directory
		}
		avg := s.engine.AverageDuration(filter)
		resp.Average = &avg
	case api.MetricBusiestHour:
		slot := s.engine.BusiestPeriod(rollup.HourOfDay, q.Period)
		resp.Slot = &slot
	case api.MetricBusiestWeekday:
		slot := s.engine.BusiestPeriod(rollup.DayOfWeek, q.Period)
		resp.Slot = &slot
	case api.MetricHourlyActivity:
		hours := s.engine.HourlyActivity(q.Period)
		resp.Histogram = hours[:]
	case api.MetricTrend:
		trend := s.engine.Trend(q.Period)
		resp.Trend = &trend
	case api.MetricCommandsPerDay:
		rate := s.engine.CommandsPerDay(q.Period)
		resp.PerDay = &rate
	default:
		return api.StatsResponse{}, fmt.Errorf("unknown metric %q", q.Metric)
	}
	return resp, nil
}

// Wrapped builds the summary report of p.
func (s *Service) Wrapped(p rollup.Period) rollup.Report {
	return s.engine.Wrapped(p)
}

// WrappedYear builds the summary report of a calendar year.
func (s *Service) WrappedYear(year int) rollup.Report {
	return s.engine.WrappedYear(year)
}
