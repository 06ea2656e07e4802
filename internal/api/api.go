// Package api holds the message types and gRPC service descriptors of the
// query API. Messages are plain structs carried by the CBOR codec
// registered in internal/codec.
package api

import (
	"github.com/entl/cliwrapped/internal/event"
	"github.com/entl/cliwrapped/internal/lifecycle"
	"github.com/entl/cliwrapped/internal/rollup"
)

// Empty is the request of parameterless calls.
type Empty struct{}

// ListHistoryRequest filters a newest-first history listing. Zero values
// leave a filter unset.
type ListHistoryRequest struct {
	SessionID     string `json:"session_id,omitempty"`
	CommandPrefix string `json:"command_prefix,omitempty"`
	Directory     string `json:"directory,omitempty"`
	FromMs        int64  `json:"from_ms,omitempty"`
	ToMs          int64  `json:"to_ms,omitempty"`
	Limit         int    `json:"limit,omitempty"`
	Cursor        string `json:"cursor,omitempty"`
}

type ListHistoryResponse struct {
	Events     []event.CommandEvent `json:"events"`
	NextCursor string               `json:"next_cursor,omitempty"`
}

// Metric names a statistic served by Stats.
type Metric string

const (
	MetricTopCommands     Metric = "top_commands"
	MetricTopCategories   Metric = "top_categories"
	MetricTopDirectories  Metric = "top_directories"
	MetricSuccessRate     Metric = "success_rate"
	MetricAverageDuration Metric = "average_duration"
	MetricBusiestHour     Metric = "busiest_hour"
	MetricBusiestWeekday  Metric = "busiest_weekday"
	MetricHourlyActivity  Metric = "hourly_activity"
	MetricTrend           Metric = "trend"
	MetricCommandsPerDay  Metric = "commands_per_day"
)

// Metrics lists every supported metric.
var Metrics = []Metric{
	MetricTopCommands,
	MetricTopCategories,
	MetricTopDirectories,
	MetricSuccessRate,
	MetricAverageDuration,
	MetricBusiestHour,
	MetricBusiestWeekday,
	MetricHourlyActivity,
	MetricTrend,
	MetricCommandsPerDay,
}

// Valid reports whether m is a supported metric.
func (m Metric) Valid() bool {
	for _, known := range Metrics {
		if m == known {
			return true
		}
	}
	return false
}

// StatsRequest asks for one metric over the period of Granularity that
// contains AtMs (now when zero).
type StatsRequest struct {
	Metric      Metric `json:"metric"`
	Granularity string `json:"granularity"`
	AtMs        int64  `json:"at_ms,omitempty"`
	// N bounds the top_* rankings.
	N int `json:"n,omitempty"`
	// Command and Directory narrow average_duration.
	Command   string `json:"command,omitempty"`
	Directory string `json:"directory,omitempty"`
}

// StatsResponse carries the field matching the requested metric.
type StatsResponse struct {
	Period    string            `json:"period"`
	Metric    Metric            `json:"metric"`
	Entries   []rollup.Entry    `json:"entries,omitempty"`
	Rate      *rollup.Rate      `json:"rate,omitempty"`
	Average   *rollup.Average   `json:"average,omitempty"`
	Slot      *rollup.Slot      `json:"slot,omitempty"`
	Histogram []int64           `json:"histogram,omitempty"`
	Trend     *rollup.Trend     `json:"trend,omitempty"`
	PerDay    *rollup.DailyRate `json:"per_day,omitempty"`
}

// WrappedRequest selects the report period: a calendar year when Year is
// set, otherwise the period of Granularity containing AtMs.
type WrappedRequest struct {
	Year        int    `json:"year,omitempty"`
	Granularity string `json:"granularity,omitempty"`
	AtMs        int64  `json:"at_ms,omitempty"`
}

type WrappedResponse struct {
	Report rollup.Report `json:"report"`
}

type SuggestRequest struct {
	Input     string `json:"input"`
	CursorPos int    `json:"cursor_pos"`
	SessionID string `json:"session_id,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

type Suggestion struct {
	Text   string  `json:"text"`
	Source string  `json:"source"`
	Score  float32 `json:"score"`
}

type SuggestResponse struct {
	Suggestions []Suggestion `json:"suggestions"`
}

type StatusResponse struct {
	Status lifecycle.Status `json:"status"`
}

type PingRequest struct {
	Message string `json:"message,omitempty"`
}

type PingResponse struct {
	Message string `json:"message"`
}

type VersionResponse struct {
	Version string `json:"version"`
	Build   string `json:"build"`
}

// IngestCode classifies a rejected ingestion frame.
type IngestCode string

const (
	IngestInvalid     IngestCode = "invalid"
	IngestUnavailable IngestCode = "unavailable"
	IngestTimeout     IngestCode = "timeout"
	IngestMalformed   IngestCode = "malformed"
	IngestInternal    IngestCode = "internal"
)

// IngestResponse answers one RawEvent frame on the ingestion socket.
type IngestResponse struct {
	OK     bool       `json:"ok"`
	Error  string     `json:"error,omitempty"`
	Code   IngestCode `json:"code,omitempty"`
	Status string     `json:"status,omitempty"`
	Key    event.Key  `json:"key"`
}
