package validators

import (
	"fmt"

	"github.com/entl/cliwrapped/internal/api"
	"github.com/entl/cliwrapped/internal/rollup"
)

// MaxListLimit bounds the page size of ListHistory.
const MaxListLimit = 1000

func ValidateListHistoryRequest(req *api.ListHistoryRequest) error {
	var violations []FieldViolation

	if req == nil {
		addViolation(&violations, "request", "request cannot be nil")
		return returnIfViolations(violations)
	}

	if req.Limit < 0 || req.Limit > MaxListLimit {
		addViolation(&violations, "limit", fmt.Sprintf("limit must be between 0 and %d", MaxListLimit))
	}

	if req.FromMs < 0 {
		addViolation(&violations, "from_ms", "from_ms must not be negative")
	}

	if req.ToMs < 0 {
		addViolation(&violations, "to_ms", "to_ms must not be negative")
	}

	if req.FromMs > 0 && req.ToMs > 0 && req.ToMs <= req.FromMs {
		addViolation(&violations, "to_ms", "to_ms must be after from_ms")
	}

	return returnIfViolations(violations)
}

func ValidateStatsRequest(req *api.StatsRequest) error {
	var violations []FieldViolation

	if req == nil {
		addViolation(&violations, "request", "request cannot be nil")
		return returnIfViolations(violations)
	}

	if !req.Metric.Valid() {
		addViolation(&violations, "metric", fmt.Sprintf("unknown metric %q", req.Metric))
	}

	if _, err := rollup.ParseGranularity(req.Granularity); err != nil {
		addViolation(&violations, "granularity", err.Error())
	}

	if req.N < 0 {
		addViolation(&violations, "n", "n must not be negative")
	}

	if req.Command != "" && req.Directory != "" {
		addViolation(&violations, "directory", "filter by command or directory, not both")
	}

	return returnIfViolations(violations)
}

func ValidateWrappedRequest(req *api.WrappedRequest) error {
	var violations []FieldViolation

	if req == nil {
		addViolation(&violations, "request", "request cannot be nil")
		return returnIfViolations(violations)
	}

	if req.Year != 0 {
		if req.Year < 1970 || req.Year > 9999 {
			addViolation(&violations, "year", "year must be between 1970 and 9999")
		}
		if req.Granularity != "" {
			addViolation(&violations, "granularity", "granularity cannot be combined with year")
		}
		return returnIfViolations(violations)
	}

	if _, err := rollup.ParseGranularity(req.Granularity); err != nil {
		addViolation(&violations, "granularity", err.Error())
	}

	return returnIfViolations(violations)
}

func ValidateSuggestRequest(req *api.SuggestRequest) error {
	var violations []FieldViolation

	if req == nil {
		addViolation(&violations, "request", "request cannot be nil")
		return returnIfViolations(violations)
	}

	// Input may be empty; the cursor must then sit at 0.
	if req.CursorPos < 0 || req.CursorPos > len(req.Input) {
		addViolation(&violations, "cursor_pos", "cursor_pos exceeds input length")
	}

	if req.Limit < 0 {
		addViolation(&violations, "limit", "limit must not be negative")
	}

	return returnIfViolations(violations)
}
