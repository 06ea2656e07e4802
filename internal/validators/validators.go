// Package validators checks raw events before they enter the ingestion
// queue. A failed check yields a ValidationError that lists every field
// violation and converts to an InvalidArgument gRPC status.
package validators

import (
	"fmt"
	"strings"

	"github.com/entl/cliwrapped/internal/event"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FieldViolation describes one invalid field.
type FieldViolation struct {
	Field       string `json:"field"`
	Description string `json:"description"`
}

// ValidationError is returned for a malformed raw event. It only ever
// affects the single event it describes.
type ValidationError struct {
	Violations []FieldViolation
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		parts = append(parts, v.Field+": "+v.Description)
	}
	return fmt.Sprintf("validation failed: %s", strings.Join(parts, "; "))
}

// GRPCStatus lets status.FromError turn a ValidationError into an
// InvalidArgument status carrying a BadRequest detail.
func (e *ValidationError) GRPCStatus() *status.Status {
	st := status.New(codes.InvalidArgument, e.Error())
	br := &errdetails.BadRequest{}
	for _, v := range e.Violations {
		br.FieldViolations = append(br.FieldViolations, &errdetails.BadRequest_FieldViolation{
			Field:       v.Field,
			Description: v.Description,
		})
	}
	withDetails, err := st.WithDetails(br)
	if err != nil {
		return st
	}
	return withDetails
}

// Has reports whether the error lists a violation for field.
func (e *ValidationError) Has(field string) bool {
	for _, v := range e.Violations {
		if v.Field == field {
			return true
		}
	}
	return false
}

func addViolation(violations *[]FieldViolation, field, desc string) {
	*violations = append(*violations, FieldViolation{
		Field:       field,
		Description: desc,
	})
}

func returnIfViolations(violations []FieldViolation) error {
	if len(violations) == 0 {
		return nil
	}
	return &ValidationError{Violations: violations}
}

// ValidateRawEvent checks the required fields of a raw event.
func ValidateRawEvent(raw *event.RawEvent) error {
	var violations []FieldViolation

	if raw == nil {
		addViolation(&violations, "event", "event cannot be nil")
		return returnIfViolations(violations)
	}

	if strings.TrimSpace(raw.Command) == "" {
		addViolation(&violations, "command", "command text is required")
	}

	if raw.DurationMs < 0 {
		addViolation(&violations, "duration_ms", "duration must not be negative")
	}

	if raw.ExitCode < 0 || raw.ExitCode > event.MaxExitCode {
		addViolation(&violations, "exit_code",
			fmt.Sprintf("exit code must be between 0 and %d", event.MaxExitCode))
	}

	if raw.StartMs <= 0 {
		addViolation(&violations, "start_ms", "start timestamp is required")
	}

	if !raw.Shell.Valid() {
		addViolation(&violations, "shell", fmt.Sprintf("unsupported shell %q", raw.Shell))
	}

	if raw.SessionID == "" {
		addViolation(&violations, "session_id", "session_id is required")
	}

	return returnIfViolations(violations)
}
