package validators

import (
	"errors"
	"testing"

	"github.com/entl/cliwrapped/internal/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func validRaw() event.RawEvent {
	return event.RawEvent{
		Command:    "ls -la",
		StartMs:    1_700_000_000_000,
		DurationMs: 12,
		Cwd:        "/home",
		ExitCode:   0,
		Shell:      event.ShellZsh,
		SessionID:  "s1",
		Sequence:   1,
	}
}

func TestValidateRawEventAcceptsValid(t *testing.T) {
	raw := validRaw()
	assert.NoError(t, ValidateRawEvent(&raw))
}

func TestValidateRawEventNil(t *testing.T) {
	err := ValidateRawEvent(nil)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.True(t, verr.Has("event"))
}

func TestValidateRawEventViolations(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*event.RawEvent)
		field  string
	}{
		{"empty command", func(r *event.RawEvent) { r.Command = "  " }, "command"},
		{"negative duration", func(r *event.RawEvent) { r.DurationMs = -1 }, "duration_ms"},
		{"exit too large", func(r *event.RawEvent) { r.ExitCode = 256 }, "exit_code"},
		{"exit negative", func(r *event.RawEvent) { r.ExitCode = -3 }, "exit_code"},
		{"missing start", func(r *event.RawEvent) { r.StartMs = 0 }, "start_ms"},
		{"unknown shell", func(r *event.RawEvent) { r.Shell = "tcsh" }, "shell"},
		{"missing session", func(r *event.RawEvent) { r.SessionID = "" }, "session_id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := validRaw()
			tt.mutate(&raw)

			err := ValidateRawEvent(&raw)
			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			assert.True(t, verr.Has(tt.field), "violations: %v", verr.Violations)
			assert.Len(t, verr.Violations, 1)
		})
	}
}

func TestValidationErrorCollectsAllViolations(t *testing.T) {
	raw := event.RawEvent{DurationMs: -5, ExitCode: 300}
	err := ValidateRawEvent(&raw)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	for _, field := range []string{"command", "duration_ms", "exit_code", "start_ms", "shell", "session_id"} {
		assert.True(t, verr.Has(field), field)
	}
}

func TestValidationErrorGRPCStatus(t *testing.T) {
	raw := validRaw()
	raw.Command = ""
	err := ValidateRawEvent(&raw)

	st, ok := status.FromError(err)
	require.True(t, ok)
	assert.Equal(t, codes.InvalidArgument, st.Code())

	var found bool
	for _, detail := range st.Details() {
		if br, ok := detail.(*errdetails.BadRequest); ok {
			require.Len(t, br.FieldViolations, 1)
			assert.Equal(t, "command", br.FieldViolations[0].Field)
			found = true
		}
	}
	assert.True(t, found, "expected a BadRequest detail")
}
