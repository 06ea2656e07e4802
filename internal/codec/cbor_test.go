package codec

import (
	"bytes"
	"testing"

	"github.com/entl/cliwrapped/internal/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/encoding"
)

func TestMarshalIsDeterministic(t *testing.T) {
	value := map[string]int{"zeta": 1, "alpha": 2, "mid": 3}

	first, err := Marshal(value)
	require.NoError(t, err)
	for range 10 {
		again, err := Marshal(value)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestStreamCarriesSeveralEvents(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	events := []event.RawEvent{
		{Command: "ls", StartMs: 1, Shell: event.ShellZsh, SessionID: "a", Sequence: 1},
		{Command: "git status", StartMs: 2, ExitCode: 1, Shell: event.ShellBash, SessionID: "a", Sequence: 2},
	}
	for _, ev := range events {
		require.NoError(t, enc.Encode(ev))
	}

	dec := NewDecoder(&buf)
	for _, want := range events {
		var got event.RawEvent
		require.NoError(t, dec.Decode(&got))
		assert.Equal(t, want, got)
	}
}

func TestJSONTagsNameCBORFields(t *testing.T) {
	data, err := Marshal(event.Key{SessionID: "s", Sequence: 3})
	require.NoError(t, err)

	var generic map[string]any
	require.NoError(t, Unmarshal(data, &generic))
	assert.Contains(t, generic, "session_id")
	assert.Contains(t, generic, "sequence")
}

func TestGRPCCodecRegistered(t *testing.T) {
	c := encoding.GetCodec(GRPCName)
	require.NotNil(t, c)
	assert.Equal(t, GRPCName, c.Name())
}
