package tracing

import (
	"bytes"
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTurnContext(t *testing.T) {
	t.Run("should mint a trace id when none present", func(t *testing.T) {
		ctx := NewTurnContext(context.Background(), "s1", "turn-1")

		assert.NotEmpty(t, GetTraceID(ctx))
		assert.Equal(t, "turn-1", GetTurnID(ctx))
		assert.Equal(t, "s1", GetSessionKey(ctx))
	})

	t.Run("should keep an existing trace id", func(t *testing.T) {
		ctx := WithTraceID(context.Background(), "trace-x")
		ctx = NewTurnContext(ctx, "s1", "turn-1")

		assert.Equal(t, "trace-x", GetTraceID(ctx))
	})

	t.Run("should return empty values for nil context", func(t *testing.T) {
		//nolint:staticcheck
		assert.Empty(t, GetTurnID(nil))
	})
}

func TestDetach(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	parent = NewTurnContext(parent, "s1", "turn-1")
	cancel()

	detached := Detach(parent)

	require.NoError(t, detached.Err())
	assert.Equal(t, FromContext(parent), FromContext(detached))
}

func TestLoggerFromContext(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)

	ctx := NewTurnContext(context.Background(), "s1", "turn-1")
	ctx = WithRequestID(ctx, "req-9")
	logger := LoggerFromContext(ctx, base)
	logger.Info().Msg("Turn started")

	out := buf.String()
	assert.Contains(t, out, `"turn_id":"turn-1"`)
	assert.Contains(t, out, `"session_key":"s1"`)
	assert.Contains(t, out, `"request_id":"req-9"`)
	assert.Contains(t, out, `"trace_id":"`)
}
