package stream

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSSESink(t *testing.T) {
	rec := httptest.NewRecorder()

	sink, err := NewSSESink(rec)
	require.NoError(t, err)

	require.NoError(t, sink.Write(Event{Kind: KindTextDelta, Seq: 1, Text: "hi"}))
	require.NoError(t, sink.Write(Event{Kind: KindEnd, Seq: 2}))

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	body := rec.Body.String()
	assert.Contains(t, body, "event: text_delta\ndata: {")
	assert.Contains(t, body, `"text":"hi"`)
	assert.True(t, strings.HasSuffix(body, "\n\n"))
	assert.True(t, rec.Flushed)
}

type frameRecorder struct {
	types  []int
	frames [][]byte
}

func (f *frameRecorder) WriteMessage(messageType int, data []byte) error {
	f.types = append(f.types, messageType)
	f.frames = append(f.frames, data)
	return nil
}

func TestWebsocketSink(t *testing.T) {
	rec := &frameRecorder{}
	sink := NewWebsocketSink(rec, "req-1")

	require.NoError(t, sink.Write(ToolCall("calculator")))
	require.NoError(t, sink.Close())

	require.Len(t, rec.frames, 1)
	assert.Equal(t, websocket.TextMessage, rec.types[0])

	var frame Frame
	require.NoError(t, json.Unmarshal(rec.frames[0], &frame))
	assert.Equal(t, "event", frame.Type)
	assert.Equal(t, "req-1", frame.ID)
	assert.Equal(t, KindToolCall, frame.Event.Kind)
	assert.Equal(t, "calculator", frame.Event.Tool)
}

func TestChanSink(t *testing.T) {
	sink := NewChanSink(4)

	require.NoError(t, sink.Write(TextDelta("a")))
	require.NoError(t, sink.Close())

	assert.ErrorIs(t, sink.Write(TextDelta("b")), ErrClosed)
	assert.ErrorIs(t, sink.Close(), ErrClosed)

	var got []Event
	for ev := range sink.Events() {
		got = append(got, ev)
	}
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].Text)
}

func TestWriterSink(t *testing.T) {
	var buf bytes.Buffer
	sink := NewWriterSink(&buf, false)

	require.NoError(t, sink.Write(TextDelta("Plan")))
	require.NoError(t, sink.Write(ToolCall("echo")))
	require.NoError(t, sink.Write(Warning("iteration cap reached")))
	require.NoError(t, sink.Write(Error(errors.New("boom"))))

	out := buf.String()
	assert.Contains(t, out, "Plan")
	assert.Contains(t, out, "[tool] echo")
	assert.Contains(t, out, "[warning] iteration cap reached")
	assert.Contains(t, out, "[error] boom")
}

func TestWriterSinkEnd(t *testing.T) {
	t.Run("should print an answer that was not streamed", func(t *testing.T) {
		var buf bytes.Buffer
		sink := NewWriterSink(&buf, false)

		require.NoError(t, sink.Write(End("Paris")))
		assert.Equal(t, "Paris\n", buf.String())
	})

	t.Run("should only terminate the line after deltas", func(t *testing.T) {
		var buf bytes.Buffer
		sink := NewWriterSink(&buf, true)

		require.NoError(t, sink.Write(TextDelta("Par")))
		require.NoError(t, sink.Write(TextDelta("is")))
		require.NoError(t, sink.Write(End("")))
		assert.Equal(t, "Paris\n[end]\n", buf.String())
	})
}

func TestEventConstructors(t *testing.T) {
	assert.True(t, End("").Terminal())
	assert.True(t, Error(nil).Terminal())
	assert.Equal(t, "unknown error", Error(nil).Error)
	assert.False(t, Warning("w").Terminal())
	assert.False(t, TextDelta("t").Terminal())
}
