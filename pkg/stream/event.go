package stream

import (
	"time"
)

// Kind tags a streaming event.
type Kind string

const (
	KindTextDelta Kind = "text_delta"
	KindToolCall  Kind = "tool_call"
	KindWarning   Kind = "warning"
	KindError     Kind = "error"
	KindEnd       Kind = "end"
)

// Event is one unit pushed to the client. Exactly one terminal event
// (end or error) closes a turn's stream.
type Event struct {
	Kind      Kind   `json:"kind"`
	Seq       int64  `json:"seq"`
	Text      string `json:"text,omitempty"`
	Tool      string `json:"tool,omitempty"`
	Error     string `json:"error,omitempty"`
	Stage     string `json:"stage,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	TurnID    string `json:"turnId,omitempty"`
	Timestamp int64  `json:"ts"`
}

// Terminal reports whether the event closes the stream.
func (e Event) Terminal() bool {
	return e.Kind == KindEnd || e.Kind == KindError
}

// TextDelta is an incremental chunk of model output.
func TextDelta(text string) Event {
	return Event{Kind: KindTextDelta, Text: text}
}

// ToolCall announces that a tool is being invoked.
func ToolCall(name string) Event {
	return Event{Kind: KindToolCall, Tool: name}
}

// Warning is a non-terminal notice, e.g. the iteration cap was hit.
func Warning(message string) Event {
	return Event{Kind: KindWarning, Text: message}
}

// Error is the terminal failure event.
func Error(err error) Event {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return Event{Kind: KindError, Error: msg}
}

// End is the terminal success event. text carries the answer when it was not
// already streamed as text deltas.
func End(text string) Event {
	return Event{Kind: KindEnd, Text: text}
}

func stamp(e *Event) {
	if e.Timestamp == 0 {
		e.Timestamp = time.Now().UnixMilli()
	}
}
