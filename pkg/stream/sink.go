package stream

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// SSESink writes events as server-sent events: the event name is the kind
// and the data line is the JSON encoded event.
type SSESink struct {
	w       io.Writer
	flusher http.Flusher
}

// NewSSESink prepares w for an event stream. It fails when w cannot flush.
func NewSSESink(w http.ResponseWriter) (*SSESink, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported by response writer")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	return &SSESink{w: w, flusher: flusher}, nil
}

func (s *SSESink) Write(ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", ev.Kind, payload); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// Close is a no-op; the HTTP handler ends the response when the Conn is done.
func (s *SSESink) Close() error { return nil }

// Frame is the JSON envelope for events on a websocket.
type Frame struct {
	Type  string `json:"type"`
	ID    string `json:"id,omitempty"`
	Event Event  `json:"event"`
}

// WebsocketWriter is satisfied by *websocket.Conn and by gateway clients
// that serialize writes themselves.
type WebsocketWriter interface {
	WriteMessage(messageType int, data []byte) error
}

// WebsocketSink writes events as JSON text frames. The socket stays open
// after Close: one socket carries many turns.
type WebsocketSink struct {
	mu        sync.Mutex
	conn      WebsocketWriter
	requestID string
}

// NewWebsocketSink tags frames with the request id that started the turn.
func NewWebsocketSink(conn WebsocketWriter, requestID string) *WebsocketSink {
	return &WebsocketSink{conn: conn, requestID: requestID}
}

func (s *WebsocketSink) Write(ev Event) error {
	data, err := json.Marshal(Frame{Type: "event", ID: s.requestID, Event: ev})
	if err != nil {
		return fmt.Errorf("failed to marshal event frame: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *WebsocketSink) Close() error { return nil }

// ChanSink forwards events to a buffered channel and closes it on Close.
type ChanSink struct {
	ch     chan Event
	mu     sync.Mutex
	closed bool
	wait   time.Duration
}

// NewChanSink creates a sink with the given buffer. Writes block at most
// one second on a full buffer.
func NewChanSink(buffer int) *ChanSink {
	return &ChanSink{ch: make(chan Event, buffer), wait: time.Second}
}

// Events returns the receive side.
func (s *ChanSink) Events() <-chan Event { return s.ch }

func (s *ChanSink) Write(ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	select {
	case s.ch <- ev:
		return nil
	case <-time.After(s.wait):
		return fmt.Errorf("event consumer stalled")
	}
}

func (s *ChanSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.closed = true
	close(s.ch)
	return nil
}

// WriterSink renders events as plain text for terminals.
type WriterSink struct {
	w       io.Writer
	verbose bool
}

// NewWriterSink writes text deltas inline and other kinds as bracketed lines.
func NewWriterSink(w io.Writer, verbose bool) *WriterSink {
	return &WriterSink{w: w, verbose: verbose}
}

func (s *WriterSink) Write(ev Event) error {
	var err error
	switch ev.Kind {
	case KindTextDelta:
		_, err = io.WriteString(s.w, ev.Text)
	case KindToolCall:
		_, err = fmt.Fprintf(s.w, "\n[tool] %s\n", ev.Tool)
	case KindWarning:
		_, err = fmt.Fprintf(s.w, "\n[warning] %s\n", ev.Text)
	case KindError:
		_, err = fmt.Fprintf(s.w, "\n[error] %s\n", ev.Error)
	case KindEnd:
		if s.verbose {
			_, err = fmt.Fprintf(s.w, "%s\n[end]\n", ev.Text)
		} else {
			_, err = fmt.Fprintf(s.w, "%s\n", ev.Text)
		}
	}
	return err
}

func (s *WriterSink) Close() error { return nil }
