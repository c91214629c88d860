// Package stream delivers turn events to a client over a pluggable sink and
// guarantees the stream is closed exactly once.
package stream

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/cadence/internal/observability"
)

// ErrClosed is returned by sinks written after close. Conn never surfaces it.
var ErrClosed = errors.New("stream closed")

// ErrTimedOut is the terminal error delivered when a connection outlives its timeout.
var ErrTimedOut = errors.New("timed out")

const (
	stateOpen int32 = iota
	stateClosing
	stateClosed
)

// Sink is the wire a Conn writes to. Writes are serialized by the Conn.
type Sink interface {
	Write(Event) error
	Close() error
}

// TransportConfig holds connection defaults.
type TransportConfig struct {
	// Timeout closes a connection with error("timed out") when it elapses. Zero disables it.
	Timeout time.Duration
	Logger  zerolog.Logger
}

// Transport creates connections.
type Transport struct {
	timeout time.Duration
	logger  zerolog.Logger
}

// NewTransport creates a transport.
func NewTransport(cfg TransportConfig) *Transport {
	return &Transport{
		timeout: cfg.Timeout,
		logger:  cfg.Logger.With().Str("component", "stream").Logger(),
	}
}

// NewConnection opens a connection over sink using the transport timeout.
func (t *Transport) NewConnection(sink Sink, sessionID, turnID string) *Conn {
	return NewConn(sink, ConnConfig{
		Timeout:   t.timeout,
		SessionID: sessionID,
		TurnID:    turnID,
		Logger:    t.logger,
	})
}

// ConnConfig configures a single connection.
type ConnConfig struct {
	Timeout   time.Duration
	SessionID string
	TurnID    string
	Logger    zerolog.Logger
}

// Conn is a tri-state (open, closing, closed) client connection.
type Conn struct {
	state    atomic.Int32
	timedOut atomic.Bool

	mu   sync.Mutex
	sink Sink
	seq  int64

	stage     atomic.Value
	sessionID string
	turnID    string

	timer  *time.Timer
	done   chan struct{}
	logger zerolog.Logger
}

// NewConn opens a connection over sink.
func NewConn(sink Sink, cfg ConnConfig) *Conn {
	c := &Conn{
		sink:      sink,
		sessionID: cfg.SessionID,
		turnID:    cfg.TurnID,
		done:      make(chan struct{}),
		logger: cfg.Logger.With().
			Str("session_key", cfg.SessionID).
			Str("turn_id", cfg.TurnID).
			Logger(),
	}
	c.stage.Store("")

	if cfg.Timeout > 0 {
		c.timer = time.AfterFunc(cfg.Timeout, func() {
			ev := Error(ErrTimedOut)
			if c.terminate(&ev, true) {
				c.logger.Warn().Dur("timeout", cfg.Timeout).Msg("Stream timed out")
			}
		})
	}
	return c
}

// SessionID returns the session the connection serves.
func (c *Conn) SessionID() string { return c.sessionID }

// TurnID returns the turn the connection serves.
func (c *Conn) TurnID() string { return c.turnID }

// SetStage tags subsequent events with the pipeline stage.
func (c *Conn) SetStage(stage string) { c.stage.Store(stage) }

// Open reports whether non-terminal events are still accepted.
func (c *Conn) Open() bool { return c.state.Load() == stateOpen }

// Done is closed once the terminal close completes.
func (c *Conn) Done() <-chan struct{} { return c.done }

// TimedOut reports whether the connection was closed by its timeout. It is
// final once Done is closed.
func (c *Conn) TimedOut() bool { return c.timedOut.Load() }

// Send writes a non-terminal event. Terminal events are routed to SendFinal.
// It reports whether the event reached the sink; a send after close is a
// logged no-op.
func (c *Conn) Send(ev Event) bool {
	if ev.Terminal() {
		return c.SendFinal(ev)
	}

	c.mu.Lock()
	if c.state.Load() != stateOpen {
		c.mu.Unlock()
		c.lost(ev.Kind, "send")
		return false
	}
	err := c.write(&ev)
	c.mu.Unlock()

	if err != nil {
		c.logger.Warn().Err(err).Str("kind", string(ev.Kind)).Msg("Stream write failed")
		c.finish(nil)
		return false
	}
	return true
}

// SendFinal writes ev (if non-nil kind) as the terminal event and closes the
// connection. Exactly one caller wins; it reports whether this call did.
func (c *Conn) SendFinal(ev Event) bool {
	if ev.Kind != "" {
		return c.finish(&ev)
	}
	return c.finish(nil)
}

// Close closes the connection without a terminal event. Used for silent
// cancellation.
func (c *Conn) Close() bool {
	return c.finish(nil)
}

// Fail closes the connection with an error event.
func (c *Conn) Fail(err error) bool {
	ev := Error(err)
	return c.finish(&ev)
}

func (c *Conn) finish(ev *Event) bool {
	return c.terminate(ev, false)
}

func (c *Conn) terminate(ev *Event, expired bool) bool {
	if !c.state.CompareAndSwap(stateOpen, stateClosing) {
		kind := Kind("close")
		if ev != nil {
			kind = ev.Kind
		}
		c.lost(kind, "close")
		return false
	}

	if expired {
		c.timedOut.Store(true)
	} else if c.timer != nil {
		c.timer.Stop()
	}

	c.mu.Lock()
	if ev != nil {
		if err := c.write(ev); err != nil {
			c.logger.Warn().Err(err).Str("kind", string(ev.Kind)).Msg("Stream write failed")
		}
	}
	if err := c.sink.Close(); err != nil {
		c.logger.Debug().Err(err).Msg("Stream sink close failed")
	}
	c.state.Store(stateClosed)
	c.mu.Unlock()

	close(c.done)
	return true
}

// write must be called with mu held.
func (c *Conn) write(ev *Event) error {
	c.seq++
	ev.Seq = c.seq
	ev.SessionID = c.sessionID
	ev.TurnID = c.turnID
	if ev.Stage == "" {
		ev.Stage, _ = c.stage.Load().(string)
	}
	stamp(ev)

	if err := c.sink.Write(*ev); err != nil {
		return err
	}
	observability.RecordStreamEvent(string(ev.Kind))
	return nil
}

func (c *Conn) lost(kind Kind, op string) {
	observability.RecordStreamCloseRace()
	c.logger.Debug().Str("kind", string(kind)).Str("op", op).Err(ErrClosed).Msg("Dropped event on closed stream")
}
