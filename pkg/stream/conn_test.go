package stream

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recordingSink struct {
	mu       sync.Mutex
	events   []Event
	closes   int
	writeErr error
}

func (s *recordingSink) Write(ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return s.writeErr
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return nil
}

func (s *recordingSink) snapshot() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

func kinds(events []Event) []Kind {
	out := make([]Kind, len(events))
	for i, ev := range events {
		out[i] = ev.Kind
	}
	return out
}

func terminalCount(events []Event) int {
	n := 0
	for _, ev := range events {
		if ev.Terminal() {
			n++
		}
	}
	return n
}

func newTestConn(sink Sink, timeout time.Duration) *Conn {
	return NewConn(sink, ConnConfig{Timeout: timeout, SessionID: "s1", TurnID: "t1", Logger: zerolog.Nop()})
}

func TestConnSend(t *testing.T) {
	t.Run("should deliver events in order with sequence numbers", func(t *testing.T) {
		sink := &recordingSink{}
		conn := newTestConn(sink, 0)

		conn.SetStage("decompose")
		assert.True(t, conn.Send(TextDelta("a")))
		assert.True(t, conn.Send(ToolCall("echo")))
		assert.True(t, conn.SendFinal(End("done")))

		events := sink.snapshot()
		require.Len(t, events, 3)
		assert.Equal(t, []Kind{KindTextDelta, KindToolCall, KindEnd}, kinds(events))
		for i, ev := range events {
			assert.Equal(t, int64(i+1), ev.Seq)
			assert.Equal(t, "s1", ev.SessionID)
			assert.Equal(t, "t1", ev.TurnID)
			assert.Equal(t, "decompose", ev.Stage)
			assert.NotZero(t, ev.Timestamp)
		}
		assert.Equal(t, 1, sink.closes)
	})

	t.Run("should drop sends after close", func(t *testing.T) {
		sink := &recordingSink{}
		conn := newTestConn(sink, 0)

		require.True(t, conn.Close())
		assert.False(t, conn.Send(TextDelta("late")))
		assert.False(t, conn.Open())

		assert.Empty(t, sink.snapshot())
	})

	t.Run("should route a terminal event passed to Send", func(t *testing.T) {
		sink := &recordingSink{}
		conn := newTestConn(sink, 0)

		assert.True(t, conn.Send(End("")))
		assert.False(t, conn.Send(TextDelta("x")))

		assert.Equal(t, []Kind{KindEnd}, kinds(sink.snapshot()))
	})

	t.Run("should close when the sink fails", func(t *testing.T) {
		sink := &recordingSink{writeErr: errors.New("broken pipe")}
		conn := newTestConn(sink, 0)

		assert.False(t, conn.Send(TextDelta("a")))

		select {
		case <-conn.Done():
		default:
			t.Fatal("connection should be closed after a sink failure")
		}
		assert.False(t, conn.SendFinal(End("")))
	})
}

func TestConnTerminalOnce(t *testing.T) {
	t.Run("should ignore a second close", func(t *testing.T) {
		sink := &recordingSink{}
		conn := newTestConn(sink, 0)

		assert.True(t, conn.Fail(errors.New("boom")))
		assert.False(t, conn.SendFinal(End("x")))
		assert.False(t, conn.Close())

		events := sink.snapshot()
		require.Len(t, events, 1)
		assert.Equal(t, KindError, events[0].Kind)
		assert.Equal(t, "boom", events[0].Error)
		assert.Equal(t, 1, sink.closes)
	})

	t.Run("should let exactly one concurrent closer win", func(t *testing.T) {
		for round := 0; round < 20; round++ {
			sink := &recordingSink{}
			conn := newTestConn(sink, 0)

			var wins atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					var won bool
					switch i % 3 {
					case 0:
						won = conn.SendFinal(End("done"))
					case 1:
						won = conn.Fail(errors.New("failed"))
					default:
						conn.Send(TextDelta("x"))
						won = conn.Close()
					}
					if won {
						wins.Add(1)
					}
				}(i)
			}
			wg.Wait()

			require.Equal(t, int32(1), wins.Load())
			events := sink.snapshot()
			assert.LessOrEqual(t, terminalCount(events), 1)
			if n := len(events); n > 0 && terminalCount(events) == 1 {
				assert.True(t, events[n-1].Terminal(), "terminal event must be last")
			}
			assert.Equal(t, 1, sink.closes)
		}
	})
}

func TestConnTimeout(t *testing.T) {
	t.Run("should deliver a timed out error", func(t *testing.T) {
		sink := &recordingSink{}
		conn := newTestConn(sink, 20*time.Millisecond)

		select {
		case <-conn.Done():
		case <-time.After(2 * time.Second):
			t.Fatal("timeout did not close the connection")
		}

		events := sink.snapshot()
		require.Len(t, events, 1)
		assert.Equal(t, KindError, events[0].Kind)
		assert.Equal(t, "timed out", events[0].Error)
		assert.True(t, conn.TimedOut())

		assert.False(t, conn.SendFinal(End("late")))
	})

	t.Run("should not fire after a normal close", func(t *testing.T) {
		sink := &recordingSink{}
		conn := newTestConn(sink, 30*time.Millisecond)

		require.True(t, conn.SendFinal(End("ok")))
		time.Sleep(60 * time.Millisecond)

		assert.Equal(t, []Kind{KindEnd}, kinds(sink.snapshot()))
		assert.False(t, conn.TimedOut())
	})
}

func TestTransportNewConnection(t *testing.T) {
	tr := NewTransport(TransportConfig{Logger: zerolog.Nop()})
	sink := &recordingSink{}

	conn := tr.NewConnection(sink, "s9", "t9")
	conn.SendFinal(End(""))

	assert.Equal(t, "s9", conn.SessionID())
	assert.Equal(t, "t9", conn.TurnID())
	assert.Equal(t, "s9", sink.snapshot()[0].SessionID)
}
