package agent

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/harun/cadence/internal/observability"
	"github.com/harun/cadence/pkg/commandqueue"
	"github.com/harun/cadence/pkg/llm"
	"github.com/harun/cadence/pkg/sessionflag"
	"github.com/harun/cadence/pkg/store"
	"github.com/harun/cadence/pkg/stream"
	"github.com/harun/cadence/pkg/toolgateway"
)

func TestMain(m *testing.M) {
	observability.SetAuditLogger(observability.NewAuditLogger(io.Discard))
	// started by an init in the genai dependency tree
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

// fakeReply is one scripted Chat result. When wait is set the call blocks
// until it is closed; entered is closed when the call starts.
type fakeReply struct {
	resp    *llm.Response
	err     error
	entered chan struct{}
	wait    chan struct{}
}

// fakeStream is one scripted StreamChat result. before runs ahead of each token.
type fakeStream struct {
	tokens []string
	err    error
	before func(i int)
}

type fakeClient struct {
	mu         sync.Mutex
	chats      []fakeReply
	streams    []fakeStream
	chatReqs   []llm.Request
	streamReqs []llm.Request
}

func (c *fakeClient) Provider() string { return "fake" }

func (c *fakeClient) Chat(ctx context.Context, req llm.Request) (*llm.Response, error) {
	c.mu.Lock()
	c.chatReqs = append(c.chatReqs, req)
	if len(c.chats) == 0 {
		c.mu.Unlock()
		return nil, errors.New("unexpected chat call")
	}
	next := c.chats[0]
	c.chats = c.chats[1:]
	c.mu.Unlock()

	if next.entered != nil {
		close(next.entered)
	}
	if next.wait != nil {
		select {
		case <-next.wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return next.resp, next.err
}

func (c *fakeClient) StreamChat(ctx context.Context, req llm.Request, h llm.StreamHandler) error {
	fail := func(err error) error {
		if h.OnError != nil {
			h.OnError(err)
		}
		return err
	}

	c.mu.Lock()
	c.streamReqs = append(c.streamReqs, req)
	if len(c.streams) == 0 {
		c.mu.Unlock()
		return fail(errors.New("unexpected stream call"))
	}
	next := c.streams[0]
	c.streams = c.streams[1:]
	c.mu.Unlock()

	for i, tok := range next.tokens {
		if next.before != nil {
			next.before(i)
		}
		if h.OnToken != nil {
			if err := h.OnToken(tok); err != nil {
				return fail(err)
			}
		}
	}
	if next.err != nil {
		return fail(next.err)
	}
	if h.OnComplete != nil {
		h.OnComplete(&llm.Response{Content: strings.Join(next.tokens, "")})
	}
	return nil
}

func (c *fakeClient) chatCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.chatReqs)
}

func text(s string) fakeReply {
	return fakeReply{resp: &llm.Response{Content: s}}
}

func toolCalls(explanation string, calls ...llm.ToolCall) fakeReply {
	return fakeReply{resp: &llm.Response{Content: explanation, ToolCalls: calls}}
}

func question(reply string) fakeReply {
	return text(`{"isQuestion": true, "reply": "` + reply + `"}`)
}

func task() fakeReply {
	return text(`{"isQuestion": false, "reply": ""}`)
}

func newTools(t *testing.T) *toolgateway.Gateway {
	t.Helper()
	g := toolgateway.New(toolgateway.Config{Logger: zerolog.Nop()})
	require.NoError(t, toolgateway.RegisterBuiltins(g, toolgateway.BuiltinOptions{}))
	return g
}

type harness struct {
	coord    *Coordinator
	client   *fakeClient
	store    *store.MemoryStore
	registry *sessionflag.MemoryRegistry
	queue    *commandqueue.CommandQueue
	tools    *toolgateway.Gateway
}

func newHarness(t *testing.T, client *fakeClient, mutate ...func(*Config)) *harness {
	t.Helper()
	h := &harness{
		client:   client,
		store:    store.NewMemoryStore(),
		registry: sessionflag.NewMemoryRegistry(zerolog.Nop()),
		queue:    commandqueue.New(commandqueue.Config{Lanes: map[string]int{TurnLane: 4}, Logger: zerolog.Nop()}),
		tools:    newTools(t),
	}
	t.Cleanup(func() { h.queue.Close() })

	cfg := Config{
		Client:   client,
		Tools:    h.tools,
		Store:    h.store,
		Registry: h.registry,
		Queue:    h.queue,
		Defaults: Defaults{
			Provider:  "fake",
			Model:     "fake-model",
			MaxTokens: 1024,
			Tools:     []string{"echo", "calculator"},
		},
		Logger: zerolog.Nop(),
	}
	for _, m := range mutate {
		m(&cfg)
	}

	coord, err := NewCoordinator(cfg)
	require.NoError(t, err)
	h.coord = coord
	return h
}

// send starts a turn and returns a function collecting its events.
func (h *harness) send(t *testing.T, sessionID, msg string) func() []stream.Event {
	t.Helper()
	sink := stream.NewChanSink(256)
	_, err := h.coord.HandleMessage(context.Background(), InboundMessage{SessionID: sessionID, Text: msg}, sink)
	require.NoError(t, err)
	return func() []stream.Event { return drain(t, sink) }
}

func drain(t *testing.T, sink *stream.ChanSink) []stream.Event {
	t.Helper()
	var events []stream.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-sink.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatalf("stream did not close, got %d events", len(events))
			return events
		}
	}
}

func kinds(events []stream.Event) []stream.Kind {
	out := make([]stream.Kind, len(events))
	for i, ev := range events {
		out[i] = ev.Kind
	}
	return out
}

// newTurnConn opens a connection and a flag outside the coordinator.
func newTurnConn(t *testing.T, registry *sessionflag.MemoryRegistry, sessionID string) (*sessionflag.Flag, *stream.Conn, *stream.ChanSink) {
	t.Helper()
	sink := stream.NewChanSink(256)
	conn := stream.NewConn(sink, stream.ConnConfig{SessionID: sessionID, TurnID: "turn-1", Logger: zerolog.Nop()})
	flag := registry.Start(context.Background(), sessionID)
	return flag, conn, sink
}
