package gateway

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventBroadcaster_Broadcast(t *testing.T) {
	t.Run("should reach authenticated clients only", func(t *testing.T) {
		serverConn, clientConn, cleanup := websocketConnPair(t)
		defer cleanup()

		registry := NewClientRegistry()
		authed := newClient("client-1", serverConn, "127.0.0.1", NewClientRateLimiter(0, 0))
		authed.setState(StateAuthenticated)
		registry.Add(authed)
		registry.Add(newClient("client-2", nil, "127.0.0.1", NewClientRateLimiter(0, 0)))

		broadcaster := NewEventBroadcaster(registry, zerolog.Nop())
		sent := broadcaster.BroadcastMessage(EventMessage{Event: "turn.started", Session: "s1", Data: map[string]interface{}{"turnId": "t1"}})
		assert.Equal(t, 1, sent)
		broadcaster.Broadcast("server.shutdown", nil)

		var first, second EventMessage
		require.NoError(t, clientConn.SetReadDeadline(time.Now().Add(2*time.Second)))
		require.NoError(t, clientConn.ReadJSON(&first))
		require.NoError(t, clientConn.ReadJSON(&second))

		assert.Equal(t, "event", first.Type)
		assert.Equal(t, "turn.started", first.Event)
		assert.Equal(t, "s1", first.Session)
		assert.NotZero(t, first.Timestamp)
		assert.Equal(t, "server.shutdown", second.Event)
		assert.Greater(t, second.Seq, first.Seq)
	})

	t.Run("should report zero without clients", func(t *testing.T) {
		broadcaster := NewEventBroadcaster(NewClientRegistry(), zerolog.Nop())
		assert.Zero(t, broadcaster.BroadcastMessage(EventMessage{Event: "tick"}))
	})
}

func TestClientRegistry(t *testing.T) {
	registry := NewClientRegistry()
	a := newClient("a", nil, "10.0.0.1", NewClientRateLimiter(0, 0))
	b := newClient("b", nil, "10.0.0.2", NewClientRateLimiter(0, 0))
	b.setState(StateAuthenticated)
	registry.Add(a)
	registry.Add(b)

	assert.Equal(t, 2, registry.Count())
	assert.Len(t, registry.Authenticated(), 1)

	got, ok := registry.Get("a")
	require.True(t, ok)
	assert.Same(t, a, got)

	a.LastActivity = time.Now().Add(-10 * time.Minute)
	infos := registry.Info()
	require.Len(t, infos, 2)
	for _, info := range infos {
		assert.Equal(t, info.ID == "a", info.Idle)
	}

	registry.Touch("a")
	for _, info := range registry.Info() {
		assert.False(t, info.Idle)
	}

	registry.Remove("a")
	_, ok = registry.Get("a")
	assert.False(t, ok)
}

func websocketConnPair(t *testing.T) (*websocket.Conn, *websocket.Conn, func()) {
	t.Helper()

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	serverConnCh := make(chan *websocket.Conn, 1)
	errCh := make(chan error, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			errCh <- err
			return
		}
		serverConnCh <- conn
	}))

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)

	var serverConn *websocket.Conn
	select {
	case serverConn = <-serverConnCh:
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server websocket connection")
	}

	cleanup := func() {
		_ = clientConn.Close()
		_ = serverConn.Close()
		srv.Close()
	}

	return serverConn, clientConn, cleanup
}
