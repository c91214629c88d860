package toolgateway

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/cadence/pkg/llm"
)

func newTestGateway(t *testing.T, cfg Config) *Gateway {
	t.Helper()
	cfg.Logger = zerolog.Nop()
	g := New(cfg)
	require.NoError(t, RegisterBuiltins(g, BuiltinOptions{
		Now: func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) },
	}))
	return g
}

func TestPolicy(t *testing.T) {
	t.Run("should allow everything without a policy", func(t *testing.T) {
		var p *Policy
		assert.True(t, p.Allows("anything"))
	})

	t.Run("should let deny override allow", func(t *testing.T) {
		p := &Policy{Allow: []string{"*"}, Deny: []string{"http_get"}}
		assert.True(t, p.Allows("echo"))
		assert.False(t, p.Allows("http_get"))
		assert.Equal(t, []string{"echo"}, p.Filter([]string{"echo", "http_get"}))
	})

	t.Run("should deny unlisted tools", func(t *testing.T) {
		p := &Policy{Allow: []string{"echo"}}
		assert.False(t, p.Allows("calculator"))
	})
}

func TestGatewayRegistry(t *testing.T) {
	t.Run("should list builtins sorted", func(t *testing.T) {
		g := newTestGateway(t, Config{})
		assert.Equal(t, []string{"calculator", "current_time", "echo", "http_get"}, g.ListAvailableTools())
	})

	t.Run("should hide denied tools", func(t *testing.T) {
		g := newTestGateway(t, Config{Policy: &Policy{Allow: []string{"*"}, Deny: []string{"http_get"}}})
		assert.NotContains(t, g.ListAvailableTools(), "http_get")
	})

	t.Run("should reject invalid definitions", func(t *testing.T) {
		g := New(Config{Logger: zerolog.Nop()})
		assert.Error(t, g.Register(Definition{Name: "x", Description: "x"}))
		assert.Error(t, g.Register(Definition{Name: "x", Description: "x", Handler: noop,
			Parameters: []Parameter{{Name: "p", Type: "date", Description: "d"}}}))
	})
}

func noop(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	return nil, nil
}

func TestCreateToolCapability(t *testing.T) {
	g := newTestGateway(t, Config{Policy: &Policy{Allow: []string{"echo", "calculator"}}})

	t.Run("should build specs with schemas", func(t *testing.T) {
		c, err := g.CreateToolCapability([]string{"echo", "calculator", "echo"})
		require.NoError(t, err)
		assert.Equal(t, []string{"echo", "calculator"}, c.Names())

		spec := c.Specs()[0]
		assert.Equal(t, "object", spec.InputSchema["type"])
		assert.Equal(t, []interface{}{"text"}, spec.InputSchema["required"])
	})

	t.Run("should fail for unknown or denied tools", func(t *testing.T) {
		_, err := g.CreateToolCapability([]string{"missing"})
		assert.ErrorContains(t, err, "tool not found")

		_, err = g.CreateToolCapability([]string{"http_get"})
		assert.ErrorContains(t, err, "not allowed")
	})

	t.Run("should handle a nil capability", func(t *testing.T) {
		var c *Capability
		assert.Nil(t, c.Specs())
		assert.Nil(t, c.Names())
	})
}

func TestExecute(t *testing.T) {
	ctx := context.Background()

	t.Run("should run a tool", func(t *testing.T) {
		g := newTestGateway(t, Config{})
		out, err := g.Execute(ctx, llm.ToolCall{ID: "1", Name: "echo", Arguments: map[string]interface{}{"text": "hi"}})
		require.NoError(t, err)
		assert.Equal(t, "hi", out)
	})

	t.Run("should report tool failures as text", func(t *testing.T) {
		g := newTestGateway(t, Config{})
		require.NoError(t, g.Register(Definition{Name: "boom", Description: "fails",
			Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				return nil, errors.New("kaboom")
			}}))

		cases := []struct {
			name string
			call llm.ToolCall
			want string
		}{
			{"unknown tool", llm.ToolCall{Name: "nope"}, "tool not found: nope"},
			{"handler error", llm.ToolCall{Name: "boom"}, "kaboom"},
			{"missing parameter", llm.ToolCall{Name: "echo"}, "parameter validation failed"},
			{"extra parameter", llm.ToolCall{Name: "echo", Arguments: map[string]interface{}{"text": "a", "x": 1}}, "parameter validation failed"},
		}
		for _, tc := range cases {
			out, err := g.Execute(ctx, tc.call)
			require.NoError(t, err, tc.name)
			assert.True(t, strings.HasPrefix(out, "Error: "), tc.name)
			assert.Contains(t, out, tc.want, tc.name)
		}
	})

	t.Run("should report denied tools as text", func(t *testing.T) {
		g := newTestGateway(t, Config{Policy: &Policy{Allow: []string{"echo"}}})
		out, err := g.Execute(ctx, llm.ToolCall{Name: "calculator", Arguments: map[string]interface{}{"expression": "1+1"}})
		require.NoError(t, err)
		assert.Contains(t, out, "not allowed")
	})

	t.Run("should time out slow tools", func(t *testing.T) {
		g := newTestGateway(t, Config{Timeout: 20 * time.Millisecond})
		require.NoError(t, g.Register(Definition{Name: "slow", Description: "sleeps",
			Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				<-ctx.Done()
				time.Sleep(50 * time.Millisecond)
				return nil, ctx.Err()
			}}))

		out, err := g.Execute(ctx, llm.ToolCall{Name: "slow"})
		require.NoError(t, err)
		assert.Contains(t, out, "timeout")
	})

	t.Run("should recover panicking tools", func(t *testing.T) {
		g := newTestGateway(t, Config{})
		require.NoError(t, g.Register(Definition{Name: "panic", Description: "panics",
			Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				panic("oops")
			}}))

		out, err := g.Execute(ctx, llm.ToolCall{Name: "panic"})
		require.NoError(t, err)
		assert.Contains(t, out, "tool panicked: oops")
	})

	t.Run("should truncate large output", func(t *testing.T) {
		g := newTestGateway(t, Config{MaxOutputBytes: 8})
		out, err := g.Execute(ctx, llm.ToolCall{Name: "echo", Arguments: map[string]interface{}{"text": strings.Repeat("a", 20)}})
		require.NoError(t, err)
		assert.Equal(t, "aaaaaaaa\n... [output truncated]", out)
	})

	t.Run("should not dispatch on a cancelled context", func(t *testing.T) {
		g := newTestGateway(t, Config{})
		cctx, cancel := context.WithCancel(ctx)
		cancel()

		_, err := g.Execute(cctx, llm.ToolCall{Name: "echo", Arguments: map[string]interface{}{"text": "x"}})
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("should expose call info to handlers", func(t *testing.T) {
		g := New(Config{Logger: zerolog.Nop()})
		require.NoError(t, g.Register(Definition{Name: "whoami", Description: "session",
			Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				info, _ := CallFromContext(ctx)
				return info.SessionID, nil
			}}))

		out, err := g.Execute(ContextWithCall(ctx, CallInfo{SessionID: "s1"}), llm.ToolCall{Name: "whoami"})
		require.NoError(t, err)
		assert.Equal(t, "s1", out)
	})
}

func TestBuiltins(t *testing.T) {
	ctx := context.Background()
	g := newTestGateway(t, Config{})

	t.Run("current_time", func(t *testing.T) {
		out, err := g.Execute(ctx, llm.ToolCall{Name: "current_time"})
		require.NoError(t, err)
		assert.Equal(t, "2026-03-01T12:00:00Z", out)

		out, _ = g.Execute(ctx, llm.ToolCall{Name: "current_time", Arguments: map[string]interface{}{"timezone": "Mars/Base"}})
		assert.Contains(t, out, "unknown timezone")
	})

	t.Run("calculator", func(t *testing.T) {
		cases := map[string]string{
			"2 + 3 * 4":   "14",
			"(2 + 3) * 4": "20",
			"7 / 2":       "3.5",
			"-6 / 3":      "-2",
			"10 % 4":      "2",
			"0.1 + 0.2":   "0.3",
		}
		for expr, want := range cases {
			got, err := Calculate(expr)
			require.NoError(t, err, expr)
			assert.Equal(t, want, got, expr)
		}

		for _, bad := range []string{"", "1 / 0", "os.Exit(1)", "\"a\" + 1", "1 << 2"} {
			_, err := Calculate(bad)
			assert.Error(t, err, bad)
		}
	})

	t.Run("http_get", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("hello from server"))
		}))
		defer srv.Close()

		out, err := g.Execute(ctx, llm.ToolCall{Name: "http_get", Arguments: map[string]interface{}{"url": srv.URL, "max_bytes": 5}})
		require.NoError(t, err)
		assert.JSONEq(t, `{"status":200,"body":"hello"}`, out)

		out, _ = g.Execute(ctx, llm.ToolCall{Name: "http_get", Arguments: map[string]interface{}{"url": "file:///etc/passwd"}})
		assert.Contains(t, out, "invalid url")
	})
}
