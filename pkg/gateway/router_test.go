package gateway

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRPCRouter_RegisterMethod(t *testing.T) {
	router := NewRPCRouter()

	t.Run("should register method successfully", func(t *testing.T) {
		err := router.RegisterMethod("test.method", func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return "result", nil
		})
		require.NoError(t, err)

		resp := router.RouteRequest(context.Background(), &RPCRequest{ID: "1", Method: "test.method"})
		assert.Nil(t, resp.Error)
		assert.Equal(t, "result", resp.Result)
	})

	t.Run("should reject nil handler", func(t *testing.T) {
		err := router.RegisterMethod("test.nil", nil)
		assert.ErrorContains(t, err, "handler cannot be nil")
	})
}

func TestRPCRouter_ParseRequest(t *testing.T) {
	router := NewRPCRouter()

	t.Run("should parse valid request", func(t *testing.T) {
		req, err := router.ParseRequest([]byte(`{"id":"1","method":"test.method","params":{"key":"value"}}`))
		require.NoError(t, err)
		assert.Equal(t, "1", req.ID)
		assert.Equal(t, "test.method", req.Method)
		assert.Equal(t, "value", req.Params["key"])
		assert.Equal(t, "2.0", req.JSONRPC)
	})

	tests := []struct {
		name    string
		data    string
		code    int
		message string
	}{
		{"should reject malformed JSON", `{invalid json}`, ParseError, "Parse error"},
		{"should reject request without id", `{"method":"test.method"}`, InvalidRequest, "missing id"},
		{"should reject request without method", `{"id":"1"}`, InvalidRequest, "missing method"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := router.ParseRequest([]byte(tt.data))
			require.Error(t, err)

			rpcErr, ok := err.(*RPCError)
			require.True(t, ok)
			assert.Equal(t, tt.code, rpcErr.Code)
			assert.Contains(t, rpcErr.Message, tt.message)
		})
	}
}

func TestRPCRouter_RouteRequest(t *testing.T) {
	router := NewRPCRouter()
	ctx := context.Background()

	t.Run("should route to registered handler", func(t *testing.T) {
		_ = router.RegisterMethod("test.echo", func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return map[string]interface{}{"echo": params["input"]}, nil
		})

		resp := router.RouteRequest(ctx, &RPCRequest{ID: "1", Method: "test.echo", Params: map[string]interface{}{"input": "hello"}})
		assert.Equal(t, "1", resp.ID)
		assert.Nil(t, resp.Error)
		assert.Equal(t, "hello", resp.Result.(map[string]interface{})["echo"])
	})

	t.Run("should return error for unknown method", func(t *testing.T) {
		resp := router.RouteRequest(ctx, &RPCRequest{ID: "1", Method: "unknown.method"})
		require.NotNil(t, resp.Error)
		assert.Equal(t, MethodNotFound, resp.Error.Code)
	})

	t.Run("should map plain errors to internal errors", func(t *testing.T) {
		_ = router.RegisterMethod("test.error", func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return nil, fmt.Errorf("handler error")
		})

		resp := router.RouteRequest(ctx, &RPCRequest{ID: "1", Method: "test.error"})
		require.NotNil(t, resp.Error)
		assert.Equal(t, InternalError, resp.Error.Code)
		assert.Contains(t, resp.Error.Message, "handler error")
	})

	t.Run("should keep RPC error codes from handlers", func(t *testing.T) {
		_ = router.RegisterMethod("test.params", func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return nil, invalidParams("sessionId is required")
		})

		resp := router.RouteRequest(ctx, &RPCRequest{ID: "1", Method: "test.params"})
		require.NotNil(t, resp.Error)
		assert.Equal(t, InvalidParams, resp.Error.Code)
	})

	t.Run("should replay responses for a repeated idempotency key", func(t *testing.T) {
		calls := 0
		_ = router.RegisterMethod("test.count", func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			calls++
			return calls, nil
		})

		first := router.RouteRequest(ctx, &RPCRequest{ID: "a", Method: "test.count", IdempotencyKey: "k1"})
		second := router.RouteRequest(ctx, &RPCRequest{ID: "b", Method: "test.count", IdempotencyKey: "k1"})
		third := router.RouteRequest(ctx, &RPCRequest{ID: "c", Method: "test.count"})

		assert.Equal(t, 1, first.Result)
		assert.Equal(t, 1, second.Result)
		assert.Equal(t, "b", second.ID)
		assert.Equal(t, 2, third.Result)
	})

	t.Run("should reject a nil request", func(t *testing.T) {
		resp := router.RouteRequest(ctx, nil)
		require.NotNil(t, resp.Error)
		assert.Equal(t, InvalidRequest, resp.Error.Code)
	})
}
