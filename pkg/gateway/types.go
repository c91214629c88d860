package gateway

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// RPCRequest represents a JSON-RPC 2.0 request
type RPCRequest struct {
	ID             string                 `json:"id"`
	Method         string                 `json:"method"`
	Params         map[string]interface{} `json:"params,omitempty"`
	JSONRPC        string                 `json:"jsonrpc"`
	IdempotencyKey string                 `json:"idempotencyKey,omitempty"`
}

// RPCResponse represents a JSON-RPC 2.0 response
type RPCResponse struct {
	ID      string      `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
	JSONRPC string      `json:"jsonrpc"`
}

// RPCError represents a JSON-RPC 2.0 error
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return e.Message
}

func invalidParams(message string) *RPCError {
	return &RPCError{Code: InvalidParams, Message: message}
}

// EventMessage is a server-initiated broadcast.
type EventMessage struct {
	Type      string      `json:"type,omitempty"`
	Event     string      `json:"event"`
	Seq       int64       `json:"seq,omitempty"`
	Data      interface{} `json:"data"`
	Timestamp int64       `json:"timestamp"`
	Session   string      `json:"session_key,omitempty"`
}

// AuthChallenge is sent to every new websocket client.
type AuthChallenge struct {
	Event     string `json:"event"`
	Challenge string `json:"challenge"`
}

// AuthResponse carries the hex HMAC-SHA256 of the challenge.
type AuthResponse struct {
	Method    string `json:"method"`
	Signature string `json:"signature"`
}

// AuthResult represents the result of authentication
type AuthResult struct {
	Event   string `json:"event"`
	Success bool   `json:"success,omitempty"`
	Message string `json:"message,omitempty"`
}

// ClientInfo describes a connected websocket client.
type ClientInfo struct {
	ID            string    `json:"id"`
	Authenticated bool      `json:"authenticated"`
	ConnectedAt   time.Time `json:"connectedAt"`
	LastActivity  time.Time `json:"lastActivity"`
	IPAddress     string    `json:"ipAddress"`
	Idle          bool      `json:"idle"`
}

// ClientState represents the state of a client connection
type ClientState int32

const (
	StateConnecting ClientState = iota
	StateAuthenticating
	StateAuthenticated
	StateDisconnected
)

// RPC error codes
const (
	ParseError             = -32700
	InvalidRequest         = -32600
	MethodNotFound         = -32601
	InvalidParams          = -32602
	InternalError          = -32603
	AuthenticationRequired = -32001
	RateLimitExceeded      = -32005
	TooManyConcurrent      = -32006
)

const writeWait = 10 * time.Second

// Client is a connected websocket client. Writes are serialized so turn
// streams, RPC responses and broadcasts can share one socket.
type Client struct {
	ID           string
	ConnectedAt  time.Time
	LastActivity time.Time
	IPAddress    string
	RateLimiter  *ClientRateLimiter

	// read loop only
	Challenge    string
	AuthAttempts int

	conn          *websocket.Conn
	writeMu       sync.Mutex
	authenticated atomic.Bool
	state         atomic.Int32
}

func newClient(id string, conn *websocket.Conn, ip string, limiter *ClientRateLimiter) *Client {
	now := time.Now()
	return &Client{
		ID:           id,
		ConnectedAt:  now,
		LastActivity: now,
		IPAddress:    ip,
		RateLimiter:  limiter,
		conn:         conn,
	}
}

// Authenticated reports whether the client passed the challenge.
func (c *Client) Authenticated() bool { return c.authenticated.Load() }

// State returns the connection state.
func (c *Client) State() ClientState { return ClientState(c.state.Load()) }

func (c *Client) setState(s ClientState) {
	c.state.Store(int32(s))
	c.authenticated.Store(s == StateAuthenticated)
}

// WriteMessage writes one frame. It satisfies stream.WebsocketWriter.
func (c *Client) WriteMessage(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		return websocket.ErrCloseSent
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(messageType, data)
}

// WriteJSON writes v as a text frame.
func (c *Client) WriteJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.WriteMessage(websocket.TextMessage, data)
}

// Close closes the underlying socket.
func (c *Client) Close() error {
	c.setState(StateDisconnected)
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}
