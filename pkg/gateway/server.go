package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/harun/cadence/internal/observability"
	"github.com/harun/cadence/internal/tracing"
	"github.com/harun/cadence/pkg/agent"
	"github.com/harun/cadence/pkg/stream"
)

// Coordinator is the turn surface the gateway exposes.
type Coordinator interface {
	HandleMessage(ctx context.Context, msg agent.InboundMessage, sink stream.Sink) (*stream.Conn, error)
	Abort(sessionID string) bool
	ActiveSessions() []string
	Tools() []string
}

// Config holds server configuration
type Config struct {
	Host         string
	Port         int
	SharedSecret string
	Coordinator  Coordinator
	// RateLimitPerMinute and MaxConcurrentRequests apply per websocket
	// client and per HTTP remote host.
	RateLimitPerMinute    int
	MaxConcurrentRequests int
	// TickInterval is the keepalive broadcast period. Zero uses 30s, a
	// negative value disables it.
	TickInterval time.Duration
	Logger       zerolog.Logger
}

// Server is the HTTP and websocket front door for turns.
type Server struct {
	addr         string
	tickInterval time.Duration
	server       *http.Server
	upgrader     websocket.Upgrader
	clients      *ClientRegistry
	router       *RPCRouter
	auth         *AuthHandler
	broadcaster  *EventBroadcaster
	coordinator  Coordinator
	httpLimits   *limiterSet
	perMinute    int
	concurrent   int
	logger       zerolog.Logger

	// ctx is cancelled on shutdown; open streams end with it.
	ctx          context.Context
	cancel       context.CancelFunc
	shuttingDown atomic.Bool
	inFlight     sync.WaitGroup
	tickWG       sync.WaitGroup
}

// NewServer creates a new Gateway Server
func NewServer(cfg Config) (*Server, error) {
	if cfg.Port <= 0 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.SharedSecret == "" {
		return nil, fmt.Errorf("shared secret is required")
	}
	if cfg.Coordinator == nil {
		return nil, fmt.Errorf("coordinator is required")
	}
	if cfg.TickInterval == 0 {
		cfg.TickInterval = 30 * time.Second
	}
	observability.EnsureRegistered()

	clients := NewClientRegistry()
	logger := cfg.Logger.With().Str("component", "gateway").Logger()
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		addr:         net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		tickInterval: cfg.TickInterval,
		clients:      clients,
		router:       NewRPCRouter(),
		auth:         NewAuthHandler(cfg.SharedSecret),
		broadcaster:  NewEventBroadcaster(clients, logger),
		coordinator:  cfg.Coordinator,
		httpLimits:   newLimiterSet(cfg.RateLimitPerMinute, cfg.MaxConcurrentRequests),
		perMinute:    cfg.RateLimitPerMinute,
		concurrent:   cfg.MaxConcurrentRequests,
		logger:       logger,
		ctx:          ctx,
		cancel:       cancel,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // clients authenticate with the challenge
			},
		},
	}
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.registerBuiltinMethods()
	return s, nil
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("POST /rpc", s.requireSecret(s.handleRPC))
	mux.HandleFunc("POST /v1/turns", s.requireSecret(s.limited(s.handleTurn)))
	mux.HandleFunc("POST /v1/sessions/{id}/abort", s.requireSecret(s.handleAbort))
	mux.HandleFunc("GET /v1/sessions/active", s.requireSecret(s.handleActiveSessions))
	mux.HandleFunc("GET /v1/tools", s.requireSecret(s.handleTools))
	mux.Handle("GET /metrics", observability.MetricsHandler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return mux
}

// ListenAndServe serves until Shutdown. It returns nil after a clean
// shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.Info().Str("addr", s.addr).Msg("Starting Gateway Server")
	s.startTickEmitter()

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("gateway server error: %w", err)
	}
	return nil
}

// Shutdown ends open streams, waits for in-flight RPCs and stops the
// listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.shuttingDown.CompareAndSwap(false, true) {
		return nil
	}
	s.logger.Info().Msg("Shutting down Gateway Server")

	s.broadcaster.Broadcast("server.shutdown", map[string]interface{}{
		"message": "Server is shutting down",
	})
	s.cancel()
	s.tickWG.Wait()

	done := make(chan struct{})
	go func() {
		s.inFlight.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info().Msg("All in-flight requests completed")
	case <-ctx.Done():
		s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
	}

	for _, client := range s.clients.All() {
		_ = client.Close()
	}

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	s.logger.Info().Msg("Gateway Server stopped")
	return nil
}

func (s *Server) startTickEmitter() {
	if s.tickInterval <= 0 {
		return
	}

	s.tickWG.Add(1)
	go func() {
		defer s.tickWG.Done()

		ticker := time.NewTicker(s.tickInterval)
		defer ticker.Stop()

		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				s.broadcaster.BroadcastMessage(EventMessage{
					Event: "tick",
					Data: map[string]interface{}{
						"activeSessions": len(s.coordinator.ActiveSessions()),
					},
				})
			}
		}
	}()
}

// handleWebSocket upgrades the connection and sends the auth challenge.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown.Load() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	clientID, err := gonanoid.New()
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to generate client id")
		_ = conn.Close()
		return
	}
	client := newClient(clientID, conn, r.RemoteAddr, NewClientRateLimiter(s.perMinute, s.concurrent))
	s.clients.Add(client)

	s.logger.Info().
		Str("clientId", clientID).
		Str("ip", r.RemoteAddr).
		Msg("Client connected")

	if err := s.sendAuthChallenge(client); err != nil {
		s.logger.Error().Err(err).Str("clientId", clientID).Msg("Failed to send auth challenge")
		_ = client.Close()
		s.clients.Remove(clientID)
		return
	}

	go s.handleClient(client)
}

func (s *Server) sendAuthChallenge(client *Client) error {
	challenge, err := s.auth.GenerateChallenge()
	if err != nil {
		return err
	}

	client.Challenge = challenge
	client.setState(StateAuthenticating)

	return client.WriteJSON(AuthChallenge{
		Event:     "auth.challenge",
		Challenge: challenge,
	})
}

// handleClient is the read loop of one websocket client.
func (s *Server) handleClient(client *Client) {
	defer func() {
		_ = client.Close()
		s.clients.Remove(client.ID)
		s.logger.Info().Str("clientId", client.ID).Msg("Client disconnected")
	}()

	for {
		_, message, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				s.logger.Error().Err(err).Str("clientId", client.ID).Msg("WebSocket error")
			}
			return
		}

		s.clients.Touch(client.ID)
		if !s.handleMessage(client, message) {
			return
		}
	}
}

// handleMessage handles one frame. It returns false when the connection
// should be dropped.
func (s *Server) handleMessage(client *Client, message []byte) bool {
	var authResp AuthResponse
	if err := json.Unmarshal(message, &authResp); err == nil && authResp.Method == "auth.response" {
		return s.handleAuthMessage(client, authResp)
	}

	if !client.Authenticated() {
		s.sendError(client, "", AuthenticationRequired, "Authentication required")
		return true
	}

	req, err := s.router.ParseRequest(message)
	if err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			s.sendError(client, "", rpcErr.Code, rpcErr.Message)
		} else {
			s.sendError(client, "", ParseError, err.Error())
		}
		return true
	}

	if err := client.RateLimiter.Acquire(); err != nil {
		code := RateLimitExceeded
		if errors.Is(err, ErrTooManyConcurrent) {
			code = TooManyConcurrent
		}
		s.sendError(client, req.ID, code, err.Error())
		return true
	}

	s.inFlight.Add(1)
	go func() {
		defer s.inFlight.Done()
		defer client.RateLimiter.Release()

		scope := &requestScope{}
		ctx := tracing.WithRequestID(tracing.NewRequestContext(s.ctx), req.ID)
		ctx = withScope(withClient(ctx, client), scope)

		response := s.router.RouteRequest(ctx, req)
		if err := client.WriteJSON(response); err != nil {
			s.logger.Error().
				Err(err).
				Str("clientId", client.ID).
				Str("requestId", req.ID).
				Msg("Failed to send response")
		}
		scope.done()
	}()
	return true
}

// handleRPC handles single-shot HTTP JSON-RPC requests.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	var req RPCRequest
	body, err := readBody(r)
	if err == nil {
		var parsed *RPCRequest
		parsed, err = s.router.ParseRequest(body)
		if parsed != nil {
			req = *parsed
		}
	}
	if err != nil {
		var rpcErr *RPCError
		if !errors.As(err, &rpcErr) {
			rpcErr = &RPCError{Code: ParseError, Message: err.Error()}
		}
		writeJSON(w, http.StatusBadRequest, errorResponse("", rpcErr))
		return
	}

	ctx := requestContext(r)
	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Info().
		Str("request_id", req.ID).
		Str("method", req.Method).
		Msg("Gateway received HTTP RPC request")

	writeJSON(w, http.StatusOK, s.router.RouteRequest(ctx, &req))
}

func (s *Server) handleAuthMessage(client *Client, authResp AuthResponse) bool {
	result := s.auth.HandleAuthResponse(client, authResp.Signature)

	if err := client.WriteJSON(result); err != nil {
		s.logger.Error().Err(err).Str("clientId", client.ID).Msg("Failed to send auth result")
		return false
	}

	if !result.Success {
		s.logger.Warn().
			Str("clientId", client.ID).
			Str("reason", result.Message).
			Msg("Authentication failed")
		observability.RecordSecurityAudit(context.Background(), "ws_auth", client.ID, "failure", map[string]interface{}{
			"ip": client.IPAddress,
		})
		return client.AuthAttempts < maxAuthAttempts
	}

	s.logger.Info().Str("clientId", client.ID).Msg("Client authenticated")
	return true
}

func (s *Server) sendError(client *Client, requestID string, code int, message string) {
	if err := client.WriteJSON(errorResponse(requestID, &RPCError{Code: code, Message: message})); err != nil {
		s.logger.Error().
			Err(err).
			Str("clientId", client.ID).
			Msg("Failed to send error response")
	}
}

// Broadcast sends an event to all authenticated clients.
func (s *Server) Broadcast(event string, data interface{}) {
	s.broadcaster.Broadcast(event, data)
}

// RegisterMethod registers an RPC method handler
func (s *Server) RegisterMethod(name string, handler RequestHandler) error {
	return s.router.RegisterMethod(name, handler)
}

// Clients describes connected websocket clients.
func (s *Server) Clients() []ClientInfo {
	return s.clients.Info()
}

// requestScope collects work to run once the RPC response is written.
type requestScope struct {
	mu    sync.Mutex
	after []func()
}

const scopeKey ctxKey = "scope"

func withScope(ctx context.Context, scope *requestScope) context.Context {
	return context.WithValue(ctx, scopeKey, scope)
}

// afterResponse defers fn until the response of the current request is
// written. Without a scope fn runs immediately.
func afterResponse(ctx context.Context, fn func()) {
	scope, _ := ctx.Value(scopeKey).(*requestScope)
	if scope == nil {
		fn()
		return
	}
	scope.mu.Lock()
	scope.after = append(scope.after, fn)
	scope.mu.Unlock()
}

func (r *requestScope) done() {
	r.mu.Lock()
	after := r.after
	r.after = nil
	r.mu.Unlock()
	for _, fn := range after {
		fn()
	}
}
