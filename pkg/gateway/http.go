package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/harun/cadence/internal/observability"
	"github.com/harun/cadence/internal/tracing"
	"github.com/harun/cadence/pkg/agent"
	"github.com/harun/cadence/pkg/stream"
)

const maxBodyBytes = 1 << 20

// TurnRequest is the body of POST /v1/turns.
type TurnRequest struct {
	SessionID      string   `json:"sessionId"`
	UserID         string   `json:"userId,omitempty"`
	ConversationID string   `json:"conversationId,omitempty"`
	Message        string   `json:"message"`
	Model          string   `json:"model,omitempty"`
	Tools          []string `json:"tools,omitempty"`
}

// handleTurn starts a turn and streams its events as server-sent events
// until the stream closes, the client goes away or the server shuts down.
func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	var req TurnRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if strings.TrimSpace(req.SessionID) == "" {
		writeError(w, http.StatusBadRequest, "sessionId is required")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	sink, err := stream.NewSSESink(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	ctx := requestContext(r)
	conn, err := s.coordinator.HandleMessage(ctx, agent.InboundMessage{
		SessionID:      req.SessionID,
		UserID:         req.UserID,
		ConversationID: req.ConversationID,
		Text:           req.Message,
		Model:          req.Model,
		Tools:          req.Tools,
	}, sink)
	if err != nil {
		// the coordinator already wrote the error event
		logger := tracing.LoggerFromContext(ctx, s.logger)
		logger.Warn().Err(err).Msg("Turn rejected")
		return
	}
	s.turnStarted(ctx, req.SessionID, conn.TurnID(), "sse")

	select {
	case <-conn.Done():
	case <-r.Context().Done():
		conn.Close()
	case <-s.ctx.Done():
		conn.Close()
	}
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if strings.TrimSpace(sessionID) == "" {
		writeError(w, http.StatusBadRequest, "session id is required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessionId": sessionID,
		"aborted":   s.abort(sessionID),
	})
}

func (s *Server) handleActiveSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": nonNil(s.coordinator.ActiveSessions())})
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"tools": s.coordinator.Tools()})
}

// requireSecret rejects requests without the shared secret header.
func (s *Server) requireSecret(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.auth.CheckSecret(r.Header.Get(SecretHeader)) {
			observability.RecordSecurityAudit(r.Context(), "http_auth", remoteHost(r), "failure", map[string]interface{}{
				"path": r.URL.Path,
			})
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	}
}

// limited applies the per-host rate limiter.
func (s *Server) limited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limiter := s.httpLimits.get(remoteHost(r))
		if err := limiter.Acquire(); err != nil {
			w.Header().Set("Retry-After", "60")
			writeError(w, http.StatusTooManyRequests, err.Error())
			return
		}
		defer limiter.Release()
		next(w, r)
	}
}

// requestContext carries the caller's trace id, or a fresh one.
func requestContext(r *http.Request) context.Context {
	traceID := r.Header.Get("X-Trace-Id")
	if traceID == "" {
		traceID = tracing.NewTraceID()
	}
	return tracing.WithTraceID(r.Context(), traceID)
}

func readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, errors.New("failed to read request body")
	}
	return body, nil
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
