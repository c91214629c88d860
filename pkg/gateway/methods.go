package gateway

import (
	"context"
	"strings"
	"sync"

	"github.com/harun/cadence/internal/observability"
	"github.com/harun/cadence/internal/tracing"
	"github.com/harun/cadence/pkg/agent"
	"github.com/harun/cadence/pkg/stream"
)

func (s *Server) registerBuiltinMethods() {
	_ = s.RegisterMethod("chat.send", s.handleChatSend)
	_ = s.RegisterMethod("chat.abort", s.handleChatAbort)
	_ = s.RegisterMethod("tools.list", s.handleToolsList)
	_ = s.RegisterMethod("sessions.active", s.handleSessionsActive)
}

// handleChatSend starts a turn whose events stream back to the calling
// client as frames tagged with the request id. Frames follow the response.
func (s *Server) handleChatSend(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	client := clientFromContext(ctx)
	if client == nil {
		return nil, invalidParams("chat.send requires a websocket connection")
	}

	msg, rpcErr := inboundFromParams(params)
	if rpcErr != nil {
		return nil, rpcErr
	}

	requestID := tracing.GetRequestID(ctx)
	sink := newDeferredSink(stream.NewWebsocketSink(client, requestID))
	afterResponse(ctx, sink.release)

	conn, err := s.coordinator.HandleMessage(ctx, msg, sink)
	if err != nil {
		return nil, err
	}

	s.turnStarted(ctx, msg.SessionID, conn.TurnID(), "websocket")
	return map[string]interface{}{
		"sessionId": msg.SessionID,
		"turnId":    conn.TurnID(),
		"status":    "accepted",
	}, nil
}

func (s *Server) handleChatAbort(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	sessionID, _ := params["sessionId"].(string)
	if strings.TrimSpace(sessionID) == "" {
		return nil, invalidParams("sessionId is required")
	}
	return map[string]interface{}{"aborted": s.abort(sessionID)}, nil
}

func (s *Server) handleToolsList(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	return map[string]interface{}{"tools": s.coordinator.Tools()}, nil
}

func (s *Server) handleSessionsActive(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	return map[string]interface{}{"sessions": nonNil(s.coordinator.ActiveSessions())}, nil
}

func (s *Server) abort(sessionID string) bool {
	aborted := s.coordinator.Abort(sessionID)
	if aborted {
		s.broadcaster.BroadcastMessage(EventMessage{
			Event:   "turn.aborted",
			Session: sessionID,
			Data:    map[string]interface{}{"sessionId": sessionID},
		})
	}
	return aborted
}

func (s *Server) turnStarted(ctx context.Context, sessionID, turnID, transport string) {
	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Info().
		Str("session_key", sessionID).
		Str("turn_id", turnID).
		Str("transport", transport).
		Msg("Turn accepted")
	observability.RecordSessionAudit(ctx, "turn_accepted", sessionID, "success", map[string]interface{}{
		"turn_id":   turnID,
		"transport": transport,
	})
	s.broadcaster.BroadcastMessage(EventMessage{
		Event:   "turn.started",
		Session: sessionID,
		Data:    map[string]interface{}{"sessionId": sessionID, "turnId": turnID},
	})
}

// inboundFromParams reads chat.send params.
func inboundFromParams(params map[string]interface{}) (agent.InboundMessage, *RPCError) {
	var msg agent.InboundMessage
	msg.SessionID, _ = params["sessionId"].(string)
	msg.Text, _ = params["message"].(string)
	msg.UserID, _ = params["userId"].(string)
	msg.ConversationID, _ = params["conversationId"].(string)
	msg.Model, _ = params["model"].(string)

	if raw, ok := params["tools"].([]interface{}); ok {
		msg.Tools = make([]string, 0, len(raw))
		for _, v := range raw {
			name, ok := v.(string)
			if !ok {
				return msg, invalidParams("tools must be a list of strings")
			}
			msg.Tools = append(msg.Tools, name)
		}
	}

	if strings.TrimSpace(msg.SessionID) == "" {
		return msg, invalidParams("sessionId is required")
	}
	if strings.TrimSpace(msg.Text) == "" {
		return msg, invalidParams("message is required")
	}
	return msg, nil
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

// deferredSink holds events until release, so a turn's first frames cannot
// overtake the RPC response that announces it.
type deferredSink struct {
	mu       sync.Mutex
	next     stream.Sink
	ready    bool
	pending  []stream.Event
	closeReq bool
}

func newDeferredSink(next stream.Sink) *deferredSink {
	return &deferredSink{next: next}
}

func (d *deferredSink) Write(ev stream.Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.ready {
		d.pending = append(d.pending, ev)
		return nil
	}
	return d.next.Write(ev)
}

func (d *deferredSink) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.ready {
		d.closeReq = true
		return nil
	}
	return d.next.Close()
}

func (d *deferredSink) release() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ready {
		return
	}
	d.ready = true
	for _, ev := range d.pending {
		if err := d.next.Write(ev); err != nil {
			break
		}
	}
	d.pending = nil
	if d.closeReq {
		_ = d.next.Close()
	}
}
