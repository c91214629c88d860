package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/cadence/internal/tracing"
	"github.com/harun/cadence/pkg/llm"
	"github.com/harun/cadence/pkg/sessionflag"
	"github.com/harun/cadence/pkg/store"
	"github.com/harun/cadence/pkg/stream"
	"github.com/harun/cadence/pkg/toolgateway"
)

// DefaultMaxIterations caps the reason/act loop.
const DefaultMaxIterations = 30

var toolMarker = regexp.MustCompile(`(?i)<\s*(?:tool_call|function_call|tool_use)\b`)

// ToolGateway is the tool surface the loop needs.
type ToolGateway interface {
	ListAvailableTools() []string
	CreateToolCapability(names []string) (*toolgateway.Capability, error)
	Execute(ctx context.Context, call llm.ToolCall) (string, error)
}

// ToolStep is one dispatched tool call and its textual result.
type ToolStep struct {
	Call   llm.ToolCall `json:"call"`
	Result string       `json:"result"`
}

// Step is one loop iteration.
type Step struct {
	Iteration   int        `json:"iteration"`
	Explanation string     `json:"explanation,omitempty"`
	Tools       []ToolStep `json:"tools,omitempty"`
}

// Transcript is the structured history of a loop run.
type Transcript []Step

// Messages replays the transcript as provider messages.
func (t Transcript) Messages() []llm.Message {
	var msgs []llm.Message
	for _, step := range t {
		if len(step.Tools) == 0 {
			if step.Explanation != "" {
				msgs = append(msgs, llm.Message{Role: llm.RoleAssistant, Content: step.Explanation})
			}
			continue
		}
		calls := make([]llm.ToolCall, len(step.Tools))
		for i, ts := range step.Tools {
			calls[i] = ts.Call
		}
		msgs = append(msgs, llm.Message{Role: llm.RoleAssistant, Content: step.Explanation, ToolCalls: calls})
		for _, ts := range step.Tools {
			msgs = append(msgs, llm.Message{
				Role:       llm.RoleTool,
				Content:    ts.Result,
				ToolCallID: ts.Call.ID,
				Name:       ts.Call.Name,
			})
		}
	}
	return msgs
}

// String renders the transcript as text for the polish prompt.
func (t Transcript) String() string {
	var sb strings.Builder
	for _, step := range t {
		fmt.Fprintf(&sb, "## Step %d\n", step.Iteration)
		if step.Explanation != "" {
			sb.WriteString(step.Explanation)
			sb.WriteString("\n")
		}
		for _, ts := range step.Tools {
			fmt.Fprintf(&sb, "Tool %s(%s) returned:\n%s\n", ts.Call.Name, jsonString(ts.Call.Arguments), ts.Result)
		}
		sb.WriteString("\n")
	}
	return strings.TrimSpace(sb.String())
}

// LoopResult summarizes a loop run.
type LoopResult struct {
	Transcript Transcript
	Iterations int
	// CapReached is set when the last allowed iteration still requested tools.
	CapReached bool
	Cancelled  bool
}

// LoopConfig configures a LoopExecutor.
type LoopConfig struct {
	Client        llm.Client
	Tools         ToolGateway
	Store         store.Store
	Prompts       Prompts
	MaxIterations int
	Logger        zerolog.Logger
}

// LoopExecutor runs the bounded reason/act loop and the polish pass.
type LoopExecutor struct {
	client        llm.Client
	tools         ToolGateway
	store         store.Store
	prompts       Prompts
	maxIterations int
	logger        zerolog.Logger
}

// NewLoopExecutor creates a loop executor.
func NewLoopExecutor(cfg LoopConfig) *LoopExecutor {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	return &LoopExecutor{
		client:        cfg.Client,
		tools:         cfg.Tools,
		store:         cfg.Store,
		prompts:       cfg.Prompts,
		maxIterations: cfg.MaxIterations,
		logger:        cfg.Logger,
	}
}

// Run iterates until the model stops requesting tools, the cap is reached or
// the turn is cancelled. Model and dispatch failures abort the loop; tool
// failures come back as text and feed the next iteration.
func (l *LoopExecutor) Run(ctx context.Context, conv *ConversationContext, flag *sessionflag.Flag, conn *stream.Conn) (result LoopResult, err error) {
	ctx, span := tracing.StartSpan(ctx, tracing.TracerName, "agent.loop")
	defer func() {
		span.SetAttributes(attribute.Int("loop.iterations", result.Iterations))
		tracing.EndSpan(span, err)
	}()
	logger := tracing.LoggerFromContext(ctx, l.logger)

	capability, err := l.tools.CreateToolCapability(conv.Tools)
	if err != nil {
		return result, fmt.Errorf("%w: %w", ErrToolDispatch, err)
	}
	enabled := make(map[string]bool)
	for _, name := range capability.Names() {
		enabled[name] = true
	}
	instruction := render(l.prompts.Reason, conv.UserMessage, "")

	for result.Iterations < l.maxIterations {
		if cancelled(flag, conn) {
			result.Cancelled = true
			return result, nil
		}
		result.Iterations++

		req := conv.request("", append([]llm.Message{{Role: llm.RoleUser, Content: instruction}}, result.Transcript.Messages()...)...)
		req.Tools = capability.Specs()
		req = llm.TrimToWindow(req)

		resp, err := l.client.Chat(ctx, req)
		if err != nil {
			if flag.Cancelled() {
				result.Cancelled = true
				return result, nil
			}
			return result, fmt.Errorf("%w: iteration %d: %w", ErrModelCall, result.Iterations, err)
		}

		step := Step{Iteration: result.Iterations}
		if len(resp.ToolCalls) == 0 {
			step.Explanation = strings.TrimSpace(resp.Content)
			result.Transcript = append(result.Transcript, step)
			logger.Debug().Int("iteration", result.Iterations).Msg("Loop finished without tool calls")
			return result, nil
		}

		step.Explanation = SplitExplanation(resp.Content)
		if step.Explanation != "" {
			conn.Send(stream.TextDelta(step.Explanation))
		}

		for i, call := range resp.ToolCalls {
			if call.ID == "" {
				call.ID = fmt.Sprintf("call_%d_%d", result.Iterations, i)
			}
			conn.Send(stream.ToolCall(call.Name))

			text, err := l.dispatch(ctx, conv, flag, call, enabled[call.Name])
			if err != nil {
				if flag.Cancelled() {
					result.Cancelled = true
					return result, nil
				}
				return result, err
			}
			step.Tools = append(step.Tools, ToolStep{Call: call, Result: text})

			if cancelled(flag, conn) {
				result.Transcript = append(result.Transcript, step)
				result.Cancelled = true
				return result, nil
			}
		}
		result.Transcript = append(result.Transcript, step)

		if result.Iterations == l.maxIterations {
			result.CapReached = true
		}
	}
	return result, nil
}

// dispatch executes one call under the flag context and persists the result.
// A call to a tool outside the turn's capability never runs; the model gets
// an error result instead.
func (l *LoopExecutor) dispatch(ctx context.Context, conv *ConversationContext, flag *sessionflag.Flag, call llm.ToolCall, enabled bool) (string, error) {
	text, err := l.execute(ctx, conv, flag, call, enabled)
	if err != nil {
		return "", err
	}

	msg := conv.message(store.RoleTool, text)
	msg.ToolName = call.Name
	msg.ToolCallID = call.ID
	if err := l.store.SaveMessage(ctx, msg); err != nil {
		return "", fmt.Errorf("failed to persist tool message: %w", err)
	}
	return text, nil
}

func (l *LoopExecutor) execute(ctx context.Context, conv *ConversationContext, flag *sessionflag.Flag, call llm.ToolCall, enabled bool) (string, error) {
	if !enabled {
		logger := tracing.LoggerFromContext(ctx, l.logger)
		logger.Warn().Str("tool", call.Name).Msg("Tool call outside the turn capability")
		return fmt.Sprintf("Error: tool '%s' is not enabled for this turn", call.Name), nil
	}

	// tools observe the flag as their cancellation signal
	toolCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stop := context.AfterFunc(flag.Context(), func() { cancel(context.Cause(flag.Context())) })
	defer stop()

	toolCtx = toolgateway.ContextWithCall(toolCtx, toolgateway.CallInfo{
		SessionID: conv.SessionID,
		TurnID:    conv.TurnID,
		CallID:    call.ID,
	})

	text, err := l.tools.Execute(toolCtx, call)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrToolDispatch, call.Name, err)
	}
	return text, nil
}

// Polish streams the user-facing answer built from the transcript. It
// returns ErrCancelled when the turn is cancelled mid-stream.
func (l *LoopExecutor) Polish(ctx context.Context, conv *ConversationContext, transcript Transcript, flag *sessionflag.Flag, conn *stream.Conn) (text string, err error) {
	ctx, span := tracing.StartSpan(ctx, tracing.TracerName, "agent.polish")
	defer func() {
		if errors.Is(err, ErrCancelled) {
			tracing.EndSpan(span, nil)
			return
		}
		tracing.EndSpan(span, err)
	}()

	prompt := render(l.prompts.Polish, conv.UserMessage, transcript.String())
	req := conv.request("", llm.Message{Role: llm.RoleUser, Content: prompt})
	return streamInto(ctx, l.client, req, flag, conn)
}

// SplitExplanation returns the natural-language text preceding the first
// inline tool-call marker, or the whole content when there is none.
func SplitExplanation(content string) string {
	if loc := toolMarker.FindStringIndex(content); loc != nil {
		content = content[:loc[0]]
	}
	return strings.TrimSpace(content)
}

func jsonString(args map[string]interface{}) string {
	if len(args) == 0 {
		return "{}"
	}
	data, err := json.Marshal(args)
	if err != nil {
		return fmt.Sprintf("%v", args)
	}
	return string(data)
}
