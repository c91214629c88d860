// Package llm is the model provider client used by the turn pipeline. It
// exposes one request shape over Anthropic, OpenAI and Gemini, in blocking
// (Chat) and streaming (StreamChat) form.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/openai/openai-go"
	"google.golang.org/genai"

	"github.com/harun/cadence/internal/observability"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ErrEmptyResponse is returned when a provider answers with no choices.
var ErrEmptyResponse = errors.New("provider returned no content")

// Client is a model provider.
type Client interface {
	// Provider names the backend, e.g. "anthropic".
	Provider() string
	// Chat performs one blocking request.
	Chat(ctx context.Context, req Request) (*Response, error)
	// StreamChat delivers output tokens through h.OnToken and then calls
	// exactly one of h.OnComplete or h.OnError. The returned error matches
	// the one given to OnError. When OnToken returns an error the stream is
	// abandoned and that error is reported.
	StreamChat(ctx context.Context, req Request, h StreamHandler) error
}

// StreamHandler receives streaming callbacks. Nil members are skipped.
type StreamHandler struct {
	OnToken    func(token string) error
	OnComplete func(resp *Response)
	OnError    func(err error)
}

func (h StreamHandler) token(t string) error {
	if h.OnToken == nil || t == "" {
		return nil
	}
	return h.OnToken(t)
}

// finish reports the outcome of a stream to h and returns err.
func (h StreamHandler) finish(resp *Response, err error) error {
	if err != nil {
		if h.OnError != nil {
			h.OnError(err)
		}
		return err
	}
	if h.OnComplete != nil {
		h.OnComplete(resp)
	}
	return nil
}

// Message is one entry of a conversation sent to a provider.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	// Name is the tool name for RoleTool messages.
	Name string `json:"name,omitempty"`
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// ToolSpec describes a tool offered to the model.
type ToolSpec struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

// Request carries one provider call.
type Request struct {
	Model         string
	System        string
	Messages      []Message
	Tools         []ToolSpec
	Temperature   float64
	TopP          float64
	MaxTokens     int
	ContextWindow int
}

// Usage tracks token consumption
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Response is the normalized provider answer.
type Response struct {
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	StopReason string     `json:"stop_reason,omitempty"`
	Model      string     `json:"model,omitempty"`
	Usage      *Usage     `json:"usage,omitempty"`
}

// ProviderConfig configures a single provider client.
type ProviderConfig struct {
	Provider string
	APIKey   string
	BaseURL  string
	// Model is used when a Request leaves Model empty.
	Model string
}

// NewClient builds the client for cfg.Provider.
func NewClient(ctx context.Context, cfg ProviderConfig) (Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("api key is required for provider %s", cfg.Provider)
	}
	switch cfg.Provider {
	case "anthropic":
		return NewAnthropicClient(cfg), nil
	case "openai":
		return NewOpenAIClient(cfg), nil
	case "gemini":
		return NewGeminiClient(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported provider: %s", cfg.Provider)
	}
}

// IsRetryableError reports whether err is a transient provider failure
// (connection resets, timeouts, rate limits, 5xx).
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	if code := statusCode(err); code != 0 {
		return code == 408 || code == 429 || code >= 500
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"econnreset", "etimedout", "connection reset", "rate limit", "429", "500", "502", "503", "504", "overloaded"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func statusCode(err error) int {
	var anthropicErr *anthropic.Error
	if errors.As(err, &anthropicErr) {
		return anthropicErr.StatusCode
	}
	var openaiErr *openai.Error
	if errors.As(err, &openaiErr) {
		return openaiErr.StatusCode
	}
	var geminiErr genai.APIError
	if errors.As(err, &geminiErr) {
		return geminiErr.Code
	}
	return 0
}

// EstimateTokens provides a rough token count estimation (4 characters per token).
func EstimateTokens(system string, messages []Message) int {
	totalChars := len(system)
	for _, msg := range messages {
		totalChars += len(msg.Content)
		for _, tc := range msg.ToolCalls {
			totalChars += len(tc.Name) + 16*len(tc.Arguments)
		}
	}
	return (totalChars + 3) / 4
}

// TrimToWindow drops the oldest messages until the request fits in its
// context window, leaving room for MaxTokens of output. The last message is
// always kept and tool results are never left without their call.
func TrimToWindow(req Request) Request {
	if req.ContextWindow <= 0 {
		return req
	}
	budget := req.ContextWindow - req.MaxTokens
	msgs := req.Messages
	for len(msgs) > 1 && EstimateTokens(req.System, msgs) > budget {
		msgs = msgs[1:]
		for len(msgs) > 1 && msgs[0].Role == RoleTool {
			msgs = msgs[1:]
		}
	}
	req.Messages = msgs
	return req
}

func record(provider, mode string, start time.Time, err error) {
	observability.RecordLLMRequest(provider, mode, time.Since(start), err == nil)
}

func modelOrDefault(req Request, cfg ProviderConfig, fallback string) string {
	if req.Model != "" {
		return req.Model
	}
	if cfg.Model != "" {
		return cfg.Model
	}
	return fallback
}
