package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"
)

// scriptedClient replays canned results in order.
type scriptedClient struct {
	mu       sync.Mutex
	name     string
	chat     []scriptedResult
	streams  []scriptedStream
	requests []Request
}

type scriptedResult struct {
	resp *Response
	err  error
}

type scriptedStream struct {
	tokens []string
	err    error
}

func (c *scriptedClient) Provider() string {
	if c.name == "" {
		return "scripted"
	}
	return c.name
}

func (c *scriptedClient) Chat(ctx context.Context, req Request) (*Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	if len(c.chat) == 0 {
		return nil, errors.New("no scripted chat result")
	}
	next := c.chat[0]
	c.chat = c.chat[1:]
	return next.resp, next.err
}

func (c *scriptedClient) StreamChat(ctx context.Context, req Request, h StreamHandler) error {
	c.mu.Lock()
	c.requests = append(c.requests, req)
	if len(c.streams) == 0 {
		c.mu.Unlock()
		return h.finish(nil, errors.New("no scripted stream"))
	}
	next := c.streams[0]
	c.streams = c.streams[1:]
	c.mu.Unlock()

	var sb strings.Builder
	for _, tok := range next.tokens {
		if err := h.token(tok); err != nil {
			return h.finish(nil, err)
		}
		sb.WriteString(tok)
	}
	if next.err != nil {
		return h.finish(nil, next.err)
	}
	return h.finish(&Response{Content: sb.String()}, nil)
}

func (c *scriptedClient) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "rate limit text", err: errors.New("429 Too Many Requests"), want: true},
		{name: "connection reset", err: errors.New("read: connection reset by peer"), want: true},
		{name: "server error text", err: errors.New("upstream returned 503"), want: true},
		{name: "overloaded", err: errors.New("Overloaded"), want: true},
		{name: "bad request text", err: errors.New("invalid model"), want: false},
		{name: "cancelled", err: fmt.Errorf("wrapped: %w", context.Canceled), want: false},
		{name: "anthropic 529", err: &anthropic.Error{StatusCode: 529}, want: true},
		{name: "anthropic 401", err: &anthropic.Error{StatusCode: 401}, want: false},
		{name: "gemini 429", err: genai.APIError{Code: 429}, want: true},
		{name: "gemini 400", err: genai.APIError{Code: 400}, want: false},
	}

	for _, tt := range tests {
		t.Run("should classify "+tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryableError(tt.err))
		})
	}
}

func TestTrimToWindow(t *testing.T) {
	long := strings.Repeat("x", 400) // ~100 tokens

	t.Run("should leave requests without a window alone", func(t *testing.T) {
		req := Request{Messages: []Message{{Role: RoleUser, Content: long}, {Role: RoleUser, Content: long}}}
		assert.Len(t, TrimToWindow(req).Messages, 2)
	})

	t.Run("should drop oldest messages until the request fits", func(t *testing.T) {
		req := Request{
			ContextWindow: 250,
			MaxTokens:     50,
			Messages: []Message{
				{Role: RoleUser, Content: long},
				{Role: RoleAssistant, Content: long},
				{Role: RoleUser, Content: long},
			},
		}

		got := TrimToWindow(req)

		require.Len(t, got.Messages, 2)
		assert.Equal(t, RoleAssistant, got.Messages[0].Role)
	})

	t.Run("should not leave orphaned tool results", func(t *testing.T) {
		req := Request{
			ContextWindow: 60,
			Messages: []Message{
				{Role: RoleAssistant, Content: long, ToolCalls: []ToolCall{{ID: "1", Name: "echo"}}},
				{Role: RoleTool, Content: "ok", ToolCallID: "1"},
				{Role: RoleUser, Content: "next"},
			},
		}

		got := TrimToWindow(req)

		require.Len(t, got.Messages, 1)
		assert.Equal(t, RoleUser, got.Messages[0].Role)
	})

	t.Run("should always keep the last message", func(t *testing.T) {
		req := Request{ContextWindow: 10, Messages: []Message{{Role: RoleUser, Content: long}}}
		assert.Len(t, TrimToWindow(req).Messages, 1)
	})
}

func TestAnthropicMessages(t *testing.T) {
	msgs, err := anthropicMessages([]Message{
		{Role: RoleSystem, Content: "ignored"},
		{Role: RoleUser, Content: "compute"},
		{Role: RoleAssistant, Content: "calling", ToolCalls: []ToolCall{
			{ID: "a", Name: "calculator", Arguments: map[string]interface{}{"expression": "1+1"}},
			{ID: "b", Name: "echo"},
		}},
		{Role: RoleTool, Content: "2", ToolCallID: "a"},
		{Role: RoleTool, Content: "hi", ToolCallID: "b"},
		{Role: RoleUser, Content: "thanks"},
	})
	require.NoError(t, err)

	require.Len(t, msgs, 4)
	assert.Equal(t, anthropic.MessageParamRoleUser, msgs[0].Role)
	assert.Equal(t, anthropic.MessageParamRoleAssistant, msgs[1].Role)
	assert.Len(t, msgs[1].Content, 3)
	assert.Len(t, msgs[2].Content, 2, "tool results share one user turn")

	_, err = anthropicMessages([]Message{{Role: "narrator"}})
	assert.Error(t, err)
}

func TestRequiredFields(t *testing.T) {
	assert.Equal(t, []string{"a"}, requiredFields(map[string]interface{}{"required": []string{"a"}}))
	assert.Equal(t, []string{"b"}, requiredFields(map[string]interface{}{"required": []interface{}{"b", 3}}))
	assert.Nil(t, requiredFields(map[string]interface{}{}))
}

func TestGeminiContents(t *testing.T) {
	contents := geminiContents([]Message{
		{Role: RoleUser, Content: "hi"},
		{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "1", Name: "echo", Arguments: map[string]interface{}{"text": "x"}}}},
		{Role: RoleTool, Content: "x", ToolCallID: "1", Name: "echo"},
		{Role: RoleAssistant},
	})

	require.Len(t, contents, 3)
	assert.Equal(t, genai.RoleModel, contents[1].Role)
	require.NotNil(t, contents[1].Parts[0].FunctionCall)
	assert.Equal(t, "echo", contents[1].Parts[0].FunctionCall.Name)
	require.NotNil(t, contents[2].Parts[0].FunctionResponse)
	assert.Equal(t, "x", contents[2].Parts[0].FunctionResponse.Response["output"])
}

func TestMergeGeminiChunk(t *testing.T) {
	resp := &Response{}
	mergeGeminiChunk(resp, &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []*genai.Part{
				{Text: "thinking", Thought: true},
				{Text: "answer"},
				{FunctionCall: &genai.FunctionCall{Name: "echo"}},
			}},
			FinishReason: genai.FinishReasonStop,
		}},
		UsageMetadata: &genai.GenerateContentResponseUsageMetadata{PromptTokenCount: 4, CandidatesTokenCount: 2},
	})

	assert.Equal(t, "answer", resp.Content)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "gemini_call_1", resp.ToolCalls[0].ID)
	assert.Equal(t, "STOP", resp.StopReason)
	assert.Equal(t, 4, resp.Usage.InputTokens)
}

func TestNewClient(t *testing.T) {
	t.Run("should reject a missing key", func(t *testing.T) {
		_, err := NewClient(context.Background(), ProviderConfig{Provider: "openai"})
		assert.Error(t, err)
	})

	t.Run("should reject an unknown provider", func(t *testing.T) {
		_, err := NewClient(context.Background(), ProviderConfig{Provider: "bedrock", APIKey: "k"})
		assert.ErrorContains(t, err, "unsupported provider")
	})

	t.Run("should build each supported provider", func(t *testing.T) {
		for _, provider := range []string{"anthropic", "openai", "gemini"} {
			c, err := NewClient(context.Background(), ProviderConfig{Provider: provider, APIKey: "k"})
			require.NoError(t, err)
			assert.Equal(t, provider, c.Provider())
		}
	})
}

func TestStreamHandlerFinish(t *testing.T) {
	var completed *Response
	var failed error
	h := StreamHandler{
		OnComplete: func(r *Response) { completed = r },
		OnError:    func(err error) { failed = err },
	}

	assert.NoError(t, h.finish(&Response{Content: "ok"}, nil))
	assert.Equal(t, "ok", completed.Content)

	boom := errors.New("boom")
	assert.ErrorIs(t, h.finish(nil, boom), boom)
	assert.Equal(t, boom, failed)

	assert.NoError(t, StreamHandler{}.token("x"), "nil callbacks are skipped")
}
