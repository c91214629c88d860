package llm

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/genai"
)

const defaultGeminiModel = "gemini-2.5-flash"

// GeminiClient implements Client for Google Gemini
type GeminiClient struct {
	client *genai.Client
	cfg    ProviderConfig
}

// NewGeminiClient creates a new Gemini client
func NewGeminiClient(ctx context.Context, cfg ProviderConfig) (*GeminiClient, error) {
	clientCfg := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		clientCfg.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}

	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	return &GeminiClient{client: client, cfg: cfg}, nil
}

// Provider returns the provider name
func (c *GeminiClient) Provider() string {
	return "gemini"
}

// Chat makes a blocking GenerateContent call
func (c *GeminiClient) Chat(ctx context.Context, req Request) (resp *Response, err error) {
	start := time.Now()
	defer func() { record(c.Provider(), "chat", start, err) }()

	model, contents, config := c.buildParams(req)
	result, err := c.client.Models.GenerateContent(ctx, model, contents, config)
	if err != nil {
		return nil, err
	}

	resp = &Response{Model: model}
	mergeGeminiChunk(resp, result)
	if resp.Content == "" && len(resp.ToolCalls) == 0 {
		return nil, ErrEmptyResponse
	}
	return resp, nil
}

// StreamChat streams text parts from GenerateContentStream
func (c *GeminiClient) StreamChat(ctx context.Context, req Request, h StreamHandler) (err error) {
	start := time.Now()
	defer func() { record(c.Provider(), "stream", start, err) }()

	model, contents, config := c.buildParams(req)
	resp := &Response{Model: model}

	for chunk, err := range c.client.Models.GenerateContentStream(ctx, model, contents, config) {
		if err != nil {
			return h.finish(nil, err)
		}
		before := len(resp.Content)
		mergeGeminiChunk(resp, chunk)
		if err := h.token(resp.Content[before:]); err != nil {
			return h.finish(nil, err)
		}
	}

	return h.finish(resp, nil)
}

func (c *GeminiClient) buildParams(req Request) (string, []*genai.Content, *genai.GenerateContentConfig) {
	req = TrimToWindow(req)

	config := &genai.GenerateContentConfig{}
	if req.System != "" {
		config.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if req.Temperature > 0 {
		config.Temperature = genai.Ptr(float32(req.Temperature))
	}
	if req.TopP > 0 {
		config.TopP = genai.Ptr(float32(req.TopP))
	}
	if req.MaxTokens > 0 {
		config.MaxOutputTokens = int32(req.MaxTokens)
	}

	if len(req.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(req.Tools))
		for _, spec := range req.Tools {
			decls = append(decls, &genai.FunctionDeclaration{
				Name:                 spec.Name,
				Description:          spec.Description,
				ParametersJsonSchema: spec.InputSchema,
			})
		}
		config.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}

	return modelOrDefault(req, c.cfg, defaultGeminiModel), geminiContents(req.Messages), config
}

func geminiContents(msgs []Message) []*genai.Content {
	contents := make([]*genai.Content, 0, len(msgs))
	for _, msg := range msgs {
		switch msg.Role {
		case RoleUser, RoleSystem:
			contents = append(contents, genai.NewContentFromText(msg.Content, genai.RoleUser))
		case RoleAssistant:
			parts := []*genai.Part{}
			if msg.Content != "" {
				parts = append(parts, &genai.Part{Text: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				parts = append(parts, &genai.Part{FunctionCall: &genai.FunctionCall{
					ID:   tc.ID,
					Name: tc.Name,
					Args: tc.Arguments,
				}})
			}
			if len(parts) > 0 {
				contents = append(contents, &genai.Content{Role: genai.RoleModel, Parts: parts})
			}
		case RoleTool:
			contents = append(contents, &genai.Content{
				Role: genai.RoleUser,
				Parts: []*genai.Part{{FunctionResponse: &genai.FunctionResponse{
					ID:       msg.ToolCallID,
					Name:     msg.Name,
					Response: map[string]any{"output": msg.Content},
				}}},
			})
		}
	}
	return contents
}

func mergeGeminiChunk(resp *Response, chunk *genai.GenerateContentResponse) {
	if chunk == nil {
		return
	}
	// only the first candidate is used
	if len(chunk.Candidates) > 0 && chunk.Candidates[0] != nil {
		cand := chunk.Candidates[0]
		if cand.FinishReason != "" {
			resp.StopReason = string(cand.FinishReason)
		}
		if cand.Content != nil {
			for _, part := range cand.Content.Parts {
				if part.Text != "" && !part.Thought {
					resp.Content += part.Text
				}
				if part.FunctionCall != nil {
					id := part.FunctionCall.ID
					if id == "" {
						id = fmt.Sprintf("gemini_call_%d", len(resp.ToolCalls)+1)
					}
					resp.ToolCalls = append(resp.ToolCalls, ToolCall{
						ID:        id,
						Name:      part.FunctionCall.Name,
						Arguments: part.FunctionCall.Args,
					})
				}
			}
		}
	}
	if chunk.UsageMetadata != nil {
		resp.Usage = &Usage{
			InputTokens:  int(chunk.UsageMetadata.PromptTokenCount),
			OutputTokens: int(chunk.UsageMetadata.CandidatesTokenCount),
		}
	}
}
