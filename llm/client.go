package llm

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/wardnb/autonomous-dev-team/core"
)

// AnthropicClient implements Client against the Anthropic Messages API.
// It replaces the teacher's raw net/http OpenAI client with the SDK, kept
// to a single request/response shape since the orchestrator never needs
// streaming or multi-turn tool calling (spec.md §4.3).
type AnthropicClient struct {
	sdk    anthropic.Client
	logger core.Logger
}

// NewAnthropicClient builds a client; apiKey falls back to ANTHROPIC_API_KEY
// when empty (the SDK's own default option resolution).
func NewAnthropicClient(apiKey string, logger core.Logger) *AnthropicClient {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}

	opts := []option.RequestOption{}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}

	return &AnthropicClient{
		sdk:    anthropic.NewClient(opts...),
		logger: logger,
	}
}

// Generate sends one prompt and returns the completion and its usage.
func (c *AnthropicClient) Generate(ctx context.Context, req Request) (*Response, error) {
	if req.Model == "" {
		req.Model = "claude-sonnet-4-5"
	}
	if req.MaxTokens == 0 {
		req.MaxTokens = 4096
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(req.MaxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.SystemPrompt}}
	}

	msg, err := c.sdk.Messages.New(ctx, params)
	if err != nil {
		c.logger.Error("llm generate failed", map[string]interface{}{
			"model": req.Model, "error": err.Error(),
		})
		return nil, fmt.Errorf("anthropic messages.new: %w", err)
	}

	var content string
	for _, block := range msg.Content {
		if block.Type == "text" {
			content += block.Text
		}
	}
	if content == "" {
		return nil, fmt.Errorf("%w: empty completion", core.ErrAnalysisFailed)
	}

	return &Response{
		Content: content,
		Model:   string(msg.Model),
		Usage: Usage{
			PromptTokens:     int(msg.Usage.InputTokens),
			CompletionTokens: int(msg.Usage.OutputTokens),
			TotalTokens:      int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		},
	}, nil
}

var _ Client = (*AnthropicClient)(nil)
