package llm

import "context"

// Request is one turn of the LLM collaborator call described in spec.md
// §4.3: a system prompt plus the classify/analyze/strategize payload.
type Request struct {
	SystemPrompt string
	Prompt       string
	Model        string
	Temperature  float32
	MaxTokens    int
}

// Usage mirrors the token accounting the provider returns, used by
// CostTracker to price the call against the configured price table.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Response is a single completion plus the usage it billed.
type Response struct {
	Content string
	Model   string
	Usage   Usage
}

// Client is the LLMClient worker-adapter capability from spec.md §3: a
// single request/response collaborator, with no intra-session concurrency
// or tool-calling loop.
type Client interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}
