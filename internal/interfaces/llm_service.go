// -----------------------------------------------------------------------
// LLM service interfaces - provider-agnostic completion contract
// -----------------------------------------------------------------------

package interfaces

import (
	"context"
)

// Message represents one turn in a model conversation
type Message struct {
	Role    string `json:"role"` // "system", "user", "assistant"
	Content string `json:"content"`
}

// CompletionRequest is a provider-agnostic completion request. ModelName is
// the provider's model identifier; sampling parameters come from the step
// configuration.
type CompletionRequest struct {
	Messages    []Message
	ModelName   string
	Temperature float32
	MaxTokens   int
	// Optional base64-encoded image payload for vision extraction
	ImageData     []byte
	ImageMimeType string
}

// CompletionResponse carries the generated text plus token accounting for the
// cost log.
type CompletionResponse struct {
	Text         string
	Model        string
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

// LLMClient is one provider client (Claude or Gemini).
type LLMClient interface {
	Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error)
	HealthCheck(ctx context.Context) error
	Close() error
}

// LLMDispatcher routes a completion to the provider owning the model.
type LLMDispatcher interface {
	CompleteWithModel(ctx context.Context, provider string, req *CompletionRequest) (*CompletionResponse, error)
	HealthCheck(ctx context.Context) error
}
