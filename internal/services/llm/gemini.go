package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"google.golang.org/genai"

	"github.com/klartext-med/klartext/internal/common"
	"github.com/klartext-med/klartext/internal/interfaces"
)

// GeminiClient implements the LLMClient interface using the Google Gemini API.
type GeminiClient struct {
	config  *common.GeminiConfig
	logger  arbor.ILogger
	client  *genai.Client
	timeout time.Duration
}

var _ interfaces.LLMClient = (*GeminiClient)(nil)

// NewGeminiClient creates a new Gemini client instance.
func NewGeminiClient(ctx context.Context, config *common.GeminiConfig, logger arbor.ILogger) (*GeminiClient, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("Gemini API key is required (set GEMINI_API_KEY or gemini.api_key in config)")
	}

	timeout, err := time.ParseDuration(config.Timeout)
	if err != nil {
		timeout = 120 * time.Second
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  config.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	logger.Debug().
		Str("model", config.Model).
		Dur("timeout", timeout).
		Msg("Gemini client initialized")

	return &GeminiClient{
		config:  config,
		logger:  logger,
		client:  client,
		timeout: timeout,
	}, nil
}

// convertMessagesToGemini maps provider-agnostic messages to Gemini contents.
// System messages are extracted for the SystemInstruction; the optional image
// payload is appended to the last user content for vision extraction.
func convertMessagesToGemini(req *interfaces.CompletionRequest) ([]*genai.Content, string, error) {
	if len(req.Messages) == 0 {
		return nil, "", fmt.Errorf("messages cannot be empty")
	}

	contents := make([]*genai.Content, 0, len(req.Messages))
	var systemText string
	lastUserIdx := -1
	for _, msg := range req.Messages {
		if msg.Role == "system" {
			if systemText == "" {
				systemText = msg.Content
			}
			continue
		}

		role := genai.RoleUser
		if msg.Role == "assistant" {
			role = genai.RoleModel
		}
		contents = append(contents, &genai.Content{
			Role:  role,
			Parts: []*genai.Part{genai.NewPartFromText(msg.Content)},
		})
		if role == genai.RoleUser {
			lastUserIdx = len(contents) - 1
		}
	}

	if lastUserIdx < 0 {
		return nil, "", fmt.Errorf("at least one message must have role 'user'")
	}

	if len(req.ImageData) > 0 {
		imagePart := genai.NewPartFromBytes(req.ImageData, req.ImageMimeType)
		contents[lastUserIdx].Parts = append(contents[lastUserIdx].Parts, imagePart)
	}

	return contents, systemText, nil
}

// Complete generates a completion and returns the text plus token counts.
func (c *GeminiClient) Complete(ctx context.Context, req *interfaces.CompletionRequest) (*interfaces.CompletionResponse, error) {
	contents, systemText, err := convertMessagesToGemini(req)
	if err != nil {
		return nil, common.WrapError(common.KindValidation, "invalid completion request", err)
	}

	model := req.ModelName
	if model == "" {
		model = c.config.Model
	}

	config := &genai.GenerateContentConfig{}
	if req.Temperature > 0 {
		config.Temperature = genai.Ptr(req.Temperature)
	} else if c.config.Temperature > 0 {
		config.Temperature = genai.Ptr(c.config.Temperature)
	}
	if req.MaxTokens > 0 {
		config.MaxOutputTokens = int32(req.MaxTokens)
	}
	if systemText != "" {
		config.SystemInstruction = genai.NewContentFromText(systemText, genai.RoleUser)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	started := time.Now()
	resp, err := c.client.Models.GenerateContent(timeoutCtx, model, contents, config)
	if err != nil {
		return nil, classifyGeminiError(err)
	}

	var text strings.Builder
	if resp != nil && len(resp.Candidates) > 0 {
		for _, candidate := range resp.Candidates {
			if candidate.Content == nil {
				continue
			}
			for _, part := range candidate.Content.Parts {
				if part.Text != "" {
					text.WriteString(part.Text)
				}
			}
			if text.Len() > 0 {
				break
			}
		}
	}
	if text.Len() == 0 {
		return nil, common.NewError(common.KindProcessing, "Gemini returned an empty response")
	}

	result := &interfaces.CompletionResponse{
		Text:  text.String(),
		Model: model,
	}
	if resp.UsageMetadata != nil {
		result.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
		result.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
		result.TotalTokens = result.InputTokens + result.OutputTokens
	}

	c.logger.Debug().
		Str("model", model).
		Int("input_tokens", result.InputTokens).
		Int("output_tokens", result.OutputTokens).
		Dur("duration", time.Since(started)).
		Msg("Gemini completion finished")

	return result, nil
}

// classifyGeminiError maps Gemini API errors onto the error taxonomy.
func classifyGeminiError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return common.WrapError(common.KindTimeout, "Gemini API call timed out", err)
	}

	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == 401 || apiErr.Code == 403:
			return common.WrapError(common.KindUnauthorized, "Gemini API authentication failed", err)
		case apiErr.Code == 429:
			return common.WrapError(common.KindRateLimit, "Gemini API rate limited", err)
		case apiErr.Code >= 500:
			return common.WrapError(common.KindUnavailable, "Gemini API unavailable", err)
		case apiErr.Code >= 400:
			return common.WrapError(common.KindValidation, "Gemini API rejected the request", err)
		}
	}
	return common.WrapError(common.KindConnection, "Gemini API call failed", err)
}

// HealthCheck performs a minimal probe against the API.
func (c *GeminiClient) HealthCheck(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	resp, err := c.Complete(probeCtx, &interfaces.CompletionRequest{
		Messages:  []interfaces.Message{{Role: "user", Content: "ping"}},
		MaxTokens: 8,
	})
	if err != nil {
		return fmt.Errorf("Gemini health check failed: %w", err)
	}
	if strings.TrimSpace(resp.Text) == "" {
		return fmt.Errorf("Gemini probe returned empty response")
	}
	return nil
}

// Close releases resources. The genai client needs no explicit cleanup.
func (c *GeminiClient) Close() error {
	return nil
}
