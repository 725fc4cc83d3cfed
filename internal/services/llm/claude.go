package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/ternarybob/arbor"

	"github.com/klartext-med/klartext/internal/common"
	"github.com/klartext-med/klartext/internal/interfaces"
)

// ClaudeClient implements the LLMClient interface using the Anthropic API.
type ClaudeClient struct {
	config  *common.ClaudeConfig
	logger  arbor.ILogger
	client  anthropic.Client
	timeout time.Duration
}

var _ interfaces.LLMClient = (*ClaudeClient)(nil)

// NewClaudeClient creates a new Claude client instance.
func NewClaudeClient(config *common.ClaudeConfig, logger arbor.ILogger) (*ClaudeClient, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("Anthropic API key is required (set ANTHROPIC_API_KEY or claude.api_key in config)")
	}

	timeout, err := time.ParseDuration(config.Timeout)
	if err != nil {
		timeout = 120 * time.Second
	}

	client := anthropic.NewClient(
		option.WithAPIKey(config.APIKey),
	)

	logger.Debug().
		Str("model", config.Model).
		Dur("timeout", timeout).
		Msg("Claude client initialized")

	return &ClaudeClient{
		config:  config,
		logger:  logger,
		client:  client,
		timeout: timeout,
	}, nil
}

// convertMessages maps provider-agnostic messages to the Anthropic format.
// System messages are extracted separately for the System parameter; the
// optional image payload is attached to the last user message for vision
// extraction.
func convertMessages(req *interfaces.CompletionRequest) ([]anthropic.MessageParam, string, error) {
	if len(req.Messages) == 0 {
		return nil, "", fmt.Errorf("messages cannot be empty")
	}

	claudeMessages := make([]anthropic.MessageParam, 0, len(req.Messages))
	var systemText string
	lastUserIdx := -1
	for _, msg := range req.Messages {
		if msg.Role == "system" {
			if systemText == "" {
				systemText = msg.Content
			}
			continue
		}

		switch msg.Role {
		case "assistant":
			claudeMessages = append(claudeMessages, anthropic.NewAssistantMessage(
				anthropic.NewTextBlock(msg.Content),
			))
		default:
			claudeMessages = append(claudeMessages, anthropic.NewUserMessage(
				anthropic.NewTextBlock(msg.Content),
			))
			lastUserIdx = len(claudeMessages) - 1
		}
	}

	if lastUserIdx < 0 {
		return nil, "", fmt.Errorf("at least one message must have role 'user'")
	}

	if len(req.ImageData) > 0 {
		imageBlock := anthropic.NewImageBlockBase64(req.ImageMimeType, string(req.ImageData))
		claudeMessages[lastUserIdx].Content = append(claudeMessages[lastUserIdx].Content, imageBlock)
	}

	return claudeMessages, systemText, nil
}

// Complete generates a completion and returns the text plus token counts.
func (c *ClaudeClient) Complete(ctx context.Context, req *interfaces.CompletionRequest) (*interfaces.CompletionResponse, error) {
	claudeMessages, systemText, err := convertMessages(req)
	if err != nil {
		return nil, common.WrapError(common.KindValidation, "invalid completion request", err)
	}

	model := req.ModelName
	if model == "" {
		model = c.config.Model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.config.MaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		Messages:  claudeMessages,
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(float64(req.Temperature))
	}
	if systemText != "" {
		params.System = []anthropic.TextBlockParam{
			{Text: systemText},
		}
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	started := time.Now()
	resp, err := c.client.Messages.New(timeoutCtx, params)
	if err != nil {
		return nil, classifyClaudeError(err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return nil, common.NewError(common.KindProcessing, "Claude returned an empty response")
	}

	result := &interfaces.CompletionResponse{
		Text:         text.String(),
		Model:        model,
		InputTokens:  int(resp.Usage.InputTokens),
		OutputTokens: int(resp.Usage.OutputTokens),
		TotalTokens:  int(resp.Usage.InputTokens + resp.Usage.OutputTokens),
	}

	c.logger.Debug().
		Str("model", model).
		Int("input_tokens", result.InputTokens).
		Int("output_tokens", result.OutputTokens).
		Dur("duration", time.Since(started)).
		Msg("Claude completion finished")

	return result, nil
}

// classifyClaudeError maps Anthropic API errors onto the error taxonomy so
// the retry and breaker layers can act on them.
func classifyClaudeError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return common.WrapError(common.KindTimeout, "Claude API call timed out", err)
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 401 || apiErr.StatusCode == 403:
			return common.WrapError(common.KindUnauthorized, "Claude API authentication failed", err)
		case apiErr.StatusCode == 429:
			return common.WrapError(common.KindRateLimit, "Claude API rate limited", err)
		case apiErr.StatusCode >= 500:
			return common.WrapError(common.KindUnavailable, "Claude API unavailable", err)
		case apiErr.StatusCode >= 400:
			return common.WrapError(common.KindValidation, "Claude API rejected the request", err)
		}
	}
	return common.WrapError(common.KindConnection, "Claude API call failed", err)
}

// HealthCheck performs a minimal probe against the API.
func (c *ClaudeClient) HealthCheck(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	resp, err := c.Complete(probeCtx, &interfaces.CompletionRequest{
		Messages:  []interfaces.Message{{Role: "user", Content: "ping"}},
		MaxTokens: 8,
	})
	if err != nil {
		return fmt.Errorf("Claude health check failed: %w", err)
	}
	if strings.TrimSpace(resp.Text) == "" {
		return fmt.Errorf("Claude probe returned empty response")
	}
	return nil
}

// Close releases resources. The Anthropic client needs no explicit cleanup.
func (c *ClaudeClient) Close() error {
	return nil
}
