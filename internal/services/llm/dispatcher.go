// -----------------------------------------------------------------------
// LLM dispatcher - routes completions to the provider owning the model
// -----------------------------------------------------------------------

package llm

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/klartext-med/klartext/internal/common"
	"github.com/klartext-med/klartext/internal/interfaces"
	"github.com/klartext-med/klartext/internal/models"
	"github.com/klartext-med/klartext/internal/resilience"
)

// Dispatcher routes completion requests to the Claude or Gemini client and
// wraps every call in the per-provider circuit breaker plus the api retry
// policy.
type Dispatcher struct {
	clients  map[models.ModelProvider]interfaces.LLMClient
	breakers *resilience.Registry
	logger   arbor.ILogger
}

var _ interfaces.LLMDispatcher = (*Dispatcher)(nil)

// NewDispatcher builds the dispatcher from the configured providers. Missing
// API keys disable the provider rather than failing startup; dispatching to a
// disabled provider returns an error at call time.
func NewDispatcher(ctx context.Context, cfg *common.Config, breakers *resilience.Registry, logger arbor.ILogger) *Dispatcher {
	clients := make(map[models.ModelProvider]interfaces.LLMClient)

	if claude, err := NewClaudeClient(&cfg.Claude, logger); err != nil {
		logger.Warn().Err(err).Msg("Claude provider disabled")
	} else {
		clients[models.ProviderClaude] = claude
	}

	if gemini, err := NewGeminiClient(ctx, &cfg.Gemini, logger); err != nil {
		logger.Warn().Err(err).Msg("Gemini provider disabled")
	} else {
		clients[models.ProviderGemini] = gemini
	}

	return &Dispatcher{
		clients:  clients,
		breakers: breakers,
		logger:   logger,
	}
}

// BreakerConfigForLLM counts only upstream unavailability toward the circuit.
// Rate limits and timeouts are handled by the retry layer alone.
func BreakerConfigForLLM() resilience.BreakerConfig {
	cfg := resilience.DefaultBreakerConfig()
	cfg.CountsFailure = func(err error) bool {
		return common.KindOf(err) == common.KindUnavailable
	}
	return cfg
}

func (d *Dispatcher) client(provider string) (interfaces.LLMClient, error) {
	client, ok := d.clients[models.ModelProvider(provider)]
	if !ok {
		return nil, common.NewError(common.KindValidation, "unknown or disabled LLM provider").
			WithDetail("provider", provider)
	}
	return client, nil
}

// CompleteWithModel dispatches a completion to the named provider.
func (d *Dispatcher) CompleteWithModel(ctx context.Context, provider string, req *interfaces.CompletionRequest) (*interfaces.CompletionResponse, error) {
	client, err := d.client(provider)
	if err != nil {
		return nil, err
	}

	breaker := d.breakers.Get("llm_" + provider)

	var resp *interfaces.CompletionResponse
	err = resilience.Call(ctx, breaker, resilience.PolicyAPI, d.logger, "llm_completion", func() error {
		var callErr error
		resp, callErr = client.Complete(ctx, req)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// HealthCheck probes every enabled provider.
func (d *Dispatcher) HealthCheck(ctx context.Context) error {
	if len(d.clients) == 0 {
		return fmt.Errorf("no LLM providers configured")
	}
	for provider, client := range d.clients {
		if err := client.HealthCheck(ctx); err != nil {
			return fmt.Errorf("provider %s unhealthy: %w", provider, err)
		}
	}
	return nil
}

// Close closes every provider client.
func (d *Dispatcher) Close() error {
	for _, client := range d.clients {
		if err := client.Close(); err != nil {
			return err
		}
	}
	return nil
}
