// -----------------------------------------------------------------------
// Available Model - provider + name + capabilities + pricing
// -----------------------------------------------------------------------

package models

import (
	"errors"
	"time"
)

// ModelProvider identifies the external LLM provider for dispatch
type ModelProvider string

const (
	ProviderClaude ModelProvider = "claude"
	ProviderGemini ModelProvider = "gemini"
)

// AvailableModel describes one dispatchable model. The executor resolves a
// step's ModelID against this table and routes the call to the matching
// provider client; the cost accountant uses the pricing fields.
type AvailableModel struct {
	ID       string        `json:"id" badgerhold:"key"`
	Provider ModelProvider `json:"provider" validate:"required"`
	Name     string        `json:"name" validate:"required"` // Provider model name, e.g. "claude-sonnet-4-20250514"

	DisplayName    string `json:"display_name,omitempty"`
	SupportsVision bool   `json:"supports_vision"`
	MaxContext     int    `json:"max_context,omitempty"`

	// Pricing in USD per million tokens
	InputCostPerMTok  float64 `json:"input_cost_per_mtok"`
	OutputCostPerMTok float64 `json:"output_cost_per_mtok"`

	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks required model fields.
func (m *AvailableModel) Validate() error {
	if m.Name == "" {
		return errors.New("model name is required")
	}
	switch m.Provider {
	case ProviderClaude, ProviderGemini:
	default:
		return errors.New("provider must be claude or gemini")
	}
	return nil
}

// CostUSD computes the cost of a call from token counts.
func (m *AvailableModel) CostUSD(inputTokens, outputTokens int) float64 {
	return float64(inputTokens)/1e6*m.InputCostPerMTok + float64(outputTokens)/1e6*m.OutputCostPerMTok
}
