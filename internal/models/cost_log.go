// -----------------------------------------------------------------------
// AI Cost Log - append-only per-call cost records
// -----------------------------------------------------------------------

package models

import (
	"time"

	"github.com/google/uuid"
)

// CostLog records one billable AI call. Rows are append-only and keyed by
// processing id for per-job aggregation.
type CostLog struct {
	ID           string `json:"id" badgerhold:"key"`
	ProcessingID string `json:"processing_id" badgerhold:"index"`
	StepName     string `json:"step_name,omitempty"`

	ModelID      string  `json:"model_id"`
	ModelName    string  `json:"model_name"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	TotalTokens  int     `json:"total_tokens"`
	CostUSD      float64 `json:"cost_usd"`

	CreatedAt time.Time `json:"created_at"`
}

// NewCostLog creates a cost record for a completed AI call.
func NewCostLog(processingID, stepName string, model *AvailableModel, inputTokens, outputTokens int) *CostLog {
	return &CostLog{
		ID:           uuid.New().String(),
		ProcessingID: processingID,
		StepName:     stepName,
		ModelID:      model.ID,
		ModelName:    model.Name,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		TotalTokens:  inputTokens + outputTokens,
		CostUSD:      model.CostUSD(inputTokens, outputTokens),
		CreatedAt:    time.Now().UTC(),
	}
}
