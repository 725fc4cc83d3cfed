// -----------------------------------------------------------------------
// Step Execution - one row per (job, step) attempt
// -----------------------------------------------------------------------

package models

import (
	"time"

	"github.com/google/uuid"
)

// StepStatus represents the outcome of a single step execution
type StepStatus string

const (
	StepStatusRunning   StepStatus = "RUNNING"
	StepStatusCompleted StepStatus = "COMPLETED"
	StepStatusFailed    StepStatus = "FAILED"
	StepStatusSkipped   StepStatus = "SKIPPED"
)

// StepExecution records one pipeline step attempt for a job. Step name and
// order are denormalized for audit: the DynamicStep may change after the job
// ran, the execution row must not. InputText and OutputText are encrypted at
// rest by the storage layer.
type StepExecution struct {
	ID           string `json:"id" badgerhold:"key"`
	ProcessingID string `json:"processing_id" badgerhold:"index"`
	StepID       string `json:"step_id"`
	StepName     string `json:"step_name"`
	StepOrder    int    `json:"step_order"`

	Status     StepStatus `json:"status"`
	InputText  string     `json:"input_text,omitempty"`
	OutputText string     `json:"output_text,omitempty"`

	ModelUsed  string  `json:"model_used,omitempty"`
	PromptUsed string  `json:"prompt_used,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`

	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`
	TotalTokens  int `json:"total_tokens,omitempty"`

	ExecutionTimeMS int64 `json:"execution_time_ms"`
	RetryCount      int   `json:"retry_count"`

	ErrorMessage string `json:"error_message,omitempty"`

	// Free-form metadata; the branching step records its decision here
	// (selected class, raw output, matched path).
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// NewStepExecution creates a RUNNING execution row for a step attempt.
func NewStepExecution(processingID string, step *DynamicStep) *StepExecution {
	return &StepExecution{
		ID:           uuid.New().String(),
		ProcessingID: processingID,
		StepID:       step.ID,
		StepName:     step.Name,
		StepOrder:    step.Order,
		Status:       StepStatusRunning,
		CreatedAt:    time.Now().UTC(),
	}
}

// SetMetadata sets a metadata value, allocating the map on first use.
func (e *StepExecution) SetMetadata(key string, value interface{}) {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
}
