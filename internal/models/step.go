// -----------------------------------------------------------------------
// Dynamic pipeline steps - user-configurable pipeline nodes
// -----------------------------------------------------------------------

package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// StopCondition matches a step's normalized output against a set of values
// and, on match, terminates the pipeline early as a successful terminal state.
type StopCondition struct {
	StopOnValues []string `json:"stop_on_values"` // Compared trimmed + lowercased
	Reason       string   `json:"reason"`         // User-visible termination reason
	Message      string   `json:"message"`        // User-visible termination message
}

// Matches checks the normalized output against the stop values and returns
// the matched value.
func (c *StopCondition) Matches(output string) (string, bool) {
	normalized := strings.ToLower(strings.TrimSpace(output))
	for _, v := range c.StopOnValues {
		if normalized == strings.ToLower(strings.TrimSpace(v)) {
			return strings.TrimSpace(v), true
		}
	}
	return "", false
}

// DynamicStep is one user-configurable pipeline node. Steps split into three
// bands: universal-pre (no class, not post-branching), class-specific
// (DocumentClassID set) and universal-post (PostBranching). Within a band,
// execution follows ascending Order.
type DynamicStep struct {
	ID             string `json:"id" badgerhold:"key"`
	Name           string `json:"name" validate:"required"`
	Order          int    `json:"order"` // Globally unique across enabled + disabled steps
	Enabled        bool   `json:"enabled"`
	PromptTemplate string `json:"prompt_template" validate:"required"` // Must contain {input_text}
	ModelID        string `json:"model_id" validate:"required"`

	// Sampling parameters
	Temperature float32 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`

	// Retry policy
	RetryOnFailure bool   `json:"retry_on_failure"`
	MaxRetries     int    `json:"max_retries"`
	RetryPolicy    string `json:"retry_policy,omitempty"` // Named preset; empty = "default"

	// Data flow
	InputFromPreviousStep bool   `json:"input_from_previous_step"`
	OutputFormat          string `json:"output_format,omitempty"` // Hint: "text", "json"

	// Branching
	DocumentClassID string `json:"document_class_id,omitempty"` // Empty = universal
	IsBranchingStep bool   `json:"is_branching_step"`
	BranchingField  string `json:"branching_field,omitempty"` // JSON key extracted from the step output
	PostBranching   bool   `json:"post_branching"`

	// Conditional execution
	RequiredContextVariables []string       `json:"required_context_variables,omitempty"`
	StopConditions           *StopCondition `json:"stop_conditions,omitempty"`

	// Opaque extension data preserved across config round-trips
	Extra map[string]interface{} `json:"extra,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks step invariants that hold independent of the full pipeline.
func (s *DynamicStep) Validate() error {
	if s.Name == "" {
		return errors.New("step name is required")
	}
	if s.PromptTemplate == "" {
		return errors.New("prompt template is required")
	}
	if !strings.Contains(s.PromptTemplate, "{input_text}") {
		return errors.New("prompt template must contain {input_text}")
	}
	if s.ModelID == "" {
		return errors.New("model id is required")
	}
	if s.IsBranchingStep && s.BranchingField == "" {
		return errors.New("branching step requires a branching_field")
	}
	if s.IsBranchingStep && s.PostBranching {
		return errors.New("branching step cannot be post-branching")
	}
	if s.IsBranchingStep && s.DocumentClassID != "" {
		return errors.New("branching step must be universal")
	}
	if s.PostBranching && s.DocumentClassID != "" {
		return errors.New("post-branching step must be universal")
	}
	if s.MaxRetries < 0 {
		return errors.New("max_retries cannot be negative")
	}
	if s.StopConditions != nil && len(s.StopConditions.StopOnValues) == 0 {
		return errors.New("stop condition requires at least one stop value")
	}
	return nil
}

// IsBestEffort reports whether a failure of this step is tolerated. Only
// post-branching polish steps are best-effort; universal-pre and
// class-specific steps are required.
func (s *DynamicStep) IsBestEffort() bool {
	return s.PostBranching
}

// PipelineSnapshot is the immutable copy of the pipeline configuration taken
// when a job is created. Enabled steps and classes only.
type PipelineSnapshot struct {
	Steps   []DynamicStep    `json:"steps"`
	Classes []DocumentClass  `json:"classes"`
	Models  []AvailableModel `json:"models"`
	TakenAt time.Time        `json:"taken_at"`
}

// ValidatePipeline checks cross-step invariants: order uniqueness and at most
// one branching step.
func ValidatePipeline(steps []DynamicStep) error {
	orders := make(map[int]string, len(steps))
	branching := 0
	for i := range steps {
		s := &steps[i]
		if prev, dup := orders[s.Order]; dup {
			return fmt.Errorf("step order %d is used by both %q and %q", s.Order, prev, s.Name)
		}
		orders[s.Order] = s.Name
		if s.IsBranchingStep {
			branching++
		}
	}
	if branching > 1 {
		return errors.New("at most one step may be a branching step")
	}
	return nil
}

// ModelByID resolves a model from the snapshot.
func (p *PipelineSnapshot) ModelByID(id string) (*AvailableModel, bool) {
	for i := range p.Models {
		if p.Models[i].ID == id {
			return &p.Models[i], true
		}
	}
	return nil, false
}

// ClassByKey resolves an enabled document class by case-insensitive key.
func (p *PipelineSnapshot) ClassByKey(key string) (*DocumentClass, bool) {
	for i := range p.Classes {
		if strings.EqualFold(p.Classes[i].ClassKey, key) {
			return &p.Classes[i], true
		}
	}
	return nil, false
}
