// -----------------------------------------------------------------------
// Feedback - append-only quality feedback keyed by processing id
// -----------------------------------------------------------------------

package models

import (
	"errors"
	"time"
)

// Feedback is the user's quality rating for a completed job. When
// DataConsentGiven is false the job's content fields are cleared in the same
// storage write as the feedback insert.
type Feedback struct {
	ID           string `json:"id" badgerhold:"key"`
	ProcessingID string `json:"processing_id" badgerhold:"index"`

	OverallRating   int            `json:"overall_rating" validate:"required,min=1,max=5"`
	DetailedRatings map[string]int `json:"detailed_ratings,omitempty"`
	Comment         string         `json:"comment,omitempty"`

	DataConsentGiven bool `json:"data_consent_given"`

	CreatedAt time.Time `json:"created_at"`
}

// Validate checks rating bounds.
func (f *Feedback) Validate() error {
	if f.ProcessingID == "" {
		return errors.New("processing_id is required")
	}
	if f.OverallRating < 1 || f.OverallRating > 5 {
		return errors.New("overall_rating must be between 1 and 5")
	}
	for name, rating := range f.DetailedRatings {
		if rating < 1 || rating > 5 {
			return errors.New("detailed rating " + name + " must be between 1 and 5")
		}
	}
	return nil
}

// AnalysisStatus is the outcome of the out-of-band feedback analysis
type AnalysisStatus string

const (
	AnalysisStatusCompleted AnalysisStatus = "COMPLETED"
	AnalysisStatusSkipped   AnalysisStatus = "SKIPPED" // Content cleared before analysis ran
	AnalysisStatusFailed    AnalysisStatus = "FAILED"
)

// FeedbackAnalysis is the LLM-produced quality report for a consented job.
type FeedbackAnalysis struct {
	ID           string         `json:"id" badgerhold:"key"`
	FeedbackID   string         `json:"feedback_id"`
	ProcessingID string         `json:"processing_id" badgerhold:"index"`
	Status       AnalysisStatus `json:"status"`

	PIILeaks          []string `json:"pii_leaks,omitempty"`
	TranslationIssues []string `json:"translation_issues,omitempty"`
	Recommendations   []string `json:"recommendations,omitempty"`
	OverallScore      float64  `json:"overall_score,omitempty"`

	ModelUsed    string    `json:"model_used,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}
