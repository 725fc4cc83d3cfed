// -----------------------------------------------------------------------
// Processing Job - unit of work for the translation pipeline
// -----------------------------------------------------------------------

package models

import (
	"time"
)

// JobStatus represents the internal lifecycle state of a processing job
type JobStatus string

const (
	JobStatusPending    JobStatus = "PENDING"
	JobStatusQueued     JobStatus = "QUEUED"
	JobStatusRunning    JobStatus = "RUNNING"
	JobStatusCompleted  JobStatus = "COMPLETED"
	JobStatusFailed     JobStatus = "FAILED"
	JobStatusCancelled  JobStatus = "CANCELLED"
	JobStatusTimeout    JobStatus = "TIMEOUT"
	JobStatusTerminated JobStatus = "TERMINATED"
)

// IsTerminal returns true if the status is a terminal state
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled, JobStatusTimeout, JobStatusTerminated:
		return true
	default:
		return false
	}
}

// FileClass is the coarse MIME class of an uploaded document
type FileClass string

const (
	FileClassPDF   FileClass = "pdf"
	FileClassImage FileClass = "image"
)

// ProcessingOptions are the per-job options supplied at enqueue time
type ProcessingOptions struct {
	TargetLanguage string `json:"target_language,omitempty"`
}

// TerminationInfo records an early successful pipeline termination triggered
// by a step's stop condition. Termination is not an error.
type TerminationInfo struct {
	Reason       string `json:"reason"`
	Message      string `json:"message"`
	Step         string `json:"step"`
	MatchedValue string `json:"matched_value"`
}

// Job is the unit of work. Content fields (FileData and all text fields) are
// encrypted at rest by the storage layer; in memory they are plaintext.
// The pipeline and OCR configuration are snapshotted at creation time so the
// execution stays reproducible even when the admin changes the live config.
type Job struct {
	ProcessingID string `json:"processing_id" badgerhold:"key"`

	// Upload metadata
	Filename  string    `json:"filename"`
	FileClass FileClass `json:"file_class"`
	FileSize  int64     `json:"file_size"`
	FileData  []byte    `json:"file_data,omitempty"`

	// Configuration snapshots (immutable after creation)
	PipelineConfig *PipelineSnapshot `json:"pipeline_config"`
	OCRConfig      *OCRConfiguration `json:"ocr_config"`
	Options        ProcessingOptions `json:"options"`

	// Lifecycle
	Status          JobStatus `json:"status"`
	ProgressPercent int       `json:"progress_percent"`
	CurrentPhase    string    `json:"current_phase,omitempty"`
	WorkerID        string    `json:"worker_id,omitempty"`
	BrokerTaskID    string    `json:"broker_task_id,omitempty"`
	// CancelRequested is the cooperative cancel flag. The executor checks it
	// between steps and stops with partial output preserved.
	CancelRequested bool `json:"cancel_requested,omitempty"`

	// Timing
	UploadedAt  time.Time  `json:"uploaded_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	FailedAt    *time.Time `json:"failed_at,omitempty"`

	// Results
	OriginalText           string           `json:"original_text,omitempty"`
	TranslatedText         string           `json:"translated_text,omitempty"`
	LanguageTranslatedText string           `json:"language_translated_text,omitempty"`
	DocumentTypeDetected   string           `json:"document_type_detected,omitempty"`
	ConfidenceScore        float64          `json:"confidence_score,omitempty"`
	BranchingPath          string           `json:"branching_path,omitempty"`
	Termination            *TerminationInfo `json:"termination,omitempty"`

	// Searchable companions (SHA-256 hex of plaintext, maintained by storage)
	OriginalTextSearchable   string `json:"original_text_searchable,omitempty"`
	TranslatedTextSearchable string `json:"translated_text_searchable,omitempty"`

	// Error metadata
	ErrorMessage string `json:"error_message,omitempty"`
	ErrorStep    string `json:"error_step,omitempty"`

	// GDPR bookkeeping
	ContentClearedAt *time.Time `json:"content_cleared_at,omitempty"`
	FeedbackConsent  *bool      `json:"feedback_consent,omitempty"`
}

// NewJob creates a PENDING job with configuration snapshots attached.
func NewJob(processingID, filename string, fileClass FileClass, fileSize int64, data []byte, pipeline *PipelineSnapshot, ocr *OCRConfiguration) *Job {
	return &Job{
		ProcessingID:   processingID,
		Filename:       filename,
		FileClass:      fileClass,
		FileSize:       fileSize,
		FileData:       data,
		PipelineConfig: pipeline,
		OCRConfig:      ocr,
		Status:         JobStatusPending,
		UploadedAt:     time.Now().UTC(),
	}
}

// PublicStatus is the API-visible status enum
type PublicStatus string

const (
	PublicStatusPending             PublicStatus = "pending"
	PublicStatusExtracting          PublicStatus = "extracting_text"
	PublicStatusTranslating         PublicStatus = "translating"
	PublicStatusLanguageTranslating PublicStatus = "language_translating"
	PublicStatusCompleted           PublicStatus = "completed"
	PublicStatusError               PublicStatus = "error"
	PublicStatusTerminated          PublicStatus = "terminated"
)

// PublicStatusOf maps the internal status (plus the running phase) to the
// public enum. This is the single adapter between the closed internal sum
// type and the API-visible strings.
func PublicStatusOf(status JobStatus, phase string) PublicStatus {
	switch status {
	case JobStatusPending, JobStatusQueued:
		return PublicStatusPending
	case JobStatusRunning:
		switch phase {
		case "", PhaseExtracting:
			return PublicStatusExtracting
		case PhaseLanguageTranslating:
			return PublicStatusLanguageTranslating
		default:
			return PublicStatusTranslating
		}
	case JobStatusCompleted:
		return PublicStatusCompleted
	case JobStatusTerminated:
		return PublicStatusTerminated
	case JobStatusFailed, JobStatusCancelled, JobStatusTimeout:
		return PublicStatusError
	default:
		return PublicStatusError
	}
}

// Coarse human-readable phase labels published with progress updates
const (
	PhaseExtracting          = "extracting_text"
	PhaseTranslating         = "translating"
	PhaseLanguageTranslating = "language_translating"
)

// ResultBundle is the full result payload returned once a job completed.
type ResultBundle struct {
	ProcessingID           string           `json:"processing_id"`
	Filename               string           `json:"filename"`
	OriginalText           string           `json:"original_text"`
	TranslatedText         string           `json:"translated_text"`
	LanguageTranslatedText string           `json:"language_translated_text,omitempty"`
	DocumentTypeDetected   string           `json:"document_type_detected,omitempty"`
	ConfidenceScore        float64          `json:"confidence_score"`
	BranchingPath          string           `json:"branching_path,omitempty"`
	Termination            *TerminationInfo `json:"termination,omitempty"`
	TotalCostUSD           float64          `json:"total_cost_usd"`
	CompletedAt            *time.Time       `json:"completed_at,omitempty"`
}
