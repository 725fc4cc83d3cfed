// -----------------------------------------------------------------------
// Feedback service - submission, consent handling, analysis enqueue
// -----------------------------------------------------------------------

package feedback

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"

	"github.com/klartext-med/klartext/internal/common"
	"github.com/klartext-med/klartext/internal/interfaces"
	"github.com/klartext-med/klartext/internal/models"
)

// Service handles feedback submission. Consent decides what happens to the
// job content: consent=false clears it in the same storage write sequence,
// consent=true keeps it and enqueues the out-of-band quality analysis.
type Service struct {
	storage  interfaces.StorageManager
	queue    interfaces.QueueManager
	validate *validator.Validate
	logger   arbor.ILogger
}

// NewService creates the feedback service.
func NewService(storage interfaces.StorageManager, queue interfaces.QueueManager, logger arbor.ILogger) *Service {
	return &Service{
		storage:  storage,
		queue:    queue,
		validate: validator.New(),
		logger:   logger,
	}
}

// Submission is the feedback request payload.
type Submission struct {
	ProcessingID     string         `json:"processing_id" validate:"required"`
	OverallRating    int            `json:"overall_rating" validate:"required,min=1,max=5"`
	DetailedRatings  map[string]int `json:"detailed_ratings,omitempty"`
	Comment          string         `json:"comment,omitempty"`
	DataConsentGiven bool           `json:"data_consent_given"`
}

// Submit stores the feedback. Duplicate feedback for a processing id is
// refused.
func (s *Service) Submit(ctx context.Context, sub *Submission) (*models.Feedback, error) {
	if err := s.validate.Struct(sub); err != nil {
		return nil, common.WrapError(common.KindValidation, "invalid feedback", err)
	}

	job, err := s.storage.JobStorage().GetJob(ctx, sub.ProcessingID)
	if err != nil {
		return nil, err
	}
	if !job.Status.IsTerminal() {
		return nil, common.NewError(common.KindConflict, "job is still processing").
			WithDetail("status", string(job.Status))
	}

	if _, err := s.storage.FeedbackStorage().GetFeedbackByProcessingID(ctx, sub.ProcessingID); err == nil {
		return nil, common.NewError(common.KindConflict, "feedback already submitted")
	}

	feedback := &models.Feedback{
		ID:               common.NewFeedbackID(),
		ProcessingID:     sub.ProcessingID,
		OverallRating:    sub.OverallRating,
		DetailedRatings:  sub.DetailedRatings,
		Comment:          sub.Comment,
		DataConsentGiven: sub.DataConsentGiven,
		CreatedAt:        time.Now().UTC(),
	}
	if err := feedback.Validate(); err != nil {
		return nil, common.WrapError(common.KindValidation, "invalid feedback", err)
	}
	if err := s.storage.FeedbackStorage().SaveFeedback(ctx, feedback); err != nil {
		return nil, fmt.Errorf("failed to save feedback: %w", err)
	}

	consent := sub.DataConsentGiven
	if err := s.storage.JobStorage().UpdateJob(ctx, sub.ProcessingID, func(j *models.Job) {
		j.FeedbackConsent = &consent
	}); err != nil {
		s.logger.Warn().Err(err).Str("processing_id", sub.ProcessingID).Msg("Failed to record consent on job")
	}

	if !consent {
		// No consent: the content leaves the system together with this write
		if err := s.storage.JobStorage().ClearContent(ctx, sub.ProcessingID); err != nil {
			return nil, fmt.Errorf("failed to clear job content: %w", err)
		}
		s.logger.Info().Str("processing_id", sub.ProcessingID).Msg("Feedback stored, content cleared (no consent)")
		return feedback, nil
	}

	if job.Status == models.JobStatusCompleted {
		s.enqueueAnalysis(ctx, feedback)
	}

	return feedback, nil
}

func (s *Service) enqueueAnalysis(ctx context.Context, feedback *models.Feedback) {
	payload, err := json.Marshal(models.AnalyzeFeedbackPayload{FeedbackID: feedback.ID})
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to marshal analysis payload")
		return
	}
	if _, err := s.queue.Enqueue(ctx, models.QueueForTask(models.TaskAnalyzeFeedback), models.QueueMessage{
		Task:    models.TaskAnalyzeFeedback,
		DedupID: "analysis_" + feedback.ProcessingID,
		Payload: payload,
	}); err != nil {
		// Best-effort: feedback is stored even if the analysis never runs
		s.logger.Warn().Err(err).Str("feedback_id", feedback.ID).Msg("Failed to enqueue feedback analysis")
		return
	}
	s.logger.Info().Str("feedback_id", feedback.ID).Msg("Feedback analysis enqueued")
}

// Exists reports whether feedback was submitted for a processing id.
func (s *Service) Exists(ctx context.Context, processingID string) (bool, error) {
	_, err := s.storage.FeedbackStorage().GetFeedbackByProcessingID(ctx, processingID)
	if err == nil {
		return true, nil
	}
	if common.KindOf(err) == common.KindNotFound {
		return false, nil
	}
	return false, err
}
