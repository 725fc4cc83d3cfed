// -----------------------------------------------------------------------
// Job lifecycle service - create, enqueue, status, result, content clearing
// -----------------------------------------------------------------------

package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/klartext-med/klartext/internal/common"
	"github.com/klartext-med/klartext/internal/interfaces"
	"github.com/klartext-med/klartext/internal/models"
)

// Service owns the job lifecycle: creation with configuration snapshots,
// handoff to the broker, status/result reads and GDPR content clearing.
type Service struct {
	storage interfaces.StorageManager
	queue   interfaces.QueueManager
	cache   interfaces.CacheService
	config  *common.Config
	logger  arbor.ILogger
}

// NewService creates the job lifecycle service.
func NewService(storage interfaces.StorageManager, queue interfaces.QueueManager, cache interfaces.CacheService, config *common.Config, logger arbor.ILogger) *Service {
	return &Service{
		storage: storage,
		queue:   queue,
		cache:   cache,
		config:  config,
		logger:  logger,
	}
}

// allowedMime reports whether the upload's content type is accepted.
func (s *Service) allowedMime(contentType string) (models.FileClass, bool) {
	for _, allowed := range s.config.Processing.AllowedMimeTypes {
		if strings.EqualFold(contentType, allowed) {
			if allowed == "application/pdf" {
				return models.FileClassPDF, true
			}
			return models.FileClassImage, true
		}
	}
	return "", false
}

// CreateJob validates the upload, snapshots the live pipeline and OCR
// configuration and persists a PENDING job. Uploads are refused while the
// broker is unreachable: accepting a job nobody can process helps no one.
func (s *Service) CreateJob(ctx context.Context, filename, contentType string, data []byte) (*models.Job, error) {
	if len(data) == 0 {
		return nil, common.NewError(common.KindValidation, "file is empty")
	}
	if int64(len(data)) > s.config.Processing.MaxFileSizeBytes {
		return nil, common.NewError(common.KindValidation, "file too large").
			WithDetail("max_bytes", s.config.Processing.MaxFileSizeBytes).
			WithDetail("got_bytes", len(data))
	}
	fileClass, ok := s.allowedMime(contentType)
	if !ok {
		return nil, common.NewError(common.KindValidation, "unsupported file type").
			WithDetail("content_type", contentType)
	}

	if err := s.queue.Healthy(ctx); err != nil {
		return nil, common.WrapError(common.KindUnavailable, "no workers reachable, upload refused", err)
	}

	snapshot, err := s.snapshotPipeline(ctx)
	if err != nil {
		return nil, err
	}
	ocrConfig, err := s.snapshotOCRConfig(ctx)
	if err != nil {
		return nil, err
	}

	job := models.NewJob(common.NewProcessingID(), filename, fileClass, int64(len(data)), data, snapshot, ocrConfig)
	if err := s.storage.JobStorage().SaveJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to persist job: %w", err)
	}

	s.logger.Info().
		Str("processing_id", job.ProcessingID).
		Str("filename", filename).
		Str("file_class", string(fileClass)).
		Int64("file_size", job.FileSize).
		Msg("Job created")

	return job, nil
}

// snapshotPipeline loads the enabled steps, classes and models, preferring
// the cache.
func (s *Service) snapshotPipeline(ctx context.Context) (*models.PipelineSnapshot, error) {
	var snapshot models.PipelineSnapshot
	if s.cache.Get(ctx, interfaces.CacheNamespacePipelineSteps, "snapshot", &snapshot) {
		return &snapshot, nil
	}

	pipeline := s.storage.PipelineStorage()
	steps, err := pipeline.ListSteps(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("failed to load pipeline steps: %w", err)
	}
	classes, err := pipeline.ListClasses(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("failed to load document classes: %w", err)
	}
	mdl, err := pipeline.ListModels(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("failed to load available models: %w", err)
	}

	snapshot = models.PipelineSnapshot{TakenAt: time.Now().UTC()}
	for _, step := range steps {
		snapshot.Steps = append(snapshot.Steps, *step)
	}
	for _, class := range classes {
		snapshot.Classes = append(snapshot.Classes, *class)
	}
	for _, m := range mdl {
		snapshot.Models = append(snapshot.Models, *m)
	}

	s.cache.Set(ctx, interfaces.CacheNamespacePipelineSteps, "snapshot", &snapshot, 0)
	return &snapshot, nil
}

func (s *Service) snapshotOCRConfig(ctx context.Context) (*models.OCRConfiguration, error) {
	var config models.OCRConfiguration
	if s.cache.Get(ctx, interfaces.CacheNamespaceOCRConfig, "active", &config) {
		return &config, nil
	}
	loaded, err := s.storage.OCRConfigStorage().GetActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load OCR configuration: %w", err)
	}
	s.cache.Set(ctx, interfaces.CacheNamespaceOCRConfig, "active", loaded, 0)
	return loaded, nil
}

// Enqueue transitions PENDING -> QUEUED and hands the job to the broker.
// The CAS absorbs duplicate submissions: the loser observes a non-PENDING
// status and gets a conflict.
func (s *Service) Enqueue(ctx context.Context, processingID string, options models.ProcessingOptions) (string, error) {
	job, err := s.storage.JobStorage().GetJob(ctx, processingID)
	if err != nil {
		return "", err
	}
	if job.Status != models.JobStatusPending {
		return "", common.NewError(common.KindConflict, "job is not pending").
			WithDetail("status", string(job.Status))
	}

	payload, err := json.Marshal(models.ProcessDocumentPayload{
		ProcessingID: processingID,
		Options:      options,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal task payload: %w", err)
	}

	swapped, err := s.storage.JobStorage().CompareAndSwapStatus(ctx, processingID,
		models.JobStatusPending, models.JobStatusQueued,
		func(j *models.Job) {
			j.Options = options
		})
	if err != nil {
		return "", err
	}
	if !swapped {
		return "", common.NewError(common.KindConflict, "job was already enqueued")
	}

	taskID, err := s.queue.Enqueue(ctx, models.QueueForTask(models.TaskProcessDocument), models.QueueMessage{
		Task:    models.TaskProcessDocument,
		DedupID: processingID,
		Payload: payload,
	})
	if err != nil {
		// Roll the status back so the client can retry the enqueue
		if _, casErr := s.storage.JobStorage().CompareAndSwapStatus(ctx, processingID,
			models.JobStatusQueued, models.JobStatusPending, nil); casErr != nil {
			s.logger.Error().Err(casErr).Str("processing_id", processingID).Msg("Failed to roll back enqueue")
		}
		return "", common.WrapError(common.KindUnavailable, "failed to enqueue job", err)
	}

	if err := s.storage.JobStorage().UpdateJob(ctx, processingID, func(j *models.Job) {
		j.BrokerTaskID = taskID
	}); err != nil {
		s.logger.Warn().Err(err).Str("processing_id", processingID).Msg("Failed to record broker task id")
	}

	s.logger.Info().
		Str("processing_id", processingID).
		Str("task_id", taskID).
		Msg("Job enqueued")

	return taskID, nil
}

// Cancel requests cancellation of a job. A job that never started processing
// transitions to CANCELLED immediately; a RUNNING job gets the cooperative
// cancel flag and the executor stops between steps, keeping partial output.
// The returned status tells the caller which of the two happened.
func (s *Service) Cancel(ctx context.Context, processingID string) (models.JobStatus, error) {
	job, err := s.storage.JobStorage().GetJob(ctx, processingID)
	if err != nil {
		return "", err
	}

	switch job.Status {
	case models.JobStatusPending, models.JobStatusQueued:
		swapped, err := s.storage.JobStorage().CompareAndSwapStatus(ctx, processingID,
			job.Status, models.JobStatusCancelled,
			func(j *models.Job) {
				now := time.Now().UTC()
				j.CompletedAt = &now
				j.CancelRequested = true
			})
		if err != nil {
			return "", err
		}
		if !swapped {
			return "", common.NewError(common.KindConflict, "job state changed, retry cancel")
		}
		s.logger.Info().Str("processing_id", processingID).Msg("Job cancelled before processing")
		return models.JobStatusCancelled, nil

	case models.JobStatusRunning:
		if err := s.storage.JobStorage().UpdateJob(ctx, processingID, func(j *models.Job) {
			j.CancelRequested = true
		}); err != nil {
			return "", err
		}
		s.logger.Info().Str("processing_id", processingID).Msg("Cancel requested for running job")
		return models.JobStatusRunning, nil

	default:
		return "", common.NewError(common.KindConflict, "job already finished").
			WithDetail("status", string(job.Status))
	}
}

// StatusView is the public status payload.
type StatusView struct {
	ProcessingID    string                  `json:"processing_id"`
	Status          models.PublicStatus     `json:"status"`
	ProgressPercent int                     `json:"progress"`
	CurrentPhase    string                  `json:"current_phase,omitempty"`
	Filename        string                  `json:"filename"`
	UploadedAt      time.Time               `json:"uploaded_at"`
	CompletedAt     *time.Time              `json:"completed_at,omitempty"`
	ErrorMessage    string                  `json:"error_message,omitempty"`
	ErrorStep       string                  `json:"error_step,omitempty"`
	Termination     *models.TerminationInfo `json:"termination,omitempty"`
}

// GetStatus returns the public status of a job.
func (s *Service) GetStatus(ctx context.Context, processingID string) (*StatusView, error) {
	job, err := s.storage.JobStorage().GetJob(ctx, processingID)
	if err != nil {
		return nil, err
	}

	view := &StatusView{
		ProcessingID:    job.ProcessingID,
		Status:          models.PublicStatusOf(job.Status, job.CurrentPhase),
		ProgressPercent: job.ProgressPercent,
		CurrentPhase:    job.CurrentPhase,
		Filename:        job.Filename,
		UploadedAt:      job.UploadedAt,
		CompletedAt:     job.CompletedAt,
		Termination:     job.Termination,
	}
	if job.Status == models.JobStatusFailed || job.Status == models.JobStatusTimeout {
		view.ErrorMessage = job.ErrorMessage
		view.ErrorStep = job.ErrorStep
	}
	return view, nil
}

// GetResult returns the full result bundle of a terminal job. A job still in
// flight yields a conflict so clients keep polling the status endpoint.
func (s *Service) GetResult(ctx context.Context, processingID string) (*models.ResultBundle, error) {
	job, err := s.storage.JobStorage().GetJob(ctx, processingID)
	if err != nil {
		return nil, err
	}

	switch job.Status {
	case models.JobStatusCompleted, models.JobStatusTerminated:
	case models.JobStatusFailed, models.JobStatusCancelled, models.JobStatusTimeout:
		return nil, common.NewError(common.KindProcessing, "job failed").
			WithDetail("error_step", job.ErrorStep).
			WithDetail("error_message", job.ErrorMessage)
	default:
		return nil, common.NewError(common.KindConflict, "job is not completed yet").
			WithDetail("status", string(models.PublicStatusOf(job.Status, job.CurrentPhase)))
	}

	totalCost := 0.0
	if costs, err := s.storage.CostStorage().GetCostsByProcessingID(ctx, processingID); err == nil {
		for _, c := range costs {
			totalCost += c.CostUSD
		}
	}

	return &models.ResultBundle{
		ProcessingID:           job.ProcessingID,
		Filename:               job.Filename,
		OriginalText:           job.OriginalText,
		TranslatedText:         job.TranslatedText,
		LanguageTranslatedText: job.LanguageTranslatedText,
		DocumentTypeDetected:   job.DocumentTypeDetected,
		ConfidenceScore:        job.ConfidenceScore,
		BranchingPath:          job.BranchingPath,
		Termination:            job.Termination,
		TotalCostUSD:           totalCost,
		CompletedAt:            job.CompletedAt,
	}, nil
}

// ListActive returns all jobs in a non-terminal state.
func (s *Service) ListActive(ctx context.Context) ([]*StatusView, error) {
	active, err := s.storage.JobStorage().ListActiveJobs(ctx)
	if err != nil {
		return nil, err
	}
	views := make([]*StatusView, 0, len(active))
	for _, job := range active {
		views = append(views, &StatusView{
			ProcessingID:    job.ProcessingID,
			Status:          models.PublicStatusOf(job.Status, job.CurrentPhase),
			ProgressPercent: job.ProgressPercent,
			CurrentPhase:    job.CurrentPhase,
			Filename:        job.Filename,
			UploadedAt:      job.UploadedAt,
		})
	}
	return views, nil
}

// ClearContent erases the job's content fields. Idempotent.
func (s *Service) ClearContent(ctx context.Context, processingID string) error {
	return s.storage.JobStorage().ClearContent(ctx, processingID)
}

// CleanupExpired clears content of jobs older than the retention window that
// never received consenting feedback. Returns the number of jobs cleared.
func (s *Service) CleanupExpired(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-s.config.CleanupAfterDuration())
	jobs, err := s.storage.JobStorage().ListJobsOlderThan(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	cleared := 0
	for _, job := range jobs {
		if job.ContentClearedAt != nil {
			continue
		}
		if job.FeedbackConsent != nil && *job.FeedbackConsent {
			continue
		}
		if err := s.storage.JobStorage().ClearContent(ctx, job.ProcessingID); err != nil {
			s.logger.Warn().Err(err).Str("processing_id", job.ProcessingID).Msg("Cleanup failed for job")
			continue
		}
		cleared++
	}

	if cleared > 0 {
		s.logger.Info().Int("cleared", cleared).Msg("Expired job content cleared")
	}
	return cleared, nil
}
