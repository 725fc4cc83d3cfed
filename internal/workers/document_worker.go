// -----------------------------------------------------------------------
// Document worker - drives a job from QUEUED to its terminal state
// -----------------------------------------------------------------------

package workers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/klartext-med/klartext/internal/common"
	"github.com/klartext-med/klartext/internal/interfaces"
	"github.com/klartext-med/klartext/internal/models"
	"github.com/klartext-med/klartext/internal/services/ocr"
	"github.com/klartext-med/klartext/internal/services/pipeline"
)

// DocumentWorker handles process_document tasks: OCR extraction through the
// router, then the pipeline executor, under a hard per-job deadline.
type DocumentWorker struct {
	storage  interfaces.StorageManager
	router   *ocr.Router
	executor *pipeline.Executor
	config   *common.Config
	workerID string
	logger   arbor.ILogger
}

// NewDocumentWorker creates the process_document handler.
func NewDocumentWorker(storage interfaces.StorageManager, router *ocr.Router, executor *pipeline.Executor, config *common.Config, logger arbor.ILogger) *DocumentWorker {
	hostname, _ := os.Hostname()
	return &DocumentWorker{
		storage:  storage,
		router:   router,
		executor: executor,
		config:   config,
		workerID: fmt.Sprintf("%s-%d", hostname, os.Getpid()),
		logger:   logger,
	}
}

// Handle is the queue handler for process_document. A nil return acks the
// message; duplicate deliveries are absorbed by the QUEUED->RUNNING CAS.
func (w *DocumentWorker) Handle(ctx context.Context, msg *models.QueueMessage) error {
	var payload models.ProcessDocumentPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		w.logger.Error().Err(err).Msg("Malformed process_document payload, dropping")
		return nil
	}

	started := time.Now()
	swapped, err := w.storage.JobStorage().CompareAndSwapStatus(ctx, payload.ProcessingID,
		models.JobStatusQueued, models.JobStatusRunning,
		func(j *models.Job) {
			now := time.Now().UTC()
			j.StartedAt = &now
			j.WorkerID = w.workerID
			j.CurrentPhase = models.PhaseExtracting
		})
	if err != nil {
		if common.KindOf(err) == common.KindNotFound {
			w.logger.Warn().Str("processing_id", payload.ProcessingID).Msg("Job vanished before processing, dropping")
			return nil
		}
		return err
	}
	if !swapped {
		// Duplicate delivery: another worker already owns this job
		w.logger.Info().Str("processing_id", payload.ProcessingID).Msg("Job not in QUEUED state, skipping")
		return nil
	}

	job, err := w.storage.JobStorage().GetJob(ctx, payload.ProcessingID)
	if err != nil {
		return err
	}

	// Hard per-job deadline; a step overrunning it makes the job TIMEOUT
	deadline := w.config.JobTimeoutDuration()
	jobCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	result, runErr := w.process(jobCtx, job)
	switch {
	case runErr == nil && result.Outcome == pipeline.OutcomeTerminated:
		w.finish(ctx, job.ProcessingID, models.JobStatusTerminated, func(j *models.Job) {
			now := time.Now().UTC()
			j.CompletedAt = &now
			j.Termination = result.Termination
		})
	case runErr == nil && result.Outcome == pipeline.OutcomeCancelled:
		// Partial output stays on the job; only the status changes
		w.finish(ctx, job.ProcessingID, models.JobStatusCancelled, func(j *models.Job) {
			now := time.Now().UTC()
			j.CompletedAt = &now
		})
	case runErr == nil:
		w.finish(ctx, job.ProcessingID, models.JobStatusCompleted, func(j *models.Job) {
			now := time.Now().UTC()
			j.CompletedAt = &now
			j.ProgressPercent = 100
		})
	case errors.Is(runErr, context.DeadlineExceeded) || common.KindOf(runErr) == common.KindTimeout:
		w.finish(ctx, job.ProcessingID, models.JobStatusTimeout, func(j *models.Job) {
			now := time.Now().UTC()
			j.FailedAt = &now
			j.ErrorMessage = fmt.Sprintf("job exceeded the %s deadline", deadline)
		})
	default:
		w.finish(ctx, job.ProcessingID, models.JobStatusFailed, func(j *models.Job) {
			now := time.Now().UTC()
			j.FailedAt = &now
			j.ErrorMessage = runErr.Error()
			j.ErrorStep = errorStepOf(runErr)
		})
	}

	w.logger.Info().
		Str("processing_id", job.ProcessingID).
		Dur("duration", time.Since(started)).
		Msg("Document processing finished")
	return nil
}

func (w *DocumentWorker) process(ctx context.Context, job *models.Job) (*pipeline.Result, error) {
	extraction, err := w.router.Extract(ctx, job)
	if err != nil {
		return nil, common.WrapError(common.KindProcessing, "text extraction failed", err).
			WithDetail("error_step", "Text Extraction")
	}

	return w.executor.Execute(ctx, job, extraction.Text, extraction.Confidence)
}

// finish performs the RUNNING->terminal CAS. Losing the CAS means the job was
// cancelled or timed out elsewhere; that verdict stands.
func (w *DocumentWorker) finish(ctx context.Context, processingID string, to models.JobStatus, mutate func(*models.Job)) {
	swapped, err := w.storage.JobStorage().CompareAndSwapStatus(ctx, processingID, models.JobStatusRunning, to, mutate)
	if err != nil {
		w.logger.Error().Err(err).Str("processing_id", processingID).Str("to", string(to)).Msg("Failed to finalize job")
		return
	}
	if !swapped {
		w.logger.Warn().Str("processing_id", processingID).Str("to", string(to)).Msg("Job left RUNNING before finalization")
	}
}

// errorStepOf extracts the failing step name from an error chain.
func errorStepOf(err error) string {
	var appErr *common.AppError
	if errors.As(err, &appErr) {
		if step, ok := appErr.Details["error_step"].(string); ok {
			return step
		}
	}
	return ""
}
