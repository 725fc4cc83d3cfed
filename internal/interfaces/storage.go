// -----------------------------------------------------------------------
// Storage interfaces - per-aggregate persistence contracts
// -----------------------------------------------------------------------

package interfaces

import (
	"context"
	"time"

	"github.com/klartext-med/klartext/internal/models"
)

// JobStorage persists processing jobs. Implementations encrypt content fields
// (file bytes and text fields) transparently; callers see plaintext only.
type JobStorage interface {
	SaveJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, processingID string) (*models.Job, error)

	// CompareAndSwapStatus atomically transitions the job status. Returns
	// false when the stored status no longer matches `from` - exactly one
	// concurrent caller wins.
	CompareAndSwapStatus(ctx context.Context, processingID string, from, to models.JobStatus, mutate func(*models.Job)) (bool, error)

	// UpdateJob applies a mutation under the storage lock without a status
	// guard. Used for progress updates on an already-RUNNING job.
	UpdateJob(ctx context.Context, processingID string, mutate func(*models.Job)) error

	ListActiveJobs(ctx context.Context) ([]*models.Job, error)
	ListJobsOlderThan(ctx context.Context, cutoff time.Time) ([]*models.Job, error)

	// ClearContent overwrites all content fields and sets content_cleared_at.
	// Idempotent: clearing an already-cleared job is a no-op success.
	ClearContent(ctx context.Context, processingID string) error

	DeleteJob(ctx context.Context, processingID string) error
}

// StepExecutionStorage persists per-step execution rows.
type StepExecutionStorage interface {
	SaveExecution(ctx context.Context, exec *models.StepExecution) error
	GetExecutions(ctx context.Context, processingID string) ([]*models.StepExecution, error)
	DeleteExecutions(ctx context.Context, processingID string) error
}

// PipelineStorage persists the configurable pipeline: steps, classes, models.
type PipelineStorage interface {
	SaveStep(ctx context.Context, step *models.DynamicStep) error
	GetStep(ctx context.Context, id string) (*models.DynamicStep, error)
	ListSteps(ctx context.Context, enabledOnly bool) ([]*models.DynamicStep, error)
	DeleteStep(ctx context.Context, id string) error

	SaveClass(ctx context.Context, class *models.DocumentClass) error
	GetClass(ctx context.Context, id string) (*models.DocumentClass, error)
	ListClasses(ctx context.Context, enabledOnly bool) ([]*models.DocumentClass, error)
	DeleteClass(ctx context.Context, id string) error

	SaveModel(ctx context.Context, model *models.AvailableModel) error
	GetModel(ctx context.Context, id string) (*models.AvailableModel, error)
	ListModels(ctx context.Context, enabledOnly bool) ([]*models.AvailableModel, error)
	DeleteModel(ctx context.Context, id string) error
}

// OCRConfigStorage persists the process-wide OCR configuration singleton.
type OCRConfigStorage interface {
	GetActive(ctx context.Context) (*models.OCRConfiguration, error)
	SaveActive(ctx context.Context, config *models.OCRConfiguration) error
}

// SettingStorage persists runtime key/value settings. Encrypted values are
// handled transparently.
type SettingStorage interface {
	GetSetting(ctx context.Context, key string) (*models.SystemSetting, error)
	SaveSetting(ctx context.Context, setting *models.SystemSetting) error
	ListSettings(ctx context.Context) ([]*models.SystemSetting, error)
	DeleteSetting(ctx context.Context, key string) error
}

// FeedbackStorage persists feedback rows and analysis reports.
type FeedbackStorage interface {
	SaveFeedback(ctx context.Context, feedback *models.Feedback) error
	GetFeedback(ctx context.Context, id string) (*models.Feedback, error)
	GetFeedbackByProcessingID(ctx context.Context, processingID string) (*models.Feedback, error)
	ListFeedback(ctx context.Context, limit int) ([]*models.Feedback, error)

	SaveAnalysis(ctx context.Context, analysis *models.FeedbackAnalysis) error
	GetAnalysisByProcessingID(ctx context.Context, processingID string) (*models.FeedbackAnalysis, error)
}

// CostStorage persists append-only AI cost records.
type CostStorage interface {
	SaveCost(ctx context.Context, cost *models.CostLog) error
	GetCostsByProcessingID(ctx context.Context, processingID string) ([]*models.CostLog, error)
	ListCostsSince(ctx context.Context, since time.Time) ([]*models.CostLog, error)
}

// StorageManager aggregates all storage interfaces behind one handle.
type StorageManager interface {
	JobStorage() JobStorage
	StepExecutionStorage() StepExecutionStorage
	PipelineStorage() PipelineStorage
	OCRConfigStorage() OCRConfigStorage
	SettingStorage() SettingStorage
	FeedbackStorage() FeedbackStorage
	CostStorage() CostStorage
	Close() error
}
