package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/klartext-med/klartext/internal/common"
	"github.com/klartext-med/klartext/internal/interfaces"
	"github.com/klartext-med/klartext/internal/models"
	badgerstore "github.com/klartext-med/klartext/internal/storage/badger"
)

func testLogger() arbor.ILogger {
	return arbor.NewLogger()
}

func testStorage(t *testing.T) interfaces.StorageManager {
	t.Helper()
	encryptor, err := common.NewEncryptor(&common.EncryptionConfig{Enabled: false})
	require.NoError(t, err)

	manager, err := badgerstore.NewManager(testLogger(), &common.BadgerConfig{Path: t.TempDir()}, encryptor)
	require.NoError(t, err)
	t.Cleanup(func() { manager.Close() })
	return manager
}

type fakeQueue struct {
	enqueued   []models.QueueMessage
	healthyErr error
	enqueueErr error
}

func (f *fakeQueue) Enqueue(ctx context.Context, queue string, msg models.QueueMessage) (string, error) {
	if f.enqueueErr != nil {
		return "", f.enqueueErr
	}
	f.enqueued = append(f.enqueued, msg)
	return "task-" + msg.DedupID, nil
}

func (f *fakeQueue) Receive(ctx context.Context, queue string) (*models.QueueMessage, func() error, error) {
	return nil, nil, models.ErrNoMessage
}

func (f *fakeQueue) Healthy(ctx context.Context) error { return f.healthyErr }
func (f *fakeQueue) Close() error                      { return nil }

// noopCache always misses so reads hit storage.
type noopCache struct{}

func (noopCache) Get(ctx context.Context, namespace, key string, dest interface{}) bool { return false }
func (noopCache) Set(ctx context.Context, namespace, key string, value interface{}, ttl time.Duration) {
}
func (noopCache) InvalidateNamespace(ctx context.Context, namespace string) {}
func (noopCache) Healthy() bool                                             { return true }

func testConfig() *common.Config {
	cfg := &common.Config{}
	cfg.Processing.MaxFileSizeBytes = 1 << 20
	cfg.Processing.AllowedMimeTypes = []string{"application/pdf", "image/png", "image/jpeg"}
	cfg.Processing.CleanupAfter = "48h"
	return cfg
}

func testService(t *testing.T) (*Service, interfaces.StorageManager, *fakeQueue) {
	t.Helper()
	storage := testStorage(t)
	queue := &fakeQueue{}
	svc := NewService(storage, queue, noopCache{}, testConfig(), testLogger())
	return svc, storage, queue
}

func seedPipeline(t *testing.T, storage interfaces.StorageManager) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, storage.PipelineStorage().SaveModel(ctx, &models.AvailableModel{
		ID: "model_a", Provider: models.ProviderClaude, Name: "claude-sonnet", Enabled: true,
	}))
	require.NoError(t, storage.PipelineStorage().SaveStep(ctx, &models.DynamicStep{
		ID: "s1", Name: "Simplify", Order: 10, Enabled: true,
		PromptTemplate: "{input_text}", ModelID: "model_a",
	}))
}

func TestCreateJobSnapshotsPipeline(t *testing.T) {
	svc, storage, _ := testService(t)
	seedPipeline(t, storage)

	job, err := svc.CreateJob(context.Background(), "brief.pdf", "application/pdf", []byte("%PDF-1.4"))
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, job.Status)
	assert.Equal(t, models.FileClassPDF, job.FileClass)
	require.NotNil(t, job.PipelineConfig)
	assert.Len(t, job.PipelineConfig.Steps, 1)
	assert.Len(t, job.PipelineConfig.Models, 1)
	require.NotNil(t, job.OCRConfig)

	stored, err := storage.JobStorage().GetJob(context.Background(), job.ProcessingID)
	require.NoError(t, err)
	assert.Equal(t, job.Filename, stored.Filename)
	assert.Equal(t, []byte("%PDF-1.4"), stored.FileData)
}

func TestCreateJobRejectsInvalidUploads(t *testing.T) {
	svc, storage, _ := testService(t)
	seedPipeline(t, storage)
	ctx := context.Background()

	_, err := svc.CreateJob(ctx, "leer.pdf", "application/pdf", nil)
	assert.Equal(t, common.KindValidation, common.KindOf(err))

	_, err = svc.CreateJob(ctx, "brief.docx", "application/msword", []byte("data"))
	assert.Equal(t, common.KindValidation, common.KindOf(err))

	big := make([]byte, (1<<20)+1)
	_, err = svc.CreateJob(ctx, "gross.pdf", "application/pdf", big)
	assert.Equal(t, common.KindValidation, common.KindOf(err))
}

func TestCreateJobRefusedWhileBrokerDown(t *testing.T) {
	svc, storage, queue := testService(t)
	seedPipeline(t, storage)
	queue.healthyErr = common.NewError(common.KindConnection, "broker unreachable")

	_, err := svc.CreateJob(context.Background(), "brief.pdf", "application/pdf", []byte("%PDF"))
	require.Error(t, err)
	assert.Equal(t, common.KindUnavailable, common.KindOf(err))
}

func TestEnqueueTransitionsAndHandsOff(t *testing.T) {
	svc, storage, queue := testService(t)
	seedPipeline(t, storage)
	ctx := context.Background()

	job, err := svc.CreateJob(ctx, "brief.pdf", "application/pdf", []byte("%PDF"))
	require.NoError(t, err)

	taskID, err := svc.Enqueue(ctx, job.ProcessingID, models.ProcessingOptions{TargetLanguage: "en"})
	require.NoError(t, err)
	assert.NotEmpty(t, taskID)

	require.Len(t, queue.enqueued, 1)
	assert.Equal(t, models.TaskProcessDocument, queue.enqueued[0].Task)
	assert.Equal(t, job.ProcessingID, queue.enqueued[0].DedupID)

	stored, err := storage.JobStorage().GetJob(ctx, job.ProcessingID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, stored.Status)
	assert.Equal(t, "en", stored.Options.TargetLanguage)
	assert.Equal(t, taskID, stored.BrokerTaskID)
}

func TestEnqueueDuplicateConflicts(t *testing.T) {
	svc, storage, _ := testService(t)
	seedPipeline(t, storage)
	ctx := context.Background()

	job, err := svc.CreateJob(ctx, "brief.pdf", "application/pdf", []byte("%PDF"))
	require.NoError(t, err)

	_, err = svc.Enqueue(ctx, job.ProcessingID, models.ProcessingOptions{})
	require.NoError(t, err)

	_, err = svc.Enqueue(ctx, job.ProcessingID, models.ProcessingOptions{})
	require.Error(t, err)
	assert.Equal(t, common.KindConflict, common.KindOf(err))
}

func TestEnqueueUnknownJob(t *testing.T) {
	svc, _, _ := testService(t)

	_, err := svc.Enqueue(context.Background(), "does-not-exist", models.ProcessingOptions{})
	require.Error(t, err)
	assert.Equal(t, common.KindNotFound, common.KindOf(err))
}

func TestEnqueueBrokerFailureRollsBack(t *testing.T) {
	svc, storage, queue := testService(t)
	seedPipeline(t, storage)
	ctx := context.Background()

	job, err := svc.CreateJob(ctx, "brief.pdf", "application/pdf", []byte("%PDF"))
	require.NoError(t, err)

	queue.enqueueErr = common.NewError(common.KindConnection, "broker gone")
	_, err = svc.Enqueue(ctx, job.ProcessingID, models.ProcessingOptions{})
	require.Error(t, err)
	assert.Equal(t, common.KindUnavailable, common.KindOf(err))

	// The status rolled back so the client can retry
	stored, err := storage.JobStorage().GetJob(ctx, job.ProcessingID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, stored.Status)

	queue.enqueueErr = nil
	_, err = svc.Enqueue(ctx, job.ProcessingID, models.ProcessingOptions{})
	assert.NoError(t, err)
}

func TestGetResultConflictsWhileInFlight(t *testing.T) {
	svc, storage, _ := testService(t)
	seedPipeline(t, storage)
	ctx := context.Background()

	job, err := svc.CreateJob(ctx, "brief.pdf", "application/pdf", []byte("%PDF"))
	require.NoError(t, err)

	_, err = svc.GetResult(ctx, job.ProcessingID)
	require.Error(t, err)
	assert.Equal(t, common.KindConflict, common.KindOf(err))
}

func TestGetResultAggregatesCosts(t *testing.T) {
	svc, storage, _ := testService(t)
	seedPipeline(t, storage)
	ctx := context.Background()

	job, err := svc.CreateJob(ctx, "brief.pdf", "application/pdf", []byte("%PDF"))
	require.NoError(t, err)

	now := time.Now().UTC()
	require.NoError(t, storage.JobStorage().UpdateJob(ctx, job.ProcessingID, func(j *models.Job) {
		j.Status = models.JobStatusCompleted
		j.TranslatedText = "Einfacher Text"
		j.CompletedAt = &now
	}))

	model := &models.AvailableModel{ID: "model_a", Name: "claude-sonnet", InputCostPerMTok: 3.0, OutputCostPerMTok: 15.0}
	require.NoError(t, storage.CostStorage().SaveCost(ctx, models.NewCostLog(job.ProcessingID, "Simplify", model, 1_000_000, 1_000_000)))
	require.NoError(t, storage.CostStorage().SaveCost(ctx, models.NewCostLog(job.ProcessingID, "Language", model, 1_000_000, 0)))

	result, err := svc.GetResult(ctx, job.ProcessingID)
	require.NoError(t, err)
	assert.Equal(t, "Einfacher Text", result.TranslatedText)
	assert.InDelta(t, 21.0, result.TotalCostUSD, 0.001)
}

func TestGetResultFailedJob(t *testing.T) {
	svc, storage, _ := testService(t)
	seedPipeline(t, storage)
	ctx := context.Background()

	job, err := svc.CreateJob(ctx, "brief.pdf", "application/pdf", []byte("%PDF"))
	require.NoError(t, err)
	require.NoError(t, storage.JobStorage().UpdateJob(ctx, job.ProcessingID, func(j *models.Job) {
		j.Status = models.JobStatusFailed
		j.ErrorMessage = "step failed"
		j.ErrorStep = "Simplify"
	}))

	_, err = svc.GetResult(ctx, job.ProcessingID)
	require.Error(t, err)
	assert.Equal(t, common.KindProcessing, common.KindOf(err))
}

func TestClearContentIsIdempotent(t *testing.T) {
	svc, storage, _ := testService(t)
	seedPipeline(t, storage)
	ctx := context.Background()

	job, err := svc.CreateJob(ctx, "brief.pdf", "application/pdf", []byte("%PDF"))
	require.NoError(t, err)
	require.NoError(t, storage.JobStorage().UpdateJob(ctx, job.ProcessingID, func(j *models.Job) {
		j.OriginalText = "Befund"
		j.TranslatedText = "Einfacher Befund"
	}))

	require.NoError(t, svc.ClearContent(ctx, job.ProcessingID))
	require.NoError(t, svc.ClearContent(ctx, job.ProcessingID))

	stored, err := storage.JobStorage().GetJob(ctx, job.ProcessingID)
	require.NoError(t, err)
	assert.Empty(t, stored.OriginalText)
	assert.Empty(t, stored.TranslatedText)
	assert.Empty(t, stored.FileData)
	assert.NotNil(t, stored.ContentClearedAt)
}

func TestCleanupExpiredSkipsConsentedAndClearedJobs(t *testing.T) {
	svc, storage, _ := testService(t)
	seedPipeline(t, storage)
	ctx := context.Background()

	makeOldJob := func(mutate func(*models.Job)) string {
		job, err := svc.CreateJob(ctx, "brief.pdf", "application/pdf", []byte("%PDF"))
		require.NoError(t, err)
		require.NoError(t, storage.JobStorage().UpdateJob(ctx, job.ProcessingID, func(j *models.Job) {
			j.Status = models.JobStatusCompleted
			j.UploadedAt = time.Now().Add(-72 * time.Hour)
			if mutate != nil {
				mutate(j)
			}
		}))
		return job.ProcessingID
	}

	expired := makeOldJob(nil)
	consent := true
	consented := makeOldJob(func(j *models.Job) { j.FeedbackConsent = &consent })

	// Fresh job stays untouched
	fresh, err := svc.CreateJob(ctx, "neu.pdf", "application/pdf", []byte("%PDF"))
	require.NoError(t, err)

	cleared, err := svc.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, cleared)

	expiredJob, err := storage.JobStorage().GetJob(ctx, expired)
	require.NoError(t, err)
	assert.NotNil(t, expiredJob.ContentClearedAt)

	consentedJob, err := storage.JobStorage().GetJob(ctx, consented)
	require.NoError(t, err)
	assert.Nil(t, consentedJob.ContentClearedAt)

	freshJob, err := storage.JobStorage().GetJob(ctx, fresh.ProcessingID)
	require.NoError(t, err)
	assert.Nil(t, freshJob.ContentClearedAt)

	// A second sweep finds nothing to clear
	cleared, err = svc.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, cleared)
}

func TestListActiveExcludesTerminalJobs(t *testing.T) {
	svc, storage, _ := testService(t)
	seedPipeline(t, storage)
	ctx := context.Background()

	active, err := svc.CreateJob(ctx, "aktiv.pdf", "application/pdf", []byte("%PDF"))
	require.NoError(t, err)

	done, err := svc.CreateJob(ctx, "fertig.pdf", "application/pdf", []byte("%PDF"))
	require.NoError(t, err)
	require.NoError(t, storage.JobStorage().UpdateJob(ctx, done.ProcessingID, func(j *models.Job) {
		j.Status = models.JobStatusCompleted
	}))

	views, err := svc.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, active.ProcessingID, views[0].ProcessingID)
	assert.Equal(t, models.PublicStatusPending, views[0].Status)
}

func TestCancelPendingJobIsImmediate(t *testing.T) {
	svc, storage, _ := testService(t)
	seedPipeline(t, storage)
	ctx := context.Background()

	job, err := svc.CreateJob(ctx, "brief.pdf", "application/pdf", []byte("%PDF"))
	require.NoError(t, err)

	status, err := svc.Cancel(ctx, job.ProcessingID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, status)

	stored, err := storage.JobStorage().GetJob(ctx, job.ProcessingID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, stored.Status)
	assert.NotNil(t, stored.CompletedAt)

	// A terminal job cannot be cancelled again
	_, err = svc.Cancel(ctx, job.ProcessingID)
	assert.Equal(t, common.KindConflict, common.KindOf(err))
}

func TestCancelRunningJobSetsCooperativeFlag(t *testing.T) {
	svc, storage, _ := testService(t)
	seedPipeline(t, storage)
	ctx := context.Background()

	job, err := svc.CreateJob(ctx, "brief.pdf", "application/pdf", []byte("%PDF"))
	require.NoError(t, err)
	require.NoError(t, storage.JobStorage().UpdateJob(ctx, job.ProcessingID, func(j *models.Job) {
		j.Status = models.JobStatusRunning
	}))

	status, err := svc.Cancel(ctx, job.ProcessingID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, status)

	stored, err := storage.JobStorage().GetJob(ctx, job.ProcessingID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, stored.Status)
	assert.True(t, stored.CancelRequested)
}

func TestCancelUnknownJob(t *testing.T) {
	svc, _, _ := testService(t)

	_, err := svc.Cancel(context.Background(), "unknown-id")
	assert.Equal(t, common.KindNotFound, common.KindOf(err))
}
