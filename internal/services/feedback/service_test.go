package feedback

import (
	"context"
	"testing"

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
	enqueued []models.QueueMessage
}

func (f *fakeQueue) Enqueue(ctx context.Context, queue string, msg models.QueueMessage) (string, error) {
	f.enqueued = append(f.enqueued, msg)
	return "task-1", nil
}

func (f *fakeQueue) Receive(ctx context.Context, queue string) (*models.QueueMessage, func() error, error) {
	return nil, nil, models.ErrNoMessage
}

func (f *fakeQueue) Healthy(ctx context.Context) error { return nil }
func (f *fakeQueue) Close() error                      { return nil }

func saveJob(t *testing.T, storage interfaces.StorageManager, status models.JobStatus) *models.Job {
	t.Helper()
	job := models.NewJob(common.NewProcessingID(), "brief.pdf", models.FileClassPDF, 4, []byte("%PDF"), nil, nil)
	job.Status = status
	job.OriginalText = "Befund"
	job.TranslatedText = "Einfacher Befund"
	require.NoError(t, storage.JobStorage().SaveJob(context.Background(), job))
	return job
}

func submission(processingID string, consent bool) *Submission {
	return &Submission{
		ProcessingID:     processingID,
		OverallRating:    4,
		DetailedRatings:  map[string]int{"clarity": 5},
		Comment:          "Sehr verständlich",
		DataConsentGiven: consent,
	}
}

func TestSubmitWithConsentKeepsContentAndEnqueuesAnalysis(t *testing.T) {
	storage := testStorage(t)
	queue := &fakeQueue{}
	svc := NewService(storage, queue, testLogger())
	job := saveJob(t, storage, models.JobStatusCompleted)

	feedback, err := svc.Submit(context.Background(), submission(job.ProcessingID, true))
	require.NoError(t, err)
	assert.NotEmpty(t, feedback.ID)
	assert.True(t, feedback.DataConsentGiven)

	stored, err := storage.JobStorage().GetJob(context.Background(), job.ProcessingID)
	require.NoError(t, err)
	assert.Equal(t, "Einfacher Befund", stored.TranslatedText)
	require.NotNil(t, stored.FeedbackConsent)
	assert.True(t, *stored.FeedbackConsent)

	require.Len(t, queue.enqueued, 1)
	assert.Equal(t, models.TaskAnalyzeFeedback, queue.enqueued[0].Task)
}

func TestSubmitWithoutConsentClearsContent(t *testing.T) {
	storage := testStorage(t)
	queue := &fakeQueue{}
	svc := NewService(storage, queue, testLogger())
	job := saveJob(t, storage, models.JobStatusCompleted)

	_, err := svc.Submit(context.Background(), submission(job.ProcessingID, false))
	require.NoError(t, err)

	stored, err := storage.JobStorage().GetJob(context.Background(), job.ProcessingID)
	require.NoError(t, err)
	assert.Empty(t, stored.OriginalText)
	assert.Empty(t, stored.TranslatedText)
	assert.NotNil(t, stored.ContentClearedAt)

	// No analysis without consent
	assert.Empty(t, queue.enqueued)
}

func TestSubmitDuplicateConflicts(t *testing.T) {
	storage := testStorage(t)
	svc := NewService(storage, &fakeQueue{}, testLogger())
	job := saveJob(t, storage, models.JobStatusCompleted)

	_, err := svc.Submit(context.Background(), submission(job.ProcessingID, true))
	require.NoError(t, err)

	_, err = svc.Submit(context.Background(), submission(job.ProcessingID, true))
	require.Error(t, err)
	assert.Equal(t, common.KindConflict, common.KindOf(err))
}

func TestSubmitWhileJobInFlightConflicts(t *testing.T) {
	storage := testStorage(t)
	svc := NewService(storage, &fakeQueue{}, testLogger())
	job := saveJob(t, storage, models.JobStatusRunning)

	_, err := svc.Submit(context.Background(), submission(job.ProcessingID, true))
	require.Error(t, err)
	assert.Equal(t, common.KindConflict, common.KindOf(err))
}

func TestSubmitValidation(t *testing.T) {
	storage := testStorage(t)
	svc := NewService(storage, &fakeQueue{}, testLogger())
	job := saveJob(t, storage, models.JobStatusCompleted)

	tests := []struct {
		name string
		sub  *Submission
	}{
		{"missing processing id", &Submission{OverallRating: 3}},
		{"rating too low", &Submission{ProcessingID: job.ProcessingID, OverallRating: 0}},
		{"rating too high", &Submission{ProcessingID: job.ProcessingID, OverallRating: 6}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Submit(context.Background(), tt.sub)
			require.Error(t, err)
			assert.Equal(t, common.KindValidation, common.KindOf(err))
		})
	}
}

func TestSubmitUnknownJob(t *testing.T) {
	storage := testStorage(t)
	svc := NewService(storage, &fakeQueue{}, testLogger())

	_, err := svc.Submit(context.Background(), submission("does-not-exist", true))
	require.Error(t, err)
	assert.Equal(t, common.KindNotFound, common.KindOf(err))
}

func TestSubmitTerminatedJobSkipsAnalysis(t *testing.T) {
	storage := testStorage(t)
	queue := &fakeQueue{}
	svc := NewService(storage, queue, testLogger())
	job := saveJob(t, storage, models.JobStatusTerminated)

	_, err := svc.Submit(context.Background(), submission(job.ProcessingID, true))
	require.NoError(t, err)

	// Analysis only runs for completed jobs with a real translation
	assert.Empty(t, queue.enqueued)
}

func TestExists(t *testing.T) {
	storage := testStorage(t)
	svc := NewService(storage, &fakeQueue{}, testLogger())
	job := saveJob(t, storage, models.JobStatusCompleted)

	exists, err := svc.Exists(context.Background(), job.ProcessingID)
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = svc.Submit(context.Background(), submission(job.ProcessingID, true))
	require.NoError(t, err)

	exists, err = svc.Exists(context.Background(), job.ProcessingID)
	require.NoError(t, err)
	assert.True(t, exists)
}
