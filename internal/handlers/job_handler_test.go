package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/klartext-med/klartext/internal/common"
	"github.com/klartext-med/klartext/internal/interfaces"
	"github.com/klartext-med/klartext/internal/models"
	"github.com/klartext-med/klartext/internal/services/jobs"
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

type fakeQueue struct{}

func (fakeQueue) Enqueue(ctx context.Context, queue string, msg models.QueueMessage) (string, error) {
	return "task-" + msg.DedupID, nil
}

func (fakeQueue) Receive(ctx context.Context, queue string) (*models.QueueMessage, func() error, error) {
	return nil, nil, models.ErrNoMessage
}

func (fakeQueue) Healthy(ctx context.Context) error { return nil }
func (fakeQueue) Close() error                      { return nil }

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

func testJobHandler(t *testing.T) (*JobHandler, *jobs.Service, interfaces.StorageManager) {
	t.Helper()
	storage := testStorage(t)
	cfg := testConfig()
	jobService := jobs.NewService(storage, fakeQueue{}, noopCache{}, cfg, testLogger())
	seedModel(t, storage)
	return NewJobHandler(jobService, cfg, testLogger()), jobService, storage
}

func seedModel(t *testing.T, storage interfaces.StorageManager) {
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

func multipartUpload(t *testing.T, filename, contentType string, data []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	part, err := writer.CreatePart(textproto.MIMEHeader{
		"Content-Disposition": {`form-data; name="file"; filename="` + filename + `"`},
		"Content-Type":        {contentType},
	})
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	req := httptest.NewRequest("POST", "/api/upload", &buf)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestUploadHandlerCreatesPendingJob(t *testing.T) {
	handler, _, _ := testJobHandler(t)

	rec := httptest.NewRecorder()
	handler.UploadHandler(rec, multipartUpload(t, "brief.pdf", "application/pdf", []byte("%PDF-1.4")))

	require.Equal(t, http.StatusCreated, rec.Code)
	body := decodeBody(t, rec)
	assert.NotEmpty(t, body["processing_id"])
	assert.Equal(t, "brief.pdf", body["filename"])
	assert.Equal(t, "pdf", body["file_type"])
	assert.Equal(t, "PENDING", body["status"])
}

func TestUploadHandlerMissingFile(t *testing.T) {
	handler, _, _ := testJobHandler(t)

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	require.NoError(t, writer.WriteField("other", "value"))
	require.NoError(t, writer.Close())

	req := httptest.NewRequest("POST", "/api/upload", &buf)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	rec := httptest.NewRecorder()
	handler.UploadHandler(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeBody(t, rec)
	errBody := body["error"].(map[string]interface{})
	assert.Equal(t, "VALIDATION_ERROR", errBody["code"])
}

func TestUploadHandlerUnsupportedType(t *testing.T) {
	handler, _, _ := testJobHandler(t)

	rec := httptest.NewRecorder()
	handler.UploadHandler(rec, multipartUpload(t, "brief.docx", "application/msword", []byte("data")))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUploadHandlerRejectsGet(t *testing.T) {
	handler, _, _ := testJobHandler(t)

	rec := httptest.NewRecorder()
	handler.UploadHandler(rec, httptest.NewRequest("GET", "/api/upload", nil))

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func createJob(t *testing.T, svc *jobs.Service) *models.Job {
	t.Helper()
	job, err := svc.CreateJob(context.Background(), "brief.pdf", "application/pdf", []byte("%PDF"))
	require.NoError(t, err)
	return job
}

func TestProcessRoutesEnqueue(t *testing.T) {
	handler, svc, _ := testJobHandler(t)
	job := createJob(t, svc)

	payload := bytes.NewBufferString(`{"target_language": "en"}`)
	req := httptest.NewRequest("POST", "/api/process/"+job.ProcessingID, payload)
	rec := httptest.NewRecorder()
	handler.ProcessRoutesHandler(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, job.ProcessingID, body["processing_id"])
	assert.Equal(t, "queued", body["status"])
	assert.NotEmpty(t, body["task_id"])
}

func TestProcessRoutesEnqueueDuplicate(t *testing.T) {
	handler, svc, _ := testJobHandler(t)
	job := createJob(t, svc)

	_, err := svc.Enqueue(context.Background(), job.ProcessingID, models.ProcessingOptions{})
	require.NoError(t, err)

	req := httptest.NewRequest("POST", "/api/process/"+job.ProcessingID, nil)
	rec := httptest.NewRecorder()
	handler.ProcessRoutesHandler(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestProcessRoutesStatus(t *testing.T) {
	handler, svc, _ := testJobHandler(t)
	job := createJob(t, svc)

	req := httptest.NewRequest("GET", "/api/process/"+job.ProcessingID+"/status", nil)
	rec := httptest.NewRecorder()
	handler.ProcessRoutesHandler(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "pending", body["status"])
	assert.Equal(t, "brief.pdf", body["filename"])
}

func TestProcessRoutesResultConflictWhileInFlight(t *testing.T) {
	handler, svc, _ := testJobHandler(t)
	job := createJob(t, svc)

	req := httptest.NewRequest("GET", "/api/process/"+job.ProcessingID+"/result", nil)
	rec := httptest.NewRecorder()
	handler.ProcessRoutesHandler(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestProcessRoutesResultCompleted(t *testing.T) {
	handler, svc, storage := testJobHandler(t)
	job := createJob(t, svc)

	require.NoError(t, storage.JobStorage().UpdateJob(context.Background(), job.ProcessingID, func(j *models.Job) {
		j.Status = models.JobStatusCompleted
		j.TranslatedText = "Einfacher Text"
	}))

	req := httptest.NewRequest("GET", "/api/process/"+job.ProcessingID+"/result", nil)
	rec := httptest.NewRecorder()
	handler.ProcessRoutesHandler(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "Einfacher Text", body["translated_text"])
}

func TestProcessRoutesActive(t *testing.T) {
	handler, svc, _ := testJobHandler(t)
	createJob(t, svc)

	req := httptest.NewRequest("GET", "/api/process/active", nil)
	rec := httptest.NewRecorder()
	handler.ProcessRoutesHandler(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, float64(1), body["count"])
}

func TestProcessRoutesUnknownJob(t *testing.T) {
	handler, _, _ := testJobHandler(t)

	req := httptest.NewRequest("GET", "/api/process/unknown-id/status", nil)
	rec := httptest.NewRecorder()
	handler.ProcessRoutesHandler(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProcessRoutesUnknownSubRoute(t *testing.T) {
	handler, svc, _ := testJobHandler(t)
	job := createJob(t, svc)

	req := httptest.NewRequest("GET", "/api/process/"+job.ProcessingID+"/nonsense", nil)
	rec := httptest.NewRecorder()
	handler.ProcessRoutesHandler(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProcessRoutesCancelPendingJob(t *testing.T) {
	handler, svc, _ := testJobHandler(t)
	job := createJob(t, svc)

	req := httptest.NewRequest("POST", "/api/process/"+job.ProcessingID+"/cancel", nil)
	rec := httptest.NewRecorder()
	handler.ProcessRoutesHandler(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "cancelled", body["status"])

	// A terminal job cannot be cancelled again
	rec = httptest.NewRecorder()
	handler.ProcessRoutesHandler(rec, httptest.NewRequest("POST", "/api/process/"+job.ProcessingID+"/cancel", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestProcessRoutesCancelRunningJob(t *testing.T) {
	handler, svc, storage := testJobHandler(t)
	job := createJob(t, svc)
	require.NoError(t, storage.JobStorage().UpdateJob(context.Background(), job.ProcessingID, func(j *models.Job) {
		j.Status = models.JobStatusRunning
	}))

	req := httptest.NewRequest("POST", "/api/process/"+job.ProcessingID+"/cancel", nil)
	rec := httptest.NewRecorder()
	handler.ProcessRoutesHandler(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "cancelling", body["status"])

	stored, err := storage.JobStorage().GetJob(context.Background(), job.ProcessingID)
	require.NoError(t, err)
	assert.True(t, stored.CancelRequested)
}
