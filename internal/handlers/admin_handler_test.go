package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/klartext-med/klartext/internal/interfaces"
	"github.com/klartext-med/klartext/internal/models"
	"github.com/klartext-med/klartext/internal/services/jobs"
)

func testAdminHandler(t *testing.T) (*AdminHandler, interfaces.StorageManager) {
	t.Helper()
	storage := testStorage(t)
	jobService := jobs.NewService(storage, fakeQueue{}, noopCache{}, testConfig(), testLogger())
	return NewAdminHandler(storage, noopCache{}, jobService, testLogger()), storage
}

func jsonRequest(t *testing.T, method, target string, payload interface{}) *http.Request {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	req := httptest.NewRequest(method, target, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestStepsHandlerCreate(t *testing.T) {
	handler, storage := testAdminHandler(t)

	rec := httptest.NewRecorder()
	handler.StepsHandler(rec, jsonRequest(t, "POST", "/api/admin/steps", models.DynamicStep{
		Name:           "Simplify",
		Order:          10,
		Enabled:        true,
		PromptTemplate: "Vereinfache: {input_text}",
		ModelID:        "model_a",
	}))

	require.Equal(t, http.StatusCreated, rec.Code)
	body := decodeBody(t, rec)
	id := body["id"].(string)
	assert.NotEmpty(t, id)

	stored, err := storage.PipelineStorage().GetStep(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "Simplify", stored.Name)
}

func TestStepsHandlerRejectsDuplicateOrder(t *testing.T) {
	handler, _ := testAdminHandler(t)

	step := models.DynamicStep{
		Name:           "Simplify",
		Order:          10,
		Enabled:        true,
		PromptTemplate: "Vereinfache: {input_text}",
		ModelID:        "model_a",
	}
	rec := httptest.NewRecorder()
	handler.StepsHandler(rec, jsonRequest(t, "POST", "/api/admin/steps", step))
	require.Equal(t, http.StatusCreated, rec.Code)

	step.Name = "Other"
	rec = httptest.NewRecorder()
	handler.StepsHandler(rec, jsonRequest(t, "POST", "/api/admin/steps", step))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStepsHandlerRejectsInvalidStep(t *testing.T) {
	handler, _ := testAdminHandler(t)

	rec := httptest.NewRecorder()
	handler.StepsHandler(rec, jsonRequest(t, "POST", "/api/admin/steps", models.DynamicStep{
		Name:  "No prompt",
		Order: 10,
	}))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStepRoutesUpdateAndDelete(t *testing.T) {
	handler, storage := testAdminHandler(t)
	ctx := context.Background()

	require.NoError(t, storage.PipelineStorage().SaveStep(ctx, &models.DynamicStep{
		ID:             "s1",
		Name:           "Simplify",
		Order:          10,
		Enabled:        true,
		PromptTemplate: "Vereinfache: {input_text}",
		ModelID:        "model_a",
	}))

	rec := httptest.NewRecorder()
	handler.StepRoutesHandler(rec, jsonRequest(t, "PUT", "/api/admin/steps/s1", models.DynamicStep{
		Name:           "Simplify v2",
		Order:          10,
		Enabled:        true,
		PromptTemplate: "Vereinfache kurz: {input_text}",
		ModelID:        "model_a",
	}))
	require.Equal(t, http.StatusOK, rec.Code)

	stored, err := storage.PipelineStorage().GetStep(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "Simplify v2", stored.Name)

	rec = httptest.NewRecorder()
	handler.StepRoutesHandler(rec, httptest.NewRequest("DELETE", "/api/admin/steps/s1", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	_, err = storage.PipelineStorage().GetStep(ctx, "s1")
	assert.Error(t, err)
}

func TestStepRoutesUnknownStep(t *testing.T) {
	handler, _ := testAdminHandler(t)

	rec := httptest.NewRecorder()
	handler.StepRoutesHandler(rec, httptest.NewRequest("GET", "/api/admin/steps/unknown", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestClassRoutesSystemClassDeleteForbidden(t *testing.T) {
	handler, storage := testAdminHandler(t)
	ctx := context.Background()

	require.NoError(t, storage.PipelineStorage().SaveClass(ctx, &models.DocumentClass{
		ID:            "class_sys",
		ClassKey:      "SONSTIGES",
		DisplayName:   "Sonstiges Dokument",
		Enabled:       true,
		IsSystemClass: true,
	}))

	rec := httptest.NewRecorder()
	handler.ClassRoutesHandler(rec, httptest.NewRequest("DELETE", "/api/admin/classes/class_sys", nil))

	require.Equal(t, http.StatusForbidden, rec.Code)
	body := decodeBody(t, rec)
	errBody := body["error"].(map[string]interface{})
	assert.Equal(t, "FORBIDDEN", errBody["code"])

	_, err := storage.PipelineStorage().GetClass(ctx, "class_sys")
	assert.NoError(t, err)
}

func TestClassRoutesDeleteUserClass(t *testing.T) {
	handler, storage := testAdminHandler(t)
	ctx := context.Background()

	require.NoError(t, storage.PipelineStorage().SaveClass(ctx, &models.DocumentClass{
		ID:          "class_a",
		ClassKey:    "ARZTBRIEF",
		DisplayName: "Arztbrief",
		Enabled:     true,
	}))

	rec := httptest.NewRecorder()
	handler.ClassRoutesHandler(rec, httptest.NewRequest("DELETE", "/api/admin/classes/class_a", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	_, err := storage.PipelineStorage().GetClass(ctx, "class_a")
	assert.Error(t, err)
}

func TestClassRoutesPutPreservesSystemFlag(t *testing.T) {
	handler, storage := testAdminHandler(t)
	ctx := context.Background()

	require.NoError(t, storage.PipelineStorage().SaveClass(ctx, &models.DocumentClass{
		ID:            "class_sys",
		ClassKey:      "SONSTIGES",
		DisplayName:   "Sonstiges Dokument",
		Enabled:       true,
		IsSystemClass: true,
	}))

	rec := httptest.NewRecorder()
	handler.ClassRoutesHandler(rec, jsonRequest(t, "PUT", "/api/admin/classes/class_sys", models.DocumentClass{
		ClassKey:      "SONSTIGES",
		DisplayName:   "Sonstiges",
		Enabled:       true,
		IsSystemClass: false,
	}))
	require.Equal(t, http.StatusOK, rec.Code)

	stored, err := storage.PipelineStorage().GetClass(ctx, "class_sys")
	require.NoError(t, err)
	assert.True(t, stored.IsSystemClass)
	assert.Equal(t, "Sonstiges", stored.DisplayName)
}

func TestModelsHandlerCreateRejectsUnknownProvider(t *testing.T) {
	handler, _ := testAdminHandler(t)

	rec := httptest.NewRecorder()
	handler.ModelsHandler(rec, jsonRequest(t, "POST", "/api/admin/models", models.AvailableModel{
		Provider: "openai",
		Name:     "gpt-4",
	}))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOCRConfigHandlerUpdate(t *testing.T) {
	handler, storage := testAdminHandler(t)

	rec := httptest.NewRecorder()
	handler.OCRConfigHandler(rec, jsonRequest(t, "PUT", "/api/admin/ocr-config", models.OCRConfiguration{
		SelectedEngine:    models.EngineLocalOCR,
		PIIRemovalEnabled: true,
	}))
	require.Equal(t, http.StatusOK, rec.Code)

	stored, err := storage.OCRConfigStorage().GetActive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.EngineLocalOCR, stored.SelectedEngine)
	assert.Equal(t, models.ActiveOCRConfigID, stored.ID)
}

func TestOCRConfigHandlerRejectsUnknownEngine(t *testing.T) {
	handler, _ := testAdminHandler(t)

	rec := httptest.NewRecorder()
	handler.OCRConfigHandler(rec, jsonRequest(t, "PUT", "/api/admin/ocr-config", models.OCRConfiguration{
		SelectedEngine: "TESSERACT_CLOUD",
	}))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSettingsHandlerUpsertAndDelete(t *testing.T) {
	handler, storage := testAdminHandler(t)
	ctx := context.Background()

	rec := httptest.NewRecorder()
	handler.SettingsHandler(rec, jsonRequest(t, "POST", "/api/admin/settings", models.SystemSetting{
		Key:   "vision_llm_fallback_enabled",
		Value: "true",
	}))
	require.Equal(t, http.StatusOK, rec.Code)

	stored, err := storage.SettingStorage().GetSetting(ctx, "vision_llm_fallback_enabled")
	require.NoError(t, err)
	assert.Equal(t, "true", stored.Value)

	rec = httptest.NewRecorder()
	handler.SettingRoutesHandler(rec, httptest.NewRequest("DELETE", "/api/admin/settings/vision_llm_fallback_enabled", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	_, err = storage.SettingStorage().GetSetting(ctx, "vision_llm_fallback_enabled")
	assert.Error(t, err)
}

func TestSettingsHandlerRequiresKey(t *testing.T) {
	handler, _ := testAdminHandler(t)

	rec := httptest.NewRecorder()
	handler.SettingsHandler(rec, jsonRequest(t, "POST", "/api/admin/settings", models.SystemSetting{Value: "x"}))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCostAnalyticsAggregation(t *testing.T) {
	handler, storage := testAdminHandler(t)
	ctx := context.Background()

	model := &models.AvailableModel{ID: "model_a", Name: "claude-sonnet", InputCostPerMTok: 3.0, OutputCostPerMTok: 15.0}
	require.NoError(t, storage.CostStorage().SaveCost(ctx, models.NewCostLog("proc-1", "Simplify", model, 1_000_000, 0)))
	require.NoError(t, storage.CostStorage().SaveCost(ctx, models.NewCostLog("proc-1", "Translate", model, 0, 1_000_000)))

	rec := httptest.NewRecorder()
	handler.CostAnalyticsHandler(rec, httptest.NewRequest("GET", "/api/admin/analytics/costs", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, float64(2), body["calls"])
	assert.InDelta(t, 18.0, body["total_cost_usd"].(float64), 0.001)
	assert.Equal(t, float64(2_000_000), body["total_tokens"])

	byModel := body["cost_by_model"].(map[string]interface{})
	assert.InDelta(t, 18.0, byModel["claude-sonnet"].(float64), 0.001)
}

func TestCostAnalyticsRejectsInvalidWindow(t *testing.T) {
	handler, _ := testAdminHandler(t)

	rec := httptest.NewRecorder()
	handler.CostAnalyticsHandler(rec, httptest.NewRequest("GET", "/api/admin/analytics/costs?since=gestern", nil))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminCleanupHandler(t *testing.T) {
	handler, _ := testAdminHandler(t)

	rec := httptest.NewRecorder()
	handler.CleanupHandler(rec, httptest.NewRequest("POST", "/api/admin/cleanup", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "completed", body["status"])
	assert.Equal(t, float64(0), body["cleared"])
}
