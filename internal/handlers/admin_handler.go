// -----------------------------------------------------------------------
// Admin handler - pipeline configuration CRUD, OCR config, settings,
// analytics and the manual cleanup trigger
// -----------------------------------------------------------------------

package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/ternarybob/arbor"

	"github.com/klartext-med/klartext/internal/common"
	"github.com/klartext-med/klartext/internal/interfaces"
	"github.com/klartext-med/klartext/internal/models"
	"github.com/klartext-med/klartext/internal/services/jobs"
)

// AdminHandler exposes the pipeline configuration surface. Every write
// invalidates the affected cache namespaces; the pipeline snapshot cache is
// invalidated on any change that feeds into job snapshots.
type AdminHandler struct {
	storage interfaces.StorageManager
	cache   interfaces.CacheService
	jobs    *jobs.Service
	logger  arbor.ILogger
}

// NewAdminHandler creates a new AdminHandler.
func NewAdminHandler(storage interfaces.StorageManager, cache interfaces.CacheService, jobService *jobs.Service, logger arbor.ILogger) *AdminHandler {
	return &AdminHandler{
		storage: storage,
		cache:   cache,
		jobs:    jobService,
		logger:  logger,
	}
}

// invalidateSnapshot drops the cached pipeline snapshot together with the
// changed resource namespace.
func (h *AdminHandler) invalidateSnapshot(r *http.Request, namespace string) {
	h.cache.InvalidateNamespace(r.Context(), namespace)
	if namespace != interfaces.CacheNamespacePipelineSteps {
		h.cache.InvalidateNamespace(r.Context(), interfaces.CacheNamespacePipelineSteps)
	}
}

// ---- Pipeline steps ----

// StepsHandler handles /api/admin/steps: GET lists, POST creates.
func (h *AdminHandler) StepsHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case "GET":
		steps, err := h.storage.PipelineStorage().ListSteps(r.Context(), false)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, steps)
	case "POST":
		var step models.DynamicStep
		if err := DecodeJSON(r, &step); err != nil {
			WriteError(w, err)
			return
		}
		if step.ID == "" {
			step.ID = uuid.New().String()
		}
		step.CreatedAt = time.Now().UTC()
		step.UpdatedAt = step.CreatedAt
		if err := h.saveStep(r, &step); err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, &step)
	default:
		RequireMethod(w, r, "GET")
	}
}

// StepRoutesHandler handles /api/admin/steps/{id}: GET, PUT, DELETE.
func (h *AdminHandler) StepRoutesHandler(w http.ResponseWriter, r *http.Request) {
	id := PathParam(r, "/api/admin/steps")
	if id == "" {
		WriteError(w, common.NewError(common.KindValidation, "missing step id"))
		return
	}

	switch r.Method {
	case "GET":
		step, err := h.storage.PipelineStorage().GetStep(r.Context(), id)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, step)
	case "PUT":
		existing, err := h.storage.PipelineStorage().GetStep(r.Context(), id)
		if err != nil {
			WriteError(w, err)
			return
		}
		var step models.DynamicStep
		if err := DecodeJSON(r, &step); err != nil {
			WriteError(w, err)
			return
		}
		step.ID = id
		step.CreatedAt = existing.CreatedAt
		step.UpdatedAt = time.Now().UTC()
		if err := h.saveStep(r, &step); err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, &step)
	case "DELETE":
		if err := h.storage.PipelineStorage().DeleteStep(r.Context(), id); err != nil {
			WriteError(w, err)
			return
		}
		h.invalidateSnapshot(r, interfaces.CacheNamespacePipelineSteps)
		WriteJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		RequireMethod(w, r, "GET")
	}
}

// saveStep validates the step in isolation and against the full pipeline
// before persisting.
func (h *AdminHandler) saveStep(r *http.Request, step *models.DynamicStep) error {
	if err := step.Validate(); err != nil {
		return common.WrapError(common.KindValidation, "invalid step", err)
	}

	all, err := h.storage.PipelineStorage().ListSteps(r.Context(), false)
	if err != nil {
		return err
	}
	merged := make([]models.DynamicStep, 0, len(all)+1)
	for _, s := range all {
		if s.ID != step.ID {
			merged = append(merged, *s)
		}
	}
	merged = append(merged, *step)
	if err := models.ValidatePipeline(merged); err != nil {
		return common.WrapError(common.KindValidation, "pipeline invariant violated", err)
	}

	if err := h.storage.PipelineStorage().SaveStep(r.Context(), step); err != nil {
		return err
	}
	h.invalidateSnapshot(r, interfaces.CacheNamespacePipelineSteps)
	h.logger.Info().Str("step_id", step.ID).Str("name", step.Name).Msg("Pipeline step saved")
	return nil
}

// ---- Document classes ----

// ClassesHandler handles /api/admin/classes: GET lists, POST creates.
func (h *AdminHandler) ClassesHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case "GET":
		classes, err := h.storage.PipelineStorage().ListClasses(r.Context(), false)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, classes)
	case "POST":
		var class models.DocumentClass
		if err := DecodeJSON(r, &class); err != nil {
			WriteError(w, err)
			return
		}
		if class.ID == "" {
			class.ID = uuid.New().String()
		}
		class.CreatedAt = time.Now().UTC()
		class.UpdatedAt = class.CreatedAt
		if err := class.Validate(); err != nil {
			WriteError(w, common.WrapError(common.KindValidation, "invalid document class", err))
			return
		}
		if err := h.storage.PipelineStorage().SaveClass(r.Context(), &class); err != nil {
			WriteError(w, err)
			return
		}
		h.invalidateSnapshot(r, interfaces.CacheNamespaceDocumentClasses)
		WriteJSON(w, http.StatusCreated, &class)
	default:
		RequireMethod(w, r, "GET")
	}
}

// ClassRoutesHandler handles /api/admin/classes/{id}: GET, PUT, DELETE.
// System classes cannot be deleted.
func (h *AdminHandler) ClassRoutesHandler(w http.ResponseWriter, r *http.Request) {
	id := PathParam(r, "/api/admin/classes")
	if id == "" {
		WriteError(w, common.NewError(common.KindValidation, "missing class id"))
		return
	}

	switch r.Method {
	case "GET":
		class, err := h.storage.PipelineStorage().GetClass(r.Context(), id)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, class)
	case "PUT":
		existing, err := h.storage.PipelineStorage().GetClass(r.Context(), id)
		if err != nil {
			WriteError(w, err)
			return
		}
		var class models.DocumentClass
		if err := DecodeJSON(r, &class); err != nil {
			WriteError(w, err)
			return
		}
		class.ID = id
		class.IsSystemClass = existing.IsSystemClass
		class.CreatedAt = existing.CreatedAt
		class.UpdatedAt = time.Now().UTC()
		if err := class.Validate(); err != nil {
			WriteError(w, common.WrapError(common.KindValidation, "invalid document class", err))
			return
		}
		if err := h.storage.PipelineStorage().SaveClass(r.Context(), &class); err != nil {
			WriteError(w, err)
			return
		}
		h.invalidateSnapshot(r, interfaces.CacheNamespaceDocumentClasses)
		WriteJSON(w, http.StatusOK, &class)
	case "DELETE":
		class, err := h.storage.PipelineStorage().GetClass(r.Context(), id)
		if err != nil {
			WriteError(w, err)
			return
		}
		if class.IsSystemClass {
			WriteError(w, common.NewError(common.KindForbidden, "system classes cannot be deleted").
				WithDetail("class_key", class.ClassKey))
			return
		}
		if err := h.storage.PipelineStorage().DeleteClass(r.Context(), id); err != nil {
			WriteError(w, err)
			return
		}
		h.invalidateSnapshot(r, interfaces.CacheNamespaceDocumentClasses)
		WriteJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		RequireMethod(w, r, "GET")
	}
}

// ---- Available models ----

// ModelsHandler handles /api/admin/models: GET lists, POST creates.
func (h *AdminHandler) ModelsHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case "GET":
		list, err := h.storage.PipelineStorage().ListModels(r.Context(), false)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, list)
	case "POST":
		var model models.AvailableModel
		if err := DecodeJSON(r, &model); err != nil {
			WriteError(w, err)
			return
		}
		if model.ID == "" {
			model.ID = uuid.New().String()
		}
		model.CreatedAt = time.Now().UTC()
		model.UpdatedAt = model.CreatedAt
		if err := model.Validate(); err != nil {
			WriteError(w, common.WrapError(common.KindValidation, "invalid model", err))
			return
		}
		if err := h.storage.PipelineStorage().SaveModel(r.Context(), &model); err != nil {
			WriteError(w, err)
			return
		}
		h.invalidateSnapshot(r, interfaces.CacheNamespaceAvailableModels)
		WriteJSON(w, http.StatusCreated, &model)
	default:
		RequireMethod(w, r, "GET")
	}
}

// ModelRoutesHandler handles /api/admin/models/{id}: GET, PUT, DELETE.
func (h *AdminHandler) ModelRoutesHandler(w http.ResponseWriter, r *http.Request) {
	id := PathParam(r, "/api/admin/models")
	if id == "" {
		WriteError(w, common.NewError(common.KindValidation, "missing model id"))
		return
	}

	switch r.Method {
	case "GET":
		model, err := h.storage.PipelineStorage().GetModel(r.Context(), id)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, model)
	case "PUT":
		existing, err := h.storage.PipelineStorage().GetModel(r.Context(), id)
		if err != nil {
			WriteError(w, err)
			return
		}
		var model models.AvailableModel
		if err := DecodeJSON(r, &model); err != nil {
			WriteError(w, err)
			return
		}
		model.ID = id
		model.CreatedAt = existing.CreatedAt
		model.UpdatedAt = time.Now().UTC()
		if err := model.Validate(); err != nil {
			WriteError(w, common.WrapError(common.KindValidation, "invalid model", err))
			return
		}
		if err := h.storage.PipelineStorage().SaveModel(r.Context(), &model); err != nil {
			WriteError(w, err)
			return
		}
		h.invalidateSnapshot(r, interfaces.CacheNamespaceAvailableModels)
		WriteJSON(w, http.StatusOK, &model)
	case "DELETE":
		if err := h.storage.PipelineStorage().DeleteModel(r.Context(), id); err != nil {
			WriteError(w, err)
			return
		}
		h.invalidateSnapshot(r, interfaces.CacheNamespaceAvailableModels)
		WriteJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		RequireMethod(w, r, "GET")
	}
}

// ---- OCR configuration ----

// OCRConfigHandler handles /api/admin/ocr-config: GET reads the active
// singleton, PUT replaces it.
func (h *AdminHandler) OCRConfigHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case "GET":
		config, err := h.storage.OCRConfigStorage().GetActive(r.Context())
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, config)
	case "PUT":
		var config models.OCRConfiguration
		if err := DecodeJSON(r, &config); err != nil {
			WriteError(w, err)
			return
		}
		switch config.SelectedEngine {
		case models.EngineLocalText, models.EngineLocalOCR, models.EngineVisionLLM, models.EngineHybrid:
		default:
			WriteError(w, common.NewError(common.KindValidation, "invalid OCR engine").
				WithDetail("selected_engine", string(config.SelectedEngine)))
			return
		}
		config.ID = models.ActiveOCRConfigID
		config.UpdatedAt = time.Now().UTC()
		if err := h.storage.OCRConfigStorage().SaveActive(r.Context(), &config); err != nil {
			WriteError(w, err)
			return
		}
		h.cache.InvalidateNamespace(r.Context(), interfaces.CacheNamespaceOCRConfig)
		h.logger.Info().Str("engine", string(config.SelectedEngine)).Msg("OCR configuration updated")
		WriteJSON(w, http.StatusOK, &config)
	default:
		RequireMethod(w, r, "GET")
	}
}

// ---- System settings ----

// SettingsHandler handles /api/admin/settings: GET lists, POST upserts.
func (h *AdminHandler) SettingsHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case "GET":
		settings, err := h.storage.SettingStorage().ListSettings(r.Context())
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, settings)
	case "POST":
		var setting models.SystemSetting
		if err := DecodeJSON(r, &setting); err != nil {
			WriteError(w, err)
			return
		}
		if setting.Key == "" {
			WriteError(w, common.NewError(common.KindValidation, "setting key is required"))
			return
		}
		setting.UpdatedAt = time.Now().UTC()
		if err := h.storage.SettingStorage().SaveSetting(r.Context(), &setting); err != nil {
			WriteError(w, err)
			return
		}
		h.cache.InvalidateNamespace(r.Context(), interfaces.CacheNamespaceSystemSettings)
		WriteJSON(w, http.StatusOK, &setting)
	default:
		RequireMethod(w, r, "GET")
	}
}

// SettingRoutesHandler handles /api/admin/settings/{key}: GET, DELETE.
func (h *AdminHandler) SettingRoutesHandler(w http.ResponseWriter, r *http.Request) {
	key := PathParam(r, "/api/admin/settings")
	if key == "" {
		WriteError(w, common.NewError(common.KindValidation, "missing setting key"))
		return
	}

	switch r.Method {
	case "GET":
		setting, err := h.storage.SettingStorage().GetSetting(r.Context(), key)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, setting)
	case "DELETE":
		if err := h.storage.SettingStorage().DeleteSetting(r.Context(), key); err != nil {
			WriteError(w, err)
			return
		}
		h.cache.InvalidateNamespace(r.Context(), interfaces.CacheNamespaceSystemSettings)
		WriteJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		RequireMethod(w, r, "GET")
	}
}

// ---- Analytics ----

// CostAnalyticsHandler handles GET /api/admin/analytics/costs?since=24h.
func (h *AdminHandler) CostAnalyticsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	window := 24 * time.Hour
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			WriteError(w, common.NewError(common.KindValidation, "invalid since window").
				WithDetail("since", raw))
			return
		}
		window = parsed
	}

	since := time.Now().Add(-window)
	costs, err := h.storage.CostStorage().ListCostsSince(r.Context(), since)
	if err != nil {
		WriteError(w, err)
		return
	}

	totalUSD := 0.0
	totalTokens := 0
	byModel := make(map[string]float64)
	for _, c := range costs {
		totalUSD += c.CostUSD
		totalTokens += c.TotalTokens
		byModel[c.ModelName] += c.CostUSD
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"since":          since,
		"calls":          len(costs),
		"total_cost_usd": totalUSD,
		"total_tokens":   totalTokens,
		"cost_by_model":  byModel,
	})
}

// FeedbackAnalyticsHandler handles GET /api/admin/analytics/feedback?limit=50.
// Each entry carries the quality-analysis report when one exists.
func (h *AdminHandler) FeedbackAnalyticsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}

	list, err := h.storage.FeedbackStorage().ListFeedback(r.Context(), limit)
	if err != nil {
		WriteError(w, err)
		return
	}

	type entry struct {
		Feedback *models.Feedback         `json:"feedback"`
		Analysis *models.FeedbackAnalysis `json:"analysis,omitempty"`
	}
	entries := make([]entry, 0, len(list))
	for _, f := range list {
		e := entry{Feedback: f}
		if analysis, err := h.storage.FeedbackStorage().GetAnalysisByProcessingID(r.Context(), f.ProcessingID); err == nil {
			e.Analysis = analysis
		}
		entries = append(entries, e)
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"count":   len(entries),
		"entries": entries,
	})
}

// ---- Maintenance ----

// CleanupHandler handles POST /api/admin/cleanup: runs the retention sweep
// immediately instead of waiting for the cron schedule.
func (h *AdminHandler) CleanupHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	cleared, err := h.jobs.CleanupExpired(r.Context())
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "completed",
		"cleared": cleared,
	})
}
