// -----------------------------------------------------------------------
// Job handler - upload intake, process control, status and result reads
// -----------------------------------------------------------------------

package handlers

import (
	"io"
	"net/http"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/klartext-med/klartext/internal/common"
	"github.com/klartext-med/klartext/internal/models"
	"github.com/klartext-med/klartext/internal/services/jobs"
)

// JobHandler handles the public document-processing surface: upload, enqueue,
// status polling and result retrieval.
type JobHandler struct {
	jobs   *jobs.Service
	config *common.Config
	logger arbor.ILogger
}

// NewJobHandler creates a new JobHandler.
func NewJobHandler(jobService *jobs.Service, config *common.Config, logger arbor.ILogger) *JobHandler {
	return &JobHandler{
		jobs:   jobService,
		config: config,
		logger: logger,
	}
}

// UploadHandler handles POST /api/upload. Accepts a multipart "file" part and
// returns the created PENDING job.
func (h *JobHandler) UploadHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	// The parser spools anything above the memory limit to disk; the size
	// gate itself lives in the job service
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		WriteError(w, common.WrapError(common.KindValidation, "invalid multipart request", err))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		WriteError(w, common.NewError(common.KindValidation, "missing file field"))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, h.config.Processing.MaxFileSizeBytes+1))
	if err != nil {
		WriteError(w, common.WrapError(common.KindValidation, "failed to read upload", err))
		return
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}

	job, err := h.jobs.CreateJob(r.Context(), header.Filename, contentType, data)
	if err != nil {
		WriteError(w, err)
		return
	}

	WriteJSON(w, http.StatusCreated, map[string]interface{}{
		"processing_id": job.ProcessingID,
		"filename":      job.Filename,
		"file_type":     string(job.FileClass),
		"file_size":     job.FileSize,
		"status":        string(job.Status),
	})
}

// processRequest is the body of POST /api/process/{id}.
type processRequest struct {
	TargetLanguage string `json:"target_language,omitempty"`
}

// ProcessRoutesHandler dispatches /api/process/{id}, /api/process/{id}/status,
// /api/process/{id}/result and /api/process/active.
func (h *JobHandler) ProcessRoutesHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/process"), "/")
	if rest == "active" {
		h.activeHandler(w, r)
		return
	}

	parts := strings.SplitN(rest, "/", 2)
	processingID := parts[0]
	if processingID == "" {
		WriteError(w, common.NewError(common.KindValidation, "missing processing id"))
		return
	}

	if len(parts) == 1 {
		h.enqueueHandler(w, r, processingID)
		return
	}

	switch parts[1] {
	case "status":
		h.statusHandler(w, r, processingID)
	case "result":
		h.resultHandler(w, r, processingID)
	case "cancel":
		h.cancelHandler(w, r, processingID)
	default:
		WriteError(w, common.NewError(common.KindNotFound, "unknown process route"))
	}
}

// enqueueHandler handles POST /api/process/{id}.
func (h *JobHandler) enqueueHandler(w http.ResponseWriter, r *http.Request, processingID string) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	var req processRequest
	if r.ContentLength > 0 {
		if err := DecodeJSON(r, &req); err != nil {
			WriteError(w, err)
			return
		}
	}

	taskID, err := h.jobs.Enqueue(r.Context(), processingID, models.ProcessingOptions{
		TargetLanguage: req.TargetLanguage,
	})
	if err != nil {
		WriteError(w, err)
		return
	}

	WriteJSON(w, http.StatusAccepted, map[string]string{
		"processing_id": processingID,
		"task_id":       taskID,
		"status":        "queued",
	})
}

// cancelHandler handles POST /api/process/{id}/cancel. A job not yet picked
// up cancels immediately; a running job stops cooperatively between steps.
func (h *JobHandler) cancelHandler(w http.ResponseWriter, r *http.Request, processingID string) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	status, err := h.jobs.Cancel(r.Context(), processingID)
	if err != nil {
		WriteError(w, err)
		return
	}

	if status == models.JobStatusCancelled {
		WriteJSON(w, http.StatusOK, map[string]string{
			"processing_id": processingID,
			"status":        "cancelled",
		})
		return
	}
	WriteJSON(w, http.StatusAccepted, map[string]string{
		"processing_id": processingID,
		"status":        "cancelling",
	})
}

// statusHandler handles GET /api/process/{id}/status.
func (h *JobHandler) statusHandler(w http.ResponseWriter, r *http.Request, processingID string) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	view, err := h.jobs.GetStatus(r.Context(), processingID)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, view)
}

// resultHandler handles GET /api/process/{id}/result. A job still in flight
// yields 409 so clients keep polling the status route.
func (h *JobHandler) resultHandler(w http.ResponseWriter, r *http.Request, processingID string) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	bundle, err := h.jobs.GetResult(r.Context(), processingID)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, bundle)
}

// activeHandler handles GET /api/process/active.
func (h *JobHandler) activeHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	views, err := h.jobs.ListActive(r.Context())
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"count": len(views),
		"jobs":  views,
	})
}
