// -----------------------------------------------------------------------
// Feedback handler - rate-limited submission, existence check, cleanup
// -----------------------------------------------------------------------

package handlers

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/klartext-med/klartext/internal/common"
	"github.com/klartext-med/klartext/internal/services/feedback"
	"github.com/klartext-med/klartext/internal/services/jobs"
)

// FeedbackHandler handles feedback submission and the best-effort cleanup
// endpoint. Submissions are rate-limited per client IP.
type FeedbackHandler struct {
	feedback *feedback.Service
	jobs     *jobs.Service
	logger   arbor.ILogger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// NewFeedbackHandler creates a new FeedbackHandler. ratePerMinute bounds
// submissions per IP; zero falls back to 10.
func NewFeedbackHandler(feedbackService *feedback.Service, jobService *jobs.Service, ratePerMinute int, logger arbor.ILogger) *FeedbackHandler {
	if ratePerMinute <= 0 {
		ratePerMinute = 10
	}
	return &FeedbackHandler{
		feedback: feedbackService,
		jobs:     jobService,
		logger:   logger,
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Every(time.Minute / time.Duration(ratePerMinute)),
		burst:    ratePerMinute,
	}
}

// limiterFor returns the per-IP token bucket, creating it on first sight.
func (h *FeedbackHandler) limiterFor(ip string) *rate.Limiter {
	h.mu.Lock()
	defer h.mu.Unlock()
	limiter, ok := h.limiters[ip]
	if !ok {
		limiter = rate.NewLimiter(h.limit, h.burst)
		h.limiters[ip] = limiter
	}
	return limiter
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// SubmitHandler handles POST /api/feedback.
func (h *FeedbackHandler) SubmitHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	ip := clientIP(r)
	if !h.limiterFor(ip).Allow() {
		WriteError(w, common.NewError(common.KindRateLimit, "too many feedback submissions").
			WithDetail("retry_after_seconds", 60))
		return
	}

	var sub feedback.Submission
	if err := DecodeJSON(r, &sub); err != nil {
		WriteError(w, err)
		return
	}

	stored, err := h.feedback.Submit(r.Context(), &sub)
	if err != nil {
		WriteError(w, err)
		return
	}

	WriteJSON(w, http.StatusCreated, map[string]interface{}{
		"feedback_id":   stored.ID,
		"processing_id": stored.ProcessingID,
		"consent":       stored.DataConsentGiven,
	})
}

// ExistsHandler handles GET /api/feedback/{processing_id}.
func (h *FeedbackHandler) ExistsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	processingID := PathParam(r, "/api/feedback")
	if processingID == "" {
		WriteError(w, common.NewError(common.KindValidation, "missing processing id"))
		return
	}

	exists, err := h.feedback.Exists(r.Context(), processingID)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"processing_id": processingID,
		"exists":        exists,
	})
}

// CleanupHandler handles POST /api/feedback/cleanup/{processing_id}. Invoked
// when a user leaves without submitting feedback; clearing is idempotent.
func (h *FeedbackHandler) CleanupHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	processingID := PathParam(r, "/api/feedback/cleanup")
	if processingID == "" {
		WriteError(w, common.NewError(common.KindValidation, "missing processing id"))
		return
	}

	if err := h.jobs.ClearContent(r.Context(), processingID); err != nil {
		WriteError(w, err)
		return
	}

	h.logger.Info().Str("processing_id", processingID).Msg("Content cleared via cleanup endpoint")
	WriteJSON(w, http.StatusOK, map[string]string{
		"processing_id": processingID,
		"status":        "cleared",
	})
}
