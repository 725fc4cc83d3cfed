// -----------------------------------------------------------------------
// Feedback worker - runs the out-of-band quality analysis
// -----------------------------------------------------------------------

package workers

import (
	"context"
	"encoding/json"

	"github.com/ternarybob/arbor"

	"github.com/klartext-med/klartext/internal/common"
	"github.com/klartext-med/klartext/internal/models"
	"github.com/klartext-med/klartext/internal/services/feedback"
)

// FeedbackWorker handles analyze_feedback tasks.
type FeedbackWorker struct {
	analyzer *feedback.Analyzer
	logger   arbor.ILogger
}

// NewFeedbackWorker creates the analyze_feedback handler.
func NewFeedbackWorker(analyzer *feedback.Analyzer, logger arbor.ILogger) *FeedbackWorker {
	return &FeedbackWorker{
		analyzer: analyzer,
		logger:   logger,
	}
}

// Handle runs the analysis. Transient failures return an error so the
// message is redelivered; permanent ones are recorded on the analysis row
// and acked.
func (w *FeedbackWorker) Handle(ctx context.Context, msg *models.QueueMessage) error {
	var payload models.AnalyzeFeedbackPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		w.logger.Error().Err(err).Msg("Malformed analyze_feedback payload, dropping")
		return nil
	}

	if err := w.analyzer.Analyze(ctx, payload.FeedbackID); err != nil {
		if common.IsTransient(common.KindOf(err)) {
			return err
		}
		w.logger.Warn().Err(err).Str("feedback_id", payload.FeedbackID).Msg("Feedback analysis failed permanently")
	}
	return nil
}
