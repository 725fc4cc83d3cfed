// -----------------------------------------------------------------------
// Feedback analyzer - out-of-band LLM quality report for consented jobs
// -----------------------------------------------------------------------

package feedback

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ternarybob/arbor"

	"github.com/klartext-med/klartext/internal/common"
	"github.com/klartext-med/klartext/internal/interfaces"
	"github.com/klartext-med/klartext/internal/models"
)

// Analyzer produces the post-hoc quality report for a consented, completed
// job: reconstructs the job's texts, prompts the configured LLM for a JSON
// report and persists the parsed result with its own cost entry.
type Analyzer struct {
	storage interfaces.StorageManager
	llm     interfaces.LLMDispatcher
	config  *common.Config
	logger  arbor.ILogger
}

// NewAnalyzer creates the feedback analyzer.
func NewAnalyzer(storage interfaces.StorageManager, llm interfaces.LLMDispatcher, config *common.Config, logger arbor.ILogger) *Analyzer {
	return &Analyzer{
		storage: storage,
		llm:     llm,
		config:  config,
		logger:  logger,
	}
}

const analysisPromptTemplate = `Du bist ein Qualitätsprüfer für medizinische Dokumentübersetzungen.
Prüfe die folgenden drei Texte und antworte ausschließlich mit einem JSON-Objekt
mit den Feldern: pii_leaks (Liste von Strings), translation_issues (Liste von
Strings), recommendations (Liste von Strings), overall_score (Zahl 0-10).

=== ANONYMISIERTER AUSGANGSTEXT ===
%s

=== ÜBERSETZUNG (EINFACHE SPRACHE) ===
%s

=== ZIELSPRACHEN-ÜBERSETZUNG ===
%s

Nutzerbewertung: %d/5. Kommentar: %s`

type qualityReport struct {
	PIILeaks          []string `json:"pii_leaks"`
	TranslationIssues []string `json:"translation_issues"`
	Recommendations   []string `json:"recommendations"`
	OverallScore      float64  `json:"overall_score"`
}

// Analyze runs the quality analysis for a stored feedback row. A job whose
// content was cleared before the task ran is recorded as SKIPPED, not failed.
func (a *Analyzer) Analyze(ctx context.Context, feedbackID string) error {
	feedback, err := a.storage.FeedbackStorage().GetFeedback(ctx, feedbackID)
	if err != nil {
		return err
	}
	job, err := a.storage.JobStorage().GetJob(ctx, feedback.ProcessingID)
	if err != nil {
		return err
	}

	analysis := &models.FeedbackAnalysis{
		ID:           uuid.New().String(),
		FeedbackID:   feedback.ID,
		ProcessingID: feedback.ProcessingID,
		CreatedAt:    time.Now().UTC(),
	}

	if job.ContentClearedAt != nil || strings.TrimSpace(job.OriginalText) == "" {
		analysis.Status = models.AnalysisStatusSkipped
		analysis.ErrorMessage = "job content cleared before analysis"
		a.logger.Info().Str("processing_id", feedback.ProcessingID).Msg("Feedback analysis skipped, content cleared")
		return a.storage.FeedbackStorage().SaveAnalysis(ctx, analysis)
	}

	original, translated, languageTranslated := a.reconstructTexts(ctx, job)
	prompt := fmt.Sprintf(analysisPromptTemplate,
		truncate(original, 8000),
		truncate(translated, 8000),
		truncate(languageTranslated, 8000),
		feedback.OverallRating,
		feedback.Comment,
	)

	provider, model := a.analysisModel(job)
	resp, err := a.llm.CompleteWithModel(ctx, provider, &interfaces.CompletionRequest{
		Messages:  []interfaces.Message{{Role: "user", Content: prompt}},
		ModelName: model.Name,
		MaxTokens: 4096,
	})
	if err != nil {
		analysis.Status = models.AnalysisStatusFailed
		analysis.ErrorMessage = err.Error()
		if saveErr := a.storage.FeedbackStorage().SaveAnalysis(ctx, analysis); saveErr != nil {
			return saveErr
		}
		return err
	}

	report, err := parseReport(resp.Text)
	if err != nil {
		analysis.Status = models.AnalysisStatusFailed
		analysis.ErrorMessage = err.Error()
		return a.storage.FeedbackStorage().SaveAnalysis(ctx, analysis)
	}

	analysis.Status = models.AnalysisStatusCompleted
	analysis.PIILeaks = report.PIILeaks
	analysis.TranslationIssues = report.TranslationIssues
	analysis.Recommendations = report.Recommendations
	analysis.OverallScore = report.OverallScore
	analysis.ModelUsed = resp.Model

	if err := a.storage.FeedbackStorage().SaveAnalysis(ctx, analysis); err != nil {
		return err
	}

	cost := models.NewCostLog(feedback.ProcessingID, "feedback_analysis", model, resp.InputTokens, resp.OutputTokens)
	if err := a.storage.CostStorage().SaveCost(ctx, cost); err != nil {
		a.logger.Warn().Err(err).Msg("Failed to record analysis cost")
	}

	a.logger.Info().
		Str("processing_id", feedback.ProcessingID).
		Float64("overall_score", report.OverallScore).
		Int("pii_leaks", len(report.PIILeaks)).
		Msg("Feedback analysis completed")
	return nil
}

// reconstructTexts rebuilds the three analysis inputs. The job row is the
// primary source; step executions fill gaps when a text was not promoted to
// the job.
func (a *Analyzer) reconstructTexts(ctx context.Context, job *models.Job) (string, string, string) {
	original := job.OriginalText
	translated := job.TranslatedText
	languageTranslated := job.LanguageTranslatedText

	if translated == "" {
		if execs, err := a.storage.StepExecutionStorage().GetExecutions(ctx, job.ProcessingID); err == nil {
			for i := len(execs) - 1; i >= 0; i-- {
				if execs[i].Status == models.StepStatusCompleted && execs[i].OutputText != "" {
					translated = execs[i].OutputText
					break
				}
			}
		}
	}
	return original, translated, languageTranslated
}

// analysisModel picks the model for the quality report: the default
// provider's cheapest enabled model from the job's snapshot, falling back to
// the configured default model name.
func (a *Analyzer) analysisModel(job *models.Job) (string, *models.AvailableModel) {
	provider := a.config.LLM.DefaultProvider
	if job.PipelineConfig != nil {
		var best *models.AvailableModel
		for i := range job.PipelineConfig.Models {
			m := &job.PipelineConfig.Models[i]
			if string(m.Provider) != provider || !m.Enabled {
				continue
			}
			if best == nil || m.InputCostPerMTok < best.InputCostPerMTok {
				best = m
			}
		}
		if best != nil {
			return provider, best
		}
	}

	name := a.config.Claude.Model
	if provider == "gemini" {
		name = a.config.Gemini.Model
	}
	return provider, &models.AvailableModel{
		ID:       "config_default",
		Provider: models.ModelProvider(provider),
		Name:     name,
	}
}

// parseReport extracts the JSON quality report, tolerating code fences.
func parseReport(text string) (*qualityReport, error) {
	trimmed := strings.TrimSpace(text)
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	trimmed = strings.TrimSpace(trimmed)

	// Cut to the outermost JSON object when the model added prose around it
	if start := strings.IndexByte(trimmed, '{'); start >= 0 {
		if end := strings.LastIndexByte(trimmed, '}'); end > start {
			trimmed = trimmed[start : end+1]
		}
	}

	var report qualityReport
	if err := json.Unmarshal([]byte(trimmed), &report); err != nil {
		return nil, fmt.Errorf("analysis response is not valid JSON: %w", err)
	}
	return &report, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "\n[gekürzt]"
}
