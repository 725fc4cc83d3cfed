// -----------------------------------------------------------------------
// Pipeline Executor - ordered step execution with branching, stop
// conditions, retry and cost accounting
// -----------------------------------------------------------------------

package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/klartext-med/klartext/internal/common"
	"github.com/klartext-med/klartext/internal/interfaces"
	"github.com/klartext-med/klartext/internal/models"
	"github.com/klartext-med/klartext/internal/resilience"
)

// Outcome is the executor's terminal verdict for a job.
type Outcome string

const (
	OutcomeCompleted  Outcome = "COMPLETED"
	OutcomeTerminated Outcome = "TERMINATED"
	OutcomeCancelled  Outcome = "CANCELLED"
)

// Result is what the executor hands back to the worker.
type Result struct {
	Outcome     Outcome
	Termination *models.TerminationInfo
}

// Executor runs a job's snapshotted pipeline end-to-end: one StepExecution
// row per attempt, progress updates on the job, a cost-log entry per billable
// call. Steps run in three bands: universal-pre, class-specific (selected by
// the branching step), universal-post.
type Executor struct {
	storage    interfaces.StorageManager
	llm        interfaces.LLMDispatcher
	pii        interfaces.PIIClient
	guidelines interfaces.GuidelineClient
	logger     arbor.ILogger
}

// NewExecutor creates the pipeline executor.
func NewExecutor(storage interfaces.StorageManager, llm interfaces.LLMDispatcher, pii interfaces.PIIClient, guidelines interfaces.GuidelineClient, logger arbor.ILogger) *Executor {
	return &Executor{
		storage:    storage,
		llm:        llm,
		pii:        pii,
		guidelines: guidelines,
		logger:     logger,
	}
}

// run-state for a single job execution
type run struct {
	job       *models.Job
	snapshot  *models.PipelineSnapshot
	context   Context
	pre       []models.DynamicStep
	byClass   map[string][]models.DynamicStep
	post      []models.DynamicStep
	selected  []models.DynamicStep // Class-specific steps of the chosen branch
	totalDone int
	lastOut   string
}

// Execute runs the pipeline for a RUNNING job whose OCR text was already
// extracted. It persists all step executions and job mutations; the returned
// Result tells the worker which terminal CAS to perform.
func (e *Executor) Execute(ctx context.Context, job *models.Job, ocrText string, ocrConfidence float64) (*Result, error) {
	if job.PipelineConfig == nil || len(job.PipelineConfig.Steps) == 0 {
		return nil, common.NewError(common.KindProcessing, "job has no pipeline snapshot")
	}

	r := &run{
		job:      job,
		snapshot: job.PipelineConfig,
		context:  NewContext(ocrText, job.Options.TargetLanguage),
	}
	e.splitBands(r)

	// Anonymize before any text reaches an external model
	inputText := ocrText
	if job.OCRConfig == nil || job.OCRConfig.PIIRemovalEnabled {
		cleaned, err := e.pii.RemovePII(ctx, ocrText, "de")
		if err != nil {
			return nil, common.WrapError(common.KindProcessing, "PII removal failed", err)
		}
		inputText = cleaned.CleanedText
	}
	r.context.Set(CtxOCRText, inputText)
	r.lastOut = inputText

	if err := e.updateJob(ctx, job.ProcessingID, func(j *models.Job) {
		j.OriginalText = inputText
		j.ConfidenceScore = ocrConfidence
		j.CurrentPhase = models.PhaseTranslating
	}); err != nil {
		return nil, err
	}

	// Universal-pre band, including the branching decision
	for i := range r.pre {
		result, err := e.runStep(ctx, r, &r.pre[i])
		if err != nil {
			return nil, err
		}
		if result != nil {
			return result, nil
		}
	}

	// Class-specific band
	for i := range r.selected {
		result, err := e.runStep(ctx, r, &r.selected[i])
		if err != nil {
			return nil, err
		}
		if result != nil {
			return result, nil
		}
	}

	// The main pipeline output before polish and language translation
	if err := e.updateJob(ctx, job.ProcessingID, func(j *models.Job) {
		j.TranslatedText = r.lastOut
	}); err != nil {
		return nil, err
	}

	// Universal-post band (best-effort polish, language translation)
	for i := range r.post {
		result, err := e.runStep(ctx, r, &r.post[i])
		if err != nil {
			return nil, err
		}
		if result != nil {
			return result, nil
		}
	}

	return &Result{Outcome: OutcomeCompleted}, nil
}

// splitBands partitions the snapshot's enabled steps into the three execution
// bands, each sorted by ascending order.
func (e *Executor) splitBands(r *run) {
	r.byClass = make(map[string][]models.DynamicStep)
	for _, step := range r.snapshot.Steps {
		if !step.Enabled {
			continue
		}
		switch {
		case step.DocumentClassID != "":
			r.byClass[step.DocumentClassID] = append(r.byClass[step.DocumentClassID], step)
		case step.PostBranching:
			r.post = append(r.post, step)
		default:
			r.pre = append(r.pre, step)
		}
	}
	byOrder := func(steps []models.DynamicStep) {
		sort.SliceStable(steps, func(i, j int) bool { return steps[i].Order < steps[j].Order })
	}
	byOrder(r.pre)
	byOrder(r.post)
	for _, steps := range r.byClass {
		byOrder(steps)
	}
}

// totalSteps is the denominator of the progress computation. Before branching
// the class-specific band size is unknown and counts as zero.
func (r *run) totalSteps() int {
	return len(r.pre) + len(r.selected) + len(r.post)
}

// runStep executes one step through the full per-step contract. A non-nil
// Result means the pipeline terminated early via a stop condition.
func (e *Executor) runStep(ctx context.Context, r *run, step *models.DynamicStep) (*Result, error) {
	// Cancellation is cooperative between steps
	if err := ctx.Err(); err != nil {
		return nil, common.WrapError(common.KindTimeout, "job deadline exceeded", err)
	}
	if e.cancelRequested(ctx, r.job.ProcessingID) {
		e.logger.Info().
			Str("processing_id", r.job.ProcessingID).
			Str("step", step.Name).
			Msg("Cancel requested, stopping pipeline before step")
		return &Result{Outcome: OutcomeCancelled}, nil
	}

	exec := models.NewStepExecution(r.job.ProcessingID, step)

	// 1. Required context variables: missing or empty records SKIPPED
	if missing, ok := r.context.HasAll(step.RequiredContextVariables); !ok {
		exec.Status = models.StepStatusSkipped
		exec.SetMetadata("skip_reason", fmt.Sprintf("missing context variable %q", missing))
		if err := e.storage.StepExecutionStorage().SaveExecution(ctx, exec); err != nil {
			return nil, err
		}
		e.logger.Info().
			Str("processing_id", r.job.ProcessingID).
			Str("step", step.Name).
			Str("missing", missing).
			Msg("Step skipped")
		r.totalDone++
		return nil, e.reportProgress(ctx, r, step)
	}

	// 2. Prompt substitution
	inputText := r.context.Get(CtxOCRText)
	if step.InputFromPreviousStep {
		inputText = r.lastOut
	}
	prompt, err := r.context.Substitute(step.PromptTemplate, inputText)
	if err != nil {
		return nil, e.failStep(ctx, r, step, exec, common.WrapError(common.KindProcessing, "prompt substitution failed", err))
	}
	exec.InputText = inputText
	exec.PromptUsed = prompt

	// 3. Model lookup and dispatch
	model, ok := r.snapshot.ModelByID(step.ModelID)
	if !ok {
		return nil, e.failStep(ctx, r, step, exec,
			common.NewError(common.KindProcessing, "step references unknown model").WithDetail("model_id", step.ModelID))
	}

	started := time.Now()
	resp, attempts, err := e.dispatch(ctx, step, model, prompt)
	exec.ExecutionTimeMS = time.Since(started).Milliseconds()
	if attempts > 0 {
		exec.RetryCount = attempts - 1
	}
	if err != nil {
		// 5. Failure semantics: required fails the job, best-effort continues
		return nil, e.failStep(ctx, r, step, exec, err)
	}

	// 4. Persist output, tokens, cost; update context
	output := strings.TrimSpace(resp.Text)
	exec.Status = models.StepStatusCompleted
	exec.OutputText = output
	exec.ModelUsed = resp.Model
	exec.InputTokens = resp.InputTokens
	exec.OutputTokens = resp.OutputTokens
	exec.TotalTokens = resp.TotalTokens

	if step.IsBranchingStep {
		e.applyBranching(ctx, r, step, exec, output)
	}

	if err := e.storage.StepExecutionStorage().SaveExecution(ctx, exec); err != nil {
		return nil, err
	}
	if err := e.recordCost(ctx, r.job.ProcessingID, step.Name, model, resp); err != nil {
		e.logger.Warn().Err(err).Str("step", step.Name).Msg("Failed to record cost")
	}

	r.lastOut = output
	r.context.Set(stepContextKey(step.Name), output)
	r.totalDone++

	// 6. Stop conditions convert the output into an early successful exit
	if step.StopConditions != nil {
		if matched, hit := step.StopConditions.Matches(output); hit {
			termination := &models.TerminationInfo{
				Reason:       step.StopConditions.Reason,
				Message:      step.StopConditions.Message,
				Step:         step.Name,
				MatchedValue: matched,
			}
			e.logger.Info().
				Str("processing_id", r.job.ProcessingID).
				Str("step", step.Name).
				Str("matched_value", matched).
				Msg("Stop condition matched, terminating pipeline")
			// The terminating step counts toward the published progress
			if err := e.reportProgress(ctx, r, step); err != nil {
				return nil, err
			}
			return &Result{Outcome: OutcomeTerminated, Termination: termination}, nil
		}
	}

	return nil, e.reportProgress(ctx, r, step)
}

// dispatch sends the prompt to the model's provider, honoring the step's
// sampling parameters and retry policy. The returned count is the number of
// attempts actually consumed.
func (e *Executor) dispatch(ctx context.Context, step *models.DynamicStep, model *models.AvailableModel, prompt string) (*interfaces.CompletionResponse, int, error) {
	req := &interfaces.CompletionRequest{
		Messages:    []interfaces.Message{{Role: "user", Content: prompt}},
		ModelName:   model.Name,
		Temperature: step.Temperature,
		MaxTokens:   step.MaxTokens,
	}

	if !step.RetryOnFailure {
		resp, err := e.llm.CompleteWithModel(ctx, string(model.Provider), req)
		return resp, 1, err
	}

	policy := policyByName(step.RetryPolicy)
	if step.MaxRetries > 0 {
		policy.MaxAttempts = step.MaxRetries + 1
	}

	var resp *interfaces.CompletionResponse
	attempts := 0
	err := resilience.Retry(ctx, policy, e.logger, "step_"+step.Name, func() error {
		attempts++
		var callErr error
		resp, callErr = e.llm.CompleteWithModel(ctx, string(model.Provider), req)
		return callErr
	})
	return resp, attempts, err
}

// cancelRequested polls the job's cooperative cancel flag. A read failure
// never cancels the run.
func (e *Executor) cancelRequested(ctx context.Context, processingID string) bool {
	job, err := e.storage.JobStorage().GetJob(ctx, processingID)
	if err != nil {
		return false
	}
	return job.CancelRequested
}

// applyBranching parses the branching decision from the step output and
// selects the class-specific band. JSON output is tried first; a bare token
// on the last line is the fallback.
func (e *Executor) applyBranching(ctx context.Context, r *run, step *models.DynamicStep, exec *models.StepExecution, output string) {
	classKey := extractBranchValue(output, step.BranchingField)
	exec.SetMetadata("branching_raw_output", output)
	exec.SetMetadata("branching_value", classKey)

	class, ok := r.snapshot.ClassByKey(classKey)
	if !ok {
		e.logger.Warn().
			Str("processing_id", r.job.ProcessingID).
			Str("value", classKey).
			Msg("Branching value matches no document class, skipping class band")
		exec.SetMetadata("branching_matched", false)
		return
	}

	exec.SetMetadata("branching_matched", true)
	r.selected = r.byClass[class.ID]
	r.context.Set(CtxDocumentClass, class.ClassKey)

	if err := e.updateJob(ctx, r.job.ProcessingID, func(j *models.Job) {
		j.DocumentTypeDetected = class.ClassKey
		j.BranchingPath = class.ClassKey
	}); err != nil {
		e.logger.Warn().Err(err).Msg("Failed to record branching decision on job")
	}

	e.fetchGuidelines(ctx, r)
}

// fetchGuidelines resolves the {guidelines} context variable when a
// remaining step needs it. Best-effort: a RAG failure leaves the variable
// unset and the dependent step records SKIPPED.
func (e *Executor) fetchGuidelines(ctx context.Context, r *run) {
	needed := false
	for _, step := range append(append([]models.DynamicStep{}, r.selected...), r.post...) {
		if strings.Contains(step.PromptTemplate, "{"+CtxGuidelines+"}") || containsString(step.RequiredContextVariables, CtxGuidelines) {
			needed = true
			break
		}
	}
	if !needed {
		return
	}

	answer, err := e.guidelines.Query(ctx, r.lastOut, r.job.Options.TargetLanguage)
	if err != nil {
		e.logger.Warn().Err(err).Str("processing_id", r.job.ProcessingID).Msg("Guideline query failed")
		return
	}
	if answer != "" {
		r.context.Set(CtxGuidelines, answer)
	}
}

// extractBranchValue pulls the branching decision out of the step output.
func extractBranchValue(output, field string) string {
	// JSON first: the output may be a JSON object carrying the field
	trimmed := strings.TrimSpace(output)
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	trimmed = strings.TrimSpace(trimmed)

	var parsed map[string]interface{}
	if err := json.Unmarshal([]byte(trimmed), &parsed); err == nil {
		if value, ok := parsed[field].(string); ok {
			return strings.ToUpper(strings.TrimSpace(value))
		}
	}

	// Fallback: a bare token on the last non-empty line
	lines := strings.Split(trimmed, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line != "" {
			return strings.ToUpper(strings.Trim(line, `"'.`))
		}
	}
	return ""
}

// failStep persists the FAILED execution row and applies the step's failure
// semantics. Best-effort steps let the pipeline continue with the previous
// output; required steps fail the job.
func (e *Executor) failStep(ctx context.Context, r *run, step *models.DynamicStep, exec *models.StepExecution, cause error) error {
	exec.Status = models.StepStatusFailed
	exec.ErrorMessage = cause.Error()
	if err := e.storage.StepExecutionStorage().SaveExecution(ctx, exec); err != nil {
		e.logger.Error().Err(err).Str("step", step.Name).Msg("Failed to persist failed execution")
	}

	if step.IsBestEffort() {
		e.logger.Warn().Err(cause).
			Str("processing_id", r.job.ProcessingID).
			Str("step", step.Name).
			Msg("Best-effort step failed, continuing with previous output")
		r.totalDone++
		if err := e.reportProgress(ctx, r, step); err != nil {
			return err
		}
		return nil
	}

	return common.WrapError(common.KindProcessing, fmt.Sprintf("step %q failed", step.Name), cause).
		WithDetail("error_step", step.Name)
}

// reportProgress writes floor(100*done/total) and the coarse phase onto the
// job row.
func (e *Executor) reportProgress(ctx context.Context, r *run, step *models.DynamicStep) error {
	total := r.totalSteps()
	if total == 0 {
		return nil
	}
	percent := 100 * r.totalDone / total
	if percent > 100 {
		percent = 100
	}

	phase := models.PhaseTranslating
	if step.PostBranching && containsString(step.RequiredContextVariables, CtxTargetLanguage) {
		phase = models.PhaseLanguageTranslating
	}

	return e.updateJob(ctx, r.job.ProcessingID, func(j *models.Job) {
		// The denominator grows when branching selects the class band, so the
		// raw percent can shrink mid-run; the published value never does
		if percent > j.ProgressPercent {
			j.ProgressPercent = percent
		}
		j.CurrentPhase = phase
		if step.PostBranching {
			if containsString(step.RequiredContextVariables, CtxTargetLanguage) {
				j.LanguageTranslatedText = r.lastOut
			} else {
				j.TranslatedText = r.lastOut
			}
		}
	})
}

func (e *Executor) recordCost(ctx context.Context, processingID, stepName string, model *models.AvailableModel, resp *interfaces.CompletionResponse) error {
	cost := models.NewCostLog(processingID, stepName, model, resp.InputTokens, resp.OutputTokens)
	return e.storage.CostStorage().SaveCost(ctx, cost)
}

func (e *Executor) updateJob(ctx context.Context, processingID string, mutate func(*models.Job)) error {
	return e.storage.JobStorage().UpdateJob(ctx, processingID, mutate)
}

// policyByName resolves a step's named retry preset.
func policyByName(name string) resilience.RetryPolicy {
	switch name {
	case "aggressive":
		return resilience.PolicyAggressive
	case "conservative":
		return resilience.PolicyConservative
	case "api":
		return resilience.PolicyAPI
	case "database":
		return resilience.PolicyDatabase
	default:
		return resilience.PolicyDefault
	}
}

// stepContextKey derives the context variable name a step's output is stored
// under: lowercased, spaces become underscores.
func stepContextKey(stepName string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(stepName)), " ", "_")
}

func containsString(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
