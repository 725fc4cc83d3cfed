package pipeline

import (
	"context"
	"errors"
	"strings"
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

// fakeDispatcher answers by prompt prefix. The reply func sees the rendered
// prompt, so tests can assert on substitution results.
type fakeDispatcher struct {
	calls   []string
	replies map[string]string
	errOn   string
}

func (f *fakeDispatcher) CompleteWithModel(ctx context.Context, provider string, req *interfaces.CompletionRequest) (*interfaces.CompletionResponse, error) {
	prompt := req.Messages[0].Content
	f.calls = append(f.calls, prompt)

	for marker, reply := range f.replies {
		if strings.Contains(prompt, marker) {
			if f.errOn == marker {
				return nil, common.NewError(common.KindUnavailable, "model unavailable")
			}
			return &interfaces.CompletionResponse{
				Text:         reply,
				Model:        req.ModelName,
				InputTokens:  100,
				OutputTokens: 50,
				TotalTokens:  150,
			}, nil
		}
	}
	return nil, errors.New("no reply configured for prompt")
}

func (f *fakeDispatcher) HealthCheck(ctx context.Context) error { return nil }

type fakePII struct{ called bool }

func (f *fakePII) RemovePII(ctx context.Context, text, language string) (*interfaces.PIIResult, error) {
	f.called = true
	return &interfaces.PIIResult{CleanedText: "[ANONYM] " + text}, nil
}

func (f *fakePII) HealthCheck(ctx context.Context) error { return nil }

type fakeGuidelines struct{ answer string }

func (f *fakeGuidelines) Query(ctx context.Context, query, targetLanguage string) (string, error) {
	if f.answer == "" {
		return "", common.NewError(common.KindUnavailable, "rag down")
	}
	return f.answer, nil
}

func (f *fakeGuidelines) HealthCheck(ctx context.Context) error { return nil }

// testSnapshot builds a minimal runnable pipeline: validation with a stop
// condition, a branching classification step, one class-specific simplify
// step per class, and a best-effort post-branching language step.
func testSnapshot() *models.PipelineSnapshot {
	now := time.Now().UTC()
	return &models.PipelineSnapshot{
		TakenAt: now,
		Models: []models.AvailableModel{
			{ID: "model_a", Provider: models.ProviderGemini, Name: "gemini-flash", InputCostPerMTok: 0.30, OutputCostPerMTok: 2.50, Enabled: true},
			{ID: "model_b", Provider: models.ProviderClaude, Name: "claude-sonnet", InputCostPerMTok: 3.0, OutputCostPerMTok: 15.0, Enabled: true},
		},
		Classes: []models.DocumentClass{
			{ID: "class_arztbrief", ClassKey: "ARZTBRIEF", Enabled: true},
			{ID: "class_laborbericht", ClassKey: "LABORBERICHT", Enabled: true},
		},
		Steps: []models.DynamicStep{
			{
				ID: "s_validate", Name: "Validation", Order: 10, Enabled: true,
				PromptTemplate: "VALIDATE: {input_text}", ModelID: "model_a",
				StopConditions: &models.StopCondition{
					StopOnValues: []string{"NICHT_MEDIZINISCH"},
					Reason:       "Non-medical content detected",
					Message:      "Das Dokument enthält keinen medizinischen Inhalt.",
				},
			},
			{
				ID: "s_classify", Name: "Classification", Order: 20, Enabled: true,
				PromptTemplate: "CLASSIFY: {input_text}", ModelID: "model_a",
				IsBranchingStep: true, BranchingField: "document_class", OutputFormat: "json",
			},
			{
				ID: "s_arztbrief", Name: "Simplify Arztbrief", Order: 30, Enabled: true,
				PromptTemplate: "SIMPLIFY_BRIEF: {input_text}", ModelID: "model_b",
				DocumentClassID: "class_arztbrief",
			},
			{
				ID: "s_labor", Name: "Simplify Labor", Order: 31, Enabled: true,
				PromptTemplate: "SIMPLIFY_LAB: {input_text}", ModelID: "model_b",
				DocumentClassID: "class_laborbericht",
			},
			{
				ID: "s_language", Name: "Language", Order: 40, Enabled: true,
				PromptTemplate: "TRANSLATE to {target_language}: {input_text}", ModelID: "model_a",
				PostBranching: true, InputFromPreviousStep: true,
				RequiredContextVariables: []string{CtxTargetLanguage},
			},
		},
	}
}

func testJob(t *testing.T, storage interfaces.StorageManager, targetLanguage string) *models.Job {
	t.Helper()
	job := models.NewJob("proc-1", "brief.pdf", models.FileClassPDF, 128, []byte("pdf"), testSnapshot(), models.DefaultOCRConfiguration())
	job.Status = models.JobStatusRunning
	job.Options.TargetLanguage = targetLanguage
	require.NoError(t, storage.JobStorage().SaveJob(context.Background(), job))
	return job
}

func TestExecuteRunsBranchAndLanguageStep(t *testing.T) {
	storage := testStorage(t)
	job := testJob(t, storage, "en")

	llm := &fakeDispatcher{replies: map[string]string{
		"VALIDATE:":       "MEDIZINISCH",
		"CLASSIFY:":       `{"document_class": "ARZTBRIEF"}`,
		"SIMPLIFY_BRIEF:": "Einfacher Text",
		"TRANSLATE to":    "Simple text",
	}}
	pii := &fakePII{}
	executor := NewExecutor(storage, llm, pii, &fakeGuidelines{}, testLogger())

	result, err := executor.Execute(context.Background(), job, "Sehr geehrte Kollegin", 0.95)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, result.Outcome)
	assert.Nil(t, result.Termination)
	assert.True(t, pii.called)

	// Only the ARZTBRIEF branch ran; the labor step did not
	for _, prompt := range llm.calls {
		assert.NotContains(t, prompt, "SIMPLIFY_LAB:")
	}
	require.Len(t, llm.calls, 4)
	// All model input went through PII removal first
	assert.Contains(t, llm.calls[0], "[ANONYM]")
	// The language step consumed the previous step's output
	assert.Contains(t, llm.calls[3], "TRANSLATE to en: Einfacher Text")

	stored, err := storage.JobStorage().GetJob(context.Background(), job.ProcessingID)
	require.NoError(t, err)
	assert.Equal(t, "ARZTBRIEF", stored.DocumentTypeDetected)
	assert.Equal(t, "ARZTBRIEF", stored.BranchingPath)
	assert.Equal(t, "Einfacher Text", stored.TranslatedText)
	assert.Equal(t, "Simple text", stored.LanguageTranslatedText)
	assert.Equal(t, 0.95, stored.ConfidenceScore)
	assert.Equal(t, 100, stored.ProgressPercent)

	execs, err := storage.StepExecutionStorage().GetExecutions(context.Background(), job.ProcessingID)
	require.NoError(t, err)
	assert.Len(t, execs, 4)

	costs, err := storage.CostStorage().GetCostsByProcessingID(context.Background(), job.ProcessingID)
	require.NoError(t, err)
	assert.Len(t, costs, 4)
}

func TestExecuteStopConditionTerminates(t *testing.T) {
	storage := testStorage(t)
	job := testJob(t, storage, "")

	llm := &fakeDispatcher{replies: map[string]string{
		"VALIDATE:": "NICHT_MEDIZINISCH",
	}}
	executor := NewExecutor(storage, llm, &fakePII{}, &fakeGuidelines{}, testLogger())

	result, err := executor.Execute(context.Background(), job, "Einkaufsliste: Milch, Brot", 0.9)
	require.NoError(t, err)
	assert.Equal(t, OutcomeTerminated, result.Outcome)
	require.NotNil(t, result.Termination)
	assert.Equal(t, "NICHT_MEDIZINISCH", result.Termination.MatchedValue)
	assert.Equal(t, "Non-medical content detected", result.Termination.Reason)
	assert.Equal(t, "Validation", result.Termination.Step)

	// No step after the matched stop condition ran
	assert.Len(t, llm.calls, 1)

	// The terminating step still counts toward the published progress:
	// one of three reachable steps ran (validation, classification, language)
	stored, err := storage.JobStorage().GetJob(context.Background(), job.ProcessingID)
	require.NoError(t, err)
	assert.Equal(t, 33, stored.ProgressPercent)
}

func TestExecuteSkipsStepMissingRequiredContext(t *testing.T) {
	storage := testStorage(t)
	// No target language, so the post-branching language step must skip
	job := testJob(t, storage, "")

	llm := &fakeDispatcher{replies: map[string]string{
		"VALIDATE:":     "MEDIZINISCH",
		"CLASSIFY:":     `{"document_class": "LABORBERICHT"}`,
		"SIMPLIFY_LAB:": "Ihre Werte sind normal",
	}}
	executor := NewExecutor(storage, llm, &fakePII{}, &fakeGuidelines{}, testLogger())

	result, err := executor.Execute(context.Background(), job, "Hb 14,2 g/dl Referenzbereich", 0.9)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, result.Outcome)
	assert.Len(t, llm.calls, 3)

	execs, err := storage.StepExecutionStorage().GetExecutions(context.Background(), job.ProcessingID)
	require.NoError(t, err)
	require.Len(t, execs, 4)

	var skipped *models.StepExecution
	for _, e := range execs {
		if e.Status == models.StepStatusSkipped {
			skipped = e
		}
	}
	require.NotNil(t, skipped)
	assert.Equal(t, "Language", skipped.StepName)

	stored, err := storage.JobStorage().GetJob(context.Background(), job.ProcessingID)
	require.NoError(t, err)
	assert.Equal(t, "Ihre Werte sind normal", stored.TranslatedText)
	assert.Empty(t, stored.LanguageTranslatedText)
}

func TestExecuteBestEffortPostStepFailureCompletes(t *testing.T) {
	storage := testStorage(t)
	job := testJob(t, storage, "en")

	llm := &fakeDispatcher{
		replies: map[string]string{
			"VALIDATE:":       "MEDIZINISCH",
			"CLASSIFY:":       `{"document_class": "ARZTBRIEF"}`,
			"SIMPLIFY_BRIEF:": "Einfacher Text",
			"TRANSLATE to":    "unused",
		},
		errOn: "TRANSLATE to",
	}
	executor := NewExecutor(storage, llm, &fakePII{}, &fakeGuidelines{}, testLogger())

	result, err := executor.Execute(context.Background(), job, "Sehr geehrte Kollegin", 0.9)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, result.Outcome)

	stored, err := storage.JobStorage().GetJob(context.Background(), job.ProcessingID)
	require.NoError(t, err)
	assert.Equal(t, "Einfacher Text", stored.TranslatedText)
	assert.Empty(t, stored.LanguageTranslatedText)

	execs, err := storage.StepExecutionStorage().GetExecutions(context.Background(), job.ProcessingID)
	require.NoError(t, err)
	var failed int
	for _, e := range execs {
		if e.Status == models.StepStatusFailed {
			failed++
		}
	}
	assert.Equal(t, 1, failed)
}

func TestExecuteRequiredStepFailureFailsJob(t *testing.T) {
	storage := testStorage(t)
	job := testJob(t, storage, "")

	llm := &fakeDispatcher{
		replies: map[string]string{
			"VALIDATE:": "MEDIZINISCH",
			"CLASSIFY:": "unused",
		},
		errOn: "CLASSIFY:",
	}
	executor := NewExecutor(storage, llm, &fakePII{}, &fakeGuidelines{}, testLogger())

	_, err := executor.Execute(context.Background(), job, "Befund: unauffällig", 0.9)
	require.Error(t, err)
	assert.Equal(t, common.KindProcessing, common.KindOf(err))

	var appErr *common.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, "Classification", appErr.Details["error_step"])
}

func TestExecuteUnknownBranchValueSkipsClassBand(t *testing.T) {
	storage := testStorage(t)
	job := testJob(t, storage, "")

	llm := &fakeDispatcher{replies: map[string]string{
		"VALIDATE:": "MEDIZINISCH",
		"CLASSIFY:": `{"document_class": "REZEPT"}`,
	}}
	executor := NewExecutor(storage, llm, &fakePII{}, &fakeGuidelines{}, testLogger())

	result, err := executor.Execute(context.Background(), job, "Befund", 0.9)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, result.Outcome)

	// Neither class-specific step ran
	for _, prompt := range llm.calls {
		assert.NotContains(t, prompt, "SIMPLIFY_")
	}

	stored, err := storage.JobStorage().GetJob(context.Background(), job.ProcessingID)
	require.NoError(t, err)
	assert.Empty(t, stored.BranchingPath)
}

func TestExecuteWithoutSnapshotFails(t *testing.T) {
	storage := testStorage(t)
	executor := NewExecutor(storage, &fakeDispatcher{}, &fakePII{}, &fakeGuidelines{}, testLogger())

	job := models.NewJob("proc-2", "x.pdf", models.FileClassPDF, 1, nil, nil, nil)
	_, err := executor.Execute(context.Background(), job, "text", 0.9)
	require.Error(t, err)
	assert.Equal(t, common.KindProcessing, common.KindOf(err))
}

func TestExtractBranchValue(t *testing.T) {
	tests := []struct {
		name     string
		output   string
		expected string
	}{
		{"plain json", `{"document_class": "ARZTBRIEF"}`, "ARZTBRIEF"},
		{"fenced json", "```json\n{\"document_class\": \"laborbericht\"}\n```", "LABORBERICHT"},
		{"bare token", "BEFUNDBERICHT", "BEFUNDBERICHT"},
		{"quoted token on last line", "Die Klasse lautet:\n\"Arztbrief\".", "ARZTBRIEF"},
		{"empty output", "   ", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, extractBranchValue(tt.output, "document_class"))
		})
	}
}

// progressRecorder observes every job write so tests can assert on the
// sequence of published progress values.
type progressRecorder struct {
	interfaces.StorageManager
	percents []int
}

func (p *progressRecorder) JobStorage() interfaces.JobStorage {
	return &progressJobStorage{p.StorageManager.JobStorage(), p}
}

type progressJobStorage struct {
	interfaces.JobStorage
	rec *progressRecorder
}

func (s *progressJobStorage) UpdateJob(ctx context.Context, processingID string, mutate func(*models.Job)) error {
	if err := s.JobStorage.UpdateJob(ctx, processingID, mutate); err != nil {
		return err
	}
	if job, err := s.JobStorage.GetJob(ctx, processingID); err == nil {
		s.rec.percents = append(s.rec.percents, job.ProgressPercent)
	}
	return nil
}

func TestExecuteProgressNeverDecreases(t *testing.T) {
	storage := testStorage(t)
	recorder := &progressRecorder{StorageManager: storage}

	// A class band larger than the pre band: selecting it grows the progress
	// denominator mid-run
	snapshot := &models.PipelineSnapshot{
		TakenAt: time.Now().UTC(),
		Models: []models.AvailableModel{
			{ID: "model_a", Provider: models.ProviderGemini, Name: "gemini-flash", Enabled: true},
		},
		Classes: []models.DocumentClass{
			{ID: "class_arztbrief", ClassKey: "ARZTBRIEF", Enabled: true},
		},
		Steps: []models.DynamicStep{
			{ID: "s_validate", Name: "Validation", Order: 10, Enabled: true,
				PromptTemplate: "VALIDATE: {input_text}", ModelID: "model_a"},
			{ID: "s_classify", Name: "Classification", Order: 20, Enabled: true,
				PromptTemplate: "CLASSIFY: {input_text}", ModelID: "model_a",
				IsBranchingStep: true, BranchingField: "document_class"},
			{ID: "s_b1", Name: "Brief 1", Order: 30, Enabled: true,
				PromptTemplate: "SIMPLIFY_1: {input_text}", ModelID: "model_a", DocumentClassID: "class_arztbrief"},
			{ID: "s_b2", Name: "Brief 2", Order: 31, Enabled: true,
				PromptTemplate: "SIMPLIFY_2: {input_text}", ModelID: "model_a", DocumentClassID: "class_arztbrief"},
			{ID: "s_b3", Name: "Brief 3", Order: 32, Enabled: true,
				PromptTemplate: "SIMPLIFY_3: {input_text}", ModelID: "model_a", DocumentClassID: "class_arztbrief"},
			{ID: "s_b4", Name: "Brief 4", Order: 33, Enabled: true,
				PromptTemplate: "SIMPLIFY_4: {input_text}", ModelID: "model_a", DocumentClassID: "class_arztbrief"},
			{ID: "s_b5", Name: "Brief 5", Order: 34, Enabled: true,
				PromptTemplate: "SIMPLIFY_5: {input_text}", ModelID: "model_a", DocumentClassID: "class_arztbrief"},
			{ID: "s_polish", Name: "Polish", Order: 40, Enabled: true,
				PromptTemplate: "POLISH: {input_text}", ModelID: "model_a",
				PostBranching: true, InputFromPreviousStep: true},
		},
	}

	job := models.NewJob("proc-progress", "brief.pdf", models.FileClassPDF, 64, []byte("pdf"), snapshot, models.DefaultOCRConfiguration())
	job.Status = models.JobStatusRunning
	require.NoError(t, storage.JobStorage().SaveJob(context.Background(), job))

	llm := &fakeDispatcher{replies: map[string]string{
		"VALIDATE:":   "MEDIZINISCH",
		"CLASSIFY:":   `{"document_class": "ARZTBRIEF"}`,
		"SIMPLIFY_1:": "eins",
		"SIMPLIFY_2:": "zwei",
		"SIMPLIFY_3:": "drei",
		"SIMPLIFY_4:": "vier",
		"SIMPLIFY_5:": "fünf",
		"POLISH:":     "poliert",
	}}
	executor := NewExecutor(recorder, llm, &fakePII{}, &fakeGuidelines{}, testLogger())

	result, err := executor.Execute(context.Background(), job, "Sehr geehrte Kollegin", 0.9)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, result.Outcome)

	require.NotEmpty(t, recorder.percents)
	for i := 1; i < len(recorder.percents); i++ {
		assert.GreaterOrEqual(t, recorder.percents[i], recorder.percents[i-1],
			"progress regressed at write %d: %v", i, recorder.percents)
	}
	assert.Equal(t, 100, recorder.percents[len(recorder.percents)-1])
}

// cancellingDispatcher flips the job's cancel flag after answering the step
// whose prompt contains the marker.
type cancellingDispatcher struct {
	inner   *fakeDispatcher
	storage interfaces.StorageManager
	after   string
	id      string
}

func (d *cancellingDispatcher) CompleteWithModel(ctx context.Context, provider string, req *interfaces.CompletionRequest) (*interfaces.CompletionResponse, error) {
	resp, err := d.inner.CompleteWithModel(ctx, provider, req)
	if err == nil && strings.Contains(req.Messages[0].Content, d.after) {
		_ = d.storage.JobStorage().UpdateJob(ctx, d.id, func(j *models.Job) {
			j.CancelRequested = true
		})
	}
	return resp, err
}

func (d *cancellingDispatcher) HealthCheck(ctx context.Context) error { return nil }

func TestExecuteStopsWhenCancelRequested(t *testing.T) {
	storage := testStorage(t)
	job := testJob(t, storage, "en")

	inner := &fakeDispatcher{replies: map[string]string{
		"VALIDATE:": "MEDIZINISCH",
		"CLASSIFY:": `{"document_class": "ARZTBRIEF"}`,
	}}
	llm := &cancellingDispatcher{inner: inner, storage: storage, after: "VALIDATE:", id: job.ProcessingID}
	executor := NewExecutor(storage, llm, &fakePII{}, &fakeGuidelines{}, testLogger())

	result, err := executor.Execute(context.Background(), job, "Sehr geehrte Kollegin", 0.9)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCancelled, result.Outcome)
	assert.Nil(t, result.Termination)

	// Only the step before the cancel ran
	assert.Len(t, inner.calls, 1)

	// Partial output survives the cancellation
	stored, err := storage.JobStorage().GetJob(context.Background(), job.ProcessingID)
	require.NoError(t, err)
	assert.NotEmpty(t, stored.OriginalText)
}

// flakyDispatcher fails the first N calls with a transient error.
type flakyDispatcher struct {
	fakeDispatcher
	failures int
}

func (f *flakyDispatcher) CompleteWithModel(ctx context.Context, provider string, req *interfaces.CompletionRequest) (*interfaces.CompletionResponse, error) {
	if f.failures > 0 {
		f.failures--
		return nil, common.NewError(common.KindUnavailable, "model briefly unavailable")
	}
	return f.fakeDispatcher.CompleteWithModel(ctx, provider, req)
}

func TestExecuteRecordsConsumedRetries(t *testing.T) {
	storage := testStorage(t)

	snapshot := &models.PipelineSnapshot{
		TakenAt: time.Now().UTC(),
		Models: []models.AvailableModel{
			{ID: "model_a", Provider: models.ProviderGemini, Name: "gemini-flash", Enabled: true},
		},
		Steps: []models.DynamicStep{
			{ID: "s_retry", Name: "Simplify", Order: 10, Enabled: true,
				PromptTemplate: "RETRY: {input_text}", ModelID: "model_a",
				RetryOnFailure: true, RetryPolicy: "database"},
		},
	}
	job := models.NewJob("proc-retry", "brief.pdf", models.FileClassPDF, 64, []byte("pdf"), snapshot, models.DefaultOCRConfiguration())
	job.Status = models.JobStatusRunning
	require.NoError(t, storage.JobStorage().SaveJob(context.Background(), job))

	llm := &flakyDispatcher{
		fakeDispatcher: fakeDispatcher{replies: map[string]string{"RETRY:": "fertig"}},
		failures:       1,
	}
	executor := NewExecutor(storage, llm, &fakePII{}, &fakeGuidelines{}, testLogger())

	result, err := executor.Execute(context.Background(), job, "Befund", 0.9)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, result.Outcome)

	execs, err := storage.StepExecutionStorage().GetExecutions(context.Background(), job.ProcessingID)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, models.StepStatusCompleted, execs[0].Status)
	// One failed attempt was consumed before the success
	assert.Equal(t, 1, execs[0].RetryCount)
}
