// -----------------------------------------------------------------------
// Default configuration seeding - first-start pipeline, classes, models
// -----------------------------------------------------------------------

package app

import (
	"context"
	"time"

	"github.com/klartext-med/klartext/internal/models"
)

// Stable ids for seeded rows so re-seeding stays idempotent.
const (
	seedModelClaudeSonnet = "model_claude_sonnet"
	seedModelGeminiFlash  = "model_gemini_flash"

	seedClassArztbrief     = "class_arztbrief"
	seedClassBefundbericht = "class_befundbericht"
	seedClassLaborbericht  = "class_laborbericht"
)

// seedDefaults populates empty stores with a working default configuration:
// two models, the three system document classes, a runnable pipeline and the
// active OCR configuration. Stores that already hold rows are left untouched.
func (a *App) seedDefaults(ctx context.Context) error {
	if err := a.seedModels(ctx); err != nil {
		return err
	}
	if err := a.seedClasses(ctx); err != nil {
		return err
	}
	if err := a.seedSteps(ctx); err != nil {
		return err
	}
	return a.seedOCRConfig(ctx)
}

func (a *App) seedModels(ctx context.Context) error {
	existing, err := a.StorageManager.PipelineStorage().ListModels(ctx, false)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}

	now := time.Now().UTC()
	seeded := []*models.AvailableModel{
		{
			ID:                seedModelClaudeSonnet,
			Provider:          models.ProviderClaude,
			Name:              a.Config.Claude.Model,
			DisplayName:       "Claude Sonnet",
			SupportsVision:    true,
			MaxContext:        200000,
			InputCostPerMTok:  3.0,
			OutputCostPerMTok: 15.0,
			Enabled:           true,
			CreatedAt:         now,
			UpdatedAt:         now,
		},
		{
			ID:                seedModelGeminiFlash,
			Provider:          models.ProviderGemini,
			Name:              a.Config.Gemini.Model,
			DisplayName:       "Gemini Flash",
			SupportsVision:    true,
			MaxContext:        1000000,
			InputCostPerMTok:  0.30,
			OutputCostPerMTok: 2.50,
			Enabled:           true,
			CreatedAt:         now,
			UpdatedAt:         now,
		},
	}
	for _, m := range seeded {
		if err := a.StorageManager.PipelineStorage().SaveModel(ctx, m); err != nil {
			return err
		}
	}
	a.Logger.Info().Int("models", len(seeded)).Msg("Seeded default models")
	return nil
}

func (a *App) seedClasses(ctx context.Context) error {
	existing, err := a.StorageManager.PipelineStorage().ListClasses(ctx, false)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}

	now := time.Now().UTC()
	seeded := []*models.DocumentClass{
		{
			ID:               seedClassArztbrief,
			ClassKey:         "ARZTBRIEF",
			DisplayName:      "Arztbrief",
			Description:      "Brief eines Arztes an einen anderen Arzt oder Patienten",
			StrongIndicators: []string{"Sehr geehrte Kollegin", "Sehr geehrter Kollege", "Entlassungsbrief", "Epikrise"},
			WeakIndicators:   []string{"Diagnose", "Therapie", "Anamnese"},
			Enabled:          true,
			IsSystemClass:    true,
			CreatedAt:        now,
			UpdatedAt:        now,
		},
		{
			ID:               seedClassBefundbericht,
			ClassKey:         "BEFUNDBERICHT",
			DisplayName:      "Befundbericht",
			Description:      "Bericht über Untersuchungsbefunde (Radiologie, Pathologie, Endoskopie)",
			StrongIndicators: []string{"Befund", "Beurteilung", "Röntgen", "MRT", "CT", "Sonographie"},
			WeakIndicators:   []string{"Untersuchung", "Fragestellung"},
			Enabled:          true,
			IsSystemClass:    true,
			CreatedAt:        now,
			UpdatedAt:        now,
		},
		{
			ID:               seedClassLaborbericht,
			ClassKey:         "LABORBERICHT",
			DisplayName:      "Laborbericht",
			Description:      "Tabellarische Laborwerte mit Referenzbereichen",
			StrongIndicators: []string{"Referenzbereich", "Laborwerte", "mmol/l", "mg/dl"},
			WeakIndicators:   []string{"Blutbild", "Serum"},
			Enabled:          true,
			IsSystemClass:    true,
			CreatedAt:        now,
			UpdatedAt:        now,
		},
	}
	for _, c := range seeded {
		if err := a.StorageManager.PipelineStorage().SaveClass(ctx, c); err != nil {
			return err
		}
	}
	a.Logger.Info().Int("classes", len(seeded)).Msg("Seeded system document classes")
	return nil
}

const validationPrompt = `Du bist ein medizinischer Prüfdienst. Prüfe, ob der folgende Text ein
medizinisches Dokument ist (Arztbrief, Befund, Laborwerte oder ähnliches).

Antworte mit genau einem Wort:
MEDIZINISCH - wenn der Text medizinischen Inhalt hat
NICHT_MEDIZINISCH - wenn der Text kein medizinisches Dokument ist

Text:
{input_text}`

const classificationPrompt = `Du bist ein Klassifikator für deutsche medizinische Dokumente.
Ordne den folgenden Text genau einer Klasse zu:

- ARZTBRIEF: Brief eines Arztes (Entlassungsbrief, Epikrise, Überweisung)
- BEFUNDBERICHT: Untersuchungsbefund (Radiologie, Pathologie, Endoskopie)
- LABORBERICHT: Tabellarische Laborwerte mit Referenzbereichen

Antworte ausschließlich mit einem JSON-Objekt der Form
{"document_class": "<KLASSE>"}.

Text:
{input_text}`

const simplifyPrompt = `Du bist ein Übersetzer für medizinische Fachsprache. Übersetze das folgende
Dokument in einfache, patientenfreundliche deutsche Sprache. Erkläre Fachbegriffe,
Abkürzungen und Werte verständlich. Erfinde keine Informationen dazu.

Dokument:
{input_text}`

const labSimplifyPrompt = `Du bist ein Übersetzer für Laborbefunde. Erkläre die folgenden Laborwerte in
einfacher deutscher Sprache: was jeder Wert bedeutet, ob er im Referenzbereich
liegt und was eine Abweichung üblicherweise bedeutet. Erfinde keine Werte dazu.

Laborbericht:
{input_text}`

const targetLanguagePrompt = `Übersetze den folgenden patientenfreundlichen Text vollständig in die
Zielsprache "{target_language}". Behalte Struktur und Inhalt exakt bei.

Text:
{input_text}`

func (a *App) seedSteps(ctx context.Context) error {
	existing, err := a.StorageManager.PipelineStorage().ListSteps(ctx, false)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}

	now := time.Now().UTC()
	seeded := []*models.DynamicStep{
		{
			ID:             "step_medical_validation",
			Name:           "Medical Content Validation",
			Order:          10,
			Enabled:        true,
			PromptTemplate: validationPrompt,
			ModelID:        seedModelGeminiFlash,
			Temperature:    0.0,
			MaxTokens:      16,
			RetryOnFailure: true,
			MaxRetries:     2,
			StopConditions: &models.StopCondition{
				StopOnValues: []string{"NICHT_MEDIZINISCH"},
				Reason:       "Non-medical content detected",
				Message:      "Das Dokument enthält keinen medizinischen Inhalt.",
			},
			CreatedAt: now,
			UpdatedAt: now,
		},
		{
			ID:              "step_classification",
			Name:            "Document Classification",
			Order:           20,
			Enabled:         true,
			PromptTemplate:  classificationPrompt,
			ModelID:         seedModelGeminiFlash,
			Temperature:     0.0,
			MaxTokens:       64,
			RetryOnFailure:  true,
			MaxRetries:      2,
			OutputFormat:    "json",
			IsBranchingStep: true,
			BranchingField:  "document_class",
			CreatedAt:       now,
			UpdatedAt:       now,
		},
		{
			ID:                    "step_simplify_arztbrief",
			Name:                  "Arztbrief Simplification",
			Order:                 30,
			Enabled:               true,
			PromptTemplate:        simplifyPrompt,
			ModelID:               seedModelClaudeSonnet,
			Temperature:           0.3,
			MaxTokens:             8192,
			RetryOnFailure:        true,
			MaxRetries:            2,
			InputFromPreviousStep: false,
			DocumentClassID:       seedClassArztbrief,
			CreatedAt:             now,
			UpdatedAt:             now,
		},
		{
			ID:              "step_simplify_befundbericht",
			Name:            "Befundbericht Simplification",
			Order:           31,
			Enabled:         true,
			PromptTemplate:  simplifyPrompt,
			ModelID:         seedModelClaudeSonnet,
			Temperature:     0.3,
			MaxTokens:       8192,
			RetryOnFailure:  true,
			MaxRetries:      2,
			DocumentClassID: seedClassBefundbericht,
			CreatedAt:       now,
			UpdatedAt:       now,
		},
		{
			ID:              "step_simplify_laborbericht",
			Name:            "Laborbericht Simplification",
			Order:           32,
			Enabled:         true,
			PromptTemplate:  labSimplifyPrompt,
			ModelID:         seedModelClaudeSonnet,
			Temperature:     0.3,
			MaxTokens:       8192,
			RetryOnFailure:  true,
			MaxRetries:      2,
			DocumentClassID: seedClassLaborbericht,
			CreatedAt:       now,
			UpdatedAt:       now,
		},
		{
			ID:                       "step_target_language",
			Name:                     "Target Language Translation",
			Order:                    40,
			Enabled:                  true,
			PromptTemplate:           targetLanguagePrompt,
			ModelID:                  seedModelGeminiFlash,
			Temperature:              0.2,
			MaxTokens:                8192,
			RetryOnFailure:           true,
			MaxRetries:               1,
			InputFromPreviousStep:    true,
			PostBranching:            true,
			RequiredContextVariables: []string{"target_language"},
			CreatedAt:                now,
			UpdatedAt:                now,
		},
	}

	for _, s := range seeded {
		if err := a.StorageManager.PipelineStorage().SaveStep(ctx, s); err != nil {
			return err
		}
	}
	a.Logger.Info().Int("steps", len(seeded)).Msg("Seeded default pipeline")
	return nil
}

func (a *App) seedOCRConfig(ctx context.Context) error {
	config, err := a.StorageManager.OCRConfigStorage().GetActive(ctx)
	if err != nil {
		return err
	}
	// An unset vision model marks a configuration that was never persisted
	if config.VisionLLM.ModelID != "" {
		return nil
	}

	config.VisionLLM.ModelID = seedModelClaudeSonnet
	if err := a.StorageManager.OCRConfigStorage().SaveActive(ctx, config); err != nil {
		return err
	}
	a.Logger.Info().Str("engine", string(config.SelectedEngine)).Msg("Seeded OCR configuration")
	return nil
}
