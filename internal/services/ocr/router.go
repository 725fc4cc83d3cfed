// -----------------------------------------------------------------------
// OCR Router - engine decision, quality gate, fallback chain
// -----------------------------------------------------------------------

package ocr

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/klartext-med/klartext/internal/common"
	"github.com/klartext-med/klartext/internal/interfaces"
	"github.com/klartext-med/klartext/internal/models"
	"github.com/klartext-med/klartext/internal/resilience"
)

// ExtractionResult is what the router hands to the pipeline executor.
type ExtractionResult struct {
	Text          string
	Confidence    float64
	Engine        models.OCREngine
	QualityIssues []string
	Suggestions   []string
	Metadata      map[string]interface{}
}

// Router decides the extraction strategy for an input file, executes it and
// falls through to the next most expensive strategy on failure when the
// vision fallback flag is on. Stateless: every call is pure over the job's
// snapshotted OCRConfiguration.
type Router struct {
	pdf      *PDFExtractor
	client   interfaces.OCRClient
	llm      interfaces.LLMDispatcher
	breakers *resilience.Registry
	config   *common.Config
	logger   arbor.ILogger
}

// NewRouter creates the OCR router.
func NewRouter(client interfaces.OCRClient, llm interfaces.LLMDispatcher, breakers *resilience.Registry, config *common.Config, logger arbor.ILogger) *Router {
	return &Router{
		pdf:      NewPDFExtractor(logger),
		client:   client,
		llm:      llm,
		breakers: breakers,
		config:   config,
		logger:   logger,
	}
}

// Extract analyzes the job's file, decides the engine and runs it.
func (r *Router) Extract(ctx context.Context, job *models.Job) (*ExtractionResult, error) {
	ocrConfig := job.OCRConfig
	if ocrConfig == nil {
		ocrConfig = models.DefaultOCRConfiguration()
	}

	analysis, pages := r.analyze(job)
	engine := r.decide(analysis, ocrConfig)

	r.logger.Info().
		Str("processing_id", job.ProcessingID).
		Str("engine", string(engine)).
		Float64("quality_score", analysis.QualityScore).
		Float64("text_coverage", analysis.TextCoverage).
		Bool("complex_tables", analysis.HasComplexTables).
		Msg("OCR engine selected")

	result, err := r.run(ctx, engine, job, ocrConfig, analysis, pages)
	if err != nil {
		return nil, err
	}

	result.QualityIssues = analysis.QualityIssues
	result.Suggestions = analysis.Suggestions
	if result.Metadata == nil {
		result.Metadata = map[string]interface{}{}
	}
	result.Metadata["quality_score"] = analysis.QualityScore
	result.Metadata["page_count"] = analysis.PageCount
	return result, nil
}

// analyze probes the file. PDF pages are extracted once and reused by the
// LOCAL_TEXT strategy.
func (r *Router) analyze(job *models.Job) (*FileAnalysis, []PageText) {
	if job.FileClass == models.FileClassPDF {
		pages, err := r.pdf.ExtractPages(job.FileData)
		if err != nil {
			r.logger.Warn().Err(err).Str("processing_id", job.ProcessingID).Msg("PDF probe failed")
			return &FileAnalysis{
				FileClass:     models.FileClassPDF,
				QualityScore:  0.2,
				QualityIssues: []string{"pdf_not_readable"},
			}, nil
		}
		return AnalyzePDF(pages), pages
	}
	return AnalyzeImage(job.FileData), nil
}

// decide applies the engine decision table. A non-HYBRID configured engine is
// a forced override; HYBRID lets the analysis pick, using HYBRID itself for
// ambiguous inputs.
func (r *Router) decide(analysis *FileAnalysis, config *models.OCRConfiguration) models.OCREngine {
	if config.SelectedEngine != models.EngineHybrid && config.SelectedEngine != "" {
		return config.SelectedEngine
	}

	needsVision := analysis.HasComplexTables || analysis.LooksLikeForm || analysis.QualityScore < config.LocalOCR.MinQualityScore

	if analysis.FileClass == models.FileClassPDF {
		goodText := analysis.TextCoverage >= config.LocalText.MinTextCoverage &&
			analysis.CharDensity >= config.LocalText.MinCharDensity
		switch {
		case goodText && !analysis.HasComplexTables:
			return models.EngineLocalText
		case needsVision:
			return models.EngineVisionLLM
		case analysis.TextCoverage > 0 && analysis.TextCoverage < config.LocalText.MinTextCoverage:
			// Partially scanned document: run two strategies and merge
			return models.EngineHybrid
		default:
			return models.EngineLocalOCR
		}
	}

	if needsVision {
		return models.EngineVisionLLM
	}
	return models.EngineLocalOCR
}

// run executes the chosen strategy. Failure falls through LOCAL_TEXT ->
// LOCAL_OCR -> VISION_LLM when the vision_llm_fallback_enabled flag is on;
// otherwise the first failure propagates.
func (r *Router) run(ctx context.Context, engine models.OCREngine, job *models.Job, config *models.OCRConfiguration, analysis *FileAnalysis, pages []PageText) (*ExtractionResult, error) {
	if engine == models.EngineHybrid {
		return r.runHybrid(ctx, job, config, pages)
	}

	chain := fallbackChain(engine)
	fallbackEnabled := r.config.FeatureEnabled("vision_llm_fallback_enabled")

	var lastErr error
	for i, candidate := range chain {
		result, err := r.runOne(ctx, candidate, job, config, pages)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !fallbackEnabled || i == len(chain)-1 {
			break
		}
		r.logger.Warn().Err(err).
			Str("processing_id", job.ProcessingID).
			Str("engine", string(candidate)).
			Str("next", string(chain[i+1])).
			Msg("Extraction strategy failed, falling through")
	}
	return nil, lastErr
}

// fallbackChain orders strategies from the requested one to the most
// expensive.
func fallbackChain(engine models.OCREngine) []models.OCREngine {
	switch engine {
	case models.EngineLocalText:
		return []models.OCREngine{models.EngineLocalText, models.EngineLocalOCR, models.EngineVisionLLM}
	case models.EngineLocalOCR:
		return []models.OCREngine{models.EngineLocalOCR, models.EngineVisionLLM}
	default:
		return []models.OCREngine{models.EngineVisionLLM}
	}
}

func (r *Router) runOne(ctx context.Context, engine models.OCREngine, job *models.Job, config *models.OCRConfiguration, pages []PageText) (*ExtractionResult, error) {
	switch engine {
	case models.EngineLocalText:
		return r.runLocalText(job, pages)
	case models.EngineLocalOCR:
		return r.runLocalOCR(ctx, job)
	case models.EngineVisionLLM:
		return r.runVisionLLM(ctx, job, config)
	default:
		return nil, fmt.Errorf("unknown OCR engine: %s", engine)
	}
}

func (r *Router) runLocalText(job *models.Job, pages []PageText) (*ExtractionResult, error) {
	if len(pages) == 0 {
		var err error
		pages, err = r.pdf.ExtractPages(job.FileData)
		if err != nil {
			return nil, common.WrapError(common.KindProcessing, "embedded text extraction failed", err)
		}
	}

	parts := make([]string, 0, len(pages))
	for _, page := range pages {
		parts = append(parts, page.Text)
	}
	text := MergeMedical(parts)
	if strings.TrimSpace(text) == "" {
		return nil, common.NewError(common.KindProcessing, "PDF has no embedded text")
	}

	return &ExtractionResult{
		Text:       text,
		Confidence: 0.99,
		Engine:     models.EngineLocalText,
	}, nil
}

func (r *Router) runLocalOCR(ctx context.Context, job *models.Job) (*ExtractionResult, error) {
	breaker := r.breakers.Get("ocr_service")

	var ocrResult *interfaces.OCRResult
	err := resilience.Call(ctx, breaker, resilience.PolicyAPI, r.logger, "ocr_extract", func() error {
		var callErr error
		ocrResult, callErr = r.client.Extract(ctx, job.Filename, job.FileData)
		return callErr
	})
	if err != nil {
		return nil, err
	}

	return &ExtractionResult{
		Text:       ocrResult.Text,
		Confidence: ocrResult.Confidence,
		Engine:     models.EngineLocalOCR,
		Metadata: map[string]interface{}{
			"ocr_engine":     ocrResult.Engine,
			"lines_detected": ocrResult.LinesDetected,
		},
	}, nil
}

const visionExtractionPrompt = `Extrahiere den vollständigen Text aus diesem medizinischen Dokument.
Gib ausschließlich den extrahierten Text zurück, ohne Kommentare.
Erhalte Tabellen als Markdown-Tabellen. Erhalte die Dokumentstruktur (Überschriften, Absätze, Listen).`

func (r *Router) runVisionLLM(ctx context.Context, job *models.Job, config *models.OCRConfiguration) (*ExtractionResult, error) {
	provider := r.config.LLM.DefaultProvider
	modelName := ""
	if config.VisionLLM.ModelID != "" && job.PipelineConfig != nil {
		if m, ok := job.PipelineConfig.ModelByID(config.VisionLLM.ModelID); ok {
			provider = string(m.Provider)
			modelName = m.Name
		}
	}

	mimeType := "application/pdf"
	if job.FileClass == models.FileClassImage {
		mimeType = detectImageMime(job.FileData)
	}

	maxTokens := config.VisionLLM.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 8192
	}

	req := &interfaces.CompletionRequest{
		Messages: []interfaces.Message{
			{Role: "user", Content: visionExtractionPrompt},
		},
		ModelName:     modelName,
		MaxTokens:     maxTokens,
		ImageData:     []byte(base64.StdEncoding.EncodeToString(job.FileData)),
		ImageMimeType: mimeType,
	}

	resp, err := r.llm.CompleteWithModel(ctx, provider, req)
	if err != nil {
		return nil, err
	}

	return &ExtractionResult{
		Text:       resp.Text,
		Confidence: 0.85,
		Engine:     models.EngineVisionLLM,
		Metadata: map[string]interface{}{
			"model":         resp.Model,
			"input_tokens":  resp.InputTokens,
			"output_tokens": resp.OutputTokens,
		},
	}, nil
}

// runHybrid runs the cheap strategy and the vision strategy, keeps the
// higher-confidence output as the base and merges section-wise.
func (r *Router) runHybrid(ctx context.Context, job *models.Job, config *models.OCRConfiguration, pages []PageText) (*ExtractionResult, error) {
	var base *ExtractionResult
	var baseErr error
	if job.FileClass == models.FileClassPDF {
		base, baseErr = r.runLocalText(job, pages)
	}
	if base == nil || baseErr != nil {
		base, baseErr = r.runLocalOCR(ctx, job)
	}

	vision, visionErr := r.runVisionLLM(ctx, job, config)

	switch {
	case baseErr != nil && visionErr != nil:
		return nil, visionErr
	case baseErr != nil:
		return vision, nil
	case visionErr != nil:
		r.logger.Warn().Err(visionErr).Str("processing_id", job.ProcessingID).Msg("Vision strategy failed, using local result")
		return base, nil
	}

	primary, secondary := base, vision
	if vision.Confidence > base.Confidence {
		primary, secondary = vision, base
	}

	return &ExtractionResult{
		Text:       MergeStrategies(primary.Text, secondary.Text),
		Confidence: primary.Confidence,
		Engine:     models.EngineHybrid,
		Metadata: map[string]interface{}{
			"primary_engine":   string(primary.Engine),
			"secondary_engine": string(secondary.Engine),
		},
	}, nil
}

// detectImageMime sniffs the image format from its magic bytes.
func detectImageMime(data []byte) string {
	switch {
	case len(data) >= 8 && string(data[:8]) == "\x89PNG\r\n\x1a\n":
		return "image/png"
	case len(data) >= 3 && data[0] == 0xFF && data[1] == 0xD8:
		return "image/jpeg"
	case len(data) >= 4 && (string(data[:4]) == "II*\x00" || string(data[:4]) == "MM\x00*"):
		return "image/tiff"
	default:
		return "image/png"
	}
}
