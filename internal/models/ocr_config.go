// -----------------------------------------------------------------------
// OCR Configuration - process-wide extraction engine selection
// -----------------------------------------------------------------------

package models

import "time"

// OCREngine is the closed set of extraction strategies
type OCREngine string

const (
	EngineLocalText OCREngine = "LOCAL_TEXT" // PDF embedded-text extraction, no OCR
	EngineLocalOCR  OCREngine = "LOCAL_OCR"  // OCR microservice
	EngineVisionLLM OCREngine = "VISION_LLM" // Vision-capable LLM extraction
	EngineHybrid    OCREngine = "HYBRID"     // Run two strategies and merge medically
)

// OCRConfiguration is the process-wide singleton (one active row) controlling
// engine selection and the global PII-removal toggle. Jobs snapshot it at
// creation time.
type OCRConfiguration struct {
	ID             string    `json:"id" badgerhold:"key"` // Always "active"
	SelectedEngine OCREngine `json:"selected_engine"`

	// Per-engine config blobs, parsed by the engine that owns them
	LocalText LocalTextConfig `json:"local_text"`
	LocalOCR  LocalOCRConfig  `json:"local_ocr"`
	VisionLLM VisionLLMConfig `json:"vision_llm"`

	PIIRemovalEnabled bool `json:"pii_removal_enabled"`

	UpdatedAt time.Time `json:"updated_at"`
}

// LocalTextConfig tunes the embedded-text strategy and its quality gate
type LocalTextConfig struct {
	MinTextCoverage float64 `json:"min_text_coverage"` // Fraction of pages with embedded text, default 0.8
	MinCharDensity  float64 `json:"min_char_density"`  // Characters per page floor, default 200
}

// LocalOCRConfig tunes the OCR-microservice strategy
type LocalOCRConfig struct {
	MinQualityScore float64 `json:"min_quality_score"` // Advisory composite-quality floor, default 0.5
	Language        string  `json:"language"`          // OCR language hint, default "deu"
}

// VisionLLMConfig tunes the vision-LLM strategy
type VisionLLMConfig struct {
	ModelID   string `json:"model_id"` // Must reference a vision-capable AvailableModel
	MaxTokens int    `json:"max_tokens"`
}

// ActiveOCRConfigID is the storage key of the singleton row
const ActiveOCRConfigID = "active"

// DefaultOCRConfiguration returns the seeded configuration.
func DefaultOCRConfiguration() *OCRConfiguration {
	return &OCRConfiguration{
		ID:             ActiveOCRConfigID,
		SelectedEngine: EngineHybrid,
		LocalText: LocalTextConfig{
			MinTextCoverage: 0.8,
			MinCharDensity:  200,
		},
		LocalOCR: LocalOCRConfig{
			MinQualityScore: 0.5,
			Language:        "deu",
		},
		VisionLLM: VisionLLMConfig{
			MaxTokens: 8192,
		},
		PIIRemovalEnabled: true,
		UpdatedAt:         time.Now().UTC(),
	}
}
