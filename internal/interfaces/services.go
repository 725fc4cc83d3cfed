// -----------------------------------------------------------------------
// External collaborator contracts - OCR, PII, guideline RAG, queue, cache
// -----------------------------------------------------------------------

package interfaces

import (
	"context"
	"time"

	"github.com/klartext-med/klartext/internal/models"
)

// OCRResult is the typed response of the OCR microservice.
type OCRResult struct {
	Text           string  `json:"text"`
	Confidence     float64 `json:"confidence"`
	ProcessingTime float64 `json:"processing_time"`
	Engine         string  `json:"engine"`
	LinesDetected  int     `json:"lines_detected"`
}

// OCRClient streams a file to the OCR microservice and receives text plus
// confidence.
type OCRClient interface {
	Extract(ctx context.Context, filename string, data []byte) (*OCRResult, error)
	HealthCheck(ctx context.Context) error
}

// PIIResult is the typed response of the PII microservice.
type PIIResult struct {
	CleanedText string                 `json:"cleaned_text"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// PIIClient removes personally identifiable information from text.
type PIIClient interface {
	RemovePII(ctx context.Context, text, language string) (*PIIResult, error)
	HealthCheck(ctx context.Context) error
}

// GuidelineClient performs a RAG query against the medical-guideline service
// and formats the recommendations, optionally translated to the target
// language with bilingual headers.
type GuidelineClient interface {
	Query(ctx context.Context, query, targetLanguage string) (string, error)
	HealthCheck(ctx context.Context) error
}

// QueueManager is the broker contract. Tasks are keyed on a dedup id
// (the processing id) for at-most-once delivery.
type QueueManager interface {
	Enqueue(ctx context.Context, queue string, msg models.QueueMessage) (string, error)
	Receive(ctx context.Context, queue string) (*models.QueueMessage, func() error, error)
	// Healthy reports broker reachability; uploads are refused while the
	// broker is down.
	Healthy(ctx context.Context) error
	Close() error
}

// CacheService is the advisory namespace cache. All methods are safe to call
// when the cache is disabled or unhealthy - readers fall back to storage.
type CacheService interface {
	Get(ctx context.Context, namespace, key string, dest interface{}) bool
	Set(ctx context.Context, namespace, key string, value interface{}, ttl time.Duration)
	InvalidateNamespace(ctx context.Context, namespace string)
	Healthy() bool
}

// Cache namespaces invalidated by the admin endpoints
const (
	CacheNamespacePipelineSteps   = "pipeline_steps"
	CacheNamespaceDocumentClasses = "document_classes"
	CacheNamespaceAvailableModels = "available_models"
	CacheNamespaceSystemSettings  = "system_settings"
	CacheNamespaceOCRConfig       = "ocr_config"
)
