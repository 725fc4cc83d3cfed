package models

import (
	"encoding/json"
	"errors"
)

// ErrNoMessage is returned when the queue is empty
var ErrNoMessage = errors.New("no messages in queue")

// Broker task names
const (
	TaskProcessDocument = "process_document"
	TaskAnalyzeFeedback = "analyze_feedback"
)

// Named queues. OCR-heavy document processing and AI-only analysis drain from
// separate queues so workers can be specialized.
const (
	QueueOCR = "ocr_queue"
	QueueAI  = "ai_queue"
)

// QueueForTask routes a task name to its queue.
func QueueForTask(task string) string {
	switch task {
	case TaskAnalyzeFeedback:
		return QueueAI
	default:
		return QueueOCR
	}
}

// QueueMessage is the structure stored in the broker.
// Keep it simple - just enough to route the task.
type QueueMessage struct {
	Task    string          `json:"task"`     // Task name for handler routing
	DedupID string          `json:"dedup_id"` // At-most-once key (processing id)
	Payload json.RawMessage `json:"payload"`  // Task-specific data (passed through)
}

// ProcessDocumentPayload is the payload of a process_document task.
type ProcessDocumentPayload struct {
	ProcessingID string            `json:"processing_id"`
	Options      ProcessingOptions `json:"options"`
}

// AnalyzeFeedbackPayload is the payload of an analyze_feedback task.
type AnalyzeFeedbackPayload struct {
	FeedbackID string `json:"feedback_id"`
}
