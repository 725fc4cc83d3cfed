package common

import (
	"github.com/google/uuid"
)

// NewProcessingID generates the externally visible job identifier.
// Format: proc_<uuid>
func NewProcessingID() string {
	return "proc_" + uuid.New().String()
}

// NewFeedbackID generates a unique feedback record ID.
// Format: fb_<uuid>
func NewFeedbackID() string {
	return "fb_" + uuid.New().String()
}
