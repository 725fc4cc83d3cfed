// -----------------------------------------------------------------------
// Document Class - dynamic classification target for branching
// -----------------------------------------------------------------------

package models

import (
	"errors"
	"time"
)

// DocumentClass is a dynamic classification target. The branching step's
// output selects zero or one class; each non-universal pipeline step is
// pinned to exactly one class. Indicators are only used to render the
// classifier prompt, never matched programmatically.
type DocumentClass struct {
	ID          string `json:"id" badgerhold:"key"`
	ClassKey    string `json:"class_key" validate:"required"` // Unique, e.g. "ARZTBRIEF"
	DisplayName string `json:"display_name"`
	Description string `json:"description,omitempty"`

	StrongIndicators []string `json:"strong_indicators,omitempty"`
	WeakIndicators   []string `json:"weak_indicators,omitempty"`

	Enabled       bool `json:"enabled"`
	IsSystemClass bool `json:"is_system_class"` // System classes cannot be deleted

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks required class fields.
func (c *DocumentClass) Validate() error {
	if c.ClassKey == "" {
		return errors.New("class_key is required")
	}
	if c.DisplayName == "" {
		return errors.New("display_name is required")
	}
	return nil
}
