// -----------------------------------------------------------------------
// System Setting - key/value runtime configuration
// -----------------------------------------------------------------------

package models

import "time"

// SystemSetting is one runtime configuration entry. Values flagged Encrypted
// are encrypted at rest by the storage layer.
type SystemSetting struct {
	Key       string    `json:"key" badgerhold:"key"`
	Value     string    `json:"value"`
	Encrypted bool      `json:"encrypted"`
	UpdatedAt time.Time `json:"updated_at"`
}
