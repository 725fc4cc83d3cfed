package badger

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/klartext-med/klartext/internal/interfaces"
	"github.com/klartext-med/klartext/internal/models"
)

// OCRConfigStorage implements the OCRConfigStorage interface for Badger.
// The configuration is a singleton row; a missing row yields the defaults.
type OCRConfigStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewOCRConfigStorage creates a new OCRConfigStorage instance
func NewOCRConfigStorage(db *BadgerDB, logger arbor.ILogger) interfaces.OCRConfigStorage {
	return &OCRConfigStorage{
		db:     db,
		logger: logger,
	}
}

func (s *OCRConfigStorage) GetActive(ctx context.Context) (*models.OCRConfiguration, error) {
	var config models.OCRConfiguration
	if err := s.db.Store().Get(models.ActiveOCRConfigID, &config); err != nil {
		if err == badgerhold.ErrNotFound {
			return models.DefaultOCRConfiguration(), nil
		}
		return nil, fmt.Errorf("failed to get OCR configuration: %w", err)
	}
	return &config, nil
}

func (s *OCRConfigStorage) SaveActive(ctx context.Context, config *models.OCRConfiguration) error {
	config.ID = models.ActiveOCRConfigID
	config.UpdatedAt = time.Now().UTC()
	if err := s.db.Store().Upsert(config.ID, config); err != nil {
		return fmt.Errorf("failed to save OCR configuration: %w", err)
	}
	return nil
}
