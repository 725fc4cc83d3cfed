package badger

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/klartext-med/klartext/internal/interfaces"
	"github.com/klartext-med/klartext/internal/models"
)

// CostStorage implements the CostStorage interface for Badger. Records are
// append-only.
type CostStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewCostStorage creates a new CostStorage instance
func NewCostStorage(db *BadgerDB, logger arbor.ILogger) interfaces.CostStorage {
	return &CostStorage{
		db:     db,
		logger: logger,
	}
}

func (s *CostStorage) SaveCost(ctx context.Context, cost *models.CostLog) error {
	if cost.ID == "" {
		return fmt.Errorf("cost log ID is required")
	}
	if err := s.db.Store().Insert(cost.ID, cost); err != nil {
		return fmt.Errorf("failed to save cost log: %w", err)
	}
	return nil
}

func (s *CostStorage) GetCostsByProcessingID(ctx context.Context, processingID string) ([]*models.CostLog, error) {
	var rows []models.CostLog
	if err := s.db.Store().Find(&rows, badgerhold.Where("ProcessingID").Eq(processingID).Index("ProcessingID")); err != nil {
		return nil, fmt.Errorf("failed to query cost logs: %w", err)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].CreatedAt.Before(rows[j].CreatedAt) })
	result := make([]*models.CostLog, len(rows))
	for i := range rows {
		result[i] = &rows[i]
	}
	return result, nil
}

func (s *CostStorage) ListCostsSince(ctx context.Context, since time.Time) ([]*models.CostLog, error) {
	var rows []models.CostLog
	if err := s.db.Store().Find(&rows, badgerhold.Where("CreatedAt").Ge(since)); err != nil {
		return nil, fmt.Errorf("failed to list cost logs: %w", err)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].CreatedAt.Before(rows[j].CreatedAt) })
	result := make([]*models.CostLog, len(rows))
	for i := range rows {
		result[i] = &rows[i]
	}
	return result, nil
}
