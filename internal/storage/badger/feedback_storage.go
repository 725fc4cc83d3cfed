package badger

import (
	"context"
	"fmt"
	"sort"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/klartext-med/klartext/internal/common"
	"github.com/klartext-med/klartext/internal/interfaces"
	"github.com/klartext-med/klartext/internal/models"
)

// FeedbackStorage implements the FeedbackStorage interface for Badger.
type FeedbackStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewFeedbackStorage creates a new FeedbackStorage instance
func NewFeedbackStorage(db *BadgerDB, logger arbor.ILogger) interfaces.FeedbackStorage {
	return &FeedbackStorage{
		db:     db,
		logger: logger,
	}
}

func (s *FeedbackStorage) SaveFeedback(ctx context.Context, feedback *models.Feedback) error {
	if feedback.ID == "" {
		return fmt.Errorf("feedback ID is required")
	}
	if err := s.db.Store().Upsert(feedback.ID, feedback); err != nil {
		return fmt.Errorf("failed to save feedback: %w", err)
	}
	return nil
}

func (s *FeedbackStorage) GetFeedback(ctx context.Context, id string) (*models.Feedback, error) {
	var feedback models.Feedback
	if err := s.db.Store().Get(id, &feedback); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, common.NewError(common.KindNotFound, "feedback not found").WithDetail("feedback_id", id)
		}
		return nil, fmt.Errorf("failed to get feedback: %w", err)
	}
	return &feedback, nil
}

func (s *FeedbackStorage) GetFeedbackByProcessingID(ctx context.Context, processingID string) (*models.Feedback, error) {
	var rows []models.Feedback
	if err := s.db.Store().Find(&rows, badgerhold.Where("ProcessingID").Eq(processingID).Index("ProcessingID")); err != nil {
		return nil, fmt.Errorf("failed to query feedback: %w", err)
	}
	if len(rows) == 0 {
		return nil, common.NewError(common.KindNotFound, "feedback not found").WithDetail("processing_id", processingID)
	}
	return &rows[0], nil
}

func (s *FeedbackStorage) ListFeedback(ctx context.Context, limit int) ([]*models.Feedback, error) {
	var rows []models.Feedback
	if err := s.db.Store().Find(&rows, &badgerhold.Query{}); err != nil {
		return nil, fmt.Errorf("failed to list feedback: %w", err)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].CreatedAt.After(rows[j].CreatedAt) })
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	result := make([]*models.Feedback, len(rows))
	for i := range rows {
		result[i] = &rows[i]
	}
	return result, nil
}

func (s *FeedbackStorage) SaveAnalysis(ctx context.Context, analysis *models.FeedbackAnalysis) error {
	if analysis.ID == "" {
		return fmt.Errorf("analysis ID is required")
	}
	if err := s.db.Store().Upsert(analysis.ID, analysis); err != nil {
		return fmt.Errorf("failed to save feedback analysis: %w", err)
	}
	return nil
}

func (s *FeedbackStorage) GetAnalysisByProcessingID(ctx context.Context, processingID string) (*models.FeedbackAnalysis, error) {
	var rows []models.FeedbackAnalysis
	if err := s.db.Store().Find(&rows, badgerhold.Where("ProcessingID").Eq(processingID).Index("ProcessingID")); err != nil {
		return nil, fmt.Errorf("failed to query feedback analysis: %w", err)
	}
	if len(rows) == 0 {
		return nil, common.NewError(common.KindNotFound, "feedback analysis not found").WithDetail("processing_id", processingID)
	}
	return &rows[0], nil
}
