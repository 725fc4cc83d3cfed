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

// StepExecutionStorage implements the StepExecutionStorage interface for
// Badger. Input and output texts are encrypted at rest.
type StepExecutionStorage struct {
	db        *BadgerDB
	encryptor *common.Encryptor
	logger    arbor.ILogger
}

// NewStepExecutionStorage creates a new StepExecutionStorage instance
func NewStepExecutionStorage(db *BadgerDB, encryptor *common.Encryptor, logger arbor.ILogger) interfaces.StepExecutionStorage {
	return &StepExecutionStorage{
		db:        db,
		encryptor: encryptor,
		logger:    logger,
	}
}

func (s *StepExecutionStorage) SaveExecution(ctx context.Context, exec *models.StepExecution) error {
	if exec.ID == "" {
		return fmt.Errorf("execution ID is required")
	}

	record := *exec
	var err error
	if record.InputText, err = s.encryptor.EncryptString(exec.InputText); err != nil {
		return fmt.Errorf("failed to encrypt step input: %w", err)
	}
	if record.OutputText, err = s.encryptor.EncryptString(exec.OutputText); err != nil {
		return fmt.Errorf("failed to encrypt step output: %w", err)
	}

	if err := s.db.Store().Upsert(exec.ID, &record); err != nil {
		return fmt.Errorf("failed to save step execution: %w", err)
	}
	return nil
}

func (s *StepExecutionStorage) GetExecutions(ctx context.Context, processingID string) ([]*models.StepExecution, error) {
	var execs []models.StepExecution
	if err := s.db.Store().Find(&execs, badgerhold.Where("ProcessingID").Eq(processingID).Index("ProcessingID")); err != nil {
		return nil, fmt.Errorf("failed to list step executions: %w", err)
	}

	result := make([]*models.StepExecution, 0, len(execs))
	for i := range execs {
		exec := &execs[i]
		var err error
		if exec.InputText, err = s.encryptor.DecryptString(exec.InputText); err != nil {
			return nil, fmt.Errorf("failed to decrypt step input: %w", err)
		}
		if exec.OutputText, err = s.encryptor.DecryptString(exec.OutputText); err != nil {
			return nil, fmt.Errorf("failed to decrypt step output: %w", err)
		}
		result = append(result, exec)
	}

	// Order by (step order, created_at) - the audit sequence within a job
	sort.Slice(result, func(i, j int) bool {
		if result[i].StepOrder != result[j].StepOrder {
			return result[i].StepOrder < result[j].StepOrder
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (s *StepExecutionStorage) DeleteExecutions(ctx context.Context, processingID string) error {
	if err := s.db.Store().DeleteMatching(models.StepExecution{}, badgerhold.Where("ProcessingID").Eq(processingID)); err != nil {
		return fmt.Errorf("failed to delete step executions: %w", err)
	}
	return nil
}
