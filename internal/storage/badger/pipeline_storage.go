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

// PipelineStorage implements the PipelineStorage interface for Badger. It
// persists dynamic steps, document classes and available models, and enforces
// the configuration invariants the executor depends on (unique step orders,
// at most one branching step, system classes cannot be deleted).
type PipelineStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewPipelineStorage creates a new PipelineStorage instance
func NewPipelineStorage(db *BadgerDB, logger arbor.ILogger) interfaces.PipelineStorage {
	return &PipelineStorage{
		db:     db,
		logger: logger,
	}
}

// --- Dynamic steps ---

func (s *PipelineStorage) SaveStep(ctx context.Context, step *models.DynamicStep) error {
	if step.ID == "" {
		return fmt.Errorf("step ID is required")
	}
	if err := step.Validate(); err != nil {
		return common.WrapError(common.KindValidation, "invalid step configuration", err)
	}

	// Cross-step invariants are checked against the full persisted set with
	// the candidate substituted in.
	existing, err := s.ListSteps(ctx, false)
	if err != nil {
		return err
	}
	candidate := make([]models.DynamicStep, 0, len(existing)+1)
	for _, e := range existing {
		if e.ID == step.ID {
			continue
		}
		candidate = append(candidate, *e)
	}
	candidate = append(candidate, *step)
	if err := models.ValidatePipeline(candidate); err != nil {
		return common.WrapError(common.KindValidation, "invalid pipeline configuration", err)
	}

	if err := s.db.Store().Upsert(step.ID, step); err != nil {
		return fmt.Errorf("failed to save step: %w", err)
	}
	return nil
}

func (s *PipelineStorage) GetStep(ctx context.Context, id string) (*models.DynamicStep, error) {
	var step models.DynamicStep
	if err := s.db.Store().Get(id, &step); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, common.NewError(common.KindNotFound, "step not found").WithDetail("step_id", id)
		}
		return nil, fmt.Errorf("failed to get step: %w", err)
	}
	return &step, nil
}

func (s *PipelineStorage) ListSteps(ctx context.Context, enabledOnly bool) ([]*models.DynamicStep, error) {
	var steps []models.DynamicStep
	query := &badgerhold.Query{}
	if enabledOnly {
		query = badgerhold.Where("Enabled").Eq(true)
	}
	if err := s.db.Store().Find(&steps, query); err != nil {
		return nil, fmt.Errorf("failed to list steps: %w", err)
	}

	sort.Slice(steps, func(i, j int) bool { return steps[i].Order < steps[j].Order })

	result := make([]*models.DynamicStep, len(steps))
	for i := range steps {
		result[i] = &steps[i]
	}
	return result, nil
}

func (s *PipelineStorage) DeleteStep(ctx context.Context, id string) error {
	if err := s.db.Store().Delete(id, models.DynamicStep{}); err != nil {
		if err == badgerhold.ErrNotFound {
			return common.NewError(common.KindNotFound, "step not found").WithDetail("step_id", id)
		}
		return fmt.Errorf("failed to delete step: %w", err)
	}
	return nil
}

// --- Document classes ---

func (s *PipelineStorage) SaveClass(ctx context.Context, class *models.DocumentClass) error {
	if class.ID == "" {
		return fmt.Errorf("class ID is required")
	}
	if err := class.Validate(); err != nil {
		return common.WrapError(common.KindValidation, "invalid document class", err)
	}

	// class_key must stay unique
	existing, err := s.ListClasses(ctx, false)
	if err != nil {
		return err
	}
	for _, e := range existing {
		if e.ID != class.ID && e.ClassKey == class.ClassKey {
			return common.NewError(common.KindConflict, "class_key already in use").WithDetail("class_key", class.ClassKey)
		}
	}

	if err := s.db.Store().Upsert(class.ID, class); err != nil {
		return fmt.Errorf("failed to save class: %w", err)
	}
	return nil
}

func (s *PipelineStorage) GetClass(ctx context.Context, id string) (*models.DocumentClass, error) {
	var class models.DocumentClass
	if err := s.db.Store().Get(id, &class); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, common.NewError(common.KindNotFound, "document class not found").WithDetail("class_id", id)
		}
		return nil, fmt.Errorf("failed to get class: %w", err)
	}
	return &class, nil
}

func (s *PipelineStorage) ListClasses(ctx context.Context, enabledOnly bool) ([]*models.DocumentClass, error) {
	var classes []models.DocumentClass
	query := &badgerhold.Query{}
	if enabledOnly {
		query = badgerhold.Where("Enabled").Eq(true)
	}
	if err := s.db.Store().Find(&classes, query); err != nil {
		return nil, fmt.Errorf("failed to list classes: %w", err)
	}
	sort.Slice(classes, func(i, j int) bool { return classes[i].ClassKey < classes[j].ClassKey })

	result := make([]*models.DocumentClass, len(classes))
	for i := range classes {
		result[i] = &classes[i]
	}
	return result, nil
}

func (s *PipelineStorage) DeleteClass(ctx context.Context, id string) error {
	class, err := s.GetClass(ctx, id)
	if err != nil {
		return err
	}
	if class.IsSystemClass {
		return common.NewError(common.KindValidation, "system classes cannot be deleted").WithDetail("class_key", class.ClassKey)
	}
	if err := s.db.Store().Delete(id, models.DocumentClass{}); err != nil {
		return fmt.Errorf("failed to delete class: %w", err)
	}
	return nil
}

// --- Available models ---

func (s *PipelineStorage) SaveModel(ctx context.Context, model *models.AvailableModel) error {
	if model.ID == "" {
		return fmt.Errorf("model ID is required")
	}
	if err := model.Validate(); err != nil {
		return common.WrapError(common.KindValidation, "invalid model", err)
	}
	if err := s.db.Store().Upsert(model.ID, model); err != nil {
		return fmt.Errorf("failed to save model: %w", err)
	}
	return nil
}

func (s *PipelineStorage) GetModel(ctx context.Context, id string) (*models.AvailableModel, error) {
	var model models.AvailableModel
	if err := s.db.Store().Get(id, &model); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, common.NewError(common.KindNotFound, "model not found").WithDetail("model_id", id)
		}
		return nil, fmt.Errorf("failed to get model: %w", err)
	}
	return &model, nil
}

func (s *PipelineStorage) ListModels(ctx context.Context, enabledOnly bool) ([]*models.AvailableModel, error) {
	var modelRows []models.AvailableModel
	query := &badgerhold.Query{}
	if enabledOnly {
		query = badgerhold.Where("Enabled").Eq(true)
	}
	if err := s.db.Store().Find(&modelRows, query); err != nil {
		return nil, fmt.Errorf("failed to list models: %w", err)
	}
	sort.Slice(modelRows, func(i, j int) bool { return modelRows[i].Name < modelRows[j].Name })

	result := make([]*models.AvailableModel, len(modelRows))
	for i := range modelRows {
		result[i] = &modelRows[i]
	}
	return result, nil
}

func (s *PipelineStorage) DeleteModel(ctx context.Context, id string) error {
	if err := s.db.Store().Delete(id, models.AvailableModel{}); err != nil {
		if err == badgerhold.ErrNotFound {
			return common.NewError(common.KindNotFound, "model not found").WithDetail("model_id", id)
		}
		return fmt.Errorf("failed to delete model: %w", err)
	}
	return nil
}
