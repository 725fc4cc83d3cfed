package badger

import (
	"github.com/ternarybob/arbor"

	"github.com/klartext-med/klartext/internal/common"
	"github.com/klartext-med/klartext/internal/interfaces"
)

// Manager implements the StorageManager interface for Badger
type Manager struct {
	db        *BadgerDB
	job       interfaces.JobStorage
	execution interfaces.StepExecutionStorage
	pipeline  interfaces.PipelineStorage
	ocrConfig interfaces.OCRConfigStorage
	setting   interfaces.SettingStorage
	feedback  interfaces.FeedbackStorage
	cost      interfaces.CostStorage
	logger    arbor.ILogger
}

// NewManager creates a new Badger storage manager. The encryptor is threaded
// into every store that persists medical content.
func NewManager(logger arbor.ILogger, config *common.BadgerConfig, encryptor *common.Encryptor) (interfaces.StorageManager, error) {
	db, err := NewBadgerDB(logger, config)
	if err != nil {
		return nil, err
	}

	manager := &Manager{
		db:        db,
		job:       NewJobStorage(db, encryptor, logger),
		execution: NewStepExecutionStorage(db, encryptor, logger),
		pipeline:  NewPipelineStorage(db, logger),
		ocrConfig: NewOCRConfigStorage(db, logger),
		setting:   NewSettingStorage(db, encryptor, logger),
		feedback:  NewFeedbackStorage(db, logger),
		cost:      NewCostStorage(db, logger),
		logger:    logger,
	}

	logger.Info().Msg("Badger storage manager initialized")

	return manager, nil
}

// JobStorage returns the Job storage interface
func (m *Manager) JobStorage() interfaces.JobStorage {
	return m.job
}

// StepExecutionStorage returns the StepExecution storage interface
func (m *Manager) StepExecutionStorage() interfaces.StepExecutionStorage {
	return m.execution
}

// PipelineStorage returns the Pipeline storage interface
func (m *Manager) PipelineStorage() interfaces.PipelineStorage {
	return m.pipeline
}

// OCRConfigStorage returns the OCR configuration storage interface
func (m *Manager) OCRConfigStorage() interfaces.OCRConfigStorage {
	return m.ocrConfig
}

// SettingStorage returns the SystemSetting storage interface
func (m *Manager) SettingStorage() interfaces.SettingStorage {
	return m.setting
}

// FeedbackStorage returns the Feedback storage interface
func (m *Manager) FeedbackStorage() interfaces.FeedbackStorage {
	return m.feedback
}

// CostStorage returns the CostLog storage interface
func (m *Manager) CostStorage() interfaces.CostStorage {
	return m.cost
}

// DB returns the underlying database connection
func (m *Manager) DB() *BadgerDB {
	return m.db
}

// Close closes the database connection
func (m *Manager) Close() error {
	if m.db != nil {
		return m.db.Close()
	}
	return nil
}
