package badger

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/klartext-med/klartext/internal/common"
	"github.com/klartext-med/klartext/internal/interfaces"
	"github.com/klartext-med/klartext/internal/models"
)

// SettingStorage implements the SettingStorage interface for Badger.
// Settings flagged Encrypted are encrypted at rest.
type SettingStorage struct {
	db        *BadgerDB
	encryptor *common.Encryptor
	logger    arbor.ILogger
}

// NewSettingStorage creates a new SettingStorage instance
func NewSettingStorage(db *BadgerDB, encryptor *common.Encryptor, logger arbor.ILogger) interfaces.SettingStorage {
	return &SettingStorage{
		db:        db,
		encryptor: encryptor,
		logger:    logger,
	}
}

func (s *SettingStorage) GetSetting(ctx context.Context, key string) (*models.SystemSetting, error) {
	var setting models.SystemSetting
	if err := s.db.Store().Get(key, &setting); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, common.NewError(common.KindNotFound, "setting not found").WithDetail("key", key)
		}
		return nil, fmt.Errorf("failed to get setting: %w", err)
	}
	if setting.Encrypted {
		value, err := s.encryptor.DecryptString(setting.Value)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt setting %s: %w", key, err)
		}
		setting.Value = value
	}
	return &setting, nil
}

func (s *SettingStorage) SaveSetting(ctx context.Context, setting *models.SystemSetting) error {
	if setting.Key == "" {
		return fmt.Errorf("setting key is required")
	}
	record := *setting
	record.UpdatedAt = time.Now().UTC()
	if record.Encrypted {
		value, err := s.encryptor.EncryptString(setting.Value)
		if err != nil {
			return fmt.Errorf("failed to encrypt setting %s: %w", setting.Key, err)
		}
		record.Value = value
	}
	if err := s.db.Store().Upsert(record.Key, &record); err != nil {
		return fmt.Errorf("failed to save setting: %w", err)
	}
	return nil
}

func (s *SettingStorage) ListSettings(ctx context.Context) ([]*models.SystemSetting, error) {
	var settings []models.SystemSetting
	if err := s.db.Store().Find(&settings, &badgerhold.Query{}); err != nil {
		return nil, fmt.Errorf("failed to list settings: %w", err)
	}
	sort.Slice(settings, func(i, j int) bool { return settings[i].Key < settings[j].Key })

	result := make([]*models.SystemSetting, 0, len(settings))
	for i := range settings {
		setting := settings[i]
		if setting.Encrypted {
			// Encrypted values are not exposed in listings
			setting.Value = ""
		}
		result = append(result, &setting)
	}
	return result, nil
}

func (s *SettingStorage) DeleteSetting(ctx context.Context, key string) error {
	if err := s.db.Store().Delete(key, models.SystemSetting{}); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil
		}
		return fmt.Errorf("failed to delete setting: %w", err)
	}
	return nil
}
