package badger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/klartext-med/klartext/internal/common"
	"github.com/klartext-med/klartext/internal/interfaces"
	"github.com/klartext-med/klartext/internal/models"
)

// JobStorage implements the JobStorage interface for Badger. Content fields
// are encrypted on write and decrypted on read; searchable hashes are
// maintained on write. The mutex serializes read-modify-write cycles so that
// CompareAndSwapStatus sees exactly one winner among concurrent workers.
type JobStorage struct {
	db        *BadgerDB
	encryptor *common.Encryptor
	logger    arbor.ILogger
	mu        sync.Mutex
}

// NewJobStorage creates a new JobStorage instance
func NewJobStorage(db *BadgerDB, encryptor *common.Encryptor, logger arbor.ILogger) interfaces.JobStorage {
	return &JobStorage{
		db:        db,
		encryptor: encryptor,
		logger:    logger,
	}
}

func (s *JobStorage) SaveJob(ctx context.Context, job *models.Job) error {
	if job.ProcessingID == "" {
		return fmt.Errorf("processing id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(job)
}

func (s *JobStorage) saveLocked(job *models.Job) error {
	record, err := s.encrypt(job)
	if err != nil {
		return err
	}
	if err := s.db.Store().Upsert(job.ProcessingID, record); err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}
	return nil
}

func (s *JobStorage) GetJob(ctx context.Context, processingID string) (*models.Job, error) {
	var job models.Job
	if err := s.db.Store().Get(processingID, &job); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, common.NewError(common.KindNotFound, "job not found").WithDetail("processing_id", processingID)
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	if err := s.decrypt(&job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *JobStorage) CompareAndSwapStatus(ctx context.Context, processingID string, from, to models.JobStatus, mutate func(*models.Job)) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.getLocked(processingID)
	if err != nil {
		return false, err
	}
	if job.Status != from {
		return false, nil
	}
	job.Status = to
	if mutate != nil {
		mutate(job)
	}
	if err := s.saveLocked(job); err != nil {
		return false, err
	}
	return true, nil
}

func (s *JobStorage) UpdateJob(ctx context.Context, processingID string, mutate func(*models.Job)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.getLocked(processingID)
	if err != nil {
		return err
	}
	mutate(job)
	return s.saveLocked(job)
}

func (s *JobStorage) getLocked(processingID string) (*models.Job, error) {
	var job models.Job
	if err := s.db.Store().Get(processingID, &job); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, common.NewError(common.KindNotFound, "job not found").WithDetail("processing_id", processingID)
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	if err := s.decrypt(&job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *JobStorage) ListActiveJobs(ctx context.Context) ([]*models.Job, error) {
	var jobs []models.Job
	query := badgerhold.Where("Status").In(
		models.JobStatusPending,
		models.JobStatusQueued,
		models.JobStatusRunning,
	).SortBy("UploadedAt").Reverse()

	if err := s.db.Store().Find(&jobs, query); err != nil {
		return nil, fmt.Errorf("failed to list active jobs: %w", err)
	}

	result := make([]*models.Job, 0, len(jobs))
	for i := range jobs {
		if err := s.decrypt(&jobs[i]); err != nil {
			return nil, err
		}
		result = append(result, &jobs[i])
	}
	return result, nil
}

func (s *JobStorage) ListJobsOlderThan(ctx context.Context, cutoff time.Time) ([]*models.Job, error) {
	var jobs []models.Job
	if err := s.db.Store().Find(&jobs, badgerhold.Where("UploadedAt").Lt(cutoff)); err != nil {
		return nil, fmt.Errorf("failed to list old jobs: %w", err)
	}
	result := make([]*models.Job, 0, len(jobs))
	for i := range jobs {
		if err := s.decrypt(&jobs[i]); err != nil {
			return nil, err
		}
		result = append(result, &jobs[i])
	}
	return result, nil
}

func (s *JobStorage) ClearContent(ctx context.Context, processingID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.getLocked(processingID)
	if err != nil {
		return err
	}
	if job.ContentClearedAt != nil {
		// Already cleared - idempotent no-op
		return nil
	}

	job.FileData = nil
	job.OriginalText = ""
	job.TranslatedText = ""
	job.LanguageTranslatedText = ""
	job.OriginalTextSearchable = ""
	job.TranslatedTextSearchable = ""
	now := time.Now().UTC()
	job.ContentClearedAt = &now

	if err := s.saveLocked(job); err != nil {
		return err
	}

	s.logger.Info().
		Str("processing_id", processingID).
		Msg("Job content cleared")
	return nil
}

func (s *JobStorage) DeleteJob(ctx context.Context, processingID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.db.Store().Delete(processingID, models.Job{}); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil
		}
		return fmt.Errorf("failed to delete job: %w", err)
	}
	return nil
}

// encrypt returns a copy of the job with content fields encrypted and
// searchable hashes refreshed. The caller's job stays plaintext.
func (s *JobStorage) encrypt(job *models.Job) (*models.Job, error) {
	record := *job

	record.OriginalTextSearchable = common.SearchableHash(job.OriginalText)
	record.TranslatedTextSearchable = common.SearchableHash(job.TranslatedText)

	var err error
	if record.FileData, err = s.encryptor.EncryptBytes(job.FileData); err != nil {
		return nil, fmt.Errorf("failed to encrypt file data: %w", err)
	}
	if record.OriginalText, err = s.encryptor.EncryptString(job.OriginalText); err != nil {
		return nil, fmt.Errorf("failed to encrypt original text: %w", err)
	}
	if record.TranslatedText, err = s.encryptor.EncryptString(job.TranslatedText); err != nil {
		return nil, fmt.Errorf("failed to encrypt translated text: %w", err)
	}
	if record.LanguageTranslatedText, err = s.encryptor.EncryptString(job.LanguageTranslatedText); err != nil {
		return nil, fmt.Errorf("failed to encrypt language translation: %w", err)
	}
	return &record, nil
}

func (s *JobStorage) decrypt(job *models.Job) error {
	var err error
	if job.FileData, err = s.encryptor.DecryptBytes(job.FileData); err != nil {
		return fmt.Errorf("failed to decrypt file data: %w", err)
	}
	if job.OriginalText, err = s.encryptor.DecryptString(job.OriginalText); err != nil {
		return fmt.Errorf("failed to decrypt original text: %w", err)
	}
	if job.TranslatedText, err = s.encryptor.DecryptString(job.TranslatedText); err != nil {
		return fmt.Errorf("failed to decrypt translated text: %w", err)
	}
	if job.LanguageTranslatedText, err = s.encryptor.DecryptString(job.LanguageTranslatedText); err != nil {
		return fmt.Errorf("failed to decrypt language translation: %w", err)
	}
	return nil
}
