// -----------------------------------------------------------------------
// Scheduler - cron safety net for GDPR content retention
// -----------------------------------------------------------------------

package scheduler

import (
	"context"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/klartext-med/klartext/internal/common"
	"github.com/klartext-med/klartext/internal/services/jobs"
)

// Service runs the periodic content-retention sweep. The primary erasure
// paths are the feedback consent handling and the cleanup endpoint; this
// sweep catches jobs whose users simply walked away.
type Service struct {
	cron   *cron.Cron
	jobs   *jobs.Service
	config *common.Config
	logger arbor.ILogger
}

// NewService creates the scheduler.
func NewService(jobService *jobs.Service, config *common.Config, logger arbor.ILogger) *Service {
	return &Service{
		cron:   cron.New(),
		jobs:   jobService,
		config: config,
		logger: logger,
	}
}

// Start registers the cleanup schedule and starts the cron loop.
func (s *Service) Start() error {
	schedule := s.config.Processing.CleanupSchedule
	if schedule == "" {
		schedule = "0 * * * *"
	}

	_, err := s.cron.AddFunc(schedule, func() {
		ctx := context.Background()
		cleared, err := s.jobs.CleanupExpired(ctx)
		if err != nil {
			s.logger.Error().Err(err).Msg("Scheduled cleanup failed")
			return
		}
		s.logger.Debug().Int("cleared", cleared).Msg("Scheduled cleanup finished")
	})
	if err != nil {
		return err
	}

	s.cron.Start()
	s.logger.Info().Str("schedule", schedule).Msg("Cleanup scheduler started")
	return nil
}

// Stop halts the cron loop, waiting for a running sweep to finish.
func (s *Service) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info().Msg("Cleanup scheduler stopped")
}
