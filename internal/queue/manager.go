// -----------------------------------------------------------------------
// Broker factory - selects the Badger or Redis backend from configuration
// -----------------------------------------------------------------------

package queue

import (
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"

	"github.com/klartext-med/klartext/internal/common"
	"github.com/klartext-med/klartext/internal/interfaces"
)

// NewManager builds the broker configured in [queue]. The embedded Badger
// queue is the default; use_redis switches to the Redis backend for
// multi-process deployments.
func NewManager(cfg *common.QueueConfig, db *badger.DB, logger arbor.ILogger) (interfaces.QueueManager, error) {
	if cfg.UseRedis {
		logger.Info().Str("redis_url", cfg.RedisURL).Msg("Using Redis queue backend")
		return NewRedisManager(cfg.RedisURL, logger)
	}

	visibility, err := time.ParseDuration(cfg.VisibilityTimeout)
	if err != nil {
		visibility = 5 * time.Minute
	}

	logger.Info().Msg("Using embedded Badger queue backend")
	return NewBadgerManager(db, visibility, cfg.MaxReceive, logger)
}
