// -----------------------------------------------------------------------
// Cache service - advisory Redis namespace cache with health tracking
// -----------------------------------------------------------------------

package cache

import (
	"context"
	"encoding/json"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/ternarybob/arbor"

	"github.com/klartext-med/klartext/internal/common"
	"github.com/klartext-med/klartext/internal/interfaces"
)

// Service is the advisory namespace cache. Keys are laid out as
// {prefix}:{namespace}:{key}; namespace invalidation deletes by pattern.
// After failureThreshold consecutive errors the cache marks itself unhealthy
// and stops issuing network calls until Reset.
type Service struct {
	client           *redis.Client
	keyPrefix        string
	defaultTTL       time.Duration
	failureThreshold int
	failures         atomic.Int32
	logger           arbor.ILogger
}

var _ interfaces.CacheService = (*Service)(nil)

// NewService connects to Redis. A connection failure disables the cache
// rather than failing startup: readers fall back to storage.
func NewService(cfg *common.CacheConfig, logger arbor.ILogger) *Service {
	s := &Service{
		keyPrefix:        cfg.KeyPrefix,
		defaultTTL:       time.Duration(cfg.DefaultTTLSeconds) * time.Second,
		failureThreshold: cfg.FailureThreshold,
		logger:           logger,
	}
	if s.failureThreshold <= 0 {
		s.failureThreshold = 5
	}

	if !cfg.Enabled {
		logger.Debug().Msg("Cache disabled by configuration")
		return s
	}

	opts := &redis.Options{Addr: cfg.RedisURL}
	if strings.Contains(cfg.RedisURL, "://") {
		parsed, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Warn().Err(err).Msg("Invalid cache Redis URL, cache disabled")
			return s
		}
		opts = parsed
	}

	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn().Err(err).Msg("Cache Redis unreachable, cache disabled")
		client.Close()
		return s
	}

	s.client = client
	logger.Info().Str("addr", opts.Addr).Msg("Cache service connected")
	return s
}

func (s *Service) key(namespace, key string) string {
	return s.keyPrefix + ":" + namespace + ":" + key
}

// Get loads a cached value into dest. Returns false on miss, error, disabled
// or unhealthy cache.
func (s *Service) Get(ctx context.Context, namespace, key string, dest interface{}) bool {
	if !s.Healthy() {
		return false
	}

	data, err := s.client.Get(ctx, s.key(namespace, key)).Bytes()
	if err == redis.Nil {
		return false
	}
	if err != nil {
		s.recordFailure(err)
		return false
	}
	s.failures.Store(0)

	if err := json.Unmarshal(data, dest); err != nil {
		s.logger.Warn().Err(err).Str("namespace", namespace).Msg("Corrupt cache entry, ignoring")
		return false
	}
	return true
}

// Set stores a value. Errors are swallowed after being counted.
func (s *Service) Set(ctx context.Context, namespace, key string, value interface{}, ttl time.Duration) {
	if !s.Healthy() {
		return
	}
	if ttl <= 0 {
		ttl = s.defaultTTL
	}

	data, err := json.Marshal(value)
	if err != nil {
		s.logger.Warn().Err(err).Str("namespace", namespace).Msg("Failed to marshal cache value")
		return
	}
	if err := s.client.Set(ctx, s.key(namespace, key), data, ttl).Err(); err != nil {
		s.recordFailure(err)
		return
	}
	s.failures.Store(0)
}

// InvalidateNamespace deletes every key in the namespace.
func (s *Service) InvalidateNamespace(ctx context.Context, namespace string) {
	if !s.Healthy() {
		return
	}

	pattern := s.key(namespace, "*")
	iter := s.client.Scan(ctx, 0, pattern, 100).Iterator()
	deleted := 0
	for iter.Next(ctx) {
		if err := s.client.Del(ctx, iter.Val()).Err(); err != nil {
			s.recordFailure(err)
			return
		}
		deleted++
	}
	if err := iter.Err(); err != nil {
		s.recordFailure(err)
		return
	}
	s.failures.Store(0)
	s.logger.Debug().Str("namespace", namespace).Int("deleted", deleted).Msg("Cache namespace invalidated")
}

// Healthy reports whether the cache is usable.
func (s *Service) Healthy() bool {
	return s.client != nil && int(s.failures.Load()) < s.failureThreshold
}

// Reset clears the failure counter, re-enabling an unhealthy cache.
func (s *Service) Reset() {
	s.failures.Store(0)
}

func (s *Service) recordFailure(err error) {
	count := s.failures.Add(1)
	if int(count) == s.failureThreshold {
		s.logger.Warn().Err(err).Int32("failures", count).Msg("Cache marked unhealthy")
	}
}

// Close closes the Redis connection.
func (s *Service) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}
