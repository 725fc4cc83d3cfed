// -----------------------------------------------------------------------
// Redis-backed broker - list-per-queue, SETNX dedup keys
// -----------------------------------------------------------------------

package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/ternarybob/arbor"

	"github.com/klartext-med/klartext/internal/common"
	"github.com/klartext-med/klartext/internal/interfaces"
	"github.com/klartext-med/klartext/internal/models"
)

// dedupTTL bounds how long an in-flight dedup key can block re-enqueue if a
// worker dies without acking.
const dedupTTL = 30 * time.Minute

// RedisManager implements the broker on Redis lists. Each named queue is a
// list at klartext:queue:{name}; dedup keys live at
// klartext:dedup:{queue}:{id} with a TTL.
type RedisManager struct {
	client *redis.Client
	logger arbor.ILogger
}

var _ interfaces.QueueManager = (*RedisManager)(nil)

// NewRedisManager connects to Redis at the given URL and verifies the
// connection before returning. Accepts either a redis:// URL or a bare
// host:port address.
func NewRedisManager(redisURL string, logger arbor.ILogger) (*RedisManager, error) {
	opts, err := parseRedisOptions(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info().Str("addr", opts.Addr).Msg("Connected to Redis broker")
	return &RedisManager{client: client, logger: logger}, nil
}

func parseRedisOptions(redisURL string) (*redis.Options, error) {
	if strings.Contains(redisURL, "://") {
		opts, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis URL: %w", err)
		}
		return opts, nil
	}
	return &redis.Options{Addr: redisURL}, nil
}

func redisListKey(queue string) string {
	return "klartext:queue:" + queue
}

func redisDedupKey(queue, dedupID string) string {
	return "klartext:dedup:" + queue + ":" + dedupID
}

// Enqueue pushes a message onto the named queue. A message whose dedup id is
// already in flight is refused with a conflict error.
func (m *RedisManager) Enqueue(ctx context.Context, queue string, msg models.QueueMessage) (string, error) {
	if msg.DedupID != "" {
		ok, err := m.client.SetNX(ctx, redisDedupKey(queue, msg.DedupID), "1", dedupTTL).Result()
		if err != nil {
			return "", fmt.Errorf("failed to set dedup key: %w", err)
		}
		if !ok {
			return "", common.NewError(common.KindConflict, "task already enqueued").WithDetail("dedup_id", msg.DedupID)
		}
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("failed to marshal queue message: %w", err)
	}
	if err := m.client.LPush(ctx, redisListKey(queue), data).Err(); err != nil {
		return "", fmt.Errorf("failed to enqueue message: %w", err)
	}

	// Task id doubles as the dedup id when present
	if msg.DedupID != "" {
		return msg.DedupID, nil
	}
	return fmt.Sprintf("%s:%d", queue, time.Now().UnixNano()), nil
}

// Receive pops the next message from the named queue. Redis delivery is
// at-most-once here; job status transitions absorb any re-delivery.
func (m *RedisManager) Receive(ctx context.Context, queue string) (*models.QueueMessage, func() error, error) {
	data, err := m.client.RPop(ctx, redisListKey(queue)).Bytes()
	if err == redis.Nil {
		return nil, nil, models.ErrNoMessage
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to receive message: %w", err)
	}

	var msg models.QueueMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, nil, fmt.Errorf("failed to unmarshal queue message: %w", err)
	}

	deleteFn := func() error {
		if msg.DedupID == "" {
			return nil
		}
		return m.client.Del(context.Background(), redisDedupKey(queue, msg.DedupID)).Err()
	}
	return &msg, deleteFn, nil
}

// Healthy reports whether Redis answers a ping.
func (m *RedisManager) Healthy(ctx context.Context) error {
	if err := m.client.Ping(ctx).Err(); err != nil {
		return common.NewError(common.KindUnavailable, "queue broker unreachable").WithDetail("cause", err.Error())
	}
	return nil
}

// Close closes the Redis connection.
func (m *RedisManager) Close() error {
	return m.client.Close()
}
