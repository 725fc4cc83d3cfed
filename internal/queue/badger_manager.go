// -----------------------------------------------------------------------
// Badger-backed broker - embedded persistent queue with visibility timeout
// -----------------------------------------------------------------------

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/ternarybob/arbor"

	"github.com/klartext-med/klartext/internal/common"
	"github.com/klartext-med/klartext/internal/interfaces"
	"github.com/klartext-med/klartext/internal/models"
)

// queuedMessage is the internal structure stored in Badger
type queuedMessage struct {
	ID           string              `json:"id"`
	Queue        string              `json:"queue"`
	Body         models.QueueMessage `json:"body"`
	EnqueuedAt   time.Time           `json:"enqueued_at"`
	VisibleAt    time.Time           `json:"visible_at"`
	ReceiveCount int                 `json:"receive_count"`
}

// BadgerManager implements a persistent named-queue broker on BadgerDB.
// Message data lives at queue:{name}:msg:{id}; a visibility index at
// queue:{name}:index:{visibleAtNanos}:{id} keeps ready messages cheap to
// scan; queue:{name}:dedup:{dedupID} enforces at-most-once enqueue per
// processing id while the task is in flight.
type BadgerManager struct {
	db                *badger.DB
	visibilityTimeout time.Duration
	maxReceive        int
	logger            arbor.ILogger
}

var _ interfaces.QueueManager = (*BadgerManager)(nil)

// NewBadgerManager creates a new Badger-backed broker
func NewBadgerManager(db *badger.DB, visibilityTimeout time.Duration, maxReceive int, logger arbor.ILogger) (*BadgerManager, error) {
	if db == nil {
		return nil, errors.New("badger db is required")
	}
	if visibilityTimeout <= 0 {
		visibilityTimeout = 5 * time.Minute
	}
	if maxReceive <= 0 {
		maxReceive = 3
	}

	return &BadgerManager{
		db:                db,
		visibilityTimeout: visibilityTimeout,
		maxReceive:        maxReceive,
		logger:            logger,
	}, nil
}

func msgKey(queue, id string) []byte {
	return []byte(fmt.Sprintf("queue:%s:msg:%s", queue, id))
}

func indexKey(queue string, visibleAt time.Time, id string) []byte {
	// Fixed-width nanosecond timestamp keeps the index lexically sorted by time
	return []byte(fmt.Sprintf("queue:%s:index:%020d:%s", queue, visibleAt.UnixNano(), id))
}

func dedupKey(queue, dedupID string) []byte {
	return []byte(fmt.Sprintf("queue:%s:dedup:%s", queue, dedupID))
}

func parseIndexKey(queue string, key []byte) (time.Time, string, error) {
	prefix := fmt.Sprintf("queue:%s:index:", queue)
	rest := strings.TrimPrefix(string(key), prefix)
	parts := strings.SplitN(rest, ":", 2)
	if len(parts) != 2 {
		return time.Time{}, "", fmt.Errorf("malformed index key: %s", key)
	}
	nanos, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("malformed index timestamp: %w", err)
	}
	return time.Unix(0, nanos), parts[1], nil
}

// Enqueue adds a message to the named queue. A message whose dedup id is
// already in flight is refused with a conflict error - at-most-once per
// processing id.
func (m *BadgerManager) Enqueue(ctx context.Context, queue string, msg models.QueueMessage) (string, error) {
	id := uuid.New().String()
	qMsg := queuedMessage{
		ID:         id,
		Queue:      queue,
		Body:       msg,
		EnqueuedAt: time.Now(),
		VisibleAt:  time.Now(),
	}

	data, err := json.Marshal(qMsg)
	if err != nil {
		return "", fmt.Errorf("failed to marshal queue message: %w", err)
	}

	err = m.db.Update(func(txn *badger.Txn) error {
		if msg.DedupID != "" {
			dk := dedupKey(queue, msg.DedupID)
			if _, err := txn.Get(dk); err == nil {
				return common.NewError(common.KindConflict, "task already enqueued").WithDetail("dedup_id", msg.DedupID)
			} else if err != badger.ErrKeyNotFound {
				return err
			}
			if err := txn.Set(dk, []byte(id)); err != nil {
				return err
			}
		}
		if err := txn.Set(msgKey(queue, id), data); err != nil {
			return err
		}
		return txn.Set(indexKey(queue, qMsg.VisibleAt, id), []byte{})
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// Receive pulls the next visible message from the named queue. Returns the
// message and a delete function to call after successful processing. An
// in-flight message becomes visible again after the visibility timeout;
// exceeding maxReceive dead-letters it.
func (m *BadgerManager) Receive(ctx context.Context, queue string) (*models.QueueMessage, func() error, error) {
	var found *queuedMessage

	err := m.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		prefix := []byte(fmt.Sprintf("queue:%s:index:", queue))
		it := txn.NewIterator(opts)
		defer it.Close()

		now := time.Now()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().KeyCopy(nil)
			ts, id, err := parseIndexKey(queue, key)
			if err != nil {
				continue
			}
			if ts.After(now) {
				// Index is time-sorted: nothing later is ready either
				break
			}

			item, err := txn.Get(msgKey(queue, id))
			if err != nil {
				if err == badger.ErrKeyNotFound {
					// Stale index entry, clean it up
					if err := txn.Delete(key); err != nil {
						return err
					}
					continue
				}
				return err
			}

			var qMsg queuedMessage
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &qMsg)
			}); err != nil {
				return err
			}

			qMsg.ReceiveCount++
			if qMsg.ReceiveCount > m.maxReceive {
				m.logger.Warn().
					Str("queue", queue).
					Str("message_id", id).
					Int("receive_count", qMsg.ReceiveCount).
					Msg("Message exceeded max receives, dead-lettering")
				if err := m.removeLocked(txn, queue, key, &qMsg); err != nil {
					return err
				}
				continue
			}

			// Reschedule visibility: move the index entry forward
			qMsg.VisibleAt = now.Add(m.visibilityTimeout)
			data, err := json.Marshal(qMsg)
			if err != nil {
				return err
			}
			if err := txn.Delete(key); err != nil {
				return err
			}
			if err := txn.Set(indexKey(queue, qMsg.VisibleAt, id), []byte{}); err != nil {
				return err
			}
			if err := txn.Set(msgKey(queue, id), data); err != nil {
				return err
			}

			found = &qMsg
			return nil
		}
		return models.ErrNoMessage
	})
	if err != nil {
		return nil, nil, err
	}

	msg := found.Body
	deleteFn := func() error {
		return m.db.Update(func(txn *badger.Txn) error {
			return m.removeLocked(txn, queue, indexKey(queue, found.VisibleAt, found.ID), found)
		})
	}
	return &msg, deleteFn, nil
}

func (m *BadgerManager) removeLocked(txn *badger.Txn, queue string, idxKey []byte, qMsg *queuedMessage) error {
	if err := txn.Delete(msgKey(queue, qMsg.ID)); err != nil && err != badger.ErrKeyNotFound {
		return err
	}
	if err := txn.Delete(idxKey); err != nil && err != badger.ErrKeyNotFound {
		return err
	}
	if qMsg.Body.DedupID != "" {
		if err := txn.Delete(dedupKey(queue, qMsg.Body.DedupID)); err != nil && err != badger.ErrKeyNotFound {
			return err
		}
	}
	return nil
}

// Healthy reports whether the broker can accept work.
func (m *BadgerManager) Healthy(ctx context.Context) error {
	if m.db == nil || m.db.IsClosed() {
		return common.NewError(common.KindUnavailable, "queue database is closed")
	}
	return nil
}

// Close is a no-op: the Badger connection is owned by the storage manager.
func (m *BadgerManager) Close() error {
	return nil
}
