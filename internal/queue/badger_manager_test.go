package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/klartext-med/klartext/internal/common"
	"github.com/klartext-med/klartext/internal/models"
)

func testLogger() arbor.ILogger {
	return arbor.NewLogger()
}

func testBadgerDB(t *testing.T) *badger.DB {
	t.Helper()
	opts := badger.DefaultOptions(t.TempDir()).WithLogger(nil)
	db, err := badger.Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func testMessage(dedupID string) models.QueueMessage {
	payload, _ := json.Marshal(models.ProcessDocumentPayload{ProcessingID: dedupID})
	return models.QueueMessage{
		Task:    models.TaskProcessDocument,
		DedupID: dedupID,
		Payload: payload,
	}
}

func TestBadgerEnqueueReceiveAck(t *testing.T) {
	manager, err := NewBadgerManager(testBadgerDB(t), time.Minute, 3, testLogger())
	require.NoError(t, err)
	ctx := context.Background()

	id, err := manager.Enqueue(ctx, models.QueueOCR, testMessage("proc-1"))
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	msg, ack, err := manager.Receive(ctx, models.QueueOCR)
	require.NoError(t, err)
	assert.Equal(t, models.TaskProcessDocument, msg.Task)
	assert.Equal(t, "proc-1", msg.DedupID)
	require.NoError(t, ack())

	// Acked message is gone
	_, _, err = manager.Receive(ctx, models.QueueOCR)
	assert.ErrorIs(t, err, models.ErrNoMessage)
}

func TestBadgerDedupRefusesInFlightDuplicate(t *testing.T) {
	manager, err := NewBadgerManager(testBadgerDB(t), time.Minute, 3, testLogger())
	require.NoError(t, err)
	ctx := context.Background()

	_, err = manager.Enqueue(ctx, models.QueueOCR, testMessage("proc-1"))
	require.NoError(t, err)

	_, err = manager.Enqueue(ctx, models.QueueOCR, testMessage("proc-1"))
	require.Error(t, err)
	assert.Equal(t, common.KindConflict, common.KindOf(err))

	// Ack releases the dedup key and a re-enqueue succeeds
	_, ack, err := manager.Receive(ctx, models.QueueOCR)
	require.NoError(t, err)
	require.NoError(t, ack())

	_, err = manager.Enqueue(ctx, models.QueueOCR, testMessage("proc-1"))
	assert.NoError(t, err)
}

func TestBadgerQueuesAreIsolated(t *testing.T) {
	manager, err := NewBadgerManager(testBadgerDB(t), time.Minute, 3, testLogger())
	require.NoError(t, err)
	ctx := context.Background()

	_, err = manager.Enqueue(ctx, models.QueueOCR, testMessage("proc-1"))
	require.NoError(t, err)

	_, _, err = manager.Receive(ctx, models.QueueAI)
	assert.ErrorIs(t, err, models.ErrNoMessage)

	msg, ack, err := manager.Receive(ctx, models.QueueOCR)
	require.NoError(t, err)
	assert.Equal(t, "proc-1", msg.DedupID)
	require.NoError(t, ack())
}

func TestBadgerUnackedMessageRedeliveredAfterVisibilityTimeout(t *testing.T) {
	manager, err := NewBadgerManager(testBadgerDB(t), 20*time.Millisecond, 3, testLogger())
	require.NoError(t, err)
	ctx := context.Background()

	_, err = manager.Enqueue(ctx, models.QueueOCR, testMessage("proc-1"))
	require.NoError(t, err)

	// First receive without ack hides the message
	_, _, err = manager.Receive(ctx, models.QueueOCR)
	require.NoError(t, err)
	_, _, err = manager.Receive(ctx, models.QueueOCR)
	assert.ErrorIs(t, err, models.ErrNoMessage)

	time.Sleep(30 * time.Millisecond)

	msg, ack, err := manager.Receive(ctx, models.QueueOCR)
	require.NoError(t, err)
	assert.Equal(t, "proc-1", msg.DedupID)
	require.NoError(t, ack())
}

func TestBadgerDeadLettersAfterMaxReceives(t *testing.T) {
	manager, err := NewBadgerManager(testBadgerDB(t), time.Millisecond, 2, testLogger())
	require.NoError(t, err)
	ctx := context.Background()

	_, err = manager.Enqueue(ctx, models.QueueOCR, testMessage("proc-1"))
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, _, err = manager.Receive(ctx, models.QueueOCR)
		require.NoError(t, err)
		time.Sleep(5 * time.Millisecond)
	}

	// Third delivery attempt exceeds maxReceive and drops the message
	_, _, err = manager.Receive(ctx, models.QueueOCR)
	assert.ErrorIs(t, err, models.ErrNoMessage)

	// Dead-lettering released the dedup key
	_, err = manager.Enqueue(ctx, models.QueueOCR, testMessage("proc-1"))
	assert.NoError(t, err)
}

func TestBadgerFIFOOrder(t *testing.T) {
	manager, err := NewBadgerManager(testBadgerDB(t), time.Minute, 3, testLogger())
	require.NoError(t, err)
	ctx := context.Background()

	for _, id := range []string{"proc-1", "proc-2", "proc-3"} {
		_, err := manager.Enqueue(ctx, models.QueueOCR, testMessage(id))
		require.NoError(t, err)
		// Distinct enqueue timestamps keep the visibility index ordered
		time.Sleep(time.Millisecond)
	}

	for _, want := range []string{"proc-1", "proc-2", "proc-3"} {
		msg, ack, err := manager.Receive(ctx, models.QueueOCR)
		require.NoError(t, err)
		assert.Equal(t, want, msg.DedupID)
		require.NoError(t, ack())
	}
}

func TestBadgerHealthy(t *testing.T) {
	db := testBadgerDB(t)
	manager, err := NewBadgerManager(db, time.Minute, 3, testLogger())
	require.NoError(t, err)

	assert.NoError(t, manager.Healthy(context.Background()))

	require.NoError(t, db.Close())
	err = manager.Healthy(context.Background())
	require.Error(t, err)
	assert.Equal(t, common.KindUnavailable, common.KindOf(err))
}
