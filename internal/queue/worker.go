// -----------------------------------------------------------------------
// Worker pool - polls named queues and dispatches messages by task name
// -----------------------------------------------------------------------

package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/klartext-med/klartext/internal/interfaces"
	"github.com/klartext-med/klartext/internal/models"
)

// Handler processes a single queue message. A nil return acks the message;
// an error leaves it for redelivery after the visibility timeout.
type Handler func(ctx context.Context, msg *models.QueueMessage) error

// WorkerPool drains the named queues with a fixed number of goroutines per
// queue. Handlers are registered by task name before Start.
type WorkerPool struct {
	manager      interfaces.QueueManager
	handlers     map[string]Handler
	queues       []string
	concurrency  int
	pollInterval time.Duration
	logger       arbor.ILogger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewWorkerPool creates a worker pool over the given broker.
func NewWorkerPool(manager interfaces.QueueManager, queues []string, concurrency int, pollInterval time.Duration, logger arbor.ILogger) *WorkerPool {
	if concurrency <= 0 {
		concurrency = 1
	}
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &WorkerPool{
		manager:      manager,
		handlers:     make(map[string]Handler),
		queues:       queues,
		concurrency:  concurrency,
		pollInterval: pollInterval,
		logger:       logger,
	}
}

// RegisterHandler binds a task name to its handler. Must be called before
// Start.
func (p *WorkerPool) RegisterHandler(task string, handler Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[task] = handler
}

// Start launches the polling goroutines.
func (p *WorkerPool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return errors.New("worker pool already started")
	}
	p.started = true

	ctx, p.cancel = context.WithCancel(ctx)
	for _, queue := range p.queues {
		for i := 0; i < p.concurrency; i++ {
			p.wg.Add(1)
			go p.run(ctx, queue, i)
		}
	}

	p.logger.Info().
		Int("queues", len(p.queues)).
		Int("concurrency", p.concurrency).
		Msg("Worker pool started")
	return nil
}

// Stop cancels all workers and waits for in-flight handlers to return.
func (p *WorkerPool) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	p.wg.Wait()
	p.logger.Info().Msg("Worker pool stopped")
}

func (p *WorkerPool) run(ctx context.Context, queue string, worker int) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.drain(ctx, queue, worker)
		}
	}
}

// drain processes messages until the queue is empty or the context ends.
func (p *WorkerPool) drain(ctx context.Context, queue string, worker int) {
	for {
		if ctx.Err() != nil {
			return
		}

		msg, deleteFn, err := p.manager.Receive(ctx, queue)
		if err != nil {
			if !errors.Is(err, models.ErrNoMessage) {
				p.logger.Warn().Err(err).Str("queue", queue).Msg("Failed to receive message")
			}
			return
		}

		p.process(ctx, queue, worker, msg, deleteFn)
	}
}

func (p *WorkerPool) process(ctx context.Context, queue string, worker int, msg *models.QueueMessage, deleteFn func() error) {
	p.mu.Lock()
	handler, ok := p.handlers[msg.Task]
	p.mu.Unlock()

	if !ok {
		p.logger.Error().
			Str("queue", queue).
			Str("task", msg.Task).
			Msg("No handler registered for task, dropping message")
		if err := deleteFn(); err != nil {
			p.logger.Warn().Err(err).Str("task", msg.Task).Msg("Failed to delete unhandled message")
		}
		return
	}

	started := time.Now()
	p.logger.Debug().
		Str("queue", queue).
		Str("task", msg.Task).
		Int("worker", worker).
		Msg("Processing message")

	if err := handler(ctx, msg); err != nil {
		// Leave the message for redelivery after the visibility timeout
		p.logger.Error().Err(err).
			Str("queue", queue).
			Str("task", msg.Task).
			Dur("duration", time.Since(started)).
			Msg("Handler failed")
		return
	}

	if err := deleteFn(); err != nil {
		p.logger.Warn().Err(err).
			Str("queue", queue).
			Str("task", msg.Task).
			Msg("Failed to acknowledge message")
		return
	}

	p.logger.Debug().
		Str("queue", queue).
		Str("task", msg.Task).
		Dur("duration", time.Since(started)).
		Msg("Message processed")
}
