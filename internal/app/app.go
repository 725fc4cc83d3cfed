// -----------------------------------------------------------------------
// Application container - wires storage, broker, services and handlers
// -----------------------------------------------------------------------

package app

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/klartext-med/klartext/internal/common"
	"github.com/klartext-med/klartext/internal/handlers"
	"github.com/klartext-med/klartext/internal/interfaces"
	"github.com/klartext-med/klartext/internal/models"
	"github.com/klartext-med/klartext/internal/queue"
	"github.com/klartext-med/klartext/internal/resilience"
	"github.com/klartext-med/klartext/internal/services/cache"
	feedbacksvc "github.com/klartext-med/klartext/internal/services/feedback"
	"github.com/klartext-med/klartext/internal/services/guideline"
	jobsvc "github.com/klartext-med/klartext/internal/services/jobs"
	"github.com/klartext-med/klartext/internal/services/llm"
	"github.com/klartext-med/klartext/internal/services/ocr"
	"github.com/klartext-med/klartext/internal/services/pii"
	"github.com/klartext-med/klartext/internal/services/pipeline"
	"github.com/klartext-med/klartext/internal/services/scheduler"
	badgerstore "github.com/klartext-med/klartext/internal/storage/badger"
	"github.com/klartext-med/klartext/internal/workers"
)

// App holds all application components and dependencies
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	StorageManager interfaces.StorageManager
	QueueManager   interfaces.QueueManager
	CacheService   *cache.Service

	// Resilience registries. LLM breakers count only upstream unavailability;
	// everything else uses the default transient accounting.
	Breakers    *resilience.Registry
	LLMBreakers *resilience.Registry

	// External collaborators
	LLMDispatcher   *llm.Dispatcher
	OCRClient       interfaces.OCRClient
	PIIClient       interfaces.PIIClient
	GuidelineClient interfaces.GuidelineClient

	// Processing core
	Router   *ocr.Router
	Executor *pipeline.Executor

	// Domain services
	JobService      *jobsvc.Service
	FeedbackService *feedbacksvc.Service
	Analyzer        *feedbacksvc.Analyzer
	Scheduler       *scheduler.Service

	// Worker pool draining the named queues
	WorkerPool *queue.WorkerPool

	// HTTP handlers
	JobHandler      *handlers.JobHandler
	FeedbackHandler *handlers.FeedbackHandler
	AdminHandler    *handlers.AdminHandler
	APIHandler      *handlers.APIHandler

	cancelWorkers context.CancelFunc
}

// New initializes the application with all dependencies
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logger,
	}

	if err := app.initStorage(); err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	if err := app.initServices(); err != nil {
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}
	if err := app.seedDefaults(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to seed defaults: %w", err)
	}
	app.initHandlers()

	if err := app.startWorkers(); err != nil {
		return nil, fmt.Errorf("failed to start workers: %w", err)
	}

	logger.Info().
		Str("queue_backend", queueBackendName(cfg)).
		Bool("cache_enabled", cfg.Cache.Enabled).
		Bool("encryption_enabled", cfg.Encryption.Enabled).
		Msg("Application initialization complete")

	return app, nil
}

func queueBackendName(cfg *common.Config) string {
	if cfg.Queue.UseRedis {
		return "redis"
	}
	return "badger"
}

// initStorage opens Badger and threads the field encryptor into the stores.
func (a *App) initStorage() error {
	encryptor, err := common.NewEncryptor(&a.Config.Encryption)
	if err != nil {
		return fmt.Errorf("failed to initialize encryptor: %w", err)
	}

	storageManager, err := badgerstore.NewManager(a.Logger, &a.Config.Storage.Badger, encryptor)
	if err != nil {
		return fmt.Errorf("failed to create storage manager: %w", err)
	}
	a.StorageManager = storageManager

	a.Logger.Debug().
		Str("storage", "badger").
		Str("path", a.Config.Storage.Badger.Path).
		Msg("Storage layer initialized")
	return nil
}

// initServices initializes all business services in dependency order.
func (a *App) initServices() error {
	ctx := context.Background()

	a.Breakers = resilience.NewRegistry(resilience.DefaultBreakerConfig(), a.Logger)
	a.LLMBreakers = resilience.NewRegistry(llm.BreakerConfigForLLM(), a.Logger)

	a.CacheService = cache.NewService(&a.Config.Cache, a.Logger)

	a.LLMDispatcher = llm.NewDispatcher(ctx, a.Config, a.LLMBreakers, a.Logger)
	a.OCRClient = ocr.NewClient(a.Config.Services.OCRServiceURL, a.Config.Services.OCRAPIKey, a.Logger)
	a.PIIClient = pii.NewClient(a.Config, a.Breakers, a.Logger)
	a.GuidelineClient = guideline.NewClient(a.Config, a.Breakers, a.Logger)

	a.Router = ocr.NewRouter(a.OCRClient, a.LLMDispatcher, a.Breakers, a.Config, a.Logger)
	a.Executor = pipeline.NewExecutor(a.StorageManager, a.LLMDispatcher, a.PIIClient, a.GuidelineClient, a.Logger)

	// The embedded broker shares Badger with the storage layer
	badgerMgr, ok := a.StorageManager.(*badgerstore.Manager)
	if !ok {
		return fmt.Errorf("storage manager is not badger-backed (got %T)", a.StorageManager)
	}
	queueMgr, err := queue.NewManager(&a.Config.Queue, badgerMgr.DB().Store().Badger(), a.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize queue manager: %w", err)
	}
	a.QueueManager = queueMgr

	a.JobService = jobsvc.NewService(a.StorageManager, a.QueueManager, a.CacheService, a.Config, a.Logger)
	a.FeedbackService = feedbacksvc.NewService(a.StorageManager, a.QueueManager, a.Logger)
	a.Analyzer = feedbacksvc.NewAnalyzer(a.StorageManager, a.LLMDispatcher, a.Config, a.Logger)
	a.Scheduler = scheduler.NewService(a.JobService, a.Config, a.Logger)

	return nil
}

// initHandlers initializes all HTTP handlers
func (a *App) initHandlers() {
	a.JobHandler = handlers.NewJobHandler(a.JobService, a.Config, a.Logger)
	a.FeedbackHandler = handlers.NewFeedbackHandler(a.FeedbackService, a.JobService, a.Config.Feedback.RateLimitPerMinute, a.Logger)
	a.AdminHandler = handlers.NewAdminHandler(a.StorageManager, a.CacheService, a.JobService, a.Logger)
	a.APIHandler = handlers.NewAPIHandler(a.QueueManager, a.CacheService, a.LLMDispatcher, a.OCRClient, a.PIIClient, a.GuidelineClient, a.Logger)
}

// startWorkers registers the task handlers, starts the worker pool and the
// retention scheduler.
func (a *App) startWorkers() error {
	pollInterval, err := time.ParseDuration(a.Config.Queue.PollInterval)
	if err != nil {
		pollInterval = time.Second
	}

	a.WorkerPool = queue.NewWorkerPool(
		a.QueueManager,
		[]string{models.QueueOCR, models.QueueAI},
		a.Config.Queue.Concurrency,
		pollInterval,
		a.Logger,
	)

	documentWorker := workers.NewDocumentWorker(a.StorageManager, a.Router, a.Executor, a.Config, a.Logger)
	a.WorkerPool.RegisterHandler(models.TaskProcessDocument, documentWorker.Handle)

	feedbackWorker := workers.NewFeedbackWorker(a.Analyzer, a.Logger)
	a.WorkerPool.RegisterHandler(models.TaskAnalyzeFeedback, feedbackWorker.Handle)

	ctx, cancel := context.WithCancel(context.Background())
	a.cancelWorkers = cancel
	if err := a.WorkerPool.Start(ctx); err != nil {
		return err
	}

	if err := a.Scheduler.Start(); err != nil {
		return fmt.Errorf("failed to start cleanup scheduler: %w", err)
	}

	return nil
}

// Close closes all application resources
func (a *App) Close() error {
	if a.Scheduler != nil {
		a.Scheduler.Stop()
	}

	if a.WorkerPool != nil {
		a.WorkerPool.Stop()
	}
	if a.cancelWorkers != nil {
		a.cancelWorkers()
	}

	if a.QueueManager != nil {
		if err := a.QueueManager.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close queue manager")
		}
	}

	if a.LLMDispatcher != nil {
		if err := a.LLMDispatcher.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close LLM clients")
		}
	}

	if a.StorageManager != nil {
		if err := a.StorageManager.Close(); err != nil {
			return fmt.Errorf("failed to close storage: %w", err)
		}
		a.Logger.Info().Msg("Storage closed")
	}

	return nil
}
