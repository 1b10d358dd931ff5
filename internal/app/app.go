package app

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/formpilot/internal/agent"
	"github.com/ternarybob/formpilot/internal/browser"
	"github.com/ternarybob/formpilot/internal/common"
	"github.com/ternarybob/formpilot/internal/discovery"
	"github.com/ternarybob/formpilot/internal/handlers"
	"github.com/ternarybob/formpilot/internal/interfaces"
	"github.com/ternarybob/formpilot/internal/metrics"
	"github.com/ternarybob/formpilot/internal/queue"
	"github.com/ternarybob/formpilot/internal/reporter"
	"github.com/ternarybob/formpilot/internal/services/events"
	"github.com/ternarybob/formpilot/internal/storage"
)

// App holds all application components and dependencies
type App struct {
	Config         *common.Config
	Logger         arbor.ILogger
	ctx            context.Context
	cancelCtx      context.CancelFunc
	StorageManager interfaces.StorageManager

	// Event-driven services
	EventService interfaces.EventService
	Metrics      *metrics.Metrics

	// Automation
	Browser  *browser.Manager
	Agent    *agent.Client
	Locator  *discovery.Locator
	Reporter interfaces.Reporter

	// Job execution
	Pipeline     *queue.Pipeline
	Scheduler    *queue.Scheduler
	Reaper       *queue.Reaper
	QueueService *queue.Service

	// HTTP handlers
	APIHandler   *handlers.APIHandler
	JobHandler   *handlers.JobHandler
	QueueHandler *handlers.QueueHandler
	WSHandler    *handlers.WebSocketHandler
}

// New initializes the application with all dependencies and starts the scheduler and
// lease reaper
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logger,
	}

	// Initialize database
	if err := app.initDatabase(); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	// Initialize services
	if err := app.initServices(); err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	// Initialize handlers
	if err := app.initHandlers(); err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to initialize handlers: %w", err)
	}

	if err := app.start(); err != nil {
		app.Close()
		return nil, err
	}

	logger.Info().
		Str("storage_path", cfg.Storage.Badger.Path).
		Bool("reporting", cfg.Reporter.Endpoint != "").
		Msg("Application initialization complete")

	return app, nil
}

// initDatabase opens the Badger store
func (a *App) initDatabase() error {
	storageManager, err := storage.NewStorageManager(a.Logger, a.Config)
	if err != nil {
		return err
	}
	a.StorageManager = storageManager
	a.Logger.Debug().Str("path", a.Config.Storage.Badger.Path).Msg("Storage initialized")
	return nil
}

// initServices builds the automation stack and the queue around it
func (a *App) initServices() error {
	a.EventService = events.NewService(a.Logger)
	if err := events.SubscribeLoggerToAllEvents(a.EventService, a.Logger); err != nil {
		return fmt.Errorf("failed to subscribe event logger: %w", err)
	}

	a.Metrics = metrics.New()

	// 1. Browser and in-page agent
	a.Browser = browser.NewManager(&a.Config.Browser, a.Logger)

	script := agent.DefaultScript()
	if a.Config.Agent.ScriptPath != "" {
		loaded, err := agent.LoadScript(a.Config.Agent.ScriptPath)
		if err != nil {
			return fmt.Errorf("failed to load agent script: %w", err)
		}
		script = loaded
		a.Logger.Info().Str("path", a.Config.Agent.ScriptPath).Msg("Agent script loaded from file")
	}

	classifier := agent.NewKeywordClassifier(a.Config.Agent.SuccessKeywords, a.Config.Agent.SuccessPhrases)
	a.Agent = agent.NewClient(script, classifier, &a.Config.Agent, a.Logger)

	// 2. Discovery and reporting
	a.Locator = discovery.NewLocator(a.Agent, &a.Config.Discovery, a.Browser.LoadTimeout(), a.Config.Agent.DispatchRetries, a.Logger)
	a.Reporter = reporter.New(&a.Config.Reporter, a.Logger)

	// 3. Pipeline, scheduler and reaper
	jobs := a.StorageManager.JobStorage()
	settings := a.StorageManager.SettingsStorage()

	a.Pipeline = queue.NewPipeline(queue.PipelineDeps{
		Jobs:     jobs,
		Tabs:     a.Browser,
		Agent:    a.Agent,
		Locator:  a.Locator,
		Reporter: a.Reporter,
		Events:   a.EventService,
		Metrics:  a.Metrics,
		Logger:   a.Logger,
	}, queue.PipelineOptionsFromConfig(a.Config))

	a.Scheduler = queue.NewScheduler(jobs, settings, a.Pipeline, a.Metrics, a.Logger, queue.SchedulerOptionsFromConfig(&a.Config.Scheduler))
	a.Reaper = queue.NewReaper(jobs, a.Reporter, a.EventService, a.Metrics, a.Scheduler.Wake, a.Logger)
	a.QueueService = queue.NewService(jobs, settings, a.Scheduler, a.EventService, a.Logger)

	return nil
}

// initHandlers creates the HTTP handlers
func (a *App) initHandlers() error {
	a.APIHandler = handlers.NewAPIHandler(a.Logger)
	a.JobHandler = handlers.NewJobHandler(a.QueueService, a.Logger)
	a.QueueHandler = handlers.NewQueueHandler(a.QueueService, a.Logger)
	a.WSHandler = handlers.NewWebSocketHandler(a.QueueService, a.Logger, &a.Config.WebSocket)

	if a.Config.WebSocket.Enabled {
		if err := a.WSHandler.SubscribeToEvents(a.EventService); err != nil {
			return fmt.Errorf("failed to subscribe websocket to events: %w", err)
		}
	}

	return nil
}

// start launches the scheduler loop and the lease reaper
func (a *App) start() error {
	a.ctx, a.cancelCtx = context.WithCancel(context.Background())

	if err := a.Scheduler.Start(a.ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	if err := a.Reaper.Start(a.Config.Scheduler.ReapSchedule); err != nil {
		return fmt.Errorf("failed to start lease reaper: %w", err)
	}

	// Leases left behind by a previous run may already be expired
	common.SafeGo(a.Logger, "initial-reap", func() {
		ctx, cancel := context.WithTimeout(a.ctx, time.Minute)
		defer cancel()
		if n, err := a.Reaper.ReapOnce(ctx, time.Now()); err != nil {
			a.Logger.Warn().Err(err).Msg("Initial lease reaper pass failed")
		} else if n > 0 {
			a.Logger.Info().Int("reaped", n).Msg("Failed jobs abandoned by a previous run")
		}
	})

	return nil
}

// Close stops background work and releases resources. Running pipelines are drained by
// the scheduler before the browser goes away.
func (a *App) Close() error {
	if a.Scheduler != nil {
		if err := a.Scheduler.Stop(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to stop scheduler")
		}
	}

	if a.cancelCtx != nil {
		a.cancelCtx()
	}

	if a.Reaper != nil {
		a.Reaper.Stop()
	}

	if a.Browser != nil {
		if err := a.Browser.Shutdown(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to shut down browser")
		}
	}

	if a.EventService != nil {
		if err := a.EventService.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close event service")
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
