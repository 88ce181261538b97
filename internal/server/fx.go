// Package server provides the core application server and dependency injection.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	goredis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagecache/internal/api"
	"github.com/JakeFAU/pagecache/internal/clock/system"
	"github.com/JakeFAU/pagecache/internal/config"
	"github.com/JakeFAU/pagecache/internal/dispatcher"
	"github.com/JakeFAU/pagecache/internal/engine"
	"github.com/JakeFAU/pagecache/internal/id/uuid"
	"github.com/JakeFAU/pagecache/internal/logging"
	"github.com/JakeFAU/pagecache/internal/policy/ratelimit"
	"github.com/JakeFAU/pagecache/internal/provider"
	"github.com/JakeFAU/pagecache/internal/publisher"
	gcppublisher "github.com/JakeFAU/pagecache/internal/publisher/pubsub"
	redispublisher "github.com/JakeFAU/pagecache/internal/publisher/redis"
	queueMemory "github.com/JakeFAU/pagecache/internal/queue/memory"
	"github.com/JakeFAU/pagecache/internal/scrape"
	gcsstorage "github.com/JakeFAU/pagecache/internal/storage/gcs"
	localstorage "github.com/JakeFAU/pagecache/internal/storage/local"
	memoryStorage "github.com/JakeFAU/pagecache/internal/storage/memory"
	pgstore "github.com/JakeFAU/pagecache/internal/storage/postgres"
	"github.com/JakeFAU/pagecache/internal/sweeper"
	"github.com/JakeFAU/pagecache/internal/telemetry"
	"github.com/JakeFAU/pagecache/internal/worker"
)

// App contains the application's dependencies.
type App struct {
	cfg             *config.Config
	version         string
	logger          *zap.Logger
	apiServer       *api.Server
	engine          *engine.Engine
	dispatch        *dispatcher.Dispatcher
	sweeper         *sweeper.Sweeper
	scheduler       *sweeper.Scheduler
	queue           *queueMemory.Queue
	jobStore        scrape.JobStore
	blobStore       scrape.BlobStore
	notifier        *publisher.Notifier
	checks          map[string]api.ReadinessCheck
	pgStore         *pgstore.JobStore
	pubsubClient    *pubsub.Client
	pubsubPublisher *pubsub.Publisher
	redisClient     *goredis.Client
	storage         *storage.Client
	telemetry       *telemetry.Providers
	closeOnce       sync.Once
}

// NewApp creates a new App with the given configuration.
func NewApp(cfg *config.Config, version string, logger *zap.Logger) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	// Only non-sensitive fields are logged.
	type SanitizedConfig struct {
		ServerPort     int    `json:"server_port"`
		StorageBackend string `json:"storage_backend"`
		DBDriver       string `json:"db_driver"`
		Workers        int    `json:"workers"`
		AuthEnabled    bool   `json:"auth_enabled"`
	}
	safeCfg := SanitizedConfig{
		ServerPort:     cfg.Server.Port,
		StorageBackend: cfg.Storage.Backend,
		DBDriver:       cfg.DB.Driver,
		Workers:        cfg.Worker.Concurrency,
		AuthEnabled:    cfg.Auth.Enabled,
	}
	logger.Info("Creating application", zap.String("version", version), zap.Any("config", safeCfg))
	return &App{
		cfg:     cfg,
		version: version,
		logger:  logger,
		checks:  map[string]api.ReadinessCheck{},
	}, nil
}

// Run starts the application and blocks until the context is canceled or a
// termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var workers sync.WaitGroup
	workers.Add(1)
	go func() {
		defer workers.Done()
		a.logger.Info("dispatcher started", zap.Int("workers", a.dispatch.Size()))
		a.dispatch.Run(ctx)
	}()

	if a.cfg.Worker.ResumePending {
		// Resume waits for queue room, so it runs beside the HTTP server.
		workers.Add(1)
		go func() {
			defer workers.Done()
			n, err := a.engine.ResumePending(ctx)
			if err != nil {
				a.logger.Warn("resume pending jobs failed", zap.Error(err))
			}
			a.logger.Info("pending jobs resumed", zap.Int("count", n))
		}()
	}

	if a.scheduler != nil {
		a.scheduler.Start()
	}

	srv := &http.Server{
		Addr:              a.cfg.Address(),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       a.cfg.Server.ReadTimeout,
		WriteTimeout:      a.cfg.Server.WriteTimeout,
	}

	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	timeout := a.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	if a.scheduler != nil {
		if err := a.scheduler.Stop(shutdownCtx); err != nil {
			a.logger.Warn("sweep scheduler stop failed", zap.Error(err))
		}
	}

	// Workers finish the job they hold; anything still queued stays pending
	// and is picked up by the next start.
	a.queue.Close()
	done := make(chan struct{})
	go func() {
		workers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		a.logger.Warn("workers did not drain before shutdown deadline")
	}

	return a.Close(shutdownCtx)
}

// Sweeper returns the sweeper for one-shot runs.
func (a *App) Sweeper() *sweeper.Sweeper {
	return a.sweeper
}

// Close gracefully shuts down the application. It is safe to call more than once.
func (a *App) Close(ctx context.Context) error {
	a.closeOnce.Do(func() {
		if a.queue != nil {
			a.queue.Close()
		}
		a.closeInfrastructure()
		a.closeObservability(ctx)
		a.logger.Info("shutdown complete")
	})
	return nil
}

func (a *App) closeInfrastructure() {
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.logger.Warn("redis client close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.pgStore != nil {
		a.pgStore.Close()
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if err := a.telemetry.Shutdown(ctx); err != nil {
		a.logger.Warn("telemetry shutdown failed", zap.Error(err))
	}
	// Sync on stderr returns EINVAL on some platforms; nothing to act on.
	_ = a.logger.Sync()
}

// Build creates every dependency needed to serve traffic.
func Build(ctx context.Context, cfg *config.Config, version string) (*App, error) {
	app, err := buildCore(ctx, cfg, version)
	if err != nil {
		return nil, err
	}

	if err := setupPublisher(ctx, app); err != nil {
		_ = app.Close(ctx)
		return nil, err
	}

	app.queue = queueMemory.NewQueue(cfg.Worker.QueueDepth)
	if err := setupDispatcher(app); err != nil {
		_ = app.Close(ctx)
		return nil, err
	}

	app.engine = engine.New(
		app.jobStore,
		app.blobStore,
		app.dispatch,
		uuid.NewUUIDGenerator(),
		system.New(),
		app.notifier,
		engine.Config{DefaultTTL: cfg.Cache.DefaultTTL, Lookback: cfg.Cache.Lookback},
		app.logger,
	)

	app.sweeper = newSweeper(app)
	if cfg.Sweeper.Enabled {
		app.scheduler, err = sweeper.NewScheduler(app.sweeper, cfg.Sweeper.ExpirySchedule, cfg.Sweeper.StuckSchedule, app.logger)
		if err != nil {
			_ = app.Close(ctx)
			return nil, fmt.Errorf("sweep scheduler init failed: %w", err)
		}
	}

	app.apiServer = api.NewServer(app.engine, *cfg, app.logger, app.checks)
	return app, nil
}

// BuildSweeper creates only what the sweeps need: the stores and a notifier.
// It does not require provider credentials.
func BuildSweeper(ctx context.Context, cfg *config.Config, version string) (*App, error) {
	app, err := buildCore(ctx, cfg, version)
	if err != nil {
		return nil, err
	}
	if err := setupPublisher(ctx, app); err != nil {
		_ = app.Close(ctx)
		return nil, err
	}
	app.sweeper = newSweeper(app)
	return app, nil
}

func buildCore(ctx context.Context, cfg *config.Config, version string) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	app, err := NewApp(cfg, version, logger)
	if err != nil {
		return nil, fmt.Errorf("app init failed: %w", err)
	}

	if cfg.Telemetry.Enabled {
		app.telemetry, err = telemetry.Init(ctx, telemetry.Config{
			ServiceName:  cfg.Telemetry.ServiceName,
			Version:      version,
			Environment:  cfg.Telemetry.Environment,
			OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
			OTLPInsecure: cfg.Telemetry.OTLPInsecure,
			OTLPHeaders:  cfg.Telemetry.OTLPHeaders,
			SampleRatio:  cfg.Telemetry.SampleRatio,
		})
		if err != nil {
			return nil, fmt.Errorf("telemetry init failed: %w", err)
		}
		app.logger.Info("telemetry initialized", zap.String("otlp_endpoint", cfg.Telemetry.OTLPEndpoint))
	}

	app.logger.Info("building application dependencies")
	if err := setupStorage(ctx, app); err != nil {
		_ = app.Close(ctx)
		return nil, err
	}
	if err := setupJobStore(ctx, app); err != nil {
		_ = app.Close(ctx)
		return nil, err
	}
	return app, nil
}

func setupStorage(ctx context.Context, app *App) error {
	var err error
	switch app.cfg.Storage.Backend {
	case config.BackendGCS:
		app.logger.Info("using GCS storage backend")
		app.storage, err = storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs client init failed: %w", err)
		}
		app.blobStore, err = gcsstorage.New(app.storage, gcsstorage.Config{
			Bucket:       app.cfg.Storage.GCSBucket,
			SignedURLTTL: app.cfg.Storage.SignedURLTTL,
		})
		if err != nil {
			return fmt.Errorf("gcs blob store init failed: %w", err)
		}
		app.logger.Debug("GCS storage backend", zap.String("bucket", app.cfg.Storage.GCSBucket))
	case config.BackendLocal:
		app.logger.Info("using local storage backend")
		app.blobStore, err = localstorage.New(localstorage.Config{
			BaseDir:       app.cfg.Storage.LocalDir,
			PublicBaseURL: app.cfg.Storage.PublicBaseURL,
		})
		if err != nil {
			return fmt.Errorf("local blob store init failed: %w", err)
		}
		app.logger.Debug("local storage backend", zap.String("path", app.cfg.Storage.LocalDir))
	default:
		app.logger.Info("using in-memory storage backend")
		app.blobStore = memoryStorage.NewBlobStore()
	}
	return nil
}

func setupJobStore(ctx context.Context, app *App) error {
	if app.cfg.DB.Driver != config.BackendPostgres {
		app.logger.Warn("using in-memory job store; jobs are lost on restart")
		app.jobStore = memoryStorage.NewJobStore()
		return nil
	}
	store, err := pgstore.NewJobStore(ctx, pgstore.JobStoreConfig{
		DSN:             app.cfg.DB.DSN,
		Table:           app.cfg.DB.Table,
		MaxConns:        app.cfg.DB.MaxConns,
		MinConns:        app.cfg.DB.MinConns,
		MaxConnLifetime: app.cfg.DB.MaxConnLifetime,
		Migrate:         app.cfg.DB.Migrate,
	})
	if err != nil {
		return fmt.Errorf("job store init failed: %w", err)
	}
	app.pgStore = store
	app.jobStore = store
	app.checks["postgres"] = store.Ping
	app.logger.Info("postgres job store initialized", zap.String("table", app.cfg.DB.Table))
	return nil
}

func setupPublisher(ctx context.Context, app *App) error {
	var pub scrape.Publisher
	switch {
	case app.cfg.PubSub.Enabled:
		var err error
		app.pubsubClient, err = pubsub.NewClient(ctx, app.cfg.PubSub.ProjectID)
		if err != nil {
			return fmt.Errorf("pubsub client init failed: %w", err)
		}
		app.pubsubPublisher = app.pubsubClient.Publisher(app.cfg.PubSub.TopicName)
		var opts []gcppublisher.Option
		if app.cfg.PubSub.Ordering {
			opts = append(opts, gcppublisher.WithOrdering())
		}
		pub = gcppublisher.New(app.pubsubPublisher, opts...)
		app.logger.Info(
			"Pub/Sub publisher initialized",
			zap.String("project", app.cfg.PubSub.ProjectID),
			zap.String("topic", app.cfg.PubSub.TopicName),
			zap.Bool("ordering", app.cfg.PubSub.Ordering),
		)
	case app.cfg.Redis.Enabled:
		client, err := redispublisher.NewClient(ctx, redispublisher.Config{
			Address:  app.cfg.Redis.Address,
			Password: app.cfg.Redis.Password,
			DB:       app.cfg.Redis.DB,
			Channel:  app.cfg.Redis.Channel,
		})
		if err != nil {
			return fmt.Errorf("redis client init failed: %w", err)
		}
		app.redisClient = client
		pub, err = redispublisher.New(client, app.cfg.Redis.Channel)
		if err != nil {
			return fmt.Errorf("redis publisher init failed: %w", err)
		}
		app.checks["redis"] = func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}
		app.logger.Info("Redis publisher initialized", zap.String("channel", app.cfg.Redis.Channel))
	default:
		app.logger.Info("no status publisher configured")
	}
	app.notifier = publisher.NewNotifier(pub, publisher.DefaultTopic, app.logger)
	return nil
}

func setupDispatcher(app *App) error {
	cfg := app.cfg
	prov, err := provider.New(provider.Config{
		BaseURL: cfg.Provider.BaseURL,
		APIKey:  cfg.Provider.APIKey,
		Timeout: cfg.Provider.Timeout,
	}, &http.Client{
		Timeout:   cfg.Provider.Timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	})
	if err != nil {
		return fmt.Errorf("provider client init failed: %w", err)
	}

	overrides := make(map[string]ratelimit.Rule, len(cfg.RateLimit.Domains))
	for host, rule := range cfg.RateLimit.Domains {
		overrides[host] = ratelimit.Rule{RPS: rule.RPS, Burst: rule.Burst}
	}
	limiter := ratelimit.New(ratelimit.Config{
		Default:   ratelimit.Rule{RPS: cfg.RateLimit.RPS, Burst: cfg.RateLimit.Burst},
		Overrides: overrides,
	})

	workerCfg := worker.Config{
		InlineThreshold:    cfg.Storage.InlineThresholdBytes,
		BlobPrefix:         cfg.Storage.Prefix,
		ScreenshotMaxBytes: cfg.Storage.ScreenshotMaxBytes,
		ScreenshotTimeout:  cfg.Storage.ScreenshotTimeout,
		ProviderTimeout:    cfg.Worker.ProviderTimeout,
		DefaultTTL:         cfg.Cache.DefaultTTL,
		HTTPClient:         &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}
	app.logger.Info("worker config",
		zap.Int("concurrency", cfg.Worker.Concurrency),
		zap.Int("inline_threshold", workerCfg.InlineThreshold),
		zap.String("blob_prefix", workerCfg.BlobPrefix),
		zap.Duration("provider_timeout", workerCfg.ProviderTimeout),
	)

	clock := system.New()
	workers := make([]*worker.Worker, 0, cfg.Worker.Concurrency)
	for i := 0; i < cfg.Worker.Concurrency; i++ {
		workers = append(workers, worker.New(
			app.queue,
			app.jobStore,
			app.blobStore,
			prov,
			app.notifier,
			clock,
			limiter,
			workerCfg,
			app.logger.With(zap.Int("worker", i)),
		))
	}
	app.dispatch = dispatcher.New(app.queue, workers, clock)
	return nil
}

func newSweeper(app *App) *sweeper.Sweeper {
	return sweeper.New(
		app.jobStore,
		app.blobStore,
		system.New(),
		app.notifier,
		sweeper.Config{
			StuckTimeout: app.cfg.Sweeper.StuckTimeout,
			BatchSize:    app.cfg.Sweeper.BatchSize,
		},
		app.logger,
	)
}
