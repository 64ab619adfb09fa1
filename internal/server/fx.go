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

	"cloud.google.com/go/storage"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/4ndr3c0d3/shotfleet/internal/api"
	"github.com/4ndr3c0d3/shotfleet/internal/artifact"
	"github.com/4ndr3c0d3/shotfleet/internal/backend/tzafon"
	"github.com/4ndr3c0d3/shotfleet/internal/browser/cdp"
	"github.com/4ndr3c0d3/shotfleet/internal/browser/playwright"
	"github.com/4ndr3c0d3/shotfleet/internal/capture"
	"github.com/4ndr3c0d3/shotfleet/internal/clock/system"
	"github.com/4ndr3c0d3/shotfleet/internal/config"
	"github.com/4ndr3c0d3/shotfleet/internal/hash/sha256"
	"github.com/4ndr3c0d3/shotfleet/internal/id/uuid"
	"github.com/4ndr3c0d3/shotfleet/internal/lifecycle"
	"github.com/4ndr3c0d3/shotfleet/internal/logging"
	"github.com/4ndr3c0d3/shotfleet/internal/metrics"
	"github.com/4ndr3c0d3/shotfleet/internal/policy/ratelimit"
	memorypublisher "github.com/4ndr3c0d3/shotfleet/internal/publisher/memory"
	gcppublisher "github.com/4ndr3c0d3/shotfleet/internal/publisher/pubsub"
	"github.com/4ndr3c0d3/shotfleet/internal/recorder"
	"github.com/4ndr3c0d3/shotfleet/internal/registry"
	"github.com/4ndr3c0d3/shotfleet/internal/scheduler"
	"github.com/4ndr3c0d3/shotfleet/internal/scrape"
	"github.com/4ndr3c0d3/shotfleet/internal/shot"
	gcsstorage "github.com/4ndr3c0d3/shotfleet/internal/storage/gcs"
	localstorage "github.com/4ndr3c0d3/shotfleet/internal/storage/local"
	memoryStorage "github.com/4ndr3c0d3/shotfleet/internal/storage/memory"
	pgstore "github.com/4ndr3c0d3/shotfleet/internal/storage/postgres"
	"github.com/4ndr3c0d3/shotfleet/internal/telemetry"
)

// ErrNoRemoteBackend is returned by Fleet when no token was configured.
var ErrNoRemoteBackend = errors.New("remote backend is not configured (set backend.token or TZAFON_API_KEY)")

// App contains the application's dependencies.
type App struct {
	cfg       *config.Config
	logger    *zap.Logger
	apiServer *api.Server
	registry  *registry.Registry
	recorder  *recorder.Service
	engine    *playwright.Engine
	fleet     *capture.Fleet
	fleetErr  error
	pubsub    *gcppublisher.Publisher
	storage   *storage.Client
	ledger    *pgstore.CaptureStore
	tracer    *sdktrace.TracerProvider
	closeOnce sync.Once
}

// NewApp creates a new App with the given configuration.
func NewApp(cfg *config.Config, logger *zap.Logger) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	// Only non-sensitive fields; the backend token never reaches the log.
	type SanitizedConfig struct {
		ServerPort     int    `json:"server_port"`
		BackendBaseURL string `json:"backend_base_url"`
		StorageBackend string `json:"storage_backend"`
		BatchMode      string `json:"batch_mode"`
	}
	safeCfg := SanitizedConfig{
		ServerPort:     cfg.Server.Port,
		BackendBaseURL: cfg.Backend.BaseURL,
		StorageBackend: cfg.Storage.Backend,
		BatchMode:      cfg.Batch.Mode,
	}
	logger.Info("Creating application", zap.Any("config", safeCfg))
	return &App{cfg: cfg, logger: logger}, nil
}

// Config returns the loaded configuration.
func (a *App) Config() config.Config { return *a.cfg }

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Handler exposes the HTTP API.
func (a *App) Handler() http.Handler { return a.apiServer.Handler() }

// Fleet returns the remote multi-session runner, or ErrNoRemoteBackend when
// the backend could not be configured.
func (a *App) Fleet() (*capture.Fleet, error) {
	if a.fleet == nil {
		return nil, a.fleetErr
	}
	return a.fleet, nil
}

// Ledger returns the capture ledger, or nil when no DSN is configured.
func (a *App) Ledger() *pgstore.CaptureStore { return a.ledger }

// Run starts the application and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}

	return a.Close(shutdownCtx)
}

// Close gracefully shuts down the application. Local browsers are
// terminated before shared clients are released. Later calls are no-ops.
func (a *App) Close(ctx context.Context) error {
	a.closeOnce.Do(func() { a.close(ctx) })
	return nil
}

func (a *App) close(ctx context.Context) {
	if a.recorder != nil {
		a.recorder.CloseAll()
	}
	if a.registry != nil {
		a.registry.CloseAll(ctx)
	}
	if a.engine != nil {
		if err := a.engine.Close(); err != nil {
			a.logger.Warn("playwright close failed", zap.Error(err))
		}
	}
	a.closeInfrastructure()
	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			a.logger.Warn("tracer provider shutdown failed", zap.Error(err))
		}
	}
	a.logger.Info("shutdown complete")
	_ = a.logger.Sync() //nolint:errcheck // stderr sync fails on some platforms
}

func (a *App) closeInfrastructure() {
	if a.pubsub != nil {
		if err := a.pubsub.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.ledger != nil {
		a.ledger.Close()
	}
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return BuildWithLogger(ctx, cfg, logger)
}

// BuildWithLogger is Build with a caller-supplied logger.
func BuildWithLogger(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	app, err := NewApp(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("app init failed: %w", err)
	}
	metrics.Init()
	app.tracer, err = telemetry.InitTracerProvider(ctx, telemetry.Config{
		ServiceName: cfg.Tracing.ServiceName,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("tracer provider init failed: %w", err)
	}

	app.logger.Info("building application dependencies")
	blobStore, err := setupStorage(ctx, app)
	if err != nil {
		app.closeInfrastructure()
		return nil, err
	}

	if err = setupDatabase(ctx, app); err != nil {
		app.closeInfrastructure()
		return nil, err
	}

	publisher, err := setupPublisher(ctx, app)
	if err != nil {
		app.closeInfrastructure()
		return nil, err
	}

	opts := artifact.Options{Publisher: publisher, Topic: cfg.PubSub.TopicName}
	if app.ledger != nil {
		opts.Ledger = app.ledger
	}
	writer, err := artifact.NewWriter(blobStore, system.New(), sha256.New(), uuid.New(), opts, logger.Named("artifact"))
	if err != nil {
		app.closeInfrastructure()
		return nil, fmt.Errorf("artifact writer init failed: %w", err)
	}

	service, err := capture.NewService(cdp.NewCapturer(cdp.CapturerConfig{
		NavigationTimeout: config.Seconds(cfg.Capture.NavTimeoutSeconds),
		ReadyTimeout:      config.Seconds(cfg.Capture.ReadyTimeoutSeconds),
		ViewportWidth:     cfg.Capture.ViewportWidth,
		ViewportHeight:    cfg.Capture.ViewportHeight,
	}), writer, logger.Named("capture"))
	if err != nil {
		app.closeInfrastructure()
		return nil, fmt.Errorf("capture service init failed: %w", err)
	}

	if err = setupRegistry(app); err != nil {
		app.closeInfrastructure()
		return nil, err
	}

	app.engine = playwright.New(playwright.Config{
		Headless:       cfg.Capture.Headless,
		ViewportWidth:  cfg.Capture.ViewportWidth,
		ViewportHeight: cfg.Capture.ViewportHeight,
		SettleMillis:   float64(cfg.Capture.SettleMs),
		Install:        cfg.Capture.InstallBrowsers,
	}, logger.Named("playwright"))

	app.recorder, err = recorder.NewService(recorder.LocalOpener{
		Browsers:          app.registry,
		Headless:          cfg.Capture.Headless,
		NavigationTimeout: config.Seconds(cfg.Capture.NavTimeoutSeconds),
	}, writer, uuid.New(), logger.Named("recorder"))
	if err != nil {
		app.closeInfrastructure()
		return nil, fmt.Errorf("recorder init failed: %w", err)
	}
	scraper, err := scrape.NewService(cdp.NewExtractor(cdp.ExtractorConfig{
		NavigationTimeout: config.Seconds(cfg.Capture.NavTimeoutSeconds),
		ReadyTimeout:      config.Seconds(cfg.Capture.ReadyTimeoutSeconds),
	}), writer, logger.Named("scrape"))
	if err != nil {
		app.closeInfrastructure()
		return nil, fmt.Errorf("scraper init failed: %w", err)
	}

	limiter := ratelimit.New(ratelimit.Config{QPS: cfg.Backend.CreateQPS, Burst: cfg.Backend.CreateBurst})
	creation := lifecycle.Config{Creation: cfg.CreationPolicy(), Pacer: limiter}
	setupFleet(app, service, creation)

	apiOpts := api.Options{
		Captures:         service,
		Engine:           app.engine,
		Local:            app.registry,
		Remote:           remoteFactory(cfg),
		Recorder:         app.recorder,
		Scraper:          scraper,
		Creation:         creation,
		FleetConcurrency: cfg.Batch.Concurrency,
		RequestTimeout:   config.Seconds(cfg.Server.RequestTimeoutSeconds),
	}
	if app.fleet != nil {
		apiOpts.Fleet = app.fleet
	}
	app.apiServer = api.NewServer(apiOpts, logger.Named("api"))

	return app, nil
}

func setupStorage(ctx context.Context, app *App) (shot.BlobStore, error) {
	var blobStore shot.BlobStore
	var err error
	switch app.cfg.Storage.Backend {
	case "gcs":
		app.logger.Info("using GCS storage backend")
		app.storage, err = storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		gcs, err := gcsstorage.New(app.storage, gcsstorage.Config{
			Bucket: app.cfg.Storage.Bucket,
			Prefix: app.cfg.Storage.Prefix,
		})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		if err := gcs.VerifyBucket(ctx); err != nil {
			return nil, err
		}
		blobStore = gcs
		app.logger.Debug("GCS storage backend", zap.String("bucket", app.cfg.Storage.Bucket))
	case "local":
		app.logger.Info("using local storage backend")
		blobStore, err = localstorage.New(localstorage.Config{BaseDir: app.cfg.Storage.Local.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		app.logger.Debug("local storage backend", zap.String("path", app.cfg.Storage.Local.BaseDir))
	default:
		app.logger.Info("using in-memory storage backend")
		blobStore = memoryStorage.NewBlobStore()
	}
	return blobStore, nil
}

func setupDatabase(ctx context.Context, app *App) error {
	db := app.cfg.Database
	if db.DSN == "" {
		app.logger.Info("no database DSN configured, capture ledger disabled")
		return nil
	}
	var err error
	app.ledger, err = pgstore.NewCaptureStore(ctx, pgstore.CaptureStoreConfig{
		DSN:             db.DSN,
		Table:           db.CaptureTable,
		RunsTable:       db.RunsTable,
		MaxConns:        db.MaxConns,
		MinConns:        db.MinConns,
		MaxConnLifetime: time.Duration(db.MaxConnLifetimeMinutes) * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("capture store init failed: %w", err)
	}
	if db.EnsureSchema {
		if err := app.ledger.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("capture store schema: %w", err)
		}
	}
	app.logger.Info("capture ledger initialized", zap.String("table", db.CaptureTable), zap.String("runs_table", db.RunsTable))
	return nil
}

func setupPublisher(ctx context.Context, app *App) (shot.Publisher, error) {
	if app.cfg.PubSub.TopicName == "" || app.cfg.PubSub.ProjectID == "" {
		app.logger.Info("no Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	var err error
	app.pubsub, err = gcppublisher.Open(ctx, app.cfg.PubSub.ProjectID, app.cfg.PubSub.TopicName)
	if err != nil {
		return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	app.logger.Info(
		"Pub/Sub publisher initialized",
		zap.String("project", app.cfg.PubSub.ProjectID),
		zap.String("topic", app.cfg.PubSub.TopicName),
	)
	return app.pubsub, nil
}

func setupRegistry(app *App) error {
	local := app.cfg.Local
	launchCfg := cdp.LauncherConfig{ExecPath: local.ExecPath}
	if local.NoSandbox {
		launchCfg.ExtraFlags = map[string]any{"no-sandbox": true}
	}
	reg, err := registry.New(
		cdp.NewLauncher(launchCfg, app.logger.Named("launcher")),
		uuid.ShortGenerator{},
		registry.Config{
			DebugHost:       local.DebugHost,
			MetadataTimeout: config.Seconds(local.MetadataTimeoutSeconds),
		},
		app.logger.Named("registry"),
	)
	if err != nil {
		return fmt.Errorf("local registry init failed: %w", err)
	}
	app.registry = reg
	return nil
}

// setupFleet binds the configured backend to a scheduler. A missing token
// only disables the remote engine; the other surfaces keep working.
func setupFleet(app *App, service *capture.Service, creation lifecycle.Config) {
	backend := app.cfg.Backend
	client, err := tzafon.New(tzafon.Config{
		BaseURL: backend.BaseURL,
		Token:   backend.Token,
		Kind:    backend.Kind,
		Timeout: config.Seconds(backend.RequestTimeoutSeconds),
	})
	if err != nil {
		app.fleetErr = fmt.Errorf("%w: %w", ErrNoRemoteBackend, err)
		app.logger.Warn("remote backend disabled", zap.Error(err))
		return
	}
	creation.PaceKey = client.BaseURL()
	mgr, err := lifecycle.New(client, creation, app.logger.Named("lifecycle"))
	if err != nil {
		app.fleetErr = err
		app.logger.Warn("session manager init failed", zap.Error(err))
		return
	}
	app.fleet, err = capture.NewFleet(mgr, service, scheduler.Config{
		Concurrent: app.cfg.TaskPolicy(),
		Sequential: app.cfg.SequentialPolicy(),
	}, app.logger.Named("fleet"))
	if err != nil {
		app.fleetErr = err
		app.logger.Warn("fleet init failed", zap.Error(err))
		return
	}
	app.logger.Info("remote backend configured", zap.String("base_url", client.BaseURL()), zap.String("kind", client.Kind()))
}

// remoteFactory builds per-request clients for the /cdp routes. Empty
// overrides fall back to the configured backend.
func remoteFactory(cfg *config.Config) api.RemoteFactory {
	return func(baseURL, token, kind string) (api.RemoteBackend, error) {
		if baseURL == "" {
			baseURL = cfg.Backend.BaseURL
		}
		if token == "" {
			token = cfg.Backend.Token
		}
		if kind == "" {
			kind = cfg.Backend.Kind
		}
		client, err := tzafon.New(tzafon.Config{
			BaseURL: baseURL,
			Token:   token,
			Kind:    kind,
			Timeout: config.Seconds(cfg.Backend.RequestTimeoutSeconds),
		})
		if err != nil {
			return nil, err
		}
		return client, nil
	}
}
