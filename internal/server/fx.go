// Package server builds the application from configuration and runs it either once or
// as a long-lived service.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/JakeFAU/jewelry-catalog-crawler/internal/api"
	"github.com/JakeFAU/jewelry-catalog-crawler/internal/clock/system"
	"github.com/JakeFAU/jewelry-catalog-crawler/internal/config"
	"github.com/JakeFAU/jewelry-catalog-crawler/internal/crawler"
	"github.com/JakeFAU/jewelry-catalog-crawler/internal/fetcher/headless"
	"github.com/JakeFAU/jewelry-catalog-crawler/internal/hash/sha256"
	"github.com/JakeFAU/jewelry-catalog-crawler/internal/id/uuid"
	"github.com/JakeFAU/jewelry-catalog-crawler/internal/imaging"
	"github.com/JakeFAU/jewelry-catalog-crawler/internal/logging"
	"github.com/JakeFAU/jewelry-catalog-crawler/internal/metrics"
	"github.com/JakeFAU/jewelry-catalog-crawler/internal/policy/ratelimit"
	memorypublisher "github.com/JakeFAU/jewelry-catalog-crawler/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/jewelry-catalog-crawler/internal/publisher/pubsub"
	"github.com/JakeFAU/jewelry-catalog-crawler/internal/quota"
	"github.com/JakeFAU/jewelry-catalog-crawler/internal/runner"
	"github.com/JakeFAU/jewelry-catalog-crawler/internal/scheduler"
	gcsstorage "github.com/JakeFAU/jewelry-catalog-crawler/internal/storage/gcs"
	localstorage "github.com/JakeFAU/jewelry-catalog-crawler/internal/storage/local"
	memorystorage "github.com/JakeFAU/jewelry-catalog-crawler/internal/storage/memory"
	pgstore "github.com/JakeFAU/jewelry-catalog-crawler/internal/storage/postgres"
	redisstore "github.com/JakeFAU/jewelry-catalog-crawler/internal/storage/redis"
)

// App contains the application's dependencies.
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	driver          headless.Driver
	runner          *runner.Runner
	runs            crawler.RunStore
	gate            *quota.Gate
	apiServer       *api.Server
	scheduler       *scheduler.Scheduler
	pool            *pgxpool.Pool
	rulesCache      *redisstore.RulesCache
	storage         *storage.Client
	pubsubClient    *pubsub.Client
	pubsubPublisher *gcppublisher.Publisher
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(logging.Options{Development: cfg.Logging.Development, Level: cfg.Logging.Level})
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	metrics.Init()

	app := &App{cfg: cfg, logger: logger}
	logger.Info("building application dependencies",
		zap.Int("sites", len(cfg.Sites)),
		zap.String("driver", cfg.Browser.Driver),
		zap.String("storage", cfg.Storage.Backend),
		zap.String("quota", cfg.Quota.Backend),
	)

	if err := app.build(ctx); err != nil {
		_ = app.Close(context.Background())
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.cfg
	var err error

	orchestrator, err := a.setupAcquisition(ctx)
	if err != nil {
		return err
	}
	blobStore, err := a.setupStorage(ctx)
	if err != nil {
		return err
	}
	if err := a.setupDatabase(ctx); err != nil {
		return err
	}
	if err := a.setupQuota(ctx); err != nil {
		return err
	}
	publisher, err := a.setupPublisher(ctx)
	if err != nil {
		return err
	}

	var products crawler.ProductStore
	if a.pool != nil {
		products, err = pgstore.NewProductStore(a.pool, cfg.DB.ProductsTable)
		if err != nil {
			return fmt.Errorf("product store init failed: %w", err)
		}
	}

	var images *imaging.Pipeline
	if cfg.Images.Enabled {
		images = imaging.New(imaging.Config{
			Timeout:   cfg.Images.Timeout,
			MaxBytes:  cfg.Images.MaxBytes,
			MaxPixels: cfg.Images.MaxPixels,
			Width:     cfg.Images.ThumbnailWidth,
			Height:    cfg.Images.ThumbnailHeight,
			UserAgent: cfg.Images.UserAgent,
		}, nil, ratelimit.New(ratelimit.Config{
			PerHostRPS:   cfg.Images.PerHostRPS,
			PerHostBurst: cfg.Images.PerHostBurst,
		}), blobStore, sha256.New(32), logging.Component(a.logger, "imaging"))
	}

	a.runs = memorystorage.NewRunStore()
	deps := runner.Deps{
		Pages:     orchestrator,
		Blobs:     blobStore,
		Products:  products,
		Runs:      a.runs,
		Quota:     a.gate,
		Publisher: publisher,
		IDs:       uuid.New(),
		Clock:     system.New(),
	}
	if images != nil {
		deps.Images = images
	}
	a.runner, err = runner.New(runner.Config{
		Concurrency: cfg.Runner.Concurrency,
		RunTimeout:  cfg.Runner.RunTimeout,
		OutputPath:  cfg.Output.Path,
		Upload:      cfg.Output.Upload,
		Topic:       cfg.PubSub.TopicName,
	}, deps, sites(cfg), logging.Component(a.logger, "runner"))
	if err != nil {
		return fmt.Errorf("runner init failed: %w", err)
	}

	a.apiServer = api.NewServer(a.runner, a.runs, a.gate, api.Options{
		APIKey:      apiKey(cfg.Auth),
		CORSOrigins: cfg.Server.CORSOrigins,
	}, logging.Component(a.logger, "api"))

	if cfg.Scheduler.Cron != "" {
		a.scheduler, err = scheduler.New(cfg.Scheduler.Cron, func(ctx context.Context) (crawler.RunSummary, error) {
			return a.runner.RunOnce(ctx, "schedule", nil)
		}, logging.Component(a.logger, "scheduler"))
		if err != nil {
			return fmt.Errorf("scheduler init failed: %w", err)
		}
	}
	return nil
}

func (a *App) setupAcquisition(ctx context.Context) (*crawler.Orchestrator, error) {
	cfg := a.cfg
	driver, err := headless.New(cfg.Browser.Driver, headless.Config{
		MaxParallel:  cfg.Browser.MaxParallel,
		Headless:     cfg.Browser.Headless,
		ExecPath:     cfg.Browser.ExecPath,
		WindowWidth:  cfg.Browser.WindowWidth,
		WindowHeight: cfg.Browser.WindowHeight,
	}, logging.Component(a.logger, "driver"))
	if err != nil {
		return nil, fmt.Errorf("browser driver init failed: %w", err)
	}
	a.driver = driver

	var cache crawler.RulesCache
	switch cfg.Acquisition.Robots.Cache {
	case "redis":
		a.rulesCache, err = redisstore.Dial(ctx, redisstore.Config{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return nil, fmt.Errorf("robots cache init failed: %w", err)
		}
		cache = a.rulesCache
		a.logger.Info("robots cache", zap.String("backend", "redis"), zap.String("addr", cfg.Redis.Addr))
	case "memory":
		cache = memorystorage.NewRulesCache()
		a.logger.Info("robots cache", zap.String("backend", "memory"))
	}

	robotsLogger := logging.Component(a.logger, "robots")
	checker := crawler.NewRobotsChecker(cfg.Acquisition.RobotsOptions(cache), robotsLogger)
	navLogger := logging.Component(a.logger, "navigation")
	navigation := crawler.NewNavigationPolicy(cfg.Acquisition.NavigationPolicy(), navLogger)
	acquirer := crawler.NewPageAcquirer(driver, navigation, crawler.AcquirerOptions{
		InitScripts: headless.InitScripts(cfg.Browser.Stealth),
		UserAgent:   cfg.Browser.UserAgent,
	}, logging.Component(a.logger, "acquirer"))

	a.logger.Info("egress configured",
		zap.Bool("residential", cfg.Acquisition.Egress.ResidentialEndpoint != ""),
		zap.Bool("datacenter", cfg.Acquisition.Egress.Datacenter.Configured()),
	)
	return crawler.NewOrchestrator(checker, acquirer, cfg.Acquisition.Egress, logging.Component(a.logger, "orchestrator")), nil
}

func (a *App) setupStorage(ctx context.Context) (crawler.BlobStore, error) {
	cfg := a.cfg.Storage
	switch cfg.Backend {
	case "gcs":
		var err error
		a.storage, err = storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		blobStore, err := gcsstorage.New(a.storage, gcsstorage.Config{Bucket: cfg.GCSBucket, Prefix: cfg.Prefix})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		if err := blobStore.CheckBucket(ctx); err != nil {
			return nil, err
		}
		a.logger.Info("using GCS storage backend", zap.String("bucket", cfg.GCSBucket))
		return blobStore, nil
	case "local":
		blobStore, err := localstorage.New(localstorage.Config{BaseDir: cfg.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("using local storage backend", zap.String("path", cfg.LocalDir))
		return blobStore, nil
	default:
		a.logger.Info("using in-memory storage backend")
		return memorystorage.NewBlobStore(), nil
	}
}

func (a *App) setupDatabase(ctx context.Context) error {
	if a.cfg.DB.DSN == "" {
		a.logger.Warn("no database DSN configured, products are only written to the workbook")
		return nil
	}
	var err error
	a.pool, err = pgstore.NewPool(ctx, pgstore.PoolConfig{
		DSN:             a.cfg.DB.DSN,
		MaxConns:        a.cfg.DB.MaxConns,
		MinConns:        a.cfg.DB.MinConns,
		MaxConnLifetime: a.cfg.DB.MaxConnLifetime,
	})
	if err != nil {
		return fmt.Errorf("postgres init failed: %w", err)
	}
	if err := pgstore.EnsureSchema(ctx, a.pool); err != nil {
		return err
	}
	a.logger.Info("postgres connected", zap.String("products_table", a.cfg.DB.ProductsTable))
	return nil
}

func (a *App) setupQuota(ctx context.Context) error {
	cfg := a.cfg.Quota
	var store quota.Store
	switch cfg.Backend {
	case "postgres":
		if a.pool == nil {
			return errors.New("quota backend postgres requires db.dsn")
		}
		pgQuota, err := pgstore.NewQuotaStore(a.pool)
		if err != nil {
			return fmt.Errorf("quota store init failed: %w", err)
		}
		if err := pgQuota.EnsureRow(ctx, cfg.Enabled, cfg.MonthlyLimit); err != nil {
			return err
		}
		store = pgQuota
	default:
		store = quota.NewMemoryStore(cfg.Enabled, cfg.MonthlyLimit)
	}
	a.gate = quota.NewGate(store, logging.Component(a.logger, "quota"))
	a.logger.Info("quota gate ready",
		zap.String("backend", cfg.Backend),
		zap.Bool("enabled", cfg.Enabled),
		zap.Int("monthly_limit", cfg.MonthlyLimit),
	)
	return nil
}

func (a *App) setupPublisher(ctx context.Context) (crawler.Publisher, error) {
	if a.cfg.PubSub.TopicName == "" || a.cfg.PubSub.ProjectID == "" {
		a.logger.Warn("no Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	var err error
	a.pubsubClient, err = pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.pubsubPublisher = gcppublisher.New(a.pubsubClient.Publisher(a.cfg.PubSub.TopicName))
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return a.pubsubPublisher, nil
}

// RunOnce executes a single run over every configured site.
func (a *App) RunOnce(ctx context.Context) (crawler.RunSummary, error) {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return a.runner.RunOnce(ctx, "cli", nil)
}

// Serve starts the API server and the scheduler and blocks until a signal arrives.
func (a *App) Serve(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()
	if a.scheduler != nil {
		a.scheduler.Start()
	}

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	if a.scheduler != nil {
		if err := a.scheduler.Stop(shutdownCtx); err != nil {
			a.logger.Warn("scheduler stop", zap.Error(err))
		}
	}
	a.runner.Wait()
	return nil
}

// Close releases every external client.
func (a *App) Close(_ context.Context) error {
	var errs []error
	if a.driver != nil {
		if err := a.driver.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			errs = append(errs, fmt.Errorf("pubsub client close: %w", err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			errs = append(errs, fmt.Errorf("gcs client close: %w", err))
		}
	}
	if a.rulesCache != nil {
		if err := a.rulesCache.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if len(errs) > 0 {
		a.logger.Warn("shutdown finished with errors", zap.Error(errors.Join(errs...)))
	} else {
		a.logger.Info("shutdown complete")
	}
	_ = a.logger.Sync()
	return errors.Join(errs...)
}

func sites(cfg *config.Config) []runner.Site {
	out := make([]runner.Site, 0, len(cfg.Sites))
	for _, s := range cfg.Sites {
		out = append(out, runner.Site{
			Name:     s.Name,
			Requests: s.Requests(cfg.Acquisition.MaxAttempts),
			Rules:    s.Extract,
		})
	}
	return out
}

func apiKey(auth config.AuthConfig) string {
	if !auth.Enabled {
		return ""
	}
	return auth.APIKey
}
