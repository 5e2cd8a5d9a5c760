// Package server wires the artifact subsystems into a runnable application.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/JakeFAU/webchain-artifacts/internal/allowlist"
	"github.com/JakeFAU/webchain-artifacts/internal/api"
	"github.com/JakeFAU/webchain-artifacts/internal/artifact"
	"github.com/JakeFAU/webchain-artifacts/internal/cache/disk"
	"github.com/JakeFAU/webchain-artifacts/internal/clock/system"
	"github.com/JakeFAU/webchain-artifacts/internal/config"
	"github.com/JakeFAU/webchain-artifacts/internal/hash/sha256"
	"github.com/JakeFAU/webchain-artifacts/internal/janitor"
	"github.com/JakeFAU/webchain-artifacts/internal/limiter"
	"github.com/JakeFAU/webchain-artifacts/internal/logging"
	"github.com/JakeFAU/webchain-artifacts/internal/metrics"
	"github.com/JakeFAU/webchain-artifacts/internal/producer/favicon"
	"github.com/JakeFAU/webchain-artifacts/internal/producer/screenshot"
)

const shutdownTimeout = 10 * time.Second

// App contains the application's dependencies.
type App struct {
	cfg        *config.Config
	logger     *zap.Logger
	apiServer  *api.Server
	gate       *allowlist.Gate
	favicons   *disk.Store
	snapshots  *disk.Store
	browsers   *screenshot.Manager
	janitor    *janitor.Janitor
	cancelBase context.CancelFunc
}

// Handler exposes the HTTP router.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run starts the application and blocks until the context is canceled or a
// SIGINT/SIGTERM arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a.janitor.Start()
	a.logger.Info("janitor started", zap.Duration("interval", a.cfg.Janitor.Interval()))

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

	<-ctx.Done()
	a.logger.Info("shutdown initiated")
	a.cancelBase()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}

	return a.Close(shutdownCtx)
}

// Close cancels outstanding work, stops the janitor and closes the browser.
func (a *App) Close(ctx context.Context) error {
	a.cancelBase()
	var errs []error
	if err := a.janitor.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := a.browsers.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
	return errors.Join(errs...)
}

// Build creates the application's dependencies. Stores load their index
// here; the allow-list is primed when configured, and a failed prime only
// warns since the gate retries on first use.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(logging.Config{Development: cfg.Logging.Development, Level: cfg.Logging.Level})
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return build(ctx, cfg, logger, afero.NewOsFs())
}

func build(ctx context.Context, cfg *config.Config, logger *zap.Logger, fs afero.Fs) (*App, error) {
	metrics.Init()
	base, cancel := context.WithCancel(context.Background())
	app := &App{cfg: cfg, logger: logger, cancelBase: cancel}
	ok := false
	defer func() {
		if !ok {
			cancel()
		}
	}()

	clock := system.New()
	hasher := sha256.New()
	recorder := metrics.NewRecorder()

	var err error
	if err = setupGate(ctx, base, app, clock); err != nil {
		return nil, err
	}

	app.favicons, err = setupStore(ctx, app, fs, clock, hasher, artifact.KindFavicon, cfg.Favicon.Cache)
	if err != nil {
		return nil, err
	}
	app.snapshots, err = setupStore(ctx, app, fs, clock, hasher, artifact.KindScreenshot, cfg.Screenshot.Cache)
	if err != nil {
		return nil, err
	}

	iconProducer := favicon.New(favicon.Config{
		UserAgent:     cfg.HTTP.UserAgent,
		PageTimeout:   cfg.Favicon.PageTimeout(),
		IconTimeout:   cfg.Favicon.IconTimeout(),
		MaxPageBytes:  cfg.Favicon.MaxPageBytes,
		MaxIconBytes:  cfg.Favicon.MaxIconBytes,
		MaxCandidates: cfg.Favicon.MaxCandidates,
		HourlyLimit:   cfg.Favicon.HourlyLimit,
	}, clock, logger.Named("favicon"))

	shotProducer, err := setupScreenshots(base, app)
	if err != nil {
		return nil, err
	}

	favicons, err := artifact.NewService(base, serviceConfig(artifact.KindFavicon, cfg.Favicon.Cache),
		app.favicons, iconProducer, app.gate, clock, logger.Named("favicon_service"), artifact.WithRecorder(recorder))
	if err != nil {
		return nil, fmt.Errorf("favicon service init failed: %w", err)
	}
	screenshots, err := artifact.NewService(base, serviceConfig(artifact.KindScreenshot, cfg.Screenshot.Cache),
		app.snapshots, shotProducer, app.gate, clock, logger.Named("screenshot_service"), artifact.WithRecorder(recorder))
	if err != nil {
		return nil, fmt.Errorf("screenshot service init failed: %w", err)
	}

	var refreshers []janitor.Refresher
	if cfg.Janitor.Recapture {
		refreshers = append(refreshers, screenshots)
	}
	app.janitor, err = janitor.New(janitor.Config{
		Interval:    cfg.Janitor.Interval(),
		BaseContext: base,
		Logger:      logger.Named("janitor"),
		OnVacuum: func(kind artifact.Kind, report disk.VacuumReport, remaining int) {
			metrics.ObserveVacuum(kind, report.Expired, report.Orphans, remaining)
		},
	}, []janitor.Store{
		{Kind: artifact.KindFavicon, Cache: app.favicons},
		{Kind: artifact.KindScreenshot, Cache: app.snapshots},
	}, refreshers...)
	if err != nil {
		return nil, fmt.Errorf("janitor init failed: %w", err)
	}

	app.apiServer, err = api.NewServer(api.Config{
		AllowOrigin:    cfg.Server.AllowOrigin,
		SelfBaseURL:    cfg.Screenshot.SelfBaseURL,
		RequestTimeout: cfg.Server.RequestTimeout(),
	}, favicons, screenshots, app.gate, clock, logger.Named("api"))
	if err != nil {
		return nil, fmt.Errorf("api init failed: %w", err)
	}

	ok = true
	return app, nil
}

func serviceConfig(kind artifact.Kind, c config.CacheConfig) artifact.ServiceConfig {
	return artifact.ServiceConfig{
		Kind:        kind,
		ExpiresIn:   c.ExpiresIn(),
		EmptyTTL:    c.EmptyTTL(),
		CheckRobots: c.CheckRobots,
	}
}

func setupGate(ctx, base context.Context, app *App, clock artifact.Clock) error {
	cfg := app.cfg.AllowList
	opts := []allowlist.Option{allowlist.WithRefreshObserver(metrics.ObserveAllowListRefresh)}
	if cfg.RobotsFallback {
		checker := allowlist.NewRobotsChecker(&http.Client{Timeout: cfg.RequestTimeout()},
			app.cfg.HTTP.UserAgent, cfg.RobotsTTL(), app.logger.Named("robots"))
		opts = append(opts, allowlist.WithRobotsPolicy(checker))
	}
	gate, err := allowlist.New(base, allowlist.Config{
		CrawlURL:        cfg.CrawlURL,
		RefreshInterval: cfg.RefreshInterval(),
		RequestTimeout:  cfg.RequestTimeout(),
		UserAgent:       app.cfg.HTTP.UserAgent,
	}, clock, app.logger.Named("allowlist"), opts...)
	if err != nil {
		return fmt.Errorf("allow-list init failed: %w", err)
	}
	app.gate = gate

	if !cfg.PrimeOnStartup {
		return nil
	}
	if err := gate.Prime(ctx); err != nil {
		app.logger.Warn("allow-list prime failed", zap.String("crawl_url", cfg.CrawlURL), zap.Error(err))
		return nil
	}
	app.logger.Info("allow-list loaded", zap.Int("urls", gate.Len()))
	return nil
}

func setupStore(
	ctx context.Context,
	app *App,
	fs afero.Fs,
	clock artifact.Clock,
	hasher artifact.Hasher,
	kind artifact.Kind,
	c config.CacheConfig,
) (*disk.Store, error) {
	store, err := disk.New(disk.Config{
		Dir:      c.Dir,
		FreshFor: c.FreshFor(),
		Grace:    app.cfg.Janitor.Grace(),
	}, fs, clock, hasher, app.logger.Named(string(kind)+"_cache"))
	if err != nil {
		return nil, fmt.Errorf("%s cache init failed: %w", kind, err)
	}
	if err := store.Load(ctx); err != nil {
		return nil, fmt.Errorf("%s cache load failed: %w", kind, err)
	}
	app.logger.Info("cache loaded", zap.String("kind", string(kind)), zap.String("dir", c.Dir), zap.Int("entries", store.Len()))
	return store, nil
}

func setupScreenshots(base context.Context, app *App) (*screenshot.Producer, error) {
	cfg := app.cfg.Screenshot
	slots, err := limiter.New(cfg.Concurrency, limiter.WithObserver(metrics.SetSlotsInUse))
	if err != nil {
		return nil, fmt.Errorf("screenshot limiter init failed: %w", err)
	}
	app.browsers = screenshot.NewManager(base,
		screenshot.NewChromeLauncher(screenshot.ChromeConfig{ExecPath: cfg.ChromePath, NoSandbox: cfg.NoSandbox}),
		app.logger.Named("browser"), metrics.ObserveBrowserLaunch)
	producer, err := screenshot.New(screenshot.Config{
		UserAgent:         app.cfg.HTTP.UserAgent,
		Width:             cfg.Width,
		Height:            cfg.Height,
		Quality:           cfg.Quality,
		NavigationTimeout: cfg.NavigationTimeout(),
		CaptureTimeout:    cfg.CaptureTimeout(),
		AcquireTimeout:    cfg.AcquireTimeout(),
	}, app.browsers, slots, app.logger.Named("screenshot"))
	if err != nil {
		return nil, fmt.Errorf("screenshot producer init failed: %w", err)
	}
	app.logger.Info("screenshot producer ready",
		zap.Int("concurrency", cfg.Concurrency),
		zap.Duration("navigation_timeout", cfg.NavigationTimeout()),
		zap.Duration("capture_timeout", cfg.CaptureTimeout()),
	)
	return producer, nil
}
