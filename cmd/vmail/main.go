package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/migadu/vmail/ari"
	"github.com/migadu/vmail/cache"
	"github.com/migadu/vmail/config"
	"github.com/migadu/vmail/db"
	"github.com/migadu/vmail/logger"
	"github.com/migadu/vmail/notify"
	"github.com/migadu/vmail/pkg/errors"
	"github.com/migadu/vmail/pkg/health"
	"github.com/migadu/vmail/pkg/retry"
	"github.com/migadu/vmail/server/archiver"
	"github.com/migadu/vmail/server/authlimit"
	"github.com/migadu/vmail/server/httpapi"
	"github.com/migadu/vmail/storage"
	"github.com/migadu/vmail/voicemail"
)

// Version information, injected at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// serviceManager tracks running background services for coordinated shutdown.
type serviceManager struct {
	wg sync.WaitGroup
}

func (sm *serviceManager) Go(fn func()) {
	sm.wg.Add(1)
	go func() {
		defer sm.wg.Done()
		fn()
	}()
}

func (sm *serviceManager) Wait() {
	sm.wg.Wait()
}

// services holds everything shared by the running components.
type services struct {
	cfg      config.Config
	database *db.Database
	ari      *ari.Client
	app      *voicemail.App
	storage  *storage.S3Storage
	cache    *cache.Cache
	notifier *notify.Notifier
	archiver *archiver.Worker
	limiter  *authlimit.Limiter
	health   *health.HealthMonitor
	manager  *serviceManager
}

func main() {
	errorHandler := errors.NewErrorHandler()
	cfg := config.NewDefaultConfig()

	showVersion := flag.Bool("version", false, "Show version information and exit")
	flag.BoolVar(showVersion, "v", false, "Show version information and exit")
	configPath := flag.String("config", "config.toml", "Path to TOML configuration file")
	flag.Parse()

	if *showVersion {
		fmt.Printf("vmail version %s (commit: %s, built at: %s)\n", version, commit, date)
		os.Exit(0)
	}

	loadAndValidateConfig(*configPath, &cfg, errorHandler)

	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "VMAIL: Warning initializing logger: %v\n", err)
	}
	if logFile != nil {
		defer func(f *os.File) {
			if err := f.Close(); err != nil {
				fmt.Fprintf(os.Stderr, "VMAIL: Error closing log file %s: %v\n", f.Name(), err)
			}
		}(logFile)
	}

	logger.Infof("vmail starting (version %s, commit: %s, built: %s)", version, commit, date)
	logger.Info("Logging configured", "format", cfg.Logging.Format, "level", cfg.Logging.Level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-signalChan
		logger.Info("Received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	svc, err := initializeServices(ctx, cfg)
	if err != nil {
		errorHandler.FatalError("initialize services", err)
		os.Exit(exitCode(errorHandler))
	}
	defer svc.close()

	errChan := svc.start(ctx)

	select {
	case <-ctx.Done():
	case err := <-errChan:
		errorHandler.FatalError("service operation", err)
		cancel()
	}

	logger.Info("Hanging up active calls")
	hangupCtx, hangupCancel := context.WithTimeout(context.Background(), 5*time.Second)
	svc.app.Close(hangupCtx)
	hangupCancel()

	done := make(chan struct{})
	go func() {
		svc.manager.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info("All services stopped")
	case <-time.After(10 * time.Second):
		logger.Warn("Service shutdown timeout reached after 10 seconds")
	}

	if errorHandler.Err() != nil {
		svc.close()
		os.Exit(1)
	}
}

func exitCode(eh *errors.ErrorHandler) int {
	if code, ok := eh.WaitForExitWithTimeout(time.Second); ok {
		return code
	}
	return 1
}

// loadAndValidateConfig loads configPath over the defaults. A missing
// default config.toml is not an error.
func loadAndValidateConfig(configPath string, cfg *config.Config, errorHandler *errors.ErrorHandler) {
	if err := config.LoadConfigFromFile(configPath, cfg); err != nil {
		if os.IsNotExist(err) && configPath == "config.toml" {
			logger.Warnf("default configuration file '%s' not found. Using application defaults.", configPath)
		} else {
			errorHandler.ConfigError(configPath, err)
			os.Exit(exitCode(errorHandler))
		}
	} else {
		logger.Info("Loaded configuration", "path", configPath)
	}

	if err := cfg.Validate(); err != nil {
		errorHandler.ConfigError(configPath, err)
		os.Exit(exitCode(errorHandler))
	}
}

// initializeServices connects the database and Asterisk and builds the
// optional archive, cache and notification layers.
func initializeServices(ctx context.Context, cfg config.Config) (*services, error) {
	svc := &services{cfg: cfg, manager: &serviceManager{}}

	logger.Info("Connecting to database", "hosts", cfg.Database.Write.Hosts, "auto_migrate", cfg.Database.AutoMigrate)
	database, err := db.NewDatabaseFromConfig(ctx, &cfg.Database, cfg.Database.AutoMigrate)
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}
	svc.database = database
	database.StartPoolMetrics(ctx)

	requestTimeout, err := cfg.ARI.GetRequestTimeout()
	if err != nil {
		svc.close()
		return nil, fmt.Errorf("invalid ari.request_timeout: %w", err)
	}
	svc.ari, err = ari.NewClient(ari.ClientOptions{
		URL:            cfg.ARI.URL,
		Username:       cfg.ARI.Username,
		Password:       cfg.ARI.Password,
		Applications:   cfg.ARI.Applications,
		RequestTimeout: requestTimeout,
	})
	if err != nil {
		svc.close()
		return nil, err
	}
	pingCtx, pingCancel := context.WithTimeout(ctx, requestTimeout)
	if err := svc.ari.Ping(pingCtx); err != nil {
		// The event stream keeps retrying; calls start once Asterisk is up.
		logger.Warn("Asterisk is not reachable yet", "url", cfg.ARI.URL, "error", err)
	}
	pingCancel()

	if cfg.S3.IsConfigured() {
		logger.Info("Connecting to S3", "endpoint", cfg.S3.Endpoint, "bucket", cfg.S3.Bucket)
		if svc.storage, err = storage.New(cfg.S3); err != nil {
			svc.close()
			return nil, fmt.Errorf("s3: %w", err)
		}
	}

	if cfg.LocalCache.Path != "" {
		if svc.cache, err = newCache(ctx, cfg.LocalCache, database); err != nil {
			svc.close()
			return nil, err
		}
	}

	if cfg.Notify.IsConfigured() {
		if svc.notifier, err = notify.New(cfg.Notify, svc.ari); err != nil {
			svc.close()
			return nil, fmt.Errorf("notify: %w", err)
		}
		logger.Info("Email notifications enabled", "relay", cfg.Notify.SMTPHost)
	}

	var store voicemail.Store = database
	if cfg.Archiver.Enabled {
		if svc.storage == nil {
			svc.close()
			return nil, fmt.Errorf("archiver.enabled requires [s3] endpoint and bucket")
		}
		var archiveCache archiver.ArchiverCache
		if svc.cache != nil {
			archiveCache = svc.cache
		}
		if svc.archiver, err = archiver.New(cfg.Archiver, database, svc.storage, archiveCache, svc.ari, nil); err != nil {
			svc.close()
			return nil, err
		}
		store = &archivingStore{Database: database, archiver: svc.archiver}
	}

	var notifier voicemail.Notifier
	if svc.notifier != nil {
		notifier = svc.notifier
	}
	var limiter voicemail.AuthLimiter
	if cfg.Voicemail.AuthLimit.Enabled {
		if svc.limiter, err = newAuthLimiter(cfg.Voicemail.AuthLimit); err != nil {
			svc.close()
			return nil, err
		}
		limiter = svc.limiter
	}
	svc.app = voicemail.NewApp(voicemail.AppOptions{
		DefaultDomain:   cfg.Voicemail.GetDefaultDomain(),
		MaxAuthAttempts: cfg.Voicemail.MaxAuthAttempts,
	}, voicemail.Services{
		Store:    store,
		ARI:      svc.ari,
		Notifier: notifier,
		Defaults: cfg.Voicemail.GetOptions(),
		Limiter:  limiter,
	})

	svc.health = newHealthMonitor(svc)
	return svc, nil
}

// newHealthMonitor checks the database and Asterisk directly. S3 and SMTP
// are judged by their breakers so the monitor adds no load of its own.
func newHealthMonitor(svc *services) *health.HealthMonitor {
	hm := health.NewHealthMonitor()
	hm.RegisterCheck(&health.HealthCheck{
		Name:     "database",
		Critical: true,
		Check:    svc.database.Ping,
	})
	hm.RegisterCheck(&health.HealthCheck{
		Name:     "ari",
		Critical: true,
		Check:    svc.ari.Ping,
	})
	if svc.storage != nil {
		hm.RegisterCheck(&health.HealthCheck{
			Name:     "s3",
			Interval: 15 * time.Second,
			Check:    health.BreakerCheck(svc.storage.Breaker()),
		})
	}
	if svc.notifier != nil {
		hm.RegisterCheck(&health.HealthCheck{
			Name:     "smtp",
			Interval: 15 * time.Second,
			Check:    health.BreakerCheck(svc.notifier.Breaker()),
		})
	}
	return hm
}

func newAuthLimiter(cfg config.AuthLimitConfig) (*authlimit.Limiter, error) {
	window, err := cfg.GetWindow()
	if err != nil {
		return nil, fmt.Errorf("invalid voicemail.auth_limit.window: %w", err)
	}
	block, err := cfg.GetBlockDuration()
	if err != nil {
		return nil, fmt.Errorf("invalid voicemail.auth_limit.block_duration: %w", err)
	}
	cleanup, err := cfg.GetCleanupInterval()
	if err != nil {
		return nil, fmt.Errorf("invalid voicemail.auth_limit.cleanup_interval: %w", err)
	}
	return authlimit.New(authlimit.Config{
		MaxFailures:     cfg.MaxFailures,
		Window:          window,
		BlockDuration:   block,
		CleanupInterval: cleanup,
	}), nil
}

func newCache(ctx context.Context, cfg config.LocalCacheConfig, database *db.Database) (*cache.Cache, error) {
	capacity, err := cfg.GetCapacity()
	if err != nil {
		return nil, fmt.Errorf("invalid local_cache.capacity: %w", err)
	}
	maxObjectSize, err := cfg.GetMaxObjectSize()
	if err != nil {
		return nil, fmt.Errorf("invalid local_cache.max_object_size: %w", err)
	}
	purgeInterval, err := cfg.GetPurgeInterval()
	if err != nil {
		return nil, fmt.Errorf("invalid local_cache.purge_interval: %w", err)
	}

	c, err := cache.New(cfg.Path, capacity, maxObjectSize, purgeInterval, database)
	if err != nil {
		return nil, fmt.Errorf("cache: %w", err)
	}
	if err := c.SyncFromDisk(ctx); err != nil {
		c.Close()
		return nil, fmt.Errorf("sync cache from disk: %w", err)
	}
	c.StartPurgeLoop(ctx)
	logger.Info("Local cache ready", "path", cfg.Path, "capacity", capacity)
	return c, nil
}

// start launches the event stream, the archiver and the listeners. Fatal
// failures arrive on the returned channel.
func (svc *services) start(ctx context.Context) <-chan error {
	errChan := make(chan error, 4)

	reconnectInitial, err := svc.cfg.ARI.GetReconnectInitial()
	if err != nil {
		errChan <- fmt.Errorf("invalid ari.reconnect_initial: %w", err)
		return errChan
	}
	reconnectMax, err := svc.cfg.ARI.GetReconnectMax()
	if err != nil {
		errChan <- fmt.Errorf("invalid ari.reconnect_max: %w", err)
		return errChan
	}
	backoff := retry.BackoffConfig{
		InitialInterval: reconnectInitial,
		MaxInterval:     reconnectMax,
		Multiplier:      2.0,
		Jitter:          true,
	}
	svc.manager.Go(func() {
		logger.Info("Subscribing to ARI events", "applications", svc.cfg.ARI.Applications)
		if err := svc.ari.Events(ctx, backoff, svc.app.Dispatch); err != nil && ctx.Err() == nil {
			errChan <- fmt.Errorf("ARI event stream: %w", err)
		}
	})

	if svc.archiver != nil {
		svc.archiver.Start(ctx)
	}
	svc.health.Start(ctx)

	if svc.cfg.HTTPAPI.Start {
		opts := httpapi.ServerOptions{
			Addr:         svc.cfg.HTTPAPI.Addr,
			APIKey:       svc.cfg.HTTPAPI.APIKey,
			AllowedHosts: svc.cfg.HTTPAPI.AllowedHosts,
			Defaults:     svc.cfg.Voicemail.GetOptions(),
			Recordings:   svc.ari,
			Sessions:     svc.app,
			Health:       svc.health,
			TLS:          svc.cfg.HTTPAPI.TLS,
			TLSCertFile:  svc.cfg.HTTPAPI.TLSCertFile,
			TLSKeyFile:   svc.cfg.HTTPAPI.TLSKeyFile,
		}
		if svc.cache != nil {
			opts.Cache = svc.cache
		}
		if svc.storage != nil {
			opts.Objects = svc.storage
		}
		svc.manager.Go(func() {
			httpapi.Start(ctx, svc.database, opts, errChan)
		})
	}

	if svc.cfg.Metrics.Enabled {
		svc.manager.Go(func() {
			startMetricsServer(ctx, svc.cfg.Metrics, errChan)
		})
	}

	return errChan
}

func startMetricsServer(ctx context.Context, cfg config.MetricsConfig, errChan chan error) {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.Handler())

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Error shutting down metrics server", "error", err)
		}
	}()

	logger.Info("Starting metrics server", "addr", cfg.Addr, "path", cfg.Path)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		errChan <- fmt.Errorf("metrics server failed: %w", err)
	}
}

// close releases resources. Calling it twice is harmless.
func (svc *services) close() {
	if svc.health != nil {
		svc.health.Stop()
		svc.health = nil
	}
	if svc.archiver != nil {
		svc.archiver.Stop()
		svc.archiver = nil
	}
	if svc.limiter != nil {
		svc.limiter.Stop()
	}
	if svc.cache != nil {
		if err := svc.cache.Close(); err != nil {
			logger.Warn("Error closing cache", "error", err)
		}
		svc.cache = nil
	}
	if svc.database != nil {
		svc.database.Close()
		svc.database = nil
	}
}
