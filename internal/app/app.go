package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrSnakeDoc/keypool/internal/admin"
	"github.com/MrSnakeDoc/keypool/internal/config"
	"github.com/MrSnakeDoc/keypool/internal/dispatch"
	"github.com/MrSnakeDoc/keypool/internal/domain"
	"github.com/MrSnakeDoc/keypool/internal/events"
	"github.com/MrSnakeDoc/keypool/internal/httpserver"
	"github.com/MrSnakeDoc/keypool/internal/httpserver/deps"
	"github.com/MrSnakeDoc/keypool/internal/httpserver/routes"
	"github.com/MrSnakeDoc/keypool/internal/httpserver/session"
	"github.com/MrSnakeDoc/keypool/internal/lockout"
	"github.com/MrSnakeDoc/keypool/internal/logger"
	"github.com/MrSnakeDoc/keypool/internal/pool"
	"github.com/MrSnakeDoc/keypool/internal/redis"
	"github.com/MrSnakeDoc/keypool/internal/scheduler"
	"github.com/MrSnakeDoc/keypool/internal/store"
	"github.com/MrSnakeDoc/keypool/internal/store/memory"
	redisstore "github.com/MrSnakeDoc/keypool/internal/store/redis"
	"github.com/MrSnakeDoc/keypool/internal/store/sqlite"
	"github.com/MrSnakeDoc/keypool/internal/utils"
	"github.com/MrSnakeDoc/keypool/internal/version"
)

type App struct {
	cfg       *config.Config
	logger    logger.Logger
	server    *httpserver.Server
	store     store.Store
	pool      *pool.Manager
	seeder    *scheduler.Seeder
	refresher *scheduler.PoolRefresher
	resetter  *scheduler.UsageResetter
	collector *scheduler.HistoryCollector
}

func New() *App {
	cfg := config.Load()

	loggerClient := logger.New(cfg.LogLevel, cfg.PrettyLog)

	// Open the store early - fail fast if unavailable
	st, err := openStore(cfg, loggerClient)
	if err != nil {
		loggerClient.Errorf("Failed to open %s store: %v", cfg.StoreDriver, err)
		os.Exit(1)
	}
	loggerClient.Info("store initialized successfully", logger.String("driver", cfg.StoreDriver))

	a, err := build(cfg, loggerClient, st)
	if err != nil {
		loggerClient.Errorf("Failed to assemble keypool: %v", err)
		utils.MustClose(st, loggerClient, "store")
		os.Exit(1)
	}
	return a
}

// build wires every component around an opened store.
func build(cfg *config.Config, loggerClient logger.Logger, st store.Store) (*App, error) {
	bus := events.NewBus()

	poolManager := pool.New(st,
		pool.WithLogger(loggerClient.With(logger.String("component", "pool"))),
		pool.WithStoreTimeout(cfg.StoreTimeout),
		pool.WithUsageWriter(pool.WriterConfig{
			MaxAttempts: cfg.UsageWriteRetries,
			BaseBackoff: pool.DefaultWriterConfig.BaseBackoff,
			MaxBackoff:  pool.DefaultWriterConfig.MaxBackoff,
		}),
	)
	// Admin writes take effect on the next selection.
	bus.Subscribe(poolManager.HandleMutation)

	auth := lockout.NewAuthenticator(st,
		lockout.WithPolicy(lockout.Policy{Threshold: cfg.LockoutThreshold, LockDuration: cfg.LockoutDuration}),
		lockout.WithLogger(loggerClient.With(logger.String("component", "lockout"))),
		lockout.WithStoreTimeout(cfg.StoreTimeout),
	)

	format := domain.SecretFormat{Prefixes: cfg.SecretPrefixes, MinLength: cfg.SecretMinLength}
	adminService := admin.NewService(st, bus, auth,
		admin.WithSecretFormat(format),
		admin.WithLogger(loggerClient.With(logger.String("component", "admin"))),
		admin.WithStoreTimeout(cfg.StoreTimeout),
	)

	var seeder *scheduler.Seeder
	if cfg.SeedFile != "" {
		loggerClient.Info("seed file configured", logger.String("file", cfg.SeedFile))
		seeder = scheduler.NewSeeder(cfg.SeedFile, st, bus, format, loggerClient)
	}

	// Create manual reload trigger channel
	reloadTrigger := make(chan struct{}, 1)

	refresher := scheduler.NewPoolRefresher(
		poolManager,
		loggerClient,
		cfg.RefreshInterval,
		reloadTrigger,
	)

	resetter := scheduler.NewUsageResetter(st, bus, loggerClient, cfg.UsageResetPolicy)

	collector := scheduler.NewHistoryCollector(
		st,
		loggerClient,
		cfg.HistoryGCInterval,
		cfg.HistoryRetention,
	)

	var proxy *dispatch.Proxy
	if cfg.UpstreamURL != "" {
		var err error
		proxy, err = dispatch.NewProxy(cfg.UpstreamURL, routes.ProxyPrefix, poolManager,
			loggerClient.With(logger.String("component", "proxy")))
		if err != nil {
			_ = poolManager.Shutdown(context.Background())
			return nil, fmt.Errorf("invalid upstream url: %w", err)
		}
	} else {
		loggerClient.Info("upstream not configured, proxy disabled")
	}

	d := deps.Deps{
		Logger:        loggerClient,
		StartTime:     time.Now(),
		Version:       version.Version,
		Commit:        version.Commit,
		BuildDate:     version.BuildDate,
		GoVersion:     version.GoVersion,
		TimeNow:       time.Now,
		AllowedHosts:  cfg.AllowedHosts,
		AllowedCIDRS:  cfg.AllowedCIDRS,
		TrustProxy:    cfg.TrustProxy,
		StoreDriver:   cfg.StoreDriver,
		Store:         st,
		Pool:          poolManager,
		Admin:         adminService,
		Auth:          auth,
		Sessions:      session.NewManager([]byte(cfg.SessionKey), cfg.SessionTTL, cfg.SessionSecure),
		ReloadTrigger: reloadTrigger,
		LoginBurst:    cfg.LoginBurst,
		LoginPerMin:   cfg.LoginPerMin,
	}
	// A nil *Proxy in the interface would still mount the route.
	if proxy != nil {
		d.Proxy = proxy
		d.ProxyAPIKeys = cfg.ProxyAPIKeys
		d.ProxyCIDRS = cfg.ProxyAllowedCIDRS
	}

	server := httpserver.New(cfg, loggerClient, d)

	return &App{
		cfg:       cfg,
		logger:    loggerClient,
		server:    server,
		store:     st,
		pool:      poolManager,
		seeder:    seeder,
		refresher: refresher,
		resetter:  resetter,
		collector: collector,
	}, nil
}

func openStore(cfg *config.Config, log logger.Logger) (store.Store, error) {
	switch cfg.StoreDriver {
	case "redis":
		log.Infof("Connecting to Redis at %v", cfg.RedisAddrs)
		client, err := redis.Connect(context.Background(), redis.ConnectOptions{
			Addrs:          cfg.RedisAddrs,
			MasterName:     cfg.RedisMasterName,
			User:           cfg.RedisUser,
			Password:       cfg.RedisPassword,
			DB:             cfg.RedisDB,
			DialTimeout:    cfg.RedisDT,
			ReadTimeout:    cfg.RedisRT,
			WriteTimeout:   cfg.RedisWT,
			PoolSize:       cfg.RedisPoolSize,
			ConnectTimeout: cfg.RedisConnectTimeout,
			RetryInterval:  cfg.RedisRetryInterval,
			MaxWait:        cfg.RedisMaxWait,
			PingTimeout:    cfg.RedisPingTimeout,
			WarnThreshold:  cfg.RedisWarnThreshold,
		}, log)
		if err != nil {
			return nil, err
		}
		return redisstore.NewStore(client,
			redisstore.WithKeyPrefix(cfg.RedisKeyPrefix),
			redisstore.WithHistoryTTL(cfg.HistoryRetention),
		), nil

	case "sqlite":
		log.Info("opening sqlite database", logger.String("path", cfg.SQLitePath))
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return sqlite.Open(ctx, cfg.SQLitePath)

	case "memory":
		log.Warn("using in-memory store, nothing survives a restart")
		return memory.New(time.Now), nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
}

func (a *App) Run() error {
	a.logger.Infof("🚀 Starting keypool v%s on %s", version.Version, a.cfg.ListenPort)
	a.logger.Info(version.String())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if a.seeder != nil {
		if err := a.seeder.Sync(ctx); err != nil {
			return a.abort(fmt.Errorf("failed to apply seed file: %w", err))
		}
	}

	// Loads the pool once (failing startup if that is impossible) and keeps
	// it fresh afterwards.
	if err := a.refresher.Start(ctx); err != nil {
		return a.abort(fmt.Errorf("failed to start pool refresher: %w", err))
	}
	a.logger.Info("pool refresher started",
		logger.Duration("interval", a.cfg.RefreshInterval),
		logger.Int("credentials", a.pool.Stats().Total))

	if err := a.resetter.Start(ctx); err != nil {
		return a.abort(fmt.Errorf("failed to start usage resetter: %w", err))
	}
	a.logger.Info("usage resetter started", logger.String("policy", a.cfg.UsageResetPolicy))

	if err := a.collector.Start(ctx); err != nil {
		return a.abort(fmt.Errorf("failed to start history collector: %w", err))
	}
	a.logger.Info("history collector started",
		logger.Duration("interval", a.cfg.HistoryGCInterval),
		logger.Duration("retention", a.cfg.HistoryRetention))

	errCh := make(chan error, 1)
	go func() {
		if err := a.server.Start(); err != nil {
			errCh <- fmt.Errorf("http server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("⏳ Shutting down gracefully...")
	case err := <-errCh:
		a.shutdown()
		return err
	}

	return a.shutdown()
}

// abort releases the store and the usage writer when startup fails.
func (a *App) abort(cause error) error {
	a.logger.Error("startup failed, shutting down", logger.Error(cause))
	return errors.Join(cause, a.shutdown())
}

// shutdown stops background work, drains the server, then flushes pending
// usage before the store goes away.
func (a *App) shutdown() error {
	a.refresher.Stop()
	a.resetter.Stop()
	a.collector.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()

	var firstErr error
	if err := a.server.Stop(shutdownCtx); err != nil {
		firstErr = fmt.Errorf("failed to stop server: %w", err)
	}

	if err := a.pool.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("pending usage was not fully persisted", logger.Error(err))
	}

	utils.MustClose(a.store, a.logger, "store")

	if firstErr != nil {
		return firstErr
	}
	a.logger.Info("✅ keypool stopped cleanly")
	return nil
}
