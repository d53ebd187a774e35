package main

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/vibehost/provisioner/internal/backend"
	"github.com/vibehost/provisioner/internal/backend/local"
	"github.com/vibehost/provisioner/internal/backend/remote"
	"github.com/vibehost/provisioner/internal/config"
	"github.com/vibehost/provisioner/internal/health"
	"github.com/vibehost/provisioner/internal/metrics"
	"github.com/vibehost/provisioner/internal/model"
	"github.com/vibehost/provisioner/internal/notify"
	"github.com/vibehost/provisioner/internal/runner"
	"github.com/vibehost/provisioner/internal/runtime"
	"github.com/vibehost/provisioner/internal/service"
	"github.com/vibehost/provisioner/internal/store"
	"github.com/vibehost/provisioner/internal/util/workerpool"
)

// app holds the wired components of one process
type app struct {
	cfg    *config.Config
	logger *zap.Logger

	promRegistry *prometheus.Registry
	metrics      *metrics.Metrics

	registry    store.StackRegistry
	redisClient *redis.Client
	cache       store.Cache
	locks       store.NameLock
	runtime     runtime.Runtime
	adapter     backend.Adapter

	statsPool  *workerpool.Pool
	notifyPool *workerpool.Pool

	monitor       *service.HealthMonitor
	poller        *service.StatsPoller
	quota         *service.QuotaService
	notifications *service.NotificationService
	provisioning  *service.ProvisioningService

	closers []func() error
}

// newApp wires every component from cfg. The stats pool is only started
// for long-running processes.
func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger, background bool) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	if err := a.wire(ctx, background); err != nil {
		_ = a.Close(5 * time.Second)
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context, background bool) error {
	cfg, logger := a.cfg, a.logger

	a.promRegistry = prometheus.NewRegistry()
	a.promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = metrics.NewMetrics(a.promRegistry)

	if err := a.initRegistry(ctx); err != nil {
		return err
	}
	if err := a.initCacheAndLocks(); err != nil {
		return err
	}
	if err := a.initBackend(); err != nil {
		return err
	}

	if background {
		a.statsPool = workerpool.New(workerpool.Config{
			Name:        "stats",
			Workers:     cfg.Stats.Workers,
			QueueSize:   cfg.Stats.Workers * 16,
			TaskTimeout: cfg.Stats.PollInterval,
			Logger:      logger,
		})
	}
	// One-shot commands drain this pool in Close, after their output is written
	a.notifyPool = workerpool.New(workerpool.Config{
		Name:        "notifications",
		Workers:     cfg.Notification.Workers,
		QueueSize:   cfg.Notification.QueueSize,
		TaskTimeout: 2 * time.Minute,
		Logger:      logger,
	})

	var notifier notify.Notifier = notify.NewLogNotifier(logger)
	if cfg.Notification.Kind == "smtp" {
		notifier = notify.NewSMTPNotifier(notify.SMTPConfig{
			Host:     cfg.Notification.SMTP.Host,
			Port:     cfg.Notification.SMTP.Port,
			User:     cfg.Notification.SMTP.User,
			Password: cfg.Notification.SMTP.Password,
			From:     cfg.Notification.SMTP.From,
		}, logger)
	}

	stacksDir := ""
	if a.adapter.Kind() == model.BackendLocal {
		stacksDir = cfg.Backend.Local.StacksDir
	}

	a.monitor = service.NewHealthMonitor(a.registry, a.adapter, a.runtime, a.metrics, logger)
	a.poller = service.NewStatsPoller(a.registry, a.monitor, a.cache, a.statsPool, a.metrics, service.StatsPollerConfig{
		Interval:  cfg.Stats.PollInterval,
		TTL:       cfg.Stats.CacheTTL,
		CacheType: cfg.Cache.Kind,
	}, logger)
	a.quota = service.NewQuotaService(
		a.registry,
		service.NewConfigPlanResolver(cfg.Quota),
		service.NewDiskStorageMeter(a.runtime, stacksDir, logger),
		a.adapter,
		a.metrics,
		cfg.Quota,
		logger,
	)
	a.notifications = service.NewNotificationService(notifier, a.notifyPool, cfg.Notification.MaxRetries, a.metrics, logger)
	a.provisioning = service.NewProvisioningService(
		a.registry,
		a.adapter,
		a.locks,
		a.quota,
		a.monitor,
		a.poller,
		a.notifications,
		a.metrics,
		cfg.Provisioning,
		cfg.Backend.Local.ProxyNetwork,
		logger,
	)
	return nil
}

func (a *app) initRegistry(ctx context.Context) error {
	db := a.cfg.Database
	if db.Driver == "memory" {
		a.registry = store.NewMemoryStackRegistry()
		a.logger.Warn("Using in-memory stack registry; records are lost on exit")
		return nil
	}

	registry, err := store.NewPostgresStackRegistry(
		db.Host, db.Port, db.Database, db.User, db.Password, db.SSLMode,
		db.MaxConnections, db.MinConnections, db.ConnMaxLifetime,
		a.logger,
	)
	if err != nil {
		return fmt.Errorf("failed to initialize stack registry: %w", err)
	}
	a.registry = registry
	a.closers = append(a.closers, func() error { registry.Close(); return nil })

	if err := registry.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to migrate stack registry: %w", err)
	}
	a.logger.Info("Stack registry initialized",
		zap.String("host", db.Host),
		zap.Int("port", db.Port),
		zap.String("database", db.Database))
	return nil
}

func (a *app) initCacheAndLocks() error {
	if a.cfg.Cache.Kind == "redis" || a.cfg.Lock.Kind == "redis" {
		client, err := store.NewRedisClient(a.cfg.Redis.Addr(), a.cfg.Redis.Password, a.cfg.Redis.DB, a.cfg.Redis.PoolSize)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		a.redisClient = client
		a.closers = append(a.closers, client.Close)
	}

	if a.cfg.Cache.Kind == "redis" {
		a.cache = store.NewRedisCache(a.redisClient, a.logger)
	} else {
		cache := store.NewInMemoryCache(a.cfg.Cache.MaxSize, a.logger)
		a.cache = cache
		a.closers = append(a.closers, func() error { cache.Stop(); return nil })
	}

	if a.cfg.Lock.Kind == "redis" {
		a.locks = store.NewRedisNameLock(a.redisClient, a.cfg.Lock.TTL, a.logger)
	} else {
		a.locks = store.NewLocalNameLock()
	}
	return nil
}

func (a *app) initBackend() error {
	switch a.cfg.Backend.Kind {
	case "remote":
		rc := a.cfg.Backend.Remote
		client := remote.NewClient(remote.ClientConfig{
			URL:               rc.URL,
			APIKey:            rc.APIKey,
			ServerID:          rc.ServerID,
			Timeout:           rc.Timeout,
			RequestsPerSecond: rc.RequestsPerSecond,
			Burst:             rc.Burst,
		}, a.logger)
		a.adapter = remote.NewAdapter(client, a.logger)
		a.logger.Info("Using remote backend", zap.String("url", client.BaseURL()), zap.Int("server_id", client.ServerID()))

	default:
		lc := a.cfg.Backend.Local
		rt, err := runtime.NewDockerRuntime(lc.DockerHost, a.logger)
		if err != nil {
			return fmt.Errorf("failed to create container engine client: %w", err)
		}
		a.runtime = rt
		a.closers = append(a.closers, rt.Close)

		commands := runner.NewExecRunner(lc.CommandTimeout, lc.MaxOutputBytes, a.logger)
		a.adapter = local.NewAdapter(local.Config{
			StacksDir:    lc.StacksDir,
			DockerBinary: lc.DockerBinary,
		}, commands, rt, a.logger)
		a.logger.Info("Using local backend", zap.String("stacks_dir", lc.StacksDir))
	}
	return nil
}

// healthChecker probes every dependency the provisioner cannot work without
func (a *app) healthChecker() *health.HealthChecker {
	return health.NewHealthChecker(a.logger,
		health.Check{Name: "registry", Fn: a.registry.Ping},
		health.Check{Name: "cache", Fn: a.cache.Ping},
		health.Check{Name: "backend", Fn: a.adapter.Ping},
	)
}

// Close stops background work and releases connections. Pools get up to
// timeout to drain.
func (a *app) Close(timeout time.Duration) error {
	var err error
	if a.poller != nil {
		a.poller.Stop()
	}
	if a.quota != nil {
		a.quota.Stop()
	}
	for _, pool := range []*workerpool.Pool{a.statsPool, a.notifyPool} {
		if pool != nil {
			err = multierr.Append(err, pool.Stop(timeout))
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, a.closers[i]())
	}
	a.closers = nil
	return err
}
