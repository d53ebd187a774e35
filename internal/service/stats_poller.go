package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/vibehost/provisioner/internal/metrics"
	"github.com/vibehost/provisioner/internal/model"
	"github.com/vibehost/provisioner/internal/store"
	"github.com/vibehost/provisioner/internal/util/workerpool"
)

const statsKeyPrefix = "stats:"

// StatsPollerConfig holds stats poller configuration
type StatsPollerConfig struct {
	Interval  time.Duration
	TTL       time.Duration
	CacheType string // label for cache metrics
}

// StatsPoller keeps recent resource snapshots of active stacks in the cache
// so status queries do not hit the engine on every request.
type StatsPoller struct {
	registry store.StackRegistry
	monitor  *HealthMonitor
	cache    store.Cache
	pool     *workerpool.Pool
	metrics  *metrics.Metrics
	logger   *zap.Logger
	cfg      StatsPollerConfig

	group singleflight.Group

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewStatsPoller creates a stats poller. Sampling runs on pool.
func NewStatsPoller(
	registry store.StackRegistry,
	monitor *HealthMonitor,
	cache store.Cache,
	pool *workerpool.Pool,
	m *metrics.Metrics,
	cfg StatsPollerConfig,
	logger *zap.Logger,
) *StatsPoller {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 2 * cfg.Interval
	}
	if cfg.CacheType == "" {
		cfg.CacheType = "memory"
	}
	return &StatsPoller{
		registry: registry,
		monitor:  monitor,
		cache:    cache,
		pool:     pool,
		metrics:  m,
		logger:   logger,
		cfg:      cfg,
		stopCh:   make(chan struct{}),
	}
}

// Snapshot returns the cached stats of a stack, sampling on a miss.
// Concurrent misses for the same stack share one sample.
func (p *StatsPoller) Snapshot(ctx context.Context, name string) (*model.StackStats, error) {
	if stats, ok := p.cached(ctx, name); ok {
		p.metrics.RecordCacheHit(p.cfg.CacheType)
		return stats, nil
	}
	p.metrics.RecordCacheMiss(p.cfg.CacheType)

	v, err, _ := p.group.Do(name, func() (interface{}, error) {
		return p.Refresh(ctx, name)
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.StackStats), nil
}

// Refresh samples a stack and replaces its cached snapshot
func (p *StatsPoller) Refresh(ctx context.Context, name string) (*model.StackStats, error) {
	stats, err := p.monitor.StatsOf(ctx, name)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(stats)
	if err != nil {
		return nil, err
	}
	if err := p.cache.Set(ctx, statsKeyPrefix+name, data, p.cfg.TTL); err != nil {
		p.logger.Warn("Failed to cache stats snapshot",
			zap.String("stack", name),
			zap.Error(err))
	}
	return stats, nil
}

// Invalidate drops the cached snapshot of a stack
func (p *StatsPoller) Invalidate(ctx context.Context, name string) {
	if err := p.cache.Delete(ctx, statsKeyPrefix+name); err != nil && !errors.Is(err, store.ErrNotFound) {
		p.logger.Warn("Failed to drop stats snapshot",
			zap.String("stack", name),
			zap.Error(err))
	}
}

func (p *StatsPoller) cached(ctx context.Context, name string) (*model.StackStats, bool) {
	data, err := p.cache.Get(ctx, statsKeyPrefix+name)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			p.logger.Warn("Stats cache read failed", zap.String("stack", name), zap.Error(err))
		}
		return nil, false
	}

	var stats model.StackStats
	if err := json.Unmarshal(data, &stats); err != nil {
		p.logger.Warn("Dropping unreadable stats snapshot", zap.String("stack", name), zap.Error(err))
		return nil, false
	}
	return &stats, true
}

// Start begins polling in the background
func (p *StatsPoller) Start(ctx context.Context) {
	p.wg.Add(1)
	go p.loop(ctx)
	p.logger.Info("Stats poller started",
		zap.Duration("interval", p.cfg.Interval),
		zap.Duration("ttl", p.cfg.TTL))
}

// Stop halts polling and waits for the loop to exit. In-flight samples are
// drained by the pool's owner.
func (p *StatsPoller) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
	p.logger.Info("Stats poller stopped")
}

func (p *StatsPoller) loop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.PollOnce(ctx)
	for {
		select {
		case <-ticker.C:
			p.PollOnce(ctx)
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// PollOnce queues a refresh for every active stack and publishes the
// per-status stack counts
func (p *StatsPoller) PollOnce(ctx context.Context) {
	stacks, err := p.registry.FindAll(ctx)
	if err != nil {
		p.logger.Warn("Stats poll could not list stacks", zap.Error(err))
		return
	}

	counts := make(map[string]int, len(model.AllStatuses))
	for _, s := range stacks {
		counts[string(s.Status)]++
		if s.Status != model.StatusActive {
			continue
		}

		name := s.Name
		err := p.pool.Submit(workerpool.Task{
			Key: "stats:" + name,
			Fn: func(taskCtx context.Context) error {
				_, err := p.Refresh(taskCtx, name)
				return err
			},
		})
		if err != nil {
			p.logger.Debug("Skipped stats refresh", zap.String("stack", name), zap.Error(err))
		}
	}
	p.metrics.SetStacks(counts)
}
