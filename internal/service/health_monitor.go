package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/docker/go-units"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vibehost/provisioner/internal/backend"
	perrors "github.com/vibehost/provisioner/internal/errors"
	"github.com/vibehost/provisioner/internal/metrics"
	"github.com/vibehost/provisioner/internal/model"
	"github.com/vibehost/provisioner/internal/runtime"
	"github.com/vibehost/provisioner/internal/store"
	"github.com/vibehost/provisioner/internal/topology"
)

const (
	statusRunning = "running"
	statusStopped = "stopped"
)

// HealthMonitor reports the run state and resource usage of stacks
type HealthMonitor struct {
	registry store.StackRegistry
	adapter  backend.Adapter
	runtime  runtime.Runtime // nil when no local engine is reachable
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// NewHealthMonitor creates a health monitor
func NewHealthMonitor(
	registry store.StackRegistry,
	adapter backend.Adapter,
	rt runtime.Runtime,
	m *metrics.Metrics,
	logger *zap.Logger,
) *HealthMonitor {
	return &HealthMonitor{
		registry: registry,
		adapter:  adapter,
		runtime:  rt,
		metrics:  m,
		logger:   logger,
	}
}

// handle resolves where the stack's resources live, falling back to the
// name-derived handle when the registry has no usable record
func (h *HealthMonitor) handle(ctx context.Context, name string) backend.Handle {
	stack, err := h.registry.FindByName(ctx, name)
	if err == nil {
		return backend.HandleFor(stack)
	}
	if !errors.Is(err, store.ErrNotFound) {
		h.logger.Warn("Registry lookup failed, using name-derived handle",
			zap.String("stack", name),
			zap.Error(err))
	}
	return backend.Handle{StackName: name, Namespace: topology.ProjectName(name)}
}

// StatusOf reports whether every component of the stack is running. A
// missing component counts as not running.
func (h *HealthMonitor) StatusOf(ctx context.Context, name string) (*model.StackHealth, error) {
	return h.status(ctx, h.handle(ctx, name))
}

func (h *HealthMonitor) status(ctx context.Context, handle backend.Handle) (*model.StackHealth, error) {
	states, err := h.adapter.StatusOf(ctx, handle)
	if err != nil {
		h.metrics.RecordBackendError(string(h.adapter.Kind()), "status")
		return nil, err
	}

	health := &model.StackHealth{Name: handle.StackName, Running: len(states) == len(model.Roles)}
	for _, s := range states {
		health.Components = append(health.Components, model.ComponentHealth{
			Name:     s.Name,
			Role:     s.Role,
			Running:  s.Running,
			RawState: s.RawState,
		})
		health.Running = health.Running && s.Running
	}
	return health, nil
}

// WaitUntilRunning polls the stack until every component runs, at most
// attempts times with interval between polls. Backend errors during a poll
// count as a failed poll.
func (h *HealthMonitor) WaitUntilRunning(ctx context.Context, name string, attempts int, interval time.Duration) error {
	if attempts <= 0 {
		attempts = 1
	}
	handle := h.handle(ctx, name)
	start := time.Now()

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		health, err := h.status(ctx, handle)
		switch {
		case err != nil:
			lastErr = err
			h.metrics.RecordHealthPoll("error")
			h.logger.Debug("Health poll failed",
				zap.String("stack", name),
				zap.Int("attempt", attempt),
				zap.Error(err))
		case health.Running:
			h.metrics.RecordHealthPoll("running")
			h.logger.Info("Stack is running",
				zap.String("stack", name),
				zap.Int("attempt", attempt),
				zap.Duration("duration", time.Since(start)))
			return nil
		default:
			h.metrics.RecordHealthPoll("pending")
		}

		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			timeout := perrors.ProvisioningTimeout(name, attempt, time.Since(start).String())
			timeout.Cause = ctx.Err()
			return timeout
		case <-time.After(interval):
		}
	}

	timeout := perrors.ProvisioningTimeout(name, attempts, time.Since(start).String())
	if lastErr != nil {
		timeout.Cause = lastErr
	}
	return timeout
}

// StatsOf samples every component's CPU and memory concurrently. A
// component that cannot be sampled is reported stopped with zeroed figures.
func (h *HealthMonitor) StatsOf(ctx context.Context, name string) (*model.StackStats, error) {
	stats := &model.StackStats{
		Name:       name,
		Components: make([]model.ComponentStats, len(model.Roles)),
		SampledAt:  time.Now().UTC(),
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, role := range model.Roles {
		i, role := i, role
		container := topology.ContainerName(role, name)
		g.Go(func() error {
			stats.Components[i] = h.sample(gctx, container, role)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("failed to sample %s: %w", name, err)
	}
	return stats, nil
}

func (h *HealthMonitor) sample(ctx context.Context, container string, role model.ComponentRole) model.ComponentStats {
	stopped := model.ComponentStats{
		Name:   container,
		Role:   role,
		Status: statusStopped,
		Memory: model.MemoryUsage{Human: memoryHuman(0, 0)},
	}
	if h.runtime == nil {
		return stopped
	}

	s, err := h.runtime.Stats(ctx, container)
	if err != nil {
		if !errors.Is(err, runtime.ErrNotFound) {
			h.logger.Debug("Stats query failed", zap.String("container", container), zap.Error(err))
		}
		return stopped
	}

	return model.ComponentStats{
		Name:       container,
		Role:       role,
		Status:     statusRunning,
		CPUPercent: CPUPercent(s),
		Memory:     Memory(s),
	}
}

// CPUPercent derives the CPU share of a sample from the two cumulative
// readings it carries, scaled by the schedulable CPUs
func CPUPercent(s *runtime.Sample) float64 {
	if s.CPUTotal <= s.PreCPUTotal || s.SystemUsage <= s.PreSystemUsage {
		return 0
	}
	cpuDelta := float64(s.CPUTotal - s.PreCPUTotal)
	systemDelta := float64(s.SystemUsage - s.PreSystemUsage)

	cpus := float64(s.OnlineCPUs)
	if cpus == 0 {
		cpus = float64(s.PerCPUCount)
	}
	if cpus == 0 {
		cpus = 1
	}
	return round2(cpuDelta / systemDelta * cpus * 100)
}

// Memory derives used memory excluding page cache. cgroup v1 reports the
// cache as "cache", cgroup v2 as "inactive_file".
func Memory(s *runtime.Sample) model.MemoryUsage {
	cache, ok := s.MemoryStats["cache"]
	if !ok {
		cache = s.MemoryStats["inactive_file"]
	}
	used := s.MemoryUsage
	if cache < used {
		used -= cache
	} else {
		used = 0
	}

	mem := model.MemoryUsage{
		UsedBytes:  used,
		LimitBytes: s.MemoryLimit,
		Human:      memoryHuman(used, s.MemoryLimit),
	}
	if s.MemoryLimit > 0 {
		mem.Percent = round2(float64(used) / float64(s.MemoryLimit) * 100)
	}
	return mem
}

func memoryHuman(used, limit uint64) string {
	return units.BytesSize(float64(used)) + " / " + units.BytesSize(float64(limit))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
