package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vibehost/provisioner/internal/backend"
	perrors "github.com/vibehost/provisioner/internal/errors"
	"github.com/vibehost/provisioner/internal/model"
	"github.com/vibehost/provisioner/internal/runtime"
	"github.com/vibehost/provisioner/internal/store"
)

func TestCPUPercent(t *testing.T) {
	tests := []struct {
		name   string
		sample runtime.Sample
		want   float64
	}{
		{
			name: "online cpus",
			sample: runtime.Sample{
				CPUTotal: 300_000_000, PreCPUTotal: 100_000_000,
				SystemUsage: 2_000_000_000, PreSystemUsage: 1_000_000_000,
				OnlineCPUs: 2,
			},
			want: 40.00,
		},
		{
			name: "falls back to per-cpu count",
			sample: runtime.Sample{
				CPUTotal: 300_000_000, PreCPUTotal: 100_000_000,
				SystemUsage: 2_000_000_000, PreSystemUsage: 1_000_000_000,
				PerCPUCount: 4,
			},
			want: 80.00,
		},
		{
			name: "falls back to one cpu",
			sample: runtime.Sample{
				CPUTotal: 300_000_000, PreCPUTotal: 100_000_000,
				SystemUsage: 2_000_000_000, PreSystemUsage: 1_000_000_000,
			},
			want: 20.00,
		},
		{
			name: "rounds to two decimals",
			sample: runtime.Sample{
				CPUTotal: 1, PreCPUTotal: 0,
				SystemUsage: 3, PreSystemUsage: 0,
				OnlineCPUs: 1,
			},
			want: 33.33,
		},
		{
			name:   "no cpu delta",
			sample: runtime.Sample{CPUTotal: 5, PreCPUTotal: 5, SystemUsage: 10, PreSystemUsage: 5, OnlineCPUs: 2},
			want:   0,
		},
		{
			name:   "no system delta",
			sample: runtime.Sample{CPUTotal: 10, PreCPUTotal: 5, SystemUsage: 5, PreSystemUsage: 5, OnlineCPUs: 2},
			want:   0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CPUPercent(&tt.sample))
		})
	}
}

func TestMemory(t *testing.T) {
	const mib = 1024 * 1024

	t.Run("subtracts cgroup v1 cache", func(t *testing.T) {
		mem := Memory(&runtime.Sample{
			MemoryUsage: 600 * mib,
			MemoryLimit: 1024 * mib,
			MemoryStats: map[string]uint64{"cache": 100 * mib},
		})
		assert.Equal(t, uint64(500*mib), mem.UsedBytes)
		assert.Equal(t, 48.83, mem.Percent)
		assert.Equal(t, "500MiB / 1GiB", mem.Human)
	})

	t.Run("subtracts cgroup v2 inactive file", func(t *testing.T) {
		mem := Memory(&runtime.Sample{
			MemoryUsage: 300 * mib,
			MemoryLimit: 1200 * mib,
			MemoryStats: map[string]uint64{"inactive_file": 60 * mib},
		})
		assert.Equal(t, uint64(240*mib), mem.UsedBytes)
		assert.Equal(t, 20.0, mem.Percent)
	})

	t.Run("cache larger than usage", func(t *testing.T) {
		mem := Memory(&runtime.Sample{
			MemoryUsage: 10,
			MemoryLimit: 100,
			MemoryStats: map[string]uint64{"cache": 50},
		})
		assert.Zero(t, mem.UsedBytes)
		assert.Zero(t, mem.Percent)
	})

	t.Run("no limit", func(t *testing.T) {
		mem := Memory(&runtime.Sample{MemoryUsage: 10})
		assert.Equal(t, uint64(10), mem.UsedBytes)
		assert.Zero(t, mem.Percent)
	})
}

func TestHealthMonitor_StatsOf(t *testing.T) {
	rt := &MockRuntime{}
	rt.On("Stats", mock.Anything, "discourse_acme_app").Return(&runtime.Sample{
		CPUTotal: 300_000_000, PreCPUTotal: 100_000_000,
		SystemUsage: 2_000_000_000, PreSystemUsage: 1_000_000_000,
		OnlineCPUs:  2,
		MemoryUsage: 512 * 1024 * 1024,
		MemoryLimit: 1024 * 1024 * 1024,
	}, nil)
	rt.On("Stats", mock.Anything, "discourse_acme_postgres").Return(nil, errors.New("engine timeout"))
	rt.On("Stats", mock.Anything, "discourse_acme_redis").Return(nil, runtime.ErrNotFound)

	monitor := NewHealthMonitor(store.NewMemoryStackRegistry(), &MockAdapter{kind: model.BackendLocal}, rt, testMetrics(), zap.NewNop())

	stats, err := monitor.StatsOf(context.Background(), "acme")
	require.NoError(t, err)
	require.Len(t, stats.Components, 3)

	app := stats.Components[0]
	assert.Equal(t, model.RoleApp, app.Role)
	assert.Equal(t, "running", app.Status)
	assert.Equal(t, 40.00, app.CPUPercent)
	assert.Equal(t, 50.0, app.Memory.Percent)

	for _, c := range stats.Components[1:] {
		assert.Equal(t, "stopped", c.Status)
		assert.Zero(t, c.CPUPercent)
		assert.Zero(t, c.Memory.UsedBytes)
		assert.Equal(t, "0B / 0B", c.Memory.Human)
	}
}

func TestHealthMonitor_StatusOf(t *testing.T) {
	registry := store.NewMemoryStackRegistry()
	seedStack(t, registry, "acme", "owner-1", model.StatusActive, time.Now())

	adapter := &MockAdapter{kind: model.BackendLocal}
	states := running("acme")
	states[1].Running = false
	states[1].RawState = "exited"
	adapter.On("StatusOf", mock.Anything, backend.Handle{StackName: "acme", Namespace: "forum-acme"}).Return(states, nil)

	monitor := NewHealthMonitor(registry, adapter, nil, testMetrics(), zap.NewNop())
	health, err := monitor.StatusOf(context.Background(), "acme")
	require.NoError(t, err)

	assert.False(t, health.Running)
	assert.Equal(t, "exited", health.Components[1].RawState)
}

func TestHealthMonitor_StatusOfUnregisteredStackUsesNameHandle(t *testing.T) {
	adapter := &MockAdapter{kind: model.BackendLocal}
	adapter.On("StatusOf", mock.Anything, backend.Handle{StackName: "stray", Namespace: "forum-stray"}).Return(running("stray"), nil)

	monitor := NewHealthMonitor(store.NewMemoryStackRegistry(), adapter, nil, testMetrics(), zap.NewNop())
	health, err := monitor.StatusOf(context.Background(), "stray")
	require.NoError(t, err)
	assert.True(t, health.Running)
}

func TestHealthMonitor_WaitUntilRunning(t *testing.T) {
	adapter := &MockAdapter{kind: model.BackendLocal}
	pending := running("acme")
	pending[0].Running = false
	adapter.On("StatusOf", mock.Anything, mock.Anything).Return(pending, nil).Once()
	adapter.On("StatusOf", mock.Anything, mock.Anything).Return(nil, errors.New("engine busy")).Once()
	adapter.On("StatusOf", mock.Anything, mock.Anything).Return(running("acme"), nil)

	monitor := NewHealthMonitor(store.NewMemoryStackRegistry(), adapter, nil, testMetrics(), zap.NewNop())
	err := monitor.WaitUntilRunning(context.Background(), "acme", 5, time.Millisecond)
	require.NoError(t, err)
	adapter.AssertNumberOfCalls(t, "StatusOf", 3)
}

func TestHealthMonitor_WaitUntilRunningTimesOut(t *testing.T) {
	adapter := &MockAdapter{kind: model.BackendLocal}
	adapter.On("StatusOf", mock.Anything, mock.Anything).Return(nil, errors.New("engine busy"))

	monitor := NewHealthMonitor(store.NewMemoryStackRegistry(), adapter, nil, testMetrics(), zap.NewNop())
	err := monitor.WaitUntilRunning(context.Background(), "acme", 3, time.Millisecond)

	require.Error(t, err)
	assert.True(t, errors.Is(err, perrors.ErrProvisioningTimeout))
	assert.Contains(t, err.Error(), "engine busy")
	adapter.AssertNumberOfCalls(t, "StatusOf", 3)
}

func TestHealthMonitor_WaitUntilRunningStopsOnCancel(t *testing.T) {
	adapter := &MockAdapter{kind: model.BackendLocal}
	adapter.On("StatusOf", mock.Anything, mock.Anything).Return([]backend.ComponentState{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	monitor := NewHealthMonitor(store.NewMemoryStackRegistry(), adapter, nil, testMetrics(), zap.NewNop())
	err := monitor.WaitUntilRunning(ctx, "acme", 100, time.Hour)
	assert.True(t, errors.Is(err, perrors.ErrProvisioningTimeout))
	assert.ErrorIs(t, err, context.Canceled)
}
