package runtime

import (
	"context"
	"encoding/json"
	"fmt"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"go.uber.org/zap"
)

// DockerRuntime implements Runtime on the Docker Engine API
type DockerRuntime struct {
	cli    client.APIClient
	logger *zap.Logger
}

// NewDockerRuntime connects to the engine at host, or to the one the
// environment points at when host is empty
func NewDockerRuntime(host string, logger *zap.Logger) (*DockerRuntime, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	return NewDockerRuntimeFromClient(cli, logger), nil
}

// NewDockerRuntimeFromClient wraps an existing engine client
func NewDockerRuntimeFromClient(cli client.APIClient, logger *zap.Logger) *DockerRuntime {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DockerRuntime{cli: cli, logger: logger}
}

// Inspect returns the run state of a container
func (d *DockerRuntime) Inspect(ctx context.Context, name string) (*ContainerState, error) {
	info, err := d.cli.ContainerInspect(ctx, name)
	if err != nil {
		return nil, mapError(name, err)
	}

	state := &ContainerState{Name: name}
	if info.ContainerJSONBase != nil && info.State != nil {
		state.Status = string(info.State.Status)
		state.Running = info.State.Running
		if info.State.Health != nil {
			state.Health = string(info.State.Health.Status)
		}
	}
	return state, nil
}

// Stats takes a single non-streaming resource reading
func (d *DockerRuntime) Stats(ctx context.Context, name string) (*Sample, error) {
	resp, err := d.cli.ContainerStats(ctx, name, false)
	if err != nil {
		return nil, mapError(name, err)
	}
	defer resp.Body.Close()

	var stats container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return nil, fmt.Errorf("failed to decode stats of %s: %w", name, err)
	}

	return &Sample{
		CPUTotal:       stats.CPUStats.CPUUsage.TotalUsage,
		PreCPUTotal:    stats.PreCPUStats.CPUUsage.TotalUsage,
		SystemUsage:    stats.CPUStats.SystemUsage,
		PreSystemUsage: stats.PreCPUStats.SystemUsage,
		OnlineCPUs:     stats.CPUStats.OnlineCPUs,
		PerCPUCount:    len(stats.CPUStats.CPUUsage.PercpuUsage),
		MemoryUsage:    stats.MemoryStats.Usage,
		MemoryLimit:    stats.MemoryStats.Limit,
		MemoryStats:    stats.MemoryStats.Stats,
	}, nil
}

// Stop stops a container and keeps its volumes. A missing container is not an error.
func (d *DockerRuntime) Stop(ctx context.Context, name string) error {
	err := d.cli.ContainerStop(ctx, name, container.StopOptions{})
	if err != nil && !cerrdefs.IsNotFound(err) {
		return fmt.Errorf("failed to stop %s: %w", name, err)
	}
	return nil
}

// VolumeUsage reports the disk usage in bytes of the named volumes. Volumes
// the engine does not know, or has no size for, are absent from the result.
func (d *DockerRuntime) VolumeUsage(ctx context.Context, volumes []string) (map[string]int64, error) {
	wanted := make(map[string]bool, len(volumes))
	for _, v := range volumes {
		wanted[v] = true
	}

	du, err := d.cli.DiskUsage(ctx, types.DiskUsageOptions{Types: []types.DiskUsageObject{types.VolumeObject}})
	if err != nil {
		return nil, fmt.Errorf("failed to query volume usage: %w", err)
	}

	usage := make(map[string]int64, len(volumes))
	for _, v := range du.Volumes {
		if v == nil || !wanted[v.Name] || v.UsageData == nil || v.UsageData.Size < 0 {
			continue
		}
		usage[v.Name] = v.UsageData.Size
	}
	return usage, nil
}

// Ping checks that the engine answers
func (d *DockerRuntime) Ping(ctx context.Context) error {
	if _, err := d.cli.Ping(ctx); err != nil {
		return fmt.Errorf("container runtime unreachable: %w", err)
	}
	return nil
}

// Close releases the client's transport
func (d *DockerRuntime) Close() error {
	return d.cli.Close()
}

func mapError(name string, err error) error {
	if cerrdefs.IsNotFound(err) {
		return fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	return fmt.Errorf("failed to query %s: %w", name, err)
}
