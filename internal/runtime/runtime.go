// Package runtime talks to the local container engine over its control socket.
package runtime

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a container does not exist
var ErrNotFound = errors.New("container not found")

// ContainerState is the inspected run state of one container
type ContainerState struct {
	Name    string
	Status  string // created, running, paused, restarting, removing, exited, dead
	Running bool
	Health  string // healthy, unhealthy, starting or empty without a healthcheck
}

// Sample is one raw resource reading of a container together with the
// previous reading the engine reports alongside it
type Sample struct {
	CPUTotal       uint64
	PreCPUTotal    uint64
	SystemUsage    uint64
	PreSystemUsage uint64
	OnlineCPUs     uint32
	PerCPUCount    int

	MemoryUsage uint64
	MemoryLimit uint64
	MemoryStats map[string]uint64
}

// Runtime is the subset of the container engine the provisioner needs
type Runtime interface {
	Inspect(ctx context.Context, container string) (*ContainerState, error)
	Stats(ctx context.Context, container string) (*Sample, error)
	Stop(ctx context.Context, container string) error
	VolumeUsage(ctx context.Context, volumes []string) (map[string]int64, error)
	Ping(ctx context.Context) error
	Close() error
}
