// Package local provisions stacks on the host through compose files and the local container engine.
package local

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/vibehost/provisioner/internal/backend"
	perrors "github.com/vibehost/provisioner/internal/errors"
	"github.com/vibehost/provisioner/internal/model"
	"github.com/vibehost/provisioner/internal/runner"
	"github.com/vibehost/provisioner/internal/runtime"
	"github.com/vibehost/provisioner/internal/topology"
)

const composeFile = "docker-compose.yml"

// Config holds the local adapter settings
type Config struct {
	StacksDir    string
	DockerBinary string
}

// Adapter runs stacks with docker compose on this host
type Adapter struct {
	cfg     Config
	runner  runner.Runner
	runtime runtime.Runtime
	logger  *zap.Logger
}

var _ backend.Adapter = (*Adapter)(nil)

// NewAdapter creates a local adapter
func NewAdapter(cfg Config, r runner.Runner, rt runtime.Runtime, logger *zap.Logger) *Adapter {
	if cfg.DockerBinary == "" {
		cfg.DockerBinary = "docker"
	}
	if cfg.StacksDir == "" {
		cfg.StacksDir = "./customers"
	}
	return &Adapter{cfg: cfg, runner: r, runtime: rt, logger: logger}
}

func (a *Adapter) Kind() model.BackendKind { return model.BackendLocal }

// StackDir is the directory holding the stack's compose file
func (a *Adapter) StackDir(stackName string) string {
	return filepath.Join(a.cfg.StacksDir, stackName)
}

func (a *Adapter) composePath(stackName string) string {
	return filepath.Join(a.StackDir(stackName), composeFile)
}

func (a *Adapter) CreateNamespace(ctx context.Context, stackName string) (string, error) {
	if err := os.MkdirAll(a.StackDir(stackName), 0o750); err != nil {
		return "", perrors.BackendFailure(perrors.StageNamespace, "failed to create stack directory", err)
	}
	return topology.ProjectName(stackName), nil
}

func (a *Adapter) CreateStack(ctx context.Context, namespaceID string, def *topology.Definition) (backend.Handle, error) {
	data, err := def.MarshalYAML()
	if err != nil {
		return backend.Handle{}, perrors.BackendFailure(perrors.StageStack, "failed to render stack definition", err)
	}

	if def.ProxyNetwork != "" {
		if err := a.ensureNetwork(ctx, def.ProxyNetwork); err != nil {
			return backend.Handle{}, err
		}
	}

	path := a.composePath(def.StackName)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return backend.Handle{}, perrors.BackendFailure(perrors.StageStack, "failed to write compose file", err)
	}

	a.logger.Debug("Wrote compose file",
		zap.String("stack", def.StackName),
		zap.String("path", path))

	return backend.Handle{StackName: def.StackName, Namespace: namespaceID}, nil
}

func (a *Adapter) Deploy(ctx context.Context, h backend.Handle) error {
	if _, err := a.compose(ctx, h, "up", "-d"); err != nil {
		return a.commandError(perrors.StageDeploy, "failed to start stack", err)
	}
	return nil
}

// ensureNetwork creates the external proxy network a routed stack joins
// when the host does not have it yet
func (a *Adapter) ensureNetwork(ctx context.Context, network string) error {
	_, err := a.runner.Run(ctx, runner.Command{
		Name: a.cfg.DockerBinary,
		Args: []string{"network", "inspect", network},
	})
	if err == nil {
		return nil
	}
	var exitErr *runner.ExitError
	if !errors.As(err, &exitErr) {
		return a.commandError(perrors.StageStack, "failed to inspect proxy network", err)
	}

	if _, err := a.runner.Run(ctx, runner.Command{
		Name: a.cfg.DockerBinary,
		Args: []string{"network", "create", network},
	}); err != nil {
		return a.commandError(perrors.StageStack, "failed to create proxy network "+network, err)
	}
	a.logger.Info("Created proxy network", zap.String("network", network))
	return nil
}

func (a *Adapter) StatusOf(ctx context.Context, h backend.Handle) ([]backend.ComponentState, error) {
	states := make([]backend.ComponentState, 0, len(model.Roles))
	for _, role := range model.Roles {
		name := topology.ContainerName(role, h.StackName)
		state := backend.ComponentState{Name: name, Role: role, RawState: "missing"}

		cs, err := a.runtime.Inspect(ctx, name)
		switch {
		case errors.Is(err, runtime.ErrNotFound):
		case err != nil:
			return nil, perrors.BackendUnavailable(perrors.StageHealth, "container runtime did not answer", err)
		default:
			state.Running = cs.Running
			state.RawState = cs.Status
		}
		states = append(states, state)
	}
	return states, nil
}

func (a *Adapter) Stop(ctx context.Context, h backend.Handle) error {
	if _, err := os.Stat(a.composePath(h.StackName)); err == nil {
		if _, err := a.compose(ctx, h, "stop"); err != nil {
			return a.commandError(perrors.StageCleanup, "failed to stop stack", err)
		}
		return nil
	}

	// Without a compose file stop the containers by their names
	var errs error
	for _, role := range model.Roles {
		errs = multierr.Append(errs, a.runtime.Stop(ctx, topology.ContainerName(role, h.StackName)))
	}
	if errs != nil {
		return perrors.BackendFailure(perrors.StageCleanup, "failed to stop stack containers", errs)
	}
	return nil
}

func (a *Adapter) Destroy(ctx context.Context, h backend.Handle) error {
	dir := a.StackDir(h.StackName)
	if _, err := os.Stat(a.composePath(h.StackName)); errors.Is(err, os.ErrNotExist) {
		if err := os.RemoveAll(dir); err != nil {
			return perrors.BackendFailure(perrors.StageCleanup, "failed to remove stack directory", err)
		}
		return nil
	}

	var errs error
	if _, err := a.compose(ctx, h, "down", "-v", "--remove-orphans"); err != nil {
		a.logger.Warn("Compose teardown reported an error",
			zap.String("stack", h.StackName),
			zap.Error(err))
		errs = multierr.Append(errs, err)
	}
	if err := os.RemoveAll(dir); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("failed to remove %s: %w", dir, err))
	}
	if errs != nil {
		return perrors.BackendFailure(perrors.StageCleanup, "stack teardown incomplete", errs)
	}
	return nil
}

func (a *Adapter) Exists(ctx context.Context, h backend.Handle) (bool, error) {
	if _, err := os.Stat(a.StackDir(h.StackName)); err == nil {
		return true, nil
	}
	for _, role := range model.Roles {
		_, err := a.runtime.Inspect(ctx, topology.ContainerName(role, h.StackName))
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, runtime.ErrNotFound) {
			return false, perrors.BackendUnavailable(perrors.StageLookup, "container runtime did not answer", err)
		}
	}
	return false, nil
}

func (a *Adapter) Ping(ctx context.Context) error {
	if err := a.runtime.Ping(ctx); err != nil {
		return perrors.BackendUnavailable(perrors.StageLookup, "container runtime unreachable; is the docker daemon running?", err)
	}
	return nil
}

func (a *Adapter) compose(ctx context.Context, h backend.Handle, args ...string) (*runner.Result, error) {
	project := h.Namespace
	if project == "" {
		project = topology.ProjectName(h.StackName)
	}
	full := append([]string{"compose", "-p", project, "-f", composeFile}, args...)
	return a.runner.Run(ctx, runner.Command{
		Name: a.cfg.DockerBinary,
		Args: full,
		Dir:  a.StackDir(h.StackName),
	})
}

func (a *Adapter) commandError(stage perrors.Stage, msg string, err error) error {
	if errors.Is(err, runner.ErrTimeout) {
		return perrors.BackendFailure(stage, msg+": command timed out", err)
	}
	var exitErr *runner.ExitError
	if errors.As(err, &exitErr) {
		return perrors.BackendFailure(stage, msg, err)
	}
	// The binary itself could not run
	return perrors.BackendUnavailable(stage, "docker CLI unavailable; check backend.local.docker_binary", err)
}
