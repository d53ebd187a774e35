package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/vibehost/provisioner/internal/backend"
	perrors "github.com/vibehost/provisioner/internal/errors"
	"github.com/vibehost/provisioner/internal/model"
	"github.com/vibehost/provisioner/internal/topology"
)

const runningStatus = "running"

// Adapter provisions stacks as compose applications on the orchestration platform
type Adapter struct {
	client *Client
	logger *zap.Logger
}

var _ backend.Adapter = (*Adapter)(nil)

// NewAdapter creates a remote adapter
func NewAdapter(client *Client, logger *zap.Logger) *Adapter {
	return &Adapter{client: client, logger: logger}
}

func (a *Adapter) Kind() model.BackendKind { return model.BackendRemote }

func (a *Adapter) CreateNamespace(ctx context.Context, stackName string) (string, error) {
	if err := a.verify(ctx, perrors.StageNamespace); err != nil {
		return "", err
	}

	id, err := a.client.CreateProject(ctx, topology.ProjectName(stackName), "Discourse forum project for "+stackName)
	if err != nil {
		return "", a.diagnose(perrors.StageNamespace, "failed to create project", err)
	}

	a.logger.Info("Created remote project",
		zap.String("stack", stackName),
		zap.String("project_id", id))
	return id, nil
}

func (a *Adapter) CreateStack(ctx context.Context, namespaceID string, def *topology.Definition) (backend.Handle, error) {
	compose, err := def.MarshalYAML()
	if err != nil {
		return backend.Handle{}, perrors.BackendFailure(perrors.StageStack, "failed to render stack definition", err)
	}

	app, _ := def.Component(model.RoleApp)
	env := make(map[string]string, len(app.Environment)+2)
	for k, v := range app.Environment {
		env[k] = v
	}
	env["POSTGRES_PASSWORD"] = def.Credentials.DatabasePassword
	env["REDIS_PASSWORD"] = def.Credentials.CachePassword

	id, err := a.client.CreateApplication(ctx, namespaceID, ApplicationRequest{
		Name:              def.StackName,
		Description:       "Discourse forum: " + def.FullDomain,
		Type:              "docker-compose",
		DockerCompose:     string(compose),
		DockerComposeFile: "docker-compose.yml",
		ServerID:          a.client.ServerID(),
		Domain:            def.FullDomain,
		Port:              topology.AppPort,
		EnvVariables:      env,
	})
	if err != nil {
		return backend.Handle{}, a.diagnose(perrors.StageStack, "failed to create application", err)
	}

	return backend.Handle{StackName: def.StackName, Namespace: namespaceID, Application: id}, nil
}

func (a *Adapter) Deploy(ctx context.Context, h backend.Handle) error {
	if err := a.client.DeployApplication(ctx, h.Namespace, h.Application); err != nil {
		return a.diagnose(perrors.StageDeploy, "failed to start deployment", err)
	}
	a.logger.Info("Remote deployment started",
		zap.String("stack", h.StackName),
		zap.String("application_id", h.Application))
	return nil
}

// StatusOf maps the application status onto every component; the platform
// does not report components individually
func (a *Adapter) StatusOf(ctx context.Context, h backend.Handle) ([]backend.ComponentState, error) {
	raw := "missing"
	running := false
	if h.Namespace != "" && h.Application != "" {
		app, err := a.client.GetApplication(ctx, h.Namespace, h.Application)
		switch {
		case IsStatus(err, http.StatusNotFound):
		case err != nil:
			return nil, a.diagnose(perrors.StageHealth, "failed to query application", err)
		default:
			raw = app.Status
			if raw == "" {
				raw = "unknown"
			}
			running = app.Status == runningStatus
		}
	}

	states := make([]backend.ComponentState, 0, len(model.Roles))
	for _, role := range model.Roles {
		states = append(states, backend.ComponentState{
			Name:     topology.ContainerName(role, h.StackName),
			Role:     role,
			Running:  running,
			RawState: raw,
		})
	}
	return states, nil
}

func (a *Adapter) Stop(ctx context.Context, h backend.Handle) error {
	if h.Application == "" {
		return nil
	}
	if err := a.client.StopApplication(ctx, h.Namespace, h.Application); err != nil && !IsStatus(err, http.StatusNotFound) {
		return a.diagnose(perrors.StageCleanup, "failed to stop application", err)
	}
	return nil
}

func (a *Adapter) Destroy(ctx context.Context, h backend.Handle) error {
	var errs error
	if h.Namespace != "" && h.Application != "" {
		if err := a.client.DeleteApplication(ctx, h.Namespace, h.Application); err != nil {
			a.logger.Warn("Application deletion failed",
				zap.String("stack", h.StackName),
				zap.Error(err))
			errs = multierr.Append(errs, err)
		}
	}
	if h.Namespace != "" {
		if err := a.client.DeleteProject(ctx, h.Namespace); err != nil {
			a.logger.Warn("Project deletion failed",
				zap.String("stack", h.StackName),
				zap.Error(err))
			errs = multierr.Append(errs, err)
		}
	}
	if errs != nil {
		return a.diagnose(perrors.StageCleanup, "remote teardown incomplete", errs)
	}
	return nil
}

func (a *Adapter) Exists(ctx context.Context, h backend.Handle) (bool, error) {
	if h.Namespace == "" {
		return false, nil
	}
	if h.Application == "" {
		// A project without an application is still a leftover
		return true, nil
	}
	_, err := a.client.GetApplication(ctx, h.Namespace, h.Application)
	switch {
	case IsStatus(err, http.StatusNotFound):
		return false, nil
	case err != nil:
		return false, a.diagnose(perrors.StageLookup, "failed to query application", err)
	}
	return true, nil
}

func (a *Adapter) Ping(ctx context.Context) error {
	return a.verify(ctx, perrors.StageLookup)
}

func (a *Adapter) verify(ctx context.Context, stage perrors.Stage) error {
	err := a.client.VerifyServer(ctx)
	if err == nil {
		return nil
	}
	if IsStatus(err, http.StatusNotFound) {
		return perrors.BackendUnavailable(stage,
			fmt.Sprintf("server %d does not exist on the orchestration platform; check COOLIFY_SERVER_ID (backend.remote.server_id)", a.client.ServerID()), err)
	}
	return a.diagnose(stage, "failed to verify deployment server", err)
}

// diagnose turns client errors into provisioning errors that name the setting to fix
func (a *Adapter) diagnose(stage perrors.Stage, msg string, err error) error {
	switch {
	case errors.Is(err, ErrUnreachable):
		return perrors.BackendUnavailable(stage,
			fmt.Sprintf("cannot reach the orchestration API at %s; check COOLIFY_URL (backend.remote.url)", a.client.BaseURL()), err)
	case IsStatus(err, http.StatusUnauthorized, http.StatusForbidden):
		return perrors.BackendUnavailable(stage,
			"the orchestration API rejected the credentials; check COOLIFY_API_KEY (backend.remote.api_key)", err)
	case IsStatus(err, http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout):
		return perrors.BackendUnavailable(stage, msg+"; the orchestration API is temporarily unavailable", err)
	}
	return perrors.BackendFailure(stage, msg, err)
}
