// Package backend defines the contract every provisioning mechanism fulfils.
package backend

import (
	"context"

	"github.com/vibehost/provisioner/internal/model"
	"github.com/vibehost/provisioner/internal/topology"
)

// Handle locates the resources a backend created for one stack
type Handle struct {
	StackName   string
	Namespace   string
	Application string
}

// HandleFor rebuilds the handle of a registered stack. Records without
// backend identifiers fall back to the name-derived namespace.
func HandleFor(stack *model.TenantStack) Handle {
	h := Handle{
		StackName:   stack.Name,
		Namespace:   stack.BackendIDs.Namespace,
		Application: stack.BackendIDs.Application,
	}
	if h.Namespace == "" && stack.Backend != model.BackendRemote {
		h.Namespace = topology.ProjectName(stack.Name)
	}
	return h
}

// IDs converts the handle into the identifiers persisted in the registry
func (h Handle) IDs(port int) model.BackendIDs {
	return model.BackendIDs{Namespace: h.Namespace, Application: h.Application, Port: port}
}

// ComponentState is the run state a backend reports for one component
type ComponentState struct {
	Name     string
	Role     model.ComponentRole
	Running  bool
	RawState string
}

// Adapter provisions and tears down stacks on one mechanism. Every
// operation names its stage in the errors it returns.
type Adapter interface {
	Kind() model.BackendKind

	// CreateNamespace reserves the grouping that holds the stack and returns its id
	CreateNamespace(ctx context.Context, stackName string) (string, error)

	// CreateStack registers the definition inside the namespace without starting it
	CreateStack(ctx context.Context, namespaceID string, def *topology.Definition) (Handle, error)

	// Deploy starts every component of the stack
	Deploy(ctx context.Context, h Handle) error

	// StatusOf reports the run state of every component
	StatusOf(ctx context.Context, h Handle) ([]ComponentState, error)

	// Stop halts the stack and keeps its data volumes
	Stop(ctx context.Context, h Handle) error

	// Destroy removes the stack and its data. Missing resources are not an error.
	Destroy(ctx context.Context, h Handle) error

	// Exists reports whether any resources of the stack remain
	Exists(ctx context.Context, h Handle) (bool, error)

	// Ping checks the backend can be reached
	Ping(ctx context.Context) error
}
