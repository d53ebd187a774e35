package service

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vibehost/provisioner/internal/backend"
	"github.com/vibehost/provisioner/internal/config"
	"github.com/vibehost/provisioner/internal/metrics"
	"github.com/vibehost/provisioner/internal/model"
	"github.com/vibehost/provisioner/internal/notify"
	"github.com/vibehost/provisioner/internal/runtime"
	"github.com/vibehost/provisioner/internal/store"
	"github.com/vibehost/provisioner/internal/topology"
)

// MockAdapter is a mock implementation of backend.Adapter
type MockAdapter struct {
	mock.Mock
	kind model.BackendKind
}

func (m *MockAdapter) Kind() model.BackendKind { return m.kind }

func (m *MockAdapter) CreateNamespace(ctx context.Context, stackName string) (string, error) {
	args := m.Called(ctx, stackName)
	return args.String(0), args.Error(1)
}

func (m *MockAdapter) CreateStack(ctx context.Context, namespaceID string, def *topology.Definition) (backend.Handle, error) {
	args := m.Called(ctx, namespaceID, def)
	return args.Get(0).(backend.Handle), args.Error(1)
}

func (m *MockAdapter) Deploy(ctx context.Context, h backend.Handle) error {
	return m.Called(ctx, h).Error(0)
}

func (m *MockAdapter) StatusOf(ctx context.Context, h backend.Handle) ([]backend.ComponentState, error) {
	args := m.Called(ctx, h)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]backend.ComponentState), args.Error(1)
}

func (m *MockAdapter) Stop(ctx context.Context, h backend.Handle) error {
	return m.Called(ctx, h).Error(0)
}

func (m *MockAdapter) Destroy(ctx context.Context, h backend.Handle) error {
	return m.Called(ctx, h).Error(0)
}

func (m *MockAdapter) Exists(ctx context.Context, h backend.Handle) (bool, error) {
	args := m.Called(ctx, h)
	return args.Bool(0), args.Error(1)
}

func (m *MockAdapter) Ping(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

// MockRuntime is a mock implementation of runtime.Runtime
type MockRuntime struct {
	mock.Mock
}

func (m *MockRuntime) Inspect(ctx context.Context, container string) (*runtime.ContainerState, error) {
	args := m.Called(ctx, container)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*runtime.ContainerState), args.Error(1)
}

func (m *MockRuntime) Stats(ctx context.Context, container string) (*runtime.Sample, error) {
	args := m.Called(ctx, container)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*runtime.Sample), args.Error(1)
}

func (m *MockRuntime) Stop(ctx context.Context, container string) error {
	return m.Called(ctx, container).Error(0)
}

func (m *MockRuntime) VolumeUsage(ctx context.Context, volumes []string) (map[string]int64, error) {
	args := m.Called(ctx, volumes)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]int64), args.Error(1)
}

func (m *MockRuntime) Ping(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockRuntime) Close() error {
	return m.Called().Error(0)
}

// MockMeter is a mock implementation of StorageMeter
type MockMeter struct {
	mock.Mock
}

func (m *MockMeter) StackBytes(ctx context.Context, stack *model.TenantStack) (int64, error) {
	args := m.Called(ctx, stack.Name)
	return args.Get(0).(int64), args.Error(1)
}

func running(name string) []backend.ComponentState {
	states := make([]backend.ComponentState, 0, len(model.Roles))
	for _, role := range model.Roles {
		states = append(states, backend.ComponentState{
			Name:     topology.ContainerName(role, name),
			Role:     role,
			Running:  true,
			RawState: "running",
		})
	}
	return states
}

func testQuotaConfig() config.QuotaConfig {
	return config.QuotaConfig{
		DefaultPlan: "starter",
		Plans: map[string]config.PlanConfig{
			"starter":    {Name: "Starter", MaxActiveStacks: 1, MaxStorageGB: 10},
			"pro":        {Name: "Pro", MaxActiveStacks: 3, MaxStorageGB: 50},
			"enterprise": {Name: "Enterprise"},
		},
		OwnerPlans: map[string]string{
			"owner-pro":        "pro",
			"owner-enterprise": "enterprise",
		},
		WarningPercent: 80,
	}
}

func testMetrics() *metrics.Metrics {
	return metrics.NewMetrics(prometheus.NewRegistry())
}

func seedStack(t *testing.T, registry store.StackRegistry, name, owner string, status model.StackStatus, created time.Time) *model.TenantStack {
	t.Helper()
	stack := &model.TenantStack{
		ID:         "id-" + name + "-" + string(status) + "-" + created.Format("150405.000"),
		Name:       name,
		OwnerID:    owner,
		Domain:     "forums.example.com",
		Backend:    model.BackendLocal,
		BackendIDs: model.BackendIDs{Namespace: topology.ProjectName(name)},
		Status:     status,
		CreatedAt:  created,
		UpdatedAt:  created,
	}
	require.NoError(t, registry.Create(context.Background(), stack))
	return stack
}

type testEnv struct {
	svc      *ProvisioningService
	registry *store.MemoryStackRegistry
	adapter  *MockAdapter
	meter    *MockMeter
	quota    *QuotaService
}

func newTestEnv(t *testing.T, kind model.BackendKind) *testEnv {
	t.Helper()
	logger := zap.NewNop()
	m := testMetrics()

	registry := store.NewMemoryStackRegistry()
	adapter := &MockAdapter{kind: kind}
	meter := &MockMeter{}
	quota := NewQuotaService(registry, NewConfigPlanResolver(testQuotaConfig()), meter, adapter, m, testQuotaConfig(), logger)
	monitor := NewHealthMonitor(registry, adapter, nil, m, logger)
	notifications := NewNotificationService(&nopNotifier{}, nil, 0, m, logger)

	svc := NewProvisioningService(registry, adapter, store.NewLocalNameLock(), quota, monitor, nil, notifications, m,
		config.ProvisioningConfig{
			BaseDomain:         "forums.example.com",
			HealthPollInterval: time.Millisecond,
			HealthPollAttempts: 3,
			DeployTimeout:      5 * time.Second,
			CleanupTimeout:     time.Second,
			NameAttempts:       10,
			NamePrefix:         "forum",
			LoopbackPortMin:    3001,
			LoopbackPortMax:    3999,
		}, "", logger)
	svc.portProbe = func(int) bool { return true }

	return &testEnv{svc: svc, registry: registry, adapter: adapter, meter: meter, quota: quota}
}

// expectHappyDeploy wires the adapter to deploy name successfully
func (e *testEnv) expectHappyDeploy(name string) {
	namespace := topology.ProjectName(name)
	e.adapter.On("CreateNamespace", mock.Anything, name).Return(namespace, nil)
	e.adapter.On("CreateStack", mock.Anything, namespace, mock.AnythingOfType("*topology.Definition")).
		Return(backend.Handle{StackName: name, Namespace: namespace}, nil)
	e.adapter.On("Deploy", mock.Anything, mock.Anything).Return(nil)
	e.adapter.On("StatusOf", mock.Anything, mock.Anything).Return(running(name), nil)
}

type nopNotifier struct{}

func (nopNotifier) Kind() string { return "nop" }

func (nopNotifier) DeploySucceeded(context.Context, notify.Notification) error { return nil }

func (nopNotifier) DeployFailed(context.Context, notify.Notification) error { return nil }
