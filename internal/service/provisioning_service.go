package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vibehost/provisioner/internal/backend"
	"github.com/vibehost/provisioner/internal/config"
	perrors "github.com/vibehost/provisioner/internal/errors"
	"github.com/vibehost/provisioner/internal/metrics"
	"github.com/vibehost/provisioner/internal/model"
	"github.com/vibehost/provisioner/internal/notify"
	"github.com/vibehost/provisioner/internal/store"
	"github.com/vibehost/provisioner/internal/topology"
	"github.com/vibehost/provisioner/internal/validation"
)

// portAttempts bounds retries when a concurrent deploy takes the chosen port
const portAttempts = 3

// DeployRequest asks for a new tenant stack. Name may be left empty when
// CustomDomain is set or AutoGenerate is requested.
type DeployRequest struct {
	Name         string
	OwnerID      string
	Email        string
	Domain       string // base domain, the configured one when empty
	CustomDomain string
	AutoGenerate bool
}

// DeployResult is a successfully deployed stack
type DeployResult struct {
	Stack *model.TenantStack
	URL   string
}

// StatusResult is the registry record of a stack plus its live health.
// HealthError is set when the backend could not be asked.
type StatusResult struct {
	Stack       *model.TenantStack
	Health      *model.StackHealth
	URL         string
	HealthError string
}

// ProvisioningService owns the lifecycle of tenant stacks: it admits,
// deploys, verifies and removes them and is the only writer of stack status.
type ProvisioningService struct {
	registry      store.StackRegistry
	adapter       backend.Adapter
	locks         store.NameLock
	quota         *QuotaService
	monitor       *HealthMonitor
	stats         *StatsPoller         // optional
	notifications *NotificationService // optional
	validator     *validation.Validator
	metrics       *metrics.Metrics
	logger        *zap.Logger

	cfg          config.ProvisioningConfig
	images       topology.Images
	proxyNetwork string
	portProbe    topology.PortProbe
}

// NewProvisioningService creates a provisioning service
func NewProvisioningService(
	registry store.StackRegistry,
	adapter backend.Adapter,
	locks store.NameLock,
	quota *QuotaService,
	monitor *HealthMonitor,
	stats *StatsPoller,
	notifications *NotificationService,
	m *metrics.Metrics,
	cfg config.ProvisioningConfig,
	proxyNetwork string,
	logger *zap.Logger,
) *ProvisioningService {
	if cfg.HealthPollAttempts <= 0 {
		cfg.HealthPollAttempts = 24
	}
	if cfg.HealthPollInterval <= 0 {
		cfg.HealthPollInterval = 5 * time.Second
	}
	if cfg.DeployTimeout <= 0 {
		cfg.DeployTimeout = 15 * time.Minute
	}
	if cfg.CleanupTimeout <= 0 {
		cfg.CleanupTimeout = 2 * time.Minute
	}
	if cfg.NameAttempts <= 0 {
		cfg.NameAttempts = 10
	}
	if cfg.NamePrefix == "" {
		cfg.NamePrefix = "forum"
	}
	if cfg.LoopbackPortMin <= 0 {
		cfg.LoopbackPortMin, cfg.LoopbackPortMax = 3001, 3999
	}

	images := topology.DefaultImages
	if cfg.AppImage != "" {
		images.App = cfg.AppImage
	}
	if cfg.DatabaseImage != "" {
		images.Database = cfg.DatabaseImage
	}
	if cfg.CacheImage != "" {
		images.Cache = cfg.CacheImage
	}

	return &ProvisioningService{
		registry:      registry,
		adapter:       adapter,
		locks:         locks,
		quota:         quota,
		monitor:       monitor,
		stats:         stats,
		notifications: notifications,
		validator:     validation.NewValidator(),
		metrics:       m,
		logger:        logger,
		cfg:           cfg,
		images:        images,
		proxyNetwork:  proxyNetwork,
		portProbe:     topology.TCPPortFree,
	}
}

// Deploy admits and provisions a new stack. Validation, name conflicts and
// quota are all checked before anything is created. Once admitted, the
// attempt runs to completion even if ctx is cancelled, and a failed attempt
// is rolled back and left with status failed.
func (s *ProvisioningService) Deploy(ctx context.Context, req DeployRequest) (*DeployResult, error) {
	if err := s.validate(&req); err != nil {
		return nil, err
	}

	name, err := s.resolveName(ctx, req)
	if err != nil {
		return nil, err
	}

	release, err := s.locks.TryLock(ctx, name)
	if err != nil {
		if errors.Is(err, store.ErrLockHeld) {
			return nil, perrors.DeployInFlight(name)
		}
		return nil, perrors.Registry("failed to lock stack name", err)
	}
	defer release()

	previous, err := s.checkUniqueness(ctx, name)
	if err != nil {
		return nil, err
	}

	adm, err := s.quota.CanProvision(ctx, req.OwnerID)
	if err != nil {
		return nil, err
	}
	if !adm.Allowed {
		return nil, perrors.QuotaExceeded("stacks", adm.Current, adm.Limit, adm.Message).
			WithDetail("plan", adm.Plan.Name)
	}

	if previous != nil {
		s.retire(ctx, previous)
	}

	now := time.Now().UTC()
	stack := &model.TenantStack{
		ID:           uuid.NewString(),
		Name:         name,
		OwnerID:      req.OwnerID,
		Email:        req.Email,
		Domain:       req.Domain,
		CustomDomain: req.CustomDomain,
		Backend:      s.adapter.Kind(),
		Status:       model.StatusDeploying,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.register(ctx, stack); err != nil {
		return nil, err
	}

	s.logger.Info("Deploying stack",
		zap.String("stack", name),
		zap.String("owner_id", req.OwnerID),
		zap.String("backend", string(stack.Backend)),
		zap.String("domain", stack.FullDomain()))

	attemptCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.DeployTimeout)
	defer cancel()

	start := time.Now()
	if err := s.provision(attemptCtx, stack); err != nil {
		s.rollback(ctx, stack, err)
		s.metrics.RecordDeploy(string(stack.Backend), "failure", time.Since(start).Seconds())
		s.notify(ctx, stack, err)

		if _, ok := perrors.AsProvisionError(err); !ok {
			err = perrors.InternalError("deploy failed", err)
		}
		return nil, err
	}

	s.metrics.RecordDeploy(string(stack.Backend), "success", time.Since(start).Seconds())
	s.notify(ctx, stack, nil)
	s.logger.Info("Stack deployed",
		zap.String("stack", name),
		zap.String("url", stack.AccessURL()),
		zap.Duration("duration", time.Since(start)))

	return &DeployResult{Stack: stack, URL: stack.AccessURL()}, nil
}

func (s *ProvisioningService) validate(req *DeployRequest) error {
	req.Name = strings.TrimSpace(req.Name)
	req.CustomDomain = strings.ToLower(strings.TrimSpace(req.CustomDomain))
	req.Domain = strings.ToLower(strings.TrimSpace(req.Domain))
	if req.Domain == "" {
		req.Domain = s.cfg.BaseDomain
	}

	if err := s.validator.ValidateOwnerID(req.OwnerID); err != nil {
		return err
	}
	if req.Name != "" {
		if err := s.validator.ValidateName(req.Name); err != nil {
			return err
		}
	} else if req.CustomDomain == "" && !req.AutoGenerate {
		return perrors.Validation("name", "", "a name, a custom domain or auto-generation is required")
	}
	if err := s.validator.ValidateDomain("domain", req.Domain); err != nil {
		return err
	}
	if req.CustomDomain != "" {
		if err := s.validator.ValidateDomain("custom_domain", req.CustomDomain); err != nil {
			return err
		}
	}
	if err := s.validator.ValidateEmail(req.Email); err != nil {
		return err
	}

	if s.adapter.Kind() == model.BackendRemote && req.CustomDomain == "" && model.IsLoopbackHost(req.Domain) {
		return perrors.Validation("domain", req.Domain, "remote stacks need a publicly routable domain")
	}
	return nil
}

// resolveName picks the stack name: the requested one, one derived from
// the custom domain, or a generated one that is not in use
func (s *ProvisioningService) resolveName(ctx context.Context, req DeployRequest) (string, error) {
	if req.Name != "" {
		return req.Name, nil
	}
	if req.CustomDomain != "" {
		name := validation.NameFromDomain(req.CustomDomain)
		if err := s.validator.ValidateName(name); err != nil {
			return "", err
		}
		return name, nil
	}

	for attempt := 1; attempt <= s.cfg.NameAttempts; attempt++ {
		candidate := s.cfg.NamePrefix + "-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
		existing, err := s.registry.FindByName(ctx, candidate)
		if errors.Is(err, store.ErrNotFound) || (err == nil && existing.Status == model.StatusDeleted) {
			return candidate, nil
		}
		if err != nil {
			return "", perrors.Registry("failed to check generated name", err)
		}
		s.logger.Debug("Generated name is taken", zap.String("name", candidate), zap.Int("attempt", attempt))
	}
	return "", perrors.NameExhausted(s.cfg.NameAttempts)
}

// checkUniqueness rejects names held by a live or suspended stack. A failed
// record is returned so it can be retired once the deploy is admitted.
func (s *ProvisioningService) checkUniqueness(ctx context.Context, name string) (*model.TenantStack, error) {
	existing, err := s.registry.FindByName(ctx, name)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, perrors.Registry("failed to look up stack name", err)
	}

	if existing.HoldsName() {
		return nil, perrors.NameInUse(name, string(existing.Status))
	}
	if existing.Status == model.StatusFailed {
		return existing, nil
	}
	return nil, nil
}

// register inserts the deploying record. Loopback stacks carry their port
// in the same insert, so the registry never hands one port to two stacks.
func (s *ProvisioningService) register(ctx context.Context, stack *model.TenantStack) error {
	loopback := stack.Backend == model.BackendLocal && stack.CustomDomain == "" && model.IsLoopbackHost(stack.Domain)

	for attempt := 1; ; attempt++ {
		if loopback {
			port, err := s.allocatePort(ctx)
			if err != nil {
				return err
			}
			stack.BackendIDs.Port = port
		}

		err := s.registry.Create(ctx, stack)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, store.ErrNameTaken):
			return perrors.NameInUse(stack.Name, string(model.StatusDeploying))
		case errors.Is(err, store.ErrPortTaken) && attempt < portAttempts:
			s.logger.Debug("Loopback port taken concurrently",
				zap.String("stack", stack.Name),
				zap.Int("port", stack.BackendIDs.Port),
				zap.Int("attempt", attempt))
		case errors.Is(err, store.ErrPortTaken):
			return s.noPort(err)
		default:
			return perrors.Registry("failed to register stack", err)
		}
	}
}

// retire clears what a failed attempt may have left behind and frees its name
func (s *ProvisioningService) retire(ctx context.Context, stack *model.TenantStack) {
	if err := s.adapter.Destroy(ctx, backend.HandleFor(stack)); err != nil {
		s.logger.Warn("Failed to clear resources of failed stack",
			zap.String("stack", stack.Name),
			zap.Error(err))
	}
	if err := advance(ctx, s.registry, s.logger, stack, model.StatusDeleted); err != nil {
		s.logger.Warn("Failed to retire failed stack record",
			zap.String("stack", stack.Name),
			zap.Error(err))
	}
}

// provision runs the deploy steps in order, persisting backend identifiers
// as soon as they exist
func (s *ProvisioningService) provision(ctx context.Context, stack *model.TenantStack) error {
	port := stack.BackendIDs.Port

	def, err := topology.Build(topology.Request{
		StackName:     stack.Name,
		Domain:        stack.Domain,
		CustomDomain:  stack.CustomDomain,
		Email:         stack.Email,
		PublishedPort: port,
		ProxyNetwork:  s.proxyNetwork,
	}, s.images)
	if err != nil {
		return perrors.NewProvisionError(perrors.ErrCodeInternal, perrors.StageTopology, "failed to build stack definition", err)
	}

	namespace, err := s.adapter.CreateNamespace(ctx, stack.Name)
	if err != nil {
		s.metrics.RecordBackendError(string(stack.Backend), "create_namespace")
		return err
	}
	if err := s.persistIDs(ctx, stack, model.BackendIDs{Namespace: namespace, Port: port}); err != nil {
		return err
	}

	handle, err := s.adapter.CreateStack(ctx, namespace, def)
	if err != nil {
		s.metrics.RecordBackendError(string(stack.Backend), "create_stack")
		return err
	}
	if err := s.persistIDs(ctx, stack, handle.IDs(port)); err != nil {
		return err
	}

	if err := s.adapter.Deploy(ctx, handle); err != nil {
		s.metrics.RecordBackendError(string(stack.Backend), "deploy")
		return err
	}

	if err := s.monitor.WaitUntilRunning(ctx, stack.Name, s.cfg.HealthPollAttempts, s.cfg.HealthPollInterval); err != nil {
		return err
	}

	if err := advance(ctx, s.registry, s.logger, stack, model.StatusActive); err != nil {
		return err
	}
	if err := s.registry.UpdateBackendIDs(ctx, stack.ID, stack.BackendIDs); err != nil {
		s.logger.Warn("Failed to confirm backend identifiers",
			zap.String("stack", stack.Name),
			zap.Error(err))
	}
	return nil
}

func (s *ProvisioningService) persistIDs(ctx context.Context, stack *model.TenantStack, ids model.BackendIDs) error {
	stack.BackendIDs = ids
	if err := s.registry.UpdateBackendIDs(ctx, stack.ID, ids); err != nil {
		return perrors.Registry("failed to record backend identifiers", err)
	}
	return nil
}

// allocatePort picks a loopback port no other local stack holds
func (s *ProvisioningService) allocatePort(ctx context.Context) (int, error) {
	stacks, err := s.registry.FindAll(ctx)
	if err != nil {
		return 0, perrors.Registry("failed to list ports in use", err)
	}
	used := make(map[int]bool)
	for _, st := range stacks {
		if st.HoldsName() && st.BackendIDs.Port > 0 {
			used[st.BackendIDs.Port] = true
		}
	}

	port, err := topology.AllocatePort(s.cfg.LoopbackPortMin, s.cfg.LoopbackPortMax, used, s.portProbe)
	if err != nil {
		return 0, s.noPort(err)
	}
	return port, nil
}

func (s *ProvisioningService) noPort(cause error) error {
	return perrors.NewProvisionError(perrors.ErrCodeBackendUnavailable, perrors.StageTopology, "no loopback port available", cause).
		WithDetail("range", [2]int{s.cfg.LoopbackPortMin, s.cfg.LoopbackPortMax})
}

// rollback removes whatever the failed attempt created and marks the
// record failed. It gets its own time budget.
func (s *ProvisioningService) rollback(ctx context.Context, stack *model.TenantStack, cause error) {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.CleanupTimeout)
	defer cancel()

	s.logger.Warn("Deploy failed, rolling back",
		zap.String("stack", stack.Name),
		zap.String("stage", string(perrors.GetStage(cause))),
		zap.Error(cause))

	result := "success"
	if err := s.adapter.Destroy(cleanupCtx, backend.HandleFor(stack)); err != nil {
		result = "failure"
		s.logger.Error("Rollback left resources behind",
			zap.String("stack", stack.Name),
			zap.Any("backend_ids", stack.BackendIDs),
			zap.Error(err))
	}
	s.metrics.RecordRollback(string(stack.Backend), result)

	if stack.Status != model.StatusDeploying {
		return
	}
	if err := advance(cleanupCtx, s.registry, s.logger, stack, model.StatusFailed); err != nil {
		s.logger.Error("Failed to mark stack failed",
			zap.String("stack", stack.Name),
			zap.Error(err))
	}
}

func (s *ProvisioningService) notify(ctx context.Context, stack *model.TenantStack, cause error) {
	if s.notifications == nil {
		return
	}
	n := notify.Notification{
		StackName: stack.Name,
		OwnerID:   stack.OwnerID,
		Email:     stack.Email,
		URL:       stack.AccessURL(),
	}
	if cause != nil {
		n.Reason = cause.Error()
	}
	s.notifications.Enqueue(ctx, n)
}

// Remove tears a stack down and marks it deleted. Removing an unknown or
// already deleted stack succeeds without touching the backend. Backend
// errors during teardown are logged; only the registry update can fail
// the call.
func (s *ProvisioningService) Remove(ctx context.Context, name string) error {
	release, err := s.locks.TryLock(ctx, name)
	if err != nil {
		if errors.Is(err, store.ErrLockHeld) {
			return perrors.DeployInFlight(name)
		}
		return perrors.Registry("failed to lock stack name", err)
	}
	defer release()

	stack, err := s.registry.FindByName(ctx, name)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return perrors.Registry("failed to look up stack", err)
	}
	if stack.Status.IsTerminal() {
		return nil
	}

	result := "success"
	if s.hasResources(ctx, stack) {
		if err := s.adapter.Destroy(ctx, backend.HandleFor(stack)); err != nil {
			result = "partial"
			s.metrics.RecordBackendError(string(s.adapter.Kind()), "destroy")
			s.logger.Warn("Stack teardown incomplete",
				zap.String("stack", name),
				zap.Error(err))
		}
	}

	if stack.Status == model.StatusDeploying {
		if err := advance(ctx, s.registry, s.logger, stack, model.StatusFailed); err != nil {
			s.metrics.RecordRemoval("failure")
			return err
		}
	}
	if err := advance(ctx, s.registry, s.logger, stack, model.StatusDeleted); err != nil {
		s.metrics.RecordRemoval("failure")
		return err
	}

	if s.stats != nil {
		s.stats.Invalidate(ctx, name)
	}
	s.metrics.RecordRemoval(result)
	s.logger.Info("Stack removed", zap.String("stack", name))
	return nil
}

// hasResources reports whether teardown is needed. Records that never got
// backend identifiers are checked against the backend; when the backend
// cannot answer, teardown runs anyway.
func (s *ProvisioningService) hasResources(ctx context.Context, stack *model.TenantStack) bool {
	if !stack.BackendIDs.IsZero() {
		return true
	}
	exists, err := s.adapter.Exists(ctx, backend.HandleFor(stack))
	if err != nil {
		s.logger.Debug("Could not check for leftover resources",
			zap.String("stack", stack.Name),
			zap.Error(err))
		return true
	}
	return exists
}

// RemoveOwned removes a stack on behalf of its owner. Stacks of other
// owners are reported as not found.
func (s *ProvisioningService) RemoveOwned(ctx context.Context, name, ownerID string) error {
	owned, err := s.registry.CheckOwnership(ctx, name, ownerID)
	if err != nil {
		return perrors.Registry("failed to check ownership", err)
	}
	if !owned {
		return perrors.NotFound(name)
	}
	return s.Remove(ctx, name)
}

// GetStatus returns the record of a stack together with its live health
func (s *ProvisioningService) GetStatus(ctx context.Context, name string) (*StatusResult, error) {
	stack, err := s.lookup(ctx, name)
	if err != nil {
		return nil, err
	}

	result := &StatusResult{Stack: stack, URL: stack.AccessURL()}
	health, err := s.monitor.StatusOf(ctx, name)
	if err != nil {
		result.HealthError = err.Error()
		return result, nil
	}
	result.Health = health
	return result, nil
}

// GetStats returns the resource usage of a stack, from the snapshot cache
// when a fresh one exists
func (s *ProvisioningService) GetStats(ctx context.Context, name string) (*model.StackStats, error) {
	if _, err := s.lookup(ctx, name); err != nil {
		return nil, err
	}
	if s.stats != nil {
		return s.stats.Snapshot(ctx, name)
	}
	return s.monitor.StatsOf(ctx, name)
}

// ListByOwner returns the owner's stacks, newest first
func (s *ProvisioningService) ListByOwner(ctx context.Context, ownerID string) ([]*model.TenantStack, error) {
	stacks, err := s.registry.FindByOwner(ctx, ownerID)
	if err != nil {
		return nil, perrors.Registry("failed to list stacks", err)
	}
	return stacks, nil
}

func (s *ProvisioningService) lookup(ctx context.Context, name string) (*model.TenantStack, error) {
	stack, err := s.registry.FindByName(ctx, name)
	if errors.Is(err, store.ErrNotFound) {
		return nil, perrors.NotFound(name)
	}
	if err != nil {
		return nil, perrors.Registry("failed to look up stack", err)
	}
	if stack.Status.IsTerminal() {
		return nil, perrors.NotFound(name)
	}
	return stack, nil
}
