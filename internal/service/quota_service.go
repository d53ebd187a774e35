package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vibehost/provisioner/internal/backend"
	"github.com/vibehost/provisioner/internal/config"
	perrors "github.com/vibehost/provisioner/internal/errors"
	"github.com/vibehost/provisioner/internal/metrics"
	"github.com/vibehost/provisioner/internal/model"
	"github.com/vibehost/provisioner/internal/store"
)

const bytesPerGB = 1024 * 1024 * 1024

// PlanResolver finds the quota plan of an owner
type PlanResolver interface {
	PlanFor(ctx context.Context, ownerID string) (model.QuotaPlan, error)
}

// ConfigPlanResolver resolves plans from static configuration
type ConfigPlanResolver struct {
	cfg config.QuotaConfig
}

// NewConfigPlanResolver creates a plan resolver over the configured plans
func NewConfigPlanResolver(cfg config.QuotaConfig) *ConfigPlanResolver {
	return &ConfigPlanResolver{cfg: cfg}
}

// PlanFor implements PlanResolver
func (r *ConfigPlanResolver) PlanFor(_ context.Context, ownerID string) (model.QuotaPlan, error) {
	id := r.cfg.PlanFor(ownerID)
	plan, ok := r.cfg.Plans[id]
	if !ok {
		return model.QuotaPlan{}, perrors.InternalError(fmt.Sprintf("owner %s is assigned unknown plan %q", ownerID, id), nil)
	}
	name := plan.Name
	if name == "" {
		name = id
	}
	return model.QuotaPlan{
		ID:              id,
		Name:            name,
		MaxActiveStacks: plan.MaxActiveStacks,
		MaxStorageGB:    plan.MaxStorageGB,
	}, nil
}

// Admission is the outcome of a provisioning quota check
type Admission struct {
	Allowed bool
	Plan    model.QuotaPlan
	Current int
	Limit   int // zero when unlimited
	Message string
}

// StorageUsage is an owner's storage consumption against their plan
type StorageUsage struct {
	OwnerID  string
	Plan     model.QuotaPlan
	UsedGB   float64
	LimitGB  float64 // zero when unlimited
	Percent  float64
	Warning  bool
	Exceeded bool
}

// UsageSummary combines stack and storage usage of one owner
type UsageSummary struct {
	OwnerID      string
	Plan         model.QuotaPlan
	ActiveStacks int
	TotalStacks  int
	Storage      *StorageUsage
}

// EnforcementResult reports what one enforcement pass did for an owner
type EnforcementResult struct {
	OwnerID   string
	Usage     *StorageUsage
	Suspended string // name of the suspended stack, empty when none
}

// QuotaService admits new stacks against plan limits and suspends stacks of
// owners over their storage allowance
type QuotaService struct {
	registry       store.StackRegistry
	plans          PlanResolver
	meter          StorageMeter
	adapter        backend.Adapter
	metrics        *metrics.Metrics
	logger         *zap.Logger
	warningPercent float64
	interval       time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewQuotaService creates a quota service
func NewQuotaService(
	registry store.StackRegistry,
	plans PlanResolver,
	meter StorageMeter,
	adapter backend.Adapter,
	m *metrics.Metrics,
	cfg config.QuotaConfig,
	logger *zap.Logger,
) *QuotaService {
	warning := cfg.WarningPercent
	if warning <= 0 {
		warning = 80
	}
	interval := cfg.EnforcementInterval
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &QuotaService{
		registry:       registry,
		plans:          plans,
		meter:          meter,
		adapter:        adapter,
		metrics:        m,
		logger:         logger,
		warningPercent: warning,
		interval:       interval,
		stopCh:         make(chan struct{}),
	}
}

// CanProvision reports whether the owner may add another active stack
func (q *QuotaService) CanProvision(ctx context.Context, ownerID string) (*Admission, error) {
	plan, err := q.plans.PlanFor(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	stacks, err := q.registry.FindByOwner(ctx, ownerID)
	if err != nil {
		return nil, perrors.Registry("failed to count stacks", err)
	}
	active := countStatus(stacks, model.StatusActive)

	adm := &Admission{Allowed: true, Plan: plan, Current: active}
	if plan.UnlimitedStacks() {
		return adm, nil
	}

	adm.Limit = plan.MaxActiveStacks
	if active >= plan.MaxActiveStacks {
		adm.Allowed = false
		adm.Message = fmt.Sprintf("plan %s allows %d active stacks and %d are active; upgrade to add more",
			plan.Name, plan.MaxActiveStacks, active)
	}
	return adm, nil
}

// CheckStorage measures the owner's storage against their plan
func (q *QuotaService) CheckStorage(ctx context.Context, ownerID string) (*StorageUsage, error) {
	plan, err := q.plans.PlanFor(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	stacks, err := q.registry.FindByOwner(ctx, ownerID)
	if err != nil {
		return nil, perrors.Registry("failed to list stacks", err)
	}
	return q.storageUsage(ctx, ownerID, plan, stacks)
}

func (q *QuotaService) storageUsage(ctx context.Context, ownerID string, plan model.QuotaPlan, stacks []*model.TenantStack) (*StorageUsage, error) {
	var used int64
	for _, s := range stacks {
		n, err := q.meter.StackBytes(ctx, s)
		if err != nil {
			return nil, perrors.InternalError("failed to measure storage of "+s.Name, err)
		}
		used += n
	}

	usage := &StorageUsage{
		OwnerID: ownerID,
		Plan:    plan,
		UsedGB:  round2(float64(used) / bytesPerGB),
	}
	if plan.UnlimitedStorage() {
		return usage, nil
	}

	usage.LimitGB = plan.MaxStorageGB
	usage.Percent = round2(float64(used) / bytesPerGB / plan.MaxStorageGB * 100)
	usage.Warning = usage.Percent >= q.warningPercent
	usage.Exceeded = usage.Percent >= 100
	return usage, nil
}

// EnforceStorage suspends the owner's newest active stack when the owner is
// over their storage limit. At most one stack is suspended per call.
func (q *QuotaService) EnforceStorage(ctx context.Context, ownerID string) (*EnforcementResult, error) {
	plan, err := q.plans.PlanFor(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	stacks, err := q.registry.FindByOwner(ctx, ownerID)
	if err != nil {
		return nil, perrors.Registry("failed to list stacks", err)
	}

	usage, err := q.storageUsage(ctx, ownerID, plan, stacks)
	if err != nil {
		return nil, err
	}
	result := &EnforcementResult{OwnerID: ownerID, Usage: usage}
	if !usage.Exceeded {
		if usage.Warning {
			q.logger.Warn("Owner is nearing storage limit",
				zap.String("owner_id", ownerID),
				zap.Float64("used_gb", usage.UsedGB),
				zap.Float64("limit_gb", usage.LimitGB),
				zap.Float64("percent", usage.Percent))
		}
		return result, nil
	}

	target := newestActive(stacks)
	if target == nil {
		return result, nil
	}

	if err := q.adapter.Stop(ctx, backend.HandleFor(target)); err != nil {
		q.metrics.RecordBackendError(string(q.adapter.Kind()), "stop")
		return result, err
	}
	if err := advance(ctx, q.registry, q.logger, target, model.StatusSuspended); err != nil {
		return result, err
	}

	q.metrics.RecordSuspension()
	q.logger.Warn("Suspended stack over storage limit",
		zap.String("owner_id", ownerID),
		zap.String("stack", target.Name),
		zap.Float64("used_gb", usage.UsedGB),
		zap.Float64("limit_gb", usage.LimitGB))
	result.Suspended = target.Name
	return result, nil
}

// UsageSummary reports the owner's plan and usage
func (q *QuotaService) UsageSummary(ctx context.Context, ownerID string) (*UsageSummary, error) {
	plan, err := q.plans.PlanFor(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	stacks, err := q.registry.FindByOwner(ctx, ownerID)
	if err != nil {
		return nil, perrors.Registry("failed to list stacks", err)
	}
	storage, err := q.storageUsage(ctx, ownerID, plan, stacks)
	if err != nil {
		return nil, err
	}
	return &UsageSummary{
		OwnerID:      ownerID,
		Plan:         plan,
		ActiveStacks: countStatus(stacks, model.StatusActive),
		TotalStacks:  len(stacks),
		Storage:      storage,
	}, nil
}

// EnforceAll runs one enforcement pass over every owner with an active stack
func (q *QuotaService) EnforceAll(ctx context.Context) ([]*EnforcementResult, error) {
	stacks, err := q.registry.FindAll(ctx)
	if err != nil {
		return nil, perrors.Registry("failed to list stacks", err)
	}

	seen := make(map[string]bool)
	var results []*EnforcementResult
	for _, s := range stacks {
		if s.Status != model.StatusActive || seen[s.OwnerID] {
			continue
		}
		seen[s.OwnerID] = true

		res, err := q.EnforceStorage(ctx, s.OwnerID)
		if err != nil {
			q.logger.Error("Storage enforcement failed",
				zap.String("owner_id", s.OwnerID),
				zap.Error(err))
			continue
		}
		results = append(results, res)
	}
	return results, nil
}

// Start runs enforcement passes in the background
func (q *QuotaService) Start(ctx context.Context) {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		ticker := time.NewTicker(q.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if _, err := q.EnforceAll(ctx); err != nil {
					q.logger.Error("Enforcement pass failed", zap.Error(err))
				}
			case <-q.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	q.logger.Info("Quota enforcement started", zap.Duration("interval", q.interval))
}

// Stop halts background enforcement
func (q *QuotaService) Stop() {
	q.stopOnce.Do(func() { close(q.stopCh) })
	q.wg.Wait()
}

func countStatus(stacks []*model.TenantStack, status model.StackStatus) int {
	n := 0
	for _, s := range stacks {
		if s.Status == status {
			n++
		}
	}
	return n
}

// newestActive picks the most recently created active stack
func newestActive(stacks []*model.TenantStack) *model.TenantStack {
	var newest *model.TenantStack
	for _, s := range stacks {
		if s.Status != model.StatusActive {
			continue
		}
		if newest == nil || s.CreatedAt.After(newest.CreatedAt) {
			newest = s
		}
	}
	return newest
}
