package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vibehost/provisioner/internal/model"
)

// MemoryStackRegistry implements StackRegistry in process. It backs the
// "memory" database driver for development and single-shot CLI use.
type MemoryStackRegistry struct {
	mu     sync.RWMutex
	stacks map[string]*model.TenantStack // by id
}

// NewMemoryStackRegistry creates an empty registry
func NewMemoryStackRegistry() *MemoryStackRegistry {
	return &MemoryStackRegistry{stacks: make(map[string]*model.TenantStack)}
}

// Create inserts a copy of the record unless its name or port is held
func (r *MemoryStackRegistry) Create(ctx context.Context, stack *model.TenantStack) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.stacks {
		if existing.Name == stack.Name && existing.Status != model.StatusDeleted {
			return ErrNameTaken
		}
	}
	if port := stack.BackendIDs.Port; port > 0 {
		for _, existing := range r.stacks {
			if existing.BackendIDs.Port == port && existing.HoldsName() {
				return ErrPortTaken
			}
		}
	}

	stored := *stack
	r.stacks[stack.ID] = &stored
	return nil
}

// FindByName returns the newest record with the name, preferring non-deleted ones
func (r *MemoryStackRegistry) FindByName(ctx context.Context, name string) (*model.TenantStack, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var found *model.TenantStack
	for _, s := range r.stacks {
		if s.Name != name {
			continue
		}
		if found == nil || better(s, found) {
			found = s
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}

	out := *found
	return &out, nil
}

func better(a, b *model.TenantStack) bool {
	aLive, bLive := a.Status != model.StatusDeleted, b.Status != model.StatusDeleted
	if aLive != bLive {
		return aLive
	}
	return a.CreatedAt.After(b.CreatedAt)
}

// FindByOwner returns the owner's non-deleted records, newest first
func (r *MemoryStackRegistry) FindByOwner(ctx context.Context, ownerID string) ([]*model.TenantStack, error) {
	return r.list(func(s *model.TenantStack) bool { return s.OwnerID == ownerID }), nil
}

// FindAll returns every non-deleted record, newest first
func (r *MemoryStackRegistry) FindAll(ctx context.Context) ([]*model.TenantStack, error) {
	return r.list(func(*model.TenantStack) bool { return true }), nil
}

func (r *MemoryStackRegistry) list(match func(*model.TenantStack) bool) []*model.TenantStack {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*model.TenantStack, 0)
	for _, s := range r.stacks {
		if s.Status == model.StatusDeleted || !match(s) {
			continue
		}
		c := *s
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// UpdateStatus performs a compare-and-set on the status
func (r *MemoryStackRegistry) UpdateStatus(ctx context.Context, id string, from, to model.StackStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.stacks[id]
	if !ok {
		return ErrNotFound
	}
	if s.Status != from {
		return ErrStatusMismatch
	}

	s.Status = to
	s.UpdatedAt = time.Now().UTC()
	return nil
}

// UpdateBackendIDs records backend identifiers
func (r *MemoryStackRegistry) UpdateBackendIDs(ctx context.Context, id string, ids model.BackendIDs) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.stacks[id]
	if !ok {
		return ErrNotFound
	}

	s.BackendIDs = ids
	s.UpdatedAt = time.Now().UTC()
	return nil
}

// CheckOwnership reports whether the owner holds a non-deleted stack with the name
func (r *MemoryStackRegistry) CheckOwnership(ctx context.Context, name, ownerID string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, s := range r.stacks {
		if s.Name == name && s.OwnerID == ownerID && s.Status != model.StatusDeleted {
			return true, nil
		}
	}
	return false, nil
}

// Ping always succeeds
func (r *MemoryStackRegistry) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op
func (r *MemoryStackRegistry) Close() {}
