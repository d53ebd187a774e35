package store

import (
	"context"
	"errors"
	"time"

	"github.com/vibehost/provisioner/internal/model"
)

var (
	// ErrNotFound is returned when a record or key is not found
	ErrNotFound = errors.New("not found")

	// ErrNameTaken is returned by Create when a non-deleted record already owns the name
	ErrNameTaken = errors.New("name already taken")

	// ErrPortTaken is returned by Create when a record holding its name also holds the loopback port
	ErrPortTaken = errors.New("loopback port already taken")

	// ErrStatusMismatch is returned by UpdateStatus when the record moved on concurrently
	ErrStatusMismatch = errors.New("stack status changed concurrently")

	// ErrLockHeld is returned by TryLock when another attempt holds the name
	ErrLockHeld = errors.New("lock held")
)

// StackRegistry is the durable store of tenant stack records. Deleted
// records are kept with status=deleted; at most one non-deleted record
// exists per name, and at most one record that holds its name (see
// model.TenantStack.HoldsName) exists per loopback port.
type StackRegistry interface {
	// Create inserts a record unless a non-deleted record with the same name
	// exists or the record's loopback port is held by another stack
	Create(ctx context.Context, stack *model.TenantStack) error

	// FindByName returns the most recently created record with the name, deleted or not
	FindByName(ctx context.Context, name string) (*model.TenantStack, error)

	// FindByOwner returns the owner's non-deleted records, newest first
	FindByOwner(ctx context.Context, ownerID string) ([]*model.TenantStack, error)

	// FindAll returns every non-deleted record, newest first
	FindAll(ctx context.Context) ([]*model.TenantStack, error)

	// UpdateStatus moves a record from one status to another atomically
	UpdateStatus(ctx context.Context, id string, from, to model.StackStatus) error

	UpdateBackendIDs(ctx context.Context, id string, ids model.BackendIDs) error

	CheckOwnership(ctx context.Context, name, ownerID string) (bool, error)

	// Health check
	Ping(ctx context.Context) error
	Close()
}

// Cache stores short-lived serialized snapshots
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
}

// NameLock serializes deploy attempts per stack name
type NameLock interface {
	// TryLock acquires the name without waiting. It returns ErrLockHeld when
	// another attempt holds it. The returned release func is safe to call once.
	TryLock(ctx context.Context, name string) (func(), error)
}
