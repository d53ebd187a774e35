package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/vibehost/provisioner/internal/model"
)

// Schema creates the stacks table. The partial unique indexes make Create a
// conditional insert across every process sharing the database: one live
// record per name, one name-holding record per loopback port.
const Schema = `
CREATE TABLE IF NOT EXISTS stacks (
	id                  UUID PRIMARY KEY,
	name                VARCHAR(63)  NOT NULL,
	owner_id            VARCHAR(128) NOT NULL,
	email               VARCHAR(255) NOT NULL DEFAULT '',
	domain              VARCHAR(253) NOT NULL,
	custom_domain       VARCHAR(253) NOT NULL DEFAULT '',
	backend             VARCHAR(16)  NOT NULL,
	backend_namespace   VARCHAR(255) NOT NULL DEFAULT '',
	backend_application VARCHAR(255) NOT NULL DEFAULT '',
	backend_port        INTEGER      NOT NULL DEFAULT 0,
	status              VARCHAR(16)  NOT NULL DEFAULT 'deploying',
	created_at          TIMESTAMPTZ  NOT NULL DEFAULT NOW(),
	updated_at          TIMESTAMPTZ  NOT NULL DEFAULT NOW()
);
CREATE UNIQUE INDEX IF NOT EXISTS stacks_live_name_idx ON stacks (name) WHERE status <> 'deleted';
CREATE UNIQUE INDEX IF NOT EXISTS stacks_live_port_idx ON stacks (backend_port)
	WHERE backend_port > 0 AND status NOT IN ('deleted', 'failed');
CREATE INDEX IF NOT EXISTS stacks_owner_idx ON stacks (owner_id, created_at DESC);
CREATE INDEX IF NOT EXISTS stacks_status_idx ON stacks (status);
`

const (
	uniqueViolation = "23505"
	portIndex       = "stacks_live_port_idx"
)

const stackColumns = `id, name, owner_id, email, domain, custom_domain, backend,
	backend_namespace, backend_application, backend_port, status, created_at, updated_at`

// PostgresStackRegistry implements StackRegistry using PostgreSQL
type PostgresStackRegistry struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStackRegistry creates a new PostgreSQL-backed registry
func NewPostgresStackRegistry(
	host string,
	port int,
	database, user, password, sslMode string,
	maxConns, minConns int,
	connMaxLifetime time.Duration,
	logger *zap.Logger,
) (*PostgresStackRegistry, error) {
	connString := fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s pool_max_conns=%d pool_min_conns=%d",
		host, port, database, user, password, sslMode, maxConns, minConns,
	)

	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if connMaxLifetime > 0 {
		config.MaxConnLifetime = connMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return NewPostgresStackRegistryFromPool(pool, logger), nil
}

// NewPostgresStackRegistryFromPool wraps an existing pool
func NewPostgresStackRegistryFromPool(pool *pgxpool.Pool, logger *zap.Logger) *PostgresStackRegistry {
	return &PostgresStackRegistry{pool: pool, logger: logger}
}

// Migrate applies the schema
func (s *PostgresStackRegistry) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	s.logger.Info("Registry schema applied")
	return nil
}

// Create inserts a stack record unless its name or loopback port is held
func (s *PostgresStackRegistry) Create(ctx context.Context, stack *model.TenantStack) error {
	query := `
		INSERT INTO stacks (` + stackColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (name) WHERE status <> 'deleted' DO NOTHING
	`

	result, err := s.pool.Exec(ctx, query,
		stack.ID,
		stack.Name,
		stack.OwnerID,
		stack.Email,
		stack.Domain,
		stack.CustomDomain,
		string(stack.Backend),
		stack.BackendIDs.Namespace,
		stack.BackendIDs.Application,
		stack.BackendIDs.Port,
		string(stack.Status),
		stack.CreatedAt,
		stack.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == portIndex {
			return ErrPortTaken
		}
		return fmt.Errorf("failed to create stack: %w", err)
	}

	if result.RowsAffected() == 0 {
		return ErrNameTaken
	}

	return nil
}

// FindByName returns the newest record for a name
func (s *PostgresStackRegistry) FindByName(ctx context.Context, name string) (*model.TenantStack, error) {
	query := `
		SELECT ` + stackColumns + `
		FROM stacks
		WHERE name = $1
		ORDER BY (status <> 'deleted') DESC, created_at DESC
		LIMIT 1
	`

	stack, err := scanStack(s.pool.QueryRow(ctx, query, name))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get stack: %w", err)
	}

	return stack, nil
}

// FindByOwner returns the owner's non-deleted stacks, newest first
func (s *PostgresStackRegistry) FindByOwner(ctx context.Context, ownerID string) ([]*model.TenantStack, error) {
	query := `
		SELECT ` + stackColumns + `
		FROM stacks
		WHERE owner_id = $1 AND status <> 'deleted'
		ORDER BY created_at DESC
	`
	return s.query(ctx, query, ownerID)
}

// FindAll returns every non-deleted stack, newest first
func (s *PostgresStackRegistry) FindAll(ctx context.Context) ([]*model.TenantStack, error) {
	query := `
		SELECT ` + stackColumns + `
		FROM stacks
		WHERE status <> 'deleted'
		ORDER BY created_at DESC
	`
	return s.query(ctx, query)
}

// UpdateStatus performs a compare-and-set on the status column
func (s *PostgresStackRegistry) UpdateStatus(ctx context.Context, id string, from, to model.StackStatus) error {
	query := `
		UPDATE stacks
		SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2
	`

	result, err := s.pool.Exec(ctx, query, id, string(from), string(to))
	if err != nil {
		return fmt.Errorf("failed to update stack status: %w", err)
	}

	if result.RowsAffected() == 0 {
		return s.missOrMismatch(ctx, id)
	}

	return nil
}

// UpdateBackendIDs records the identifiers returned by the backend
func (s *PostgresStackRegistry) UpdateBackendIDs(ctx context.Context, id string, ids model.BackendIDs) error {
	query := `
		UPDATE stacks
		SET backend_namespace = $2, backend_application = $3, backend_port = $4, updated_at = NOW()
		WHERE id = $1
	`

	result, err := s.pool.Exec(ctx, query, id, ids.Namespace, ids.Application, ids.Port)
	if err != nil {
		return fmt.Errorf("failed to update backend identifiers: %w", err)
	}

	if result.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

// CheckOwnership reports whether the owner holds a non-deleted stack with the name
func (s *PostgresStackRegistry) CheckOwnership(ctx context.Context, name, ownerID string) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM stacks WHERE name = $1 AND owner_id = $2 AND status <> 'deleted'
		)
	`

	var owned bool
	if err := s.pool.QueryRow(ctx, query, name, ownerID).Scan(&owned); err != nil {
		return false, fmt.Errorf("failed to check ownership: %w", err)
	}

	return owned, nil
}

// Ping checks the database connection
func (s *PostgresStackRegistry) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the connection pool
func (s *PostgresStackRegistry) Close() {
	s.pool.Close()
}

func (s *PostgresStackRegistry) missOrMismatch(ctx context.Context, id string) error {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM stacks WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check stack: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrStatusMismatch
}

func (s *PostgresStackRegistry) query(ctx context.Context, query string, args ...interface{}) ([]*model.TenantStack, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list stacks: %w", err)
	}
	defer rows.Close()

	stacks := make([]*model.TenantStack, 0)
	for rows.Next() {
		stack, err := scanStack(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan stack: %w", err)
		}
		stacks = append(stacks, stack)
	}

	return stacks, rows.Err()
}

func scanStack(row pgx.Row) (*model.TenantStack, error) {
	var stack model.TenantStack
	var backend, status string

	err := row.Scan(
		&stack.ID,
		&stack.Name,
		&stack.OwnerID,
		&stack.Email,
		&stack.Domain,
		&stack.CustomDomain,
		&backend,
		&stack.BackendIDs.Namespace,
		&stack.BackendIDs.Application,
		&stack.BackendIDs.Port,
		&status,
		&stack.CreatedAt,
		&stack.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	stack.Backend = model.BackendKind(backend)
	stack.Status = model.StackStatus(status)
	return &stack, nil
}
