package tenant

import (
	"context"
	"fmt"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"
)

// Registry provides access to the tenant directory stored in the central database.
type Registry interface {
	// GetBySlug retrieves tenant by its URL-safe slug.
	GetBySlug(ctx context.Context, slug string) (*Tenant, error)

	// GetByID retrieves tenant by UUID string.
	GetByID(ctx context.Context, tenantID string) (*Tenant, error)

	// ListActive returns all active tenants.
	ListActive(ctx context.Context) ([]*Tenant, error)

	// ListAll returns all tenants.
	ListAll(ctx context.Context) ([]*Tenant, error)

	// UpdateStatus changes tenant status. Deactivation records a scheduled
	// deletion date; rows are never hard-deleted.
	UpdateStatus(ctx context.Context, tenantID string, status Status, scheduledDeletion *time.Time) error

	// UpdateDatabase replaces database coordinates. passwordEnc must already be encrypted.
	UpdateDatabase(ctx context.Context, tenantID string, d Descriptor, passwordEnc string) error
}

// PostgresRegistry implements Registry using the central PostgreSQL database.
type PostgresRegistry struct {
	db DB
}

func NewPostgresRegistry(db DB) *PostgresRegistry {
	return &PostgresRegistry{db: db}
}

const tenantColumns = `
	id, slug, name, status, plan,
	COALESCE(db_host, '') AS db_host,
	COALESCE(db_port, 5432) AS db_port,
	COALESCE(db_name, '') AS db_name,
	COALESCE(db_user, '') AS db_user,
	COALESCE(db_password_enc, '') AS db_password_enc,
	settings, scheduled_deletion_at, created_at, updated_at`

func (r *PostgresRegistry) GetBySlug(ctx context.Context, slug string) (*Tenant, error) {
	var t Tenant
	err := pgxscan.Get(ctx, r.db, &t, `SELECT `+tenantColumns+` FROM tenants WHERE slug = $1`, slug)
	if err != nil {
		if pgxscan.NotFound(err) {
			return nil, ErrTenantNotFound
		}
		return nil, fmt.Errorf("get tenant by slug: %w", err)
	}
	return &t, nil
}

func (r *PostgresRegistry) GetByID(ctx context.Context, tenantID string) (*Tenant, error) {
	var t Tenant
	err := pgxscan.Get(ctx, r.db, &t, `SELECT `+tenantColumns+` FROM tenants WHERE id = $1`, tenantID)
	if err != nil {
		if pgxscan.NotFound(err) {
			return nil, ErrTenantNotFound
		}
		return nil, fmt.Errorf("get tenant by id: %w", err)
	}
	return &t, nil
}

func (r *PostgresRegistry) ListActive(ctx context.Context) ([]*Tenant, error) {
	var tenants []*Tenant
	err := pgxscan.Select(ctx, r.db, &tenants,
		`SELECT `+tenantColumns+` FROM tenants WHERE status = $1 ORDER BY slug`, StatusActive)
	if err != nil {
		return nil, fmt.Errorf("list active tenants: %w", err)
	}
	return tenants, nil
}

func (r *PostgresRegistry) ListAll(ctx context.Context) ([]*Tenant, error) {
	var tenants []*Tenant
	err := pgxscan.Select(ctx, r.db, &tenants, `SELECT `+tenantColumns+` FROM tenants ORDER BY slug`)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	return tenants, nil
}

func (r *PostgresRegistry) UpdateStatus(ctx context.Context, tenantID string, status Status, scheduledDeletion *time.Time) error {
	if !status.Valid() {
		return fmt.Errorf("invalid tenant status %q", status)
	}
	tag, err := r.db.Exec(ctx, `
		UPDATE tenants
		SET status = $2, scheduled_deletion_at = $3, updated_at = NOW()
		WHERE id = $1
	`, tenantID, status, scheduledDeletion)
	if err != nil {
		return fmt.Errorf("update tenant status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTenantNotFound
	}
	return nil
}

func (r *PostgresRegistry) UpdateDatabase(ctx context.Context, tenantID string, d Descriptor, passwordEnc string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE tenants
		SET db_host = $2, db_port = $3, db_name = $4, db_user = $5, db_password_enc = $6, updated_at = NOW()
		WHERE id = $1
	`, tenantID, d.Host, d.Port, d.Name, d.User, passwordEnc)
	if err != nil {
		return fmt.Errorf("update tenant database: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTenantNotFound
	}
	return nil
}

var _ Registry = (*PostgresRegistry)(nil)
