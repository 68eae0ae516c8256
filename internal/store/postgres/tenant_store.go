package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/storefleet/internal/models"
	"github.com/wolfeidau/storefleet/internal/store"
	"github.com/wolfeidau/storefleet/internal/util"
)

const tenantColumns = `id, name, theme_id, api_id, domains, tier, replicas, is_active, is_running, created_at, updated_at`

// TenantStore implements store.TenantStore using PostgreSQL.
type TenantStore struct {
	pool         *pgxpool.Pool
	queryTimeout time.Duration
}

var _ store.TenantStore = (*TenantStore)(nil)

// NewTenantStore creates a new PostgreSQL-backed tenant store.
// It shares the connection pool with other stores.
func NewTenantStore(pool *pgxpool.Pool, queryTimeout time.Duration) *TenantStore {
	return &TenantStore{
		pool:         pool,
		queryTimeout: queryTimeout,
	}
}

// Create inserts a new tenant.
func (s *TenantStore) Create(ctx context.Context, tenant *models.Tenant) error {
	if tenant.ID == uuid.Nil || tenant.Name == "" {
		return store.ErrInvalidTenant
	}

	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	now := time.Now().UTC()
	tenant.CreatedAt = now
	tenant.UpdatedAt = now

	query := `
		INSERT INTO tenants (
			id, name, theme_id, api_id, domains, tier, replicas, is_active, is_running, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11
		)
	`

	_, err := s.pool.Exec(ctx, query,
		tenant.ID,
		tenant.Name,
		tenant.ThemeID,
		tenant.APIID,
		domainsOrEmpty(tenant.Domains),
		tenant.Tier,
		util.AsInt64FromUint64(tenant.Replicas),
		tenant.IsActive,
		tenant.IsRunning,
		tenant.CreatedAt,
		tenant.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create tenant: %w", mapPostgresError(err))
	}

	log.Debug().
		Str("tenant_id", tenant.ID.String()).
		Str("name", tenant.Name).
		Msg("Created tenant")

	return nil
}

// Get retrieves a tenant by ID.
func (s *TenantStore) Get(ctx context.Context, id uuid.UUID) (*models.Tenant, error) {
	return s.getOne(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE id = $1`, id)
}

// GetByName retrieves a tenant by name.
func (s *TenantStore) GetByName(ctx context.Context, name string) (*models.Tenant, error) {
	return s.getOne(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE name = $1`, name)
}

// GetByBaseID retrieves the tenant whose id starts with baseID.
func (s *TenantStore) GetByBaseID(ctx context.Context, baseID string) (*models.Tenant, error) {
	return s.getOne(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE left(id::text, 8) = $1`, baseID)
}

// FindByDomain returns the first tenant, by name, owning domain.
func (s *TenantStore) FindByDomain(ctx context.Context, domain string) (*models.Tenant, error) {
	return s.getOne(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE $1 = ANY(domains) ORDER BY name LIMIT 1`,
		models.NormalizeDomain(domain))
}

// Update replaces every mutable field of an existing tenant.
func (s *TenantStore) Update(ctx context.Context, tenant *models.Tenant) error {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	tenant.UpdatedAt = time.Now().UTC()

	query := `
		UPDATE tenants SET
			name = $2,
			theme_id = $3,
			api_id = $4,
			domains = $5,
			tier = $6,
			replicas = $7,
			is_active = $8,
			is_running = $9,
			updated_at = $10
		WHERE id = $1
		RETURNING created_at
	`

	err := s.pool.QueryRow(ctx, query,
		tenant.ID,
		tenant.Name,
		tenant.ThemeID,
		tenant.APIID,
		domainsOrEmpty(tenant.Domains),
		tenant.Tier,
		util.AsInt64FromUint64(tenant.Replicas),
		tenant.IsActive,
		tenant.IsRunning,
		tenant.UpdatedAt,
	).Scan(&tenant.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ErrTenantNotFound
		}
		return fmt.Errorf("failed to update tenant: %w", mapPostgresError(err))
	}

	log.Debug().
		Str("tenant_id", tenant.ID.String()).
		Msg("Updated tenant")

	return nil
}

// Delete deletes a tenant by ID.
func (s *TenantStore) Delete(ctx context.Context, id uuid.UUID) error {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	result, err := s.pool.Exec(ctx, `DELETE FROM tenants WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete tenant: %w", mapPostgresError(err))
	}

	if result.RowsAffected() == 0 {
		return store.ErrTenantNotFound
	}

	log.Info().
		Str("tenant_id", id.String()).
		Msg("Deleted tenant")

	return nil
}

// List returns all tenants ordered by name.
func (s *TenantStore) List(ctx context.Context) ([]*models.Tenant, error) {
	return s.list(ctx, `SELECT `+tenantColumns+` FROM tenants ORDER BY name`)
}

// ListByDefinition returns the tenants referencing a theme or API definition.
func (s *TenantStore) ListByDefinition(ctx context.Context, kind models.DefinitionKind, definitionID uuid.UUID) ([]*models.Tenant, error) {
	column := "api_id"
	if kind == models.KindTheme {
		column = "theme_id"
	}
	return s.list(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE `+column+` = $1 ORDER BY name`, definitionID)
}

func (s *TenantStore) getOne(ctx context.Context, query string, args ...any) (*models.Tenant, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	tenant, err := scanTenant(s.pool.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrTenantNotFound
		}
		return nil, fmt.Errorf("failed to get tenant: %w", mapPostgresError(err))
	}

	return tenant, nil
}

func (s *TenantStore) list(ctx context.Context, query string, args ...any) ([]*models.Tenant, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", mapPostgresError(err))
	}
	defer rows.Close()

	var tenants []*models.Tenant
	for rows.Next() {
		tenant, err := scanTenant(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan tenant: %w", err)
		}
		tenants = append(tenants, tenant)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tenants: %w", err)
	}

	return tenants, nil
}

func scanTenant(row pgx.Row) (*models.Tenant, error) {
	var (
		tenant   models.Tenant
		replicas int64
	)

	err := row.Scan(
		&tenant.ID,
		&tenant.Name,
		&tenant.ThemeID,
		&tenant.APIID,
		&tenant.Domains,
		&tenant.Tier,
		&replicas,
		&tenant.IsActive,
		&tenant.IsRunning,
		&tenant.CreatedAt,
		&tenant.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	tenant.Replicas = util.AsUint64(replicas)

	return &tenant, nil
}

func domainsOrEmpty(domains []string) []string {
	if domains == nil {
		return []string{}
	}
	return domains
}
