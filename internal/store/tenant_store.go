package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/wolfeidau/storefleet/internal/models"
	"github.com/wolfeidau/storefleet/internal/result"
)

// Sentinel errors for tenant store operations
var (
	ErrTenantNotFound      = fmt.Errorf("tenant %w", result.ErrNotFound)
	ErrTenantAlreadyExists = fmt.Errorf("tenant %w", result.ErrAlreadyExists)
	ErrDomainInUse         = fmt.Errorf("domain %w", result.ErrAlreadyExists)
	ErrInvalidTenant       = errors.New("invalid tenant")
)

// TenantStore defines the interface for tenant storage operations.
type TenantStore interface {
	// Create creates a new tenant.
	// Returns ErrTenantAlreadyExists if the id, its base id or the name is
	// taken.
	Create(ctx context.Context, tenant *models.Tenant) error

	// Get retrieves a tenant by ID.
	// Returns ErrTenantNotFound if the tenant doesn't exist.
	Get(ctx context.Context, id uuid.UUID) (*models.Tenant, error)

	// GetByName retrieves a tenant by its unique name.
	GetByName(ctx context.Context, name string) (*models.Tenant, error)

	// GetByBaseID retrieves the tenant whose id starts with baseID.
	// Returns ErrTenantNotFound if no tenant does.
	GetByBaseID(ctx context.Context, baseID string) (*models.Tenant, error)

	// Update replaces every mutable field of an existing tenant.
	// Returns ErrTenantNotFound if the tenant doesn't exist and
	// ErrTenantAlreadyExists if a rename collides.
	Update(ctx context.Context, tenant *models.Tenant) error

	// Delete deletes a tenant by ID.
	// Returns ErrTenantNotFound if the tenant doesn't exist.
	Delete(ctx context.Context, id uuid.UUID) error

	// List returns all tenants ordered by name.
	List(ctx context.Context) ([]*models.Tenant, error)

	// FindByDomain returns the tenant that owns domain.
	FindByDomain(ctx context.Context, domain string) (*models.Tenant, error)

	// ListByDefinition returns the tenants using the theme or API definition.
	ListByDefinition(ctx context.Context, kind models.DefinitionKind, definitionID uuid.UUID) ([]*models.Tenant, error)
}

// TenantLocker serializes work on one tenant across processes.
type TenantLocker interface {
	// LockTenant blocks until the lock of id is held or ctx is done. The
	// returned function releases it.
	LockTenant(ctx context.Context, id uuid.UUID) (func(), error)
}
