package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wolfeidau/storefleet/internal/models"
	"github.com/wolfeidau/storefleet/internal/store"
)

// TenantStore implements store.TenantStore using in-memory storage.
// This implementation is for testing and local runs - data is lost on restart.
type TenantStore struct {
	mu sync.RWMutex

	tenants map[uuid.UUID]*models.Tenant
	names   map[string]uuid.UUID // name -> tenant id
}

var _ store.TenantStore = (*TenantStore)(nil)

// NewTenantStore creates a new in-memory tenant store.
func NewTenantStore() *TenantStore {
	return &TenantStore{
		tenants: make(map[uuid.UUID]*models.Tenant),
		names:   make(map[string]uuid.UUID),
	}
}

// Create creates a new tenant in memory.
func (s *TenantStore) Create(ctx context.Context, tenant *models.Tenant) error {
	if tenant.ID == uuid.Nil || tenant.Name == "" {
		return store.ErrInvalidTenant
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tenants[tenant.ID]; exists {
		return store.ErrTenantAlreadyExists
	}
	if _, exists := s.names[tenant.Name]; exists {
		return store.ErrTenantAlreadyExists
	}
	baseID := tenant.BaseID()
	for _, t := range s.tenants {
		if t.BaseID() == baseID {
			return store.ErrTenantAlreadyExists
		}
	}

	now := time.Now()
	tenant.CreatedAt = now
	tenant.UpdatedAt = now

	s.tenants[tenant.ID] = tenant.Clone()
	s.names[tenant.Name] = tenant.ID

	return nil
}

// Get retrieves a tenant by ID.
func (s *TenantStore) Get(ctx context.Context, id uuid.UUID) (*models.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tenant, exists := s.tenants[id]
	if !exists {
		return nil, store.ErrTenantNotFound
	}

	return tenant.Clone(), nil
}

// GetByName retrieves a tenant by name.
func (s *TenantStore) GetByName(ctx context.Context, name string) (*models.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, exists := s.names[name]
	if !exists {
		return nil, store.ErrTenantNotFound
	}

	return s.tenants[id].Clone(), nil
}

// Update replaces an existing tenant.
func (s *TenantStore) Update(ctx context.Context, tenant *models.Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.tenants[tenant.ID]
	if !exists {
		return store.ErrTenantNotFound
	}

	if existing.Name != tenant.Name {
		if _, taken := s.names[tenant.Name]; taken {
			return store.ErrTenantAlreadyExists
		}
		delete(s.names, existing.Name)
		s.names[tenant.Name] = tenant.ID
	}

	tenant.CreatedAt = existing.CreatedAt
	tenant.UpdatedAt = time.Now()

	s.tenants[tenant.ID] = tenant.Clone()

	return nil
}

// Delete deletes a tenant by ID.
func (s *TenantStore) Delete(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tenant, exists := s.tenants[id]
	if !exists {
		return store.ErrTenantNotFound
	}

	delete(s.names, tenant.Name)
	delete(s.tenants, id)

	return nil
}

// GetByBaseID retrieves the tenant whose id starts with baseID.
func (s *TenantStore) GetByBaseID(ctx context.Context, baseID string) (*models.Tenant, error) {
	matches := s.filter(func(t *models.Tenant) bool { return t.BaseID() == baseID })
	if len(matches) == 0 {
		return nil, store.ErrTenantNotFound
	}
	return matches[0], nil
}

// List returns all tenants ordered by name.
func (s *TenantStore) List(ctx context.Context) ([]*models.Tenant, error) {
	return s.filter(func(*models.Tenant) bool { return true }), nil
}

// FindByDomain returns the first tenant, by name, owning domain.
func (s *TenantStore) FindByDomain(ctx context.Context, domain string) (*models.Tenant, error) {
	matches := s.filter(func(t *models.Tenant) bool { return t.HasDomain(domain) })
	if len(matches) == 0 {
		return nil, store.ErrTenantNotFound
	}
	return matches[0], nil
}

// ListByDefinition returns the tenants referencing a theme or API definition.
func (s *TenantStore) ListByDefinition(ctx context.Context, kind models.DefinitionKind, definitionID uuid.UUID) ([]*models.Tenant, error) {
	return s.filter(func(t *models.Tenant) bool {
		if kind == models.KindTheme {
			return t.ThemeID != nil && *t.ThemeID == definitionID
		}
		return t.APIID == definitionID
	}), nil
}

func (s *TenantStore) filter(match func(*models.Tenant) bool) []*models.Tenant {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var tenants []*models.Tenant
	for _, t := range s.tenants {
		if match(t) {
			tenants = append(tenants, t.Clone())
		}
	}

	sort.Slice(tenants, func(i, j int) bool { return tenants[i].Name < tenants[j].Name })

	return tenants
}
