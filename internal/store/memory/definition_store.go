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

// DefinitionStore implements store.DefinitionStore in memory. The single
// default per kind is guarded by the store mutex.
type DefinitionStore struct {
	mu sync.RWMutex

	definitions map[uuid.UUID]*models.Definition
}

var _ store.DefinitionStore = (*DefinitionStore)(nil)

// NewDefinitionStore creates a new in-memory definition store.
func NewDefinitionStore() *DefinitionStore {
	return &DefinitionStore{
		definitions: make(map[uuid.UUID]*models.Definition),
	}
}

// Create stores a new definition. It never becomes the default here.
func (s *DefinitionStore) Create(ctx context.Context, def *models.Definition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.definitions[def.ID]; exists {
		return store.ErrDefinitionAlreadyExists
	}

	now := time.Now()
	def.CreatedAt = now
	def.UpdatedAt = now
	def.IsDefault = false

	clone := *def
	s.definitions[def.ID] = &clone

	return nil
}

// Get retrieves a definition by ID.
func (s *DefinitionStore) Get(ctx context.Context, id uuid.UUID) (*models.Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	def, exists := s.definitions[id]
	if !exists {
		return nil, store.ErrDefinitionNotFound
	}

	clone := *def
	return &clone, nil
}

// Update updates the mutable fields of a definition, leaving the default flag alone.
func (s *DefinitionStore) Update(ctx context.Context, def *models.Definition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.definitions[def.ID]
	if !exists {
		return store.ErrDefinitionNotFound
	}

	existing.Name = def.Name
	existing.Image = def.Image
	existing.InternalPort = def.InternalPort
	existing.IsActive = def.IsActive
	existing.UpdatedAt = time.Now()

	def.IsDefault = existing.IsDefault
	def.Kind = existing.Kind
	def.CreatedAt = existing.CreatedAt
	def.UpdatedAt = existing.UpdatedAt

	return nil
}

// Delete removes a definition.
func (s *DefinitionStore) Delete(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.definitions[id]; !exists {
		return store.ErrDefinitionNotFound
	}

	delete(s.definitions, id)

	return nil
}

// List returns the definitions of kind ordered by name.
func (s *DefinitionStore) List(ctx context.Context, kind models.DefinitionKind) ([]*models.Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var defs []*models.Definition
	for _, def := range s.definitions {
		if def.Kind == kind {
			clone := *def
			defs = append(defs, &clone)
		}
	}

	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })

	return defs, nil
}

// GetDefault returns the default definition of kind.
func (s *DefinitionStore) GetDefault(ctx context.Context, kind models.DefinitionKind) (*models.Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, def := range s.definitions {
		if def.Kind == kind && def.IsDefault {
			clone := *def
			return &clone, nil
		}
	}

	return nil, store.ErrNoDefaultDefinition
}

// SetDefault clears the previous default of kind and marks id under one lock.
func (s *DefinitionStore) SetDefault(ctx context.Context, kind models.DefinitionKind, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	target, exists := s.definitions[id]
	if !exists || target.Kind != kind {
		return store.ErrDefinitionNotFound
	}

	now := time.Now()
	for _, def := range s.definitions {
		if def.Kind == kind && def.IsDefault && def.ID != id {
			def.IsDefault = false
			def.UpdatedAt = now
		}
	}
	target.IsDefault = true
	target.UpdatedAt = now

	return nil
}
