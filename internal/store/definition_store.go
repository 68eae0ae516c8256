package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/wolfeidau/storefleet/internal/models"
	"github.com/wolfeidau/storefleet/internal/result"
)

// Sentinel errors for definition store operations
var (
	ErrDefinitionNotFound      = fmt.Errorf("definition %w", result.ErrNotFound)
	ErrDefinitionAlreadyExists = fmt.Errorf("definition %w", result.ErrAlreadyExists)
	ErrNoDefaultDefinition     = fmt.Errorf("default definition %w", result.ErrNotFound)
	ErrDefinitionInUse         = errors.New("definition in use")
)

// DefinitionStore stores theme and API definitions.
type DefinitionStore interface {
	// Create creates a definition. IsDefault is ignored, use SetDefault.
	Create(ctx context.Context, def *models.Definition) error

	// Get retrieves a definition by ID.
	// Returns ErrDefinitionNotFound if it doesn't exist.
	Get(ctx context.Context, id uuid.UUID) (*models.Definition, error)

	// Update updates name, image, port and active flag. IsDefault is ignored.
	Update(ctx context.Context, def *models.Definition) error

	// Delete removes a definition.
	Delete(ctx context.Context, id uuid.UUID) error

	// List returns the definitions of kind ordered by name.
	List(ctx context.Context, kind models.DefinitionKind) ([]*models.Definition, error)

	// GetDefault returns the default definition of kind.
	// Returns ErrNoDefaultDefinition when none is set.
	GetDefault(ctx context.Context, kind models.DefinitionKind) (*models.Definition, error)

	// SetDefault makes id the single default of its kind. Clearing the
	// previous default and setting the new one happen atomically.
	SetDefault(ctx context.Context, kind models.DefinitionKind, id uuid.UUID) error
}
