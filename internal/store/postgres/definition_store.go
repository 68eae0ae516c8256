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
)

const definitionColumns = `id, kind, name, image, internal_port, is_active, is_default, created_at, updated_at`

// DefinitionStore implements store.DefinitionStore using PostgreSQL.
type DefinitionStore struct {
	pool         *pgxpool.Pool
	queryTimeout time.Duration
}

var _ store.DefinitionStore = (*DefinitionStore)(nil)

// NewDefinitionStore creates a new PostgreSQL-backed definition store.
func NewDefinitionStore(pool *pgxpool.Pool, queryTimeout time.Duration) *DefinitionStore {
	return &DefinitionStore{
		pool:         pool,
		queryTimeout: queryTimeout,
	}
}

// Create inserts a definition. New definitions are never the default.
func (s *DefinitionStore) Create(ctx context.Context, def *models.Definition) error {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	now := time.Now().UTC()
	def.CreatedAt = now
	def.UpdatedAt = now
	def.IsDefault = false

	query := `
		INSERT INTO definitions (
			id, kind, name, image, internal_port, is_active, is_default, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, FALSE, $7, $8
		)
	`

	_, err := s.pool.Exec(ctx, query,
		def.ID,
		string(def.Kind),
		def.Name,
		def.Image,
		def.InternalPort,
		def.IsActive,
		def.CreatedAt,
		def.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create definition: %w", mapPostgresError(err))
	}

	log.Debug().
		Str("definition_id", def.ID.String()).
		Str("kind", string(def.Kind)).
		Str("image", def.Image).
		Msg("Created definition")

	return nil
}

// Get retrieves a definition by ID.
func (s *DefinitionStore) Get(ctx context.Context, id uuid.UUID) (*models.Definition, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	def, err := scanDefinition(s.pool.QueryRow(ctx, `SELECT `+definitionColumns+` FROM definitions WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrDefinitionNotFound
		}
		return nil, fmt.Errorf("failed to get definition: %w", mapPostgresError(err))
	}

	return def, nil
}

// Update updates name, image, port and active flag.
func (s *DefinitionStore) Update(ctx context.Context, def *models.Definition) error {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	def.UpdatedAt = time.Now().UTC()

	query := `
		UPDATE definitions SET
			name = $2,
			image = $3,
			internal_port = $4,
			is_active = $5,
			updated_at = $6
		WHERE id = $1
		RETURNING kind, is_default, created_at
	`

	var kind string
	err := s.pool.QueryRow(ctx, query,
		def.ID,
		def.Name,
		def.Image,
		def.InternalPort,
		def.IsActive,
		def.UpdatedAt,
	).Scan(&kind, &def.IsDefault, &def.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ErrDefinitionNotFound
		}
		return fmt.Errorf("failed to update definition: %w", mapPostgresError(err))
	}

	def.Kind = models.DefinitionKind(kind)

	return nil
}

// Delete removes a definition. Returns store.ErrDefinitionInUse while tenants reference it.
func (s *DefinitionStore) Delete(ctx context.Context, id uuid.UUID) error {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	result, err := s.pool.Exec(ctx, `DELETE FROM definitions WHERE id = $1`, id)
	if err != nil {
		if isForeignKeyViolation(err) {
			return store.ErrDefinitionInUse
		}
		return fmt.Errorf("failed to delete definition: %w", mapPostgresError(err))
	}

	if result.RowsAffected() == 0 {
		return store.ErrDefinitionNotFound
	}

	return nil
}

// List returns the definitions of kind ordered by name.
func (s *DefinitionStore) List(ctx context.Context, kind models.DefinitionKind) ([]*models.Definition, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	rows, err := s.pool.Query(ctx, `SELECT `+definitionColumns+` FROM definitions WHERE kind = $1 ORDER BY name`, string(kind))
	if err != nil {
		return nil, fmt.Errorf("failed to list definitions: %w", mapPostgresError(err))
	}
	defer rows.Close()

	var defs []*models.Definition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan definition: %w", err)
		}
		defs = append(defs, def)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating definitions: %w", err)
	}

	return defs, nil
}

// GetDefault returns the default definition of kind.
func (s *DefinitionStore) GetDefault(ctx context.Context, kind models.DefinitionKind) (*models.Definition, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	def, err := scanDefinition(s.pool.QueryRow(ctx,
		`SELECT `+definitionColumns+` FROM definitions WHERE kind = $1 AND is_default`, string(kind)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNoDefaultDefinition
		}
		return nil, fmt.Errorf("failed to get default definition: %w", mapPostgresError(err))
	}

	return def, nil
}

// SetDefault clears the current default of kind and marks id in one
// transaction. A transaction scoped advisory lock per kind serialises
// concurrent callers so the partial unique index never rejects a valid switch.
func (s *DefinitionStore) SetDefault(ctx context.Context, kind models.DefinitionKind, id uuid.UUID) error {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback is safe to call after commit

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext('definitions_default_' || $1))`, string(kind)); err != nil {
		return fmt.Errorf("failed to lock default: %w", mapPostgresError(err))
	}

	now := time.Now().UTC()

	if _, err := tx.Exec(ctx,
		`UPDATE definitions SET is_default = FALSE, updated_at = $2 WHERE kind = $1 AND is_default AND id <> $3`,
		string(kind), now, id); err != nil {
		return fmt.Errorf("failed to clear default: %w", mapPostgresError(err))
	}

	result, err := tx.Exec(ctx,
		`UPDATE definitions SET is_default = TRUE, updated_at = $3 WHERE id = $1 AND kind = $2`,
		id, string(kind), now)
	if err != nil {
		return fmt.Errorf("failed to set default: %w", mapPostgresError(err))
	}
	if result.RowsAffected() == 0 {
		return store.ErrDefinitionNotFound
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit default change: %w", mapPostgresError(err))
	}

	log.Info().
		Str("kind", string(kind)).
		Str("definition_id", id.String()).
		Msg("Changed default definition")

	return nil
}

func scanDefinition(row pgx.Row) (*models.Definition, error) {
	var (
		def  models.Definition
		kind string
	)

	err := row.Scan(
		&def.ID,
		&kind,
		&def.Name,
		&def.Image,
		&def.InternalPort,
		&def.IsActive,
		&def.IsDefault,
		&def.CreatedAt,
		&def.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	def.Kind = models.DefinitionKind(kind)

	return &def, nil
}
