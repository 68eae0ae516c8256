package postgres

import (
	"errors"
	"fmt"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/wolfeidau/storefleet/internal/result"
	"github.com/wolfeidau/storefleet/internal/store"
)

// Constraint names from the migrations.
const (
	constraintTenantsPK         = "tenants_pkey"
	constraintTenantsName       = "tenants_name_key"
	constraintTenantsBaseID     = "tenants_base_id_key"
	constraintDefinitionsPK     = "definitions_pkey"
	constraintDefinitionsName   = "definitions_kind_name_key"
	constraintTenantsThemeFK    = "tenants_theme_id_fkey"
	constraintTenantsAPIFK      = "tenants_api_id_fkey"
	constraintOneDefaultPerKind = "definitions_one_default_per_kind"
)

// mapPostgresError translates constraint and transaction failures into store
// sentinels and result kinds. Anything else is returned unchanged.
func mapPostgresError(err error) error {
	pgErr, ok := asPgError(err)
	if !ok {
		return err
	}

	switch pgErr.Code {
	case pgerrcode.UniqueViolation:
		switch pgErr.ConstraintName {
		case constraintTenantsPK, constraintTenantsName, constraintTenantsBaseID:
			return store.ErrTenantAlreadyExists
		case constraintDefinitionsPK, constraintDefinitionsName:
			return store.ErrDefinitionAlreadyExists
		case constraintOneDefaultPerKind:
			return fmt.Errorf("%w: concurrent default change", result.ErrConflict)
		}
		return fmt.Errorf("%w: %s", result.ErrAlreadyExists, pgErr.ConstraintName)

	case pgerrcode.ForeignKeyViolation:
		switch pgErr.ConstraintName {
		case constraintTenantsThemeFK, constraintTenantsAPIFK:
			return fmt.Errorf("%w: %s", store.ErrDefinitionNotFound, pgErr.Detail)
		}
		return fmt.Errorf("foreign key violation %s: %w", pgErr.ConstraintName, err)

	case pgerrcode.SerializationFailure, pgerrcode.DeadlockDetected, pgerrcode.LockNotAvailable:
		return fmt.Errorf("%w: %s", result.ErrConflict, pgErr.Message)

	case pgerrcode.CheckViolation:
		return fmt.Errorf("check constraint %s: %w", pgErr.ConstraintName, err)
	}

	if pgerrcode.IsConnectionException(pgErr.Code) {
		return fmt.Errorf("database connection error: %w", err)
	}
	return fmt.Errorf("postgres error [%s] %s: %w", pgErr.Code, pgErr.Message, err)
}

func asPgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if err == nil || !errors.As(err, &pgErr) {
		return nil, false
	}
	return pgErr, true
}

func isForeignKeyViolation(err error) bool {
	pgErr, ok := asPgError(err)
	return ok && pgErr.Code == pgerrcode.ForeignKeyViolation
}
