package postgres

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/storefleet/internal/result"
	"github.com/wolfeidau/storefleet/internal/store"
)

func TestMapPostgresError(t *testing.T) {
	pgErr := func(code, constraint string) error {
		return fmt.Errorf("exec: %w", &pgconn.PgError{Code: code, ConstraintName: constraint, Message: "boom"})
	}

	require.NoError(t, mapPostgresError(nil))

	plain := errors.New("plain")
	require.Equal(t, plain, mapPostgresError(plain))

	require.ErrorIs(t, mapPostgresError(pgErr(pgerrcode.UniqueViolation, constraintTenantsName)), store.ErrTenantAlreadyExists)
	require.ErrorIs(t, mapPostgresError(pgErr(pgerrcode.UniqueViolation, constraintTenantsBaseID)), store.ErrTenantAlreadyExists)
	require.ErrorIs(t, mapPostgresError(pgErr(pgerrcode.UniqueViolation, constraintDefinitionsName)), store.ErrDefinitionAlreadyExists)
	require.ErrorIs(t, mapPostgresError(pgErr(pgerrcode.UniqueViolation, constraintOneDefaultPerKind)), result.ErrConflict)
	require.ErrorIs(t, mapPostgresError(pgErr(pgerrcode.ForeignKeyViolation, constraintTenantsAPIFK)), store.ErrDefinitionNotFound)
	require.ErrorIs(t, mapPostgresError(pgErr(pgerrcode.SerializationFailure, "")), result.ErrConflict)

	err := mapPostgresError(pgErr(pgerrcode.AdminShutdown, ""))
	require.Equal(t, result.KindFatal, result.KindOf(err))
	require.ErrorContains(t, err, pgerrcode.AdminShutdown)

	require.True(t, isForeignKeyViolation(pgErr(pgerrcode.ForeignKeyViolation, constraintTenantsThemeFK)))
	require.False(t, isForeignKeyViolation(plain))
}
