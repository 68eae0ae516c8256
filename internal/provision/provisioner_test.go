package provision

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/storefleet/internal/result"
	"github.com/wolfeidau/storefleet/internal/shell/shelltest"
)

var tenantID = uuid.MustParse("3f2a9c1e-7b4d-4e21-9a0f-5c6d7e8f9a0b")

func newProvisioner(t *testing.T, runner *shelltest.Runner) (*Provisioner, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New(
		sqlmock.MonitorPingsOption(true),
		sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	p, err := New(db, runner, Config{
		VolumeRoot:   "/srv/tenants",
		StepTimeout:  time.Second,
		ProbeTimeout: 300 * time.Millisecond,
	})
	require.NoError(t, err)

	return p, mock
}

func TestDerive(t *testing.T) {
	rec := Derive(tenantID, "/srv/tenants")
	require.Equal(t, Record{
		TenantID:    tenantID,
		User:        "u_3f2a9c1e",
		Group:       "g_3f2a9c1e",
		Database:    "db_3f2a9c1e",
		Role:        "u_3f2a9c1e",
		Password:    "w_3f2a9c1e",
		StoragePath: "/srv/tenants/3f2a9c1e-7b4d-4e21-9a0f-5c6d7e8f9a0b",
	}, rec)
}

func TestProvision(t *testing.T) {
	ctx := context.Background()

	t.Run("creates everything and tolerates existing objects", func(t *testing.T) {
		runner := shelltest.NewRunner().
			On("groupadd", shelltest.Response{Code: 9, Output: "group 'g_3f2a9c1e' already exists"})
		p, mock := newProvisioner(t, runner)

		mock.ExpectPing()
		mock.ExpectExec(`CREATE ROLE "u_3f2a9c1e" LOGIN PASSWORD 'w_3f2a9c1e'`).
			WillReturnError(&pq.Error{Code: "42710", Message: "role already exists"})
		mock.ExpectExec(`CREATE DATABASE "db_3f2a9c1e" OWNER "u_3f2a9c1e"`).
			WillReturnResult(sqlmock.NewResult(0, 0))

		res := p.Provision(ctx, tenantID)
		require.True(t, res.OK, res.Err())
		require.Equal(t, "db_3f2a9c1e", res.Value.Database)
		require.Equal(t, []string{
			"groupadd", "useradd", "mkdir", "chown", "chmod", "db_probe", "create_role", "create_database",
		}, res.StepNames())

		require.Equal(t, []string{
			"groupadd g_3f2a9c1e",
			"useradd --no-create-home --shell /usr/sbin/nologin --gid g_3f2a9c1e u_3f2a9c1e",
			"mkdir -p /srv/tenants/3f2a9c1e-7b4d-4e21-9a0f-5c6d7e8f9a0b",
			"chown -R u_3f2a9c1e:g_3f2a9c1e /srv/tenants/3f2a9c1e-7b4d-4e21-9a0f-5c6d7e8f9a0b",
			"chmod -R 0750 /srv/tenants/3f2a9c1e-7b4d-4e21-9a0f-5c6d7e8f9a0b",
		}, runner.Calls())

		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("duplicate database is success", func(t *testing.T) {
		p, mock := newProvisioner(t, shelltest.NewRunner())

		mock.ExpectPing()
		mock.ExpectExec(`CREATE ROLE "u_3f2a9c1e" LOGIN PASSWORD 'w_3f2a9c1e'`).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec(`CREATE DATABASE "db_3f2a9c1e" OWNER "u_3f2a9c1e"`).
			WillReturnError(&pq.Error{Code: "42P04"})

		res := p.Provision(ctx, tenantID)
		require.True(t, res.OK, res.Err())
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("stops at first failure", func(t *testing.T) {
		runner := shelltest.NewRunner().
			On("useradd", shelltest.Response{Code: 1, Output: "cannot lock /etc/passwd"})
		p, mock := newProvisioner(t, runner)

		res := p.Provision(ctx, tenantID)
		require.False(t, res.OK)
		require.Equal(t, []string{"groupadd", "useradd"}, res.StepNames())
		require.Contains(t, res.Err().Error(), "cannot lock")
		require.Equal(t, 0, runner.Count("mkdir"))
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unreachable database", func(t *testing.T) {
		p, mock := newProvisioner(t, shelltest.NewRunner())

		for range 10 {
			mock.ExpectPing().WillReturnError(errors.New("connection refused"))
		}

		res := p.Provision(ctx, tenantID)
		require.False(t, res.OK)
		require.Equal(t, "db_probe", res.Steps[len(res.Steps)-1].Name)
		require.ErrorContains(t, res.Err(), "database unreachable")
	})
}

func TestDeprovision(t *testing.T) {
	ctx := context.Background()

	t.Run("continues past failures", func(t *testing.T) {
		runner := shelltest.NewRunner().
			On("userdel", shelltest.Response{Code: 8, Output: "user u_3f2a9c1e is currently used by process 42"}).
			On("groupdel", shelltest.Response{Code: 6})
		p, mock := newProvisioner(t, runner)

		mock.ExpectExec(`SELECT pg_terminate_backend(pid) FROM pg_stat_activity WHERE datname = $1 AND pid <> pg_backend_pid()`).
			WithArgs("db_3f2a9c1e").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(`DROP DATABASE IF EXISTS "db_3f2a9c1e"`).
			WillReturnError(errors.New("database is being accessed by other users"))
		mock.ExpectExec(`DROP ROLE IF EXISTS "u_3f2a9c1e"`).
			WillReturnResult(sqlmock.NewResult(0, 0))

		res := p.Deprovision(ctx, tenantID)
		require.False(t, res.OK)
		require.Equal(t, []string{
			"terminate_connections", "drop_database", "drop_role", "remove_storage", "userdel", "groupdel",
		}, res.StepNames())

		require.Len(t, res.Errors(), 2)
		require.Equal(t, result.KindPartialFailure, result.KindOf(res.Err()))

		require.Equal(t, 1, runner.Count("rm -rf /srv/tenants/3f2a9c1e-7b4d-4e21-9a0f-5c6d7e8f9a0b"))
		require.Equal(t, 1, runner.Count("groupdel g_3f2a9c1e"))
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("absent resources are success", func(t *testing.T) {
		runner := shelltest.NewRunner().
			On("userdel", shelltest.Response{Code: 6}).
			On("groupdel", shelltest.Response{Code: 6})
		p, mock := newProvisioner(t, runner)

		mock.ExpectExec(`SELECT pg_terminate_backend(pid) FROM pg_stat_activity WHERE datname = $1 AND pid <> pg_backend_pid()`).
			WithArgs("db_3f2a9c1e").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec(`DROP DATABASE IF EXISTS "db_3f2a9c1e"`).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec(`DROP ROLE IF EXISTS "u_3f2a9c1e"`).WillReturnResult(sqlmock.NewResult(0, 0))

		res := p.Deprovision(ctx, tenantID)
		require.True(t, res.OK, res.Err())
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestCheckStoragePath(t *testing.T) {
	p, _ := newProvisioner(t, shelltest.NewRunner())

	require.NoError(t, p.checkStoragePath("/srv/tenants/abc"))
	require.ErrorIs(t, p.checkStoragePath("/srv/tenants"), ErrUnsafePath)
	require.ErrorIs(t, p.checkStoragePath("/srv/tenants/../etc"), ErrUnsafePath)
	require.ErrorIs(t, p.checkStoragePath("/srv/tenantsX/abc"), ErrUnsafePath)
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{VolumeRoot: "relative"}
	require.Error(t, cfg.Validate())

	cfg = Config{VolumeRoot: "/"}
	require.Error(t, cfg.Validate())

	cfg = Config{VolumeRoot: "/srv/tenants"}
	cfg.ApplyDefaults()
	require.NoError(t, cfg.Validate())
	require.Equal(t, "0750", cfg.DirMode)
}
