// Package provision creates and removes the OS user, storage directory,
// database role and database owned by each tenant.
package provision

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/storefleet/internal/result"
	"github.com/wolfeidau/storefleet/internal/shell"
)

// Exit codes from shadow-utils that mean the desired state already holds.
const (
	exitNameInUse   = 9 // groupadd, useradd
	exitUnknownName = 6 // groupdel, userdel
)

// ErrUnsafePath guards rm -rf against paths outside the volume root.
var ErrUnsafePath = errors.New("storage path outside volume root")

// Provisioner implements tenant resource provisioning on the host and the
// shared database server.
type Provisioner struct {
	db     *sql.DB
	runner shell.Runner
	cfg    Config
}

// New creates a provisioner. db must be connected as a role allowed to
// create roles and databases.
func New(db *sql.DB, runner shell.Runner, cfg Config) (*Provisioner, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid provision config: %w", err)
	}
	return &Provisioner{db: db, runner: runner, cfg: cfg}, nil
}

// OpenDB opens the administrative database connection used for role and
// database management.
func OpenDB(ctx context.Context, dsn string, timeout time.Duration) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open admin database: %w", err)
	}
	db.SetMaxOpenConns(2)
	db.SetConnMaxIdleTime(time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping admin database: %w", err)
	}
	return db, nil
}

// Record returns the derived identities for tenantID without touching anything.
func (p *Provisioner) Record(tenantID uuid.UUID) Record {
	return Derive(tenantID, p.cfg.VolumeRoot)
}

// Provision creates every tenant resource in order, stopping at the first
// failure. Each step tolerates the resource already existing so the whole
// operation can be retried.
func (p *Provisioner) Provision(ctx context.Context, tenantID uuid.UUID) *result.Result[Record] {
	rec := p.Record(tenantID)
	res := result.New[Record]()
	res.Value = rec

	logger := log.With().Str("tenant_id", tenantID.String()).Logger()

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"groupadd", func(ctx context.Context) error {
			return p.tolerate(ctx, exitNameInUse, "groupadd", rec.Group)
		}},
		{"useradd", func(ctx context.Context) error {
			return p.tolerate(ctx, exitNameInUse, "useradd", "--no-create-home", "--shell", p.cfg.Shell, "--gid", rec.Group, rec.User)
		}},
		{"mkdir", func(ctx context.Context) error {
			return p.run(ctx, "mkdir", "-p", rec.StoragePath)
		}},
		{"chown", func(ctx context.Context) error {
			return p.run(ctx, "chown", "-R", rec.User+":"+rec.Group, rec.StoragePath)
		}},
		{"chmod", func(ctx context.Context) error {
			return p.run(ctx, "chmod", "-R", p.cfg.DirMode, rec.StoragePath)
		}},
		{"db_probe", p.probe},
		{"create_role", func(ctx context.Context) error {
			stmt := fmt.Sprintf("CREATE ROLE %s LOGIN PASSWORD %s", pq.QuoteIdentifier(rec.Role), pq.QuoteLiteral(rec.Password))
			return p.exec(ctx, stmt, pgerrcode.DuplicateObject)
		}},
		{"create_database", func(ctx context.Context) error {
			stmt := fmt.Sprintf("CREATE DATABASE %s OWNER %s", pq.QuoteIdentifier(rec.Database), pq.QuoteIdentifier(rec.Role))
			return p.exec(ctx, stmt, pgerrcode.DuplicateDatabase)
		}},
	}

	for _, step := range steps {
		if err := res.Run(step.name, func() error { return step.fn(ctx) }); err != nil {
			logger.Error().Err(err).Str("step", step.name).Msg("Provisioning failed")
			return res
		}
	}

	logger.Info().
		Str("user", rec.User).
		Str("database", rec.Database).
		Str("path", rec.StoragePath).
		Msg("Provisioned tenant resources")

	return res
}

// Deprovision removes every tenant resource in reverse order. Every step
// runs even when earlier ones fail; the failures are collected in the result.
func (p *Provisioner) Deprovision(ctx context.Context, tenantID uuid.UUID) *result.Result[Record] {
	rec := p.Record(tenantID)
	res := result.New[Record]()
	res.Value = rec

	logger := log.With().Str("tenant_id", tenantID.String()).Logger()

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"terminate_connections", func(ctx context.Context) error {
			return p.execArgs(ctx,
				`SELECT pg_terminate_backend(pid) FROM pg_stat_activity WHERE datname = $1 AND pid <> pg_backend_pid()`,
				rec.Database)
		}},
		{"drop_database", func(ctx context.Context) error {
			return p.exec(ctx, "DROP DATABASE IF EXISTS "+pq.QuoteIdentifier(rec.Database))
		}},
		{"drop_role", func(ctx context.Context) error {
			return p.exec(ctx, "DROP ROLE IF EXISTS "+pq.QuoteIdentifier(rec.Role))
		}},
		{"remove_storage", func(ctx context.Context) error {
			if err := p.checkStoragePath(rec.StoragePath); err != nil {
				return err
			}
			return p.run(ctx, "rm", "-rf", rec.StoragePath)
		}},
		{"userdel", func(ctx context.Context) error {
			return p.tolerate(ctx, exitUnknownName, "userdel", rec.User)
		}},
		{"groupdel", func(ctx context.Context) error {
			return p.tolerate(ctx, exitUnknownName, "groupdel", rec.Group)
		}},
	}

	for _, step := range steps {
		if err := res.Run(step.name, func() error { return step.fn(ctx) }); err != nil {
			logger.Warn().Err(err).Str("step", step.name).Msg("Deprovision step failed, continuing")
		}
	}

	if res.OK {
		logger.Info().Msg("Deprovisioned tenant resources")
	}

	return res
}

func (p *Provisioner) checkStoragePath(path string) error {
	root := filepath.Clean(p.cfg.VolumeRoot) + string(filepath.Separator)
	clean := filepath.Clean(path)
	if !strings.HasPrefix(clean, root) || len(clean) <= len(root) {
		return fmt.Errorf("%w: %s", ErrUnsafePath, path)
	}
	return nil
}

// probe waits for the database server to accept connections.
func (p *Provisioner) probe(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 5 * time.Second

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		pingCtx, cancel := context.WithTimeout(ctx, p.cfg.StepTimeout)
		defer cancel()
		return struct{}{}, p.db.PingContext(pingCtx)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(p.cfg.ProbeTimeout),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Debug().Err(err).Dur("retry_in", next).Msg("Database not reachable yet")
		}),
	)
	if err != nil {
		return fmt.Errorf("database unreachable: %w", err)
	}
	return nil
}

// exec runs a DDL statement. Errors whose SQLSTATE is in ok are treated as success.
func (p *Provisioner) exec(ctx context.Context, stmt string, ok ...string) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.StepTimeout)
	defer cancel()

	if _, err := p.db.ExecContext(ctx, stmt); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) {
			for _, code := range ok {
				if string(pqErr.Code) == code {
					log.Debug().Str("code", code).Msg("Database object already exists")
					return nil
				}
			}
		}
		return fmt.Errorf("%s: %w", firstWords(stmt, 2), err)
	}
	return nil
}

func (p *Provisioner) execArgs(ctx context.Context, stmt string, args ...any) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.StepTimeout)
	defer cancel()

	if _, err := p.db.ExecContext(ctx, stmt, args...); err != nil {
		return fmt.Errorf("terminate backends: %w", err)
	}
	return nil
}

func (p *Provisioner) run(ctx context.Context, name string, args ...string) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.StepTimeout)
	defer cancel()

	_, err := p.runner.Run(ctx, name, args...)
	return err
}

// tolerate runs a command treating exit code okCode as success.
func (p *Provisioner) tolerate(ctx context.Context, okCode int, name string, args ...string) error {
	err := p.run(ctx, name, args...)
	if err != nil && shell.ExitCode(err) == okCode {
		log.Debug().Str("command", name).Int("exit_code", okCode).Msg("Command reported desired state already holds")
		return nil
	}
	return err
}

func firstWords(s string, n int) string {
	fields := strings.Fields(s)
	if len(fields) > n {
		fields = fields[:n]
	}
	return strings.Join(fields, " ")
}
