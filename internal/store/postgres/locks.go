package postgres

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/storefleet/internal/store"
)

const tenantLockPrefix = "storefleet_tenant_"

// TenantLocks implements store.TenantLocker with session level advisory
// locks. Each held lock pins one pool connection until it is released.
type TenantLocks struct {
	pool           *pgxpool.Pool
	releaseTimeout time.Duration
}

var _ store.TenantLocker = (*TenantLocks)(nil)

// NewTenantLocks creates a tenant locker on pool.
func NewTenantLocks(pool *pgxpool.Pool, releaseTimeout time.Duration) *TenantLocks {
	return &TenantLocks{pool: pool, releaseTimeout: releaseTimeout}
}

// LockTenant blocks until the advisory lock of id is held or ctx is done.
func (l *TenantLocks) LockTenant(ctx context.Context, id uuid.UUID) (func(), error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection: %w", mapPostgresError(err))
	}

	key := tenantLockPrefix + id.String()
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock(hashtextextended($1, 0))`, key); err != nil {
		// the lock may have been granted before the cancel landed, closing the
		// session is the only way to be sure it is gone
		_ = conn.Hijack().Close(context.Background())
		return nil, fmt.Errorf("failed to lock tenant: %w", mapPostgresError(err))
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), l.releaseTimeout)
			defer cancel()

			if _, err := conn.Exec(ctx, `SELECT pg_advisory_unlock(hashtextextended($1, 0))`, key); err != nil {
				log.Warn().Err(err).Str("tenant_id", id.String()).Msg("Failed to release tenant lock, closing connection")
				_ = conn.Hijack().Close(ctx)
				return
			}
			conn.Release()
		})
	}, nil
}
