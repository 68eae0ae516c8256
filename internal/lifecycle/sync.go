package lifecycle

import (
	"context"
	"errors"
	"io/fs"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/storefleet/internal/models"
	"github.com/wolfeidau/storefleet/internal/result"
	"github.com/wolfeidau/storefleet/internal/store"
	"golang.org/x/sync/errgroup"
)

// GetTenant returns a tenant by id.
func (o *Orchestrator) GetTenant(ctx context.Context, id uuid.UUID) (*models.Tenant, error) {
	return o.Tenants.Get(ctx, id)
}

// ListTenants returns every tenant ordered by name.
func (o *Orchestrator) ListTenants(ctx context.Context) ([]*models.Tenant, error) {
	return o.Tenants.List(ctx)
}

// SyncRoutes regenerates every tenant file and the platform file from the
// store and removes files of tenants that no longer exist. The value is the
// number of tenants routed.
func (o *Orchestrator) SyncRoutes(ctx context.Context) *result.Result[int] {
	start := time.Now()
	res := result.New[int]()
	defer o.track(ctx, "sync_routes", uuid.Nil, start, res)

	listedAt := time.Now()

	var tenants []*models.Tenant
	if err := step(ctx, o, res, "list", func(ctx context.Context) (err error) {
		tenants, err = o.Tenants.List(ctx)
		return err
	}); err != nil {
		return res
	}

	var (
		g      errgroup.Group
		mu     sync.Mutex
		routed int
	)
	g.SetLimit(o.cfg.RolloutConcurrency)

	for _, t := range tenants {
		g.Go(func() error {
			err := o.syncTenant(ctx, t.ID)

			mu.Lock()
			defer mu.Unlock()
			if res.Record("route_tenant."+t.Name, err) == nil {
				routed++
			}
			return nil
		})
	}
	_ = g.Wait()

	known := make(map[uuid.UUID]bool, len(tenants))
	for _, t := range tenants {
		known[t.ID] = true
	}

	var files []uuid.UUID
	if err := res.Run("list_files", func() (err error) {
		files, err = o.Router.TenantFiles()
		return err
	}); err == nil {
		for _, id := range files {
			if known[id] {
				continue
			}
			_ = step(ctx, o, res, "remove_orphan."+id.String(), func(ctx context.Context) error {
				return o.removeOrphan(ctx, id, listedAt)
			})
		}
	}

	_ = step(ctx, o, res, "route_platform", func(ctx context.Context) error {
		return o.refreshPlatform(ctx, nil)
	})

	res.Value = routed
	return res
}

func (o *Orchestrator) syncTenant(ctx context.Context, id uuid.UUID) error {
	unlock, err := o.lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(ctx, o.cfg.StepTimeout)
	defer cancel()

	t, err := o.Tenants.Get(ctx, id)
	if errors.Is(err, store.ErrTenantNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return o.updateTenantRoute(ctx, t)
}

// removeOrphan deletes the routing of a tenant missing from the listing. The
// store is checked again under the tenant lock, and a file written after the
// listing is left for the next sync, so a tenant created meanwhile keeps its
// routing.
func (o *Orchestrator) removeOrphan(ctx context.Context, id uuid.UUID, listedAt time.Time) error {
	unlock, err := o.lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	_, err = o.Tenants.Get(ctx, id)
	switch {
	case err == nil:
		return nil
	case !errors.Is(err, store.ErrTenantNotFound):
		return err
	}

	modTime, err := o.Router.TenantFileModTime(id)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil
	case err != nil:
		return err
	case modTime.After(listedAt):
		log.Info().Str("tenant_id", id.String()).Msg("Keeping tenant routing written during the sync")
		return nil
	}

	_, err = o.Router.RemoveTenant(ctx, id)
	return err
}

// WarmChannels opens the messaging channel of every active, running tenant so
// their outbound queues are consumed after a restart. The value is the number
// of channels opened.
func (o *Orchestrator) WarmChannels(ctx context.Context) *result.Result[int] {
	res := result.New[int]()

	var tenants []*models.Tenant
	if err := step(ctx, o, res, "list", func(ctx context.Context) (err error) {
		tenants, err = o.Tenants.List(ctx)
		return err
	}); err != nil {
		return res
	}

	for _, t := range tenants {
		if !t.IsActive || !t.IsRunning {
			continue
		}
		if err := step(ctx, o, res, "ensure_channel."+t.Name, func(ctx context.Context) error {
			return o.Messenger.EnsureChannel(ctx, t.ID)
		}); err == nil {
			res.Value++
		}
	}

	log.Info().Int("channels", res.Value).Msg("Messaging channels warmed")
	return res
}
