package routing

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/storefleet/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	tenantFilePrefix = "store_"
	platformFile     = "platform"
	reloadKey        = "nginx"
)

// TenantFileName is the config file name, without extension, of a tenant.
func TenantFileName(tenantID uuid.UUID) string {
	return tenantFilePrefix + tenantID.String()
}

// Reconciler keeps the proxy configuration in line with tenant state and
// reloads the proxy, coalescing bursts of reloads.
type Reconciler struct {
	cfg       Config
	gen       *Generator
	files     *FileManager
	coalescer *Coalescer
	reloader  Reloader

	// platformMu serializes rendering and writing of the shared platform file
	platformMu sync.Mutex
}

// NewReconciler creates a reconciler. clk drives the reload cooldown.
func NewReconciler(cfg Config, reloader Reloader, clk clock.Clock) (*Reconciler, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid routing config: %w", err)
	}

	gen, err := NewGenerator(cfg)
	if err != nil {
		return nil, err
	}

	files, err := NewFileManager(cfg.AvailableDir, cfg.EnabledDir)
	if err != nil {
		return nil, err
	}

	return &Reconciler{
		cfg:       cfg,
		gen:       gen,
		files:     files,
		coalescer: NewCoalescer(clk, cfg.ReloadCooldown),
		reloader:  reloader,
	}, nil
}

// Generator returns the config generator.
func (r *Reconciler) Generator() *Generator { return r.gen }

// Files returns the file manager.
func (r *Reconciler) Files() *FileManager { return r.files }

// UpdateTenant writes the custom domain config of an active tenant with
// domains. A tenant that is inactive or has no domains has its file removed
// and falls back to slug routing on the primary domain.
func (r *Reconciler) UpdateTenant(ctx context.Context, route TenantRoute) (bool, error) {
	if route.Tenant == nil {
		return false, fmt.Errorf("%w: no tenant", ErrInvalidRoute)
	}
	if !route.Tenant.IsActive || len(route.Tenant.Domains) == 0 {
		return r.RemoveTenant(ctx, route.Tenant.ID)
	}

	content, err := r.gen.TenantConfig(route)
	if err != nil {
		return false, err
	}

	changed, err := r.files.Apply(TenantFileName(route.Tenant.ID), content)
	if err != nil {
		return changed, fmt.Errorf("failed to write tenant route: %w", err)
	}
	r.changed(ctx, changed, "tenant", route.Tenant.ID.String())

	return changed, nil
}

// RemoveTenant deletes the custom domain config of a tenant. Removing a
// tenant that has no file is not an error.
func (r *Reconciler) RemoveTenant(ctx context.Context, tenantID uuid.UUID) (bool, error) {
	changed, err := r.files.Remove(TenantFileName(tenantID))
	if err != nil {
		return changed, fmt.Errorf("failed to remove tenant route: %w", err)
	}
	r.changed(ctx, changed, "tenant", tenantID.String())
	return changed, nil
}

// UpdatePlatform rewrites the aggregated config of the primary domain from
// routes. Inactive tenants get no slug location.
func (r *Reconciler) UpdatePlatform(ctx context.Context, routes []TenantRoute) (bool, error) {
	r.platformMu.Lock()
	defer r.platformMu.Unlock()

	content, err := r.gen.PlatformConfig(routes, r.cfg.GlobalApps)
	if err != nil {
		return false, err
	}

	changed, err := r.files.Apply(platformFile, content)
	if err != nil {
		return changed, fmt.Errorf("failed to write platform routes: %w", err)
	}
	r.changed(ctx, changed, "platform", platformFile)

	return changed, nil
}

// TenantFiles returns the ids of tenants that currently have a config file.
func (r *Reconciler) TenantFiles() ([]uuid.UUID, error) {
	names, err := r.files.List(tenantFilePrefix)
	if err != nil {
		return nil, err
	}

	ids := make([]uuid.UUID, 0, len(names))
	for _, name := range names {
		id, err := uuid.Parse(strings.TrimPrefix(name, tenantFilePrefix))
		if err != nil {
			log.Warn().Str("file", name).Msg("Ignoring unmanaged tenant config file")
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// TenantFileModTime returns when the tenant's config file was last written.
func (r *Reconciler) TenantFileModTime(tenantID uuid.UUID) (time.Time, error) {
	return r.files.ModTime(TenantFileName(tenantID))
}

// RequestReload asks for a proxy reload through the coalescer.
func (r *Reconciler) RequestReload() {
	r.coalescer.Trigger(reloadKey, r.reload)
}

// Close drops any pending trailing reload.
func (r *Reconciler) Close() {
	r.coalescer.Stop()
}

// Flush runs a pending trailing reload immediately. Short lived processes
// call it before exiting so the last change is not lost.
func (r *Reconciler) Flush() {
	r.coalescer.Flush()
}

func (r *Reconciler) changed(ctx context.Context, changed bool, kind, name string) {
	if !changed {
		return
	}
	telemetry.GetMetrics().RouteWritesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
	log.Info().Str("kind", kind).Str("name", name).Msg("Proxy config changed")
	r.RequestReload()
}

func (r *Reconciler) reload() {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.ReloadTimeout)
	defer cancel()

	metrics := telemetry.GetMetrics()
	if err := r.reloader.Reload(ctx); err != nil {
		metrics.ReloadFailuresTotal.Add(ctx, 1)
		log.Error().Err(err).Msg("Proxy reload failed")
		return
	}
	metrics.ReloadsTotal.Add(ctx, 1)
	log.Debug().Msg("Proxy reloaded")
}
