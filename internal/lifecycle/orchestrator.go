// Package lifecycle turns tenant intents into coordinated changes across the
// container orchestrator, OS and database provisioning, proxy routing and
// tenant messaging. There is no cross system transaction: creation
// compensates in reverse on failure while deletion sweeps forward past
// failures.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strconv"
	"sync"
	"time"

	"github.com/docker/docker/api/types/mount"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/storefleet/internal/messaging"
	"github.com/wolfeidau/storefleet/internal/models"
	"github.com/wolfeidau/storefleet/internal/result"
	"github.com/wolfeidau/storefleet/internal/routing"
	"github.com/wolfeidau/storefleet/internal/store"
	"github.com/wolfeidau/storefleet/internal/swarm"
	"github.com/wolfeidau/storefleet/internal/syncmap"
	"github.com/wolfeidau/storefleet/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	labelTenantID = "storefleet.tenant_id"
	maxIDAttempts = 5
)

// Orchestrator runs tenant workflows. Operations on the same tenant are
// serialized, across processes when a Locker is configured; operations on
// different tenants run concurrently.
type Orchestrator struct {
	Deps
	cfg Config

	locks syncmap.Locks[uuid.UUID]
	newID func() uuid.UUID

	// platformMu covers listing tenants and writing the platform file so a
	// stale listing never overwrites a newer one
	platformMu sync.Mutex

	// catalogMu serializes definition writes
	catalogMu sync.Mutex
}

// New creates an orchestrator.
func New(deps Deps, cfg Config) (*Orchestrator, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid lifecycle config: %w", err)
	}
	return &Orchestrator{Deps: deps, cfg: cfg, newID: uuid.New}, nil
}

// lock serializes work on one tenant.
func (o *Orchestrator) lock(ctx context.Context, id uuid.UUID) (func(), error) {
	unlock := o.locks.Lock(id)
	if o.Locker == nil {
		return unlock, nil
	}

	ctx, cancel := context.WithTimeout(ctx, o.cfg.StepTimeout)
	defer cancel()

	release, err := o.Locker.LockTenant(ctx, id)
	if err != nil {
		unlock()
		return nil, fmt.Errorf("failed to lock tenant %s: %w", id, err)
	}
	return func() {
		release()
		unlock()
	}, nil
}

// allocateID returns a new tenant id whose base id, and so every OS and
// database name derived from it, is not used by another tenant.
func (o *Orchestrator) allocateID(ctx context.Context) (uuid.UUID, error) {
	for range maxIDAttempts {
		id := o.newID()
		_, err := o.Tenants.GetByBaseID(ctx, models.BaseID(id))
		switch {
		case errors.Is(err, store.ErrTenantNotFound):
			return id, nil
		case err != nil:
			return uuid.Nil, err
		}
		log.Warn().Str("base_id", models.BaseID(id)).Msg("Base id already taken, generating another tenant id")
	}
	return uuid.Nil, fmt.Errorf("%w: no free base id after %d attempts", result.ErrConflict, maxIDAttempts)
}

// apiDescriptor builds the service descriptor of a tenant's API.
func (o *Orchestrator) apiDescriptor(t *models.Tenant, api *models.Definition, replicas uint64) swarm.Descriptor {
	rec := o.Provisioner.Record(t.ID)

	env := maps.Clone(o.cfg.Env)
	if env == nil {
		env = make(map[string]string)
	}
	maps.Copy(env, map[string]string{
		"TENANT_ID":      t.ID.String(),
		"TENANT_NAME":    t.Name,
		"PORT":           strconv.Itoa(api.InternalPort),
		"DB_NAME":        rec.Database,
		"DB_USER":        rec.Role,
		"DB_PASSWORD":    rec.Password,
		"STORAGE_PATH":   o.cfg.DataMountTarget,
		"INBOUND_QUEUE":  messaging.InboundQueue(t.ID),
		"OUTBOUND_QUEUE": messaging.OutboundQueue(t.ID),
	})

	return swarm.Descriptor{
		Name:     models.APIServiceName(t.ID),
		Image:    api.Image,
		Env:      env,
		Replicas: replicas,
		Tier:     t.Tier,
		Port:     api.InternalPort,
		Labels:   map[string]string{labelTenantID: t.ID.String()},
		Mounts: []mount.Mount{{
			Type:   mount.TypeBind,
			Source: rec.StoragePath,
			Target: o.cfg.DataMountTarget,
		}},
	}
}

// themeDescriptor builds the descriptor of a shared theme service. Theme
// services learn which API to call per request from the routing headers.
// ThemeReplicas applies on create; a service scaled since keeps its count.
func (o *Orchestrator) themeDescriptor(theme *models.Definition) swarm.Descriptor {
	return swarm.Descriptor{
		Name:         models.ThemeServiceName(theme.ID),
		Image:        theme.Image,
		Env:          map[string]string{"PORT": strconv.Itoa(theme.InternalPort)},
		Replicas:     o.cfg.ThemeReplicas,
		Tier:         o.cfg.ThemeTier,
		Port:         theme.InternalPort,
		KeepReplicas: true,
	}
}

// definitions resolves the API and optional theme of a tenant.
func (o *Orchestrator) definitions(ctx context.Context, t *models.Tenant) (theme, api *models.Definition, err error) {
	api, err = o.Definitions.Get(ctx, t.APIID)
	if err != nil {
		return nil, nil, fmt.Errorf("api definition: %w", err)
	}
	if t.ThemeID != nil {
		theme, err = o.Definitions.Get(ctx, *t.ThemeID)
		if err != nil {
			return nil, nil, fmt.Errorf("theme definition: %w", err)
		}
	}
	return theme, api, nil
}

// activeDefinition loads id and checks it is an active definition of kind.
func (o *Orchestrator) activeDefinition(ctx context.Context, kind models.DefinitionKind, id uuid.UUID) (*models.Definition, error) {
	def, err := o.Definitions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if def.Kind != kind {
		return nil, fmt.Errorf("%w: %s is a %s", ErrWrongKind, id, def.Kind)
	}
	if !def.IsActive {
		return nil, fmt.Errorf("%w: %s", ErrDefinitionInactive, def.Name)
	}
	return def, nil
}

// route builds the routing of t, with live endpoints when weighted upstreams
// are enabled.
func (o *Orchestrator) route(ctx context.Context, t *models.Tenant) (routing.TenantRoute, error) {
	theme, api, err := o.definitions(ctx, t)
	if err != nil {
		return routing.TenantRoute{}, err
	}

	route := routing.NewRoute(t, theme, api)

	if o.cfg.WeightedUpstreams && t.IsRunning {
		endpoints, err := o.Services.ListEndpoints(ctx, route.Target.Service, route.Target.Port)
		if err != nil {
			log.Warn().Err(err).Str("service", route.Target.Service).Msg("Falling back to service name routing")
		} else {
			route.Endpoints = endpoints
		}
	}

	return route, nil
}

func (o *Orchestrator) updateTenantRoute(ctx context.Context, t *models.Tenant) error {
	route, err := o.route(ctx, t)
	if err != nil {
		return err
	}
	_, err = o.Router.UpdateTenant(ctx, route)
	return err
}

// refreshPlatform regenerates the platform file from the stored tenants with
// pending replacing (or adding) its stored version.
func (o *Orchestrator) refreshPlatform(ctx context.Context, pending *models.Tenant) error {
	return o.refreshPlatformView(ctx, func(tenants []*models.Tenant) []*models.Tenant {
		if pending == nil {
			return tenants
		}
		for i, t := range tenants {
			if t.ID == pending.ID {
				tenants[i] = pending
				return tenants
			}
		}
		return append(tenants, pending)
	})
}

// refreshPlatformWithout regenerates the platform file leaving out id.
func (o *Orchestrator) refreshPlatformWithout(ctx context.Context, id uuid.UUID) error {
	return o.refreshPlatformView(ctx, func(tenants []*models.Tenant) []*models.Tenant {
		out := tenants[:0]
		for _, t := range tenants {
			if t.ID != id {
				out = append(out, t)
			}
		}
		return out
	})
}

func (o *Orchestrator) refreshPlatformView(ctx context.Context, view func([]*models.Tenant) []*models.Tenant) error {
	o.platformMu.Lock()
	defer o.platformMu.Unlock()

	tenants, err := o.Tenants.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list tenants: %w", err)
	}
	tenants = view(tenants)

	defs := make(map[uuid.UUID]*models.Definition)
	lookup := func(id uuid.UUID) (*models.Definition, error) {
		if def, ok := defs[id]; ok {
			return def, nil
		}
		def, err := o.Definitions.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		defs[id] = def
		return def, nil
	}

	routes := make([]routing.TenantRoute, 0, len(tenants))
	for _, t := range tenants {
		api, err := lookup(t.APIID)
		if err != nil {
			log.Error().Err(err).Str("tenant_id", t.ID.String()).Msg("Skipping tenant with missing api definition")
			continue
		}
		var theme *models.Definition
		if t.ThemeID != nil {
			if theme, err = lookup(*t.ThemeID); err != nil {
				log.Error().Err(err).Str("tenant_id", t.ID.String()).Msg("Skipping tenant with missing theme definition")
				continue
			}
		}
		routes = append(routes, routing.NewRoute(t, theme, api))
	}

	_, err = o.Router.UpdatePlatform(ctx, routes)
	return err
}

// drain runs the drain handshake. A failed handshake only shortens the grace
// period so it is logged and never fails the caller's workflow.
func (o *Orchestrator) drain(ctx context.Context, t *models.Tenant) error {
	state, err := o.Messenger.Drain(ctx, t.ID, o.cfg.DrainTimeout)
	if err != nil {
		log.Warn().Err(err).Str("tenant_id", t.ID.String()).Msg("Drain failed, continuing")
		return nil
	}
	log.Info().Str("tenant_id", t.ID.String()).Str("state", string(state)).Msg("Drain finished")
	return nil
}

// step runs fn as a named step of res with its own timeout.
func step[T any](ctx context.Context, o *Orchestrator, res *result.Result[T], name string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.StepTimeout)
	defer cancel()
	return res.Run(name, func() error { return fn(ctx) })
}

// track records workflow metrics and logs the outcome.
func (o *Orchestrator) track(ctx context.Context, workflow string, tenantID uuid.UUID, start time.Time, outcome result.Outcome) {
	metrics := telemetry.GetMetrics()
	attrs := metric.WithAttributes(attribute.String("workflow", workflow))

	metrics.WorkflowsTotal.Add(ctx, 1, attrs)
	metrics.WorkflowDuration.Record(ctx, float64(time.Since(start).Milliseconds()), attrs)

	logger := log.With().Str("workflow", workflow).Str("tenant_id", tenantID.String()).Logger()
	if outcome.Succeeded() {
		logger.Info().Dur("duration", time.Since(start)).Msg("Workflow succeeded")
		return
	}

	metrics.WorkflowFailuresTotal.Add(ctx, 1, attrs)
	for _, step := range outcome.StepLog() {
		if step.Failed() {
			logger.Error().Err(step.Err).Str("step", step.Name).Msg("Workflow step failed")
		}
	}
}
