package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/storefleet/internal/models"
	"github.com/wolfeidau/storefleet/internal/result"
	"github.com/wolfeidau/storefleet/internal/store"
	"github.com/wolfeidau/storefleet/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// CreateTenantRequest describes a new tenant. A nil APIID selects the default
// API definition, a nil ThemeID serves the API directly.
type CreateTenantRequest struct {
	Name     string
	ThemeID  *uuid.UUID
	APIID    *uuid.UUID
	Domains  []string
	Tier     string // default basic
	Replicas uint64 // default 1
}

// UpdateTenantRequest changes the descriptive fields of a tenant. Nil fields
// are left alone.
type UpdateTenantRequest struct {
	Name     *string
	Tier     *string
	Replicas *uint64
}

// CreateTenant records, provisions, launches and routes a new tenant. Once
// the record exists any failure removes everything created so far, in
// reverse, and the rollback steps are appended to the result.
func (o *Orchestrator) CreateTenant(ctx context.Context, req CreateTenantRequest) *result.Result[*models.Tenant] {
	start := time.Now()
	res := result.New[*models.Tenant]()

	tenant := &models.Tenant{
		Name:     req.Name,
		ThemeID:  req.ThemeID,
		Tier:     req.Tier,
		Replicas: req.Replicas,
	}
	defer func() { o.track(ctx, "create_tenant", tenant.ID, start, res) }()

	if err := res.Run("validate", func() error { return normalizeCreate(tenant, req.Domains) }); err != nil {
		return res
	}

	if err := step(ctx, o, res, "check_name", func(ctx context.Context) error {
		return o.checkName(ctx, tenant.Name, uuid.Nil)
	}); err != nil {
		return res
	}

	if err := step(ctx, o, res, "allocate_id", func(ctx context.Context) (err error) {
		tenant.ID, err = o.allocateID(ctx)
		return err
	}); err != nil {
		return res
	}

	unlock, err := o.lock(ctx, tenant.ID)
	if err != nil {
		_ = res.Record("lock", err)
		return res
	}
	defer unlock()

	var api, theme *models.Definition
	if err := step(ctx, o, res, "resolve_api", func(ctx context.Context) (err error) {
		api, err = o.resolveAPI(ctx, req.APIID)
		return err
	}); err != nil {
		return res
	}
	tenant.APIID = api.ID

	if req.ThemeID != nil {
		if err := step(ctx, o, res, "resolve_theme", func(ctx context.Context) (err error) {
			theme, err = o.activeDefinition(ctx, models.KindTheme, *req.ThemeID)
			return err
		}); err != nil {
			return res
		}
	}

	if o.cfg.EnforceGlobalDomainUniqueness && len(tenant.Domains) > 0 {
		if err := step(ctx, o, res, "check_domains", func(ctx context.Context) error {
			return o.checkDomains(ctx, tenant.ID, tenant.Domains...)
		}); err != nil {
			return res
		}
	}

	if err := step(ctx, o, res, "create_record", func(ctx context.Context) error {
		return o.Tenants.Create(ctx, tenant)
	}); err != nil {
		return res
	}

	if !o.launch(ctx, res, tenant, api, theme) {
		o.rollback(ctx, res, tenant.ID)
		return res
	}

	res.Value = tenant.Clone()
	return res
}

// launch runs the create steps that follow the record and reports whether
// all of them succeeded.
func (o *Orchestrator) launch(ctx context.Context, res *result.Result[*models.Tenant], t *models.Tenant, api, theme *models.Definition) bool {
	pctx, cancel := context.WithTimeout(ctx, o.cfg.StepTimeout)
	prov := o.Provisioner.Provision(pctx, t.ID)
	cancel()
	res.MergeAs("provision", prov)
	if !prov.OK {
		return false
	}

	// routing is written for the active tenant before the record says so
	active := t.Clone()
	active.IsActive = true
	active.IsRunning = true

	steps := []struct {
		name string
		fn   func(ctx context.Context) error
	}{
		{"launch_service", func(ctx context.Context) error {
			_, err := o.Services.CreateOrUpdate(ctx, o.apiDescriptor(t, api, t.Replicas))
			return err
		}},
		{"mark_running", func(ctx context.Context) error {
			t.IsRunning = true
			return o.Tenants.Update(ctx, t)
		}},
		{"ensure_channel", func(ctx context.Context) error {
			return o.Messenger.EnsureChannel(ctx, t.ID)
		}},
		{"ensure_theme", func(ctx context.Context) error {
			if theme == nil {
				return nil
			}
			_, err := o.Services.CreateOrUpdate(ctx, o.themeDescriptor(theme))
			return err
		}},
		{"route_tenant", func(ctx context.Context) error {
			return o.updateTenantRoute(ctx, active)
		}},
		{"route_platform", func(ctx context.Context) error {
			return o.refreshPlatform(ctx, active)
		}},
		{"mark_active", func(ctx context.Context) error {
			t.IsActive = true
			return o.Tenants.Update(ctx, t)
		}},
	}

	for _, s := range steps {
		if err := step(ctx, o, res, s.name, s.fn); err != nil {
			return false
		}
	}
	return true
}

// rollback undoes a partially created tenant. It runs even when the caller's
// context is already cancelled.
func (o *Orchestrator) rollback(ctx context.Context, res *result.Result[*models.Tenant], id uuid.UUID) {
	ctx = context.WithoutCancel(ctx)

	log.Warn().Str("tenant_id", id.String()).Msg("Rolling back tenant creation")
	telemetry.GetMetrics().RollbacksTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("workflow", "create_tenant")))

	teardown(ctx, o, res, "rollback.", id)
}

// DeleteTenant removes every trace of a tenant. Each step runs regardless of
// earlier failures and a tenant that does not exist is already deleted.
func (o *Orchestrator) DeleteTenant(ctx context.Context, id uuid.UUID) *result.Result[*models.Tenant] {
	start := time.Now()
	res := result.New[*models.Tenant]()
	defer o.track(ctx, "delete_tenant", id, start, res)

	unlock, err := o.lock(ctx, id)
	if err != nil {
		_ = res.Record("lock", err)
		return res
	}
	defer unlock()

	tenant, err := o.Tenants.Get(ctx, id)
	switch {
	case errors.Is(err, store.ErrTenantNotFound):
		_ = res.Record("lookup", nil)
		return res
	case err != nil:
		_ = res.Record("lookup", err)
		log.Warn().Err(err).Str("tenant_id", id.String()).Msg("Tenant lookup failed, sweeping by id")
	default:
		_ = res.Record("lookup", nil)
	}

	if tenant != nil && tenant.IsRunning {
		_ = step(ctx, o, res, "drain", func(ctx context.Context) error {
			return o.drain(ctx, tenant)
		})
	}

	teardown(ctx, o, res, "", id)

	res.Value = tenant
	return res
}

// teardown removes the service, routing, OS and database resources, messaging
// channel and record of a tenant. Failures are recorded and never stop the
// remaining steps.
func teardown[T any](ctx context.Context, o *Orchestrator, res *result.Result[T], prefix string, id uuid.UUID) {
	_ = step(ctx, o, res, prefix+"remove_service", func(ctx context.Context) error {
		return o.Services.Remove(ctx, models.APIServiceName(id))
	})
	_ = step(ctx, o, res, prefix+"route_tenant", func(ctx context.Context) error {
		_, err := o.Router.RemoveTenant(ctx, id)
		return err
	})
	_ = step(ctx, o, res, prefix+"route_platform", func(ctx context.Context) error {
		return o.refreshPlatformWithout(ctx, id)
	})

	pctx, cancel := context.WithTimeout(ctx, o.cfg.StepTimeout)
	res.MergeAs(prefix+"deprovision", o.Provisioner.Deprovision(pctx, id))
	cancel()

	_ = step(ctx, o, res, prefix+"close_channel", func(ctx context.Context) error {
		o.Messenger.Close(id)
		return o.Messenger.Purge(ctx, id)
	})
	_ = step(ctx, o, res, prefix+"delete_record", func(ctx context.Context) error {
		err := o.Tenants.Delete(ctx, id)
		if errors.Is(err, store.ErrTenantNotFound) {
			return nil
		}
		return err
	})
}

// withTenant runs fn against the locked, freshly loaded tenant. The result
// carries the tenant as fn left it when every step succeeded.
func (o *Orchestrator) withTenant(ctx context.Context, workflow string, id uuid.UUID, fn func(res *result.Result[*models.Tenant], t *models.Tenant)) *result.Result[*models.Tenant] {
	start := time.Now()
	res := result.New[*models.Tenant]()
	defer o.track(ctx, workflow, id, start, res)

	unlock, err := o.lock(ctx, id)
	if err != nil {
		_ = res.Record("lock", err)
		return res
	}
	defer unlock()

	var t *models.Tenant
	if err := step(ctx, o, res, "load", func(ctx context.Context) (err error) {
		t, err = o.Tenants.Get(ctx, id)
		return err
	}); err != nil {
		return res
	}

	fn(res, t)

	if res.OK {
		res.Value = t
	}
	return res
}

// UpdateInfo renames a tenant or changes its tier or desired replicas. A
// running service is reconciled to the new values.
func (o *Orchestrator) UpdateInfo(ctx context.Context, id uuid.UUID, req UpdateTenantRequest) *result.Result[*models.Tenant] {
	return o.withTenant(ctx, "update_info", id, func(res *result.Result[*models.Tenant], t *models.Tenant) {
		if err := res.Run("validate", func() error { return validateUpdate(req) }); err != nil {
			return
		}

		renamed := req.Name != nil && *req.Name != t.Name
		if renamed {
			if err := step(ctx, o, res, "check_name", func(ctx context.Context) error {
				return o.checkName(ctx, *req.Name, t.ID)
			}); err != nil {
				return
			}
		}

		before := t.Clone()
		if req.Name != nil {
			t.Name = *req.Name
		}
		if req.Tier != nil {
			t.Tier = *req.Tier
		}
		if req.Replicas != nil {
			t.Replicas = *req.Replicas
		}

		if err := step(ctx, o, res, "save", func(ctx context.Context) error {
			return o.Tenants.Update(ctx, t)
		}); err != nil {
			return
		}

		serviceChanged := renamed || t.Tier != before.Tier || t.Replicas != before.Replicas
		if t.IsRunning && serviceChanged {
			_ = step(ctx, o, res, "reconcile_service", func(ctx context.Context) error {
				return o.reconcileService(ctx, t)
			})
		}

		if renamed {
			_ = step(ctx, o, res, "route_platform", func(ctx context.Context) error {
				return o.refreshPlatform(ctx, nil)
			})
		}
	})
}

// ChangeTheme assigns an active theme, or removes it when themeID is nil, and
// points the tenant's routing at the new target.
func (o *Orchestrator) ChangeTheme(ctx context.Context, id uuid.UUID, themeID *uuid.UUID) *result.Result[*models.Tenant] {
	return o.withTenant(ctx, "change_theme", id, func(res *result.Result[*models.Tenant], t *models.Tenant) {
		if themeID != nil {
			var theme *models.Definition
			if err := step(ctx, o, res, "resolve_theme", func(ctx context.Context) (err error) {
				theme, err = o.activeDefinition(ctx, models.KindTheme, *themeID)
				return err
			}); err != nil {
				return
			}
			if err := step(ctx, o, res, "ensure_theme", func(ctx context.Context) error {
				_, err := o.Services.CreateOrUpdate(ctx, o.themeDescriptor(theme))
				return err
			}); err != nil {
				return
			}
		}

		t.ThemeID = themeID
		if err := step(ctx, o, res, "save", func(ctx context.Context) error {
			return o.Tenants.Update(ctx, t)
		}); err != nil {
			return
		}

		o.reroute(ctx, res, t)
	})
}

// ChangeAPI moves a tenant to another active API definition.
func (o *Orchestrator) ChangeAPI(ctx context.Context, id uuid.UUID, apiID uuid.UUID) *result.Result[*models.Tenant] {
	return o.withTenant(ctx, "change_api", id, func(res *result.Result[*models.Tenant], t *models.Tenant) {
		if err := step(ctx, o, res, "resolve_api", func(ctx context.Context) error {
			_, err := o.activeDefinition(ctx, models.KindAPI, apiID)
			return err
		}); err != nil {
			return
		}

		t.APIID = apiID
		if err := step(ctx, o, res, "save", func(ctx context.Context) error {
			return o.Tenants.Update(ctx, t)
		}); err != nil {
			return
		}

		if t.IsRunning {
			if err := step(ctx, o, res, "reconcile_service", func(ctx context.Context) error {
				return o.reconcileService(ctx, t)
			}); err != nil {
				return
			}
		}

		o.reroute(ctx, res, t)
	})
}

// AddDomain attaches a custom domain.
func (o *Orchestrator) AddDomain(ctx context.Context, id uuid.UUID, domain string) *result.Result[*models.Tenant] {
	return o.withTenant(ctx, "add_domain", id, func(res *result.Result[*models.Tenant], t *models.Tenant) {
		domain = models.NormalizeDomain(domain)

		if err := res.Run("validate", func() error {
			if !models.ValidDomain(domain) {
				return fmt.Errorf("%w: invalid domain %q", ErrInvalidRequest, domain)
			}
			if t.HasDomain(domain) {
				return fmt.Errorf("%w: %s", ErrDomainAttached, domain)
			}
			return nil
		}); err != nil {
			return
		}

		if o.cfg.EnforceGlobalDomainUniqueness {
			if err := step(ctx, o, res, "check_domains", func(ctx context.Context) error {
				return o.checkDomains(ctx, t.ID, domain)
			}); err != nil {
				return
			}
		}

		t.Domains = append(t.Domains, domain)
		if err := step(ctx, o, res, "save", func(ctx context.Context) error {
			return o.Tenants.Update(ctx, t)
		}); err != nil {
			return
		}

		_ = step(ctx, o, res, "route_tenant", func(ctx context.Context) error {
			return o.updateTenantRoute(ctx, t)
		})
	})
}

// RemoveDomain detaches a custom domain. Removing the last one deletes the
// tenant's routing file and leaves slug routing on the primary domain.
func (o *Orchestrator) RemoveDomain(ctx context.Context, id uuid.UUID, domain string) *result.Result[*models.Tenant] {
	return o.withTenant(ctx, "remove_domain", id, func(res *result.Result[*models.Tenant], t *models.Tenant) {
		domain = models.NormalizeDomain(domain)

		if err := res.Run("validate", func() error {
			if !t.HasDomain(domain) {
				return fmt.Errorf("%w: %s", ErrDomainNotAttached, domain)
			}
			return nil
		}); err != nil {
			return
		}

		t.Domains = slices.DeleteFunc(t.Domains, func(d string) bool { return d == domain })
		if err := step(ctx, o, res, "save", func(ctx context.Context) error {
			return o.Tenants.Update(ctx, t)
		}); err != nil {
			return
		}

		_ = step(ctx, o, res, "route_tenant", func(ctx context.Context) error {
			return o.updateTenantRoute(ctx, t)
		})
	})
}

// Scale sets the replica count of the tenant's service. Zero stops the
// tenant without draining; anything else requires an active tenant and
// becomes the desired count.
func (o *Orchestrator) Scale(ctx context.Context, id uuid.UUID, replicas uint64) *result.Result[*models.Tenant] {
	return o.withTenant(ctx, "scale", id, func(res *result.Result[*models.Tenant], t *models.Tenant) {
		if err := res.Run("validate", func() error {
			if replicas > 0 && !t.IsActive {
				return ErrTenantInactive
			}
			return nil
		}); err != nil {
			return
		}

		if err := step(ctx, o, res, "scale_service", func(ctx context.Context) error {
			return o.Services.Scale(ctx, models.APIServiceName(t.ID), replicas)
		}); err != nil {
			return
		}

		t.IsRunning = replicas > 0
		if replicas > 0 {
			t.Replicas = replicas
		}
		if err := step(ctx, o, res, "save", func(ctx context.Context) error {
			return o.Tenants.Update(ctx, t)
		}); err != nil {
			return
		}

		if o.cfg.WeightedUpstreams {
			_ = step(ctx, o, res, "route_tenant", func(ctx context.Context) error {
				return o.updateTenantRoute(ctx, t)
			})
		}
	})
}

// Start brings an active tenant's service up to its desired replicas.
func (o *Orchestrator) Start(ctx context.Context, id uuid.UUID) *result.Result[*models.Tenant] {
	return o.withTenant(ctx, "start", id, func(res *result.Result[*models.Tenant], t *models.Tenant) {
		if err := res.Run("validate", func() error {
			if !t.IsActive {
				return ErrTenantInactive
			}
			return nil
		}); err != nil {
			return
		}

		if t.Replicas == 0 {
			t.Replicas = 1
		}
		if err := step(ctx, o, res, "launch_service", func(ctx context.Context) error {
			return o.reconcileService(ctx, t)
		}); err != nil {
			return
		}

		t.IsRunning = true
		if err := step(ctx, o, res, "save", func(ctx context.Context) error {
			return o.Tenants.Update(ctx, t)
		}); err != nil {
			return
		}

		_ = step(ctx, o, res, "ensure_channel", func(ctx context.Context) error {
			return o.Messenger.EnsureChannel(ctx, t.ID)
		})
		_ = step(ctx, o, res, "route_tenant", func(ctx context.Context) error {
			return o.updateTenantRoute(ctx, t)
		})
	})
}

// Stop drains and scales an active tenant to zero. Stopping an inactive or
// stopped tenant succeeds without doing anything.
func (o *Orchestrator) Stop(ctx context.Context, id uuid.UUID) *result.Result[*models.Tenant] {
	return o.withTenant(ctx, "stop", id, func(res *result.Result[*models.Tenant], t *models.Tenant) {
		if !t.IsActive || !t.IsRunning {
			return
		}
		if !o.stop(ctx, res, t) {
			return
		}
		_ = step(ctx, o, res, "save", func(ctx context.Context) error {
			return o.Tenants.Update(ctx, t)
		})
	})
}

func (o *Orchestrator) stop(ctx context.Context, res *result.Result[*models.Tenant], t *models.Tenant) bool {
	_ = step(ctx, o, res, "drain", func(ctx context.Context) error {
		return o.drain(ctx, t)
	})
	if err := step(ctx, o, res, "scale_service", func(ctx context.Context) error {
		return o.Services.Scale(ctx, models.APIServiceName(t.ID), 0)
	}); err != nil {
		return false
	}
	t.IsRunning = false
	return true
}

// Restart forces a rolling restart of a running tenant's tasks.
func (o *Orchestrator) Restart(ctx context.Context, id uuid.UUID) *result.Result[*models.Tenant] {
	return o.withTenant(ctx, "restart", id, func(res *result.Result[*models.Tenant], t *models.Tenant) {
		if err := res.Run("validate", func() error {
			if !t.IsRunning {
				return ErrTenantNotRunning
			}
			return nil
		}); err != nil {
			return
		}

		_ = step(ctx, o, res, "restart_service", func(ctx context.Context) error {
			return o.Services.Restart(ctx, models.APIServiceName(t.ID))
		})
	})
}

// SetActive is the administrative switch. Disabling stops the tenant and
// drops its routing; enabling restores routing but does not start it.
func (o *Orchestrator) SetActive(ctx context.Context, id uuid.UUID, active bool) *result.Result[*models.Tenant] {
	workflow := "deactivate"
	if active {
		workflow = "activate"
	}

	return o.withTenant(ctx, workflow, id, func(res *result.Result[*models.Tenant], t *models.Tenant) {
		if t.IsActive == active {
			return
		}

		if !active && t.IsRunning {
			if !o.stop(ctx, res, t) {
				return
			}
		}

		t.IsActive = active
		if err := step(ctx, o, res, "save", func(ctx context.Context) error {
			return o.Tenants.Update(ctx, t)
		}); err != nil {
			return
		}

		o.reroute(ctx, res, t)
	})
}

// reconcileService converges the API service of t to its current definition
// and desired replicas.
func (o *Orchestrator) reconcileService(ctx context.Context, t *models.Tenant) error {
	api, err := o.Definitions.Get(ctx, t.APIID)
	if err != nil {
		return fmt.Errorf("api definition: %w", err)
	}
	_, err = o.Services.CreateOrUpdate(ctx, o.apiDescriptor(t, api, t.Replicas))
	return err
}

// reroute rewrites the tenant file and the platform file after t was saved.
func (o *Orchestrator) reroute(ctx context.Context, res *result.Result[*models.Tenant], t *models.Tenant) {
	_ = step(ctx, o, res, "route_tenant", func(ctx context.Context) error {
		return o.updateTenantRoute(ctx, t)
	})
	_ = step(ctx, o, res, "route_platform", func(ctx context.Context) error {
		return o.refreshPlatform(ctx, nil)
	})
}

func (o *Orchestrator) checkName(ctx context.Context, name string, self uuid.UUID) error {
	existing, err := o.Tenants.GetByName(ctx, name)
	switch {
	case errors.Is(err, store.ErrTenantNotFound):
		return nil
	case err != nil:
		return err
	case existing.ID != self:
		return fmt.Errorf("%w: name %s", store.ErrTenantAlreadyExists, name)
	}
	return nil
}

func (o *Orchestrator) checkDomains(ctx context.Context, self uuid.UUID, domains ...string) error {
	for _, domain := range domains {
		owner, err := o.Tenants.FindByDomain(ctx, domain)
		switch {
		case errors.Is(err, store.ErrTenantNotFound):
			continue
		case err != nil:
			return err
		case owner.ID != self:
			return fmt.Errorf("%w: %s belongs to %s", store.ErrDomainInUse, domain, owner.Name)
		}
	}
	return nil
}

// resolveAPI returns the requested API definition, or the default one.
func (o *Orchestrator) resolveAPI(ctx context.Context, id *uuid.UUID) (*models.Definition, error) {
	if id != nil {
		return o.activeDefinition(ctx, models.KindAPI, *id)
	}

	api, err := o.Definitions.GetDefault(ctx, models.KindAPI)
	if err != nil {
		return nil, err
	}
	if !api.IsActive {
		return nil, fmt.Errorf("%w: default api %s", ErrDefinitionInactive, api.Name)
	}
	return api, nil
}

func normalizeCreate(t *models.Tenant, domains []string) error {
	if !models.ValidName(t.Name) {
		return fmt.Errorf("%w: invalid name %q", ErrInvalidRequest, t.Name)
	}
	if t.Tier == "" {
		t.Tier = models.TierBasic
	}
	if !models.ValidTier(t.Tier) {
		return fmt.Errorf("%w: invalid tier %q", ErrInvalidRequest, t.Tier)
	}
	if t.Replicas == 0 {
		t.Replicas = 1
	}

	for _, d := range domains {
		d = models.NormalizeDomain(d)
		if !models.ValidDomain(d) {
			return fmt.Errorf("%w: invalid domain %q", ErrInvalidRequest, d)
		}
		if !slices.Contains(t.Domains, d) {
			t.Domains = append(t.Domains, d)
		}
	}
	return nil
}

func validateUpdate(req UpdateTenantRequest) error {
	if req.Name != nil && !models.ValidName(*req.Name) {
		return fmt.Errorf("%w: invalid name %q", ErrInvalidRequest, *req.Name)
	}
	if req.Tier != nil && !models.ValidTier(*req.Tier) {
		return fmt.Errorf("%w: invalid tier %q", ErrInvalidRequest, *req.Tier)
	}
	if req.Replicas != nil && *req.Replicas == 0 {
		return fmt.Errorf("%w: replicas must be at least 1, use scale to stop", ErrInvalidRequest)
	}
	return nil
}
