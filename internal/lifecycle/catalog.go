package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/storefleet/internal/models"
	"github.com/wolfeidau/storefleet/internal/result"
	"github.com/wolfeidau/storefleet/internal/store"
	"golang.org/x/sync/errgroup"
)

// CreateDefinitionRequest describes a new theme or API definition.
type CreateDefinitionRequest struct {
	Kind         models.DefinitionKind
	Name         string
	Image        string
	InternalPort int
	IsActive     bool
	MakeDefault  bool
}

// UpdateDefinitionRequest changes a definition. Nil fields are left alone.
type UpdateDefinitionRequest struct {
	Name         *string
	Image        *string
	InternalPort *int
	IsActive     *bool
}

// CreateDefinition adds a definition to the catalog. The first active
// definition of a kind becomes its default.
func (o *Orchestrator) CreateDefinition(ctx context.Context, req CreateDefinitionRequest) *result.Result[*models.Definition] {
	start := time.Now()
	res := result.New[*models.Definition]()

	def := &models.Definition{
		ID:           uuid.New(),
		Kind:         req.Kind,
		Name:         strings.TrimSpace(req.Name),
		Image:        strings.TrimSpace(req.Image),
		InternalPort: req.InternalPort,
		IsActive:     req.IsActive,
	}
	defer o.track(ctx, "create_definition", def.ID, start, res)

	o.catalogMu.Lock()
	defer o.catalogMu.Unlock()

	if err := res.Run("validate", func() error {
		if !def.Kind.Valid() {
			return fmt.Errorf("%w: unknown kind %q", ErrInvalidRequest, def.Kind)
		}
		if req.MakeDefault && !def.IsActive {
			return fmt.Errorf("%w: an inactive definition cannot be the default", ErrInvalidRequest)
		}
		return validateDefinition(def)
	}); err != nil {
		return res
	}

	if err := step(ctx, o, res, "create_record", func(ctx context.Context) error {
		return o.Definitions.Create(ctx, def)
	}); err != nil {
		return res
	}

	makeDefault := req.MakeDefault
	if !makeDefault && def.IsActive {
		_, err := o.Definitions.GetDefault(ctx, def.Kind)
		makeDefault = errors.Is(err, store.ErrNoDefaultDefinition)
	}

	if makeDefault {
		if err := step(ctx, o, res, "set_default", func(ctx context.Context) error {
			return o.Definitions.SetDefault(ctx, def.Kind, def.ID)
		}); err != nil {
			return res
		}
		def.IsDefault = true
	}

	res.Value = def
	return res
}

// UpdateDefinition changes a definition. A new image or port is rolled out to
// every running tenant using it, a few at a time.
func (o *Orchestrator) UpdateDefinition(ctx context.Context, id uuid.UUID, req UpdateDefinitionRequest) *result.Result[*models.Definition] {
	start := time.Now()
	res := result.New[*models.Definition]()
	defer o.track(ctx, "update_definition", id, start, res)

	o.catalogMu.Lock()
	defer o.catalogMu.Unlock()

	var def *models.Definition
	if err := step(ctx, o, res, "load", func(ctx context.Context) (err error) {
		def, err = o.Definitions.Get(ctx, id)
		return err
	}); err != nil {
		return res
	}

	before := *def
	if req.Name != nil {
		def.Name = strings.TrimSpace(*req.Name)
	}
	if req.Image != nil {
		def.Image = strings.TrimSpace(*req.Image)
	}
	if req.InternalPort != nil {
		def.InternalPort = *req.InternalPort
	}
	if req.IsActive != nil {
		def.IsActive = *req.IsActive
	}

	if err := res.Run("validate", func() error {
		if def.IsDefault && !def.IsActive {
			return fmt.Errorf("%w: %s cannot be deactivated", ErrDefaultDefinition, def.Name)
		}
		return validateDefinition(def)
	}); err != nil {
		return res
	}

	if err := step(ctx, o, res, "save", func(ctx context.Context) error {
		return o.Definitions.Update(ctx, def)
	}); err != nil {
		return res
	}

	imageChanged := def.Image != before.Image
	portChanged := def.InternalPort != before.InternalPort
	if imageChanged || portChanged {
		o.rollout(ctx, res, def, portChanged)
	}

	res.Value = def
	return res
}

// rollout converges the services using def. Per tenant failures are recorded
// as rollout.<tenant> and never stop the other tenants.
func (o *Orchestrator) rollout(ctx context.Context, res *result.Result[*models.Definition], def *models.Definition, reroute bool) {
	var consumers []*models.Tenant
	if err := step(ctx, o, res, "consumers", func(ctx context.Context) (err error) {
		consumers, err = o.Tenants.ListByDefinition(ctx, def.Kind, def.ID)
		return err
	}); err != nil || len(consumers) == 0 {
		return
	}

	if def.Kind == models.KindTheme {
		_ = step(ctx, o, res, "rollout.theme", func(ctx context.Context) error {
			_, err := o.Services.CreateOrUpdate(ctx, o.themeDescriptor(def))
			return err
		})
	}

	var (
		g  errgroup.Group
		mu sync.Mutex
	)
	g.SetLimit(o.cfg.RolloutConcurrency)

	for _, consumer := range consumers {
		g.Go(func() error {
			err := o.rolloutTenant(ctx, consumer.ID, def, reroute)

			mu.Lock()
			defer mu.Unlock()
			_ = res.Record("rollout."+consumer.Name, err)
			return nil
		})
	}
	_ = g.Wait()

	if reroute {
		_ = step(ctx, o, res, "route_platform", func(ctx context.Context) error {
			return o.refreshPlatform(ctx, nil)
		})
	}

	log.Info().Str("definition", def.Name).Int("tenants", len(consumers)).Msg("Definition rolled out")
}

func (o *Orchestrator) rolloutTenant(ctx context.Context, id uuid.UUID, def *models.Definition, reroute bool) error {
	unlock, err := o.lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(ctx, o.cfg.StepTimeout)
	defer cancel()

	// reload under the lock, the listing may be stale
	t, err := o.Tenants.Get(ctx, id)
	if errors.Is(err, store.ErrTenantNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if def.Kind == models.KindAPI && t.IsRunning {
		if _, err := o.Services.CreateOrUpdate(ctx, o.apiDescriptor(t, def, t.Replicas)); err != nil {
			return err
		}
	}

	if reroute {
		return o.updateTenantRoute(ctx, t)
	}
	return nil
}

// SetDefault makes an active definition the default of its kind.
func (o *Orchestrator) SetDefault(ctx context.Context, kind models.DefinitionKind, id uuid.UUID) *result.Result[*models.Definition] {
	start := time.Now()
	res := result.New[*models.Definition]()
	defer o.track(ctx, "set_default", id, start, res)

	o.catalogMu.Lock()
	defer o.catalogMu.Unlock()

	var def *models.Definition
	if err := step(ctx, o, res, "resolve", func(ctx context.Context) (err error) {
		def, err = o.activeDefinition(ctx, kind, id)
		return err
	}); err != nil {
		return res
	}

	if err := step(ctx, o, res, "set_default", func(ctx context.Context) error {
		return o.Definitions.SetDefault(ctx, kind, id)
	}); err != nil {
		return res
	}

	def.IsDefault = true
	res.Value = def
	return res
}

// DeleteDefinition removes a definition nobody uses. The default of a kind
// cannot be deleted. Deleting a theme also removes its shared service.
func (o *Orchestrator) DeleteDefinition(ctx context.Context, id uuid.UUID) *result.Result[*models.Definition] {
	start := time.Now()
	res := result.New[*models.Definition]()
	defer o.track(ctx, "delete_definition", id, start, res)

	o.catalogMu.Lock()
	defer o.catalogMu.Unlock()

	var def *models.Definition
	if err := step(ctx, o, res, "load", func(ctx context.Context) (err error) {
		def, err = o.Definitions.Get(ctx, id)
		return err
	}); err != nil {
		return res
	}

	if err := step(ctx, o, res, "check_usage", func(ctx context.Context) error {
		if def.IsDefault {
			return fmt.Errorf("%w: %s", ErrDefaultDefinition, def.Name)
		}
		consumers, err := o.Tenants.ListByDefinition(ctx, def.Kind, def.ID)
		if err != nil {
			return err
		}
		if len(consumers) > 0 {
			return fmt.Errorf("%w: %s is used by %d tenants", store.ErrDefinitionInUse, def.Name, len(consumers))
		}
		return nil
	}); err != nil {
		return res
	}

	if def.Kind == models.KindTheme {
		if err := step(ctx, o, res, "remove_service", func(ctx context.Context) error {
			return o.Services.Remove(ctx, models.ThemeServiceName(def.ID))
		}); err != nil {
			return res
		}
	}

	if err := step(ctx, o, res, "delete_record", func(ctx context.Context) error {
		return o.Definitions.Delete(ctx, def.ID)
	}); err != nil {
		return res
	}

	res.Value = def
	return res
}

// ListDefinitions returns the definitions of kind ordered by name.
func (o *Orchestrator) ListDefinitions(ctx context.Context, kind models.DefinitionKind) ([]*models.Definition, error) {
	return o.Definitions.List(ctx, kind)
}

func validateDefinition(def *models.Definition) error {
	switch {
	case def.Name == "":
		return fmt.Errorf("%w: name is required", ErrInvalidRequest)
	case def.Image == "":
		return fmt.Errorf("%w: image is required", ErrInvalidRequest)
	case def.InternalPort < 1 || def.InternalPort > 65535:
		return fmt.Errorf("%w: invalid port %d", ErrInvalidRequest, def.InternalPort)
	}
	return nil
}
