package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/wolfeidau/storefleet/internal/messaging"
	"github.com/wolfeidau/storefleet/internal/provision"
	"github.com/wolfeidau/storefleet/internal/result"
	"github.com/wolfeidau/storefleet/internal/routing"
	"github.com/wolfeidau/storefleet/internal/store"
	"github.com/wolfeidau/storefleet/internal/swarm"
)

var (
	ErrInvalidRequest     = errors.New("invalid request")
	ErrTenantInactive     = errors.New("tenant is not active")
	ErrTenantNotRunning   = errors.New("tenant is not running")
	ErrDefinitionInactive = errors.New("definition is not active")
	ErrWrongKind          = errors.New("definition has the wrong kind")
	ErrDefaultDefinition  = errors.New("definition is the default")
	ErrDomainAttached     = fmt.Errorf("domain already attached: %w", result.ErrAlreadyExists)
	ErrDomainNotAttached  = fmt.Errorf("domain not attached: %w", result.ErrNotFound)
)

// Services launches and converges orchestrator services.
type Services interface {
	CreateOrUpdate(ctx context.Context, d swarm.Descriptor) (swarm.Outcome, error)
	Scale(ctx context.Context, name string, replicas uint64) error
	Restart(ctx context.Context, name string) error
	Remove(ctx context.Context, name string) error
	ListEndpoints(ctx context.Context, name string, port int) ([]string, error)
}

// Provisioner creates and removes per tenant OS and database resources.
type Provisioner interface {
	Record(tenantID uuid.UUID) provision.Record
	Provision(ctx context.Context, tenantID uuid.UUID) *result.Result[provision.Record]
	Deprovision(ctx context.Context, tenantID uuid.UUID) *result.Result[provision.Record]
}

// Router writes proxy configuration.
type Router interface {
	UpdateTenant(ctx context.Context, route routing.TenantRoute) (bool, error)
	RemoveTenant(ctx context.Context, tenantID uuid.UUID) (bool, error)
	UpdatePlatform(ctx context.Context, routes []routing.TenantRoute) (bool, error)
	TenantFiles() ([]uuid.UUID, error)
	TenantFileModTime(tenantID uuid.UUID) (time.Time, error)
}

// Messenger owns tenant messaging channels.
type Messenger interface {
	EnsureChannel(ctx context.Context, tenantID uuid.UUID) error
	Close(tenantID uuid.UUID)
	Purge(ctx context.Context, tenantID uuid.UUID) error
	Drain(ctx context.Context, tenantID uuid.UUID, timeout time.Duration) (messaging.DrainState, error)
}

var (
	_ Services    = (*swarm.Orchestrator)(nil)
	_ Provisioner = (*provision.Provisioner)(nil)
	_ Router      = (*routing.Reconciler)(nil)
	_ Messenger   = (*messaging.Manager)(nil)
)

// Deps are the collaborators of the orchestrator.
type Deps struct {
	Tenants     store.TenantStore
	Definitions store.DefinitionStore
	Services    Services
	Provisioner Provisioner
	Router      Router
	Messenger   Messenger

	// Locker serializes tenant workflows across processes. Without it only
	// workflows within this process are serialized.
	Locker store.TenantLocker
}

func (d Deps) validate() error {
	switch {
	case d.Tenants == nil, d.Definitions == nil:
		return errors.New("stores are required")
	case d.Services == nil:
		return errors.New("services are required")
	case d.Provisioner == nil:
		return errors.New("provisioner is required")
	case d.Router == nil:
		return errors.New("router is required")
	case d.Messenger == nil:
		return errors.New("messenger is required")
	}
	return nil
}
