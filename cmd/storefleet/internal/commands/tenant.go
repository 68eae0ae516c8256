package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/wolfeidau/storefleet/internal/lifecycle"
	"github.com/wolfeidau/storefleet/internal/messaging"
	"github.com/wolfeidau/storefleet/internal/models"
	"github.com/wolfeidau/storefleet/internal/result"
	"github.com/wolfeidau/storefleet/internal/store"
)

var stdout io.Writer = os.Stdout

type TenantCmd struct {
	Create       TenantCreateCmd       `cmd:"" help:"Create and launch a tenant"`
	Delete       TenantDeleteCmd       `cmd:"" help:"Tear down a tenant and everything it owns"`
	List         TenantListCmd         `cmd:"" help:"List tenants"`
	Get          TenantGetCmd          `cmd:"" help:"Show a tenant"`
	Update       TenantUpdateCmd       `cmd:"" help:"Rename a tenant or change its tier or replicas"`
	Theme        TenantThemeCmd        `cmd:"" help:"Switch the theme of a tenant"`
	API          TenantAPICmd          `cmd:"" name:"api" help:"Switch the API of a tenant"`
	DomainAdd    TenantDomainAddCmd    `cmd:"" help:"Attach a custom domain"`
	DomainRemove TenantDomainRemoveCmd `cmd:"" help:"Detach a custom domain"`
	Scale        TenantScaleCmd        `cmd:"" help:"Scale the API service of a tenant"`
	Start        TenantStartCmd        `cmd:"" help:"Start a stopped tenant"`
	Stop         TenantStopCmd         `cmd:"" help:"Drain and stop a running tenant"`
	Restart      TenantRestartCmd      `cmd:"" help:"Force a rolling restart"`
	Activate     TenantActivateCmd     `cmd:"" help:"Enable a tenant"`
	Deactivate   TenantDeactivateCmd   `cmd:"" help:"Disable a tenant, stopping it when running"`
	Send         TenantSendCmd         `cmd:"" help:"Send an event to a tenant's inbound queue"`
	Failed       TenantFailedCmd       `cmd:"" help:"Show messages from a tenant that could not be handled"`
}

// TenantRef is the positional tenant argument shared by tenant commands.
type TenantRef struct {
	Tenant string `arg:"" help:"tenant id or name"`
}

type tenantWorkflow func(ctx context.Context, o *lifecycle.Orchestrator, id uuid.UUID) *result.Result[*models.Tenant]

func tenantValue(t *models.Tenant) any { return newTenantView(t) }

// run opens the control plane, resolves the tenant and prints the outcome of
// the workflow.
func (r TenantRef) run(ctx context.Context, globals *Globals, name string, fn tenantWorkflow) (err error) {
	ctx, log, done := operation(ctx, globals, name, map[string]any{"tenant": r.Tenant})
	defer func() { done(err) }()

	st, err := globals.Stack.openClient(ctx, globals, log)
	if err != nil {
		return err
	}
	defer st.Close()

	id, err := resolveTenant(ctx, st.Orchestrator.Tenants, r.Tenant)
	if err != nil {
		return err
	}

	return printResult(stdout, fn(ctx, st.Orchestrator, id), tenantValue)
}

// resolveTenant accepts a tenant id or name.
func resolveTenant(ctx context.Context, tenants store.TenantStore, ref string) (uuid.UUID, error) {
	if id, err := uuid.Parse(ref); err == nil {
		return id, nil
	}
	t, err := tenants.GetByName(ctx, ref)
	if err != nil {
		return uuid.Nil, fmt.Errorf("tenant %q: %w", ref, err)
	}
	return t.ID, nil
}

// resolveDefinition accepts a definition id or the name of a definition of
// kind.
func resolveDefinition(ctx context.Context, defs store.DefinitionStore, kind models.DefinitionKind, ref string) (uuid.UUID, error) {
	if id, err := uuid.Parse(ref); err == nil {
		return id, nil
	}
	list, err := defs.List(ctx, kind)
	if err != nil {
		return uuid.Nil, err
	}
	for _, def := range list {
		if def.Name == ref {
			return def.ID, nil
		}
	}
	return uuid.Nil, fmt.Errorf("%s definition %q: %w", kind, ref, store.ErrDefinitionNotFound)
}

type TenantCreateCmd struct {
	Name     string   `arg:"" help:"tenant name, used in the platform path"`
	Theme    string   `help:"theme definition id or name, empty serves the API directly" default:""`
	API      string   `name:"api" help:"API definition id or name, defaults to the default API" default:""`
	Domains  []string `name:"domain" help:"custom domain, repeatable"`
	Tier     string   `help:"resource tier" default:"basic" enum:"basic,medium,high"`
	Replicas uint64   `help:"API replicas" default:"1"`
}

func (c *TenantCreateCmd) Run(ctx context.Context, globals *Globals) (err error) {
	ctx, log, done := operation(ctx, globals, "tenant create", map[string]any{"tenant": c.Name})
	defer func() { done(err) }()

	st, err := globals.Stack.openClient(ctx, globals, log)
	if err != nil {
		return err
	}
	defer st.Close()

	req := lifecycle.CreateTenantRequest{
		Name:     c.Name,
		Domains:  c.Domains,
		Tier:     c.Tier,
		Replicas: c.Replicas,
	}
	if c.Theme != "" {
		id, err := resolveDefinition(ctx, st.Orchestrator.Definitions, models.KindTheme, c.Theme)
		if err != nil {
			return err
		}
		req.ThemeID = &id
	}
	if c.API != "" {
		id, err := resolveDefinition(ctx, st.Orchestrator.Definitions, models.KindAPI, c.API)
		if err != nil {
			return err
		}
		req.APIID = &id
	}

	return printResult(stdout, st.Orchestrator.CreateTenant(ctx, req), tenantValue)
}

type TenantDeleteCmd struct {
	TenantRef
}

func (c *TenantDeleteCmd) Run(ctx context.Context, globals *Globals) error {
	return c.run(ctx, globals, "tenant delete", func(ctx context.Context, o *lifecycle.Orchestrator, id uuid.UUID) *result.Result[*models.Tenant] {
		return o.DeleteTenant(ctx, id)
	})
}

type TenantListCmd struct{}

func (c *TenantListCmd) Run(ctx context.Context, globals *Globals) (err error) {
	ctx, log, done := operation(ctx, globals, "tenant list", nil)
	defer func() { done(err) }()

	db, err := globals.Stack.openStores(ctx, log)
	if err != nil {
		return err
	}
	defer db.close()

	tenants, err := db.Tenants.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list tenants: %w", err)
	}

	views := make([]*tenantView, 0, len(tenants))
	for _, t := range tenants {
		views = append(views, newTenantView(t))
	}
	return printYAML(stdout, views)
}

type TenantGetCmd struct {
	TenantRef
}

func (c *TenantGetCmd) Run(ctx context.Context, globals *Globals) (err error) {
	ctx, log, done := operation(ctx, globals, "tenant get", map[string]any{"tenant": c.Tenant})
	defer func() { done(err) }()

	db, err := globals.Stack.openStores(ctx, log)
	if err != nil {
		return err
	}
	defer db.close()

	id, err := resolveTenant(ctx, db.Tenants, c.Tenant)
	if err != nil {
		return err
	}
	t, err := db.Tenants.Get(ctx, id)
	if err != nil {
		return err
	}
	return printYAML(stdout, newTenantView(t))
}

type TenantUpdateCmd struct {
	TenantRef
	Name     *string `help:"new tenant name"`
	Tier     *string `help:"new resource tier (basic, medium or high)"`
	Replicas *uint64 `help:"desired replicas while running"`
}

func (c *TenantUpdateCmd) Run(ctx context.Context, globals *Globals) error {
	if c.Name == nil && c.Tier == nil && c.Replicas == nil {
		return errors.New("nothing to update, pass --name, --tier or --replicas")
	}
	req := lifecycle.UpdateTenantRequest{Name: c.Name, Tier: c.Tier, Replicas: c.Replicas}
	return c.run(ctx, globals, "tenant update", func(ctx context.Context, o *lifecycle.Orchestrator, id uuid.UUID) *result.Result[*models.Tenant] {
		return o.UpdateInfo(ctx, id, req)
	})
}

type TenantThemeCmd struct {
	TenantRef
	Theme string `arg:"" optional:"" help:"theme definition id or name, omit to serve the API directly"`
}

func (c *TenantThemeCmd) Run(ctx context.Context, globals *Globals) error {
	return c.run(ctx, globals, "tenant theme", func(ctx context.Context, o *lifecycle.Orchestrator, id uuid.UUID) *result.Result[*models.Tenant] {
		if c.Theme == "" {
			return o.ChangeTheme(ctx, id, nil)
		}
		themeID, err := resolveDefinition(ctx, o.Definitions, models.KindTheme, c.Theme)
		if err != nil {
			return result.Failed[*models.Tenant]("resolve_theme", err)
		}
		return o.ChangeTheme(ctx, id, &themeID)
	})
}

type TenantAPICmd struct {
	TenantRef
	API string `arg:"" name:"api" help:"API definition id or name"`
}

func (c *TenantAPICmd) Run(ctx context.Context, globals *Globals) error {
	return c.run(ctx, globals, "tenant api", func(ctx context.Context, o *lifecycle.Orchestrator, id uuid.UUID) *result.Result[*models.Tenant] {
		apiID, err := resolveDefinition(ctx, o.Definitions, models.KindAPI, c.API)
		if err != nil {
			return result.Failed[*models.Tenant]("resolve_api", err)
		}
		return o.ChangeAPI(ctx, id, apiID)
	})
}

type TenantDomainAddCmd struct {
	TenantRef
	Domain string `arg:"" help:"domain to attach"`
}

func (c *TenantDomainAddCmd) Run(ctx context.Context, globals *Globals) error {
	return c.run(ctx, globals, "tenant domain-add", func(ctx context.Context, o *lifecycle.Orchestrator, id uuid.UUID) *result.Result[*models.Tenant] {
		return o.AddDomain(ctx, id, c.Domain)
	})
}

type TenantDomainRemoveCmd struct {
	TenantRef
	Domain string `arg:"" help:"domain to detach"`
}

func (c *TenantDomainRemoveCmd) Run(ctx context.Context, globals *Globals) error {
	return c.run(ctx, globals, "tenant domain-remove", func(ctx context.Context, o *lifecycle.Orchestrator, id uuid.UUID) *result.Result[*models.Tenant] {
		return o.RemoveDomain(ctx, id, c.Domain)
	})
}

type TenantScaleCmd struct {
	TenantRef
	Replicas uint64 `arg:"" help:"replica count, 0 stops the tenant without draining"`
}

func (c *TenantScaleCmd) Run(ctx context.Context, globals *Globals) error {
	return c.run(ctx, globals, "tenant scale", func(ctx context.Context, o *lifecycle.Orchestrator, id uuid.UUID) *result.Result[*models.Tenant] {
		return o.Scale(ctx, id, c.Replicas)
	})
}

type TenantStartCmd struct {
	TenantRef
}

func (c *TenantStartCmd) Run(ctx context.Context, globals *Globals) error {
	return c.run(ctx, globals, "tenant start", func(ctx context.Context, o *lifecycle.Orchestrator, id uuid.UUID) *result.Result[*models.Tenant] {
		return o.Start(ctx, id)
	})
}

type TenantStopCmd struct {
	TenantRef
}

func (c *TenantStopCmd) Run(ctx context.Context, globals *Globals) error {
	return c.run(ctx, globals, "tenant stop", func(ctx context.Context, o *lifecycle.Orchestrator, id uuid.UUID) *result.Result[*models.Tenant] {
		return o.Stop(ctx, id)
	})
}

type TenantRestartCmd struct {
	TenantRef
}

func (c *TenantRestartCmd) Run(ctx context.Context, globals *Globals) error {
	return c.run(ctx, globals, "tenant restart", func(ctx context.Context, o *lifecycle.Orchestrator, id uuid.UUID) *result.Result[*models.Tenant] {
		return o.Restart(ctx, id)
	})
}

type TenantActivateCmd struct {
	TenantRef
}

func (c *TenantActivateCmd) Run(ctx context.Context, globals *Globals) error {
	return c.run(ctx, globals, "tenant activate", func(ctx context.Context, o *lifecycle.Orchestrator, id uuid.UUID) *result.Result[*models.Tenant] {
		return o.SetActive(ctx, id, true)
	})
}

type TenantDeactivateCmd struct {
	TenantRef
}

func (c *TenantDeactivateCmd) Run(ctx context.Context, globals *Globals) error {
	return c.run(ctx, globals, "tenant deactivate", func(ctx context.Context, o *lifecycle.Orchestrator, id uuid.UUID) *result.Result[*models.Tenant] {
		return o.SetActive(ctx, id, false)
	})
}

type TenantSendCmd struct {
	TenantRef
	Event   string `arg:"" help:"event name"`
	Payload string `arg:"" optional:"" help:"JSON payload" default:"{}"`
}

func (c *TenantSendCmd) Run(ctx context.Context, globals *Globals) (err error) {
	ctx, log, done := operation(ctx, globals, "tenant send", map[string]any{"tenant": c.Tenant, "event": c.Event})
	defer func() { done(err) }()

	if !json.Valid([]byte(c.Payload)) {
		return fmt.Errorf("payload is not valid JSON: %s", c.Payload)
	}

	st, err := globals.Stack.openClient(ctx, globals, log)
	if err != nil {
		return err
	}
	defer st.Close()

	id, err := resolveTenant(ctx, st.Orchestrator.Tenants, c.Tenant)
	if err != nil {
		return err
	}
	return st.Messenger.Send(ctx, id, c.Event, json.RawMessage(c.Payload))
}

type TenantFailedCmd struct {
	TenantRef
}

func (c *TenantFailedCmd) Run(ctx context.Context, globals *Globals) (err error) {
	ctx, log, done := operation(ctx, globals, "tenant failed", map[string]any{"tenant": c.Tenant})
	defer func() { done(err) }()

	st, err := globals.Stack.openClient(ctx, globals, log)
	if err != nil {
		return err
	}
	defer st.Close()

	id, err := resolveTenant(ctx, st.Orchestrator.Tenants, c.Tenant)
	if err != nil {
		return err
	}

	failed, err := st.Messenger.Failed(ctx, messaging.OutboundQueue(id))
	if err != nil {
		return err
	}

	envelopes := make([]map[string]any, 0, len(failed))
	for _, raw := range failed {
		var env map[string]any
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			env = map[string]any{"raw": raw}
		}
		envelopes = append(envelopes, env)
	}
	return printYAML(stdout, envelopes)
}
