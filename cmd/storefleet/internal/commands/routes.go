package commands

import (
	"context"
	"fmt"

	"github.com/wolfeidau/storefleet/internal/routing"
)

type RoutesCmd struct {
	Sync RoutesSyncCmd `cmd:"" help:"Regenerate every proxy config from the store and remove orphans"`
	List RoutesListCmd `cmd:"" help:"List generated proxy configs"`
	Show RoutesShowCmd `cmd:"" help:"Print the proxy config of a tenant"`
}

type RoutesSyncCmd struct{}

func (c *RoutesSyncCmd) Run(ctx context.Context, globals *Globals) (err error) {
	ctx, log, done := operation(ctx, globals, "routes sync", nil)
	defer func() { done(err) }()

	st, err := globals.Stack.openClient(ctx, globals, log)
	if err != nil {
		return err
	}
	defer st.Close()

	return printResult(stdout, st.Orchestrator.SyncRoutes(ctx), func(n int) any {
		return map[string]int{"routed": n}
	})
}

type RoutesListCmd struct{}

type routeFileView struct {
	Name    string `yaml:"name"`
	Enabled bool   `yaml:"enabled"`
}

func (c *RoutesListCmd) Run(ctx context.Context, globals *Globals) (err error) {
	ctx, log, done := operation(ctx, globals, "routes list", nil)
	defer func() { done(err) }()

	st, err := globals.Stack.openClient(ctx, globals, log)
	if err != nil {
		return err
	}
	defer st.Close()

	files := st.Router.Files()
	names, err := files.List("")
	if err != nil {
		return err
	}

	views := make([]routeFileView, 0, len(names))
	for _, name := range names {
		views = append(views, routeFileView{Name: name, Enabled: files.Enabled(name)})
	}
	return printYAML(stdout, views)
}

type RoutesShowCmd struct {
	TenantRef
}

func (c *RoutesShowCmd) Run(ctx context.Context, globals *Globals) (err error) {
	ctx, log, done := operation(ctx, globals, "routes show", map[string]any{"tenant": c.Tenant})
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

	conf, err := st.Router.Files().Read(routing.TenantFileName(id))
	if err != nil {
		return err
	}
	_, err = fmt.Fprint(stdout, conf)
	return err
}
