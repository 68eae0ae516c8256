package main

import (
	"context"

	"github.com/alecthomas/kong"
	"github.com/wolfeidau/storefleet/cmd/storefleet/internal/commands"
)

var (
	version = "dev"
	cli     struct {
		Debug   bool `help:"Enable debug mode."`
		Version kong.VersionFlag

		Stack commands.StackFlags `embed:""`

		Serve      commands.ServeCmd      `cmd:"" help:"Run the control plane, keeping routes and tenant channels converged"`
		Tenant     commands.TenantCmd     `cmd:"" help:"Manage tenants"`
		Definition commands.DefinitionCmd `cmd:"" help:"Manage theme and API definitions"`
		Routes     commands.RoutesCmd     `cmd:"" help:"Manage proxy routes"`
	}
)

func main() {
	ctx := context.Background()
	cmd := kong.Parse(&cli,
		kong.Name("storefleet"),
		kong.Description("Control plane for multi-tenant store hosting on Docker Swarm."),
		kong.Vars{
			"version": version,
		},
		kong.BindTo(ctx, (*context.Context)(nil)))
	err := cmd.Run(&commands.Globals{Debug: cli.Debug, Version: version, Stack: &cli.Stack})
	cmd.FatalIfErrorf(err)
}
