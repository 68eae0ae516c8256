package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/wolfeidau/storefleet/internal/lifecycle"
	"github.com/wolfeidau/storefleet/internal/models"
	"github.com/wolfeidau/storefleet/internal/result"
)

type DefinitionCmd struct {
	Create     DefinitionCreateCmd     `cmd:"" help:"Add a theme or API definition"`
	Update     DefinitionUpdateCmd     `cmd:"" help:"Change a definition, rolling out new images to its tenants"`
	SetDefault DefinitionSetDefaultCmd `cmd:"" help:"Make a definition the default of its kind"`
	Delete     DefinitionDeleteCmd     `cmd:"" help:"Remove an unused definition"`
	List       DefinitionListCmd       `cmd:"" help:"List definitions of a kind"`
}

// DefinitionRef is the positional kind and definition arguments shared by
// definition commands.
type DefinitionRef struct {
	Kind       string `arg:"" enum:"theme,api" help:"definition kind (theme or api)"`
	Definition string `arg:"" help:"definition id or name"`
}

type definitionWorkflow func(ctx context.Context, o *lifecycle.Orchestrator, id uuid.UUID) *result.Result[*models.Definition]

func definitionValue(d *models.Definition) any { return newDefinitionView(d) }

func (r DefinitionRef) run(ctx context.Context, globals *Globals, name string, fn definitionWorkflow) (err error) {
	ctx, log, done := operation(ctx, globals, name, map[string]any{"kind": r.Kind, "definition": r.Definition})
	defer func() { done(err) }()

	st, err := globals.Stack.openClient(ctx, globals, log)
	if err != nil {
		return err
	}
	defer st.Close()

	id, err := resolveDefinition(ctx, st.Orchestrator.Definitions, models.DefinitionKind(r.Kind), r.Definition)
	if err != nil {
		return err
	}

	return printResult(stdout, fn(ctx, st.Orchestrator, id), definitionValue)
}

type DefinitionCreateCmd struct {
	Kind     string `arg:"" enum:"theme,api" help:"definition kind (theme or api)"`
	Name     string `arg:"" help:"definition name"`
	Image    string `arg:"" help:"container image"`
	Port     int    `help:"port the service listens on" required:""`
	Inactive bool   `help:"create the definition disabled"`
	Default  bool   `help:"make it the default of its kind"`
}

func (c *DefinitionCreateCmd) Run(ctx context.Context, globals *Globals) (err error) {
	ctx, log, done := operation(ctx, globals, "definition create", map[string]any{"kind": c.Kind, "definition": c.Name})
	defer func() { done(err) }()

	st, err := globals.Stack.openClient(ctx, globals, log)
	if err != nil {
		return err
	}
	defer st.Close()

	res := st.Orchestrator.CreateDefinition(ctx, lifecycle.CreateDefinitionRequest{
		Kind:         models.DefinitionKind(c.Kind),
		Name:         c.Name,
		Image:        c.Image,
		InternalPort: c.Port,
		IsActive:     !c.Inactive,
		MakeDefault:  c.Default,
	})
	return printResult(stdout, res, definitionValue)
}

type DefinitionUpdateCmd struct {
	DefinitionRef
	Name   *string `help:"new name"`
	Image  *string `help:"new container image"`
	Port   *int    `help:"new port"`
	Active *bool   `help:"enable or disable the definition" negatable:""`
}

func (c *DefinitionUpdateCmd) Run(ctx context.Context, globals *Globals) error {
	if c.Name == nil && c.Image == nil && c.Port == nil && c.Active == nil {
		return errors.New("nothing to update, pass --name, --image, --port or --[no-]active")
	}
	req := lifecycle.UpdateDefinitionRequest{Name: c.Name, Image: c.Image, InternalPort: c.Port, IsActive: c.Active}
	return c.run(ctx, globals, "definition update", func(ctx context.Context, o *lifecycle.Orchestrator, id uuid.UUID) *result.Result[*models.Definition] {
		return o.UpdateDefinition(ctx, id, req)
	})
}

type DefinitionSetDefaultCmd struct {
	DefinitionRef
}

func (c *DefinitionSetDefaultCmd) Run(ctx context.Context, globals *Globals) error {
	return c.run(ctx, globals, "definition set-default", func(ctx context.Context, o *lifecycle.Orchestrator, id uuid.UUID) *result.Result[*models.Definition] {
		return o.SetDefault(ctx, models.DefinitionKind(c.Kind), id)
	})
}

type DefinitionDeleteCmd struct {
	DefinitionRef
}

func (c *DefinitionDeleteCmd) Run(ctx context.Context, globals *Globals) error {
	return c.run(ctx, globals, "definition delete", func(ctx context.Context, o *lifecycle.Orchestrator, id uuid.UUID) *result.Result[*models.Definition] {
		return o.DeleteDefinition(ctx, id)
	})
}

type DefinitionListCmd struct {
	Kind string `arg:"" enum:"theme,api" help:"definition kind (theme or api)"`
}

func (c *DefinitionListCmd) Run(ctx context.Context, globals *Globals) (err error) {
	ctx, log, done := operation(ctx, globals, "definition list", map[string]any{"kind": c.Kind})
	defer func() { done(err) }()

	db, err := globals.Stack.openStores(ctx, log)
	if err != nil {
		return err
	}
	defer db.close()

	defs, err := db.Definitions.List(ctx, models.DefinitionKind(c.Kind))
	if err != nil {
		return fmt.Errorf("failed to list definitions: %w", err)
	}

	views := make([]*definitionView, 0, len(defs))
	for _, d := range defs {
		views = append(views, newDefinitionView(d))
	}
	return printYAML(stdout, views)
}
