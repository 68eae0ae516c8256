package routing

import (
	"context"
	"fmt"

	"github.com/wolfeidau/storefleet/internal/shell"
)

// Reloader makes the proxy pick up configuration changes.
type Reloader interface {
	Reload(ctx context.Context) error
}

// CommandReloader validates the configuration with `nginx -t` and then
// signals the master process with `nginx -s reload`.
type CommandReloader struct {
	runner shell.Runner
	binary string
}

// NewCommandReloader creates a reloader running binary, "nginx" when empty.
func NewCommandReloader(runner shell.Runner, binary string) *CommandReloader {
	if binary == "" {
		binary = "nginx"
	}
	return &CommandReloader{runner: runner, binary: binary}
}

// Reload implements Reloader. A configuration that fails the test is never
// loaded.
func (r *CommandReloader) Reload(ctx context.Context) error {
	if _, err := r.runner.Run(ctx, r.binary, "-t"); err != nil {
		return fmt.Errorf("proxy config test failed: %w", err)
	}
	if _, err := r.runner.Run(ctx, r.binary, "-s", "reload"); err != nil {
		return fmt.Errorf("proxy reload failed: %w", err)
	}
	return nil
}
