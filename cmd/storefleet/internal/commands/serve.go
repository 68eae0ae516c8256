package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/wolfeidau/storefleet/internal/logger"
	"github.com/wolfeidau/storefleet/internal/messaging"
	"github.com/wolfeidau/storefleet/internal/result"
)

type ServeCmd struct {
	ResyncInterval time.Duration `help:"interval between full route reconciliations, 0 disables" default:"5m" env:"STOREFLEET_RESYNC_INTERVAL"`
}

func (c *ServeCmd) Run(ctx context.Context, globals *Globals) error {
	log := logger.Setup(globals.Debug)

	log.Info().Str("version", globals.Version).Bool("debug", globals.Debug).Msg("Starting control plane")

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := globals.Stack.open(ctx, globals, log, messaging.WithHandler(inboundHandler(log)))
	if err != nil {
		return err
	}
	defer st.Close()

	c.converge(ctx, st, log)
	logOutcome(log, "warm_channels", st.Orchestrator.WarmChannels(ctx))

	if c.ResyncInterval <= 0 {
		<-ctx.Done()
		log.Info().Msg("Shutting down")
		return nil
	}

	ticker := time.NewTicker(c.ResyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Shutting down")
			return nil
		case <-ticker.C:
			c.converge(ctx, st, log)
		}
	}
}

func (c *ServeCmd) converge(ctx context.Context, st *stack, log zerolog.Logger) {
	res := st.Orchestrator.SyncRoutes(ctx)
	logOutcome(log, "sync_routes", res)
	log.Debug().Int("tenants", res.Value).Msg("Routes converged")
}

// inboundHandler logs messages sent by tenant services. Subscribers on the
// bus see every message regardless of the handler.
func inboundHandler(log zerolog.Logger) messaging.Handler {
	return func(ctx context.Context, msg messaging.Message) error {
		log.Info().
			Str("tenant_id", msg.TenantID.String()).
			Str("event", msg.Event).
			Str("message_id", msg.ID).
			Int("size", len(msg.Data)).
			Msg("Tenant message received")
		return nil
	}
}

func logOutcome(log zerolog.Logger, name string, outcome result.Outcome) {
	if outcome.Succeeded() {
		return
	}
	for _, s := range outcome.StepLog() {
		if s.Failed() {
			log.Warn().Err(s.Err).Str("workflow", name).Str("step", s.Name).Msg("Reconciliation step failed")
		}
	}
}
