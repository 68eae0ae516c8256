package messaging

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// DrainState is the outcome of the drain handshake.
type DrainState string

const (
	DrainRequested DrainState = "requested"
	DrainAcked     DrainState = "acked"
	DrainTimedOut  DrainState = "timed_out"
)

// Drain asks the tenant's instances to stop taking new work before they are
// removed. It sends delete_required and waits for delete_required:ack or the
// timeout, whichever comes first; both outcomes mean the caller may proceed.
// A zero timeout uses the configured DrainTimeout. DrainRequested is only
// returned together with an error.
func (m *Manager) Drain(ctx context.Context, tenantID uuid.UUID, timeout time.Duration) (DrainState, error) {
	if timeout <= 0 {
		timeout = m.cfg.DrainTimeout
	}

	logger := log.With().Str("tenant_id", tenantID.String()).Logger()

	// subscribe first so a fast ack is not missed
	sub := m.client.Subscribe(ctx, m.ackChannel(tenantID))
	defer func() { _ = sub.Close() }()
	if _, err := sub.Receive(ctx); err != nil {
		return DrainRequested, fmt.Errorf("failed to subscribe to drain acknowledgements: %w", err)
	}
	acks := sub.Channel()

	if err := m.Send(ctx, tenantID, EventDeleteRequired, map[string]string{"tenant_id": tenantID.String()}); err != nil {
		return DrainRequested, err
	}

	timer := m.clock.Timer(timeout)
	defer timer.Stop()

	select {
	case <-acks:
		logger.Info().Msg("Drain acknowledged")
		return DrainAcked, nil
	case <-timer.C:
		logger.Warn().Dur("timeout", timeout).Msg("Drain timed out")
		return DrainTimedOut, nil
	case <-ctx.Done():
		return DrainRequested, ctx.Err()
	}
}
