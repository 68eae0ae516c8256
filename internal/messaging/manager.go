// Package messaging maintains one Redis backed queue pair per tenant for
// asynchronous communication between the control plane and tenant services.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v5"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/storefleet/internal/syncmap"
	"github.com/wolfeidau/storefleet/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var ErrClosed = errors.New("messaging manager closed")

// Handler processes an inbound message. Returning an error retries the
// delivery; after the last attempt the message is moved to the failed queue.
type Handler func(ctx context.Context, msg Message) error

// Option configures a Manager.
type Option func(*Manager)

// WithHandler sets the handler invoked for every inbound message.
func WithHandler(h Handler) Option {
	return func(m *Manager) { m.handler = h }
}

// SendOnly registers channels and sends messages without consuming the
// outbound queues. Short lived processes use it so that every tenant message
// is left to the long running consumer.
func SendOnly() Option {
	return func(m *Manager) { m.sendOnly = true }
}

// WithClock replaces the clock used for timestamps and drain timeouts.
func WithClock(clk clock.Clock) Option {
	return func(m *Manager) { m.clock = clk }
}

type channel struct {
	tenantID uuid.UUID
	cancel   context.CancelFunc
	done     chan struct{}
}

// Manager owns the per tenant channels of this process. At most one consumer
// runs per tenant.
type Manager struct {
	client   redis.UniversalClient
	cfg      Config
	bus      *Bus
	handler  Handler
	sendOnly bool
	clock    clock.Clock
	channels syncmap.Map[uuid.UUID, *channel]

	closeMu sync.RWMutex
	closed  bool
}

// New creates a manager.
func New(client redis.UniversalClient, cfg Config, opts ...Option) (*Manager, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid messaging config: %w", err)
	}

	m := &Manager{
		client: client,
		cfg:    cfg,
		bus:    NewBus(),
		clock:  clock.New(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// NewClient creates a Redis client from cfg.
func NewClient(cfg Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// Bus returns the bus inbound messages are published on.
func (m *Manager) Bus() *Bus { return m.bus }

func (m *Manager) metaKey(tenantID uuid.UUID) string {
	return m.cfg.KeyPrefix + ":channel:" + tenantID.String()
}

// ackChannel is the pubsub channel drain acknowledgements are relayed on so a
// drain started in any process sees them.
func (m *Manager) ackChannel(tenantID uuid.UUID) string {
	return m.cfg.KeyPrefix + ":ack:" + tenantID.String()
}

// EnsureChannel makes sure the tenant's channel is registered and, unless the
// manager is send only, its consumer is running. Calling it again for a live
// channel is a no-op.
func (m *Manager) EnsureChannel(ctx context.Context, tenantID uuid.UUID) error {
	m.closeMu.RLock()
	defer m.closeMu.RUnlock()
	if m.closed {
		return ErrClosed
	}

	_, created := m.channels.GetOrCreate(tenantID, func() *channel {
		return m.start(tenantID)
	})
	if !created {
		return nil
	}

	err := m.client.HSet(ctx, m.metaKey(tenantID),
		"tenant_id", tenantID.String(),
		"inbound", InboundQueue(tenantID),
		"outbound", OutboundQueue(tenantID),
		"created_at", m.clock.Now().UTC().Format(time.RFC3339),
	).Err()
	if err != nil {
		m.stop(tenantID)
		return fmt.Errorf("failed to register channel: %w", err)
	}

	telemetry.GetMetrics().ActiveChannels.Add(ctx, 1)
	log.Info().Str("tenant_id", tenantID.String()).Msg("Messaging channel opened")

	return nil
}

// start launches the consumer goroutine. It runs under the registry lock so
// it must not block.
func (m *Manager) start(tenantID uuid.UUID) *channel {
	ctx, cancel := context.WithCancel(context.Background())
	ch := &channel{tenantID: tenantID, cancel: cancel, done: make(chan struct{})}
	if m.sendOnly {
		close(ch.done)
		return ch
	}
	go m.consume(ctx, ch)
	return ch
}

// Send enqueues event with payload for the tenant's service instances.
func (m *Manager) Send(ctx context.Context, tenantID uuid.UUID, event string, payload any) error {
	if err := m.EnsureChannel(ctx, tenantID); err != nil {
		return err
	}

	env, err := NewEnvelope(event, payload, m.clock.Now())
	if err != nil {
		return err
	}

	raw, err := marshalEnvelope(env)
	if err != nil {
		return err
	}

	queue := InboundQueue(tenantID)
	_, err = backoff.Retry(ctx, func() (int64, error) {
		return m.client.LPush(ctx, queue, raw).Result()
	}, m.retryOptions("send", tenantID)...)

	metrics := telemetry.GetMetrics()
	if err != nil {
		metrics.MessagesFailedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("direction", "outbound")))
		return fmt.Errorf("failed to send %s: %w", event, err)
	}

	metrics.MessagesSentTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("event", event)))
	log.Debug().Str("tenant_id", tenantID.String()).Str("event", event).Str("message_id", env.ID).Msg("Message sent")

	return nil
}

// Close stops the tenant's consumer and waits for it to exit. Closing a
// channel that is not open is a no-op.
func (m *Manager) Close(tenantID uuid.UUID) {
	if m.stop(tenantID) {
		telemetry.GetMetrics().ActiveChannels.Add(context.Background(), -1)
		log.Info().Str("tenant_id", tenantID.String()).Msg("Messaging channel closed")
	}
}

func (m *Manager) stop(tenantID uuid.UUID) bool {
	ch, ok := m.channels.LoadAndDelete(tenantID)
	if !ok {
		return false
	}
	ch.cancel()
	<-ch.done
	return true
}

// Shutdown closes every channel. EnsureChannel fails afterwards.
func (m *Manager) Shutdown() {
	m.closeMu.Lock()
	m.closed = true
	m.closeMu.Unlock()

	var wg sync.WaitGroup
	for _, ch := range m.channels.Values() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Close(ch.tenantID)
		}()
	}
	wg.Wait()
}

// Purge deletes the tenant's queues, failed queues and channel metadata.
func (m *Manager) Purge(ctx context.Context, tenantID uuid.UUID) error {
	in, out := InboundQueue(tenantID), OutboundQueue(tenantID)
	if err := m.client.Del(ctx, in, out, failedQueue(in), failedQueue(out), m.metaKey(tenantID)).Err(); err != nil {
		return fmt.Errorf("failed to purge channel: %w", err)
	}
	return nil
}

// Channels returns the tenants with an open channel, sorted.
func (m *Manager) Channels() []uuid.UUID {
	return m.channels.SortedKeys(func(a, b uuid.UUID) bool {
		return strings.Compare(a.String(), b.String()) < 0
	})
}

// Failed returns the retained failed messages of a queue, newest first.
func (m *Manager) Failed(ctx context.Context, queue string) ([]string, error) {
	return m.client.LRange(ctx, failedQueue(queue), 0, -1).Result()
}

func (m *Manager) consume(ctx context.Context, ch *channel) {
	defer close(ch.done)

	queue := OutboundQueue(ch.tenantID)
	logger := log.With().Str("tenant_id", ch.tenantID.String()).Str("queue", queue).Logger()
	logger.Debug().Msg("Consumer started")

	for {
		if ctx.Err() != nil {
			logger.Debug().Msg("Consumer stopped")
			return
		}

		res, err := m.client.BRPop(ctx, m.cfg.PopTimeout, queue).Result()
		switch {
		case errors.Is(err, redis.Nil):
			continue
		case err != nil:
			if ctx.Err() != nil {
				continue
			}
			logger.Warn().Err(err).Msg("Failed to pop message")
			select {
			case <-ctx.Done():
			case <-time.After(m.cfg.PopTimeout):
			}
			continue
		}

		// BRPOP replies with [queue, value]
		if len(res) != 2 {
			continue
		}
		// a popped message is finished even when shutdown started meanwhile
		m.deliver(context.WithoutCancel(ctx), ch.tenantID, queue, res[1])
	}
}

func (m *Manager) deliver(ctx context.Context, tenantID uuid.UUID, queue, raw string) {
	metrics := telemetry.GetMetrics()

	env, err := decodeEnvelope(raw)
	if err != nil {
		m.moveToFailed(ctx, queue, raw)
		log.Warn().Err(err).Str("tenant_id", tenantID.String()).Msg("Discarding undecodable message")
		return
	}

	metrics.MessagesReceivedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("event", env.Event)))

	msg := Message{TenantID: tenantID, Envelope: *env}
	m.bus.Publish(msg)

	if env.Event == EventDeleteRequiredAck {
		if err := m.client.Publish(ctx, m.ackChannel(tenantID), env.ID).Err(); err != nil {
			log.Warn().Err(err).Str("tenant_id", tenantID.String()).Msg("Failed to relay drain acknowledgement")
		}
	}

	if m.handler == nil {
		return
	}

	var attempts uint
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		return struct{}{}, m.handler(ctx, msg)
	}, m.retryOptions("handle", tenantID)...)
	if err == nil {
		return
	}

	env.Attempts = attempts
	env.Error = err.Error()
	failed, mErr := marshalEnvelope(env)
	if mErr != nil {
		failed = raw
	}
	m.moveToFailed(ctx, queue, failed)
	log.Error().Err(err).Str("tenant_id", tenantID.String()).Str("event", env.Event).Uint("attempts", attempts).Msg("Message handler failed")
}

// moveToFailed keeps the newest FailedRetention entries of the failed queue.
func (m *Manager) moveToFailed(ctx context.Context, queue, raw string) {
	key := failedQueue(queue)

	_, err := m.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, key, raw)
		pipe.LTrim(ctx, key, 0, m.cfg.FailedRetention-1)
		return nil
	})
	if err != nil {
		log.Error().Err(err).Str("queue", key).Msg("Failed to retain failed message")
		return
	}
	telemetry.GetMetrics().MessagesFailedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("direction", "inbound")))
}

func (m *Manager) retryOptions(op string, tenantID uuid.UUID) []backoff.RetryOption {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.cfg.RetryInterval
	b.Multiplier = 2

	return []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxTries(m.cfg.Attempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Debug().Err(err).Str("op", op).Str("tenant_id", tenantID.String()).Dur("retry_in", next).Msg("Retrying")
		}),
	}
}
