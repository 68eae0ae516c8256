package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/benbjohnson/clock"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var tenantID = uuid.MustParse("0b4c7a52-1d3e-4f60-8a9b-2c3d4e5f6a7b")

func setupManager(t *testing.T, opts ...Option) (*miniredis.Miniredis, *redis.Client, *Manager) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	m, err := New(client, Config{RetryInterval: time.Millisecond, FailedRetention: 3}, opts...)
	require.NoError(t, err)
	t.Cleanup(m.Shutdown)

	return mr, client, m
}

func push(t *testing.T, client *redis.Client, queue string, env Envelope) {
	t.Helper()
	raw, err := json.Marshal(env)
	require.NoError(t, err)
	require.NoError(t, client.LPush(context.Background(), queue, raw).Err())
}

func TestEnsureChannel(t *testing.T) {
	ctx := context.Background()
	mr, _, m := setupManager(t)

	require.NoError(t, m.EnsureChannel(ctx, tenantID))
	require.NoError(t, m.EnsureChannel(ctx, tenantID))

	require.Equal(t, []uuid.UUID{tenantID}, m.Channels())
	require.Equal(t, "control-to-tenant:"+tenantID.String(), mr.HGet("storefleet:channel:"+tenantID.String(), "inbound"))
	require.Equal(t, "tenant-to-control:"+tenantID.String(), mr.HGet("storefleet:channel:"+tenantID.String(), "outbound"))

	t.Run("close is idempotent", func(t *testing.T) {
		m.Close(tenantID)
		m.Close(tenantID)
		require.Empty(t, m.Channels())
	})

	t.Run("closed manager refuses new channels", func(t *testing.T) {
		m.Shutdown()
		require.ErrorIs(t, m.EnsureChannel(ctx, tenantID), ErrClosed)
	})
}

func TestSend(t *testing.T) {
	ctx := context.Background()
	mock := clock.NewMock()
	_, client, m := setupManager(t, WithClock(mock))

	require.NoError(t, m.Send(ctx, tenantID, "cache_clear", map[string]string{"scope": "all"}))

	// sending opens the channel
	require.Equal(t, []uuid.UUID{tenantID}, m.Channels())

	raw, err := client.RPop(ctx, InboundQueue(tenantID)).Result()
	require.NoError(t, err)

	env, err := decodeEnvelope(raw)
	require.NoError(t, err)
	require.Equal(t, "cache_clear", env.Event)
	require.NotEmpty(t, env.ID)
	require.True(t, mock.Now().Equal(env.SentAt))

	var data map[string]string
	require.NoError(t, env.Decode(&data))
	require.Equal(t, "all", data["scope"])

	t.Run("redis errors surface after retries", func(t *testing.T) {
		mr, _, m := setupManager(t)
		require.NoError(t, m.EnsureChannel(ctx, tenantID))

		mr.SetError("LOADING Redis is loading the dataset in memory")
		defer mr.SetError("")

		err := m.Send(ctx, tenantID, "cache_clear", nil)
		require.ErrorContains(t, err, "failed to send cache_clear")
	})
}

func TestInboundMessages(t *testing.T) {
	ctx := context.Background()

	t.Run("published on the bus", func(t *testing.T) {
		_, client, m := setupManager(t)

		sub, cancel := m.Bus().Subscribe(tenantID, "order_created", 1)
		defer cancel()
		require.NoError(t, m.EnsureChannel(ctx, tenantID))

		push(t, client, OutboundQueue(tenantID), Envelope{Event: "order_created", Data: json.RawMessage(`{"order":42}`)})

		select {
		case msg := <-sub:
			require.Equal(t, tenantID, msg.TenantID)
			require.JSONEq(t, `{"order":42}`, string(msg.Data))
		case <-time.After(5 * time.Second):
			t.Fatal("message not delivered")
		}
	})

	t.Run("handler is retried then the message is retained as failed", func(t *testing.T) {
		var calls atomic.Int32
		_, client, m := setupManager(t, WithHandler(func(ctx context.Context, msg Message) error {
			calls.Add(1)
			return errors.New("downstream unavailable")
		}))
		require.NoError(t, m.EnsureChannel(ctx, tenantID))

		push(t, client, OutboundQueue(tenantID), Envelope{Event: "order_created"})

		require.Eventually(t, func() bool {
			n, err := client.LLen(ctx, failedQueue(OutboundQueue(tenantID))).Result()
			return err == nil && n == 1
		}, 5*time.Second, 10*time.Millisecond)
		require.Equal(t, int32(3), calls.Load())

		failed, err := m.Failed(ctx, OutboundQueue(tenantID))
		require.NoError(t, err)
		env, err := decodeEnvelope(failed[0])
		require.NoError(t, err)
		require.Equal(t, uint(3), env.Attempts)
		require.Equal(t, "downstream unavailable", env.Error)
	})

	t.Run("handled messages are discarded", func(t *testing.T) {
		handled := make(chan struct{}, 1)
		_, client, m := setupManager(t, WithHandler(func(ctx context.Context, msg Message) error {
			handled <- struct{}{}
			return nil
		}))
		require.NoError(t, m.EnsureChannel(ctx, tenantID))

		push(t, client, OutboundQueue(tenantID), Envelope{Event: "order_created"})

		select {
		case <-handled:
		case <-time.After(5 * time.Second):
			t.Fatal("handler not called")
		}
		n, err := client.Exists(ctx, OutboundQueue(tenantID), failedQueue(OutboundQueue(tenantID))).Result()
		require.NoError(t, err)
		require.Zero(t, n)
	})

	t.Run("failed retention is bounded", func(t *testing.T) {
		_, client, m := setupManager(t)
		require.NoError(t, m.EnsureChannel(ctx, tenantID))

		for range 5 {
			require.NoError(t, client.LPush(ctx, OutboundQueue(tenantID), "not json").Err())
		}

		require.Eventually(t, func() bool {
			n, err := client.LLen(ctx, OutboundQueue(tenantID)).Result()
			return err == nil && n == 0
		}, 5*time.Second, 10*time.Millisecond)
		require.Eventually(t, func() bool {
			failed, err := m.Failed(ctx, OutboundQueue(tenantID))
			return err == nil && len(failed) == 3
		}, 5*time.Second, 10*time.Millisecond)
	})
}

func TestPurge(t *testing.T) {
	ctx := context.Background()
	mr, client, m := setupManager(t)

	require.NoError(t, m.Send(ctx, tenantID, "cache_clear", nil))
	require.NoError(t, client.LPush(ctx, failedQueue(OutboundQueue(tenantID)), "x").Err())
	m.Close(tenantID)

	require.NoError(t, m.Purge(ctx, tenantID))
	require.False(t, mr.Exists(InboundQueue(tenantID)))
	require.False(t, mr.Exists(failedQueue(OutboundQueue(tenantID))))
	require.False(t, mr.Exists("storefleet:channel:"+tenantID.String()))

	// nothing left to purge
	require.NoError(t, m.Purge(ctx, tenantID))
}

func TestDrain(t *testing.T) {
	ctx := context.Background()

	t.Run("acknowledged", func(t *testing.T) {
		_, client, m := setupManager(t)

		// plays the tenant instance
		go func() {
			res, err := client.BRPop(ctx, 5*time.Second, InboundQueue(tenantID)).Result()
			if !assert.NoError(t, err) {
				return
			}
			env, err := decodeEnvelope(res[1])
			if !assert.NoError(t, err) || !assert.Equal(t, EventDeleteRequired, env.Event) {
				return
			}
			raw, _ := json.Marshal(Envelope{Event: EventDeleteRequiredAck})
			assert.NoError(t, client.LPush(ctx, OutboundQueue(tenantID), raw).Err())
		}()

		state, err := m.Drain(ctx, tenantID, 10*time.Second)
		require.NoError(t, err)
		require.Equal(t, DrainAcked, state)
	})

	t.Run("timed out", func(t *testing.T) {
		mock := clock.NewMock()
		_, _, m := setupManager(t, WithClock(mock))

		var state atomic.Value
		go func() {
			s, err := m.Drain(ctx, tenantID, time.Minute)
			assert.NoError(t, err)
			state.Store(s)
		}()

		require.Eventually(t, func() bool {
			mock.Add(time.Minute)
			return state.Load() != nil
		}, 5*time.Second, 10*time.Millisecond)
		require.Equal(t, DrainTimedOut, state.Load())
	})

	t.Run("cancelled", func(t *testing.T) {
		_, _, m := setupManager(t)

		ctx, cancel := context.WithCancel(ctx)
		go func() {
			time.Sleep(50 * time.Millisecond)
			cancel()
		}()

		state, err := m.Drain(ctx, tenantID, time.Minute)
		require.ErrorIs(t, err, context.Canceled)
		require.Equal(t, DrainRequested, state)
	})
}

func TestSendOnly(t *testing.T) {
	ctx := context.Background()

	var handled atomic.Int32
	mr, client, serve := setupManager(t, WithHandler(func(ctx context.Context, msg Message) error {
		handled.Add(1)
		return nil
	}))

	// a second process sharing the same Redis
	cliClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = cliClient.Close() })
	cli, err := New(cliClient, Config{RetryInterval: time.Millisecond}, SendOnly())
	require.NoError(t, err)
	t.Cleanup(cli.Shutdown)

	// the send only manager registers first and must not steal anything
	require.NoError(t, cli.EnsureChannel(ctx, tenantID))
	require.NoError(t, cli.Send(ctx, tenantID, "cache_clear", nil))
	require.Equal(t, "tenant-to-control:"+tenantID.String(), mr.HGet("storefleet:channel:"+tenantID.String(), "outbound"))

	require.NoError(t, serve.EnsureChannel(ctx, tenantID))
	for range 40 {
		push(t, client, OutboundQueue(tenantID), Envelope{Event: "order_created"})
	}

	require.Eventually(t, func() bool { return handled.Load() == 40 }, 5*time.Second, 10*time.Millisecond)

	t.Run("drain sees acks consumed elsewhere", func(t *testing.T) {
		// plays the tenant instance
		go func() {
			for {
				res, err := client.BRPop(ctx, 5*time.Second, InboundQueue(tenantID)).Result()
				if !assert.NoError(t, err) {
					return
				}
				env, err := decodeEnvelope(res[1])
				if !assert.NoError(t, err) {
					return
				}
				if env.Event != EventDeleteRequired {
					continue
				}
				raw, _ := json.Marshal(Envelope{ID: "ack-1", Event: EventDeleteRequiredAck})
				assert.NoError(t, client.LPush(ctx, OutboundQueue(tenantID), raw).Err())
				return
			}
		}()

		state, err := cli.Drain(ctx, tenantID, 10*time.Second)
		require.NoError(t, err)
		require.Equal(t, DrainAcked, state)
	})

	t.Run("close and shutdown do not block", func(t *testing.T) {
		cli.Close(tenantID)
		require.Empty(t, cli.Channels())
	})
}

func TestBus(t *testing.T) {
	bus := NewBus()

	sub, cancel := bus.Subscribe(tenantID, "a", 1)
	other, cancelOther := bus.Subscribe(uuid.New(), "a", 1)
	defer cancelOther()

	require.Equal(t, 1, bus.Publish(Message{TenantID: tenantID, Envelope: Envelope{Event: "a"}}))
	require.Len(t, sub, 1)
	require.Empty(t, other)

	// full subscribers drop instead of blocking
	require.Equal(t, 0, bus.Publish(Message{TenantID: tenantID, Envelope: Envelope{Event: "a"}}))

	cancel()
	cancel()
	require.Equal(t, 0, bus.Publish(Message{TenantID: tenantID, Envelope: Envelope{Event: "a"}}))
}
