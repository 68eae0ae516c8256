package messaging

import (
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Message is an inbound envelope tagged with the tenant it came from.
type Message struct {
	TenantID uuid.UUID
	Envelope
}

func busKey(tenantID uuid.UUID, event string) string {
	return tenantID.String() + ":" + event
}

// Bus re-emits inbound messages to local subscribers keyed by tenant and
// event. Publishing never blocks; a subscriber that falls behind loses
// messages.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[string]map[int]chan Message
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string]map[int]chan Message)}
}

// Subscribe returns a channel receiving messages for tenantID and event and a
// function that cancels the subscription.
func (b *Bus) Subscribe(tenantID uuid.UUID, event string, buffer int) (<-chan Message, func()) {
	key := busKey(tenantID, event)
	ch := make(chan Message, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	if b.subs[key] == nil {
		b.subs[key] = make(map[int]chan Message)
	}
	b.subs[key][id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs[key], id)
			if len(b.subs[key]) == 0 {
				delete(b.subs, key)
			}
		})
	}
}

// Publish delivers msg to every subscriber of its tenant and event and
// returns the number of subscribers reached.
func (b *Bus) Publish(msg Message) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	delivered := 0
	for _, ch := range b.subs[busKey(msg.TenantID, msg.Event)] {
		select {
		case ch <- msg:
			delivered++
		default:
			log.Warn().Str("tenant_id", msg.TenantID.String()).Str("event", msg.Event).Msg("Subscriber full, dropping message")
		}
	}
	return delivered
}
