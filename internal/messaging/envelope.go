package messaging

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Events used by the drain handshake.
const (
	EventDeleteRequired    = "delete_required"
	EventDeleteRequiredAck = "delete_required:ack"
)

// InboundQueue is the queue carrying messages from the control plane to a
// tenant's service instances.
func InboundQueue(tenantID uuid.UUID) string {
	return "control-to-tenant:" + tenantID.String()
}

// OutboundQueue is the queue carrying messages from a tenant's service
// instances back to the control plane.
func OutboundQueue(tenantID uuid.UUID) string {
	return "tenant-to-control:" + tenantID.String()
}

func failedQueue(queue string) string {
	return queue + ":failed"
}

// Envelope is the wire format of every queued message.
type Envelope struct {
	ID       string          `json:"id,omitempty"`
	Event    string          `json:"event"`
	Data     json.RawMessage `json:"data,omitempty"`
	SentAt   time.Time       `json:"sent_at,omitzero"`
	Attempts uint            `json:"attempts,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// NewEnvelope marshals payload into an envelope for event.
func NewEnvelope(event string, payload any, now time.Time) (*Envelope, error) {
	env := &Envelope{ID: uuid.NewString(), Event: event, SentAt: now.UTC()}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", event, err)
		}
		env.Data = data
	}
	return env, nil
}

// Decode unmarshals the envelope data into v.
func (e *Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("message %s has no data", e.Event)
	}
	return json.Unmarshal(e.Data, v)
}

func decodeEnvelope(raw string) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}
	if env.Event == "" {
		return nil, fmt.Errorf("message has no event")
	}
	return &env, nil
}

func marshalEnvelope(env *Envelope) (string, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("failed to encode message: %w", err)
	}
	return string(raw), nil
}
