package event

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Envelope is the immutable record of one domain event. It is created
// once by the event log at append time and never mutated afterwards.
type Envelope struct {
	ID             uuid.UUID       `json:"event_id"`
	OrganizationID uuid.UUID       `json:"organization_id"`
	AggregateID    string          `json:"aggregate_id"`
	AggregateType  string          `json:"aggregate_type"`
	SequenceNumber int64           `json:"sequence_number"`
	EventType      string          `json:"event_type"`
	OccurredAt     time.Time       `json:"occurred_at"`
	Data           json.RawMessage `json:"data"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
}

// Event types emitted by the surrounding payment orchestration service.
// The core treats the type as an opaque dotted category; these constants
// exist for producers and tests.
const (
	TypeOrganizationCreated   = "organization.created"
	TypeOrganizationUpdated   = "organization.updated"
	TypePaymentLinkCreated    = "payment_link.created"
	TypePaymentLinkUpdated    = "payment_link.updated"
	TypePaymentOrderCreated   = "payment_order.created"
	TypePaymentOrderCompleted = "payment_order.completed"
	TypePaymentOrderFailed    = "payment_order.failed"
	TypeProviderLinked        = "provider.linked"
)

// Payload is the public view of an envelope sent to external receivers.
// It carries the fields consumers need to deduplicate (event_id) and to
// order events within one aggregate (occurred_at plus the aggregate id).
type Payload struct {
	EventID     uuid.UUID       `json:"event_id"`
	EventType   string          `json:"event_type"`
	AggregateID string          `json:"aggregate_id"`
	OccurredAt  time.Time       `json:"occurred_at"`
	Data        json.RawMessage `json:"data"`
}

// Payload returns the external view of the envelope.
func (e *Envelope) Payload() Payload {
	return Payload{
		EventID:     e.ID,
		EventType:   e.EventType,
		AggregateID: e.AggregateID,
		OccurredAt:  e.OccurredAt,
		Data:        e.Data,
	}
}

// PayloadJSON marshals the external view of the envelope.
func (e *Envelope) PayloadJSON() ([]byte, error) {
	return json.Marshal(e.Payload())
}
