package webhook

import (
	"time"

	"github.com/google/uuid"
)

// Subscription routes matching events of one organization to an HTTP
// endpoint. It is owned by the organization and only referenced, never
// mutated, by delivery records; the dispatch engine mutates its
// consecutive-failure counter and active flag.
type Subscription struct {
	ID                  uuid.UUID `json:"id"`
	OrganizationID      uuid.UUID `json:"organization_id"`
	URL                 string    `json:"url"`
	Secret              string    `json:"-"`
	EventTypes          []string  `json:"event_types"`
	Active              bool      `json:"active"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// EventTypeWildcard subscribes an endpoint to every event type.
const EventTypeWildcard = "*"

// Matches reports whether the subscription wants the event type.
func (s *Subscription) Matches(eventType string) bool {
	for _, t := range s.EventTypes {
		if t == EventTypeWildcard || t == eventType {
			return true
		}
	}
	return false
}

// Status of a delivery record.
type Status string

const (
	StatusPending        Status = "pending"
	StatusInFlight       Status = "in_flight"
	StatusDelivered      Status = "delivered"
	StatusRetryScheduled Status = "retry_scheduled"
	StatusDead           Status = "dead"
)

// Delivery is the persisted record of one (subscription, event) pair.
// Created when a matching event is enqueued, mutated only by the
// dispatch engine, immutable once terminal.
type Delivery struct {
	ID             uuid.UUID  `json:"id"`
	SubscriptionID uuid.UUID  `json:"subscription_id"`
	EventID        uuid.UUID  `json:"event_id"`
	Status         Status     `json:"status"`
	Attempts       int        `json:"attempts"`
	LastStatusCode *int       `json:"last_status_code,omitempty"`
	LastError      *string    `json:"last_error,omitempty"`
	NextRetryAt    time.Time  `json:"next_retry_at"`
	DeliveredAt    *time.Time `json:"delivered_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Terminal reports whether the delivery reached a final state.
func (d *Delivery) Terminal() bool {
	return d.Status == StatusDelivered || d.Status == StatusDead
}
