package webhook

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/harborpay/eventflow/internal/event"
)

// SubscriptionDirectory enumerates the subscriptions an envelope fans
// out to.
type SubscriptionDirectory interface {
	ActiveSubscriptionsForEvent(ctx context.Context, orgID uuid.UUID, eventType string) ([]Subscription, error)
}

// DeliveryEnqueuer creates pending delivery records idempotently.
type DeliveryEnqueuer interface {
	CreateDelivery(ctx context.Context, subscriptionID, eventID uuid.UUID, nextRetryAt time.Time) (bool, error)
}

// Waker is poked after new deliveries are enqueued so the scheduler
// picks them up without waiting for the next tick.
type Waker interface {
	Wake()
}

// Dispatcher fans a published envelope out to the matching active
// subscriptions of its organization, one delivery record per match.
type Dispatcher struct {
	subs   SubscriptionDirectory
	ledger DeliveryEnqueuer
	waker  Waker
	clock  clockwork.Clock
}

func NewDispatcher(subs SubscriptionDirectory, ledger DeliveryEnqueuer, clock clockwork.Clock) *Dispatcher {
	return &Dispatcher{
		subs:   subs,
		ledger: ledger,
		clock:  clock,
	}
}

// SetWaker attaches the scheduler wake-up; optional.
func (d *Dispatcher) SetWaker(w Waker) {
	d.waker = w
}

// Dispatch enqueues one pending delivery per matching subscription.
// Re-dispatching the same envelope (crash-and-resume, publish retry)
// is a no-op thanks to the (subscription, event) uniqueness.
func (d *Dispatcher) Dispatch(ctx context.Context, env *event.Envelope) (int, error) {
	subs, err := d.subs.ActiveSubscriptionsForEvent(ctx, env.OrganizationID, env.EventType)
	if err != nil {
		return 0, fmt.Errorf("failed to enumerate subscriptions for event %s: %w", env.ID, err)
	}
	if len(subs) == 0 {
		return 0, nil
	}

	now := d.clock.Now().UTC()
	enqueued := 0
	for _, sub := range subs {
		created, err := d.ledger.CreateDelivery(ctx, sub.ID, env.ID, now)
		if err != nil {
			return enqueued, fmt.Errorf("failed to enqueue delivery for subscription %s: %w", sub.ID, err)
		}
		if created {
			enqueued++
		}
	}

	if enqueued > 0 {
		log.Debug().
			Str("event_id", env.ID.String()).
			Str("event_type", env.EventType).
			Int("deliveries", enqueued).
			Msg("webhook deliveries enqueued")
		if d.waker != nil {
			d.waker.Wake()
		}
	}
	return enqueued, nil
}

// EnvelopePublished implements the relay hook. Enqueue failures stay
// local: the delivery ledger is the operator's window into them, and
// the producer path is never failed for webhook trouble.
func (d *Dispatcher) EnvelopePublished(ctx context.Context, env *event.Envelope) {
	if _, err := d.Dispatch(ctx, env); err != nil {
		log.Error().Err(err).Str("event_id", env.ID.String()).Msg("webhook dispatch failed")
	}
}
