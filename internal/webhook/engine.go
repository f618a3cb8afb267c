package webhook

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/harborpay/eventflow/internal/backoff"
	"github.com/harborpay/eventflow/internal/event"
)

// SubscriptionStore is what the engine needs to read subscriptions and
// drive the circuit breaker.
type SubscriptionStore interface {
	GetSubscription(ctx context.Context, id uuid.UUID) (*Subscription, error)
	SetSubscriptionActive(ctx context.Context, id uuid.UUID, active bool) error
	IncrementFailures(ctx context.Context, id uuid.UUID) (int, error)
	ResetFailures(ctx context.Context, id uuid.UUID) error
}

// DeliveryLedger records the outcome of delivery attempts. Only the
// engine transitions a claimed delivery out of in-flight.
type DeliveryLedger interface {
	MarkDelivered(ctx context.Context, id uuid.UUID, attempts, statusCode int, at time.Time) error
	MarkRetryScheduled(ctx context.Context, id uuid.UUID, attempts int, statusCode *int, lastError string, nextRetryAt time.Time) error
	MarkDead(ctx context.Context, id uuid.UUID, attempts int, statusCode *int, lastError string) error
}

// EnvelopeSource loads the committed envelope a delivery refers to.
type EnvelopeSource interface {
	FetchByID(ctx context.Context, id uuid.UUID) (*event.Envelope, error)
}

// RetryPolicy holds the backoff and breaker constants.
type RetryPolicy struct {
	MaxAttempts      int
	BaseDelay        time.Duration
	MaxDelay         time.Duration
	BreakerThreshold int
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:      5,
		BaseDelay:        time.Second,
		MaxDelay:         5 * time.Minute,
		BreakerThreshold: 10,
	}
}

// Engine owns the per-delivery state machine. The scheduler hands it
// claimed (in-flight) deliveries; the engine executes one HTTP attempt
// and records the resulting transition.
type Engine struct {
	subs   SubscriptionStore
	ledger DeliveryLedger
	events EnvelopeSource
	sender *Sender
	policy RetryPolicy
	clock  clockwork.Clock
}

func NewEngine(subs SubscriptionStore, ledger DeliveryLedger, events EnvelopeSource, sender *Sender, policy RetryPolicy, clock clockwork.Clock) *Engine {
	return &Engine{
		subs:   subs,
		ledger: ledger,
		events: events,
		sender: sender,
		policy: policy,
		clock:  clock,
	}
}

// Attempt executes one delivery attempt for a claimed record. It never
// returns an error to the scheduler: every outcome is absorbed into
// the ledger, per the propagation policy that delivery failures stay
// local.
func (e *Engine) Attempt(ctx context.Context, d *Delivery) {
	sub, err := e.subs.GetSubscription(ctx, d.SubscriptionID)
	if err != nil {
		e.rescheduleInfra(ctx, d, fmt.Sprintf("subscription lookup failed: %v", err))
		return
	}

	if !sub.Active {
		// Breaker tripped (or operator deactivation) while this
		// delivery was queued: dead without an attempt.
		e.markDead(ctx, d, sub, d.Attempts, nil, ErrSubscriptionInactive.Error())
		return
	}

	env, err := e.events.FetchByID(ctx, d.EventID)
	if err != nil {
		e.rescheduleInfra(ctx, d, fmt.Sprintf("event lookup failed: %v", err))
		return
	}

	attempt := d.Attempts + 1
	res, err := e.sender.Send(ctx, sub, env, attempt)

	if err == nil && res.OK() {
		now := e.clock.Now().UTC()
		if err := e.ledger.MarkDelivered(ctx, d.ID, attempt, res.StatusCode, now); err != nil {
			log.Error().Err(err).Str("delivery_id", d.ID.String()).Msg("failed to record delivered state")
			return
		}
		if err := e.subs.ResetFailures(ctx, sub.ID); err != nil {
			log.Error().Err(err).Str("subscription_id", sub.ID.String()).Msg("failed to reset failure counter")
		}
		log.Info().
			Str("delivery_id", d.ID.String()).
			Str("event_id", d.EventID.String()).
			Int("attempts", attempt).
			Int("status", res.StatusCode).
			Msg("webhook delivered")
		return
	}

	// Non-2xx responses and transport errors feed the same backoff
	// path: the receiver's transient failures are indistinguishable
	// from outages.
	var statusCode *int
	var reason string
	if err != nil {
		reason = err.Error()
	} else {
		statusCode = &res.StatusCode
		reason = fmt.Sprintf("endpoint returned %d", res.StatusCode)
	}

	if attempt >= e.policy.MaxAttempts {
		e.markDead(ctx, d, sub, attempt, statusCode, reason)
		return
	}

	next := e.clock.Now().Add(backoff.Delay(e.policy.BaseDelay, e.policy.MaxDelay, attempt))
	if err := e.ledger.MarkRetryScheduled(ctx, d.ID, attempt, statusCode, reason, next); err != nil {
		log.Error().Err(err).Str("delivery_id", d.ID.String()).Msg("failed to record retry state")
		return
	}
	log.Warn().
		Str("delivery_id", d.ID.String()).
		Str("event_id", d.EventID.String()).
		Int("attempt", attempt).
		Time("next_retry_at", next).
		Str("reason", reason).
		Msg("webhook attempt failed, retry scheduled")
}

func (e *Engine) markDead(ctx context.Context, d *Delivery, sub *Subscription, attempts int, statusCode *int, reason string) {
	if err := e.ledger.MarkDead(ctx, d.ID, attempts, statusCode, reason); err != nil {
		log.Error().Err(err).Str("delivery_id", d.ID.String()).Msg("failed to record dead state")
		return
	}

	log.Error().
		Str("delivery_id", d.ID.String()).
		Str("event_id", d.EventID.String()).
		Str("subscription_id", sub.ID.String()).
		Int("attempts", attempts).
		Str("reason", reason).
		Msg("webhook delivery dead-lettered")

	failures, err := e.subs.IncrementFailures(ctx, sub.ID)
	if err != nil {
		log.Error().Err(err).Str("subscription_id", sub.ID.String()).Msg("failed to increment failure counter")
		return
	}

	if sub.Active && failures >= e.policy.BreakerThreshold {
		if err := e.subs.SetSubscriptionActive(ctx, sub.ID, false); err != nil {
			log.Error().Err(err).Str("subscription_id", sub.ID.String()).Msg("failed to deactivate subscription")
			return
		}
		log.Warn().
			Str("subscription_id", sub.ID.String()).
			Int("consecutive_failures", failures).
			Msg("circuit breaker tripped, subscription deactivated")
	}
}

// rescheduleInfra handles failures of the engine's own dependencies
// (stores, not the receiver): the attempt did not happen, so the
// attempt count stays put and the record goes back on the schedule.
func (e *Engine) rescheduleInfra(ctx context.Context, d *Delivery, reason string) {
	next := e.clock.Now().Add(e.policy.BaseDelay)
	if err := e.ledger.MarkRetryScheduled(ctx, d.ID, d.Attempts, d.LastStatusCode, reason, next); err != nil {
		log.Error().Err(err).Str("delivery_id", d.ID.String()).Msg("failed to reschedule delivery")
	}
}
