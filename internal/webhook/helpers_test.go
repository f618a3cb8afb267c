package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/harborpay/eventflow/internal/event"
)

const testClaimLease = 5 * time.Minute

// memRepo is an in-memory stand-in for the Postgres repository with the
// same claim and transition semantics.
type memRepo struct {
	mu         sync.Mutex
	subs       map[uuid.UUID]*Subscription
	deliveries map[uuid.UUID]*Delivery
	released   []uuid.UUID
}

func newMemRepo() *memRepo {
	return &memRepo{
		subs:       make(map[uuid.UUID]*Subscription),
		deliveries: make(map[uuid.UUID]*Delivery),
	}
}

func (r *memRepo) addSubscription(sub *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs[sub.ID] = sub
}

func (r *memRepo) delivery(id uuid.UUID) Delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.deliveries[id]
}

func (r *memRepo) subscription(id uuid.UUID) Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.subs[id]
}

func (r *memRepo) snapshot() []Delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Delivery, 0, len(r.deliveries))
	for _, d := range r.deliveries {
		out = append(out, *d)
	}
	return out
}

func (r *memRepo) releasedIDs() []uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]uuid.UUID, len(r.released))
	copy(out, r.released)
	return out
}

func (r *memRepo) GetSubscription(ctx context.Context, id uuid.UUID) (*Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[id]
	if !ok {
		return nil, fmt.Errorf("subscription %s: %w", id, ErrNotFound)
	}
	copied := *sub
	return &copied, nil
}

func (r *memRepo) SetSubscriptionActive(ctx context.Context, id uuid.UUID, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[id]
	if !ok {
		return ErrNotFound
	}
	sub.Active = active
	if active {
		sub.ConsecutiveFailures = 0
	}
	return nil
}

func (r *memRepo) IncrementFailures(ctx context.Context, id uuid.UUID) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[id]
	if !ok {
		return 0, ErrNotFound
	}
	sub.ConsecutiveFailures++
	return sub.ConsecutiveFailures, nil
}

func (r *memRepo) ResetFailures(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[id]
	if !ok {
		return ErrNotFound
	}
	sub.ConsecutiveFailures = 0
	return nil
}

func (r *memRepo) ActiveSubscriptionsForEvent(ctx context.Context, orgID uuid.UUID, eventType string) ([]Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Subscription
	for _, sub := range r.subs {
		if sub.OrganizationID == orgID && sub.Active && sub.Matches(eventType) {
			out = append(out, *sub)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out, nil
}

func (r *memRepo) CreateDelivery(ctx context.Context, subscriptionID, eventID uuid.UUID, nextRetryAt time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range r.deliveries {
		if d.SubscriptionID == subscriptionID && d.EventID == eventID {
			return false, nil
		}
	}
	id := uuid.New()
	r.deliveries[id] = &Delivery{
		ID:             id,
		SubscriptionID: subscriptionID,
		EventID:        eventID,
		Status:         StatusPending,
		NextRetryAt:    nextRetryAt,
	}
	return true, nil
}

func (r *memRepo) ClaimDue(ctx context.Context, now, staleBefore time.Time, limit int32) ([]Delivery, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var claimed []Delivery
	for _, d := range r.deliveries {
		if int32(len(claimed)) >= limit {
			break
		}
		due := (d.Status == StatusPending || d.Status == StatusRetryScheduled) && !d.NextRetryAt.After(now)
		stale := d.Status == StatusInFlight && !d.UpdatedAt.After(staleBefore)
		if due || stale {
			d.Status = StatusInFlight
			d.UpdatedAt = now
			claimed = append(claimed, *d)
		}
	}
	return claimed, nil
}

func (r *memRepo) Release(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.deliveries[id]
	if !ok || d.Status != StatusInFlight {
		return ErrNotFound
	}
	d.Status = StatusPending
	r.released = append(r.released, id)
	return nil
}

func (r *memRepo) MarkDelivered(ctx context.Context, id uuid.UUID, attempts, statusCode int, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.deliveries[id]
	if !ok {
		return ErrNotFound
	}
	d.Status = StatusDelivered
	d.Attempts = attempts
	d.LastStatusCode = &statusCode
	d.DeliveredAt = &at
	return nil
}

func (r *memRepo) MarkRetryScheduled(ctx context.Context, id uuid.UUID, attempts int, statusCode *int, lastError string, nextRetryAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.deliveries[id]
	if !ok {
		return ErrNotFound
	}
	d.Status = StatusRetryScheduled
	d.Attempts = attempts
	d.LastStatusCode = statusCode
	d.LastError = &lastError
	d.NextRetryAt = nextRetryAt
	return nil
}

func (r *memRepo) MarkDead(ctx context.Context, id uuid.UUID, attempts int, statusCode *int, lastError string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.deliveries[id]
	if !ok {
		return ErrNotFound
	}
	d.Status = StatusDead
	d.Attempts = attempts
	d.LastStatusCode = statusCode
	d.LastError = &lastError
	return nil
}

// memEnvelopes is a fixed envelope lookup for the engine.
type memEnvelopes struct {
	mu        sync.Mutex
	envelopes map[uuid.UUID]*event.Envelope
}

func newMemEnvelopes(envs ...*event.Envelope) *memEnvelopes {
	m := &memEnvelopes{envelopes: make(map[uuid.UUID]*event.Envelope)}
	for _, env := range envs {
		m.envelopes[env.ID] = env
	}
	return m
}

func (m *memEnvelopes) FetchByID(ctx context.Context, id uuid.UUID) (*event.Envelope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	env, ok := m.envelopes[id]
	if !ok {
		return nil, fmt.Errorf("event %s not found", id)
	}
	return env, nil
}

func sampleEnvelope(orgID uuid.UUID) *event.Envelope {
	return &event.Envelope{
		ID:             uuid.New(),
		OrganizationID: orgID,
		AggregateID:    "pl_123",
		AggregateType:  "payment_link",
		SequenceNumber: 1,
		EventType:      event.TypePaymentOrderCompleted,
		OccurredAt:     time.Now().UTC(),
		Data:           json.RawMessage(`{"amount_cents":1200}`),
	}
}

func sampleSubscription(orgID uuid.UUID, url string) *Subscription {
	return &Subscription{
		ID:             uuid.New(),
		OrganizationID: orgID,
		URL:            url,
		Secret:         "whsec_test",
		EventTypes:     []string{EventTypeWildcard},
		Active:         true,
	}
}
