package webhook

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func testPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:      3,
		BaseDelay:        time.Second,
		MaxDelay:         time.Minute,
		BreakerThreshold: 5,
	}
}

// claimOne enqueues a delivery for the pair and claims it, returning
// the in-flight record the scheduler would hand to the engine.
func claimOne(t *testing.T, repo *memRepo, subID, eventID uuid.UUID, clock clockwork.Clock) *Delivery {
	t.Helper()
	created, err := repo.CreateDelivery(context.Background(), subID, eventID, clock.Now().UTC())
	require.NoError(t, err)
	require.True(t, created)

	now := clock.Now().UTC()
	claimed, err := repo.ClaimDue(context.Background(), now, now.Add(-testClaimLease), 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	return &claimed[0]
}

func TestAttemptDeliveredOn2xx(t *testing.T) {
	orgID := uuid.New()
	env := sampleEnvelope(orgID)

	var gotAttempt, gotEventID, gotSignature string
	var body []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ = io.ReadAll(r.Body)
		gotAttempt = r.Header.Get(AttemptHeader)
		gotEventID = r.Header.Get(EventIDHeader)
		gotSignature = r.Header.Get(SignatureHeader)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	repo := newMemRepo()
	sub := sampleSubscription(orgID, server.URL)
	sub.ConsecutiveFailures = 3
	repo.addSubscription(sub)

	clock := clockwork.NewFakeClock()
	engine := NewEngine(repo, repo, newMemEnvelopes(env), NewSender(time.Second), testPolicy(), clock)

	d := claimOne(t, repo, sub.ID, env.ID, clock)
	engine.Attempt(context.Background(), d)

	got := repo.delivery(d.ID)
	require.Equal(t, StatusDelivered, got.Status)
	require.Equal(t, 1, got.Attempts)
	require.NotNil(t, got.LastStatusCode)
	require.Equal(t, http.StatusOK, *got.LastStatusCode)
	require.NotNil(t, got.DeliveredAt)

	// A success clears the consecutive-failure counter.
	require.Equal(t, 0, repo.subscription(sub.ID).ConsecutiveFailures)

	require.Equal(t, "1", gotAttempt)
	require.Equal(t, env.ID.String(), gotEventID)
	require.True(t, VerifySignature(sub.Secret, body, gotSignature))
}

func TestAttemptSchedulesRetryOn5xx(t *testing.T) {
	orgID := uuid.New()
	env := sampleEnvelope(orgID)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	repo := newMemRepo()
	sub := sampleSubscription(orgID, server.URL)
	repo.addSubscription(sub)

	clock := clockwork.NewFakeClock()
	policy := testPolicy()
	engine := NewEngine(repo, repo, newMemEnvelopes(env), NewSender(time.Second), policy, clock)

	d := claimOne(t, repo, sub.ID, env.ID, clock)
	engine.Attempt(context.Background(), d)

	got := repo.delivery(d.ID)
	require.Equal(t, StatusRetryScheduled, got.Status)
	require.Equal(t, 1, got.Attempts)
	require.NotNil(t, got.LastStatusCode)
	require.Equal(t, http.StatusServiceUnavailable, *got.LastStatusCode)
	require.NotNil(t, got.LastError)

	// Backoff is jittered, so bound the schedule instead of pinning it.
	require.True(t, got.NextRetryAt.After(clock.Now()))
	require.False(t, got.NextRetryAt.After(clock.Now().Add(policy.MaxDelay)))

	// The counter tracks dead-lettered deliveries, not individual attempts.
	require.Equal(t, 0, repo.subscription(sub.ID).ConsecutiveFailures)
}

func TestAttemptDeadAfterMaxAttempts(t *testing.T) {
	orgID := uuid.New()
	env := sampleEnvelope(orgID)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	repo := newMemRepo()
	sub := sampleSubscription(orgID, server.URL)
	repo.addSubscription(sub)

	clock := clockwork.NewFakeClock()
	policy := testPolicy()
	engine := NewEngine(repo, repo, newMemEnvelopes(env), NewSender(time.Second), policy, clock)

	d := claimOne(t, repo, sub.ID, env.ID, clock)
	d.Attempts = policy.MaxAttempts - 1

	engine.Attempt(context.Background(), d)

	got := repo.delivery(d.ID)
	require.Equal(t, StatusDead, got.Status)
	require.Equal(t, policy.MaxAttempts, got.Attempts)
	require.Equal(t, 1, repo.subscription(sub.ID).ConsecutiveFailures)
	require.True(t, repo.subscription(sub.ID).Active)
}

func TestBreakerDeactivatesSubscription(t *testing.T) {
	orgID := uuid.New()
	env := sampleEnvelope(orgID)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	repo := newMemRepo()
	sub := sampleSubscription(orgID, server.URL)
	policy := testPolicy()
	sub.ConsecutiveFailures = policy.BreakerThreshold - 1
	repo.addSubscription(sub)

	clock := clockwork.NewFakeClock()
	engine := NewEngine(repo, repo, newMemEnvelopes(env), NewSender(time.Second), policy, clock)

	d := claimOne(t, repo, sub.ID, env.ID, clock)
	d.Attempts = policy.MaxAttempts - 1

	engine.Attempt(context.Background(), d)

	got := repo.subscription(sub.ID)
	require.False(t, got.Active)
	require.Equal(t, policy.BreakerThreshold, got.ConsecutiveFailures)
}

func TestAttemptInactiveSubscriptionSkipsHTTP(t *testing.T) {
	orgID := uuid.New()
	env := sampleEnvelope(orgID)

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	repo := newMemRepo()
	sub := sampleSubscription(orgID, server.URL)
	repo.addSubscription(sub)

	clock := clockwork.NewFakeClock()
	engine := NewEngine(repo, repo, newMemEnvelopes(env), NewSender(time.Second), testPolicy(), clock)

	d := claimOne(t, repo, sub.ID, env.ID, clock)
	require.NoError(t, repo.SetSubscriptionActive(context.Background(), sub.ID, false))

	engine.Attempt(context.Background(), d)

	got := repo.delivery(d.ID)
	require.Equal(t, StatusDead, got.Status)
	require.Equal(t, 0, got.Attempts)
	require.NotNil(t, got.LastError)
	require.Equal(t, ErrSubscriptionInactive.Error(), *got.LastError)
	require.Equal(t, int32(0), calls.Load())
}

func TestAttemptTransportErrorSchedulesRetry(t *testing.T) {
	orgID := uuid.New()
	env := sampleEnvelope(orgID)

	repo := newMemRepo()
	// Closed server: the dial fails, producing a transport error.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	sub := sampleSubscription(orgID, url)
	repo.addSubscription(sub)

	clock := clockwork.NewFakeClock()
	engine := NewEngine(repo, repo, newMemEnvelopes(env), NewSender(time.Second), testPolicy(), clock)

	d := claimOne(t, repo, sub.ID, env.ID, clock)
	engine.Attempt(context.Background(), d)

	got := repo.delivery(d.ID)
	require.Equal(t, StatusRetryScheduled, got.Status)
	require.Equal(t, 1, got.Attempts)
	require.Nil(t, got.LastStatusCode)
	require.NotNil(t, got.LastError)
}

func TestAttemptInfraFailureKeepsAttemptCount(t *testing.T) {
	orgID := uuid.New()

	repo := newMemRepo()
	sub := sampleSubscription(orgID, "http://localhost:0")
	repo.addSubscription(sub)

	clock := clockwork.NewFakeClock()
	// Empty envelope source: the event lookup fails before any HTTP.
	engine := NewEngine(repo, repo, newMemEnvelopes(), NewSender(time.Second), testPolicy(), clock)

	d := claimOne(t, repo, sub.ID, uuid.New(), clock)
	d.Attempts = 2

	engine.Attempt(context.Background(), d)

	got := repo.delivery(d.ID)
	require.Equal(t, StatusRetryScheduled, got.Status)
	require.Equal(t, 2, got.Attempts)
}

// Drives a delivery through the full claim/attempt cycle the scheduler
// would run, advancing the fake clock past each scheduled retry.
func driveToTerminal(t *testing.T, repo *memRepo, engine *Engine, clock *clockwork.FakeClock, id uuid.UUID, maxRounds int) Delivery {
	t.Helper()
	for i := 0; i < maxRounds; i++ {
		d := repo.delivery(id)
		if d.Terminal() {
			return d
		}
		clock.Advance(time.Hour)
		now := clock.Now().UTC()
		claimed, err := repo.ClaimDue(context.Background(), now, now.Add(-testClaimLease), 10)
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		engine.Attempt(context.Background(), &claimed[0])
	}
	return repo.delivery(id)
}

func TestDeliveryRecoversWithinAttemptBudget(t *testing.T) {
	orgID := uuid.New()
	env := sampleEnvelope(orgID)

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 5 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	repo := newMemRepo()
	sub := sampleSubscription(orgID, server.URL)
	repo.addSubscription(sub)

	clock := clockwork.NewFakeClock()
	policy := DefaultRetryPolicy()
	engine := NewEngine(repo, repo, newMemEnvelopes(env), NewSender(time.Second), policy, clock)

	created, err := repo.CreateDelivery(context.Background(), sub.ID, env.ID, clock.Now().UTC())
	require.NoError(t, err)
	require.True(t, created)
	var id uuid.UUID
	for _, d := range repo.snapshot() {
		id = d.ID
	}

	final := driveToTerminal(t, repo, engine, clock, id, 10)
	require.Equal(t, StatusDelivered, final.Status)
	require.Equal(t, 5, final.Attempts)
	require.Equal(t, int32(5), calls.Load())
	require.Equal(t, 0, repo.subscription(sub.ID).ConsecutiveFailures)
}

func TestDeliveryDeadAfterExhaustedAttempts(t *testing.T) {
	orgID := uuid.New()
	env := sampleEnvelope(orgID)

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	repo := newMemRepo()
	sub := sampleSubscription(orgID, server.URL)
	repo.addSubscription(sub)

	clock := clockwork.NewFakeClock()
	policy := DefaultRetryPolicy()
	engine := NewEngine(repo, repo, newMemEnvelopes(env), NewSender(time.Second), policy, clock)

	created, err := repo.CreateDelivery(context.Background(), sub.ID, env.ID, clock.Now().UTC())
	require.NoError(t, err)
	require.True(t, created)
	var id uuid.UUID
	for _, d := range repo.snapshot() {
		id = d.ID
	}

	final := driveToTerminal(t, repo, engine, clock, id, 10)
	require.Equal(t, StatusDead, final.Status)
	require.Equal(t, policy.MaxAttempts, final.Attempts)
	require.Equal(t, int32(policy.MaxAttempts), calls.Load())
	require.Equal(t, 1, repo.subscription(sub.ID).ConsecutiveFailures)

	// Dead is terminal: nothing further is claimable.
	clock.Advance(24 * time.Hour)
	now := clock.Now().UTC()
	claimed, err := repo.ClaimDue(context.Background(), now, now.Add(-testClaimLease), 10)
	require.NoError(t, err)
	require.Empty(t, claimed)
}
