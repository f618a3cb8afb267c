package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/harborpay/eventflow/internal/event"
)

// memStore keeps envelopes per aggregate in memory and ignores the
// transaction handle, standing in for the Postgres store.
type memStore struct {
	mu        sync.Mutex
	envelopes map[string][]event.Envelope
}

func newMemStore() *memStore {
	return &memStore{envelopes: make(map[string][]event.Envelope)}
}

func (s *memStore) LockAggregate(ctx context.Context, tx *sql.Tx, aggregateID string) error {
	return nil
}

func (s *memStore) MaxSequence(ctx context.Context, tx *sql.Tx, aggregateID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	envs := s.envelopes[aggregateID]
	if len(envs) == 0 {
		return 0, nil
	}
	return envs[len(envs)-1].SequenceNumber, nil
}

func (s *memStore) Insert(ctx context.Context, tx *sql.Tx, env *event.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.envelopes[env.AggregateID] {
		if existing.SequenceNumber == env.SequenceNumber {
			return fmt.Errorf("insert envelope: duplicate sequence %d: %w", env.SequenceNumber, ErrSequenceConflict)
		}
	}
	s.envelopes[env.AggregateID] = append(s.envelopes[env.AggregateID], *env)
	return nil
}

func (s *memStore) StreamSince(ctx context.Context, aggregateID string, after int64) ([]event.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []event.Envelope
	for _, env := range s.envelopes[aggregateID] {
		if env.SequenceNumber > after {
			out = append(out, env)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SequenceNumber < out[j].SequenceNumber })
	return out, nil
}

func validRequest(aggregateID string) AppendRequest {
	return AppendRequest{
		OrganizationID: uuid.New(),
		AggregateID:    aggregateID,
		AggregateType:  "payment_link",
		EventType:      event.TypePaymentLinkCreated,
		Data:           json.RawMessage(`{"amount_cents":1200}`),
	}
}

func TestAppendAssignsContiguousSequence(t *testing.T) {
	store := newMemStore()
	l := NewLog(store)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		env, err := l.Append(ctx, nil, validRequest("pl_123"))
		require.NoError(t, err)
		require.Equal(t, int64(i), env.SequenceNumber)
		require.NotEqual(t, uuid.Nil, env.ID)
		require.False(t, env.OccurredAt.IsZero())
	}

	// A second aggregate starts its own sequence at 1.
	env, err := l.Append(ctx, nil, validRequest("pl_456"))
	require.NoError(t, err)
	require.Equal(t, int64(1), env.SequenceNumber)
}

func TestAppendConcurrentWritersStayGapless(t *testing.T) {
	store := newMemStore()
	l := NewLog(store)
	ctx := context.Background()

	const perAggregate = 50
	aggregates := []string{"pl_a", "pl_b", "pl_c"}

	var wg sync.WaitGroup
	for _, agg := range aggregates {
		for i := 0; i < perAggregate; i++ {
			wg.Add(1)
			go func(agg string) {
				defer wg.Done()
				_, err := l.Append(ctx, nil, validRequest(agg))
				require.NoError(t, err)
			}(agg)
		}
	}
	wg.Wait()

	for _, agg := range aggregates {
		envs, err := l.StreamSince(ctx, agg, 0)
		require.NoError(t, err)
		require.Len(t, envs, perAggregate)
		for i, env := range envs {
			require.Equal(t, int64(i+1), env.SequenceNumber, "aggregate %s", agg)
		}
	}
}

func TestAppendExplicitSequence(t *testing.T) {
	store := newMemStore()
	l := NewLog(store)
	ctx := context.Background()

	req := validRequest("pl_123")
	req.Sequence = 1
	_, err := l.Append(ctx, nil, req)
	require.NoError(t, err)

	// Asserting a sequence that is not the next one is rejected.
	stale := validRequest("pl_123")
	stale.Sequence = 1
	_, err = l.Append(ctx, nil, stale)
	require.ErrorIs(t, err, ErrSequenceConflict)

	ahead := validRequest("pl_123")
	ahead.Sequence = 5
	_, err = l.Append(ctx, nil, ahead)
	require.ErrorIs(t, err, ErrSequenceConflict)

	next := validRequest("pl_123")
	next.Sequence = 2
	env, err := l.Append(ctx, nil, next)
	require.NoError(t, err)
	require.Equal(t, int64(2), env.SequenceNumber)
}

func TestAppendValidation(t *testing.T) {
	l := NewLog(newMemStore())
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*AppendRequest)
	}{
		{"missing organization", func(r *AppendRequest) { r.OrganizationID = uuid.Nil }},
		{"missing aggregate id", func(r *AppendRequest) { r.AggregateID = "" }},
		{"missing aggregate type", func(r *AppendRequest) { r.AggregateType = "" }},
		{"empty event type", func(r *AppendRequest) { r.EventType = "" }},
		{"undotted event type", func(r *AppendRequest) { r.EventType = "created" }},
		{"empty data", func(r *AppendRequest) { r.Data = nil }},
		{"negative sequence", func(r *AppendRequest) { r.Sequence = -1 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := validRequest("pl_123")
			tc.mutate(&req)
			_, err := l.Append(ctx, nil, req)
			require.Error(t, err)
		})
	}
}

func TestStreamSinceReturnsSuffix(t *testing.T) {
	store := newMemStore()
	l := NewLog(store)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := l.Append(ctx, nil, validRequest("pl_123"))
		require.NoError(t, err)
	}

	envs, err := l.StreamSince(ctx, "pl_123", 2)
	require.NoError(t, err)
	require.Len(t, envs, 3)
	require.Equal(t, int64(3), envs[0].SequenceNumber)
	require.Equal(t, int64(5), envs[2].SequenceNumber)

	// Re-reading from the same position yields the same suffix.
	again, err := l.StreamSince(ctx, "pl_123", 2)
	require.NoError(t, err)
	require.Equal(t, envs, again)

	_, err = l.StreamSince(ctx, "", 0)
	require.Error(t, err)
	_, err = l.StreamSince(ctx, "pl_123", -1)
	require.Error(t, err)
}
