package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/harborpay/eventflow/internal/event"
	"github.com/harborpay/eventflow/internal/sqlutil"
)

// EnvelopeStore defines what the log needs from its persistence layer.
type EnvelopeStore interface {
	LockAggregate(ctx context.Context, tx *sql.Tx, aggregateID string) error
	MaxSequence(ctx context.Context, tx *sql.Tx, aggregateID string) (int64, error)
	Insert(ctx context.Context, tx *sql.Tx, env *event.Envelope) error
	StreamSince(ctx context.Context, aggregateID string, after int64) ([]event.Envelope, error)
}

// Log assigns sequence numbers and appends envelopes to the outbox.
// Appends for the same aggregate are serialized so no two concurrent
// appenders observe the same max sequence.
type Log struct {
	store EnvelopeStore

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewLog(store EnvelopeStore) *Log {
	return &Log{
		store: store,
		locks: make(map[string]*sync.Mutex),
	}
}

// AppendRequest describes one event to record. Sequence is normally
// zero, letting the log assign 1 + max for the aggregate; a caller that
// supplies an explicit sequence asserts it is the next one and gets
// ErrSequenceConflict otherwise.
type AppendRequest struct {
	OrganizationID uuid.UUID
	AggregateID    string
	AggregateType  string
	EventType      string
	Data           json.RawMessage
	Metadata       json.RawMessage
	Sequence       int64
}

func (r AppendRequest) validate() error {
	if r.OrganizationID == uuid.Nil {
		return fmt.Errorf("organization id is required")
	}
	if r.AggregateID == "" {
		return fmt.Errorf("aggregate id is required")
	}
	if r.AggregateType == "" {
		return fmt.Errorf("aggregate type is required")
	}
	if r.EventType == "" || !strings.Contains(r.EventType, ".") {
		return fmt.Errorf("event type must be a dotted category, got %q", r.EventType)
	}
	if len(r.Data) == 0 {
		return fmt.Errorf("event data cannot be empty")
	}
	if r.Sequence < 0 {
		return fmt.Errorf("sequence must not be negative")
	}
	return nil
}

// Append records the event within the caller's transaction. The
// envelope row commits atomically with the state change that produced
// it: the event is durable if and only if the change is.
func (l *Log) Append(ctx context.Context, tx *sql.Tx, req AppendRequest) (*event.Envelope, error) {
	if err := req.validate(); err != nil {
		return nil, fmt.Errorf("invalid append request: %w", err)
	}

	lock := l.aggregateLock(req.AggregateID)
	lock.Lock()
	defer lock.Unlock()

	if err := l.store.LockAggregate(ctx, tx, req.AggregateID); err != nil {
		return nil, err
	}

	max, err := l.store.MaxSequence(ctx, tx, req.AggregateID)
	if err != nil {
		return nil, err
	}

	next := max + 1
	if req.Sequence != 0 && req.Sequence != next {
		return nil, fmt.Errorf("aggregate %s expected sequence %d, caller supplied %d: %w",
			req.AggregateID, next, req.Sequence, ErrSequenceConflict)
	}

	env := &event.Envelope{
		ID:             uuid.New(),
		OrganizationID: req.OrganizationID,
		AggregateID:    req.AggregateID,
		AggregateType:  req.AggregateType,
		SequenceNumber: next,
		EventType:      req.EventType,
		OccurredAt:     time.Now().UTC(),
		Data:           req.Data,
		Metadata:       req.Metadata,
	}

	if err := l.store.Insert(ctx, tx, env); err != nil {
		return nil, err
	}

	log.Debug().
		Str("event_id", env.ID.String()).
		Str("event_type", env.EventType).
		Str("aggregate_id", env.AggregateID).
		Int64("sequence", env.SequenceNumber).
		Msg("event appended")

	return env, nil
}

// AppendStandalone records events with no surrounding business
// transaction, wrapping the append in one of its own. Producers that
// already hold a transaction call Append with it instead.
func (l *Log) AppendStandalone(ctx context.Context, db *sql.DB, reqs ...AppendRequest) ([]event.Envelope, error) {
	var envs []event.Envelope
	err := sqlutil.Run(ctx, db, func(tx *sql.Tx) error {
		for _, req := range reqs {
			env, err := l.Append(ctx, tx, req)
			if err != nil {
				return err
			}
			envs = append(envs, *env)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return envs, nil
}

// StreamSince returns the aggregate's committed envelopes with a
// sequence number greater than after, in order. Used for replay and
// consumer recovery.
func (l *Log) StreamSince(ctx context.Context, aggregateID string, after int64) ([]event.Envelope, error) {
	if aggregateID == "" {
		return nil, fmt.Errorf("aggregate id is required")
	}
	if after < 0 {
		return nil, fmt.Errorf("sequence must not be negative")
	}
	return l.store.StreamSince(ctx, aggregateID, after)
}

func (l *Log) aggregateLock(aggregateID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()

	lock, ok := l.locks[aggregateID]
	if !ok {
		lock = &sync.Mutex{}
		l.locks[aggregateID] = lock
	}
	return lock
}
