package eventlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/sqlc-dev/pqtype"

	"github.com/harborpay/eventflow/internal/event"
)

// Store persists envelopes in the events outbox table.
//
// Expected schema:
//
//	CREATE TABLE events (
//	    position        BIGSERIAL PRIMARY KEY,
//	    id              UUID NOT NULL UNIQUE,
//	    organization_id UUID NOT NULL,
//	    aggregate_id    TEXT NOT NULL,
//	    aggregate_type  TEXT NOT NULL,
//	    sequence_number BIGINT NOT NULL,
//	    event_type      TEXT NOT NULL,
//	    occurred_at     TIMESTAMPTZ NOT NULL,
//	    data            JSONB NOT NULL,
//	    metadata        JSONB,
//	    published_at    TIMESTAMPTZ,
//	    publish_attempts INT NOT NULL DEFAULT 0,
//	    abandoned       BOOLEAN NOT NULL DEFAULT FALSE,
//	    UNIQUE (aggregate_id, sequence_number)
//	);
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const uniqueViolation = "23505"

const envelopeColumns = `id, organization_id, aggregate_id, aggregate_type, sequence_number, event_type, occurred_at, data, metadata`

// LockAggregate takes a transaction-scoped advisory lock on the
// aggregate so concurrent appenders in different processes serialize
// sequence assignment. The lock releases at commit or rollback.
func (s *Store) LockAggregate(ctx context.Context, tx *sql.Tx, aggregateID string) error {
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, aggregateID); err != nil {
		return fmt.Errorf("failed to lock aggregate %s: %w", aggregateID, err)
	}
	return nil
}

// MaxSequence returns the highest sequence number recorded for the
// aggregate, or zero when the aggregate has no history.
func (s *Store) MaxSequence(ctx context.Context, tx *sql.Tx, aggregateID string) (int64, error) {
	var max int64
	err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence_number), 0) FROM events WHERE aggregate_id = $1`,
		aggregateID,
	).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("failed to read max sequence for aggregate %s: %w", aggregateID, err)
	}
	return max, nil
}

// Insert appends the envelope within the caller's transaction so the
// event row is durable if and only if the triggering change is. A
// unique violation on (aggregate_id, sequence_number) surfaces as
// ErrSequenceConflict.
func (s *Store) Insert(ctx context.Context, tx *sql.Tx, env *event.Envelope) error {
	metadata := pqtype.NullRawMessage{RawMessage: env.Metadata, Valid: len(env.Metadata) > 0}

	_, err := tx.ExecContext(ctx,
		`INSERT INTO events (`+envelopeColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		env.ID, env.OrganizationID, env.AggregateID, env.AggregateType,
		env.SequenceNumber, env.EventType, env.OccurredAt, []byte(env.Data), metadata,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return fmt.Errorf("aggregate %s sequence %d: %w", env.AggregateID, env.SequenceNumber, ErrSequenceConflict)
		}
		return fmt.Errorf("failed to insert event %s: %w", env.ID, err)
	}
	return nil
}

// StreamSince returns the committed envelopes for the aggregate with a
// sequence number greater than after, in sequence order. The read is
// restartable: repeating it yields identical results.
func (s *Store) StreamSince(ctx context.Context, aggregateID string, after int64) ([]event.Envelope, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+envelopeColumns+`
		 FROM events
		 WHERE aggregate_id = $1 AND sequence_number > $2
		 ORDER BY sequence_number`,
		aggregateID, after,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to stream events for aggregate %s: %w", aggregateID, err)
	}
	defer rows.Close()
	return scanEnvelopes(rows)
}

// FetchUnpublished returns envelopes not yet handed to the publisher,
// in commit order, skipping those parked for manual replay.
func (s *Store) FetchUnpublished(ctx context.Context, limit int32) ([]event.Envelope, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+envelopeColumns+`
		 FROM events
		 WHERE published_at IS NULL AND NOT abandoned
		 ORDER BY position
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch unpublished events: %w", err)
	}
	defer rows.Close()
	return scanEnvelopes(rows)
}

// FetchByID loads one envelope regardless of publish state.
func (s *Store) FetchByID(ctx context.Context, id uuid.UUID) (*event.Envelope, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+envelopeColumns+` FROM events WHERE id = $1`, id)

	env, err := scanEnvelope(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("event %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to fetch event %s: %w", id, err)
	}
	return env, nil
}

// MarkPublished records that the publisher backend accepted the event.
func (s *Store) MarkPublished(ctx context.Context, id uuid.UUID) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE events SET published_at = NOW() WHERE id = $1 AND published_at IS NULL`, id); err != nil {
		return fmt.Errorf("failed to mark event %s published: %w", id, err)
	}
	return nil
}

// MarkAbandoned parks the event for manual replay after publish
// attempts were exhausted. The event stays durable in the log.
func (s *Store) MarkAbandoned(ctx context.Context, id uuid.UUID, attempts int) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE events SET abandoned = TRUE, publish_attempts = $2 WHERE id = $1`, id, attempts); err != nil {
		return fmt.Errorf("failed to mark event %s abandoned: %w", id, err)
	}
	return nil
}

// ReplayAbandoned re-arms a parked event so the relay picks it up again.
func (s *Store) ReplayAbandoned(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE events SET abandoned = FALSE, publish_attempts = 0 WHERE id = $1 AND abandoned`, id)
	if err != nil {
		return fmt.Errorf("failed to replay event %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("event %s not abandoned: %w", id, ErrNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEnvelope(row rowScanner) (*event.Envelope, error) {
	var (
		env      event.Envelope
		data     []byte
		metadata pqtype.NullRawMessage
	)
	err := row.Scan(
		&env.ID, &env.OrganizationID, &env.AggregateID, &env.AggregateType,
		&env.SequenceNumber, &env.EventType, &env.OccurredAt, &data, &metadata,
	)
	if err != nil {
		return nil, err
	}
	env.Data = data
	if metadata.Valid {
		env.Metadata = metadata.RawMessage
	}
	return &env, nil
}

func scanEnvelopes(rows *sql.Rows) ([]event.Envelope, error) {
	var envs []event.Envelope
	for rows.Next() {
		env, err := scanEnvelope(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		envs = append(envs, *env)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate event rows: %w", err)
	}
	return envs, nil
}
