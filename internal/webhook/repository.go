package webhook

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Repository persists subscriptions and the delivery ledger.
//
// Expected schema:
//
//	CREATE TABLE webhook_subscriptions (
//	    id                   UUID PRIMARY KEY,
//	    organization_id      UUID NOT NULL,
//	    url                  TEXT NOT NULL,
//	    secret               TEXT NOT NULL,
//	    event_types          TEXT[] NOT NULL,
//	    active               BOOLEAN NOT NULL DEFAULT TRUE,
//	    consecutive_failures INT NOT NULL DEFAULT 0,
//	    created_at           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
//	    updated_at           TIMESTAMPTZ NOT NULL DEFAULT NOW()
//	);
//
//	CREATE TABLE webhook_deliveries (
//	    id               UUID PRIMARY KEY,
//	    subscription_id  UUID NOT NULL REFERENCES webhook_subscriptions (id),
//	    event_id         UUID NOT NULL REFERENCES events (id),
//	    status           TEXT NOT NULL,
//	    attempts         INT NOT NULL DEFAULT 0,
//	    last_status_code INT,
//	    last_error       TEXT,
//	    next_retry_at    TIMESTAMPTZ NOT NULL,
//	    delivered_at     TIMESTAMPTZ,
//	    created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
//	    updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
//	    UNIQUE (subscription_id, event_id)
//	);
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const subscriptionColumns = `id, organization_id, url, secret, event_types, active, consecutive_failures, created_at, updated_at`

// ActiveSubscriptionsForEvent returns the organization's active
// subscriptions whose event-type set contains the type or a wildcard.
func (r *Repository) ActiveSubscriptionsForEvent(ctx context.Context, orgID uuid.UUID, eventType string) ([]Subscription, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+subscriptionColumns+`
		 FROM webhook_subscriptions
		 WHERE organization_id = $1
		   AND active
		   AND ($2 = ANY(event_types) OR '*' = ANY(event_types))`,
		orgID, eventType,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query subscriptions for org %s: %w", orgID, err)
	}
	defer rows.Close()

	var subs []Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		subs = append(subs, *sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate subscriptions: %w", err)
	}
	return subs, nil
}

func (r *Repository) GetSubscription(ctx context.Context, id uuid.UUID) (*Subscription, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM webhook_subscriptions WHERE id = $1`, id)

	sub, err := scanSubscription(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("subscription %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to fetch subscription %s: %w", id, err)
	}
	return sub, nil
}

// SetSubscriptionActive flips the active flag. Activation resets the
// consecutive-failure counter so a reactivated endpoint starts clean.
func (r *Repository) SetSubscriptionActive(ctx context.Context, id uuid.UUID, active bool) error {
	var res sql.Result
	var err error
	if active {
		res, err = r.db.ExecContext(ctx,
			`UPDATE webhook_subscriptions
			 SET active = TRUE, consecutive_failures = 0, updated_at = NOW()
			 WHERE id = $1`, id)
	} else {
		res, err = r.db.ExecContext(ctx,
			`UPDATE webhook_subscriptions SET active = FALSE, updated_at = NOW() WHERE id = $1`, id)
	}
	if err != nil {
		return fmt.Errorf("failed to update subscription %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("subscription %s: %w", id, ErrNotFound)
	}
	return nil
}

// IncrementFailures bumps the consecutive-failure counter and returns
// the new value.
func (r *Repository) IncrementFailures(ctx context.Context, id uuid.UUID) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`UPDATE webhook_subscriptions
		 SET consecutive_failures = consecutive_failures + 1, updated_at = NOW()
		 WHERE id = $1
		 RETURNING consecutive_failures`, id).Scan(&count)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("subscription %s: %w", id, ErrNotFound)
		}
		return 0, fmt.Errorf("failed to increment failures for subscription %s: %w", id, err)
	}
	return count, nil
}

func (r *Repository) ResetFailures(ctx context.Context, id uuid.UUID) error {
	if _, err := r.db.ExecContext(ctx,
		`UPDATE webhook_subscriptions
		 SET consecutive_failures = 0, updated_at = NOW()
		 WHERE id = $1 AND consecutive_failures <> 0`, id); err != nil {
		return fmt.Errorf("failed to reset failures for subscription %s: %w", id, err)
	}
	return nil
}

const deliveryColumns = `id, subscription_id, event_id, status, attempts, last_status_code, last_error, next_retry_at, delivered_at, created_at, updated_at`

// CreateDelivery enqueues one pending delivery. The unique
// (subscription_id, event_id) constraint makes re-dispatch of the same
// envelope a no-op; it reports whether a new record was inserted.
func (r *Repository) CreateDelivery(ctx context.Context, subscriptionID, eventID uuid.UUID, nextRetryAt time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO webhook_deliveries (id, subscription_id, event_id, status, attempts, next_retry_at)
		 VALUES ($1, $2, $3, $4, 0, $5)
		 ON CONFLICT (subscription_id, event_id) DO NOTHING`,
		uuid.New(), subscriptionID, eventID, StatusPending, nextRetryAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to enqueue delivery for subscription %s event %s: %w", subscriptionID, eventID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read enqueue result: %w", err)
	}
	return n > 0, nil
}

// ClaimDue atomically transitions due pending/retry-scheduled records
// to in-flight and returns them. SKIP LOCKED keeps concurrent
// schedulers from claiming the same record, so a delivery never has
// two in-flight attempts. A claim is a lease, not ownership: in-flight
// records untouched since staleBefore are reclaimed too, so a scheduler
// that crashed after claiming (or an outcome write that failed) cannot
// wedge a delivery forever.
func (r *Repository) ClaimDue(ctx context.Context, now, staleBefore time.Time, limit int32) ([]Delivery, error) {
	rows, err := r.db.QueryContext(ctx,
		`UPDATE webhook_deliveries
		 SET status = $1, updated_at = NOW()
		 WHERE id IN (
		     SELECT id FROM webhook_deliveries
		     WHERE (status IN ($2, $3) AND next_retry_at <= $4)
		        OR (status = $1 AND updated_at <= $5)
		     ORDER BY next_retry_at
		     LIMIT $6
		     FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+deliveryColumns,
		StatusInFlight, StatusPending, StatusRetryScheduled, now, staleBefore, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to claim due deliveries: %w", err)
	}
	defer rows.Close()

	var deliveries []Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan delivery: %w", err)
		}
		deliveries = append(deliveries, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate claimed deliveries: %w", err)
	}
	return deliveries, nil
}

// Release returns a claimed delivery to pending without recording an
// attempt, used when the scheduler is over its per-subscription bound.
func (r *Repository) Release(ctx context.Context, id uuid.UUID) error {
	if _, err := r.db.ExecContext(ctx,
		`UPDATE webhook_deliveries SET status = $2, updated_at = NOW()
		 WHERE id = $1 AND status = $3`,
		id, StatusPending, StatusInFlight); err != nil {
		return fmt.Errorf("failed to release delivery %s: %w", id, err)
	}
	return nil
}

func (r *Repository) MarkDelivered(ctx context.Context, id uuid.UUID, attempts, statusCode int, at time.Time) error {
	if _, err := r.db.ExecContext(ctx,
		`UPDATE webhook_deliveries
		 SET status = $2, attempts = $3, last_status_code = $4, last_error = NULL,
		     delivered_at = $5, updated_at = NOW()
		 WHERE id = $1`,
		id, StatusDelivered, attempts, statusCode, at); err != nil {
		return fmt.Errorf("failed to mark delivery %s delivered: %w", id, err)
	}
	return nil
}

func (r *Repository) MarkRetryScheduled(ctx context.Context, id uuid.UUID, attempts int, statusCode *int, lastError string, nextRetryAt time.Time) error {
	if _, err := r.db.ExecContext(ctx,
		`UPDATE webhook_deliveries
		 SET status = $2, attempts = $3, last_status_code = $4, last_error = $5,
		     next_retry_at = $6, updated_at = NOW()
		 WHERE id = $1`,
		id, StatusRetryScheduled, attempts, nullInt(statusCode), lastError, nextRetryAt); err != nil {
		return fmt.Errorf("failed to schedule retry for delivery %s: %w", id, err)
	}
	return nil
}

func (r *Repository) MarkDead(ctx context.Context, id uuid.UUID, attempts int, statusCode *int, lastError string) error {
	if _, err := r.db.ExecContext(ctx,
		`UPDATE webhook_deliveries
		 SET status = $2, attempts = $3, last_status_code = $4, last_error = $5, updated_at = NOW()
		 WHERE id = $1`,
		id, StatusDead, attempts, nullInt(statusCode), lastError); err != nil {
		return fmt.Errorf("failed to mark delivery %s dead: %w", id, err)
	}
	return nil
}

func (r *Repository) GetDelivery(ctx context.Context, id uuid.UUID) (*Delivery, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+deliveryColumns+` FROM webhook_deliveries WHERE id = $1`, id)

	d, err := scanDelivery(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("delivery %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to fetch delivery %s: %w", id, err)
	}
	return d, nil
}

// ListFilter narrows ListDeliveries for operator inspection.
type ListFilter struct {
	Status         Status
	SubscriptionID uuid.UUID
	Limit          int32
}

func (r *Repository) ListDeliveries(ctx context.Context, filter ListFilter) ([]Delivery, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+deliveryColumns+`
		 FROM webhook_deliveries
		 WHERE ($1 = '' OR status = $1)
		   AND ($2 = '00000000-0000-0000-0000-000000000000'::uuid OR subscription_id = $2)
		 ORDER BY created_at DESC
		 LIMIT $3`,
		string(filter.Status), filter.SubscriptionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list deliveries: %w", err)
	}
	defer rows.Close()

	var deliveries []Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan delivery: %w", err)
		}
		deliveries = append(deliveries, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate deliveries: %w", err)
	}
	return deliveries, nil
}

// ReplayDead re-arms a dead delivery for a fresh round of attempts.
func (r *Repository) ReplayDead(ctx context.Context, id uuid.UUID, now time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE webhook_deliveries
		 SET status = $2, attempts = 0, next_retry_at = $3, updated_at = NOW()
		 WHERE id = $1 AND status = $4`,
		id, StatusPending, now, StatusDead)
	if err != nil {
		return fmt.Errorf("failed to replay delivery %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("delivery %s not dead: %w", id, ErrNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row rowScanner) (*Subscription, error) {
	var sub Subscription
	err := row.Scan(
		&sub.ID, &sub.OrganizationID, &sub.URL, &sub.Secret,
		pq.Array(&sub.EventTypes), &sub.Active, &sub.ConsecutiveFailures,
		&sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func scanDelivery(row rowScanner) (*Delivery, error) {
	var (
		d          Delivery
		statusCode sql.NullInt32
		lastError  sql.NullString
		delivered  sql.NullTime
	)
	err := row.Scan(
		&d.ID, &d.SubscriptionID, &d.EventID, &d.Status, &d.Attempts,
		&statusCode, &lastError, &d.NextRetryAt, &delivered,
		&d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if statusCode.Valid {
		code := int(statusCode.Int32)
		d.LastStatusCode = &code
	}
	if lastError.Valid {
		d.LastError = &lastError.String
	}
	if delivered.Valid {
		t := delivered.Time
		d.DeliveredAt = &t
	}
	return &d, nil
}

func nullInt(v *int) sql.NullInt32 {
	if v == nil {
		return sql.NullInt32{}
	}
	return sql.NullInt32{Int32: int32(*v), Valid: true}
}
