// Package postgres provides a PostgreSQL implementation of the subsync.Store
// interface. Subscription writes use SQL transactions with SELECT FOR UPDATE
// so the newest-event-wins check and the write commit atomically; the event
// ledger relies on the primary key for unique inserts.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachforge/subsync/pkg/subsync"
)

// Schema holds the DDL for the two tables this adapter needs. Apply it with
// your migration tooling of choice.
const Schema = `
CREATE TABLE IF NOT EXISTS subscriptions (
	user_id            TEXT PRIMARY KEY,
	tier               TEXT NOT NULL DEFAULT '',
	status             TEXT NOT NULL,
	current_period_end TIMESTAMPTZ,
	customer_ref       TEXT NOT NULL DEFAULT '',
	subscription_ref   TEXT NOT NULL DEFAULT '',
	last_event_at      TIMESTAMPTZ NOT NULL,
	updated_at         TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS subscriptions_subscription_ref_idx
	ON subscriptions (subscription_ref) WHERE subscription_ref <> '';

CREATE TABLE IF NOT EXISTS billing_events (
	event_id         TEXT PRIMARY KEY,
	event_type       TEXT NOT NULL,
	subscription_ref TEXT NOT NULL DEFAULT '',
	outcome          TEXT NOT NULL,
	reason           TEXT NOT NULL DEFAULT '',
	payload          BYTEA,
	occurred_at      TIMESTAMPTZ NOT NULL,
	received_at      TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS billing_events_failed_idx
	ON billing_events (subscription_ref, occurred_at) WHERE outcome = 'failed';
`

// Storage implements subsync.Store using PostgreSQL.
type Storage struct {
	pool   *pgxpool.Pool
	config Config
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Storage{pool: pool, config: config}, nil
}

// Close closes the PostgreSQL connection pool
func (s *Storage) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks the PostgreSQL connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// GetSubscription implements subsync.Store
func (s *Storage) GetSubscription(ctx context.Context, userID string) (*subsync.Subscription, error) {
	return s.scanSubscription(s.pool.QueryRow(ctx,
		`SELECT user_id, tier, status, current_period_end, customer_ref, subscription_ref, last_event_at, updated_at
			FROM subscriptions WHERE user_id = $1`,
		userID))
}

// GetSubscriptionByRef implements subsync.Store
func (s *Storage) GetSubscriptionByRef(ctx context.Context, subscriptionRef string) (*subsync.Subscription, error) {
	if subscriptionRef == "" {
		return nil, subsync.ErrSubscriptionNotFound
	}
	return s.scanSubscription(s.pool.QueryRow(ctx,
		`SELECT user_id, tier, status, current_period_end, customer_ref, subscription_ref, last_event_at, updated_at
			FROM subscriptions WHERE subscription_ref = $1`,
		subscriptionRef))
}

func (s *Storage) scanSubscription(row pgx.Row) (*subsync.Subscription, error) {
	var sub subsync.Subscription
	var status string
	var periodEnd *time.Time

	err := row.Scan(
		&sub.UserID,
		&sub.Tier,
		&status,
		&periodEnd,
		&sub.CustomerRef,
		&sub.SubscriptionRef,
		&sub.LastEventAt,
		&sub.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, subsync.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}

	sub.Status = subsync.Status(status)
	sub.CurrentPeriodEnd = periodEnd
	return &sub, nil
}

// UpsertSubscription implements subsync.Store. The existing row is locked with
// SELECT FOR UPDATE before the timestamp comparison, so two concurrent writes
// for the same user serialize and the stale one is rejected.
func (s *Storage) UpsertSubscription(ctx context.Context, next *subsync.Subscription) error {
	if next == nil || next.UserID == "" {
		return subsync.ErrInvalidSubscription
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	var lastEventAt time.Time
	err = tx.QueryRow(ctx,
		`SELECT last_event_at FROM subscriptions WHERE user_id = $1 FOR UPDATE`,
		next.UserID).Scan(&lastEventAt)
	if err != nil && err != pgx.ErrNoRows {
		return fmt.Errorf("failed to lock subscription: %w", err)
	}
	if err == nil && !next.LastEventAt.After(lastEventAt) {
		return subsync.ErrStaleTransition
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO subscriptions
				(user_id, tier, status, current_period_end, customer_ref, subscription_ref, last_event_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (user_id) DO UPDATE SET
				tier = EXCLUDED.tier,
				status = EXCLUDED.status,
				current_period_end = EXCLUDED.current_period_end,
				customer_ref = EXCLUDED.customer_ref,
				subscription_ref = EXCLUDED.subscription_ref,
				last_event_at = EXCLUDED.last_event_at,
				updated_at = EXCLUDED.updated_at`,
		next.UserID, next.Tier, string(next.Status), next.CurrentPeriodEnd,
		next.CustomerRef, next.SubscriptionRef, next.LastEventAt, next.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert subscription: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// RecordEvent implements subsync.Store. ON CONFLICT DO NOTHING plus the
// RETURNING clause tells apart the first insert from a redelivery in a single
// round trip.
func (s *Storage) RecordEvent(ctx context.Context, rec *subsync.EventRecord) error {
	if rec == nil || rec.EventID == "" {
		return subsync.ErrEventNotFound
	}

	var inserted string
	err := s.pool.QueryRow(ctx,
		`INSERT INTO billing_events
				(event_id, event_type, subscription_ref, outcome, reason, payload, occurred_at, received_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (event_id) DO NOTHING
			RETURNING event_id`,
		rec.EventID, rec.EventType, rec.SubscriptionRef, string(rec.Outcome),
		rec.Reason, rec.Payload, rec.OccurredAt, rec.ReceivedAt,
	).Scan(&inserted)

	if err == pgx.ErrNoRows {
		return subsync.ErrEventAlreadyRecorded
	}
	if err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}
	return nil
}

// FinishEvent implements subsync.Store
func (s *Storage) FinishEvent(ctx context.Context, eventID string, outcome subsync.EventOutcome, reason string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE billing_events SET outcome = $1, reason = $2 WHERE event_id = $3`,
		string(outcome), reason, eventID)
	if err != nil {
		return fmt.Errorf("failed to finish event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return subsync.ErrEventNotFound
	}
	return nil
}

// ListFailedEvents implements subsync.Store
func (s *Storage) ListFailedEvents(ctx context.Context, subscriptionRef string, limit int) ([]*subsync.EventRecord, error) {
	query := `SELECT event_id, event_type, subscription_ref, outcome, reason, payload, occurred_at, received_at
		FROM billing_events WHERE outcome = 'failed'`
	args := []interface{}{}
	if subscriptionRef != "" {
		query += ` AND subscription_ref = $1`
		args = append(args, subscriptionRef)
	}
	query += fmt.Sprintf(` ORDER BY occurred_at ASC LIMIT $%d`, len(args)+1)
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list failed events: %w", err)
	}
	defer rows.Close()

	var out []*subsync.EventRecord
	for rows.Next() {
		var rec subsync.EventRecord
		var outcome string
		if err := rows.Scan(
			&rec.EventID,
			&rec.EventType,
			&rec.SubscriptionRef,
			&outcome,
			&rec.Reason,
			&rec.Payload,
			&rec.OccurredAt,
			&rec.ReceivedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		rec.Outcome = subsync.EventOutcome(outcome)
		out = append(out, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read events: %w", err)
	}
	return out, nil
}

var _ subsync.Store = (*Storage)(nil)
