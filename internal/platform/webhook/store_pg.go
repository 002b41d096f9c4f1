package webhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/careportal/careportal/internal/platform/apperr"
	"github.com/careportal/careportal/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type pgStore struct{ pool *pgxpool.Pool }

// NewPGStore returns a Store backed by the webhooks and webhook_deliveries tables.
func NewPGStore(pool *pgxpool.Pool) Store {
	return &pgStore{pool: pool}
}

func (r *pgStore) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const webhookCols = `id, url, secret, description, events, is_active, failure_count,
	last_triggered_at, created_by, created_at, updated_at`

func scanSubscription(row pgx.Row) (*Subscription, error) {
	var s Subscription
	var events []string
	err := row.Scan(&s.ID, &s.URL, &s.Secret, &s.Description, &events, &s.IsActive,
		&s.FailureCount, &s.LastTriggeredAt, &s.CreatedBy, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	s.Events = make([]Event, len(events))
	for i, e := range events {
		s.Events[i] = Event(e)
	}
	return &s, nil
}

func eventStrings(events []Event) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = string(e)
	}
	return out
}

func notFound(err error, id uuid.UUID) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.NotFound("webhook", id.String())
	}
	return err
}

func (r *pgStore) Create(ctx context.Context, s *Subscription) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO webhooks (id, url, secret, description, events, is_active, failure_count,
			last_triggered_at, created_by, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		s.ID, s.URL, s.Secret, s.Description, eventStrings(s.Events), s.IsActive, s.FailureCount,
		s.LastTriggeredAt, s.CreatedBy, s.CreatedAt, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert webhook: %w", err)
	}
	return nil
}

func (r *pgStore) Get(ctx context.Context, id uuid.UUID) (*Subscription, error) {
	s, err := scanSubscription(r.conn(ctx).QueryRow(ctx, `SELECT `+webhookCols+` FROM webhooks WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, id)
	}
	return s, nil
}

func (r *pgStore) List(ctx context.Context, limit, offset int) ([]*Subscription, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM webhooks`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+webhookCols+` FROM webhooks
		ORDER BY created_at DESC, id DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Subscription
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, s)
	}
	return items, total, rows.Err()
}

// Update never writes failure_count from the caller, so a concurrent
// RecordFailure is never undone. SET expressions see the pre-update row.
func (r *pgStore) Update(ctx context.Context, id uuid.UUID, p Patch) (*Subscription, error) {
	var events []string
	if p.Events != nil {
		events = eventStrings(p.Events)
	}
	s, err := scanSubscription(r.conn(ctx).QueryRow(ctx, `
		UPDATE webhooks SET
			url = COALESCE($2::text, url),
			description = COALESCE($3::text, description),
			events = COALESCE($4::text[], events),
			failure_count = CASE WHEN $5::boolean AND NOT is_active THEN 0 ELSE failure_count END,
			is_active = COALESCE($5::boolean, is_active),
			updated_at = $6
		WHERE id = $1
		RETURNING `+webhookCols, id, p.URL, p.Description, events, p.Active, p.UpdatedAt))
	if err != nil {
		return nil, notFound(err, id)
	}
	return s, nil
}

func (r *pgStore) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM webhooks WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("webhook", id.String())
	}
	return nil
}

func (r *pgStore) ListActiveForEvent(ctx context.Context, event Event) ([]*Subscription, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+webhookCols+` FROM webhooks
		WHERE is_active AND $1 = ANY(events)
		ORDER BY created_at DESC`, string(event))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Subscription
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, s)
	}
	return items, rows.Err()
}

// RecordFailure relies on SET expressions seeing the pre-update row, so the
// increment and the threshold test agree under concurrent failures.
func (r *pgStore) RecordFailure(ctx context.Context, id uuid.UUID, at time.Time, threshold int) (*Subscription, error) {
	s, err := scanSubscription(r.conn(ctx).QueryRow(ctx, `
		UPDATE webhooks SET
			failure_count = failure_count + 1,
			last_triggered_at = $2,
			is_active = CASE WHEN failure_count + 1 >= $3 THEN false ELSE is_active END,
			updated_at = $2
		WHERE id = $1
		RETURNING `+webhookCols, id, at, threshold))
	if err != nil {
		return nil, notFound(err, id)
	}
	return s, nil
}

func (r *pgStore) RecordSuccess(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := r.conn(ctx).Exec(ctx, `UPDATE webhooks SET last_triggered_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("webhook", id.String())
	}
	return nil
}

func (r *pgStore) RecordDelivery(ctx context.Context, d *Delivery) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO webhook_deliveries (id, webhook_id, payload_id, event, status, status_code,
			duration_ms, error, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		d.ID, d.WebhookID, d.PayloadID, string(d.Event), string(d.Status), d.StatusCode,
		d.DurationMS, d.Error, d.CreatedAt)
	return err
}

func (r *pgStore) ListDeliveries(ctx context.Context, webhookID uuid.UUID, limit, offset int) ([]*Delivery, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM webhook_deliveries WHERE webhook_id = $1`, webhookID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, webhook_id, payload_id, event, status, status_code, duration_ms, error, created_at
		FROM webhook_deliveries WHERE webhook_id = $1
		ORDER BY created_at DESC LIMIT $2 OFFSET $3`, webhookID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Delivery
	for rows.Next() {
		var d Delivery
		var event, status string
		if err := rows.Scan(&d.ID, &d.WebhookID, &d.PayloadID, &event, &status, &d.StatusCode,
			&d.DurationMS, &d.Error, &d.CreatedAt); err != nil {
			return nil, 0, err
		}
		d.Event = Event(event)
		d.Status = DeliveryStatus(status)
		items = append(items, &d)
	}
	return items, total, rows.Err()
}
