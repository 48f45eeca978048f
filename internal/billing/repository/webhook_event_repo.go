package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Webhook event outcomes.
const (
	EventReceived = "received"
	EventApplied  = "applied"
	EventSkipped  = "skipped"
	EventFailed   = "failed"
)

// WebhookEventRepo is the receipt log for inbound gateway events. A row is
// written before the event is dispatched, so "gateway thinks we got it" is
// always backed by a persisted record of the attempt.
type WebhookEventRepo struct {
	db *pgxpool.Pool
}

func NewWebhookEventRepo(db *pgxpool.Pool) *WebhookEventRepo {
	return &WebhookEventRepo{db: db}
}

// Record inserts the receipt. Replayed event IDs are a no-op.
func (r *WebhookEventRepo) Record(ctx context.Context, eventID, eventType string) error {
	const q = `
insert into webhook_events (id, event_type, outcome)
values ($1, $2, $3)
on conflict (id) do nothing;
`
	_, err := r.db.Exec(ctx, q, eventID, eventType, EventReceived)
	return err
}

func (r *WebhookEventRepo) SetOutcome(ctx context.Context, eventID, outcome string) error {
	const q = `
update webhook_events
set outcome = $2, updated_at = now()
where id = $1;
`
	_, err := r.db.Exec(ctx, q, eventID, outcome)
	return err
}
