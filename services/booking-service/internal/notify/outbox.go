package notify

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/apptsched/libs/db"
	"github.com/md-rashed-zaman/apptsched/services/booking-service/internal/outbox"
)

// OutboxDispatcher records events in the outbox table; the outbox publisher forwards them to Kafka.
type OutboxDispatcher struct {
	pool *db.Pool
	repo *outbox.Repository
}

func NewOutboxDispatcher(pool *db.Pool, repo *outbox.Repository) *OutboxDispatcher {
	return &OutboxDispatcher{pool: pool, repo: repo}
}

func (d *OutboxDispatcher) Dispatch(ctx context.Context, evt Event) error {
	body, err := evt.Payload()
	if err != nil {
		return err
	}
	return d.pool.InTx(ctx, func(tx pgx.Tx) error {
		return d.repo.Insert(ctx, tx, outbox.Event{
			AggregateType: "appointment",
			AggregateID:   evt.Appointment.ID,
			EventType:     evt.Type,
			Payload:       body,
		})
	})
}
