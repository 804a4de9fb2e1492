package outbox

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/apptsched/libs/db"
	"github.com/md-rashed-zaman/apptsched/libs/kafkax"
	otelx "github.com/md-rashed-zaman/apptsched/libs/otel"
	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Publisher relays committed outbox rows to Kafka. Delivery is at-least-once: a crash between
// the write and the commit republishes the batch, and consumers dedupe on the event id header.
type Publisher struct {
	pool   *db.Pool
	repo   *Repository
	logger *slog.Logger
	cfg    PublisherConfig
}

type PublisherConfig struct {
	Brokers   []string
	PollEvery time.Duration
	BatchSize int
	// Retention is how long published rows are kept before purge. Zero keeps them forever.
	Retention time.Duration
}

func NewPublisher(pool *db.Pool, repo *Repository, logger *slog.Logger, cfg PublisherConfig) *Publisher {
	if cfg.PollEvery <= 0 {
		cfg.PollEvery = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	return &Publisher{pool: pool, repo: repo, logger: logger, cfg: cfg}
}

func (p *Publisher) Run(ctx context.Context) {
	if len(p.cfg.Brokers) == 0 {
		p.logger.Warn("outbox publisher disabled, no kafka brokers configured")
		return
	}

	writer := kafkax.NewWriter(p.cfg.Brokers)
	defer writer.Close()

	poll := time.NewTicker(p.cfg.PollEvery)
	defer poll.Stop()
	purge := time.NewTicker(time.Hour)
	defer purge.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-poll.C:
			if err := p.publishBatch(ctx, writer); err != nil && ctx.Err() == nil {
				p.logger.Error("outbox publish failed", "err", err)
			}
		case <-purge.C:
			if p.cfg.Retention <= 0 {
				continue
			}
			n, err := p.repo.PurgePublished(ctx, time.Now().Add(-p.cfg.Retention))
			if err != nil {
				p.logger.Warn("outbox purge failed", "err", err)
			} else if n > 0 {
				p.logger.Info("outbox purged", "rows", n)
			}
		}
	}
}

func (p *Publisher) publishBatch(ctx context.Context, writer messageWriter) error {
	return p.pool.InTx(ctx, func(tx pgx.Tx) error {
		records, err := p.repo.ClaimDue(ctx, tx, p.cfg.BatchSize)
		if err != nil || len(records) == 0 {
			return err
		}

		msgs := make([]kafka.Message, len(records))
		for i, r := range records {
			msgs[i] = toMessage(ctx, r)
		}
		published, failed := splitResults(records, writer.WriteMessages(ctx, msgs...))
		if err := p.repo.MarkPublished(ctx, tx, published); err != nil {
			return err
		}
		for id, cause := range failed {
			p.logger.Warn("outbox event not delivered", "outbox_id", id, "err", cause)
			if err := p.repo.MarkFailed(ctx, tx, id, cause.Error()); err != nil {
				return err
			}
		}
		return nil
	})
}

// splitResults sorts records by the outcome of a batch write. kafka-go reports per-message
// failures as WriteErrors in input order; any other error fails the whole batch.
func splitResults(records []Record, err error) ([]int64, map[int64]error) {
	published := make([]int64, 0, len(records))
	failed := map[int64]error{}
	var perMessage kafka.WriteErrors
	switch {
	case err == nil:
		for _, r := range records {
			published = append(published, r.ID)
		}
	case errors.As(err, &perMessage) && len(perMessage) == len(records):
		for i, r := range records {
			if perMessage[i] != nil {
				failed[r.ID] = perMessage[i]
				continue
			}
			published = append(published, r.ID)
		}
	default:
		for _, r := range records {
			failed[r.ID] = err
		}
	}
	return published, failed
}

func toMessage(ctx context.Context, r Record) kafka.Message {
	msgCtx := otelx.ContextWithTraceContext(ctx, r.Traceparent, r.Tracestate)
	return kafka.Message{
		Topic: r.EventType,
		Key:   []byte(r.AggregateID),
		Value: r.Payload,
		Headers: kafkax.Headers(msgCtx, kafkax.EventMeta{
			EventID:     r.EventID,
			EventType:   r.EventType,
			AggregateID: r.AggregateID,
		}),
	}
}
