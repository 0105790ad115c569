package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/kart-checkout/internal/notify"
)

const (
	insertOutboxSQL = `INSERT INTO outbox (event_id, topic, key, payload, created_at)
		VALUES ($1, $2, $3, $4, $5) ON CONFLICT (event_id) DO NOTHING`

	fetchPendingOutboxSQL = `SELECT id, event_id, topic, key, payload, created_at, sent_at
		FROM outbox WHERE sent_at IS NULL ORDER BY id LIMIT $1`

	markOutboxSentSQL = `UPDATE outbox SET sent_at = $2 WHERE id = ANY($1) AND sent_at IS NULL`
)

var _ notify.Store = (*OutboxRepository)(nil)

// OutboxRepository reads the transactional outbox for the relay.
type OutboxRepository struct {
	pool *pgxpool.Pool
}

// NewOutboxRepository returns an OutboxRepository that uses the given pool.
func NewOutboxRepository(pool *pgxpool.Pool) *OutboxRepository {
	return &OutboxRepository{pool: pool}
}

// FetchPending returns unsent messages in insertion order.
func (r *OutboxRepository) FetchPending(ctx context.Context, limit int) ([]notify.Message, error) {
	rows, err := r.pool.Query(ctx, fetchPendingOutboxSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("fetching outbox: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (notify.Message, error) {
		var m notify.Message
		err := row.Scan(&m.ID, &m.EventID, &m.Topic, &m.Key, &m.Payload, &m.CreatedAt, &m.SentAt)
		return m, err
	})
}

// MarkSent stamps the given messages as delivered.
func (r *OutboxRepository) MarkSent(ctx context.Context, ids []int64, at time.Time) error {
	if _, err := r.pool.Exec(ctx, markOutboxSentSQL, ids, at); err != nil {
		return fmt.Errorf("marking outbox sent: %w", err)
	}
	return nil
}

// enqueueOutbox queues messages on the caller's transaction.
func enqueueOutbox(batch *pgx.Batch, msgs ...notify.Message) {
	for _, m := range msgs {
		if m.CreatedAt.IsZero() {
			m.CreatedAt = time.Now()
		}
		batch.Queue(insertOutboxSQL, m.EventID, m.Topic, m.Key, m.Payload, m.CreatedAt)
	}
}
