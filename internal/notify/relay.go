package notify

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// RelayConfig tunes a Relay.
type RelayConfig struct {
	Interval  time.Duration
	BatchSize int
}

// Relay moves pending outbox messages to a Publisher. Delivery is at least
// once: a message is marked sent only after Publish succeeded.
type Relay struct {
	store     Store
	pub       Publisher
	cfg       RelayConfig
	published metric.Int64Counter
	now       func() time.Time
}

// NewRelay creates a Relay.
func NewRelay(store Store, pub Publisher, cfg RelayConfig, mp metric.MeterProvider) (*Relay, error) {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	published, err := mp.Meter("kart-checkout/notify").Int64Counter("outbox.published",
		metric.WithDescription("Outbox messages published"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "published counter")
	}
	return &Relay{
		store:     store,
		pub:       pub,
		cfg:       cfg,
		published: published,
		now:       time.Now,
	}, nil
}

// Run flushes the outbox every interval until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	lg := zctx.From(ctx).Named("outbox")
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		n, err := r.Flush(ctx)
		if err != nil && ctx.Err() == nil {
			lg.Warn("Outbox flush failed", zap.Int("published", n), zap.Error(err))
			continue
		}
		if n > 0 {
			lg.Debug("Outbox flushed", zap.Int("published", n))
		}
	}
}

// Flush publishes pending messages batch by batch until the outbox is
// drained and returns how many were published.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	total := 0
	for {
		msgs, err := r.store.FetchPending(ctx, r.cfg.BatchSize)
		if err != nil {
			return total, errors.Wrap(err, "fetch pending")
		}
		if len(msgs) == 0 {
			return total, nil
		}
		if err := r.pub.Publish(ctx, msgs); err != nil {
			return total, errors.Wrap(err, "publish")
		}

		ids := make([]int64, 0, len(msgs))
		for _, m := range msgs {
			ids = append(ids, m.ID)
		}
		if err := r.store.MarkSent(ctx, ids, r.now()); err != nil {
			return total, errors.Wrap(err, "mark sent")
		}
		total += len(msgs)
		r.published.Add(ctx, int64(len(msgs)), metric.WithAttributes(attribute.String("topic", msgs[0].Topic)))

		if len(msgs) < r.cfg.BatchSize {
			return total, nil
		}
	}
}
