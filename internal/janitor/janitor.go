// Package janitor runs the periodic clean-up jobs that keep checkout state
// consistent: orphaned stock reservations, stuck checkouts, expired wallet
// holds, idle carts and expired idempotency keys.
package janitor

import (
	"context"
	"time"

	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Job is one periodic task. Run returns how many items it handled.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) (int, error)
}

// Janitor runs jobs on their own tickers.
type Janitor struct {
	jobs    []Job
	handled metric.Int64Counter
	failed  metric.Int64Counter
}

// New creates a Janitor.
func New(jobs []Job, mp metric.MeterProvider) (*Janitor, error) {
	meter := mp.Meter("kart-checkout/janitor")
	handled, err := meter.Int64Counter("janitor.handled",
		metric.WithDescription("Items handled by background jobs"))
	if err != nil {
		return nil, err
	}
	failed, err := meter.Int64Counter("janitor.failures",
		metric.WithDescription("Background job runs that returned an error"))
	if err != nil {
		return nil, err
	}
	return &Janitor{jobs: jobs, handled: handled, failed: failed}, nil
}

// Run starts every job and blocks until ctx is done. Job errors are logged
// and never stop the loop.
func (j *Janitor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, job := range j.jobs {
		g.Go(func() error {
			j.loop(ctx, job)
			return nil
		})
	}
	return g.Wait()
}

// RunOnce runs every job a single time in order.
func (j *Janitor) RunOnce(ctx context.Context) {
	for _, job := range j.jobs {
		j.run(ctx, job)
	}
}

func (j *Janitor) loop(ctx context.Context, job Job) {
	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.run(ctx, job)
		}
	}
}

func (j *Janitor) run(ctx context.Context, job Job) {
	lg := zctx.From(ctx).With(zap.String("job", job.Name))
	attrs := metric.WithAttributes(attribute.String("job", job.Name))

	n, err := job.Run(ctx)
	if n > 0 {
		j.handled.Add(ctx, int64(n), attrs)
		lg.Info("Janitor job handled items", zap.Int("count", n))
	}
	if err != nil && ctx.Err() == nil {
		j.failed.Add(ctx, 1, attrs)
		lg.Warn("Janitor job failed", zap.Error(err))
	}
}
