package checkout

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/xenking/kart-checkout/internal/domain/apperr"
)

// Metrics records checkout outcomes.
type Metrics struct {
	attempts      metric.Int64Counter
	duration      metric.Float64Histogram
	compensations metric.Int64Counter
}

// NewMetrics registers the checkout instruments on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter("kart-checkout/checkout")

	attempts, err := meter.Int64Counter("checkout.attempts",
		metric.WithDescription("Checkout attempts by outcome"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "attempts counter")
	}
	duration, err := meter.Float64Histogram("checkout.duration",
		metric.WithDescription("Checkout duration"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "duration histogram")
	}
	compensations, err := meter.Int64Counter("checkout.compensations",
		metric.WithDescription("Compensation steps run by stage"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "compensations counter")
	}
	return &Metrics{
		attempts:      attempts,
		duration:      duration,
		compensations: compensations,
	}, nil
}

func (m *Metrics) observe(ctx context.Context, method string, err error, took time.Duration) {
	outcome := "committed"
	if err != nil {
		outcome = string(apperr.KindOf(err))
		if outcome == "" {
			outcome = "error"
		}
	}
	attrs := metric.WithAttributes(
		attribute.String("outcome", outcome),
		attribute.String("payment_method", method),
	)
	m.attempts.Add(ctx, 1, attrs)
	m.duration.Record(ctx, took.Seconds(), attrs)
}

func (m *Metrics) compensated(ctx context.Context, stage Stage) {
	m.compensations.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", string(stage))))
}
