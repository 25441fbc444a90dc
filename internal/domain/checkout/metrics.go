package checkout

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const instrumentationName = "github.com/xenking/print-checkout/internal/domain/checkout"

type metrics struct {
	attempts       metric.Int64Counter
	outcomes       metric.Int64Counter
	uploadDuration metric.Float64Histogram
}

func newMetrics(mp metric.MeterProvider) (*metrics, error) {
	if mp == nil {
		mp = noop.NewMeterProvider()
	}
	meter := mp.Meter(instrumentationName)

	attempts, err := meter.Int64Counter("checkout.attempts",
		metric.WithDescription("Processing attempts started"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "attempts counter")
	}
	outcomes, err := meter.Int64Counter("checkout.outcomes",
		metric.WithDescription("Processing attempts finished, by outcome kind"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "outcomes counter")
	}
	uploadDuration, err := meter.Float64Histogram("checkout.upload.duration",
		metric.WithDescription("Time spent uploading the assets of an order"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "upload duration histogram")
	}
	return &metrics{
		attempts:       attempts,
		outcomes:       outcomes,
		uploadDuration: uploadDuration,
	}, nil
}

func (m *metrics) attemptStarted(ctx context.Context, mode string) {
	m.attempts.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", mode)))
}

func (m *metrics) attemptFinished(ctx context.Context, outcome string) {
	m.outcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", outcome)))
}

func (m *metrics) uploaded(ctx context.Context, d time.Duration) {
	m.uploadDuration.Record(ctx, d.Seconds())
}
