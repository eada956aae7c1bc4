package session

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/loqalabs/loqa-listen/session"

type metrics struct {
	sessions metric.Int64Counter
	partials metric.Int64Counter
	latency  metric.Float64Histogram
}

func newMetrics(meter metric.Meter) (*metrics, error) {
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	sessions, err := meter.Int64Counter("loqa.listen.sessions",
		metric.WithDescription("Listening sessions by outcome"))
	if err != nil {
		return nil, err
	}
	partials, err := meter.Int64Counter("loqa.listen.partials",
		metric.WithDescription("Partial transcripts delivered"))
	if err != nil {
		return nil, err
	}
	latency, err := meter.Float64Histogram("loqa.listen.finalize_latency",
		metric.WithDescription("Time from end of input to final transcript"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	return &metrics{sessions: sessions, partials: partials, latency: latency}, nil
}

func (m *metrics) sessionEnded(outcome Outcome, locale string) {
	m.sessions.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("outcome", string(outcome)),
		attribute.String("locale", locale),
	))
}

func (m *metrics) partial() {
	m.partials.Add(context.Background(), 1)
}

func (m *metrics) finalized(since time.Time) {
	if since.IsZero() {
		return
	}
	m.latency.Record(context.Background(), float64(time.Since(since).Microseconds())/1000)
}
