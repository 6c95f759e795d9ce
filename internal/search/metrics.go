package search

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/thebtf/memforge/internal/search"

// Metrics holds the retrieval instruments.
type Metrics struct {
	queries  metric.Int64Counter
	failures metric.Int64Counter
	latency  metric.Float64Histogram
}

// NewMetrics creates the retrieval instruments.
func NewMetrics() *Metrics {
	meter := otel.Meter(instrumentationName)
	m := &Metrics{}
	var err error

	m.queries, err = meter.Int64Counter(
		"memforge.search.queries_total",
		metric.WithDescription("Retrieval queries, by operation."),
		metric.WithUnit("{query}"),
	)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to create search query counter")
	}

	m.failures, err = meter.Int64Counter(
		"memforge.search.signal_failures_total",
		metric.WithDescription("Signal lookups that failed and were treated as empty."),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to create search failure counter")
	}

	m.latency, err = meter.Float64Histogram(
		"memforge.search.duration_seconds",
		metric.WithDescription("Retrieval latency, in seconds."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5),
	)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to create search latency histogram")
	}
	return m
}

// RecordQuery records one completed operation.
func (m *Metrics) RecordQuery(ctx context.Context, op string, results int, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("op", op), attribute.Bool("empty", results == 0))
	if m.queries != nil {
		m.queries.Add(ctx, 1, attrs)
	}
	if m.latency != nil {
		m.latency.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("op", op)))
	}
}

// RecordFailure records a failed signal lookup.
func (m *Metrics) RecordFailure(ctx context.Context, signal string) {
	if m == nil || m.failures == nil {
		return
	}
	m.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("signal", signal)))
}
