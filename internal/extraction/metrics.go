package extraction

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/thebtf/memforge/internal/extraction"

// Session outcomes reported to metrics.
const (
	outcomeSucceeded = "succeeded"
	outcomeFailed    = "failed"
	outcomeSkipped   = "skipped"
)

// Metrics holds the extraction instruments.
type Metrics struct {
	sessions metric.Int64Counter
	duration metric.Float64Histogram
	batches  metric.Int64Counter
}

// NewMetrics creates the extraction instruments.
func NewMetrics() *Metrics {
	meter := otel.Meter(instrumentationName)
	m := &Metrics{}
	var err error

	m.sessions, err = meter.Int64Counter(
		"memforge.extraction.sessions_total",
		metric.WithDescription("Sessions handled by the extraction pipeline, by outcome."),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to create extraction sessions counter")
	}

	m.duration, err = meter.Float64Histogram(
		"memforge.extraction.duration_seconds",
		metric.WithDescription("Time to extract one session, in seconds."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300),
	)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to create extraction duration histogram")
	}

	m.batches, err = meter.Int64Counter(
		"memforge.extraction.batches_total",
		metric.WithDescription("Extraction batch runs."),
		metric.WithUnit("{batch}"),
	)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to create extraction batch counter")
	}
	return m
}

// RecordSession records the outcome of one session. Duration is recorded
// only for sessions that reached the model.
func (m *Metrics) RecordSession(ctx context.Context, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	if m.sessions != nil {
		m.sessions.Add(ctx, 1, attrs)
	}
	if m.duration != nil && duration > 0 {
		m.duration.Record(ctx, duration.Seconds(), attrs)
	}
}

// RecordBatch records one completed batch.
func (m *Metrics) RecordBatch(ctx context.Context) {
	if m == nil || m.batches == nil {
		return
	}
	m.batches.Add(ctx, 1)
}
