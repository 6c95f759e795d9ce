package vector

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/thebtf/memforge/internal/vector"

// Metrics records index operations. Instruments are no-ops until a meter
// provider is installed.
type Metrics struct {
	queries       metric.Int64Counter
	queryLatency  metric.Float64Histogram
	indexedChunks metric.Int64Counter
}

// NewMetrics creates the vector index instruments.
func NewMetrics() *Metrics {
	meter := otel.Meter(instrumentationName)
	m := &Metrics{}
	var err error

	m.queries, err = meter.Int64Counter(
		"memforge.vector.queries_total",
		metric.WithDescription("Vector index queries by mode (text, vector)."),
		metric.WithUnit("{query}"),
	)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to create vector query counter")
	}

	m.queryLatency, err = meter.Float64Histogram(
		"memforge.vector.query_duration_seconds",
		metric.WithDescription("Vector index query latency in seconds."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0),
	)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to create vector latency histogram")
	}

	m.indexedChunks, err = meter.Int64Counter(
		"memforge.vector.indexed_chunks_total",
		metric.WithDescription("Chunks written to the vector index by category."),
		metric.WithUnit("{chunk}"),
	)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to create indexed chunks counter")
	}
	return m
}

// RecordQuery records one query and its latency.
func (m *Metrics) RecordQuery(ctx context.Context, mode string, latency time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("mode", mode))
	if m.queries != nil {
		m.queries.Add(ctx, 1, attrs)
	}
	if m.queryLatency != nil {
		m.queryLatency.Record(ctx, latency.Seconds(), attrs)
	}
}

// RecordIndexed records chunks written for a category.
func (m *Metrics) RecordIndexed(ctx context.Context, category string, chunks int) {
	if m == nil || m.indexedChunks == nil {
		return
	}
	m.indexedChunks.Add(ctx, int64(chunks), metric.WithAttributes(attribute.String("category", category)))
}
