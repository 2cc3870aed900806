// Package observe holds the OpenTelemetry instruments shared by the voice
// server. Tests build their own Metrics against a ManualReader; the runtime
// uses the global meter provider wired to the Prometheus exporter.
package observe

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/loqalabs/loqa-voice"

// Metrics holds every instrument the server records.
type Metrics struct {
	// SynthesisDuration is provider latency per attempt, in seconds.
	SynthesisDuration metric.Float64Histogram

	// Attempts counts synthesis attempts by priority and outcome.
	Attempts metric.Int64Counter

	// Submissions counts registry submissions by source, priority and whether
	// they created new work.
	Submissions metric.Int64Counter

	// CacheHits counts hits reported by clients and lines the walker or
	// listener found already cached.
	CacheHits metric.Int64Counter

	// InFlight is the number of synthesis attempts currently running.
	InFlight metric.Int64UpDownCounter

	// ArtifactBytes counts bytes written to the cache.
	ArtifactBytes metric.Int64Counter

	// PrefetchPosition is the walker cursor.
	PrefetchPosition metric.Int64Gauge
}

var latencyBuckets = []float64{
	0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60,
}

// NewMetrics creates all instruments from mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.SynthesisDuration, err = m.Float64Histogram("loqa_voice.synthesis.duration",
		metric.WithDescription("Latency of one provider synthesis attempt."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.Attempts, err = m.Int64Counter("loqa_voice.synthesis.attempts",
		metric.WithDescription("Synthesis attempts by priority and outcome."),
	); err != nil {
		return nil, err
	}
	if met.Submissions, err = m.Int64Counter("loqa_voice.jobs.submissions",
		metric.WithDescription("Job submissions by source, priority and novelty."),
	); err != nil {
		return nil, err
	}
	if met.CacheHits, err = m.Int64Counter("loqa_voice.cache.hits",
		metric.WithDescription("Cache hits by source."),
	); err != nil {
		return nil, err
	}
	if met.InFlight, err = m.Int64UpDownCounter("loqa_voice.synthesis.in_flight",
		metric.WithDescription("Synthesis attempts currently running."),
	); err != nil {
		return nil, err
	}
	if met.ArtifactBytes, err = m.Int64Counter("loqa_voice.cache.bytes_written",
		metric.WithDescription("Bytes of audio written to the cache."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.PrefetchPosition, err = m.Int64Gauge("loqa_voice.prefetch.position",
		metric.WithDescription("Index of the next text list line the walker will consider."),
	); err != nil {
		return nil, err
	}
	return met, nil
}

// RecordAttempt records one finished synthesis attempt.
func (m *Metrics) RecordAttempt(ctx context.Context, priority, outcome string, seconds float64) {
	attrs := metric.WithAttributes(
		attribute.String("priority", priority),
		attribute.String("outcome", outcome),
	)
	m.Attempts.Add(ctx, 1, attrs)
	m.SynthesisDuration.Record(ctx, seconds, attrs)
}

// RecordSubmission records a registry submission.
func (m *Metrics) RecordSubmission(ctx context.Context, source, priority string, isNew bool) {
	m.Submissions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("source", source),
		attribute.String("priority", priority),
		attribute.Bool("new", isNew),
	))
}

// RecordCacheHit records a hit observed by source.
func (m *Metrics) RecordCacheHit(ctx context.Context, source string) {
	m.CacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
}
