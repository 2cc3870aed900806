package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func TestRecordAttempt(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()
	m.RecordAttempt(ctx, "on_demand", "completed", 0.4)
	m.RecordAttempt(ctx, "on_demand", "completed", 1.2)
	m.RecordAttempt(ctx, "prefetch", "provider_timeout", 30)

	rm := collect(t, reader)

	attempts := findMetric(rm, "loqa_voice.synthesis.attempts")
	if attempts == nil {
		t.Fatal("attempts counter not found")
	}
	sum, ok := attempts.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("expected Sum[int64], got %T", attempts.Data)
	}
	want := attribute.NewSet(attribute.String("priority", "on_demand"), attribute.String("outcome", "completed"))
	found := false
	for _, dp := range sum.DataPoints {
		if dp.Attributes.Equals(&want) {
			found = true
			if dp.Value != 2 {
				t.Fatalf("expected 2 completed on-demand attempts, got %d", dp.Value)
			}
		}
	}
	if !found {
		t.Fatal("missing on_demand/completed data point")
	}

	hist := findMetric(rm, "loqa_voice.synthesis.duration")
	if hist == nil {
		t.Fatal("duration histogram not found")
	}
	h, ok := hist.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("expected Histogram[float64], got %T", hist.Data)
	}
	var count uint64
	for _, dp := range h.DataPoints {
		count += dp.Count
	}
	if count != 3 {
		t.Fatalf("expected 3 observations, got %d", count)
	}
}

func TestRecordSubmissionAndHits(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()
	m.RecordSubmission(ctx, "nats", "on_demand", true)
	m.RecordSubmission(ctx, "nats", "on_demand", false)
	m.RecordCacheHit(ctx, "client")
	m.InFlight.Add(ctx, 2)
	m.InFlight.Add(ctx, -1)

	rm := collect(t, reader)
	for _, name := range []string{"loqa_voice.jobs.submissions", "loqa_voice.cache.hits"} {
		if findMetric(rm, name) == nil {
			t.Fatalf("metric %s not found", name)
		}
	}
	inflight := findMetric(rm, "loqa_voice.synthesis.in_flight")
	if inflight == nil {
		t.Fatal("in-flight counter not found")
	}
	sum := inflight.Data.(metricdata.Sum[int64])
	if len(sum.DataPoints) != 1 || sum.DataPoints[0].Value != 1 {
		t.Fatalf("expected in-flight 1, got %+v", sum.DataPoints)
	}
}
