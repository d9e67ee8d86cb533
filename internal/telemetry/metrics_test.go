package telemetry

import (
	"context"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestMetricsRecord(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := New(provider)
	if err != nil {
		t.Fatalf("new metrics: %v", err)
	}
	ctx := context.Background()
	m.RecordTTS(ctx, 0.4)
	m.Turn(ctx, "resolved")
	m.Turn(ctx, "resolved")
	m.QueueDepth(ctx, 3)
	m.BackendUp(ctx, "tts", true)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	seen := map[string]bool{}
	for _, scope := range rm.ScopeMetrics {
		for _, md := range scope.Metrics {
			seen[md.Name] = true
			if md.Name == "avatar.turns" {
				sum, ok := md.Data.(metricdata.Sum[int64])
				if !ok || len(sum.DataPoints) != 1 || sum.DataPoints[0].Value != 2 {
					t.Fatalf("unexpected turn counter: %+v", md.Data)
				}
			}
		}
	}
	for _, name := range []string{"avatar.tts.latency", "avatar.turns", "avatar.playback.queue_depth", "avatar.backend.up"} {
		if !seen[name] {
			t.Fatalf("expected %s to be collected", name)
		}
	}
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.RecordTTS(context.Background(), 1)
	m.Turn(context.Background(), "failed")
	m.BackendUp(context.Background(), "llm", false)
}
