// Package telemetry holds the avatar service's OpenTelemetry instruments.
// A nil *Metrics is valid and records nothing.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/loqalabs/loqa-avatar"

type Metrics struct {
	ttsLatency     metric.Float64Histogram
	lipsyncLatency metric.Float64Histogram
	sttLatency     metric.Float64Histogram
	llmTTFT        metric.Float64Histogram
	llmLatency     metric.Float64Histogram
	httpDuration   metric.Float64Histogram
	turns          metric.Int64Counter
	droppedFrames  metric.Int64Counter
	queueDepth     metric.Int64Gauge
	backendUp      metric.Int64Gauge
}

func New(provider metric.MeterProvider) (*Metrics, error) {
	meter := provider.Meter(meterName)
	m := &Metrics{}
	var err error
	if m.ttsLatency, err = meter.Float64Histogram("avatar.tts.latency",
		metric.WithUnit("s"), metric.WithDescription("TTS request latency")); err != nil {
		return nil, err
	}
	if m.lipsyncLatency, err = meter.Float64Histogram("avatar.lipsync.latency",
		metric.WithUnit("s"), metric.WithDescription("Lipsync request latency")); err != nil {
		return nil, err
	}
	if m.sttLatency, err = meter.Float64Histogram("avatar.stt.latency",
		metric.WithUnit("s"), metric.WithDescription("Speech to text latency")); err != nil {
		return nil, err
	}
	if m.llmTTFT, err = meter.Float64Histogram("avatar.llm.ttft",
		metric.WithUnit("s"), metric.WithDescription("Time to first LLM token")); err != nil {
		return nil, err
	}
	if m.llmLatency, err = meter.Float64Histogram("avatar.llm.latency",
		metric.WithUnit("s"), metric.WithDescription("Full LLM stream latency")); err != nil {
		return nil, err
	}
	if m.httpDuration, err = meter.Float64Histogram("avatar.http.duration",
		metric.WithUnit("s"), metric.WithDescription("HTTP handler duration")); err != nil {
		return nil, err
	}
	if m.turns, err = meter.Int64Counter("avatar.turns",
		metric.WithDescription("Chat turns by outcome")); err != nil {
		return nil, err
	}
	if m.droppedFrames, err = meter.Int64Counter("avatar.playback.dropped",
		metric.WithDescription("Playback events dropped for slow subscribers")); err != nil {
		return nil, err
	}
	if m.queueDepth, err = meter.Int64Gauge("avatar.playback.queue_depth",
		metric.WithDescription("Clips waiting in the playback queue")); err != nil {
		return nil, err
	}
	if m.backendUp, err = meter.Int64Gauge("avatar.backend.up",
		metric.WithDescription("1 when a backend answered its last probe")); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) RecordTTS(ctx context.Context, seconds float64) {
	if m == nil {
		return
	}
	m.ttsLatency.Record(ctx, seconds)
}

func (m *Metrics) RecordLipsync(ctx context.Context, seconds float64) {
	if m == nil {
		return
	}
	m.lipsyncLatency.Record(ctx, seconds)
}

func (m *Metrics) RecordSTT(ctx context.Context, seconds float64) {
	if m == nil {
		return
	}
	m.sttLatency.Record(ctx, seconds)
}

func (m *Metrics) RecordLLM(ctx context.Context, ttft, total float64) {
	if m == nil {
		return
	}
	m.llmTTFT.Record(ctx, ttft)
	m.llmLatency.Record(ctx, total)
}

func (m *Metrics) RecordHTTP(ctx context.Context, route string, status int, seconds float64) {
	if m == nil {
		return
	}
	m.httpDuration.Record(ctx, seconds, metric.WithAttributes(
		attribute.String("route", route),
		attribute.Int("status", status),
	))
}

// Turn counts a turn outcome: emitted, resolved or failed.
func (m *Metrics) Turn(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.turns.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *Metrics) DroppedFrame(ctx context.Context) {
	if m == nil {
		return
	}
	m.droppedFrames.Add(ctx, 1)
}

func (m *Metrics) QueueDepth(ctx context.Context, depth int) {
	if m == nil {
		return
	}
	m.queueDepth.Record(ctx, int64(depth))
}

func (m *Metrics) BackendUp(ctx context.Context, name string, up bool) {
	if m == nil {
		return
	}
	var v int64
	if up {
		v = 1
	}
	m.backendUp.Record(ctx, v, metric.WithAttributes(attribute.String("backend", name)))
}
