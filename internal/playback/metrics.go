package playback

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentation = "github.com/loqalabs/loqa-voicerelay/playback"

type metrics struct {
	tracer    trace.Tracer
	enqueued  metric.Int64Counter
	outcomes  metric.Int64Counter
	synthesis metric.Float64Histogram
	latency   metric.Float64Histogram
}

func newMetrics(log *slog.Logger) *metrics {
	m := &metrics{tracer: otel.Tracer(instrumentation)}
	meter := otel.Meter(instrumentation)
	var err error
	if m.enqueued, err = meter.Int64Counter("voicerelay.playback.enqueued", metric.WithDescription("Requests accepted into a queue")); err != nil {
		log.Warn("failed to create metric", slog.String("error", err.Error()))
	}
	if m.outcomes, err = meter.Int64Counter("voicerelay.playback.requests", metric.WithDescription("Finished requests by status")); err != nil {
		log.Warn("failed to create metric", slog.String("error", err.Error()))
	}
	if m.synthesis, err = meter.Float64Histogram("voicerelay.playback.synthesis.duration", metric.WithUnit("s"), metric.WithDescription("Time spent in the synthesis backend")); err != nil {
		log.Warn("failed to create metric", slog.String("error", err.Error()))
	}
	if m.latency, err = meter.Float64Histogram("voicerelay.playback.latency", metric.WithUnit("s"), metric.WithDescription("Enqueue to end of playback")); err != nil {
		log.Warn("failed to create metric", slog.String("error", err.Error()))
	}
	return m
}

func (m *metrics) recordEnqueue(ctx context.Context, engine string) {
	if m.enqueued != nil {
		m.enqueued.Add(ctx, 1, metric.WithAttributes(attribute.String("engine", engine)))
	}
}

func (m *metrics) recordOutcome(ctx context.Context, evt Event) {
	attrs := metric.WithAttributes(
		attribute.String("engine", evt.Request.Engine),
		attribute.String("status", string(evt.Status)),
	)
	if m.outcomes != nil {
		m.outcomes.Add(ctx, 1, attrs)
	}
	if m.synthesis != nil && evt.Synthesis > 0 {
		m.synthesis.Record(ctx, evt.Synthesis.Seconds(), metric.WithAttributes(attribute.String("engine", evt.Request.Engine)))
	}
	if m.latency != nil && evt.Status == StatusPlayed {
		m.latency.Record(ctx, evt.Latency.Seconds(), attrs)
	}
}
