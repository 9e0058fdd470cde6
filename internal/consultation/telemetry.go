package consultation

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "medical-intake/internal/consultation"

// telemetry holds the spans and instruments recorded by the service. With no
// providers configured the global no-op ones are used.
type telemetry struct {
	tracer trace.Tracer

	sessionsCreated   metric.Int64Counter
	sessionsCompleted metric.Int64Counter
	sessionDuration   metric.Float64Histogram
	llmRequests       metric.Int64Counter
	llmErrors         metric.Int64Counter
	llmLatency        metric.Float64Histogram
	translationErrors metric.Int64Counter
}

func newTelemetry(tp trace.TracerProvider, mp metric.MeterProvider) *telemetry {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(instrumentationName)

	return &telemetry{
		tracer:            tp.Tracer(instrumentationName),
		sessionsCreated:   int64Counter(meter, "intake.session.created", "Consultation sessions created"),
		sessionsCompleted: int64Counter(meter, "intake.session.completed", "Consultation sessions that received a recommendation"),
		sessionDuration:   float64Histogram(meter, "intake.session.duration", "Time from session creation to recommendation", "s"),
		llmRequests:       int64Counter(meter, "intake.llm.requests", "Generative model calls"),
		llmErrors:         int64Counter(meter, "intake.llm.errors", "Failed generative model calls"),
		llmLatency:        float64Histogram(meter, "intake.llm.latency", "Generative model call latency", "ms"),
		translationErrors: int64Counter(meter, "intake.translation.errors", "Failed translations"),
	}
}

func int64Counter(m metric.Meter, name, desc string) metric.Int64Counter {
	c, err := m.Int64Counter(name, metric.WithDescription(desc))
	if err != nil {
		otel.Handle(err)
		c, _ = noop.Meter{}.Int64Counter(name)
	}
	return c
}

func float64Histogram(m metric.Meter, name, desc, unit string) metric.Float64Histogram {
	h, err := m.Float64Histogram(name, metric.WithDescription(desc), metric.WithUnit(unit))
	if err != nil {
		otel.Handle(err)
		h, _ = noop.Meter{}.Float64Histogram(name)
	}
	return h
}

func (t *telemetry) start(ctx context.Context, name, sessionID string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "consultation."+name, trace.WithAttributes(attribute.String("session.id", sessionID)))
}

// endSpan closes span, marking it failed when err is set.
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// upstreamCall records one generative model call started at start.
func (t *telemetry) upstreamCall(ctx context.Context, operation string, start time.Time, err error) {
	attrs := metric.WithAttributes(attribute.String("operation", operation))
	t.llmRequests.Add(ctx, 1, attrs)
	t.llmLatency.Record(ctx, float64(time.Since(start))/float64(time.Millisecond), attrs)
	if err != nil {
		t.llmErrors.Add(ctx, 1, attrs)
	}
}

func (t *telemetry) translationFailed(ctx context.Context, direction, language string) {
	t.translationErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("direction", direction),
		attribute.String("language", language),
	))
}

func (t *telemetry) sessionCompleted(ctx context.Context, sess *Session) {
	attrs := metric.WithAttributes(attribute.String("language", sess.Language))
	t.sessionsCompleted.Add(ctx, 1, attrs)
	if !sess.CreatedAt.IsZero() {
		t.sessionDuration.Record(ctx, time.Since(sess.CreatedAt).Seconds(), attrs)
	}
}
