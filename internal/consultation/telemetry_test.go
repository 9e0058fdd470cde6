package consultation

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"medical-intake/internal/stream"
)

type recorded struct {
	spans  *tracetest.SpanRecorder
	reader *sdkmetric.ManualReader
}

func newRecordedFixture(t *testing.T) (*fixture, *recorded) {
	t.Helper()

	rec := &recorded{
		spans:  tracetest.NewSpanRecorder(),
		reader: sdkmetric.NewManualReader(),
	}
	f := newFixtureWith(t, Options{
		TracerProvider: sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec.spans)),
		MeterProvider:  sdkmetric.NewMeterProvider(sdkmetric.WithReader(rec.reader)),
	})
	return f, rec
}

// counter sums every data point of the named int64 counter.
func (r *recorded) counter(t *testing.T, name string) int64 {
	t.Helper()

	var rm metricdata.ResourceMetrics
	require.NoError(t, r.reader.Collect(context.Background(), &rm))

	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "%s is not an int64 sum", name)
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	return total
}

func (r *recorded) histogramCount(t *testing.T, name string) uint64 {
	t.Helper()

	var rm metricdata.ResourceMetrics
	require.NoError(t, r.reader.Collect(context.Background(), &rm))

	var count uint64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			h, ok := m.Data.(metricdata.Histogram[float64])
			require.True(t, ok, "%s is not a float64 histogram", name)
			for _, dp := range h.DataPoints {
				count += dp.Count
			}
		}
	}
	return count
}

func (r *recorded) span(t *testing.T, name string) sdktrace.ReadOnlySpan {
	t.Helper()
	for _, s := range r.spans.Ended() {
		if s.Name() == name {
			return s
		}
	}
	t.Fatalf("no span named %s", name)
	return nil
}

func TestTelemetryForCompletedSession(t *testing.T) {
	f, rec := newRecordedFixture(t)
	sess := f.answered(t, "en")

	f.gen.setStream(false, "Rest ", "and drink water.", stream.EndOfStream)
	_, err := f.svc.CompleteSession(context.Background(), sess.ID, nil)
	require.NoError(t, err)

	require.EqualValues(t, 1, rec.counter(t, "intake.session.created"))
	require.EqualValues(t, 1, rec.counter(t, "intake.session.completed"))
	require.EqualValues(t, 2, rec.counter(t, "intake.llm.requests"))
	require.Zero(t, rec.counter(t, "intake.llm.errors"))
	require.EqualValues(t, 2, rec.histogramCount(t, "intake.llm.latency"))
	require.EqualValues(t, 1, rec.histogramCount(t, "intake.session.duration"))

	questions := rec.span(t, "consultation.GenerateQuestions")
	require.Equal(t, codes.Ok, questions.Status().Code)
	attrs := map[string]any{}
	for _, kv := range questions.Attributes() {
		attrs[string(kv.Key)] = kv.Value.AsInterface()
	}
	require.Equal(t, sess.ID, attrs["session.id"])
	require.EqualValues(t, 4, attrs["questions.count"])

	complete := rec.span(t, "consultation.CompleteSession")
	require.Equal(t, codes.Ok, complete.Status().Code)
}

func TestTelemetryRecordsUpstreamFailures(t *testing.T) {
	f, rec := newRecordedFixture(t)
	ctx := context.Background()

	sess, err := f.svc.CreateSession(ctx, PatientInfo{Age: 30, Gender: "male", Language: "en"})
	require.NoError(t, err)

	f.gen.completeErr = errors.New("model overloaded")
	_, err = f.svc.GenerateQuestions(ctx, sess.ID, "I have a headache")
	require.ErrorIs(t, err, ErrUpstreamGeneration)

	require.EqualValues(t, 2, rec.counter(t, "intake.llm.requests"))
	require.EqualValues(t, 2, rec.counter(t, "intake.llm.errors"))

	span := rec.span(t, "consultation.GenerateQuestions")
	require.Equal(t, codes.Error, span.Status().Code)
	require.NotEmpty(t, span.Events())
}

func TestTelemetryCountsTranslationFallbacks(t *testing.T) {
	f, rec := newRecordedFixture(t)
	ctx := context.Background()

	sess, err := f.svc.CreateSession(ctx, PatientInfo{Age: 41, Gender: "female", Language: "hi"})
	require.NoError(t, err)

	f.translator.fail.Store(true)
	f.gen.replies = []string{fourQuestions}
	_, err = f.svc.GenerateQuestions(ctx, sess.ID, "sir dard")
	require.NoError(t, err)

	// One complaint translation and four question localizations fell back.
	require.EqualValues(t, 5, rec.counter(t, "intake.translation.errors"))
}
