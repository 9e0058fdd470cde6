package telemetry

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

type Options struct {
	// Exporter is "none" or "stdout".
	Exporter       string
	ServiceName    string
	MetricInterval time.Duration
	// Writer receives stdout exports; defaults to os.Stderr.
	Writer io.Writer
}

// Setup installs the global tracer and meter providers. The returned function
// flushes and stops them. With the "none" exporter the otel no-op globals stay
// in place and shutdown does nothing.
func Setup(opts Options) (func(context.Context) error, error) {
	switch opts.Exporter {
	case "", "none":
		return func(context.Context) error { return nil }, nil
	case "stdout":
	default:
		return nil, errors.Errorf("unknown telemetry exporter %q", opts.Exporter)
	}
	if opts.ServiceName == "" {
		opts.ServiceName = "medical-intake"
	}
	if opts.MetricInterval <= 0 {
		opts.MetricInterval = time.Minute
	}
	if opts.Writer == nil {
		opts.Writer = os.Stderr
	}

	res := resource.NewSchemaless(attribute.String("service.name", opts.ServiceName))

	spanExporter, err := stdouttrace.New(stdouttrace.WithWriter(opts.Writer))
	if err != nil {
		return nil, errors.Wrap(err, "create span exporter")
	}
	metricExporter, err := stdoutmetric.New(stdoutmetric.WithWriter(opts.Writer))
	if err != nil {
		return nil, errors.Wrap(err, "create metric exporter")
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(spanExporter),
		sdktrace.WithResource(res),
	)
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(opts.MetricInterval))),
		sdkmetric.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) error {
		if err := tp.Shutdown(ctx); err != nil {
			return errors.Wrap(err, "shutdown tracer provider")
		}
		return errors.Wrap(mp.Shutdown(ctx), "shutdown meter provider")
	}, nil
}
