package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	tracetype "go.opentelemetry.io/otel/trace"
)

// Telemetry owns the providers installed by Setup
type Telemetry struct {
	tp *trace.TracerProvider
	lp *sdklog.LoggerProvider
	mp *sdkmetric.MeterProvider // nil unless metrics are exported
}

// SetupOptions selects where spans and log records go and whether the
// prometheus exporter is installed as well
type SetupOptions struct {
	// Output receives spans and log records as JSON lines; stdout when nil
	Output io.Writer
	// Metrics installs the prometheus meter provider and the rule instruments
	Metrics bool
}

// Setup installs the global tracer and logger providers, plus the meter
// provider when opts.Metrics is set. Rule activations and webhook calls are
// traced; zap records reach the log exporter through the otelzap bridge.
func Setup(serviceName string, opts SetupOptions) (*Telemetry, error) {
	ctx := context.Background()

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	out := opts.Output
	if out == nil {
		out = os.Stdout
	}

	traceExporter, err := stdouttrace.New(stdouttrace.WithWriter(out))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}
	tp := trace.NewTracerProvider(
		trace.WithBatcher(traceExporter),
		trace.WithResource(res),
	)

	logExporter, err := stdoutlog.New(stdoutlog.WithWriter(out))
	if err != nil {
		return nil, fmt.Errorf("failed to create log exporter: %w", err)
	}
	lp := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExporter)),
		sdklog.WithResource(res),
	)

	t := &Telemetry{tp: tp, lp: lp}

	if opts.Metrics {
		metricExporter, err := prometheus.New()
		if err != nil {
			return nil, fmt.Errorf("failed to create metric exporter: %w", err)
		}
		t.mp = sdkmetric.NewMeterProvider(
			sdkmetric.WithReader(metricExporter),
			sdkmetric.WithResource(res),
		)
		if err := GetGlobalMetrics().InitMetrics(t.mp.Meter(serviceName)); err != nil {
			return nil, fmt.Errorf("failed to init metrics: %w", err)
		}
		otel.SetMeterProvider(t.mp)
	}

	otel.SetTracerProvider(tp)
	global.SetLoggerProvider(lp)
	return t, nil
}

// Shutdown flushes pending spans, log records and metrics, then stops the providers
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	if err := t.tp.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("trace provider shutdown failed: %w", err))
	}
	if err := t.lp.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("log provider shutdown failed: %w", err))
	}
	if t.mp != nil {
		if err := t.mp.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter provider shutdown failed: %w", err))
		}
	}
	return errors.Join(errs...)
}

// GetMeter returns a meter for the given name
func GetMeter(name string) metric.Meter {
	return otel.GetMeterProvider().Meter(name)
}

// GetTracer returns a tracer for the given name
func GetTracer(name string) tracetype.Tracer {
	return otel.GetTracerProvider().Tracer(name)
}
