// Package tracing wires the daemon's job-submission path into OpenTelemetry,
// grounded on oriys-nova's internal/observability/telemetry.go Provider
// pattern: a package-global TracerProvider, OTLP/HTTP exporter, ratio
// sampler, and a no-op tracer when tracing is disabled so call sites never
// need to branch on Enabled().
package tracing

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// Config holds telemetry settings sourced from config.ObservabilityConfig.
type Config struct {
	Enabled    bool
	Endpoint   string
	SampleRate float64
}

type provider struct {
	tp      *sdktrace.TracerProvider
	tracer  trace.Tracer
	enabled bool
}

var global = &provider{enabled: false, tracer: trace.NewNoopTracerProvider().Tracer("")}

// Init configures the global tracer. Called once during daemon startup;
// a disabled config leaves the no-op tracer in place.
func Init(ctx context.Context, cfg Config) error {
	if !cfg.Enabled {
		return nil
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName("vmrunner"),
	))
	if err != nil {
		return fmt.Errorf("create resource: %w", err)
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(cfg.Endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return fmt.Errorf("create otlp exporter: %w", err)
	}

	sampler := sdktrace.AlwaysSample()
	if cfg.SampleRate < 1.0 && cfg.SampleRate >= 0 {
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRate)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(tp)

	global = &provider{tp: tp, tracer: tp.Tracer("vmrunner"), enabled: true}
	return nil
}

// Shutdown flushes and closes the exporter. No-op if tracing was never enabled.
func Shutdown(ctx context.Context) error {
	if global.tp == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return global.tp.Shutdown(ctx)
}

// Enabled reports whether a real exporter is wired up.
func Enabled() bool {
	return global.enabled
}

// StartJobSpan starts the span covering one Submit call, from VmId
// allocation through final teardown.
func StartJobSpan(ctx context.Context, requestID, runtime string) (context.Context, trace.Span) {
	return global.tracer.Start(ctx, "runner.submit",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			AttrRequestID.String(requestID),
			AttrRuntime.String(runtime),
		),
	)
}

// EndJobSpan records the job's outcome on span. The caller is still
// responsible for ending span (typically via defer at StartJobSpan's
// call site), so this can be invoked from multiple return paths safely.
func EndJobSpan(span trace.Span, vmID string, durationMs int64, err error) {
	span.SetAttributes(AttrVMID.String(vmID), AttrDurationMs.Int64(durationMs))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
}

// Attribute keys for runner spans.
var (
	AttrRequestID  = attribute.Key("vmrunner.request_id")
	AttrRuntime    = attribute.Key("vmrunner.runtime")
	AttrVMID       = attribute.Key("vmrunner.vm.id")
	AttrDurationMs = attribute.Key("vmrunner.duration_ms")
)
