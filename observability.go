// observability.go: OpenTelemetry spans and metrics for the plugin pipeline
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package traceplug

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// instrumentationName is the OpenTelemetry scope of every traceplug instrument.
const instrumentationName = "github.com/agilira/go-traceplug"

// ObservabilityConfig selects the OpenTelemetry providers. Nil providers fall
// back to the globally registered ones, which are no-ops unless the host
// application installs an SDK.
type ObservabilityConfig struct {
	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider
}

// Telemetry holds the instruments shared by compiler, watcher and hooks.
// Instruments are created once and reused.
type Telemetry struct {
	tracer trace.Tracer

	compileAttempts metric.Int64Counter
	compileFailures metric.Int64Counter
	compileDuration metric.Float64Histogram
	publishes       metric.Int64Counter
	hookErrors      metric.Int64Counter
}

// NewTelemetry creates the pipeline instruments.
func NewTelemetry(config ObservabilityConfig) (*Telemetry, error) {
	tp := config.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	mp := config.MeterProvider
	if mp == nil {
		mp = otel.GetMeterProvider()
	}

	meter := mp.Meter(instrumentationName)
	t := &Telemetry{tracer: tp.Tracer(instrumentationName)}

	var err error
	t.compileAttempts, err = meter.Int64Counter(
		"traceplug.compile.attempts",
		metric.WithDescription("Number of script compilations attempted"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("create compile attempts counter: %w", err)
	}

	t.compileFailures, err = meter.Int64Counter(
		"traceplug.compile.failures",
		metric.WithDescription("Number of script compilations that failed"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("create compile failures counter: %w", err)
	}

	t.compileDuration, err = meter.Float64Histogram(
		"traceplug.compile.duration",
		metric.WithDescription("Script compilation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("create compile duration histogram: %w", err)
	}

	t.publishes, err = meter.Int64Counter(
		"traceplug.registry.publishes",
		metric.WithDescription("Number of registry slot publications"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("create publish counter: %w", err)
	}

	t.hookErrors, err = meter.Int64Counter(
		"traceplug.hook.errors",
		metric.WithDescription("Number of plugin invocations that failed at a trace hook"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("create hook error counter: %w", err)
	}

	return t, nil
}

// noopTelemetry never fails: it is backed by the global no-op providers.
func noopTelemetry() *Telemetry {
	t, err := NewTelemetry(ObservabilityConfig{})
	if err != nil {
		panic(err)
	}
	return t
}

func (t *Telemetry) startCompile(ctx context.Context, kind Kind, path string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "traceplug.compile",
		trace.WithAttributes(
			attribute.String("traceplug.kind", string(kind)),
			attribute.String("traceplug.path", path),
		))
}

func (t *Telemetry) endCompile(ctx context.Context, span trace.Span, kind Kind, started time.Time, err error) {
	defer span.End()

	opts := metric.WithAttributes(attribute.String("traceplug.kind", string(kind)))
	t.compileAttempts.Add(ctx, 1, opts)
	t.compileDuration.Record(ctx, float64(time.Since(started).Microseconds())/1000.0, opts)

	if err != nil {
		t.compileFailures.Add(ctx, 1, metric.WithAttributes(
			attribute.String("traceplug.kind", string(kind)),
			attribute.String("traceplug.error_code", ErrorCodeOf(err)),
		))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "compiled")
}

func (t *Telemetry) recordPublish(ctx context.Context, kind Kind, state SlotState) {
	t.publishes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("traceplug.kind", string(kind)),
		attribute.String("traceplug.state", state.String()),
	))
}

func (t *Telemetry) recordHookError(ctx context.Context, kind Kind, method string) {
	t.hookErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("traceplug.kind", string(kind)),
		attribute.String("traceplug.method", method),
	))
}
