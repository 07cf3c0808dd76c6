// hooks_test.go: trace hook facade tests
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package traceplug

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// scriptedInstance returns canned results per method.
type scriptedInstance struct {
	results map[string]any
	err     error
	panics  bool
	calls   []string
}

func (s *scriptedInstance) Invoke(_ context.Context, method string, _ ...any) (any, error) {
	s.calls = append(s.calls, method)
	if s.panics {
		panic("script blew up")
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.results[method], nil
}

func publishInstance(registry *Registry, kind Kind, instance Instance) {
	registry.Publish(kind, &CompiledPlugin{ID: string(kind), Kind: kind, Instance: instance})
}

func TestHooks_AbsentPluginIsNoOp(t *testing.T) {
	hooks := NewHooks(NewRegistry(DefaultCatalog(), nil), nil, nil)

	assert.NotPanics(t, func() {
		hooks.ServiceStart(nil, nil)
		hooks.ServiceEnd(nil)
		hooks.HTTPServiceStart(nil, nil, nil)
		hooks.HTTPServiceEnd(nil, nil, nil)
		hooks.CaptureArgs(nil, "C", "m", "()V", nil)
		hooks.CaptureReturn(nil, "C", "m", "()V", nil)
		hooks.CaptureThis(nil, "C", "()V", nil)
		hooks.HTTPCall(nil, nil)
	})
	assert.False(t, hooks.HTTPServiceReject(nil, nil, nil))
	assert.Equal(t, "", hooks.JDBCPoolURL(nil, "jdbc:x", nil))
}

func TestHooks_RoutesToMethods(t *testing.T) {
	registry := NewRegistry(DefaultCatalog(), nil)
	hooks := NewHooks(registry, nil, nil)

	service := &scriptedInstance{}
	httpService := &scriptedInstance{results: map[string]any{"reject": true}}
	capture := &scriptedInstance{}
	jdbc := &scriptedInstance{results: map[string]any{"url": "jdbc:h2:mem:rewritten"}}
	call := &scriptedInstance{}
	publishInstance(registry, KindServiceTrace, service)
	publishInstance(registry, KindHTTPService, httpService)
	publishInstance(registry, KindCapture, capture)
	publishInstance(registry, KindJDBCPool, jdbc)
	publishInstance(registry, KindHTTPCall, call)

	hooks.ServiceStart(nil, nil)
	hooks.ServiceEnd(nil)
	hooks.HTTPServiceStart(nil, nil, nil)
	hooks.HTTPServiceEnd(nil, nil, nil)
	assert.True(t, hooks.HTTPServiceReject(nil, nil, nil))
	hooks.CaptureArgs(nil, "C", "m", "()V", nil)
	hooks.CaptureReturn(nil, "C", "m", "()V", nil)
	hooks.CaptureThis(nil, "C", "()V", nil)
	assert.Equal(t, "jdbc:h2:mem:rewritten", hooks.JDBCPoolURL(nil, "jdbc:h2:mem", nil))
	hooks.HTTPCall(nil, nil)

	assert.Equal(t, []string{"start", "end"}, service.calls)
	assert.Equal(t, []string{"start", "end", "reject"}, httpService.calls)
	assert.Equal(t, []string{"capArgs", "capReturn", "capThis"}, capture.calls)
	assert.Equal(t, []string{"url"}, jdbc.calls)
	assert.Equal(t, []string{"call"}, call.calls)
}

func TestHooks_ErrorsAreSwallowed(t *testing.T) {
	registry := NewRegistry(DefaultCatalog(), nil)
	logger := NewTestLogger()
	hooks := NewHooks(registry, nil, logger)

	publishInstance(registry, KindHTTPService, &scriptedInstance{err: errors.New("runtime error")})
	publishInstance(registry, KindJDBCPool, &scriptedInstance{panics: true})

	assert.False(t, hooks.HTTPServiceReject(nil, nil, nil))
	assert.NotPanics(t, func() {
		assert.Equal(t, "", hooks.JDBCPoolURL(nil, "jdbc:x", nil))
	})
	assert.Equal(t, 2, logger.CountMessages("DEBUG", "Plugin invocation failed"))
}

func TestHooks_PassLoggerToInstances(t *testing.T) {
	registry := NewRegistry(DefaultCatalog(), nil)
	logger := NewTestLogger()
	hooks := NewHooks(registry, nil, logger)

	instance := buildLua(t, NewLuaBackend(), KindHTTPCall, map[string]string{"call": "ctx.explode()\n"})
	publishInstance(registry, KindHTTPCall, instance)

	traceCtx := map[string]any{"explode": HostFunc(func([]any) (any, error) { panic("host bug") })}
	assert.NotPanics(t, func() { hooks.HTTPCall(traceCtx, nil) })

	assert.True(t, logger.HasMessage("WARN", "Lua state discarded after panic"))
	assert.True(t, logger.HasMessage("DEBUG", "Plugin invocation failed"))
}

func TestHooks_WrongResultTypeFallsBack(t *testing.T) {
	registry := NewRegistry(DefaultCatalog(), nil)
	hooks := NewHooks(registry, nil, nil)
	publishInstance(registry, KindHTTPService, &scriptedInstance{results: map[string]any{"reject": "yes"}})
	publishInstance(registry, KindJDBCPool, &scriptedInstance{results: map[string]any{"url": 42}})

	assert.False(t, hooks.HTTPServiceReject(nil, nil, nil))
	assert.Equal(t, "", hooks.JDBCPoolURL(nil, "jdbc:x", nil))
}

func TestHooks_RecordsErrorMetric(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	telemetry, err := NewTelemetry(ObservabilityConfig{MeterProvider: provider})
	require.NoError(t, err)

	registry := NewRegistry(DefaultCatalog(), telemetry)
	hooks := NewHooks(registry, telemetry, nil)
	publishInstance(registry, KindHTTPCall, &scriptedInstance{err: errors.New("boom")})

	hooks.HTTPCall(nil, nil)
	hooks.HTTPCall(nil, nil)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	assert.Equal(t, int64(2), sumCounter(t, rm, "traceplug.hook.errors"))
	assert.Equal(t, int64(1), sumCounter(t, rm, "traceplug.registry.publishes"))
}

// sumCounter adds up every data point of an int64 counter.
func sumCounter(t *testing.T, rm metricdata.ResourceMetrics, name string) int64 {
	t.Helper()
	var total int64
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
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
