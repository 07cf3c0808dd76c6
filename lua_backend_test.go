// lua_backend_test.go: Lua backend and value bridge tests
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package traceplug

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildLua composes sections for kind the way the compiler does and
// instantiates the result.
func buildLua(t *testing.T, backend *LuaBackend, kind Kind, sections map[string]string) Instance {
	t.Helper()
	spec, ok := DefaultCatalog().Lookup(kind)
	require.True(t, ok)

	methods := make([]MethodSource, 0, len(spec.Methods))
	for _, m := range spec.Methods {
		methods = append(methods, MethodSource{Method: m, Source: backend.Prologue(m) + sections[m.Section]})
	}
	program, err := backend.Build(spec, methods)
	require.NoError(t, err)
	instance, err := program.Instantiate()
	require.NoError(t, err)
	return instance
}

func TestLuaBackend_Prologue(t *testing.T) {
	backend := NewLuaBackend()
	spec, _ := DefaultCatalog().Lookup(KindHTTPService)
	method, _ := spec.Method("start")
	assert.Equal(t, "local ctx, req, res = ...\n", backend.Prologue(method))
	assert.Equal(t, "", backend.Prologue(MethodSpec{Name: "noop"}))
	assert.Equal(t, LuaBackendName, backend.Name())
}

func TestLuaBackend_InvokeWithHostFunc(t *testing.T) {
	backend := NewLuaBackend()
	instance := buildLua(t, backend, KindHTTPCall, map[string]string{"call": "ctx.add(1)\n"})

	counter := &countingContext{}
	_, err := instance.Invoke(context.Background(), "call", counter.traceContext(), map[string]any{"url": "http://x"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), counter.value.Load())
}

func TestLuaBackend_BoolAndStringResults(t *testing.T) {
	backend := NewLuaBackend()

	httpService := buildLua(t, backend, KindHTTPService, map[string]string{
		"start":  "",
		"end":    "",
		"reject": "return req.path == \"/admin\"\n",
	})
	result, err := httpService.Invoke(context.Background(), "reject", nil, map[string]any{"path": "/admin"}, nil)
	require.NoError(t, err)
	assert.Equal(t, true, result)

	result, err = httpService.Invoke(context.Background(), "reject", nil, map[string]any{"path": "/"}, nil)
	require.NoError(t, err)
	assert.Equal(t, false, result)

	result, err = httpService.Invoke(context.Background(), "start", nil, nil, nil)
	require.NoError(t, err)
	assert.Nil(t, result)

	jdbc := buildLua(t, backend, KindJDBCPool, map[string]string{
		"url": "if pool == nil then return nil end\nreturn msg .. \"?pool=\" .. pool.name\n",
	})
	result, err = jdbc.Invoke(context.Background(), "url", nil, "jdbc:h2:mem", map[string]any{"name": "main"})
	require.NoError(t, err)
	assert.Equal(t, "jdbc:h2:mem?pool=main", result)

	result, err = jdbc.Invoke(context.Background(), "url", nil, "jdbc:h2:mem", nil)
	require.NoError(t, err)
	assert.Equal(t, "", result)
}

func TestLuaBackend_CaptureArguments(t *testing.T) {
	backend := NewLuaBackend()
	var seen []any
	var mu sync.Mutex
	record := HostFunc(func(args []any) (any, error) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, args...)
		return nil, nil
	})

	instance := buildLua(t, backend, KindCapture, map[string]string{
		"args":   "ctx.record(class, method, desc, #args, args[2])\n",
		"return": "ctx.record(value.id)\n",
		"this":   "ctx.record(class .. \"#\" .. desc)\n",
	})
	ctx := map[string]any{"record": record}

	_, err := instance.Invoke(context.Background(), "capArgs", ctx, "com.acme.Repo", "find", "(J)V", []any{int64(7), "x"})
	require.NoError(t, err)

	type entity struct {
		ID     int    `json:"id"`
		Secret string `json:"-"`
	}
	_, err = instance.Invoke(context.Background(), "capReturn", ctx, "com.acme.Repo", "find", "(J)V", &entity{ID: 42, Secret: "s"})
	require.NoError(t, err)

	_, err = instance.Invoke(context.Background(), "capThis", ctx, "com.acme.Repo", "()V", nil)
	require.NoError(t, err)

	assert.Equal(t, []any{"com.acme.Repo", "find", "(J)V", int64(2), "x", int64(42), "com.acme.Repo#()V"}, seen)
}

func TestLuaBackend_SyntaxError(t *testing.T) {
	backend := NewLuaBackend()
	spec, _ := DefaultCatalog().Lookup(KindHTTPCall)
	method, _ := spec.Method("call")

	_, err := backend.Build(spec, []MethodSource{{Method: method, Source: backend.Prologue(method) + "ctx.add(\n"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "call")
}

func TestLuaBackend_MissingMethodSource(t *testing.T) {
	backend := NewLuaBackend()
	spec, _ := DefaultCatalog().Lookup(KindServiceTrace)
	start, _ := spec.Method("start")

	_, err := backend.Build(spec, []MethodSource{{Method: start, Source: ""}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "end")
}

func TestLuaBackend_RuntimeErrorAndHostError(t *testing.T) {
	backend := NewLuaBackend()
	instance := buildLua(t, backend, KindHTTPCall, map[string]string{"call": "ctx.fail()\n"})

	ctx := map[string]any{"fail": HostFunc(func([]any) (any, error) {
		return nil, errors.New("host refused")
	})}
	_, err := instance.Invoke(context.Background(), "call", ctx, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "host refused")

	// nil ctx: indexing nil raises a Lua error, the instance stays usable
	_, err = instance.Invoke(context.Background(), "call", nil, nil)
	require.Error(t, err)

	counter := &countingContext{}
	ok := buildLua(t, backend, KindHTTPCall, map[string]string{"call": "ctx.add(1)\n"})
	_, err = ok.Invoke(context.Background(), "call", counter.traceContext(), nil)
	require.NoError(t, err)
}

func TestLuaBackend_UnsupportedMethod(t *testing.T) {
	instance := buildLua(t, NewLuaBackend(), KindHTTPCall, map[string]string{"call": ""})
	_, err := instance.Invoke(context.Background(), "nope")
	require.Error(t, err)
	assert.Equal(t, ErrCodeUnsupportedMethod, ErrorCodeOf(err))
}

func TestLuaBackend_Sandbox(t *testing.T) {
	instance := buildLua(t, NewLuaBackend(), KindJDBCPool, map[string]string{
		"url": "return tostring(dofile) .. tostring(load) .. tostring(io) .. tostring(os) .. string.upper(msg) .. math.floor(1.5)\n",
	})
	result, err := instance.Invoke(context.Background(), "url", nil, "ok", nil)
	require.NoError(t, err)
	assert.Equal(t, "nilnilnilnilOK1", result)
}

func TestLuaBackend_CallTimeout(t *testing.T) {
	backend := NewLuaBackend(WithCallTimeout(50 * time.Millisecond))
	instance := buildLua(t, backend, KindHTTPCall, map[string]string{"call": "while true do end\n"})

	started := time.Now()
	_, err := instance.Invoke(context.Background(), "call", nil, nil)
	require.Error(t, err)
	assert.Less(t, time.Since(started), 5*time.Second)
}

func TestLuaBackend_CallTimeoutChangeReachesBuiltInstances(t *testing.T) {
	backend := NewLuaBackend()
	instance := buildLua(t, backend, KindHTTPCall, map[string]string{"call": "while true do end\n"})

	backend.SetCallTimeout(30 * time.Millisecond)
	assert.Equal(t, 30*time.Millisecond, backend.CallTimeout())

	done := make(chan error, 1)
	go func() {
		_, err := instance.Invoke(context.Background(), "call", nil, nil)
		done <- err
	}()

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("published instance ignored the new call timeout")
	}
}

func TestLuaBackend_HungCallDoesNotBlockOtherCallers(t *testing.T) {
	instance := buildLua(t, NewLuaBackend(), KindHTTPCall, map[string]string{
		"call": "if ctx.hang then\n ctx.started()\n while true do end\nend\nctx.add(1)\n",
	})

	started := make(chan struct{})
	hangCtx, cancel := context.WithCancel(context.Background())
	hung := make(chan error, 1)
	go func() {
		traceCtx := map[string]any{
			"hang":    true,
			"started": HostFunc(func([]any) (any, error) { close(started); return nil, nil }),
		}
		_, err := instance.Invoke(hangCtx, "call", traceCtx, nil)
		hung <- err
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("first call never started")
	}

	counter := &countingContext{}
	done := make(chan error, 1)
	go func() {
		_, err := instance.Invoke(context.Background(), "call", counter.traceContext(), nil)
		done <- err
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
		assert.Equal(t, int64(1), counter.value.Load())
	case <-time.After(2 * time.Second):
		t.Fatal("second caller blocked behind a call that never returns")
	}

	cancel()
	select {
	case err := <-hung:
		assert.Error(t, err, "cancelled call reports an error")
	case <-time.After(5 * time.Second):
		t.Fatal("hung call ignored cancellation")
	}
}

func TestLuaBackend_PanickingHostFuncDiscardsState(t *testing.T) {
	instance := buildLua(t, NewLuaBackend(), KindJDBCPool, map[string]string{
		"url": "counter = (counter or 0) + 1\nif pool and pool.explode then pool.explode() end\nreturn tostring(counter)\n",
	})
	logger := NewTestLogger()
	ctx := ContextWithLogger(context.Background(), logger)

	result, err := instance.Invoke(ctx, "url", nil, "", nil)
	require.NoError(t, err)
	assert.Equal(t, "1", result)

	pool := map[string]any{"explode": HostFunc(func([]any) (any, error) { panic("driver bug") })}
	_, err = instance.Invoke(ctx, "url", nil, "", pool)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "driver bug")
	assert.True(t, logger.HasMessage("WARN", "Lua state discarded after panic"))

	// the state that panicked is gone, the next call starts from a fresh one
	result, err = instance.Invoke(ctx, "url", nil, "", nil)
	require.NoError(t, err)
	assert.Equal(t, "1", result)
}

func TestLuaBackend_InstancesAreIsolated(t *testing.T) {
	backend := NewLuaBackend()
	sections := map[string]string{"url": "counter = (counter or 0) + 1\nreturn tostring(counter)\n"}
	first := buildLua(t, backend, KindJDBCPool, sections)
	second := buildLua(t, backend, KindJDBCPool, sections)

	for i := 0; i < 3; i++ {
		_, err := first.Invoke(context.Background(), "url", nil, "", nil)
		require.NoError(t, err)
	}
	result, err := second.Invoke(context.Background(), "url", nil, "", nil)
	require.NoError(t, err)
	assert.Equal(t, "1", result)

	result, err = first.Invoke(context.Background(), "url", nil, "", nil)
	require.NoError(t, err)
	assert.Equal(t, "4", result)
}

func TestLuaBackend_ConcurrentInvoke(t *testing.T) {
	instance := buildLua(t, NewLuaBackend(), KindHTTPCall, map[string]string{"call": "ctx.add(1)\n"})
	counter := &countingContext{}

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_, err := instance.Invoke(context.Background(), "call", counter.traceContext(), nil)
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(400), counter.value.Load())
}

func TestLuaBridge_HostObjectsAreCopiedIn(t *testing.T) {
	instance := buildLua(t, NewLuaBackend(), KindHTTPCall, map[string]string{
		"call": "req.headers[\"X-Copy\"] = \"lost\"\nreq.set_header(\"X-Trace\", \"traceplug\")\n",
	})

	headers := map[string]string{}
	req := map[string]any{
		"headers": headers,
		"set_header": HostFunc(func(args []any) (any, error) {
			headers[args[0].(string)] = args[1].(string)
			return nil, nil
		}),
	}
	_, err := instance.Invoke(context.Background(), "call", nil, req)
	require.NoError(t, err)

	assert.Equal(t, map[string]string{"X-Trace": "traceplug"}, headers)
}

func TestLuaBridge_RoundTrip(t *testing.T) {
	instance := buildLua(t, NewLuaBackend(), KindHTTPCall, map[string]string{
		"call": "ctx.out(req)\n",
	})
	var got any
	ctx := map[string]any{"out": HostFunc(func(args []any) (any, error) {
		got = args[0]
		return nil, nil
	})}

	type header struct {
		Name  string `json:"name"`
		Value string
	}
	req := map[string]any{
		"list":    []string{"a", "b"},
		"nested":  map[string]int{"n": 3},
		"ratio":   0.5,
		"enabled": true,
		"header":  header{Name: "X-Id", Value: "7"},
		"raw":     []byte("bytes"),
	}
	_, err := instance.Invoke(context.Background(), "call", ctx, req)
	require.NoError(t, err)

	assert.Equal(t, map[string]any{
		"list":    []any{"a", "b"},
		"nested":  map[string]any{"n": int64(3)},
		"ratio":   0.5,
		"enabled": true,
		"header":  map[string]any{"name": "X-Id", "Value": "7"},
		"raw":     "bytes",
	}, got)
}
