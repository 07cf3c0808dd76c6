// lua_backend.go: embedded Lua backend built on gopher-lua
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package traceplug

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"
)

// LuaBackendName is reported as CompiledPlugin.Backend for Lua plugins.
const LuaBackendName = "lua"

// LuaBackend compiles method bodies as Lua chunks. Each method becomes one
// function prototype; every instance runs its calls on private sandboxed Lua
// states. Arguments are copied into Lua; see HostFunc for write access.
//
// Method bodies see their parameters as locals bound by the prologue:
//
//	local ctx, req = ...
//	ctx.add(1)
//
// A "return" statement supplies the result of bool and string methods.
type LuaBackend struct {
	callTimeout atomic.Int64
}

// LuaOption configures a LuaBackend.
type LuaOption func(*LuaBackend)

// WithCallTimeout aborts a single script invocation after d. Zero disables
// the limit.
func WithCallTimeout(d time.Duration) LuaOption {
	return func(b *LuaBackend) {
		b.SetCallTimeout(d)
	}
}

// NewLuaBackend creates the default backend.
func NewLuaBackend(opts ...LuaOption) *LuaBackend {
	b := &LuaBackend{}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// SetCallTimeout changes the invocation limit. Instances already published
// pick it up on their next call.
func (b *LuaBackend) SetCallTimeout(d time.Duration) {
	if d < 0 {
		d = 0
	}
	b.callTimeout.Store(int64(d))
}

// CallTimeout returns the current invocation limit.
func (b *LuaBackend) CallTimeout() time.Duration {
	return time.Duration(b.callTimeout.Load())
}

// Name implements Backend.
func (b *LuaBackend) Name() string { return LuaBackendName }

// Prologue implements Backend.
func (b *LuaBackend) Prologue(m MethodSpec) string {
	if len(m.Params) == 0 {
		return ""
	}
	names := make([]string, len(m.Params))
	for i, p := range m.Params {
		names[i] = p.Name
	}
	return "local " + strings.Join(names, ", ") + " = ...\n"
}

// Build implements Backend. Every method of spec must have a source.
func (b *LuaBackend) Build(spec KindSpec, methods []MethodSource) (Program, error) {
	sources := make(map[string]MethodSource, len(methods))
	for _, m := range methods {
		sources[m.Method.Name] = m
	}

	program := &luaProgram{
		kind:        spec.Kind,
		methods:     make(map[string]luaMethod, len(spec.Methods)),
		callTimeout: &b.callTimeout,
	}

	for _, method := range spec.Methods {
		src, ok := sources[method.Name]
		if !ok {
			return nil, fmt.Errorf("no source for method %s", method.Name)
		}

		chunkName := string(spec.Kind) + ":" + method.Name
		chunk, err := parse.Parse(strings.NewReader(src.Source), chunkName)
		if err != nil {
			return nil, fmt.Errorf("method %s: %w", method.Name, err)
		}
		proto, err := lua.Compile(chunk, chunkName)
		if err != nil {
			return nil, fmt.Errorf("method %s: %w", method.Name, err)
		}

		program.methods[method.Name] = luaMethod{spec: method, proto: proto}
	}

	return program, nil
}

type luaMethod struct {
	spec  MethodSpec
	proto *lua.FunctionProto
}

type luaProgram struct {
	kind        Kind
	methods     map[string]luaMethod
	callTimeout *atomic.Int64
}

// Instantiate implements Program. The first Lua state is created eagerly so
// a broken program fails here rather than on a hook call.
func (p *luaProgram) Instantiate() (Instance, error) {
	instance := &luaInstance{program: p}
	state, err := instance.newState()
	if err != nil {
		return nil, err
	}
	instance.release(state)
	return instance, nil
}

// openSandboxLibraries opens base, table, string and math only, then removes
// the loaders that could pull code from outside the plugin script.
func openSandboxLibraries(L *lua.LState) {
	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)

	for _, name := range []string{"dofile", "loadfile", "load", "loadstring", "require", "module"} {
		L.SetGlobal(name, lua.LNil)
	}
}

// maxIdleLuaStates bounds the states an instance keeps between calls.
const maxIdleLuaStates = 8

// luaState is one sandboxed interpreter with the program's functions loaded.
type luaState struct {
	L      *lua.LState
	bridge *luaBridge
	funcs  map[string]*lua.LFunction
}

// luaInstance runs each call on a state of its own. Idle states are reused
// last-in first-out, so sequential calls share one state and its globals;
// a call that finds no idle state gets a fresh one instead of waiting.
// Globals are therefore per state and not shared between concurrent calls.
type luaInstance struct {
	program *luaProgram

	mu   sync.Mutex
	idle []*luaState
}

func (i *luaInstance) newState() (state *luaState, err error) {
	defer func() {
		if r := recover(); r != nil {
			state = nil
			err = fmt.Errorf("lua panic: %v", r)
		}
	}()

	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	openSandboxLibraries(L)

	state = &luaState{
		L:      L,
		bridge: newLuaBridge(L),
		funcs:  make(map[string]*lua.LFunction, len(i.program.methods)),
	}
	for name, m := range i.program.methods {
		state.funcs[name] = L.NewFunctionFromProto(m.proto)
	}
	return state, nil
}

func (i *luaInstance) acquire() (*luaState, error) {
	i.mu.Lock()
	if n := len(i.idle); n > 0 {
		state := i.idle[n-1]
		i.idle = i.idle[:n-1]
		i.mu.Unlock()
		return state, nil
	}
	i.mu.Unlock()
	return i.newState()
}

func (i *luaInstance) release(state *luaState) {
	i.mu.Lock()
	if len(i.idle) < maxIdleLuaStates {
		i.idle = append(i.idle, state)
		i.mu.Unlock()
		return
	}
	i.mu.Unlock()
	state.L.Close()
}

// Invoke implements Instance. A state that saw a Go panic is dropped
// instead of being reused; the logger carried by ctx reports it.
func (i *luaInstance) Invoke(ctx context.Context, method string, args ...any) (result any, err error) {
	m, ok := i.program.methods[method]
	if !ok {
		return nil, NewUnsupportedMethodError(method)
	}
	if ctx == nil {
		ctx = context.Background()
	}

	state, err := i.acquire()
	if err != nil {
		return nil, err
	}

	discard := false
	defer func() {
		if r := recover(); r != nil {
			discard = true
			result = nil
			err = fmt.Errorf("lua panic: %v", r)
		}
		if discard {
			LoggerFromContext(ctx).Warn("Lua state discarded after panic",
				"kind", i.program.kind,
				"method", method,
				"error", err)
			state.L.Close()
			return
		}
		i.release(state)
	}()

	callCtx := ctx
	if timeout := time.Duration(i.program.callTimeout.Load()); timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if callCtx.Done() != nil {
		state.L.SetContext(callCtx)
		defer state.L.RemoveContext()
	}

	luaArgs := make([]lua.LValue, len(args))
	for n, arg := range args {
		luaArgs[n] = state.bridge.toLua(arg)
	}

	top := state.L.GetTop()
	if callErr := state.L.CallByParam(lua.P{Fn: state.funcs[method], NRet: 1, Protect: true}, luaArgs...); callErr != nil {
		var apiErr *lua.ApiError
		discard = errors.As(callErr, &apiErr) && apiErr.Type == lua.ApiErrorPanic
		if !discard {
			state.L.SetTop(top)
		}
		return nil, callErr
	}
	ret := state.L.Get(-1)
	state.L.SetTop(top)

	return resultFor(m.spec.Returns, ret, state.bridge), nil
}
