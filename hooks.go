// hooks.go: typed trace hook call sites for every plugin kind
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package traceplug

import (
	"context"
	"fmt"
	"time"
)

// Hooks is what interception points call. Every method reads the current
// plugin of its kind, does nothing when none is published, and never lets a
// script failure or panic reach the traced application.
type Hooks struct {
	registry  *Registry
	telemetry *Telemetry
	logger    Logger
	breakers  map[Kind]*HookBreaker
	cooldown  time.Duration

	// carries logger to backends
	callCtx context.Context
}

// HookOption customizes NewHooks.
type HookOption func(*Hooks)

// WithBreaker installs one HookBreaker per kind. Publishing a plugin resets
// the breaker of its kind.
func WithBreaker(config BreakerConfig) HookOption {
	return func(h *Hooks) {
		if !config.Enabled() {
			return
		}
		if config.Cooldown <= 0 {
			config.Cooldown = DefaultBreakerCooldown
		}
		h.cooldown = config.Cooldown
		h.breakers = make(map[Kind]*HookBreaker)
		for _, kind := range h.registry.catalog.Kinds() {
			h.breakers[kind] = NewHookBreaker(config)
		}
	}
}

// NewHooks creates the hook facade over registry.
func NewHooks(registry *Registry, telemetry *Telemetry, logger Logger, opts ...HookOption) *Hooks {
	if telemetry == nil {
		telemetry = noopTelemetry()
	}
	if logger == nil {
		logger = DefaultLogger()
	}
	h := &Hooks{
		registry:  registry,
		telemetry: telemetry,
		logger:    logger,
		callCtx:   ContextWithLogger(context.Background(), logger),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.breakers != nil {
		registry.OnPublish(func(event PublishEvent) {
			if breaker := h.breakers[event.Kind]; breaker != nil {
				breaker.Reset()
			}
		})
	}
	return h
}

// BreakerState returns the breaker state of kind, BreakerClosed when
// breakers are disabled.
func (h *Hooks) BreakerState(kind Kind) BreakerState {
	if breaker := h.breakers[kind]; breaker != nil {
		return breaker.State()
	}
	return BreakerClosed
}

// ServiceStart runs service-trace [start].
func (h *Hooks) ServiceStart(ctx, hook any) {
	h.invoke(KindServiceTrace, "start", ctx, hook)
}

// ServiceEnd runs service-trace [end].
func (h *Hooks) ServiceEnd(ctx any) {
	h.invoke(KindServiceTrace, "end", ctx)
}

// HTTPServiceStart runs http-service [start].
func (h *Hooks) HTTPServiceStart(ctx, req, res any) {
	h.invoke(KindHTTPService, "start", ctx, req, res)
}

// HTTPServiceEnd runs http-service [end].
func (h *Hooks) HTTPServiceEnd(ctx, req, res any) {
	h.invoke(KindHTTPService, "end", ctx, req, res)
}

// HTTPServiceReject runs http-service [reject]. It returns false when no
// plugin is published or the script fails.
func (h *Hooks) HTTPServiceReject(ctx, req, res any) bool {
	result, ok := h.invoke(KindHTTPService, "reject", ctx, req, res)
	if !ok {
		return false
	}
	reject, _ := result.(bool)
	return reject
}

// CaptureArgs runs capture [args].
func (h *Hooks) CaptureArgs(ctx any, class, method, desc string, args []any) {
	h.invoke(KindCapture, "capArgs", ctx, class, method, desc, args)
}

// CaptureReturn runs capture [return].
func (h *Hooks) CaptureReturn(ctx any, class, method, desc string, value any) {
	h.invoke(KindCapture, "capReturn", ctx, class, method, desc, value)
}

// CaptureThis runs capture [this].
func (h *Hooks) CaptureThis(ctx any, class, desc string, value any) {
	h.invoke(KindCapture, "capThis", ctx, class, desc, value)
}

// JDBCPoolURL runs jdbc-pool [url]. An empty result means the caller keeps
// its own URL.
func (h *Hooks) JDBCPoolURL(ctx any, msg string, pool any) string {
	result, ok := h.invoke(KindJDBCPool, "url", ctx, msg, pool)
	if !ok {
		return ""
	}
	url, _ := result.(string)
	return url
}

// HTTPCall runs http-call [call].
func (h *Hooks) HTTPCall(ctx, req any) {
	h.invoke(KindHTTPCall, "call", ctx, req)
}

// invoke reports ok=false when nothing ran successfully.
func (h *Hooks) invoke(kind Kind, method string, args ...any) (result any, ok bool) {
	instance := h.registry.Current(kind)
	if instance == nil {
		return nil, false
	}
	breaker := h.breakers[kind]
	if breaker != nil && !breaker.Allow() {
		return nil, false
	}

	defer func() {
		if r := recover(); r != nil {
			h.fail(kind, method, breaker, fmt.Errorf("panic: %v", r))
			result, ok = nil, false
		}
	}()

	result, err := instance.Invoke(h.callCtx, method, args...)
	if err != nil {
		h.fail(kind, method, breaker, err)
		return nil, false
	}
	if breaker != nil {
		breaker.RecordSuccess()
	}
	return result, true
}

func (h *Hooks) fail(kind Kind, method string, breaker *HookBreaker, cause error) {
	h.telemetry.recordHookError(context.Background(), kind, method)
	err := NewInvocationError(kind, method, cause)
	h.logger.Debug("Plugin invocation failed",
		"kind", kind,
		"method", method,
		"error_code", err.ErrorCode(),
		"error", cause)

	if breaker != nil && breaker.RecordFailure() {
		h.logger.Warn("Plugin keeps failing, calls suspended",
			"kind", kind,
			"method", method,
			"cooldown", h.cooldown)
	}
}
