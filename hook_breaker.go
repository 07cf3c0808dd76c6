// hook_breaker.go: per-kind circuit breaker for failing plugin scripts
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package traceplug

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/agilira/go-timecache"
)

// DefaultBreakerCooldown is used when a breaker is enabled without a cooldown.
const DefaultBreakerCooldown = 30 * time.Second

// BreakerState represents the current state of a hook breaker.
//
// State behaviors:
//   - BreakerClosed: the script runs on every hook call
//   - BreakerOpen: hook calls skip the script as if no plugin were published
//   - BreakerHalfOpen: a single probe call is let through after the cooldown
type BreakerState int32

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures hook breakers. A zero FailureThreshold disables
// them and every failing call keeps reaching the script.
type BreakerConfig struct {
	// Consecutive failures that open the breaker
	FailureThreshold int `json:"failure_threshold" yaml:"failure_threshold"`

	// Time the breaker stays open before a probe call
	Cooldown time.Duration `json:"cooldown" yaml:"cooldown"`
}

// Enabled reports whether breakers should be installed.
func (c BreakerConfig) Enabled() bool {
	return c.FailureThreshold > 0
}

// HookBreaker stops calling a script that fails on every invocation, which
// would otherwise cost the traced application a Lua error per request.
// Publishing a new plugin for the kind resets it.
//
//	if !breaker.Allow() {
//	    return // behave as if absent
//	}
//	if err != nil {
//	    breaker.RecordFailure()
//	} else {
//	    breaker.RecordSuccess()
//	}
type HookBreaker struct {
	config BreakerConfig

	state    atomic.Int32 // BreakerState
	failures atomic.Int64 // consecutive
	probing  atomic.Bool
	openedAt atomic.Int64 // unix nanos

	mu sync.Mutex
}

// NewHookBreaker creates a closed breaker.
func NewHookBreaker(config BreakerConfig) *HookBreaker {
	if config.Cooldown <= 0 {
		config.Cooldown = DefaultBreakerCooldown
	}
	b := &HookBreaker{config: config}
	b.state.Store(int32(BreakerClosed))
	return b
}

// Allow reports whether the next call may run the script.
func (b *HookBreaker) Allow() bool {
	if !b.config.Enabled() {
		return true
	}

	switch BreakerState(b.state.Load()) {
	case BreakerClosed:
		return true

	case BreakerOpen:
		if !b.cooledDown() {
			return false
		}
		b.mu.Lock()
		if BreakerState(b.state.Load()) == BreakerOpen && b.cooledDown() {
			b.state.Store(int32(BreakerHalfOpen))
			b.probing.Store(false)
		}
		b.mu.Unlock()
		return b.probing.CompareAndSwap(false, true)

	case BreakerHalfOpen:
		return b.probing.CompareAndSwap(false, true)

	default:
		return false
	}
}

// RecordSuccess closes the breaker after a successful probe.
func (b *HookBreaker) RecordSuccess() {
	if !b.config.Enabled() {
		return
	}
	b.failures.Store(0)

	if BreakerState(b.state.Load()) == BreakerHalfOpen {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.state.Store(int32(BreakerClosed))
		b.probing.Store(false)
	}
}

// RecordFailure counts a failed call and reports whether it opened the
// breaker.
func (b *HookBreaker) RecordFailure() bool {
	if !b.config.Enabled() {
		return false
	}
	failures := b.failures.Add(1)

	b.mu.Lock()
	defer b.mu.Unlock()

	switch BreakerState(b.state.Load()) {
	case BreakerHalfOpen:
		b.open()
		return true
	case BreakerClosed:
		if failures >= int64(b.config.FailureThreshold) {
			b.open()
			return true
		}
	}
	return false
}

// State returns the current state.
func (b *HookBreaker) State() BreakerState {
	return BreakerState(b.state.Load())
}

// Reset closes the breaker and clears its counters.
func (b *HookBreaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state.Store(int32(BreakerClosed))
	b.failures.Store(0)
	b.probing.Store(false)
	b.openedAt.Store(0)
}

// open must be called with mu held.
func (b *HookBreaker) open() {
	b.state.Store(int32(BreakerOpen))
	b.probing.Store(false)
	b.openedAt.Store(timecache.CachedTimeNano())
}

func (b *HookBreaker) cooledDown() bool {
	elapsed := time.Since(time.Unix(0, b.openedAt.Load()))
	return elapsed >= b.config.Cooldown
}
