// panic_recovery.go: panic recovery utilities with stack trace support
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package traceplug

import (
	"runtime"
)

// RecoveryHandler defines the signature for panic recovery handlers.
type RecoveryHandler func(recovered interface{}, stack []byte)

// stackBufferSize bounds captured stack traces.
const stackBufferSize = 64 << 10

// withStackRecover returns a panic recovery function that logs the panic
// with its stack trace. Use it with defer:
//
//	go func() {
//	    defer withStackRecover(logger)()
//	    // potentially panicking code
//	}()
func withStackRecover(logger Logger) func() {
	return func() {
		if r := recover(); r != nil {
			buf := make([]byte, stackBufferSize)
			n := runtime.Stack(buf, false)

			logger.Error("Panic recovered in goroutine",
				"panic", r,
				"stack", string(buf[:n]))
		}
	}
}

// withCustomRecoveryHandler returns a panic recovery function that passes
// the recovered value and stack to handler.
func withCustomRecoveryHandler(handler RecoveryHandler) func() {
	return func() {
		if r := recover(); r != nil {
			buf := make([]byte, stackBufferSize)
			n := runtime.Stack(buf, false)
			handler(r, buf[:n])
		}
	}
}

// SafeGo executes fn in a new goroutine. A panic is logged and terminates
// only that goroutine.
func SafeGo(logger Logger, fn func()) {
	go func() {
		defer withStackRecover(logger)()
		fn()
	}()
}

// SafeGoWithHandler executes fn in a new goroutine with custom panic handling.
func SafeGoWithHandler(handler RecoveryHandler, fn func()) {
	go func() {
		defer withCustomRecoveryHandler(handler)()
		fn()
	}()
}
