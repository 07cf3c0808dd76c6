// Package traceplug turns operator-supplied text scripts into live, hot-reloadable
// plugin instances for a runtime instrumentation agent.
//
// Operators drop small scripts into a plugin directory. A single background
// watcher polls that directory, parses each script into named sections, validates
// the sections against the contract of its plugin kind, builds a fresh callable
// instance through a pluggable Backend (an embedded Lua VM by default) and
// publishes it atomically into a Registry. Trace hooks read the registry without
// locking and always see either the previous instance or the new one, never a
// half-built plugin.
//
// Plugin kinds and their well-known files:
//
//	service.plug      service-trace   [start] [end]
//	httpservice.plug  http-service    [start] [end] [reject]
//	capture.plug      capture         [args] [return] [this]
//	jdbcpool.plug     jdbc-pool       [url]
//	httpcall.plug     http-call       [call]
//
// Script format:
//
//	-- anything before the first marker is ignored
//	[call]
//	ctx.add(1)
//
// Basic Usage:
//
//	cfg := traceplug.DefaultConfig()
//	cfg.PluginDir = "/opt/agent/plugins"
//
//	agent, err := traceplug.NewAgent(cfg, traceplug.WithLogger(slog.Default()))
//	if err != nil {
//		log.Fatal(err)
//	}
//	agent.Start()
//
//	// at an interception point
//	agent.Hooks().HTTPCall(traceCtx, request)
//
// A failed recompilation publishes "absent" for its kind: the instrumentation
// for that kind is disabled until a newer, valid edit of the script.
//
// Copyright (c) 2025 AGILira - A. Giordano
// SPDX-License-Identifier: MPL-2.0
package traceplug
