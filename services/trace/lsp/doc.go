// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package lsp supervises external Language Server Protocol processes and
// multiplexes a typed Go API across them.
//
// A caller never talks to a language server directly. It asks an Operations
// value (built over a Client's or a standalone Manager) for an operation
// (Definition, References, Hover, Rename, ...) against a file path; the
// Manager maps the file's extension to a language,
// lazily spawns (or reuses) that language's server process, and the
// Server's Protocol engine frames the request as JSON-RPC over the
// process's stdio pipes.
//
// # Layering
//
//	Client  -- narrows the surface callers see
//	  └─ Manager   -- one Server per language, spawn/restart/quarantine
//	       └─ Server    -- one process's lifecycle + open-file/diagnostic state
//	            └─ Protocol -- JSON-RPC request/response correlation
//	                 └─ Framer -- Content-Length wire framing
//
// Operations (Definition, References, Hover, Rename, WorkspaceSymbol,
// DiagnosticsIdle, ...) sit above Manager and do the typed request/response
// marshaling; Client wraps Manager directly for the lower-level calls
// (PreloadServers, RestartServers, SyncFileContent) that operate on a
// language rather than a single query.
//
// # Thread safety
//
// Every exported type is safe for concurrent use. A single Manager is
// expected to be shared across all callers in a process.
//
// # Example
//
//	mgr := lsp.NewManager("/path/to/project", lsp.DefaultManagerConfig())
//	defer mgr.ShutdownAll(context.Background())
//
//	ops := lsp.NewOperations(mgr)
//	locs, err := ops.Definition(ctx, "/path/to/file.go", 10, 5)
package lsp
