// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lsp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

// =============================================================================
// SERVER STATE
// =============================================================================

// ServerState represents the lifecycle state of an LSP server.
type ServerState int

const (
	// ServerStateUninitialized is the initial state before Start is called.
	ServerStateUninitialized ServerState = iota

	// ServerStateStarting means the server process is starting.
	ServerStateStarting

	// ServerStateReady means the server is initialized and ready for requests.
	ServerStateReady

	// ServerStateStopping means the server is shutting down.
	ServerStateStopping

	// ServerStateStopped means the server has terminated.
	ServerStateStopped
)

// String returns a human-readable state name.
func (s ServerState) String() string {
	names := []string{"uninitialized", "starting", "ready", "stopping", "stopped"}
	if int(s) < len(names) {
		return names[s]
	}
	return "unknown"
}

// =============================================================================
// SERVER
// =============================================================================

// Server represents a running LSP server process.
//
// Description:
//
//	Manages the lifecycle of an LSP server process, including starting,
//	initializing, and shutting down. Provides methods for sending requests
//	and notifications to the server.
//
// Thread Safety:
//
//	Safe for concurrent use after Start() returns successfully.
type Server struct {
	config   LanguageConfig
	rootPath string

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser

	protocol     *Protocol
	capabilities ServerCapabilities

	state   ServerState
	stateMu sync.RWMutex

	ctx      context.Context
	cancel   context.CancelFunc
	readDone chan struct{}

	lastUsed   time.Time
	lastUsedMu sync.Mutex

	initBarrier     chan struct{}
	initBarrierOnce sync.Once

	filesMu      sync.Mutex
	openFiles    []string // LRU order, most-recently-touched last
	fileVersions map[string]int

	diagMu               sync.Mutex
	diagnostics          map[string][]Diagnostic
	diagnosticVersions   map[string]int
	lastDiagnosticUpdate map[string]time.Time

	restartTimerMu sync.Mutex
	restartTimer   *time.Timer
}

// defaultRequestTimeout bounds requests with no caller-supplied deadline.
const defaultRequestTimeout = 30 * time.Second

// initializeRequestTimeout bounds the initialize handshake specifically,
// which is expected to settle faster than ordinary requests since it runs
// before any project indexing work has been requested of the server.
const initializeRequestTimeout = 10 * time.Second

func defaultTimeoutFor(method string) time.Duration {
	if method == "initialize" {
		return initializeRequestTimeout
	}
	return defaultRequestTimeout
}

// NewServer creates a new server instance (not started).
//
// Description:
//
//	Creates a server instance configured for the given language.
//	The server is not started; call Start to begin the process.
//
// Inputs:
//
//	config - Language configuration for the server
//	rootPath - Absolute path to the workspace root
//
// Outputs:
//
//	*Server - The configured (but not started) server
func NewServer(config LanguageConfig, rootPath string) *Server {
	return &Server{
		config:               config,
		rootPath:             rootPath,
		state:                ServerStateUninitialized,
		readDone:             make(chan struct{}),
		lastUsed:             time.Now(),
		initBarrier:          make(chan struct{}),
		fileVersions:         make(map[string]int),
		diagnostics:          make(map[string][]Diagnostic),
		diagnosticVersions:   make(map[string]int),
		lastDiagnosticUpdate: make(map[string]time.Time),
	}
}

// Start starts the LSP server process and initializes it.
//
// Description:
//
//	Starts the server process, establishes communication, and performs
//	the LSP initialize handshake. On success, the server is ready to
//	receive requests.
//
// Inputs:
//
//	ctx - Context for cancellation and timeout
//
// Outputs:
//
//	error - Non-nil if the server failed to start or initialize
//
// Errors:
//
//	ErrServerNotInstalled - Server binary not found
//	ErrServerAlreadyStarted - Start called on a non-uninitialized server
//	ErrInitializeFailed - LSP initialize handshake failed
//
// Thread Safety:
//
//	Safe for concurrent use, but only the first caller will start the server.
func (s *Server) Start(ctx context.Context) error {
	if ctx == nil {
		return fmt.Errorf("ctx must not be nil")
	}

	s.stateMu.Lock()
	if s.state != ServerStateUninitialized {
		s.stateMu.Unlock()
		return ErrServerAlreadyStarted
	}
	s.state = ServerStateStarting
	s.stateMu.Unlock()

	if err := ValidateCommand(exec.LookPath, s.config.Command); err != nil {
		s.setState(ServerStateStopped)
		return err
	}

	// Check binary exists
	path, err := exec.LookPath(s.config.Command)
	if err != nil {
		s.setState(ServerStateStopped)
		slog.Warn("LSP server not installed",
			slog.String("language", s.config.Language),
			slog.String("command", s.config.Command),
		)
		if hint := InstallHint(s.config.Command); hint != "" {
			return fmt.Errorf("%w: %s (%s)", ErrServerNotInstalled, s.config.Command, hint)
		}
		return fmt.Errorf("%w: %s", ErrServerNotInstalled, s.config.Command)
	}

	slog.Info("Starting LSP server",
		slog.String("language", s.config.Language),
		slog.String("command", path),
		slog.String("root_path", s.rootPath),
	)

	// Create server context (independent of caller's context)
	s.ctx, s.cancel = context.WithCancel(context.Background())

	// Create command
	s.cmd = exec.CommandContext(s.ctx, path, s.config.Args...)
	s.cmd.Dir = s.rootPath

	// Setup pipes
	s.stdin, err = s.cmd.StdinPipe()
	if err != nil {
		s.cleanup()
		return fmt.Errorf("stdin pipe: %w", err)
	}

	s.stdout, err = s.cmd.StdoutPipe()
	if err != nil {
		s.cleanup()
		return fmt.Errorf("stdout pipe: %w", err)
	}

	// Start process
	if err := s.cmd.Start(); err != nil {
		s.cleanup()
		return fmt.Errorf("start process: %w", err)
	}

	// Setup protocol
	s.protocol = NewProtocol(s.stdout, s.stdin)
	s.protocol.SetNotificationHandler(s.handleNotification)

	// Start read loop in background
	go func() {
		defer close(s.readDone)
		_ = s.protocol.ReadLoop(s.ctx)
	}()

	// Perform initialize handshake
	if err := s.initialize(ctx); err != nil {
		s.Shutdown(ctx)
		return fmt.Errorf("%w: %v", ErrInitializeFailed, err)
	}

	s.setState(ServerStateReady)
	s.touchLastUsed()

	slog.Info("LSP server ready",
		slog.String("language", s.config.Language),
		slog.Bool("definition", s.capabilities.HasDefinitionProvider()),
		slog.Bool("references", s.capabilities.HasReferencesProvider()),
		slog.Bool("hover", s.capabilities.HasHoverProvider()),
		slog.Bool("rename", s.capabilities.HasRenameProvider()),
	)

	return nil
}

// ClientName and ClientVersion identify this process to every LSP server in
// the initialize handshake's clientInfo field.
const (
	ClientName    = "aleutian-trace-lsp"
	ClientVersion = "1.0.0"
)

// initialize performs the LSP initialize handshake.
func (s *Server) initialize(ctx context.Context) error {
	params := InitializeParams{
		ProcessID: os.Getpid(),
		ClientInfo: &ClientInfo{
			Name:    ClientName,
			Version: ClientVersion,
		},
		RootURI:  "file://" + s.rootPath,
		RootPath: s.rootPath,
		Capabilities: ClientCapabilities{
			TextDocument: TextDocumentClientCapabilities{
				Synchronization: &TextDocumentSyncClientCapabilities{
					DidSave: true,
				},
				Definition: &DefinitionCapabilities{},
				References: &ReferencesCapabilities{},
				Hover: &HoverCapabilities{
					ContentFormat: []string{"markdown", "plaintext"},
				},
				Rename: &RenameCapabilities{
					PrepareSupport: true,
				},
			},
			Workspace: WorkspaceClientCapabilities{
				ApplyEdit: true,
				WorkspaceEdit: &WorkspaceEditClientCapabilities{
					DocumentChanges: true,
				},
				Symbol: &WorkspaceSymbolClientCapabilities{},
			},
		},
		WorkspaceFolders: []WorkspaceFolder{
			{
				URI:  "file://" + s.rootPath,
				Name: "workspace",
			},
		},
	}

	// Explicit config wins; otherwise fall back to the server family's
	// known-good defaults, if any.
	if s.config.InitializationOptions != nil {
		params.InitializationOptions = s.config.InitializationOptions
	} else {
		params.InitializationOptions = DefaultInitializationOptions(s.config.Command)
	}

	initCtx, cancel := context.WithTimeout(ctx, initializeRequestTimeout)
	defer cancel()
	resp, err := s.protocol.SendRequest(initCtx, "initialize", params)
	if err != nil {
		return fmt.Errorf("initialize request: %w", err)
	}

	var result InitializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return fmt.Errorf("parse initialize result: %w", err)
	}

	s.capabilities = result.Capabilities

	// Send initialized notification
	if err := s.protocol.SendNotification("initialized", struct{}{}); err != nil {
		return fmt.Errorf("initialized notification: %w", err)
	}

	// The client-sent "initialized" notification is what makes this server
	// usable; a server-originated "initialized" notification (nonstandard,
	// but seen in the wild) is tolerated too via handleNotification, which
	// calls the same idempotent releaseInitBarrier.
	s.releaseInitBarrier()

	return nil
}

// releaseInitBarrier unblocks WaitInitialized. Safe to call more than once
// (e.g. once locally after sending "initialized", and again if the server
// echoes its own "initialized" notification back).
func (s *Server) releaseInitBarrier() {
	s.initBarrierOnce.Do(func() { close(s.initBarrier) })
}

// WaitInitialized blocks until the initialize handshake has settled or ctx
// is cancelled.
func (s *Server) WaitInitialized(ctx context.Context) error {
	select {
	case <-s.initBarrier:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// handleNotification is invoked by the Protocol read loop for every
// server-originated message carrying a method and no (or a zero) id.
func (s *Server) handleNotification(method string, params json.RawMessage) {
	switch method {
	case "initialized":
		s.releaseInitBarrier()
	case "textDocument/publishDiagnostics":
		var p PublishDiagnosticsParams
		if err := json.Unmarshal(params, &p); err != nil {
			slog.Warn("lsp: malformed publishDiagnostics params",
				slog.String("language", s.config.Language),
				slog.String("error", err.Error()))
			return
		}
		s.updateDiagnostics(p)
	default:
		slog.Debug("lsp: ignoring notification", slog.String("method", method))
	}
}

// =============================================================================
// DIAGNOSTICS CACHE
// =============================================================================

func (s *Server) updateDiagnostics(p PublishDiagnosticsParams) {
	s.diagMu.Lock()
	defer s.diagMu.Unlock()
	s.diagnostics[p.URI] = p.Diagnostics
	s.lastDiagnosticUpdate[p.URI] = time.Now()
	if p.Version != nil {
		s.diagnosticVersions[p.URI] = *p.Version
	}
}

// Diagnostics returns the most recently published diagnostics for a URI.
func (s *Server) Diagnostics(uri string) ([]Diagnostic, bool) {
	s.diagMu.Lock()
	defer s.diagMu.Unlock()
	d, ok := s.diagnostics[uri]
	return d, ok
}

// WaitForDiagnosticsIdle blocks until publishDiagnostics for uri has gone
// quiet for idleTime, or maxWaitTime has elapsed, whichever comes first. It
// polls lastDiagnosticUpdate every checkInterval rather than subscribing to
// updates directly, since a server may publish zero, one, or many times
// before settling and there is no "done" signal in the protocol.
//
// Returns the diagnostics cached at the time the wait ended, and whether the
// wait ended because the server went idle (true) or for any other reason
// (false): maxWaitTime was reached, including when nothing was ever published
// for uri, or ctx was cancelled.
func (s *Server) WaitForDiagnosticsIdle(ctx context.Context, uri string, maxWaitTime, idleTime, checkInterval time.Duration) ([]Diagnostic, bool) {
	deadline := time.Now().Add(maxWaitTime)
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	for {
		s.diagMu.Lock()
		last, hasUpdate := s.lastDiagnosticUpdate[uri]
		s.diagMu.Unlock()

		if hasUpdate && time.Since(last) >= idleTime {
			d, _ := s.Diagnostics(uri)
			return d, true
		}
		if time.Now().After(deadline) {
			d, _ := s.Diagnostics(uri)
			return d, false
		}

		select {
		case <-ctx.Done():
			d, _ := s.Diagnostics(uri)
			return d, false
		case <-ticker.C:
		}
	}
}

// evictStaleDiagnostics drops cached diagnostics older than maxAge.
func (s *Server) evictStaleDiagnostics(maxAge time.Duration) {
	s.diagMu.Lock()
	defer s.diagMu.Unlock()
	cutoff := time.Now().Add(-maxAge)
	for uri, updated := range s.lastDiagnosticUpdate {
		if updated.Before(cutoff) {
			delete(s.diagnostics, uri)
			delete(s.lastDiagnosticUpdate, uri)
			delete(s.diagnosticVersions, uri)
		}
	}
}

// =============================================================================
// OPEN FILE TRACKING (LRU)
// =============================================================================

func (s *Server) touchOpenFile(uri string) {
	s.filesMu.Lock()
	defer s.filesMu.Unlock()
	s.removeOpenFileLocked(uri)
	s.openFiles = append(s.openFiles, uri)
}

func (s *Server) removeOpenFileLocked(uri string) {
	for i, u := range s.openFiles {
		if u == uri {
			s.openFiles = append(s.openFiles[:i], s.openFiles[i+1:]...)
			return
		}
	}
}

func (s *Server) forgetOpenFile(uri string) {
	s.filesMu.Lock()
	defer s.filesMu.Unlock()
	s.removeOpenFileLocked(uri)
	delete(s.fileVersions, uri)
}

// enforceOpenFileCap evicts the least-recently-touched files until the open
// set is at most max entries, returning the URIs evicted so the caller can
// send didClose for each.
func (s *Server) enforceOpenFileCap(max int) []string {
	s.filesMu.Lock()
	defer s.filesMu.Unlock()
	var evicted []string
	for len(s.openFiles) > max {
		uri := s.openFiles[0]
		s.openFiles = s.openFiles[1:]
		delete(s.fileVersions, uri)
		evicted = append(evicted, uri)
	}
	return evicted
}

func (s *Server) isFileOpen(uri string) bool {
	s.filesMu.Lock()
	defer s.filesMu.Unlock()
	_, ok := s.fileVersions[uri]
	return ok
}

func (s *Server) nextFileVersion(uri string) int {
	s.filesMu.Lock()
	defer s.filesMu.Unlock()
	s.fileVersions[uri]++
	return s.fileVersions[uri]
}

// =============================================================================
// DOCUMENT SYNC
// =============================================================================

// OpenFile sends textDocument/didOpen and begins tracking the file.
func (s *Server) OpenFile(ctx context.Context, path, content string) error {
	uri := pathToURI(path)
	s.filesMu.Lock()
	s.fileVersions[uri] = 1
	s.filesMu.Unlock()
	s.touchOpenFile(uri)

	return s.Notify("textDocument/didOpen", DidOpenTextDocumentParams{
		TextDocument: TextDocumentItem{
			URI:        uri,
			LanguageID: s.config.Language,
			Version:    1,
			Text:       content,
		},
	})
}

// CloseFile sends textDocument/didClose and stops tracking the file.
func (s *Server) CloseFile(ctx context.Context, path string) error {
	uri := pathToURI(path)
	if !s.isFileOpen(uri) {
		return nil
	}
	s.forgetOpenFile(uri)
	return s.Notify("textDocument/didClose", DidCloseTextDocumentParams{
		TextDocument: TextDocumentIdentifier{URI: uri},
	})
}

// SyncFile pushes new content for path: a full-document textDocument/didChange
// if the file is already open, or an implicit textDocument/didOpen otherwise.
func (s *Server) SyncFile(ctx context.Context, path, content string) error {
	uri := pathToURI(path)
	if !s.isFileOpen(uri) {
		return s.OpenFile(ctx, path, content)
	}
	s.touchOpenFile(uri)
	version := s.nextFileVersion(uri)
	return s.Notify("textDocument/didChange", DidChangeTextDocumentParams{
		TextDocument:   VersionedTextDocumentIdentifier{URI: uri, Version: version},
		ContentChanges: []TextDocumentContentChangeEvent{{Text: content}},
	})
}

// =============================================================================
// RESTART TIMER
// =============================================================================

// scheduleRestart arms a one-shot timer that invokes onFire after interval.
// Any previously scheduled timer is stopped first.
func (s *Server) scheduleRestart(interval time.Duration, onFire func()) {
	s.restartTimerMu.Lock()
	defer s.restartTimerMu.Unlock()
	if s.restartTimer != nil {
		s.restartTimer.Stop()
	}
	s.restartTimer = time.AfterFunc(interval, onFire)
}

// stopRestartTimer cancels any pending scheduled restart.
func (s *Server) stopRestartTimer() {
	s.restartTimerMu.Lock()
	defer s.restartTimerMu.Unlock()
	if s.restartTimer != nil {
		s.restartTimer.Stop()
		s.restartTimer = nil
	}
}

// Shutdown gracefully shuts down the server.
//
// Description:
//
//	Sends shutdown and exit messages to the server, then waits for the
//	process to terminate. If the server doesn't respond, it is killed.
//
// Inputs:
//
//	ctx - Context for cancellation and timeout
//
// Outputs:
//
//	error - Always nil; errors from the shutdown/exit messages are ignored
//	        and the server always ends in the stopped state
//
// Thread Safety:
//
//	Safe for concurrent use. Multiple calls are idempotent.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stateMu.Lock()
	if s.state == ServerStateStopped || s.state == ServerStateStopping {
		s.stateMu.Unlock()
		return nil
	}
	s.state = ServerStateStopping
	s.stateMu.Unlock()

	slog.Info("Shutting down LSP server",
		slog.String("language", s.config.Language),
	)

	defer s.cleanup()

	// Try graceful shutdown
	if s.protocol != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		// Send shutdown request (ignoring errors)
		_, _ = s.protocol.SendRequest(shutdownCtx, "shutdown", nil)

		// Send exit notification
		_ = s.protocol.SendNotification("exit", nil)

		// Mark protocol as closed
		s.protocol.Close()
	}

	// Close stdin to signal EOF to server
	if s.stdin != nil {
		_ = s.stdin.Close()
	}

	// Wait for process with timeout
	if s.cmd != nil && s.cmd.Process != nil {
		done := make(chan error, 1)
		go func() { done <- s.cmd.Wait() }()

		select {
		case <-time.After(5 * time.Second):
			// Force kill
			_ = s.cmd.Process.Kill()
			<-done
		case <-done:
		}
	}

	// Wait for read loop to finish
	if s.cancel != nil {
		s.cancel()
	}

	select {
	case <-s.readDone:
	case <-time.After(time.Second):
	}

	return nil
}

// cleanup releases resources and sets state to stopped.
func (s *Server) cleanup() {
	s.stopRestartTimer()
	if s.cancel != nil {
		s.cancel()
	}
	if s.stdin != nil {
		_ = s.stdin.Close()
	}
	if s.stdout != nil {
		_ = s.stdout.Close()
	}
	s.setState(ServerStateStopped)
}

// =============================================================================
// ACCESSORS
// =============================================================================

// State returns the current server state.
//
// Thread Safety:
//
//	Safe for concurrent use.
func (s *Server) State() ServerState {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

// Language returns the language this server handles.
func (s *Server) Language() string {
	return s.config.Language
}

// RootPath returns the workspace root path.
func (s *Server) RootPath() string {
	return s.rootPath
}

// Capabilities returns the server's capabilities.
//
// Description:
//
//	Returns the capabilities reported by the server during initialization.
//	Returns zero value if the server hasn't been initialized.
func (s *Server) Capabilities() ServerCapabilities {
	return s.capabilities
}

// LastUsed returns when the server was last used.
//
// Thread Safety:
//
//	Safe for concurrent use.
func (s *Server) LastUsed() time.Time {
	s.lastUsedMu.Lock()
	defer s.lastUsedMu.Unlock()
	return s.lastUsed
}

// =============================================================================
// REQUEST METHODS
// =============================================================================

// Request sends an LSP request and waits for the response.
//
// Description:
//
//	Sends a request to the server and blocks until a response is received
//	or the context is cancelled. Updates the last-used timestamp.
//
// Inputs:
//
//	ctx - Context for cancellation and timeout
//	method - The LSP method to invoke
//	params - Method parameters
//
// Outputs:
//
//	*Response - The server's response
//	error - Non-nil if server not ready, send failed, or timeout
//
// Thread Safety:
//
//	Safe for concurrent use.
func (s *Server) Request(ctx context.Context, method string, params interface{}) (*Response, error) {
	if ctx == nil {
		return nil, fmt.Errorf("ctx must not be nil")
	}
	if s.State() != ServerStateReady {
		return nil, ErrServerNotRunning
	}
	s.touchLastUsed()

	// A caller-supplied deadline always wins; otherwise fall back to the
	// per-method default (initialize gets a shorter budget than everything
	// else, since it runs before any project work has been requested).
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultTimeoutFor(method))
		defer cancel()
	}

	return s.protocol.SendRequest(ctx, method, params)
}

// Notify sends an LSP notification.
//
// Description:
//
//	Sends a notification to the server. Notifications do not expect a
//	response. Updates the last-used timestamp.
//
// Inputs:
//
//	method - The LSP method to invoke
//	params - Method parameters
//
// Outputs:
//
//	error - Non-nil if server not ready or send failed
//
// Thread Safety:
//
//	Safe for concurrent use.
func (s *Server) Notify(method string, params interface{}) error {
	if s.State() != ServerStateReady {
		return ErrServerNotRunning
	}
	s.touchLastUsed()
	return s.protocol.SendNotification(method, params)
}

// =============================================================================
// INTERNAL HELPERS
// =============================================================================

func (s *Server) setState(state ServerState) {
	s.stateMu.Lock()
	s.state = state
	s.stateMu.Unlock()
}

func (s *Server) touchLastUsed() {
	s.lastUsedMu.Lock()
	s.lastUsed = time.Now()
	s.lastUsedMu.Unlock()
}
