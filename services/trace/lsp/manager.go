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
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// =============================================================================
// MANAGER CONFIG
// =============================================================================

// ManagerConfig configures a Manager's lifecycle policies.
type ManagerConfig struct {
	// IdleTimeout is how long a server may sit unused before the idle
	// monitor shuts it down.
	IdleTimeout time.Duration

	// StartupTimeout bounds how long GetOrSpawn waits for a fresh server to
	// start and complete its initialize handshake.
	StartupTimeout time.Duration

	// RequestTimeout is a request deadline carried in the configuration.
	// No Manager code path reads it; requests without a caller deadline use
	// Server.Request's per-method defaults instead.
	RequestTimeout time.Duration

	// MemoryCleanupInterval is how often the background sweep evicts stale
	// diagnostics and trims each server's open-file set.
	MemoryCleanupInterval time.Duration

	// DiagnosticMaxAge bounds how long a cached diagnostic set is kept
	// without a refresh before the cleanup sweep evicts it.
	DiagnosticMaxAge time.Duration

	// MaxOpenFiles caps how many files each server tracks as open; beyond
	// this the least-recently-touched files are closed.
	MaxOpenFiles int

	// MaxStartRetries bounds how many times a single failed start is
	// retried (beyond the first attempt) before the server is quarantined.
	MaxStartRetries int

	// StartRetryBackoff is the delay between a failed start and its retry.
	StartRetryBackoff time.Duration

	// QuarantineDuration is how long a server stays quarantined after
	// exhausting its retries, before a new GetOrSpawn call is allowed to
	// try again. A permanent failure (see classifyStartError) stays
	// quarantined regardless of this duration, until ClearFailedServers.
	QuarantineDuration time.Duration
}

// DefaultManagerConfig returns sensible defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		IdleTimeout:            10 * time.Minute,
		StartupTimeout:         30 * time.Second,
		RequestTimeout:         10 * time.Second,
		MemoryCleanupInterval: 2 * time.Minute,
		DiagnosticMaxAge:      5 * time.Minute,
		MaxOpenFiles:          100,
		MaxStartRetries:       1,
		StartRetryBackoff:     2 * time.Second,
		QuarantineDuration:    30 * time.Second,
	}
}

// =============================================================================
// QUARANTINE RECORD
// =============================================================================

// quarantineRecord tracks a language's recent start failures so repeated
// spawn attempts against a permanently-broken command don't hammer the
// filesystem and process table.
type quarantineRecord struct {
	failures    int
	lastFailure time.Time
	permanent   bool
}

func (q *quarantineRecord) active(cfg ManagerConfig) bool {
	if q.permanent {
		return true
	}
	return time.Since(q.lastFailure) < cfg.QuarantineDuration
}

// permanentErrorPatterns are substrings whose presence in a start error
// means retrying would just repeat the same failure: a bad command shape or
// a config/syntax problem the user has to fix. (A missing binary is caught
// separately, by classifyStartError's ErrServerNotInstalled check.)
// Checked before transientErrorPatterns, since e.g. "invalid" can appear
// alongside words that would otherwise look transient.
var permanentErrorPatterns = []string{
	"eisdir", "enotdir", "enomem", "configuration", "syntax", "parse", "invalid",
}

// transientErrorPatterns are substrings indicating a failure that may not
// recur: the server wasn't ready yet, a resource was briefly unavailable,
// or the environment hiccuped.
var transientErrorPatterns = []string{
	"enoent", "eacces", "econnrefused", "timeout", "network", "temporary", "busy", "eagain",
}

// classifyStartError decides whether a start failure is worth retrying.
// Permanent failures (missing binary, bad config) are quarantined without
// retry; transient failures get the configured retry/backoff before
// quarantine. Neither pattern list matching is treated as transient, since
// an unrecognized error is more likely a fluke than a hard config problem.
func classifyStartError(err error) (permanent bool) {
	if errors.Is(err, ErrServerNotInstalled) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, p := range permanentErrorPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	for _, p := range transientErrorPatterns {
		if strings.Contains(msg, p) {
			return false
		}
	}
	return false
}

// =============================================================================
// MANAGER
// =============================================================================

// Manager owns the set of running LSP servers for a single workspace root,
// routing requests to the right server by language or file extension and
// supervising each server's lifecycle: lazy start, reuse, idle shutdown,
// restart, and failure quarantine.
//
// Thread Safety: Safe for concurrent use.
type Manager struct {
	rootPath string
	config   ManagerConfig
	configs  *ConfigRegistry

	mu      sync.RWMutex
	servers map[string]*Server

	quarantineMu sync.Mutex
	quarantine   map[string]*quarantineRecord

	startGroup singleflight.Group

	disposed int32 // atomic: 1 once Dispose/ShutdownAll has run

	idleOnce    sync.Once
	cleanupOnce sync.Once
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// NewManager creates a Manager rooted at rootPath with the built-in
// language catalog registered.
func NewManager(rootPath string, config ManagerConfig) *Manager {
	return &Manager{
		rootPath:   rootPath,
		config:     config,
		configs:    NewConfigRegistry(),
		servers:    make(map[string]*Server),
		quarantine: make(map[string]*quarantineRecord),
		stopCh:     make(chan struct{}),
	}
}

// RootPath returns the workspace root this manager was created for.
func (m *Manager) RootPath() string { return m.rootPath }

// Config returns the manager's lifecycle configuration.
func (m *Manager) Config() ManagerConfig { return m.config }

// Configs returns the language config registry, which callers may mutate
// to register additional servers at runtime.
func (m *Manager) Configs() *ConfigRegistry { return m.configs }

// UseConfigs replaces the manager's language config registry wholesale.
// Intended for startup wiring (e.g. after resolving the on-disk config
// priority chain) before any GetOrSpawn call; not safe to call once
// servers may already be starting.
func (m *Manager) UseConfigs(r *ConfigRegistry) { m.configs = r }

func (m *Manager) isDisposed() bool {
	return atomic.LoadInt32(&m.disposed) == 1
}

// GetOrSpawn returns the running server for language, starting one if
// necessary. Concurrent calls for the same language that arrive while a
// start is in flight are deduplicated onto the single in-flight attempt.
func (m *Manager) GetOrSpawn(ctx context.Context, language string) (*Server, error) {
	if ctx == nil {
		return nil, fmt.Errorf("ctx must not be nil")
	}
	if m.isDisposed() {
		return nil, ErrClientDisposed
	}

	config, ok := m.configs.Get(language)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedLanguage, language)
	}

	if srv := m.Get(language); srv != nil {
		return srv, nil
	}

	if q := m.quarantineStatus(language); q != nil {
		return nil, fmt.Errorf("%w: %s", ErrServerQuarantined, language)
	}

	result, err, _ := m.startGroup.Do(language, func() (interface{}, error) {
		return m.spawnWithRetry(ctx, config)
	})
	if err != nil {
		return nil, err
	}
	return result.(*Server), nil
}

// spawnWithRetry starts a fresh server for config, retrying once after a
// backoff on a transient failure before quarantining the language.
func (m *Manager) spawnWithRetry(ctx context.Context, config LanguageConfig) (*Server, error) {
	if srv := m.Get(config.Language); srv != nil {
		// Another caller finished spawning while we waited to enter
		// singleflight; reuse it instead of starting a second process.
		return srv, nil
	}

	attempts := m.config.MaxStartRetries + 1
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(m.config.StartRetryBackoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		srv := NewServer(config, m.rootPath)
		startCtx, cancel := context.WithTimeout(ctx, m.config.StartupTimeout)
		err := srv.Start(startCtx)
		cancel()
		if err == nil {
			m.mu.Lock()
			m.servers[config.Language] = srv
			m.mu.Unlock()
			m.clearQuarantine(config.Language)
			recordServerSpawn(ctx, config.Language, true)
			if config.RestartInterval > 0 {
				m.armRestart(config.Language, srv, config.RestartInterval)
			}
			return srv, nil
		}

		lastErr = err
		permanent := classifyStartError(err)
		slog.Warn("lsp: server start failed",
			slog.String("language", config.Language),
			slog.Int("attempt", attempt+1),
			slog.Bool("permanent", permanent),
			slog.String("error", err.Error()),
		)
		if permanent {
			m.recordQuarantine(config.Language, true)
			recordQuarantineMetric(ctx, config.Language, true)
			recordServerSpawn(ctx, config.Language, false)
			return nil, err
		}
	}

	m.recordQuarantine(config.Language, false)
	recordQuarantineMetric(ctx, config.Language, false)
	recordServerSpawn(ctx, config.Language, false)
	return nil, fmt.Errorf("lsp: %s failed to start after %d attempts: %w", config.Language, attempts, lastErr)
}

func (m *Manager) armRestart(language string, srv *Server, interval time.Duration) {
	srv.scheduleRestart(interval, func() {
		if m.isDisposed() {
			return
		}
		slog.Info("lsp: proactive restart", slog.String("language", language))
		ctx, cancel := context.WithTimeout(context.Background(), m.config.StartupTimeout)
		defer cancel()
		_ = m.Shutdown(ctx, language)
		recordServerRestart(ctx, language, false)
	})
}

func (m *Manager) quarantineStatus(language string) *quarantineRecord {
	m.quarantineMu.Lock()
	defer m.quarantineMu.Unlock()
	q, ok := m.quarantine[language]
	if !ok || !q.active(m.config) {
		return nil
	}
	return q
}

func (m *Manager) recordQuarantine(language string, permanent bool) {
	m.quarantineMu.Lock()
	defer m.quarantineMu.Unlock()
	q, ok := m.quarantine[language]
	if !ok {
		q = &quarantineRecord{}
		m.quarantine[language] = q
	}
	q.failures++
	q.lastFailure = time.Now()
	q.permanent = q.permanent || permanent
}

func (m *Manager) clearQuarantine(language string) {
	m.quarantineMu.Lock()
	defer m.quarantineMu.Unlock()
	delete(m.quarantine, language)
}

// Get returns the running server for language, or nil if none is running.
func (m *Manager) Get(language string) *Server {
	m.mu.RLock()
	defer m.mu.RUnlock()
	srv, ok := m.servers[language]
	if !ok || srv.State() != ServerStateReady {
		return nil
	}
	return srv
}

// GetServerForFile resolves the language for path's extension and returns
// (spawning if necessary) the server that handles it.
func (m *Manager) GetServerForFile(ctx context.Context, path string) (*Server, error) {
	ext := filepath.Ext(path)
	config, ok := m.configs.GetByExtension(ext)
	if !ok {
		return nil, fmt.Errorf("%w: extension %s", ErrNoServerConfigured, ext)
	}
	return m.GetOrSpawn(ctx, config.Language)
}

// RunningServers returns the languages with a currently ready server.
func (m *Manager) RunningServers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for lang, srv := range m.servers {
		if srv.State() == ServerStateReady {
			out = append(out, lang)
		}
	}
	return out
}

// IsAvailable reports whether language has a configuration and its command
// is installed, without starting a server.
func (m *Manager) IsAvailable(language string) bool {
	config, ok := m.configs.Get(language)
	if !ok {
		return false
	}
	_, err := exec.LookPath(config.Command)
	return err == nil
}

// Shutdown stops the running server for language, if any. Idempotent.
func (m *Manager) Shutdown(ctx context.Context, language string) error {
	m.mu.Lock()
	srv, ok := m.servers[language]
	if ok {
		delete(m.servers, language)
	}
	m.mu.Unlock()

	if !ok {
		return nil
	}
	return srv.Shutdown(ctx)
}

// ShutdownAll stops every running server and marks the manager disposed,
// rejecting future GetOrSpawn calls. Idempotent.
func (m *Manager) ShutdownAll(ctx context.Context) error {
	atomic.StoreInt32(&m.disposed, 1)
	m.stopOnce.Do(func() { close(m.stopCh) })

	m.mu.Lock()
	servers := m.servers
	m.servers = make(map[string]*Server)
	m.mu.Unlock()

	var firstErr error
	for lang, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("shutdown %s: %w", lang, err)
		}
	}
	return firstErr
}

// Dispose is an alias for ShutdownAll, named to match the facade's
// downstream-facing vocabulary.
func (m *Manager) Dispose(ctx context.Context) error {
	return m.ShutdownAll(ctx)
}

// RestartServers kills every running server whose language covers one of
// extensions (or every running server, if extensions is empty) and returns
// the languages that were restarted. A fresh process is not started here;
// it starts lazily on the next GetOrSpawn for that language, matching how a
// restart-interval firing behaves.
func (m *Manager) RestartServers(ctx context.Context, extensions []string) ([]string, error) {
	targets := m.languagesMatchingExtensions(extensions)

	var restarted []string
	var firstErr error
	for _, lang := range targets {
		m.mu.Lock()
		srv, ok := m.servers[lang]
		if ok {
			delete(m.servers, lang)
		}
		m.mu.Unlock()
		if !ok {
			continue
		}
		if err := srv.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("restart %s: %w", lang, err)
		}
		recordServerRestart(ctx, lang, true)
		restarted = append(restarted, lang)
	}
	return restarted, firstErr
}

// languagesMatchingExtensions returns the running languages whose config
// covers at least one of extensions, or every running language if
// extensions is empty.
func (m *Manager) languagesMatchingExtensions(extensions []string) []string {
	running := m.RunningServers()
	if len(extensions) == 0 {
		return running
	}

	want := make(map[string]bool, len(extensions))
	for _, ext := range extensions {
		want[ext] = true
	}

	var out []string
	for _, lang := range running {
		config, ok := m.configs.Get(lang)
		if !ok {
			continue
		}
		for _, ext := range config.Extensions {
			if want[ext] {
				out = append(out, lang)
				break
			}
		}
	}
	return out
}

// ClearFailedServers empties the quarantine set so the next GetOrSpawn for
// a previously quarantined language attempts a fresh start rather than
// surfacing the cached failure.
func (m *Manager) ClearFailedServers() {
	m.quarantineMu.Lock()
	defer m.quarantineMu.Unlock()
	m.quarantine = make(map[string]*quarantineRecord)
}

// PreloadServers eagerly spawns a server for each of the given file
// extensions, so the first real request against them doesn't pay startup
// latency. Failures are logged and otherwise ignored: preloading is a best
// effort optimization, not a precondition for correctness.
func (m *Manager) PreloadServers(ctx context.Context, extensions []string) {
	seen := make(map[string]bool)
	for _, ext := range extensions {
		config, ok := m.configs.GetByExtension(ext)
		if !ok || seen[config.Language] {
			continue
		}
		seen[config.Language] = true

		if _, err := m.GetOrSpawn(ctx, config.Language); err != nil {
			slog.Warn("lsp: preload failed",
				slog.String("language", config.Language),
				slog.String("error", err.Error()),
			)
		}
	}
}

// =============================================================================
// IDLE MONITOR
// =============================================================================

// StartIdleMonitor launches the background goroutine that shuts down
// servers unused for longer than Config().IdleTimeout. Safe to call more
// than once; only the first call starts the goroutine.
func (m *Manager) StartIdleMonitor() {
	m.idleOnce.Do(func() {
		go m.idleMonitorLoop()
	})
}

func (m *Manager) idleMonitorLoop() {
	interval := m.config.IdleTimeout / 4
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.evictIdleServers()
		}
	}
}

func (m *Manager) evictIdleServers() {
	if m.config.IdleTimeout <= 0 {
		return
	}
	cutoff := time.Now().Add(-m.config.IdleTimeout)

	m.mu.RLock()
	var idle []string
	for lang, srv := range m.servers {
		if srv.LastUsed().Before(cutoff) {
			idle = append(idle, lang)
		}
	}
	m.mu.RUnlock()

	for _, lang := range idle {
		slog.Info("lsp: shutting down idle server", slog.String("language", lang))
		_ = m.Shutdown(context.Background(), lang)
	}
}

// =============================================================================
// MEMORY CLEANUP
// =============================================================================

// StartMemoryCleanup launches the background goroutine that evicts stale
// diagnostics and caps each running server's open-file set, on
// Config().MemoryCleanupInterval. Safe to call more than once; only the
// first call starts the goroutine.
func (m *Manager) StartMemoryCleanup() {
	m.cleanupOnce.Do(func() {
		go m.memoryCleanupLoop()
	})
}

func (m *Manager) memoryCleanupLoop() {
	interval := m.config.MemoryCleanupInterval
	if interval <= 0 {
		interval = 2 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.runMemoryCleanup()
		}
	}
}

func (m *Manager) runMemoryCleanup() {
	m.mu.RLock()
	servers := make([]*Server, 0, len(m.servers))
	for _, srv := range m.servers {
		servers = append(servers, srv)
	}
	m.mu.RUnlock()

	maxAge := m.config.DiagnosticMaxAge
	if maxAge <= 0 {
		maxAge = 5 * time.Minute
	}
	maxOpen := m.config.MaxOpenFiles
	if maxOpen <= 0 {
		maxOpen = 100
	}

	for _, srv := range servers {
		srv.evictStaleDiagnostics(maxAge)
		evicted := srv.enforceOpenFileCap(maxOpen)
		for _, uri := range evicted {
			_ = srv.Notify("textDocument/didClose", DidCloseTextDocumentParams{
				TextDocument: TextDocumentIdentifier{URI: uri},
			})
		}
	}
}

// =============================================================================
// FILE SYNC (Windows atomic-write compatibility)
// =============================================================================
//
// Editors and external tools that save via a temp-file-then-rename
// sequence momentarily invalidate a file's identity from the OS's point of
// view. ReleaseFile/ReopenFile let a caller tell every running server to
// drop and then reacquire a path around such a write, instead of assuming
// the file handle backing an open document survives the rename.

// ReleaseFile closes path on every running server that currently has it
// open. A no-op (not an error) if no server has it open, or no servers are
// running at all.
func (m *Manager) ReleaseFile(ctx context.Context, path string) error {
	if ctx == nil {
		return fmt.Errorf("ctx must not be nil")
	}

	for _, srv := range m.runningServersSnapshot() {
		if err := srv.CloseFile(ctx, path); err != nil {
			return err
		}
	}
	return nil
}

// ReopenFile reopens path with fresh content on the server for language,
// spawning one if necessary. A no-op if the manager has been disposed.
func (m *Manager) ReopenFile(ctx context.Context, path, content, language string) error {
	if ctx == nil {
		return fmt.Errorf("ctx must not be nil")
	}
	if m.isDisposed() {
		return nil
	}

	if _, ok := m.configs.Get(language); !ok {
		return nil
	}

	srv, err := m.GetOrSpawn(ctx, language)
	if err != nil {
		return nil
	}
	return srv.OpenFile(ctx, path, content)
}

// SyncFileContent pushes path's latest content to the server configured for
// its extension, spawning that server if it is not running. Other running
// servers that may also have path open are not updated.
func (m *Manager) SyncFileContent(ctx context.Context, path, content string) error {
	if ctx == nil {
		return fmt.Errorf("ctx must not be nil")
	}

	ext := filepath.Ext(path)
	config, ok := m.configs.GetByExtension(ext)
	if !ok {
		return fmt.Errorf("%w: extension %s", ErrNoServerConfigured, ext)
	}

	srv := m.Get(config.Language)
	if srv == nil {
		var err error
		srv, err = m.GetOrSpawn(ctx, config.Language)
		if err != nil {
			return err
		}
	}
	return srv.SyncFile(ctx, path, content)
}

func (m *Manager) runningServersSnapshot() []*Server {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Server, 0, len(m.servers))
	for _, srv := range m.servers {
		out = append(out, srv)
	}
	return out
}
