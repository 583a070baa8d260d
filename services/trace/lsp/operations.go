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
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// Default tunables for DiagnosticsIdle's poll loop (see Server.WaitForDiagnosticsIdle).
const (
	DefaultDiagnosticsMaxWait       = 1 * time.Second
	DefaultDiagnosticsIdleThreshold = 100 * time.Millisecond
	DefaultDiagnosticsPollInterval  = 50 * time.Millisecond
)

// maxRetries is the number of extra attempts made for idempotent requests
// (definition, references, hover, workspace symbol) after a transient
// server error. retryDelay is the pause between attempts.
const (
	maxRetries = 1
	retryDelay = 100 * time.Millisecond
)

// Operations is the typed request/response surface downstream callers use
// instead of talking to Manager/Server directly. Each method resolves the
// language for a file, obtains (spawning if needed) the matching Server,
// issues one JSON-RPC call, and decodes the result into a Go type.
//
// Safe for concurrent use.
type Operations struct {
	manager *Manager
}

// NewOperations wraps manager in a typed operations surface.
func NewOperations(manager *Manager) *Operations {
	return &Operations{manager: manager}
}

// Manager returns the underlying manager.
func (o *Operations) Manager() *Manager {
	return o.manager
}

// opSpan bundles the span/metric bookkeeping every operation performs so
// that each public method only has to call begin once and finish once,
// rather than repeating four lines of telemetry calls per return path.
type opSpan struct {
	span     trace.Span
	start    time.Time
	name     string
	language string
}

// beginOp resolves the language for filePath (optional — pass "" to skip,
// as WorkspaceSymbol does), opens a trace span, and starts the latency
// timer. Returns the derived context alongside the bookkeeping handle.
func (o *Operations) beginOp(ctx context.Context, name, filePath, language string) (context.Context, *opSpan, error) {
	if ctx == nil {
		return nil, nil, fmt.Errorf("ctx must not be nil")
	}
	if language == "" && filePath != "" {
		language = o.languageFromPath(filePath)
		if language == "" {
			return nil, nil, fmt.Errorf("%w: no language for %s", ErrUnsupportedLanguage, filepath.Ext(filePath))
		}
	}
	ctx, span := startOperationSpan(ctx, name, language, filePath)
	return ctx, &opSpan{span: span, start: time.Now(), name: strings.ToLower(name), language: language}, nil
}

// finish records the span/metric outcome and closes the span. Call exactly
// once per beginOp, on every return path.
func (o *opSpan) finish(ctx context.Context, count int, ok bool) {
	setOperationSpanResult(o.span, count, ok)
	recordOperationMetrics(ctx, o.name, o.language, time.Since(o.start), count, ok)
	o.span.End()
}

// isRetryableError reports whether err is transient enough to justify one
// more attempt: a crashed/not-running server, or an LSP server-side error
// code (-32000..-32099).
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrServerCrashed) || errors.Is(err, ErrServerNotRunning) {
		return true
	}
	var lspErr *LSPError
	if errors.As(err, &lspErr) {
		return lspErr.Code >= -32099 && lspErr.Code <= -32000
	}
	return false
}

// requestWithRetry issues requestFn against a (re)spawned server for
// language, retrying once if the failure looks transient. Only safe for
// idempotent requests — callers with side effects (rename, notifications)
// call GetOrSpawn + Request/Notify directly instead.
func (o *Operations) requestWithRetry(ctx context.Context, language string, requestFn func(server *Server) (*Response, error)) (*Response, error) {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		server, err := o.manager.GetOrSpawn(ctx, language)
		if err != nil {
			if isRetryableError(err) && attempt < maxRetries {
				slog.Debug("retrying lsp request after server error", slog.String("language", language), slog.Int("attempt", attempt+1), slog.String("error", err.Error()))
				time.Sleep(retryDelay)
				continue
			}
			return nil, err
		}

		resp, err := requestFn(server)
		if err != nil {
			lastErr = err
			if isRetryableError(err) && attempt < maxRetries {
				slog.Debug("retrying lsp request after transient error", slog.String("language", language), slog.Int("attempt", attempt+1), slog.String("error", err.Error()))
				time.Sleep(retryDelay)
				continue
			}
			return nil, err
		}
		return resp, nil
	}
	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// languageFromPath determines the language from a file's extension.
func (o *Operations) languageFromPath(path string) string {
	lang, ok := o.manager.Configs().LanguageForExtension(filepath.Ext(path))
	if !ok {
		return ""
	}
	return lang
}

// pathToURI converts a file path to a file:// URI, encoding reserved
// characters (spaces, unicode, etc.) via net/url.
func pathToURI(path string) string {
	if !filepath.IsAbs(path) {
		if abs, err := filepath.Abs(path); err == nil {
			path = abs
		}
	}
	return (&url.URL{Scheme: "file", Path: path}).String()
}

// uriToPath converts a file:// URI back to a file path, decoding any
// percent-escapes net/url applied.
func uriToPath(uri string) string {
	if u, err := url.Parse(uri); err == nil && u.Scheme == "file" {
		return u.Path
	}
	return strings.TrimPrefix(uri, "file://")
}

// positionParams builds the shared TextDocumentPositionParams embed used by
// every cursor-position request.
func positionParams(filePath string, line, col int) TextDocumentPositionParams {
	return TextDocumentPositionParams{
		TextDocument: TextDocumentIdentifier{URI: pathToURI(filePath)},
		Position:     Position{Line: line - 1, Character: col}, // caller's line is 1-indexed
	}
}

// parseLocationResponse decodes a textDocument/definition or
// textDocument/references result, which the LSP spec allows to be null, a
// single Location, a single LocationLink, or an array of either.
func parseLocationResponse(data json.RawMessage) ([]Location, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}

	if data[0] == '[' {
		var links []LocationLink
		if err := json.Unmarshal(data, &links); err == nil && len(links) > 0 && links[0].TargetURI != "" {
			locations := make([]Location, len(links))
			for i, link := range links {
				locations[i] = Location{URI: link.TargetURI, Range: link.TargetSelectionRange}
			}
			return locations, nil
		}
		var locations []Location
		if err := json.Unmarshal(data, &locations); err == nil {
			return locations, nil
		}
	}

	var single Location
	if err := json.Unmarshal(data, &single); err == nil && single.URI != "" {
		return []Location{single}, nil
	}

	var link LocationLink
	if err := json.Unmarshal(data, &link); err == nil && link.TargetURI != "" {
		return []Location{{URI: link.TargetURI, Range: link.TargetSelectionRange}}, nil
	}

	return nil, ErrInvalidResponse
}

// Definition resolves textDocument/definition for the symbol at (line, col)
// in filePath. line is 1-indexed, col is 0-indexed.
func (o *Operations) Definition(ctx context.Context, filePath string, line, col int) ([]Location, error) {
	ctx, rec, err := o.beginOp(ctx, "Definition", filePath, "")
	if err != nil {
		return nil, err
	}

	resp, err := o.requestWithRetry(ctx, rec.language, func(server *Server) (*Response, error) {
		return server.Request(ctx, "textDocument/definition", positionParams(filePath, line, col))
	})
	if err != nil {
		rec.finish(ctx, 0, false)
		return nil, fmt.Errorf("definition request: %w", err)
	}

	locations, err := parseLocationResponse(resp.Result)
	if err != nil {
		rec.finish(ctx, 0, false)
		return nil, err
	}
	rec.finish(ctx, len(locations), true)
	return locations, nil
}

// References resolves textDocument/references for the symbol at (line, col)
// in filePath. When includeDecl is true, the declaration site is included
// alongside usages.
func (o *Operations) References(ctx context.Context, filePath string, line, col int, includeDecl bool) ([]Location, error) {
	ctx, rec, err := o.beginOp(ctx, "References", filePath, "")
	if err != nil {
		return nil, err
	}

	params := ReferenceParams{
		TextDocumentPositionParams: positionParams(filePath, line, col),
		Context:                    ReferenceContext{IncludeDeclaration: includeDecl},
	}
	resp, err := o.requestWithRetry(ctx, rec.language, func(server *Server) (*Response, error) {
		return server.Request(ctx, "textDocument/references", params)
	})
	if err != nil {
		rec.finish(ctx, 0, false)
		return nil, fmt.Errorf("references request: %w", err)
	}

	locations, err := parseLocationResponse(resp.Result)
	if err != nil {
		rec.finish(ctx, 0, false)
		return nil, err
	}
	rec.finish(ctx, len(locations), true)
	return locations, nil
}

// HoverInfo is the parsed form of a textDocument/hover result.
type HoverInfo struct {
	Content string `json:"content"`
	Kind    string `json:"kind"`
	Range   *Range `json:"range,omitempty"`
}

// Hover resolves textDocument/hover for the symbol at (line, col) in
// filePath. Returns (nil, nil) when the server has nothing to show.
func (o *Operations) Hover(ctx context.Context, filePath string, line, col int) (*HoverInfo, error) {
	ctx, rec, err := o.beginOp(ctx, "Hover", filePath, "")
	if err != nil {
		return nil, err
	}

	resp, err := o.requestWithRetry(ctx, rec.language, func(server *Server) (*Response, error) {
		return server.Request(ctx, "textDocument/hover", positionParams(filePath, line, col))
	})
	if err != nil {
		rec.finish(ctx, 0, false)
		return nil, fmt.Errorf("hover request: %w", err)
	}
	if len(resp.Result) == 0 || string(resp.Result) == "null" {
		rec.finish(ctx, 0, true)
		return nil, nil
	}

	var result HoverResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		rec.finish(ctx, 0, false)
		return nil, fmt.Errorf("parse hover result: %w", err)
	}
	rec.finish(ctx, 1, true)
	return &HoverInfo{Content: result.Contents.Value, Kind: result.Contents.Kind, Range: result.Range}, nil
}

// Rename computes (but does not apply) the edits needed to rename the
// symbol at (line, col) in filePath to newName. Not idempotent, so it does
// not go through requestWithRetry — a crashed server is surfaced directly
// rather than silently retried.
func (o *Operations) Rename(ctx context.Context, filePath string, line, col int, newName string) (*WorkspaceEdit, error) {
	if newName == "" {
		return nil, fmt.Errorf("newName must not be empty")
	}
	ctx, rec, err := o.beginOp(ctx, "Rename", filePath, "")
	if err != nil {
		return nil, err
	}

	server, err := o.manager.GetOrSpawn(ctx, rec.language)
	if err != nil {
		rec.finish(ctx, 0, false)
		return nil, fmt.Errorf("get server: %w", err)
	}

	params := RenameParams{TextDocumentPositionParams: positionParams(filePath, line, col), NewName: newName}
	resp, err := server.Request(ctx, "textDocument/rename", params)
	if err != nil {
		rec.finish(ctx, 0, false)
		return nil, fmt.Errorf("rename request: %w", err)
	}
	if len(resp.Result) == 0 || string(resp.Result) == "null" {
		rec.finish(ctx, 0, false)
		return nil, fmt.Errorf("rename not supported at position")
	}

	var edit WorkspaceEdit
	if err := json.Unmarshal(resp.Result, &edit); err != nil {
		rec.finish(ctx, 0, false)
		return nil, fmt.Errorf("parse rename result: %w", err)
	}
	rec.finish(ctx, len(edit.Changes), true)
	return &edit, nil
}

// PrepareRename checks whether the symbol at (line, col) in filePath can be
// renamed, returning its range and placeholder text. Returns (nil, nil)
// when the position is not renameable.
func (o *Operations) PrepareRename(ctx context.Context, filePath string, line, col int) (*PrepareRenameResult, error) {
	if ctx == nil {
		return nil, fmt.Errorf("ctx must not be nil")
	}
	language := o.languageFromPath(filePath)
	if language == "" {
		return nil, fmt.Errorf("%w: no language for %s", ErrUnsupportedLanguage, filepath.Ext(filePath))
	}

	server, err := o.manager.GetOrSpawn(ctx, language)
	if err != nil {
		return nil, fmt.Errorf("get server: %w", err)
	}

	resp, err := server.Request(ctx, "textDocument/prepareRename", PrepareRenameParams{TextDocumentPositionParams: positionParams(filePath, line, col)})
	if err != nil {
		return nil, fmt.Errorf("prepareRename request: %w", err)
	}
	if len(resp.Result) == 0 || string(resp.Result) == "null" {
		return nil, nil
	}

	// Servers disagree on the shape: some return {range, placeholder},
	// others return a bare Range.
	var result PrepareRenameResult
	if err := json.Unmarshal(resp.Result, &result); err == nil && result.Placeholder != "" {
		return &result, nil
	}
	var r Range
	if err := json.Unmarshal(resp.Result, &r); err == nil {
		return &PrepareRenameResult{Range: r}, nil
	}
	return nil, nil
}

// WorkspaceSymbol finds symbols across the workspace matching query (an
// empty query returns everything the server indexes).
func (o *Operations) WorkspaceSymbol(ctx context.Context, language, query string) ([]SymbolInformation, error) {
	ctx, rec, err := o.beginOp(ctx, "WorkspaceSymbol", "", language)
	if err != nil {
		return nil, err
	}

	resp, err := o.requestWithRetry(ctx, language, func(server *Server) (*Response, error) {
		return server.Request(ctx, "workspace/symbol", WorkspaceSymbolParams{Query: query})
	})
	if err != nil {
		rec.finish(ctx, 0, false)
		return nil, fmt.Errorf("symbol request: %w", err)
	}
	if len(resp.Result) == 0 || string(resp.Result) == "null" {
		rec.finish(ctx, 0, true)
		return nil, nil
	}

	var symbols []SymbolInformation
	if err := json.Unmarshal(resp.Result, &symbols); err != nil {
		rec.finish(ctx, 0, false)
		return nil, fmt.Errorf("parse symbol result: %w", err)
	}
	rec.finish(ctx, len(symbols), true)
	return symbols, nil
}

// DiagnosticsIdle waits for textDocument/publishDiagnostics on filePath to
// settle, then returns the most recently cached set. Useful right after
// OpenDocument/a didChange, to read the server's verdict without racing its
// asynchronous publish. maxWait and idleTime of 0 use the package defaults.
func (o *Operations) DiagnosticsIdle(ctx context.Context, filePath string, maxWait, idleTime time.Duration) ([]Diagnostic, bool, error) {
	if maxWait <= 0 {
		maxWait = DefaultDiagnosticsMaxWait
	}
	if idleTime <= 0 {
		idleTime = DefaultDiagnosticsIdleThreshold
	}
	ctx, rec, err := o.beginOp(ctx, "DiagnosticsIdle", filePath, "")
	if err != nil {
		return nil, false, err
	}

	server, err := o.manager.GetOrSpawn(ctx, rec.language)
	if err != nil {
		rec.finish(ctx, 0, false)
		return nil, false, fmt.Errorf("get server: %w", err)
	}

	diags, idle := server.WaitForDiagnosticsIdle(ctx, pathToURI(filePath), maxWait, idleTime, DefaultDiagnosticsPollInterval)
	rec.finish(ctx, len(diags), true)
	return diags, idle, nil
}

// Diagnostics returns the diagnostics currently cached for filePath without
// waiting. The bool is false if the server has never published for that
// URI.
func (o *Operations) Diagnostics(ctx context.Context, filePath string) ([]Diagnostic, bool, error) {
	if ctx == nil {
		return nil, false, fmt.Errorf("ctx must not be nil")
	}
	language := o.languageFromPath(filePath)
	server, err := o.manager.GetOrSpawn(ctx, language)
	if err != nil {
		return nil, false, fmt.Errorf("get server: %w", err)
	}
	diags, ok := server.Diagnostics(pathToURI(filePath))
	return diags, ok, nil
}

// OpenDocument sends textDocument/didOpen, which most servers require
// before they'll answer queries about a file.
func (o *Operations) OpenDocument(ctx context.Context, filePath, content string) error {
	if ctx == nil {
		return fmt.Errorf("ctx must not be nil")
	}
	language := o.languageFromPath(filePath)
	if language == "" {
		return fmt.Errorf("%w: no language for %s", ErrUnsupportedLanguage, filepath.Ext(filePath))
	}

	server, err := o.manager.GetOrSpawn(ctx, language)
	if err != nil {
		return fmt.Errorf("get server: %w", err)
	}

	return server.Notify("textDocument/didOpen", DidOpenTextDocumentParams{
		TextDocument: TextDocumentItem{URI: pathToURI(filePath), LanguageID: language, Version: 1, Text: content},
	})
}

// CloseDocument sends textDocument/didClose. A no-op if no server is
// currently running for filePath's language.
func (o *Operations) CloseDocument(ctx context.Context, filePath string) error {
	if ctx == nil {
		return fmt.Errorf("ctx must not be nil")
	}
	language := o.languageFromPath(filePath)
	if language == "" {
		return fmt.Errorf("%w: no language for %s", ErrUnsupportedLanguage, filepath.Ext(filePath))
	}

	server := o.manager.Get(language)
	if server == nil {
		return nil
	}
	return server.Notify("textDocument/didClose", DidCloseTextDocumentParams{TextDocument: TextDocumentIdentifier{URI: pathToURI(filePath)}})
}

// IsAvailable reports whether filePath's extension maps to a configured
// language whose server binary is installed.
func (o *Operations) IsAvailable(filePath string) bool {
	language := o.languageFromPath(filePath)
	if language == "" {
		return false
	}
	return o.manager.IsAvailable(language)
}

// URIToPath converts a file:// URI to a file path.
func (o *Operations) URIToPath(uri string) string { return uriToPath(uri) }

// PathToURI converts a file path to a file:// URI.
func (o *Operations) PathToURI(path string) string { return pathToURI(path) }

// WorkspaceEditSummary is a human-readable summary of a WorkspaceEdit, used
// to preview a rename's blast radius before applying it.
type WorkspaceEditSummary struct {
	FileCount  int
	TotalEdits int
	Files      map[string]int // file path -> edit count
}

// SummarizeWorkspaceEdit counts, per affected file, how many edits a Rename
// result would apply.
func (o *Operations) SummarizeWorkspaceEdit(edit *WorkspaceEdit) WorkspaceEditSummary {
	summary := WorkspaceEditSummary{Files: make(map[string]int)}
	if edit == nil {
		return summary
	}

	for uri, edits := range edit.Changes {
		path := uriToPath(uri)
		summary.Files[path] = len(edits)
		summary.TotalEdits += len(edits)
	}
	for _, docChange := range edit.DocumentChanges {
		path := uriToPath(docChange.TextDocument.URI)
		if _, exists := summary.Files[path]; !exists {
			summary.Files[path] = len(docChange.Edits)
			summary.TotalEdits += len(docChange.Edits)
		}
	}
	summary.FileCount = len(summary.Files)
	return summary
}

// ValidateWorkspaceEdit performs structural sanity checks on a WorkspaceEdit
// (non-empty, file:// URIs, non-negative/ordered ranges). It does not check
// whether the referenced files exist or are writable — applying the edit
// safely is the caller's responsibility.
func (o *Operations) ValidateWorkspaceEdit(edit *WorkspaceEdit) error {
	if edit == nil {
		return fmt.Errorf("workspace edit is nil")
	}
	if len(edit.Changes) == 0 && len(edit.DocumentChanges) == 0 {
		return fmt.Errorf("workspace edit has no changes")
	}

	for uri, edits := range edit.Changes {
		if !strings.HasPrefix(uri, "file://") {
			return fmt.Errorf("invalid URI scheme: %s", uri)
		}
		for i, e := range edits {
			if e.Range.Start.Line < 0 || e.Range.Start.Character < 0 {
				return fmt.Errorf("invalid range in edit %d for %s: negative position", i, uri)
			}
			if e.Range.End.Line < e.Range.Start.Line {
				return fmt.Errorf("invalid range in edit %d for %s: end before start", i, uri)
			}
		}
	}
	for _, docChange := range edit.DocumentChanges {
		uri := docChange.TextDocument.URI
		if !strings.HasPrefix(uri, "file://") {
			return fmt.Errorf("invalid URI scheme: %s", uri)
		}
		for i, e := range docChange.Edits {
			if e.Range.Start.Line < 0 || e.Range.Start.Character < 0 {
				return fmt.Errorf("invalid range in edit %d for %s: negative position", i, uri)
			}
			if e.Range.End.Line < e.Range.Start.Line {
				return fmt.Errorf("invalid range in edit %d for %s: end before start", i, uri)
			}
		}
	}
	return nil
}
