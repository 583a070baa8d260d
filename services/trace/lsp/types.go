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

import "encoding/json"

// =============================================================================
// BASIC STRUCTURES
// =============================================================================

// Position is a zero-indexed line/character offset within a document.
type Position struct {
	Line      int `json:"line"`
	Character int `json:"character"`
}

// Range spans from Start (inclusive) to End (exclusive).
type Range struct {
	Start Position `json:"start"`
	End   Position `json:"end"`
}

// Location identifies a range within a document identified by URI.
type Location struct {
	URI   string `json:"uri"`
	Range Range  `json:"range"`
}

// LocationLink is the richer alternative to Location some servers return
// for textDocument/definition and similar requests.
type LocationLink struct {
	OriginSelectionRange *Range `json:"originSelectionRange,omitempty"`
	TargetURI            string `json:"targetUri"`
	TargetRange          Range  `json:"targetRange"`
	TargetSelectionRange Range  `json:"targetSelectionRange"`
}

// TextDocumentIdentifier identifies a document by URI only.
type TextDocumentIdentifier struct {
	URI string `json:"uri"`
}

// VersionedTextDocumentIdentifier identifies a document at a specific version.
type VersionedTextDocumentIdentifier struct {
	URI     string `json:"uri"`
	Version int    `json:"version"`
}

// TextDocumentItem is the full payload sent on textDocument/didOpen.
type TextDocumentItem struct {
	URI        string `json:"uri"`
	LanguageID string `json:"languageId"`
	Version    int    `json:"version"`
	Text       string `json:"text"`
}

// TextDocumentPositionParams pairs a document with a position inside it.
type TextDocumentPositionParams struct {
	TextDocument TextDocumentIdentifier `json:"textDocument"`
	Position     Position               `json:"position"`
}

// TextEdit replaces Range with NewText.
type TextEdit struct {
	Range   Range  `json:"range"`
	NewText string `json:"newText"`
}

// =============================================================================
// DOCUMENT SYNC NOTIFICATIONS
// =============================================================================

// DidOpenTextDocumentParams is the payload for textDocument/didOpen.
type DidOpenTextDocumentParams struct {
	TextDocument TextDocumentItem `json:"textDocument"`
}

// DidCloseTextDocumentParams is the payload for textDocument/didClose.
type DidCloseTextDocumentParams struct {
	TextDocument TextDocumentIdentifier `json:"textDocument"`
}

// TextDocumentContentChangeEvent describes one full-document replacement.
//
// Only whole-document sync (TextDocumentSyncKindFull) is produced by this
// package; Range and RangeLength are omitted so servers negotiate full sync.
type TextDocumentContentChangeEvent struct {
	Text string `json:"text"`
}

// DidChangeTextDocumentParams is the payload for textDocument/didChange.
type DidChangeTextDocumentParams struct {
	TextDocument   VersionedTextDocumentIdentifier  `json:"textDocument"`
	ContentChanges []TextDocumentContentChangeEvent `json:"contentChanges"`
}

// =============================================================================
// DIAGNOSTICS
// =============================================================================

// DiagnosticSeverity mirrors the LSP DiagnosticSeverity enum.
type DiagnosticSeverity int

const (
	DiagnosticSeverityError       DiagnosticSeverity = 1
	DiagnosticSeverityWarning     DiagnosticSeverity = 2
	DiagnosticSeverityInformation DiagnosticSeverity = 3
	DiagnosticSeverityHint        DiagnosticSeverity = 4
)

// Diagnostic describes a single problem reported by a server.
type Diagnostic struct {
	Range    Range              `json:"range"`
	Severity DiagnosticSeverity `json:"severity,omitempty"`
	Code     json.RawMessage    `json:"code,omitempty"`
	Source   string             `json:"source,omitempty"`
	Message  string             `json:"message"`
}

// PublishDiagnosticsParams is the payload of a textDocument/publishDiagnostics
// notification sent by the server.
type PublishDiagnosticsParams struct {
	URI         string       `json:"uri"`
	Version     *int         `json:"version,omitempty"`
	Diagnostics []Diagnostic `json:"diagnostics"`
}

// =============================================================================
// REFERENCES
// =============================================================================

// ReferenceContext controls whether the declaration itself is included.
type ReferenceContext struct {
	IncludeDeclaration bool `json:"includeDeclaration"`
}

// ReferenceParams is the payload for textDocument/references.
type ReferenceParams struct {
	TextDocumentPositionParams
	Context ReferenceContext `json:"context"`
}

// =============================================================================
// HOVER
// =============================================================================

// MarkupContent holds formatted hover/documentation text.
type MarkupContent struct {
	Kind  string `json:"kind"`
	Value string `json:"value"`
}

// HoverResult is the result of a textDocument/hover request.
type HoverResult struct {
	Contents MarkupContent `json:"contents"`
	Range    *Range        `json:"range,omitempty"`
}

// =============================================================================
// RENAME
// =============================================================================

// RenameParams is the payload for textDocument/rename.
type RenameParams struct {
	TextDocumentPositionParams
	NewName string `json:"newName"`
}

// PrepareRenameParams is the payload for textDocument/prepareRename.
type PrepareRenameParams struct {
	TextDocumentPositionParams
}

// PrepareRenameResult reports whether, and where, a rename can occur.
type PrepareRenameResult struct {
	Range       Range  `json:"range"`
	Placeholder string `json:"placeholder,omitempty"`
}

// TextDocumentEdit groups edits to a single versioned document, used inside
// WorkspaceEdit.DocumentChanges.
type TextDocumentEdit struct {
	TextDocument VersionedTextDocumentIdentifier `json:"textDocument"`
	Edits        []TextEdit                      `json:"edits"`
}

// WorkspaceEdit is the result of textDocument/rename: a set of edits across
// one or more files. The caller applies these; this package never does.
type WorkspaceEdit struct {
	Changes         map[string][]TextEdit `json:"changes,omitempty"`
	DocumentChanges []TextDocumentEdit    `json:"documentChanges,omitempty"`
}

// =============================================================================
// WORKSPACE SYMBOL
// =============================================================================

// SymbolKind mirrors the LSP SymbolKind enum (partial, the values this
// package's callers actually consume).
type SymbolKind int

const (
	SymbolKindFile          SymbolKind = 1
	SymbolKindModule        SymbolKind = 2
	SymbolKindNamespace     SymbolKind = 3
	SymbolKindPackage       SymbolKind = 4
	SymbolKindClass         SymbolKind = 5
	SymbolKindMethod        SymbolKind = 6
	SymbolKindProperty      SymbolKind = 7
	SymbolKindField         SymbolKind = 8
	SymbolKindConstructor   SymbolKind = 9
	SymbolKindEnum          SymbolKind = 10
	SymbolKindInterface     SymbolKind = 11
	SymbolKindFunction      SymbolKind = 12
	SymbolKindVariable      SymbolKind = 13
	SymbolKindConstant      SymbolKind = 14
	SymbolKindString        SymbolKind = 15
	SymbolKindNumber        SymbolKind = 16
	SymbolKindBoolean       SymbolKind = 17
	SymbolKindArray         SymbolKind = 18
)

// WorkspaceSymbolParams is the payload for workspace/symbol.
type WorkspaceSymbolParams struct {
	Query string `json:"query"`
}

// SymbolInformation describes one workspace symbol match.
type SymbolInformation struct {
	Name          string     `json:"name"`
	Kind          SymbolKind `json:"kind"`
	Location      Location   `json:"location"`
	ContainerName string     `json:"containerName,omitempty"`
}

// =============================================================================
// INITIALIZE
// =============================================================================

// WorkspaceFolder names one root folder handed to the server at startup.
type WorkspaceFolder struct {
	URI  string `json:"uri"`
	Name string `json:"name"`
}

// DefinitionCapabilities advertises textDocument/definition support.
type DefinitionCapabilities struct {
	DynamicRegistration bool `json:"dynamicRegistration,omitempty"`
	LinkSupport         bool `json:"linkSupport,omitempty"`
}

// ReferencesCapabilities advertises textDocument/references support.
type ReferencesCapabilities struct {
	DynamicRegistration bool `json:"dynamicRegistration,omitempty"`
}

// HoverCapabilities advertises textDocument/hover support.
type HoverCapabilities struct {
	DynamicRegistration bool     `json:"dynamicRegistration,omitempty"`
	ContentFormat       []string `json:"contentFormat,omitempty"`
}

// RenameCapabilities advertises textDocument/rename support.
type RenameCapabilities struct {
	DynamicRegistration bool `json:"dynamicRegistration,omitempty"`
	PrepareSupport      bool `json:"prepareSupport,omitempty"`
}

// TextDocumentSyncClientCapabilities advertises document-sync behavior.
type TextDocumentSyncClientCapabilities struct {
	DynamicRegistration bool `json:"dynamicRegistration,omitempty"`
	WillSave            bool `json:"willSave,omitempty"`
	DidSave             bool `json:"didSave,omitempty"`
}

// PublishDiagnosticsClientCapabilities advertises diagnostics handling.
type PublishDiagnosticsClientCapabilities struct {
	RelatedInformation bool `json:"relatedInformation,omitempty"`
	VersionSupport     bool `json:"versionSupport,omitempty"`
}

// TextDocumentClientCapabilities groups the per-feature capability blocks
// the client advertises during initialize.
type TextDocumentClientCapabilities struct {
	Synchronization    *TextDocumentSyncClientCapabilities  `json:"synchronization,omitempty"`
	Definition         *DefinitionCapabilities              `json:"definition,omitempty"`
	References         *ReferencesCapabilities              `json:"references,omitempty"`
	Hover              *HoverCapabilities                   `json:"hover,omitempty"`
	Rename             *RenameCapabilities                  `json:"rename,omitempty"`
	PublishDiagnostics *PublishDiagnosticsClientCapabilities `json:"publishDiagnostics,omitempty"`
}

// WorkspaceEditClientCapabilities advertises workspace-edit support.
type WorkspaceEditClientCapabilities struct {
	DocumentChanges bool `json:"documentChanges,omitempty"`
}

// WorkspaceSymbolClientCapabilities advertises workspace/symbol support.
type WorkspaceSymbolClientCapabilities struct {
	DynamicRegistration bool `json:"dynamicRegistration,omitempty"`
}

// WorkspaceClientCapabilities groups workspace-wide capability blocks.
type WorkspaceClientCapabilities struct {
	ApplyEdit     bool                               `json:"applyEdit,omitempty"`
	WorkspaceEdit *WorkspaceEditClientCapabilities    `json:"workspaceEdit,omitempty"`
	Symbol        *WorkspaceSymbolClientCapabilities  `json:"symbol,omitempty"`
}

// ClientCapabilities is the top-level capabilities block sent in
// InitializeParams.
type ClientCapabilities struct {
	TextDocument TextDocumentClientCapabilities `json:"textDocument"`
	Workspace    WorkspaceClientCapabilities     `json:"workspace"`
}

// InitializeParams is the payload of the initialize request.
type InitializeParams struct {
	ProcessID             int                 `json:"processId"`
	ClientInfo            *ClientInfo         `json:"clientInfo,omitempty"`
	RootURI               string              `json:"rootUri"`
	RootPath              string              `json:"rootPath,omitempty"`
	Capabilities          ClientCapabilities  `json:"capabilities"`
	WorkspaceFolders      []WorkspaceFolder   `json:"workspaceFolders,omitempty"`
	InitializationOptions interface{}         `json:"initializationOptions,omitempty"`
}

// ClientInfo identifies this process to the server during initialize.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// providerField holds either a bool or a provider-options object, matching
// the LSP convention that capability fields may be `bool | T`.
type providerField = interface{}

// ServerCapabilities is the opaque-ish capabilities snapshot reported by the
// server during initialize. The four providers this package routes requests
// through are typed; anything else is preserved only in RawJSON.
type ServerCapabilities struct {
	DefinitionProvider providerField `json:"definitionProvider,omitempty"`
	ReferencesProvider providerField `json:"referencesProvider,omitempty"`
	HoverProvider      providerField `json:"hoverProvider,omitempty"`
	RenameProvider     providerField `json:"renameProvider,omitempty"`

	// RawJSON preserves the full capabilities object as received, so
	// callers can inspect capability paths this type doesn't name.
	RawJSON json.RawMessage `json:"-"`
}

func isTruthyProvider(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	default:
		return true
	}
}

// HasDefinitionProvider reports whether the server supports go-to-definition.
func (c ServerCapabilities) HasDefinitionProvider() bool { return isTruthyProvider(c.DefinitionProvider) }

// HasReferencesProvider reports whether the server supports find-references.
func (c ServerCapabilities) HasReferencesProvider() bool { return isTruthyProvider(c.ReferencesProvider) }

// HasHoverProvider reports whether the server supports hover.
func (c ServerCapabilities) HasHoverProvider() bool { return isTruthyProvider(c.HoverProvider) }

// HasRenameProvider reports whether the server supports rename.
func (c ServerCapabilities) HasRenameProvider() bool { return isTruthyProvider(c.RenameProvider) }

// UnmarshalJSON captures the raw capabilities object alongside the typed
// fields, so CapabilityPath can resolve nested fields this type doesn't name.
func (c *ServerCapabilities) UnmarshalJSON(data []byte) error {
	type alias ServerCapabilities
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*c = ServerCapabilities(a)
	c.RawJSON = append(json.RawMessage(nil), data...)
	return nil
}

// CapabilityPath resolves a dotted path of object keys within the raw
// capabilities snapshot (e.g. "workspace", "workspaceEdit", "documentChanges")
// and reports whether it is present and truthy. Missing intermediate keys,
// non-object intermediate values, and an absent snapshot all resolve false.
func (c ServerCapabilities) CapabilityPath(path ...string) bool {
	if len(c.RawJSON) == 0 {
		return false
	}
	cur := json.RawMessage(c.RawJSON)
	for _, key := range path {
		var m map[string]json.RawMessage
		if err := json.Unmarshal(cur, &m); err != nil {
			return false
		}
		v, ok := m[key]
		if !ok {
			return false
		}
		cur = v
	}
	var b bool
	if err := json.Unmarshal(cur, &b); err == nil {
		return b
	}
	return len(cur) > 0 && string(cur) != "null"
}

// InitializeResult is the result of the initialize request.
type InitializeResult struct {
	Capabilities ServerCapabilities `json:"capabilities"`
}
