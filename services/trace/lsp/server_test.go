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
	"testing"
	"time"
)

func TestServer_WaitForDiagnosticsIdle_NoUpdatesReturnsAfterMaxWait(t *testing.T) {
	s := NewServer(LanguageConfig{Language: "go"}, "/tmp/test")

	start := time.Now()
	diags, idle := s.WaitForDiagnosticsIdle(context.Background(), "file:///a.go", 150*time.Millisecond, 50*time.Millisecond, 10*time.Millisecond)
	elapsed := time.Since(start)

	if idle {
		t.Error("expected idle=false when no diagnostics were ever published")
	}
	if diags != nil {
		t.Errorf("expected nil diagnostics, got %v", diags)
	}
	if elapsed < 150*time.Millisecond {
		t.Errorf("returned too early: %v", elapsed)
	}
}

func TestServer_WaitForDiagnosticsIdle_SettlesAfterLastPublish(t *testing.T) {
	s := NewServer(LanguageConfig{Language: "go"}, "/tmp/test")
	uri := "file:///a.go"

	v1, v2 := 1, 2
	s.updateDiagnostics(PublishDiagnosticsParams{URI: uri, Version: &v1, Diagnostics: []Diagnostic{{Message: "x"}}})

	go func() {
		time.Sleep(40 * time.Millisecond)
		s.updateDiagnostics(PublishDiagnosticsParams{URI: uri, Version: &v2, Diagnostics: []Diagnostic{{Message: "y"}}})
	}()

	start := time.Now()
	diags, idle := s.WaitForDiagnosticsIdle(context.Background(), uri, 1*time.Second, 100*time.Millisecond, 20*time.Millisecond)
	elapsed := time.Since(start)

	if !idle {
		t.Fatal("expected idle=true once publishing settled")
	}
	if len(diags) != 1 || diags[0].Message != "y" {
		t.Errorf("expected the version-2 payload, got %v", diags)
	}
	if elapsed < 100*time.Millisecond {
		t.Errorf("returned before the idle threshold elapsed: %v", elapsed)
	}
}

func TestServer_WaitForDiagnosticsIdle_RespectsContextCancellation(t *testing.T) {
	s := NewServer(LanguageConfig{Language: "go"}, "/tmp/test")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, idle := s.WaitForDiagnosticsIdle(ctx, "file:///a.go", 5*time.Second, 1*time.Second, 5*time.Millisecond)
	elapsed := time.Since(start)

	if idle {
		t.Error("expected idle=false when cancelled before settling")
	}
	if elapsed > 1*time.Second {
		t.Errorf("did not respect context cancellation, took %v", elapsed)
	}
}

func TestServer_EvictStaleDiagnostics_DropsPairedEntries(t *testing.T) {
	s := NewServer(LanguageConfig{Language: "go"}, "/tmp/test")
	uri := "file:///old.go"
	v := 1
	s.updateDiagnostics(PublishDiagnosticsParams{URI: uri, Version: &v, Diagnostics: []Diagnostic{{Message: "stale"}}})

	s.diagMu.Lock()
	s.lastDiagnosticUpdate[uri] = time.Now().Add(-6 * time.Minute)
	s.diagMu.Unlock()

	s.evictStaleDiagnostics(5 * time.Minute)

	if _, ok := s.Diagnostics(uri); ok {
		t.Error("expected stale diagnostics to be evicted")
	}
	s.diagMu.Lock()
	_, hasVersion := s.diagnosticVersions[uri]
	_, hasUpdate := s.lastDiagnosticUpdate[uri]
	s.diagMu.Unlock()
	if hasVersion || hasUpdate {
		t.Error("expected paired version/update entries to be evicted too")
	}
}
