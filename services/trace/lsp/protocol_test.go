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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"
)

// blockingReader never returns, simulating a server that accepted a request
// but will never reply.
type blockingReader struct{}

func (b *blockingReader) Read(p []byte) (int, error) {
	select {}
}

func TestProtocol_WriteMessage(t *testing.T) {
	cases := []struct {
		name string
		req  Request
		want []string
	}{
		{
			name: "basic request has header and envelope",
			req:  Request{JSONRPC: "2.0", ID: 1, Method: "test"},
			want: []string{"Content-Length:", `"jsonrpc":"2.0"`, `"id":1`, `"method":"test"`},
		},
		{
			name: "params are embedded in the body",
			req:  Request{JSONRPC: "2.0", ID: 1, Method: "test", Params: map[string]string{"key": "value"}},
			want: []string{`"key":"value"`},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			p := NewProtocol(nil, &buf)
			if err := p.writeMessage(tc.req); err != nil {
				t.Fatalf("writeMessage: %v", err)
			}
			out := buf.String()
			for _, want := range tc.want {
				if !strings.Contains(out, want) {
					t.Errorf("missing %q in output: %s", want, out)
				}
			}
		})
	}
}

func TestProtocol_ReadMessage(t *testing.T) {
	t.Run("reads a well-formed message", func(t *testing.T) {
		msg := `{"jsonrpc":"2.0","id":1,"result":null}`
		input := fmt.Sprintf("Content-Length: %d\r\n\r\n%s", len(msg), msg)
		p := NewProtocol(strings.NewReader(input), nil)

		body, err := p.readMessage()
		if err != nil {
			t.Fatalf("readMessage: %v", err)
		}
		if string(body) != msg {
			t.Errorf("got %s, want %s", body, msg)
		}
	})

	t.Run("ignores headers other than Content-Length", func(t *testing.T) {
		msg := `{"jsonrpc":"2.0","id":1,"result":null}`
		input := fmt.Sprintf("Content-Length: %d\r\nContent-Type: application/json\r\n\r\n%s", len(msg), msg)
		p := NewProtocol(strings.NewReader(input), nil)

		body, err := p.readMessage()
		if err != nil {
			t.Fatalf("readMessage: %v", err)
		}
		if string(body) != msg {
			t.Errorf("got %s, want %s", body, msg)
		}
	})

	t.Run("rejects a missing Content-Length header", func(t *testing.T) {
		p := NewProtocol(strings.NewReader("\r\n{\"test\":true}"), nil)
		if _, err := p.readMessage(); err == nil {
			t.Error("expected error for missing Content-Length")
		}
	})

	t.Run("surfaces EOF on empty input", func(t *testing.T) {
		p := NewProtocol(strings.NewReader(""), nil)
		if _, err := p.readMessage(); err != io.EOF {
			t.Errorf("expected EOF, got %v", err)
		}
	})
}

func TestProtocol_HandleMessage(t *testing.T) {
	t.Run("routes a response to its pending request", func(t *testing.T) {
		p := NewProtocol(nil, nil)
		respCh := make(chan Response, 1)
		p.pendingMu.Lock()
		p.pending[42] = respCh
		p.pendingMu.Unlock()

		p.handleMessage([]byte(`{"jsonrpc":"2.0","id":42,"result":"test"}`))

		select {
		case resp := <-respCh:
			if resp.ID != 42 {
				t.Errorf("ID = %d, want 42", resp.ID)
			}
		case <-time.After(100 * time.Millisecond):
			t.Fatal("timed out waiting for routed response")
		}
	})

	t.Run("drops a response for an id nobody is waiting on", func(t *testing.T) {
		p := NewProtocol(nil, nil)
		p.handleMessage([]byte(`{"jsonrpc":"2.0","id":999,"result":"test"}`)) // must not panic
	})

	t.Run("dispatches server notifications to the registered handler", func(t *testing.T) {
		p := NewProtocol(nil, nil)
		var got []string
		var mu sync.Mutex
		p.SetNotificationHandler(func(method string, params json.RawMessage) {
			mu.Lock()
			got = append(got, method)
			mu.Unlock()
		})

		p.handleMessage([]byte(`{"jsonrpc":"2.0","method":"textDocument/publishDiagnostics","params":{}}`))

		mu.Lock()
		defer mu.Unlock()
		if len(got) != 1 || got[0] != "textDocument/publishDiagnostics" {
			t.Errorf("got %v, want one call for publishDiagnostics", got)
		}
	})

	t.Run("silently ignores notifications when no handler is set", func(t *testing.T) {
		p := NewProtocol(nil, nil)
		p.handleMessage([]byte(`{"jsonrpc":"2.0","method":"window/logMessage","params":{}}`)) // must not panic
	})
}

func TestIsMethodNotFound(t *testing.T) {
	cases := []struct {
		name string
		err  *ResponseError
		want bool
	}{
		{"nil error", nil, false},
		{"spec error code", &ResponseError{Code: -32601, Message: "boom"}, true},
		{"message-only variant", &ResponseError{Code: -32603, Message: "Unhandled method textDocument/foo"}, true},
		{"case-insensitive match", &ResponseError{Code: -32603, Message: "METHOD NOT FOUND: textDocument/foo"}, true},
		{"unrelated internal error", &ResponseError{Code: -32603, Message: "panic: nil pointer"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := isMethodNotFound(tc.err); got != tc.want {
				t.Errorf("isMethodNotFound(%+v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestProtocol_SendRequest(t *testing.T) {
	t.Run("rejects a nil context", func(t *testing.T) {
		var buf bytes.Buffer
		p := NewProtocol(nil, &buf)
		if _, err := p.SendRequest(nil, "test", nil); err == nil { //nolint:staticcheck
			t.Error("expected error for nil context")
		}
	})

	t.Run("rejects sends after Close", func(t *testing.T) {
		var buf bytes.Buffer
		p := NewProtocol(nil, &buf)
		p.Close()
		if _, err := p.SendRequest(context.Background(), "test", nil); err != ErrServerNotRunning {
			t.Errorf("expected ErrServerNotRunning, got %v", err)
		}
	})

	t.Run("times out against an unresponsive server", func(t *testing.T) {
		var buf bytes.Buffer
		p := NewProtocol(&blockingReader{}, &buf)
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		_, err := p.SendRequest(ctx, "test", nil)
		if err == nil || !strings.Contains(err.Error(), "timeout") {
			t.Errorf("expected a timeout error, got %v", err)
		}
	})

	t.Run("normalizes a method-not-found error to a null result", func(t *testing.T) {
		var buf bytes.Buffer
		p := NewProtocol(nil, &buf)

		type outcome struct {
			resp *Response
			err  error
		}
		done := make(chan outcome, 1)
		go func() {
			resp, err := p.SendRequest(context.Background(), "textDocument/foldingRange", nil)
			done <- outcome{resp, err}
		}()

		// Wait for SendRequest to register its pending channel, then reply
		// to whatever id it picked as if the server had answered.
		var id int64
		for id == 0 {
			p.pendingMu.Lock()
			for k := range p.pending {
				id = k
			}
			p.pendingMu.Unlock()
		}
		p.handleMessage([]byte(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"error":{"code":-32601,"message":"not implemented"}}`, id)))

		select {
		case out := <-done:
			if out.err != nil {
				t.Fatalf("expected no error for method-not-found, got %v", out.err)
			}
			if string(out.resp.Result) != "null" {
				t.Errorf("result = %s, want null", out.resp.Result)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for SendRequest to resolve")
		}
	})
}

func TestProtocol_SendNotification(t *testing.T) {
	t.Run("writes a notification without an id", func(t *testing.T) {
		var buf bytes.Buffer
		p := NewProtocol(nil, &buf)
		if err := p.SendNotification("initialized", struct{}{}); err != nil {
			t.Fatalf("SendNotification: %v", err)
		}
		out := buf.String()
		if !strings.Contains(out, `"method":"initialized"`) {
			t.Errorf("missing method in: %s", out)
		}
		if strings.Contains(out, `"id":`) {
			t.Errorf("notification should have no id: %s", out)
		}
	})

	t.Run("rejects sends after Close", func(t *testing.T) {
		var buf bytes.Buffer
		p := NewProtocol(nil, &buf)
		p.Close()
		if err := p.SendNotification("test", nil); err != ErrServerNotRunning {
			t.Errorf("expected ErrServerNotRunning, got %v", err)
		}
	})
}

func TestProtocol_Close(t *testing.T) {
	t.Run("fails pending requests with a synthetic error response", func(t *testing.T) {
		p := NewProtocol(nil, nil)
		respCh := make(chan Response, 1)
		p.pendingMu.Lock()
		p.pending[1] = respCh
		p.pendingMu.Unlock()

		p.Close()

		select {
		case resp, ok := <-respCh:
			if !ok {
				t.Fatal("channel closed before delivering the error response")
			}
			if resp.Error == nil || resp.Error.Code != -32099 {
				t.Errorf("expected error code -32099, got %+v", resp.Error)
			}
			if _, stillOpen := <-respCh; stillOpen {
				t.Error("expected channel to be closed after the error response")
			}
		case <-time.After(100 * time.Millisecond):
			t.Fatal("timed out waiting for Close to resolve the pending request")
		}
	})

	t.Run("is idempotent", func(t *testing.T) {
		p := NewProtocol(nil, nil)
		p.Close()
		p.Close() // must not panic
	})
}

func TestProtocol_ConcurrentNotifications(t *testing.T) {
	var buf bytes.Buffer
	p := NewProtocol(nil, &buf)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if err := p.SendNotification("test", map[string]int{"n": n}); err != nil {
				t.Errorf("SendNotification: %v", err)
			}
		}(i)
	}
	wg.Wait()

	// Each write holds writeMu for its whole framed message, so 10 concurrent
	// notifications should never interleave into a malformed frame.
	if count := strings.Count(buf.String(), `"method":"test"`); count != 10 {
		t.Errorf("expected 10 complete messages, found %d", count)
	}
}

func TestRequest_MarshalJSON(t *testing.T) {
	req := Request{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "textDocument/definition",
		Params: TextDocumentPositionParams{
			TextDocument: TextDocumentIdentifier{URI: "file:///test.go"},
			Position:     Position{Line: 10, Character: 5},
		},
	}

	var buf bytes.Buffer
	p := NewProtocol(nil, &buf)
	if err := p.writeMessage(req); err != nil {
		t.Fatalf("writeMessage: %v", err)
	}

	out := buf.String()
	for _, want := range []string{
		`"jsonrpc":"2.0"`,
		`"id":1`,
		`"method":"textDocument/definition"`,
		`"textDocument":{"uri":"file:///test.go"}`,
		`"position":{"line":10,"character":5}`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in: %s", want, out)
		}
	}
}

func TestNotification_MarshalJSON(t *testing.T) {
	notif := Notification{
		JSONRPC: "2.0",
		Method:  "textDocument/didOpen",
		Params: DidOpenTextDocumentParams{
			TextDocument: TextDocumentItem{URI: "file:///test.go", LanguageID: "go", Version: 1, Text: "package main"},
		},
	}

	var buf bytes.Buffer
	p := NewProtocol(nil, &buf)
	if err := p.writeMessage(notif); err != nil {
		t.Fatalf("writeMessage: %v", err)
	}

	out := buf.String()
	if strings.Contains(out, `"id":`) {
		t.Errorf("notification should have no id: %s", out)
	}
	if !strings.Contains(out, `"languageId":"go"`) {
		t.Errorf("missing languageId in: %s", out)
	}
}
