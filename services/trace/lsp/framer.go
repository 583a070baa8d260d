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
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
)

// headerSeparator marks the end of the Content-Length header block.
const headerSeparator = "\r\n\r\n"

// EncodeMessage marshals v and wraps it in a Content-Length header, ready to
// be written to a server's stdin.
func EncodeMessage(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	header := fmt.Sprintf("Content-Length: %d%s", len(data), headerSeparator)
	out := make([]byte, 0, len(header)+len(data))
	out = append(out, header...)
	out = append(out, data...)
	return out, nil
}

// parseContentLength scans a header block (the bytes before the blank line)
// for a Content-Length header, case-insensitively. Unknown headers are
// ignored. ok is false if no well-formed Content-Length header was present.
func parseContentLength(headerBlock []byte) (length int, ok bool) {
	for _, line := range strings.Split(string(headerBlock), "\r\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		idx := strings.IndexByte(line, ':')
		if idx < 0 {
			continue
		}
		name := strings.TrimSpace(line[:idx])
		if !strings.EqualFold(name, "Content-Length") {
			continue
		}
		value := strings.TrimSpace(line[idx+1:])
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 {
			return 0, false
		}
		return n, true
	}
	return 0, false
}

// DecodeMessages extracts as many complete frames as are present in buf and
// returns them alongside whatever trailing bytes remain unconsumed.
//
// Behavior:
//
//   - A buffer with no complete header block (no "\r\n\r\n" yet) yields zero
//     messages and the buffer is returned unchanged, preserved for the next
//     read.
//   - A header block missing (or with a malformed) Content-Length is
//     discarded outright; parsing resumes immediately after it. This mirrors
//     the lenient behavior some LSP servers rely on.
//   - A complete header naming a body longer than what's buffered yields
//     zero messages for that frame; the buffer from the start of that header
//     onward is preserved so the next read can complete it.
//   - A frame whose body is not valid JSON is logged and dropped; parsing
//     continues with whatever follows it in the buffer.
func DecodeMessages(buf []byte) (messages []json.RawMessage, remaining []byte) {
	for {
		idx := bytes.Index(buf, []byte(headerSeparator))
		if idx < 0 {
			return messages, buf
		}

		headerBlock := buf[:idx]
		rest := buf[idx+len(headerSeparator):]

		length, ok := parseContentLength(headerBlock)
		if !ok {
			slog.Debug("lsp: discarding frame header with no valid Content-Length")
			buf = rest
			continue
		}

		if len(rest) < length {
			return messages, buf
		}

		body := rest[:length]
		buf = rest[length:]

		if !json.Valid(body) {
			slog.Warn("lsp: dropping frame with invalid JSON body", slog.Int("length", length))
			continue
		}

		messages = append(messages, append(json.RawMessage(nil), body...))
	}
}
