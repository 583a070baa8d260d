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
	"fmt"
	"log/slog"
)

// Client is the single entry point callers outside this package should
// use. It wraps a Manager and narrows the surface down to the handful of
// operations a downstream consumer actually needs, so that supervision
// details (quarantine, restart timers, idle eviction) stay internal.
//
// Thread Safety: Safe for concurrent use.
type Client struct {
	manager *Manager
}

// ClientOption configures NewClient.
type ClientOption func(*clientOptions)

type clientOptions struct {
	configPath string
}

// WithConfigPath supplies the constructor-path link in the config priority
// chain (see LoadClientConfig): it is tried after the ConfigPathEnvVar
// environment variable but before the project-local default.
func WithConfigPath(path string) ClientOption {
	return func(o *clientOptions) { o.configPath = path }
}

// NewClient builds a Client rooted at rootPath, resolving its language
// catalog through the config priority chain (env var, constructor path,
// project-local .lspsupervisor.json, built-in defaults) and starting the
// Manager's idle and memory-cleanup background loops.
func NewClient(rootPath string, config ManagerConfig, opts ...ClientOption) *Client {
	var o clientOptions
	for _, opt := range opts {
		opt(&o)
	}

	registry := LoadClientConfig(rootPath, o.configPath, func(format string, args ...interface{}) {
		slog.Warn("lsp: config load", slog.String("detail", fmt.Sprintf(format, args...)))
	})

	mgr := NewManager(rootPath, config)
	mgr.UseConfigs(registry)
	mgr.StartIdleMonitor()
	mgr.StartMemoryCleanup()

	return &Client{manager: mgr}
}

// GetServer returns (spawning if necessary) the running server for
// language.
func (c *Client) GetServer(ctx context.Context, language string) (*Server, error) {
	return c.manager.GetOrSpawn(ctx, language)
}

// SendRequest issues method against the server for language, spawning it
// first if needed.
func (c *Client) SendRequest(ctx context.Context, language, method string, params interface{}) (*Response, error) {
	srv, err := c.manager.GetOrSpawn(ctx, language)
	if err != nil {
		return nil, err
	}
	return srv.Request(ctx, method, params)
}

// SendNotification sends a fire-and-forget notification to the server for
// language, spawning it first if needed.
func (c *Client) SendNotification(ctx context.Context, language, method string, params interface{}) error {
	srv, err := c.manager.GetOrSpawn(ctx, language)
	if err != nil {
		return err
	}
	return srv.Notify(method, params)
}

// RestartServer shuts down and re-spawns the server for language.
func (c *Client) RestartServer(ctx context.Context, language string) (*Server, error) {
	if err := c.manager.Shutdown(ctx, language); err != nil {
		return nil, err
	}
	return c.manager.GetOrSpawn(ctx, language)
}

// RestartServers kills every running server covering one of extensions (or
// every running server, if extensions is empty) and returns the languages
// that were restarted. Replacement processes start lazily on next use.
func (c *Client) RestartServers(ctx context.Context, extensions []string) ([]string, error) {
	return c.manager.RestartServers(ctx, extensions)
}

// ClearFailedServers forgets every quarantined language so the next request
// for one attempts a fresh start instead of surfacing the cached failure.
func (c *Client) ClearFailedServers() {
	c.manager.ClearFailedServers()
}

// PreloadServers eagerly starts servers for the given file extensions.
func (c *Client) PreloadServers(ctx context.Context, extensions []string) {
	c.manager.PreloadServers(ctx, extensions)
}

// SyncFileContent pushes a file's latest content to the server that
// handles it, opening the document there if it wasn't already.
func (c *Client) SyncFileContent(ctx context.Context, path, content string) error {
	return c.manager.SyncFileContent(ctx, path, content)
}

// Dispose shuts down every running server and marks the client unusable
// for further requests.
func (c *Client) Dispose(ctx context.Context) error {
	return c.manager.Dispose(ctx)
}

// Manager exposes the underlying Manager for callers that need operations
// outside the narrow facade (e.g. constructing an Operations helper).
func (c *Client) Manager() *Manager {
	return c.manager
}
