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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ConfigPathEnvVar names the environment variable that, when set, names a
// config file to load ahead of any constructor-supplied or project-local
// path. See LoadClientConfig for the full priority chain.
const ConfigPathEnvVar = "LSP_SUPERVISOR_CONFIG"

// projectLocalConfigName is the filename checked in a workspace root when
// no path was supplied by the environment or the constructor.
const projectLocalConfigName = ".lspsupervisor.json"

// =============================================================================
// LANGUAGE CONFIG / REGISTRY
// =============================================================================

// LanguageConfig describes how to launch and route requests to one LSP
// server.
type LanguageConfig struct {
	// Language is the registry key (e.g. "go", "python").
	Language string

	// Command is the executable name or path.
	Command string

	// Args are command-line arguments to pass to the server.
	Args []string

	// Extensions are file extensions this server handles (e.g. ".go").
	Extensions []string

	// RootFiles are files that indicate a project root (e.g. "go.mod").
	RootFiles []string

	// InitializationOptions are custom options passed during initialize.
	InitializationOptions interface{}

	// RestartInterval, when non-zero, schedules a proactive restart of the
	// server this long after each (re)start, bounding the effect of
	// slow memory growth in long-lived language servers.
	RestartInterval time.Duration
}

// ConfigRegistry manages LSP configurations for different languages.
//
// Thread Safety: Safe for concurrent use.
type ConfigRegistry struct {
	mu         sync.RWMutex
	byLanguage map[string]LanguageConfig
	byExt      map[string]string // extension -> language
}

// NewConfigRegistry creates a registry pre-populated with the built-in
// default catalog (gopls, pyright, typescript-language-server, rust-analyzer,
// jdtls, clangd).
func NewConfigRegistry() *ConfigRegistry {
	r := &ConfigRegistry{
		byLanguage: make(map[string]LanguageConfig),
		byExt:      make(map[string]string),
	}
	for _, c := range builtinDefaults() {
		r.Register(c)
	}
	return r
}

func builtinDefaults() []LanguageConfig {
	return []LanguageConfig{
		{Language: "go", Command: "gopls", Args: []string{"serve"}, Extensions: []string{".go"}, RootFiles: []string{"go.mod", "go.sum"}},
		{Language: "python", Command: "pyright-langserver", Args: []string{"--stdio"}, Extensions: []string{".py", ".pyi"}, RootFiles: []string{"pyproject.toml", "requirements.txt", "setup.py"}},
		{Language: "typescript", Command: "typescript-language-server", Args: []string{"--stdio"}, Extensions: []string{".ts", ".tsx"}, RootFiles: []string{"tsconfig.json", "package.json"}},
		{Language: "javascript", Command: "typescript-language-server", Args: []string{"--stdio"}, Extensions: []string{".js", ".jsx", ".mjs", ".cjs"}, RootFiles: []string{"package.json", "jsconfig.json"}},
		{Language: "rust", Command: "rust-analyzer", Extensions: []string{".rs"}, RootFiles: []string{"Cargo.toml"}},
		{Language: "java", Command: "jdtls", Extensions: []string{".java"}, RootFiles: []string{"pom.xml", "build.gradle", "build.gradle.kts"}},
		{Language: "c", Command: "clangd", Extensions: []string{".c", ".h"}, RootFiles: []string{"compile_commands.json", "CMakeLists.txt", "Makefile"}},
		{Language: "cpp", Command: "clangd", Extensions: []string{".cpp", ".cc", ".cxx", ".hpp", ".hh", ".hxx"}, RootFiles: []string{"compile_commands.json", "CMakeLists.txt", "Makefile"}},
	}
}

// Register adds or updates a language configuration, replacing any existing
// entry for the same language and refreshing its extension mappings.
func (r *ConfigRegistry) Register(config LanguageConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.byLanguage[config.Language] = config
	for _, ext := range config.Extensions {
		r.byExt[ext] = config.Language
	}
}

// Get returns the configuration for a language.
func (r *ConfigRegistry) Get(language string) (LanguageConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	config, ok := r.byLanguage[language]
	return config, ok
}

// GetByExtension returns the configuration for a file extension.
func (r *ConfigRegistry) GetByExtension(ext string) (LanguageConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	lang, ok := r.byExt[ext]
	if !ok {
		return LanguageConfig{}, false
	}
	config, ok := r.byLanguage[lang]
	return config, ok
}

// Languages returns all registered language identifiers.
func (r *ConfigRegistry) Languages() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	langs := make([]string, 0, len(r.byLanguage))
	for lang := range r.byLanguage {
		langs = append(langs, lang)
	}
	return langs
}

// Extensions returns all file extensions mapped to a language.
func (r *ConfigRegistry) Extensions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	exts := make([]string, 0, len(r.byExt))
	for ext := range r.byExt {
		exts = append(exts, ext)
	}
	return exts
}

// LanguageForExtension maps a file extension to its language identifier.
func (r *ConfigRegistry) LanguageForExtension(ext string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	lang, ok := r.byExt[ext]
	return lang, ok
}

// =============================================================================
// EXTERNAL JSON CONFIG
// =============================================================================

// rawServerEntry is the on-disk shape of one server entry. It deliberately
// carries no "language" field: the wire format identifies a server by the
// extensions it claims and the command used to launch it, not by a language
// name, since a single server process (e.g. clangd) commonly serves more
// than one conventional "language".
type rawServerEntry struct {
	Extensions             []string        `json:"extensions"`
	Command                []string        `json:"command"`
	RootFiles              []string        `json:"rootFiles,omitempty"`
	RestartIntervalMinutes *float64        `json:"restartIntervalMinutes,omitempty"`
	InitializationOptions  json.RawMessage `json:"initializationOptions,omitempty"`
}

type rawConfigFile struct {
	Servers []rawServerEntry `json:"servers"`
}

// languageKeyFor derives the registry key for a user-supplied server entry.
// The external schema has no explicit language field, so the basename of
// the launched command stands in for it; this collapses neatly with the
// fact that a ServerConfig and its registry key already describe the same
// underlying process identity.
func languageKeyFor(entry rawServerEntry) string {
	if len(entry.Command) == 0 {
		return ""
	}
	return filepath.Base(entry.Command[0])
}

func (e rawServerEntry) toLanguageConfig() (LanguageConfig, error) {
	if len(e.Command) == 0 {
		return LanguageConfig{}, fmt.Errorf("server entry has no command")
	}
	cfg := LanguageConfig{
		Language:   languageKeyFor(e),
		Command:    e.Command[0],
		Args:       append([]string(nil), e.Command[1:]...),
		Extensions: append([]string(nil), e.Extensions...),
		RootFiles:  append([]string(nil), e.RootFiles...),
	}
	if e.RestartIntervalMinutes != nil {
		cfg.RestartInterval = time.Duration(*e.RestartIntervalMinutes * float64(time.Minute))
	}
	if len(e.InitializationOptions) > 0 {
		var opts interface{}
		if err := json.Unmarshal(e.InitializationOptions, &opts); err != nil {
			return LanguageConfig{}, fmt.Errorf("initializationOptions: %w", err)
		}
		cfg.InitializationOptions = opts
	}
	return cfg, nil
}

// loadConfigFile parses a config file at path. A missing file is not an
// error: it returns a nil slice so callers can fall through to the next
// link in the priority chain.
func loadConfigFile(path string) ([]LanguageConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var raw rawConfigFile
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	configs := make([]LanguageConfig, 0, len(raw.Servers))
	for _, entry := range raw.Servers {
		cfg, err := entry.toLanguageConfig()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		configs = append(configs, cfg)
	}
	return configs, nil
}

// LoadClientConfig resolves the registry that a Manager should start from,
// by walking a priority chain and merging the result over the built-in
// defaults:
//
//  1. The path named by ConfigPathEnvVar, if set.
//  2. explicitPath, if the caller supplied one.
//  3. <rootPath>/.lspsupervisor.json, if present.
//  4. The built-in defaults alone.
//
// A JSON parse failure at any link logs a warning and falls through to the
// next link rather than failing the whole chain. User-registered servers
// claim their listed extensions outright; a built-in default only
// contributes extensions no user entry already claims.
func LoadClientConfig(rootPath, explicitPath string, logf func(format string, args ...interface{})) *ConfigRegistry {
	if logf == nil {
		logf = func(string, ...interface{}) {}
	}

	candidates := []string{}
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		candidates = append(candidates, envPath)
	}
	if explicitPath != "" {
		candidates = append(candidates, explicitPath)
	}
	if rootPath != "" {
		candidates = append(candidates, filepath.Join(rootPath, projectLocalConfigName))
	}

	var userConfigs []LanguageConfig
	for _, path := range candidates {
		configs, err := loadConfigFile(path)
		if err != nil {
			logf("lsp: failed to load config %s: %v", path, err)
			continue
		}
		if configs != nil {
			userConfigs = configs
			break
		}
	}

	registry := &ConfigRegistry{
		byLanguage: make(map[string]LanguageConfig),
		byExt:      make(map[string]string),
	}

	claimed := make(map[string]bool)
	for _, cfg := range userConfigs {
		registry.Register(cfg)
		for _, ext := range cfg.Extensions {
			claimed[ext] = true
		}
	}
	for _, cfg := range builtinDefaults() {
		filtered := cfg
		filtered.Extensions = nil
		for _, ext := range cfg.Extensions {
			if !claimed[ext] {
				filtered.Extensions = append(filtered.Extensions, ext)
			}
		}
		if _, exists := registry.byLanguage[cfg.Language]; exists {
			// A user entry already registered under this exact language key;
			// leave it untouched rather than overwriting it with defaults.
			continue
		}
		if len(filtered.Extensions) == 0 && len(cfg.Extensions) > 0 {
			// Every extension this default would have served is already
			// claimed by a user server; skip registering a dead entry.
			continue
		}
		registry.Register(filtered)
	}

	return registry
}

// =============================================================================
// INSTALL HINTS
// =============================================================================

// installHints maps a substring of a server's argv[0] to a human-readable
// installation hint, surfaced when ErrServerNotInstalled is returned so
// callers can tell a user what to run instead of just "not found".
var installHints = map[string]string{
	"gopls":                      "install with: go install golang.org/x/tools/gopls@latest",
	"pyright":                    "install with: npm install -g pyright",
	"typescript-language-server": "install with: npm install -g typescript-language-server typescript",
	"rust-analyzer":              "install from: https://rust-analyzer.github.io/manual.html#installation",
	"jdtls":                      "install the Eclipse JDT Language Server: https://github.com/eclipse-jdtls/eclipse.jdt.ls",
	"clangd":                     "install clangd via your system package manager or LLVM releases",
}

// InstallHint returns an install suggestion for a server command, matched by
// substring against argv[0]; the empty string means no hint is known.
func InstallHint(command string) string {
	base := filepath.Base(command)
	for key, hint := range installHints {
		if base == key || filepathContains(base, key) {
			return hint
		}
	}
	return ""
}

func filepathContains(haystack, needle string) bool {
	return len(needle) > 0 && len(haystack) >= len(needle) && indexOf(haystack, needle) >= 0
}

func indexOf(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}

// =============================================================================
// FAMILY-DEFAULT INITIALIZATION OPTIONS
// =============================================================================

// familyInitOptions holds the initializationOptions sent to a server when
// its LanguageConfig doesn't set one explicitly, keyed by a substring match
// against the server's command. Only two families are known to need
// anything beyond an empty object.
var familyInitOptions = []struct {
	match   string
	options interface{}
}{
	{
		match: "pyright",
		options: map[string]interface{}{
			"python": map[string]interface{}{
				"analysis": map[string]interface{}{
					"autoSearchPaths":        true,
					"useLibraryCodeForTypes": true,
					"diagnosticMode":         "workspace",
				},
			},
		},
	},
	{
		match: "typescript-language-server",
		options: map[string]interface{}{
			"preferences": map[string]interface{}{
				"includeCompletionsForModuleExports": true,
			},
			"hostInfo": "aleutian-trace",
		},
	},
}

// DefaultInitializationOptions returns the family-default initializationOptions
// for a server command, or nil if the command doesn't match a known family.
// LanguageConfig.InitializationOptions always takes precedence over this.
func DefaultInitializationOptions(command string) interface{} {
	base := filepath.Base(command)
	for _, f := range familyInitOptions {
		if base == f.match || filepathContains(base, f.match) {
			return f.options
		}
	}
	return nil
}

// npxPackageManagers lists the executables checked for availability before
// an "npx <pkg>"-style command is allowed to start; without one of these on
// PATH the spawn would fail anyway, so this is surfaced as an install-hint
// error instead of a generic startup failure.
var npxPackageManagers = []string{"npm", "npx", "yarn", "pnpm"}

// ValidateCommand runs before Start incurs the cost of spawning a server.
// Only an "npx" command is checked: it requires that some node package
// manager is present on PATH, since npx itself will otherwise fail in a way
// that's indistinguishable from a missing language server. Every other
// command passes unchecked.
func ValidateCommand(lookPath func(string) (string, error), command string) error {
	if filepath.Base(command) != "npx" {
		return nil
	}
	for _, pm := range npxPackageManagers {
		if _, err := lookPath(pm); err == nil {
			return nil
		}
	}
	return fmt.Errorf("%w: npx requires a node package manager (npm, yarn, or pnpm) on PATH", ErrServerNotInstalled)
}
