// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianFOSS/services/trace/lsp"
)

var (
	rootCmd = &cobra.Command{
		Use:   "trace",
		Short: "Supervises language servers and runs code-intelligence queries against them",
		Long:  `trace spawns and multiplexes Language Server Protocol processes for a project, routing Definition, References, Hover, Rename, and diagnostics queries to whichever server handles a file's language.`,
	}

	definitionCmd = &cobra.Command{
		Use:   "definition [file] [line] [column]",
		Short: "Finds the definition of the symbol at a position",
		Args:  cobra.ExactArgs(3),
		Run:   runDefinition,
	}

	referencesCmd = &cobra.Command{
		Use:   "references [file] [line] [column]",
		Short: "Finds references to the symbol at a position",
		Args:  cobra.ExactArgs(3),
		Run:   runReferences,
	}

	hoverCmd = &cobra.Command{
		Use:   "hover [file] [line] [column]",
		Short: "Shows hover information for the symbol at a position",
		Args:  cobra.ExactArgs(3),
		Run:   runHover,
	}

	renameCmd = &cobra.Command{
		Use:   "rename [file] [line] [column] [new-name]",
		Short: "Renames the symbol at a position across the workspace",
		Args:  cobra.ExactArgs(4),
		Run:   runRename,
	}

	symbolCmd = &cobra.Command{
		Use:   "workspace-symbol [language] [query]",
		Short: "Searches a language's workspace for matching symbols",
		Args:  cobra.ExactArgs(2),
		Run:   runWorkspaceSymbol,
	}

	diagnosticsCmd = &cobra.Command{
		Use:   "diagnostics [file]",
		Short: "Reports diagnostics for a file, waiting briefly for the server to settle",
		Args:  cobra.ExactArgs(1),
		Run:   runDiagnostics,
	}

	preloadCmd = &cobra.Command{
		Use:   "preload [extension...]",
		Short: "Eagerly starts the servers that handle the given file extensions",
		Args:  cobra.MinimumNArgs(1),
		Run:   runPreload,
	}

	restartCmd = &cobra.Command{
		Use:   "restart [extension...]",
		Short: "Restarts the running servers covering the given file extensions (all of them if none given)",
		Args:  cobra.ArbitraryArgs,
		Run:   runRestart,
	}

	rootPath       string
	includeDeclRef bool
	diagMaxWait    time.Duration
	diagIdleTime   time.Duration
)

func init() {
	rootCmd.PersistentFlags().StringVar(&rootPath, "root", ".", "workspace root the servers should be started in")

	referencesCmd.Flags().BoolVar(&includeDeclRef, "include-declaration", true, "include the declaration itself among the results")

	diagnosticsCmd.Flags().DurationVar(&diagMaxWait, "max-wait", lsp.DefaultDiagnosticsMaxWait, "upper bound on how long to wait for diagnostics to settle")
	diagnosticsCmd.Flags().DurationVar(&diagIdleTime, "idle", lsp.DefaultDiagnosticsIdleThreshold, "how long diagnostics must be unchanged before they're considered settled")

	rootCmd.AddCommand(definitionCmd)
	rootCmd.AddCommand(referencesCmd)
	rootCmd.AddCommand(hoverCmd)
	rootCmd.AddCommand(renameCmd)
	rootCmd.AddCommand(symbolCmd)
	rootCmd.AddCommand(diagnosticsCmd)
	rootCmd.AddCommand(preloadCmd)
	rootCmd.AddCommand(restartCmd)
}

// withOperations builds a Client rooted at rootPath, runs fn against its
// Operations, and disposes the Client (shutting down every server it
// spawned) before returning.
func withOperations(fn func(ctx context.Context, ops *lsp.Operations) error) {
	ctx := context.Background()

	client := lsp.NewClient(rootPath, lsp.DefaultManagerConfig())
	defer func() {
		if err := client.Dispose(ctx); err != nil {
			log.Printf("trace: error disposing client: %v", err)
		}
	}()

	ops := lsp.NewOperations(client.Manager())
	if err := fn(ctx, ops); err != nil {
		log.Fatalf("trace: %v", err)
	}
}

func printJSON(v interface{}) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		log.Fatalf("trace: marshaling result: %v", err)
	}
	fmt.Println(string(out))
}

func parsePosition(lineArg, colArg string) (int, int) {
	line, err := strconv.Atoi(lineArg)
	if err != nil {
		log.Fatalf("trace: invalid line %q: %v", lineArg, err)
	}
	col, err := strconv.Atoi(colArg)
	if err != nil {
		log.Fatalf("trace: invalid column %q: %v", colArg, err)
	}
	return line, col
}

func runDefinition(cmd *cobra.Command, args []string) {
	file := args[0]
	line, col := parsePosition(args[1], args[2])

	withOperations(func(ctx context.Context, ops *lsp.Operations) error {
		locs, err := ops.Definition(ctx, file, line, col)
		if err != nil {
			return err
		}
		printJSON(locs)
		return nil
	})
}

func runReferences(cmd *cobra.Command, args []string) {
	file := args[0]
	line, col := parsePosition(args[1], args[2])

	withOperations(func(ctx context.Context, ops *lsp.Operations) error {
		locs, err := ops.References(ctx, file, line, col, includeDeclRef)
		if err != nil {
			return err
		}
		printJSON(locs)
		return nil
	})
}

func runHover(cmd *cobra.Command, args []string) {
	file := args[0]
	line, col := parsePosition(args[1], args[2])

	withOperations(func(ctx context.Context, ops *lsp.Operations) error {
		info, err := ops.Hover(ctx, file, line, col)
		if err != nil {
			return err
		}
		if info == nil {
			fmt.Println("(no hover information)")
			return nil
		}
		printJSON(info)
		return nil
	})
}

func runRename(cmd *cobra.Command, args []string) {
	file := args[0]
	line, col := parsePosition(args[1], args[2])
	newName := args[3]

	withOperations(func(ctx context.Context, ops *lsp.Operations) error {
		edit, err := ops.Rename(ctx, file, line, col, newName)
		if err != nil {
			return err
		}
		summary := ops.SummarizeWorkspaceEdit(edit)
		fmt.Printf("renamed across %d file(s), %d edit(s) total\n", summary.FileCount, summary.TotalEdits)
		printJSON(edit)
		return nil
	})
}

func runWorkspaceSymbol(cmd *cobra.Command, args []string) {
	language := args[0]
	query := args[1]

	withOperations(func(ctx context.Context, ops *lsp.Operations) error {
		symbols, err := ops.WorkspaceSymbol(ctx, language, query)
		if err != nil {
			return err
		}
		printJSON(symbols)
		return nil
	})
}

func runDiagnostics(cmd *cobra.Command, args []string) {
	file := args[0]

	withOperations(func(ctx context.Context, ops *lsp.Operations) error {
		diags, settled, err := ops.DiagnosticsIdle(ctx, file, diagMaxWait, diagIdleTime)
		if err != nil {
			return err
		}
		if !settled {
			fmt.Fprintln(os.Stderr, "trace: diagnostics had not settled before max-wait elapsed")
		}
		printJSON(diags)
		return nil
	})
}

func runPreload(cmd *cobra.Command, args []string) {
	withOperations(func(ctx context.Context, ops *lsp.Operations) error {
		ops.Manager().PreloadServers(ctx, args)
		fmt.Printf("preloaded servers for: %s\n", strings.Join(args, ", "))
		return nil
	})
}

func runRestart(cmd *cobra.Command, args []string) {
	withOperations(func(ctx context.Context, ops *lsp.Operations) error {
		restarted, err := ops.Manager().RestartServers(ctx, args)
		if err != nil {
			return err
		}
		if len(restarted) == 0 {
			fmt.Println("no running servers matched")
			return nil
		}
		fmt.Printf("restarted: %s\n", strings.Join(restarted, ", "))
		return nil
	})
}
