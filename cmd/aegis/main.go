// Package main provides the CLI entry point for the Aegis execution engine.
//
// Aegis runs one agent's Conversation Engine, Tool Selector, Skill
// Scheduler and memory collaborator as a single process against a
// Postgres/CockroachDB-compatible database (or, for local development, an
// embedded sqlite file or pure in-memory store).
//
// # Basic Usage
//
//	aegis serve --config aegis.yaml
//	aegis scheduler run --config aegis.yaml
//	aegis migrate --config aegis.yaml
//	aegis reindex-tools --config aegis.yaml
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultConfigPath = "aegis.yaml"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "aegis",
		Short: "Aegis - single-agent execution engine",
		Long: `Aegis runs one agent's Conversation Engine, Tool Selector, Skill Scheduler
and memory collaborator as a single process.

Supported LLM providers: Anthropic (Claude), OpenAI (GPT)`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildSchedulerCmd(),
		buildMigrateCmd(),
		buildReindexToolsCmd(),
	)

	return rootCmd
}

func resolveConfigPath(path string) string {
	if strings.TrimSpace(path) == "" {
		if env := strings.TrimSpace(os.Getenv("AEGIS_CONFIG")); env != "" {
			return env
		}
		return defaultConfigPath
	}
	return path
}
