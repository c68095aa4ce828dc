package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/sablecore/aegis/internal/config"
	"github.com/sablecore/aegis/internal/embedindex"
	"github.com/spf13/cobra"
)

func buildReindexToolsCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "reindex-tools",
		Short: "Rebuild the tool-selection vector index from the current tool catalog",
		Long: `Fetches the live tool catalog from the configured tool host, embeds
each tool's canonical text, and writes the resulting vectors to the
tool-selection index cache on disk.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReindexTools(cmd.Context(), resolveConfigPath(configPath))
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML configuration file")
	return cmd
}

func runReindexTools(ctx context.Context, configPath string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})).With("component", "reindex-tools")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	tools := newToolHost(cfg)

	embedder, err := newEmbedder(cfg.Embeddings)
	if err != nil {
		return fmt.Errorf("build embedder: %w", err)
	}

	index := embedindex.New(embedder, cfg.ToolSelection.IndexPath, cfg.Embeddings.Model)

	descriptors, err := tools.ListTools(ctx)
	if err != nil {
		return fmt.Errorf("list tools: %w", err)
	}

	catalog := make([]embedindex.Tool, 0, len(descriptors))
	for _, d := range descriptors {
		catalog = append(catalog, embedindex.Tool{Name: d.Name, Description: d.Description})
	}

	if err := index.Initialize(ctx, catalog); err != nil {
		return fmt.Errorf("index %d tools: %w", len(catalog), err)
	}

	logger.Info("tool index rebuilt", "tools", len(catalog), "path", cfg.ToolSelection.IndexPath)
	return nil
}
