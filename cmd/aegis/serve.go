package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sablecore/aegis/internal/config"
	"github.com/spf13/cobra"
)

const cronStopTimeout = 10 * time.Second

func buildServeCmd() *cobra.Command {
	var configPath string
	var debug bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the agent's Conversation Engine and Skill Scheduler",
		Long: `Start the agent runtime: load configuration, connect to the memory
collaborator and session store, and run the skill scheduler's once-a-minute
tick loop in-process alongside the conversation engine.

Graceful shutdown is handled on SIGINT/SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath = resolveConfigPath(configPath)
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")

	return cmd
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})).With("component", "aegis")
	slog.SetDefault(logger)

	logger.Info("configuration loaded",
		"http_port", cfg.Server.HTTPPort,
		"llm_provider", cfg.LLM.DefaultProvider,
		"memory_backend", cfg.Memory.Backend,
		"sessions_backend", cfg.Sessions.Backend,
	)

	rt, err := buildRuntime(cfg, logger)
	if err != nil {
		return fmt.Errorf("build runtime: %w", err)
	}

	if err := rt.index.Initialize(ctx, nil); err != nil {
		logger.Warn("tool index not initialized at startup; scoring falls back until reindex-tools runs", "error", err)
	}

	sched, err := buildScheduler(cfg, rt, logger)
	if err != nil {
		return fmt.Errorf("build scheduler: %w", err)
	}

	cronSched, err := buildCronScheduler(cfg, rt, logger)
	if err != nil {
		return fmt.Errorf("build cron scheduler: %w", err)
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rt.watchPlaybookSeed(ctx, logger); err != nil {
		logger.Warn("playbook seed file watch not started", "error", err)
	}

	if cronSched != nil {
		if err := cronSched.Start(ctx); err != nil {
			return fmt.Errorf("start cron scheduler: %w", err)
		}
	}

	logger.Info("aegis runtime started", "addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.HTTPPort))

	runSchedulerTickLoop(ctx, cfg, rt, sched, logger)

	if cronSched != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), cronStopTimeout)
		defer stopCancel()
		if err := cronSched.Stop(stopCtx); err != nil {
			logger.Error("cron scheduler stop failed", "error", err)
		}
	}

	logger.Info("shutdown signal received, stopping")
	return nil
}
