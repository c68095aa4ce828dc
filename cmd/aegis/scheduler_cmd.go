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
	"github.com/sablecore/aegis/internal/diagnostics"
	"github.com/sablecore/aegis/internal/scheduler"
	"github.com/spf13/cobra"
)

const (
	healthReportInterval    = 6 * time.Hour
	weeklySynthesisInterval = 7 * 24 * time.Hour
)

func buildSchedulerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scheduler",
		Short: "Manage the skill scheduler",
	}
	cmd.AddCommand(buildSchedulerRunCmd())
	return cmd
}

func buildSchedulerRunCmd() *cobra.Command {
	var configPath string
	var once bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the skill scheduler's tick loop standalone, without the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath = resolveConfigPath(configPath)
			return runSchedulerLoop(cmd.Context(), configPath, once)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML configuration file")
	cmd.Flags().BoolVar(&once, "once", false, "Run a single tick and exit instead of looping")

	return cmd
}

func runSchedulerLoop(ctx context.Context, configPath string, once bool) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})).With("component", "scheduler")
	slog.SetDefault(logger)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	rt, err := buildRuntime(cfg, logger)
	if err != nil {
		return fmt.Errorf("build runtime: %w", err)
	}

	sched, err := buildScheduler(cfg, rt, logger)
	if err != nil {
		return fmt.Errorf("build scheduler: %w", err)
	}

	if once {
		result, err := sched.Tick(ctx)
		if err != nil {
			return fmt.Errorf("scheduler tick: %w", err)
		}
		logger.Info("tick complete", "checked", result.Checked, "executed", result.Executed, "halted", result.Halted)
		return nil
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rt.watchPlaybookSeed(ctx, logger); err != nil {
		logger.Warn("playbook seed file watch not started", "error", err)
	}

	runSchedulerTickLoop(ctx, cfg, rt, sched, logger)
	logger.Info("shutdown signal received, stopping")
	return nil
}

// runSchedulerTickLoop drives the once-a-minute skill tick plus the two
// periodic additional jobs (weekly fact synthesis, 6h health report)
// until ctx is canceled. Shared between "aegis serve" and
// "aegis scheduler run" so neither reimplements the cadence.
func runSchedulerTickLoop(ctx context.Context, cfg *config.Config, rt *runtime, sched *scheduler.Scheduler, logger *slog.Logger) {
	tickTicker := time.NewTicker(time.Minute)
	defer tickTicker.Stop()
	healthTicker := time.NewTicker(healthReportInterval)
	defer healthTicker.Stop()
	synthesisTicker := time.NewTicker(weeklySynthesisInterval)
	defer synthesisTicker.Stop()

	probes := diagnostics.HealthProbes{
		ProviderName: rt.provider.Name(),
		ModelCount:   func() int { return len(rt.provider.Models()) },
		EmbedderName: rt.embedder.Name(),
		Embed: func(ctx context.Context, text string) error {
			_, err := rt.embedder.Embed(ctx, text)
			return err
		},
		AgentID: cfg.Scheduler.AgentID,
		GetProfile: func(ctx context.Context, agentID string) error {
			_, err := rt.collaborator.GetProfile(ctx, agentID)
			return err
		},
	}
	checks := []scheduler.DiagnosticCheck{
		{Name: "llm_provider", Check: probes.CheckProvider},
		{Name: "embedder", Check: probes.CheckEmbedder},
		{Name: "memory_collaborator", Check: probes.CheckMemory},
	}

	logger.Info("scheduler loop started", "agent_id", cfg.Scheduler.AgentID)

	for {
		select {
		case <-ctx.Done():
			return
		case <-tickTicker.C:
			if _, err := sched.Tick(ctx); err != nil {
				logger.Error("scheduler tick failed", "error", err)
			}
		case <-healthTicker.C:
			if err := sched.RunHealthReport(ctx, checks); err != nil {
				logger.Error("health report failed", "error", err)
			}
		case <-synthesisTicker.C:
			if err := sched.RunWeeklySynthesis(ctx, cfg.Scheduler.AgentID); err != nil {
				logger.Error("weekly synthesis failed", "error", err)
			}
		}
	}
}

// buildScheduler wires internal/scheduler.New against an already-built
// runtime, translating the config's SchedulerConfig field names into
// scheduler.Config's.
func buildScheduler(cfg *config.Config, rt *runtime, logger *slog.Logger) (*scheduler.Scheduler, error) {
	schedCfg := scheduler.Config{
		AgentID:         cfg.Scheduler.AgentID,
		Cooldown:        cfg.Scheduler.Cooldown,
		HealthProbeTO:   cfg.Scheduler.HealthProbeTimeout,
		HealthStatePath: cfg.Scheduler.HealthStatePath,
	}

	notify := scheduler.NotifierFunc(func(ctx context.Context, text string) error {
		logger.Warn("scheduler notification", "text", text)
		return nil
	})

	sched := scheduler.New(schedCfg, rt.collaborator, rt.engine, rt.tools, notify,
		scheduler.WithLogger(logger),
		scheduler.WithUsageSnapshot(rt.engine.UsageSummary),
	)

	return sched, nil
}
