package main

import (
	"context"
	"log/slog"

	"github.com/sablecore/aegis/internal/agent"
	"github.com/sablecore/aegis/internal/config"
	"github.com/sablecore/aegis/internal/cron"
	"github.com/sablecore/aegis/pkg/models"
)

// buildCronScheduler wires internal/cron's standalone fixed-job runner,
// kept alongside the Skill Scheduler for jobs that aren't agent-triggered
// (plain timed broadcasts and webhooks). Returns nil when cron is
// disabled in config; every *cron.Scheduler method is a safe no-op on a
// nil receiver.
func buildCronScheduler(cfg *config.Config, rt *runtime, logger *slog.Logger) (*cron.Scheduler, error) {
	if !cfg.Cron.Enabled {
		return nil, nil
	}

	agentID := cfg.Scheduler.AgentID

	agentRunner := cron.AgentRunnerFunc(func(ctx context.Context, job *cron.Job) error {
		task := agent.ProactiveTask{SessionID: job.ID, AgentID: agentID}
		if job.Message != nil {
			task.Channel = models.ChannelType(job.Message.Channel)
			task.ChannelID = job.Message.ChannelID
			task.Instructions = job.Message.Content
		} else {
			task.Instructions = job.Name
		}
		_, err := rt.engine.RunProactiveTask(ctx, task)
		return err
	})

	// No channel transport is wired in this scope (transport adapters are
	// out of scope), so message-type jobs are logged rather than
	// delivered anywhere.
	messageSender := cron.MessageSenderFunc(func(ctx context.Context, msg *config.CronMessageConfig) error {
		logger.Info("cron message job fired", "channel", msg.Channel, "channel_id", msg.ChannelID, "content", msg.Content)
		return nil
	})

	return cron.NewScheduler(cfg.Cron,
		cron.WithLogger(logger),
		cron.WithAgentRunner(agentRunner),
		cron.WithMessageSender(messageSender),
	)
}
