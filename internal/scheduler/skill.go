package scheduler

import (
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/sablecore/aegis/internal/playbooks"
)

// RunStatus is the outcome of a skill's last execution.
type RunStatus string

const (
	RunNever   RunStatus = "never-run"
	RunSuccess RunStatus = "success"
	RunError   RunStatus = "error"
)

// TriggerKind identifies how a skill's due-ness is evaluated.
type TriggerKind string

const (
	TriggerCron     TriggerKind = "cron-expression"
	TriggerInterval TriggerKind = "interval-minutes"
	TriggerAt       TriggerKind = "fire-at-absolute"
	TriggerIn       TriggerKind = "fire-in-relative"
	TriggerKeyword  TriggerKind = "keyword-event"
)

// TriggerConfig holds the union of fields any trigger kind may need. Only
// the fields relevant to Kind are consulted by due().
type TriggerConfig struct {
	Schedule         string // cron expression, 5-field
	Timezone         string
	IntervalMinutes  int
	At               time.Time
	InMinutes        int
}

// ExecutionStep is one entry of an optional deterministic execution plan,
// allowing a skill to run without an LLM round trip.
type ExecutionStep struct {
	Tool string
	Args map[string]any
}

// Skill is a Playbook augmented with scheduling metadata and execution
// bookkeeping. It is the unit the scheduler ticks over.
type Skill struct {
	playbooks.Playbook

	TriggerKind   TriggerKind
	TriggerConfig TriggerConfig

	Enabled bool

	LastRunAt      time.Time
	LastRunStatus  RunStatus
	LastRunSummary string

	ExecutionPlan []ExecutionStep

	RunCount  int
	MaxRuns   int
	ExpiresAt time.Time

	// Channel/ChannelID route the dispatched proactive task; both empty
	// means the skill runs against the agent's own scheduler-internal
	// session.
	Channel   string
	ChannelID string
}

// requiredToolsPresent reports whether every entry in RequiredTools exists
// in catalog.
func (s *Skill) requiredToolsPresent(catalog map[string]bool) bool {
	if len(s.RequiredTools) == 0 {
		return false
	}
	for _, t := range s.RequiredTools {
		if !catalog[t] {
			return false
		}
	}
	return true
}

func (s *Skill) expired(now time.Time) bool {
	if !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt) {
		return true
	}
	if s.MaxRuns > 0 && s.RunCount >= s.MaxRuns {
		return true
	}
	return false
}

func (s *Skill) inFailureCooldown(now time.Time, cooldown time.Duration) bool {
	if s.LastRunStatus != RunError {
		return false
	}
	return now.Sub(s.LastRunAt) < cooldown
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// due evaluates whether the skill should fire during the minute containing
// now, per the trigger kind. prevMinuteStart is the start of the minute
// preceding now's minute, used for the cron "next fire after previous
// minute start falls in current minute" rule.
func (s *Skill) due(now, prevMinuteStart time.Time) (bool, error) {
	switch s.TriggerKind {
	case TriggerCron:
		loc := time.UTC
		if tz := strings.TrimSpace(s.TriggerConfig.Timezone); tz != "" {
			if parsed, err := time.LoadLocation(tz); err == nil {
				loc = parsed
			}
		}
		schedule, err := cronParser.Parse(s.TriggerConfig.Schedule)
		if err != nil {
			return false, err
		}
		next := schedule.Next(prevMinuteStart.In(loc))
		currentMinuteStart := now.In(loc).Truncate(time.Minute)
		nextMinuteEnd := currentMinuteStart.Add(time.Minute)
		return !next.Before(currentMinuteStart) && next.Before(nextMinuteEnd), nil

	case TriggerAt:
		return !s.TriggerConfig.At.IsZero() && !now.Before(s.TriggerConfig.At), nil

	case TriggerIn:
		// Treated identically to TriggerAt once resolved: callers resolve
		// InMinutes into TriggerConfig.At at creation time so a restart
		// doesn't reset the countdown.
		return !s.TriggerConfig.At.IsZero() && !now.Before(s.TriggerConfig.At), nil

	case TriggerKeyword:
		// Keyword-event skills are never due on a tick; they fire from
		// playbook matching during a live turn, not the scheduler.
		return false, nil

	default:
		interval := s.TriggerConfig.IntervalMinutes
		if interval <= 0 {
			interval = 1440
		}
		if s.LastRunAt.IsZero() {
			return true, nil
		}
		return now.Sub(s.LastRunAt) >= time.Duration(interval)*time.Minute, nil
	}
}

func (s *Skill) isOneShot() bool {
	return s.TriggerKind == TriggerAt || s.TriggerKind == TriggerIn
}
