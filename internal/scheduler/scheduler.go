// Package scheduler implements the once-a-minute skill scheduler: it lists
// enabled cron-type skills, evaluates due-ness, applies failure back-off and
// pre-flight gates, and dispatches each due skill into the Conversation
// Engine as a proactive task. It also runs health probes for critical
// external collaborators and propagates Cost Monitor pauses.
//
// Grounded on internal/cron's tick-based Scheduler (due evaluation via
// NextRun/Enabled, retry tracking, execution bookkeeping), generalized from
// a fixed cron-job config list to the richer Skill model.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sablecore/aegis/internal/agent"
	"github.com/sablecore/aegis/internal/engineerr"
	"github.com/sablecore/aegis/internal/toolhost"
	"github.com/sablecore/aegis/internal/usage"
	"github.com/sablecore/aegis/pkg/models"
)

// Config controls scheduler defaults.
type Config struct {
	AgentID         string
	Cooldown        time.Duration
	HealthProbeTO   time.Duration
	HealthStatePath string
}

// DefaultConfig returns the spec's named defaults.
func DefaultConfig() Config {
	return Config{
		Cooldown:      5 * time.Minute,
		HealthProbeTO: 5 * time.Second,
	}
}

// TickResult summarizes one scheduler tick.
type TickResult struct {
	Checked  int
	Executed int
	Halted   bool
}

// healthState is the single-shot down/up notification state file, one
// entry per probe name.
type healthState struct {
	Down         bool      `json:"down"`
	Since        time.Time `json:"since,omitempty"`
	LastNotified time.Time `json:"lastNotified,omitempty"`
}

// Scheduler is the singleton skill-scheduler. Ticks never overlap: the
// caller is expected to invoke Tick from a single ticking goroutine, and
// the internal mutex additionally guards against accidental concurrent
// calls.
type Scheduler struct {
	cfg Config

	store   Store
	engine  ProactiveRunner
	tools   toolhost.Host
	notify  Notifier
	gates   map[string]PreflightGate
	health  []HealthCheck

	logger *slog.Logger
	nowFn  func() time.Time

	// usageSnapshot, when set, is consulted by RunHealthReport to persist
	// a point-in-time usage summary alongside the report's issue list.
	usageSnapshot func() map[string]*usage.Usage

	mu     sync.Mutex
	halted atomic.Bool
}

// Option configures a Scheduler at construction.
type Option func(*Scheduler)

func WithLogger(l *slog.Logger) Option { return func(s *Scheduler) { s.logger = l } }
func WithNow(f func() time.Time) Option {
	return func(s *Scheduler) { s.nowFn = f }
}
func WithHealthCheck(h HealthCheck) Option {
	return func(s *Scheduler) { s.health = append(s.health, h) }
}
func WithPreflightGate(skillName string, gate PreflightGate) Option {
	return func(s *Scheduler) { s.gates[skillName] = gate }
}

// WithUsageSnapshot configures a callback RunHealthReport uses to capture
// usage totals into the persisted health report. *agent.Engine's
// UsageSummary method satisfies this.
func WithUsageSnapshot(f func() map[string]*usage.Usage) Option {
	return func(s *Scheduler) { s.usageSnapshot = f }
}

// ProactiveRunner is the Conversation Engine's proactive-task entry point,
// narrowed to what the scheduler needs. *agent.Engine satisfies this.
type ProactiveRunner interface {
	RunProactiveTask(ctx context.Context, task agent.ProactiveTask) (*agent.TurnResult, error)
}

// New builds a Scheduler dispatching due skills into engine as proactive
// tasks, reading/writing skill state through store, and listing the tool
// catalog from tools for the auto-enable sweep.
func New(cfg Config, store Store, engine ProactiveRunner, tools toolhost.Host, notify Notifier, opts ...Option) *Scheduler {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 5 * time.Minute
	}
	if cfg.HealthProbeTO <= 0 {
		cfg.HealthProbeTO = 5 * time.Second
	}
	s := &Scheduler{
		cfg:    cfg,
		store:  store,
		engine: engine,
		tools:  tools,
		notify: notify,
		gates:  make(map[string]PreflightGate),
		logger: slog.Default(),
		nowFn:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Scheduler) now() time.Time { return s.nowFn() }

// Halt sets the global halt flag; the next Tick returns immediately with
// Halted: true. Resume clears it.
func (s *Scheduler) Halt()   { s.halted.Store(true) }
func (s *Scheduler) Resume() { s.halted.Store(false) }

// Tick runs one full scheduler pass: auto-enable sweep, health probes, due
// evaluation and dispatch. Two concurrent calls to Tick serialize on s.mu
// rather than racing the skill state.
func (s *Scheduler) Tick(ctx context.Context) (TickResult, error) {
	if s.halted.Load() {
		return TickResult{Halted: true}, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	skills, err := s.store.ListSkills(ctx, s.cfg.AgentID)
	if err != nil {
		return TickResult{}, fmt.Errorf("scheduler: list skills: %w", err)
	}

	catalog, err := s.catalogNames(ctx)
	if err != nil {
		s.logger.Warn("scheduler: catalog refresh failed, skipping auto-enable sweep", "error", err)
		catalog = nil
	}
	if catalog != nil {
		s.autoEnableSweep(ctx, skills, catalog)
	}

	s.healthProbeSweep(ctx)

	result := TickResult{Checked: len(skills)}
	now := s.now()
	prevMinuteStart := now.Truncate(time.Minute).Add(-time.Minute)

	for _, skill := range skills {
		if skill == nil || !skill.Enabled {
			continue
		}
		if s.shouldSkip(ctx, skill, now) {
			continue
		}
		due, err := skill.due(now, prevMinuteStart)
		if err != nil {
			s.logger.Warn("scheduler: trigger evaluation failed", "skill", skill.Name, "error", err)
			continue
		}
		if !due {
			continue
		}
		if gate, ok := s.gates[skill.Name]; ok {
			if skip, reason := gate(ctx, skill); skip {
				s.logger.Info("scheduler: pre-flight gate skipped skill", "skill", skill.Name, "reason", reason)
				continue
			}
		}

		s.dispatch(ctx, skill, now)
		result.Executed++
	}

	return result, nil
}

// shouldSkip applies expiration and the failure cooldown, disabling
// expired skills in place.
func (s *Scheduler) shouldSkip(ctx context.Context, skill *Skill, now time.Time) bool {
	if skill.expired(now) {
		skill.Enabled = false
		if err := s.store.UpdateSkill(ctx, skill); err != nil {
			s.logger.Warn("scheduler: disable expired skill failed", "skill", skill.Name, "error", err)
		}
		return true
	}
	if skill.inFailureCooldown(now, s.cfg.Cooldown) {
		s.logger.Info("scheduler: skill in failure cooldown", "skill", skill.Name)
		return true
	}
	if skill.TriggerKind == TriggerCron && !skill.LastRunAt.IsZero() && skill.LastRunAt.Truncate(time.Minute).Equal(now.Truncate(time.Minute)) {
		// Double-fire guard: already ran within the current minute.
		return true
	}
	return false
}

// autoEnableSweep enables any disabled skill whose required tools are all
// present in catalog. Skills with no required tools are left untouched.
func (s *Scheduler) autoEnableSweep(ctx context.Context, skills []*Skill, catalog map[string]bool) {
	for _, skill := range skills {
		if skill == nil || skill.Enabled {
			continue
		}
		if !skill.requiredToolsPresent(catalog) {
			continue
		}
		skill.Enabled = true
		if err := s.store.UpdateSkill(ctx, skill); err != nil {
			s.logger.Warn("scheduler: auto-enable failed", "skill", skill.Name, "error", err)
		}
	}
}

func (s *Scheduler) catalogNames(ctx context.Context) (map[string]bool, error) {
	if s.tools == nil {
		return map[string]bool{}, nil
	}
	descriptors, err := s.tools.ListTools(ctx)
	if err != nil {
		return nil, err
	}
	names := make(map[string]bool, len(descriptors))
	for _, d := range descriptors {
		names[d.Name] = true
	}
	return names, nil
}

// healthProbeSweep runs each registered health check and writes a
// single-shot notification on state transitions, persisted so a restart
// doesn't re-notify a steady-state failure.
func (s *Scheduler) healthProbeSweep(ctx context.Context) {
	for _, check := range s.health {
		s.probeOne(ctx, check)
	}
}

func (s *Scheduler) probeOne(ctx context.Context, check HealthCheck) {
	probeCtx, cancel := context.WithTimeout(ctx, s.cfg.HealthProbeTO)
	defer cancel()
	err := check.Probe(probeCtx)

	statePath := s.healthStatePath(check.Name)
	state := readHealthState(statePath)
	now := s.now()

	if err != nil {
		if !state.Down {
			state.Down = true
			state.Since = now
			state.LastNotified = now
			s.notifyf(ctx, "collaborator %q is down: %v", check.Name, err)
		}
	} else if state.Down {
		state.Down = false
		state.LastNotified = now
		s.notifyf(ctx, "collaborator %q has recovered", check.Name)
	}
	writeHealthState(statePath, state)
}

func (s *Scheduler) healthStatePath(name string) string {
	base := s.cfg.HealthStatePath
	if base == "" {
		base = "."
	}
	return filepath.Join(base, "health-"+name+".json")
}

func readHealthState(path string) healthState {
	data, err := os.ReadFile(path)
	if err != nil {
		return healthState{}
	}
	var st healthState
	if err := json.Unmarshal(data, &st); err != nil {
		return healthState{}
	}
	return st
}

func writeHealthState(path string, st healthState) {
	data, err := json.Marshal(st)
	if err != nil {
		return
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return
	}
	_ = os.Rename(tmp, path)
}

func (s *Scheduler) notifyf(ctx context.Context, format string, args ...any) {
	if s.notify == nil {
		return
	}
	if err := s.notify.Notify(ctx, fmt.Sprintf(format, args...)); err != nil {
		s.logger.Warn("scheduler: notification failed", "error", err)
	}
}

// dispatch runs a due skill's proactive task against the Conversation
// Engine, updates its run bookkeeping, and propagates cost-monitor pauses.
func (s *Scheduler) dispatch(ctx context.Context, skill *Skill, now time.Time) {
	channel := models.ChannelScheduler
	if skill.Channel != "" {
		channel = models.ChannelType(skill.Channel)
	}
	channelID := skill.ChannelID
	if channelID == "" {
		channelID = "skill:" + skill.Name
	}

	task := agent.ProactiveTask{
		SessionID:     "skill:" + skill.AgentID + ":" + skill.Name,
		AgentID:       skill.AgentID,
		Channel:       channel,
		ChannelID:     channelID,
		Instructions:  skill.Instructions,
		RequiredTools: skill.RequiredTools,
	}

	result, err := s.engine.RunProactiveTask(ctx, task)

	skill.LastRunAt = now
	skill.RunCount++
	if err != nil {
		skill.LastRunStatus = RunError
		skill.LastRunSummary = err.Error()
		if skill.isOneShot() {
			// One-shots that fail get exactly one more attempt after
			// cooldown, then auto-disable (next tick's expired() check
			// via MaxRuns handles the second failure).
			if skill.MaxRuns == 0 {
				skill.MaxRuns = skill.RunCount + 1
			}
		}
		s.notifyf(ctx, "skill %q failed: %v (cooldown %s)", skill.Name, err, s.cfg.Cooldown)
	} else {
		skill.LastRunStatus = RunSuccess
		skill.LastRunSummary = result.Text
		if skill.isOneShot() {
			skill.Enabled = false
		}
	}

	if skill.MaxRuns > 0 && skill.RunCount >= skill.MaxRuns {
		skill.Enabled = false
	}

	if updateErr := s.store.UpdateSkill(ctx, skill); updateErr != nil {
		s.logger.Warn("scheduler: update skill after run failed", "skill", skill.Name, "error", updateErr)
	}

	if err == nil && result != nil && result.Paused {
		s.notifyf(ctx, "agent %q paused: %s", skill.AgentID, result.PauseReason)
	}
	if err != nil && engineerr.Classify(err) == engineerr.KindPaused {
		s.notifyf(ctx, "agent %q paused, skill %q deferred", skill.AgentID, skill.Name)
	}
}
