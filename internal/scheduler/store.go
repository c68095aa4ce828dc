package scheduler

import "context"

// Store is the memory collaborator's skill surface. internal/memstore
// implementations satisfy this alongside playbooks.Store.
type Store interface {
	ListSkills(ctx context.Context, agentID string) ([]*Skill, error)
	UpdateSkill(ctx context.Context, s *Skill) error
}

// Notifier delivers a single-shot or per-failure human-readable message,
// e.g. to a configured ops channel. Grounded on cron.MessageSender's
// send-a-rendered-string contract.
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// NotifierFunc adapts a function to a Notifier.
type NotifierFunc func(ctx context.Context, text string) error

// Notify calls f.
func (f NotifierFunc) Notify(ctx context.Context, text string) error { return f(ctx, text) }

// HealthCheck is a named probe for a critical external collaborator.
type HealthCheck struct {
	Name  string
	Probe func(ctx context.Context) error
}

// PreflightGate decides whether a skill should be skipped this tick despite
// being otherwise due, e.g. a meeting-prep skill with no events today.
type PreflightGate func(ctx context.Context, s *Skill) (skip bool, reason string)
