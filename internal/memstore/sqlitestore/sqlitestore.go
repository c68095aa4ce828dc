// Package sqlitestore implements the memory collaborator against a local
// SQLite file, for single-node deployments that don't run a
// Postgres-compatible cluster. Schema and query shape mirror sqlstore;
// only placeholder syntax and a handful of type affinities differ.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/google/uuid"
	"github.com/sablecore/aegis/internal/agent"
	"github.com/sablecore/aegis/internal/memstore"
	"github.com/sablecore/aegis/internal/playbooks"
	"github.com/sablecore/aegis/internal/scheduler"
)

// Store implements the memory collaborator over database/sql +
// modernc.org/sqlite.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS playbooks (
	agent_id TEXT NOT NULL,
	name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	keywords TEXT NOT NULL DEFAULT '',
	priority INTEGER NOT NULL DEFAULT 0,
	instructions TEXT NOT NULL DEFAULT '',
	required_tools TEXT NOT NULL DEFAULT '',
	max_steps INTEGER NOT NULL DEFAULT 0,
	notify_on_completion INTEGER NOT NULL DEFAULT 0,
	seed_hash TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (agent_id, name)
);

CREATE TABLE IF NOT EXISTS skills (
	agent_id TEXT NOT NULL,
	name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	keywords TEXT NOT NULL DEFAULT '',
	priority INTEGER NOT NULL DEFAULT 0,
	instructions TEXT NOT NULL DEFAULT '',
	required_tools TEXT NOT NULL DEFAULT '',
	max_steps INTEGER NOT NULL DEFAULT 0,
	notify_on_completion INTEGER NOT NULL DEFAULT 0,
	seed_hash TEXT NOT NULL DEFAULT '',
	trigger_kind TEXT NOT NULL DEFAULT '',
	trigger_schedule TEXT NOT NULL DEFAULT '',
	trigger_timezone TEXT NOT NULL DEFAULT '',
	trigger_interval_minutes INTEGER NOT NULL DEFAULT 0,
	trigger_at DATETIME,
	enabled INTEGER NOT NULL DEFAULT 0,
	last_run_at DATETIME,
	last_run_status TEXT NOT NULL DEFAULT '',
	last_run_summary TEXT NOT NULL DEFAULT '',
	execution_plan TEXT NOT NULL DEFAULT '[]',
	run_count INTEGER NOT NULL DEFAULT 0,
	max_runs INTEGER NOT NULL DEFAULT 0,
	expires_at DATETIME,
	channel TEXT NOT NULL DEFAULT '',
	channel_id TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (agent_id, name)
);

CREATE TABLE IF NOT EXISTS facts (
	id TEXT PRIMARY KEY,
	agent_id TEXT NOT NULL,
	content TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS facts_agent_id_idx ON facts (agent_id, created_at DESC);

CREATE TABLE IF NOT EXISTS agent_profiles (
	agent_id TEXT PRIMARY KEY,
	persona TEXT NOT NULL DEFAULT '',
	timezone TEXT NOT NULL DEFAULT ''
);
`

// New opens (creating if absent) a SQLite database file at path and
// applies the schema.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers; avoid pool contention.
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlitestore: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database file.
func (s *Store) Close() error { return s.db.Close() }

// ListPlaybooks satisfies playbooks.Store.
func (s *Store) ListPlaybooks(ctx context.Context, agentID string) ([]*playbooks.Playbook, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, description, keywords, priority, instructions, required_tools, max_steps, notify_on_completion, seed_hash
		FROM playbooks WHERE agent_id = ?
	`, agentID)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: list playbooks: %w", err)
	}
	defer rows.Close()

	var out []*playbooks.Playbook
	for rows.Next() {
		p := &playbooks.Playbook{AgentID: agentID}
		var keywords, requiredTools string
		if err := rows.Scan(&p.Name, &p.Description, &keywords, &p.Priority, &p.Instructions, &requiredTools, &p.MaxSteps, &p.NotifyOnCompletion, &p.SeedHash); err != nil {
			return nil, fmt.Errorf("sqlitestore: scan playbook: %w", err)
		}
		p.Keywords = memstore.SplitCSV(keywords)
		p.RequiredTools = memstore.SplitCSV(requiredTools)
		out = append(out, p)
	}
	return out, rows.Err()
}

// CreatePlaybook satisfies playbooks.Store.
func (s *Store) CreatePlaybook(ctx context.Context, p *playbooks.Playbook) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO playbooks (agent_id, name, description, keywords, priority, instructions, required_tools, max_steps, notify_on_completion, seed_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.AgentID, p.Name, p.Description, memstore.JoinCSV(p.Keywords), p.Priority, p.Instructions, memstore.JoinCSV(p.RequiredTools), p.MaxSteps, p.NotifyOnCompletion, p.SeedHash)
	if err != nil {
		return fmt.Errorf("sqlitestore: create playbook: %w", err)
	}
	return nil
}

// UpdatePlaybook satisfies playbooks.Store.
func (s *Store) UpdatePlaybook(ctx context.Context, p *playbooks.Playbook) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE playbooks SET description=?, keywords=?, priority=?, instructions=?, required_tools=?, max_steps=?, notify_on_completion=?, seed_hash=?
		WHERE agent_id=? AND name=?
	`, p.Description, memstore.JoinCSV(p.Keywords), p.Priority, p.Instructions, memstore.JoinCSV(p.RequiredTools), p.MaxSteps, p.NotifyOnCompletion, p.SeedHash, p.AgentID, p.Name)
	if err != nil {
		return fmt.Errorf("sqlitestore: update playbook: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("sqlitestore: playbook %q not found", p.Name)
	}
	return nil
}

// DeletePlaybook removes a playbook by agent and name.
func (s *Store) DeletePlaybook(ctx context.Context, agentID, name string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM playbooks WHERE agent_id=? AND name=?`, agentID, name)
	if err != nil {
		return fmt.Errorf("sqlitestore: delete playbook: %w", err)
	}
	return nil
}

const skillSelect = `name, description, keywords, priority, instructions, required_tools, max_steps, notify_on_completion, seed_hash,
	trigger_kind, trigger_schedule, trigger_timezone, trigger_interval_minutes, trigger_at,
	enabled, last_run_at, last_run_status, last_run_summary, execution_plan, run_count, max_runs, expires_at, channel, channel_id`

func scanSkill(agentID string, scan func(dest ...any) error) (*scheduler.Skill, error) {
	sk := &scheduler.Skill{Playbook: playbooks.Playbook{AgentID: agentID}}
	var keywords, requiredTools, executionPlanJSON string
	var triggerAt, lastRunAt, expiresAt sql.NullTime
	var enabled, notify int
	if err := scan(
		&sk.Name, &sk.Description, &keywords, &sk.Priority, &sk.Instructions, &requiredTools, &sk.MaxSteps, &notify, &sk.SeedHash,
		&sk.TriggerKind, &sk.TriggerConfig.Schedule, &sk.TriggerConfig.Timezone, &sk.TriggerConfig.IntervalMinutes, &triggerAt,
		&enabled, &lastRunAt, &sk.LastRunStatus, &sk.LastRunSummary, &executionPlanJSON, &sk.RunCount, &sk.MaxRuns, &expiresAt, &sk.Channel, &sk.ChannelID,
	); err != nil {
		return nil, err
	}
	sk.Keywords = memstore.SplitCSV(keywords)
	sk.RequiredTools = memstore.SplitCSV(requiredTools)
	sk.NotifyOnCompletion = notify != 0
	sk.Enabled = enabled != 0
	sk.TriggerConfig.At = triggerAt.Time
	sk.LastRunAt = lastRunAt.Time
	sk.ExpiresAt = expiresAt.Time
	if executionPlanJSON != "" {
		if err := json.Unmarshal([]byte(executionPlanJSON), &sk.ExecutionPlan); err != nil {
			return nil, fmt.Errorf("sqlitestore: unmarshal execution plan: %w", err)
		}
	}
	return sk, nil
}

// ListSkills satisfies scheduler.Store.
func (s *Store) ListSkills(ctx context.Context, agentID string) ([]*scheduler.Skill, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+skillSelect+` FROM skills WHERE agent_id = ?`, agentID)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: list skills: %w", err)
	}
	defer rows.Close()

	var out []*scheduler.Skill
	for rows.Next() {
		sk, err := scanSkill(agentID, rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("sqlitestore: scan skill: %w", err)
		}
		out = append(out, sk)
	}
	return out, rows.Err()
}

// UpdateSkill upserts sk, satisfying scheduler.Store.
func (s *Store) UpdateSkill(ctx context.Context, sk *scheduler.Skill) error {
	plan, err := json.Marshal(sk.ExecutionPlan)
	if err != nil {
		return fmt.Errorf("sqlitestore: marshal execution plan: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO skills (agent_id, `+skillSelect+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (agent_id, name) DO UPDATE SET
			description=excluded.description, keywords=excluded.keywords, priority=excluded.priority,
			instructions=excluded.instructions, required_tools=excluded.required_tools, max_steps=excluded.max_steps,
			notify_on_completion=excluded.notify_on_completion, seed_hash=excluded.seed_hash,
			trigger_kind=excluded.trigger_kind, trigger_schedule=excluded.trigger_schedule, trigger_timezone=excluded.trigger_timezone,
			trigger_interval_minutes=excluded.trigger_interval_minutes, trigger_at=excluded.trigger_at,
			enabled=excluded.enabled, last_run_at=excluded.last_run_at, last_run_status=excluded.last_run_status,
			last_run_summary=excluded.last_run_summary, execution_plan=excluded.execution_plan, run_count=excluded.run_count,
			max_runs=excluded.max_runs, expires_at=excluded.expires_at, channel=excluded.channel, channel_id=excluded.channel_id
	`, sk.AgentID, sk.Name, sk.Description, memstore.JoinCSV(sk.Keywords), sk.Priority, sk.Instructions, memstore.JoinCSV(sk.RequiredTools), sk.MaxSteps, sk.NotifyOnCompletion, sk.SeedHash,
		sk.TriggerKind, sk.TriggerConfig.Schedule, sk.TriggerConfig.Timezone, sk.TriggerConfig.IntervalMinutes, nullableTime(sk.TriggerConfig.At),
		sk.Enabled, nullableTime(sk.LastRunAt), sk.LastRunStatus, sk.LastRunSummary, string(plan), sk.RunCount, sk.MaxRuns, nullableTime(sk.ExpiresAt), sk.Channel, sk.ChannelID)
	if err != nil {
		return fmt.Errorf("sqlitestore: update skill: %w", err)
	}
	return nil
}

// DeleteSkill removes a skill by agent and name.
func (s *Store) DeleteSkill(ctx context.Context, agentID, name string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM skills WHERE agent_id=? AND name=?`, agentID, name)
	if err != nil {
		return fmt.Errorf("sqlitestore: delete skill: %w", err)
	}
	return nil
}

// ListSkillSummaries satisfies agent.SkillLister.
func (s *Store) ListSkillSummaries(ctx context.Context, agentID string) ([]agent.SkillSummary, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, description FROM skills WHERE agent_id = ? AND enabled`, agentID)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: list skill summaries: %w", err)
	}
	defer rows.Close()
	var out []agent.SkillSummary
	for rows.Next() {
		var sum agent.SkillSummary
		if err := rows.Scan(&sum.Name, &sum.Description); err != nil {
			return nil, fmt.Errorf("sqlitestore: scan skill summary: %w", err)
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

// TopFacts satisfies agent.FactStore.
func (s *Store) TopFacts(ctx context.Context, agentID, query string, k int) ([]string, error) {
	if k <= 0 {
		k = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT content FROM facts WHERE agent_id = ? ORDER BY created_at DESC LIMIT ?`, agentID, k)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: top facts: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var content string
		if err := rows.Scan(&content); err != nil {
			return nil, fmt.Errorf("sqlitestore: scan fact: %w", err)
		}
		out = append(out, content)
	}
	return out, rows.Err()
}

// StoreFact satisfies agent.FactStore.
func (s *Store) StoreFact(ctx context.Context, agentID, content string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO facts (id, agent_id, content, created_at) VALUES (?, ?, ?, CURRENT_TIMESTAMP)`, uuid.NewString(), agentID, content)
	if err != nil {
		return fmt.Errorf("sqlitestore: store fact: %w", err)
	}
	return nil
}

// GetProfile satisfies agent.ProfileStore.
func (s *Store) GetProfile(ctx context.Context, agentID string) (*agent.Profile, error) {
	p := &agent.Profile{}
	err := s.db.QueryRowContext(ctx, `SELECT persona, timezone FROM agent_profiles WHERE agent_id = ?`, agentID).Scan(&p.Persona, &p.Timezone)
	if err == sql.ErrNoRows {
		return &agent.Profile{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: get profile: %w", err)
	}
	return p, nil
}

// SetProfile upserts agentID's profile.
func (s *Store) SetProfile(ctx context.Context, agentID string, p *agent.Profile) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_profiles (agent_id, persona, timezone) VALUES (?, ?, ?)
		ON CONFLICT (agent_id) DO UPDATE SET persona=excluded.persona, timezone=excluded.timezone
	`, agentID, p.Persona, p.Timezone)
	if err != nil {
		return fmt.Errorf("sqlitestore: set profile: %w", err)
	}
	return nil
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

var _ memstore.Collaborator = (*Store)(nil)
