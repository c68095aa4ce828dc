// Package sqlstore implements the memory collaborator against a
// CockroachDB/Postgres-compatible database, grounded on
// internal/sessions.CockroachStore's connection and prepared-statement
// conventions (same lib/pq driver, same DSN-building and
// wrap-every-error-with-context style).
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/sablecore/aegis/internal/agent"
	"github.com/sablecore/aegis/internal/memstore"
	"github.com/sablecore/aegis/internal/playbooks"
	"github.com/sablecore/aegis/internal/scheduler"
)

// Store implements the memory collaborator over database/sql + lib/pq.
type Store struct {
	db *sql.DB
}

// Config holds connection parameters, mirroring sessions.CockroachConfig.
type Config struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultConfig returns sensible local defaults.
func DefaultConfig() *Config {
	return &Config{
		Host:            "localhost",
		Port:            26257,
		User:            "root",
		Database:        "aegis",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// New opens a connection, verifies it with a ping, and applies the schema.
func New(cfg *Config) (*Store, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s connect_timeout=%d",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode, int(cfg.ConnectTimeout.Seconds()),
	)
	return NewFromDSN(dsn, cfg)
}

// NewFromDSN opens a connection using a raw DSN/URL and applies the schema.
func NewFromDSN(dsn string, cfg *Config) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("sqlstore: dsn is required")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlstore: ping database: %w", err)
	}
	if err := Migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error { return s.db.Close() }

// ListPlaybooks satisfies playbooks.Store.
func (s *Store) ListPlaybooks(ctx context.Context, agentID string) ([]*playbooks.Playbook, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, description, keywords, priority, instructions, required_tools, max_steps, notify_on_completion, seed_hash
		FROM playbooks WHERE agent_id = $1
	`, agentID)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: list playbooks: %w", err)
	}
	defer rows.Close()

	var out []*playbooks.Playbook
	for rows.Next() {
		p := &playbooks.Playbook{AgentID: agentID}
		var keywords, requiredTools string
		if err := rows.Scan(&p.Name, &p.Description, &keywords, &p.Priority, &p.Instructions, &requiredTools, &p.MaxSteps, &p.NotifyOnCompletion, &p.SeedHash); err != nil {
			return nil, fmt.Errorf("sqlstore: scan playbook: %w", err)
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
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, p.AgentID, p.Name, p.Description, memstore.JoinCSV(p.Keywords), p.Priority, p.Instructions, memstore.JoinCSV(p.RequiredTools), p.MaxSteps, p.NotifyOnCompletion, p.SeedHash)
	if err != nil {
		return fmt.Errorf("sqlstore: create playbook: %w", err)
	}
	return nil
}

// UpdatePlaybook satisfies playbooks.Store.
func (s *Store) UpdatePlaybook(ctx context.Context, p *playbooks.Playbook) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE playbooks SET description=$1, keywords=$2, priority=$3, instructions=$4, required_tools=$5, max_steps=$6, notify_on_completion=$7, seed_hash=$8
		WHERE agent_id=$9 AND name=$10
	`, p.Description, memstore.JoinCSV(p.Keywords), p.Priority, p.Instructions, memstore.JoinCSV(p.RequiredTools), p.MaxSteps, p.NotifyOnCompletion, p.SeedHash, p.AgentID, p.Name)
	if err != nil {
		return fmt.Errorf("sqlstore: update playbook: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("sqlstore: playbook %q not found", p.Name)
	}
	return nil
}

// DeletePlaybook removes a playbook by agent and name.
func (s *Store) DeletePlaybook(ctx context.Context, agentID, name string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM playbooks WHERE agent_id=$1 AND name=$2`, agentID, name)
	if err != nil {
		return fmt.Errorf("sqlstore: delete playbook: %w", err)
	}
	return nil
}

const skillColumns = `name, description, keywords, priority, instructions, required_tools, max_steps, notify_on_completion, seed_hash,
	trigger_kind, trigger_schedule, trigger_timezone, trigger_interval_minutes, trigger_at,
	enabled, last_run_at, last_run_status, last_run_summary, execution_plan, run_count, max_runs, expires_at, channel, channel_id`

func scanSkill(agentID string, scan func(dest ...any) error) (*scheduler.Skill, error) {
	sk := &scheduler.Skill{Playbook: playbooks.Playbook{AgentID: agentID}}
	var keywords, requiredTools, executionPlanJSON string
	var triggerAt, lastRunAt, expiresAt sql.NullTime
	if err := scan(
		&sk.Name, &sk.Description, &keywords, &sk.Priority, &sk.Instructions, &requiredTools, &sk.MaxSteps, &sk.NotifyOnCompletion, &sk.SeedHash,
		&sk.TriggerKind, &sk.TriggerConfig.Schedule, &sk.TriggerConfig.Timezone, &sk.TriggerConfig.IntervalMinutes, &triggerAt,
		&sk.Enabled, &lastRunAt, &sk.LastRunStatus, &sk.LastRunSummary, &executionPlanJSON, &sk.RunCount, &sk.MaxRuns, &expiresAt, &sk.Channel, &sk.ChannelID,
	); err != nil {
		return nil, err
	}
	sk.Keywords = memstore.SplitCSV(keywords)
	sk.RequiredTools = memstore.SplitCSV(requiredTools)
	sk.TriggerConfig.At = triggerAt.Time
	sk.LastRunAt = lastRunAt.Time
	sk.ExpiresAt = expiresAt.Time
	if executionPlanJSON != "" {
		if err := json.Unmarshal([]byte(executionPlanJSON), &sk.ExecutionPlan); err != nil {
			return nil, fmt.Errorf("sqlstore: unmarshal execution plan: %w", err)
		}
	}
	return sk, nil
}

// ListSkills satisfies scheduler.Store.
func (s *Store) ListSkills(ctx context.Context, agentID string) ([]*scheduler.Skill, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+skillColumns+` FROM skills WHERE agent_id = $1`, agentID)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: list skills: %w", err)
	}
	defer rows.Close()

	var out []*scheduler.Skill
	for rows.Next() {
		sk, err := scanSkill(agentID, rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("sqlstore: scan skill: %w", err)
		}
		out = append(out, sk)
	}
	return out, rows.Err()
}

// UpdateSkill upserts sk, satisfying scheduler.Store.
func (s *Store) UpdateSkill(ctx context.Context, sk *scheduler.Skill) error {
	plan, err := json.Marshal(sk.ExecutionPlan)
	if err != nil {
		return fmt.Errorf("sqlstore: marshal execution plan: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO skills (agent_id, `+skillColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24)
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
		return fmt.Errorf("sqlstore: update skill: %w", err)
	}
	return nil
}

// DeleteSkill removes a skill by agent and name.
func (s *Store) DeleteSkill(ctx context.Context, agentID, name string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM skills WHERE agent_id=$1 AND name=$2`, agentID, name)
	if err != nil {
		return fmt.Errorf("sqlstore: delete skill: %w", err)
	}
	return nil
}

// ListSkillSummaries satisfies agent.SkillLister.
func (s *Store) ListSkillSummaries(ctx context.Context, agentID string) ([]agent.SkillSummary, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, description FROM skills WHERE agent_id = $1 AND enabled`, agentID)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: list skill summaries: %w", err)
	}
	defer rows.Close()
	var out []agent.SkillSummary
	for rows.Next() {
		var sum agent.SkillSummary
		if err := rows.Scan(&sum.Name, &sum.Description); err != nil {
			return nil, fmt.Errorf("sqlstore: scan skill summary: %w", err)
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

// TopFacts satisfies agent.FactStore, returning the k most recent facts.
// query is currently unused; ranking beyond recency belongs to the vector
// memory search path, not this relational store.
func (s *Store) TopFacts(ctx context.Context, agentID, query string, k int) ([]string, error) {
	if k <= 0 {
		k = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT content FROM facts WHERE agent_id = $1 ORDER BY created_at DESC LIMIT $2`, agentID, k)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: top facts: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var content string
		if err := rows.Scan(&content); err != nil {
			return nil, fmt.Errorf("sqlstore: scan fact: %w", err)
		}
		out = append(out, content)
	}
	return out, rows.Err()
}

// StoreFact satisfies agent.FactStore.
func (s *Store) StoreFact(ctx context.Context, agentID, content string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO facts (id, agent_id, content, created_at) VALUES (gen_random_uuid(), $1, $2, now())`, agentID, content)
	if err != nil {
		return fmt.Errorf("sqlstore: store fact: %w", err)
	}
	return nil
}

// GetProfile satisfies agent.ProfileStore.
func (s *Store) GetProfile(ctx context.Context, agentID string) (*agent.Profile, error) {
	p := &agent.Profile{}
	err := s.db.QueryRowContext(ctx, `SELECT persona, timezone FROM agent_profiles WHERE agent_id = $1`, agentID).Scan(&p.Persona, &p.Timezone)
	if err == sql.ErrNoRows {
		return &agent.Profile{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlstore: get profile: %w", err)
	}
	return p, nil
}

// SetProfile upserts agentID's profile.
func (s *Store) SetProfile(ctx context.Context, agentID string, p *agent.Profile) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_profiles (agent_id, persona, timezone) VALUES ($1, $2, $3)
		ON CONFLICT (agent_id) DO UPDATE SET persona=excluded.persona, timezone=excluded.timezone
	`, agentID, p.Persona, p.Timezone)
	if err != nil {
		return fmt.Errorf("sqlstore: set profile: %w", err)
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
