package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
)

// schema is applied with a small embedded runner rather than a migration
// framework, matching the teacher's own lack of one for its storage
// packages (internal/storage, internal/sessions, internal/jobs all
// apply their DDL inline).
const schema = `
CREATE TABLE IF NOT EXISTS playbooks (
	agent_id text NOT NULL,
	name text NOT NULL,
	description text NOT NULL DEFAULT '',
	keywords text NOT NULL DEFAULT '',
	priority int NOT NULL DEFAULT 0,
	instructions text NOT NULL DEFAULT '',
	required_tools text NOT NULL DEFAULT '',
	max_steps int NOT NULL DEFAULT 0,
	notify_on_completion boolean NOT NULL DEFAULT false,
	seed_hash text NOT NULL DEFAULT '',
	PRIMARY KEY (agent_id, name)
);

CREATE TABLE IF NOT EXISTS skills (
	agent_id text NOT NULL,
	name text NOT NULL,
	description text NOT NULL DEFAULT '',
	keywords text NOT NULL DEFAULT '',
	priority int NOT NULL DEFAULT 0,
	instructions text NOT NULL DEFAULT '',
	required_tools text NOT NULL DEFAULT '',
	max_steps int NOT NULL DEFAULT 0,
	notify_on_completion boolean NOT NULL DEFAULT false,
	seed_hash text NOT NULL DEFAULT '',
	trigger_kind text NOT NULL DEFAULT '',
	trigger_schedule text NOT NULL DEFAULT '',
	trigger_timezone text NOT NULL DEFAULT '',
	trigger_interval_minutes int NOT NULL DEFAULT 0,
	trigger_at timestamptz,
	enabled boolean NOT NULL DEFAULT false,
	last_run_at timestamptz,
	last_run_status text NOT NULL DEFAULT '',
	last_run_summary text NOT NULL DEFAULT '',
	execution_plan jsonb NOT NULL DEFAULT '[]',
	run_count int NOT NULL DEFAULT 0,
	max_runs int NOT NULL DEFAULT 0,
	expires_at timestamptz,
	channel text NOT NULL DEFAULT '',
	channel_id text NOT NULL DEFAULT '',
	PRIMARY KEY (agent_id, name)
);

CREATE TABLE IF NOT EXISTS facts (
	id uuid PRIMARY KEY,
	agent_id text NOT NULL,
	content text NOT NULL,
	created_at timestamptz NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS facts_agent_id_idx ON facts (agent_id, created_at DESC);

CREATE TABLE IF NOT EXISTS agent_profiles (
	agent_id text PRIMARY KEY,
	persona text NOT NULL DEFAULT '',
	timezone text NOT NULL DEFAULT ''
);
`

// Migrate applies schema. It is idempotent: every statement is
// CREATE ... IF NOT EXISTS, so re-running it against an already
// migrated database is a no-op.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("sqlstore: apply schema: %w", err)
	}
	return nil
}
