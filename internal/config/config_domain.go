package config

import "time"

// ToolSelectionConfig configures internal/toolselect's per-turn tool
// subset selection: which tools are always present, how many a turn may
// carry, and how aggressively embedding similarity narrows the rest.
type ToolSelectionConfig struct {
	CoreTools           []string `yaml:"core_tools"`
	MinTools            int      `yaml:"min_tools"`
	SimilarityThreshold float64  `yaml:"similarity_threshold"`
	TopK                int      `yaml:"top_k"`
	StickyLookback      int      `yaml:"sticky_lookback"`
	StickyMax           int      `yaml:"sticky_max"`
	OverallCap          int      `yaml:"overall_cap"`

	// IndexPath is where internal/embedindex persists its tool-vector
	// cache between runs.
	IndexPath string `yaml:"index_path"`
}

// CostMonitorConfig configures internal/costmonitor's runaway-spend gate.
type CostMonitorConfig struct {
	ShortWindow       int     `yaml:"short_window"`
	HardCapPerHour    int64   `yaml:"hard_cap_per_hour"`
	MinBaselineTokens int64   `yaml:"min_baseline_tokens"`
	SpikeMultiplier   float64 `yaml:"spike_multiplier"`
}

// PlaybooksConfig configures internal/playbooks.Registry's refresh cadence.
type PlaybooksConfig struct {
	TTL time.Duration `yaml:"ttl"`

	// SeedFile, when set, is loaded at startup and re-applied via
	// Registry.Seed whenever the file changes on disk.
	SeedFile string `yaml:"seed_file"`
}

// SchedulerConfig configures internal/scheduler's tick defaults.
type SchedulerConfig struct {
	AgentID            string        `yaml:"agent_id"`
	Cooldown           time.Duration `yaml:"cooldown"`
	HealthProbeTimeout time.Duration `yaml:"health_probe_timeout"`
	HealthStatePath    string        `yaml:"health_state_path"`
}

// SessionsConfig selects internal/sessions' storage backend.
type SessionsConfig struct {
	// Backend is "postgres" (internal/sessions.CockroachStore, using
	// Database.URL) or "memory" (internal/sessions.MemoryStore).
	Backend string `yaml:"backend"`
}

// MemoryStoreConfig selects the memory collaborator's storage backend.
type MemoryStoreConfig struct {
	// Backend is "sqlstore" (Postgres/CockroachDB, using Database.URL),
	// "sqlitestore" (single file at SQLitePath), or "memdb" (in-process,
	// no persistence).
	Backend    string `yaml:"backend"`
	SQLitePath string `yaml:"sqlite_path"`
}

// ToolHostConfig selects internal/toolhost's backend. An empty BaseURL
// means tools run in-process via internal/toolhost/static; a non-empty
// BaseURL means they run behind a sidecar reached via
// internal/toolhost/rpchost.
type ToolHostConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`

	// AsyncTools names tools the Conversation Engine dispatches as a
	// background internal/jobs.Job instead of blocking the turn.
	AsyncTools []string `yaml:"async_tools"`
}
