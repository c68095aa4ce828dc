package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sablecore/aegis/internal/memory/embeddings"
)

// Config is the root configuration structure for the agent runtime.
type Config struct {
	Version       int                 `yaml:"version"`
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	LLM           LLMConfig           `yaml:"llm"`
	Embeddings    embeddings.Config   `yaml:"embeddings"`
	ToolSelection ToolSelectionConfig `yaml:"tool_selection"`
	CostMonitor   CostMonitorConfig   `yaml:"cost_monitor"`
	Playbooks     PlaybooksConfig     `yaml:"playbooks"`
	Scheduler     SchedulerConfig     `yaml:"scheduler"`
	Sessions      SessionsConfig      `yaml:"sessions"`
	Memory        MemoryStoreConfig   `yaml:"memory"`
	ToolHost      ToolHostConfig      `yaml:"tool_host"`
	Cron          CronConfig          `yaml:"cron"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// Per-concern config types (ServerConfig, DatabaseConfig, LLMConfig,
// ToolSelectionConfig, CostMonitorConfig, PlaybooksConfig, SchedulerConfig,
// SessionsConfig, MemoryStoreConfig, CronConfig, LoggingConfig, and friends)
// live in the other config_*.go files in this package.

// Load reads and parses the configuration file, resolving $include
// directives (internal/config/loader.go) before decoding.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, err
	}

	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}

	if err := ValidateVersion(cfg.Version); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	applyServerDefaults(&cfg.Server)
	applyDatabaseDefaults(&cfg.Database)
	applyLLMDefaults(&cfg.LLM)
	applyEmbeddingsDefaults(&cfg.Embeddings)
	applyToolSelectionDefaults(&cfg.ToolSelection)
	applyCostMonitorDefaults(&cfg.CostMonitor)
	applyPlaybooksDefaults(&cfg.Playbooks)
	applySchedulerDefaults(&cfg.Scheduler)
	applySessionsDefaults(&cfg.Sessions)
	applyMemoryStoreDefaults(&cfg.Memory)
	applyToolHostDefaults(&cfg.ToolHost)
	applyLoggingDefaults(&cfg.Logging)
}

func applyServerDefaults(cfg *ServerConfig) {
	if cfg.Host == "" {
		cfg.Host = "0.0.0.0"
	}
	if cfg.HTTPPort == 0 {
		cfg.HTTPPort = 8080
	}
	if cfg.MetricsPort == 0 {
		cfg.MetricsPort = 9090
	}
}

func applyDatabaseDefaults(cfg *DatabaseConfig) {
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = 25
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
}

func applyLLMDefaults(cfg *LLMConfig) {
	if cfg.DefaultProvider == "" {
		cfg.DefaultProvider = "anthropic"
	}
}

func applyEmbeddingsDefaults(cfg *embeddings.Config) {
	if cfg.Provider == "" {
		cfg.Provider = "openai"
	}
	if cfg.Model == "" {
		cfg.Model = "text-embedding-3-small"
	}
}

func applyToolSelectionDefaults(cfg *ToolSelectionConfig) {
	if cfg.IndexPath == "" {
		cfg.IndexPath = "aegis-tool-index.json"
	}
	if cfg.MinTools == 0 {
		cfg.MinTools = 3
	}
	if cfg.SimilarityThreshold == 0 {
		cfg.SimilarityThreshold = 0.3
	}
	if cfg.TopK == 0 {
		cfg.TopK = 8
	}
	if cfg.StickyLookback == 0 {
		cfg.StickyLookback = 5
	}
	if cfg.StickyMax == 0 {
		cfg.StickyMax = 4
	}
	if cfg.OverallCap == 0 {
		cfg.OverallCap = 16
	}
}

func applyCostMonitorDefaults(cfg *CostMonitorConfig) {
	if cfg.ShortWindow == 0 {
		cfg.ShortWindow = 2
	}
	if cfg.HardCapPerHour == 0 {
		cfg.HardCapPerHour = 500_000
	}
	if cfg.MinBaselineTokens == 0 {
		cfg.MinBaselineTokens = 500
	}
	if cfg.SpikeMultiplier == 0 {
		cfg.SpikeMultiplier = 3.0
	}
}

func applyPlaybooksDefaults(cfg *PlaybooksConfig) {
	if cfg.TTL == 0 {
		cfg.TTL = 5 * time.Minute
	}
}

func applySchedulerDefaults(cfg *SchedulerConfig) {
	if cfg.AgentID == "" {
		cfg.AgentID = "default"
	}
	if cfg.Cooldown == 0 {
		cfg.Cooldown = time.Minute
	}
	if cfg.HealthProbeTimeout == 0 {
		cfg.HealthProbeTimeout = 10 * time.Second
	}
}

func applySessionsDefaults(cfg *SessionsConfig) {
	if cfg.Backend == "" {
		cfg.Backend = "postgres"
	}
}

func applyMemoryStoreDefaults(cfg *MemoryStoreConfig) {
	if cfg.Backend == "" {
		cfg.Backend = "sqlstore"
	}
	if cfg.Backend == "sqlitestore" && cfg.SQLitePath == "" {
		cfg.SQLitePath = "aegis.db"
	}
}

func applyToolHostDefaults(cfg *ToolHostConfig) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "info"
	}
	if cfg.Format == "" {
		cfg.Format = "json"
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("AEGIS_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("AEGIS_HTTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.HTTPPort = port
		}
	}
	if v := os.Getenv("AEGIS_METRICS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.MetricsPort = port
		}
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		setProviderAPIKey(cfg, "anthropic", v)
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		setProviderAPIKey(cfg, "openai", v)
	}
	if v := os.Getenv("AEGIS_EMBEDDINGS_API_KEY"); v != "" {
		cfg.Embeddings.APIKey = v
	}
}

func setProviderAPIKey(cfg *Config, provider, key string) {
	if cfg.LLM.Providers == nil {
		cfg.LLM.Providers = make(map[string]LLMProviderConfig)
	}
	entry := cfg.LLM.Providers[provider]
	entry.APIKey = key
	cfg.LLM.Providers[provider] = entry
}

// ConfigValidationError aggregates every validation issue found in a
// configuration file so an operator sees all of them in one pass.
type ConfigValidationError struct {
	Issues []string
}

func (e *ConfigValidationError) Error() string {
	if len(e.Issues) == 1 {
		return fmt.Sprintf("invalid configuration: %s", e.Issues[0])
	}
	return fmt.Sprintf("invalid configuration (%d issues): %s", len(e.Issues), strings.Join(e.Issues, "; "))
}

func validateConfig(cfg *Config) error {
	var issues []string

	if strings.TrimSpace(cfg.LLM.DefaultProvider) != "" {
		if _, ok := cfg.LLM.Providers[cfg.LLM.DefaultProvider]; !ok {
			issues = append(issues, fmt.Sprintf("llm.default_provider %q has no matching entry under llm.providers", cfg.LLM.DefaultProvider))
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Sessions.Backend)) {
	case "postgres", "memory":
	default:
		issues = append(issues, "sessions.backend must be \"postgres\" or \"memory\"")
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Memory.Backend)) {
	case "sqlstore", "sqlitestore", "memdb":
	default:
		issues = append(issues, "memory.backend must be \"sqlstore\", \"sqlitestore\", or \"memdb\"")
	}

	if cfg.Sessions.Backend == "postgres" && strings.TrimSpace(cfg.Database.URL) == "" {
		issues = append(issues, "database.url is required when sessions.backend is \"postgres\"")
	}
	if cfg.Memory.Backend == "sqlstore" && strings.TrimSpace(cfg.Database.URL) == "" {
		issues = append(issues, "database.url is required when memory.backend is \"sqlstore\"")
	}

	if cfg.ToolSelection.MinTools < 0 {
		issues = append(issues, "tool_selection.min_tools must not be negative")
	}
	if cfg.ToolSelection.SimilarityThreshold < 0 || cfg.ToolSelection.SimilarityThreshold > 1 {
		issues = append(issues, "tool_selection.similarity_threshold must be between 0 and 1")
	}

	if cfg.CostMonitor.HardCapPerHour < 0 {
		issues = append(issues, "cost_monitor.hard_cap_per_hour must not be negative")
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Level)) {
	case "debug", "info", "warn", "error":
	default:
		issues = append(issues, "logging.level must be \"debug\", \"info\", \"warn\", or \"error\"")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Format)) {
	case "json", "text":
	default:
		issues = append(issues, "logging.format must be \"json\" or \"text\"")
	}

	if cfg.Cron.Enabled {
		for i, job := range cfg.Cron.Jobs {
			if strings.TrimSpace(job.ID) == "" {
				issues = append(issues, fmt.Sprintf("cron.jobs[%d].id is required", i))
			}
			if strings.TrimSpace(job.Type) == "" {
				issues = append(issues, fmt.Sprintf("cron.jobs[%d].type is required", i))
			}
			if strings.TrimSpace(job.Schedule.Cron) == "" && job.Schedule.Every == 0 && strings.TrimSpace(job.Schedule.At) == "" {
				issues = append(issues, fmt.Sprintf("cron.jobs[%d].schedule is required", i))
			}
			switch strings.ToLower(strings.TrimSpace(job.Type)) {
			case "webhook":
				if job.Webhook == nil || strings.TrimSpace(job.Webhook.URL) == "" {
					issues = append(issues, fmt.Sprintf("cron.jobs[%d].webhook.url is required for webhook jobs", i))
				}
			case "message", "agent", "custom":
			default:
				issues = append(issues, fmt.Sprintf("cron.jobs[%d].type must be message, agent, webhook, or custom", i))
			}
		}
	}

	if len(issues) > 0 {
		return &ConfigValidationError{Issues: issues}
	}

	return nil
}
