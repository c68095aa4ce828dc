package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sablecore/aegis/internal/agent"
	"github.com/sablecore/aegis/internal/agent/providers"
	"github.com/sablecore/aegis/internal/config"
	"github.com/sablecore/aegis/internal/costmonitor"
	"github.com/sablecore/aegis/internal/diagnostics"
	"github.com/sablecore/aegis/internal/embedindex"
	"github.com/sablecore/aegis/internal/factextract"
	"github.com/sablecore/aegis/internal/jobs"
	"github.com/sablecore/aegis/internal/memory/embeddings"
	"github.com/sablecore/aegis/internal/memory/embeddings/ollama"
	"github.com/sablecore/aegis/internal/memory/embeddings/openai"
	"github.com/sablecore/aegis/internal/memstore"
	"github.com/sablecore/aegis/internal/memstore/memdb"
	"github.com/sablecore/aegis/internal/memstore/sqlitestore"
	"github.com/sablecore/aegis/internal/memstore/sqlstore"
	"github.com/sablecore/aegis/internal/models"
	"github.com/sablecore/aegis/internal/observability"
	"github.com/sablecore/aegis/internal/playbooks"
	"github.com/sablecore/aegis/internal/sessions"
	"github.com/sablecore/aegis/internal/toolhost"
	"github.com/sablecore/aegis/internal/toolhost/rpchost"
	"github.com/sablecore/aegis/internal/toolhost/static"
	"github.com/sablecore/aegis/internal/toolselect"
	"github.com/sablecore/aegis/internal/usage"
	"github.com/google/uuid"
)

// runtime bundles every collaborator cmd/aegis's subcommands construct
// from a loaded config, so serve and scheduler run can share one wiring
// path instead of duplicating it.
type runtime struct {
	cfg          *config.Config
	collaborator memstore.Collaborator
	sessionStore sessions.Store
	locker       sessions.Locker
	tools        toolhost.Host
	jobStore     jobs.Store
	embedder     embedindex.Embedder
	index        *embedindex.Index
	selector     *toolselect.Selector
	provider     agent.LLMProvider
	registry     *playbooks.Registry
	cost         *costmonitor.Monitor
	usage        *usage.Tracker
	events       *observability.EventRecorder
	engine       *agent.Engine
}

func buildRuntime(cfg *config.Config, logger *slog.Logger) (*runtime, error) {
	rt := &runtime{cfg: cfg}

	collaborator, err := newCollaborator(cfg)
	if err != nil {
		return nil, fmt.Errorf("build memory collaborator: %w", err)
	}
	rt.collaborator = collaborator

	sessionStore, locker, err := newSessionStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("build session store: %w", err)
	}
	rt.sessionStore = sessionStore
	rt.locker = locker

	rt.tools = newToolHost(cfg)
	rt.jobStore = newJobStore(cfg)

	embedder, err := newEmbedder(cfg.Embeddings)
	if err != nil {
		return nil, fmt.Errorf("build embedder: %w", err)
	}
	rt.embedder = embedder
	rt.index = embedindex.New(embedder, cfg.ToolSelection.IndexPath, cfg.Embeddings.Model)

	rt.selector = toolselect.New(toolselect.Config{
		CoreTools:           cfg.ToolSelection.CoreTools,
		MinTools:            cfg.ToolSelection.MinTools,
		SimilarityThreshold: cfg.ToolSelection.SimilarityThreshold,
		TopK:                cfg.ToolSelection.TopK,
		StickyLookback:      cfg.ToolSelection.StickyLookback,
		StickyMax:           cfg.ToolSelection.StickyMax,
		OverallCap:          cfg.ToolSelection.OverallCap,
	}, rt.index)

	provider, err := newLLMProvider(cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("build LLM provider: %w", err)
	}
	rt.provider = provider

	rt.registry = playbooks.New(rt.collaborator, cfg.Scheduler.AgentID, cfg.Playbooks.TTL)

	if cfg.Playbooks.SeedFile != "" {
		defaults, err := playbooks.LoadSeedFile(cfg.Playbooks.SeedFile)
		if err != nil {
			return nil, fmt.Errorf("load playbook seed file: %w", err)
		}
		if err := rt.registry.Seed(context.Background(), defaults); err != nil {
			return nil, fmt.Errorf("seed playbooks: %w", err)
		}
	}

	rt.cost = costmonitor.New(costmonitor.Config{
		ShortWindow:       cfg.CostMonitor.ShortWindow,
		HardCapPerHour:    cfg.CostMonitor.HardCapPerHour,
		MinBaselineTokens: cfg.CostMonitor.MinBaselineTokens,
		SpikeMultiplier:   cfg.CostMonitor.SpikeMultiplier,
	})

	rt.events = observability.NewEventRecorder(observability.NewMemoryEventStore(1000), nil)
	rt.usage = usage.NewTracker(usage.DefaultTrackerConfig())

	rt.engine = agent.NewEngine(agent.Deps{
		Provider:     rt.provider,
		Tools:        rt.tools,
		Selector:     rt.selector,
		Index:        rt.index,
		SessionStore: rt.sessionStore,
		Locker:       rt.locker,
		Registry:     rt.registry,
		CostMonitor:  rt.cost,
		UsageTracker: rt.usage,
		Profiles:     rt.collaborator,
		Facts:        rt.collaborator,
		Skills:       rt.collaborator,
		History:      embedindex.NewHistoryScorer(embedder),
		Model:        cfg.LLM.Providers[cfg.LLM.DefaultProvider].DefaultModel,
		Logger:       logger,
		Trace: diagnostics.CacheTraceConfig{
			Enabled:         cfg.Logging.TraceFile != "",
			FilePath:        cfg.Logging.TraceFile,
			IncludePrompt:   cfg.Logging.TracePrompt,
			IncludeSystem:   cfg.Logging.TraceSystem,
			IncludeMessages: cfg.Logging.TraceMessages,
		},
		AsyncTools:        cfg.ToolHost.AsyncTools,
		JobStore:          rt.jobStore,
		ProviderRateLimit: cfg.LLM.RateLimit,
		Events:            rt.events,
	}, agent.DefaultEngineConfig())

	extractor := factextract.New(factextract.DefaultConfig(), rt.sessionStore, rt.collaborator, rt.provider)
	rt.engine.SetOnIdle(extractor.OnIdle)

	return rt, nil
}

func newCollaborator(cfg *config.Config) (memstore.Collaborator, error) {
	switch cfg.Memory.Backend {
	case "sqlstore":
		store, err := sqlstore.NewFromDSN(cfg.Database.URL, &sqlstore.Config{
			MaxOpenConns:    cfg.Database.MaxConnections,
			MaxIdleConns:    cfg.Database.MaxConnections / 5,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
			ConnectTimeout:  10 * time.Second,
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	case "sqlitestore":
		return sqlitestore.New(cfg.Memory.SQLitePath)
	case "memdb":
		return memdb.New(), nil
	default:
		return nil, fmt.Errorf("unknown memory backend %q", cfg.Memory.Backend)
	}
}

func newSessionStore(cfg *config.Config) (sessions.Store, sessions.Locker, error) {
	switch cfg.Sessions.Backend {
	case "postgres":
		store, err := sessions.NewCockroachStoreFromDSN(cfg.Database.URL, &sessions.CockroachConfig{
			MaxOpenConns:    cfg.Database.MaxConnections,
			MaxIdleConns:    cfg.Database.MaxConnections / 5,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
			ConnMaxIdleTime: 2 * time.Minute,
			ConnectTimeout:  10 * time.Second,
		})
		if err != nil {
			return nil, nil, err
		}
		lockerCfg := sessions.DefaultDBLockerConfig()
		lockerCfg.OwnerID = uuid.NewString()
		locker, err := sessions.NewDBLocker(store.DB(), lockerCfg)
		if err != nil {
			return nil, nil, err
		}
		return store, locker, nil
	case "memory":
		return sessions.NewMemoryStore(), sessions.NewLocalLocker(30 * time.Second), nil
	default:
		return nil, nil, fmt.Errorf("unknown sessions backend %q", cfg.Sessions.Backend)
	}
}

func newToolHost(cfg *config.Config) toolhost.Host {
	if cfg.ToolHost.BaseURL == "" {
		return static.New()
	}
	return rpchost.New(rpchost.Config{
		BaseURL: cfg.ToolHost.BaseURL,
		Timeout: cfg.ToolHost.Timeout,
	})
}

// newJobStore backs async tool dispatch (internal/jobs). Falls back to an
// in-memory store when no database URL is configured, matching
// newSessionStore's own sqlite/memory-vs-postgres split.
func newJobStore(cfg *config.Config) jobs.Store {
	if cfg.Database.URL == "" {
		return jobs.NewMemoryStore()
	}
	store, err := jobs.NewCockroachStoreFromDSN(cfg.Database.URL, jobs.DefaultCockroachConfig())
	if err != nil {
		return jobs.NewMemoryStore()
	}
	return store
}

func newEmbedder(cfg embeddings.Config) (embedindex.Embedder, error) {
	switch cfg.Provider {
	case "ollama":
		return ollama.New(ollama.Config{BaseURL: cfg.OllamaURL, Model: cfg.Model})
	case "openai", "":
		return openai.New(openai.Config{APIKey: cfg.APIKey, BaseURL: cfg.BaseURL, Model: cfg.Model})
	default:
		return nil, fmt.Errorf("unknown embeddings provider %q", cfg.Provider)
	}
}

// newLLMProvider builds the primary provider and, if a fallback chain is
// configured, wraps it in a FailoverOrchestrator. Each FallbackChain entry
// is either a bare provider ID ("openai") or, per internal/models.ParseModelRef,
// a "provider/model" override ("openai/gpt-4o-mini") naming a specific
// model on that fallback provider instead of its configured default.
func newLLMProvider(cfg config.LLMConfig) (agent.LLMProvider, error) {
	primary, err := newNamedProvider(cfg.DefaultProvider, cfg.Providers[cfg.DefaultProvider])
	if err != nil {
		return nil, err
	}
	if len(cfg.FallbackChain) == 0 {
		return primary, nil
	}

	orchestrator := agent.NewFailoverOrchestrator(primary, agent.DefaultFailoverConfig())
	for _, ref := range cfg.FallbackChain {
		var candidate models.ModelCandidate
		if strings.Contains(ref, "/") {
			parsed := models.ParseModelRef(ref, cfg.DefaultProvider)
			candidate = *parsed
		} else {
			candidate = models.ModelCandidate{Provider: ref}
		}
		if candidate.Provider == cfg.DefaultProvider && candidate.Model == "" {
			continue
		}

		pc := cfg.Providers[candidate.Provider]
		if candidate.Model != "" {
			pc.DefaultModel = candidate.Model
		}
		fallback, err := newNamedProvider(candidate.Provider, pc)
		if err != nil {
			return nil, fmt.Errorf("fallback provider %s: %w", candidate, err)
		}
		orchestrator.AddProvider(fallback)
	}
	return orchestrator, nil
}

// watchPlaybookSeed starts a background fsnotify watch on the configured
// playbook seed file so edits made while the process is running take effect
// without a restart. No-op when no seed file is configured.
func (rt *runtime) watchPlaybookSeed(ctx context.Context, logger *slog.Logger) error {
	if rt.cfg.Playbooks.SeedFile == "" {
		return nil
	}
	path := rt.cfg.Playbooks.SeedFile
	return playbooks.WatchSeedFile(ctx, path, logger, func(ctx context.Context) error {
		defaults, err := playbooks.LoadSeedFile(path)
		if err != nil {
			return err
		}
		return rt.registry.Seed(ctx, defaults)
	})
}

func newNamedProvider(name string, pc config.LLMProviderConfig) (agent.LLMProvider, error) {
	switch name {
	case "anthropic":
		return providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey:       pc.APIKey,
			BaseURL:      pc.BaseURL,
			DefaultModel: pc.DefaultModel,
		})
	case "openai":
		return providers.NewOpenAIProvider(pc.APIKey), nil
	default:
		return nil, fmt.Errorf("unknown LLM provider %q", name)
	}
}
