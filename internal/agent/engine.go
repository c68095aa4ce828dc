package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sablecore/aegis/internal/costmonitor"
	"github.com/sablecore/aegis/internal/diagnostics"
	"github.com/sablecore/aegis/internal/engineerr"
	"github.com/sablecore/aegis/internal/jobs"
	modelcatalog "github.com/sablecore/aegis/internal/models"
	"github.com/sablecore/aegis/internal/observability"
	"github.com/sablecore/aegis/internal/playbooks"
	"github.com/sablecore/aegis/internal/ratelimit"
	"github.com/sablecore/aegis/internal/sessions"
	"github.com/sablecore/aegis/internal/toolhost"
	"github.com/sablecore/aegis/internal/toolselect"
	"github.com/sablecore/aegis/internal/usage"
	"github.com/sablecore/aegis/pkg/models"
)

// EngineConfig holds the Conversation Engine's tunables, all defaulted in
// NewEngine.
type EngineConfig struct {
	MinInterCallInterval    time.Duration
	CatalogTTL              time.Duration
	MaxSteps                int
	GenerationDeadline      time.Duration
	IdleFactExtractionDelay time.Duration
	HistoryWindowCap        int
	RecentExchangesVerbatim int
	TopKFacts               int
	TemperatureCap          float64
	ToolScoreTempThreshold  float64
	CircuitBreakerThreshold int
	ProactiveFactMaxChars   int
}

// DefaultEngineConfig returns the engine's documented default tunables.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MinInterCallInterval:    time.Second,
		CatalogTTL:              10 * time.Minute,
		MaxSteps:                8,
		GenerationDeadline:      90 * time.Second,
		IdleFactExtractionDelay: 5 * time.Minute,
		HistoryWindowCap:        20,
		RecentExchangesVerbatim: 3,
		TopKFacts:               5,
		TemperatureCap:          0.3,
		ToolScoreTempThreshold:  0.6,
		CircuitBreakerThreshold: 5,
		ProactiveFactMaxChars:   500,
	}
}

// Profile is the agent persona surfaced in the system prompt.
type Profile struct {
	Persona  string
	Timezone string
}

// ProfileStore resolves an agent's profile. Grounded by the memory
// collaborator's agent-profile surface (out of scope per the external
// interfaces contract; callers supply an adapter).
type ProfileStore interface {
	GetProfile(ctx context.Context, agentID string) (*Profile, error)
}

// FactStore resolves and stores an agent's long-term memory facts.
type FactStore interface {
	TopFacts(ctx context.Context, agentID, query string, k int) ([]string, error)
	StoreFact(ctx context.Context, agentID, content string) error
}

// SkillSummary is a description-only listing entry for an available skill,
// included in the system prompt without its full instructions.
type SkillSummary struct {
	Name        string
	Description string
}

// SkillLister resolves the description-only skill listing for a turn.
type SkillLister interface {
	ListSkillSummaries(ctx context.Context, agentID string) ([]SkillSummary, error)
}

// HistoryIndex scores older turns by similarity to the current message, for
// history-window selection. internal/embedindex.Index can back this via a
// thin adapter since its ScoreMessage signature takes arbitrary text keys
// rather than tool names.
type HistoryIndex interface {
	ScoreTexts(ctx context.Context, query string, candidates []string) (map[string]float64, error)
}

// ProactiveTask is a skill-triggered invocation of the engine with no
// transport delivery and no user message; the skill's instructions stand
// in for the user turn.
type ProactiveTask struct {
	SessionID     string
	AgentID       string
	Channel       models.ChannelType
	ChannelID     string
	Instructions  string
	RequiredTools []string
}

// TurnInput is one user-originated turn.
type TurnInput struct {
	SessionID   string
	AgentID     string
	Channel     models.ChannelType
	ChannelID   string
	UserMessage string
}

// TurnResult is the engine's per-turn outcome.
type TurnResult struct {
	Text        string
	ToolsUsed   []string
	Steps       int
	Paused      bool
	PauseReason string
}

// breakerState tracks the circuit breaker's consecutive-failure counter.
// The counter decrements (does not reset) on each successful turn and trips
// at CircuitBreakerThreshold consecutive failures; once tripped it stays
// tripped until process restart.
type breakerState struct {
	mu               sync.Mutex
	consecutiveFails int
	tripped          bool
}

func (b *breakerState) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.consecutiveFails > 0 {
		b.consecutiveFails--
	}
}

func (b *breakerState) recordFailure(threshold int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFails++
	if b.consecutiveFails >= threshold {
		b.tripped = true
	}
}

func (b *breakerState) isTripped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tripped
}

// Engine runs one user turn end-to-end: prompt assembly from session,
// profile, retrieved memories and matched playbooks; model invocation;
// native tool-call execution; the resilience protocol; persistence; and
// idle fact-extraction scheduling.
type Engine struct {
	provider LLMProvider
	tools    toolhost.Host
	selector *toolselect.Selector
	index    toolselect.Index

	sessionStore sessions.Store
	locker       sessions.Locker
	registry     *playbooks.Registry
	costMonitor  *costmonitor.Monitor
	usageTracker *usage.Tracker
	profiles     ProfileStore
	facts        FactStore
	skills       SkillLister
	history      HistoryIndex

	config      EngineConfig
	model       string
	logger      *slog.Logger
	traceConfig diagnostics.CacheTraceConfig

	executor        *ToolExecutor
	providerLimiter *ratelimit.Bucket
	events          *observability.EventRecorder

	mu                 sync.Mutex
	catalog            []toolhost.Descriptor
	catalogRefreshedAt time.Time
	lastCallAt         time.Time
	stickyTools        map[string][]string // sessionID -> recent non-core tool names, most recent last

	breaker breakerState

	idleMu     sync.Mutex
	idleTimers map[string]*time.Timer
	onIdle     func(sessionID, agentID string)

	nowFunc func() time.Time
}

// Deps bundles the Engine's collaborator dependencies.
type Deps struct {
	Provider     LLMProvider
	Tools        toolhost.Host
	Selector     *toolselect.Selector
	Index        toolselect.Index
	SessionStore sessions.Store
	Locker       sessions.Locker
	Registry     *playbooks.Registry
	CostMonitor  *costmonitor.Monitor
	// UsageTracker, when set, records a dollar-cost estimate (priced via
	// internal/models.DefaultCatalog) alongside every completion's token
	// counts. Nil disables cost tracking.
	UsageTracker *usage.Tracker
	Profiles     ProfileStore
	Facts        FactStore
	Skills       SkillLister
	History      HistoryIndex
	Model        string
	Logger       *slog.Logger

	// Trace configures the per-turn prompt-assembly trace
	// (internal/diagnostics.CacheTrace). Zero value disables tracing.
	Trace diagnostics.CacheTraceConfig

	// AsyncTools and JobStore configure background dispatch for
	// long-running tools. A tool call matching a name in AsyncTools
	// returns a job handle immediately instead of blocking the turn.
	AsyncTools []string
	JobStore   jobs.Store

	// ProviderRateLimit throttles calls to Provider.Complete so a burst of
	// proactive tasks or concurrent turns can't exceed the LLM provider's
	// own request-rate limits. Zero value disables the limiter.
	ProviderRateLimit ratelimit.Config

	// Events, when set, records a run-start/run-end timeline entry per
	// turn and forwards to the tool executor for per-tool-call entries.
	// Nil disables event recording.
	Events *observability.EventRecorder
}

// NewEngine constructs an Engine. A nil Logger defaults to slog.Default().
func NewEngine(deps Deps, config EngineConfig) *Engine {
	if config.MinInterCallInterval <= 0 {
		config.MinInterCallInterval = time.Second
	}
	if config.CatalogTTL <= 0 {
		config.CatalogTTL = 10 * time.Minute
	}
	if config.MaxSteps <= 0 {
		config.MaxSteps = 8
	}
	if config.GenerationDeadline <= 0 {
		config.GenerationDeadline = 90 * time.Second
	}
	if config.IdleFactExtractionDelay <= 0 {
		config.IdleFactExtractionDelay = 5 * time.Minute
	}
	if config.HistoryWindowCap <= 0 {
		config.HistoryWindowCap = 20
	}
	if config.RecentExchangesVerbatim <= 0 {
		config.RecentExchangesVerbatim = 3
	}
	if config.TopKFacts <= 0 {
		config.TopKFacts = 5
	}
	if config.TemperatureCap <= 0 {
		config.TemperatureCap = 0.3
	}
	if config.ToolScoreTempThreshold <= 0 {
		config.ToolScoreTempThreshold = 0.6
	}
	if config.CircuitBreakerThreshold <= 0 {
		config.CircuitBreakerThreshold = 5
	}
	if config.ProactiveFactMaxChars <= 0 {
		config.ProactiveFactMaxChars = 500
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Engine{
		provider:     deps.Provider,
		tools:        deps.Tools,
		selector:     deps.Selector,
		index:        deps.Index,
		sessionStore: deps.SessionStore,
		locker:       deps.Locker,
		registry:     deps.Registry,
		costMonitor:  deps.CostMonitor,
		usageTracker: deps.UsageTracker,
		profiles:     deps.Profiles,
		facts:        deps.Facts,
		skills:       deps.Skills,
		history:      deps.History,
		config:       config,
		model:        deps.Model,
		logger:       logger,
		traceConfig:  deps.Trace,
		executor: NewToolExecutor(hostRunner{deps.Tools}, func() ToolExecConfig {
			execCfg := DefaultToolExecConfig()
			execCfg.AsyncTools = deps.AsyncTools
			execCfg.JobStore = deps.JobStore
			execCfg.Events = deps.Events
			return execCfg
		}()),
		providerLimiter: newProviderLimiter(deps.ProviderRateLimit),
		events:          deps.Events,
		stickyTools:     make(map[string][]string),
		idleTimers:      make(map[string]*time.Timer),
		nowFunc:         time.Now,
	}
}

// newProviderLimiter returns nil when rate limiting is disabled so callers
// can treat a nil *ratelimit.Bucket as "unlimited" without a branch at every
// call site.
func newProviderLimiter(cfg ratelimit.Config) *ratelimit.Bucket {
	if !cfg.Enabled {
		return nil
	}
	return ratelimit.NewBucket(cfg)
}

// SetOnIdle registers the callback fired when a conversation's idle
// fact-extraction timer elapses (internal/factextract wires this).
func (e *Engine) SetOnIdle(fn func(sessionID, agentID string)) {
	e.idleMu.Lock()
	defer e.idleMu.Unlock()
	e.onIdle = fn
}

// recordUsage estimates and records a completion's dollar cost against the
// usage tracker, priced from the model catalog. A nil tracker, or a model
// absent from the catalog, is a no-op (cost estimation is best-effort, not
// a precondition for serving the turn).
func (e *Engine) recordUsage(provider string, tokens tokenUsage) {
	if e.usageTracker == nil {
		return
	}
	u := usage.Usage{InputTokens: int64(tokens.prompt), OutputTokens: int64(tokens.completion)}

	var cost float64
	if m, ok := modelcatalog.Get(e.model); ok {
		c := usage.Cost{Input: m.InputPrice, Output: m.OutputPrice}
		cost = c.Estimate(&u)
	}

	e.usageTracker.Record(usage.Record{
		Provider: provider,
		Model:    e.model,
		Usage:    u,
		Cost:     cost,
	})
}

// UsageSummary returns the usage tracker's running per-provider/model
// totals, or nil when no tracker is configured.
func (e *Engine) UsageSummary() map[string]*usage.Usage {
	if e.usageTracker == nil {
		return nil
	}
	return e.usageTracker.GetSummary()
}

func (e *Engine) now() time.Time {
	if e.nowFunc != nil {
		return e.nowFunc()
	}
	return time.Now()
}

// newTrace builds a per-turn prompt-assembly trace. Returns nil when
// tracing is disabled; every CacheTrace method is a no-op on a nil
// receiver, so call sites never need a nil check.
func (e *Engine) newTrace(sessionID string) *diagnostics.CacheTrace {
	providerName := ""
	if e.provider != nil {
		providerName = e.provider.Name()
	}
	return diagnostics.NewCacheTrace(e.traceConfig, diagnostics.CacheTraceParams{
		RunID:     uuid.NewString(),
		SessionID: sessionID,
		Provider:  providerName,
		ModelID:   e.model,
	})
}

// hostRunner adapts toolhost.Host to ToolRunner, translating toolhost.Result
// to the agent package's ToolResult at the boundary.
type hostRunner struct {
	host toolhost.Host
}

func (r hostRunner) Execute(ctx context.Context, name string, params json.RawMessage) (*ToolResult, error) {
	res, err := r.host.Execute(ctx, name, params)
	if err != nil {
		return nil, err
	}
	artifacts := make([]Artifact, len(res.Artifacts))
	for i, a := range res.Artifacts {
		artifacts[i] = Artifact{ID: a.ID, Type: a.Type, MimeType: a.MimeType, Filename: a.Filename, URL: a.URL}
	}
	return &ToolResult{Content: res.Content, IsError: res.IsError, Artifacts: artifacts}, nil
}

// RunTurn executes one user turn end-to-end per the turn protocol.
func (e *Engine) RunTurn(ctx context.Context, in TurnInput) (result *TurnResult, err error) {
	if e.events != nil {
		runID := uuid.NewString()
		ctx = observability.AddRunID(ctx, runID)
		ctx = observability.AddAgentID(ctx, in.AgentID)
		started := time.Now()
		e.events.RecordRunStart(ctx, runID, map[string]interface{}{"agent_id": in.AgentID, "channel": in.Channel})
		defer func() {
			e.events.RecordRunEnd(ctx, time.Since(started), err)
		}()
	}

	if err := e.gate(ctx); err != nil {
		return nil, err
	}

	if err := e.locker.Lock(ctx, in.SessionID); err != nil {
		return nil, fmt.Errorf("agent: acquire session lock: %w", err)
	}
	defer e.locker.Unlock(in.SessionID)

	session, err := e.sessionStore.GetOrCreate(ctx, sessions.SessionKey(in.AgentID, in.Channel, in.ChannelID), in.AgentID, in.Channel, in.ChannelID)
	if err != nil {
		return nil, fmt.Errorf("agent: get or create session: %w", err)
	}

	trace := e.newTrace(session.ID)
	trace.RecordStage(diagnostics.StageSessionLoaded, nil)

	catalog, err := e.refreshCatalog(ctx)
	if err != nil {
		return nil, fmt.Errorf("agent: refresh tool catalog: %w", err)
	}

	matched, err := e.registry.Match(ctx, in.UserMessage)
	if err != nil {
		e.logger.Warn("playbook match failed", "error", err)
	}
	playbookRequired := playbooks.RequiredTools(matched)

	history, err := e.sessionStore.GetHistory(ctx, session.ID, 200)
	if err != nil {
		return nil, fmt.Errorf("agent: get history: %w", err)
	}

	system := e.buildSystemPrompt(ctx, in.AgentID, session.ID, matched)
	selected := e.selector.Select(ctx, in.UserMessage, toToolselectDescriptors(catalog), playbookRequired, e.stickySnapshot(session.ID))
	selectedSet := make(map[string]bool, len(selected))
	for _, name := range selected {
		selectedSet[name] = true
	}
	tools := toAgentTools(catalog, selectedSet)

	topScore := e.topToolScore(ctx, in.UserMessage, selected)

	windowed := e.selectHistoryWindow(ctx, history, in.UserMessage)
	messages := append(windowed, CompletionMessage{Role: "user", Content: in.UserMessage})

	trace.RecordStage(diagnostics.StagePromptBefore, &diagnostics.CacheTraceEventPayload{System: system})

	genResult, err := e.runGeneration(ctx, generationParams{
		system:       system,
		messages:     messages,
		tools:        tools,
		maxSteps:     e.config.MaxSteps,
		toolChoice:   "auto",
		lowerTemp:    topScore > e.config.ToolScoreTempThreshold,
		matched:      matched,
		selectedSet:  selectedSet,
		lastAssistant: lastAssistantText(history),
	})

	e.recordBreakerOutcome(err)

	if err != nil {
		return nil, err
	}

	e.persistTurn(ctx, session.ID, in.UserMessage, genResult)
	e.updateSticky(session.ID, genResult.toolsUsed)
	for _, name := range genResult.toolsUsed {
		e.registry.InvalidateOnToolCall(name)
	}
	e.scheduleIdle(session.ID, in.AgentID)
	trace.RecordStage(diagnostics.StageSessionAfter, nil)

	pauseResult := e.costMonitor.CheckPause()
	return &TurnResult{
		Text:        genResult.text,
		ToolsUsed:   genResult.toolsUsed,
		Steps:       genResult.steps,
		Paused:      pauseResult.Paused,
		PauseReason: pauseResult.Reason,
	}, nil
}

// RunProactiveTask runs the engine for a skill-triggered invocation with no
// user message and no transport delivery. Required tools on the skill are
// resolved directly, bypassing the Tool Selector's score path, while core
// tools are still honoured. On completion a fact summarizing the execution
// is stored, truncated to ProactiveFactMaxChars.
func (e *Engine) RunProactiveTask(ctx context.Context, task ProactiveTask) (result *TurnResult, err error) {
	if e.events != nil {
		runID := uuid.NewString()
		ctx = observability.AddRunID(ctx, runID)
		ctx = observability.AddAgentID(ctx, task.AgentID)
		started := time.Now()
		e.events.RecordRunStart(ctx, runID, map[string]interface{}{"agent_id": task.AgentID, "channel": task.Channel, "proactive": true})
		defer func() {
			e.events.RecordRunEnd(ctx, time.Since(started), err)
		}()
	}

	if err := e.gate(ctx); err != nil {
		return nil, err
	}

	if err := e.locker.Lock(ctx, task.SessionID); err != nil {
		return nil, fmt.Errorf("agent: acquire session lock: %w", err)
	}
	defer e.locker.Unlock(task.SessionID)

	session, err := e.sessionStore.GetOrCreate(ctx, sessions.SessionKey(task.AgentID, task.Channel, task.ChannelID), task.AgentID, task.Channel, task.ChannelID)
	if err != nil {
		return nil, fmt.Errorf("agent: get or create session: %w", err)
	}

	catalog, err := e.refreshCatalog(ctx)
	if err != nil {
		return nil, fmt.Errorf("agent: refresh tool catalog: %w", err)
	}

	selectedSet := make(map[string]bool)
	for _, name := range e.selector.CoreTools() {
		if hasDescriptor(catalog, name) {
			selectedSet[name] = true
		}
	}
	for _, name := range task.RequiredTools {
		if hasDescriptor(catalog, name) {
			selectedSet[name] = true
		}
	}
	tools := toAgentTools(catalog, selectedSet)

	system := e.buildSystemPrompt(ctx, task.AgentID, session.ID, nil)

	genResult, err := e.runGeneration(ctx, generationParams{
		system:      system,
		messages:    []CompletionMessage{{Role: "user", Content: task.Instructions}},
		tools:       tools,
		maxSteps:    e.config.MaxSteps,
		toolChoice:  "auto",
		selectedSet: selectedSet,
	})

	e.recordBreakerOutcome(err)
	if err != nil {
		return nil, err
	}

	e.persistTurn(ctx, session.ID, task.Instructions, genResult)
	e.updateSticky(session.ID, genResult.toolsUsed)

	if e.facts != nil {
		summary := genResult.text
		if summary == "" {
			summary = "Executed: " + task.Instructions
		}
		if len(summary) > e.config.ProactiveFactMaxChars {
			summary = summary[:e.config.ProactiveFactMaxChars]
		}
		if err := e.facts.StoreFact(ctx, task.AgentID, summary); err != nil {
			e.logger.Warn("failed to store proactive-task fact", "error", err)
		}
	}

	pauseResult := e.costMonitor.CheckPause()
	return &TurnResult{
		Text:        genResult.text,
		ToolsUsed:   genResult.toolsUsed,
		Steps:       genResult.steps,
		Paused:      pauseResult.Paused,
		PauseReason: pauseResult.Reason,
	}, nil
}

// gate enforces circuit-breaker and cost-monitor gating plus the minimum
// inter-call interval, per turn-protocol step 1.
func (e *Engine) gate(ctx context.Context) error {
	if e.breaker.isTripped() {
		return engineerr.Wrap(engineerr.KindBreaker, fmt.Errorf("circuit breaker tripped after %d consecutive failures", e.config.CircuitBreakerThreshold))
	}

	pause := e.costMonitor.CheckPause()
	if pause.Paused {
		return engineerr.Wrap(engineerr.KindPaused, fmt.Errorf("cost monitor paused: %s", pause.Reason))
	}

	e.mu.Lock()
	elapsed := e.now().Sub(e.lastCallAt)
	wait := e.config.MinInterCallInterval - elapsed
	e.lastCallAt = e.now()
	e.mu.Unlock()

	if wait > 0 {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// refreshCatalog refetches the tool catalog from the orchestrator if the
// cached copy is older than CatalogTTL.
func (e *Engine) refreshCatalog(ctx context.Context) ([]toolhost.Descriptor, error) {
	e.mu.Lock()
	stale := e.now().Sub(e.catalogRefreshedAt) >= e.config.CatalogTTL
	current := e.catalog
	e.mu.Unlock()

	if !stale && current != nil {
		return current, nil
	}

	fresh, err := e.tools.ListTools(ctx)
	if err != nil {
		if current != nil {
			return current, nil
		}
		return nil, err
	}

	e.mu.Lock()
	e.catalog = fresh
	e.catalogRefreshedAt = e.now()
	e.mu.Unlock()

	return fresh, nil
}

func hasDescriptor(catalog []toolhost.Descriptor, name string) bool {
	for _, d := range catalog {
		if d.Name == name {
			return true
		}
	}
	return false
}

func toToolselectDescriptors(catalog []toolhost.Descriptor) []toolselect.Descriptor {
	out := make([]toolselect.Descriptor, len(catalog))
	for i, d := range catalog {
		out[i] = toolselect.Descriptor{Name: d.Name, Description: d.Description}
	}
	return out
}

func toAgentTools(catalog []toolhost.Descriptor, selected map[string]bool) []Tool {
	var out []Tool
	for _, d := range catalog {
		if !selected[d.Name] {
			continue
		}
		out = append(out, descriptorTool{d})
	}
	return out
}

// descriptorTool wraps a toolhost.Descriptor so it satisfies agent.Tool for
// inclusion in a CompletionRequest; the engine drives execution itself via
// ToolExecutor rather than Tool.Execute.
type descriptorTool struct {
	d toolhost.Descriptor
}

func (t descriptorTool) Name() string             { return t.d.Name }
func (t descriptorTool) Description() string      { return t.d.Description }
func (t descriptorTool) Schema() json.RawMessage   { return t.d.Schema }
func (t descriptorTool) Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
	return nil, engineerr.ErrToolFormat
}

// topToolScore returns the highest score among selected tools from the
// embedding index, or 0 if unavailable.
func (e *Engine) topToolScore(ctx context.Context, message string, selected []string) float64 {
	if e.index == nil || !e.index.Initialized() {
		return 0
	}
	scores, err := e.index.ScoreMessage(ctx, message, selected)
	if err != nil {
		return 0
	}
	var top float64
	for _, s := range scores {
		if s > top {
			top = s
		}
	}
	return top
}

func (e *Engine) stickySnapshot(sessionID string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	tools := e.stickyTools[sessionID]
	out := make([]string, len(tools))
	copy(out, tools)
	// Most-recently-used first.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

func (e *Engine) updateSticky(sessionID string, toolsUsed []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	list := e.stickyTools[sessionID]
	for _, name := range toolsUsed {
		list = append(list, name)
	}
	if max := 32; len(list) > max {
		list = list[len(list)-max:]
	}
	e.stickyTools[sessionID] = list
}

func (e *Engine) recordBreakerOutcome(err error) {
	if err == nil {
		e.breaker.recordSuccess()
		return
	}
	kind := engineerr.Classify(err)
	if kind == engineerr.KindPaused || kind == engineerr.KindBreaker {
		return
	}
	e.breaker.recordFailure(e.config.CircuitBreakerThreshold)
}

func lastAssistantText(history []*models.Message) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == models.RoleAssistant && history[i].Content != "" {
			return history[i].Content
		}
	}
	return ""
}

// buildSystemPrompt assembles the system prompt in the documented order:
// persona, current date/time with timezone, conversation identifier,
// compaction summary if any, matched-playbook instructions, description-only
// skill listing, relevant facts.
func (e *Engine) buildSystemPrompt(ctx context.Context, agentID, sessionID string, matched []*playbooks.Playbook) string {
	var b strings.Builder

	tz := "UTC"
	if e.profiles != nil {
		if profile, err := e.profiles.GetProfile(ctx, agentID); err == nil && profile != nil {
			if profile.Persona != "" {
				b.WriteString(profile.Persona)
				b.WriteString("\n\n")
			}
			if profile.Timezone != "" {
				tz = profile.Timezone
			}
		}
	}

	loc, err := time.LoadLocation(tz)
	if err != nil {
		loc = time.UTC
	}
	fmt.Fprintf(&b, "Current date/time: %s\n", e.now().In(loc).Format(time.RFC1123))
	fmt.Fprintf(&b, "Conversation: %s\n", sessionID)

	if len(matched) > 0 {
		b.WriteString("\nMatched guidance:\n")
		for _, p := range matched {
			fmt.Fprintf(&b, "- %s: %s\n", p.Name, p.Instructions)
		}
	}

	if e.skills != nil {
		if summaries, err := e.skills.ListSkillSummaries(ctx, agentID); err == nil && len(summaries) > 0 {
			b.WriteString("\nAvailable skills:\n")
			for _, s := range summaries {
				fmt.Fprintf(&b, "- %s: %s\n", s.Name, s.Description)
			}
		}
	}

	if e.facts != nil {
		if facts, err := e.facts.TopFacts(ctx, agentID, sessionID, e.config.TopKFacts); err == nil && len(facts) > 0 {
			b.WriteString("\nRelevant facts:\n")
			for _, f := range facts {
				fmt.Fprintf(&b, "- %s\n", f)
			}
		}
	}

	return b.String()
}

// selectHistoryWindow builds the history window sent to the model: the
// last RecentExchangesVerbatim exchanges verbatim, plus older user turns
// ranked by embedding similarity to the current message, capped at
// HistoryWindowCap messages total.
func (e *Engine) selectHistoryWindow(ctx context.Context, history []*models.Message, currentMessage string) []CompletionMessage {
	if len(history) == 0 {
		return nil
	}

	verbatimCount := e.config.RecentExchangesVerbatim * 2
	if verbatimCount > len(history) {
		verbatimCount = len(history)
	}
	verbatimStart := len(history) - verbatimCount
	older := history[:verbatimStart]
	verbatim := history[verbatimStart:]

	budget := e.config.HistoryWindowCap - len(verbatim)
	var selectedOlder []*models.Message
	if budget > 0 && len(older) > 0 {
		if e.history != nil {
			candidates := make([]string, 0, len(older))
			byText := make(map[string]*models.Message, len(older))
			for _, m := range older {
				if m.Role != models.RoleUser {
					continue
				}
				candidates = append(candidates, m.Content)
				byText[m.Content] = m
			}
			if scores, err := e.history.ScoreTexts(ctx, currentMessage, candidates); err == nil {
				type scoredMsg struct {
					msg   *models.Message
					score float64
				}
				var ranked []scoredMsg
				for text, msg := range byText {
					ranked = append(ranked, scoredMsg{msg: msg, score: scores[text]})
				}
				sort.Slice(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })
				for i := 0; i < budget && i < len(ranked); i++ {
					selectedOlder = append(selectedOlder, ranked[i].msg)
				}
				sort.Slice(selectedOlder, func(i, j int) bool {
					return selectedOlder[i].CreatedAt.Before(selectedOlder[j].CreatedAt)
				})
			}
		}
		if selectedOlder == nil {
			start := len(older) - budget
			if start < 0 {
				start = 0
			}
			selectedOlder = older[start:]
		}
	}

	out := make([]CompletionMessage, 0, len(selectedOlder)+len(verbatim))
	for _, m := range selectedOlder {
		out = append(out, toCompletionMessage(m))
	}
	for _, m := range verbatim {
		out = append(out, toCompletionMessage(m))
	}
	return out
}

func toCompletionMessage(m *models.Message) CompletionMessage {
	return CompletionMessage{
		Role:        string(m.Role),
		Content:     m.Content,
		ToolCalls:   m.ToolCalls,
		ToolResults: m.ToolResults,
	}
}

// scheduleIdle (re)starts the idle fact-extraction timer for a
// conversation, cancelling any existing timer first.
func (e *Engine) scheduleIdle(sessionID, agentID string) {
	e.idleMu.Lock()
	defer e.idleMu.Unlock()

	if existing, ok := e.idleTimers[sessionID]; ok {
		existing.Stop()
	}
	if e.onIdle == nil {
		return
	}
	e.idleTimers[sessionID] = time.AfterFunc(e.config.IdleFactExtractionDelay, func() {
		e.onIdle(sessionID, agentID)
	})
}

// persistTurn appends the turn to the session: the full structured message
// sequence if tools were used, otherwise the flat text pair.
func (e *Engine) persistTurn(ctx context.Context, sessionID, userMessage string, result *generationResult) {
	if len(result.toolsUsed) == 0 {
		if err := e.sessionStore.AppendMessage(ctx, sessionID, &models.Message{
			Role:      models.RoleUser,
			Content:   userMessage,
			CreatedAt: e.now(),
		}); err != nil {
			e.logger.Warn("failed to persist user message", "error", err)
		}
		if err := e.sessionStore.AppendMessage(ctx, sessionID, &models.Message{
			Role:      models.RoleAssistant,
			Content:   result.text,
			CreatedAt: e.now(),
		}); err != nil {
			e.logger.Warn("failed to persist assistant message", "error", err)
		}
		return
	}

	if err := e.sessionStore.AppendMessage(ctx, sessionID, &models.Message{
		Role:      models.RoleUser,
		Content:   userMessage,
		CreatedAt: e.now(),
	}); err != nil {
		e.logger.Warn("failed to persist user message", "error", err)
	}
	for _, step := range result.capturedSteps {
		msg := &models.Message{
			Role:        models.RoleAssistant,
			Content:     step.text,
			ToolCalls:   step.toolCalls,
			ToolResults: step.toolResults,
			CreatedAt:   e.now(),
		}
		if err := e.sessionStore.AppendMessage(ctx, sessionID, msg); err != nil {
			e.logger.Warn("failed to persist step message", "error", err)
		}
	}
}

var actionClaimPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)i've (sent|created|scheduled|deleted|updated|booked)`),
	regexp.MustCompile(`(?i)i have (sent|created|scheduled|deleted|updated|booked)`),
	regexp.MustCompile(`(?i)has been (sent|created|scheduled|deleted|updated|booked)`),
	regexp.MustCompile(`(?i)^event details:`),
	regexp.MustCompile(`(?i)^email sent`),
}

func looksLikeHallucinatedAction(text string) bool {
	for _, p := range actionClaimPatterns {
		if p.MatchString(text) {
			return true
		}
	}
	return false
}

var toolCallLeakPattern = regexp.MustCompile(`(?m)^\s*([a-zA-Z_][a-zA-Z0-9_]*)\(([^)]*)\)\s*$`)

// detectLeakedToolCall looks for a well-known "tool_name(args)" pattern in
// free text, for the tool-call-leak-as-text recovery path.
func detectLeakedToolCall(text string, knownTools map[string]bool) (name string, rawArgs string, ok bool) {
	matches := toolCallLeakPattern.FindStringSubmatch(text)
	if matches == nil {
		return "", "", false
	}
	if !knownTools[matches[1]] {
		return "", "", false
	}
	return matches[1], matches[2], true
}
