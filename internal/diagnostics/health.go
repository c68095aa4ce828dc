package diagnostics

import (
	"context"
	"fmt"
)

// HealthProbes names the collaborator checks the weekly/6h health report
// (§4.7's additional scheduled jobs) runs. Each field is a narrow closure
// rather than a collaborator interface so this package stays free of a
// dependency on internal/agent or internal/scheduler, both of which
// depend on this package (agent for per-turn tracing, scheduler
// transitively through agent).
type HealthProbes struct {
	// ProviderName and ModelCount probe the configured LLM provider
	// without this package needing to know agent.LLMProvider's shape.
	ProviderName string
	ModelCount   func() int

	// EmbedderName and Embed probe the configured embedder with a fixed
	// canary string.
	EmbedderName string
	Embed        func(ctx context.Context, text string) error

	// GetProfile probes the memory collaborator for agentID.
	AgentID    string
	GetProfile func(ctx context.Context, agentID string) error
}

// CheckProvider reports whether the configured LLM provider still lists
// at least one available model. Matches the (issue string, ok bool)
// shape scheduler.DiagnosticCheck.Check expects.
func (p HealthProbes) CheckProvider(ctx context.Context) (string, bool) {
	if p.ModelCount == nil {
		return "no LLM provider configured", false
	}
	if p.ModelCount() == 0 {
		return fmt.Sprintf("provider %q reports no available models", p.ProviderName), false
	}
	return "", true
}

// CheckEmbedder embeds a fixed canary string through the configured
// embedder and reports any error.
func (p HealthProbes) CheckEmbedder(ctx context.Context) (string, bool) {
	if p.Embed == nil {
		return "no embedder configured", false
	}
	if err := p.Embed(ctx, "health check probe"); err != nil {
		return fmt.Sprintf("embedder %q: %v", p.EmbedderName, err), false
	}
	return "", true
}

// CheckMemory reads AgentID's profile from the memory collaborator and
// reports any error.
func (p HealthProbes) CheckMemory(ctx context.Context) (string, bool) {
	if p.GetProfile == nil {
		return "no memory collaborator configured", false
	}
	if err := p.GetProfile(ctx, p.AgentID); err != nil {
		return fmt.Sprintf("memory collaborator: %v", err), false
	}
	return "", true
}
