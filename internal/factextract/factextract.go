// Package factextract implements the turn-edge fact-extraction job: once a
// conversation goes quiet, it flattens the recent exchanges, asks a cheap
// model to pull out new durable facts, and stores the ones that clear a
// confidence threshold. It is wired as the Conversation Engine's idle
// callback, so it runs off the turn's critical path.
package factextract

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/sablecore/aegis/internal/agent"
	"github.com/sablecore/aegis/internal/sessions"
	"github.com/sablecore/aegis/pkg/models"
)

// Config controls extraction defaults, all named in the spec.
type Config struct {
	MaxTurns            int
	ConfidenceThreshold float64
	Model               string
	KnownFactsLimit     int
}

// DefaultConfig returns the spec's named defaults.
func DefaultConfig() Config {
	return Config{
		MaxTurns:            10,
		ConfidenceThreshold: 0.7,
		KnownFactsLimit:     50,
	}
}

// extractedFact is one entry of the model's fact-extraction response.
type extractedFact struct {
	Fact       string  `json:"fact"`
	Confidence float64 `json:"confidence"`
}

// Extractor is bound to Engine.SetOnIdle via OnIdle.
type Extractor struct {
	cfg      Config
	sessions sessions.Store
	facts    agent.FactStore
	provider agent.LLMProvider
	logger   *slog.Logger

	mu            sync.Mutex
	extractedLens map[string]int
}

// New builds an Extractor. provider is used for the cheap summarization
// call; it need not be the same provider the Conversation Engine uses for
// turns.
func New(cfg Config, store sessions.Store, facts agent.FactStore, provider agent.LLMProvider) *Extractor {
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = 10
	}
	if cfg.ConfidenceThreshold <= 0 {
		cfg.ConfidenceThreshold = 0.7
	}
	if cfg.KnownFactsLimit <= 0 {
		cfg.KnownFactsLimit = 50
	}
	return &Extractor{
		cfg:           cfg,
		sessions:      store,
		facts:         facts,
		provider:      provider,
		logger:        slog.Default(),
		extractedLens: make(map[string]int),
	}
}

// OnIdle matches Engine.SetOnIdle's callback signature. It is safe to call
// concurrently for distinct sessionIDs; a second fire for the same
// sessionID with no new messages since the first is a no-op.
func (x *Extractor) OnIdle(sessionID, agentID string) {
	ctx := context.Background()
	if err := x.extract(ctx, sessionID, agentID); err != nil {
		x.logger.Warn("factextract: extraction failed", "session_id", sessionID, "error", err)
	}
}

func (x *Extractor) extract(ctx context.Context, sessionID, agentID string) error {
	history, err := x.sessions.GetHistory(ctx, sessionID, x.cfg.MaxTurns*4)
	if err != nil {
		return fmt.Errorf("factextract: get history: %w", err)
	}

	x.mu.Lock()
	if x.extractedLens[sessionID] == len(history) {
		x.mu.Unlock()
		return nil
	}
	x.mu.Unlock()

	exchanges := flattenExchanges(history, x.cfg.MaxTurns)
	if len(exchanges) == 0 {
		return nil
	}

	known, err := x.facts.TopFacts(ctx, agentID, "", x.cfg.KnownFactsLimit)
	if err != nil {
		return fmt.Errorf("factextract: list known facts: %w", err)
	}

	extracted, err := x.callModel(ctx, exchanges, known)
	if err != nil {
		return fmt.Errorf("factextract: model call: %w", err)
	}

	for _, f := range extracted {
		if f.Confidence < x.cfg.ConfidenceThreshold {
			continue
		}
		content := strings.TrimSpace(f.Fact)
		if content == "" {
			continue
		}
		if err := x.facts.StoreFact(ctx, agentID, content); err != nil {
			x.logger.Warn("factextract: store fact failed", "error", err)
		}
	}

	x.mu.Lock()
	x.extractedLens[sessionID] = len(history)
	x.mu.Unlock()
	return nil
}

// flattenExchanges pairs consecutive user/assistant text messages (tool-call
// and tool-result messages are skipped) into "user: ...\nassistant: ..."
// lines, keeping at most the last maxTurns pairs.
func flattenExchanges(history []*models.Message, maxTurns int) []string {
	var lines []string
	var pendingUser string
	for _, m := range history {
		if m == nil || strings.TrimSpace(m.Content) == "" {
			continue
		}
		switch m.Role {
		case models.RoleUser:
			pendingUser = m.Content
		case models.RoleAssistant:
			if pendingUser == "" {
				continue
			}
			lines = append(lines, fmt.Sprintf("user: %s\nassistant: %s", pendingUser, m.Content))
			pendingUser = ""
		}
	}
	if len(lines) > maxTurns {
		lines = lines[len(lines)-maxTurns:]
	}
	return lines
}

func (x *Extractor) callModel(ctx context.Context, exchanges, known []string) ([]extractedFact, error) {
	prompt := buildPrompt(exchanges, known)
	req := &agent.CompletionRequest{
		Model:       x.cfg.Model,
		System:      "You extract durable personal facts from a conversation. Respond with a JSON array of {\"fact\": string, \"confidence\": number 0-1}. Omit facts already in the known-facts list. Respond with [] if nothing new.",
		Messages:    []agent.CompletionMessage{{Role: "user", Content: prompt}},
		Temperature: 0,
	}

	ch, err := x.provider.Complete(ctx, req)
	if err != nil {
		return nil, err
	}

	var text strings.Builder
	for chunk := range ch {
		if chunk.Error != nil {
			return nil, chunk.Error
		}
		text.WriteString(chunk.Text)
		if chunk.Done {
			break
		}
	}

	return parseFacts(text.String())
}

func buildPrompt(exchanges, known []string) string {
	var b strings.Builder
	b.WriteString("Known facts:\n")
	if len(known) == 0 {
		b.WriteString("(none)\n")
	}
	for _, k := range known {
		b.WriteString("- ")
		b.WriteString(k)
		b.WriteString("\n")
	}
	b.WriteString("\nRecent conversation:\n")
	for _, e := range exchanges {
		b.WriteString(e)
		b.WriteString("\n\n")
	}
	return b.String()
}

// parseFacts extracts the JSON array from the model's response, tolerating
// surrounding prose the way a cheap model sometimes adds it.
func parseFacts(text string) ([]extractedFact, error) {
	text = strings.TrimSpace(text)
	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start == -1 || end == -1 || end < start {
		return nil, nil
	}
	var facts []extractedFact
	if err := json.Unmarshal([]byte(text[start:end+1]), &facts); err != nil {
		return nil, fmt.Errorf("parse fact-extraction response: %w", err)
	}
	return facts, nil
}
