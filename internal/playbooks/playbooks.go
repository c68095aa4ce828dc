// Package playbooks implements the deterministic keyword-triggered
// guidance registry: a cache of named playbooks seeded from built-in
// defaults on first boot, kept fresh from the memory collaborator on a
// short TTL, and matched against each user message by substring keyword
// search.
package playbooks

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"sync"
	"time"
)

// Playbook is a named keyword-triggered block of instructions plus a
// declared required-tools list, injected into the system prompt when a
// user message matches. Name is unique per owning agent.
type Playbook struct {
	AgentID            string
	Name               string
	Description        string
	Keywords           []string
	Priority           int
	Instructions       string
	RequiredTools      []string
	MaxSteps           int
	NotifyOnCompletion bool

	// SeedHash is the content hash of the seed that produced this
	// playbook, used to detect drift from the built-in defaults on
	// re-seed. Empty for user-created playbooks.
	SeedHash string
}

// contentHash hashes the fields that define a playbook's behavior:
// instructions, keywords, description, required tools and max steps. Two
// playbooks with the same hash are behaviorally identical regardless of
// name or priority.
func contentHash(instructions string, keywords, requiredTools []string, description string, maxSteps int) string {
	kw := append([]string(nil), keywords...)
	sort.Strings(kw)
	rt := append([]string(nil), requiredTools...)
	sort.Strings(rt)

	h := sha256.New()
	h.Write([]byte(instructions))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(kw, ",")))
	h.Write([]byte{0})
	h.Write([]byte(description))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(rt, ",")))
	h.Write([]byte{0})
	h.Write([]byte{byte(maxSteps)})
	return hex.EncodeToString(h.Sum(nil))
}

func (p *Playbook) hash() string {
	return contentHash(p.Instructions, p.Keywords, p.RequiredTools, p.Description, p.MaxSteps)
}

// Store is the memory collaborator's playbook surface. internal/memstore
// implementations satisfy this.
type Store interface {
	ListPlaybooks(ctx context.Context, agentID string) ([]*Playbook, error)
	CreatePlaybook(ctx context.Context, p *Playbook) error
	UpdatePlaybook(ctx context.Context, p *Playbook) error
}

// SkillModifyingTools is the closed set of tool names whose invocation
// during a turn invalidates the registry cache.
var SkillModifyingTools = map[string]bool{
	"store_skill":  true,
	"update_skill": true,
	"delete_skill": true,
}

// Registry is the engine's in-memory playbook cache. The cache is rebuilt
// atomically (whole-cache replace, no partial view) on refresh.
type Registry struct {
	mu sync.RWMutex

	store   Store
	agentID string
	ttl     time.Duration

	cache       []*Playbook
	lastRefresh time.Time
	stale       bool

	nowFunc func() time.Time
}

// New creates a Registry backed by store for the given agent, refreshing
// on the given TTL. A zero ttl defaults to 60s.
func New(store Store, agentID string, ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &Registry{
		store:   store,
		agentID: agentID,
		ttl:     ttl,
		stale:   true,
		nowFunc: time.Now,
	}
}

// SetNowFunc overrides the registry's clock, for deterministic tests.
func (r *Registry) SetNowFunc(f func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nowFunc = f
}

func (r *Registry) now() time.Time {
	if r.nowFunc != nil {
		return r.nowFunc()
	}
	return time.Now()
}

// Seed lists existing playbooks for the registry's agent and, for each
// entry in defaults, creates it if absent or updates it in place if
// present and its content hash has drifted from the stored SeedHash.
// User-created playbooks (those absent from defaults) are never touched
// or deleted.
func (r *Registry) Seed(ctx context.Context, defaults []Playbook) error {
	existing, err := r.store.ListPlaybooks(ctx, r.agentID)
	if err != nil {
		return err
	}
	byName := make(map[string]*Playbook, len(existing))
	for _, p := range existing {
		byName[p.Name] = p
	}

	for _, def := range defaults {
		def.AgentID = r.agentID
		newHash := def.hash()

		current, ok := byName[def.Name]
		if !ok {
			def.SeedHash = newHash
			if err := r.store.CreatePlaybook(ctx, &def); err != nil {
				return err
			}
			continue
		}
		if current.SeedHash == "" || current.hash() != current.SeedHash {
			// Drifted from a previous seed via direct user edit, or never
			// seeded: treat as user-owned and leave alone.
			continue
		}
		if current.SeedHash == newHash {
			continue
		}
		def.SeedHash = newHash
		if err := r.store.UpdatePlaybook(ctx, &def); err != nil {
			return err
		}
	}

	r.Invalidate()
	return nil
}

// Invalidate marks the cache stale, forcing the next Match or Refresh call
// to reload from the store regardless of TTL.
func (r *Registry) Invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stale = true
}

// InvalidateOnToolCall invalidates the cache if name is one of the
// skill-modifying tools, per the cache-refresh contract.
func (r *Registry) InvalidateOnToolCall(name string) {
	if SkillModifyingTools[name] {
		r.Invalidate()
	}
}

// Refresh reloads the cache from the store if it is stale or the TTL has
// elapsed since the last refresh.
func (r *Registry) Refresh(ctx context.Context) error {
	r.mu.RLock()
	needsRefresh := r.stale || r.now().Sub(r.lastRefresh) >= r.ttl
	r.mu.RUnlock()
	if !needsRefresh {
		return nil
	}

	playbooks, err := r.store.ListPlaybooks(ctx, r.agentID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.cache = playbooks
	r.lastRefresh = r.now()
	r.stale = false
	r.mu.Unlock()
	return nil
}

// Match refreshes the cache if stale, then returns every playbook whose
// keyword set has a case-insensitive substring match in message, sorted by
// priority descending (stable).
func (r *Registry) Match(ctx context.Context, message string) ([]*Playbook, error) {
	if err := r.Refresh(ctx); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	lower := strings.ToLower(message)
	var matched []*Playbook
	for _, p := range r.cache {
		if matchesKeywords(p.Keywords, lower) {
			matched = append(matched, p)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Priority > matched[j].Priority
	})
	return matched, nil
}

func matchesKeywords(keywords []string, lowerMessage string) bool {
	for _, kw := range keywords {
		if kw == "" {
			continue
		}
		if strings.Contains(lowerMessage, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// RequiredTools collects the union of required tools across matched
// playbooks, in first-seen order.
func RequiredTools(matched []*Playbook) []string {
	seen := make(map[string]bool)
	var out []string
	for _, p := range matched {
		for _, t := range p.RequiredTools {
			if seen[t] {
				continue
			}
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}
