// Package memdb is an in-memory memory collaborator for tests and local
// runs without a database, grounded on internal/sessions.MemoryStore's
// map-plus-mutex shape.
package memdb

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sablecore/aegis/internal/agent"
	"github.com/sablecore/aegis/internal/memstore"
	"github.com/sablecore/aegis/internal/playbooks"
	"github.com/sablecore/aegis/internal/scheduler"
)

// Store satisfies playbooks.Store, agent.ProfileStore, agent.FactStore,
// agent.SkillLister and scheduler.Store entirely in memory.
type Store struct {
	mu        sync.RWMutex
	playbooks map[string]*playbooks.Playbook // key: agentID+"\x00"+name
	skills    map[string]*scheduler.Skill
	facts     map[string][]factRow // key: agentID
	profiles  map[string]*agent.Profile
}

type factRow struct {
	id        string
	content   string
	createdAt time.Time
}

// New creates an empty in-memory memory collaborator.
func New() *Store {
	return &Store{
		playbooks: make(map[string]*playbooks.Playbook),
		skills:    make(map[string]*scheduler.Skill),
		facts:     make(map[string][]factRow),
		profiles:  make(map[string]*agent.Profile),
	}
}

func key(agentID, name string) string { return agentID + "\x00" + name }

// ListPlaybooks returns agentID's playbooks.
func (m *Store) ListPlaybooks(ctx context.Context, agentID string) ([]*playbooks.Playbook, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*playbooks.Playbook
	for _, p := range m.playbooks {
		if p.AgentID == agentID {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

// CreatePlaybook inserts p, erroring if one with the same agent/name exists.
func (m *Store) CreatePlaybook(ctx context.Context, p *playbooks.Playbook) error {
	if p == nil || p.Name == "" {
		return errors.New("memdb: playbook name is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(p.AgentID, p.Name)
	if _, exists := m.playbooks[k]; exists {
		return fmt.Errorf("memdb: playbook %q already exists", p.Name)
	}
	cp := *p
	m.playbooks[k] = &cp
	return nil
}

// UpdatePlaybook replaces an existing playbook, erroring if not found.
func (m *Store) UpdatePlaybook(ctx context.Context, p *playbooks.Playbook) error {
	if p == nil || p.Name == "" {
		return errors.New("memdb: playbook name is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(p.AgentID, p.Name)
	if _, exists := m.playbooks[k]; !exists {
		return fmt.Errorf("memdb: playbook %q not found", p.Name)
	}
	cp := *p
	m.playbooks[k] = &cp
	return nil
}

// DeletePlaybook removes a playbook.
func (m *Store) DeletePlaybook(ctx context.Context, agentID, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.playbooks, key(agentID, name))
	return nil
}

// ListSkills returns agentID's skills, satisfying scheduler.Store.
func (m *Store) ListSkills(ctx context.Context, agentID string) ([]*scheduler.Skill, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*scheduler.Skill
	for _, s := range m.skills {
		if s.AgentID == agentID {
			out = append(out, memstore.CloneSkill(s))
		}
	}
	memstore.SortSkillsByName(out)
	return out, nil
}

// UpdateSkill upserts s, satisfying scheduler.Store.
func (m *Store) UpdateSkill(ctx context.Context, s *scheduler.Skill) error {
	if s == nil || s.Name == "" {
		return errors.New("memdb: skill name is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.skills[key(s.AgentID, s.Name)] = memstore.CloneSkill(s)
	return nil
}

// StoreSkill inserts a new skill, erroring if one with the same name exists.
func (m *Store) StoreSkill(ctx context.Context, s *scheduler.Skill) error {
	if s == nil || s.Name == "" {
		return errors.New("memdb: skill name is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(s.AgentID, s.Name)
	if _, exists := m.skills[k]; exists {
		return fmt.Errorf("memdb: skill %q already exists", s.Name)
	}
	m.skills[k] = memstore.CloneSkill(s)
	return nil
}

// DeleteSkill removes a skill by name.
func (m *Store) DeleteSkill(ctx context.Context, agentID, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.skills, key(agentID, name))
	return nil
}

// ListSkillSummaries satisfies agent.SkillLister, listing enabled skills
// description-only for inclusion in the system prompt.
func (m *Store) ListSkillSummaries(ctx context.Context, agentID string) ([]agent.SkillSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []agent.SkillSummary
	for _, s := range m.skills {
		if s.AgentID == agentID && s.Enabled {
			out = append(out, agent.SkillSummary{Name: s.Name, Description: s.Description})
		}
	}
	return out, nil
}

// TopFacts returns agentID's most recent facts, satisfying agent.FactStore.
// query is unused; this store has no semantic ranking, matching its
// tests-and-local-runs scope.
func (m *Store) TopFacts(ctx context.Context, agentID, query string, k int) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rows := m.facts[agentID]
	if k <= 0 || k > len(rows) {
		k = len(rows)
	}
	out := make([]string, 0, k)
	for i := len(rows) - 1; i >= 0 && len(out) < k; i-- {
		out = append(out, rows[i].content)
	}
	return out, nil
}

// StoreFact appends a fact, satisfying agent.FactStore. Exact-duplicate
// content for the same agent is a no-op.
func (m *Store) StoreFact(ctx context.Context, agentID, content string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.facts[agentID] {
		if row.content == content {
			return nil
		}
	}
	m.facts[agentID] = append(m.facts[agentID], factRow{id: uuid.NewString(), content: content, createdAt: time.Now()})
	return nil
}

// GetProfile satisfies agent.ProfileStore, returning a zero-value profile
// for agents with none set rather than an error.
func (m *Store) GetProfile(ctx context.Context, agentID string) (*agent.Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p, ok := m.profiles[agentID]; ok {
		cp := *p
		return &cp, nil
	}
	return &agent.Profile{}, nil
}

// SetProfile stores agentID's profile, used by setup/admin tooling rather
// than the turn-critical path.
func (m *Store) SetProfile(ctx context.Context, agentID string, p *agent.Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.profiles[agentID] = &cp
	return nil
}

var _ memstore.Collaborator = (*Store)(nil)
