// Package memstore provides the shared helpers for the memory
// collaborator's three concrete backends: sqlstore (Postgres/CockroachDB
// via lib/pq), sqlitestore (single-node, via modernc.org/sqlite) and
// memdb (in-memory, for tests and local runs). Each backend package
// implements playbooks.Store, agent.ProfileStore, agent.FactStore,
// agent.SkillLister and scheduler.Store independently; this package only
// holds the bits that would otherwise be copy-pasted three times.
package memstore

import (
	"sort"
	"strings"

	"github.com/sablecore/aegis/internal/agent"
	"github.com/sablecore/aegis/internal/playbooks"
	"github.com/sablecore/aegis/internal/scheduler"
)

// Collaborator is the memory collaborator's full surface: every interface
// a backend must satisfy to stand in for all of playbooks, skills, facts
// and profiles at once. cmd/aegis depends on this rather than the five
// narrower interfaces individually, so swapping sqlstore/sqlitestore/memdb
// is a one-line change at the wiring site.
type Collaborator interface {
	playbooks.Store
	agent.ProfileStore
	agent.FactStore
	agent.SkillLister
	scheduler.Store
}

// CloneSkill returns a deep-enough copy of s so callers mutating the
// returned value or its slices cannot corrupt a backend's stored state.
func CloneSkill(s *scheduler.Skill) *scheduler.Skill {
	if s == nil {
		return nil
	}
	cp := *s
	cp.Keywords = append([]string(nil), s.Keywords...)
	cp.RequiredTools = append([]string(nil), s.RequiredTools...)
	cp.ExecutionPlan = append([]scheduler.ExecutionStep(nil), s.ExecutionPlan...)
	return &cp
}

// SortSkillsByName sorts in place for deterministic ListSkills output.
func SortSkillsByName(skills []*scheduler.Skill) {
	sort.Slice(skills, func(i, j int) bool { return skills[i].Name < skills[j].Name })
}

// JoinCSV and SplitCSV store string-slice columns (keywords, required
// tools) as a single comma-joined column rather than a join table,
// matching the per-agent scale (a handful of playbooks/skills) this
// system runs at.
func JoinCSV(items []string) string { return strings.Join(items, ",") }

// SplitCSV is JoinCSV's inverse; an empty/blank column yields nil.
func SplitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		out = append(out, strings.TrimSpace(p))
	}
	return out
}
