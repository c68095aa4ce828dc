// Package toolselect implements the bounded per-turn tool subset selection
// protocol: embedding-scored ranking with a regex-keyword fallback, merged
// with playbook-required and sticky tools and capped, grounded on the
// corpus's tool-group/profile pattern for the regex fallback step.
package toolselect

import (
	"context"
	"regexp"
	"sort"
	"strings"
)

// Descriptor is the minimal tool identity the selector reasons about.
type Descriptor struct {
	Name        string
	Description string
}

// Index scores a message against a set of tool names by embedding
// similarity. internal/embedindex.Index satisfies this interface
// structurally; a nil Index or one reporting Initialized()==false routes
// selection through the regex fallback.
type Index interface {
	Initialized() bool
	ScoreMessage(ctx context.Context, text string, names []string) (map[string]float64, error)
}

// Config holds the selector's tunables, all defaulted per the engine's
// named defaults.
type Config struct {
	CoreTools           []string
	MinTools            int
	SimilarityThreshold float64
	TopK                int
	StickyLookback      int
	StickyMax           int
	OverallCap          int
}

// DefaultConfig returns the engine's documented default tunables.
func DefaultConfig() Config {
	return Config{
		CoreTools:           []string{"send_message", "store_fact", "search_memories", "status", "spawn_subagent"},
		MinTools:            5,
		SimilarityThreshold: 0.3,
		TopK:                15,
		StickyLookback:      3,
		StickyMax:           8,
		OverallCap:          25,
	}
}

// groupPattern maps a regex over the user message to a set of tool-name
// prefixes/substrings it should pull into the selection when the
// embedding index is unavailable.
type groupPattern struct {
	match    *regexp.Regexp
	toolHint *regexp.Regexp
}

// fallbackGroups is the closed set of message-phrase -> tool-name-pattern
// mappings used when the Embedding Index is uninitialized or scoring
// fails. Patterns are intentionally broad; Select only keeps catalog
// members that actually match a group's toolHint.
var fallbackGroups = []groupPattern{
	{regexp.MustCompile(`(?i)\b(email|gmail|inbox|send.*mail)\b`), regexp.MustCompile(`(?i)(mail|gmail|inbox)`)},
	{regexp.MustCompile(`(?i)\b(calendar|meeting|schedule.*event|appointment)\b`), regexp.MustCompile(`(?i)(calendar|meeting|event)`)},
	{regexp.MustCompile(`(?i)\b(search|look\s*up|find.*online|google)\b`), regexp.MustCompile(`(?i)(search|websearch|web_search)`)},
	{regexp.MustCompile(`(?i)\b(fetch|download|url|webpage|website)\b`), regexp.MustCompile(`(?i)(fetch|webfetch|web_fetch)`)},
	{regexp.MustCompile(`(?i)\b(remember|recall|fact|know about)\b`), regexp.MustCompile(`(?i)(memory|fact)`)},
	{regexp.MustCompile(`(?i)\b(run|execute|shell|command|script)\b`), regexp.MustCompile(`(?i)(exec|bash|process|sandbox)`)},
	{regexp.MustCompile(`(?i)\b(file|read.*file|write.*file|edit.*file)\b`), regexp.MustCompile(`(?i)(^read$|^write$|^edit$|apply_patch)`)},
	{regexp.MustCompile(`(?i)\b(skill|playbook|automat|cron|job)\b`), regexp.MustCompile(`(?i)(cron|job|skill|automation)`)},
}

// Selector implements the tool-selection protocol.
type Selector struct {
	cfg   Config
	index Index
}

// New creates a Selector. A nil index is valid and forces the regex
// fallback path for every call.
func New(cfg Config, index Index) *Selector {
	if cfg.MinTools <= 0 {
		cfg.MinTools = 5
	}
	if cfg.SimilarityThreshold <= 0 {
		cfg.SimilarityThreshold = 0.3
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 15
	}
	if cfg.StickyLookback <= 0 {
		cfg.StickyLookback = 3
	}
	if cfg.StickyMax <= 0 {
		cfg.StickyMax = 8
	}
	if cfg.OverallCap <= 0 {
		cfg.OverallCap = 25
	}
	return &Selector{cfg: cfg, index: index}
}

// CoreTools returns a copy of the selector's configured core tool names,
// for callers (the proactive-task path) that need to honour core tools
// without running the full Select pipeline.
func (s *Selector) CoreTools() []string {
	return append([]string(nil), s.cfg.CoreTools...)
}

// scored pairs a tool name with its similarity score for cap-time sorting.
type scored struct {
	name  string
	score float64
}

// Select returns the bounded tool subset for one turn. catalog is the
// current tool catalog; playbookRequired and stickyTools are already
// resolved by the caller (Playbook Registry match, session recent-tools
// list) and are merged in bypassing the score-based cap.
func (s *Selector) Select(ctx context.Context, message string, catalog []Descriptor, playbookRequired []string, stickyTools []string) []string {
	catalogSet := make(map[string]bool, len(catalog))
	names := make([]string, 0, len(catalog))
	for _, d := range catalog {
		catalogSet[d.Name] = true
		names = append(names, d.Name)
	}

	core := make(map[string]bool)
	for _, c := range s.cfg.CoreTools {
		if catalogSet[c] {
			core[c] = true
		}
	}

	var scores map[string]float64
	usedIndex := false
	if s.index != nil && s.index.Initialized() {
		if sc, err := s.index.ScoreMessage(ctx, message, names); err == nil {
			scores = sc
			usedIndex = true
		}
	}

	result := make(map[string]bool, len(core))
	for c := range core {
		result[c] = true
	}

	var ranked []scored
	if usedIndex {
		for name, score := range scores {
			ranked = append(ranked, scored{name: name, score: score})
		}
		sort.Slice(ranked, func(i, j int) bool {
			if ranked[i].score != ranked[j].score {
				return ranked[i].score > ranked[j].score
			}
			return ranked[i].name < ranked[j].name
		})
		for i, r := range ranked {
			if i < s.cfg.MinTools {
				result[r.name] = true
				continue
			}
			if len(result) >= s.cfg.TopK {
				break
			}
			if r.score >= s.cfg.SimilarityThreshold {
				result[r.name] = true
			}
		}
	} else {
		for _, group := range fallbackGroups {
			if !group.match.MatchString(message) {
				continue
			}
			for _, name := range names {
				if group.toolHint.MatchString(name) {
					result[name] = true
				}
			}
		}
	}

	bypassed := make(map[string]bool)
	for _, name := range playbookRequired {
		if catalogSet[name] {
			result[name] = true
			bypassed[name] = true
		}
	}

	sticky := expandSticky(stickyTools, names, s.cfg.StickyMax)
	for _, name := range sticky {
		if catalogSet[name] {
			result[name] = true
			bypassed[name] = true
		}
	}

	return applyCap(result, core, bypassed, ranked, s.cfg.OverallCap)
}

// expandSticky expands each recently-used tool to its sibling tool-group
// members (per fallbackGroups' toolHint patterns) so a tool used recently
// pulls its close relatives back into consideration, then dedupes and
// trims to stickyMax, most-recent-first.
func expandSticky(tools []string, catalogNames []string, max int) []string {
	seen := make(map[string]bool)
	out := make([]string, 0, max)

	add := func(name string) bool {
		if seen[name] {
			return false
		}
		seen[name] = true
		out = append(out, name)
		return len(out) >= max
	}

	for _, t := range tools {
		if add(t) {
			return out
		}
		for _, group := range fallbackGroups {
			if !group.toolHint.MatchString(t) {
				continue
			}
			for _, name := range catalogNames {
				if !group.toolHint.MatchString(name) {
					continue
				}
				if add(name) {
					return out
				}
			}
		}
	}
	return out
}

// applyCap drops lowest-scoring non-core, non-playbook, non-sticky tools
// first when the union exceeds cap. Core tools always survive.
func applyCap(result map[string]bool, core, bypassed map[string]bool, ranked []scored, cap int) []string {
	if len(result) <= cap {
		return toSortedSlice(result)
	}

	scoreOf := make(map[string]float64, len(ranked))
	for _, r := range ranked {
		scoreOf[r.name] = r.score
	}

	var droppable []scored
	for name := range result {
		if core[name] || bypassed[name] {
			continue
		}
		droppable = append(droppable, scored{name: name, score: scoreOf[name]})
	}
	sort.Slice(droppable, func(i, j int) bool {
		if droppable[i].score != droppable[j].score {
			return droppable[i].score < droppable[j].score
		}
		return droppable[i].name > droppable[j].name
	})

	toDrop := len(result) - cap
	for i := 0; i < toDrop && i < len(droppable); i++ {
		delete(result, droppable[i].name)
	}

	return toSortedSlice(result)
}

func toSortedSlice(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// DescriptorNames extracts plain names from a descriptor slice, useful for
// callers that only track the catalog by name.
func DescriptorNames(catalog []Descriptor) []string {
	out := make([]string, 0, len(catalog))
	for _, d := range catalog {
		out = append(out, d.Name)
	}
	return out
}

// normalizeMessage is used by tests and callers that want a stable,
// lower-cased comparison key without depending on regexp internals.
func normalizeMessage(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
