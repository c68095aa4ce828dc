package models

import (
	"fmt"
	"strings"
)

// ModelCandidate represents a provider/model pair to try.
type ModelCandidate struct {
	Provider string
	Model    string
}

// String returns a string representation of the candidate.
func (c ModelCandidate) String() string {
	return ModelKey(c.Provider, c.Model)
}

// FallbackConfig configures model fallback behavior.
type FallbackConfig struct {
	PrimaryProvider string
	PrimaryModel    string
	Fallbacks       []string // "provider/model" strings
}

// ModelKey creates a unique key for a provider/model pair.
func ModelKey(provider, model string) string {
	return fmt.Sprintf("%s/%s", strings.ToLower(provider), strings.ToLower(model))
}

// ParseModelRef parses a "provider/model" string. A ref with no slash is
// treated as a bare model name under defaultProvider.
func ParseModelRef(ref, defaultProvider string) *ModelCandidate {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil
	}

	parts := strings.SplitN(ref, "/", 2)
	if len(parts) == 1 {
		return &ModelCandidate{
			Provider: defaultProvider,
			Model:    parts[0],
		}
	}

	return &ModelCandidate{
		Provider: parts[0],
		Model:    parts[1],
	}
}

// BuildFallbackCandidates builds the list of candidates from config, primary
// model first, skipping any fallback that duplicates the primary.
func BuildFallbackCandidates(config *FallbackConfig) []ModelCandidate {
	if config == nil {
		return nil
	}

	candidates := make([]ModelCandidate, 0, 1+len(config.Fallbacks))

	if config.PrimaryProvider != "" && config.PrimaryModel != "" {
		candidates = append(candidates, ModelCandidate{
			Provider: config.PrimaryProvider,
			Model:    config.PrimaryModel,
		})
	}

	for _, ref := range config.Fallbacks {
		candidate := ParseModelRef(ref, config.PrimaryProvider)
		if candidate == nil {
			continue
		}
		if candidate.Provider == config.PrimaryProvider && candidate.Model == config.PrimaryModel {
			continue
		}
		candidates = append(candidates, *candidate)
	}

	return candidates
}
