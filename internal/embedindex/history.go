package embedindex

import (
	"context"
	"fmt"
)

// HistoryScorer scores arbitrary candidate texts against a query by cosine
// similarity, embedding both fresh on every call. Unlike Index, a history
// window isn't a fixed catalog worth keeping a persistent vector cache for,
// so HistoryScorer holds no cache and no disk state. Satisfies
// agent.HistoryIndex.
type HistoryScorer struct {
	embedder Embedder
}

// NewHistoryScorer wraps embedder for history-window scoring.
func NewHistoryScorer(embedder Embedder) *HistoryScorer {
	return &HistoryScorer{embedder: embedder}
}

// ScoreTexts embeds query and every candidate, returning each candidate's
// cosine similarity to query keyed by its own text.
func (h *HistoryScorer) ScoreTexts(ctx context.Context, query string, candidates []string) (map[string]float64, error) {
	if len(candidates) == 0 {
		return map[string]float64{}, nil
	}
	queryVec, err := h.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedindex: embed query: %w", err)
	}
	vecs, err := h.embedder.EmbedBatch(ctx, candidates)
	if err != nil {
		return nil, fmt.Errorf("embedindex: embed candidates: %w", err)
	}
	scores := make(map[string]float64, len(candidates))
	for i, text := range candidates {
		if i >= len(vecs) {
			break
		}
		scores[text] = cosineSimilarity(queryVec, vecs[i])
	}
	return scores, nil
}
