// Package embedindex maintains one embedding vector per tool, keyed by its
// canonical "name: description" text, persisted on disk with a
// provider/model tag for invalidation. It satisfies toolselect.Index so the
// Tool Selector can score a message against the current catalog without
// knowing how the vectors were produced.
package embedindex

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
)

// Embedder produces fixed-dimension vectors for text. internal/memory/embeddings.Provider
// (and its openai/ollama implementations) satisfy this structurally.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Name() string
	Dimension() int
	MaxBatchSize() int
}

// Tool is the minimal identity the index embeds.
type Tool struct {
	Name        string
	Description string
}

// cacheFile is the on-disk format: a JSON object of
// {provider, model, entries: {canonicalText: base64-little-endian-float32}},
// written via temp-file + rename.
type cacheFile struct {
	Provider string            `json:"provider"`
	Model    string            `json:"model"`
	Entries  map[string]string `json:"entries"`
}

// Index holds one vector per tool canonical text, backed by an on-disk
// cache. Zero value is not usable; construct with New.
type Index struct {
	mu       sync.RWMutex
	embedder Embedder
	model    string
	path     string

	initialized bool
	vectors     map[string][]float32 // canonicalText -> vector
	toolText    map[string]string    // tool name -> canonicalText
}

// New creates an Index that persists its cache at path and embeds via
// embedder. model is the embedder's model identifier, stored in the cache
// tag for invalidation (distinct from embedder.Name(), since one provider
// may serve several models).
func New(embedder Embedder, path string, model string) *Index {
	return &Index{
		embedder: embedder,
		model:    model,
		path:     path,
		vectors:  make(map[string][]float32),
		toolText: make(map[string]string),
	}
}

// canonicalText is the text embedded and cached for a tool.
func canonicalText(t Tool) string {
	return t.Name + ": " + t.Description
}

// Initialized reports whether the index currently holds vectors for the
// last catalog passed to Initialize. False after construction, after a
// failed Initialize, and transiently during a re-initialize.
func (idx *Index) Initialized() bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.initialized
}

// Initialize (re)builds the index for the given tool catalog: for each
// tool, form its canonical text, look it up in the on-disk cache, and embed
// the uncached remainder as a single batch request. The merged result is
// written back atomically (temp file + rename). The entire cache is
// discarded if its stored provider/model tag differs from configuration.
//
// Fails soft: if the embedder is unreachable, the index is left
// uninitialized and the caller (Tool Selector) falls back to keyword
// matching.
func (idx *Index) Initialize(ctx context.Context, tools []Tool) error {
	cached := idx.loadCache()

	texts := make(map[string]bool, len(tools))
	toolText := make(map[string]string, len(tools))
	for _, t := range tools {
		ct := canonicalText(t)
		texts[ct] = true
		toolText[t.Name] = ct
	}

	vectors := make(map[string][]float32, len(texts))
	var uncached []string
	for ct := range texts {
		if v, ok := cached[ct]; ok {
			vectors[ct] = v
			continue
		}
		uncached = append(uncached, ct)
	}

	if len(uncached) > 0 {
		batchSize := idx.embedder.MaxBatchSize()
		if batchSize <= 0 {
			batchSize = len(uncached)
		}
		for start := 0; start < len(uncached); start += batchSize {
			end := start + batchSize
			if end > len(uncached) {
				end = len(uncached)
			}
			batch := uncached[start:end]
			embedded, err := idx.embedder.EmbedBatch(ctx, batch)
			if err != nil {
				idx.mu.Lock()
				idx.initialized = false
				idx.mu.Unlock()
				return fmt.Errorf("embedindex: embed batch: %w", err)
			}
			if len(embedded) != len(batch) {
				idx.mu.Lock()
				idx.initialized = false
				idx.mu.Unlock()
				return fmt.Errorf("embedindex: embedder returned %d vectors for %d texts", len(embedded), len(batch))
			}
			for i, text := range batch {
				vectors[text] = embedded[i]
			}
		}
	}

	idx.mu.Lock()
	idx.vectors = vectors
	idx.toolText = toolText
	idx.initialized = true
	idx.mu.Unlock()

	if err := idx.saveCache(vectors); err != nil {
		return fmt.Errorf("embedindex: save cache: %w", err)
	}
	return nil
}

// ScoreMessage embeds text (not cached) and returns, for each tool name in
// names that has a stored vector, its cosine similarity against that
// vector. Tool names with no stored vector are omitted.
func (idx *Index) ScoreMessage(ctx context.Context, text string, names []string) (map[string]float64, error) {
	idx.mu.RLock()
	initialized := idx.initialized
	toolText := idx.toolText
	vectors := idx.vectors
	idx.mu.RUnlock()

	if !initialized {
		return nil, fmt.Errorf("embedindex: not initialized")
	}

	queryVec, err := idx.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embedindex: embed message: %w", err)
	}

	scores := make(map[string]float64, len(names))
	for _, name := range names {
		ct, ok := toolText[name]
		if !ok {
			continue
		}
		vec, ok := vectors[ct]
		if !ok {
			continue
		}
		scores[name] = cosineSimilarity(queryVec, vec)
	}
	return scores, nil
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// loadCache reads the on-disk cache, returning an empty map if the file is
// absent, unreadable, or tagged with a different provider/model.
func (idx *Index) loadCache() map[string][]float32 {
	empty := map[string][]float32{}
	if idx.path == "" {
		return empty
	}
	data, err := os.ReadFile(idx.path)
	if err != nil {
		return empty
	}
	var cf cacheFile
	if err := json.Unmarshal(data, &cf); err != nil {
		return empty
	}
	if cf.Provider != idx.embedder.Name() || cf.Model != idx.model {
		return empty
	}
	out := make(map[string][]float32, len(cf.Entries))
	for text, encoded := range cf.Entries {
		vec, err := decodeVector(encoded)
		if err != nil {
			continue
		}
		out[text] = vec
	}
	return out
}

// saveCache writes vectors atomically: temp file in the same directory,
// then rename over the target path.
func (idx *Index) saveCache(vectors map[string][]float32) error {
	if idx.path == "" {
		return nil
	}
	entries := make(map[string]string, len(vectors))
	for text, vec := range vectors {
		entries[text] = encodeVector(vec)
	}
	cf := cacheFile{
		Provider: idx.embedder.Name(),
		Model:    idx.model,
		Entries:  entries,
	}
	data, err := json.Marshal(cf)
	if err != nil {
		return err
	}

	dir := filepath.Dir(idx.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".embedindex-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, idx.path)
}

func encodeVector(vec []float32) string {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return base64.StdEncoding.EncodeToString(buf)
}

func decodeVector(encoded string) ([]float32, error) {
	buf, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, err
	}
	if len(buf)%4 != 0 {
		return nil, fmt.Errorf("embedindex: corrupt vector encoding")
	}
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec, nil
}
