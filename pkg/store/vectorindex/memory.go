// Package vectorindex provides the vector k-NN side of the Persistent
// Memory Store (spec §4.4). MemoryIndex is a brute-force cosine-similarity
// implementation suitable for the embedded/single-node deployment; it is
// grounded on the same owner/kind/tag filter shape memory.Store already
// defines rather than inventing a second filter language.
package vectorindex

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/kestrel-run/agentrt/pkg/memory"
)

type entry struct {
	embedding  []float32
	ownerID    string
	kind       memory.Kind
	tags       map[string]bool
	importance float64
	strength   float64
}

// MemoryIndex is a mutex-guarded, process-local vector index.
type MemoryIndex struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// NewMemoryIndex builds an empty index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{entries: make(map[string]entry)}
}

func (idx *MemoryIndex) Upsert(ctx context.Context, id string, embedding []float32, payload map[string]any) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	e := entry{embedding: append([]float32(nil), embedding...)}
	if v, ok := payload["ownerId"].(string); ok {
		e.ownerID = v
	}
	if v, ok := payload["kind"].(memory.Kind); ok {
		e.kind = v
	}
	if v, ok := payload["importance"].(float64); ok {
		e.importance = v
	}
	if v, ok := payload["strength"].(float64); ok {
		e.strength = v
	}
	if v, ok := payload["tags"].([]string); ok {
		e.tags = make(map[string]bool, len(v))
		for _, t := range v {
			e.tags[t] = true
		}
	}
	idx.entries[id] = e
	return nil
}

func (idx *MemoryIndex) Delete(ctx context.Context, id string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	delete(idx.entries, id)
	return nil
}

func (idx *MemoryIndex) ClearOwner(ctx context.Context, ownerID string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for id, e := range idx.entries {
		if e.ownerID == ownerID {
			delete(idx.entries, id)
		}
	}
	return nil
}

func (idx *MemoryIndex) Query(ctx context.Context, embedding []float32, filter memory.VectorFilter, limit int) ([]memory.VectorHit, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var hits []memory.VectorHit
	for id, e := range idx.entries {
		if filter.OwnerID != "" && e.ownerID != filter.OwnerID {
			continue
		}
		if len(filter.Kinds) > 0 && !kindIn(filter.Kinds, e.kind) {
			continue
		}
		if e.importance < filter.MinImportance || e.strength < filter.MinStrength {
			continue
		}
		if !hasAllTags(e.tags, filter.Tags) {
			continue
		}
		score := cosineSimilarity(embedding, e.embedding)
		if score < filter.MinSimilarity {
			continue
		}
		hits = append(hits, memory.VectorHit{ID: id, Score: score})
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func kindIn(kinds []memory.Kind, k memory.Kind) bool {
	for _, want := range kinds {
		if want == k {
			return true
		}
	}
	return false
}

func hasAllTags(have map[string]bool, want []string) bool {
	for _, t := range want {
		if !have[t] {
			return false
		}
	}
	return true
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
