package semantic

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/WessleyAI/docchat/engine/domain"
)

// MemoryStore is an in-process Backend using brute-force cosine distance.
// Entries keep insertion order, so equal distances come back oldest first.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []domain.IndexedEntry
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Upsert appends entries under a single write lock.
func (m *MemoryStore) Upsert(_ context.Context, entries []domain.IndexedEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entries...)
	return nil
}

// Query returns the limit nearest entries by cosine distance.
func (m *MemoryStore) Query(_ context.Context, vector []float32, limit int) ([]domain.SearchResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	results := make([]domain.SearchResult, len(m.entries))
	for i, e := range m.entries {
		results[i] = domain.SearchResult{
			Text:       e.Chunk.Text,
			Source:     e.Chunk.Source,
			ChunkIndex: e.Chunk.ChunkIndex,
			Distance:   cosineDistance(vector, e.Embedding),
		}
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Distance < results[j].Distance
	})
	if limit < len(results) {
		results = results[:limit]
	}
	return results, nil
}

// Count returns the number of entries.
func (m *MemoryStore) Count(context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries), nil
}

// Sources returns distinct sources in first-seen order.
func (m *MemoryStore) Sources(context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[string]struct{})
	var out []string
	for _, e := range m.entries {
		if _, ok := seen[e.Chunk.Source]; !ok {
			seen[e.Chunk.Source] = struct{}{}
			out = append(out, e.Chunk.Source)
		}
	}
	return out, nil
}

// DeleteBySource removes entries from source.
func (m *MemoryStore) DeleteBySource(_ context.Context, source string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.entries[:0]
	for _, e := range m.entries {
		if e.Chunk.Source != source {
			kept = append(kept, e)
		}
	}
	removed := len(m.entries) - len(kept)
	clear(m.entries[len(kept):])
	m.entries = kept
	return removed, nil
}

// Clear removes every entry.
func (m *MemoryStore) Clear(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = nil
	return nil
}

// cosineDistance returns 1 - cos(a, b), in [0,2]. Zero vectors are at distance 1.
func cosineDistance(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range min(len(a), len(b)) {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 1
	}
	d := 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
	return math.Max(0, math.Min(2, d))
}
