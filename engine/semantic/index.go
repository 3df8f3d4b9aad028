// Package semantic implements the vector index: batch embedding of chunks,
// thresholded similarity search and source bookkeeping over a pluggable
// storage backend.
package semantic

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/WessleyAI/docchat/engine/domain"
)

// DefaultThreshold is the minimum relevance a hit needs to be returned.
const DefaultThreshold = 0.3

// Index embeds chunks and serves similarity search over a Backend.
type Index struct {
	embedder  Embedder
	backend   Backend
	threshold float64
	logger    *slog.Logger

	mu  sync.Mutex
	dim int // fixed by the first embedding seen
}

// NewIndex creates an Index. threshold must lie in [0,1].
func NewIndex(embedder Embedder, backend Backend, threshold float64, logger *slog.Logger) (*Index, error) {
	if threshold < 0 || threshold > 1 {
		return nil, domain.NewConfigError("similarity_threshold", "must be between 0 and 1")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Index{embedder: embedder, backend: backend, threshold: threshold, logger: logger}, nil
}

// Threshold returns the configured similarity threshold.
func (x *Index) Threshold() float64 { return x.threshold }

// Add embeds all chunks in one batch and stores them under fresh IDs.
func (x *Index) Add(ctx context.Context, chunks []domain.Chunk) (int, error) {
	if len(chunks) == 0 {
		return 0, nil
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	vectors, err := x.embed(ctx, "add", texts)
	if err != nil {
		return 0, err
	}

	entries := make([]domain.IndexedEntry, len(chunks))
	for i, c := range chunks {
		entries[i] = domain.IndexedEntry{
			ID:        uuid.NewString(),
			Chunk:     c,
			Embedding: vectors[i],
		}
	}
	if err := x.backend.Upsert(ctx, entries); err != nil {
		return 0, fmt.Errorf("semantic: add: %w", err)
	}

	x.logger.Info("stored chunks", "source", chunks[0].Source, "count", len(entries))
	return len(entries), nil
}

// Search returns up to topK hits at or above the threshold, most relevant
// first. An empty index yields no results without calling the embedder.
func (x *Index) Search(ctx context.Context, query string, topK int) ([]domain.SearchResult, error) {
	total, err := x.backend.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("semantic: search: count: %w", err)
	}
	if total == 0 || topK <= 0 {
		return nil, nil
	}

	vectors, err := x.embed(ctx, "search", []string{query})
	if err != nil {
		return nil, err
	}

	hits, err := x.backend.Query(ctx, vectors[0], min(topK, total))
	if err != nil {
		return nil, fmt.Errorf("semantic: search: %w", err)
	}

	results := make([]domain.SearchResult, 0, len(hits))
	for _, h := range hits {
		h.Relevance = domain.Relevance(h.Distance)
		if h.Relevance >= x.threshold {
			results = append(results, h)
		}
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Relevance > results[j].Relevance
	})

	x.logger.Debug("search complete", "candidates", len(hits), "relevant", len(results))
	return results, nil
}

// Sources lists distinct source names in lexicographic order.
func (x *Index) Sources(ctx context.Context) ([]string, error) {
	sources, err := x.backend.Sources(ctx)
	if err != nil {
		return nil, fmt.Errorf("semantic: sources: %w", err)
	}
	slices.Sort(sources)
	return slices.Compact(sources), nil
}

// DeleteBySource removes every entry from source and reports how many were removed.
func (x *Index) DeleteBySource(ctx context.Context, source string) (int, error) {
	n, err := x.backend.DeleteBySource(ctx, source)
	if err != nil {
		return 0, fmt.Errorf("semantic: delete %q: %w", source, err)
	}
	if n > 0 {
		x.logger.Info("deleted chunks", "source", source, "count", n)
	}
	return n, nil
}

// Clear removes all entries.
func (x *Index) Clear(ctx context.Context) error {
	if err := x.backend.Clear(ctx); err != nil {
		return fmt.Errorf("semantic: clear: %w", err)
	}
	x.logger.Info("index cleared")
	return nil
}

// Count returns the number of stored entries.
func (x *Index) Count(ctx context.Context) (int, error) {
	n, err := x.backend.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("semantic: count: %w", err)
	}
	return n, nil
}

// embed calls the embedder and checks the shape of its answer against the
// recorded dimension.
func (x *Index) embed(ctx context.Context, op string, texts []string) ([][]float32, error) {
	vectors, err := x.embedder.Embed(ctx, texts)
	if err != nil {
		return nil, &domain.EmbeddingError{Op: op, Wrapped: err}
	}
	if len(vectors) != len(texts) {
		return nil, &domain.EmbeddingError{
			Op:      op,
			Wrapped: fmt.Errorf("got %d vectors for %d texts", len(vectors), len(texts)),
		}
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	for _, v := range vectors {
		if x.dim == 0 && len(v) > 0 {
			x.dim = len(v)
		}
		if len(v) == 0 || len(v) != x.dim {
			return nil, &domain.EmbeddingError{
				Op:      op,
				Wrapped: fmt.Errorf("%w: got %d, want %d", domain.ErrDimensionMismatch, len(v), x.dim),
			}
		}
	}
	return vectors, nil
}
