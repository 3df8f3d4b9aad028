package semantic

import (
	"context"

	"github.com/WessleyAI/docchat/engine/domain"
)

// Payload keys stored alongside each vector.
const (
	keyText       = "text"
	keySource     = "source"
	keyChunkIndex = "chunk_index"
)

// Embedder turns texts into vectors, one per input, in input order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Backend is the storage engine behind an Index. Query returns up to limit
// hits ordered by ascending cosine distance with Relevance left unset.
type Backend interface {
	Upsert(ctx context.Context, entries []domain.IndexedEntry) error
	Query(ctx context.Context, vector []float32, limit int) ([]domain.SearchResult, error)
	Count(ctx context.Context) (int, error)
	Sources(ctx context.Context) ([]string, error)
	DeleteBySource(ctx context.Context, source string) (int, error)
	Clear(ctx context.Context) error
}
