package ingest

import (
	"context"

	"github.com/WessleyAI/docchat/engine/domain"
)

// Upload is a file submitted for ingestion.
type Upload struct {
	Name string `json:"name"`
	Data []byte `json:"data"`
}

// Extracted is an upload after text extraction.
type Extracted struct {
	Upload
	Doc domain.Document
}

// Enriched is an extracted document after optional vision analysis.
type Enriched struct {
	Doc    domain.Document
	Vision string
}

// Chunked is an enriched document split into chunks ready to store.
type Chunked struct {
	Enriched
	Chunks []domain.Chunk
}

// Stats builds the IngestStats reported for a stored document.
func (c Chunked) Stats(stored int) domain.IngestStats {
	return domain.IngestStats{
		Source:         c.Doc.Source,
		Type:           c.Doc.Type,
		ChunksStored:   stored,
		VisionAnalysis: c.Vision,
	}
}

// Extractor turns file bytes into a Document.
type Extractor interface {
	Extract(ctx context.Context, name string, data []byte) (domain.Document, error)
}

// Describer produces a textual description of an image.
type Describer interface {
	Describe(ctx context.Context, image []byte) (string, error)
}

// Chunker splits document text into chunks.
type Chunker interface {
	Chunk(text, source string) []domain.Chunk
}

// Store persists chunks and reports how many were stored.
type Store interface {
	Add(ctx context.Context, chunks []domain.Chunk) (int, error)
}

// Replacer is implemented by stores that can drop the chunks of an earlier
// version of a source before the new ones are added.
type Replacer interface {
	DeleteBySource(ctx context.Context, source string) (int, error)
}

// Recorder keeps a catalog entry per ingested document.
type Recorder interface {
	Record(ctx context.Context, stats domain.IngestStats) error
}

// Ingester runs a whole upload through ingestion.
type Ingester interface {
	Ingest(ctx context.Context, name string, data []byte) (domain.IngestStats, error)
}

// Result is the reply sent for a queued upload.
type Result struct {
	Stats     *domain.IngestStats `json:"stats,omitempty"`
	Error     string              `json:"error,omitempty"`
	Permanent bool                `json:"permanent,omitempty"`
}

// Err returns the failure carried by r, or nil.
func (r Result) Err() error {
	if r.Error == "" {
		return nil
	}
	return &RemoteError{Message: r.Error, Permanent: r.Permanent}
}

// RemoteError is a failure reported back by a queue consumer.
type RemoteError struct {
	Message   string
	Permanent bool
}

func (e *RemoteError) Error() string { return e.Message }
