// Package rag orchestrates document ingestion and retrieval-augmented chat.
// It routes each question, gathers document and web context, streams the
// model's answer and keeps the conversation window up to date.
package rag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/WessleyAI/docchat/engine/domain"
	"github.com/WessleyAI/docchat/engine/ingest"
	"github.com/WessleyAI/docchat/pkg/fn"
	"github.com/WessleyAI/docchat/pkg/metrics"
	"github.com/WessleyAI/docchat/pkg/resilience"
)

// Index is the vector index the engine reads and writes.
type Index interface {
	Add(ctx context.Context, chunks []domain.Chunk) (int, error)
	Search(ctx context.Context, query string, topK int) ([]domain.SearchResult, error)
	Sources(ctx context.Context) ([]string, error)
	DeleteBySource(ctx context.Context, source string) (int, error)
	Clear(ctx context.Context) error
	Count(ctx context.Context) (int, error)
}

// Memory is the conversation window.
type Memory interface {
	AddUser(content string)
	AddAssistant(content string)
	History() []domain.Turn
	Clear()
	Count() int
}

// Router picks the retrieval strategy for a query.
type Router interface {
	Route(ctx context.Context, query string, hasDocuments bool) domain.Route
}

// WebSearcher returns web results. Failures yield no results.
type WebSearcher interface {
	Search(ctx context.Context, query string, max int) []domain.WebResult
}

// Generator streams a chat completion. The last token carries Done or Err.
type Generator interface {
	StreamGenerate(ctx context.Context, req domain.GenerateRequest) (<-chan domain.StreamToken, error)
}

// Catalog records ingested documents outside the index.
type Catalog interface {
	ingest.Recorder
	Remove(ctx context.Context, source string) error
	RemoveAll(ctx context.Context) error
}

// Deps holds the engine's collaborators. Vision, WebSearch, Catalog,
// StoreBreaker and Metrics are optional.
type Deps struct {
	Extractor ingest.Extractor
	Vision    ingest.Describer
	Chunker   ingest.Chunker
	Index     Index
	Memory    Memory
	Router    Router
	WebSearch WebSearcher
	Generator Generator
	Catalog   Catalog
	Metrics   *metrics.Docchat
	Logger    *slog.Logger

	// StoreBreaker guards index writes during ingestion.
	StoreBreaker *resilience.Breaker
}

// Options configures retrieval and generation.
type Options struct {
	TopK          int
	MaxWebResults int
	SystemPrompt  string
	SearchTimeout time.Duration
	// StoreRetry retries chunk storage on embedding failures.
	StoreRetry fn.RetryOpts
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		TopK:          5,
		MaxWebResults: 5,
		SystemPrompt:  DefaultSystemPrompt,
		SearchTimeout: 15 * time.Second,
		StoreRetry: fn.RetryOpts{
			MaxAttempts: 3,
			InitialWait: 500 * time.Millisecond,
			MaxWait:     5 * time.Second,
			Jitter:      true,
		},
	}
}

// DefaultSystemPrompt instructs the model how to use document and web context.
const DefaultSystemPrompt = `You are an intelligent AI assistant with access to the user's uploaded documents and web search capabilities.

Your behavior:
1. When the user asks about their uploaded documents, answer ONLY from the provided context. Cite the source document name.
2. When the user asks about current events or general knowledge not in documents, use web search results. Cite the source URL.
3. When both document context and web results are provided, synthesize a comprehensive answer citing both.
4. If you don't have enough context to answer, say so honestly. Never fabricate information.
5. Keep responses clear, well-structured, and helpful. Use markdown formatting.
6. When citing sources, use this format:
   - Document sources: 📄 *Source: [filename]*
   - Web sources: 🌐 *Source: [title](URL)*

Remember: Accuracy and helpfulness are your top priorities.`

// Engine is the RAG orchestrator. Queries share the index; ingestion,
// deletion and clearing take it exclusively.
type Engine struct {
	index    Index
	memory   Memory
	router   Router
	web      WebSearcher
	gen      Generator
	catalog  Catalog
	pipeline ingest.Pipeline
	metrics  *metrics.Docchat
	opts     Options
	logger   *slog.Logger

	mu sync.RWMutex
}

// New creates an Engine.
func New(deps Deps, opts Options) (*Engine, error) {
	switch {
	case deps.Extractor == nil:
		return nil, domain.NewConfigError("extractor", "required")
	case deps.Chunker == nil:
		return nil, domain.NewConfigError("chunker", "required")
	case deps.Index == nil:
		return nil, domain.NewConfigError("index", "required")
	case deps.Memory == nil:
		return nil, domain.NewConfigError("memory", "required")
	case deps.Router == nil:
		return nil, domain.NewConfigError("router", "required")
	case deps.Generator == nil:
		return nil, domain.NewConfigError("generator", "required")
	}
	if opts.TopK <= 0 {
		return nil, domain.NewConfigError("top_k", "must be positive")
	}
	if opts.MaxWebResults <= 0 {
		opts.MaxWebResults = 5
	}
	if opts.SystemPrompt == "" {
		opts.SystemPrompt = DefaultSystemPrompt
	}
	if opts.SearchTimeout <= 0 {
		opts.SearchTimeout = 15 * time.Second
	}

	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	m := deps.Metrics
	if m == nil {
		m = metrics.NewDocchat(nil)
	}

	return &Engine{
		index:   deps.Index,
		memory:  deps.Memory,
		router:  deps.Router,
		web:     deps.WebSearch,
		gen:     deps.Generator,
		catalog: deps.Catalog,
		pipeline: ingest.NewPipeline(ingest.Deps{
			Extractor: deps.Extractor,
			Vision:    deps.Vision,
			Chunker:   deps.Chunker,
			Store:     deps.Index,
			Catalog:   deps.Catalog,
			Retry:     storeRetry(opts.StoreRetry),
			Breaker:   deps.StoreBreaker,
			Logger:    log,
		}),
		metrics: m,
		opts:    opts,
		logger:  log,
	}, nil
}

// storeRetry limits retries to embedding failures.
func storeRetry(opts fn.RetryOpts) fn.RetryOpts {
	if opts.Retryable == nil {
		opts.Retryable = func(err error) bool { return errors.Is(err, domain.ErrEmbedding) }
	}
	return opts
}

// Ingest extracts, enriches, chunks and stores one file. Extraction runs
// without holding the index; an extraction failure leaves prior state
// untouched. A file
// ingested again under the same source replaces its earlier chunks while
// the write lock is held, so queries never see both versions.
func (e *Engine) Ingest(ctx context.Context, source string, data []byte) (domain.IngestStats, error) {
	start := time.Now()

	chunked, err := e.pipeline.Prepare(ctx, ingest.Upload{Name: source, Data: data}).Unwrap()
	if err != nil {
		e.metrics.IngestErrors(ingestErrorKind(err)).Inc()
		e.logger.Warn("ingest failed", "source", source, "err", err)
		return domain.IngestStats{}, err
	}

	e.mu.Lock()
	stats, err := e.pipeline.Commit(ctx, chunked).Unwrap()
	e.mu.Unlock()
	if err != nil {
		e.metrics.IngestErrors(ingestErrorKind(err)).Inc()
		e.logger.Error("ingest store failed", "source", source, "err", err)
		return domain.IngestStats{}, err
	}

	e.metrics.Ingested(stats.Type).Inc()
	e.metrics.ChunksStored().Add(int64(stats.ChunksStored))
	e.metrics.IngestDuration().Since(start)
	e.refreshCount(ctx)
	e.logger.Info("ingested document",
		"source", stats.Source,
		"type", stats.Type,
		"chunks", stats.ChunksStored,
		"replaced", stats.ChunksReplaced,
		"vision", stats.VisionAnalysis != "",
		"duration", time.Since(start),
	)
	return stats, nil
}

func ingestErrorKind(err error) string {
	switch {
	case errors.Is(err, domain.ErrInvalidSource):
		return "invalid_source"
	case errors.Is(err, domain.ErrExtraction):
		return "extraction"
	case errors.Is(err, domain.ErrEmbedding):
		return "embedding"
	default:
		return "other"
	}
}

// Sources lists the distinct indexed sources in lexicographic order.
func (e *Engine) Sources(ctx context.Context) ([]string, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.index.Sources(ctx)
}

// DocumentCount returns the number of indexed chunks.
func (e *Engine) DocumentCount(ctx context.Context) (int, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.index.Count(ctx)
}

// DeleteSource removes every chunk of source and its catalog entry.
func (e *Engine) DeleteSource(ctx context.Context, source string) (int, error) {
	e.mu.Lock()
	n, err := e.index.DeleteBySource(ctx, source)
	e.mu.Unlock()
	if err != nil {
		return 0, fmt.Errorf("rag: delete %q: %w", source, err)
	}
	if e.catalog != nil {
		if err := e.catalog.Remove(ctx, source); err != nil {
			e.logger.Warn("catalog remove failed", "source", source, "err", err)
		}
	}
	e.refreshCount(ctx)
	e.logger.Info("deleted source", "source", source, "chunks", n)
	return n, nil
}

// ClearAll empties the index, the conversation memory and the catalog.
func (e *Engine) ClearAll(ctx context.Context) error {
	e.mu.Lock()
	err := e.index.Clear(ctx)
	e.mu.Unlock()
	if err != nil {
		return fmt.Errorf("rag: clear: %w", err)
	}
	e.memory.Clear()
	if e.catalog != nil {
		if err := e.catalog.RemoveAll(ctx); err != nil {
			e.logger.Warn("catalog clear failed", "err", err)
		}
	}
	e.metrics.IndexedChunks().Set(0)
	e.logger.Info("cleared documents and memory")
	return nil
}

// ClearHistory forgets the conversation but keeps the documents.
func (e *Engine) ClearHistory() {
	e.memory.Clear()
}

// MemoryCount returns the number of turns held in memory.
func (e *Engine) MemoryCount() int {
	return e.memory.Count()
}

func (e *Engine) refreshCount(ctx context.Context) {
	n, err := e.DocumentCount(ctx)
	if err != nil {
		return
	}
	e.metrics.IndexedChunks().Set(float64(n))
}
