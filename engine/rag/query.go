package rag

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"math"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/WessleyAI/docchat/engine/domain"
	"github.com/WessleyAI/docchat/pkg/fn"
	"github.com/WessleyAI/docchat/pkg/websearch"
)

// ErrorMarker prefixes the fragment emitted when generation fails mid-stream.
const ErrorMarker = "\n\n⚠️ Error generating response: "

var tracer = otel.Tracer("engine/rag")

// QueryInfo describes how a query was answered.
type QueryInfo struct {
	// Route is the router's decision.
	Route domain.Route `json:"route"`
	// Effective is the route actually served. It differs from Route when a
	// document query found nothing and fell back to the web.
	Effective domain.Route `json:"effective_route"`
	DocHits   int          `json:"doc_hits"`
	WebHits   int          `json:"web_hits"`
	Fallback  bool         `json:"fallback"`
}

// QueryOption customizes a single Query call.
type QueryOption func(*QueryConfig)

// QueryConfig is the result of applying QueryOptions.
type QueryConfig struct {
	OnInfo func(QueryInfo)
}

// NewQueryConfig applies opts to an empty QueryConfig.
func NewQueryConfig(opts ...QueryOption) QueryConfig {
	var c QueryConfig
	for _, o := range opts {
		o(&c)
	}
	return c
}

// WithInfo registers a callback that receives the QueryInfo once context
// has been gathered, before the first fragment.
func WithInfo(f func(QueryInfo)) QueryOption {
	return func(c *QueryConfig) { c.OnInfo = f }
}

// retrieved is the context gathered from one source.
type retrieved struct {
	text string
	hits int
	err  error
}

// Query answers message as a lazy stream of fragments. Nothing happens until
// the sequence is ranged over, and it can be consumed once. Fragments are
// forwarded as they arrive. The user turn is recorded before generation; the
// assistant turn only when the stream completes. Stopping early cancels
// generation and records no answer. A retrieval failure yields one error and
// leaves memory untouched; a generation failure yields ErrorMarker with a
// *domain.GenerationError.
func (e *Engine) Query(ctx context.Context, message string, opts ...QueryOption) iter.Seq2[string, error] {
	cfg := NewQueryConfig(opts...)

	return func(yield func(string, error) bool) {
		start := time.Now()
		if err := domain.ValidateQuery(message); err != nil {
			yield("", err)
			return
		}

		ctx, span := tracer.Start(ctx, "rag.query")
		defer span.End()

		info, req, err := e.prepare(ctx, message)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			e.metrics.QueryErrors("retrieval").Inc()
			e.logger.Error("query retrieval failed", "err", err)
			yield("", err)
			return
		}
		span.SetAttributes(
			attribute.String("route", string(info.Route)),
			attribute.String("effective_route", string(info.Effective)),
			attribute.Int("doc_hits", info.DocHits),
			attribute.Int("web_hits", info.WebHits),
		)
		e.metrics.Queries(string(info.Effective)).Inc()
		if info.Fallback {
			e.metrics.WebFallbacks().Inc()
		}
		if cfg.OnInfo != nil {
			cfg.OnInfo(info)
		}

		e.memory.AddUser(message)
		e.generate(ctx, req, yield)
		e.metrics.QueryDuration().Since(start)
	}
}

// prepare routes the query and gathers its context. It does not touch memory.
func (e *Engine) prepare(ctx context.Context, message string) (QueryInfo, domain.GenerateRequest, error) {
	ctx, span := tracer.Start(ctx, "rag.retrieve")
	defer span.End()

	e.mu.RLock()
	defer e.mu.RUnlock()

	count, err := e.index.Count(ctx)
	if err != nil {
		return QueryInfo{}, domain.GenerateRequest{}, fmt.Errorf("rag: count: %w", err)
	}
	route := e.router.Route(ctx, message, count > 0)
	info := QueryInfo{Route: route, Effective: route}

	docs := func() retrieved { return retrieved{} }
	if route.UsesDocs() {
		docs = func() retrieved { return e.searchDocs(ctx, message) }
	}
	web := func() retrieved { return retrieved{} }
	if route.UsesWeb() {
		web = func() retrieved { return e.searchWeb(ctx, message) }
	}
	parts := fn.FanOut(docs, web)
	docPart, webPart := parts[0], parts[1]
	if docPart.err != nil {
		return QueryInfo{}, domain.GenerateRequest{}, docPart.err
	}

	if route == domain.RouteDocsOnly && docPart.hits == 0 {
		e.logger.Info("no document results, falling back to web search")
		webPart = e.searchWeb(ctx, message)
		info.Fallback = true
		info.Effective = domain.RouteWebOnly
	}
	info.DocHits, info.WebHits = docPart.hits, webPart.hits

	e.logger.Info("query routed",
		"route", route,
		"effective_route", info.Effective,
		"doc_hits", info.DocHits,
		"web_hits", info.WebHits,
	)

	return info, domain.GenerateRequest{
		SystemPrompt: e.opts.SystemPrompt,
		History:      e.memory.History(),
		DocContext:   docPart.text,
		WebContext:   webPart.text,
		Message:      message,
	}, nil
}

func (e *Engine) searchDocs(ctx context.Context, query string) retrieved {
	ctx, cancel := context.WithTimeout(ctx, e.opts.SearchTimeout)
	defer cancel()
	results, err := e.index.Search(ctx, query, e.opts.TopK)
	if err != nil {
		return retrieved{err: fmt.Errorf("rag: search: %w", err)}
	}
	return retrieved{text: FormatDocContext(results), hits: len(results)}
}

func (e *Engine) searchWeb(ctx context.Context, query string) retrieved {
	if e.web == nil {
		return retrieved{}
	}
	ctx, cancel := context.WithTimeout(ctx, e.opts.SearchTimeout)
	defer cancel()
	results := e.web.Search(ctx, query, e.opts.MaxWebResults)
	return retrieved{text: websearch.Format(results), hits: len(results)}
}

// generate streams the answer to yield and records it once complete.
func (e *Engine) generate(ctx context.Context, req domain.GenerateRequest, yield func(string, error) bool) {
	ctx, span := tracer.Start(ctx, "rag.generate")
	defer span.End()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		answer  strings.Builder
		emitted int
	)
	fail := func(err error) {
		genErr := &domain.GenerationError{Emitted: emitted, Wrapped: err}
		span.RecordError(genErr)
		span.SetStatus(codes.Error, genErr.Error())
		e.metrics.QueryErrors("generation").Inc()
		e.logger.Error("generation failed", "emitted", emitted, "err", err)
		yield(ErrorMarker+err.Error(), genErr)
	}

	tokens, err := e.gen.StreamGenerate(ctx, req)
	if err != nil {
		fail(err)
		return
	}

	for tok := range tokens {
		if tok.Err != nil {
			fail(tok.Err)
			return
		}
		if tok.Content != "" {
			answer.WriteString(tok.Content)
			emitted++
			if !yield(tok.Content, nil) {
				e.logger.Info("query stream abandoned", "emitted", emitted)
				return
			}
		}
		if tok.Done {
			e.memory.AddAssistant(answer.String())
			span.SetAttributes(attribute.Int("fragments", emitted))
			return
		}
	}

	if err := ctx.Err(); err != nil {
		fail(err)
		return
	}
	fail(errors.New("stream closed before completion"))
}

// FormatDocContext renders search results as numbered, attributed blocks.
func FormatDocContext(results []domain.SearchResult) string {
	parts := make([]string, len(results))
	for i, r := range results {
		parts[i] = fmt.Sprintf("**[Chunk %d]** (Source: %s, Relevance: %d%%)\n%s",
			i+1, r.Source, int(math.Round(r.Relevance*100)), r.Text)
	}
	return strings.Join(parts, "\n\n---\n\n")
}
