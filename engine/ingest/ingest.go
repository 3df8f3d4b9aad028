// Package ingest provides the ingestion pipeline that turns uploaded files
// into stored chunks through extraction, vision enrichment, chunking and
// storage stages, plus a NATS consumer that feeds queued uploads through it.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/WessleyAI/docchat/engine/domain"
	"github.com/WessleyAI/docchat/pkg/fn"
	"github.com/WessleyAI/docchat/pkg/natsutil"
	"github.com/WessleyAI/docchat/pkg/resilience"
)

const (
	// Subject is the NATS subject for queued uploads.
	Subject = "docchat.ingest"
	// DLQSubject is the dead letter queue subject for failed uploads.
	DLQSubject = "docchat.ingest.dlq"
	// Queue is the queue group shared by consumers.
	Queue = "docchat-ingest"
	// MaxRetries before sending to DLQ.
	MaxRetries = 3
	// DefaultTimeout bounds a single ingestion attempt.
	DefaultTimeout = 5 * time.Minute
)

// Deps holds the dependencies of the ingestion pipeline. Vision, Catalog
// and Breaker are optional.
type Deps struct {
	Extractor Extractor
	Vision    Describer
	Chunker   Chunker
	Store     Store
	Catalog   Recorder
	Logger    *slog.Logger

	// Retry is applied to the store stage when MaxAttempts > 1.
	Retry fn.RetryOpts
	// Breaker, if set, guards every store attempt.
	Breaker *resilience.Breaker
}

// Pipeline is split in two so callers can guard the index only while
// committing: Prepare touches no shared state.
type Pipeline struct {
	Prepare fn.Stage[Upload, Chunked]
	Commit  fn.Stage[Chunked, domain.IngestStats]
}

// Run executes Prepare then Commit.
func (p Pipeline) Run(ctx context.Context, up Upload) fn.Result[domain.IngestStats] {
	return fn.Then(p.Prepare, p.Commit)(ctx, up)
}

// --- Pipeline Stages ---

// Validate checks the upload name is usable as a source identifier.
var Validate fn.Stage[Upload, Upload] = func(_ context.Context, up Upload) fn.Result[Upload] {
	if err := domain.ValidateSource(up.Name); err != nil {
		return fn.Err[Upload](fmt.Errorf("ingest: %q: %w", up.Name, err))
	}
	return fn.Ok(up)
}

// NewExtract creates an Extract stage.
func NewExtract(ex Extractor) fn.Stage[Upload, Extracted] {
	return func(ctx context.Context, up Upload) fn.Result[Extracted] {
		doc, err := ex.Extract(ctx, up.Name, up.Data)
		if err != nil {
			return fn.Err[Extracted](err)
		}
		return fn.Ok(Extracted{Upload: up, Doc: doc})
	}
}

// NewEnrich creates a stage that adds a vision description to images. Vision
// failures are logged and the extracted text is kept as is.
func NewEnrich(vision Describer, log *slog.Logger) fn.Stage[Extracted, Enriched] {
	return func(ctx context.Context, ex Extracted) fn.Result[Enriched] {
		out := Enriched{Doc: ex.Doc}
		if !ex.Doc.IsImage || vision == nil {
			return fn.Ok(out)
		}
		desc, err := vision.Describe(ctx, ex.Data)
		if err != nil {
			log.Warn("ingest: vision analysis skipped", "source", ex.Doc.Source, "err", err)
			return fn.Ok(out)
		}
		out.Vision = desc
		out.Doc.Text = fmt.Sprintf("[OCR Text]: %s\n\n[Visual Analysis]: %s", ex.Doc.Text, desc)
		return fn.Ok(out)
	}
}

// NewChunk creates a Chunk stage.
func NewChunk(c Chunker) fn.Stage[Enriched, Chunked] {
	return func(_ context.Context, en Enriched) fn.Result[Chunked] {
		return fn.Ok(Chunked{Enriched: en, Chunks: c.Chunk(en.Doc.Text, en.Doc.Source)})
	}
}

// NewStore creates a Store stage. When s is also a Replacer, chunks from an
// earlier version of the source are removed first so a source only ever
// holds its latest text. Documents without chunks store nothing.
func NewStore(s Store) fn.Stage[Chunked, domain.IngestStats] {
	rep, _ := s.(Replacer)
	return func(ctx context.Context, doc Chunked) fn.Result[domain.IngestStats] {
		replaced := 0
		if rep != nil {
			n, err := rep.DeleteBySource(ctx, doc.Doc.Source)
			if err != nil {
				return fn.Err[domain.IngestStats](fmt.Errorf("ingest: replace %q: %w", doc.Doc.Source, err))
			}
			replaced = n
		}
		stats := doc.Stats(0)
		stats.ChunksReplaced = replaced
		if len(doc.Chunks) == 0 {
			return fn.Ok(stats)
		}
		n, err := s.Add(ctx, doc.Chunks)
		if err != nil {
			return fn.Err[domain.IngestStats](fmt.Errorf("ingest: store %q: %w", doc.Doc.Source, err))
		}
		stats.ChunksStored = n
		return fn.Ok(stats)
	}
}

// NewRecord creates a stage that writes a catalog entry. Catalog failures
// are logged and never fail the ingestion.
func NewRecord(r Recorder, log *slog.Logger) fn.Stage[domain.IngestStats, domain.IngestStats] {
	return fn.TapStage(func(ctx context.Context, stats domain.IngestStats) {
		if r == nil {
			return
		}
		if err := r.Record(ctx, stats); err != nil {
			log.Warn("ingest: catalog record failed", "source", stats.Source, "err", err)
		}
	})
}

// LoggedTap returns a stage that logs entry/exit with duration.
func LoggedTap[T any](name string, log *slog.Logger) fn.Stage[T, T] {
	return func(ctx context.Context, t T) fn.Result[T] {
		log.Debug("stage.enter", "stage", name)
		start := time.Now()
		defer func() {
			log.Debug("stage.exit", "stage", name, "duration", time.Since(start))
		}()
		return fn.Ok(t)
	}
}

// NewPipeline constructs the ingestion pipeline with all stages wired.
func NewPipeline(deps Deps) Pipeline {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}

	// Prepare: Validate → Extract → Enrich → Chunk
	extracted := fn.Then(Validate, fn.Then(LoggedTap[Upload]("extract", log),
		fn.TracedStage("ingest.extract", NewExtract(deps.Extractor))))
	enriched := fn.Then(extracted, fn.Then(LoggedTap[Extracted]("enrich", log),
		fn.TracedStage("ingest.enrich", NewEnrich(deps.Vision, log))))
	chunked := fn.Then(enriched, fn.Then(LoggedTap[Enriched]("chunk", log),
		fn.TracedStage("ingest.chunk", NewChunk(deps.Chunker))))

	// Commit: Store → Record
	store := NewStore(deps.Store)
	if deps.Breaker != nil {
		store = resilience.BreakerStage(deps.Breaker, store)
	}
	if deps.Retry.MaxAttempts > 1 {
		store = fn.RetryStage(deps.Retry, store)
	}
	stored := fn.Then(LoggedTap[Chunked]("store", log), fn.TracedStage("ingest.store", store))
	recorded := fn.Then(stored, NewRecord(deps.Catalog, log))

	return Pipeline{Prepare: chunked, Commit: recorded}
}

// Permanent reports whether err cannot succeed on retry.
func Permanent(err error) bool {
	var re *RemoteError
	if errors.As(err, &re) {
		return re.Permanent
	}
	return errors.Is(err, domain.ErrExtraction) || errors.Is(err, domain.ErrInvalidSource)
}

// ConsumerOpts configures StartConsumer.
type ConsumerOpts struct {
	MaxRetries int
	Timeout    time.Duration
	Logger     *slog.Logger
}

// DeadLetter is published to the DLQ on permanent or repeated failure.
type DeadLetter struct {
	Name    string `json:"name"`
	Size    int    `json:"size"`
	Error   string `json:"error"`
	Retries int    `json:"retries"`
}

// WatchDeadLetters calls f for every upload given up on by a consumer.
func WatchDeadLetters(nc *nats.Conn, f func(context.Context, DeadLetter)) (*nats.Subscription, error) {
	return natsutil.Subscribe(nc, DLQSubject, f)
}

// StartConsumer subscribes ing to queued uploads with retry and DLQ
// support. Requests carrying a reply subject get a Result once the upload
// succeeds or is given up on.
func StartConsumer(nc *nats.Conn, ing Ingester, opts ConsumerOpts) (*nats.Subscription, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = MaxRetries
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	deadLetter := func(ctx context.Context, msg DeadLetter) {
		if err := natsutil.Publish(ctx, nc, DLQSubject, msg); err != nil {
			log.Error("ingest: DLQ publish failed", "err", err)
		}
	}

	handle := func(ctx context.Context, up Upload, msg *nats.Msg) {
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		stats, err := ing.Ingest(attemptCtx, up.Name, up.Data)
		cancel()
		if err == nil {
			log.Info("ingest: success", "source", stats.Source, "chunks", stats.ChunksStored)
			if err := natsutil.Reply(msg, Result{Stats: &stats}); err != nil {
				log.Warn("ingest: reply failed", "err", err)
			}
			return
		}

		retries := natsutil.Retries(msg) + 1
		log.Error("ingest: pipeline failed", "err", err, "source", up.Name, "retry", retries)

		permanent := Permanent(err)
		if !permanent && retries < maxRetries {
			if err := natsutil.Republish(nc, msg, Subject, retries); err != nil {
				log.Error("ingest: retry publish failed", "err", err)
			}
			return
		}

		deadLetter(ctx, DeadLetter{Name: up.Name, Size: len(up.Data), Error: err.Error(), Retries: retries})
		if err := natsutil.Reply(msg, Result{Error: err.Error(), Permanent: permanent}); err != nil {
			log.Warn("ingest: reply failed", "err", err)
		}
	}

	malformed := func(msg *nats.Msg, err error) {
		log.Error("ingest: unmarshal failed", "err", err)
		deadLetter(natsutil.Context(msg), DeadLetter{Size: len(msg.Data), Error: err.Error()})
		_ = natsutil.Reply(msg, Result{Error: "malformed upload: " + err.Error(), Permanent: true})
	}

	return natsutil.QueueSubscribe(nc, Subject, Queue, handle, malformed)
}
