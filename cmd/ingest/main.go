// Command ingest watches a directory for documents and feeds new or changed
// files into docchat. With NATS configured, files are queued for the API
// server's ingest consumer; otherwise they run through an in-process
// pipeline straight into Qdrant.
package main

import (
	"context"
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/WessleyAI/docchat/engine/catalog"
	"github.com/WessleyAI/docchat/engine/chunk"
	"github.com/WessleyAI/docchat/engine/domain"
	"github.com/WessleyAI/docchat/engine/extract"
	"github.com/WessleyAI/docchat/engine/ingest"
	"github.com/WessleyAI/docchat/engine/semantic"
	"github.com/WessleyAI/docchat/pkg/config"
	"github.com/WessleyAI/docchat/pkg/fn"
	"github.com/WessleyAI/docchat/pkg/metrics"
	"github.com/WessleyAI/docchat/pkg/natsutil"
	"github.com/WessleyAI/docchat/pkg/ollama"
	"github.com/WessleyAI/docchat/pkg/openai"
	"github.com/WessleyAI/docchat/pkg/resilience"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file (default $"+config.PathEnv+")")
	dir := flag.String("dir", "./documents", "directory to watch")
	stateFile := flag.String("state", "", "file recording ingested file versions (default <dir>/.ingest-state.json)")
	once := flag.Bool("once", false, "scan the directory once and exit")
	workers := flag.Int("workers", 4, "files submitted concurrently during a scan")
	settle := flag.Duration("settle", time.Second, "quiet period before a changed file is ingested")
	timeout := flag.Duration("timeout", ingest.DefaultTimeout, "how long to wait for a queued file to be ingested")
	metricsAddr := flag.String("metrics", "", "address serving /metrics (disabled when empty)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	if *stateFile == "" {
		*stateFile = filepath.Join(*dir, ".ingest-state.json")
	}

	err = run(cfg, options{
		dir:         *dir,
		statePath:   *stateFile,
		once:        *once,
		workers:     *workers,
		settle:      *settle,
		timeout:     *timeout,
		metricsAddr: *metricsAddr,
	}, logger)
	if err != nil {
		logger.Error("ingest exited with error", "err", err)
		os.Exit(1)
	}
}

type options struct {
	dir         string
	statePath   string
	once        bool
	workers     int
	settle      time.Duration
	timeout     time.Duration
	metricsAddr string
}

func run(cfg *config.Config, opts options, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(opts.dir, 0o755); err != nil {
		return fmt.Errorf("ingest: create %s: %w", opts.dir, err)
	}

	met := metrics.NewDocchat(metrics.New())
	if opts.metricsAddr != "" {
		srv := &http.Server{Addr: opts.metricsAddr, Handler: met.Registry().Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "err", err)
			}
		}()
		defer srv.Close()
	}

	ing, closeAll, err := newIngester(ctx, cfg, opts.timeout, met, logger)
	if err != nil {
		return err
	}
	defer closeAll()

	proc := newProcessor(ing, met, opts.statePath, logger)

	// Start watching before the initial scan so nothing written in between is missed.
	var events <-chan string
	if !opts.once {
		events, err = watch(ctx, opts.dir, opts.settle, logger)
		if err != nil {
			return err
		}
	}

	submitted, failed := proc.scan(ctx, opts.dir, opts.workers)
	logger.Info("initial scan done", "dir", opts.dir, "submitted", submitted, "failed", failed)
	if opts.once {
		if failed > 0 {
			return fmt.Errorf("ingest: %d file(s) failed", failed)
		}
		return nil
	}

	logger.Info("watching for documents", "dir", opts.dir, "settle", opts.settle)
	for path := range events {
		if _, err := proc.process(ctx, path); err != nil {
			logger.Error("ingest failed, will retry on next change", "file", filepath.Base(path), "err", err)
		}
	}
	logger.Info("shutting down")
	return nil
}

// newIngester picks the queue when NATS is configured and an in-process
// pipeline otherwise. The returned func releases whatever was opened.
func newIngester(ctx context.Context, cfg *config.Config, timeout time.Duration, met *metrics.Docchat, logger *slog.Logger) (ingest.Ingester, func(), error) {
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if cfg.NATS.URL != "" {
		nc, err := nats.Connect(cfg.NATS.URL, nats.Name("docchat-ingest"))
		if err != nil {
			return nil, closeAll, fmt.Errorf("nats connect: %w", err)
		}
		closers = append(closers, func() { nc.Drain() })
		logger.Info("submitting files over nats", "subject", ingest.Subject, "max_payload", nc.MaxPayload())
		return queueIngester{nc: nc, timeout: timeout}, closeAll, nil
	}

	if cfg.Vector.Backend == config.BackendMemory {
		return nil, closeAll, domain.NewConfigError("vector.backend",
			"in-process ingestion needs a persistent backend; use qdrant or set nats.url")
	}

	store, err := semantic.NewQdrantStore(cfg.Vector.QdrantAddr, cfg.Vector.Collection)
	if err != nil {
		return nil, closeAll, fmt.Errorf("qdrant connect: %w", err)
	}
	closers = append(closers, func() { store.Close() })
	if err := store.Init(ctx); err != nil {
		return nil, closeAll, fmt.Errorf("qdrant init: %w", err)
	}

	embedder := ollama.New(ollama.Config{
		BaseURL:     cfg.Ollama.URL,
		EmbedModel:  cfg.Ollama.EmbedModel,
		ChatModel:   cfg.Ollama.ChatModel,
		VisionModel: cfg.Ollama.VisionModel,
	}, logger)
	index, err := semantic.NewIndex(embedder, store, cfg.SimilarityThreshold, logger)
	if err != nil {
		return nil, closeAll, err
	}
	chunker, err := chunk.New(cfg.ChunkSize, cfg.ChunkOverlap, logger)
	if err != nil {
		return nil, closeAll, err
	}

	var vision ingest.Describer = embedder
	if cfg.Provider == config.ProviderGroq {
		groq, err := openai.New(openai.Config{
			APIKey:      cfg.Groq.APIKey,
			BaseURL:     cfg.Groq.BaseURL,
			ChatModel:   cfg.Groq.ChatModel,
			VisionModel: cfg.Groq.VisionModel,
		}, logger)
		if err != nil {
			return nil, closeAll, err
		}
		vision = groq
	}

	var ocr extract.OCR
	if cfg.OCR.Enabled {
		ocr = extract.TesseractOCR{Path: cfg.OCR.Path, Language: cfg.OCR.Language}
	}

	var rec ingest.Recorder
	if cfg.Neo4j.URL != "" {
		driver, err := neo4j.NewDriverWithContext(cfg.Neo4j.URL, neo4j.BasicAuth(cfg.Neo4j.User, cfg.Neo4j.Password, ""))
		if err != nil {
			return nil, closeAll, fmt.Errorf("neo4j driver: %w", err)
		}
		closers = append(closers, func() { driver.Close(context.Background()) })
		c := catalog.New(driver, cfg.Neo4j.Database, logger)
		if err := c.Init(ctx); err != nil {
			logger.Warn("catalog unavailable, continuing without", "err", err)
		} else {
			rec = c
		}
	}

	retry := fn.DefaultRetry
	retry.Retryable = func(err error) bool { return errors.Is(err, domain.ErrEmbedding) }

	breaker := resilience.NewBreaker("vector-store", resilience.BreakerOpts{OnStateChange: met.ObserveBreaker})
	pipeline := ingest.NewPipeline(ingest.Deps{
		Extractor: extract.New(ocr, logger),
		Vision:    vision,
		Chunker:   chunker,
		Store:     index,
		Catalog:   rec,
		Logger:    logger,
		Retry:     retry,
		Breaker:   breaker,
	})
	logger.Info("ingesting in process", "qdrant", cfg.Vector.QdrantAddr, "collection", cfg.Vector.Collection)
	return pipelineIngester{pipeline: pipeline}, closeAll, nil
}

// queueIngester submits uploads to the API server's ingest consumer and
// waits for its reply.
type queueIngester struct {
	nc      *nats.Conn
	timeout time.Duration
}

func (q queueIngester) Ingest(ctx context.Context, name string, data []byte) (domain.IngestStats, error) {
	// Data travels base64 encoded inside the JSON envelope.
	if size := int64(base64.StdEncoding.EncodedLen(len(data))); size > q.nc.MaxPayload() {
		return domain.IngestStats{}, fmt.Errorf("ingest: %s: encoded size %d exceeds nats max payload %d", name, size, q.nc.MaxPayload())
	}
	if q.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.timeout)
		defer cancel()
	}
	res, err := natsutil.Request[ingest.Upload, ingest.Result](ctx, q.nc, ingest.Subject, ingest.Upload{Name: name, Data: data})
	if err != nil {
		return domain.IngestStats{}, fmt.Errorf("ingest: submit %s: %w", name, err)
	}
	if err := res.Err(); err != nil {
		return domain.IngestStats{}, fmt.Errorf("ingest: %s: %w", name, err)
	}
	if res.Stats == nil {
		return domain.IngestStats{}, fmt.Errorf("ingest: %s: empty reply", name)
	}
	return *res.Stats, nil
}

// pipelineIngester runs uploads through an in-process pipeline.
type pipelineIngester struct {
	pipeline ingest.Pipeline
}

func (p pipelineIngester) Ingest(ctx context.Context, name string, data []byte) (domain.IngestStats, error) {
	return p.pipeline.Run(ctx, ingest.Upload{Name: name, Data: data}).Unwrap()
}
