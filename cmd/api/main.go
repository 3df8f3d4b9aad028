// Package main implements the docchat API server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/WessleyAI/docchat/engine/catalog"
	"github.com/WessleyAI/docchat/engine/chunk"
	"github.com/WessleyAI/docchat/engine/domain"
	"github.com/WessleyAI/docchat/engine/extract"
	"github.com/WessleyAI/docchat/engine/ingest"
	"github.com/WessleyAI/docchat/engine/memory"
	"github.com/WessleyAI/docchat/engine/rag"
	"github.com/WessleyAI/docchat/engine/router"
	"github.com/WessleyAI/docchat/engine/semantic"
	"github.com/WessleyAI/docchat/pkg/config"
	"github.com/WessleyAI/docchat/pkg/metrics"
	"github.com/WessleyAI/docchat/pkg/mid"
	"github.com/WessleyAI/docchat/pkg/ollama"
	"github.com/WessleyAI/docchat/pkg/openai"
	"github.com/WessleyAI/docchat/pkg/resilience"
	"github.com/WessleyAI/docchat/pkg/websearch"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file (default $"+config.PathEnv+")")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "err", err)
		os.Exit(1)
	}
}

// chatModel is what the engine needs from an LLM provider.
type chatModel interface {
	rag.Generator
	router.Classifier
	ingest.Describer
}

func newChatModel(cfg *config.Config, logger *slog.Logger) (chatModel, error) {
	switch cfg.Provider {
	case config.ProviderGroq:
		return openai.New(openai.Config{
			APIKey:      cfg.Groq.APIKey,
			BaseURL:     cfg.Groq.BaseURL,
			ChatModel:   cfg.Groq.ChatModel,
			VisionModel: cfg.Groq.VisionModel,
		}, logger)
	case config.ProviderOllama:
		return newOllama(cfg, logger), nil
	default:
		return nil, domain.NewConfigError("provider", fmt.Sprintf("unknown provider %q", cfg.Provider))
	}
}

func newOllama(cfg *config.Config, logger *slog.Logger) *ollama.Client {
	return ollama.New(ollama.Config{
		BaseURL:     cfg.Ollama.URL,
		EmbedModel:  cfg.Ollama.EmbedModel,
		ChatModel:   cfg.Ollama.ChatModel,
		VisionModel: cfg.Ollama.VisionModel,
	}, logger)
}

// closer releases a resource on shutdown.
type closer func(context.Context)

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cleanup []closer
	defer func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i](shutCtx)
		}
	}()

	met := metrics.NewDocchat(metrics.New())
	breakers := resilience.BreakerOpts{OnStateChange: func(name string, from, to resilience.State) {
		met.ObserveBreaker(name, from, to)
		logger.Warn("circuit breaker state changed", "breaker", name, "from", from, "to", to)
	}}

	// --- LLM providers ---
	model, err := newChatModel(cfg, logger)
	if err != nil {
		return err
	}
	embedder := newOllama(cfg, logger)

	// --- Vector index ---
	var backend semantic.Backend
	switch cfg.Vector.Backend {
	case config.BackendMemory:
		backend = semantic.NewMemoryStore()
	default:
		store, err := semantic.NewQdrantStore(cfg.Vector.QdrantAddr, cfg.Vector.Collection)
		if err != nil {
			return fmt.Errorf("qdrant connect: %w", err)
		}
		cleanup = append(cleanup, func(context.Context) { store.Close() })
		if err := store.Init(ctx); err != nil {
			return fmt.Errorf("qdrant init: %w", err)
		}
		backend = store
	}
	index, err := semantic.NewIndex(embedder, backend, cfg.SimilarityThreshold, logger)
	if err != nil {
		return err
	}

	chunker, err := chunk.New(cfg.ChunkSize, cfg.ChunkOverlap, logger)
	if err != nil {
		return err
	}

	var ocr extract.OCR
	if cfg.OCR.Enabled {
		ocr = extract.TesseractOCR{Path: cfg.OCR.Path, Language: cfg.OCR.Language}
	}

	// --- Web search (optional) ---
	var web rag.WebSearcher
	if cfg.WebSearch.Enabled {
		tav, err := websearch.New(websearch.Config{
			APIKey:        cfg.WebSearch.APIKey,
			RatePerSecond: cfg.WebSearch.RatePerSecond,
			Breaker:       breakers,
		}, logger)
		if err != nil {
			return err
		}
		web = tav
	}

	// --- Document catalog (optional) ---
	var cat rag.Catalog
	if cfg.Neo4j.URL != "" {
		driver, err := neo4j.NewDriverWithContext(cfg.Neo4j.URL, neo4j.BasicAuth(cfg.Neo4j.User, cfg.Neo4j.Password, ""))
		if err != nil {
			return fmt.Errorf("neo4j driver: %w", err)
		}
		cleanup = append(cleanup, func(ctx context.Context) { driver.Close(ctx) })
		c := catalog.New(driver, cfg.Neo4j.Database, logger)
		if err := c.Init(ctx); err != nil {
			logger.Warn("catalog unavailable, continuing without", "err", err)
		} else {
			cat = c
		}
	}

	// --- Engine ---
	opts := rag.DefaultOptions()
	opts.TopK = cfg.TopK
	opts.MaxWebResults = cfg.MaxSearchResults
	opts.SearchTimeout = cfg.Server.SearchTimeout

	engine, err := rag.New(rag.Deps{
		Extractor: extract.New(ocr, logger),
		Vision:    model,
		Chunker:   chunker,
		Index:     index,
		Memory:    memory.New(cfg.MaxMemoryMessages),
		Router:    router.New(model, logger),
		WebSearch: web,
		Generator: model,
		Catalog:   cat,
		Metrics:   met,
		Logger:    logger,

		StoreBreaker: resilience.NewBreaker("vector-store", breakers),
	}, opts)
	if err != nil {
		return err
	}

	// --- Ingest queue (optional) ---
	if cfg.NATS.URL != "" {
		nc, err := nats.Connect(cfg.NATS.URL, nats.Name("docchat-api"))
		if err != nil {
			return fmt.Errorf("nats connect: %w", err)
		}
		cleanup = append(cleanup, func(context.Context) { nc.Drain() })
		if _, err := ingest.StartConsumer(nc, engine, ingest.ConsumerOpts{
			MaxRetries: cfg.NATS.MaxRetries,
			Logger:     logger,
		}); err != nil {
			return fmt.Errorf("ingest consumer: %w", err)
		}
		if _, err := ingest.WatchDeadLetters(nc, func(_ context.Context, dl ingest.DeadLetter) {
			met.IngestErrors("dead_letter").Inc()
			logger.Warn("upload dead-lettered", "source", dl.Name, "retries", dl.Retries, "err", dl.Error)
		}); err != nil {
			return fmt.Errorf("dead letter watch: %w", err)
		}
		logger.Info("ingest consumer started", "subject", ingest.Subject, "dlq", ingest.DLQSubject)
	}

	// --- HTTP server ---
	api := &server{
		engine:    engine,
		provider:  cfg.Provider,
		maxUpload: cfg.MaxUploadBytes(),
		logger:    logger,
	}
	handler := mid.Chain(api.routes(met.Registry()),
		mid.Recover(logger),
		mid.OTel("docchat-api"),
		mid.Logger(logger),
		mid.Metrics(met),
		mid.CORS(cfg.Server.CORSOrigin),
	)

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           handler,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// --- Graceful shutdown ---
	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server starting",
			"port", cfg.Server.Port,
			"provider", cfg.Provider,
			"vector_backend", cfg.Vector.Backend,
			"chunk_size", chunker.Size(),
			"chunk_overlap", chunker.Overlap(),
			"threshold", index.Threshold(),
			"web_search", web != nil,
			"catalog", cat != nil,
		)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutCtx)
}
