package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/strandlabs/strand"
	"github.com/strandlabs/strand/backend/anthropic"
	"github.com/strandlabs/strand/backend/ollama"
	"github.com/strandlabs/strand/backend/openai"
	"github.com/strandlabs/strand/internal/config"
	"github.com/strandlabs/strand/observer"
	"github.com/strandlabs/strand/rag"
	"github.com/strandlabs/strand/server"
	"github.com/strandlabs/strand/store/postgres"
	"github.com/strandlabs/strand/store/sqlite"
	"github.com/strandlabs/strand/tools/document"
	"github.com/strandlabs/strand/tools/memory"
	"github.com/strandlabs/strand/tools/todo"
	"github.com/strandlabs/strand/tools/web"
)

// appStore is the full persistence surface the binary needs: the engine's
// Store plus the schema bootstrap both implementations provide.
type appStore interface {
	strand.Store
	Init(ctx context.Context) error
}

func main() {
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	if err := run(log); err != nil {
		log.Error("strand: fatal", "error", err)
		os.Exit(1)
	}
}

func run(log *slog.Logger) error {
	cfg := config.Load(os.Getenv("STRAND_CONFIG"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Observability
	var inst *observer.Instruments
	if cfg.Observer.Enabled {
		pricing := make(map[string]observer.ModelPricing, len(cfg.Observer.Pricing))
		for model, p := range cfg.Observer.Pricing {
			pricing[model] = observer.ModelPricing{InputPerMillion: p.Input, OutputPerMillion: p.Output}
		}
		var shutdown func(context.Context) error
		var err error
		inst, shutdown, err = observer.Init(ctx, pricing)
		if err != nil {
			return err
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := shutdown(sctx); err != nil {
				log.Warn("strand: observer shutdown", "error", err)
			}
		}()
	}

	// 2. Store
	var store appStore
	switch cfg.Database.Driver {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Database.DSN)
		if err != nil {
			return err
		}
		defer pool.Close()
		store = postgres.New(pool, postgres.WithEmbeddingDimension(cfg.Database.EmbeddingDimensions))
	default:
		st, err := sqlite.New(cfg.Database.Path)
		if err != nil {
			return err
		}
		store = st
	}
	defer store.Close()
	if err := store.Init(ctx); err != nil {
		return err
	}

	// 3. Backend drivers
	manager := strand.NewManager(cfg.DefaultBackend,
		strand.WithManagerLogger(log),
		strand.WithSummarizationBackend(cfg.SummarizationBackend),
	)
	for key, bc := range cfg.Backends {
		var driver strand.Backend
		switch key {
		case "openai":
			driver = openai.New(openai.WithLogger(log))
		case "anthropic":
			driver = anthropic.New(anthropic.WithLogger(log))
		case "ollama":
			driver = ollama.New(ollama.WithLogger(log))
		default:
			log.Warn("strand: skipping unknown backend", "backend", key)
			continue
		}
		if inst != nil {
			driver = observer.WrapBackend(driver, bc.Model, inst)
		}
		manager.Register(key, driver, strand.NormalizedConfig{
			Model:     bc.Model,
			BaseURL:   bc.BaseURL,
			APIKey:    bc.APIKey,
			Timeout:   bc.Timeout(),
			MaxTokens: bc.MaxTokens,
		})
	}

	queue := strand.NewMemoryQueue(4, strand.WithQueueLogger(log))
	defer queue.Close()
	bus := strand.NewBroadcaster(strand.WithBroadcastLogger(log))
	registry := strand.NewRegistry(strand.WithRegistryLogger(log))

	// 4. RAG
	var (
		pipeline *rag.Pipeline
		searcher *rag.Searcher
		recaller *rag.Recaller
	)
	engineOpts := []strand.EngineOption{strand.WithEngineLogger(log)}
	if cfg.RAG.Enabled {
		embedBackend, err := manager.ForEmbeddings()
		if err != nil {
			return err
		}
		embedder := rag.NewEmbedder(embedBackend, store,
			rag.WithEmbedderLogger(log),
			rag.WithEmbeddingModel(cfg.RAG.EmbeddingModel),
			rag.WithEmbeddingBatchSize(cfg.RAG.EmbeddingBatchSize),
		)
		searcher = rag.NewSearcher(store, embedder,
			rag.WithSearcherLogger(log),
			rag.WithStrategy(rag.Strategy(cfg.Retrieval.Strategy)),
			rag.WithTopK(cfg.Retrieval.TopK),
			rag.WithThreshold(cfg.Retrieval.Threshold),
		)
		pipeline = rag.NewPipeline(store, embedder, queue,
			rag.WithPipelineLogger(log),
			rag.WithChunker(rag.NewRecursiveChunker(rag.WithMaxTokens(cfg.RAG.MaxTokensPerChunk))),
		)
		recaller = rag.NewRecaller(store, store, embedder, log)
		engineOpts = append(engineOpts,
			strand.WithRetriever(rag.NewRetriever(store, searcher, log)),
			strand.WithRecaller(recaller),
			strand.WithIndexer(rag.NewIndexer(store, embedder, log)),
		)
	}

	engine := strand.NewEngine(store, manager, registry, bus, queue, engineOpts...)
	summarizer := strand.NewSummarizer(store, manager, queue, strand.WithSummarizerLogger(log))

	// 5. Server tools
	register := func(t strand.Tool) {
		if inst != nil {
			t = observer.WrapTool(t, inst)
		}
		registry.Register(t)
	}
	register(todo.New(store))
	register(document.New(store, searcher))
	if cfg.Search.BraveAPIKey != "" {
		register(web.New(cfg.Search.BraveAPIKey, store, pipeline))
	}
	if recaller != nil {
		register(memory.New(recaller))
	}

	// 6. Job handlers
	turnHandler := func(ctx context.Context, job strand.Job) error {
		if err := engine.RunTurn(ctx, job); err != nil {
			return err
		}
		if err := summarizer.MaybeEnqueue(ctx, job.Subject); err != nil {
			log.Warn("strand: summary enqueue failed", "conversation_id", job.Subject, "error", err)
		}
		return nil
	}
	if inst != nil {
		turnHandler = observer.WrapTurnHandler(turnHandler, inst)
	}
	queue.Register(strand.JobTurn, turnHandler)
	queue.Register(strand.JobSummarize, summarizer.RunSummary)
	if pipeline != nil {
		queue.Register(strand.JobIngest, pipeline.IngestDocument)
		queue.Register(strand.JobEmbed, pipeline.EmbedDocument)
	}

	// 7. HTTP
	srv := server.New(engine, store, bus,
		server.WithLogger(log),
		server.WithHeartbeat(time.Duration(cfg.Server.HeartbeatSeconds)*time.Second),
	)
	httpServer := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: srv.Handler(),
	}

	errc := make(chan error, 1)
	go func() {
		log.Info("strand: listening", "addr", cfg.Server.Addr)
		errc <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
