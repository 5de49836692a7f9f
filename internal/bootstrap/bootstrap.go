package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	httpadapter "mmrag/internal/adapters/http"
	"mmrag/internal/config"
	"mmrag/internal/core/domain"
	"mmrag/internal/core/memory"
	"mmrag/internal/core/recall"
	"mmrag/internal/core/rerank"
	"mmrag/internal/core/sourcefilter"
	"mmrag/internal/core/usecase"
	"mmrag/internal/infrastructure/llm/ollama"
	"mmrag/internal/infrastructure/queue/nats"
	"mmrag/internal/infrastructure/reranker/tei"
	"mmrag/internal/infrastructure/repository/postgres"
	"mmrag/internal/infrastructure/resilience"
	"mmrag/internal/infrastructure/vector/qdrant"
	"mmrag/internal/loader"
	"mmrag/internal/observability/logging"
	"mmrag/internal/observability/metrics"
)

const serviceName = "api"

// App wires the full query service: storage, vector index, models,
// the pipeline use cases, and the HTTP surface.
type App struct {
	Config  config.Config
	Logger  *slog.Logger
	Handler http.Handler
	Metrics *metrics.HTTPServerMetrics

	snapshots *loader.Loader
	bus       *nats.Bus

	closeFn func()
}

func New(ctx context.Context, cfg config.Config) (*App, error) {
	logger := logging.NewJSONLogger(serviceName, cfg.LogLevel)
	serverMetrics := metrics.NewHTTPServerMetrics(serviceName)

	db, err := postgres.OpenDB(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	sessions := postgres.NewSessionRepository(db)
	if err := sessions.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	bus, err := nats.NewWithOptions(cfg.NATSURL, cfg.NATSReindexSubject, nats.Options{
		ResilienceExecutor: resilience.NewExecutor(resilience.DefaultPolicy()),
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init reindex bus: %w", err)
	}

	ollamaClient := ollama.New(cfg.OllamaURL, cfg.OllamaGenModel, cfg.OllamaEmbedModel)
	embedder := ollama.NewEmbedder(ollamaClient)
	generator := ollama.NewGenerator(ollamaClient)

	chunkStore := qdrant.New(cfg.QdrantURL, cfg.QdrantCollection)
	memoryIndex := qdrant.NewMemoryClient(cfg.QdrantURL, cfg.QdrantMemoryCollection)

	snapshots := loader.New(chunkStore, cfg.Loader, logger)

	engines := []usecase.RecallEngine{
		recall.NewEngine(domain.ModalityText, snapshots, chunkStore, embedder, cfg.Recall, cfg.Scoring, logger),
		recall.NewEngine(domain.ModalityTable, snapshots, chunkStore, embedder, cfg.Recall, cfg.Scoring, logger),
		recall.NewEngine(domain.ModalityImage, snapshots, chunkStore, embedder, cfg.Recall, cfg.Scoring, logger),
	}

	var crossEncoder *tei.Client
	if cfg.RerankerEnabled {
		crossEncoder = tei.New(cfg.RerankerURL)
	}
	reranker := newReranker(cfg.Rerank, crossEncoder, logger)

	filter := sourcefilter.New(cfg.Filter, cfg.Scoring, logger)
	memoryManager := memory.NewManager(cfg.Memory, cfg.Scoring, sessions, memoryIndex, embedder, generator, logger)

	askUC := usecase.NewAskUseCase(cfg.Pipeline, engines, reranker, filter, memoryManager, generator, logger)
	statsUC := usecase.NewStatsUseCase(snapshots, reranker, sessions)

	router := httpadapter.NewRouter(askUC, memoryManager, statsUC, serverMetrics, logger)

	return &App{
		Config:    cfg,
		Logger:    logger,
		Handler:   router.Handler(),
		Metrics:   serverMetrics,
		snapshots: snapshots,
		bus:       bus,
		closeFn: func() {
			bus.Close()
			db.Close()
		},
	}, nil
}

// newReranker keeps the nil-interface trap out of the wiring: a typed
// nil *tei.Client must not reach the engine as a non-nil CrossEncoder.
func newReranker(cfg config.RerankConfig, cross *tei.Client, logger *slog.Logger) *rerank.Engine {
	if cross == nil {
		return rerank.New(cfg, nil, logger)
	}
	return rerank.New(cfg, cross, logger)
}

// WarmSnapshot loads the chunk snapshot eagerly so the first request
// does not pay the full scroll.
func (a *App) WarmSnapshot(ctx context.Context) error {
	snap, err := a.snapshots.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("warm snapshot: %w", err)
	}
	a.Logger.Info("snapshot_warmed", "chunks", snap.Total(), "load_ms", snap.Elapsed.Milliseconds())
	return nil
}

// RunReindexSubscriber blocks on the reindex subject until ctx is done,
// refreshing the loader snapshot for every notification.
func (a *App) RunReindexSubscriber(ctx context.Context) error {
	return a.bus.SubscribeChunksReindexed(ctx, func(ctx context.Context, reason string) error {
		snap, err := a.snapshots.Refresh(ctx)
		a.Metrics.RecordSnapshotRefresh(serviceName, err)
		if err != nil {
			a.Logger.Error("snapshot_refresh_failed", "reason", reason, "error", err)
			return err
		}
		a.Logger.Info("snapshot_refreshed", "reason", reason, "chunks", snap.Total())
		return nil
	})
}

func (a *App) Close() {
	if a.closeFn != nil {
		a.closeFn()
	}
}
