package recall

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"mmrag/internal/config"
	"mmrag/internal/core/domain"
	"mmrag/internal/core/ports"
	"mmrag/internal/loader"
)

// SnapshotProvider hands engines the current immutable chunk snapshot.
type SnapshotProvider interface {
	Snapshot(ctx context.Context) (*loader.Snapshot, error)
}

// Report describes how one recall call went: which layers contributed,
// what degraded, and the classified intent.
type Report struct {
	Intent    domain.QueryIntent
	LayerHits map[domain.RecallLayer]int
	Degraded  []string
	// EmbedCalls counts successful embedding calls made for this query,
	// zero when the vector layer is disabled or the embed failed.
	EmbedCalls int
	Elapsed    time.Duration
}

// Engine runs the ordered recall layers for one modality. Layers fail
// soft: an erroring layer logs a warning and contributes zero results.
type Engine struct {
	modality    domain.Modality
	strategies  []Strategy
	snapshots   SnapshotProvider
	embedder    ports.Embedder
	minRequired int
	maxResults  int
	logger      *slog.Logger

	vectorEnabled bool
}

func NewEngine(
	modality domain.Modality,
	snapshots SnapshotProvider,
	store ports.ChunkStore,
	embedder ports.Embedder,
	cfg config.RecallConfig,
	scoring config.ScoringConfig,
	logger *slog.Logger,
) *Engine {
	scorer := NewScorer(scoring)
	threshold := similarityThreshold(cfg, modality)

	var strategies []Strategy
	if cfg.EnableStructural {
		strategies = append(strategies, newStructuralStrategy(modality, cfg.StructuralConfidence))
	}
	vectorEnabled := cfg.EnableVector
	if vectorEnabled {
		strategies = append(strategies, newVectorStrategy(store, scorer, modality, threshold, cfg.VectorCandidates))
	}
	if cfg.EnableKeyword {
		fallback := 0.0
		if modality == domain.ModalityImage {
			fallback = cfg.ImageFallbackThreshold
		}
		strategies = append(strategies, newKeywordStrategy(scorer, modality, threshold, fallback))
	}
	if cfg.EnableExpansion {
		expansionThreshold := threshold * 0.6
		if modality == domain.ModalityImage {
			expansionThreshold = cfg.ImageFallbackThreshold
		}
		strategies = append(strategies, newExpansionStrategy(scorer, modality, expansionThreshold))
	}

	return &Engine{
		modality:      modality,
		strategies:    strategies,
		snapshots:     snapshots,
		embedder:      embedder,
		minRequired:   cfg.MinRequired,
		maxResults:    cfg.MaxResults,
		logger:        logger.With("component", "recall", "engine", string(modality)),
		vectorEnabled: vectorEnabled,
	}
}

func (e *Engine) Modality() domain.Modality { return e.modality }

// Recall runs all enabled layers in order, merges their outputs
// deduplicated by chunk id keeping the best score, and returns at most
// maxResults candidates sorted by score descending.
func (e *Engine) Recall(ctx context.Context, query string, maxResults int) ([]domain.RecallResult, Report, error) {
	start := time.Now()
	report := Report{
		Intent:    AnalyzeIntent(query),
		LayerHits: make(map[domain.RecallLayer]int),
	}
	if maxResults <= 0 {
		maxResults = e.maxResults
	}

	snap, err := e.snapshots.Snapshot(ctx)
	if err != nil {
		return nil, report, err
	}

	q := Query{
		Text:   query,
		Terms:  Tokenize(query),
		Intent: report.Intent,
	}
	if e.vectorEnabled {
		vector, err := e.embedder.EmbedQuery(ctx, query)
		if err != nil {
			e.logger.Warn("query_embed_failed", "error", err)
			report.Degraded = append(report.Degraded, "embedding")
		} else {
			q.Vector = vector
			report.EmbedCalls++
		}
	}

	merged := make(map[string]domain.RecallResult)
	order := make([]string, 0, 16)
	for _, strategy := range e.strategies {
		if err := ctx.Err(); err != nil {
			return nil, report, err
		}
		if strategy.Layer() == domain.LayerExpansion && len(merged) >= e.minRequired {
			continue
		}

		results, err := strategy.Run(ctx, snap, q)
		if err != nil {
			wrapped := domain.WrapError(domain.ErrRecallLayer, string(strategy.Layer()), err)
			e.logger.Warn("recall_layer_failed", "layer", string(strategy.Layer()), "error", wrapped)
			report.Degraded = append(report.Degraded, "layer:"+string(strategy.Layer()))
			continue
		}
		report.LayerHits[strategy.Layer()] = len(results)

		for _, result := range results {
			existing, seen := merged[result.ChunkID]
			if !seen {
				result.Layers = []domain.RecallLayer{result.Layer}
				merged[result.ChunkID] = result
				order = append(order, result.ChunkID)
				continue
			}
			existing.Layers = append(existing.Layers, result.Layer)
			if result.RawScore > existing.RawScore {
				existing.RawScore = result.RawScore
				existing.Layer = result.Layer
			}
			if result.VectorScore > existing.VectorScore {
				existing.VectorScore = result.VectorScore
			}
			if result.KeywordScore > existing.KeywordScore {
				existing.KeywordScore = result.KeywordScore
			}
			merged[result.ChunkID] = existing
		}
	}

	out := make([]domain.RecallResult, 0, len(merged))
	for _, id := range order {
		out = append(out, merged[id])
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].RawScore != out[j].RawScore {
			return out[i].RawScore > out[j].RawScore
		}
		return out[i].ChunkID < out[j].ChunkID
	})
	if len(out) > maxResults {
		out = out[:maxResults]
	}

	if report.Intent.RequiresFullContent {
		for i := range out {
			out[i].FullContent = fullContent(out[i].Chunk)
		}
	}

	report.Elapsed = time.Since(start)
	return out, report, nil
}

func fullContent(chunk domain.Chunk) string {
	if chunk.Modality == domain.ModalityTable && chunk.Table != nil && chunk.Table.FullContent != "" {
		return chunk.Table.FullContent
	}
	return chunk.Content
}

func similarityThreshold(cfg config.RecallConfig, modality domain.Modality) float64 {
	switch modality {
	case domain.ModalityTable:
		return cfg.TableSimilarityThreshold
	case domain.ModalityImage:
		return cfg.ImageSimilarityThreshold
	default:
		return cfg.TextSimilarityThreshold
	}
}
