package rerank

import (
	"context"
	"hash/fnv"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"sync"

	"mmrag/internal/config"
	"mmrag/internal/core/domain"
	"mmrag/internal/core/ports"
)

// Engine combines heterogeneous per-layer scores into one ranking
// comparable across modalities:
//
//	final = semanticWeight*normalized(semantic) + keywordWeight*normalized(keyword)
//
// An optional cross-encoder rescores the top-N subset; its failure
// falls back to the rule-based score and is never fatal.
type Engine struct {
	cfg    config.RerankConfig
	cross  ports.CrossEncoder
	logger *slog.Logger

	mu     sync.Mutex
	cache  map[uint64]cacheEntry
	hits   uint64
	misses uint64
}

// cacheEntry keeps the degraded bit with the ranking, so a cached
// result computed under a cross-encoder outage keeps reporting the
// fallback.
type cacheEntry struct {
	ranked   []domain.RankedResult
	degraded bool
}

func New(cfg config.RerankConfig, cross ports.CrossEncoder, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:    cfg,
		cross:  cross,
		logger: logger.With("component", "rerank"),
		cache:  make(map[uint64]cacheEntry),
	}
}

// Rerank orders candidates by final score descending. Ties keep the
// original recall order. Repeated calls with an unchanged query and
// candidate set are served from cache.
func (e *Engine) Rerank(ctx context.Context, query string, candidates []domain.RecallResult) ([]domain.RankedResult, bool) {
	if len(candidates) == 0 {
		return nil, false
	}

	key := cacheKey(query, candidates)
	e.mu.Lock()
	if cached, ok := e.cache[key]; ok {
		e.hits++
		e.mu.Unlock()
		out := make([]domain.RankedResult, len(cached.ranked))
		copy(out, cached.ranked)
		return out, cached.degraded
	}
	e.misses++
	e.mu.Unlock()

	ranked := e.score(candidates)
	degraded := e.applyCrossEncoder(ctx, query, ranked)

	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].FinalScore > ranked[j].FinalScore
	})

	e.mu.Lock()
	if len(e.cache) >= e.cfg.CacheSize {
		// Simple full reset keeps the cache bounded without an
		// eviction list; candidate sets rarely repeat across resets.
		e.cache = make(map[uint64]cacheEntry)
	}
	stored := make([]domain.RankedResult, len(ranked))
	copy(stored, ranked)
	e.cache[key] = cacheEntry{ranked: stored, degraded: degraded}
	e.mu.Unlock()

	return ranked, degraded
}

func (e *Engine) score(candidates []domain.RecallResult) []domain.RankedResult {
	semantic := make([]float64, len(candidates))
	keyword := make([]float64, len(candidates))
	for i, c := range candidates {
		semantic[i] = c.VectorScore
		if semantic[i] == 0 {
			// Structural and keyword-only hits carry no embedding
			// similarity; their raw score stands in.
			semantic[i] = c.RawScore
		}
		keyword[i] = c.KeywordScore
	}
	normalizeInPlace(semantic)
	normalizeInPlace(keyword)

	ranked := make([]domain.RankedResult, len(candidates))
	for i, c := range candidates {
		final := e.cfg.SemanticWeight*semantic[i] + e.cfg.KeywordWeight*keyword[i]
		ranked[i] = domain.RankedResult{
			ChunkID:     c.ChunkID,
			Chunk:       c.Chunk,
			FinalScore:  final,
			Confidence:  clamp01(final),
			Modality:    c.Engine,
			FullContent: c.FullContent,
		}
	}
	return ranked
}

// applyCrossEncoder rescores the current top-N in place. Reports true
// when the call failed and the rule-based scores were kept.
func (e *Engine) applyCrossEncoder(ctx context.Context, query string, ranked []domain.RankedResult) bool {
	if e.cross == nil {
		return false
	}
	topN := e.cfg.CrossEncoderTopN
	if topN > len(ranked) {
		topN = len(ranked)
	}
	if topN == 0 {
		return false
	}

	head := make([]int, 0, topN)
	order := make([]int, len(ranked))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return ranked[order[a]].FinalScore > ranked[order[b]].FinalScore
	})
	head = append(head, order[:topN]...)

	texts := make([]string, len(head))
	for i, idx := range head {
		texts[i] = ranked[idx].Chunk.Content
	}

	scores, err := e.cross.Score(ctx, query, texts)
	if err != nil || len(scores) != len(head) {
		e.logger.Warn("cross_encoder_fallback", "error", err)
		return true
	}

	normalizeInPlace(scores)
	for i, idx := range head {
		ranked[idx].FinalScore = scores[i]
		ranked[idx].Confidence = clamp01(scores[i])
	}
	return false
}

// Stats reports cache behavior for the stats endpoint.
func (e *Engine) Stats() (hits, misses uint64, size int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hits, e.misses, len(e.cache)
}

func cacheKey(query string, candidates []domain.RecallResult) uint64 {
	ids := make([]string, len(candidates))
	for i, c := range candidates {
		ids[i] = c.ChunkID + ":" + strconv.FormatUint(math.Float64bits(c.RawScore), 16)
	}
	sort.Strings(ids)

	h := fnv.New64a()
	h.Write([]byte(query))
	for _, id := range ids {
		h.Write([]byte{0})
		h.Write([]byte(id))
	}
	return h.Sum64()
}

func normalizeInPlace(values []float64) {
	if len(values) == 0 {
		return
	}
	minV, maxV := values[0], values[0]
	for _, v := range values[1:] {
		if v < minV {
			minV = v
		}
		if v > maxV {
			maxV = v
		}
	}
	span := maxV - minV
	for i, v := range values {
		if span <= 0 {
			if v > 0 {
				values[i] = 1
			} else {
				values[i] = 0
			}
			continue
		}
		values[i] = (v - minV) / span
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
