package recall

import (
	"context"
	"strings"

	"mmrag/internal/core/domain"
	"mmrag/internal/core/ports"
	"mmrag/internal/loader"
)

// vectorStrategy queries the chunk store's nearest-neighbor search.
// A candidate survives when either the store similarity or the lexical
// content-relevance score clears the threshold: embeddings recover
// paraphrases, the lexical gate keeps literal factual matches from
// being crowded out.
type vectorStrategy struct {
	store      ports.ChunkStore
	scorer     Scorer
	modality   domain.Modality
	threshold  float64
	candidates int
}

func newVectorStrategy(store ports.ChunkStore, scorer Scorer, modality domain.Modality, threshold float64, candidates int) *vectorStrategy {
	return &vectorStrategy{
		store:      store,
		scorer:     scorer,
		modality:   modality,
		threshold:  threshold,
		candidates: candidates,
	}
}

func (s *vectorStrategy) Layer() domain.RecallLayer { return domain.LayerVector }

func (s *vectorStrategy) Run(ctx context.Context, snap *loader.Snapshot, q Query) ([]domain.RecallResult, error) {
	if len(q.Vector) == 0 {
		// Embedding unavailable; the layer degrades to nothing.
		return nil, nil
	}

	matches, err := s.store.Search(ctx, q.Vector, s.candidates, s.modality)
	if err != nil {
		return nil, domain.WrapError(domain.ErrExternalService, "vector search", err)
	}

	out := make([]domain.RecallResult, 0, len(matches))
	for _, match := range matches {
		chunk, ok := snap.Get(match.ChunkID, s.modality)
		if !ok {
			// Indexed after the snapshot was taken; skip until refresh.
			continue
		}
		relevance := s.scorer.ContentRelevance(q.Terms, searchableText(chunk))
		if match.Score < s.threshold && relevance < s.threshold {
			continue
		}
		raw := match.Score
		if relevance > raw {
			raw = relevance
		}
		out = append(out, domain.RecallResult{
			ChunkID:      chunk.ID,
			Chunk:        chunk,
			RawScore:     raw,
			Layer:        domain.LayerVector,
			Engine:       s.modality,
			VectorScore:  match.Score,
			KeywordScore: relevance,
		})
	}
	return out, nil
}

func searchableText(chunk domain.Chunk) string {
	parts := []string{chunk.Content}
	for _, field := range chunk.TextFields() {
		if field != "" {
			parts = append(parts, field)
		}
	}
	return strings.Join(parts, " ")
}
