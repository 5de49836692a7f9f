package recall

import (
	"context"

	"mmrag/internal/core/domain"
	"mmrag/internal/loader"
)

// keywordStrategy matches query terms against chunk metadata and
// content without an embedding prerequisite, recovering chunks the
// embedding missed to vocabulary mismatch. The image engine runs a
// second pass at a lowered threshold when the strict pass is empty.
type keywordStrategy struct {
	scorer            Scorer
	modality          domain.Modality
	threshold         float64
	fallbackThreshold float64
}

func newKeywordStrategy(scorer Scorer, modality domain.Modality, threshold, fallbackThreshold float64) *keywordStrategy {
	return &keywordStrategy{
		scorer:            scorer,
		modality:          modality,
		threshold:         threshold,
		fallbackThreshold: fallbackThreshold,
	}
}

func (s *keywordStrategy) Layer() domain.RecallLayer { return domain.LayerKeyword }

func (s *keywordStrategy) Run(_ context.Context, snap *loader.Snapshot, q Query) ([]domain.RecallResult, error) {
	chunks := snap.Chunks(s.modality)
	out := s.scan(chunks, q.Terms, s.threshold)
	if len(out) == 0 && s.fallbackThreshold > 0 && s.fallbackThreshold < s.threshold {
		out = s.scan(chunks, q.Terms, s.fallbackThreshold)
	}
	return out, nil
}

func (s *keywordStrategy) scan(chunks []domain.Chunk, terms []string, threshold float64) []domain.RecallResult {
	var out []domain.RecallResult
	for _, chunk := range chunks {
		score := s.score(chunk, terms)
		if score < threshold {
			continue
		}
		out = append(out, domain.RecallResult{
			ChunkID:      chunk.ID,
			Chunk:        chunk,
			RawScore:     score,
			Layer:        domain.LayerKeyword,
			Engine:       s.modality,
			KeywordScore: score,
		})
	}
	return out
}

func (s *keywordStrategy) score(chunk domain.Chunk, terms []string) float64 {
	contentScore := s.scorer.ContentRelevance(terms, chunk.Content)
	fieldScore := s.scorer.FieldScore(terms, WeightedFieldsFor(chunk))
	if fieldScore > contentScore {
		return fieldScore
	}
	return contentScore
}
