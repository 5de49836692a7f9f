package recall

import (
	"context"
	"strings"

	"mmrag/internal/core/domain"
	"mmrag/internal/loader"
)

// synonymGroups expands common query vocabulary in both languages.
// Kept deliberately small: this layer is a last resort, not a thesaurus.
var synonymGroups = [][]string{
	{"收入", "营收", "revenue", "income"},
	{"利润", "盈利", "profit", "earnings"},
	{"图", "图片", "图表", "figure", "chart", "image"},
	{"表", "表格", "table"},
	{"统计", "汇总", "statistics", "summary"},
	{"员工", "人员", "employee", "staff"},
	{"客户", "用户", "customer", "user"},
	{"增长", "上升", "growth", "increase"},
}

// expansionStrategy is the fault-tolerant last layer: it rewrites the
// query into lexical variants (synonyms, dropped terms) and rescans
// with keyword scoring at a lowered bar. Results are discounted since
// a variant match is weaker evidence than a direct one.
type expansionStrategy struct {
	scorer    Scorer
	modality  domain.Modality
	threshold float64
}

const expansionDiscount = 0.8

func newExpansionStrategy(scorer Scorer, modality domain.Modality, threshold float64) *expansionStrategy {
	return &expansionStrategy{scorer: scorer, modality: modality, threshold: threshold}
}

func (s *expansionStrategy) Layer() domain.RecallLayer { return domain.LayerExpansion }

func (s *expansionStrategy) Run(_ context.Context, snap *loader.Snapshot, q Query) ([]domain.RecallResult, error) {
	variants := expandTerms(q.Terms)
	if len(variants) == 0 {
		return nil, nil
	}

	best := make(map[string]domain.RecallResult)
	for _, chunk := range snap.Chunks(s.modality) {
		score := s.bestVariantScore(chunk, variants)
		if score <= 0 {
			// Token matching found nothing; try character-level
			// similarity against the title as a typo fallback.
			if sim := CharSimilarity(q.Text, chunk.Title()); sim >= 0.5 {
				score = 0.5 * sim
			}
		}
		score *= expansionDiscount
		if score < s.threshold {
			continue
		}
		if existing, ok := best[chunk.ID]; ok && existing.RawScore >= score {
			continue
		}
		best[chunk.ID] = domain.RecallResult{
			ChunkID:      chunk.ID,
			Chunk:        chunk,
			RawScore:     score,
			Layer:        domain.LayerExpansion,
			Engine:       s.modality,
			KeywordScore: score,
		}
	}

	out := make([]domain.RecallResult, 0, len(best))
	for _, chunk := range snap.Chunks(s.modality) {
		if result, ok := best[chunk.ID]; ok {
			out = append(out, result)
		}
	}
	return out, nil
}

func (s *expansionStrategy) bestVariantScore(chunk domain.Chunk, variants [][]string) float64 {
	best := 0.0
	for _, terms := range variants {
		contentScore := s.scorer.ContentRelevance(terms, chunk.Content)
		fieldScore := s.scorer.FieldScore(terms, WeightedFieldsFor(chunk))
		if contentScore > best {
			best = contentScore
		}
		if fieldScore > best {
			best = fieldScore
		}
	}
	return best
}

// expandTerms builds the variant term sets: synonym substitutions and,
// for multi-term queries, each drop-one-term subset.
func expandTerms(terms []string) [][]string {
	if len(terms) == 0 {
		return nil
	}

	var variants [][]string
	for i, term := range terms {
		for _, synonym := range synonymsFor(term) {
			variant := make([]string, len(terms))
			copy(variant, terms)
			variant[i] = synonym
			variants = append(variants, variant)
		}
	}

	if len(terms) >= 2 {
		for drop := range terms {
			variant := make([]string, 0, len(terms)-1)
			for i, term := range terms {
				if i != drop {
					variant = append(variant, term)
				}
			}
			variants = append(variants, variant)
		}
	}
	return variants
}

func synonymsFor(term string) []string {
	lower := strings.ToLower(term)
	for _, group := range synonymGroups {
		for _, member := range group {
			if member != lower {
				continue
			}
			out := make([]string, 0, len(group)-1)
			for _, synonym := range group {
				if synonym != lower {
					out = append(out, synonym)
				}
			}
			return out
		}
	}
	return nil
}
