package recall

import (
	"strings"

	"mmrag/internal/config"
)

// Scorer implements the shared content-relevance formula used by every
// recall layer and by the source filter:
//
//	score = matchWeight * (matched / queryTerms)
//	      + freqWeight  * sum(min(tf / contentTokens, termCap))
//
// A partially matched term (substring hit) counts half.
type Scorer struct {
	matchWeight float64
	freqWeight  float64
	termCap     float64
}

func NewScorer(cfg config.ScoringConfig) Scorer {
	return Scorer{
		matchWeight: cfg.KeywordMatchWeight,
		freqWeight:  cfg.FrequencyWeight,
		termCap:     cfg.TermFrequencyCap,
	}
}

// ContentRelevance scores content against pre-tokenized query terms.
func (s Scorer) ContentRelevance(queryTerms []string, content string) float64 {
	if len(queryTerms) == 0 || content == "" {
		return 0
	}
	contentTokens := Tokenize(content)
	if len(contentTokens) == 0 {
		return 0
	}

	frequency := make(map[string]int, len(contentTokens))
	for _, token := range contentTokens {
		frequency[token]++
	}

	matched := 0.0
	freqSum := 0.0
	for _, term := range queryTerms {
		if count, ok := frequency[term]; ok {
			matched++
			tf := float64(count) / float64(len(contentTokens))
			if tf > s.termCap {
				tf = s.termCap
			}
			freqSum += tf
			continue
		}
		if partialHit(frequency, term) {
			matched += 0.5
		}
	}

	return s.matchWeight*(matched/float64(len(queryTerms))) + s.freqWeight*freqSum
}

// WeightedField is one metadata field with its modality-specific
// weight, e.g. an image title at 0.8 and its caption at 0.5.
type WeightedField struct {
	Text   string
	Weight float64
}

// FieldScore accumulates per-field weights scaled by the fraction of
// query terms hitting each field, capped at 1.
func (s Scorer) FieldScore(queryTerms []string, fields []WeightedField) float64 {
	if len(queryTerms) == 0 {
		return 0
	}
	total := 0.0
	for _, field := range fields {
		if field.Text == "" || field.Weight <= 0 {
			continue
		}
		set := TokenSet(field.Text)
		lower := strings.ToLower(field.Text)
		matched := 0.0
		for _, term := range queryTerms {
			if _, ok := set[term]; ok {
				matched++
				continue
			}
			if len(term) > 1 && strings.Contains(lower, term) {
				matched += 0.5
			}
		}
		total += field.Weight * (matched / float64(len(queryTerms)))
	}
	if total > 1 {
		return 1
	}
	return total
}

func partialHit(frequency map[string]int, term string) bool {
	if len(term) < 2 {
		return false
	}
	for token := range frequency {
		if len(token) < 2 {
			continue
		}
		if strings.Contains(token, term) || strings.Contains(term, token) {
			return true
		}
	}
	return false
}
