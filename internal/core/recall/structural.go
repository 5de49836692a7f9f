package recall

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"mmrag/internal/core/domain"
	"mmrag/internal/loader"
)

var (
	figureRefPattern = regexp.MustCompile(`(?i)(?:figure|fig\.?|chart|图|圖)\s*(\d+)`)
	tableRefPattern  = regexp.MustCompile(`(?i)(?:table|表)\s*(\d+)`)
	quotedPattern    = regexp.MustCompile(`《([^》]+)》|"([^"]+)"|“([^”]+)”`)
)

// structuralStrategy handles explicit references: "figure 4", "表3", a
// quoted title. Matches return a fixed high confidence so exact
// references are never lost to noisy similarity scoring.
type structuralStrategy struct {
	modality   domain.Modality
	confidence float64
}

func newStructuralStrategy(modality domain.Modality, confidence float64) *structuralStrategy {
	return &structuralStrategy{modality: modality, confidence: confidence}
}

func (s *structuralStrategy) Layer() domain.RecallLayer { return domain.LayerStructural }

func (s *structuralStrategy) Run(_ context.Context, snap *loader.Snapshot, q Query) ([]domain.RecallResult, error) {
	refs := s.extractRefs(q.Text)
	if len(refs) == 0 {
		return nil, nil
	}

	var out []domain.RecallResult
	for _, chunk := range snap.Chunks(s.modality) {
		if !matchesAnyRef(chunk, refs) {
			continue
		}
		out = append(out, domain.RecallResult{
			ChunkID:  chunk.ID,
			Chunk:    chunk,
			RawScore: s.confidence,
			Layer:    domain.LayerStructural,
			Engine:   s.modality,
		})
	}
	return out, nil
}

// extractRefs pulls the literal strings this modality should look for.
func (s *structuralStrategy) extractRefs(query string) []string {
	var refs []string
	switch s.modality {
	case domain.ModalityImage:
		for _, m := range figureRefPattern.FindAllStringSubmatch(query, -1) {
			refs = append(refs, numberedRefVariants(m[1], "figure", "fig", "chart", "图")...)
		}
	case domain.ModalityTable:
		for _, m := range tableRefPattern.FindAllStringSubmatch(query, -1) {
			refs = append(refs, numberedRefVariants(m[1], "table", "表")...)
		}
	}
	for _, m := range quotedPattern.FindAllStringSubmatch(query, -1) {
		for _, group := range m[1:] {
			if group != "" {
				refs = append(refs, strings.ToLower(group))
			}
		}
	}
	return refs
}

func numberedRefVariants(number string, prefixes ...string) []string {
	variants := make([]string, 0, len(prefixes)*2)
	for _, prefix := range prefixes {
		variants = append(variants, fmt.Sprintf("%s%s", prefix, number))
		variants = append(variants, fmt.Sprintf("%s %s", prefix, number))
	}
	return variants
}

func matchesAnyRef(chunk domain.Chunk, refs []string) bool {
	haystacks := []string{strings.ToLower(chunk.Title())}
	for _, field := range chunk.TextFields() {
		if field != "" {
			haystacks = append(haystacks, strings.ToLower(field))
		}
	}
	haystacks = append(haystacks, strings.ToLower(chunk.Content))

	for _, ref := range refs {
		for _, haystack := range haystacks {
			if haystack != "" && strings.Contains(haystack, ref) {
				return true
			}
		}
	}
	return false
}
