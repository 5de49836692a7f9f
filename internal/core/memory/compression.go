package memory

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"mmrag/internal/core/domain"
	"mmrag/internal/core/recall"
)

const mergedContentLimit = 500

// compressionPlan is the pure-computation part of a compression run:
// which memories collapse into which compressed chunks. Persistence
// happens in the manager afterwards.
type compressionPlan struct {
	groups [][]domain.MemoryChunk
}

// targetCount bounds the plan so compressed_count never exceeds
// ceil(original * maxRatio) and is at least one group.
func targetCount(original int, maxRatio float64) int {
	target := int(float64(original) * maxRatio)
	if target < 1 {
		target = 1
	}
	if target > original {
		target = original
	}
	return target
}

// planSemantic keeps the most important memories as representatives and
// folds every remaining memory into its most lexically similar one.
func planSemantic(memories []domain.MemoryChunk, maxRatio float64) compressionPlan {
	sorted := make([]domain.MemoryChunk, len(memories))
	copy(sorted, memories)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].ImportanceScore != sorted[j].ImportanceScore {
			return sorted[i].ImportanceScore > sorted[j].ImportanceScore
		}
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})

	target := targetCount(len(sorted), maxRatio)
	groups := make([][]domain.MemoryChunk, target)
	for i := 0; i < target; i++ {
		groups[i] = []domain.MemoryChunk{sorted[i]}
	}

	for _, memory := range sorted[target:] {
		bestGroup := 0
		bestSimilarity := -1.0
		for i := range groups {
			similarity := recall.TokenJaccard(memory.Content, groups[i][0].Content)
			if similarity > bestSimilarity {
				bestSimilarity = similarity
				bestGroup = i
			}
		}
		groups[bestGroup] = append(groups[bestGroup], memory)
	}
	return compressionPlan{groups: groups}
}

// planTemporal groups consecutive memories into bursts split at gaps
// larger than the configured window, then merges adjacent bursts until
// the ratio bound holds.
func planTemporal(memories []domain.MemoryChunk, maxRatio float64, gap time.Duration) compressionPlan {
	sorted := make([]domain.MemoryChunk, len(memories))
	copy(sorted, memories)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})

	var groups [][]domain.MemoryChunk
	for _, memory := range sorted {
		if len(groups) == 0 {
			groups = append(groups, []domain.MemoryChunk{memory})
			continue
		}
		last := groups[len(groups)-1]
		if memory.CreatedAt.Sub(last[len(last)-1].CreatedAt) > gap {
			groups = append(groups, []domain.MemoryChunk{memory})
			continue
		}
		groups[len(groups)-1] = append(last, memory)
	}

	target := targetCount(len(sorted), maxRatio)
	for len(groups) > target {
		// Fold the smallest trailing burst into its neighbor.
		lastIdx := len(groups) - 1
		groups[lastIdx-1] = append(groups[lastIdx-1], groups[lastIdx]...)
		groups = groups[:lastIdx]
	}
	return compressionPlan{groups: groups}
}

// planImportance keeps only the top memories by importance; everything
// below the cut is superseded without a merged replacement, folded into
// the weakest kept group for the audit trail.
func planImportance(memories []domain.MemoryChunk, maxRatio float64) compressionPlan {
	sorted := make([]domain.MemoryChunk, len(memories))
	copy(sorted, memories)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].ImportanceScore != sorted[j].ImportanceScore {
			return sorted[i].ImportanceScore > sorted[j].ImportanceScore
		}
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})

	target := targetCount(len(sorted), maxRatio)
	groups := make([][]domain.MemoryChunk, target)
	for i := 0; i < target; i++ {
		groups[i] = []domain.MemoryChunk{sorted[i]}
	}
	groups[target-1] = append(groups[target-1], sorted[target:]...)
	return compressionPlan{groups: groups}
}

// mergeGroup renders one compressed chunk from a group. The
// representative leads; members similar enough to it contribute their
// content, the rest only their ids and scores.
func mergeGroup(group []domain.MemoryChunk, mergeSimilarity float64) (content string, relevance, importance float64, sourceIDs []string) {
	representative := group[0]
	parts := []string{representative.Content}
	relevance = representative.RelevanceScore
	importance = representative.ImportanceScore
	sourceIDs = make([]string, 0, len(group))

	for _, memory := range group {
		sourceIDs = append(sourceIDs, memory.ID)
		if memory.ID == representative.ID {
			continue
		}
		if memory.RelevanceScore > relevance {
			relevance = memory.RelevanceScore
		}
		if memory.ImportanceScore > importance {
			importance = memory.ImportanceScore
		}
		if recall.TokenJaccard(memory.Content, representative.Content) >= mergeSimilarity {
			parts = append(parts, memory.Content)
		}
	}

	content = clipContent(strings.Join(parts, "; "))
	return content, relevance, importance, sourceIDs
}

func clipContent(content string) string {
	if runes := []rune(content); len(runes) > mergedContentLimit {
		return string(runes[:mergedContentLimit])
	}
	return content
}

// summaryPrompt renders one group for the generation model. Scores and
// source ids are handled by the caller; the model only sees content.
func summaryPrompt(group []domain.MemoryChunk) string {
	var b strings.Builder
	b.WriteString("Summarize the following conversation memories into one concise memory. Keep concrete facts, preferences, and numbers. Reply with the summary only.\n")
	for i, memory := range group {
		fmt.Fprintf(&b, "%d. %s\n", i+1, memory.Content)
	}
	return b.String()
}
