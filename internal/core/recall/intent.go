package recall

import (
	"strings"

	"mmrag/internal/core/domain"
)

var (
	detailCues     = []string{"详细", "具体", "完整", "全部", "详情", "full", "complete", "detail", "entire"}
	summaryCues    = []string{"汇总", "统计", "总结", "概览", "简要", "概况", "summary", "summarize", "overview", "total"}
	comparisonCues = []string{"对比", "比较", "相比", "compare", "comparison", "versus", " vs "}
)

// AnalyzeIntent classifies what shape of answer a query wants using
// fixed keyword cues. Detail cues win over summary cues: a query asking
// for "complete statistics" wants the full artifact.
func AnalyzeIntent(query string) domain.QueryIntent {
	lower := strings.ToLower(query)

	intent := domain.QueryIntent{
		Primary: domain.IntentSearch,
		Detail:  domain.DetailOverview,
	}

	if containsAny(lower, comparisonCues) {
		intent.Primary = domain.IntentComparison
	}
	if containsAny(lower, summaryCues) {
		intent.Primary = domain.IntentSummary
	}
	if containsAny(lower, detailCues) {
		intent.Primary = domain.IntentDetailView
		intent.Detail = domain.DetailFull
		intent.RequiresFullContent = true
	}
	return intent
}

func containsAny(s string, cues []string) bool {
	for _, cue := range cues {
		if strings.Contains(s, cue) {
			return true
		}
	}
	return false
}
