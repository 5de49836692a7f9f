package recall

import (
	"testing"

	"mmrag/internal/core/domain"
)

func TestAnalyzeIntent(t *testing.T) {
	cases := []struct {
		name        string
		query       string
		wantPrimary domain.IntentKind
		wantFull    bool
	}{
		{"default search", "q3 revenue numbers", domain.IntentSearch, false},
		{"chinese detail cue", "请给出详细的销售数据", domain.IntentDetailView, true},
		{"english detail cue", "show the complete revenue table", domain.IntentDetailView, true},
		{"chinese summary cue", "汇总一下各部门人数", domain.IntentSummary, false},
		{"english overview cue", "give me an overview of sales", domain.IntentSummary, false},
		{"comparison cue", "对比2023和2024的营收", domain.IntentComparison, false},
		{"detail wins over summary", "完整统计所有订单", domain.IntentDetailView, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			intent := AnalyzeIntent(tc.query)
			if intent.Primary != tc.wantPrimary {
				t.Fatalf("primary: expected %s, got %s", tc.wantPrimary, intent.Primary)
			}
			if intent.RequiresFullContent != tc.wantFull {
				t.Fatalf("requires_full_content: expected %v, got %v", tc.wantFull, intent.RequiresFullContent)
			}
		})
	}
}
