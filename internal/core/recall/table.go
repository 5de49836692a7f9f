package recall

import (
	"strings"

	"mmrag/internal/core/domain"
)

var tableTypeCues = map[string][]string{
	"financial":   {"金额", "收入", "营收", "成本", "利润", "预算", "revenue", "amount", "cost", "profit", "budget", "price"},
	"hr":          {"员工", "薪资", "部门", "岗位", "employee", "salary", "department", "position", "headcount"},
	"inventory":   {"库存", "数量", "仓库", "物料", "stock", "inventory", "quantity", "warehouse", "sku"},
	"statistical": {"平均", "比例", "占比", "合计", "average", "ratio", "percent", "median", "count"},
}

var businessDomainCues = map[string][]string{
	"finance":    {"财务", "金融", "营收", "利润", "finance", "revenue", "profit", "fiscal"},
	"sales":      {"销售", "订单", "客户", "sales", "order", "customer", "deal"},
	"technology": {"系统", "服务器", "技术", "接口", "system", "server", "api", "latency", "deployment"},
}

// AnalyzeTable profiles a table chunk's structure: its type, business
// domain, and a quality score reflecting size and regularity.
func AnalyzeTable(chunk domain.Chunk) domain.TableAnalysis {
	analysis := domain.TableAnalysis{
		TableType:      "generic",
		BusinessDomain: "general",
	}
	if chunk.Table == nil {
		return analysis
	}
	payload := chunk.Table
	analysis.RowCount = payload.RowCount
	analysis.ColumnCount = payload.ColumnCount

	corpus := strings.ToLower(payload.Title + " " + strings.Join(payload.Headers, " "))
	analysis.TableType = classifyByCues(corpus, tableTypeCues, "generic")
	analysis.BusinessDomain = classifyByCues(corpus, businessDomainCues, "general")
	analysis.QualityScore = tableQuality(payload)
	return analysis
}

func classifyByCues(corpus string, cueSets map[string][]string, fallback string) string {
	best := fallback
	bestHits := 0
	// Deterministic iteration: check categories in a fixed order.
	for _, category := range orderedKeys(cueSets) {
		hits := 0
		for _, cue := range cueSets[category] {
			if strings.Contains(corpus, cue) {
				hits++
			}
		}
		if hits > bestHits {
			best = category
			bestHits = hits
		}
	}
	return best
}

func orderedKeys(m map[string][]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// Small fixed maps; insertion sort keeps this dependency free.
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j] < keys[j-1]; j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}
	return keys
}

// tableQuality grows with table size up to a bound, discounted when the
// header row disagrees with the declared column count or the rendering
// was truncated.
func tableQuality(payload *domain.TablePayload) float64 {
	quality := float64(payload.RowCount+payload.ColumnCount) / 20.0
	if quality > 1 {
		quality = 1
	}
	if payload.ColumnCount > 0 && len(payload.Headers) > 0 && len(payload.Headers) != payload.ColumnCount {
		quality *= 0.8
	}
	if payload.Truncated {
		quality *= 0.9
	}
	return quality
}
