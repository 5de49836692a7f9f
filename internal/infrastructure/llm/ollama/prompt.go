package ollama

import (
	"fmt"
	"strings"

	"mmrag/internal/core/domain"
)

// buildAnswerPrompt renders ranked evidence into the generation prompt.
// Sources carrying full content (detail-intent tables) are rendered in
// full; others contribute their snippet.
func buildAnswerPrompt(question string, sources []domain.Source) string {
	var contextBuilder strings.Builder
	for idx, source := range sources {
		text := source.Snippet
		if source.FullContent != "" {
			text = source.FullContent
		}
		contextBuilder.WriteString(fmt.Sprintf(
			"[%d] kind=%s document=%s page=%d title=%s score=%.3f\n%s\n",
			idx+1,
			source.Modality,
			source.Document,
			source.Page,
			source.Title,
			source.Score,
			text,
		))
		if source.Table != nil {
			contextBuilder.WriteString(fmt.Sprintf(
				"table: type=%s domain=%s rows=%d cols=%d\n",
				source.Table.TableType,
				source.Table.BusinessDomain,
				source.Table.RowCount,
				source.Table.ColumnCount,
			))
		}
		contextBuilder.WriteString("\n")
	}

	return fmt.Sprintf(`Answer the user question only from the context below.
Cite sources by their [n] index. If the context is insufficient, say it directly.

Question:
%s

Context:
%s
`, question, contextBuilder.String())
}
