package recall

import (
	"context"

	"mmrag/internal/core/domain"
	"mmrag/internal/loader"
)

// Query is the per-call input shared by all layers of one engine.
// Vector is nil when the embedding call failed or was skipped; layers
// that need it contribute nothing in that case.
type Query struct {
	Text   string
	Terms  []string
	Vector []float32
	Intent domain.QueryIntent
}

// Strategy is one recall layer. Layers run in a fixed order inside an
// engine; a failing layer is logged and skipped, never fatal.
type Strategy interface {
	Layer() domain.RecallLayer
	Run(ctx context.Context, snap *loader.Snapshot, q Query) ([]domain.RecallResult, error)
}

// WeightedFieldsFor returns the searchable metadata fields of a chunk
// with the weights keyword scoring assigns per modality. The source
// filter reuses the same weights so recall and filtering agree on what
// metadata counts.
func WeightedFieldsFor(chunk domain.Chunk) []WeightedField {
	switch chunk.Modality {
	case domain.ModalityImage:
		if chunk.Image == nil {
			return nil
		}
		return []WeightedField{
			{Text: chunk.Image.Title, Weight: 0.8},
			{Text: chunk.Image.Description, Weight: 0.7},
			{Text: chunk.Image.EnhancedDescription, Weight: 0.6},
			{Text: chunk.Image.Caption, Weight: 0.5},
		}
	case domain.ModalityTable:
		if chunk.Table == nil {
			return nil
		}
		fields := []WeightedField{{Text: chunk.Table.Title, Weight: 0.8}}
		for _, header := range chunk.Table.Headers {
			fields = append(fields, WeightedField{Text: header, Weight: 0.5})
		}
		return fields
	default:
		if chunk.Text == nil {
			return nil
		}
		return []WeightedField{
			{Text: chunk.Text.Title, Weight: 0.8},
			{Text: chunk.Text.Section, Weight: 0.5},
		}
	}
}
