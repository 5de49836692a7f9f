package domain

// Modality identifies the content kind of an indexed chunk.
type Modality string

const (
	ModalityText         Modality = "text"
	ModalityTable        Modality = "table"
	ModalityImage        Modality = "image"
	ModalityImageCaption Modality = "image_caption"
)

// ParseModality maps a stored modality string to a known kind.
// Unknown strings fall back to text so a bad ingest never loses chunks.
func ParseModality(raw string) Modality {
	switch Modality(raw) {
	case ModalityText, ModalityTable, ModalityImage:
		return Modality(raw)
	case ModalityImageCaption:
		// Caption-only chunks are served by the image engine.
		return ModalityImage
	default:
		return ModalityText
	}
}

// Chunk is one immutable unit of ingested content. Exactly one payload
// field is non-nil, matching Modality.
type Chunk struct {
	ID       string   `json:"id"`
	Modality Modality `json:"modality"`
	Content  string   `json:"content"`

	Document string `json:"document,omitempty"`
	Page     int    `json:"page,omitempty"`

	Text  *TextPayload  `json:"text,omitempty"`
	Table *TablePayload `json:"table,omitempty"`
	Image *ImagePayload `json:"image,omitempty"`
}

type TextPayload struct {
	Title   string `json:"title,omitempty"`
	Section string `json:"section,omitempty"`
}

type TablePayload struct {
	Title       string   `json:"title,omitempty"`
	Headers     []string `json:"headers,omitempty"`
	RowCount    int      `json:"row_count,omitempty"`
	ColumnCount int      `json:"column_count,omitempty"`
	Truncated   bool     `json:"truncated,omitempty"`
	FullContent string   `json:"-"`
}

type ImagePayload struct {
	Title               string `json:"title,omitempty"`
	Caption             string `json:"caption,omitempty"`
	Description         string `json:"description,omitempty"`
	EnhancedDescription string `json:"enhanced_description,omitempty"`
	AssetRef            string `json:"asset_ref,omitempty"`
}

// TextFields returns the searchable metadata strings for the chunk's
// modality, weighted fields first. Used by keyword scoring.
func (c Chunk) TextFields() []string {
	switch c.Modality {
	case ModalityTable:
		if c.Table == nil {
			return nil
		}
		fields := []string{c.Table.Title}
		fields = append(fields, c.Table.Headers...)
		return fields
	case ModalityImage:
		if c.Image == nil {
			return nil
		}
		return []string{
			c.Image.Title,
			c.Image.Description,
			c.Image.EnhancedDescription,
			c.Image.Caption,
		}
	default:
		if c.Text == nil {
			return nil
		}
		return []string{c.Text.Title, c.Text.Section}
	}
}

// Title returns the chunk's display title regardless of modality.
func (c Chunk) Title() string {
	switch {
	case c.Modality == ModalityTable && c.Table != nil:
		return c.Table.Title
	case c.Modality == ModalityImage && c.Image != nil:
		if c.Image.Title != "" {
			return c.Image.Title
		}
		return c.Image.Caption
	case c.Text != nil:
		return c.Text.Title
	}
	return ""
}

// ChunkMatch is one nearest-neighbor hit from the chunk store.
type ChunkMatch struct {
	ChunkID string  `json:"chunk_id"`
	Score   float64 `json:"score"`
}

// RecallLayer names the strategy that produced a RecallResult.
type RecallLayer string

const (
	LayerStructural RecallLayer = "structural"
	LayerVector     RecallLayer = "vector"
	LayerKeyword    RecallLayer = "keyword"
	LayerExpansion  RecallLayer = "expansion"
)

// RecallResult is a transient per-query candidate. Scores are layer
// local and not comparable across layers before reranking.
type RecallResult struct {
	ChunkID  string        `json:"chunk_id"`
	Chunk    Chunk         `json:"-"`
	RawScore float64       `json:"raw_score"`
	Layer    RecallLayer   `json:"layer"`
	Layers   []RecallLayer `json:"layers,omitempty"`
	Engine   Modality      `json:"engine"`

	// VectorScore carries the store-native similarity when the vector
	// layer contributed; zero otherwise.
	VectorScore float64 `json:"vector_score,omitempty"`
	// KeywordScore carries the lexical content-relevance score.
	KeywordScore float64 `json:"keyword_score,omitempty"`

	FullContent string `json:"full_content,omitempty"`
}

// RankedResult is the reranking engine's output, comparable across
// modalities.
type RankedResult struct {
	ChunkID    string   `json:"chunk_id"`
	Chunk      Chunk    `json:"-"`
	FinalScore float64  `json:"final_score"`
	Confidence float64  `json:"confidence"`
	Modality   Modality `json:"modality"`

	FullContent string `json:"full_content,omitempty"`
}

// QueryIntent is the rule-based classification of what shape of answer
// the query wants.
type QueryIntent struct {
	Primary             IntentKind `json:"primary_intent"`
	RequiresFullContent bool       `json:"requires_full_content"`
	Detail              DetailKind `json:"detail"`
}

type IntentKind string

const (
	IntentSearch     IntentKind = "search"
	IntentSummary    IntentKind = "summary"
	IntentDetailView IntentKind = "detail_view"
	IntentComparison IntentKind = "comparison"
)

type DetailKind string

const (
	DetailOverview DetailKind = "overview"
	DetailFull     DetailKind = "detailed"
)

// TableAnalysis is the structural profile computed for table chunks.
type TableAnalysis struct {
	TableType      string  `json:"table_type"`
	BusinessDomain string  `json:"business_domain"`
	RowCount       int     `json:"row_count"`
	ColumnCount    int     `json:"column_count"`
	QualityScore   float64 `json:"quality_score"`
}
