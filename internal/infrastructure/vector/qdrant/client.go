package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"mmrag/internal/core/domain"
)

const scrollBatchSize = 256

// Client reads the chunk collection over qdrant's REST API. Chunks are
// written by the ingest pipeline out of process; this side only
// searches and scrolls.
type Client struct {
	baseURL    string
	collection string
	httpClient *http.Client
}

func New(baseURL, collection string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		collection: collection,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

// Search returns the nearest neighbors restricted to one modality with
// the store's cosine similarity score.
func (c *Client) Search(ctx context.Context, queryVector []float32, limit int, modality domain.Modality) ([]domain.ChunkMatch, error) {
	reqBody := map[string]any{
		"vector":       queryVector,
		"limit":        limit,
		"with_payload": []string{"chunk_id"},
		"filter": map[string]any{
			"must": []map[string]any{
				{
					"key": "modality",
					"match": map[string]any{
						"value": string(modality),
					},
				},
			},
		},
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal search body: %w", err)
	}

	url := fmt.Sprintf("%s/collections/%s/points/search", c.baseURL, c.collection)
	resp, err := c.post(ctx, url, body)
	if err != nil {
		return nil, fmt.Errorf("qdrant search request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("qdrant search status: %s", resp.Status)
	}

	var searchResp struct {
		Result []struct {
			Score   float64        `json:"score"`
			Payload map[string]any `json:"payload"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&searchResp); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}

	out := make([]domain.ChunkMatch, 0, len(searchResp.Result))
	for _, r := range searchResp.Result {
		id := getStringPayload(r.Payload, "chunk_id")
		if id == "" {
			continue
		}
		out = append(out, domain.ChunkMatch{ChunkID: id, Score: r.Score})
	}
	return out, nil
}

// ScrollAll pages through the whole collection. Vectors are skipped;
// the snapshot only needs payloads.
func (c *Client) ScrollAll(ctx context.Context) ([]domain.Chunk, error) {
	var chunks []domain.Chunk
	var offset any

	for {
		reqBody := map[string]any{
			"limit":        scrollBatchSize,
			"with_payload": true,
			"with_vector":  false,
		}
		if offset != nil {
			reqBody["offset"] = offset
		}
		body, err := json.Marshal(reqBody)
		if err != nil {
			return nil, fmt.Errorf("marshal scroll body: %w", err)
		}

		url := fmt.Sprintf("%s/collections/%s/points/scroll", c.baseURL, c.collection)
		resp, err := c.post(ctx, url, body)
		if err != nil {
			return nil, fmt.Errorf("qdrant scroll request: %w", err)
		}

		var scrollResp struct {
			Result struct {
				Points []struct {
					Payload map[string]any `json:"payload"`
				} `json:"points"`
				NextPageOffset any `json:"next_page_offset"`
			} `json:"result"`
		}
		if resp.StatusCode >= 300 {
			resp.Body.Close()
			return nil, fmt.Errorf("qdrant scroll status: %s", resp.Status)
		}
		if err := json.NewDecoder(resp.Body).Decode(&scrollResp); err != nil {
			resp.Body.Close()
			return nil, fmt.Errorf("decode scroll response: %w", err)
		}
		resp.Body.Close()

		for _, point := range scrollResp.Result.Points {
			chunk, ok := decodeChunk(point.Payload)
			if !ok {
				continue
			}
			chunks = append(chunks, chunk)
		}

		if scrollResp.Result.NextPageOffset == nil {
			return chunks, nil
		}
		offset = scrollResp.Result.NextPageOffset
	}
}

func (c *Client) post(ctx context.Context, url string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.httpClient.Do(req)
}

// decodeChunk maps one stored payload to a domain chunk. Points without
// a chunk_id are skipped rather than failing the whole scroll.
func decodeChunk(payload map[string]any) (domain.Chunk, bool) {
	id := getStringPayload(payload, "chunk_id")
	if id == "" {
		return domain.Chunk{}, false
	}

	chunk := domain.Chunk{
		ID:       id,
		Modality: domain.ParseModality(getStringPayload(payload, "modality")),
		Content:  getStringPayload(payload, "content"),
		Document: getStringPayload(payload, "document"),
		Page:     getIntPayload(payload, "page"),
	}

	switch chunk.Modality {
	case domain.ModalityTable:
		chunk.Table = &domain.TablePayload{
			Title:       getStringPayload(payload, "title"),
			Headers:     getStringSlicePayload(payload, "headers"),
			RowCount:    getIntPayload(payload, "row_count"),
			ColumnCount: getIntPayload(payload, "column_count"),
			Truncated:   getBoolPayload(payload, "truncated"),
			FullContent: getStringPayload(payload, "full_content"),
		}
	case domain.ModalityImage:
		chunk.Image = &domain.ImagePayload{
			Title:               getStringPayload(payload, "title"),
			Caption:             getStringPayload(payload, "caption"),
			Description:         getStringPayload(payload, "description"),
			EnhancedDescription: getStringPayload(payload, "enhanced_description"),
			AssetRef:            getStringPayload(payload, "asset_ref"),
		}
	default:
		chunk.Text = &domain.TextPayload{
			Title:   getStringPayload(payload, "title"),
			Section: getStringPayload(payload, "section"),
		}
	}
	return chunk, true
}

func getStringPayload(payload map[string]any, key string) string {
	v, ok := payload[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func getIntPayload(payload map[string]any, key string) int {
	v, ok := payload[key]
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	}
	return 0
}

func getBoolPayload(payload map[string]any, key string) bool {
	v, ok := payload[key]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

func getStringSlicePayload(payload map[string]any, key string) []string {
	v, ok := payload[key]
	if !ok {
		return nil
	}
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
