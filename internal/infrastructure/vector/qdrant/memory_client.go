package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"mmrag/internal/core/domain"
)

// MemoryClient keeps session memories searchable by embedding, scoped
// to their session. Unlike the chunk collection this side owns the
// writes, so the collection is created lazily on first index.
type MemoryClient struct {
	baseURL    string
	collection string
	httpClient *http.Client

	ensureMu          sync.Mutex
	ensuredCollection bool
	ensuredVectorSize int
}

func NewMemoryClient(baseURL, collection string) *MemoryClient {
	return &MemoryClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		collection: collection,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

func (c *MemoryClient) IndexMemory(ctx context.Context, chunk domain.MemoryChunk, vector []float32) error {
	if len(vector) == 0 {
		return nil
	}
	if err := c.ensureCollection(ctx, len(vector)); err != nil {
		return err
	}

	body, err := json.Marshal(map[string]interface{}{
		"points": []map[string]interface{}{
			{
				"id":     chunk.ID,
				"vector": vector,
				"payload": map[string]interface{}{
					"memory_id":        chunk.ID,
					"session_id":       chunk.SessionID,
					"content":          chunk.Content,
					"relevance_score":  chunk.RelevanceScore,
					"importance_score": chunk.ImportanceScore,
					"created_at":       chunk.CreatedAt.Format(time.RFC3339Nano),
					"compressed":       chunk.Compressed,
					"source_ids":       chunk.SourceIDs,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("marshal memory upsert body: %w", err)
	}

	url := fmt.Sprintf("%s/collections/%s/points?wait=true", c.baseURL, c.collection)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create memory upsert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("memory upsert request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("memory upsert status: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return nil
}

func (c *MemoryClient) SearchMemories(ctx context.Context, sessionID string, queryVector []float32, limit int) ([]domain.MemoryHit, error) {
	if len(queryVector) == 0 || strings.TrimSpace(sessionID) == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 4
	}

	reqBody := map[string]interface{}{
		"query":        queryVector,
		"limit":        limit,
		"with_payload": true,
		"filter": map[string]interface{}{
			"must": []map[string]interface{}{
				{
					"key": "session_id",
					"match": map[string]interface{}{
						"value": sessionID,
					},
				},
			},
		},
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal memory query body: %w", err)
	}
	url := fmt.Sprintf("%s/collections/%s/points/query", c.baseURL, c.collection)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create memory query request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("memory query request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("memory query status: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	points, err := decodeQueryPoints(resp.Body)
	if err != nil {
		return nil, err
	}
	out := make([]domain.MemoryHit, 0, len(points))
	for _, p := range points {
		createdAt, _ := time.Parse(time.RFC3339Nano, getStringPayload(p.Payload, "created_at"))
		out = append(out, domain.MemoryHit{
			Score: p.Score,
			Memory: domain.MemoryChunk{
				ID:              getStringPayload(p.Payload, "memory_id"),
				SessionID:       getStringPayload(p.Payload, "session_id"),
				Content:         getStringPayload(p.Payload, "content"),
				RelevanceScore:  getFloatPayload(p.Payload, "relevance_score"),
				ImportanceScore: getFloatPayload(p.Payload, "importance_score"),
				CreatedAt:       createdAt,
				Compressed:      getBoolPayload(p.Payload, "compressed"),
				SourceIDs:       getStringSlicePayload(p.Payload, "source_ids"),
			},
		})
	}
	return out, nil
}

type queryPoint struct {
	Score   float64        `json:"score"`
	Payload map[string]any `json:"payload"`
}

// decodeQueryPoints handles both response shapes of the points/query
// API: a bare list and the {points: [...]} wrapper.
func decodeQueryPoints(r io.Reader) ([]queryPoint, error) {
	var envelope struct {
		Result json.RawMessage `json:"result"`
	}
	if err := json.NewDecoder(r).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("decode memory query response: %w", err)
	}

	var direct []queryPoint
	if err := json.Unmarshal(envelope.Result, &direct); err == nil {
		return direct, nil
	}
	var wrapped struct {
		Points []queryPoint `json:"points"`
	}
	if err := json.Unmarshal(envelope.Result, &wrapped); err != nil {
		return nil, fmt.Errorf("decode memory query result: %w", err)
	}
	return wrapped.Points, nil
}

func (c *MemoryClient) ensureCollection(ctx context.Context, vectorSize int) error {
	c.ensureMu.Lock()
	if c.ensuredCollection && c.ensuredVectorSize == vectorSize {
		c.ensureMu.Unlock()
		return nil
	}
	c.ensureMu.Unlock()

	body, err := json.Marshal(map[string]interface{}{
		"vectors": map[string]interface{}{
			"size":     vectorSize,
			"distance": "Cosine",
		},
	})
	if err != nil {
		return fmt.Errorf("marshal memory ensure collection body: %w", err)
	}

	url := fmt.Sprintf("%s/collections/%s", c.baseURL, c.collection)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create memory ensure collection request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("memory ensure collection request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusConflict {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("memory ensure collection status: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	c.ensureMu.Lock()
	c.ensuredCollection = true
	c.ensuredVectorSize = vectorSize
	c.ensureMu.Unlock()
	return nil
}

func getFloatPayload(payload map[string]any, key string) float64 {
	v, ok := payload[key]
	if !ok {
		return 0
	}
	f, _ := v.(float64)
	return f
}
