package tei

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestScoreAlignsWithInputOrder(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rerank" {
			http.NotFound(w, r)
			return
		}
		var payload struct {
			Query string   `json:"query"`
			Texts []string `json:"texts"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if payload.Query != "revenue growth" || len(payload.Texts) != 3 {
			t.Fatalf("unexpected request: %+v", payload)
		}
		// Results arrive sorted by score, not input order.
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"index":2,"score":0.95},{"index":0,"score":0.4},{"index":1,"score":0.1}]`))
	}))
	defer server.Close()

	client := New(server.URL)
	scores, err := client.Score(context.Background(), "revenue growth", []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("Score() error = %v", err)
	}
	want := []float64{0.4, 0.1, 0.95}
	for i, score := range scores {
		if score != want[i] {
			t.Fatalf("score[%d] = %v, want %v", i, score, want[i])
		}
	}
}

func TestScoreRejectsOutOfRangeIndex(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"index":5,"score":0.9}]`))
	}))
	defer server.Close()

	client := New(server.URL)
	if _, err := client.Score(context.Background(), "q", []string{"a"}); err == nil {
		t.Fatalf("expected error for out-of-range index")
	}
}

func TestScoreErrorIncludesBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model loading", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := New(server.URL)
	_, err := client.Score(context.Background(), "q", []string{"a"})
	if err == nil {
		t.Fatalf("expected error")
	}
}

func TestScoreEmptyTextsIsNoop(t *testing.T) {
	client := New("http://unreachable.invalid")
	scores, err := client.Score(context.Background(), "q", nil)
	if err != nil || scores != nil {
		t.Fatalf("empty input must be a no-op, got %v %v", scores, err)
	}
}
