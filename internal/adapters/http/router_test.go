package httpadapter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"mmrag/internal/config"
	"mmrag/internal/core/domain"
	"mmrag/internal/core/usecase"
	"mmrag/internal/loader"
	"mmrag/internal/observability/metrics"
)

type fakeAsk struct {
	lastReq domain.AskRequest
	result  *domain.AskResult
	err     error
}

func (f *fakeAsk) Ask(_ context.Context, req domain.AskRequest) (*domain.AskResult, error) {
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

type fakeMemoryService struct {
	sessions map[string]*domain.ConversationSession

	lastAddContent string
	compressErr    error
}

func newFakeMemoryService() *fakeMemoryService {
	return &fakeMemoryService{sessions: make(map[string]*domain.ConversationSession)}
}

func (f *fakeMemoryService) CreateSession(_ context.Context, userID string, metadata map[string]string) (*domain.ConversationSession, error) {
	session := &domain.ConversationSession{
		SessionID: fmt.Sprintf("sess-%d", len(f.sessions)+1),
		UserID:    userID,
		Status:    domain.SessionActive,
		Metadata:  metadata,
	}
	f.sessions[session.SessionID] = session
	return session, nil
}

func (f *fakeMemoryService) GetSession(_ context.Context, sessionID string) (*domain.ConversationSession, error) {
	session, ok := f.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", sessionID, domain.ErrSessionNotFound)
	}
	return session, nil
}

func (f *fakeMemoryService) CloseSession(_ context.Context, sessionID string) error {
	session, ok := f.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session %s: %w", sessionID, domain.ErrSessionNotFound)
	}
	session.Status = domain.SessionClosed
	return nil
}

func (f *fakeMemoryService) AddMemory(_ context.Context, sessionID, content string, relevance, importance float64) (*domain.MemoryChunk, error) {
	if _, ok := f.sessions[sessionID]; !ok {
		return nil, fmt.Errorf("session %s: %w", sessionID, domain.ErrSessionNotFound)
	}
	f.lastAddContent = content
	return &domain.MemoryChunk{
		ID:              "mem-1",
		SessionID:       sessionID,
		Content:         content,
		RelevanceScore:  relevance,
		ImportanceScore: importance,
	}, nil
}

func (f *fakeMemoryService) QueryMemories(_ context.Context, sessionID, query string, _ int) ([]domain.MemoryHit, error) {
	if _, ok := f.sessions[sessionID]; !ok {
		return nil, fmt.Errorf("session %s: %w", sessionID, domain.ErrSessionNotFound)
	}
	return []domain.MemoryHit{
		{Memory: domain.MemoryChunk{ID: "mem-1", Content: "about " + query}, Score: 0.8},
	}, nil
}

func (f *fakeMemoryService) Compress(_ context.Context, sessionID string, strategy domain.CompressionStrategy, _ float64, _ bool) (*domain.CompressionResult, error) {
	if f.compressErr != nil {
		return nil, f.compressErr
	}
	if _, ok := f.sessions[sessionID]; !ok {
		return nil, fmt.Errorf("session %s: %w", sessionID, domain.ErrSessionNotFound)
	}
	return &domain.CompressionResult{
		Record: domain.CompressionRecord{
			SessionID:       sessionID,
			Strategy:        strategy,
			OriginalCount:   12,
			CompressedCount: 5,
		},
	}, nil
}

func (f *fakeMemoryService) ListSessions(_ context.Context) ([]domain.ConversationSession, error) {
	out := make([]domain.ConversationSession, 0, len(f.sessions))
	for _, session := range f.sessions {
		out = append(out, *session)
	}
	return out, nil
}

func (f *fakeMemoryService) SessionStats(_ context.Context, sessionID string) (*domain.SessionStats, error) {
	if _, ok := f.sessions[sessionID]; !ok {
		return nil, fmt.Errorf("session %s: %w", sessionID, domain.ErrSessionNotFound)
	}
	return &domain.SessionStats{SessionID: sessionID, MemoryCount: 4, ActiveCount: 3, SupersededCount: 1}, nil
}

type routerChunkStore struct {
	chunks []domain.Chunk
}

func (s *routerChunkStore) Search(context.Context, []float32, int, domain.Modality) ([]domain.ChunkMatch, error) {
	return nil, nil
}

func (s *routerChunkStore) ScrollAll(context.Context) ([]domain.Chunk, error) {
	return s.chunks, nil
}

type routerCache struct{}

func (routerCache) Stats() (uint64, uint64, int) { return 1, 2, 1 }

type routerSessionStore struct{}

func (routerSessionStore) CreateSession(context.Context, *domain.ConversationSession) error {
	return nil
}

func (routerSessionStore) GetSession(context.Context, string) (*domain.ConversationSession, error) {
	return nil, domain.ErrSessionNotFound
}

func (routerSessionStore) UpdateSessionStatus(context.Context, string, domain.SessionStatus) error {
	return nil
}

func (routerSessionStore) ListSessions(context.Context) ([]domain.ConversationSession, error) {
	return []domain.ConversationSession{{SessionID: "s1", Status: domain.SessionActive}}, nil
}

func (routerSessionStore) AppendMemory(context.Context, *domain.MemoryChunk) error { return nil }

func (routerSessionStore) ListMemories(context.Context, string, bool) ([]domain.MemoryChunk, error) {
	return nil, nil
}

func (routerSessionStore) MarkSuperseded(context.Context, string, []string) error { return nil }

func (routerSessionStore) RecordCompression(context.Context, *domain.CompressionRecord) error {
	return nil
}

func (routerSessionStore) SessionStats(context.Context, string) (*domain.SessionStats, error) {
	return &domain.SessionStats{}, nil
}

func newTestHandler(t *testing.T, ask *fakeAsk, memory *fakeMemoryService) http.Handler {
	t.Helper()
	snapshots := loader.New(
		&routerChunkStore{chunks: []domain.Chunk{{ID: "c1", Modality: domain.ModalityText}}},
		config.LoaderConfig{RetryAttempts: 1, RetryBackoff: 1},
		slog.New(slog.NewTextHandler(io.Discard, nil)),
	)
	stats := usecase.NewStatsUseCase(snapshots, routerCache{}, routerSessionStore{})
	router := NewRouter(ask, memory, stats, metrics.NewHTTPServerMetrics("test"), slog.New(slog.NewTextHandler(io.Discard, nil)))
	return router.Handler()
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestHealthz(t *testing.T) {
	handler := newTestHandler(t, &fakeAsk{}, newFakeMemoryService())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Header().Get(requestIDHeader) == "" {
		t.Fatalf("expected generated request id header")
	}
}

func TestAskEndpoint(t *testing.T) {
	ask := &fakeAsk{result: &domain.AskResult{
		Answer: "revenue grew 12%",
		Sources: []domain.Source{
			{ChunkID: "c1", Modality: domain.ModalityText, Score: 0.9, Document: "report.pdf"},
		},
	}}
	handler := newTestHandler(t, ask, newFakeMemoryService())

	body := `{"question":"how did revenue do","session_id":"sess-1","use_memory":true,"max_sources":5}`
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/ask", strings.NewReader(body)))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ask.lastReq.Question != "how did revenue do" || !ask.lastReq.UseMemory || ask.lastReq.MaxSources != 5 {
		t.Fatalf("unexpected decoded request: %+v", ask.lastReq)
	}

	var result domain.AskResult
	decodeBody(t, rec, &result)
	if result.Answer != "revenue grew 12%" || len(result.Sources) != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestAskEndpointErrors(t *testing.T) {
	ask := &fakeAsk{err: domain.WrapError(domain.ErrInvalidInput, "validate question", fmt.Errorf("empty"))}
	handler := newTestHandler(t, ask, newFakeMemoryService())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/ask", strings.NewReader(`{"question":""}`)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid input, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/ask", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 for GET, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/ask", strings.NewReader("{broken")))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad json, got %d", rec.Code)
	}
}

func TestAskTemporaryFailureMapsTo503(t *testing.T) {
	ask := &fakeAsk{err: domain.WrapError(domain.ErrTemporary, "generate", fmt.Errorf("upstream down"))}
	handler := newTestHandler(t, ask, newFakeMemoryService())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/ask", strings.NewReader(`{"question":"q"}`)))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestSessionLifecycle(t *testing.T) {
	memory := newFakeMemoryService()
	handler := newTestHandler(t, &fakeAsk{}, memory)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/sessions", strings.NewReader(`{"user_id":"u1","metadata":{"team":"finance"}}`)))
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var session domain.ConversationSession
	decodeBody(t, rec, &session)
	if session.SessionID == "" || session.UserID != "u1" {
		t.Fatalf("unexpected session: %+v", session)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sessions/"+session.SessionID, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 fetching session, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sessions", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 listing sessions, got %d", rec.Code)
	}
	var listing struct {
		Sessions []domain.ConversationSession `json:"sessions"`
	}
	decodeBody(t, rec, &listing)
	if len(listing.Sessions) != 1 {
		t.Fatalf("expected 1 session listed, got %d", len(listing.Sessions))
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/v1/sessions/"+session.SessionID, nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 closing session, got %d", rec.Code)
	}
	if memory.sessions[session.SessionID].Status != domain.SessionClosed {
		t.Fatalf("expected session closed, got %s", memory.sessions[session.SessionID].Status)
	}
}

func TestSessionNotFoundMapsTo404(t *testing.T) {
	handler := newTestHandler(t, &fakeAsk{}, newFakeMemoryService())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sessions/missing", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestAddAndQueryMemories(t *testing.T) {
	memory := newFakeMemoryService()
	session, _ := memory.CreateSession(context.Background(), "u1", nil)
	handler := newTestHandler(t, &fakeAsk{}, memory)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(
		http.MethodPost,
		"/v1/sessions/"+session.SessionID+"/memories",
		strings.NewReader(`{"content":"user prefers quarterly summaries","relevance_score":0.8,"importance_score":0.6}`),
	))
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if memory.lastAddContent != "user prefers quarterly summaries" {
		t.Fatalf("unexpected stored content: %q", memory.lastAddContent)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(
		http.MethodPost,
		"/v1/sessions/"+session.SessionID+"/memories",
		strings.NewReader(`{"content":"   "}`),
	))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for blank content, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(
		http.MethodPost,
		"/v1/sessions/"+session.SessionID+"/memories/query",
		strings.NewReader(`{"query":"summaries","limit":3}`),
	))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var queried struct {
		Hits []domain.MemoryHit `json:"hits"`
	}
	decodeBody(t, rec, &queried)
	if len(queried.Hits) != 1 || queried.Hits[0].Score != 0.8 {
		t.Fatalf("unexpected hits: %+v", queried.Hits)
	}
}

func TestCompressEndpoint(t *testing.T) {
	memory := newFakeMemoryService()
	session, _ := memory.CreateSession(context.Background(), "u1", nil)
	handler := newTestHandler(t, &fakeAsk{}, memory)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(
		http.MethodPost,
		"/v1/sessions/"+session.SessionID+"/compress",
		strings.NewReader(`{"strategy":"semantic","max_ratio":0.5}`),
	))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var result domain.CompressionResult
	decodeBody(t, rec, &result)
	if result.Record.Strategy != domain.CompressSemantic || result.Record.OriginalCount != 12 {
		t.Fatalf("unexpected record: %+v", result.Record)
	}

	memory.compressErr = domain.WrapError(domain.ErrCompression, "validate request", fmt.Errorf("unknown strategy"))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(
		http.MethodPost,
		"/v1/sessions/"+session.SessionID+"/compress",
		strings.NewReader(`{"strategy":"quantum"}`),
	))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad strategy, got %d", rec.Code)
	}
}

func TestSessionStatsEndpoint(t *testing.T) {
	memory := newFakeMemoryService()
	session, _ := memory.CreateSession(context.Background(), "u1", nil)
	handler := newTestHandler(t, &fakeAsk{}, memory)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sessions/"+session.SessionID+"/stats", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var stats domain.SessionStats
	decodeBody(t, rec, &stats)
	if stats.MemoryCount != 4 || stats.ActiveCount != 3 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestGlobalStatsEndpoint(t *testing.T) {
	handler := newTestHandler(t, &fakeAsk{}, newFakeMemoryService())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/stats", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var stats usecase.Stats
	decodeBody(t, rec, &stats)
	if stats.Chunks.Total != 1 || stats.Sessions.Total != 1 || stats.Sessions.Active != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestUnknownSessionSubpath(t *testing.T) {
	handler := newTestHandler(t, &fakeAsk{}, newFakeMemoryService())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sessions/sess-1/unknown", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestRequestIDPropagation(t *testing.T) {
	handler := newTestHandler(t, &fakeAsk{}, newFakeMemoryService())

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(requestIDHeader, "fixed-id-123")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if got := rec.Header().Get(requestIDHeader); got != "fixed-id-123" {
		t.Fatalf("expected request id echoed, got %q", got)
	}
}
