package memory

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"mmrag/internal/config"
	"mmrag/internal/core/domain"
)

type fakeSessionStore struct {
	mu       sync.Mutex
	sessions map[string]domain.ConversationSession
	memories map[string][]domain.MemoryChunk
	records  []domain.CompressionRecord
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{
		sessions: make(map[string]domain.ConversationSession),
		memories: make(map[string][]domain.MemoryChunk),
	}
}

func (s *fakeSessionStore) CreateSession(_ context.Context, session *domain.ConversationSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.SessionID] = *session
	return nil
}

func (s *fakeSessionStore) GetSession(_ context.Context, sessionID string) (*domain.ConversationSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	return &session, nil
}

func (s *fakeSessionStore) UpdateSessionStatus(_ context.Context, sessionID string, status domain.SessionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return domain.ErrSessionNotFound
	}
	session.Status = status
	s.sessions[sessionID] = session
	return nil
}

func (s *fakeSessionStore) ListSessions(context.Context) ([]domain.ConversationSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.ConversationSession, 0, len(s.sessions))
	for _, session := range s.sessions {
		out = append(out, session)
	}
	return out, nil
}

func (s *fakeSessionStore) AppendMemory(_ context.Context, chunk *domain.MemoryChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.memories[chunk.SessionID] = append(s.memories[chunk.SessionID], *chunk)
	return nil
}

func (s *fakeSessionStore) ListMemories(_ context.Context, sessionID string, includeSuperseded bool) ([]domain.MemoryChunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.MemoryChunk
	for _, chunk := range s.memories[sessionID] {
		if !includeSuperseded && chunk.Superseded {
			continue
		}
		out = append(out, chunk)
	}
	return out, nil
}

func (s *fakeSessionStore) MarkSuperseded(_ context.Context, sessionID string, memoryIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make(map[string]struct{}, len(memoryIDs))
	for _, id := range memoryIDs {
		ids[id] = struct{}{}
	}
	chunks := s.memories[sessionID]
	for i := range chunks {
		if _, ok := ids[chunks[i].ID]; ok {
			chunks[i].Superseded = true
		}
	}
	return nil
}

func (s *fakeSessionStore) RecordCompression(_ context.Context, record *domain.CompressionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, *record)
	return nil
}

func (s *fakeSessionStore) SessionStats(_ context.Context, sessionID string) (*domain.SessionStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := &domain.SessionStats{SessionID: sessionID}
	for _, chunk := range s.memories[sessionID] {
		stats.MemoryCount++
		if chunk.Superseded {
			stats.SupersededCount++
		} else {
			stats.ActiveCount++
		}
	}
	for _, record := range s.records {
		if record.SessionID == sessionID {
			stats.CompressionRuns++
		}
	}
	return stats, nil
}

type fakeMemoryIndex struct {
	mu      sync.Mutex
	indexed []domain.MemoryChunk
}

func (f *fakeMemoryIndex) IndexMemory(_ context.Context, chunk domain.MemoryChunk, _ []float32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed = append(f.indexed, chunk)
	return nil
}

func (f *fakeMemoryIndex) SearchMemories(context.Context, string, []float32, int) ([]domain.MemoryHit, error) {
	return nil, nil
}

// retainingMemoryIndex never drops points, like the real index after a
// compression run.
type retainingMemoryIndex struct {
	mu      sync.Mutex
	indexed []domain.MemoryChunk
}

func (f *retainingMemoryIndex) IndexMemory(_ context.Context, chunk domain.MemoryChunk, _ []float32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed = append(f.indexed, chunk)
	return nil
}

func (f *retainingMemoryIndex) SearchMemories(_ context.Context, sessionID string, _ []float32, _ int) ([]domain.MemoryHit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var hits []domain.MemoryHit
	for _, chunk := range f.indexed {
		if chunk.SessionID != sessionID {
			continue
		}
		hits = append(hits, domain.MemoryHit{Memory: chunk, Score: 0.9})
	}
	return hits, nil
}

type fakeSummarizer struct {
	summary string
	err     error
	prompts []string
}

func (g *fakeSummarizer) GenerateAnswer(context.Context, string, []domain.Source) (string, error) {
	return "", nil
}

func (g *fakeSummarizer) GenerateFromPrompt(_ context.Context, prompt string) (string, error) {
	g.prompts = append(g.prompts, prompt)
	if g.err != nil {
		return "", g.err
	}
	return g.summary, nil
}

type fakeEmbedder struct {
	err error
}

func (e *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{0.1}
	}
	return out, e.err
}

func (e *fakeEmbedder) EmbedQuery(context.Context, string) ([]float32, error) {
	return []float32{0.1}, e.err
}

func testMemoryConfig() config.MemoryConfig {
	return config.MemoryConfig{
		CompressionThreshold: 10,
		DefaultMaxRatio:      0.5,
		RetrieveTopK:         5,
		TemporalGap:          5 * time.Minute,
		MergeSimilarity:      0.6,
	}
}

func testScoring() config.ScoringConfig {
	return config.ScoringConfig{KeywordMatchWeight: 0.7, FrequencyWeight: 0.3, TermFrequencyCap: 0.3}
}

func newTestManager(store *fakeSessionStore) *Manager {
	return NewManager(testMemoryConfig(), testScoring(), store, &fakeMemoryIndex{}, &fakeEmbedder{}, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func seedSession(t *testing.T, store *fakeSessionStore) string {
	t.Helper()
	sessionID := "session-1"
	store.sessions[sessionID] = domain.ConversationSession{
		SessionID: sessionID,
		UserID:    "u1",
		Status:    domain.SessionActive,
		CreatedAt: time.Now().UTC(),
	}
	return sessionID
}

func seedMemories(store *fakeSessionStore, sessionID string, count int) {
	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < count; i++ {
		store.memories[sessionID] = append(store.memories[sessionID], domain.MemoryChunk{
			ID:              fmt.Sprintf("m%02d", i),
			SessionID:       sessionID,
			Content:         fmt.Sprintf("memory item %d about topic %d", i, i%3),
			ImportanceScore: float64(i%10) / 10,
			CreatedAt:       base.Add(time.Duration(i) * time.Second),
		})
	}
}

func TestAddMemoryUnknownSession(t *testing.T) {
	manager := newTestManager(newFakeSessionStore())
	_, err := manager.AddMemory(context.Background(), "ghost", "content", 0.5, 0.5)
	if !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("expected session not found, got %v", err)
	}
}

func TestAddAndQueryMemories(t *testing.T) {
	store := newFakeSessionStore()
	manager := newTestManager(store)
	sessionID := seedSession(t, store)

	if _, err := manager.AddMemory(context.Background(), sessionID, "user prefers quarterly revenue summaries", 0.8, 0.9); err != nil {
		t.Fatalf("add memory: %v", err)
	}
	if _, err := manager.AddMemory(context.Background(), sessionID, "user timezone is UTC+8", 0.5, 0.4); err != nil {
		t.Fatalf("add memory: %v", err)
	}

	hits, err := manager.QueryMemories(context.Background(), sessionID, "revenue summaries", 5)
	if err != nil {
		t.Fatalf("query memories: %v", err)
	}
	if len(hits) == 0 {
		t.Fatalf("expected at least one hit")
	}
	if hits[0].Memory.Content != "user prefers quarterly revenue summaries" {
		t.Fatalf("expected revenue memory first, got %q", hits[0].Memory.Content)
	}
}

func TestQueryMemoriesExcludesSupersededFromVectorPath(t *testing.T) {
	store := newFakeSessionStore()
	index := &retainingMemoryIndex{}
	manager := NewManager(testMemoryConfig(), testScoring(), store, index, &fakeEmbedder{}, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	sessionID := seedSession(t, store)

	for i := 0; i < 5; i++ {
		if _, err := manager.AddMemory(context.Background(), sessionID, fmt.Sprintf("meeting note %d about budget", i), 0.5, 0.5); err != nil {
			t.Fatalf("add memory: %v", err)
		}
	}
	if _, err := manager.Compress(context.Background(), sessionID, domain.CompressSemantic, 0.4, true); err != nil {
		t.Fatalf("compress: %v", err)
	}

	superseded := make(map[string]bool)
	all, _ := store.ListMemories(context.Background(), sessionID, true)
	for _, chunk := range all {
		if chunk.Superseded {
			superseded[chunk.ID] = true
		}
	}
	if len(superseded) == 0 {
		t.Fatalf("compression must supersede the originals")
	}

	hits, err := manager.QueryMemories(context.Background(), sessionID, "budget", 10)
	if err != nil {
		t.Fatalf("query memories: %v", err)
	}
	if len(hits) == 0 {
		t.Fatalf("expected hits from the compressed replacements")
	}
	for _, hit := range hits {
		if superseded[hit.Memory.ID] {
			t.Fatalf("superseded memory %s leaked through the vector index", hit.Memory.ID)
		}
		if !hit.Memory.Compressed {
			t.Fatalf("expected only compressed replacements, got %+v", hit.Memory)
		}
	}
}

func TestCompressUsesModelSummaryForMergedGroups(t *testing.T) {
	store := newFakeSessionStore()
	gen := &fakeSummarizer{summary: "user tracks budget topics"}
	manager := NewManager(testMemoryConfig(), testScoring(), store, &fakeMemoryIndex{}, &fakeEmbedder{}, gen, slog.New(slog.NewTextHandler(io.Discard, nil)))
	sessionID := seedSession(t, store)
	seedMemories(store, sessionID, 6)

	result, err := manager.Compress(context.Background(), sessionID, domain.CompressSemantic, 0.34, true)
	if err != nil {
		t.Fatalf("compress: %v", err)
	}
	sawSummary := false
	for _, chunk := range result.Chunks {
		if len(chunk.SourceIDs) > 1 {
			if chunk.Content != "user tracks budget topics" {
				t.Fatalf("merged group must carry the model summary, got %q", chunk.Content)
			}
			sawSummary = true
		}
	}
	if !sawSummary {
		t.Fatalf("expected at least one merged group")
	}
	if len(gen.prompts) == 0 || !strings.Contains(gen.prompts[0], "memory item") {
		t.Fatalf("summary prompt must carry the member contents, got %v", gen.prompts)
	}
}

func TestCompressSummaryFailureFallsBackToMerge(t *testing.T) {
	store := newFakeSessionStore()
	gen := &fakeSummarizer{err: errors.New("model down")}
	manager := NewManager(testMemoryConfig(), testScoring(), store, &fakeMemoryIndex{}, &fakeEmbedder{}, gen, slog.New(slog.NewTextHandler(io.Discard, nil)))
	sessionID := seedSession(t, store)
	seedMemories(store, sessionID, 6)

	result, err := manager.Compress(context.Background(), sessionID, domain.CompressSemantic, 0.34, true)
	if err != nil {
		t.Fatalf("summary failure must not fail compression: %v", err)
	}
	for _, chunk := range result.Chunks {
		if !strings.Contains(chunk.Content, "memory item") {
			t.Fatalf("expected lexical merge content after fallback, got %q", chunk.Content)
		}
	}
}

func TestCompressHonorsRatioBound(t *testing.T) {
	store := newFakeSessionStore()
	manager := newTestManager(store)
	sessionID := seedSession(t, store)
	seedMemories(store, sessionID, 15)

	result, err := manager.Compress(context.Background(), sessionID, domain.CompressSemantic, 0.5, false)
	if err != nil {
		t.Fatalf("compress: %v", err)
	}
	bound := int(math.Ceil(15 * 0.5))
	if result.Record.CompressedCount > bound {
		t.Fatalf("compressed_count %d exceeds ceil(15*0.5)=%d", result.Record.CompressedCount, bound)
	}
	if result.Record.CompressedCount > result.Record.OriginalCount {
		t.Fatalf("compressed_count exceeds original_count")
	}
	if result.Record.OriginalCount != 15 {
		t.Fatalf("expected original_count 15, got %d", result.Record.OriginalCount)
	}

	// Originals stay in the store as superseded rows, never deleted.
	all, _ := store.ListMemories(context.Background(), sessionID, true)
	if len(all) != 15+result.Record.CompressedCount {
		t.Fatalf("expected originals retained, got %d rows", len(all))
	}
	active, _ := store.ListMemories(context.Background(), sessionID, false)
	if len(active) != result.Record.CompressedCount {
		t.Fatalf("expected only compressed chunks active, got %d", len(active))
	}
	if len(store.records) != 1 {
		t.Fatalf("expected one compression record, got %d", len(store.records))
	}
}

func TestCompressRejectsBadRatio(t *testing.T) {
	store := newFakeSessionStore()
	manager := newTestManager(store)
	sessionID := seedSession(t, store)
	seedMemories(store, sessionID, 15)

	for _, ratio := range []float64{0, -0.5, 1.5} {
		_, err := manager.Compress(context.Background(), sessionID, domain.CompressSemantic, ratio, true)
		if !domain.IsKind(err, domain.ErrCompression) {
			t.Fatalf("ratio %v: expected compression error, got %v", ratio, err)
		}
	}
	// Rejected before mutating state.
	all, _ := store.ListMemories(context.Background(), sessionID, true)
	if len(all) != 15 {
		t.Fatalf("bad request must not mutate state, got %d rows", len(all))
	}
}

func TestCompressRejectsUnknownStrategy(t *testing.T) {
	store := newFakeSessionStore()
	manager := newTestManager(store)
	sessionID := seedSession(t, store)
	seedMemories(store, sessionID, 15)

	_, err := manager.Compress(context.Background(), sessionID, domain.CompressionStrategy("quantum"), 0.5, true)
	if !domain.IsKind(err, domain.ErrCompression) {
		t.Fatalf("expected compression error, got %v", err)
	}
}

func TestCompressUnderThresholdWithoutForceIsNoop(t *testing.T) {
	store := newFakeSessionStore()
	manager := newTestManager(store)
	sessionID := seedSession(t, store)
	seedMemories(store, sessionID, 5)

	result, err := manager.Compress(context.Background(), sessionID, domain.CompressSemantic, 0.5, false)
	if err != nil {
		t.Fatalf("compress: %v", err)
	}
	if result.Record.CompressedCount != 0 {
		t.Fatalf("expected no-op under threshold, got %d", result.Record.CompressedCount)
	}
	all, _ := store.ListMemories(context.Background(), sessionID, true)
	if len(all) != 5 {
		t.Fatalf("no-op must not mutate state")
	}

	forced, err := manager.Compress(context.Background(), sessionID, domain.CompressSemantic, 0.5, true)
	if err != nil {
		t.Fatalf("forced compress: %v", err)
	}
	if forced.Record.CompressedCount == 0 {
		t.Fatalf("force must compress below threshold")
	}
}

func TestTemporalStrategyGroupsBursts(t *testing.T) {
	store := newFakeSessionStore()
	manager := newTestManager(store)
	sessionID := seedSession(t, store)

	base := time.Now().UTC().Add(-2 * time.Hour)
	for i := 0; i < 6; i++ {
		burst := i / 3
		store.memories[sessionID] = append(store.memories[sessionID], domain.MemoryChunk{
			ID:        fmt.Sprintf("m%d", i),
			SessionID: sessionID,
			Content:   fmt.Sprintf("note %d", i),
			CreatedAt: base.Add(time.Duration(burst)*time.Hour + time.Duration(i%3)*time.Second),
		})
	}

	result, err := manager.Compress(context.Background(), sessionID, domain.CompressTemporal, 0.5, true)
	if err != nil {
		t.Fatalf("compress: %v", err)
	}
	if result.Record.CompressedCount != 2 {
		t.Fatalf("expected two burst groups, got %d", result.Record.CompressedCount)
	}
	for _, chunk := range result.Chunks {
		if len(chunk.SourceIDs) != 3 {
			t.Fatalf("expected 3 sources per burst, got %d", len(chunk.SourceIDs))
		}
	}
}

func TestAddMemoryAutoCompressesOverThreshold(t *testing.T) {
	store := newFakeSessionStore()
	manager := newTestManager(store)
	sessionID := seedSession(t, store)
	seedMemories(store, sessionID, 10)

	if _, err := manager.AddMemory(context.Background(), sessionID, "one more memory", 0.5, 0.5); err != nil {
		t.Fatalf("add memory: %v", err)
	}
	if len(store.records) != 1 {
		t.Fatalf("expected auto compression run, got %d records", len(store.records))
	}
	active, _ := store.ListMemories(context.Background(), sessionID, false)
	if len(active) > 10 {
		t.Fatalf("expected active memories reduced, got %d", len(active))
	}
}

func TestCloseSessionKeepsMemoriesReadable(t *testing.T) {
	store := newFakeSessionStore()
	manager := newTestManager(store)
	sessionID := seedSession(t, store)
	seedMemories(store, sessionID, 3)

	if err := manager.CloseSession(context.Background(), sessionID); err != nil {
		t.Fatalf("close session: %v", err)
	}
	session, err := manager.GetSession(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if session.Status != domain.SessionClosed {
		t.Fatalf("expected closed status, got %s", session.Status)
	}
	all, _ := store.ListMemories(context.Background(), sessionID, true)
	if len(all) != 3 {
		t.Fatalf("memories must remain readable after close")
	}
}
