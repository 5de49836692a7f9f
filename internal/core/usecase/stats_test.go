package usecase

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"mmrag/internal/config"
	"mmrag/internal/core/domain"
	"mmrag/internal/loader"
)

type staticChunkStore struct {
	chunks []domain.Chunk
}

func (s *staticChunkStore) Search(context.Context, []float32, int, domain.Modality) ([]domain.ChunkMatch, error) {
	return nil, nil
}

func (s *staticChunkStore) ScrollAll(context.Context) ([]domain.Chunk, error) {
	return s.chunks, nil
}

type staticCache struct{}

func (staticCache) Stats() (uint64, uint64, int) { return 3, 7, 2 }

type staticSessionStore struct {
	sessions []domain.ConversationSession
}

func (s *staticSessionStore) CreateSession(context.Context, *domain.ConversationSession) error {
	return nil
}

func (s *staticSessionStore) GetSession(context.Context, string) (*domain.ConversationSession, error) {
	return nil, domain.ErrSessionNotFound
}

func (s *staticSessionStore) UpdateSessionStatus(context.Context, string, domain.SessionStatus) error {
	return nil
}

func (s *staticSessionStore) ListSessions(context.Context) ([]domain.ConversationSession, error) {
	return s.sessions, nil
}

func (s *staticSessionStore) AppendMemory(context.Context, *domain.MemoryChunk) error { return nil }

func (s *staticSessionStore) ListMemories(context.Context, string, bool) ([]domain.MemoryChunk, error) {
	return nil, nil
}

func (s *staticSessionStore) MarkSuperseded(context.Context, string, []string) error { return nil }

func (s *staticSessionStore) RecordCompression(context.Context, *domain.CompressionRecord) error {
	return nil
}

func (s *staticSessionStore) SessionStats(context.Context, string) (*domain.SessionStats, error) {
	return &domain.SessionStats{}, nil
}

func TestStatsAggregates(t *testing.T) {
	store := &staticChunkStore{chunks: []domain.Chunk{
		{ID: "t1", Modality: domain.ModalityText},
		{ID: "t2", Modality: domain.ModalityText},
		{ID: "tab1", Modality: domain.ModalityTable},
	}}
	snapshots := loader.New(store, config.LoaderConfig{RetryAttempts: 1, RetryBackoff: 1}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	sessions := &staticSessionStore{sessions: []domain.ConversationSession{
		{SessionID: "s1", Status: domain.SessionActive},
		{SessionID: "s2", Status: domain.SessionClosed},
	}}

	uc := NewStatsUseCase(snapshots, staticCache{}, sessions)
	stats, err := uc.Stats(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Chunks.Total != 3 {
		t.Fatalf("expected 3 chunks, got %d", stats.Chunks.Total)
	}
	if stats.Chunks.ByModality["text"] != 2 || stats.Chunks.ByModality["table"] != 1 {
		t.Fatalf("unexpected modality counts: %v", stats.Chunks.ByModality)
	}
	if stats.RerankCache.Hits != 3 || stats.RerankCache.Misses != 7 || stats.RerankCache.Size != 2 {
		t.Fatalf("unexpected cache stats: %+v", stats.RerankCache)
	}
	if stats.Sessions.Total != 2 || stats.Sessions.Active != 1 {
		t.Fatalf("unexpected session stats: %+v", stats.Sessions)
	}
}
