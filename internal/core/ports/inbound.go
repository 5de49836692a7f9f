package ports

import (
	"context"

	"mmrag/internal/core/domain"
)

// AskService is the inbound contract for the unified query pipeline.
type AskService interface {
	Ask(ctx context.Context, req domain.AskRequest) (*domain.AskResult, error)
}

// MemoryService is the inbound contract for session memory management.
type MemoryService interface {
	CreateSession(ctx context.Context, userID string, metadata map[string]string) (*domain.ConversationSession, error)
	GetSession(ctx context.Context, sessionID string) (*domain.ConversationSession, error)
	CloseSession(ctx context.Context, sessionID string) error
	AddMemory(ctx context.Context, sessionID, content string, relevance, importance float64) (*domain.MemoryChunk, error)
	QueryMemories(ctx context.Context, sessionID, query string, limit int) ([]domain.MemoryHit, error)
	Compress(ctx context.Context, sessionID string, strategy domain.CompressionStrategy, maxRatio float64, force bool) (*domain.CompressionResult, error)
	ListSessions(ctx context.Context) ([]domain.ConversationSession, error)
	SessionStats(ctx context.Context, sessionID string) (*domain.SessionStats, error)
}
