package ports

import (
	"context"

	"mmrag/internal/core/domain"
)

// ChunkStore is the external embedding index plus its chunk metadata.
type ChunkStore interface {
	// Search returns up to limit nearest neighbors restricted to one
	// modality, with the store's native similarity score.
	Search(ctx context.Context, queryVector []float32, limit int, modality domain.Modality) ([]domain.ChunkMatch, error)
	// ScrollAll iterates the whole collection for the loader's full pass.
	ScrollAll(ctx context.Context) ([]domain.Chunk, error)
}

// Embedder builds vectors for query and memory text.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// AnswerGenerator creates the final user-facing answer from ranked
// evidence, and free-form text for compression summaries.
type AnswerGenerator interface {
	GenerateAnswer(ctx context.Context, question string, sources []domain.Source) (string, error)
	GenerateFromPrompt(ctx context.Context, prompt string) (string, error)
}

// CrossEncoder is the optional external rerank model. Scores align
// index-for-index with the passed candidate texts.
type CrossEncoder interface {
	Score(ctx context.Context, query string, texts []string) ([]float64, error)
}

// SessionStore persists sessions, memory chunks, and compression audit
// records.
type SessionStore interface {
	CreateSession(ctx context.Context, session *domain.ConversationSession) error
	GetSession(ctx context.Context, sessionID string) (*domain.ConversationSession, error)
	UpdateSessionStatus(ctx context.Context, sessionID string, status domain.SessionStatus) error
	ListSessions(ctx context.Context) ([]domain.ConversationSession, error)

	AppendMemory(ctx context.Context, chunk *domain.MemoryChunk) error
	ListMemories(ctx context.Context, sessionID string, includeSuperseded bool) ([]domain.MemoryChunk, error)
	MarkSuperseded(ctx context.Context, sessionID string, memoryIDs []string) error

	RecordCompression(ctx context.Context, record *domain.CompressionRecord) error
	SessionStats(ctx context.Context, sessionID string) (*domain.SessionStats, error)
}

// MemoryVectorIndex indexes and searches memory chunks semantically,
// scoped to one session.
type MemoryVectorIndex interface {
	IndexMemory(ctx context.Context, chunk domain.MemoryChunk, vector []float32) error
	SearchMemories(ctx context.Context, sessionID string, queryVector []float32, limit int) ([]domain.MemoryHit, error)
}

// ReindexBus carries chunk-store reindex notifications between
// processes so loader snapshots refresh without restarts.
type ReindexBus interface {
	PublishChunksReindexed(ctx context.Context, reason string) error
	SubscribeChunksReindexed(ctx context.Context, handler func(context.Context, string) error) error
}
