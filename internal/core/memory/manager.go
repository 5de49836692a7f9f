package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"mmrag/internal/config"
	"mmrag/internal/core/domain"
	"mmrag/internal/core/ports"
	"mmrag/internal/core/recall"
)

// Manager owns per-session memory: writes, similarity retrieval, and
// compression. Writes are serialized per session so compression's
// before/after counts stay consistent; different sessions never contend.
type Manager struct {
	cfg       config.MemoryConfig
	store     ports.SessionStore
	index     ports.MemoryVectorIndex
	embedder  ports.Embedder
	generator ports.AnswerGenerator
	scorer    recall.Scorer
	logger    *slog.Logger

	locksMu      sync.Mutex
	sessionLocks map[string]*sync.Mutex
}

// NewManager builds the memory service. generator may be nil; merged
// groups then keep the lexical merge instead of a model summary.
func NewManager(
	cfg config.MemoryConfig,
	scoring config.ScoringConfig,
	store ports.SessionStore,
	index ports.MemoryVectorIndex,
	embedder ports.Embedder,
	generator ports.AnswerGenerator,
	logger *slog.Logger,
) *Manager {
	return &Manager{
		cfg:          cfg,
		store:        store,
		index:        index,
		embedder:     embedder,
		generator:    generator,
		scorer:       recall.NewScorer(scoring),
		logger:       logger.With("component", "memory"),
		sessionLocks: make(map[string]*sync.Mutex),
	}
}

func (m *Manager) CreateSession(ctx context.Context, userID string, metadata map[string]string) (*domain.ConversationSession, error) {
	now := time.Now().UTC()
	session := &domain.ConversationSession{
		SessionID: uuid.NewString(),
		UserID:    userID,
		Status:    domain.SessionActive,
		CreatedAt: now,
		UpdatedAt: now,
		Metadata:  metadata,
	}
	if err := m.store.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return session, nil
}

func (m *Manager) GetSession(ctx context.Context, sessionID string) (*domain.ConversationSession, error) {
	return m.store.GetSession(ctx, sessionID)
}

// CloseSession marks the session closed. Its memories stay readable.
func (m *Manager) CloseSession(ctx context.Context, sessionID string) error {
	if _, err := m.store.GetSession(ctx, sessionID); err != nil {
		return err
	}
	return m.store.UpdateSessionStatus(ctx, sessionID, domain.SessionClosed)
}

// AddMemory appends one memory chunk. The session must already exist;
// writing into an unknown session is a caller error, not an implicit
// create. Crossing the compression threshold triggers a semantic
// compression run on the same write path.
func (m *Manager) AddMemory(ctx context.Context, sessionID, content string, relevance, importance float64) (*domain.MemoryChunk, error) {
	if _, err := m.store.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}

	lock := m.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	chunk := &domain.MemoryChunk{
		ID:              uuid.NewString(),
		SessionID:       sessionID,
		Content:         content,
		RelevanceScore:  relevance,
		ImportanceScore: importance,
		CreatedAt:       time.Now().UTC(),
	}
	if err := m.store.AppendMemory(ctx, chunk); err != nil {
		return nil, fmt.Errorf("append memory: %w", err)
	}
	m.indexMemory(ctx, *chunk)

	active, err := m.activeMemories(ctx, sessionID)
	if err != nil {
		m.logger.Warn("memory_count_check_failed", "session_id", sessionID, "error", err)
		return chunk, nil
	}
	if len(active) > m.cfg.CompressionThreshold {
		if _, err := m.compressLocked(ctx, sessionID, active, domain.CompressSemantic, m.cfg.DefaultMaxRatio); err != nil {
			// Auto-compression is best effort; the write succeeded.
			m.logger.Warn("auto_compression_failed", "session_id", sessionID, "error", err)
		}
	}
	return chunk, nil
}

// QueryMemories retrieves session memories like a modality engine:
// vector similarity when the embedding is available, keyword scoring
// always, best score wins, capped and sorted.
func (m *Manager) QueryMemories(ctx context.Context, sessionID, query string, limit int) ([]domain.MemoryHit, error) {
	if _, err := m.store.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = m.cfg.RetrieveTopK
	}

	active, err := m.activeMemories(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	activeByID := make(map[string]domain.MemoryChunk, len(active))
	for _, memory := range active {
		activeByID[memory.ID] = memory
	}

	best := make(map[string]domain.MemoryHit)

	if vector, err := m.embedder.EmbedQuery(ctx, query); err != nil {
		m.logger.Warn("memory_query_embed_failed", "session_id", sessionID, "error", err)
	} else if hits, err := m.index.SearchMemories(ctx, sessionID, vector, limit*2); err != nil {
		m.logger.Warn("memory_vector_search_failed", "session_id", sessionID, "error", err)
	} else {
		for _, hit := range hits {
			// The index keeps points for superseded memories; the store's
			// active set is authoritative.
			memory, ok := activeByID[hit.Memory.ID]
			if !ok {
				continue
			}
			hit.Memory = memory
			best[memory.ID] = hit
		}
	}

	terms := recall.Tokenize(query)
	for _, memory := range active {
		score := m.scorer.ContentRelevance(terms, memory.Content)
		if score <= 0 {
			continue
		}
		if existing, ok := best[memory.ID]; !ok || score > existing.Score {
			best[memory.ID] = domain.MemoryHit{Memory: memory, Score: score}
		}
	}

	hits := make([]domain.MemoryHit, 0, len(best))
	for _, hit := range best {
		hits = append(hits, hit)
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Memory.ID < hits[j].Memory.ID
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// Compress collapses a session's active memories per the chosen
// strategy. maxRatio outside (0,1] is rejected before any state
// changes. Without force, a session at or under the threshold is left
// untouched.
func (m *Manager) Compress(ctx context.Context, sessionID string, strategy domain.CompressionStrategy, maxRatio float64, force bool) (*domain.CompressionResult, error) {
	if maxRatio <= 0 || maxRatio > 1 {
		return nil, domain.WrapError(domain.ErrCompression, "validate request", fmt.Errorf("max_ratio %v outside (0,1]", maxRatio))
	}
	switch strategy {
	case domain.CompressSemantic, domain.CompressTemporal, domain.CompressImportance:
	case "":
		strategy = domain.CompressSemantic
	default:
		return nil, domain.WrapError(domain.ErrCompression, "validate request", fmt.Errorf("unknown strategy %q", strategy))
	}
	if _, err := m.store.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}

	lock := m.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	active, err := m.activeMemories(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if len(active) == 0 || (!force && len(active) <= m.cfg.CompressionThreshold) {
		return &domain.CompressionResult{
			Record: domain.CompressionRecord{
				SessionID:     sessionID,
				Strategy:      strategy,
				OriginalCount: len(active),
			},
		}, nil
	}
	return m.compressLocked(ctx, sessionID, active, strategy, maxRatio)
}

// SessionStats exposes per-session counters for the stats endpoint.
func (m *Manager) SessionStats(ctx context.Context, sessionID string) (*domain.SessionStats, error) {
	return m.store.SessionStats(ctx, sessionID)
}

func (m *Manager) ListSessions(ctx context.Context) ([]domain.ConversationSession, error) {
	return m.store.ListSessions(ctx)
}

// compressLocked runs a plan and persists it. Callers hold the session
// lock. Replaced memories are marked superseded, never deleted, so the
// audit trail keeps the original counts.
func (m *Manager) compressLocked(ctx context.Context, sessionID string, active []domain.MemoryChunk, strategy domain.CompressionStrategy, maxRatio float64) (*domain.CompressionResult, error) {
	var plan compressionPlan
	switch strategy {
	case domain.CompressTemporal:
		plan = planTemporal(active, maxRatio, m.cfg.TemporalGap)
	case domain.CompressImportance:
		plan = planImportance(active, maxRatio)
	default:
		plan = planSemantic(active, maxRatio)
	}

	now := time.Now().UTC()
	compressed := make([]domain.MemoryChunk, 0, len(plan.groups))
	supersededIDs := make([]string, 0, len(active))
	for _, group := range plan.groups {
		content, relevance, importance, sourceIDs := mergeGroup(group, m.cfg.MergeSimilarity)
		if m.generator != nil && len(group) > 1 {
			// Summarization is best effort; the lexical merge stands in
			// when the model is unavailable.
			if summary, err := m.generator.GenerateFromPrompt(ctx, summaryPrompt(group)); err != nil {
				m.logger.Warn("compression_summary_failed", "session_id", sessionID, "error", err)
			} else if summary = strings.TrimSpace(summary); summary != "" {
				content = clipContent(summary)
			}
		}
		compressed = append(compressed, domain.MemoryChunk{
			ID:              uuid.NewString(),
			SessionID:       sessionID,
			Content:         content,
			RelevanceScore:  relevance,
			ImportanceScore: importance,
			CreatedAt:       now,
			Compressed:      true,
			SourceIDs:       sourceIDs,
		})
		supersededIDs = append(supersededIDs, sourceIDs...)
	}

	for i := range compressed {
		if err := m.store.AppendMemory(ctx, &compressed[i]); err != nil {
			return nil, fmt.Errorf("append compressed memory: %w", err)
		}
		m.indexMemory(ctx, compressed[i])
	}
	if err := m.store.MarkSuperseded(ctx, sessionID, supersededIDs); err != nil {
		return nil, fmt.Errorf("mark superseded: %w", err)
	}

	record := domain.CompressionRecord{
		ID:              uuid.NewString(),
		SessionID:       sessionID,
		Strategy:        strategy,
		OriginalCount:   len(active),
		CompressedCount: len(compressed),
		Ratio:           float64(len(compressed)) / float64(len(active)),
		CreatedAt:       now,
	}
	if err := m.store.RecordCompression(ctx, &record); err != nil {
		return nil, fmt.Errorf("record compression: %w", err)
	}

	m.logger.Info("session_compressed",
		"session_id", sessionID,
		"strategy", string(strategy),
		"original_count", record.OriginalCount,
		"compressed_count", record.CompressedCount,
	)
	return &domain.CompressionResult{Record: record, Chunks: compressed}, nil
}

func (m *Manager) activeMemories(ctx context.Context, sessionID string) ([]domain.MemoryChunk, error) {
	return m.store.ListMemories(ctx, sessionID, false)
}

// indexMemory is fail-soft: a missing vector only degrades retrieval
// to keyword scoring.
func (m *Manager) indexMemory(ctx context.Context, chunk domain.MemoryChunk) {
	vector, err := m.embedder.EmbedQuery(ctx, chunk.Content)
	if err != nil {
		m.logger.Warn("memory_embed_failed", "memory_id", chunk.ID, "error", err)
		return
	}
	if err := m.index.IndexMemory(ctx, chunk, vector); err != nil {
		m.logger.Warn("memory_index_failed", "memory_id", chunk.ID, "error", err)
	}
}

func (m *Manager) lockFor(sessionID string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	lock, ok := m.sessionLocks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		m.sessionLocks[sessionID] = lock
	}
	return lock
}
