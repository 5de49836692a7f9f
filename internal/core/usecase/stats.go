package usecase

import (
	"context"
	"fmt"
	"time"

	"mmrag/internal/core/domain"
	"mmrag/internal/core/ports"
	"mmrag/internal/core/recall"
)

// RerankCacheStats is implemented by the rerank engine.
type RerankCacheStats interface {
	Stats() (hits, misses uint64, size int)
}

// Stats is the operational overview served by the stats endpoint.
type Stats struct {
	Chunks      ChunkStats   `json:"chunks"`
	RerankCache CacheStats   `json:"rerank_cache"`
	Sessions    SessionStats `json:"sessions"`
}

type ChunkStats struct {
	Total      int            `json:"total"`
	ByModality map[string]int `json:"by_modality"`
	LoadedAt   time.Time      `json:"loaded_at"`
	LoadMS     int64          `json:"load_ms"`
}

type CacheStats struct {
	Hits   uint64 `json:"hits"`
	Misses uint64 `json:"misses"`
	Size   int    `json:"size"`
}

type SessionStats struct {
	Total  int `json:"total"`
	Active int `json:"active"`
}

// StatsUseCase aggregates counters from the snapshot loader, the rerank
// cache, and the session store.
type StatsUseCase struct {
	snapshots recall.SnapshotProvider
	cache     RerankCacheStats
	sessions  ports.SessionStore
}

func NewStatsUseCase(snapshots recall.SnapshotProvider, cache RerankCacheStats, sessions ports.SessionStore) *StatsUseCase {
	return &StatsUseCase{snapshots: snapshots, cache: cache, sessions: sessions}
}

func (uc *StatsUseCase) Stats(ctx context.Context) (*Stats, error) {
	snap, err := uc.snapshots.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	stats := &Stats{
		Chunks: ChunkStats{
			Total:      snap.Total(),
			ByModality: make(map[string]int),
			LoadedAt:   snap.LoadedAt,
			LoadMS:     snap.Elapsed.Milliseconds(),
		},
	}
	for modality, count := range snap.Counts() {
		stats.Chunks.ByModality[string(modality)] = count
	}

	hits, misses, size := uc.cache.Stats()
	stats.RerankCache = CacheStats{Hits: hits, Misses: misses, Size: size}

	sessions, err := uc.sessions.ListSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	stats.Sessions.Total = len(sessions)
	for _, session := range sessions {
		if session.Status == domain.SessionActive {
			stats.Sessions.Active++
		}
	}
	return stats, nil
}
