package loader

import (
	"time"

	"mmrag/internal/core/domain"
)

// Snapshot is an immutable view of the chunk store at one load. All
// engine reads go against a snapshot, so a concurrent refresh can never
// expose a half-updated cache.
type Snapshot struct {
	byModality map[domain.Modality][]domain.Chunk
	byID       map[domain.Modality]map[string]domain.Chunk

	LoadedAt time.Time
	Elapsed  time.Duration
}

func buildSnapshot(chunks []domain.Chunk, elapsed time.Duration) *Snapshot {
	snap := &Snapshot{
		byModality: make(map[domain.Modality][]domain.Chunk),
		byID:       make(map[domain.Modality]map[string]domain.Chunk),
		LoadedAt:   time.Now().UTC(),
		Elapsed:    elapsed,
	}
	for _, chunk := range chunks {
		modality := domain.ParseModality(string(chunk.Modality))
		chunk.Modality = modality
		snap.byModality[modality] = append(snap.byModality[modality], chunk)
		ids := snap.byID[modality]
		if ids == nil {
			ids = make(map[string]domain.Chunk)
			snap.byID[modality] = ids
		}
		ids[chunk.ID] = chunk
	}
	return snap
}

// Chunks returns the shared slice for one modality. Callers must not
// mutate it.
func (s *Snapshot) Chunks(modality domain.Modality) []domain.Chunk {
	return s.byModality[modality]
}

// Get looks a chunk up by id. With a modality hint the lookup hits one
// map; without it every modality map is scanned. Absence is reported,
// not an error.
func (s *Snapshot) Get(id string, hint ...domain.Modality) (domain.Chunk, bool) {
	if len(hint) > 0 {
		chunk, ok := s.byID[hint[0]][id]
		return chunk, ok
	}
	for _, ids := range s.byID {
		if chunk, ok := ids[id]; ok {
			return chunk, true
		}
	}
	return domain.Chunk{}, false
}

// Counts reports per-modality chunk counts.
func (s *Snapshot) Counts() map[domain.Modality]int {
	counts := make(map[domain.Modality]int, len(s.byModality))
	for modality, chunks := range s.byModality {
		counts[modality] = len(chunks)
	}
	return counts
}

func (s *Snapshot) Total() int {
	total := 0
	for _, chunks := range s.byModality {
		total += len(chunks)
	}
	return total
}
