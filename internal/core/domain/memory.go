package domain

import "time"

type SessionStatus string

const (
	SessionActive SessionStatus = "active"
	SessionClosed SessionStatus = "closed"
)

// ConversationSession owns its memory chunks. Closing a session keeps
// the memories readable; only the status changes.
type ConversationSession struct {
	SessionID string            `json:"session_id"`
	UserID    string            `json:"user_id"`
	Status    SessionStatus     `json:"status"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// MemoryChunk is a per-session memory record. A compressed chunk keeps
// the same shape with Compressed set and SourceIDs referencing the
// memories it replaced; replaced memories are marked superseded, never
// deleted.
type MemoryChunk struct {
	ID              string    `json:"id"`
	SessionID       string    `json:"session_id"`
	Content         string    `json:"content"`
	RelevanceScore  float64   `json:"relevance_score"`
	ImportanceScore float64   `json:"importance_score"`
	CreatedAt       time.Time `json:"created_at"`

	Compressed bool     `json:"compressed,omitempty"`
	Superseded bool     `json:"superseded,omitempty"`
	SourceIDs  []string `json:"source_ids,omitempty"`
}

type MemoryHit struct {
	Memory MemoryChunk `json:"memory"`
	Score  float64     `json:"score"`
}

type CompressionStrategy string

const (
	CompressSemantic   CompressionStrategy = "semantic"
	CompressTemporal   CompressionStrategy = "temporal"
	CompressImportance CompressionStrategy = "importance"
)

// CompressionRecord is the audit entry written for every compression
// run; original counts stay visible after memories are superseded.
type CompressionRecord struct {
	ID              string              `json:"id"`
	SessionID       string              `json:"session_id"`
	Strategy        CompressionStrategy `json:"strategy"`
	OriginalCount   int                 `json:"original_count"`
	CompressedCount int                 `json:"compressed_count"`
	Ratio           float64             `json:"compression_ratio"`
	CreatedAt       time.Time           `json:"created_at"`
}

type CompressionResult struct {
	Record CompressionRecord `json:"record"`
	Chunks []MemoryChunk     `json:"chunks"`
}

type SessionStats struct {
	SessionID       string `json:"session_id"`
	MemoryCount     int    `json:"memory_count"`
	ActiveCount     int    `json:"active_count"`
	SupersededCount int    `json:"superseded_count"`
	CompressionRuns int    `json:"compression_runs"`
}
