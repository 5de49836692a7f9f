package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"mmrag/internal/core/domain"
)

// SessionRepository persists conversation sessions, their memory
// chunks, and the compression audit trail. Superseded memories are
// flagged, never deleted.
type SessionRepository struct {
	db *sql.DB
}

func NewSessionRepository(db *sql.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return db, nil
}

func (r *SessionRepository) EnsureSchema(ctx context.Context) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Serialize bootstrap DDL across concurrent startups.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(2026082801)); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}

	const query = `
CREATE TABLE IF NOT EXISTS sessions (
	session_id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	status TEXT NOT NULL,
	metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS memory_chunks (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL REFERENCES sessions(session_id),
	content TEXT NOT NULL,
	relevance_score DOUBLE PRECISION NOT NULL DEFAULT 0,
	importance_score DOUBLE PRECISION NOT NULL DEFAULT 0,
	compressed BOOLEAN NOT NULL DEFAULT FALSE,
	superseded BOOLEAN NOT NULL DEFAULT FALSE,
	source_ids JSONB NOT NULL DEFAULT '[]'::jsonb,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS compression_records (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL REFERENCES sessions(session_id),
	strategy TEXT NOT NULL,
	original_count INTEGER NOT NULL,
	compressed_count INTEGER NOT NULL,
	ratio DOUBLE PRECISION NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_memory_chunks_session ON memory_chunks(session_id, superseded);
CREATE INDEX IF NOT EXISTS idx_compression_records_session ON compression_records(session_id);
`
	if _, err := tx.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("execute schema ddl: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

func (r *SessionRepository) CreateSession(ctx context.Context, session *domain.ConversationSession) error {
	metadataJSON, err := json.Marshal(session.Metadata)
	if err != nil {
		return fmt.Errorf("marshal session metadata: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
INSERT INTO sessions (session_id, user_id, status, metadata, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6)
`, session.SessionID, session.UserID, string(session.Status), metadataJSON, session.CreatedAt, session.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (r *SessionRepository) GetSession(ctx context.Context, sessionID string) (*domain.ConversationSession, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT session_id, user_id, status, metadata, created_at, updated_at
FROM sessions
WHERE session_id = $1
`, sessionID)

	var session domain.ConversationSession
	var status string
	var metadataRaw []byte
	err := row.Scan(&session.SessionID, &session.UserID, &status, &metadataRaw, &session.CreatedAt, &session.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("session %s: %w", sessionID, domain.ErrSessionNotFound)
		}
		return nil, fmt.Errorf("select session: %w", err)
	}
	session.Status = domain.SessionStatus(status)
	if len(metadataRaw) > 0 {
		if err := json.Unmarshal(metadataRaw, &session.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal session metadata: %w", err)
		}
	}
	return &session, nil
}

func (r *SessionRepository) UpdateSessionStatus(ctx context.Context, sessionID string, status domain.SessionStatus) error {
	result, err := r.db.ExecContext(ctx, `
UPDATE sessions
SET status = $2, updated_at = $3
WHERE session_id = $1
`, sessionID, string(status), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update session status rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("session %s: %w", sessionID, domain.ErrSessionNotFound)
	}
	return nil
}

func (r *SessionRepository) ListSessions(ctx context.Context) ([]domain.ConversationSession, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT session_id, user_id, status, metadata, created_at, updated_at
FROM sessions
ORDER BY created_at DESC
`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []domain.ConversationSession
	for rows.Next() {
		var session domain.ConversationSession
		var status string
		var metadataRaw []byte
		if err := rows.Scan(&session.SessionID, &session.UserID, &status, &metadataRaw, &session.CreatedAt, &session.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		session.Status = domain.SessionStatus(status)
		if len(metadataRaw) > 0 {
			if err := json.Unmarshal(metadataRaw, &session.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal session metadata: %w", err)
			}
		}
		out = append(out, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

func (r *SessionRepository) AppendMemory(ctx context.Context, chunk *domain.MemoryChunk) error {
	sourceIDsJSON, err := json.Marshal(chunk.SourceIDs)
	if err != nil {
		return fmt.Errorf("marshal source ids: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
INSERT INTO memory_chunks (id, session_id, content, relevance_score, importance_score, compressed, superseded, source_ids, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
`, chunk.ID, chunk.SessionID, chunk.Content, chunk.RelevanceScore, chunk.ImportanceScore,
		chunk.Compressed, chunk.Superseded, sourceIDsJSON, chunk.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert memory chunk: %w", err)
	}
	return nil
}

func (r *SessionRepository) ListMemories(ctx context.Context, sessionID string, includeSuperseded bool) ([]domain.MemoryChunk, error) {
	query := `
SELECT id, session_id, content, relevance_score, importance_score, compressed, superseded, source_ids, created_at
FROM memory_chunks
WHERE session_id = $1
`
	if !includeSuperseded {
		query += " AND superseded = FALSE"
	}
	query += " ORDER BY created_at ASC, id ASC"

	rows, err := r.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}
	defer rows.Close()

	var out []domain.MemoryChunk
	for rows.Next() {
		var chunk domain.MemoryChunk
		var sourceIDsRaw []byte
		if err := rows.Scan(
			&chunk.ID, &chunk.SessionID, &chunk.Content,
			&chunk.RelevanceScore, &chunk.ImportanceScore,
			&chunk.Compressed, &chunk.Superseded, &sourceIDsRaw, &chunk.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan memory chunk: %w", err)
		}
		if len(sourceIDsRaw) > 0 {
			if err := json.Unmarshal(sourceIDsRaw, &chunk.SourceIDs); err != nil {
				return nil, fmt.Errorf("unmarshal source ids: %w", err)
			}
		}
		out = append(out, chunk)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memory chunks: %w", err)
	}
	return out, nil
}

func (r *SessionRepository) MarkSuperseded(ctx context.Context, sessionID string, memoryIDs []string) error {
	if len(memoryIDs) == 0 {
		return nil
	}
	idsJSON, err := json.Marshal(memoryIDs)
	if err != nil {
		return fmt.Errorf("marshal memory ids: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
UPDATE memory_chunks
SET superseded = TRUE
WHERE session_id = $1 AND id IN (SELECT jsonb_array_elements_text($2::jsonb))
`, sessionID, idsJSON)
	if err != nil {
		return fmt.Errorf("mark superseded: %w", err)
	}
	return nil
}

func (r *SessionRepository) RecordCompression(ctx context.Context, record *domain.CompressionRecord) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO compression_records (id, session_id, strategy, original_count, compressed_count, ratio, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
`, record.ID, record.SessionID, string(record.Strategy),
		record.OriginalCount, record.CompressedCount, record.Ratio, record.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert compression record: %w", err)
	}
	return nil
}

func (r *SessionRepository) SessionStats(ctx context.Context, sessionID string) (*domain.SessionStats, error) {
	stats := &domain.SessionStats{SessionID: sessionID}

	row := r.db.QueryRowContext(ctx, `
SELECT COUNT(*),
	COUNT(*) FILTER (WHERE superseded),
	COUNT(*) FILTER (WHERE NOT superseded)
FROM memory_chunks
WHERE session_id = $1
`, sessionID)
	if err := row.Scan(&stats.MemoryCount, &stats.SupersededCount, &stats.ActiveCount); err != nil {
		return nil, fmt.Errorf("count memory chunks: %w", err)
	}

	row = r.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM compression_records WHERE session_id = $1
`, sessionID)
	if err := row.Scan(&stats.CompressionRuns); err != nil {
		return nil, fmt.Errorf("count compression records: %w", err)
	}
	return stats, nil
}
