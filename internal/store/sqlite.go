package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists session records in a local SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite store: empty path")
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	ddl := `
CREATE TABLE IF NOT EXISTS lipsync_sessions (
    id TEXT PRIMARY KEY,
    client_id TEXT NOT NULL DEFAULT '',
    avatar TEXT NOT NULL DEFAULT '',
    frames INTEGER NOT NULL DEFAULT 0,
    tier_counts TEXT NOT NULL DEFAULT '{}',
    degradations INTEGER NOT NULL DEFAULT 0,
    decode_failures INTEGER NOT NULL DEFAULT 0,
    final_tier TEXT NOT NULL DEFAULT '',
    started_at INTEGER NOT NULL,
    ended_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_lipsync_sessions_ended ON lipsync_sessions(ended_at);
`
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		db.Close()
		return nil, fmt.Errorf("init sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) SaveSession(ctx context.Context, record SessionRecord) error {
	record = normalize(record)
	counts, err := json.Marshal(record.TierCounts)
	if err != nil {
		return fmt.Errorf("encode tier counts: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO lipsync_sessions (id, client_id, avatar, frames, tier_counts, degradations, decode_failures, final_tier, started_at, ended_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID,
		record.ClientID,
		record.Avatar,
		int64(record.Frames),
		string(counts),
		record.Degradations,
		int64(record.DecodeFailures),
		record.FinalTier,
		record.StartedAt.UnixMilli(),
		record.EndedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RecentSessions(ctx context.Context, limit int) ([]SessionRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, client_id, avatar, frames, tier_counts, degradations, decode_failures, final_tier, started_at, ended_at
		 FROM lipsync_sessions ORDER BY ended_at DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent sessions: %w", err)
	}
	defer rows.Close()

	items := make([]SessionRecord, 0, limit)
	for rows.Next() {
		var (
			r                SessionRecord
			frames, decode   int64
			counts           string
			started, stopped int64
		)
		if err := rows.Scan(&r.ID, &r.ClientID, &r.Avatar, &frames, &counts, &r.Degradations, &decode, &r.FinalTier, &started, &stopped); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		r.Frames, r.DecodeFailures = uint64(frames), uint64(decode)
		r.StartedAt, r.EndedAt = time.UnixMilli(started).UTC(), time.UnixMilli(stopped).UTC()
		if err := json.Unmarshal([]byte(counts), &r.TierCounts); err != nil {
			return nil, fmt.Errorf("decode tier counts for %s: %w", r.ID, err)
		}
		items = append(items, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session rows: %w", err)
	}
	return items, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
