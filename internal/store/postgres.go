package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists session records in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initPostgresSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initPostgresSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS lipsync_sessions (
			id TEXT PRIMARY KEY,
			client_id TEXT NOT NULL DEFAULT '',
			avatar TEXT NOT NULL DEFAULT '',
			frames BIGINT NOT NULL DEFAULT 0,
			tier_counts JSONB NOT NULL DEFAULT '{}'::jsonb,
			degradations INTEGER NOT NULL DEFAULT 0,
			decode_failures BIGINT NOT NULL DEFAULT 0,
			final_tier TEXT NOT NULL DEFAULT '',
			started_at TIMESTAMPTZ NOT NULL,
			ended_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_lipsync_sessions_ended ON lipsync_sessions (ended_at);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) SaveSession(ctx context.Context, record SessionRecord) error {
	record = normalize(record)
	counts, err := json.Marshal(record.TierCounts)
	if err != nil {
		return fmt.Errorf("encode tier counts: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO lipsync_sessions (id, client_id, avatar, frames, tier_counts, degradations, decode_failures, final_tier, started_at, ended_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (id) DO UPDATE SET
		   frames = EXCLUDED.frames,
		   tier_counts = EXCLUDED.tier_counts,
		   degradations = EXCLUDED.degradations,
		   decode_failures = EXCLUDED.decode_failures,
		   final_tier = EXCLUDED.final_tier,
		   ended_at = EXCLUDED.ended_at`,
		record.ID,
		record.ClientID,
		record.Avatar,
		int64(record.Frames),
		counts,
		record.Degradations,
		int64(record.DecodeFailures),
		record.FinalTier,
		record.StartedAt,
		record.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RecentSessions(ctx context.Context, limit int) ([]SessionRecord, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, client_id, avatar, frames, tier_counts, degradations, decode_failures, final_tier, started_at, ended_at
		 FROM lipsync_sessions ORDER BY ended_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent sessions: %w", err)
	}
	defer rows.Close()

	items := make([]SessionRecord, 0, limit)
	for rows.Next() {
		var (
			r              SessionRecord
			frames, decode int64
			counts         []byte
		)
		if err := rows.Scan(&r.ID, &r.ClientID, &r.Avatar, &frames, &counts, &r.Degradations, &decode, &r.FinalTier, &r.StartedAt, &r.EndedAt); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		r.Frames, r.DecodeFailures = uint64(frames), uint64(decode)
		if err := json.Unmarshal(counts, &r.TierCounts); err != nil {
			return nil, fmt.Errorf("decode tier counts for %s: %w", r.ID, err)
		}
		items = append(items, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session rows: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
