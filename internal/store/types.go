package store

import (
	"context"
	"time"
)

// SessionRecord summarizes one finished lip-sync session.
type SessionRecord struct {
	ID             string            `json:"session_id"`
	ClientID       string            `json:"client_id,omitempty"`
	Avatar         string            `json:"avatar"`
	Frames         uint64            `json:"frames"`
	TierCounts     map[string]uint64 `json:"tier_counts"`
	Degradations   int               `json:"degradations"`
	DecodeFailures uint64            `json:"decode_failures"`
	FinalTier      string            `json:"final_tier"`
	StartedAt      time.Time         `json:"started_at"`
	EndedAt        time.Time         `json:"ended_at"`
}

func (r SessionRecord) Duration() time.Duration {
	if r.EndedAt.Before(r.StartedAt) {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}

// Store persists session summaries.
type Store interface {
	SaveSession(ctx context.Context, record SessionRecord) error
	// RecentSessions returns the newest records first.
	RecentSessions(ctx context.Context, limit int) ([]SessionRecord, error)
	Close() error
}

func normalize(record SessionRecord) SessionRecord {
	if record.EndedAt.IsZero() {
		record.EndedAt = time.Now().UTC()
	}
	if record.StartedAt.IsZero() {
		record.StartedAt = record.EndedAt
	}
	if record.TierCounts == nil {
		record.TierCounts = map[string]uint64{}
	}
	return record
}
