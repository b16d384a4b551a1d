package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func sampleRecord(id string, ended time.Time) SessionRecord {
	return SessionRecord{
		ID:             id,
		ClientID:       "client-" + id,
		Avatar:         "alice",
		Frames:         42,
		TierCounts:     map[string]uint64{"NEURAL": 40, "STATIC_CYCLE": 2},
		Degradations:   1,
		DecodeFailures: 2,
		FinalTier:      "VOLUME_VISEME",
		StartedAt:      ended.Add(-time.Minute),
		EndedAt:        ended,
	}
}

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		if err := s.SaveSession(ctx, sampleRecord(id, base.Add(time.Duration(i)*time.Second))); err != nil {
			t.Fatalf("SaveSession(%s) error = %v", id, err)
		}
	}

	got, err := s.RecentSessions(ctx, 2)
	if err != nil {
		t.Fatalf("RecentSessions() error = %v", err)
	}
	if len(got) != 2 || got[0].ID != "c" || got[1].ID != "b" {
		t.Fatalf("RecentSessions() = %+v, want c then b", got)
	}
	r := got[0]
	if r.Frames != 42 || r.TierCounts["NEURAL"] != 40 || r.FinalTier != "VOLUME_VISEME" || r.DecodeFailures != 2 {
		t.Fatalf("record = %+v", r)
	}
	if r.Duration() != time.Minute {
		t.Fatalf("Duration() = %v, want 1m", r.Duration())
	}
	if !r.EndedAt.Equal(base.Add(2 * time.Second)) {
		t.Fatalf("EndedAt = %v", r.EndedAt)
	}
}

func TestInMemoryStore(t *testing.T) {
	exerciseStore(t, NewInMemoryStore(0))
}

func TestInMemoryStoreKeepsNewest(t *testing.T) {
	s := NewInMemoryStore(2)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		_ = s.SaveSession(ctx, SessionRecord{ID: id})
	}
	got, _ := s.RecentSessions(ctx, 0)
	if len(got) != 2 || got[0].ID != "c" || got[1].ID != "b" {
		t.Fatalf("RecentSessions() = %+v, want c, b", got)
	}
	if got[0].TierCounts == nil {
		t.Fatalf("TierCounts should default to an empty map")
	}
}

func TestSQLiteStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "sessions.db")
	s, err := NewSQLiteStore(context.Background(), path)
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	defer s.Close()
	exerciseStore(t, s)
}

func TestPostgresStore(t *testing.T) {
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	s, err := NewPostgresStore(context.Background(), url)
	if err != nil {
		t.Fatalf("NewPostgresStore() error = %v", err)
	}
	defer s.Close()
	if _, err := s.pool.Exec(context.Background(), `DELETE FROM lipsync_sessions WHERE id IN ('a','b','c')`); err != nil {
		t.Fatalf("cleanup error = %v", err)
	}
	exerciseStore(t, s)
}

func TestNewStoreSelectsBackend(t *testing.T) {
	ctx := context.Background()
	s, err := NewStore(ctx, "")
	if err != nil {
		t.Fatalf("NewStore(\"\") error = %v", err)
	}
	if _, ok := s.(*InMemoryStore); !ok {
		t.Fatalf("NewStore(\"\") = %T, want *InMemoryStore", s)
	}

	s, err = NewStore(ctx, "sqlite:"+filepath.Join(t.TempDir(), "x.db"))
	if err != nil {
		t.Fatalf("NewStore(sqlite) error = %v", err)
	}
	defer s.Close()
	if _, ok := s.(*SQLiteStore); !ok {
		t.Fatalf("NewStore(sqlite) = %T, want *SQLiteStore", s)
	}

	if _, err := NewStore(ctx, "mysql://x"); err == nil {
		t.Fatalf("NewStore(mysql) error = nil")
	}
}
