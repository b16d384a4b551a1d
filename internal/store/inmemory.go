package store

import (
	"context"
	"maps"
	"sync"
)

const defaultInMemoryLimit = 1000

// InMemoryStore keeps the most recent session records in process.
type InMemoryStore struct {
	mu      sync.RWMutex
	limit   int
	records []SessionRecord
}

func NewInMemoryStore(limit int) *InMemoryStore {
	if limit <= 0 {
		limit = defaultInMemoryLimit
	}
	return &InMemoryStore{limit: limit}
}

func (s *InMemoryStore) SaveSession(_ context.Context, record SessionRecord) error {
	record = normalize(record)
	record.TierCounts = maps.Clone(record.TierCounts)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, record)
	if over := len(s.records) - s.limit; over > 0 {
		s.records = append(s.records[:0], s.records[over:]...)
	}
	return nil
}

func (s *InMemoryStore) RecentSessions(_ context.Context, limit int) ([]SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.records) {
		limit = len(s.records)
	}
	out := make([]SessionRecord, 0, limit)
	for i := len(s.records) - 1; i >= len(s.records)-limit; i-- {
		r := s.records[i]
		r.TierCounts = maps.Clone(r.TierCounts)
		out = append(out, r)
	}
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }
