package memory

import (
	"context"
	"sync"
	"time"
)

// InMemStore is a Store for unit tests and the demo runner.
type InMemStore struct {
	mu      sync.Mutex
	records []Record
}

// NewInMemStore creates an empty in-memory store.
func NewInMemStore() *InMemStore {
	return &InMemStore{}
}

// Write stores the record unless it fails the quality floor.
func (s *InMemStore) Write(ctx context.Context, rec Record) (WriteResult, error) {
	if reason := rejectReason(rec); reason != "" {
		return WriteResult{ID: rec.ID, Rejected: true, Reason: reason}, nil
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return WriteResult{ID: rec.ID}, nil
}

// Search returns matching records, newest first.
func (s *InMemStore) Search(ctx context.Context, q Query) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Record
	for i := len(s.records) - 1; i >= 0; i-- {
		if !matches(s.records[i], q) {
			continue
		}
		out = append(out, s.records[i])
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}

// All returns a copy of every stored record, oldest first.
func (s *InMemStore) All() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, len(s.records))
	copy(out, s.records)
	return out
}
