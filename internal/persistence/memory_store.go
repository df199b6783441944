package persistence

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process event store with the same contract as
// PostgresStore. It backs the local transport and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	records []EventRecord
	applied map[string]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{applied: make(map[string]struct{})}
}

func (s *MemoryStore) Append(_ context.Context, rec EventRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.applied[rec.EventID]; ok {
		return false, nil
	}
	s.applied[rec.EventID] = struct{}{}
	rec.RecordedAt = time.Now().UTC()
	s.records = append(s.records, rec)
	return true, nil
}

func (s *MemoryStore) IsApplied(_ context.Context, eventID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.applied[eventID]
	return ok, nil
}

func (s *MemoryStore) LastSequence(_ context.Context, correlationID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var max int64
	for _, r := range s.records {
		if r.CorrelationID == correlationID && r.Sequence > max {
			max = r.Sequence
		}
	}
	return max, nil
}

func (s *MemoryStore) AggregateVersion(_ context.Context, aggregateID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var max int64
	for _, r := range s.records {
		if r.AggregateID == aggregateID && r.AggregateVersion > max {
			max = r.AggregateVersion
		}
	}
	return max, nil
}

func (s *MemoryStore) LoadAggregate(_ context.Context, aggregateID string) ([]EventRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []EventRecord
	for _, r := range s.records {
		if r.AggregateID == aggregateID {
			out = append(out, r)
		}
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].AggregateVersion < out[j].AggregateVersion
	})
	return out, nil
}

func (s *MemoryStore) LoadAll(_ context.Context, after Cursor, limit int) ([]EventRecord, error) {
	s.mu.RLock()
	all := append([]EventRecord(nil), s.records...)
	s.mu.RUnlock()

	sort.SliceStable(all, func(i, j int) bool {
		if all[i].CorrelationID != all[j].CorrelationID {
			return all[i].CorrelationID < all[j].CorrelationID
		}
		return all[i].Sequence < all[j].Sequence
	})

	var out []EventRecord
	for _, r := range all {
		if r.CorrelationID < after.CorrelationID ||
			(r.CorrelationID == after.CorrelationID && r.Sequence <= after.Sequence) {
			continue
		}
		out = append(out, r)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Count returns the number of stored rows with eventID. Used by tests to
// assert exactly-once storage.
func (s *MemoryStore) Count(eventID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, r := range s.records {
		if r.EventID == eventID {
			n++
		}
	}
	return n
}

// Records returns a copy of every stored row in append order.
func (s *MemoryStore) Records() []EventRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]EventRecord(nil), s.records...)
}
