package usage

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store. It backs single-node deployments and
// tests; multi-node deployments use the postgres store.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string][]Record
}

// Compile-time interface assertion.
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string][]Record)}
}

// Add appends the record.
func (s *MemoryStore) Add(_ context.Context, rec Record) error {
	if rec.At.IsZero() {
		rec.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.UserID] = append(s.records[rec.UserID], rec)
	return nil
}

// Totals sums records at or after since.
func (s *MemoryStore) Totals(_ context.Context, userID string, since time.Time) (Totals, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var t Totals
	for _, rec := range s.records[userID] {
		if rec.At.Before(since) {
			continue
		}
		t.AudioSeconds += rec.AudioSeconds
		t.SynthesizedChars += rec.SynthesizedChars
	}
	return t, nil
}

// Prune drops records older than cutoff, bounding memory on long uptimes.
func (s *MemoryStore) Prune(cutoff time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for user, recs := range s.records {
		kept := recs[:0]
		for _, rec := range recs {
			if !rec.At.Before(cutoff) {
				kept = append(kept, rec)
			}
		}
		if len(kept) == 0 {
			delete(s.records, user)
			continue
		}
		s.records[user] = kept
	}
}
