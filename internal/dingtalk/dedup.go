package dingtalk

import (
	"sync"
	"time"
)

const (
	dedupTTL      = time.Minute
	dedupMaxSize  = 1000
	dedupSweepGap = 10
)

// DedupStore suppresses duplicate processing when DingTalk retries message
// delivery. Entries expire after one minute; the store is hard-capped to
// protect against bursts, evicting oldest entries first.
type DedupStore struct {
	mu      sync.Mutex
	entries map[string]time.Time
	order   []string
	counter int
	now     func() time.Time
}

func NewDedupStore() *DedupStore {
	return &DedupStore{
		entries: make(map[string]time.Time),
		now:     time.Now,
	}
}

// IsProcessed reports whether the key is inside its dedup window. Expired
// entries are removed on lookup.
func (s *DedupStore) IsProcessed(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	expiresAt, ok := s.entries[key]
	if !ok {
		return false
	}
	if !s.now().Before(expiresAt) {
		s.remove(key)
		return false
	}
	return true
}

// MarkProcessed records the key with a fresh TTL. Every tenth insertion
// sweeps expired entries; when the store still exceeds the cap the oldest
// entries are dropped.
func (s *DedupStore) MarkProcessed(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if _, ok := s.entries[key]; !ok {
		s.order = append(s.order, key)
	}
	s.entries[key] = now.Add(dedupTTL)

	if len(s.entries) > dedupMaxSize {
		s.sweep(now)
		for len(s.entries) > dedupMaxSize && len(s.order) > 0 {
			s.remove(s.order[0])
		}
		return
	}

	s.counter++
	if s.counter >= dedupSweepGap {
		s.counter = 0
		s.sweep(now)
	}
}

// Len reports the number of live entries, for tests and status reporting.
func (s *DedupStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *DedupStore) sweep(now time.Time) {
	for key, expiresAt := range s.entries {
		if !now.Before(expiresAt) {
			s.remove(key)
		}
	}
}

func (s *DedupStore) remove(key string) {
	delete(s.entries, key)
	for i, k := range s.order {
		if k == key {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}
