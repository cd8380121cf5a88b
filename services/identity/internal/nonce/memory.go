package nonce

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps nonces in process memory. It is used by tests and demo deployments.
type MemoryStore struct {
	mu        sync.Mutex
	nonces    map[string]Nonce
	retention time.Duration
	lastSweep time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{nonces: make(map[string]Nonce), retention: time.Hour}
}

func memoryKey(address, value string) string {
	return address + "|" + value
}

func (s *MemoryStore) Save(_ context.Context, n Nonce) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n.IssuedAt.Sub(s.lastSweep) >= s.retention {
		s.sweepLocked(n.IssuedAt)
	}
	s.nonces[memoryKey(lower(n.Address), n.Value)] = n
	return nil
}

func (s *MemoryStore) Get(_ context.Context, address, value string) (Nonce, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nonces[memoryKey(address, value)]
	if !ok {
		return Nonce{}, ErrNotFound
	}
	return n, nil
}

func (s *MemoryStore) Consume(_ context.Context, address, value string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := memoryKey(address, value)
	n, ok := s.nonces[key]
	if !ok || !n.Valid(now) {
		return false, nil
	}
	n.Consumed = true
	s.nonces[key] = n
	return true, nil
}

// Sweep drops nonces that expired more than the retention window before now.
func (s *MemoryStore) Sweep(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sweepLocked(now), nil
}

func (s *MemoryStore) sweepLocked(now time.Time) int {
	cutoff := now.Add(-s.retention)
	removed := 0
	for key, n := range s.nonces {
		if n.ExpiresAt.Before(cutoff) {
			delete(s.nonces, key)
			removed++
		}
	}
	s.lastSweep = now
	return removed
}
