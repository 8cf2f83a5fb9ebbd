package repository

import (
	"context"
	"sync"
	"time"
)

type memoryPresenceStore struct {
	mu       sync.RWMutex
	lastSeen map[string]time.Time
}

// NewMemoryPresenceStore returns a process-local PresenceStore.
func NewMemoryPresenceStore() PresenceStore {
	return &memoryPresenceStore{lastSeen: make(map[string]time.Time)}
}

func (s *memoryPresenceStore) Touch(_ context.Context, userID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.lastSeen[userID]; !ok || at.After(prev) {
		s.lastSeen[userID] = at
	}
	return nil
}

func (s *memoryPresenceStore) Remove(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.lastSeen, userID)
	return nil
}

func (s *memoryPresenceStore) Stale(_ context.Context, cutoff time.Time) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stale []string
	for userID, seen := range s.lastSeen {
		if seen.Before(cutoff) {
			stale = append(stale, userID)
		}
	}
	return stale, nil
}

func (s *memoryPresenceStore) LastSeen(_ context.Context, userID string) (time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen, ok := s.lastSeen[userID]
	return seen, ok, nil
}
