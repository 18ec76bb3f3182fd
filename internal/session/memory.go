// Package session holds per-session upload view state.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/example/caption-demo/internal/upload"
)

type memoryEntry struct {
	state    *upload.State
	expireAt time.Time
}

// MemoryStore keeps state in process. Entries expire ttl after their last write.
type MemoryStore struct {
	mu        sync.Mutex
	entries   map[string]memoryEntry
	ttl       time.Duration
	newState  func(string) *upload.State
	now       func() time.Time
	lastSweep time.Time
}

// NewMemoryStore returns an empty in-process store.
func NewMemoryStore(ttl time.Duration, newState func(string) *upload.State) *MemoryStore {
	return &MemoryStore{
		entries:  make(map[string]memoryEntry),
		ttl:      ttl,
		newState: newState,
		now:      time.Now,
	}
}

// Load returns a copy of the session state, or fresh state when none is stored.
func (s *MemoryStore) Load(ctx context.Context, sessionID string) (*upload.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current(sessionID).Clone(), nil
}

// Update applies fn to a copy of the state and stores it when fn succeeds.
func (s *MemoryStore) Update(ctx context.Context, sessionID string, fn func(*upload.State) error) (*upload.State, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	state := s.current(sessionID).Clone()
	if err := fn(state); err != nil {
		return nil, err
	}
	now := s.now()
	s.entries[sessionID] = memoryEntry{state: state, expireAt: now.Add(s.ttl)}
	s.sweep(now)
	return state.Clone(), nil
}

// Len reports how many sessions are held.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// current must be called with mu held.
func (s *MemoryStore) current(sessionID string) *upload.State {
	entry, ok := s.entries[sessionID]
	if !ok || !s.now().Before(entry.expireAt) {
		delete(s.entries, sessionID)
		return s.newState(sessionID)
	}
	return entry.state
}

// sweep drops expired entries at most once per ttl. Must be called with mu held.
func (s *MemoryStore) sweep(now time.Time) {
	if now.Sub(s.lastSweep) < s.ttl {
		return
	}
	s.lastSweep = now
	for id, entry := range s.entries {
		if !now.Before(entry.expireAt) {
			delete(s.entries, id)
		}
	}
}
