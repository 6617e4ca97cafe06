package session

import (
	"context"
	"sync"
	"time"

	"github.com/harun/switchboard/pkg/clock"
)

type memEntry[T any] struct {
	value     T
	expiresAt time.Time
}

func (e memEntry[T]) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// MemoryStore is an in-process Store. It is shared by goroutines of one
// process only, so it backs tests and single-node deployments.
type MemoryStore struct {
	mu       sync.Mutex
	clock    clock.Clock
	sessions map[string]memEntry[Session]
	memories map[string]memEntry[Memory]
}

// NewMemoryStore creates an empty in-process store
func NewMemoryStore(c clock.Clock) *MemoryStore {
	if c == nil {
		c = clock.New()
	}
	return &MemoryStore{
		clock:    c,
		sessions: make(map[string]memEntry[Session]),
		memories: make(map[string]memEntry[Memory]),
	}
}

func (s *MemoryStore) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.clock.Now().Add(ttl)
}

// GetSession returns the routing record
func (s *MemoryStore) GetSession(_ context.Context, id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.sessions[id]
	if !ok || entry.expired(s.clock.Now()) {
		delete(s.sessions, id)
		return nil, ErrNotFound
	}
	out := entry.value
	return &out, nil
}

// SaveSession replaces the routing record
func (s *MemoryStore) SaveSession(_ context.Context, sess Session, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions[sess.ID] = memEntry[Session]{value: sess, expiresAt: s.expiry(ttl)}
	return nil
}

// DeleteSession removes the routing record
func (s *MemoryStore) DeleteSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, id)
	return nil
}

// GetMemory returns the shared memory record
func (s *MemoryStore) GetMemory(_ context.Context, id string) (*Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.memories[id]
	if !ok || entry.expired(s.clock.Now()) {
		delete(s.memories, id)
		return nil, ErrNotFound
	}
	out := entry.value.Clone()
	return &out, nil
}

// SaveMemory replaces the whole memory record
func (s *MemoryStore) SaveMemory(_ context.Context, id string, m Memory, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.memories[id] = memEntry[Memory]{value: m.Clone(), expiresAt: s.expiry(ttl)}
	return nil
}

// MergeMemory applies patch to the stored record, creating it if needed.
func (s *MemoryStore) MergeMemory(_ context.Context, id string, patch MemoryPatch, ttl time.Duration) (Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	var current Memory
	if entry, ok := s.memories[id]; ok && !entry.expired(now) {
		current = entry.value
	}

	merged := current.Apply(patch, now)
	s.memories[id] = memEntry[Memory]{value: merged, expiresAt: s.expiry(ttl)}
	return merged.Clone(), nil
}

// DeleteMemory removes the memory record
func (s *MemoryStore) DeleteMemory(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.memories, id)
	return nil
}

// Sweep drops expired records and reports how many were removed
func (s *MemoryStore) Sweep(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	removed := 0
	for id, entry := range s.sessions {
		if entry.expired(now) {
			delete(s.sessions, id)
			removed++
		}
	}
	for id, entry := range s.memories {
		if entry.expired(now) {
			delete(s.memories, id)
			removed++
		}
	}
	return removed, nil
}

// Ping always succeeds
func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

// Close is a no-op
func (s *MemoryStore) Close() error {
	return nil
}
