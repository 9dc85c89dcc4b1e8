package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Store keeps small JSON-encodable values scoped to a session id.
type Store interface {
	Get(ctx context.Context, sid, key string, dst any) (bool, error)
	Put(ctx context.Context, sid, key string, v any, ttl time.Duration) error
	Delete(ctx context.Context, sid, key string) error
	// PutIfAbsent stores v only when key holds no live value and reports
	// whether it did. Concurrent callers see exactly one winner.
	PutIfAbsent(ctx context.Context, sid, key string, v any, ttl time.Duration) (bool, error)
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memoryEntry), now: time.Now}
}

// WithClock replaces the time source; used by tests.
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.now = now
	return s
}

func memoryKey(sid, key string) string {
	return sid + "\x00" + key
}

func (s *MemoryStore) Get(_ context.Context, sid, key string, dst any) (bool, error) {
	s.mu.Lock()
	entry, ok := s.entries[memoryKey(sid, key)]
	if ok && !entry.expiresAt.IsZero() && !s.now().Before(entry.expiresAt) {
		delete(s.entries, memoryKey(sid, key))
		ok = false
	}
	s.mu.Unlock()

	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(entry.value, dst); err != nil {
		return false, fmt.Errorf("decode session value %q: %w", key, err)
	}
	return true, nil
}

func (s *MemoryStore) Put(_ context.Context, sid, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode session value %q: %w", key, err)
	}

	entry := memoryEntry{value: data}
	if ttl > 0 {
		entry.expiresAt = s.now().Add(ttl)
	}

	s.mu.Lock()
	s.entries[memoryKey(sid, key)] = entry
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, sid, key string) error {
	s.mu.Lock()
	delete(s.entries, memoryKey(sid, key))
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) PutIfAbsent(_ context.Context, sid, key string, v any, ttl time.Duration) (bool, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return false, fmt.Errorf("encode session value %q: %w", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if entry, ok := s.entries[memoryKey(sid, key)]; ok && (entry.expiresAt.IsZero() || now.Before(entry.expiresAt)) {
		return false, nil
	}
	entry := memoryEntry{value: data}
	if ttl > 0 {
		entry.expiresAt = now.Add(ttl)
	}
	s.entries[memoryKey(sid, key)] = entry
	return true, nil
}

// Sweep drops expired entries.
func (s *MemoryStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	removed := 0
	for k, e := range s.entries {
		if !e.expiresAt.IsZero() && !now.Before(e.expiresAt) {
			delete(s.entries, k)
			removed++
		}
	}
	return removed
}
