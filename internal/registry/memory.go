package registry

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	value     []byte
	rev       int64
	expiresAt time.Time
}

// MemoryStore is an in-process Store with per-key TTL. Expired keys are
// dropped lazily on read and swept by a janitor loop.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	nextRev int64
	stop    chan struct{}
	once    sync.Once
}

// NewMemoryStore creates a MemoryStore and starts its janitor.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		entries: make(map[string]*memoryEntry),
		nextRev: 1,
		stop:    make(chan struct{}),
	}
	go s.janitor()
	return s
}

func (s *MemoryStore) janitor() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := time.Now()
			s.mu.Lock()
			for key, e := range s.entries {
				if !e.expiresAt.IsZero() && now.After(e.expiresAt) {
					delete(s.entries, key)
				}
			}
			s.mu.Unlock()
		case <-s.stop:
			return
		}
	}
}

// Close stops the janitor loop.
func (s *MemoryStore) Close() {
	s.once.Do(func() { close(s.stop) })
}

func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return nil, RevisionNone, ErrKeyNotFound
	}
	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		delete(s.entries, key)
		return nil, RevisionNone, ErrKeyNotFound
	}

	value := make([]byte, len(e.value))
	copy(value, e.value)
	return value, e.rev, nil
}

func (s *MemoryStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putLocked(key, value, ttl)
	return nil
}

func (s *MemoryStore) PutIf(ctx context.Context, key string, value []byte, rev int64, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := RevisionNone
	if e, ok := s.entries[key]; ok {
		if e.expiresAt.IsZero() || time.Now().Before(e.expiresAt) {
			current = e.rev
		}
	}
	if current != rev {
		return ErrRevisionMismatch
	}

	s.putLocked(key, value, ttl)
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

func (s *MemoryStore) putLocked(key string, value []byte, ttl time.Duration) {
	stored := make([]byte, len(value))
	copy(stored, value)

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}

	s.entries[key] = &memoryEntry{
		value:     stored,
		rev:       s.nextRev,
		expiresAt: expiresAt,
	}
	s.nextRev++
}
