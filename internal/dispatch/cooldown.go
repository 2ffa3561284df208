package dispatch

import (
	"context"
	"sync"
	"time"
)

// CooldownStore persists lastFiredAt per cooldown key.
type CooldownStore interface {
	// Get returns the last fire time for key. ok is false when the key has
	// never fired.
	Get(ctx context.Context, key string) (t time.Time, ok bool, err error)

	// Claim atomically records now as the fire time for key unless key fired
	// less than cooldown before now. When claimed is false, last holds the
	// fire time that won.
	Claim(ctx context.Context, key string, now time.Time, cooldown time.Duration) (claimed bool, last time.Time, err error)
}

// CooldownKey scopes a dedupe key to one user.
func CooldownKey(userID, dedupeKey string) string {
	return userID + "/" + dedupeKey
}

func coolingDown(last, now time.Time, cooldown time.Duration) bool {
	return now.Sub(last) < cooldown
}

// MemoryCooldownStore is a process-local CooldownStore.
type MemoryCooldownStore struct {
	mu   sync.RWMutex
	last map[string]time.Time
}

// NewMemoryCooldownStore creates an empty store.
func NewMemoryCooldownStore() *MemoryCooldownStore {
	return &MemoryCooldownStore{last: make(map[string]time.Time)}
}

func (s *MemoryCooldownStore) Get(_ context.Context, key string) (time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.last[key]
	return t, ok, nil
}

func (s *MemoryCooldownStore) Claim(_ context.Context, key string, now time.Time, cooldown time.Duration) (bool, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if last, ok := s.last[key]; ok && coolingDown(last, now, cooldown) {
		return false, last, nil
	}
	s.last[key] = now
	return true, now, nil
}
