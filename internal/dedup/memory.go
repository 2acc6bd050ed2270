package dedup

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// MemoryStore is the in-process Store backend. State lives in maps guarded
// by one mutex; expiry is evaluated lazily against the injected clock, so
// tests advance a fake clock instead of sleeping.
type MemoryStore struct {
	mu      sync.Mutex
	clock   clockwork.Clock
	entries map[string]time.Time     // dedup key -> expiry
	quotas  map[string]*quotaCounter // quota key -> counter
}

type quotaCounter struct {
	count     int
	expiresAt time.Time
}

// NewMemoryStore constructs a MemoryStore. A nil clock selects real time.
func NewMemoryStore(clock clockwork.Clock) *MemoryStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemoryStore{
		clock:   clock,
		entries: make(map[string]time.Time),
		quotas:  make(map[string]*quotaCounter),
	}
}

func dedupKey(kind WindowKind, fingerprint string) string {
	return "dedup:" + string(kind) + ":" + fingerprint
}

func quotaKey(ownerID string, window QuotaWindow) string {
	return "quota:" + string(window) + ":" + ownerID
}

// Seen implements Store.
func (s *MemoryStore) Seen(_ context.Context, kind WindowKind, fingerprint string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	expiry, ok := s.entries[dedupKey(kind, fingerprint)]
	if !ok {
		return false, nil
	}
	if !s.clock.Now().Before(expiry) {
		delete(s.entries, dedupKey(kind, fingerprint))
		return false, nil
	}
	return true, nil
}

// MarkSeen implements Store.
func (s *MemoryStore) MarkSeen(_ context.Context, kind WindowKind, fingerprint string, window time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[dedupKey(kind, fingerprint)] = s.clock.Now().Add(window)
	return nil
}

// ReserveQuota implements Store.
func (s *MemoryStore) ReserveQuota(_ context.Context, ownerID string, window QuotaWindow, limit int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := quotaKey(ownerID, window)
	now := s.clock.Now()

	counter, ok := s.quotas[key]
	if !ok || !now.Before(counter.expiresAt) {
		// Window expired or never started: the expiry is pinned to the first
		// acceptance, giving the rolling-window reset behavior.
		counter = &quotaCounter{expiresAt: now.Add(window.Duration())}
		s.quotas[key] = counter
	}

	if counter.count >= limit {
		return false, nil
	}
	counter.count++
	return true, nil
}

// ReleaseQuota implements Store.
func (s *MemoryStore) ReleaseQuota(_ context.Context, ownerID string, window QuotaWindow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := quotaKey(ownerID, window)
	counter, ok := s.quotas[key]
	if !ok || !s.clock.Now().Before(counter.expiresAt) {
		return nil
	}
	if counter.count > 0 {
		counter.count--
	}
	return nil
}
