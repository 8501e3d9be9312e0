package auth

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryTokenStore keeps token digests in-memory. It is used when no
// database is configured.
type MemoryTokenStore struct {
	mu     sync.RWMutex
	tokens map[string]time.Time
}

func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{tokens: make(map[string]time.Time)}
}

// Save records or extends the digest.
func (s *MemoryTokenStore) Save(_ context.Context, digest string, expiresAt time.Time) error {
	if digest == "" {
		return ErrTokenRequired
	}
	s.mu.Lock()
	s.tokens[digest] = expiresAt
	s.mu.Unlock()
	return nil
}

// LoadActive returns every digest still valid at now, soonest expiry first.
func (s *MemoryTokenStore) LoadActive(_ context.Context, now time.Time) ([]TokenRecord, error) {
	s.mu.RLock()
	records := make([]TokenRecord, 0, len(s.tokens))
	for digest, expiresAt := range s.tokens {
		if now.Before(expiresAt) {
			records = append(records, TokenRecord{Digest: digest, ExpiresAt: expiresAt})
		}
	}
	s.mu.RUnlock()
	sort.Slice(records, func(i, j int) bool {
		if records[i].ExpiresAt.Equal(records[j].ExpiresAt) {
			return records[i].Digest < records[j].Digest
		}
		return records[i].ExpiresAt.Before(records[j].ExpiresAt)
	})
	return records, nil
}

// PurgeExpired removes digests whose expiry is not after now.
func (s *MemoryTokenStore) PurgeExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	purged := 0
	for digest, expiresAt := range s.tokens {
		if !now.Before(expiresAt) {
			delete(s.tokens, digest)
			purged++
		}
	}
	return purged, nil
}
