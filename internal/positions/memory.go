package positions

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"ttm/internal/domain"
)

// MemoryStore keeps samples in a bounded LRU with expiry.
type MemoryStore struct {
	mu    sync.Mutex
	cache *lru.LRU[int64, domain.PositionSample]
}

func NewMemoryStore(capacity int, ttl time.Duration) *MemoryStore {
	if capacity < 16 {
		capacity = 16
	}
	return &MemoryStore{
		cache: lru.NewLRU[int64, domain.PositionSample](capacity, nil, ttl),
	}
}

func (s *MemoryStore) Put(_ context.Context, sample domain.PositionSample) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.cache.Peek(sample.MissionID); ok && stale(cur, sample) {
		return false, nil
	}
	s.cache.Add(sample.MissionID, sample)
	return true, nil
}

func (s *MemoryStore) Get(_ context.Context, missionID int64) (domain.PositionSample, error) {
	sample, ok := s.cache.Get(missionID)
	if !ok {
		return domain.PositionSample{}, ErrMiss
	}
	return sample, nil
}

func (s *MemoryStore) Delete(_ context.Context, missionID int64) error {
	s.cache.Remove(missionID)
	return nil
}

func (s *MemoryStore) Backend() string { return "memory" }

func (s *MemoryStore) Close() error {
	s.cache.Purge()
	return nil
}
