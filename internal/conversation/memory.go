package conversation

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// MemoryStore is a process-local Store backed by ttlcache. The cache TTL is
// only a backstop; expiry is decided from StartedAt and the injected clock.
type MemoryStore struct {
	cache  *ttlcache.Cache[int64, State]
	expiry expiry
}

func NewMemoryStore(ttl time.Duration, now func() time.Time) *MemoryStore {
	cache := ttlcache.New(
		ttlcache.WithTTL[int64, State](2*ttl),
		ttlcache.WithDisableTouchOnHit[int64, State](),
	)
	go cache.Start()

	return &MemoryStore{
		cache:  cache,
		expiry: newExpiry(ttl, now),
	}
}

func (s *MemoryStore) Get(_ context.Context, telegramID int64) (State, bool, error) {
	item := s.cache.Get(telegramID)
	if item == nil {
		return State{}, false, nil
	}
	state := item.Value()
	if s.expiry.expired(state) {
		s.cache.Delete(telegramID)
		return State{}, false, nil
	}
	return state, true, nil
}

func (s *MemoryStore) Put(_ context.Context, telegramID int64, state State) error {
	s.cache.Set(telegramID, state, ttlcache.DefaultTTL)
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, telegramID int64) error {
	s.cache.Delete(telegramID)
	return nil
}

func (s *MemoryStore) Sweep(_ context.Context) (int, error) {
	removed := 0
	for id, item := range s.cache.Items() {
		if s.expiry.expired(item.Value()) {
			s.cache.Delete(id)
			removed++
		}
	}
	s.cache.DeleteExpired()
	return removed, nil
}

// Len returns the number of cached states, live or not yet swept.
func (s *MemoryStore) Len() int {
	return s.cache.Len()
}

// Close stops the cleanup goroutine.
func (s *MemoryStore) Close() error {
	s.cache.Stop()
	return nil
}
