package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore shares conversation states between bot replicas. Keys carry the
// TTL, so Sweep has nothing to do.
type RedisStore struct {
	client *redis.Client
	prefix string
	expiry expiry
}

func NewRedisStore(client *redis.Client, prefix string, ttl time.Duration, now func() time.Time) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: prefix,
		expiry: newExpiry(ttl, now),
	}
}

// Dial connects to the Redis server named by a redis:// URL.
func Dial(ctx context.Context, rawURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func (s *RedisStore) key(telegramID int64) string {
	return fmt.Sprintf("%s:conversation:%d", s.prefix, telegramID)
}

func (s *RedisStore) Get(ctx context.Context, telegramID int64) (State, bool, error) {
	raw, err := s.client.Get(ctx, s.key(telegramID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return State{}, false, nil
	}
	if err != nil {
		return State{}, false, fmt.Errorf("get conversation: %w", err)
	}

	var state State
	if err := json.Unmarshal(raw, &state); err != nil {
		return State{}, false, fmt.Errorf("decode conversation: %w", err)
	}
	if s.expiry.expired(state) {
		return State{}, false, s.Delete(ctx, telegramID)
	}
	return state, true, nil
}

func (s *RedisStore) Put(ctx context.Context, telegramID int64, state State) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode conversation: %w", err)
	}
	if err := s.client.Set(ctx, s.key(telegramID), raw, s.expiry.ttl).Err(); err != nil {
		return fmt.Errorf("put conversation: %w", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, telegramID int64) error {
	if err := s.client.Del(ctx, s.key(telegramID)).Err(); err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	return nil
}

func (s *RedisStore) Sweep(context.Context) (int, error) {
	return 0, nil
}
