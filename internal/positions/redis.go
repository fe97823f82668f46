package positions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"ttm/internal/domain"
)

// RedisStore shares samples between server replicas.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore connects to url and verifies the connection.
func NewRedisStore(url string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &RedisStore{client: client, ttl: ttl}, nil
}

func positionKey(missionID int64) string {
	return fmt.Sprintf("position:%d", missionID)
}

func (s *RedisStore) Put(ctx context.Context, sample domain.PositionSample) (bool, error) {
	cur, err := s.Get(ctx, sample.MissionID)
	switch {
	case err == nil:
		if stale(cur, sample) {
			return false, nil
		}
	case !errors.Is(err, ErrMiss):
		return false, err
	}
	data, err := json.Marshal(sample)
	if err != nil {
		return false, fmt.Errorf("failed to marshal position: %w", err)
	}
	if err := s.client.Set(ctx, positionKey(sample.MissionID), data, s.ttl).Err(); err != nil {
		return false, fmt.Errorf("redis set failed: %w", err)
	}
	return true, nil
}

func (s *RedisStore) Get(ctx context.Context, missionID int64) (domain.PositionSample, error) {
	key := positionKey(missionID)
	data, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return domain.PositionSample{}, ErrMiss
	} else if err != nil {
		return domain.PositionSample{}, fmt.Errorf("redis get failed: %w", err)
	}
	var sample domain.PositionSample
	if err := json.Unmarshal([]byte(data), &sample); err != nil {
		s.client.Del(ctx, key)
		return domain.PositionSample{}, fmt.Errorf("failed to unmarshal position: %w", err)
	}
	return sample, nil
}

func (s *RedisStore) Delete(ctx context.Context, missionID int64) error {
	return s.client.Del(ctx, positionKey(missionID)).Err()
}

func (s *RedisStore) Backend() string { return "redis" }

func (s *RedisStore) Close() error {
	return s.client.Close()
}
