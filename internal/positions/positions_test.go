package positions

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ttm/internal/config"
	"ttm/internal/domain"
)

func sample(id int64, lat float64, ts string) domain.PositionSample {
	return domain.PositionSample{MissionID: id, OperatorID: "op-1", Lat: lat, Lng: -8.0, Timestamp: ts}
}

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	_, err := s.Get(ctx, 42)
	assert.ErrorIs(t, err, ErrMiss)

	stored, err := s.Put(ctx, sample(42, 12.60, "2026-03-01T10:00:00Z"))
	require.NoError(t, err)
	assert.True(t, stored)

	stored, err = s.Put(ctx, sample(42, 12.61, "2026-03-01T10:00:05Z"))
	require.NoError(t, err)
	assert.True(t, stored)

	// an out-of-order sample must not replace a newer one
	stored, err = s.Put(ctx, sample(42, 99, "2026-03-01T09:59:00Z"))
	require.NoError(t, err)
	assert.False(t, stored)

	got, err := s.Get(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, 12.61, got.Lat)
	assert.Equal(t, "op-1", got.OperatorID)

	require.NoError(t, s.Delete(ctx, 42))
	_, err = s.Get(ctx, 42)
	assert.ErrorIs(t, err, ErrMiss)
}

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore(32, time.Minute)
	defer s.Close()
	assert.Equal(t, "memory", s.Backend())
	exerciseStore(t, s)
}

func TestMemoryStoreExpires(t *testing.T) {
	s := NewMemoryStore(32, 20*time.Millisecond)
	_, err := s.Put(context.Background(), sample(1, 1, "2026-03-01T10:00:00Z"))
	require.NoError(t, err)
	time.Sleep(60 * time.Millisecond)
	_, err = s.Get(context.Background(), 1)
	assert.ErrorIs(t, err, ErrMiss)
}

func TestRedisStore(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	s, err := New(config.Positions{Backend: "redis", RedisURL: "redis://" + mr.Addr(), TTL: time.Minute})
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, "redis", s.Backend())
	exerciseStore(t, s)

	_, err = s.Put(context.Background(), sample(7, 1, "2026-03-01T10:00:00Z"))
	require.NoError(t, err)
	assert.True(t, mr.Exists("position:7"))
	mr.FastForward(2 * time.Minute)
	assert.False(t, mr.Exists("position:7"))
}

func TestRedisStoreDropsCorruptEntries(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	s, err := NewRedisStore("redis://"+mr.Addr(), time.Minute)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, mr.Set("position:9", "{not json"))
	_, err = s.Get(context.Background(), 9)
	assert.Error(t, err)
	assert.False(t, mr.Exists("position:9"))
}

func TestNewRejectsUnknownBackend(t *testing.T) {
	_, err := New(config.Positions{Backend: "etcd"})
	assert.Error(t, err)
}
