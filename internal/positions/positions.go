package positions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ttm/internal/config"
	"ttm/internal/domain"
)

// ErrMiss is returned when no sample is cached for a mission.
var ErrMiss = errors.New("no position for mission")

// Store caches the latest operator position per mission. Samples older than
// the cached one are ignored.
type Store interface {
	Put(ctx context.Context, sample domain.PositionSample) (bool, error)
	Get(ctx context.Context, missionID int64) (domain.PositionSample, error)
	Delete(ctx context.Context, missionID int64) error
	Backend() string
	Close() error
}

// New builds the store selected by cfg.
func New(cfg config.Positions) (Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryStore(cfg.Capacity, cfg.TTL), nil
	case "redis":
		return NewRedisStore(cfg.RedisURL, cfg.TTL)
	}
	return nil, fmt.Errorf("unknown positions backend %q", cfg.Backend)
}

// stale reports whether candidate is older than current. Unparseable
// timestamps never count as stale.
func stale(current, candidate domain.PositionSample) bool {
	a, errA := time.Parse(time.RFC3339Nano, current.Timestamp)
	b, errB := time.Parse(time.RFC3339Nano, candidate.Timestamp)
	if errA != nil || errB != nil {
		return false
	}
	return b.Before(a)
}
