package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"ttm/internal/domain"
	"ttm/internal/events"
	"ttm/internal/positions"
	"ttm/internal/rbac"
)

// RecordPosition stores the operator's latest location for an active mission
// and fans it out. Samples are cache-only and never reach the event log. The
// mission lock is held until the sample is published so a concurrent
// completion cannot be followed by a stale sample.
func (e Engine) RecordPosition(ctx context.Context, u rbac.User, id int64, lat, lng float64, at time.Time) (domain.PositionSample, error) {
	unlock := e.locks().Lock(id)
	defer unlock()

	m, err := e.Repo.GetMission(ctx, id)
	if err != nil {
		return domain.PositionSample{}, err
	}
	assigned := m.OperatorRef != nil && *m.OperatorRef == u.ID
	if !assigned && !e.RBAC.Can(u, domain.PermRequestsComplete) {
		return domain.PositionSample{}, rbac.ForbiddenError{Permission: domain.PermRequestsComplete}
	}
	if !m.Status.Active() {
		return domain.PositionSample{}, ValidationError{Field: "status", Reason: fmt.Sprintf("mission %d is %s; positions are only accepted while it is in progress", id, m.Status)}
	}
	if math.IsNaN(lat) || lat < -90 || lat > 90 {
		return domain.PositionSample{}, ValidationError{Field: "lat", Reason: "must be within [-90, 90]"}
	}
	if math.IsNaN(lng) || lng < -180 || lng > 180 {
		return domain.PositionSample{}, ValidationError{Field: "lng", Reason: "must be within [-180, 180]"}
	}
	if at.IsZero() {
		at = e.now()
	}
	operator := u.ID
	if m.OperatorRef != nil {
		operator = *m.OperatorRef
	}
	sample := domain.PositionSample{
		MissionID:  id,
		OperatorID: operator,
		Lat:        lat,
		Lng:        lng,
		Timestamp:  at.UTC().Format(time.RFC3339Nano),
	}
	store := e.positionStore()
	stored, err := store.Put(ctx, sample)
	if err != nil {
		return domain.PositionSample{}, err
	}
	if !stored {
		// an out-of-order sample; report what is current instead
		return store.Get(ctx, id)
	}
	e.Metrics.PositionWrite(store.Backend())
	e.publish(events.Message{Name: events.PositionUpdate, Data: sample, Scope: missionScope(m)})
	return sample, nil
}

// LatestPosition returns the cached sample for a mission the principal can see.
func (e Engine) LatestPosition(ctx context.Context, u rbac.User, id int64) (domain.PositionSample, error) {
	if _, err := e.GetMission(ctx, u, id); err != nil {
		return domain.PositionSample{}, err
	}
	sample, err := e.positionStore().Get(ctx, id)
	if errors.Is(err, positions.ErrMiss) {
		return domain.PositionSample{}, fmt.Errorf("position for mission %d: %w", id, ErrNotFound)
	}
	return sample, err
}

func (e Engine) positionStore() positions.Store {
	if e.Positions != nil {
		return e.Positions
	}
	return fallbackPositions
}

var fallbackPositions = positions.NewMemoryStore(1024, 15*time.Minute)
