package engine

import (
	"context"
	"errors"
	"math"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"ttm/internal/domain"
	"ttm/internal/events"
	"ttm/internal/rbac"
	"ttm/internal/repo"
)

// CreateMissionInput describes a new roadside request.
type CreateMissionInput struct {
	ClientRef   string
	ServiceKind string
	Lat         float64
	Lng         float64
	Address     string
}

// CreateMission opens a mission in en_attente. Principals create for
// themselves; naming another client requires requests_create.
func (e Engine) CreateMission(ctx context.Context, u rbac.User, in CreateMissionInput) (domain.Mission, error) {
	clientRef := strings.TrimSpace(in.ClientRef)
	if clientRef == "" {
		clientRef = u.ID
	}
	if clientRef != u.ID {
		if err := e.RBAC.Require(u, domain.PermRequestsCreate); err != nil {
			return domain.Mission{}, err
		}
	}
	if clientRef == "" {
		return domain.Mission{}, ValidationError{Field: "client_ref", Reason: "required"}
	}
	serviceKind := strings.TrimSpace(in.ServiceKind)
	if serviceKind == "" {
		return domain.Mission{}, ValidationError{Field: "service_kind", Reason: "required"}
	}
	if math.IsNaN(in.Lat) || in.Lat < -90 || in.Lat > 90 {
		return domain.Mission{}, ValidationError{Field: "lat", Reason: "must be within [-90, 90]"}
	}
	if math.IsNaN(in.Lng) || in.Lng < -180 || in.Lng > 180 {
		return domain.Mission{}, ValidationError{Field: "lng", Reason: "must be within [-180, 180]"}
	}
	now := e.timestamp()
	m := domain.Mission{
		Status:      domain.StatusPending,
		ClientRef:   clientRef,
		ServiceKind: serviceKind,
		Lat:         in.Lat,
		Lng:         in.Lng,
		Address:     strings.TrimSpace(in.Address),
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Mission{}, err
	}
	defer tx.Rollback()

	id, err := e.Repo.InsertMission(ctx, tx, m)
	if err != nil {
		return domain.Mission{}, err
	}
	m.ID = id
	if _, err := e.Events.Append(ctx, tx, events.MissionCreated, events.EntityMission, missionKey(id), u.ID, m); err != nil {
		return domain.Mission{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Mission{}, err
	}
	e.publish(events.Message{Name: events.MissionCreated, Data: m, Scope: missionScope(m)})
	e.log().WithFields(logrus.Fields{"mission_id": id, "client_ref": clientRef}).Info("mission created")
	return m, nil
}

// CanSeeMission reports whether u may read m: holders of requests_view see
// every mission, everyone else only their own.
func (e Engine) CanSeeMission(u rbac.User, m domain.Mission) bool {
	if e.RBAC.Can(u, domain.PermRequestsView) {
		return true
	}
	for _, p := range m.Parties() {
		if p == u.ID {
			return true
		}
	}
	return false
}

func (e Engine) GetMission(ctx context.Context, u rbac.User, id int64) (domain.Mission, error) {
	m, err := e.Repo.GetMission(ctx, id)
	if err != nil {
		return domain.Mission{}, err
	}
	if !e.CanSeeMission(u, m) {
		return domain.Mission{}, rbac.ForbiddenError{Permission: domain.PermRequestsView}
	}
	return m, nil
}

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// ListMissions returns missions newest first, restricted to the principal's
// own missions unless it holds requests_view.
func (e Engine) ListMissions(ctx context.Context, u rbac.User, status domain.Status, limit int) ([]domain.Mission, error) {
	if status != "" && !status.Valid() {
		return nil, ValidationError{Field: "status", Reason: "unknown status " + string(status)}
	}
	f := repo.MissionFilter{Status: status, Limit: clampLimit(limit)}
	if !e.RBAC.Can(u, domain.PermRequestsView) {
		f.Party = u.ID
	}
	return e.Repo.ListMissions(ctx, f)
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultListLimit
	case limit > maxListLimit:
		return maxListLimit
	}
	return limit
}

// Publish moves a mission to publiee and fixes its price and distance.
func (e Engine) Publish(ctx context.Context, u rbac.User, id int64, price, distance float64) (domain.Mission, error) {
	return e.transition(ctx, u, id, domain.StatusPublished, func(m domain.Mission, upd *repo.MissionUpdate) error {
		if math.IsNaN(price) || math.IsInf(price, 0) || price < 0 {
			return ValidationError{Field: "price", Reason: "must be a finite, non-negative number"}
		}
		if math.IsNaN(distance) || math.IsInf(distance, 0) || distance < 0 {
			return ValidationError{Field: "distance", Reason: "must be a finite, non-negative number"}
		}
		policy := e.dispatch()
		if policy.IsTowing(m.ServiceKind) && distance > policy.TowingMaxDistance {
			return ValidationError{
				Field:  "distance",
				Reason: "towing distance " + formatFloat(distance) + " exceeds the " + formatFloat(policy.TowingMaxDistance) + " km limit",
			}
		}
		upd.Price = &price
		upd.Distance = &distance
		return nil
	})
}

// Assign hands a published mission to an operator.
func (e Engine) Assign(ctx context.Context, u rbac.User, id int64, operatorID string) (domain.Mission, error) {
	operatorID = strings.TrimSpace(operatorID)
	return e.transition(ctx, u, id, domain.StatusAssigned, func(m domain.Mission, upd *repo.MissionUpdate) error {
		if operatorID == "" {
			return ValidationError{Field: "operator_id", Reason: "required"}
		}
		op, err := e.Repo.GetActor(ctx, operatorID)
		if errors.Is(err, repo.ErrNotFound) {
			return ValidationError{Field: "operator_id", Reason: "unknown operator " + operatorID}
		}
		if err != nil {
			return err
		}
		if op.Kind != domain.ActorOperator {
			return ValidationError{Field: "operator_id", Reason: operatorID + " is not an operator"}
		}
		upd.OperatorRef = &operatorID
		return nil
	})
}

// SetStatus applies a generic transition. Publish and assign carry extra data
// and have their own operations.
func (e Engine) SetStatus(ctx context.Context, u rbac.User, id int64, to domain.Status) (domain.Mission, error) {
	if !to.Valid() {
		return domain.Mission{}, ValidationError{Field: "status", Reason: "unknown status " + string(to)}
	}
	return e.transition(ctx, u, id, to, func(m domain.Mission, _ *repo.MissionUpdate) error {
		switch to {
		case domain.StatusPublished:
			return ValidationError{Field: "status", Reason: "publishing requires price and distance"}
		case domain.StatusAssigned:
			return ValidationError{Field: "status", Reason: "assignment requires an operator"}
		}
		return nil
	})
}

// transition is the single write path for mission status. Checks run in a
// fixed order: existence, lifecycle edge, permission, then input.
func (e Engine) transition(ctx context.Context, u rbac.User, id int64, to domain.Status, prepare func(domain.Mission, *repo.MissionUpdate) error) (domain.Mission, error) {
	unlock := e.locks().Lock(id)
	defer unlock()

	m, err := e.Repo.GetMission(ctx, id)
	if err != nil {
		return domain.Mission{}, err
	}
	action, ok := domain.ActionFor(m.Status, to)
	if !ok {
		e.Metrics.Rejected("invalid_transition")
		return domain.Mission{}, TransitionError{Entity: events.EntityMission, ID: missionKey(id), From: string(m.Status), To: string(to)}
	}
	if err := e.authorizeAction(u, m, action); err != nil {
		e.Metrics.Rejected("permission_denied")
		return domain.Mission{}, err
	}
	now := e.timestamp()
	upd := repo.MissionUpdate{
		ID:         m.ID,
		FromStatus: m.Status,
		Version:    m.Version,
		ToStatus:   to,
		UpdatedAt:  now,
	}
	if prepare != nil {
		if err := prepare(m, &upd); err != nil {
			e.Metrics.Rejected("validation_error")
			return domain.Mission{}, err
		}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Mission{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.UpdateMissionStatus(ctx, tx, upd); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			e.Metrics.Rejected("conflict")
			return domain.Mission{}, TransitionError{Entity: events.EntityMission, ID: missionKey(id), From: string(m.Status), To: string(to), Conflict: true}
		}
		return domain.Mission{}, err
	}
	from := m.Status
	m.Status = to
	m.UpdatedAt = now
	m.Version++
	if upd.OperatorRef != nil {
		m.OperatorRef = upd.OperatorRef
	}
	if upd.Price != nil {
		m.Price = upd.Price
	}
	if upd.Distance != nil {
		m.Distance = upd.Distance
	}
	change := statusChange{ID: m.ID, From: from, Status: m.Status, UpdatedAt: m.UpdatedAt, Action: action}
	if _, err := e.Events.Append(ctx, tx, events.MissionStatusChanged, events.EntityMission, missionKey(id), u.ID, change); err != nil {
		return domain.Mission{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Mission{}, err
	}

	scope := missionScope(m)
	e.publish(
		events.Message{Name: events.MissionStatusChanged, Data: change, Scope: scope},
		events.Message{Name: events.MissionUpdated, Data: m, Scope: scope},
	)
	e.Metrics.Transition(string(from), string(to))
	e.log().WithFields(logrus.Fields{
		"mission_id": m.ID,
		"from":       from,
		"to":         to,
		"actor":      u.ID,
	}).Info("mission transition")
	if to.Terminal() && e.Positions != nil {
		if err := e.Positions.Delete(ctx, m.ID); err != nil {
			e.log().WithError(err).WithField("mission_id", m.ID).Warn("drop position sample")
		}
	}
	return m, nil
}

// authorizeAction is the authoritative permission check for one edge.
func (e Engine) authorizeAction(u rbac.User, m domain.Mission, action domain.Action) error {
	switch action {
	case domain.ActionProgress:
		if m.OperatorRef != nil && *m.OperatorRef == u.ID && u.ID != "" {
			return nil
		}
	case domain.ActionClientCancel:
		if m.ClientRef == u.ID && u.ID != "" {
			return nil
		}
	}
	return e.RBAC.Require(u, action.Permission())
}

// DeleteMission removes a mission outright. Unlike cancellation it leaves no
// record behind apart from the event log.
func (e Engine) DeleteMission(ctx context.Context, u rbac.User, id int64) error {
	unlock := e.locks().Lock(id)
	defer unlock()

	m, err := e.Repo.GetMission(ctx, id)
	if err != nil {
		return err
	}
	if err := e.RBAC.Require(u, domain.PermRequestsDelete); err != nil {
		return err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := e.Repo.DeleteMission(ctx, tx, id); err != nil {
		return err
	}
	payload := map[string]any{"id": id}
	if _, err := e.Events.Append(ctx, tx, events.MissionDeleted, events.EntityMission, missionKey(id), u.ID, payload); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	if e.Positions != nil {
		if err := e.Positions.Delete(ctx, id); err != nil {
			e.log().WithError(err).WithField("mission_id", id).Warn("drop position sample")
		}
	}
	e.publish(events.Message{Name: events.MissionDeleted, Data: payload, Scope: missionScope(m)})
	e.log().WithFields(logrus.Fields{"mission_id": id, "actor": u.ID}).Info("mission deleted")
	return nil
}

// statusChange is the compact payload of mission:status_changed.
type statusChange struct {
	ID        int64         `json:"id"`
	From      domain.Status `json:"from"`
	Status    domain.Status `json:"status"`
	UpdatedAt string        `json:"updated_at"`
	Action    domain.Action `json:"action"`
}

func missionScope(m domain.Mission) events.Scope {
	return events.Scope{Permission: domain.PermRequestsView, Actors: m.Parties()}
}

func missionKey(id int64) string {
	return strconv.FormatInt(id, 10)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func (e Engine) locks() *MissionLocks {
	if e.Locks != nil {
		return e.Locks
	}
	return sharedLocks
}

var sharedLocks = NewMissionLocks()
