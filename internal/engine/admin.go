package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"ttm/internal/domain"
	"ttm/internal/events"
	"ttm/internal/rbac"
	"ttm/internal/repo"
)

// System is the principal recorded for bootstrap and CLI changes.
var System = rbac.User{ID: "system", Kind: domain.ActorAdmin, IsSuper: true}

// SeedRBAC mirrors the configured roles into the role tables.
func (e Engine) SeedRBAC(ctx context.Context) error {
	if e.Config == nil {
		return nil
	}
	descriptions := map[string]string{}
	for id, role := range e.Config.RBAC.Roles {
		descriptions[id] = role.Description
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.SeedRoles(ctx, tx, e.Config.RolePermissions(), descriptions); err != nil {
		return fmt.Errorf("seed roles: %w", err)
	}
	return tx.Commit()
}

// UpsertActor registers or updates an actor and grants it roles.
func (e Engine) UpsertActor(ctx context.Context, by rbac.User, a domain.Actor, roles []string) (domain.Actor, error) {
	a.ID = strings.TrimSpace(a.ID)
	if a.ID == "" {
		return domain.Actor{}, ValidationError{Field: "id", Reason: "required"}
	}
	switch a.Kind {
	case domain.ActorAdmin, domain.ActorClient, domain.ActorOperator:
	case "":
		a.Kind = domain.ActorClient
	default:
		return domain.Actor{}, ValidationError{Field: "kind", Reason: "must be admin, client or operator"}
	}
	if a.IsSuper && !by.IsSuper {
		return domain.Actor{}, rbac.ForbiddenError{Permission: "is_super"}
	}
	if existing, err := e.Repo.GetActor(ctx, a.ID); err == nil {
		a.CreatedAt = existing.CreatedAt
	} else if err != repo.ErrNotFound {
		return domain.Actor{}, err
	} else {
		a.CreatedAt = e.timestamp()
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Actor{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertActor(ctx, tx, a); err != nil {
		return domain.Actor{}, err
	}
	for _, role := range roles {
		role = strings.TrimSpace(role)
		if role == "" {
			continue
		}
		if err := e.Repo.AssignRole(ctx, tx, a.ID, role); err != nil {
			return domain.Actor{}, fmt.Errorf("grant role %s: %w", role, err)
		}
	}
	payload := map[string]any{"actor": a, "roles": roles}
	if _, err := e.Events.Append(ctx, tx, "actor:upserted", events.EntityActor, a.ID, by.ID, payload); err != nil {
		return domain.Actor{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Actor{}, err
	}
	return a, nil
}

func (e Engine) GrantRole(ctx context.Context, by rbac.User, actorID, role string) error {
	return e.roleChange(ctx, by, actorID, role, true)
}

func (e Engine) RevokeRole(ctx context.Context, by rbac.User, actorID, role string) error {
	return e.roleChange(ctx, by, actorID, role, false)
}

func (e Engine) roleChange(ctx context.Context, by rbac.User, actorID, role string, grant bool) error {
	if _, err := e.Repo.GetActor(ctx, actorID); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	evt := "actor:role_granted"
	if grant {
		err = e.Repo.AssignRole(ctx, tx, actorID, role)
	} else {
		evt = "actor:role_revoked"
		err = e.Repo.RevokeRole(ctx, tx, actorID, role)
	}
	if err != nil {
		return err
	}
	if _, err := e.Events.Append(ctx, tx, evt, events.EntityActor, actorID, by.ID, map[string]any{"role": role}); err != nil {
		return err
	}
	return tx.Commit()
}

// CreateAPIKey issues a key for actorID and returns the raw value, which is
// not stored.
func (e Engine) CreateAPIKey(ctx context.Context, by rbac.User, actorID, name string) (domain.APIKey, string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return domain.APIKey{}, "", err
	}
	raw := "ttm_" + hex.EncodeToString(buf)
	key := domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   actorID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(raw),
		CreatedAt: e.timestamp(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.APIKey{}, "", err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
		return domain.APIKey{}, "", err
	}
	if _, err := e.Events.Append(ctx, tx, "api_key:created", events.EntityActor, actorID, by.ID, map[string]any{"key_id": key.ID, "name": name}); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := tx.Commit(); err != nil {
		return domain.APIKey{}, "", err
	}
	return key, raw, nil
}

// ResolveUser builds the effective principal for an authenticated actor.
func (e Engine) ResolveUser(ctx context.Context, actorID, kind string, isSuper bool, granted rbac.PermissionSet) (rbac.User, error) {
	return e.Roles.Resolve(ctx, actorID, kind, isSuper, granted)
}

// ListEvents pages through the persisted event log.
func (e Engine) ListEvents(ctx context.Context, u rbac.User, f repo.EventFilter) ([]domain.Event, error) {
	if err := e.RBAC.Require(u, domain.PermEventsView); err != nil {
		return nil, err
	}
	f.Limit = clampLimit(f.Limit)
	return e.Repo.ListEvents(ctx, f)
}

// Dashboard summarizes mission counts per status.
type Dashboard struct {
	Missions map[domain.Status]int `json:"missions"`
	Active   int                   `json:"active"`
	Total    int                   `json:"total"`
}

func (e Engine) Dashboard(ctx context.Context, u rbac.User) (Dashboard, error) {
	if err := e.RBAC.Require(u, domain.PermDashboardView); err != nil {
		return Dashboard{}, err
	}
	counts, err := e.Repo.CountMissionsByStatus(ctx)
	if err != nil {
		return Dashboard{}, err
	}
	d := Dashboard{Missions: map[domain.Status]int{}}
	for _, s := range domain.AllStatuses {
		n := counts[s]
		d.Missions[s] = n
		d.Total += n
		if s.Active() {
			d.Active += n
		}
	}
	return d, nil
}
