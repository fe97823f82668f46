package rbac

import (
	"context"
	"database/sql"
	"errors"
)

// Queryer is satisfied by both *sql.DB and *sql.Tx.
type Queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Service provides RBAC lookups backed by SQL.
type Service struct {
	DB *sql.DB
}

// ActorRoles lists the roles granted to an actor.
func (s Service) ActorRoles(ctx context.Context, q Queryer, actorID string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT role_id FROM actor_roles WHERE actor_id=? ORDER BY role_id`, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []string
	for rows.Next() {
		var r string
		if err := rows.Scan(&r); err != nil {
			return nil, err
		}
		roles = append(roles, r)
	}
	return roles, rows.Err()
}

// ActorPermissions lists the permission keys granted through roles.
func (s Service) ActorPermissions(ctx context.Context, q Queryer, actorID string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `
SELECT DISTINCT rp.permission_id
FROM actor_roles ar
JOIN role_permissions rp ON rp.role_id=ar.role_id
WHERE ar.actor_id=?
ORDER BY rp.permission_id`, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var perms []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

// Resolve builds the effective User for actorID by merging grants carried by
// the credential with role grants and the actor's stored super flag. Unknown
// actors resolve to the credential grants alone.
func (s Service) Resolve(ctx context.Context, actorID, kind string, isSuper bool, granted PermissionSet) (User, error) {
	u := User{ID: actorID, Kind: kind, IsSuper: isSuper, Permissions: PermissionSet{}}
	for k := range granted {
		u.Permissions[k] = struct{}{}
	}
	if s.DB == nil || actorID == "" {
		return u, nil
	}
	var storedKind string
	var storedSuper int
	err := s.DB.QueryRowContext(ctx, `SELECT kind, is_super FROM actors WHERE id=?`, actorID).Scan(&storedKind, &storedSuper)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return User{}, err
	default:
		if u.Kind == "" {
			u.Kind = storedKind
		}
		u.IsSuper = u.IsSuper || storedSuper == 1
	}
	perms, err := s.ActorPermissions(ctx, s.DB, actorID)
	if err != nil {
		return User{}, err
	}
	u.Permissions.Add(perms...)
	return u, nil
}
