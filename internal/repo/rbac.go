package repo

import (
	"context"
	"database/sql"
	"errors"
	"sort"

	"ttm/internal/domain"
)

const actorColumns = `id,kind,COALESCE(display_name,''),is_super,created_at`

func scanActor(row scanner) (domain.Actor, error) {
	var a domain.Actor
	var super int
	err := row.Scan(&a.ID, &a.Kind, &a.DisplayName, &super, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return a, ErrNotFound
	}
	a.IsSuper = super == 1
	return a, err
}

// UpsertActor creates the actor or refreshes its kind, name and super flag.
func (r Repo) UpsertActor(ctx context.Context, tx *sql.Tx, a domain.Actor) error {
	_, err := tx.ExecContext(ctx, `
INSERT INTO actors(id, kind, display_name, is_super, created_at) VALUES (?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET kind=excluded.kind, display_name=excluded.display_name, is_super=excluded.is_super`,
		a.ID, a.Kind, nullable(a.DisplayName), boolInt(a.IsSuper), a.CreatedAt)
	return err
}

func (r Repo) GetActor(ctx context.Context, id string) (domain.Actor, error) {
	return r.GetActorTx(ctx, r.DB, id)
}

func (r Repo) GetActorTx(ctx context.Context, q Execer, id string) (domain.Actor, error) {
	return scanActor(q.QueryRowContext(ctx, `SELECT `+actorColumns+` FROM actors WHERE id=?`, id))
}

// ListActors returns actors, optionally filtered by kind.
func (r Repo) ListActors(ctx context.Context, kind string) ([]domain.Actor, error) {
	query := `SELECT ` + actorColumns + ` FROM actors`
	var args []any
	if kind != "" {
		query += ` WHERE kind=?`
		args = append(args, kind)
	}
	query += ` ORDER BY id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Actor{}
	for rows.Next() {
		a, err := scanActor(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) InsertRole(ctx context.Context, tx *sql.Tx, id, desc string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO roles(id, description) VALUES (?,?) ON CONFLICT(id) DO UPDATE SET description=excluded.description`, id, nullable(desc))
	return err
}

func (r Repo) InsertPermission(ctx context.Context, tx *sql.Tx, id string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO permissions(id) VALUES (?)`, id)
	return err
}

func (r Repo) AddRolePermission(ctx context.Context, tx *sql.Tx, roleID, permID string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO role_permissions(role_id, permission_id) VALUES (?,?)`, roleID, permID)
	return err
}

func (r Repo) AssignRole(ctx context.Context, tx *sql.Tx, actorID, roleID string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO actor_roles(actor_id, role_id) VALUES (?,?)`, actorID, roleID)
	return err
}

func (r Repo) RevokeRole(ctx context.Context, tx *sql.Tx, actorID, roleID string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM actor_roles WHERE actor_id=? AND role_id=?`, actorID, roleID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SeedRoles makes the role tables mirror roles. Grants no longer listed for a
// role are removed; roles missing from the map are left untouched.
func (r Repo) SeedRoles(ctx context.Context, tx *sql.Tx, roles map[string][]string, descriptions map[string]string) error {
	ids := make([]string, 0, len(roles))
	for id := range roles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, roleID := range ids {
		if err := r.InsertRole(ctx, tx, roleID, descriptions[roleID]); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM role_permissions WHERE role_id=?`, roleID); err != nil {
			return err
		}
		for _, perm := range roles[roleID] {
			if err := r.InsertPermission(ctx, tx, perm); err != nil {
				return err
			}
			if err := r.AddRolePermission(ctx, tx, roleID, perm); err != nil {
				return err
			}
		}
	}
	return nil
}

// ListRoles returns every role with its permission keys.
func (r Repo) ListRoles(ctx context.Context) (map[string][]string, error) {
	rows, err := r.DB.QueryContext(ctx, `
SELECT r.id, COALESCE(rp.permission_id, '')
FROM roles r LEFT JOIN role_permissions rp ON rp.role_id=r.id
ORDER BY r.id, rp.permission_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string][]string{}
	for rows.Next() {
		var role, perm string
		if err := rows.Scan(&role, &perm); err != nil {
			return nil, err
		}
		if _, ok := out[role]; !ok {
			out[role] = []string{}
		}
		if perm != "" {
			out[role] = append(out[role], perm)
		}
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
