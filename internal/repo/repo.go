package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"ttm/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a guarded write matched no row because the
	// record changed since it was read.
	ErrConflict = errors.New("conflict")
)

// Execer is satisfied by both *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

const missionColumns = `id,status,client_ref,operator_ref,service_kind,lat,lng,COALESCE(address,''),price,distance,version,created_at,updated_at`

func scanMission(row scanner) (domain.Mission, error) {
	var (
		m        domain.Mission
		operator sql.NullString
		price    sql.NullFloat64
		distance sql.NullFloat64
	)
	err := row.Scan(&m.ID, &m.Status, &m.ClientRef, &operator, &m.ServiceKind, &m.Lat, &m.Lng, &m.Address,
		&price, &distance, &m.Version, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	if operator.Valid {
		m.OperatorRef = &operator.String
	}
	if price.Valid {
		m.Price = &price.Float64
	}
	if distance.Valid {
		m.Distance = &distance.Float64
	}
	return m, nil
}

// InsertMission stores a new mission and returns its id.
func (r Repo) InsertMission(ctx context.Context, tx *sql.Tx, m domain.Mission) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO missions(status,client_ref,operator_ref,service_kind,lat,lng,address,price,distance,version,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		m.Status, m.ClientRef, nullablePtr(m.OperatorRef), m.ServiceKind, m.Lat, m.Lng, nullable(m.Address),
		nullableFloat(m.Price), nullableFloat(m.Distance), 1, m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetMission(ctx context.Context, id int64) (domain.Mission, error) {
	return r.GetMissionTx(ctx, r.DB, id)
}

func (r Repo) GetMissionTx(ctx context.Context, q Execer, id int64) (domain.Mission, error) {
	return scanMission(q.QueryRowContext(ctx, `SELECT `+missionColumns+` FROM missions WHERE id=?`, id))
}

// MissionFilter narrows ListMissions. Party restricts to missions where the
// actor is the client or the assigned operator.
type MissionFilter struct {
	Status domain.Status
	Party  string
	Limit  int
}

// ListMissions returns missions newest first.
func (r Repo) ListMissions(ctx context.Context, f MissionFilter) ([]domain.Mission, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		where = append(where, "status=?")
		args = append(args, f.Status)
	}
	if f.Party != "" {
		where = append(where, "(client_ref=? OR operator_ref=?)")
		args = append(args, f.Party, f.Party)
	}
	query := `SELECT ` + missionColumns + ` FROM missions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Mission{}
	for rows.Next() {
		m, err := scanMission(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// MissionUpdate is a guarded status write. The row is only touched while it
// still carries FromStatus at Version.
type MissionUpdate struct {
	ID          int64
	FromStatus  domain.Status
	Version     int64
	ToStatus    domain.Status
	OperatorRef *string
	Price       *float64
	Distance    *float64
	UpdatedAt   string
}

// UpdateMissionStatus applies u and bumps the version. It returns ErrConflict
// when the mission moved on since it was read.
func (r Repo) UpdateMissionStatus(ctx context.Context, tx *sql.Tx, u MissionUpdate) error {
	fields := []string{"status=?", "updated_at=?", "version=version+1"}
	args := []any{u.ToStatus, u.UpdatedAt}
	if u.OperatorRef != nil {
		fields = append(fields, "operator_ref=?")
		args = append(args, *u.OperatorRef)
	}
	if u.Price != nil {
		fields = append(fields, "price=?")
		args = append(args, *u.Price)
	}
	if u.Distance != nil {
		fields = append(fields, "distance=?")
		args = append(args, *u.Distance)
	}
	args = append(args, u.ID, u.FromStatus, u.Version)
	res, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE missions SET %s WHERE id=? AND status=? AND version=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrConflict
	}
	return nil
}

func (r Repo) DeleteMission(ctx context.Context, tx *sql.Tx, id int64) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM missions WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountMissionsByStatus feeds the dashboard counters.
func (r Repo) CountMissionsByStatus(ctx context.Context) (map[domain.Status]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM missions GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[domain.Status]int{}
	for rows.Next() {
		var s domain.Status
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		out[s] = n
	}
	return out, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullablePtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func nullableFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}
