package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"ttm/internal/domain"
)

const transactionColumns = `id,mission_id,client_ref,amount,COALESCE(method,''),status,created_at,updated_at`

func scanTransaction(row scanner) (domain.Transaction, error) {
	var t domain.Transaction
	var missionID sql.NullInt64
	err := row.Scan(&t.ID, &missionID, &t.ClientRef, &t.Amount, &t.Method, &t.Status, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return t, ErrNotFound
	}
	if missionID.Valid {
		t.MissionID = &missionID.Int64
	}
	return t, err
}

func (r Repo) InsertTransaction(ctx context.Context, tx *sql.Tx, t domain.Transaction) error {
	var missionID any
	if t.MissionID != nil {
		missionID = *t.MissionID
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO transactions(id,mission_id,client_ref,amount,method,status,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?)`,
		t.ID, missionID, t.ClientRef, t.Amount, nullable(t.Method), t.Status, t.CreatedAt, t.UpdatedAt)
	return err
}

func (r Repo) GetTransactionTx(ctx context.Context, q Execer, id string) (domain.Transaction, error) {
	return scanTransaction(q.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id=?`, id))
}

// ListTransactions returns transactions newest first. A non-empty clientRef
// restricts to that client.
func (r Repo) ListTransactions(ctx context.Context, clientRef string, limit int) ([]domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions`
	var args []any
	if clientRef != "" {
		query += ` WHERE client_ref=?`
		args = append(args, clientRef)
	}
	query += ` ORDER BY created_at DESC, id`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Transaction{}
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// UpdateTransactionStatus moves a transaction from one status to another,
// returning ErrConflict when it is no longer in from.
func (r Repo) UpdateTransactionStatus(ctx context.Context, tx *sql.Tx, id, from, to, now string) error {
	return guardedStatus(ctx, tx, "transactions", id, from, to, now, nil)
}

const withdrawalColumns = `id,operator_ref,amount,status,COALESCE(note,''),created_at,updated_at`

func scanWithdrawal(row scanner) (domain.Withdrawal, error) {
	var w domain.Withdrawal
	err := row.Scan(&w.ID, &w.OperatorRef, &w.Amount, &w.Status, &w.Note, &w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return w, ErrNotFound
	}
	return w, err
}

func (r Repo) InsertWithdrawal(ctx context.Context, tx *sql.Tx, w domain.Withdrawal) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO withdrawals(id,operator_ref,amount,status,note,created_at,updated_at) VALUES (?,?,?,?,?,?,?)`,
		w.ID, w.OperatorRef, w.Amount, w.Status, nullable(w.Note), w.CreatedAt, w.UpdatedAt)
	return err
}

func (r Repo) GetWithdrawalTx(ctx context.Context, q Execer, id string) (domain.Withdrawal, error) {
	return scanWithdrawal(q.QueryRowContext(ctx, `SELECT `+withdrawalColumns+` FROM withdrawals WHERE id=?`, id))
}

func (r Repo) ListWithdrawals(ctx context.Context, operatorRef string, limit int) ([]domain.Withdrawal, error) {
	query := `SELECT ` + withdrawalColumns + ` FROM withdrawals`
	var args []any
	if operatorRef != "" {
		query += ` WHERE operator_ref=?`
		args = append(args, operatorRef)
	}
	query += ` ORDER BY created_at DESC, id`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Withdrawal{}
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

// UpdateWithdrawalStatus is the withdrawal counterpart of
// UpdateTransactionStatus. A non-nil note replaces the stored one.
func (r Repo) UpdateWithdrawalStatus(ctx context.Context, tx *sql.Tx, id, from, to, now string, note *string) error {
	return guardedStatus(ctx, tx, "withdrawals", id, from, to, now, note)
}

func guardedStatus(ctx context.Context, tx *sql.Tx, table, id, from, to, now string, note *string) error {
	fields := []string{"status=?", "updated_at=?"}
	args := []any{to, now}
	if note != nil {
		fields = append(fields, "note=?")
		args = append(args, nullable(*note))
	}
	args = append(args, id, from)
	res, err := tx.ExecContext(ctx, `UPDATE `+table+` SET `+strings.Join(fields, ",")+` WHERE id=? AND status=?`, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}
