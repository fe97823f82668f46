package engine

import (
	"context"
	"errors"
	"math"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"ttm/internal/domain"
	"ttm/internal/events"
	"ttm/internal/rbac"
	"ttm/internal/repo"
)

// Transaction and withdrawal statuses.
const (
	TxPending   = "pending"
	TxConfirmed = "confirmed"
	TxFailed    = "failed"

	WithdrawalPending  = "pending"
	WithdrawalApproved = "approved"
	WithdrawalRejected = "rejected"
	WithdrawalPaid     = "paid"
)

func ensureTransactionTransition(from, to string) error {
	switch from {
	case TxPending:
		if to == TxConfirmed || to == TxFailed {
			return nil
		}
	}
	return TransitionError{Entity: events.EntityTransaction, From: from, To: to}
}

func ensureWithdrawalTransition(from, to string) error {
	switch from {
	case WithdrawalPending:
		if to == WithdrawalApproved || to == WithdrawalRejected {
			return nil
		}
	case WithdrawalApproved:
		if to == WithdrawalPaid || to == WithdrawalRejected {
			return nil
		}
	}
	return TransitionError{Entity: events.EntityWithdrawal, From: from, To: to}
}

type CreateTransactionInput struct {
	MissionID *int64
	ClientRef string
	Amount    float64
	Method    string
}

// CreateTransaction records a pending payment. Clients record their own;
// recording for someone else requires transactions_manage.
func (e Engine) CreateTransaction(ctx context.Context, u rbac.User, in CreateTransactionInput) (domain.Transaction, error) {
	clientRef := strings.TrimSpace(in.ClientRef)
	if clientRef == "" {
		clientRef = u.ID
	}
	if clientRef != u.ID {
		if err := e.RBAC.Require(u, domain.PermTransactionsManage); err != nil {
			return domain.Transaction{}, err
		}
	}
	if math.IsNaN(in.Amount) || in.Amount <= 0 {
		return domain.Transaction{}, ValidationError{Field: "amount", Reason: "must be positive"}
	}
	if in.MissionID != nil {
		m, err := e.Repo.GetMission(ctx, *in.MissionID)
		if err != nil {
			return domain.Transaction{}, err
		}
		if m.ClientRef != clientRef {
			return domain.Transaction{}, ValidationError{Field: "mission_id", Reason: "mission belongs to another client"}
		}
	}
	now := e.timestamp()
	t := domain.Transaction{
		ID:        uuid.NewString(),
		MissionID: in.MissionID,
		ClientRef: clientRef,
		Amount:    in.Amount,
		Method:    strings.TrimSpace(in.Method),
		Status:    TxPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Transaction{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertTransaction(ctx, tx, t); err != nil {
		return domain.Transaction{}, err
	}
	if _, err := e.Events.Append(ctx, tx, events.TransactionCreated, events.EntityTransaction, t.ID, u.ID, t); err != nil {
		return domain.Transaction{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Transaction{}, err
	}
	e.publish(events.Message{Name: events.TransactionCreated, Data: t, Scope: transactionScope(t)})
	return t, nil
}

// ConfirmTransaction marks a pending transaction as confirmed.
func (e Engine) ConfirmTransaction(ctx context.Context, u rbac.User, id string) (domain.Transaction, error) {
	return e.UpdateTransactionStatus(ctx, u, id, TxConfirmed)
}

// UpdateTransactionStatus settles a pending transaction.
func (e Engine) UpdateTransactionStatus(ctx context.Context, u rbac.User, id, status string) (domain.Transaction, error) {
	t, err := e.Repo.GetTransactionTx(ctx, e.DB, id)
	if err != nil {
		return domain.Transaction{}, err
	}
	if err := ensureTransactionTransition(t.Status, status); err != nil {
		return domain.Transaction{}, withID(err, id)
	}
	if err := e.RBAC.Require(u, domain.PermTransactionsManage); err != nil {
		return domain.Transaction{}, err
	}
	now := e.timestamp()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Transaction{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.UpdateTransactionStatus(ctx, tx, id, t.Status, status, now); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return domain.Transaction{}, TransitionError{Entity: events.EntityTransaction, ID: id, From: t.Status, To: status, Conflict: true}
		}
		return domain.Transaction{}, err
	}
	t.Status = status
	t.UpdatedAt = now
	name := events.TransactionUpdated
	if status == TxConfirmed {
		name = events.TransactionConfirmed
	}
	if _, err := e.Events.Append(ctx, tx, name, events.EntityTransaction, id, u.ID, t); err != nil {
		return domain.Transaction{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Transaction{}, err
	}
	scope := transactionScope(t)
	if name == events.TransactionConfirmed {
		e.publish(events.Message{Name: events.TransactionConfirmed, Data: t, Scope: scope})
	}
	e.publish(events.Message{Name: events.TransactionUpdated, Data: t, Scope: scope})
	e.log().WithFields(logrus.Fields{"transaction_id": id, "status": status}).Info("transaction updated")
	return t, nil
}

func (e Engine) ListTransactions(ctx context.Context, u rbac.User, limit int) ([]domain.Transaction, error) {
	clientRef := ""
	if !e.RBAC.Can(u, domain.PermTransactionsView) {
		clientRef = u.ID
	}
	return e.Repo.ListTransactions(ctx, clientRef, clampLimit(limit))
}

type CreateWithdrawalInput struct {
	OperatorRef string
	Amount      float64
	Note        string
}

// CreateWithdrawal files a payout request. Operators request for themselves;
// filing for another operator requires withdrawals_manage.
func (e Engine) CreateWithdrawal(ctx context.Context, u rbac.User, in CreateWithdrawalInput) (domain.Withdrawal, error) {
	operatorRef := strings.TrimSpace(in.OperatorRef)
	if operatorRef == "" {
		operatorRef = u.ID
	}
	if operatorRef != u.ID || u.Kind != domain.ActorOperator {
		if err := e.RBAC.Require(u, domain.PermWithdrawalsManage); err != nil {
			return domain.Withdrawal{}, err
		}
	}
	if math.IsNaN(in.Amount) || in.Amount <= 0 {
		return domain.Withdrawal{}, ValidationError{Field: "amount", Reason: "must be positive"}
	}
	op, err := e.Repo.GetActor(ctx, operatorRef)
	if errors.Is(err, repo.ErrNotFound) || (err == nil && op.Kind != domain.ActorOperator) {
		return domain.Withdrawal{}, ValidationError{Field: "operator_ref", Reason: "unknown operator " + operatorRef}
	}
	if err != nil {
		return domain.Withdrawal{}, err
	}
	now := e.timestamp()
	w := domain.Withdrawal{
		ID:          uuid.NewString(),
		OperatorRef: operatorRef,
		Amount:      in.Amount,
		Status:      WithdrawalPending,
		Note:        strings.TrimSpace(in.Note),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Withdrawal{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertWithdrawal(ctx, tx, w); err != nil {
		return domain.Withdrawal{}, err
	}
	if _, err := e.Events.Append(ctx, tx, events.WithdrawalCreated, events.EntityWithdrawal, w.ID, u.ID, w); err != nil {
		return domain.Withdrawal{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Withdrawal{}, err
	}
	e.publish(events.Message{Name: events.WithdrawalCreated, Data: w, Scope: withdrawalScope(w)})
	return w, nil
}

// UpdateWithdrawal is the admin review of a payout request.
func (e Engine) UpdateWithdrawal(ctx context.Context, u rbac.User, id, status string, note *string) (domain.Withdrawal, error) {
	w, err := e.Repo.GetWithdrawalTx(ctx, e.DB, id)
	if err != nil {
		return domain.Withdrawal{}, err
	}
	if err := ensureWithdrawalTransition(w.Status, status); err != nil {
		return domain.Withdrawal{}, withID(err, id)
	}
	if err := e.RBAC.Require(u, domain.PermWithdrawalsManage); err != nil {
		return domain.Withdrawal{}, err
	}
	now := e.timestamp()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Withdrawal{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.UpdateWithdrawalStatus(ctx, tx, id, w.Status, status, now, note); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return domain.Withdrawal{}, TransitionError{Entity: events.EntityWithdrawal, ID: id, From: w.Status, To: status, Conflict: true}
		}
		return domain.Withdrawal{}, err
	}
	w.Status = status
	w.UpdatedAt = now
	if note != nil {
		w.Note = strings.TrimSpace(*note)
	}
	if _, err := e.Events.Append(ctx, tx, events.WithdrawalUpdated, events.EntityWithdrawal, id, u.ID, w); err != nil {
		return domain.Withdrawal{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Withdrawal{}, err
	}
	e.publish(events.Message{Name: events.WithdrawalUpdated, Data: w, Scope: withdrawalScope(w)})
	return w, nil
}

func (e Engine) ListWithdrawals(ctx context.Context, u rbac.User, limit int) ([]domain.Withdrawal, error) {
	operatorRef := ""
	if !e.RBAC.Can(u, domain.PermWithdrawalsView) {
		operatorRef = u.ID
	}
	return e.Repo.ListWithdrawals(ctx, operatorRef, clampLimit(limit))
}

func transactionScope(t domain.Transaction) events.Scope {
	return events.Scope{Permission: domain.PermTransactionsView, Actors: []string{t.ClientRef}}
}

func withdrawalScope(w domain.Withdrawal) events.Scope {
	return events.Scope{Permission: domain.PermWithdrawalsView, Actors: []string{w.OperatorRef}}
}

func withID(err error, id string) error {
	var te TransitionError
	if errors.As(err, &te) {
		te.ID = id
		return te
	}
	return err
}
