package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"ttm/internal/domain"
	"ttm/internal/engine"
)

type transactionBody struct {
	Body domain.Transaction `json:"body"`
}

type withdrawalBody struct {
	Body domain.Withdrawal `json:"body"`
}

func registerTransactions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-transactions",
		Method:      http.MethodGet,
		Path:        "/transactions",
		Summary:     "List transactions",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.Transaction `json:"body"`
	}, error) {
		u, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ListTransactions(ctx, u, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Transaction `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-transaction",
		Method:        http.MethodPost,
		Path:          "/transactions",
		Summary:       "Record a payment",
		DefaultStatus: http.StatusCreated,
		Errors:        missionErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateTransactionRequest `json:"body"`
	}) (*transactionBody, error) {
		u, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.CreateTransaction(ctx, u, engine.CreateTransactionInput{
			MissionID: input.Body.MissionID,
			ClientRef: input.Body.ClientRef,
			Amount:    input.Body.Amount,
			Method:    input.Body.Method,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &transactionBody{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "confirm-transaction",
		Method:      http.MethodPatch,
		Path:        "/transactions/{id}/confirm",
		Summary:     "Confirm a pending payment",
		Errors:      missionErrors,
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*transactionBody, error) {
		u, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.ConfirmTransaction(ctx, u, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &transactionBody{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-transaction",
		Method:      http.MethodPatch,
		Path:        "/transactions/{id}",
		Summary:     "Settle a pending payment",
		Errors:      missionErrors,
	}, func(ctx context.Context, input *struct {
		ID   string                   `path:"id"`
		Body UpdateTransactionRequest `json:"body"`
	}) (*transactionBody, error) {
		u, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.UpdateTransactionStatus(ctx, u, input.ID, input.Body.Status)
		if err != nil {
			return nil, handleError(err)
		}
		return &transactionBody{Body: t}, nil
	})
}

func registerWithdrawals(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-withdrawals",
		Method:      http.MethodGet,
		Path:        "/withdrawals",
		Summary:     "List payout requests",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.Withdrawal `json:"body"`
	}, error) {
		u, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ListWithdrawals(ctx, u, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Withdrawal `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-withdrawal",
		Method:        http.MethodPost,
		Path:          "/withdrawals",
		Summary:       "Request a payout",
		DefaultStatus: http.StatusCreated,
		Errors:        missionErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateWithdrawalRequest `json:"body"`
	}) (*withdrawalBody, error) {
		u, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		w, err := e.CreateWithdrawal(ctx, u, engine.CreateWithdrawalInput{
			OperatorRef: input.Body.OperatorRef,
			Amount:      input.Body.Amount,
			Note:        input.Body.Note,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &withdrawalBody{Body: w}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-withdrawal",
		Method:      http.MethodPatch,
		Path:        "/withdrawals/{id}",
		Summary:     "Review a payout request",
		Errors:      missionErrors,
	}, func(ctx context.Context, input *struct {
		ID   string                  `path:"id"`
		Body UpdateWithdrawalRequest `json:"body"`
	}) (*withdrawalBody, error) {
		u, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		w, err := e.UpdateWithdrawal(ctx, u, input.ID, input.Body.Status, input.Body.Note)
		if err != nil {
			return nil, handleError(err)
		}
		return &withdrawalBody{Body: w}, nil
	})
}
