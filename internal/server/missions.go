package server

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"ttm/internal/domain"
	"ttm/internal/engine"
)

var missionErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
}

type missionBody struct {
	Body domain.Mission `json:"body"`
}

type missionPath struct {
	ID int64 `path:"id"`
}

func registerMissions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-requests",
		Method:      http.MethodGet,
		Path:        "/requests",
		Summary:     "List missions, newest first",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status"`
		Limit  int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.Mission `json:"body"`
	}, error) {
		u, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		var status domain.Status
		if input.Status != "" {
			parsed, err := domain.ParseStatus(input.Status)
			if err != nil {
				return nil, badRequest(err.Error(), map[string]any{"field": "status"})
			}
			status = parsed
		}
		items, err := e.ListMissions(ctx, u, status, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Mission `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-request",
		Method:        http.MethodPost,
		Path:          "/requests",
		Summary:       "Create mission",
		DefaultStatus: http.StatusCreated,
		Errors:        missionErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateMissionRequest `json:"body"`
	}) (*missionBody, error) {
		u, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.CreateMission(ctx, u, engine.CreateMissionInput{
			ClientRef:   input.Body.ClientRef,
			ServiceKind: input.Body.ServiceKind,
			Lat:         input.Body.Lat,
			Lng:         input.Body.Lng,
			Address:     input.Body.Address,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &missionBody{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-request",
		Method:      http.MethodGet,
		Path:        "/requests/{id}",
		Summary:     "Get mission",
		Errors:      missionErrors,
	}, func(ctx context.Context, input *missionPath) (*missionBody, error) {
		u, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.GetMission(ctx, u, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &missionBody{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "publish-request",
		Method:      http.MethodPost,
		Path:        "/requests/{id}/publier",
		Summary:     "Publish a pending mission with its price and distance",
		Errors:      missionErrors,
	}, func(ctx context.Context, input *struct {
		ID   int64          `path:"id"`
		Body PublishRequest `json:"body"`
	}) (*missionBody, error) {
		u, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.Publish(ctx, u, input.ID, input.Body.Price, input.Body.Distance)
		if err != nil {
			return nil, handleError(err)
		}
		return &missionBody{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "assign-request",
		Method:      http.MethodPatch,
		Path:        "/requests/{id}/assigner",
		Summary:     "Assign a published mission to an operator",
		Errors:      missionErrors,
	}, func(ctx context.Context, input *struct {
		ID   int64         `path:"id"`
		Body AssignRequest `json:"body"`
	}) (*missionBody, error) {
		u, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.Assign(ctx, u, input.ID, input.Body.OperatorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &missionBody{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-request-status",
		Method:      http.MethodPatch,
		Path:        "/requests/{id}/status",
		Summary:     "Move a mission along its lifecycle",
		Errors:      missionErrors,
	}, func(ctx context.Context, input *struct {
		ID   int64         `path:"id"`
		Body StatusRequest `json:"body"`
	}) (*missionBody, error) {
		u, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		to, err := domain.ParseStatus(input.Body.Status)
		if err != nil {
			return nil, badRequest(err.Error(), map[string]any{"field": "status"})
		}
		m, err := e.SetStatus(ctx, u, input.ID, to)
		if err != nil {
			return nil, handleError(err)
		}
		return &missionBody{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-request",
		Method:      http.MethodDelete,
		Path:        "/requests/{id}",
		Summary:     "Delete mission",
		Errors:      missionErrors,
	}, func(ctx context.Context, input *missionPath) (*struct {
		Body DeletedResponse `json:"body"`
	}, error) {
		u, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteMission(ctx, u, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DeletedResponse `json:"body"`
		}{Body: DeletedResponse{ID: input.ID, Deleted: true}}, nil
	})
}

func registerPositions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "record-position",
		Method:      http.MethodPost,
		Path:        "/requests/{id}/position",
		Summary:     "Record the operator's live position",
		Errors:      missionErrors,
	}, func(ctx context.Context, input *struct {
		ID   int64           `path:"id"`
		Body PositionRequest `json:"body"`
	}) (*struct {
		Body domain.PositionSample `json:"body"`
	}, error) {
		u, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		var at time.Time
		if input.Body.Timestamp != "" {
			parsed, err := time.Parse(time.RFC3339Nano, input.Body.Timestamp)
			if err != nil {
				return nil, badRequest("invalid timestamp", map[string]any{"field": "timestamp"})
			}
			at = parsed
		}
		sample, err := e.RecordPosition(ctx, u, input.ID, input.Body.Lat, input.Body.Lng, at)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.PositionSample `json:"body"`
		}{Body: sample}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "latest-position",
		Method:      http.MethodGet,
		Path:        "/requests/{id}/position",
		Summary:     "Latest known operator position",
		Errors:      missionErrors,
	}, func(ctx context.Context, input *missionPath) (*struct {
		Body domain.PositionSample `json:"body"`
	}, error) {
		u, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		sample, err := e.LatestPosition(ctx, u, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.PositionSample `json:"body"`
		}{Body: sample}, nil
	})
}
