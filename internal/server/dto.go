package server

import (
	"encoding/json"

	"ttm/internal/domain"
)

// Request payloads

type CreateMissionRequest struct {
	ClientRef   string  `json:"client_ref,omitempty" doc:"defaults to the caller"`
	ServiceKind string  `json:"service_kind" minLength:"1" example:"remorquage"`
	Lat         float64 `json:"lat" minimum:"-90" maximum:"90"`
	Lng         float64 `json:"lng" minimum:"-180" maximum:"180"`
	Address     string  `json:"address,omitempty"`
}

type PublishRequest struct {
	Price    float64 `json:"price" example:"5000"`
	Distance float64 `json:"distance" example:"12"`
}

type AssignRequest struct {
	OperatorID string `json:"operator_id" minLength:"1"`
}

type StatusRequest struct {
	Status string `json:"status" example:"en_route"`
}

type PositionRequest struct {
	Lat       float64 `json:"lat"`
	Lng       float64 `json:"lng"`
	Timestamp string  `json:"timestamp,omitempty" format:"date-time"`
}

type CreateTransactionRequest struct {
	MissionID *int64  `json:"mission_id,omitempty"`
	ClientRef string  `json:"client_ref,omitempty"`
	Amount    float64 `json:"amount"`
	Method    string  `json:"method,omitempty" example:"orange_money"`
}

type UpdateTransactionRequest struct {
	Status string `json:"status" enum:"confirmed,failed"`
}

type CreateWithdrawalRequest struct {
	OperatorRef string  `json:"operator_ref,omitempty"`
	Amount      float64 `json:"amount"`
	Note        string  `json:"note,omitempty"`
}

type UpdateWithdrawalRequest struct {
	Status string  `json:"status" enum:"approved,rejected,paid"`
	Note   *string `json:"note,omitempty"`
}

type DevLoginRequest struct {
	ActorID     string `json:"actor_id" minLength:"1"`
	Kind        string `json:"kind,omitempty" enum:"admin,client,operator"`
	IsSuper     bool   `json:"is_super,omitempty"`
	Permissions any    `json:"permissions,omitempty" doc:"array, sparse object or null"`
}

// Response payloads

type DeletedResponse struct {
	ID      int64 `json:"id"`
	Deleted bool  `json:"deleted"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type WhoAmIResponse struct {
	ID          string   `json:"id"`
	Kind        string   `json:"kind,omitempty"`
	IsSuper     bool     `json:"is_super"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

// Conversion helpers

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	out := map[string]any{}
	if raw == "" {
		return out
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return map[string]any{"raw": raw}
	}
	return out
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
