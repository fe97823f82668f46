package domain

// Mission is a single dispatch job tracked from creation to completion or cancellation.
type Mission struct {
	ID          int64    `json:"id"`
	Status      Status   `json:"status" enum:"en_attente,publiee,assignee,acceptee,en_route,sur_place,terminee,annulee_admin,annulee_client"`
	ClientRef   string   `json:"client_ref"`
	OperatorRef *string  `json:"operator_ref,omitempty"`
	ServiceKind string   `json:"service_kind"`
	Lat         float64  `json:"lat"`
	Lng         float64  `json:"lng"`
	Address     string   `json:"address,omitempty"`
	Price       *float64 `json:"price,omitempty"`
	Distance    *float64 `json:"distance,omitempty"`
	Version     int64    `json:"version"`
	CreatedAt   string   `json:"created_at" format:"date-time"`
	UpdatedAt   string   `json:"updated_at" format:"date-time"`
}

// Parties returns the actor ids directly involved in the mission.
func (m Mission) Parties() []string {
	out := []string{m.ClientRef}
	if m.OperatorRef != nil && *m.OperatorRef != "" {
		out = append(out, *m.OperatorRef)
	}
	return out
}

// Actor kinds.
const (
	ActorAdmin    = "admin"
	ActorClient   = "client"
	ActorOperator = "operator"
)

type Actor struct {
	ID          string `json:"id"`
	Kind        string `json:"kind" enum:"admin,client,operator"`
	DisplayName string `json:"display_name,omitempty"`
	IsSuper     bool   `json:"is_super"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

// PositionSample is the most recent known location of an operator en route to a mission.
type PositionSample struct {
	MissionID  int64   `json:"requestId"`
	OperatorID string  `json:"operatorId"`
	Lat        float64 `json:"lat"`
	Lng        float64 `json:"lng"`
	Timestamp  string  `json:"timestamp" format:"date-time"`
}

type Transaction struct {
	ID        string  `json:"id"`
	MissionID *int64  `json:"mission_id,omitempty"`
	ClientRef string  `json:"client_ref"`
	Amount    float64 `json:"amount"`
	Method    string  `json:"method,omitempty"`
	Status    string  `json:"status" enum:"pending,confirmed,failed"`
	CreatedAt string  `json:"created_at" format:"date-time"`
	UpdatedAt string  `json:"updated_at" format:"date-time"`
}

type Withdrawal struct {
	ID          string  `json:"id"`
	OperatorRef string  `json:"operator_ref"`
	Amount      float64 `json:"amount"`
	Status      string  `json:"status" enum:"pending,approved,rejected,paid"`
	Note        string  `json:"note,omitempty"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	UpdatedAt   string  `json:"updated_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
