package ttmsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"ttm/internal/domain"
	"ttm/internal/events"
)

// DefaultTimeout bounds every REST call. Calls are never retried.
const DefaultTimeout = 15 * time.Second

// Records exchanged with the API.
type (
	Mission        = domain.Mission
	Status         = domain.Status
	PositionSample = domain.PositionSample
	Transaction    = domain.Transaction
	Withdrawal     = domain.Withdrawal
)

// Status tokens.
const (
	StatusPending       = domain.StatusPending
	StatusPublished     = domain.StatusPublished
	StatusAssigned      = domain.StatusAssigned
	StatusAccepted      = domain.StatusAccepted
	StatusEnRoute       = domain.StatusEnRoute
	StatusOnSite        = domain.StatusOnSite
	StatusCompleted     = domain.StatusCompleted
	StatusAdminCanceled = domain.StatusAdminCanceled
	StatusClientCancel  = domain.StatusClientCancel
)

// Socket event names.
const (
	EventMissionCreated       = events.MissionCreated
	EventMissionUpdated       = events.MissionUpdated
	EventMissionStatusChanged = events.MissionStatusChanged
	EventMissionDeleted       = events.MissionDeleted
	EventPositionUpdate       = events.PositionUpdate
	EventTransactionCreated   = events.TransactionCreated
	EventTransactionUpdated   = events.TransactionUpdated
	EventTransactionConfirmed = events.TransactionConfirmed
	EventWithdrawalCreated    = events.WithdrawalCreated
	EventWithdrawalUpdated    = events.WithdrawalUpdated
)

// CanTransition reports whether the lifecycle has an edge from -> to. It is an
// advisory check for UIs; the server decides.
func CanTransition(from, to Status) bool {
	_, ok := domain.ActionFor(from, to)
	return ok
}

// Client is a TTM HTTP API client. BaseURL includes the API base path, for
// example http://localhost:8080/api.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration

	// OnUnauthorized runs whenever the server answers 401, before the error
	// is returned. Apps use it to tear down the session.
	OnUnauthorized func(err error)
}

// New creates a client with the default timeout.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: DefaultTimeout,
	}
}

// Me is the authenticated principal.
type Me struct {
	ID          string   `json:"id"`
	Kind        string   `json:"kind,omitempty"`
	IsSuper     bool     `json:"is_super"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

// Event is an entry of the persisted event log.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

type CreateMissionRequest struct {
	ClientRef   string  `json:"client_ref,omitempty"`
	ServiceKind string  `json:"service_kind"`
	Lat         float64 `json:"lat"`
	Lng         float64 `json:"lng"`
	Address     string  `json:"address,omitempty"`
}

type CreateTransactionRequest struct {
	MissionID *int64  `json:"mission_id,omitempty"`
	ClientRef string  `json:"client_ref,omitempty"`
	Amount    float64 `json:"amount"`
	Method    string  `json:"method,omitempty"`
}

type CreateWithdrawalRequest struct {
	OperatorRef string  `json:"operator_ref,omitempty"`
	Amount      float64 `json:"amount"`
	Note        string  `json:"note,omitempty"`
}

func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "health", nil, nil)
}

func (c *Client) Me(ctx context.Context) (Me, error) {
	var resp Me
	err := c.do(ctx, http.MethodGet, "me", nil, &resp)
	return resp, err
}

// DevLogin mints a token on servers started with auth.dev_login and stores it
// on the client.
func (c *Client) DevLogin(ctx context.Context, actorID, kind string, isSuper bool, permissions []string) (string, error) {
	body := map[string]any{
		"actor_id":    actorID,
		"kind":        kind,
		"is_super":    isSuper,
		"permissions": permissions,
	}
	var resp struct {
		Token string `json:"token"`
	}
	if err := c.do(ctx, http.MethodPost, "auth/dev/login", body, &resp); err != nil {
		return "", err
	}
	c.BearerToken = resp.Token
	return resp.Token, nil
}

// ListMissions returns missions newest first. Zero status means all.
func (c *Client) ListMissions(ctx context.Context, status Status, limit int) ([]Mission, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", string(status))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp []Mission
	err := c.do(ctx, http.MethodGet, withQuery("requests", q), nil, &resp)
	return resp, err
}

func (c *Client) GetMission(ctx context.Context, id int64) (Mission, error) {
	var resp Mission
	err := c.do(ctx, http.MethodGet, missionPath(id, ""), nil, &resp)
	return resp, err
}

func (c *Client) CreateMission(ctx context.Context, req CreateMissionRequest) (Mission, error) {
	var resp Mission
	err := c.do(ctx, http.MethodPost, "requests", req, &resp)
	return resp, err
}

// Publish moves a pending mission to publiee with its quote.
func (c *Client) Publish(ctx context.Context, id int64, price, distance float64) (Mission, error) {
	var resp Mission
	body := map[string]float64{"price": price, "distance": distance}
	err := c.do(ctx, http.MethodPost, missionPath(id, "publier"), body, &resp)
	return resp, err
}

func (c *Client) Assign(ctx context.Context, id int64, operatorID string) (Mission, error) {
	var resp Mission
	body := map[string]string{"operator_id": operatorID}
	err := c.do(ctx, http.MethodPatch, missionPath(id, "assigner"), body, &resp)
	return resp, err
}

// SetStatus requests a generic transition.
func (c *Client) SetStatus(ctx context.Context, id int64, status Status) (Mission, error) {
	var resp Mission
	body := map[string]string{"status": string(status)}
	err := c.do(ctx, http.MethodPatch, missionPath(id, "status"), body, &resp)
	return resp, err
}

func (c *Client) DeleteMission(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodDelete, missionPath(id, ""), nil, nil)
}

// RecordPosition sends an operator location sample. A zero at lets the server
// stamp it.
func (c *Client) RecordPosition(ctx context.Context, id int64, lat, lng float64, at time.Time) (PositionSample, error) {
	body := map[string]any{"lat": lat, "lng": lng}
	if !at.IsZero() {
		body["timestamp"] = at.UTC().Format(time.RFC3339Nano)
	}
	var resp PositionSample
	err := c.do(ctx, http.MethodPost, missionPath(id, "position"), body, &resp)
	return resp, err
}

func (c *Client) LatestPosition(ctx context.Context, id int64) (PositionSample, error) {
	var resp PositionSample
	err := c.do(ctx, http.MethodGet, missionPath(id, "position"), nil, &resp)
	return resp, err
}

func (c *Client) ListTransactions(ctx context.Context, limit int) ([]Transaction, error) {
	var resp []Transaction
	err := c.do(ctx, http.MethodGet, withQuery("transactions", limitQuery(limit)), nil, &resp)
	return resp, err
}

func (c *Client) CreateTransaction(ctx context.Context, req CreateTransactionRequest) (Transaction, error) {
	var resp Transaction
	err := c.do(ctx, http.MethodPost, "transactions", req, &resp)
	return resp, err
}

func (c *Client) ConfirmTransaction(ctx context.Context, id string) (Transaction, error) {
	var resp Transaction
	err := c.do(ctx, http.MethodPatch, "transactions/"+url.PathEscape(id)+"/confirm", nil, &resp)
	return resp, err
}

func (c *Client) UpdateTransaction(ctx context.Context, id, status string) (Transaction, error) {
	var resp Transaction
	err := c.do(ctx, http.MethodPatch, "transactions/"+url.PathEscape(id), map[string]string{"status": status}, &resp)
	return resp, err
}

func (c *Client) ListWithdrawals(ctx context.Context, limit int) ([]Withdrawal, error) {
	var resp []Withdrawal
	err := c.do(ctx, http.MethodGet, withQuery("withdrawals", limitQuery(limit)), nil, &resp)
	return resp, err
}

func (c *Client) CreateWithdrawal(ctx context.Context, req CreateWithdrawalRequest) (Withdrawal, error) {
	var resp Withdrawal
	err := c.do(ctx, http.MethodPost, "withdrawals", req, &resp)
	return resp, err
}

// UpdateWithdrawal is the admin review of a payout. A nil note keeps the
// current one.
func (c *Client) UpdateWithdrawal(ctx context.Context, id, status string, note *string) (Withdrawal, error) {
	body := map[string]any{"status": status}
	if note != nil {
		body["note"] = *note
	}
	var resp Withdrawal
	err := c.do(ctx, http.MethodPatch, "withdrawals/"+url.PathEscape(id), body, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns events after cursor.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := limitQuery(limit)
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, withQuery("events", q), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		timeout := c.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		c.HTTPClient = &http.Client{Timeout: timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return &NetworkError{Op: method + " " + endpoint, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		apiErr := decodeAPIError(resp.StatusCode, b)
		if errors.Is(apiErr, ErrUnauthorized) && c.OnUnauthorized != nil {
			c.OnUnauthorized(apiErr)
		}
		return apiErr
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s %s: %w", method, endpoint, err)
		}
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

// socketURL maps the REST base onto the websocket endpoint.
func (c *Client) socketURL() (string, error) {
	u, err := url.Parse(c.base() + "/socket")
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	return u.String(), nil
}

func missionPath(id int64, action string) string {
	p := "requests/" + strconv.FormatInt(id, 10)
	if action != "" {
		p += "/" + action
	}
	return p
}

func limitQuery(limit int) url.Values {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return q
}

func withQuery(p string, q url.Values) string {
	if len(q) == 0 {
		return p
	}
	return p + "?" + q.Encode()
}
