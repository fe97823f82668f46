package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"ttm/internal/config"
	"ttm/internal/db"
	"ttm/internal/domain"
	"ttm/internal/engine"
	"ttm/internal/migrate"
	"ttm/internal/observability"
	"ttm/internal/rbac"
	"ttm/internal/realtime"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, devLogin bool) *testServer {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	ctx := context.Background()
	if err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	e, err := engine.New(conn, cfg)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	if err := e.SeedRBAC(ctx); err != nil {
		t.Fatalf("seed rbac: %v", err)
	}
	for _, a := range []struct {
		id, kind, role string
	}{
		{"admin-1", domain.ActorAdmin, "admin"},
		{"desk-1", domain.ActorAdmin, "dispatcher"},
		{"c-1", domain.ActorClient, "client"},
		{"op-1", domain.ActorOperator, "operator"},
	} {
		if _, err := e.UpsertActor(ctx, engine.System, domain.Actor{ID: a.id, Kind: a.kind}, []string{a.role}); err != nil {
			t.Fatalf("actor %s: %v", a.id, err)
		}
	}
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	hub := realtime.NewHub(realtime.Options{
		Auth:      TokenAuth(testSecret, e),
		Evaluator: e.RBAC,
		Config:    cfg.Realtime,
		Metrics:   metrics,
	})
	e.Publisher = hub
	e.Metrics = metrics

	handler, err := New(Config{
		Engine:   e,
		BasePath: "/api",
		Auth:     AuthConfig{JWTSecret: testSecret, DevLogin: devLogin},
		Socket:   hub,
		Metrics:  metrics,
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	ts := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{Timeout: 5 * time.Second},
		close: func() {
			hub.Close()
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(ts.Close)
	return ts
}

func token(t *testing.T, u rbac.User) string {
	t.Helper()
	tok, err := SignToken(testSecret, u, time.Hour)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return tok
}

func bearer(t *testing.T, actorID string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token(t, rbac.User{ID: actorID})}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = bytes.NewReader(nil)
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

type envelope struct {
	Error   string         `json:"error"`
	Kind    string         `json:"kind"`
	Details map[string]any `json:"details"`
}

func decodeEnvelope(t *testing.T, data []byte) envelope {
	t.Helper()
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode error envelope: %v (%s)", err, data)
	}
	return env
}

func createMission(t *testing.T, srv *testServer, as string) domain.Mission {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/requests", map[string]any{
		"client_ref":   "c-1",
		"service_kind": "remorquage",
		"lat":          12.6392,
		"lng":          -8.0029,
	}, bearer(t, as))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create mission: %d %s", res.StatusCode, data)
	}
	var m domain.Mission
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("decode mission: %v", err)
	}
	return m
}

func missionURL(srv *testServer, m domain.Mission, suffix string) string {
	return srv.URL + "/api/requests/" + strconv.FormatInt(m.ID, 10) + suffix
}

func TestHealthAndAuthentication(t *testing.T) {
	srv := newTestServer(t, false)
	client := srv.Client()

	res, body := doJSON(t, client, http.MethodGet, srv.URL+"/api/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health: %d %s", res.StatusCode, body)
	}

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/api/requests", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d %s", res.StatusCode, body)
	}
	if env := decodeEnvelope(t, body); env.Kind != KindUnauthorized {
		t.Fatalf("expected unauthorized kind, got %+v", env)
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/api/requests", nil, map[string]string{"Authorization": "Bearer not-a-jwt"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", res.StatusCode)
	}

	res, _ = doJSON(t, client, http.MethodPost, srv.URL+"/api/auth/dev/login", map[string]any{"actor_id": "x"}, nil)
	if res.StatusCode == http.StatusOK {
		t.Fatalf("dev login must be disabled by default")
	}
}

func TestPublishBroadcastsToMissionParties(t *testing.T) {
	srv := newTestServer(t, false)
	m := createMission(t, srv, "admin-1")

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/socket"
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token(t, rbac.User{ID: "c-1"}))
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("dial socket: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ready realtime.Frame
	if err := conn.ReadJSON(&ready); err != nil || ready.Event != realtime.ReadyEvent {
		t.Fatalf("ready frame: %+v %v", ready, err)
	}

	res, body := doJSON(t, srv.Client(), http.MethodPost, missionURL(srv, m, "/publier"), map[string]any{
		"price":    5000,
		"distance": 12,
	}, bearer(t, "admin-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("publish: %d %s", res.StatusCode, body)
	}
	var published domain.Mission
	_ = json.Unmarshal(body, &published)
	if published.Status != domain.StatusPublished || published.Price == nil || *published.Price != 5000 {
		t.Fatalf("unexpected mission after publish: %+v", published)
	}

	var names []string
	var updated domain.Mission
	for len(names) < 2 {
		var frame realtime.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			t.Fatalf("read frame: %v (got %v)", err, names)
		}
		names = append(names, frame.Event)
		if frame.Event == "mission:updated" {
			_ = json.Unmarshal(frame.Data, &updated)
		}
	}
	if names[0] != "mission:status_changed" || names[1] != "mission:updated" {
		t.Fatalf("unexpected frame order: %v", names)
	}
	if updated.ID != m.ID || updated.Status != domain.StatusPublished {
		t.Fatalf("unexpected mission:updated payload: %+v", updated)
	}
}

func TestSocketRejectsBadToken(t *testing.T) {
	srv := newTestServer(t, false)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/socket"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial socket: %v", err)
	}
	defer conn.Close()
	if err := conn.WriteJSON(map[string]string{"token": "garbage"}); err != nil {
		t.Fatalf("write handshake: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("expected policy violation close, got %v", err)
	}
}

func TestErrorEnvelopeKinds(t *testing.T) {
	srv := newTestServer(t, false)
	client := srv.Client()
	m := createMission(t, srv, "admin-1")

	// en_attente cannot jump to terminee
	res, body := doJSON(t, client, http.MethodPatch, missionURL(srv, m, "/status"), map[string]any{"status": "terminee"}, bearer(t, "admin-1"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d %s", res.StatusCode, body)
	}
	if env := decodeEnvelope(t, body); env.Kind != KindInvalidTransition {
		t.Fatalf("unexpected envelope: %+v", env)
	}

	res, body = doJSON(t, client, http.MethodPatch, missionURL(srv, m, "/status"), map[string]any{"status": "publiée"}, bearer(t, "admin-1"))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for accented status, got %d %s", res.StatusCode, body)
	}
	if env := decodeEnvelope(t, body); env.Kind != KindValidation || !strings.Contains(env.Error, `"publiee"`) {
		t.Fatalf("unexpected envelope: %+v", env)
	}

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/api/requests/9999", nil, bearer(t, "admin-1"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d %s", res.StatusCode, body)
	}
	if env := decodeEnvelope(t, body); env.Kind != KindNotFound {
		t.Fatalf("unexpected envelope: %+v", env)
	}

	// publish with a towing distance above the cap
	res, body = doJSON(t, client, http.MethodPost, missionURL(srv, m, "/publier"), map[string]any{"price": 1000, "distance": 150}, bearer(t, "admin-1"))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for towing cap, got %d %s", res.StatusCode, body)
	}
}

func TestAssignRequiresPermission(t *testing.T) {
	srv := newTestServer(t, false)
	client := srv.Client()
	m := createMission(t, srv, "admin-1")
	res, body := doJSON(t, client, http.MethodPost, missionURL(srv, m, "/publier"), map[string]any{"price": 5000, "distance": 12}, bearer(t, "admin-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("publish: %d %s", res.StatusCode, body)
	}

	// a credential that only carries a sparse publish grant
	limited := token(t, rbac.User{ID: "kiosk-1", Kind: domain.ActorAdmin, Permissions: rbac.NewPermissionSet("requests_view", "requests_publish")})
	res, body = doJSON(t, client, http.MethodPatch, missionURL(srv, m, "/assigner"), map[string]any{"operator_id": "op-1"}, map[string]string{"Authorization": "Bearer " + limited})
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d %s", res.StatusCode, body)
	}
	env := decodeEnvelope(t, body)
	if env.Kind != KindPermissionDenied || env.Details["permission"] != domain.PermRequestsAssign {
		t.Fatalf("unexpected envelope: %+v", env)
	}

	res, body = doJSON(t, client, http.MethodGet, missionURL(srv, m, ""), nil, bearer(t, "admin-1"))
	var current domain.Mission
	_ = json.Unmarshal(body, &current)
	if current.Status != domain.StatusPublished {
		t.Fatalf("mission changed after denied assign: %+v", current)
	}

	res, body = doJSON(t, client, http.MethodPatch, missionURL(srv, m, "/assigner"), map[string]any{"operator_id": "op-1"}, bearer(t, "desk-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dispatcher assign: %d %s", res.StatusCode, body)
	}
	_ = json.Unmarshal(body, &current)
	if current.Status != domain.StatusAssigned || current.OperatorRef == nil || *current.OperatorRef != "op-1" {
		t.Fatalf("unexpected mission after assign: %+v", current)
	}

	// the assigned operator drives the mission forward and reports positions
	for _, status := range []string{"acceptee", "en_route"} {
		res, body = doJSON(t, client, http.MethodPatch, missionURL(srv, m, "/status"), map[string]any{"status": status}, bearer(t, "op-1"))
		if res.StatusCode != http.StatusOK {
			t.Fatalf("operator %s: %d %s", status, res.StatusCode, body)
		}
	}
	res, body = doJSON(t, client, http.MethodPost, missionURL(srv, m, "/position"), map[string]any{"lat": 12.64, "lng": -8.0}, bearer(t, "op-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("position: %d %s", res.StatusCode, body)
	}
	res, body = doJSON(t, client, http.MethodGet, missionURL(srv, m, "/position"), nil, bearer(t, "c-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("latest position: %d %s", res.StatusCode, body)
	}
	var sample domain.PositionSample
	_ = json.Unmarshal(body, &sample)
	if sample.MissionID != m.ID || sample.OperatorID != "op-1" {
		t.Fatalf("unexpected sample: %+v", sample)
	}
}

func TestListAndDeleteMissions(t *testing.T) {
	srv := newTestServer(t, false)
	client := srv.Client()
	first := createMission(t, srv, "admin-1")
	second := createMission(t, srv, "c-1")

	res, body := doJSON(t, client, http.MethodGet, srv.URL+"/api/requests?limit=10", nil, bearer(t, "c-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list: %d %s", res.StatusCode, body)
	}
	var items []domain.Mission
	_ = json.Unmarshal(body, &items)
	if len(items) != 2 || items[0].ID != second.ID {
		t.Fatalf("expected newest first, got %+v", items)
	}

	res, body = doJSON(t, client, http.MethodDelete, missionURL(srv, first, ""), nil, bearer(t, "c-1"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("client delete: expected 403, got %d %s", res.StatusCode, body)
	}
	res, body = doJSON(t, client, http.MethodDelete, missionURL(srv, first, ""), nil, bearer(t, "admin-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("admin delete: %d %s", res.StatusCode, body)
	}
	res, _ = doJSON(t, client, http.MethodGet, missionURL(srv, first, ""), nil, bearer(t, "admin-1"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected deleted mission to be gone, got %d", res.StatusCode)
	}
}

func TestAPIKeyAndMe(t *testing.T) {
	srv := newTestServer(t, false)
	_, raw, err := srv.Engine.CreateAPIKey(context.Background(), engine.System, "admin-1", "ci")
	if err != nil {
		t.Fatalf("create api key: %v", err)
	}
	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/me", nil, map[string]string{"X-Api-Key": raw})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me: %d %s", res.StatusCode, body)
	}
	var me WhoAmIResponse
	if err := json.Unmarshal(body, &me); err != nil {
		t.Fatalf("decode me: %v", err)
	}
	if me.ID != "admin-1" || len(me.Roles) != 1 || me.Roles[0] != "admin" {
		t.Fatalf("unexpected principal: %+v", me)
	}
	found := false
	for _, p := range me.Permissions {
		if p == domain.PermDashboardView {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected dashboard permission in %v", me.Permissions)
	}

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/me", nil, map[string]string{"X-Api-Key": "ttm_wrong"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unknown key, got %d", res.StatusCode)
	}
}

func TestFinanceEndpoints(t *testing.T) {
	srv := newTestServer(t, false)
	client := srv.Client()

	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/api/transactions", map[string]any{"amount": 5000, "method": "cash"}, bearer(t, "c-1"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create transaction: %d %s", res.StatusCode, body)
	}
	var txn domain.Transaction
	_ = json.Unmarshal(body, &txn)

	res, body = doJSON(t, client, http.MethodPatch, srv.URL+"/api/transactions/"+txn.ID+"/confirm", nil, bearer(t, "c-1"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("client confirm: expected 403, got %d %s", res.StatusCode, body)
	}
	res, body = doJSON(t, client, http.MethodPatch, srv.URL+"/api/transactions/"+txn.ID+"/confirm", nil, bearer(t, "admin-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("confirm: %d %s", res.StatusCode, body)
	}
	res, body = doJSON(t, client, http.MethodPatch, srv.URL+"/api/transactions/"+txn.ID, map[string]any{"status": "failed"}, bearer(t, "admin-1"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("settled transaction: expected 409, got %d %s", res.StatusCode, body)
	}

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/api/withdrawals", map[string]any{"amount": 2500}, bearer(t, "op-1"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create withdrawal: %d %s", res.StatusCode, body)
	}
	var w domain.Withdrawal
	_ = json.Unmarshal(body, &w)
	res, body = doJSON(t, client, http.MethodPatch, srv.URL+"/api/withdrawals/"+w.ID, map[string]any{"status": "approved"}, bearer(t, "admin-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve withdrawal: %d %s", res.StatusCode, body)
	}

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/api/events?entity_kind=transaction", nil, bearer(t, "admin-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events: %d %s", res.StatusCode, body)
	}
	var page paginatedEvents
	_ = json.Unmarshal(body, &page)
	if len(page.Items) != 2 || page.Items[1].Type != "transaction_confirmed" {
		t.Fatalf("unexpected transaction events: %+v", page.Items)
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/api/events", nil, bearer(t, "c-1"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("client events: expected 403, got %d", res.StatusCode)
	}
}

func TestDevLoginAndMetrics(t *testing.T) {
	srv := newTestServer(t, true)
	client := srv.Client()
	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/api/auth/dev/login", map[string]any{
		"actor_id":    "tester",
		"kind":        "admin",
		"permissions": map[string]any{"dashboard": true, "requests_delete": false},
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login: %d %s", res.StatusCode, body)
	}
	var login DevLoginResponse
	_ = json.Unmarshal(body, &login)

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/api/dashboard", nil, map[string]string{"Authorization": "Bearer " + login.Token})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dashboard via alias: %d %s", res.StatusCode, body)
	}

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/metrics", nil, nil)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(body), "http_requests_total") {
		t.Fatalf("metrics: %d", res.StatusCode)
	}
}
