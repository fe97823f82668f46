package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ttm/internal/config"
	"ttm/internal/events"
	"ttm/internal/rbac"
)

var testUsers = map[string]rbac.User{
	"admin-token":  {ID: "admin-1", Permissions: rbac.NewPermissionSet("requests_view")},
	"client-token": {ID: "c-1"},
}

func testAuth(_ context.Context, token string) (rbac.User, error) {
	u, ok := testUsers[token]
	if !ok {
		return rbac.User{}, errors.New("invalid token")
	}
	return u, nil
}

func newTestHub(t *testing.T, buffer int) (*Hub, string) {
	t.Helper()
	hub := NewHub(Options{
		Auth:   testAuth,
		Config: config.Realtime{SendBuffer: buffer, HandshakeTimeout: time.Second, PingInterval: time.Minute},
	})
	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url, token string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, conn.WriteJSON(map[string]string{"token": token}))
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f Frame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func waitSessions(t *testing.T, hub *Hub, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return hub.SessionCount() == n }, 2*time.Second, 10*time.Millisecond)
}

func TestHandshakeRejectsBadToken(t *testing.T) {
	hub, url := newTestHub(t, 8)
	conn := dial(t, url, "forged")
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.True(t, errors.As(err, &closeErr), "expected close error, got %v", err)
	assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
	assert.Equal(t, 0, hub.SessionCount())
}

func TestHeaderAuthAndBroadcast(t *testing.T) {
	hub, url := newTestHub(t, 8)
	header := http.Header{"Authorization": []string{"Bearer admin-token"}}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	defer conn.Close()

	ready := readFrame(t, conn)
	assert.Equal(t, ReadyEvent, ready.Event)
	waitSessions(t, hub, 1)

	hub.Publish(events.Message{Name: events.MissionUpdated, Data: map[string]any{"id": 42, "status": "publiee"}})
	f := readFrame(t, conn)
	assert.Equal(t, events.MissionUpdated, f.Event)
	var payload struct {
		ID     int    `json:"id"`
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(f.Data, &payload))
	assert.Equal(t, 42, payload.ID)
	assert.Equal(t, "publiee", payload.Status)
}

func TestScopedDelivery(t *testing.T) {
	hub, url := newTestHub(t, 8)
	client := dial(t, url, "client-token")
	assert.Equal(t, ReadyEvent, readFrame(t, client).Event)
	waitSessions(t, hub, 1)

	// neither listed nor holding the permission
	hub.Publish(events.Message{Name: "mission:updated", Data: map[string]any{"id": 1}, Scope: events.Scope{Permission: "requests_view", Actors: []string{"c-9"}}})
	hub.Publish(events.Message{Name: "mission:updated", Data: map[string]any{"id": 2}, Scope: events.Scope{Permission: "requests_view", Actors: []string{"c-1"}}})

	f := readFrame(t, client)
	var payload struct {
		ID int `json:"id"`
	}
	require.NoError(t, json.Unmarshal(f.Data, &payload))
	assert.Equal(t, 2, payload.ID)
}

func TestFullBufferDropsSession(t *testing.T) {
	hub := NewHub(Options{Auth: testAuth})
	slow := newSession(rbac.User{ID: "c-1"}, 1)
	require.True(t, hub.add(slow))

	hub.Publish(events.Message{Name: "mission:updated", Data: 1})
	assert.Equal(t, 1, hub.SessionCount())
	hub.Publish(events.Message{Name: "mission:updated", Data: 2})
	assert.Equal(t, 0, hub.SessionCount())

	select {
	case <-slow.done:
	default:
		t.Fatal("dropped session not closed")
	}
	assert.Len(t, slow.send, 1)
}

func TestClosedHubRefusesSessions(t *testing.T) {
	hub := NewHub(Options{Auth: testAuth})
	s := newSession(rbac.User{ID: "a"}, 1)
	require.True(t, hub.add(s))
	hub.Close()
	assert.Equal(t, 0, hub.SessionCount())
	assert.False(t, hub.add(newSession(rbac.User{ID: "b"}, 1)))
}

func TestPublishDuringHandshakeDoesNotStallSession(t *testing.T) {
	hub := NewHub(Options{
		Auth:   testAuth,
		Config: config.Realtime{SendBuffer: 1, HandshakeTimeout: time.Second, PingInterval: time.Minute},
	})
	hub.onSessionAdded = func() {
		hub.Publish(events.Message{Name: events.MissionUpdated, Data: map[string]any{"id": 1}})
		hub.Publish(events.Message{Name: events.MissionUpdated, Data: map[string]any{"id": 2}})
	}
	returned := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.ServeHTTP(w, r)
		returned <- struct{}{}
	}))
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})

	conn := dial(t, "ws"+strings.TrimPrefix(srv.URL, "http"), "client-token")
	// the overflowing publish drops the session; the socket must still close
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var closeErr *websocket.CloseError
	for {
		_, _, err := conn.ReadMessage()
		if err != nil {
			require.True(t, errors.As(err, &closeErr), "expected close, got %v", err)
			break
		}
	}
	assert.Equal(t, websocket.CloseNormalClosure, closeErr.Code)

	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("handler still blocked after the session was dropped")
	}
	assert.Equal(t, 0, hub.SessionCount())
}
