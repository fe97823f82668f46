package ttmsdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientSendsRequestsAndDecodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/api/requests":
			assert.Equal(t, "publiee", r.URL.Query().Get("status"))
			assert.Equal(t, "5", r.URL.Query().Get("limit"))
			_ = json.NewEncoder(w).Encode([]Mission{{ID: 42, Status: StatusPublished}})
		case r.Method == http.MethodPost && r.URL.Path == "/api/requests/42/publier":
			var body map[string]float64
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, 5000.0, body["price"])
			assert.Equal(t, 12.0, body["distance"])
			price, distance := 5000.0, 12.0
			_ = json.NewEncoder(w).Encode(Mission{ID: 42, Status: StatusPublished, Price: &price, Distance: &distance})
		default:
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusTeapot)
		}
	}))
	defer srv.Close()

	c := New(srv.URL + "/api/")
	c.BearerToken = "tok"
	ctx := context.Background()

	items, err := c.ListMissions(ctx, StatusPublished, 5)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, int64(42), items[0].ID)

	m, err := c.Publish(ctx, 42, 5000, 12)
	require.NoError(t, err)
	assert.Equal(t, StatusPublished, m.Status)
	require.NotNil(t, m.Price)
	assert.Equal(t, 5000.0, *m.Price)
}

func TestClientMapsErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":"missing permission requests_assign","kind":"permission_denied","details":{"permission":"requests_assign"}}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	_, err := c.Assign(context.Background(), 42, "op-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPermissionDenied))
	assert.False(t, errors.Is(err, ErrInvalidTransition))

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
	assert.Equal(t, "requests_assign", apiErr.Permission())
}

func TestClientFallsBackToStatusKind(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "conflict", http.StatusConflict)
	}))
	defer srv.Close()

	_, err := New(srv.URL).SetStatus(context.Background(), 42, StatusCompleted)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
}

func TestClientUnauthorizedHook(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"unauthorized","kind":"unauthorized"}`))
	}))
	defer srv.Close()

	calls := 0
	c := New(srv.URL)
	c.OnUnauthorized = func(err error) {
		calls++
		assert.True(t, errors.Is(err, ErrUnauthorized))
	}
	_, err := c.Me(context.Background())
	assert.True(t, errors.Is(err, ErrUnauthorized))
	assert.Equal(t, 1, calls)
}

func TestClientTimeoutIsNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.Timeout = 50 * time.Millisecond
	err := c.Health(context.Background())
	var netErr *NetworkError
	require.True(t, errors.As(err, &netErr), "got %v", err)
	assert.True(t, netErr.Timeout())
}

func TestSocketURL(t *testing.T) {
	cases := map[string]string{
		"http://localhost:8080/api": "ws://localhost:8080/api/socket",
		"https://ttm.example/api/":  "wss://ttm.example/api/socket",
		"ws://127.0.0.1:9000":       "ws://127.0.0.1:9000/socket",
	}
	for base, want := range cases {
		got, err := New(base).socketURL()
		require.NoError(t, err)
		assert.Equal(t, want, got, base)
	}
	_, err := New("ftp://nope").socketURL()
	assert.Error(t, err)
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(StatusPending, StatusPublished))
	assert.True(t, CanTransition(StatusAssigned, StatusCompleted))
	assert.False(t, CanTransition(StatusCompleted, StatusPending))
	assert.False(t, CanTransition(StatusPending, StatusAssigned))
}
