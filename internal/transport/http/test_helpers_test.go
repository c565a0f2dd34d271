package http

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/slimchat/internal/config"
	"github.com/vovakirdan/slimchat/internal/core"
	"github.com/vovakirdan/slimchat/internal/store/sqlite"
)

type testEnv struct {
	ts   *httptest.Server
	svc  *core.Service
	room string
}

// startTestServer serves a fresh service whose single room holds the given users.
func startTestServer(t *testing.T, cfg config.Config, users ...string) *testEnv {
	t.Helper()

	svc, room := newTestService(t, users...)

	disabledLogger := zerolog.Nop()
	router, stop := NewRouter(svc, &cfg, &disabledLogger)
	t.Cleanup(stop)

	ts := httptest.NewServer(router)
	t.Cleanup(ts.Close)

	return &testEnv{ts: ts, svc: svc, room: room}
}

// newTestService builds a service over an in-memory store with one room holding users.
func newTestService(t *testing.T, users ...string) (*core.Service, string) {
	t.Helper()

	st, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	disabledLogger := zerolog.Nop()
	svc := core.NewService(st, &disabledLogger)

	ctx := context.Background()
	room, err := svc.CreateRoom(ctx)
	if err != nil {
		t.Fatalf("failed to create room: %v", err)
	}
	for _, u := range users {
		if err := svc.CreateUser(ctx, u); err != nil {
			t.Fatalf("failed to create user %s: %v", u, err)
		}
		if err := svc.AddUserToRoom(ctx, u, room); err != nil {
			t.Fatalf("failed to join %s: %v", u, err)
		}
	}
	return svc, room
}

func defaultTestConfig() config.Config {
	cfg := config.Default()
	cfg.Addr = ":0"
	cfg.ReadHeaderTimeout = time.Second
	return cfg
}

// get issues GET / with the given query and returns status and body.
func (e *testEnv) get(t *testing.T, params map[string]string) (int, string) {
	t.Helper()
	return e.getContext(t, context.Background(), params)
}

func (e *testEnv) getContext(t *testing.T, ctx context.Context, params map[string]string) (int, string) {
	t.Helper()

	q := url.Values{}
	for k, v := range params {
		q.Set(k, v)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.ts.URL+"/?"+q.Encode(), nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}

	resp, err := e.ts.Client().Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, string(body)
}

// waitPolling blocks until userID has a parked receive.
func (e *testEnv) waitPolling(t *testing.T, userID string) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if e.svc.PollPending(userID) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("user %s never started polling", userID)
}
