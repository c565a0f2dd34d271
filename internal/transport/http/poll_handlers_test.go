package http

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/slimchat/internal/proto"
)

type asyncResult struct {
	status int
	body   string
	err    error
}

// getAsync issues GET / in the background. Safe to use from the test goroutine only.
func (e *testEnv) getAsync(ctx context.Context, params map[string]string) <-chan asyncResult {
	out := make(chan asyncResult, 1)

	q := url.Values{}
	for k, v := range params {
		q.Set(k, v)
	}

	go func() {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.ts.URL+"/?"+q.Encode(), nil)
		if err != nil {
			out <- asyncResult{err: err}
			return
		}
		resp, err := e.ts.Client().Do(req)
		if err != nil {
			out <- asyncResult{err: err}
			return
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		out <- asyncResult{status: resp.StatusCode, body: string(body), err: err}
	}()
	return out
}

func awaitResult(t *testing.T, ch <-chan asyncResult) asyncResult {
	t.Helper()

	select {
	case res := <-ch:
		return res
	case <-time.After(3 * time.Second):
		t.Fatal("request did not complete")
		return asyncResult{}
	}
}

func receiveParams(receiver, room string) map[string]string {
	return map[string]string{"type": proto.RequestReceive, "receiver": receiver, "room": room}
}

func sendParams(sender, room, text string) map[string]string {
	return map[string]string{"type": proto.RequestSend, "sender": sender, "room": room, "data": text}
}

func TestHealth(t *testing.T) {
	env := startTestServer(t, defaultTestConfig())

	resp, err := env.ts.Client().Get(env.ts.URL + "/health")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestReceiveWokenBySend(t *testing.T) {
	env := startTestServer(t, defaultTestConfig(), "alice", "bob")

	pending := env.getAsync(context.Background(), receiveParams("bob", env.room))
	env.waitPolling(t, "bob")

	status, body := env.get(t, sendParams("alice", env.room, "hi <b>bob</b>"))
	if status != http.StatusOK {
		t.Fatalf("send: expected 200, got %d (%s)", status, body)
	}

	res := awaitResult(t, pending)
	if res.err != nil {
		t.Fatalf("receive failed: %v", res.err)
	}
	if res.status != http.StatusOK {
		t.Fatalf("receive: expected 200, got %d (%s)", res.status, res.body)
	}

	var msg proto.Message
	if err := json.Unmarshal([]byte(res.body), &msg); err != nil {
		t.Fatalf("decode message: %v", err)
	}
	if msg.Type != proto.OutboundTypeMessage {
		t.Fatalf("expected type %q, got %q", proto.OutboundTypeMessage, msg.Type)
	}
	if msg.Room != env.room {
		t.Fatalf("expected room %s, got %s", env.room, msg.Room)
	}
	if msg.Data.Sender != "alice" || msg.Data.Message != "hi <b>bob</b>" {
		t.Fatalf("unexpected data: %+v", msg.Data)
	}
	if msg.Data.Datetime <= 0 {
		t.Fatalf("expected datetime to be set, got %d", msg.Data.Datetime)
	}
}

func TestReceiveReturnsQueueBetweenPolls(t *testing.T) {
	env := startTestServer(t, defaultTestConfig(), "alice", "bob")

	first := env.getAsync(context.Background(), receiveParams("bob", env.room))
	env.waitPolling(t, "bob")
	env.get(t, sendParams("alice", env.room, "one"))
	if res := awaitResult(t, first); res.status != http.StatusOK {
		t.Fatalf("first receive: expected 200, got %d", res.status)
	}

	// bob is online but has no outstanding poll.
	env.get(t, sendParams("alice", env.room, "two"))
	env.get(t, sendParams("alice", env.room, "three"))

	status, body := env.get(t, receiveParams("bob", env.room))
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", status, body)
	}

	var queue proto.Queue
	if err := json.Unmarshal([]byte(body), &queue); err != nil {
		t.Fatalf("decode queue: %v", err)
	}
	if queue.Type != proto.OutboundTypeQueue {
		t.Fatalf("expected type %q, got %q", proto.OutboundTypeQueue, queue.Type)
	}
	if len(queue.Data) != 2 {
		t.Fatalf("expected 2 queued messages, got %d", len(queue.Data))
	}
	if queue.Data[0].Message != "two" || queue.Data[1].Message != "three" {
		t.Fatalf("queue out of order: %+v", queue.Data)
	}
	for _, m := range queue.Data {
		if m.Room != env.room || m.Sender != "alice" {
			t.Fatalf("unexpected queued message: %+v", m)
		}
	}
}

func TestSendToOfflineMemberIsOnlyLogged(t *testing.T) {
	env := startTestServer(t, defaultTestConfig(), "alice", "bob")

	status, _ := env.get(t, sendParams("alice", env.room, "anyone?"))
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if n := env.svc.OnlineCount(); n != 0 {
		t.Fatalf("expected nobody online, got %d", n)
	}

	status, body := env.get(t, map[string]string{"type": proto.RequestHistory, "receiver": "bob", "room": env.room})
	if status != http.StatusOK {
		t.Fatalf("history: expected 200, got %d", status)
	}
	if !strings.Contains(body, `"message":"anyone?"`) {
		t.Fatalf("expected message in history, got %q", body)
	}
}

func TestInvalidRequests(t *testing.T) {
	env := startTestServer(t, defaultTestConfig(), "alice", "bob")

	cases := []struct {
		name   string
		params map[string]string
	}{
		{"missing type", map[string]string{}},
		{"unknown type", map[string]string{"type": "dance"}},
		{"send without data", map[string]string{"type": proto.RequestSend, "sender": "alice", "room": env.room}},
		{"receive without room", map[string]string{"type": proto.RequestReceive, "receiver": "alice"}},
		{"history without receiver", map[string]string{"type": proto.RequestHistory, "room": env.room}},
		{"stats without room", map[string]string{"type": proto.RequestStats, "receiver": "alice"}},
		{"roomlock bad flag", map[string]string{"type": proto.RequestRoomLock, "userID": "alice", "room": env.room, "lock": "maybe"}},
		{"empty sender", sendParams("", env.room, "x")},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, body := env.get(t, tc.params)
			if status != http.StatusNotAcceptable {
				t.Fatalf("expected 406, got %d", status)
			}
			if body != proto.BodyInvalidRequest {
				t.Fatalf("expected body %q, got %q", proto.BodyInvalidRequest, body)
			}
		})
	}
}

func TestUnauthorizedRequests(t *testing.T) {
	env := startTestServer(t, defaultTestConfig(), "alice", "bob")
	if err := env.svc.CreateUser(context.Background(), "mallory"); err != nil {
		t.Fatalf("create user: %v", err)
	}

	cases := []struct {
		name   string
		params map[string]string
	}{
		{"send as non-member", sendParams("mallory", env.room, "hey")},
		{"send as unknown user", sendParams("ghost", env.room, "hey")},
		{"send to unknown room", sendParams("alice", "nowhere", "hey")},
		{"receive as non-member", receiveParams("mallory", env.room)},
		{"history as non-member", map[string]string{"type": proto.RequestHistory, "receiver": "mallory", "room": env.room}},
		{"stats as non-member", map[string]string{"type": proto.RequestStats, "receiver": "mallory", "room": env.room}},
		{"unlock never locked", map[string]string{"type": proto.RequestRoomLock, "userID": "alice", "room": env.room, "lock": "false"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, body := env.get(t, tc.params)
			if status != http.StatusNotAcceptable {
				t.Fatalf("expected 406, got %d", status)
			}
			if body != proto.BodyUnauthorized {
				t.Fatalf("expected body %q, got %q", proto.BodyUnauthorized, body)
			}
		})
	}

	if n := env.svc.OnlineCount(); n != 0 {
		t.Fatalf("refused receive must not mark anyone online, got %d", n)
	}
}

func TestRoomLock(t *testing.T) {
	env := startTestServer(t, defaultTestConfig(), "alice", "bob")

	lock := func(user, flag string) (int, string) {
		return env.get(t, map[string]string{"type": proto.RequestRoomLock, "userID": user, "room": env.room, "lock": flag})
	}

	if status, body := lock("alice", "true"); status != http.StatusOK {
		t.Fatalf("lock: expected 200, got %d (%s)", status, body)
	}

	// Traffic is refused while locked; history stays readable.
	if status, _ := env.get(t, sendParams("bob", env.room, "hi")); status != http.StatusNotAcceptable {
		t.Fatalf("send in locked room: expected 406, got %d", status)
	}
	if status, _ := env.get(t, map[string]string{"type": proto.RequestHistory, "receiver": "bob", "room": env.room}); status != http.StatusOK {
		t.Fatalf("history in locked room: expected 200, got %d", status)
	}

	if status, body := lock("bob", "false"); status != http.StatusNotAcceptable || body != proto.BodyUnauthorized {
		t.Fatalf("unlock by non-holder: expected 406 %q, got %d %q", proto.BodyUnauthorized, status, body)
	}
	if status, body := lock("alice", "false"); status != http.StatusOK {
		t.Fatalf("unlock: expected 200, got %d (%s)", status, body)
	}
	if status, _ := env.get(t, sendParams("bob", env.room, "hi")); status != http.StatusOK {
		t.Fatalf("send after unlock: expected 200, got %d", status)
	}
}

func TestRoomLockRefusedForGroupChat(t *testing.T) {
	env := startTestServer(t, defaultTestConfig(), "alice", "bob", "carol")

	for _, flag := range []string{"true", "false"} {
		status, body := env.get(t, map[string]string{"type": proto.RequestRoomLock, "userID": "alice", "room": env.room, "lock": flag})
		if status != http.StatusNotAcceptable {
			t.Fatalf("lock=%s: expected 406, got %d", flag, status)
		}
		if body != proto.BodyGroupChatLock {
			t.Fatalf("lock=%s: expected body %q, got %q", flag, proto.BodyGroupChatLock, body)
		}
	}
}

func TestHistoryIsNDJSON(t *testing.T) {
	env := startTestServer(t, defaultTestConfig(), "alice", "bob")

	status, body := env.get(t, map[string]string{"type": proto.RequestHistory, "receiver": "alice", "room": env.room})
	if status != http.StatusOK || body != "" {
		t.Fatalf("empty history: expected 200 with empty body, got %d %q", status, body)
	}

	env.get(t, sendParams("alice", env.room, "first"))
	env.get(t, sendParams("bob", env.room, "second"))

	resp, err := env.ts.Client().Get(env.ts.URL + "/?type=history&receiver=alice&room=" + url.QueryEscape(env.room))
	if err != nil {
		t.Fatalf("history request failed: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/x-ndjson") {
		t.Fatalf("unexpected content type %q", ct)
	}

	var lines []proto.MessageData
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		var line proto.MessageData
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			t.Fatalf("decode line %q: %v", scanner.Text(), err)
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("scan history: %v", err)
	}

	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	if lines[0].Sender != "alice" || lines[0].Message != "first" {
		t.Fatalf("unexpected first line: %+v", lines[0])
	}
	if lines[1].Sender != "bob" || lines[1].Message != "second" {
		t.Fatalf("unexpected second line: %+v", lines[1])
	}
}

func TestStatsReportsPresence(t *testing.T) {
	env := startTestServer(t, defaultTestConfig(), "alice", "bob", "carol")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pending := env.getAsync(ctx, receiveParams("bob", env.room))
	env.waitPolling(t, "bob")

	status, body := env.get(t, map[string]string{"type": proto.RequestStats, "receiver": "alice", "room": env.room})
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", status, body)
	}

	var stats map[string]any
	if err := json.Unmarshal([]byte(body), &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if _, ok := stats["alice"]; ok {
		t.Fatal("stats must not include the caller")
	}
	if stats["bob"] != "now" {
		t.Fatalf("expected bob to be online, got %v", stats["bob"])
	}
	if _, ok := stats["carol"].(float64); !ok {
		t.Fatalf("expected a last-seen timestamp for carol, got %v", stats["carol"])
	}

	cancel()
	<-pending
}

func TestDisconnectMarksOffline(t *testing.T) {
	env := startTestServer(t, defaultTestConfig(), "alice", "bob")

	ctx, cancel := context.WithCancel(context.Background())
	pending := env.getAsync(ctx, receiveParams("bob", env.room))
	env.waitPolling(t, "bob")

	cancel()
	if res := awaitResult(t, pending); res.err == nil {
		t.Fatalf("expected client error after cancel, got status %d", res.status)
	}

	deadline := time.Now().Add(2 * time.Second)
	for env.svc.OnlineCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("bob is still online after disconnecting")
		}
		time.Sleep(10 * time.Millisecond)
	}

	status, body := env.get(t, map[string]string{"type": proto.RequestStats, "receiver": "alice", "room": env.room})
	if status != http.StatusOK {
		t.Fatalf("stats: expected 200, got %d", status)
	}
	var stats map[string]any
	if err := json.Unmarshal([]byte(body), &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if _, ok := stats["bob"].(float64); !ok {
		t.Fatalf("expected last-seen timestamp for bob, got %v", stats["bob"])
	}
}

func TestReceiveTimeout(t *testing.T) {
	cfg := defaultTestConfig()
	cfg.PollTimeout = 50 * time.Millisecond
	env := startTestServer(t, cfg, "alice", "bob")

	status, body := env.get(t, receiveParams("bob", env.room))
	if status != http.StatusRequestTimeout {
		t.Fatalf("expected 408, got %d", status)
	}
	if body != proto.BodyTimeout {
		t.Fatalf("expected body %q, got %q", proto.BodyTimeout, body)
	}
	if n := env.svc.OnlineCount(); n != 0 {
		t.Fatalf("timed out receiver must go offline, got %d online", n)
	}

	// Sent while bob was between polls: logged, never queued for him.
	if status, _ := env.get(t, sendParams("alice", env.room, "missed")); status != http.StatusOK {
		t.Fatalf("send: expected 200, got %d", status)
	}
	if status, _ := env.get(t, receiveParams("bob", env.room)); status != http.StatusRequestTimeout {
		t.Fatalf("next receive: expected 408 with nothing queued, got %d", status)
	}
	_, history := env.get(t, map[string]string{"type": proto.RequestHistory, "receiver": "bob", "room": env.room})
	if !strings.Contains(history, `"message":"missed"`) {
		t.Fatalf("expected missed message in history, got %q", history)
	}
}

func TestSecondPollSupersedesFirst(t *testing.T) {
	env := startTestServer(t, defaultTestConfig(), "alice", "bob")

	first := env.getAsync(context.Background(), receiveParams("bob", env.room))
	env.waitPolling(t, "bob")

	second := env.getAsync(context.Background(), receiveParams("bob", env.room))

	res := awaitResult(t, first)
	if res.status != http.StatusConflict {
		t.Fatalf("first poll: expected 409, got %d (%s)", res.status, res.body)
	}
	if res.body != proto.BodySuperseded {
		t.Fatalf("first poll: expected body %q, got %q", proto.BodySuperseded, res.body)
	}

	env.waitPolling(t, "bob")
	env.get(t, sendParams("alice", env.room, "for the new poll"))

	res = awaitResult(t, second)
	if res.status != http.StatusOK {
		t.Fatalf("second poll: expected 200, got %d", res.status)
	}
	if !strings.Contains(res.body, "for the new poll") {
		t.Fatalf("second poll got unexpected body %q", res.body)
	}
}

func TestSendRateLimit(t *testing.T) {
	cfg := defaultTestConfig()
	cfg.SendRateLimit = 2
	env := startTestServer(t, cfg, "alice", "bob")

	for i := 0; i < 2; i++ {
		if status, _ := env.get(t, sendParams("alice", env.room, "ok")); status != http.StatusOK {
			t.Fatalf("send %d: expected 200, got %d", i, status)
		}
	}

	status, body := env.get(t, sendParams("alice", env.room, "too many"))
	if status != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", status)
	}
	if body != proto.BodyRateLimited {
		t.Fatalf("expected body %q, got %q", proto.BodyRateLimited, body)
	}

	// Limits are per sender.
	if status, _ := env.get(t, sendParams("bob", env.room, "still fine")); status != http.StatusOK {
		t.Fatalf("bob: expected 200, got %d", status)
	}
}

func TestCORSHeaders(t *testing.T) {
	env := startTestServer(t, defaultTestConfig(), "alice", "bob")

	req, err := http.NewRequest(http.MethodOptions, env.ts.URL+"/", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := env.ts.Client().Do(req)
	if err != nil {
		t.Fatalf("preflight failed: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("expected wildcard origin, got %q", got)
	}
}

func TestRequestIDHeader(t *testing.T) {
	env := startTestServer(t, defaultTestConfig())

	resp, err := env.ts.Client().Get(env.ts.URL + "/health")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.Header.Get(HeaderRequestID) == "" {
		t.Fatal("expected a generated request id")
	}

	req, err := http.NewRequest(http.MethodGet, env.ts.URL+"/health", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set(HeaderRequestID, "abc-123")
	resp, err = env.ts.Client().Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get(HeaderRequestID); got != "abc-123" {
		t.Fatalf("expected caller request id to be echoed, got %q", got)
	}
}

func TestShutdownReleasesParkedReceive(t *testing.T) {
	svc, room := newTestService(t, "alice", "bob")

	cfg := defaultTestConfig()
	disabledLogger := zerolog.Nop()
	srv := NewServer(svc, &cfg, &disabledLogger)

	ts := httptest.NewUnstartedServer(srv.Handler)
	ts.Config = srv
	ts.Start()
	t.Cleanup(ts.Close)

	env := &testEnv{ts: ts, svc: svc, room: room}
	pending := env.getAsync(context.Background(), receiveParams("bob", room))
	env.waitPolling(t, "bob")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown did not complete: %v", err)
	}

	res := awaitResult(t, pending)
	if res.err != nil {
		t.Fatalf("receive failed: %v", res.err)
	}
	if res.status != http.StatusServiceUnavailable || res.body != proto.BodyShuttingDown {
		t.Fatalf("expected 503 %q, got %d %q", proto.BodyShuttingDown, res.status, res.body)
	}

	if err := svc.WaitReceives(ctx); err != nil {
		t.Fatalf("receives did not drain: %v", err)
	}
	if n := svc.OnlineCount(); n != 0 {
		t.Fatalf("bob should be offline after shutdown, got %d online", n)
	}
}
