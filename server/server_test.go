package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/onnwee/intent-radar/broadcast"
	"github.com/onnwee/intent-radar/db"
	"github.com/onnwee/intent-radar/intent"
	"github.com/onnwee/intent-radar/monitor"
	"github.com/onnwee/intent-radar/testutil"
)

const streamURL = "https://www.whatnot.com/live/katies-closet"

type testAPI struct {
	handler http.Handler
	deps    Deps
	browser *testutil.FakeBrowser
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	t.Setenv("RATE_LIMIT_ENABLED", "0")
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	fb := &testutil.FakeBrowser{Setup: func(p *testutil.FakePage) {
		p.PushSnapshots(testutil.ChatSnapshot(t, "katie22", "I'll take the blue one", "bob", "nice colors"))
	}}
	store := testutil.SetupTestDB(t)
	hub := broadcast.NewHub()
	t.Cleanup(hub.Close)
	reg := monitor.NewRegistry(monitor.Config{
		OpenPage: func(ctx context.Context) (monitor.Page, error) {
			p, err := fb.Open(ctx)
			if err != nil {
				return nil, err
			}
			return p, nil
		},
		Store:        store,
		Publisher:    hub,
		PollInterval: time.Hour,
		NavBackoff:   time.Millisecond,
	})
	t.Cleanup(func() { _ = reg.StopAll(context.Background()) })

	deps := Deps{Registry: reg, Store: store, Hub: hub}
	return &testAPI{handler: NewMux(ctx, deps), deps: deps, browser: fb}
}

func (a *testAPI) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	a.handler.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rr.Body.String(), err)
	}
	return v
}

func TestHealthEndpoints(t *testing.T) {
	api := newTestAPI(t)

	rr := api.do(t, http.MethodGet, "/health", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("/health = %d", rr.Code)
	}
	if body := decode[map[string]any](t, rr); body["status"] != "ok" || body["activeSessions"] != float64(0) {
		t.Fatalf("/health body = %v", body)
	}
	if rr.Header().Get("X-Correlation-ID") == "" {
		t.Error("expected a correlation id header")
	}

	if rr := api.do(t, http.MethodGet, "/healthz", ""); rr.Code != http.StatusOK || rr.Body.String() != "ok" {
		t.Fatalf("/healthz = %d %q", rr.Code, rr.Body.String())
	}

	rr = api.do(t, http.MethodGet, "/readyz", "")
	if rr.Code != http.StatusOK || decode[map[string]string](t, rr)["status"] != "ready" {
		t.Fatalf("/readyz = %d %s", rr.Code, rr.Body.String())
	}

	if rr := api.do(t, http.MethodGet, "/metrics", ""); rr.Code != http.StatusOK {
		t.Fatalf("/metrics = %d", rr.Code)
	}
}

func TestReadyzDatabaseDown(t *testing.T) {
	api := newTestAPI(t)
	if err := api.deps.Store.DB().Close(); err != nil {
		t.Fatal(err)
	}
	rr := api.do(t, http.MethodGet, "/readyz", "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	if body := decode[map[string]string](t, rr); body["failed_check"] != "database" {
		t.Fatalf("body = %v", body)
	}
}

func TestMonitoringLifecycle(t *testing.T) {
	api := newTestAPI(t)
	ctx := context.Background()

	rr := api.do(t, http.MethodPost, "/api/start-monitoring", fmt.Sprintf(`{"url":%q,"sessionId":"s1"}`, streamURL))
	if rr.Code != http.StatusOK {
		t.Fatalf("start = %d %s", rr.Code, rr.Body.String())
	}
	started := decode[struct {
		Status    string    `json:"status"`
		SessionID string    `json:"sessionId"`
		StreamID  int64     `json:"streamId"`
		Stream    db.Stream `json:"stream"`
	}](t, rr)
	if started.Status != "monitoring" || started.SessionID != "s1" || started.StreamID == 0 || started.Stream.URL != streamURL {
		t.Fatalf("start body = %+v", started)
	}

	sessions := decode[struct {
		Sessions []monitor.Info `json:"sessions"`
	}](t, api.do(t, http.MethodGet, "/api/sessions", ""))
	if len(sessions.Sessions) != 1 || sessions.Sessions[0].SessionID != "s1" {
		t.Fatalf("sessions = %+v", sessions)
	}

	s, ok := api.deps.Registry.Get("s1")
	if !ok {
		t.Fatal("session not registered")
	}
	if _, err := s.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}

	summaryPath := fmt.Sprintf("/api/stream-summary/%d", started.StreamID)
	sum := decode[db.Summary](t, api.do(t, http.MethodGet, summaryPath, ""))
	if len(sum.Intents) != 1 || sum.Intents[0].Username != "katie22" || sum.Stats.TotalMessages != 2 {
		t.Fatalf("summary = %+v", sum)
	}

	rr = api.do(t, http.MethodGet, summaryPath+"?format=csv", "")
	if ct := rr.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/csv") {
		t.Fatalf("content type = %q", ct)
	}
	records, err := csv.NewReader(rr.Body).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 || records[0][1] != "username" || records[1][1] != "katie22" || records[1][8] != "pending" {
		t.Fatalf("csv = %v", records)
	}

	approvePath := fmt.Sprintf("/api/intents/%d/approve", sum.Intents[0].ID)
	rr = api.do(t, http.MethodPost, approvePath, "")
	if rr.Code != http.StatusOK || decode[intent.BuyerIntent](t, rr).Status != intent.StatusApproved {
		t.Fatalf("approve = %d %s", rr.Code, rr.Body.String())
	}
	if rr := api.do(t, http.MethodPost, approvePath, ""); rr.Code != http.StatusConflict {
		t.Fatalf("second approve = %d", rr.Code)
	}

	rr = api.do(t, http.MethodPost, "/api/stop-monitoring", `{"sessionId":"s1"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("stop = %d %s", rr.Code, rr.Body.String())
	}
	if body := decode[map[string]any](t, rr); body["status"] != "stopped" || body["streamId"] != float64(started.StreamID) {
		t.Fatalf("stop body = %v", body)
	}
	if rr := api.do(t, http.MethodPost, "/api/stop-monitoring", `{"sessionId":"s1"}`); rr.Code != http.StatusNotFound {
		t.Fatalf("second stop = %d", rr.Code)
	}

	streams := decode[struct {
		Streams []db.Stream `json:"streams"`
	}](t, api.do(t, http.MethodGet, "/api/streams?limit=5", ""))
	var ended *db.Stream
	for i := range streams.Streams {
		if streams.Streams[i].ID == started.StreamID {
			ended = &streams.Streams[i]
		}
	}
	if ended == nil || ended.Status != db.StreamEnded || ended.TotalIntents != 1 {
		t.Fatalf("streams = %+v", streams)
	}
}

func TestAPIErrors(t *testing.T) {
	api := newTestAPI(t)
	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"start bad json", http.MethodPost, "/api/start-monitoring", `{"url":`, http.StatusBadRequest},
		{"start bad url", http.MethodPost, "/api/start-monitoring", `{"url":"nope","sessionId":"s1"}`, http.StatusBadRequest},
		{"start missing session", http.MethodPost, "/api/start-monitoring", fmt.Sprintf(`{"url":%q}`, streamURL), http.StatusBadRequest},
		{"stop missing session", http.MethodPost, "/api/stop-monitoring", `{}`, http.StatusBadRequest},
		{"stop unknown session", http.MethodPost, "/api/stop-monitoring", `{"sessionId":"ghost"}`, http.StatusNotFound},
		{"summary bad id", http.MethodGet, "/api/stream-summary/abc", "", http.StatusBadRequest},
		{"summary unknown", http.MethodGet, "/api/stream-summary/999", "", http.StatusNotFound},
		{"intent unknown", http.MethodPost, "/api/intents/999/skip", "", http.StatusNotFound},
		{"intent bad action", http.MethodPost, "/api/intents/1/delete", "", http.StatusNotFound},
		{"analyze not configured", http.MethodPost, "/api/analyze-stream", fmt.Sprintf(`{"url":%q}`, streamURL), http.StatusServiceUnavailable},
		{"wrong method", http.MethodGet, "/api/start-monitoring", "", http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := api.do(t, tt.method, tt.path, tt.body)
			if rr.Code != tt.want {
				t.Fatalf("status = %d, want %d (%s)", rr.Code, tt.want, rr.Body.String())
			}
		})
	}
	if len(api.browser.Pages()) != 0 {
		t.Fatal("rejected requests must not open pages")
	}
}

func TestWebSocketEvents(t *testing.T) {
	api := newTestAPI(t)
	srv := httptest.NewServer(api.handler)
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?sessionId=other"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	if err := conn.WriteJSON(map[string]string{"type": "subscribe", "sessionId": "s1"}); err != nil {
		t.Fatal(err)
	}
	var reply map[string]string
	if err := conn.ReadJSON(&reply); err != nil || reply["type"] != "subscribed" || reply["sessionId"] != "s1" {
		t.Fatalf("subscribe reply = %v, %v", reply, err)
	}
	if err := conn.WriteJSON(map[string]string{"type": "ping"}); err != nil {
		t.Fatal(err)
	}
	if err := conn.ReadJSON(&reply); err != nil || reply["type"] != "pong" {
		t.Fatalf("ping reply = %v, %v", reply, err)
	}

	api.deps.Hub.Publish(broadcast.Event{Type: broadcast.DebugStats, SessionID: "other"})
	api.deps.Hub.Publish(broadcast.Event{Type: broadcast.NewMessage, SessionID: "s1", Data: map[string]string{"username": "katie22"}})
	var e broadcast.Event
	if err := conn.ReadJSON(&e); err != nil {
		t.Fatal(err)
	}
	if e.Type != broadcast.NewMessage || e.SessionID != "s1" {
		t.Fatalf("event = %+v", e)
	}
}

func TestSSEEvents(t *testing.T) {
	api := newTestAPI(t)
	srv := httptest.NewServer(api.handler)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/events?sessionId=s1", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	api.deps.Hub.Publish(broadcast.Event{Type: broadcast.BuyerDetected, SessionID: "s1"})

	reader := bufio.NewReader(resp.Body)
	var lines []string
	for len(lines) < 2 {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if line = strings.TrimSpace(line); line != "" && !strings.HasPrefix(line, ":") {
			lines = append(lines, line)
		}
	}
	if lines[0] != "event: buyer_detected" || !strings.HasPrefix(lines[1], "data: ") {
		t.Fatalf("frame = %q", lines)
	}
	var e broadcast.Event
	if err := json.NewDecoder(bytes.NewBufferString(strings.TrimPrefix(lines[1], "data: "))).Decode(&e); err != nil || e.SessionID != "s1" {
		t.Fatalf("data = %+v, %v", e, err)
	}
}

func TestStartAndShutdown(t *testing.T) {
	api := newTestAPI(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Start(ctx, api.handler, "127.0.0.1:0") }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("server returned error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("server did not shut down")
	}
}
