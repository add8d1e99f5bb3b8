package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"golang.org/x/crypto/bcrypt"

	"signal-core/internal/events"
	"signal-core/internal/order"
	"signal-core/internal/pipeline"
	"signal-core/internal/signal"
	"signal-core/internal/tracker"
	"signal-core/pkg/db"
	"signal-core/pkg/exchanges/common"
)

const testPassword = "StrongPass123!"

type fakePipeline struct {
	mu       sync.Mutex
	events   []pipeline.Event
	parked   map[string]signal.Signal
	closed   []string
	closeErr error
}

func (f *fakePipeline) Submit(_ context.Context, ev pipeline.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func (f *fakePipeline) Confirm(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.parked[id]; !ok {
		return pipeline.ErrNotParked
	}
	delete(f.parked, id)
	return nil
}

func (f *fakePipeline) Cancel(ctx context.Context, id string) error { return f.Confirm(ctx, id) }

func (f *fakePipeline) Parked(context.Context) ([]signal.Signal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]signal.Signal, 0, len(f.parked))
	for _, s := range f.parked {
		out = append(out, s)
	}
	return out, nil
}

func (f *fakePipeline) EmergencyClose(_ context.Context, instrument string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, instrument)
	return f.closeErr
}

func (f *fakePipeline) ActiveSignals() []tracker.Record {
	return []tracker.Record{{MessageID: "m1", Version: 2, Signal: signal.Signal{Instrument: "BTCUSDT"}}}
}

func (f *fakePipeline) InstrumentCount() int { return 42 }
func (f *fakePipeline) Running() bool        { return true }

type fakeFills struct{}

func (fakeFills) Snapshot() []order.Pending {
	return []order.Pending{{OrderID: "o1", Instrument: common.Instrument{Symbol: "BTCUSDT"}, Size: 0.5}}
}

type testEnv struct {
	ts       *httptest.Server
	db       *db.Database
	bus      *events.Bus
	pipeline *fakePipeline
}

func newTestAPIServer(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("db.New: %v", err)
	}
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("ApplyMigrations: %v", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(testPassword), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}

	env := &testEnv{
		db:  database,
		bus: events.NewBus(),
		pipeline: &fakePipeline{parked: map[string]signal.Signal{
			"m9": {MessageID: "m9", Instrument: "ETHUSDT"},
		}},
	}
	server := NewServer(Deps{
		Bus:      env.bus,
		Store:    database,
		Pipeline: env.pipeline,
		Fills:    fakeFills{},
		Metrics:  http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("ok_metric 1\n")) }),
		Auth:     Auth{JWTSecret: "test-secret", PasswordHash: string(hash)},
		Meta:     SystemMeta{DryRun: true, Venue: "paper", Version: "test"},
	})
	env.ts = httptest.NewServer(server.Router)
	t.Cleanup(func() {
		env.ts.Close()
		_ = database.Close()
	})
	return env
}

func doJSONRequest(t *testing.T, client *http.Client, method, url, token string, payload any, out any) int {
	t.Helper()

	var buf bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&buf).Encode(payload); err != nil {
			t.Fatalf("encode payload: %v", err)
		}
	}

	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return resp.StatusCode
}

func login(t *testing.T, env *testEnv) string {
	t.Helper()
	var loginResp struct {
		Token string `json:"token"`
	}
	status := doJSONRequest(t, env.ts.Client(), http.MethodPost, env.ts.URL+"/api/auth/login", "", map[string]string{
		"password": testPassword,
	}, &loginResp)
	if status != http.StatusOK || loginResp.Token == "" {
		t.Fatalf("login failed status=%d resp=%+v", status, loginResp)
	}
	return loginResp.Token
}

type errorResponse struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	env := newTestAPIServer(t)
	var resp errorResponse
	status := doJSONRequest(t, env.ts.Client(), http.MethodPost, env.ts.URL+"/api/auth/login", "", map[string]string{
		"password": "nope",
	}, &resp)
	if status != http.StatusUnauthorized || resp.Code != "INVALID_CREDENTIALS" {
		t.Fatalf("expected 401 INVALID_CREDENTIALS, got %d %+v", status, resp)
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	env := newTestAPIServer(t)
	tests := []struct {
		name   string
		header string
		code   string
	}{
		{"missing", "", "MISSING_TOKEN"},
		{"malformed", "Token abc", "INVALID_AUTH_HEADER"},
		{"invalid", "Bearer abc.def.ghi", "INVALID_TOKEN"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodGet, env.ts.URL+"/api/preferences", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			resp, err := env.ts.Client().Do(req)
			if err != nil {
				t.Fatalf("do: %v", err)
			}
			defer resp.Body.Close()
			var body errorResponse
			_ = json.NewDecoder(resp.Body).Decode(&body)
			if resp.StatusCode != http.StatusUnauthorized || body.Code != tt.code {
				t.Fatalf("expected 401 %s, got %d %+v", tt.code, resp.StatusCode, body)
			}
		})
	}
}

func TestPreferencesRoundTrip(t *testing.T) {
	env := newTestAPIServer(t)
	client := env.ts.Client()
	token := login(t, env)

	var prefs db.Preferences
	if status := doJSONRequest(t, client, http.MethodGet, env.ts.URL+"/api/preferences", token, nil, &prefs); status != http.StatusOK {
		t.Fatalf("get preferences status=%d", status)
	}
	if prefs != db.DefaultPreferences() {
		t.Fatalf("expected defaults, got %+v", prefs)
	}

	prefs.OrderAmount = 75
	prefs.ConfirmBeforeOrder = true
	var saved db.Preferences
	if status := doJSONRequest(t, client, http.MethodPut, env.ts.URL+"/api/preferences", token, prefs, &saved); status != http.StatusOK {
		t.Fatalf("put preferences status=%d", status)
	}
	got, err := env.db.GetPreferences(context.Background())
	if err != nil {
		t.Fatalf("GetPreferences: %v", err)
	}
	if got.OrderAmount != 75 || !got.ConfirmBeforeOrder {
		t.Fatalf("preferences not persisted: %+v", got)
	}

	prefs.Leverage = 0
	var resp errorResponse
	if status := doJSONRequest(t, client, http.MethodPut, env.ts.URL+"/api/preferences", token, prefs, &resp); status != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid prefs, got %d", status)
	}
	if resp.Code != "INVALID_PREFERENCES" {
		t.Fatalf("unexpected code %s", resp.Code)
	}
}

func TestWhitelistReplace(t *testing.T) {
	env := newTestAPIServer(t)
	token := login(t, env)

	var resp struct {
		Traders []string `json:"traders"`
	}
	status := doJSONRequest(t, env.ts.Client(), http.MethodPut, env.ts.URL+"/api/whitelist", token,
		whitelistRequest{Traders: []string{"bob", " alice ", ""}}, &resp)
	if status != http.StatusOK {
		t.Fatalf("put whitelist status=%d", status)
	}
	if len(resp.Traders) != 2 || resp.Traders[0] != "alice" || resp.Traders[1] != "bob" {
		t.Fatalf("unexpected whitelist %v", resp.Traders)
	}
}

func TestConfirmAndCancel(t *testing.T) {
	env := newTestAPIServer(t)
	client := env.ts.Client()
	token := login(t, env)

	var parked []signal.Signal
	if status := doJSONRequest(t, client, http.MethodGet, env.ts.URL+"/api/signals/parked", token, nil, &parked); status != http.StatusOK || len(parked) != 1 {
		t.Fatalf("parked status=%d list=%+v", status, parked)
	}
	if status := doJSONRequest(t, client, http.MethodPost, env.ts.URL+"/api/signals/m9/confirm", token, nil, nil); status != http.StatusAccepted {
		t.Fatalf("confirm status=%d", status)
	}
	var resp errorResponse
	if status := doJSONRequest(t, client, http.MethodPost, env.ts.URL+"/api/signals/m9/cancel", token, nil, &resp); status != http.StatusNotFound {
		t.Fatalf("expected 404 after confirm, got %d", status)
	}
	if resp.Code != "NOT_PARKED" {
		t.Fatalf("unexpected code %s", resp.Code)
	}
}

func TestChatIngest(t *testing.T) {
	env := newTestAPIServer(t)
	client := env.ts.Client()
	token := login(t, env)

	status := doJSONRequest(t, client, http.MethodPost, env.ts.URL+"/api/chat/messages", token, chatMessageRequest{
		MessageID: "m1",
		ChannelID: "c1",
		Author:    "bob",
		Content:   "LONG SIGNAL - BTC/USDT\nEntry: 100",
	}, nil)
	if status != http.StatusAccepted {
		t.Fatalf("message status=%d", status)
	}
	status = doJSONRequest(t, client, http.MethodPost, env.ts.URL+"/api/chat/edits", token, chatEditRequest{
		MessageID: "m1",
		Content:   "LONG SIGNAL - BTC/USDT\nEntry: 100\nTP1: 110 ✅",
	}, nil)
	if status != http.StatusAccepted {
		t.Fatalf("edit status=%d", status)
	}
	if status := doJSONRequest(t, client, http.MethodPost, env.ts.URL+"/api/chat/messages", token, chatMessageRequest{}, nil); status != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty message, got %d", status)
	}
	if status := doJSONRequest(t, client, http.MethodPost, env.ts.URL+"/api/chat/edits", token, map[string]string{"content": "x"}, nil); status != http.StatusBadRequest {
		t.Fatalf("expected 400 for edit without id, got %d", status)
	}

	env.pipeline.mu.Lock()
	defer env.pipeline.mu.Unlock()
	if len(env.pipeline.events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(env.pipeline.events))
	}
	if ev := env.pipeline.events[0]; ev.Kind != pipeline.KindMessage || ev.Author != "bob" || ev.Time.IsZero() {
		t.Fatalf("unexpected message event %+v", ev)
	}
	if ev := env.pipeline.events[1]; ev.Kind != pipeline.KindEdit || ev.MessageID != "m1" {
		t.Fatalf("unexpected edit event %+v", ev)
	}
}

func TestOrdersAndFills(t *testing.T) {
	env := newTestAPIServer(t)
	client := env.ts.Client()
	token := login(t, env)

	if _, err := env.db.CreateOrder(context.Background(), db.OrderRecord{
		SignalID: "s1", MessageID: "m1", ExchangeOrderID: "1", Instrument: "BTCUSDT",
		Side: "BUY", PositionSide: "LONG", OrderType: "MARKET", Size: 1, Status: "NEW",
	}); err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	req, _ := http.NewRequest(http.MethodGet, env.ts.URL+"/api/orders?limit=5000", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	if got := resp.Header.Get("X-Result-Limit"); got != "500" {
		t.Fatalf("expected limit clamp to 500, got %q", got)
	}
	var orders []db.OrderRecord
	if err := json.NewDecoder(resp.Body).Decode(&orders); err != nil || len(orders) != 1 {
		t.Fatalf("orders=%+v err=%v", orders, err)
	}

	var pending []order.Pending
	if status := doJSONRequest(t, client, http.MethodGet, env.ts.URL+"/api/fills/pending", token, nil, &pending); status != http.StatusOK || len(pending) != 1 {
		t.Fatalf("pending status=%d list=%+v", status, pending)
	}
	var active []tracker.Record
	if status := doJSONRequest(t, client, http.MethodGet, env.ts.URL+"/api/signals/active", token, nil, &active); status != http.StatusOK || len(active) != 1 || active[0].Version != 2 {
		t.Fatalf("active status=%d list=%+v", status, active)
	}
}

func TestEmergencyCloseUppercases(t *testing.T) {
	env := newTestAPIServer(t)
	token := login(t, env)
	if status := doJSONRequest(t, env.ts.Client(), http.MethodPost, env.ts.URL+"/api/positions/btcusdt/close", token, nil, nil); status != http.StatusOK {
		t.Fatalf("close status=%d", status)
	}
	env.pipeline.mu.Lock()
	defer env.pipeline.mu.Unlock()
	if len(env.pipeline.closed) != 1 || env.pipeline.closed[0] != "BTCUSDT" {
		t.Fatalf("unexpected closes %v", env.pipeline.closed)
	}
}

func TestHealthStatusAndMetrics(t *testing.T) {
	env := newTestAPIServer(t)
	client := env.ts.Client()

	var health map[string]string
	if status := doJSONRequest(t, client, http.MethodGet, env.ts.URL+"/health", "", nil, &health); status != http.StatusOK || health["status"] != "ok" {
		t.Fatalf("health status=%d body=%v", status, health)
	}
	var sys map[string]any
	if status := doJSONRequest(t, client, http.MethodGet, env.ts.URL+"/api/system/status", "", nil, &sys); status != http.StatusOK {
		t.Fatalf("system status=%d", status)
	}
	if sys["venue"] != "paper" || sys["instruments"] != float64(42) || sys["pending_fills"] != float64(1) {
		t.Fatalf("unexpected system status %v", sys)
	}

	resp, err := client.Get(env.ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	if !strings.Contains(buf.String(), "ok_metric") {
		t.Fatalf("unexpected metrics body %q", buf.String())
	}
}

func TestWebsocketStreamsOutcomes(t *testing.T) {
	env := newTestAPIServer(t)
	token := login(t, env)

	wsURL := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/ws"
	if _, resp, err := websocket.DefaultDialer.Dial(wsURL, nil); err == nil {
		t.Fatal("expected dial without token to fail")
	} else if resp != nil && resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"?token="+token, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// The subscription lands shortly after the handshake; keep emitting
	// until the client sees one.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				env.bus.Emit(events.Outcome{Kind: events.SignalAccepted, MessageID: "m1"})
			}
		}
	}()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got events.Outcome
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Kind != events.SignalAccepted || got.MessageID != "m1" {
		t.Fatalf("unexpected outcome %+v", got)
	}
}
