package meterapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Daniele-Cangi/CryoFlux/internal/meter"
)

// stubBudget is a fixed-balance Budget for handler tests.
type stubBudget struct {
	balance float64
	takeErr error
	taken   []float64
}

func (b *stubBudget) Sample() meter.Snapshot {
	return meter.Snapshot{BucketJoules: b.balance, NetWatts: 12.5}
}

func (b *stubBudget) Take(joules float64) error {
	if b.takeErr != nil {
		return b.takeErr
	}
	b.taken = append(b.taken, joules)
	b.balance -= joules
	return nil
}

func newTestServer(t *testing.T, budget Budget, cfg ServerConfig) *httptest.Server {
	t.Helper()
	srv := NewServer(cfg, budget)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func TestHandleSample(t *testing.T) {
	ts := newTestServer(t, &stubBudget{balance: 80.5}, ServerConfig{})

	resp, err := http.Get(ts.URL + "/v1/sample")
	if err != nil {
		t.Fatalf("GET /v1/sample: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var snap meter.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.BucketJoules != 80.5 {
		t.Errorf("bucket = %v, want 80.5", snap.BucketJoules)
	}
	if snap.NetWatts != 12.5 {
		t.Errorf("net watts = %v, want 12.5", snap.NetWatts)
	}
}

func TestHandleSampleRejectsPost(t *testing.T) {
	ts := newTestServer(t, &stubBudget{}, ServerConfig{})

	resp, err := http.Post(ts.URL+"/v1/sample", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /v1/sample: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", resp.StatusCode)
	}
}

func takeJSON(t *testing.T, url string, joules float64) (*http.Response, TakeResponse) {
	t.Helper()
	body := strings.NewReader(`{"joules": ` + strings.TrimSpace(jsonFloat(joules)) + `}`)
	resp, err := http.Post(url+"/v1/take", "application/json", body)
	if err != nil {
		t.Fatalf("POST /v1/take: %v", err)
	}
	defer resp.Body.Close()
	var out TakeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode take response: %v", err)
	}
	return resp, out
}

func jsonFloat(v float64) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func TestHandleTakeSuccess(t *testing.T) {
	budget := &stubBudget{balance: 100}
	ts := newTestServer(t, budget, ServerConfig{})

	resp, out := takeJSON(t, ts.URL, 20)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if !out.OK {
		t.Fatalf("ok = false, want true: %s", out.Error)
	}
	if out.RemainingJ != 80 {
		t.Errorf("remaining = %v, want 80", out.RemainingJ)
	}
	if len(budget.taken) != 1 || budget.taken[0] != 20 {
		t.Errorf("taken = %v, want [20]", budget.taken)
	}
}

func TestHandleTakeInvalidAmount(t *testing.T) {
	ts := newTestServer(t, &stubBudget{takeErr: meter.ErrInvalidWithdrawal}, ServerConfig{})

	resp, out := takeJSON(t, ts.URL, -5)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
	if out.OK {
		t.Error("ok = true for invalid withdrawal")
	}
}

func TestHandleTakeInsufficientReportsInBand(t *testing.T) {
	ts := newTestServer(t, &stubBudget{balance: 10, takeErr: meter.ErrInsufficientBudget}, ServerConfig{})

	resp, out := takeJSON(t, ts.URL, 120)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if out.OK {
		t.Error("ok = true for insufficient budget")
	}
	if out.RemainingJ != 10 {
		t.Errorf("remaining = %v, want 10", out.RemainingJ)
	}
}

func TestHandleTakeRateLimited(t *testing.T) {
	ts := newTestServer(t, &stubBudget{balance: 1000}, ServerConfig{TakeRPS: 0.001, TakeBurst: 1})

	resp, _ := takeJSON(t, ts.URL, 1)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first take status = %d, want 200", resp.StatusCode)
	}

	body := strings.NewReader(`{"joules": 1}`)
	resp2, err := http.Post(ts.URL+"/v1/take", "application/json", body)
	if err != nil {
		t.Fatalf("second POST /v1/take: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusTooManyRequests {
		t.Errorf("second take status = %d, want 429", resp2.StatusCode)
	}
}

func TestHandleHealth(t *testing.T) {
	srv := NewServer(ServerConfig{Version: "1.2.3"}, &stubBudget{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()

	var out HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if out.Status != "ok" || out.Version != "1.2.3" {
		t.Errorf("health = %+v, want ok/1.2.3", out)
	}
}

func TestWatchStreamsSnapshots(t *testing.T) {
	srv := NewServer(ServerConfig{}, &stubBudget{balance: 42})
	srv.watchPeriod = 10 * time.Millisecond
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.broadcastLoop(ctx)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/watch"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial watch: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, message, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	var snap meter.Snapshot
	if err := json.Unmarshal(message, &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.BucketJoules != 42 {
		t.Errorf("bucket = %v, want 42", snap.BucketJoules)
	}
}

func TestClientSampleFailsToZeroBucket(t *testing.T) {
	c := NewClient("http://127.0.0.1:1") // nothing listens here
	snap := c.Sample(context.Background())
	if snap.BucketJoules != 0 {
		t.Errorf("bucket = %v, want 0 on unreachable agent", snap.BucketJoules)
	}
}

func TestClientTakeRoundTrip(t *testing.T) {
	budget := &stubBudget{balance: 50}
	ts := newTestServer(t, budget, ServerConfig{})

	c := NewClient(ts.URL)
	out, err := c.Take(context.Background(), 20)
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	if !out.OK || out.RemainingJ != 30 {
		t.Errorf("take response = %+v, want ok with 30 remaining", out)
	}
}
