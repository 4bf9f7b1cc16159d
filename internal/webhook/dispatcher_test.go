package webhook

import (
	"context"
	"crypto/hmac"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"wallstreetsim/internal/config"
	"wallstreetsim/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testWebhookConfig() config.WebhookConfig {
	return config.WebhookConfig{
		Timeout:          500 * time.Millisecond,
		FailureThreshold: 3,
		PoolSize:         4,
	}
}

func testDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	d, err := New(testWebhookConfig(), testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(d.Close)
	return d
}

func delivery(url, secret string, tick int64) Delivery {
	return Delivery{
		Agent: types.Agent{
			ID:            "agent-1",
			Status:        types.AgentActive,
			CallbackURL:   url,
			WebhookSecret: secret,
		},
		Payload: types.WebhookPayload{Tick: tick, Cash: 1000},
	}
}

func TestDispatchSignsBodyAndParsesActions(t *testing.T) {
	t.Parallel()

	var gotSig string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get(SignatureHeader)
		gotBody, _ = io.ReadAll(r.Body)
		_ = json.NewEncoder(w).Encode(types.WebhookResponse{
			Actions: []types.AgentAction{{Type: types.ActionBuy, Symbol: "ACME", Quantity: 10}},
		})
	}))
	defer srv.Close()

	d := testDispatcher(t)
	outcomes := d.Dispatch(context.Background(), []Delivery{delivery(srv.URL, "topsecret", 5)})

	if len(outcomes) != 1 {
		t.Fatalf("outcomes = %d, want 1", len(outcomes))
	}
	out := outcomes[0]
	if out.Err != nil {
		t.Fatalf("unexpected error: %v", out.Err)
	}
	if !hmac.Equal([]byte(gotSig), []byte(Sign("topsecret", gotBody))) {
		t.Fatalf("signature mismatch: %s", gotSig)
	}

	var payload types.WebhookPayload
	if err := json.Unmarshal(gotBody, &payload); err != nil || payload.Tick != 5 {
		t.Fatalf("body = %s", gotBody)
	}
	if len(out.Actions) != 1 || out.Actions[0].Type != types.ActionBuy {
		t.Fatalf("actions = %+v", out.Actions)
	}
	if out.Count != 1 || out.AvgMs <= 0 {
		t.Fatalf("stats = avg %v count %d", out.AvgMs, out.Count)
	}
}

func TestDispatchEmptyBodyMeansNoActions(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d := testDispatcher(t)
	out := d.Dispatch(context.Background(), []Delivery{delivery(srv.URL, "s", 1)})[0]
	if out.Err != nil || len(out.Actions) != 0 {
		t.Fatalf("outcome = %+v", out)
	}
}

func TestDispatchNon2xxIsFailure(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	d := testDispatcher(t)
	out := d.Dispatch(context.Background(), []Delivery{delivery(srv.URL, "s", 1)})[0]
	if out.Err == nil {
		t.Fatal("want error on 500")
	}
}

func TestDispatchTimeoutIsFailure(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
	}))
	defer srv.Close()

	d := testDispatcher(t)
	start := time.Now()
	out := d.Dispatch(context.Background(), []Delivery{delivery(srv.URL, "s", 1)})[0]
	if out.Err == nil {
		t.Fatal("want timeout error")
	}
	if time.Since(start) > 1500*time.Millisecond {
		t.Fatalf("dispatch blocked past the timeout: %v", time.Since(start))
	}
}

func TestPauseAfterThresholdAndResume(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	d := testDispatcher(t)

	del := delivery(srv.URL, "s", 1)
	del.Agent.WebhookFailures = 2 // this failure is the third strike
	out := d.Dispatch(context.Background(), []Delivery{del})[0]
	if out.Err == nil {
		t.Fatal("want delivery failure")
	}
	if !d.IsPaused(del.Agent.ID) {
		t.Fatal("agent should be paused at the failure threshold")
	}

	// while paused, no request goes out
	out = d.Dispatch(context.Background(), []Delivery{del})[0]
	if !out.Paused {
		t.Fatalf("outcome = %+v, want paused", out)
	}

	d.Resume(del.Agent.ID)
	if d.IsPaused(del.Agent.ID) {
		t.Fatal("agent should deliver again after resume")
	}
}

func TestDispatchSkipsAgentsWithoutCallback(t *testing.T) {
	t.Parallel()
	d := testDispatcher(t)

	del := delivery("", "s", 1)
	outcomes := d.Dispatch(context.Background(), []Delivery{del})
	if len(outcomes) != 0 {
		t.Fatalf("outcomes = %d, want 0", len(outcomes))
	}
}

func TestCumulativeMean(t *testing.T) {
	t.Parallel()
	avg, n := cumulativeMean(0, 0, 10)
	if avg != 10 || n != 1 {
		t.Fatalf("first sample: avg %v n %d", avg, n)
	}
	avg, n = cumulativeMean(avg, n, 20)
	if avg != 15 || n != 2 {
		t.Fatalf("second sample: avg %v n %d", avg, n)
	}
}
