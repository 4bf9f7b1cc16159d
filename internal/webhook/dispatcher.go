// Package webhook delivers the per-tick payload to each agent's callback
// URL and collects the actions agents return.
//
// Deliveries fan out over a bounded worker pool; the scheduler blocks until
// every delivery of the tick has succeeded, failed or timed out, so webhook
// latency is capped by the per-request timeout. Each request body is signed
// with the agent's secret (HMAC-SHA256, hex) in the X-WSS-Signature header.
//
// An agent that fails consecutively past the configured threshold is paused:
// the engine skips it until the gateway announces a reconnect on
// channel:agent_callback_confirmed.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/panjf2000/ants/v2"

	"wallstreetsim/internal/config"
	"wallstreetsim/pkg/types"
)

// SignatureHeader carries the HMAC-SHA256 hex digest of the request body.
const SignatureHeader = "X-WSS-Signature"

// Delivery is one agent's payload for the current tick.
type Delivery struct {
	Agent   types.Agent
	Payload types.WebhookPayload
}

// Outcome is the result of one delivery. On success Actions holds the
// agent's returned actions (possibly empty) and AvgMs/Count the updated
// cumulative response-time statistics.
type Outcome struct {
	AgentID    string
	Actions    []types.AgentAction
	Err        error
	DurationMs float64
	AvgMs      float64
	Count      int64
	Paused     bool // delivery skipped, agent is paused
}

// Dispatcher posts tick payloads to agent callbacks.
type Dispatcher struct {
	cfg    config.WebhookConfig
	client *resty.Client
	pool   *ants.Pool
	logger *slog.Logger

	mu     sync.Mutex
	paused map[string]bool
}

// New creates a dispatcher with a bounded delivery pool.
func New(cfg config.WebhookConfig, logger *slog.Logger) (*Dispatcher, error) {
	pool, err := ants.NewPool(cfg.PoolSize, ants.WithNonblocking(false))
	if err != nil {
		return nil, fmt.Errorf("webhook pool: %w", err)
	}
	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetRedirectPolicy(resty.NoRedirectPolicy()).
		SetHeader("Content-Type", "application/json")
	return &Dispatcher{
		cfg:    cfg,
		client: client,
		pool:   pool,
		logger: logger.With("component", "webhook"),
		paused: make(map[string]bool),
	}, nil
}

// Close releases the worker pool.
func (d *Dispatcher) Close() {
	d.pool.Release()
}

// Resume clears the paused flag for an agent after the gateway confirms the
// callback is reachable again.
func (d *Dispatcher) Resume(agentID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.paused[agentID] {
		delete(d.paused, agentID)
		d.logger.Info("webhook delivery resumed", "agent", agentID)
	}
}

// IsPaused reports whether deliveries to the agent are currently skipped.
func (d *Dispatcher) IsPaused(agentID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.paused[agentID]
}

// Dispatch delivers every payload concurrently and blocks until all
// outcomes are in. Agents without a callback URL are skipped silently;
// paused agents yield a Paused outcome without a request.
func (d *Dispatcher) Dispatch(ctx context.Context, deliveries []Delivery) []Outcome {
	outcomes := make([]Outcome, 0, len(deliveries))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, del := range deliveries {
		if del.Agent.CallbackURL == "" {
			continue
		}
		if d.IsPaused(del.Agent.ID) {
			mu.Lock()
			outcomes = append(outcomes, Outcome{AgentID: del.Agent.ID, Paused: true})
			mu.Unlock()
			continue
		}

		del := del
		wg.Add(1)
		err := d.pool.Submit(func() {
			defer wg.Done()
			out := d.deliver(ctx, del)
			mu.Lock()
			outcomes = append(outcomes, out)
			mu.Unlock()
		})
		if err != nil {
			wg.Done()
			mu.Lock()
			outcomes = append(outcomes, Outcome{AgentID: del.Agent.ID, Err: fmt.Errorf("pool submit: %w", err)})
			mu.Unlock()
		}
	}

	wg.Wait()
	return outcomes
}

// deliver posts one payload and parses the agent's response.
func (d *Dispatcher) deliver(ctx context.Context, del Delivery) Outcome {
	out := Outcome{AgentID: del.Agent.ID}

	body, err := json.Marshal(del.Payload)
	if err != nil {
		out.Err = fmt.Errorf("marshal payload: %w", err)
		return out
	}

	req := d.client.R().SetContext(ctx).SetBody(body)
	if del.Agent.WebhookSecret != "" {
		req.SetHeader(SignatureHeader, Sign(del.Agent.WebhookSecret, body))
	}

	start := time.Now()
	resp, err := req.Post(del.Agent.CallbackURL)
	out.DurationMs = float64(time.Since(start).Microseconds()) / 1000.0

	if err != nil {
		out.Err = err
		d.maybePause(del.Agent)
		return out
	}
	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		out.Err = fmt.Errorf("status %d", resp.StatusCode())
		d.maybePause(del.Agent)
		return out
	}

	out.AvgMs, out.Count = cumulativeMean(del.Agent.AvgResponseTimeMs, del.Agent.ResponseCount, out.DurationMs)

	// An empty or non-JSON body is a valid "no actions" response.
	raw := resp.Body()
	if len(raw) > 0 {
		var wr types.WebhookResponse
		if err := json.Unmarshal(raw, &wr); err == nil {
			out.Actions = wr.Actions
		}
	}
	return out
}

// maybePause marks the agent paused once this failure reaches the
// consecutive-failure threshold. The +1 accounts for the failure being
// reported in this outcome, which the store has not recorded yet.
func (d *Dispatcher) maybePause(agent types.Agent) {
	if agent.WebhookFailures+1 < d.cfg.FailureThreshold {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.paused[agent.ID] {
		d.paused[agent.ID] = true
		d.logger.Warn("webhook delivery paused",
			"agent", agent.ID, "failures", agent.WebhookFailures+1)
	}
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// cumulativeMean folds one more sample into a running mean.
func cumulativeMean(avg float64, count int64, sample float64) (float64, int64) {
	n := count + 1
	return avg + (sample-avg)/float64(n), n
}
