// Package engine contains the tick scheduler — the single writer that
// advances the simulation.
//
// Everything the simulation does happens inside one serial tick: order
// matching, settlement, price formation, event and news generation,
// surveillance, webhooks and publishing. No two ticks ever overlap; if a
// tick overruns the interval the next slot is skipped, never run
// concurrently. All state mutation flows through this package, which makes
// the per-tick deterministic RNG stream meaningful: replaying a tick with
// the same seed and the same inputs reproduces the same outputs.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"wallstreetsim/internal/broker"
	"wallstreetsim/internal/config"
	"wallstreetsim/internal/match"
	"wallstreetsim/internal/metrics"
	"wallstreetsim/internal/price"
	"wallstreetsim/internal/sec"
	"wallstreetsim/internal/sim"
	"wallstreetsim/internal/store"
	"wallstreetsim/internal/webhook"
	"wallstreetsim/pkg/types"
)

// Store is the relational persistence surface the scheduler writes through.
// Implemented by *store.Store; faked in tests.
type Store interface {
	LoadWorldState() (*types.WorldState, error)
	SaveWorldState(ws *types.WorldState) error

	ListCompanies() ([]types.Company, error)
	UpdateCompanyPrice(c *types.Company) error

	ListAgents() ([]types.Agent, error)
	UpdateAgentStatus(agentID string, status types.AgentStatus, imprisonedUntil int64) error
	UpdateAgentInvestigationStatus(agentID string, status types.AgentInvestigationStatus) error
	UpdateAgentReputation(agentID string, reputation int) error
	SetLastViolationTick(agentID string, tick int64) error
	AdjustAgentCash(agentID string, delta float64) error
	DeductCashIfSufficient(agentID string, amount float64) (bool, error)
	RecordWebhookSuccess(agentID string, avgMs float64, count int64) error
	RecordWebhookFailure(agentID string, errMsg string) error
	ResetWebhookFailures(agentID string) error

	PendingOrders() ([]types.Order, error)
	InsertOrder(o *types.Order) error
	UpdateOrder(o *types.Order) error
	OpenOrdersFor(agentID string) ([]types.Order, error)

	InsertTrades(trades []types.Trade) error
	TradesSince(since int64) ([]types.Trade, error)

	Holding(agentID, symbol string) (*types.Holding, error)
	UpsertHolding(h types.Holding) error
	DeleteHolding(agentID, symbol string) error
	HoldingsFor(agentID string) ([]types.Holding, error)
	AllHoldings() ([]types.Holding, error)

	InsertNews(articles []types.NewsArticle) error
	NewsSince(since int64) ([]types.NewsArticle, error)

	UnresolvedInvestigations() ([]types.Investigation, error)
	InsertInvestigation(inv *types.Investigation) error
	UpdateInvestigation(inv *types.Investigation) error
	InsertViolations(violations []types.Violation) error

	SavePortfolioSnapshots(tick int64, snaps []store.PortfolioSnapshot) error
	SaveWorldSnapshot(tick int64, companies []types.Company, books []types.BookSnapshot) error
}

// Broker is the key/value + pub/sub surface. Implemented by
// *broker.Client; faked in tests.
type Broker interface {
	NextSequence(ctx context.Context) (int64, error)
	Sequence(ctx context.Context) (int64, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	Delete(ctx context.Context, key string) error
	IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error)
	AcquireLock(ctx context.Context, resource string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, resource string) error
	Publish(ctx context.Context, channel, msgType string, payload interface{}) (int64, error)
	PublishRaw(ctx context.Context, channel string, payload interface{}) error
	Subscribe(ctx context.Context, channel string, handler func([]byte))
	PushTickRecord(ctx context.Context, rec types.TickRecord, max int64) error
}

// Dispatcher is the webhook delivery surface. Implemented by
// *webhook.Dispatcher; faked in tests.
type Dispatcher interface {
	Dispatch(ctx context.Context, deliveries []webhook.Delivery) []webhook.Outcome
	Resume(agentID string)
	Close()
}

// engineLock is the broker resource guarding single-writer exclusivity.
const engineLock = "engine"

// Engine is the tick scheduler.
type Engine struct {
	cfg        *config.Config
	store      Store
	broker     Broker
	match      *match.Engine
	price      *price.Engine
	events     *sim.EventGenerator
	news       *sim.NewsGenerator
	detector   *sec.Detector
	lifecycle  *sec.Lifecycle
	dispatcher Dispatcher
	metrics    *metrics.Metrics
	logger     *slog.Logger

	world *types.WorldState
	seed  int64

	// carried to the next tick's webhook payloads
	pendingAlerts  map[string][]types.InvestigationAlert
	pendingResults map[string][]types.ActionResult

	// fractional reputation accumulator; persisted on whole-point change
	repAccum map[string]float64

	// last tick each agent traded, for the reputation recovery bonus
	lastTraded map[string]int64

	// shared with the heartbeat goroutine
	mu             sync.Mutex
	status         types.EngineStatus
	lastTickAt     time.Time
	tickDurations  []float64 // rolling window, ms
	ticksProcessed int64
	startedAt      time.Time

	tickCh chan int64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires a scheduler. The configured seed feeds the per-tick RNG
// stream; zero draws a seed from the clock.
func New(
	cfg *config.Config,
	st Store,
	br Broker,
	dispatcher Dispatcher,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Engine {
	seed := cfg.Tick.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Engine{
		cfg:            cfg,
		store:          st,
		broker:         br,
		match:          match.NewEngine(logger),
		price:          price.NewEngine(cfg.Market, logger),
		events:         sim.NewEventGenerator(cfg.Events, logger),
		news:           sim.NewNewsGenerator(cfg.Events, logger),
		detector:       sec.NewDetector(cfg.SEC, logger),
		lifecycle:      sec.NewLifecycle(cfg.SEC),
		dispatcher:     dispatcher,
		metrics:        m,
		logger:         logger.With("component", "engine"),
		seed:           seed,
		pendingAlerts:  make(map[string][]types.InvestigationAlert),
		pendingResults: make(map[string][]types.ActionResult),
		repAccum:       make(map[string]float64),
		lastTraded:     make(map[string]int64),
		status:         types.EngineInitializing,
		tickCh:         make(chan int64, 1),
	}
}

// TickSignal returns a channel that receives the tick number after each
// completed tick. Best-effort: slow receivers miss signals, never block
// the scheduler.
func (e *Engine) TickSignal() <-chan int64 { return e.tickCh }

// Start boots the engine and launches the scheduler and heartbeat loops.
// It takes the broker engine lock first; a second instance fails fast.
func (e *Engine) Start(ctx context.Context) error {
	ok, err := e.broker.AcquireLock(ctx, engineLock, e.cfg.Heartbeat.TTL)
	if err != nil {
		return fmt.Errorf("engine lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("engine lock: held by another instance")
	}

	if err := e.boot(ctx); err != nil {
		return err
	}

	ctx, e.cancel = context.WithCancel(ctx)
	e.mu.Lock()
	e.status = types.EngineRunning
	e.startedAt = time.Now()
	e.mu.Unlock()

	e.broker.Subscribe(ctx, types.ChanCallbackConfirmed, e.onCallbackConfirmed)

	e.wg.Add(2)
	go e.schedulerLoop(ctx)
	go e.heartbeatLoop(ctx)

	e.logger.Info("engine started",
		"tick", e.world.Tick, "seed", e.seed, "interval", e.cfg.Tick.Interval)
	return nil
}

// Stop halts the loops, publishes a final stopped heartbeat and releases
// the engine lock.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()

	e.mu.Lock()
	e.status = types.EngineStopped
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	e.publishHeartbeat(ctx)
	if err := e.broker.Delete(ctx, broker.KeyHeartbeat); err != nil {
		e.logger.Warn("heartbeat key delete failed", "error", err)
	}
	if err := e.broker.ReleaseLock(ctx, engineLock); err != nil {
		e.logger.Warn("engine lock release failed", "error", err)
	}
	e.logger.Info("engine stopped", "tick", e.world.Tick)
}

// boot loads durable state and seeds every symbol's book with the maker
// ladder plus any resting orders that survived a restart.
func (e *Engine) boot(ctx context.Context) error {
	ws, err := e.store.LoadWorldState()
	if err != nil {
		return fmt.Errorf("boot: %w", err)
	}
	if ws == nil {
		ws = &types.WorldState{Regime: types.RegimeNormal}
		e.logger.Info("fresh world, starting at tick 0")
	}
	e.world = ws

	companies, err := e.store.ListCompanies()
	if err != nil {
		return fmt.Errorf("boot: %w", err)
	}
	if len(companies) == 0 {
		return fmt.Errorf("boot: no companies listed")
	}
	e.price.Load(companies)

	for _, c := range companies {
		e.match.AddSymbol(c.Symbol)
		ladder := match.Ladder(c.Symbol, c.Price, c.Volatility,
			e.cfg.Market.MakerLevels, e.cfg.Market.MakerBaseQty, ws.Tick)
		e.match.SeedLiquidity(ladder)
	}

	agents, err := e.store.ListAgents()
	if err != nil {
		return fmt.Errorf("boot: %w", err)
	}
	for _, a := range agents {
		orders, err := e.store.OpenOrdersFor(a.ID)
		if err != nil {
			return fmt.Errorf("boot: %w", err)
		}
		var resting []*types.Order
		for i := range orders {
			o := orders[i]
			if o.Type == types.OrderLimit && (o.Status == types.OrderOpen || o.Status == types.OrderPartial) {
				resting = append(resting, &o)
			}
		}
		e.match.SeedLiquidity(resting)
	}

	if err := e.broker.Set(ctx, broker.KeyTick, fmt.Sprintf("%d", ws.Tick), 0); err != nil {
		return fmt.Errorf("boot: %w", err)
	}
	e.logger.Info("world loaded", "tick", ws.Tick, "companies", len(companies), "agents", len(agents))
	return nil
}

// schedulerLoop fires ticks at the configured interval. Overruns skip
// slots; ticks never overlap.
func (e *Engine) schedulerLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.Tick.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// drain a slot that fired while the previous tick overran
			select {
			case <-ticker.C:
				e.metrics.TicksSkipped.Inc()
				e.logger.Warn("tick slot skipped, previous tick overran", "tick", e.world.Tick)
			default:
			}
			e.runTick(ctx)
		}
	}
}

// onCallbackConfirmed resumes webhook delivery for an agent the gateway
// reports as reconnected.
func (e *Engine) onCallbackConfirmed(msg []byte) {
	var env struct {
		Payload struct {
			AgentID string `json:"agentId"`
		} `json:"payload"`
	}
	if err := json.Unmarshal(msg, &env); err != nil || env.Payload.AgentID == "" {
		return
	}
	e.dispatcher.Resume(env.Payload.AgentID)
	if err := e.store.ResetWebhookFailures(env.Payload.AgentID); err != nil {
		e.logger.Warn("webhook failure reset failed", "agent", env.Payload.AgentID, "error", err)
	}
}

// rngFor returns the deterministic stream for a tick.
func (e *Engine) rngFor(tick int64) *rand.Rand {
	return rand.New(rand.NewSource(e.seed ^ tick))
}
