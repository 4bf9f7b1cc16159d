// tick.go runs one tick as a fixed pipeline of phases.
//
// The phase order is frozen: every durable write of a phase lands before
// the publish phase runs, so subscribers never observe a message about
// state that is not yet queryable. A failed phase aborts the tick and
// marks the engine status error (the heartbeat keeps publishing); writes
// that already landed stand, and the next scheduled tick retries from the
// durable state and clears the error.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"wallstreetsim/internal/broker"
	"wallstreetsim/internal/match"
	"wallstreetsim/internal/sec"
	"wallstreetsim/internal/sim"
	"wallstreetsim/internal/store"
	"wallstreetsim/internal/webhook"
	"wallstreetsim/pkg/types"
)

// leaderboardBaseline is the broker key holding the net-worth snapshot the
// change24h column is computed against. Rewritten once per session cycle.
const leaderboardBaseline = "leaderboard:baseline"

// tickState accumulates everything one tick produces.
type tickState struct {
	ctx   context.Context
	start time.Time
	tick  int64
	rng   *rand.Rand

	seqStart int64

	agents   []types.Agent
	agentIdx map[string]*types.Agent

	events       []types.MarketEvent
	trades       []types.Trade
	updates      []types.PriceUpdate
	news         []types.NewsArticle
	orderUpdates []types.Order
}

func (st *tickState) agent(id string) *types.Agent { return st.agentIdx[id] }

// runTick executes the full phase pipeline for the next tick.
func (e *Engine) runTick(ctx context.Context) {
	st := &tickState{
		ctx:      ctx,
		start:    time.Now(),
		agentIdx: make(map[string]*types.Agent),
	}

	phases := []struct {
		name string
		fn   func(*tickState) error
	}{
		{"advance_tick", e.phaseAdvanceTick},
		{"market_session", e.phaseMarketSession},
		{"load_agents", e.phaseLoadAgents},
		{"release_prisoners", e.phaseReleasePrisoners},
		{"reputation", e.phaseReputation},
		{"generate_events", e.phaseGenerateEvents},
		{"match_orders", e.phaseMatchOrders},
		{"settle_trades", e.phaseSettleTrades},
		{"feed_sentiment", e.phaseFeedSentiment},
		{"step_prices", e.phaseStepPrices},
		{"review_regime", e.phaseReviewRegime},
		{"persist_prices", e.phasePersistPrices},
		{"persist_world", e.phasePersistWorld},
		{"checkpoints", e.phaseCheckpoints},
		{"generate_news", e.phaseGenerateNews},
		{"publish", e.phasePublish},
		{"webhooks", e.phaseWebhooks},
		{"surveillance", e.phaseSurveillance},
		{"finalize", e.phaseFinalize},
		{"leaderboard", e.phaseLeaderboard},
	}

	for _, ph := range phases {
		if err := ph.fn(st); err != nil {
			e.metrics.PhaseFailures.WithLabelValues(ph.name).Inc()
			e.logger.Error("tick aborted", "tick", st.tick, "phase", ph.name, "error", err)
			e.mu.Lock()
			e.status = types.EngineError
			e.mu.Unlock()
			return
		}
	}
	e.completeTick(st)
}

// completeTick records timing for a fully successful tick, recovers the
// engine from a prior error, and emits the in-process signal.
func (e *Engine) completeTick(st *tickState) {
	elapsed := time.Since(st.start)
	e.mu.Lock()
	if e.status == types.EngineError {
		e.status = types.EngineRunning
	}
	e.lastTickAt = time.Now()
	e.tickDurations = append(e.tickDurations, float64(elapsed.Microseconds())/1000.0)
	if len(e.tickDurations) > 100 {
		e.tickDurations = e.tickDurations[1:]
	}
	e.ticksProcessed++
	e.mu.Unlock()

	e.metrics.TickDuration.Observe(elapsed.Seconds())
	e.metrics.TicksProcessed.Inc()

	select {
	case e.tickCh <- st.tick:
	default:
	}
}

// phaseAdvanceTick increments the world tick, opens the deterministic RNG
// stream for it and reads the sequence watermark s_start.
func (e *Engine) phaseAdvanceTick(st *tickState) error {
	e.world.Tick++
	st.tick = e.world.Tick
	st.rng = e.rngFor(st.tick)
	e.match.SetTick(st.tick)

	seq, err := e.broker.Sequence(st.ctx)
	if err != nil {
		return fmt.Errorf("sequence watermark: %w", err)
	}
	st.seqStart = seq
	return nil
}

// phaseMarketSession derives the open/closed state from the tick position
// within the session cycle and records a MARKET_STATUS event on change.
func (e *Engine) phaseMarketSession(st *tickState) error {
	cycle := e.cfg.Market.CloseTick + e.cfg.Market.AfterHoursTicks
	pos := st.tick % cycle
	open := pos >= e.cfg.Market.OpenTick && pos < e.cfg.Market.CloseTick
	if open == e.world.MarketOpen {
		return nil
	}

	e.world.MarketOpen = open
	headline := "Market closed for the session"
	if open {
		e.price.ResetSession()
		headline = "Market open for trading"
	}
	st.events = append(st.events, types.MarketEvent{
		ID:       uuid.NewString(),
		Type:     types.EventMarketStatus,
		Duration: 1,
		Tick:     st.tick,
		Headline: headline,
	})
	e.logger.Info("market session change", "tick", st.tick, "open", open)
	return nil
}

func (e *Engine) phaseLoadAgents(st *tickState) error {
	agents, err := e.store.ListAgents()
	if err != nil {
		return err
	}
	st.agents = agents
	for i := range st.agents {
		st.agentIdx[st.agents[i].ID] = &st.agents[i]
	}
	return nil
}

// phaseReleasePrisoners returns agents whose sentence has elapsed to
// active status.
func (e *Engine) phaseReleasePrisoners(st *tickState) error {
	for i := range st.agents {
		a := &st.agents[i]
		if a.Status != types.AgentImprisoned || a.ImprisonedUntil == 0 || st.tick < a.ImprisonedUntil {
			continue
		}
		if err := e.store.UpdateAgentStatus(a.ID, types.AgentActive, 0); err != nil {
			return err
		}
		a.Status = types.AgentActive
		a.ImprisonedUntil = 0
		e.logger.Info("agent released", "agent", a.ID, "tick", st.tick)
	}
	return nil
}

// phaseReputation decays reputation toward the baseline of 50.
//
// Above baseline it erodes proportionally to the distance, faster while
// under investigation (×2) or charged/convicted (×3). Below baseline it
// drifts back up slowly. Recent trading adds a bounded per-tick bonus to
// agents near or below the baseline; a violation-free 100-tick streak pays
// a bonus on every hundredth tick. Fractions accumulate in memory and
// persist on each whole-point change.
func (e *Engine) phaseReputation(st *tickState) error {
	const (
		baseline         = 50.0
		nearBaseline     = baseline + 10
		tradeBonus       = 0.005
		cleanStreakTicks = 100
		cleanStreakBonus = 0.2
	)
	for i := range st.agents {
		a := &st.agents[i]
		if a.ID == match.MakerAgentID {
			continue
		}

		rep := float64(a.Reputation)
		var delta float64
		switch {
		case rep > baseline:
			d := 0.001 * (rep - baseline)
			switch a.InvestigationStatus {
			case types.InvUnder:
				d *= 2
			case types.InvCharged, types.InvConvicted:
				d *= 3
			}
			delta = -d
		case rep < baseline:
			delta = 0.0005 * (baseline - rep)
		}

		if last, ok := e.lastTraded[a.ID]; ok && st.tick-last <= e.cfg.Tick.RecentTradeTicks && rep <= nearBaseline {
			delta += tradeBonus
		}
		if st.tick%cleanStreakTicks == 0 &&
			(a.LastViolationTick == 0 || st.tick-a.LastViolationTick >= cleanStreakTicks) &&
			a.InvestigationStatus == types.InvNone {
			delta += cleanStreakBonus
		}

		e.repAccum[a.ID] += delta
		acc := e.repAccum[a.ID]
		if acc < 1 && acc > -1 {
			continue
		}
		step := int(acc)
		e.repAccum[a.ID] = acc - float64(step)
		next := clampInt(a.Reputation+step, 0, 100)
		if next == a.Reputation {
			continue
		}
		a.Reputation = next
		if err := e.store.UpdateAgentReputation(a.ID, next); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) phaseGenerateEvents(st *tickState) error {
	if !e.world.MarketOpen {
		return nil
	}
	for _, ev := range e.events.Generate(st.tick, e.price.Companies(), st.rng) {
		e.price.AddEvent(ev)
		st.events = append(st.events, ev)
	}
	return nil
}

// phaseMatchOrders drains the pending-order queue in submission order
// through the matching engine. Orders for suspended symbols stay pending;
// orders from non-active agents are rejected.
func (e *Engine) phaseMatchOrders(st *tickState) error {
	if !e.world.MarketOpen {
		return nil
	}
	orders, err := e.store.PendingOrders()
	if err != nil {
		return err
	}

	var firstErr error
	for i := range orders {
		o := &orders[i]

		agent := st.agent(o.AgentID)
		if agent == nil || agent.Status != types.AgentActive {
			o.Status = types.OrderRejected
			if err := e.store.UpdateOrder(o); err != nil && firstErr == nil {
				firstErr = err
			}
			st.orderUpdates = append(st.orderUpdates, *o)
			continue
		}

		c := e.price.Company(o.Symbol)
		if c == nil || c.TradingStatus != types.TradingActive {
			o.Status = types.OrderRejected
			if err := e.store.UpdateOrder(o); err != nil && firstErr == nil {
				firstErr = err
			}
			st.orderUpdates = append(st.orderUpdates, *o)
			continue
		}

		res := e.match.Submit(o)
		e.metrics.OrdersMatched.Inc()

		if err := e.store.UpdateOrder(o); err != nil && firstErr == nil {
			firstErr = err
		}
		st.orderUpdates = append(st.orderUpdates, *o)

		for _, touch := range res.Resting {
			ro := touch.Order
			prevQty := ro.FilledQty - touch.FilledQty
			ro.AvgFillPrice = (ro.AvgFillPrice*prevQty + touch.AvgPrice*touch.FilledQty) / ro.FilledQty
			if ro.Remaining() <= 0 {
				ro.Status = types.OrderFilled
				ro.TickFilled = st.tick
			} else {
				ro.Status = types.OrderPartial
			}
			if err := e.store.UpdateOrder(ro); err != nil && firstErr == nil {
				firstErr = err
			}
			st.orderUpdates = append(st.orderUpdates, *ro)
		}

		st.trades = append(st.trades, res.Fills...)
	}
	return firstErr
}

// phaseSettleTrades moves cash and positions for every fill and persists
// the trades.
func (e *Engine) phaseSettleTrades(st *tickState) error {
	for _, t := range st.trades {
		value := t.Price * t.Quantity

		if err := e.store.AdjustAgentCash(t.BuyerAgentID, -value); err != nil {
			return err
		}
		if err := e.applyFill(t.BuyerAgentID, t.Symbol, t.Quantity, t.Price); err != nil {
			return err
		}
		if err := e.store.AdjustAgentCash(t.SellerAgentID, value); err != nil {
			return err
		}
		if err := e.applyFill(t.SellerAgentID, t.Symbol, -t.Quantity, t.Price); err != nil {
			return err
		}

		if a := st.agent(t.BuyerAgentID); a != nil {
			a.Cash -= value
		}
		if a := st.agent(t.SellerAgentID); a != nil {
			a.Cash += value
		}
		e.lastTraded[t.BuyerAgentID] = st.tick
		e.lastTraded[t.SellerAgentID] = st.tick
		e.metrics.TradesExecuted.Inc()
	}
	return e.store.InsertTrades(st.trades)
}

// applyFill folds one signed fill into an (agent, symbol) position.
// Same-direction adds average the cost basis; reductions keep it; a fill
// that crosses through zero opens the residual at the trade price.
func (e *Engine) applyFill(agentID, symbol string, signedQty, price float64) error {
	h, err := e.store.Holding(agentID, symbol)
	if err != nil {
		return err
	}
	var cur, cost float64
	if h != nil {
		cur, cost = h.Quantity, h.AvgCost
	}

	newQty := cur + signedQty
	switch {
	case newQty == 0:
		return e.store.DeleteHolding(agentID, symbol)
	case cur == 0 || (cur > 0) == (signedQty > 0):
		newCost := (math.Abs(cur)*cost + math.Abs(signedQty)*price) / math.Abs(newQty)
		return e.store.UpsertHolding(types.Holding{AgentID: agentID, Symbol: symbol, Quantity: newQty, AvgCost: newCost})
	case (newQty > 0) == (cur > 0):
		return e.store.UpsertHolding(types.Holding{AgentID: agentID, Symbol: symbol, Quantity: newQty, AvgCost: cost})
	default:
		return e.store.UpsertHolding(types.Holding{AgentID: agentID, Symbol: symbol, Quantity: newQty, AvgCost: price})
	}
}

// phaseFeedSentiment aggregates recent news sentiment per symbol into the
// price engine.
func (e *Engine) phaseFeedSentiment(st *tickState) error {
	articles, err := e.store.NewsSince(st.tick - e.cfg.Tick.NewsLookbackTicks)
	if err != nil {
		return err
	}
	sums := make(map[string]float64)
	counts := make(map[string]int)
	for _, a := range articles {
		for _, sym := range a.Symbols {
			sums[sym] += a.Sentiment
			counts[sym]++
		}
	}
	for sym, sum := range sums {
		e.price.SetSentiment(sym, sum/float64(counts[sym]))
	}
	return nil
}

func (e *Engine) phaseStepPrices(st *tickState) error {
	if !e.world.MarketOpen {
		return nil
	}
	st.updates = e.price.Step(st.tick, st.trades, st.rng)
	return nil
}

// phaseReviewRegime re-derives the market regime from momentum, breadth
// and active black swans every RegimeReview ticks.
func (e *Engine) phaseReviewRegime(st *tickState) error {
	if st.tick%e.cfg.Market.RegimeReview != 0 {
		return nil
	}

	next := types.RegimeNormal
	if e.price.HasActiveBlackSwan(st.tick) {
		next = types.RegimeCrash
	} else {
		companies := e.price.Companies()
		var avgMomentum float64
		for _, c := range companies {
			avgMomentum += c.Momentum
		}
		if len(companies) > 0 {
			avgMomentum /= float64(len(companies))
		}

		up := 0
		for _, u := range st.updates {
			if u.ChangePercent > 0 {
				up++
			}
		}
		breadth := 0.5
		if len(st.updates) > 0 {
			breadth = float64(up) / float64(len(st.updates))
		}

		switch {
		case avgMomentum > 0.005 && breadth > 0.8:
			next = types.RegimeBubble
		case avgMomentum > 0.001:
			next = types.RegimeBull
		case avgMomentum < -0.001:
			next = types.RegimeBear
		}
	}

	if next != e.world.Regime {
		e.logger.Info("regime change", "tick", st.tick, "from", e.world.Regime, "to", next)
		e.world.Regime = next
	}
	return nil
}

// phasePersistPrices writes the price-engine side effects to the store and
// mirrors the latest price per symbol into the broker.
func (e *Engine) phasePersistPrices(st *tickState) error {
	var firstErr error
	for _, u := range st.updates {
		c := e.price.Company(u.Symbol)
		if c == nil {
			continue
		}
		if err := e.store.UpdateCompanyPrice(c); err != nil && firstErr == nil {
			firstErr = err
		}
		val := strconv.FormatFloat(c.Price, 'f', 2, 64)
		if err := e.broker.Set(st.ctx, broker.PriceKey(c.Symbol), val, 0); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (e *Engine) phasePersistWorld(st *tickState) error {
	e.world.LastTickAt = time.Now().UTC()
	if err := e.store.SaveWorldState(e.world); err != nil {
		return err
	}
	return e.broker.Set(st.ctx, broker.KeyTick, strconv.FormatInt(st.tick, 10), 0)
}

// phaseCheckpoints writes the periodic portfolio and world snapshots.
func (e *Engine) phaseCheckpoints(st *tickState) error {
	if st.tick%e.cfg.Tick.PortfolioSnapshot == 0 {
		holdings, err := e.store.AllHoldings()
		if err != nil {
			return err
		}
		byAgent := make(map[string][]types.Holding)
		for _, h := range holdings {
			byAgent[h.AgentID] = append(byAgent[h.AgentID], h)
		}

		snaps := make([]store.PortfolioSnapshot, 0, len(st.agents))
		for _, a := range st.agents {
			if a.ID == match.MakerAgentID {
				continue
			}
			snaps = append(snaps, store.PortfolioSnapshot{
				AgentID:   a.ID,
				Cash:      a.Cash,
				NetWorth:  a.Cash + e.markValue(byAgent[a.ID]),
				Positions: byAgent[a.ID],
			})
		}
		if err := e.store.SavePortfolioSnapshots(st.tick, snaps); err != nil {
			return err
		}
	}

	if st.tick%e.cfg.Tick.WorldSnapshot == 0 {
		companies := e.price.Companies()
		comps := make([]types.Company, 0, len(companies))
		for _, c := range companies {
			comps = append(comps, *c)
		}
		books := make([]types.BookSnapshot, 0, len(companies))
		for _, c := range companies {
			if b := e.match.Book(c.Symbol); b != nil {
				books = append(books, b.Snapshot())
			}
		}
		if err := e.store.SaveWorldSnapshot(st.tick, comps, books); err != nil {
			return err
		}
	}
	return nil
}

// markValue marks holdings at current prices.
func (e *Engine) markValue(holdings []types.Holding) float64 {
	var v float64
	for _, h := range holdings {
		if c := e.price.Company(h.Symbol); c != nil {
			v += h.Quantity * c.Price
		}
	}
	return v
}

func (e *Engine) phaseGenerateNews(st *tickState) error {
	articles := e.news.Generate(st.tick, st.events, st.trades, st.updates, st.rng)
	if len(articles) == 0 {
		return nil
	}
	if err := e.store.InsertNews(articles); err != nil {
		return err
	}
	st.news = append(st.news, articles...)
	return nil
}

// phasePublish emits the tick's messages in frozen order: the tick update
// first, then prices, trades, news, and per-agent order updates.
func (e *Engine) phasePublish(st *tickState) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)

	var firstErr error
	publish := func(channel, msgType string, payload interface{}) {
		if _, err := e.broker.Publish(st.ctx, channel, msgType, payload); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return
		}
		e.metrics.MessagesPublished.Inc()
	}

	publish(types.ChanTickUpdates, types.MsgTickUpdate, types.TickUpdate{
		Tick:         st.tick,
		Timestamp:    now,
		MarketOpen:   e.world.MarketOpen,
		Regime:       e.world.Regime,
		PriceUpdates: st.updates,
		Trades:       st.trades,
		Events:       st.events,
		News:         st.news,
	})

	if len(st.updates) > 0 {
		publish(types.ChanPrices, types.MsgPriceUpdate, types.PriceBatch{Tick: st.tick, Prices: st.updates})
	}
	for _, u := range st.updates {
		publish(types.MarketChannel(u.Symbol), types.MsgMarketUpdate, u)
	}
	if len(st.trades) > 0 {
		publish(types.ChanTrades, types.MsgTrade, types.TradeBatch{Tick: st.tick, Trades: st.trades})
	}
	for _, t := range st.trades {
		publish(types.MarketChannel(t.Symbol), types.MsgTrade, t)
	}
	for _, a := range st.news {
		publish(types.ChanNews, types.MsgNews, a)
	}
	for _, o := range st.orderUpdates {
		if o.AgentID == match.MakerAgentID {
			continue
		}
		msgType := types.MsgOrderUpdate
		if o.Status == types.OrderFilled {
			msgType = types.MsgOrderFilled
		}
		publish(types.AgentChannel(o.AgentID), msgType, o)
	}
	return firstErr
}

// phaseWebhooks delivers the tick payload to every active agent and feeds
// returned actions through the action processor. The previous tick's alerts
// and action results are drained for every agent, deliverable or not, so
// undeliverable agents cannot accumulate them without bound.
func (e *Engine) phaseWebhooks(st *tickState) error {
	alerts := e.pendingAlerts
	results := e.pendingResults
	e.pendingAlerts = make(map[string][]types.InvestigationAlert)
	e.pendingResults = make(map[string][]types.ActionResult)

	fillsByAgent := make(map[string][]types.Trade)
	for _, t := range st.trades {
		fillsByAgent[t.BuyerAgentID] = append(fillsByAgent[t.BuyerAgentID], t)
		if t.SellerAgentID != t.BuyerAgentID {
			fillsByAgent[t.SellerAgentID] = append(fillsByAgent[t.SellerAgentID], t)
		}
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	var deliveries []webhook.Delivery
	for i := range st.agents {
		a := st.agents[i]
		if a.Status != types.AgentActive || a.ID == match.MakerAgentID || a.CallbackURL == "" {
			continue
		}
		holdings, err := e.store.HoldingsFor(a.ID)
		if err != nil {
			return err
		}
		orders, err := e.store.OpenOrdersFor(a.ID)
		if err != nil {
			return err
		}

		payload := types.WebhookPayload{
			Tick:          st.tick,
			Timestamp:     now,
			MarketOpen:    e.world.MarketOpen,
			Regime:        e.world.Regime,
			Prices:        st.updates,
			Fills:         fillsByAgent[a.ID],
			Orders:        orders,
			Holdings:      holdings,
			Cash:          a.Cash,
			Alerts:        alerts[a.ID],
			ActionResults: results[a.ID],
		}
		deliveries = append(deliveries, webhook.Delivery{Agent: a, Payload: payload})
	}
	if len(deliveries) == 0 {
		return nil
	}

	outcomes := e.dispatcher.Dispatch(st.ctx, deliveries)

	var firstErr error
	for _, out := range outcomes {
		switch {
		case out.Paused:
			e.metrics.WebhookDeliveries.WithLabelValues("paused").Inc()
		case out.Err != nil:
			e.metrics.WebhookDeliveries.WithLabelValues("failure").Inc()
			if err := e.store.RecordWebhookFailure(out.AgentID, out.Err.Error()); err != nil && firstErr == nil {
				firstErr = err
			}
		default:
			e.metrics.WebhookDeliveries.WithLabelValues("success").Inc()
			if err := e.store.RecordWebhookSuccess(out.AgentID, out.AvgMs, out.Count); err != nil && firstErr == nil {
				firstErr = err
			}
			if agent := st.agent(out.AgentID); agent != nil && len(out.Actions) > 0 {
				results := e.processActions(st, agent, out.Actions)
				e.pendingResults[out.AgentID] = append(e.pendingResults[out.AgentID], results...)
			}
		}
	}
	return firstErr
}

// phaseSurveillance runs detection over this tick's trades, opens or
// reinforces investigations, and advances every unresolved case.
func (e *Engine) phaseSurveillance(st *tickState) error {
	violations := e.detector.Scan(st.tick, st.trades, st.events, st.updates, e.price.Companies())
	kept := violations[:0]
	for _, v := range violations {
		if v.AgentID != match.MakerAgentID {
			kept = append(kept, v)
		}
	}
	violations = kept
	if err := e.store.InsertViolations(violations); err != nil {
		return err
	}

	rows, err := e.store.UnresolvedInvestigations()
	if err != nil {
		return err
	}
	invs := make([]*types.Investigation, 0, len(rows))
	byAgentCrime := make(map[string]*types.Investigation)
	for i := range rows {
		inv := &rows[i]
		invs = append(invs, inv)
		byAgentCrime[inv.AgentID+"|"+string(inv.Crime)] = inv
	}

	var firstErr error
	for _, v := range violations {
		if err := e.store.SetLastViolationTick(v.AgentID, st.tick); err != nil && firstErr == nil {
			firstErr = err
		}
		if a := st.agent(v.AgentID); a != nil {
			a.LastViolationTick = st.tick
		}

		key := v.AgentID + "|" + string(v.Crime)
		if inv, ok := byAgentCrime[key]; ok {
			e.lifecycle.Reinforce(inv, v)
			if err := e.store.UpdateInvestigation(inv); err != nil && firstErr == nil {
				firstErr = err
			}
			continue
		}

		opened := e.lifecycle.Open(v)
		inv := &opened
		if err := e.store.InsertInvestigation(inv); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		invs = append(invs, inv)
		byAgentCrime[key] = inv
		if err := e.store.UpdateAgentInvestigationStatus(v.AgentID, types.InvUnder); err != nil && firstErr == nil {
			firstErr = err
		}
		e.deliverAlert(st, &types.InvestigationAlert{
			InvestigationID: inv.ID,
			AgentID:         inv.AgentID,
			Crime:           inv.Crime,
			State:           inv.State,
			Tick:            st.tick,
			Message:         fmt.Sprintf("investigation opened into suspected %s", inv.Crime),
		})
	}

	active := 0
	for _, inv := range invs {
		if inv.State.Resolved() {
			continue
		}
		al := e.lifecycle.Advance(st.tick, inv, st.rng)
		if !inv.State.Resolved() {
			active++
		}
		if al == nil {
			continue
		}
		if err := e.store.UpdateInvestigation(inv); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := e.store.UpdateAgentInvestigationStatus(inv.AgentID, sec.AgentStatusFor(inv.State)); err != nil && firstErr == nil {
			firstErr = err
		}

		switch inv.State {
		case types.CaseConvicted:
			if err := e.store.AdjustAgentCash(inv.AgentID, -inv.Fine); err != nil && firstErr == nil {
				firstErr = err
			}
			until := st.tick + int64(inv.SentenceYears)*e.cfg.Market.TicksPerYear
			if err := e.store.UpdateAgentStatus(inv.AgentID, types.AgentImprisoned, until); err != nil && firstErr == nil {
				firstErr = err
			}
			if a := st.agent(inv.AgentID); a != nil {
				a.Status = types.AgentImprisoned
				a.ImprisonedUntil = until
			}
		case types.CaseSettled:
			if err := e.store.AdjustAgentCash(inv.AgentID, -inv.Fine); err != nil && firstErr == nil {
				firstErr = err
			}
		}

		e.deliverAlert(st, al)
	}
	e.metrics.ActiveInvestigations.Set(float64(active))
	return firstErr
}

// deliverAlert fans an investigation transition out to the agent channel,
// the pending webhook alerts, and the public news feed.
func (e *Engine) deliverAlert(st *tickState, al *types.InvestigationAlert) {
	if _, err := e.broker.Publish(st.ctx, types.AgentChannel(al.AgentID), types.MsgInvestigation, al); err != nil {
		e.logger.Warn("alert publish failed", "agent", al.AgentID, "error", err)
	} else {
		e.metrics.MessagesPublished.Inc()
	}
	e.pendingAlerts[al.AgentID] = append(e.pendingAlerts[al.AgentID], *al)

	name := al.AgentID
	if a := st.agent(al.AgentID); a != nil && a.Name != "" {
		name = a.Name
	}
	article := sim.InvestigationNews(st.tick, name, *al)
	if err := e.store.InsertNews([]types.NewsArticle{article}); err != nil {
		e.logger.Warn("investigation news insert failed", "error", err)
		return
	}
	if _, err := e.broker.Publish(st.ctx, types.ChanNews, types.MsgNews, article); err != nil {
		e.logger.Warn("investigation news publish failed", "error", err)
	} else {
		e.metrics.MessagesPublished.Inc()
	}
	st.news = append(st.news, article)
}

// phaseLeaderboard ranks agents by marked net worth and publishes the
// board. change24h compares against a baseline snapshot rewritten once per
// session cycle.
func (e *Engine) phaseLeaderboard(st *tickState) error {
	holdings, err := e.store.AllHoldings()
	if err != nil {
		return err
	}
	byAgent := make(map[string][]types.Holding)
	for _, h := range holdings {
		byAgent[h.AgentID] = append(byAgent[h.AgentID], h)
	}

	worth := make(map[string]float64, len(st.agents))
	entries := make([]types.LeaderboardEntry, 0, len(st.agents))
	for _, a := range st.agents {
		if a.ID == match.MakerAgentID {
			continue
		}
		nw := a.Cash + e.markValue(byAgent[a.ID])
		worth[a.ID] = nw
		entries = append(entries, types.LeaderboardEntry{
			AgentID:  a.ID,
			Name:     a.Name,
			Role:     a.Role,
			Status:   a.Status,
			NetWorth: nw,
		})
	}

	baseline, err := e.loadBaseline(st.ctx)
	if err != nil {
		return err
	}
	cycle := e.cfg.Market.CloseTick + e.cfg.Market.AfterHoursTicks
	if len(baseline) == 0 || st.tick%cycle == 0 {
		if err := e.saveBaseline(st.ctx, worth); err != nil {
			return err
		}
		baseline = worth
	}
	for i := range entries {
		if base := baseline[entries[i].AgentID]; base > 0 {
			entries[i].Change24h = (entries[i].NetWorth - base) / base * 100
		}
	}

	sort.SliceStable(entries, func(i, j int) bool { return entries[i].NetWorth > entries[j].NetWorth })
	for i := range entries {
		entries[i].Rank = i + 1
	}

	if _, err := e.broker.Publish(st.ctx, types.ChanLeaderboard, types.MsgLeaderboard, entries); err != nil {
		return err
	}
	e.metrics.MessagesPublished.Inc()
	return nil
}

func (e *Engine) loadBaseline(ctx context.Context) (map[string]float64, error) {
	raw, err := e.broker.Get(ctx, leaderboardBaseline)
	if err != nil {
		return nil, err
	}
	if raw == "" {
		return nil, nil
	}
	out := make(map[string]float64)
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, nil // corrupt baseline: rewrite below
	}
	return out, nil
}

func (e *Engine) saveBaseline(ctx context.Context, worth map[string]float64) error {
	data, err := json.Marshal(worth)
	if err != nil {
		return err
	}
	return e.broker.Set(ctx, leaderboardBaseline, string(data), 0)
}

// phaseFinalize reads s_end and seals the replay record with the sequence
// window (s_start, s_end]. Runs before the leaderboard so board messages
// land outside the window.
func (e *Engine) phaseFinalize(st *tickState) error {
	seqEnd, err := e.broker.Sequence(st.ctx)
	if err != nil {
		return err
	}
	rec := types.TickRecord{
		Tick:         st.tick,
		Trades:       st.trades,
		PriceUpdates: st.updates,
		Events:       st.events,
		News:         st.news,
		SeqStart:     st.seqStart,
		SeqEnd:       seqEnd,
	}
	return e.broker.PushTickRecord(st.ctx, rec, e.cfg.Tick.ReplayLogSize)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
