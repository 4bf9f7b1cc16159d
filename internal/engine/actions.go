// actions.go turns webhook responses into world mutations.
//
// Trading actions create pending orders, queued for the next tick's
// matching phase. Social actions publish to the target agent's channel.
// Corruption actions (BRIBE, WHISTLEBLOW, FLEE) touch the surveillance
// machinery. Every action yields an ActionResult delivered back to the
// agent on the following tick's webhook.
package engine

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"wallstreetsim/internal/broker"
	"wallstreetsim/pkg/types"
)

// Whistleblower reports carry this evidence weight into the target's
// investigation; the reporter earns a reputation credit.
const (
	whistleblowWeight  = 0.5
	whistleblowRepGain = 2.0
	bribeBackfireOdds  = 0.25
)

// processActions applies one agent's returned actions in order.
func (e *Engine) processActions(st *tickState, agent *types.Agent, actions []types.AgentAction) []types.ActionResult {
	results := make([]types.ActionResult, 0, len(actions))
	for _, act := range actions {
		res := types.ActionResult{Type: act.Type, Tick: st.tick}

		var err error
		switch act.Type {
		case types.ActionBuy, types.ActionCover:
			res.OrderID, err = e.placeOrder(agent, act, types.BUY, st.tick)
		case types.ActionSell, types.ActionShort:
			res.OrderID, err = e.placeOrder(agent, act, types.SELL, st.tick)
		case types.ActionCancelOrder:
			err = e.cancelOrder(agent, act)
		case types.ActionRumor:
			err = e.spreadRumor(st, agent, act)
		case types.ActionMessage:
			err = e.sendMessage(st, agent, act, "MESSAGE")
		case types.ActionAlly:
			err = e.sendMessage(st, agent, act, "ALLY_PROPOSAL")
		case types.ActionBribe:
			err = e.bribe(st, agent, act)
		case types.ActionWhistleblow:
			err = e.whistleblow(st, agent, act)
		case types.ActionFlee:
			err = e.flee(st, agent)
		default:
			err = fmt.Errorf("unknown action type %q", act.Type)
		}

		if err != nil {
			res.Error = err.Error()
		} else {
			res.Success = true
		}
		results = append(results, res)
	}
	return results
}

// placeOrder validates a trading action and queues it as a pending order
// for the next matching phase.
func (e *Engine) placeOrder(agent *types.Agent, act types.AgentAction, side types.Side, tick int64) (string, error) {
	if act.Quantity <= 0 {
		return "", fmt.Errorf("quantity must be positive")
	}
	c := e.price.Company(act.Symbol)
	if c == nil {
		return "", fmt.Errorf("unknown symbol %s", act.Symbol)
	}
	if c.TradingStatus != types.TradingActive {
		return "", fmt.Errorf("trading in %s is %s", act.Symbol, c.TradingStatus)
	}

	typ := act.OrderType
	if typ == "" {
		typ = types.OrderMarket
	}
	switch typ {
	case types.OrderMarket:
	case types.OrderLimit:
		if act.LimitPrice <= 0 {
			return "", fmt.Errorf("limit order requires a positive limit price")
		}
	default:
		// STOP has no trigger semantics in the matcher; refuse it rather
		// than let it walk the book like a MARKET
		return "", fmt.Errorf("unsupported order type %q", typ)
	}

	o := &types.Order{
		ID:         uuid.NewString(),
		AgentID:    agent.ID,
		Symbol:     act.Symbol,
		Side:       side,
		Type:       typ,
		Quantity:   act.Quantity,
		LimitPrice: act.LimitPrice,
		Status:     types.OrderPending,
		TickSubmit: tick,
		CreatedAt:  time.Now().UTC(),
	}
	if err := e.store.InsertOrder(o); err != nil {
		return "", err
	}
	return o.ID, nil
}

// cancelOrder pulls a resting order from the book. Only the owner may
// cancel.
func (e *Engine) cancelOrder(agent *types.Agent, act types.AgentAction) error {
	if act.OrderID == "" {
		return fmt.Errorf("orderId is required")
	}
	o := e.match.Cancel(act.OrderID)
	if o == nil {
		return fmt.Errorf("order %s is not resting", act.OrderID)
	}
	if o.AgentID != agent.ID {
		// put it back; not yours to cancel
		o.Status = types.OrderOpen
		if o.FilledQty > 0 {
			o.Status = types.OrderPartial
		}
		if b := e.match.Book(o.Symbol); b != nil {
			b.Insert(o)
		}
		return fmt.Errorf("order %s belongs to another agent", act.OrderID)
	}
	return e.store.UpdateOrder(o)
}

// spreadRumor injects a small decaying price event, rate-limited per agent
// through the broker and capped in magnitude.
func (e *Engine) spreadRumor(st *tickState, agent *types.Agent, act types.AgentAction) error {
	c := e.price.Company(act.Symbol)
	if c == nil {
		return fmt.Errorf("unknown symbol %s", act.Symbol)
	}

	n, err := e.broker.IncrWithTTL(st.ctx, broker.RateLimitKey(agent.ID, types.ActionRumor), e.cfg.Tick.Interval)
	if err != nil {
		return err
	}
	if n > e.cfg.Events.RumorPerTickLimit {
		return fmt.Errorf("rumor limit reached")
	}

	impact := e.cfg.Events.RumorImpactCap * (0.3 + 0.7*st.rng.Float64())
	if act.Direction == "down" {
		impact = -impact
	}
	headline := act.Content
	if headline == "" {
		headline = fmt.Sprintf("Rumors swirl around %s", c.Name)
	}
	ev := types.MarketEvent{
		ID:       uuid.NewString(),
		Type:     types.EventRumor,
		Symbol:   c.Symbol,
		Sector:   c.Sector,
		Impact:   impact,
		Duration: 5 + st.rng.Int63n(11),
		Tick:     st.tick,
		Headline: headline,
	}
	e.price.AddEvent(ev)
	st.events = append(st.events, ev)
	return nil
}

// sendMessage relays content to the target agent's channel.
func (e *Engine) sendMessage(st *tickState, agent *types.Agent, act types.AgentAction, msgType string) error {
	if act.TargetID == "" {
		return fmt.Errorf("targetId is required")
	}
	if st.agent(act.TargetID) == nil {
		return fmt.Errorf("unknown agent %s", act.TargetID)
	}
	payload := map[string]interface{}{
		"from":    agent.ID,
		"content": act.Content,
		"tick":    st.tick,
	}
	if _, err := e.broker.Publish(st.ctx, types.AgentChannel(act.TargetID), msgType, payload); err != nil {
		return err
	}
	e.metrics.MessagesPublished.Inc()
	return nil
}

// bribe spends cash to weaken the agent's open investigations. The
// deduction is conditional on the balance covering the amount. A bribe
// can backfire and reinforce the case instead.
func (e *Engine) bribe(st *tickState, agent *types.Agent, act types.AgentAction) error {
	if act.Amount <= 0 {
		return fmt.Errorf("amount must be positive")
	}
	ok, err := e.store.DeductCashIfSufficient(agent.ID, act.Amount)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("insufficient cash")
	}
	agent.Cash -= act.Amount

	invs, err := e.store.UnresolvedInvestigations()
	if err != nil {
		return err
	}

	backfired := st.rng.Float64() < bribeBackfireOdds
	reduction := act.Amount / e.cfg.SEC.BaseFine
	for i := range invs {
		inv := &invs[i]
		if inv.AgentID != agent.ID {
			continue
		}
		if backfired {
			inv.Evidence += 1.0
		} else {
			inv.Evidence -= reduction
			if inv.Evidence < 0 {
				inv.Evidence = 0
			}
		}
		if err := e.store.UpdateInvestigation(inv); err != nil {
			return err
		}
	}
	if backfired {
		return fmt.Errorf("the bribe was reported")
	}
	return nil
}

// whistleblow files a report that opens or reinforces an investigation on
// the target and credits the reporter's reputation.
func (e *Engine) whistleblow(st *tickState, agent *types.Agent, act types.AgentAction) error {
	if act.TargetID == "" {
		return fmt.Errorf("targetId is required")
	}
	if act.TargetID == agent.ID {
		return fmt.Errorf("cannot report yourself")
	}
	target := st.agent(act.TargetID)
	if target == nil {
		return fmt.Errorf("unknown agent %s", act.TargetID)
	}

	v := types.Violation{
		ID:      uuid.NewString(),
		AgentID: act.TargetID,
		Crime:   types.CrimeMarketManipulation,
		Tick:    st.tick,
		Detail:  "whistleblower report",
		Weight:  whistleblowWeight,
	}
	if err := e.store.InsertViolations([]types.Violation{v}); err != nil {
		return err
	}

	invs, err := e.store.UnresolvedInvestigations()
	if err != nil {
		return err
	}
	for i := range invs {
		inv := &invs[i]
		if inv.AgentID == act.TargetID && inv.Crime == v.Crime {
			e.lifecycle.Reinforce(inv, v)
			e.repAccum[agent.ID] += whistleblowRepGain
			return e.store.UpdateInvestigation(inv)
		}
	}

	inv := e.lifecycle.Open(v)
	if err := e.store.InsertInvestigation(&inv); err != nil {
		return err
	}
	if err := e.store.UpdateAgentInvestigationStatus(act.TargetID, types.InvUnder); err != nil {
		return err
	}
	target.InvestigationStatus = types.InvUnder
	e.repAccum[agent.ID] += whistleblowRepGain
	e.deliverAlert(st, &types.InvestigationAlert{
		InvestigationID: inv.ID,
		AgentID:         inv.AgentID,
		Crime:           inv.Crime,
		State:           inv.State,
		Tick:            st.tick,
		Message:         fmt.Sprintf("investigation opened into suspected %s", inv.Crime),
	})
	return nil
}

// flee removes the agent from the game: status fled, resting orders
// cancelled.
func (e *Engine) flee(st *tickState, agent *types.Agent) error {
	orders, err := e.store.OpenOrdersFor(agent.ID)
	if err != nil {
		return err
	}
	for i := range orders {
		o := &orders[i]
		if cancelled := e.match.Cancel(o.ID); cancelled != nil {
			if err := e.store.UpdateOrder(cancelled); err != nil {
				return err
			}
		} else if o.Status == types.OrderPending {
			o.Status = types.OrderCancelled
			if err := e.store.UpdateOrder(o); err != nil {
				return err
			}
		}
	}
	if err := e.store.UpdateAgentStatus(agent.ID, types.AgentFled, 0); err != nil {
		return err
	}
	agent.Status = types.AgentFled
	e.logger.Info("agent fled the jurisdiction", "agent", agent.ID, "tick", st.tick)
	return nil
}
