// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the engine — agents, companies,
// orders, trades, market events, investigations, and the pub/sub message
// envelopes. It has no dependencies on internal packages, so it can be
// imported by any layer.
package types

import "time"

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// OrderType enumerates the supported order kinds.
type OrderType string

const (
	OrderMarket OrderType = "MARKET"
	OrderLimit  OrderType = "LIMIT"
	OrderStop   OrderType = "STOP"
)

// OrderStatus tracks an order through its lifecycle. Transitions are
// monotone: pending → {open|partial|filled|rejected}, open → {partial|
// filled|cancelled}, partial → {filled|cancelled}. filled, cancelled and
// rejected are terminal.
type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderOpen      OrderStatus = "open"
	OrderPartial   OrderStatus = "partial"
	OrderFilled    OrderStatus = "filled"
	OrderCancelled OrderStatus = "cancelled"
	OrderRejected  OrderStatus = "rejected"
)

// Terminal reports whether the status admits no further transitions.
func (s OrderStatus) Terminal() bool {
	return s == OrderFilled || s == OrderCancelled || s == OrderRejected
}

// AgentStatus is an agent's lifecycle state.
type AgentStatus string

const (
	AgentActive     AgentStatus = "active"
	AgentBankrupt   AgentStatus = "bankrupt"
	AgentImprisoned AgentStatus = "imprisoned"
	AgentFled       AgentStatus = "fled"
)

// AgentInvestigationStatus mirrors the most severe open investigation
// against the agent, denormalized onto the agent row.
type AgentInvestigationStatus string

const (
	InvNone      AgentInvestigationStatus = "none"
	InvUnder     AgentInvestigationStatus = "under_investigation"
	InvCharged   AgentInvestigationStatus = "charged"
	InvConvicted AgentInvestigationStatus = "convicted"
	InvAcquitted AgentInvestigationStatus = "acquitted"
)

// TradingStatus controls whether a symbol accepts orders.
type TradingStatus string

const (
	TradingActive    TradingStatus = "active"
	TradingSuspended TradingStatus = "suspended"
	TradingFrozen    TradingStatus = "frozen"
)

// Regime is the coarse market mood tag carried in tick payloads.
type Regime string

const (
	RegimeNormal Regime = "normal"
	RegimeBull   Regime = "bull"
	RegimeBear   Regime = "bear"
	RegimeCrash  Regime = "crash"
	RegimeBubble Regime = "bubble"
)

// EngineStatus is the heartbeat-visible state of the tick engine.
type EngineStatus string

const (
	EngineInitializing EngineStatus = "initializing"
	EngineRunning      EngineStatus = "running"
	EngineStopped      EngineStatus = "stopped"
	EngineError        EngineStatus = "error"
)

// ————————————————————————————————————————————————————————————————————————
// Market entities
// ————————————————————————————————————————————————————————————————————————

// Agent is an external autonomous participant. Cash and reputation are the
// engine's two scarce resources: cash settles fills, reputation decays
// toward a baseline of 50 and is damaged by investigations.
type Agent struct {
	ID                  string
	Name                string
	Role                string
	Status              AgentStatus
	InvestigationStatus AgentInvestigationStatus
	Cash                float64
	MarginUsed          float64
	MarginLimit         float64
	Reputation          int // clamped to [0,100]
	CallbackURL         string
	WebhookSecret       string
	WebhookFailures     int
	LastWebhookError    string
	AvgResponseTimeMs   float64
	ResponseCount       int64
	ImprisonedUntil     int64 // tick; 0 when not imprisoned
	LastViolationTick   int64
	CreatedAt           time.Time
}

// Company is a listed symbol with its per-session running price state.
type Company struct {
	ID                string
	Symbol            string
	Name              string
	Sector            string
	Price             float64 // current, floored at 0.01
	PrevClose         float64
	OpenPrice         float64
	HighPrice         float64
	LowPrice          float64
	SharesOutstanding float64
	MarketCap         float64 // price × shares outstanding
	Volatility        float64
	Beta              float64
	Momentum          float64
	Sentiment         float64
	ManipulationScore float64
	TradingStatus     TradingStatus
	CEOAgentID        string // back-reference by id, never by pointer
}

// Order is a request to trade. FilledQty never exceeds Quantity.
type Order struct {
	ID           string
	AgentID      string
	Symbol       string
	Side         Side
	Type         OrderType
	Quantity     float64
	LimitPrice   float64 // 0 for MARKET
	StopPrice    float64
	FilledQty    float64
	AvgFillPrice float64
	Status       OrderStatus
	TickSubmit   int64
	TickFilled   int64
	CreatedAt    time.Time
}

// Remaining returns the unfilled quantity.
func (o *Order) Remaining() float64 { return o.Quantity - o.FilledQty }

// Trade is a fill. Price equals the resting order's price (price-time
// priority); buyer and seller order ids are both preserved.
type Trade struct {
	ID            string    `json:"id"`
	Symbol        string    `json:"symbol"`
	BuyerAgentID  string    `json:"buyerId"`
	SellerAgentID string    `json:"sellerId"`
	BuyOrderID    string    `json:"buyOrderId"`
	SellOrderID   string    `json:"sellOrderId"`
	Price         float64   `json:"price"`
	Quantity      float64   `json:"quantity"`
	Tick          int64     `json:"tick"`
	Timestamp     time.Time `json:"timestamp"`
}

// Holding is an (agent, symbol) position. Quantity is signed; negative
// means short. Rows are deleted when the quantity reaches zero.
type Holding struct {
	AgentID  string  `json:"agentId"`
	Symbol   string  `json:"symbol"`
	Quantity float64 `json:"quantity"`
	AvgCost  float64 `json:"avgCost"`
}

// WorldState is the singleton world row.
type WorldState struct {
	Tick       int64
	MarketOpen bool
	Regime     Regime
	MacroRate  float64
	LastTickAt time.Time
}

// ————————————————————————————————————————————————————————————————————————
// Events, news, investigations
// ————————————————————————————————————————————————————————————————————————

// EventType tags a market event template.
type EventType string

const (
	EventEarningsBeat  EventType = "EARNINGS_BEAT"
	EventEarningsMiss  EventType = "EARNINGS_MISS"
	EventFDAApproval   EventType = "FDA_APPROVAL"
	EventFDARejection  EventType = "FDA_REJECTION"
	EventProductLaunch EventType = "PRODUCT_LAUNCH"
	EventScandal       EventType = "SCANDAL"
	EventMergerRumor   EventType = "MERGER_RUMOR"
	EventAnalystUp     EventType = "ANALYST_UPGRADE"
	EventAnalystDown   EventType = "ANALYST_DOWNGRADE"
	EventBlackSwan     EventType = "BLACK_SWAN"
	EventMemePump      EventType = "MEME_PUMP"
	EventRumor         EventType = "RUMOR"
	EventMarketStatus  EventType = "MARKET_STATUS"
)

// MarketEvent carries a signed price impact that decays linearly over its
// duration. Either Symbol or Sector (or both) scope the effect; events with
// neither affect the whole market.
type MarketEvent struct {
	ID       string    `json:"id"`
	Type     EventType `json:"type"`
	Symbol   string    `json:"symbol,omitempty"` // empty = not symbol-scoped
	Sector   string    `json:"sector,omitempty"` // empty = not sector-scoped
	Impact   float64   `json:"impact"`
	Duration int64     `json:"duration"` // ticks
	Tick     int64     `json:"tick"`     // origin tick
	Headline string    `json:"headline"`
}

// Expired reports whether the event no longer applies at the given tick.
func (e *MarketEvent) Expired(tick int64) bool { return tick >= e.Tick+e.Duration }

// NewsArticle is a derived story with sentiment in [-1, 1].
type NewsArticle struct {
	ID        string    `json:"id"`
	Tick      int64     `json:"tick"`
	Headline  string    `json:"headline"`
	Content   string    `json:"content"`
	Category  string    `json:"category"`
	Sentiment float64   `json:"sentiment"`
	Symbols   []string  `json:"symbols"`
	AgentIDs  []string  `json:"agentIds,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// CrimeType enumerates SEC detection categories.
type CrimeType string

const (
	CrimeInsiderTrading     CrimeType = "insider_trading"
	CrimeMarketManipulation CrimeType = "market_manipulation"
	CrimeAccountingFraud    CrimeType = "accounting_fraud"
	CrimeWashTrading        CrimeType = "wash_trading"
)

// InvestigationState is the lifecycle stage of an investigation. The
// machine is monotone: open → active → charged → trial → {convicted,
// acquitted, settled}.
type InvestigationState string

const (
	CaseOpen      InvestigationState = "open"
	CaseActive    InvestigationState = "active"
	CaseCharged   InvestigationState = "charged"
	CaseTrial     InvestigationState = "trial"
	CaseConvicted InvestigationState = "convicted"
	CaseAcquitted InvestigationState = "acquitted"
	CaseSettled   InvestigationState = "settled"
)

// Resolved reports whether the investigation reached a terminal state.
func (s InvestigationState) Resolved() bool {
	return s == CaseConvicted || s == CaseAcquitted || s == CaseSettled
}

// Investigation tracks a suspected agent from detection to resolution.
type Investigation struct {
	ID            string
	AgentID       string
	Crime         CrimeType
	State         InvestigationState
	Evidence      float64 // accumulated detection weight, drives the outcome
	TickOpened    int64
	TickActivated int64
	TickCharged   int64
	TickTrial     int64
	TickResolved  int64
	Fine          float64
	SentenceYears int
}

// Violation is a single detection hit feeding an investigation.
type Violation struct {
	ID      string
	AgentID string
	Crime   CrimeType
	Tick    int64
	Detail  string
	Weight  float64
}

// InvestigationAlert is delivered to the implicated agent via webhook and
// the per-agent channel on every lifecycle transition.
type InvestigationAlert struct {
	InvestigationID string             `json:"investigationId"`
	AgentID         string             `json:"agentId"`
	Crime           CrimeType          `json:"crime"`
	State           InvestigationState `json:"state"`
	Tick            int64              `json:"tick"`
	Fine            float64            `json:"fine,omitempty"`
	SentenceYears   int                `json:"sentenceYears,omitempty"`
	Message         string             `json:"message"`
}

// ————————————————————————————————————————————————————————————————————————
// Agent actions
// ————————————————————————————————————————————————————————————————————————

// ActionType enumerates what an agent may return in a webhook response.
type ActionType string

const (
	ActionBuy         ActionType = "BUY"
	ActionSell        ActionType = "SELL"
	ActionShort       ActionType = "SHORT"
	ActionCover       ActionType = "COVER"
	ActionCancelOrder ActionType = "CANCEL_ORDER"
	ActionRumor       ActionType = "RUMOR"
	ActionMessage     ActionType = "MESSAGE"
	ActionAlly        ActionType = "ALLY"
	ActionBribe       ActionType = "BRIBE"
	ActionWhistleblow ActionType = "WHISTLEBLOW"
	ActionFlee        ActionType = "FLEE"
)

// AgentAction is one element of the "actions" array in a webhook response.
type AgentAction struct {
	Type       ActionType `json:"type"`
	Symbol     string     `json:"symbol,omitempty"`
	Quantity   float64    `json:"quantity,omitempty"`
	LimitPrice float64    `json:"limitPrice,omitempty"`
	OrderType  OrderType  `json:"orderType,omitempty"`
	OrderID    string     `json:"orderId,omitempty"`   // CANCEL_ORDER
	TargetID   string     `json:"targetId,omitempty"`  // MESSAGE / ALLY / BRIBE / WHISTLEBLOW
	Amount     float64    `json:"amount,omitempty"`    // BRIBE
	Content    string     `json:"content,omitempty"`   // RUMOR / MESSAGE
	Direction  string     `json:"direction,omitempty"` // RUMOR: "up" or "down"
}

// ActionResult reports the outcome of one action back to the agent on the
// next tick's webhook.
type ActionResult struct {
	Type    ActionType `json:"type"`
	Success bool       `json:"success"`
	Error   string     `json:"error,omitempty"`
	OrderID string     `json:"orderId,omitempty"`
	Tick    int64      `json:"tick"`
}

// ————————————————————————————————————————————————————————————————————————
// Pub/sub envelopes and channel payloads
// ————————————————————————————————————————————————————————————————————————

// Channel names on the broker. Per-symbol and per-agent channels are
// derived with MarketChannel / AgentChannel.
const (
	ChanTickUpdates       = "channel:tick_updates"
	ChanPrices            = "channel:prices"
	ChanTrades            = "channel:trades"
	ChanNews              = "channel:news"
	ChanLeaderboard       = "channel:leaderboard"
	ChanHeartbeat         = "channel:engine_heartbeat"
	ChanCallbackConfirmed = "channel:agent_callback_confirmed"
)

// MarketChannel returns the per-symbol channel name.
func MarketChannel(symbol string) string { return "channel:market:" + symbol }

// AgentChannel returns the per-agent channel name.
func AgentChannel(agentID string) string { return "channel:agent:" + agentID }

// Message types carried in envelopes.
const (
	MsgTickUpdate    = "TICK_UPDATE"
	MsgPriceUpdate   = "PRICE_UPDATE"
	MsgMarketUpdate  = "MARKET_UPDATE"
	MsgTrade         = "TRADE"
	MsgNews          = "NEWS"
	MsgLeaderboard   = "LEADERBOARD_UPDATE"
	MsgOrderUpdate   = "ORDER_UPDATE"
	MsgOrderFilled   = "ORDER_FILLED"
	MsgInvestigation = "INVESTIGATION"
	MsgHeartbeat     = "HEARTBEAT"
	MsgMarketStatus  = "MARKET_STATUS"
)

// Envelope is the wire shape on every sequenced channel. Sequence is the
// global monotonic counter injected at publish time; subscribers use it for
// gap detection and replay.
type Envelope struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	Timestamp string      `json:"timestamp"` // ISO-8601 UTC
	Sequence  int64       `json:"sequence"`
}

// PriceUpdate is the per-symbol output of the price engine, including the
// driver breakdown in basis-point-like units.
type PriceUpdate struct {
	Symbol        string  `json:"symbol"`
	OldPrice      float64 `json:"oldPrice"`
	Price         float64 `json:"price"`
	Change        float64 `json:"change"`
	ChangePercent float64 `json:"changePercent"`
	Volume        float64 `json:"volume"`
	AgentBps      float64 `json:"agentBps"`
	RandomBps     float64 `json:"randomBps"`
	SectorBps     float64 `json:"sectorBps"`
	EventBps      float64 `json:"eventBps"`
}

// TickUpdate is the full payload published on channel:tick_updates.
type TickUpdate struct {
	Tick         int64         `json:"tick"`
	Timestamp    string        `json:"timestamp"`
	MarketOpen   bool          `json:"marketOpen"`
	Regime       Regime        `json:"regime"`
	PriceUpdates []PriceUpdate `json:"priceUpdates"`
	Trades       []Trade       `json:"trades"`
	Events       []MarketEvent `json:"events"`
	News         []NewsArticle `json:"news"`
}

// PriceBatch is the compact per-tick payload on channel:prices. Per-symbol
// channels receive the individual updates as MARKET_UPDATE messages.
type PriceBatch struct {
	Tick   int64         `json:"tick"`
	Prices []PriceUpdate `json:"prices"`
}

// TradeBatch is the per-tick payload on channel:trades.
type TradeBatch struct {
	Tick   int64   `json:"tick"`
	Trades []Trade `json:"trades"`
}

// LeaderboardEntry ranks agents by net worth (cash + marked holdings).
type LeaderboardEntry struct {
	Rank      int         `json:"rank"`
	AgentID   string      `json:"agentId"`
	Name      string      `json:"name"`
	Role      string      `json:"role"`
	Status    AgentStatus `json:"status"`
	NetWorth  float64     `json:"netWorth"`
	Change24h float64     `json:"change24h"`
}

// Heartbeat is the engine liveness message. Published raw (no sequence) and
// stored under a 30 s TTL key — absence means the engine is down.
type Heartbeat struct {
	Tick              int64        `json:"tick"`
	Status            EngineStatus `json:"status"`
	Timestamp         string       `json:"timestamp"`
	MarketOpen        bool         `json:"marketOpen"`
	LastTickAt        string       `json:"lastTickAt"`
	AvgTickDurationMs float64      `json:"avgTickDurationMs"`
	TicksProcessed    int64        `json:"ticksProcessed"`
	UptimeMs          int64        `json:"uptimeMs"`
}

// ————————————————————————————————————————————————————————————————————————
// Webhook payloads
// ————————————————————————————————————————————————————————————————————————

// WebhookPayload is POSTed to each active agent's callback URL once per
// tick, signed with the agent's HMAC secret in X-WSS-Signature.
type WebhookPayload struct {
	Tick          int64                `json:"tick"`
	Timestamp     string               `json:"timestamp"`
	MarketOpen    bool                 `json:"marketOpen"`
	Regime        Regime               `json:"regime"`
	Prices        []PriceUpdate        `json:"prices"`
	Fills         []Trade              `json:"fills"`
	Orders        []Order              `json:"orders"`
	Holdings      []Holding            `json:"holdings"`
	Cash          float64              `json:"cash"`
	Alerts        []InvestigationAlert `json:"alerts"`
	ActionResults []ActionResult       `json:"actionResults"`
}

// WebhookResponse is the optional body an agent returns.
type WebhookResponse struct {
	Actions []AgentAction `json:"actions"`
}

// ————————————————————————————————————————————————————————————————————————
// Checkpoints and replay
// ————————————————————————————————————————————————————————————————————————

// BookLevelSnapshot is a shallow order book level for world snapshots:
// price, aggregate quantity and order count only, no order identities.
type BookLevelSnapshot struct {
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
	Orders   int     `json:"orders"`
}

// BookSnapshot is both sides of one symbol's book, shallow.
type BookSnapshot struct {
	Symbol string              `json:"symbol"`
	Bids   []BookLevelSnapshot `json:"bids"`
	Asks   []BookLevelSnapshot `json:"asks"`
}

// TickRecord is the rolling per-tick event log entry kept in the broker for
// replay. SeqStart/SeqEnd delimit the sequence window (s_start, s_end] of
// every message published during the tick.
type TickRecord struct {
	Tick         int64         `json:"tick"`
	Trades       []Trade       `json:"trades"`
	PriceUpdates []PriceUpdate `json:"priceUpdates"`
	Events       []MarketEvent `json:"events"`
	News         []NewsArticle `json:"news"`
	SeqStart     int64         `json:"seqStart"`
	SeqEnd       int64         `json:"seqEnd"`
}
