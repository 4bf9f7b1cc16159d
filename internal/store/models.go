// models.go defines the gorm row types and their mapping to the shared
// vocabulary in pkg/types.
//
// Monetary columns are fixed-scale numerics — scale 4 for prices, scale 2
// for cash — carried as shopspring decimals at this boundary. The engine
// works in float64; conversion happens only here.
package store

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"wallstreetsim/pkg/types"
)

type agentRow struct {
	ID                  string `gorm:"primaryKey"`
	Name                string
	Role                string
	Status              string `gorm:"index"`
	InvestigationStatus string
	Cash                decimal.Decimal `gorm:"type:numeric(18,2)"`
	MarginUsed          decimal.Decimal `gorm:"type:numeric(18,2)"`
	MarginLimit         decimal.Decimal `gorm:"type:numeric(18,2)"`
	Reputation          int
	CallbackURL         string
	WebhookSecret       string
	WebhookFailures     int
	LastWebhookError    string
	AvgResponseTimeMs   float64
	ResponseCount       int64
	ImprisonedUntil     int64
	LastViolationTick   int64
	CreatedAt           time.Time
}

func (agentRow) TableName() string { return "agents" }

type companyRow struct {
	ID                string `gorm:"primaryKey"`
	Symbol            string `gorm:"uniqueIndex"`
	Name              string
	Sector            string
	Price             decimal.Decimal `gorm:"type:numeric(18,4)"`
	PrevClose         decimal.Decimal `gorm:"type:numeric(18,4)"`
	OpenPrice         decimal.Decimal `gorm:"type:numeric(18,4)"`
	HighPrice         decimal.Decimal `gorm:"type:numeric(18,4)"`
	LowPrice          decimal.Decimal `gorm:"type:numeric(18,4)"`
	SharesOutstanding float64
	MarketCap         decimal.Decimal `gorm:"type:numeric(24,2)"`
	Volatility        float64
	Beta              float64
	Momentum          float64
	Sentiment         float64
	ManipulationScore float64
	TradingStatus     string
	CEOAgentID        string
}

func (companyRow) TableName() string { return "companies" }

type orderRow struct {
	ID           string `gorm:"primaryKey"`
	AgentID      string `gorm:"index"`
	Symbol       string `gorm:"index"`
	Side         string
	Type         string
	Quantity     float64
	LimitPrice   decimal.Decimal `gorm:"type:numeric(18,4)"`
	StopPrice    decimal.Decimal `gorm:"type:numeric(18,4)"`
	FilledQty    float64
	AvgFillPrice decimal.Decimal `gorm:"type:numeric(18,4)"`
	Status       string          `gorm:"index"`
	TickSubmit   int64
	TickFilled   int64
	CreatedAt    time.Time
}

func (orderRow) TableName() string { return "orders" }

type tradeRow struct {
	ID            string `gorm:"primaryKey"`
	Symbol        string `gorm:"index"`
	BuyerAgentID  string `gorm:"index"`
	SellerAgentID string `gorm:"index"`
	BuyOrderID    string
	SellOrderID   string
	Price         decimal.Decimal `gorm:"type:numeric(18,4)"`
	Quantity      float64
	Tick          int64 `gorm:"index"`
	Timestamp     time.Time
}

func (tradeRow) TableName() string { return "trades" }

type holdingRow struct {
	AgentID  string `gorm:"primaryKey"`
	Symbol   string `gorm:"primaryKey"`
	Quantity float64
	AvgCost  decimal.Decimal `gorm:"type:numeric(18,4)"`
}

func (holdingRow) TableName() string { return "holdings" }

type newsRow struct {
	ID        string `gorm:"primaryKey"`
	Tick      int64  `gorm:"index"`
	Headline  string
	Content   string
	Category  string
	Sentiment float64
	Symbols   string // JSON array
	AgentIDs  string // JSON array
	CreatedAt time.Time
}

func (newsRow) TableName() string { return "news" }

type investigationRow struct {
	ID            string `gorm:"primaryKey"`
	AgentID       string `gorm:"index"`
	Crime         string
	State         string `gorm:"index"`
	Evidence      float64
	TickOpened    int64
	TickActivated int64
	TickCharged   int64
	TickTrial     int64
	TickResolved  int64
	Fine          decimal.Decimal `gorm:"type:numeric(18,2)"`
	SentenceYears int
}

func (investigationRow) TableName() string { return "investigations" }

type violationRow struct {
	ID      string `gorm:"primaryKey"`
	AgentID string `gorm:"index"`
	Crime   string
	Tick    int64
	Detail  string
	Weight  float64
}

func (violationRow) TableName() string { return "violations" }

type worldStateRow struct {
	ID         int `gorm:"primaryKey"` // singleton, always 1
	Tick       int64
	MarketOpen bool
	Regime     string
	MacroRate  float64
	LastTickAt time.Time
}

func (worldStateRow) TableName() string { return "world_state" }

type portfolioSnapshotRow struct {
	ID        int64  `gorm:"primaryKey;autoIncrement"`
	Tick      int64  `gorm:"index"`
	AgentID   string `gorm:"index"`
	Cash      decimal.Decimal `gorm:"type:numeric(18,2)"`
	NetWorth  decimal.Decimal `gorm:"type:numeric(18,2)"`
	Positions string // JSON array of holdings
	CreatedAt time.Time
}

func (portfolioSnapshotRow) TableName() string { return "portfolio_snapshots" }

type worldSnapshotRow struct {
	ID        int64 `gorm:"primaryKey;autoIncrement"`
	Tick      int64 `gorm:"index"`
	Companies string // JSON array of company state
	Books     string // JSON array of shallow book snapshots
	CreatedAt time.Time
}

func (worldSnapshotRow) TableName() string { return "world_snapshots" }

// ————————————————————————————————————————————————————————————————————————
// Conversions
// ————————————————————————————————————————————————————————————————————————

func dec2(v float64) decimal.Decimal { return decimal.NewFromFloat(v).Round(2) }
func dec4(v float64) decimal.Decimal { return decimal.NewFromFloat(v).Round(4) }

func (r *agentRow) toType() types.Agent {
	return types.Agent{
		ID:                  r.ID,
		Name:                r.Name,
		Role:                r.Role,
		Status:              types.AgentStatus(r.Status),
		InvestigationStatus: types.AgentInvestigationStatus(r.InvestigationStatus),
		Cash:                r.Cash.InexactFloat64(),
		MarginUsed:          r.MarginUsed.InexactFloat64(),
		MarginLimit:         r.MarginLimit.InexactFloat64(),
		Reputation:          r.Reputation,
		CallbackURL:         r.CallbackURL,
		WebhookSecret:       r.WebhookSecret,
		WebhookFailures:     r.WebhookFailures,
		LastWebhookError:    r.LastWebhookError,
		AvgResponseTimeMs:   r.AvgResponseTimeMs,
		ResponseCount:       r.ResponseCount,
		ImprisonedUntil:     r.ImprisonedUntil,
		LastViolationTick:   r.LastViolationTick,
		CreatedAt:           r.CreatedAt,
	}
}

func (r *companyRow) toType() types.Company {
	return types.Company{
		ID:                r.ID,
		Symbol:            r.Symbol,
		Name:              r.Name,
		Sector:            r.Sector,
		Price:             r.Price.InexactFloat64(),
		PrevClose:         r.PrevClose.InexactFloat64(),
		OpenPrice:         r.OpenPrice.InexactFloat64(),
		HighPrice:         r.HighPrice.InexactFloat64(),
		LowPrice:          r.LowPrice.InexactFloat64(),
		SharesOutstanding: r.SharesOutstanding,
		MarketCap:         r.MarketCap.InexactFloat64(),
		Volatility:        r.Volatility,
		Beta:              r.Beta,
		Momentum:          r.Momentum,
		Sentiment:         r.Sentiment,
		ManipulationScore: r.ManipulationScore,
		TradingStatus:     types.TradingStatus(r.TradingStatus),
		CEOAgentID:        r.CEOAgentID,
	}
}

func (r *orderRow) toType() types.Order {
	return types.Order{
		ID:           r.ID,
		AgentID:      r.AgentID,
		Symbol:       r.Symbol,
		Side:         types.Side(r.Side),
		Type:         types.OrderType(r.Type),
		Quantity:     r.Quantity,
		LimitPrice:   r.LimitPrice.InexactFloat64(),
		StopPrice:    r.StopPrice.InexactFloat64(),
		FilledQty:    r.FilledQty,
		AvgFillPrice: r.AvgFillPrice.InexactFloat64(),
		Status:       types.OrderStatus(r.Status),
		TickSubmit:   r.TickSubmit,
		TickFilled:   r.TickFilled,
		CreatedAt:    r.CreatedAt,
	}
}

func orderToRow(o *types.Order) orderRow {
	return orderRow{
		ID:           o.ID,
		AgentID:      o.AgentID,
		Symbol:       o.Symbol,
		Side:         string(o.Side),
		Type:         string(o.Type),
		Quantity:     o.Quantity,
		LimitPrice:   dec4(o.LimitPrice),
		StopPrice:    dec4(o.StopPrice),
		FilledQty:    o.FilledQty,
		AvgFillPrice: dec4(o.AvgFillPrice),
		Status:       string(o.Status),
		TickSubmit:   o.TickSubmit,
		TickFilled:   o.TickFilled,
		CreatedAt:    o.CreatedAt,
	}
}

func (r *tradeRow) toType() types.Trade {
	return types.Trade{
		ID:            r.ID,
		Symbol:        r.Symbol,
		BuyerAgentID:  r.BuyerAgentID,
		SellerAgentID: r.SellerAgentID,
		BuyOrderID:    r.BuyOrderID,
		SellOrderID:   r.SellOrderID,
		Price:         r.Price.InexactFloat64(),
		Quantity:      r.Quantity,
		Tick:          r.Tick,
		Timestamp:     r.Timestamp,
	}
}

func (r *holdingRow) toType() types.Holding {
	return types.Holding{
		AgentID:  r.AgentID,
		Symbol:   r.Symbol,
		Quantity: r.Quantity,
		AvgCost:  r.AvgCost.InexactFloat64(),
	}
}

func (r *newsRow) toType() types.NewsArticle {
	a := types.NewsArticle{
		ID:        r.ID,
		Tick:      r.Tick,
		Headline:  r.Headline,
		Content:   r.Content,
		Category:  r.Category,
		Sentiment: r.Sentiment,
		CreatedAt: r.CreatedAt,
	}
	if r.Symbols != "" {
		_ = json.Unmarshal([]byte(r.Symbols), &a.Symbols)
	}
	if r.AgentIDs != "" {
		_ = json.Unmarshal([]byte(r.AgentIDs), &a.AgentIDs)
	}
	return a
}

func (r *investigationRow) toType() types.Investigation {
	return types.Investigation{
		ID:            r.ID,
		AgentID:       r.AgentID,
		Crime:         types.CrimeType(r.Crime),
		State:         types.InvestigationState(r.State),
		Evidence:      r.Evidence,
		TickOpened:    r.TickOpened,
		TickActivated: r.TickActivated,
		TickCharged:   r.TickCharged,
		TickTrial:     r.TickTrial,
		TickResolved:  r.TickResolved,
		Fine:          r.Fine.InexactFloat64(),
		SentenceYears: r.SentenceYears,
	}
}

func investigationToRow(inv *types.Investigation) investigationRow {
	return investigationRow{
		ID:            inv.ID,
		AgentID:       inv.AgentID,
		Crime:         string(inv.Crime),
		State:         string(inv.State),
		Evidence:      inv.Evidence,
		TickOpened:    inv.TickOpened,
		TickActivated: inv.TickActivated,
		TickCharged:   inv.TickCharged,
		TickTrial:     inv.TickTrial,
		TickResolved:  inv.TickResolved,
		Fine:          dec2(inv.Fine),
		SentenceYears: inv.SentenceYears,
	}
}

func marshalJSON(v interface{}) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(data)
}
