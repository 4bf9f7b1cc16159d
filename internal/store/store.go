// Package store is the engine's view of the relational state shared with
// the gateway: agents, companies, orders, trades, holdings, news,
// investigations, world state and checkpoints.
//
// The gateway inserts orders with status pending; the tick scheduler
// consumes them here. All writes within a tick complete before the tick's
// messages are published, so subscribers never see a message describing a
// write that has not landed.
package store

import (
	"fmt"
	"log/slog"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"wallstreetsim/internal/config"
	"wallstreetsim/pkg/types"
)

// Store wraps the gorm connection.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

// Open connects to Postgres and migrates the schema.
func Open(cfg config.StoreConfig, logger *slog.Logger) (*Store, error) {
	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("store db handle: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := db.AutoMigrate(
		&agentRow{}, &companyRow{}, &orderRow{}, &tradeRow{}, &holdingRow{},
		&newsRow{}, &investigationRow{}, &violationRow{}, &worldStateRow{},
		&portfolioSnapshotRow{}, &worldSnapshotRow{},
	); err != nil {
		return nil, fmt.Errorf("migrate store: %w", err)
	}

	return &Store{db: db, logger: logger.With("component", "store")}, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ————————————————————————————————————————————————————————————————————————
// World state
// ————————————————————————————————————————————————————————————————————————

// LoadWorldState returns the singleton world row, or nil when the world
// has never been saved (fresh boot).
func (s *Store) LoadWorldState() (*types.WorldState, error) {
	var row worldStateRow
	err := s.db.First(&row, 1).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load world state: %w", err)
	}
	return &types.WorldState{
		Tick:       row.Tick,
		MarketOpen: row.MarketOpen,
		Regime:     types.Regime(row.Regime),
		MacroRate:  row.MacroRate,
		LastTickAt: row.LastTickAt,
	}, nil
}

// SaveWorldState upserts the singleton world row.
func (s *Store) SaveWorldState(ws *types.WorldState) error {
	row := worldStateRow{
		ID:         1,
		Tick:       ws.Tick,
		MarketOpen: ws.MarketOpen,
		Regime:     string(ws.Regime),
		MacroRate:  ws.MacroRate,
		LastTickAt: ws.LastTickAt,
	}
	return s.db.Save(&row).Error
}

// ————————————————————————————————————————————————————————————————————————
// Companies
// ————————————————————————————————————————————————————————————————————————

// ListCompanies returns every listed company.
func (s *Store) ListCompanies() ([]types.Company, error) {
	var rows []companyRow
	if err := s.db.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list companies: %w", err)
	}
	out := make([]types.Company, len(rows))
	for i := range rows {
		out[i] = rows[i].toType()
	}
	return out, nil
}

// UpdateCompanyPrice persists the price-engine side effects for one symbol.
func (s *Store) UpdateCompanyPrice(c *types.Company) error {
	return s.db.Model(&companyRow{}).Where("symbol = ?", c.Symbol).Updates(map[string]interface{}{
		"price":              dec4(c.Price),
		"prev_close":         dec4(c.PrevClose),
		"open_price":         dec4(c.OpenPrice),
		"high_price":         dec4(c.HighPrice),
		"low_price":          dec4(c.LowPrice),
		"market_cap":         dec2(c.MarketCap),
		"momentum":           c.Momentum,
		"sentiment":          c.Sentiment,
		"manipulation_score": c.ManipulationScore,
	}).Error
}

// ————————————————————————————————————————————————————————————————————————
// Agents
// ————————————————————————————————————————————————————————————————————————

// ListAgents returns every agent.
func (s *Store) ListAgents() ([]types.Agent, error) {
	var rows []agentRow
	if err := s.db.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	out := make([]types.Agent, len(rows))
	for i := range rows {
		out[i] = rows[i].toType()
	}
	return out, nil
}

// UpdateAgentStatus sets lifecycle status and the release tick.
func (s *Store) UpdateAgentStatus(agentID string, status types.AgentStatus, imprisonedUntil int64) error {
	return s.db.Model(&agentRow{}).Where("id = ?", agentID).Updates(map[string]interface{}{
		"status":           string(status),
		"imprisoned_until": imprisonedUntil,
	}).Error
}

// UpdateAgentInvestigationStatus sets the denormalized investigation badge.
func (s *Store) UpdateAgentInvestigationStatus(agentID string, status types.AgentInvestigationStatus) error {
	return s.db.Model(&agentRow{}).Where("id = ?", agentID).
		Update("investigation_status", string(status)).Error
}

// UpdateAgentReputation persists an integer reputation value.
func (s *Store) UpdateAgentReputation(agentID string, reputation int) error {
	return s.db.Model(&agentRow{}).Where("id = ?", agentID).
		Update("reputation", reputation).Error
}

// SetLastViolationTick marks when the agent last drew a violation.
func (s *Store) SetLastViolationTick(agentID string, tick int64) error {
	return s.db.Model(&agentRow{}).Where("id = ?", agentID).
		Update("last_violation_tick", tick).Error
}

// AdjustAgentCash applies a signed cash delta atomically in SQL.
func (s *Store) AdjustAgentCash(agentID string, delta float64) error {
	return s.db.Model(&agentRow{}).Where("id = ?", agentID).
		Update("cash", gorm.Expr("cash + ?", dec2(delta))).Error
}

// DeductCashIfSufficient atomically deducts amount only when the balance
// covers it. Returns false when it does not (used by BRIBE).
func (s *Store) DeductCashIfSufficient(agentID string, amount float64) (bool, error) {
	res := s.db.Model(&agentRow{}).
		Where("id = ? AND cash >= ?", agentID, dec2(amount)).
		Update("cash", gorm.Expr("cash - ?", dec2(amount)))
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// RecordWebhookSuccess resets the failure streak and stores the updated
// cumulative response-time mean.
func (s *Store) RecordWebhookSuccess(agentID string, avgMs float64, count int64) error {
	return s.db.Model(&agentRow{}).Where("id = ?", agentID).Updates(map[string]interface{}{
		"webhook_failures":     0,
		"last_webhook_error":   "",
		"avg_response_time_ms": avgMs,
		"response_count":       count,
	}).Error
}

// ResetWebhookFailures clears the failure streak without touching the
// response-time statistics.
func (s *Store) ResetWebhookFailures(agentID string) error {
	return s.db.Model(&agentRow{}).Where("id = ?", agentID).Updates(map[string]interface{}{
		"webhook_failures":   0,
		"last_webhook_error": "",
	}).Error
}

// RecordWebhookFailure increments the failure streak and stores the error.
func (s *Store) RecordWebhookFailure(agentID string, errMsg string) error {
	return s.db.Model(&agentRow{}).Where("id = ?", agentID).Updates(map[string]interface{}{
		"webhook_failures":   gorm.Expr("webhook_failures + 1"),
		"last_webhook_error": errMsg,
	}).Error
}

// ————————————————————————————————————————————————————————————————————————
// Orders
// ————————————————————————————————————————————————————————————————————————

// PendingOrders returns every pending order, oldest submission first — the
// queue the scheduler drains each open-market tick.
func (s *Store) PendingOrders() ([]types.Order, error) {
	var rows []orderRow
	err := s.db.Where("status = ?", string(types.OrderPending)).
		Order("created_at asc").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("pending orders: %w", err)
	}
	out := make([]types.Order, len(rows))
	for i := range rows {
		out[i] = rows[i].toType()
	}
	return out, nil
}

// InsertOrder persists a new order (action-processor originated).
func (s *Store) InsertOrder(o *types.Order) error {
	row := orderToRow(o)
	return s.db.Create(&row).Error
}

// UpdateOrder persists fill progress and status for one order.
func (s *Store) UpdateOrder(o *types.Order) error {
	return s.db.Model(&orderRow{}).Where("id = ?", o.ID).Updates(map[string]interface{}{
		"filled_qty":     o.FilledQty,
		"avg_fill_price": dec4(o.AvgFillPrice),
		"status":         string(o.Status),
		"tick_filled":    o.TickFilled,
	}).Error
}

// OpenOrdersFor returns an agent's non-terminal orders for its webhook
// payload.
func (s *Store) OpenOrdersFor(agentID string) ([]types.Order, error) {
	var rows []orderRow
	err := s.db.Where("agent_id = ? AND status IN ?", agentID,
		[]string{string(types.OrderPending), string(types.OrderOpen), string(types.OrderPartial)}).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("open orders: %w", err)
	}
	out := make([]types.Order, len(rows))
	for i := range rows {
		out[i] = rows[i].toType()
	}
	return out, nil
}

// ————————————————————————————————————————————————————————————————————————
// Trades
// ————————————————————————————————————————————————————————————————————————

// InsertTrades persists a batch of fills.
func (s *Store) InsertTrades(trades []types.Trade) error {
	if len(trades) == 0 {
		return nil
	}
	rows := make([]tradeRow, len(trades))
	for i, t := range trades {
		rows[i] = tradeRow{
			ID:            t.ID,
			Symbol:        t.Symbol,
			BuyerAgentID:  t.BuyerAgentID,
			SellerAgentID: t.SellerAgentID,
			BuyOrderID:    t.BuyOrderID,
			SellOrderID:   t.SellOrderID,
			Price:         dec4(t.Price),
			Quantity:      t.Quantity,
			Tick:          t.Tick,
			Timestamp:     t.Timestamp,
		}
	}
	return s.db.Create(&rows).Error
}

// TradesSince returns trades with tick ≥ since.
func (s *Store) TradesSince(since int64) ([]types.Trade, error) {
	var rows []tradeRow
	if err := s.db.Where("tick >= ?", since).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("trades since: %w", err)
	}
	out := make([]types.Trade, len(rows))
	for i := range rows {
		out[i] = rows[i].toType()
	}
	return out, nil
}

// ————————————————————————————————————————————————————————————————————————
// Holdings
// ————————————————————————————————————————————————————————————————————————

// Holding returns one (agent, symbol) position, or nil.
func (s *Store) Holding(agentID, symbol string) (*types.Holding, error) {
	var row holdingRow
	err := s.db.Where("agent_id = ? AND symbol = ?", agentID, symbol).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("holding: %w", err)
	}
	h := row.toType()
	return &h, nil
}

// UpsertHolding writes a position; zero quantity deletes the row instead.
func (s *Store) UpsertHolding(h types.Holding) error {
	if h.Quantity == 0 {
		return s.DeleteHolding(h.AgentID, h.Symbol)
	}
	row := holdingRow{AgentID: h.AgentID, Symbol: h.Symbol, Quantity: h.Quantity, AvgCost: dec4(h.AvgCost)}
	return s.db.Save(&row).Error
}

// DeleteHolding removes a closed position.
func (s *Store) DeleteHolding(agentID, symbol string) error {
	return s.db.Where("agent_id = ? AND symbol = ?", agentID, symbol).Delete(&holdingRow{}).Error
}

// HoldingsFor returns an agent's positions.
func (s *Store) HoldingsFor(agentID string) ([]types.Holding, error) {
	var rows []holdingRow
	if err := s.db.Where("agent_id = ?", agentID).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("holdings for: %w", err)
	}
	out := make([]types.Holding, len(rows))
	for i := range rows {
		out[i] = rows[i].toType()
	}
	return out, nil
}

// AllHoldings returns every position (leaderboard and checkpoints).
func (s *Store) AllHoldings() ([]types.Holding, error) {
	var rows []holdingRow
	if err := s.db.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("all holdings: %w", err)
	}
	out := make([]types.Holding, len(rows))
	for i := range rows {
		out[i] = rows[i].toType()
	}
	return out, nil
}

// ————————————————————————————————————————————————————————————————————————
// News
// ————————————————————————————————————————————————————————————————————————

// InsertNews persists a batch of articles.
func (s *Store) InsertNews(articles []types.NewsArticle) error {
	if len(articles) == 0 {
		return nil
	}
	rows := make([]newsRow, len(articles))
	for i, a := range articles {
		rows[i] = newsRow{
			ID:        a.ID,
			Tick:      a.Tick,
			Headline:  a.Headline,
			Content:   a.Content,
			Category:  a.Category,
			Sentiment: a.Sentiment,
			Symbols:   marshalJSON(a.Symbols),
			AgentIDs:  marshalJSON(a.AgentIDs),
			CreatedAt: a.CreatedAt,
		}
	}
	return s.db.Create(&rows).Error
}

// NewsSince returns articles with tick ≥ since.
func (s *Store) NewsSince(since int64) ([]types.NewsArticle, error) {
	var rows []newsRow
	if err := s.db.Where("tick >= ?", since).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("news since: %w", err)
	}
	out := make([]types.NewsArticle, len(rows))
	for i := range rows {
		out[i] = rows[i].toType()
	}
	return out, nil
}

// ————————————————————————————————————————————————————————————————————————
// Investigations & violations
// ————————————————————————————————————————————————————————————————————————

// UnresolvedInvestigations returns every case not yet in a terminal state.
func (s *Store) UnresolvedInvestigations() ([]types.Investigation, error) {
	var rows []investigationRow
	err := s.db.Where("state NOT IN ?", []string{
		string(types.CaseConvicted), string(types.CaseAcquitted), string(types.CaseSettled),
	}).Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("unresolved investigations: %w", err)
	}
	out := make([]types.Investigation, len(rows))
	for i := range rows {
		out[i] = rows[i].toType()
	}
	return out, nil
}

// InsertInvestigation persists a newly opened case.
func (s *Store) InsertInvestigation(inv *types.Investigation) error {
	row := investigationToRow(inv)
	return s.db.Create(&row).Error
}

// UpdateInvestigation persists a lifecycle transition.
func (s *Store) UpdateInvestigation(inv *types.Investigation) error {
	row := investigationToRow(inv)
	return s.db.Save(&row).Error
}

// InsertViolations persists detection hits for audit.
func (s *Store) InsertViolations(violations []types.Violation) error {
	if len(violations) == 0 {
		return nil
	}
	rows := make([]violationRow, len(violations))
	for i, v := range violations {
		rows[i] = violationRow{ID: v.ID, AgentID: v.AgentID, Crime: string(v.Crime), Tick: v.Tick, Detail: v.Detail, Weight: v.Weight}
	}
	return s.db.Create(&rows).Error
}

// ————————————————————————————————————————————————————————————————————————
// Checkpoints
// ————————————————————————————————————————————————————————————————————————

// PortfolioSnapshot is one agent's checkpointed state.
type PortfolioSnapshot struct {
	AgentID   string
	Cash      float64
	NetWorth  float64
	Positions []types.Holding
}

// SavePortfolioSnapshots persists the 50-tick portfolio checkpoint.
func (s *Store) SavePortfolioSnapshots(tick int64, snaps []PortfolioSnapshot) error {
	if len(snaps) == 0 {
		return nil
	}
	rows := make([]portfolioSnapshotRow, len(snaps))
	now := time.Now().UTC()
	for i, snap := range snaps {
		rows[i] = portfolioSnapshotRow{
			Tick:      tick,
			AgentID:   snap.AgentID,
			Cash:      dec2(snap.Cash),
			NetWorth:  dec2(snap.NetWorth),
			Positions: marshalJSON(snap.Positions),
			CreatedAt: now,
		}
	}
	return s.db.Create(&rows).Error
}

// SaveWorldSnapshot persists the 100-tick full-world checkpoint: company
// state plus shallow order books.
func (s *Store) SaveWorldSnapshot(tick int64, companies []types.Company, books []types.BookSnapshot) error {
	row := worldSnapshotRow{
		Tick:      tick,
		Companies: marshalJSON(companies),
		Books:     marshalJSON(books),
		CreatedAt: time.Now().UTC(),
	}
	return s.db.Create(&row).Error
}
