// Package config defines all configuration for the tick engine.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via WSS_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Store     StoreConfig     `mapstructure:"store"`
	Broker    BrokerConfig    `mapstructure:"broker"`
	Tick      TickConfig      `mapstructure:"tick"`
	Market    MarketConfig    `mapstructure:"market"`
	Events    EventsConfig    `mapstructure:"events"`
	SEC       SECConfig       `mapstructure:"sec"`
	Webhook   WebhookConfig   `mapstructure:"webhook"`
	Heartbeat HeartbeatConfig `mapstructure:"heartbeat"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// StoreConfig holds the Postgres DSN for the relational store.
type StoreConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// BrokerConfig holds the redis connection for the key/value + pub/sub broker.
type BrokerConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// TickConfig tunes the scheduler.
//
//   - Interval: wall-clock period of one tick (default 1s). If a tick runs
//     longer than the interval, subsequent ticks are skipped, never overlapped.
//   - Seed: RNG seed for the per-tick deterministic stream. 0 seeds from the
//     wall clock (non-reproducible).
//   - RecentTradeTicks: lookback for the reputation trade-recovery bonus.
//   - NewsLookbackTicks: how far back news sentiment feeds the price engine.
type TickConfig struct {
	Interval          time.Duration `mapstructure:"interval"`
	Seed              int64         `mapstructure:"seed"`
	RecentTradeTicks  int64         `mapstructure:"recent_trade_ticks"`
	NewsLookbackTicks int64         `mapstructure:"news_lookback_ticks"`
	PortfolioSnapshot int64         `mapstructure:"portfolio_snapshot_ticks"`
	WorldSnapshot     int64         `mapstructure:"world_snapshot_ticks"`
	ReplayLogSize     int64         `mapstructure:"replay_log_size"`
}

// MarketConfig shapes the trading session and the price model.
//
//   - OpenTick/CloseTick/AfterHoursTicks: the market is open while
//     openTick ≤ tick mod (closeTick+afterHoursTicks) < closeTick.
//   - MaxChangePerTick: per-tick return clamp M (e.g. 0.1 = ±10%).
//   - Weights: agent pressure, random walk and sector correlation terms of
//     the composite return.
//   - MakerLevels/MakerBaseQty: the boot-time liquidity ladder.
type MarketConfig struct {
	OpenTick         int64   `mapstructure:"open_tick"`
	CloseTick        int64   `mapstructure:"close_tick"`
	AfterHoursTicks  int64   `mapstructure:"after_hours_ticks"`
	MaxChangePerTick float64 `mapstructure:"max_change_per_tick"`
	PriceFloor       float64 `mapstructure:"price_floor"`
	AgentWeight      float64 `mapstructure:"agent_weight"`
	RandomWeight     float64 `mapstructure:"random_weight"`
	SectorWeight     float64 `mapstructure:"sector_weight"`
	MakerLevels      int     `mapstructure:"maker_levels"`
	MakerBaseQty     float64 `mapstructure:"maker_base_qty"`
	RegimeReview     int64   `mapstructure:"regime_review_ticks"`
	TicksPerYear     int64   `mapstructure:"ticks_per_year"`
}

// EventsConfig controls the random event generator.
type EventsConfig struct {
	Enabled         bool    `mapstructure:"enabled"`
	BlackSwanChance float64 `mapstructure:"black_swan_chance"`
	BaseEventChance float64 `mapstructure:"base_event_chance"`
	// News thresholds
	TradeNewsValue    float64 `mapstructure:"trade_news_value"`
	PriceMoveNewsPct  float64 `mapstructure:"price_move_news_pct"`
	AnalysisChance    float64 `mapstructure:"analysis_chance"`
	RumorImpactCap    float64 `mapstructure:"rumor_impact_cap"`
	RumorPerTickLimit int64   `mapstructure:"rumor_per_tick_limit"`
}

// SECConfig tunes detection thresholds and the investigation timetable
// (all in ticks).
type SECConfig struct {
	WashMinQty          float64 `mapstructure:"wash_min_qty"`
	ManipVolumeShare    float64 `mapstructure:"manip_volume_share"`
	ManipMinMovePct     float64 `mapstructure:"manip_min_move_pct"`
	InsiderMinValue     float64 `mapstructure:"insider_min_value"`
	InsiderMinImpact    float64 `mapstructure:"insider_min_impact"`
	OpenToActiveTicks   int64   `mapstructure:"open_to_active_ticks"`
	ActiveToChargeTicks int64   `mapstructure:"active_to_charge_ticks"`
	ChargeToTrialTicks  int64   `mapstructure:"charge_to_trial_ticks"`
	TrialToVerdictTicks int64   `mapstructure:"trial_to_verdict_ticks"`
	BaseFine            float64 `mapstructure:"base_fine"`
	MaxSentenceYears    int     `mapstructure:"max_sentence_years"`
}

// WebhookConfig controls the outbound dispatcher.
//
//   - Timeout: hard per-request timeout; the scheduler never waits longer.
//   - FailureThreshold: consecutive failures before delivery is paused
//     until the gateway confirms a reconnect.
//   - PoolSize: bounded fan-out for a single tick's deliveries.
type WebhookConfig struct {
	Timeout          time.Duration `mapstructure:"timeout"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
	PoolSize         int           `mapstructure:"pool_size"`
}

// HeartbeatConfig controls the liveness publisher.
type HeartbeatConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// MetricsConfig controls the prometheus /metrics listener.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: WSS_STORE_DSN, WSS_BROKER_ADDR, WSS_BROKER_PASSWORD.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("WSS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if dsn := os.Getenv("WSS_STORE_DSN"); dsn != "" {
		cfg.Store.DSN = dsn
	}
	if addr := os.Getenv("WSS_BROKER_ADDR"); addr != "" {
		cfg.Broker.Addr = addr
	}
	if pw := os.Getenv("WSS_BROKER_PASSWORD"); pw != "" {
		cfg.Broker.Password = pw
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// applyDefaults fills zero values with the documented defaults so a minimal
// YAML file still yields a runnable engine.
func (c *Config) applyDefaults() {
	if c.Tick.Interval == 0 {
		c.Tick.Interval = time.Second
	}
	if c.Tick.RecentTradeTicks == 0 {
		c.Tick.RecentTradeTicks = 10
	}
	if c.Tick.NewsLookbackTicks == 0 {
		c.Tick.NewsLookbackTicks = 20
	}
	if c.Tick.PortfolioSnapshot == 0 {
		c.Tick.PortfolioSnapshot = 50
	}
	if c.Tick.WorldSnapshot == 0 {
		c.Tick.WorldSnapshot = 100
	}
	if c.Tick.ReplayLogSize == 0 {
		c.Tick.ReplayLogSize = 1000
	}
	if c.Market.CloseTick == 0 {
		c.Market.CloseTick = 390
	}
	if c.Market.AfterHoursTicks == 0 {
		c.Market.AfterHoursTicks = 110
	}
	if c.Market.MaxChangePerTick == 0 {
		c.Market.MaxChangePerTick = 0.1
	}
	if c.Market.PriceFloor == 0 {
		c.Market.PriceFloor = 0.01
	}
	if c.Market.AgentWeight == 0 {
		c.Market.AgentWeight = 1.0
	}
	if c.Market.RandomWeight == 0 {
		c.Market.RandomWeight = 1.0
	}
	if c.Market.SectorWeight == 0 {
		c.Market.SectorWeight = 1.0
	}
	if c.Market.MakerLevels == 0 {
		c.Market.MakerLevels = 5
	}
	if c.Market.MakerBaseQty == 0 {
		c.Market.MakerBaseQty = 100
	}
	if c.Market.RegimeReview == 0 {
		c.Market.RegimeReview = 25
	}
	if c.Market.TicksPerYear == 0 {
		c.Market.TicksPerYear = 10000
	}
	if c.Events.TradeNewsValue == 0 {
		c.Events.TradeNewsValue = 100000
	}
	if c.Events.PriceMoveNewsPct == 0 {
		c.Events.PriceMoveNewsPct = 5.0
	}
	if c.Events.RumorImpactCap == 0 {
		c.Events.RumorImpactCap = 0.03
	}
	if c.Events.RumorPerTickLimit == 0 {
		c.Events.RumorPerTickLimit = 3
	}
	if c.SEC.WashMinQty == 0 {
		c.SEC.WashMinQty = 10
	}
	if c.SEC.ManipVolumeShare == 0 {
		c.SEC.ManipVolumeShare = 0.6
	}
	if c.SEC.ManipMinMovePct == 0 {
		c.SEC.ManipMinMovePct = 3.0
	}
	if c.SEC.InsiderMinValue == 0 {
		c.SEC.InsiderMinValue = 50000
	}
	if c.SEC.InsiderMinImpact == 0 {
		c.SEC.InsiderMinImpact = 0.05
	}
	if c.SEC.OpenToActiveTicks == 0 {
		c.SEC.OpenToActiveTicks = 20
	}
	if c.SEC.ActiveToChargeTicks == 0 {
		c.SEC.ActiveToChargeTicks = 50
	}
	if c.SEC.ChargeToTrialTicks == 0 {
		c.SEC.ChargeToTrialTicks = 30
	}
	if c.SEC.TrialToVerdictTicks == 0 {
		c.SEC.TrialToVerdictTicks = 40
	}
	if c.SEC.BaseFine == 0 {
		c.SEC.BaseFine = 100000
	}
	if c.SEC.MaxSentenceYears == 0 {
		c.SEC.MaxSentenceYears = 10
	}
	if c.Webhook.Timeout == 0 {
		c.Webhook.Timeout = 5 * time.Second
	}
	if c.Webhook.FailureThreshold == 0 {
		c.Webhook.FailureThreshold = 3
	}
	if c.Webhook.PoolSize == 0 {
		c.Webhook.PoolSize = 16
	}
	if c.Heartbeat.Interval == 0 {
		c.Heartbeat.Interval = 5 * time.Second
	}
	if c.Heartbeat.TTL == 0 {
		c.Heartbeat.TTL = 30 * time.Second
	}
	if c.Metrics.Port == 0 {
		c.Metrics.Port = 9091
	}
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Store.DSN == "" {
		return fmt.Errorf("store.dsn is required (set WSS_STORE_DSN)")
	}
	if c.Broker.Addr == "" {
		return fmt.Errorf("broker.addr is required (set WSS_BROKER_ADDR)")
	}
	if c.Tick.Interval <= 0 {
		return fmt.Errorf("tick.interval must be > 0")
	}
	if c.Market.MaxChangePerTick <= 0 || c.Market.MaxChangePerTick > 1 {
		return fmt.Errorf("market.max_change_per_tick must be in (0, 1]")
	}
	if c.Market.OpenTick < 0 || c.Market.OpenTick >= c.Market.CloseTick {
		return fmt.Errorf("market.open_tick must be in [0, close_tick)")
	}
	if c.Events.BlackSwanChance < 0 || c.Events.BlackSwanChance > 1 {
		return fmt.Errorf("events.black_swan_chance must be in [0, 1]")
	}
	if c.Events.BaseEventChance < 0 || c.Events.BaseEventChance > 1 {
		return fmt.Errorf("events.base_event_chance must be in [0, 1]")
	}
	if c.Webhook.FailureThreshold <= 0 {
		return fmt.Errorf("webhook.failure_threshold must be > 0")
	}
	if c.Webhook.PoolSize <= 0 {
		return fmt.Errorf("webhook.pool_size must be > 0")
	}
	return nil
}
