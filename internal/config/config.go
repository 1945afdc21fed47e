// Package config loads and hot-reloads engine configuration via viper.
package config

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/coinpilot/trading-engine/pkg/types"
)

// Config is an immutable snapshot of engine settings. Callers get a
// fresh pointer from Manager.Current on every cycle; a snapshot never
// changes after it is handed out.
type Config struct {
	Quote     string   `mapstructure:"quote"`
	Portfolio []string `mapstructure:"portfolio"`

	// Trading
	BaseTradeRatio        float64 `mapstructure:"base_trade_ratio"`
	MaxPositionMultiplier float64 `mapstructure:"max_position_multiplier"`
	MinTradeAmount        float64 `mapstructure:"min_trade_amount"`
	FeeBuffer             float64 `mapstructure:"fee_buffer"`
	AIConfidenceMinimum   float64 `mapstructure:"ai_confidence_minimum"`

	// Risk
	StopLossPercent     float64 `mapstructure:"stop_loss_percent"`
	MinCashRatio        float64 `mapstructure:"min_cash_ratio"`
	TargetCashRatio     float64 `mapstructure:"target_cash_ratio"`
	MaxSingleAssetRatio float64 `mapstructure:"max_single_asset_ratio"`
	ConcentrationTarget float64 `mapstructure:"concentration_target"`
	BearMarketCashRatio float64 `mapstructure:"bear_market_cash_ratio"`

	// Regime thresholds
	BullThreshold    float64 `mapstructure:"bull_threshold"`
	BearThreshold    float64 `mapstructure:"bear_threshold"`
	HighVolThreshold float64 `mapstructure:"high_vol_threshold"`
	FearExtreme      int     `mapstructure:"fear_extreme"`
	GreedExtreme     int     `mapstructure:"greed_extreme"`

	// Rebalancing
	RebalanceEveryCycles int           `mapstructure:"rebalance_every_cycles"`
	DeviationThreshold   float64       `mapstructure:"deviation_threshold"`
	RebalanceCooldown    time.Duration `mapstructure:"rebalance_cooldown"`
	PartialSellCooldown  time.Duration `mapstructure:"partial_sell_cooldown"`
	MaxDailySells        int           `mapstructure:"max_daily_sells"`
	SettleDelay          time.Duration `mapstructure:"settle_delay"`

	// Scheduling: intervals and the volatility breakpoints that pick
	// between them.
	IntervalExtreme   time.Duration `mapstructure:"interval_extreme"`
	IntervalHigh      time.Duration `mapstructure:"interval_high"`
	IntervalMedium    time.Duration `mapstructure:"interval_medium"`
	IntervalLow       time.Duration `mapstructure:"interval_low"`
	IntervalEmergency time.Duration `mapstructure:"interval_emergency"`
	VolExtreme        float64       `mapstructure:"vol_extreme"`
	VolHigh           float64       `mapstructure:"vol_high"`
	VolMedium         float64       `mapstructure:"vol_medium"`

	// Trend assets
	TrendMaxAssets     int           `mapstructure:"trend_max_assets"`
	TrendInvestRatio   float64       `mapstructure:"trend_invest_ratio"`
	TrendStopLoss      float64       `mapstructure:"trend_stop_loss"`
	TrendHoldInterval  time.Duration `mapstructure:"trend_hold_interval"`
	TrendFlatInterval  time.Duration `mapstructure:"trend_flat_interval"`
	TrendMinTradeValue float64       `mapstructure:"trend_min_trade_value"`

	// Exchange access
	RateLimitPerSec    float64 `mapstructure:"rate_limit_per_sec"`
	BreakerMaxFailures uint32  `mapstructure:"breaker_max_failures"`

	// Observability
	StatusListenAddr string `mapstructure:"status_listen_addr"`
	DecisionLogPath  string `mapstructure:"decision_log_path"`
}

// Validate rejects configs that would make the engine misbehave.
func (c *Config) Validate() error {
	if c.BaseTradeRatio <= 0 || c.BaseTradeRatio > 1 {
		return fmt.Errorf("base_trade_ratio %.3f out of (0,1]", c.BaseTradeRatio)
	}
	if c.MinCashRatio >= c.TargetCashRatio {
		return fmt.Errorf("min_cash_ratio %.2f must be below target_cash_ratio %.2f",
			c.MinCashRatio, c.TargetCashRatio)
	}
	if c.ConcentrationTarget >= c.MaxSingleAssetRatio {
		return fmt.Errorf("concentration_target %.2f must be below max_single_asset_ratio %.2f",
			c.ConcentrationTarget, c.MaxSingleAssetRatio)
	}
	if c.StopLossPercent <= 0 {
		return fmt.Errorf("stop_loss_percent must be positive")
	}
	if c.MinTradeAmount <= 0 {
		return fmt.Errorf("min_trade_amount must be positive")
	}
	if c.BullThreshold <= c.BearThreshold {
		return fmt.Errorf("bull_threshold %.1f must exceed bear_threshold %.1f",
			c.BullThreshold, c.BearThreshold)
	}
	if c.MaxPositionMultiplier < 1 {
		return fmt.Errorf("max_position_multiplier must be at least 1")
	}
	if c.VolExtreme <= c.VolHigh || c.VolHigh <= c.VolMedium {
		return fmt.Errorf("volatility breakpoints must descend: extreme %.1f > high %.1f > medium %.1f",
			c.VolExtreme, c.VolHigh, c.VolMedium)
	}
	return nil
}

// Manager owns the live config snapshot and file watching.
type Manager struct {
	logger  *zap.Logger
	v       *viper.Viper
	current atomic.Pointer[Config]
	reloads atomic.Int64
}

// setDefaults mirrors the documented defaults; a missing config file
// yields a fully working engine.
func setDefaults(v *viper.Viper) {
	v.SetDefault("quote", "KRW")
	v.SetDefault("portfolio", []string{"BTC", "ETH", "XRP"})

	v.SetDefault("base_trade_ratio", 0.15)
	v.SetDefault("max_position_multiplier", 1.5)
	v.SetDefault("min_trade_amount", 5000)
	v.SetDefault("fee_buffer", 0.9995)
	v.SetDefault("ai_confidence_minimum", 0.65)

	v.SetDefault("stop_loss_percent", 15.0)
	v.SetDefault("min_cash_ratio", 0.15)
	v.SetDefault("target_cash_ratio", 0.20)
	v.SetDefault("max_single_asset_ratio", 0.35)
	v.SetDefault("concentration_target", 0.33)
	v.SetDefault("bear_market_cash_ratio", 0.50)

	v.SetDefault("bull_threshold", 10.0)
	v.SetDefault("bear_threshold", -10.0)
	v.SetDefault("high_vol_threshold", 5.0)
	v.SetDefault("fear_extreme", 25)
	v.SetDefault("greed_extreme", 75)

	v.SetDefault("rebalance_every_cycles", 20)
	v.SetDefault("deviation_threshold", 0.15)
	v.SetDefault("rebalance_cooldown", 2*time.Hour)
	v.SetDefault("partial_sell_cooldown", 6*time.Hour)
	v.SetDefault("max_daily_sells", 1)
	v.SetDefault("settle_delay", 2*time.Second)

	v.SetDefault("interval_extreme", 15*time.Minute)
	v.SetDefault("interval_high", 30*time.Minute)
	v.SetDefault("interval_medium", time.Hour)
	v.SetDefault("interval_low", 2*time.Hour)
	v.SetDefault("interval_emergency", 5*time.Minute)
	v.SetDefault("vol_extreme", 8.0)
	v.SetDefault("vol_high", 5.0)
	v.SetDefault("vol_medium", 2.0)

	v.SetDefault("trend_max_assets", 2)
	v.SetDefault("trend_invest_ratio", 0.15)
	v.SetDefault("trend_stop_loss", 8.0)
	v.SetDefault("trend_hold_interval", 5*time.Minute)
	v.SetDefault("trend_flat_interval", 20*time.Minute)
	v.SetDefault("trend_min_trade_value", 1_000_000_000)

	v.SetDefault("rate_limit_per_sec", 8.0)
	v.SetDefault("breaker_max_failures", 5)

	v.SetDefault("status_listen_addr", ":8090")
	v.SetDefault("decision_log_path", "decisions.log")
}

// NewManager reads the config file (optional) and starts watching it.
func NewManager(logger *zap.Logger, path string) (*Manager, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("ENGINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, types.ConfigErr(fmt.Errorf("read config %s: %w", path, err))
		}
	}

	m := &Manager{
		logger: logger.Named("config"),
		v:      v,
	}

	cfg, err := m.unmarshal()
	if err != nil {
		return nil, err
	}
	m.current.Store(cfg)

	if path != "" {
		v.OnConfigChange(func(_ fsnotify.Event) { m.reload() })
		v.WatchConfig()
	}

	return m, nil
}

func (m *Manager) unmarshal() (*Config, error) {
	var cfg Config
	if err := m.v.Unmarshal(&cfg); err != nil {
		return nil, types.ConfigErr(fmt.Errorf("unmarshal config: %w", err))
	}
	if err := cfg.Validate(); err != nil {
		return nil, types.ConfigErr(err)
	}
	return &cfg, nil
}

// reload swaps in the new snapshot; an invalid file keeps the old one.
func (m *Manager) reload() {
	cfg, err := m.unmarshal()
	if err != nil {
		m.logger.Warn("config reload rejected, keeping previous",
			zap.Error(err))
		return
	}
	m.current.Store(cfg)
	m.reloads.Add(1)
	m.logger.Info("config reloaded",
		zap.Int64("reloads", m.reloads.Load()))
}

// Current returns the live config snapshot.
func (m *Manager) Current() *Config {
	return m.current.Load()
}

// Reloads returns how many successful hot reloads have happened.
func (m *Manager) Reloads() int64 {
	return m.reloads.Load()
}

// Static wraps a fixed config in a Manager-compatible provider, for
// tests and tooling.
func Static(cfg *Config) *Manager {
	m := &Manager{logger: zap.NewNop(), v: viper.New()}
	m.current.Store(cfg)
	return m
}

// Default returns the default config snapshot.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	// Defaults always unmarshal cleanly.
	_ = v.Unmarshal(&cfg)
	return &cfg
}
