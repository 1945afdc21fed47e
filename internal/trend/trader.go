// Package trend discovers short-lived momentum assets outside the core
// portfolio and manages them with a tight profit ladder and stop.
package trend

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/coinpilot/trading-engine/internal/config"
	"github.com/coinpilot/trading-engine/internal/engine"
	"github.com/coinpilot/trading-engine/internal/exchange"
	"github.com/coinpilot/trading-engine/internal/metrics"
	"github.com/coinpilot/trading-engine/pkg/types"
)

// Discovery bounds.
const (
	universeSize  = 30    // top assets by 24h turnover considered
	minChangeRate = -30.0 // percent, excludes collapsing assets
	maxChangeRate = 50.0  // percent, excludes already-pumped assets
)

// Profit ladder rungs, highest first.
const (
	rungFull = 20.0 // percent profit: exit fully
	rungHalf = 15.0 // sell 50%
	rungTrim = 10.0 // sell 40%
)

// MetricsSource supplies technical readings for arbitrary assets, not
// just the core portfolio.
type MetricsSource interface {
	AssetMetrics(ctx context.Context, asset string) (types.AssetMetrics, error)
}

type position struct {
	enteredAt time.Time
	rung      int // highest ladder rung already executed
}

// Trader runs the trend-asset side loop.
type Trader struct {
	logger  *zap.Logger
	client  exchange.Client
	exec    *engine.Executor
	source  MetricsSource
	metrics *metrics.Metrics

	mu      sync.Mutex
	managed map[string]*position
}

// NewTrader creates a trend trader.
func NewTrader(logger *zap.Logger, client exchange.Client, exec *engine.Executor, source MetricsSource, m *metrics.Metrics) *Trader {
	return &Trader{
		logger:  logger.Named("trend"),
		client:  client,
		exec:    exec,
		source:  source,
		metrics: m,
		managed: make(map[string]*position),
	}
}

// Holding reports whether any trend position is currently managed; the
// scheduler polls faster while holding.
func (t *Trader) Holding() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.managed) > 0
}

// Managed returns the managed asset names for the status API.
func (t *Trader) Managed() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.managed))
	for asset := range t.managed {
		out = append(out, asset)
	}
	sort.Strings(out)
	return out
}

// RunOnce manages existing positions, then looks for new entries when
// capacity remains. Errors degrade to a skipped pass.
func (t *Trader) RunOnce(ctx context.Context, cfg *config.Config, news types.NewsAnalysis) error {
	if err := t.manage(ctx, cfg); err != nil {
		return err
	}

	t.mu.Lock()
	capacity := cfg.TrendMaxAssets - len(t.managed)
	t.mu.Unlock()
	t.metrics.TrendPositions.Set(float64(cfg.TrendMaxAssets - capacity))

	if capacity <= 0 {
		return nil
	}
	// Entries pause while the news flow is hostile; exits never do.
	if news.Sentiment == types.SentimentNegative || news.Emergency() {
		t.logger.Debug("trend entries paused on negative news")
		return nil
	}
	return t.enter(ctx, cfg, capacity)
}

// manage walks the ladder for each managed position.
func (t *Trader) manage(ctx context.Context, cfg *config.Config) error {
	balances, err := t.client.Balances(ctx)
	if err != nil {
		return types.TransientDataErr(err)
	}
	byAsset := make(map[string]exchange.Balance, len(balances))
	for _, b := range balances {
		byAsset[b.Asset] = b
	}

	t.mu.Lock()
	assets := make([]string, 0, len(t.managed))
	for asset := range t.managed {
		assets = append(assets, asset)
	}
	t.mu.Unlock()
	sort.Strings(assets)

	for _, asset := range assets {
		bal, held := byAsset[asset]
		if !held || bal.Quantity.IsZero() {
			t.drop(asset)
			continue
		}

		price, err := t.client.CurrentPrice(ctx, asset)
		if err != nil || price.IsZero() || bal.AvgBuyPrice.IsZero() {
			continue
		}
		profit, _ := price.Sub(bal.AvgBuyPrice).
			Div(bal.AvgBuyPrice).
			Mul(decimal.NewFromInt(100)).Float64()

		t.applyLadder(ctx, cfg, asset, bal.Quantity, profit)
	}
	return nil
}

// applyLadder executes at most one rung per pass, highest first.
func (t *Trader) applyLadder(ctx context.Context, cfg *config.Config, asset string, qty decimal.Decimal, profit float64) {
	t.mu.Lock()
	pos, ok := t.managed[asset]
	t.mu.Unlock()
	if !ok {
		return
	}

	switch {
	case profit <= -cfg.TrendStopLoss:
		if _, err := t.exec.Sell(ctx, asset, qty, types.IntentTrendLadder, "trend stop loss"); err == nil {
			t.drop(asset)
		}
	case profit >= rungFull:
		if _, err := t.exec.Sell(ctx, asset, qty, types.IntentTrendLadder, "trend target reached"); err == nil {
			t.drop(asset)
		}
	case profit >= rungHalf && pos.rung < 2:
		half := qty.Mul(decimal.NewFromFloat(0.5))
		if _, err := t.exec.Sell(ctx, asset, half, types.IntentTrendLadder, "trend ladder 15%"); err == nil {
			t.setRung(asset, 2)
		}
	case profit >= rungTrim && pos.rung < 1:
		trim := qty.Mul(decimal.NewFromFloat(0.4))
		if _, err := t.exec.Sell(ctx, asset, trim, types.IntentTrendLadder, "trend ladder 10%"); err == nil {
			t.setRung(asset, 1)
		}
	}
}

func (t *Trader) drop(asset string) {
	t.mu.Lock()
	delete(t.managed, asset)
	t.mu.Unlock()
}

func (t *Trader) setRung(asset string, rung int) {
	t.mu.Lock()
	if pos, ok := t.managed[asset]; ok && rung > pos.rung {
		pos.rung = rung
	}
	t.mu.Unlock()
}

// enter discovers candidates and opens up to capacity positions.
func (t *Trader) enter(ctx context.Context, cfg *config.Config, capacity int) error {
	candidates, err := t.discover(ctx, cfg)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		return nil
	}
	if len(candidates) > capacity {
		candidates = candidates[:capacity]
	}

	cash, err := t.client.CashBalance(ctx)
	if err != nil {
		return types.TransientDataErr(err)
	}
	budget := cash.
		Mul(decimal.NewFromFloat(cfg.TrendInvestRatio)).
		Div(decimal.NewFromInt(int64(len(candidates))))
	if budget.LessThan(decimal.NewFromFloat(cfg.MinTradeAmount)) {
		return nil
	}

	for _, asset := range candidates {
		if _, err := t.exec.Buy(ctx, asset, budget, types.IntentTrendEntry, "trend momentum entry"); err != nil {
			t.logger.Warn("trend entry failed",
				zap.String("asset", asset), zap.Error(err))
			continue
		}
		t.mu.Lock()
		t.managed[asset] = &position{enteredAt: time.Now()}
		t.mu.Unlock()
	}
	return nil
}

// discover ranks the market by turnover and filters for healthy
// momentum with adequate liquidity.
func (t *Trader) discover(ctx context.Context, cfg *config.Config) ([]string, error) {
	tickers, err := t.client.Tickers(ctx)
	if err != nil {
		return nil, types.TransientDataErr(err)
	}

	sort.Slice(tickers, func(i, j int) bool {
		return tickers[i].TradeValue.GreaterThan(tickers[j].TradeValue)
	})
	if len(tickers) > universeSize {
		tickers = tickers[:universeSize]
	}

	excluded := make(map[string]bool, len(cfg.Portfolio))
	for _, asset := range cfg.Portfolio {
		excluded[asset] = true
	}
	t.mu.Lock()
	for asset := range t.managed {
		excluded[asset] = true
	}
	t.mu.Unlock()

	minTurnover := decimal.NewFromFloat(cfg.TrendMinTradeValue)
	var out []string
	for _, tk := range tickers {
		if excluded[tk.Asset] || tk.Asset == cfg.Quote {
			continue
		}
		if tk.ChangeRate < minChangeRate || tk.ChangeRate > maxChangeRate {
			continue
		}
		if tk.TradeValue.LessThan(minTurnover) {
			continue
		}
		if !t.liquid(ctx, cfg, tk.Asset) {
			continue
		}
		if !t.screened(ctx, tk.Asset) {
			continue
		}
		out = append(out, tk.Asset)
	}

	// Strongest momentum first.
	sort.Slice(out, func(i, j int) bool {
		return changeOf(tickers, out[i]) > changeOf(tickers, out[j])
	})
	return out, nil
}

func changeOf(tickers []types.TickerStats, asset string) float64 {
	for _, tk := range tickers {
		if tk.Asset == asset {
			return tk.ChangeRate
		}
	}
	return 0
}

// liquid checks the book has enough ask depth to absorb an entry.
func (t *Trader) liquid(ctx context.Context, cfg *config.Config, asset string) bool {
	book, err := t.client.Orderbook(ctx, asset)
	if err != nil {
		return false
	}
	ask, ok := book.BestAsk()
	if !ok {
		return false
	}
	depth := ask.Price.Mul(ask.Quantity)
	return depth.GreaterThanOrEqual(decimal.NewFromFloat(cfg.MinTradeAmount))
}

// screened applies the technical entry screen: an oversold RSI or a
// clear volume spike qualifies.
func (t *Trader) screened(ctx context.Context, asset string) bool {
	m, err := t.source.AssetMetrics(ctx, asset)
	if err != nil {
		return false
	}
	return m.RSI < 45 || m.VolumeRatio > 1.4
}
