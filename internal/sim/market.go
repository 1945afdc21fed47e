// Package sim provides a synthetic market for paper mode: random-walk
// prices feed the paper exchange, and simple technicals feed the
// market provider and a heuristic signal source. It exists so the full
// loop can run end to end without venue credentials.
package sim

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coinpilot/trading-engine/internal/exchange"
	"github.com/coinpilot/trading-engine/pkg/types"
)

const rsiPeriod = 14

type assetSim struct {
	price   float64
	open24h float64
	changes []float64 // recent step returns, percent
}

// Market is a synthetic price process bound to a paper exchange.
type Market struct {
	mu     sync.Mutex
	rng    *rand.Rand
	paper  *exchange.Paper
	assets map[string]*assetSim
}

// NewMarket seeds prices for the given assets and posts them to the
// paper exchange.
func NewMarket(seed int64, paper *exchange.Paper, prices map[string]float64) *Market {
	m := &Market{
		rng:    rand.New(rand.NewSource(seed)),
		paper:  paper,
		assets: make(map[string]*assetSim, len(prices)),
	}
	for asset, p := range prices {
		m.assets[asset] = &assetSim{price: p, open24h: p}
		paper.SetPrice(asset, decimal.NewFromFloat(p))
	}
	m.publishTickers()
	return m
}

// step advances every price by one random-walk tick.
func (m *Market) step() {
	for _, a := range m.assets {
		move := m.rng.NormFloat64() * 0.8 // percent per step
		a.price *= 1 + move/100
		a.changes = append(a.changes, move)
		if len(a.changes) > rsiPeriod {
			a.changes = a.changes[len(a.changes)-rsiPeriod:]
		}
	}
	for asset, a := range m.assets {
		m.paper.SetPrice(asset, decimal.NewFromFloat(a.price))
	}
	m.publishTickers()
}

func (m *Market) publishTickers() {
	stats := make([]types.TickerStats, 0, len(m.assets))
	for asset, a := range m.assets {
		stats = append(stats, types.TickerStats{
			Asset:      asset,
			Price:      decimal.NewFromFloat(a.price),
			ChangeRate: change24h(a),
			TradeValue: decimal.NewFromFloat(a.price * 1e6),
		})
	}
	m.paper.SetTickers(stats)
}

func change24h(a *assetSim) float64 {
	if a.open24h == 0 {
		return 0
	}
	return (a.price - a.open24h) / a.open24h * 100
}

func rsi(changes []float64) float64 {
	if len(changes) == 0 {
		return 50
	}
	var gain, loss float64
	for _, c := range changes {
		if c > 0 {
			gain += c
		} else {
			loss -= c
		}
	}
	if loss == 0 {
		return 100
	}
	rs := gain / loss
	return 100 - 100/(1+rs)
}

func trendLabel(changes []float64) string {
	if len(changes) < 3 {
		return types.TrendMixed
	}
	recent := changes[len(changes)-3:]
	sum := recent[0] + recent[1] + recent[2]
	switch {
	case sum > 2:
		return types.TrendStrongBullish
	case sum > 0.5:
		return types.TrendBullish
	case sum < -2:
		return types.TrendStrongBearish
	case sum < -0.5:
		return types.TrendBearish
	default:
		return types.TrendMixed
	}
}

func (m *Market) metricsFor(a *assetSim) types.AssetMetrics {
	vol := 1.0
	if n := len(a.changes); n > 1 {
		vol = 1 + math.Abs(a.changes[n-1])/2
	}
	return types.AssetMetrics{
		ChangeRate:     change24h(a),
		RSI:            rsi(a.changes),
		TrendAlignment: trendLabel(a.changes),
		VolumeRatio:    vol,
		DayVolumeAvg:   1000,
		Hour4VolumeAvg: 1000 * vol / 4,
	}
}

// Market implements scheduler.MarketProvider: it advances the walk and
// returns fresh metrics for the requested assets.
func (m *Market) Market(_ context.Context, assets []string) (types.MarketSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.step()

	snap := types.MarketSnapshot{
		Assets:    make(map[string]types.AssetMetrics, len(assets)),
		FearGreed: 50,
		News:      types.NewsAnalysis{Sentiment: types.SentimentNeutral},
		Timestamp: time.Now(),
	}
	for _, asset := range assets {
		a, ok := m.assets[asset]
		if !ok {
			continue
		}
		snap.Assets[asset] = m.metricsFor(a)
	}
	return snap, nil
}

// AssetMetrics implements trend.MetricsSource.
func (m *Market) AssetMetrics(_ context.Context, asset string) (types.AssetMetrics, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assets[asset]
	if !ok {
		return types.AssetMetrics{}, exchange.ErrPriceUnavailable
	}
	return m.metricsFor(a), nil
}

// Signals is a momentum-contrarian heuristic source for paper mode:
// oversold assets get buys, overbought assets get sells.
type Signals struct {
	Source *Market
}

// Signals implements the signal provider contract.
func (s *Signals) Signals(ctx context.Context, market types.MarketSnapshot, _ types.PortfolioSnapshot) (map[string]types.Signal, error) {
	out := make(map[string]types.Signal, len(market.Assets))
	for asset, m := range market.Assets {
		sig := types.Signal{
			Asset:     asset,
			Kind:      types.SignalHold,
			Source:    "sim",
			Timestamp: time.Now(),
		}
		switch {
		case m.RSI < 35:
			sig.Kind = types.SignalBuy
			sig.Confidence = 0.6 + (35-m.RSI)/100
			sig.Reason = "oversold"
		case m.RSI > 70:
			sig.Kind = types.SignalSell
			sig.Confidence = 0.6 + (m.RSI-70)/100
			sig.Reason = "overbought"
		default:
			sig.Confidence = 0.5
		}
		out[asset] = sig
	}
	return out, nil
}
