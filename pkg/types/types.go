// Package types defines the shared domain types for the trading engine.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// SignalKind is the advisory action suggested for an asset.
type SignalKind string

const (
	SignalBuy           SignalKind = "buy"
	SignalStrongBuy     SignalKind = "strong_buy"
	SignalSell          SignalKind = "sell"
	SignalEmergencySell SignalKind = "emergency_sell"
	SignalHold          SignalKind = "hold"
)

// Signal is a per-asset advisory with a confidence score.
// Signals are advisory only; the decision engine may veto or resize them.
type Signal struct {
	Asset      string     `json:"asset"`
	Kind       SignalKind `json:"kind"`
	Confidence float64    `json:"confidence"` // 0..1
	Reason     string     `json:"reason,omitempty"`
	Source     string     `json:"source,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`

	// RecommendedSize is the advisor's suggested cash fraction, 0..1;
	// zero means unspecified. The engine takes the smaller of this and
	// its own computed ratio.
	RecommendedSize float64 `json:"recommended_size,omitempty"`

	// Advisory price levels, zero when the provider omits them.
	StopLoss   decimal.Decimal `json:"stop_loss,omitempty"`
	TakeProfit decimal.Decimal `json:"take_profit,omitempty"`
}

// TrendAlignment buckets used by the market data provider.
const (
	TrendStrongBullish = "strong_bullish"
	TrendBullish       = "bullish"
	TrendWeakBullish   = "weak_bullish"
	TrendMixed         = "mixed_signals"
	TrendWeakBearish   = "weak_bearish"
	TrendBearish       = "bearish"
	TrendStrongBearish = "strong_bearish"
)

// AssetMetrics carries per-asset technical readings for one cycle.
type AssetMetrics struct {
	ChangeRate     float64 `json:"change_rate"` // 24h change, percent
	RSI            float64 `json:"rsi"`
	TrendAlignment string  `json:"trend_alignment"`
	VolumeRatio    float64 `json:"volume_ratio"` // short-term vs long-term volume
	DayVolumeAvg   float64 `json:"day_volume_avg"`
	Hour4VolumeAvg float64 `json:"hour4_volume_avg"`
}

// News sentiment labels.
const (
	SentimentPositive = "positive"
	SentimentNeutral  = "neutral"
	SentimentNegative = "negative"
)

// NewsAnalysis summarizes the news feed for the current cycle.
type NewsAnalysis struct {
	Sentiment       string   `json:"sentiment"`
	Score           float64  `json:"score"`
	EmergencyEvents []string `json:"emergency_events,omitempty"`
}

// Emergency reports whether any emergency event is active.
func (n NewsAnalysis) Emergency() bool {
	return len(n.EmergencyEvents) > 0
}

// MarketSnapshot is the market view handed to each engine cycle.
type MarketSnapshot struct {
	Assets    map[string]AssetMetrics `json:"assets"`
	FearGreed int                     `json:"fear_greed"` // 0..100, 50 when unavailable
	News      NewsAnalysis            `json:"news"`
	Timestamp time.Time               `json:"timestamp"`
}

// AvgVolatility returns the mean absolute 24h change across assets.
func (m MarketSnapshot) AvgVolatility() float64 {
	if len(m.Assets) == 0 {
		return 0
	}
	total := 0.0
	for _, a := range m.Assets {
		if a.ChangeRate < 0 {
			total -= a.ChangeRate
		} else {
			total += a.ChangeRate
		}
	}
	return total / float64(len(m.Assets))
}

// Holding is one asset position in the portfolio.
type Holding struct {
	Asset       string          `json:"asset"`
	Balance     decimal.Decimal `json:"balance"`
	AvgBuyPrice decimal.Decimal `json:"avg_buy_price"`
	Price       decimal.Decimal `json:"price"`
	Value       decimal.Decimal `json:"value"`
	ProfitRate  float64         `json:"profit_rate"` // percent vs avg buy price
}

// PortfolioSnapshot is a point-in-time valuation of cash plus holdings.
type PortfolioSnapshot struct {
	Cash       decimal.Decimal `json:"cash"`
	TotalValue decimal.Decimal `json:"total_value"`
	Holdings   []Holding       `json:"holdings"`
	Timestamp  time.Time       `json:"timestamp"`
}

// CashRatio returns cash as a fraction of total value (0 when empty).
func (p PortfolioSnapshot) CashRatio() float64 {
	if p.TotalValue.IsZero() {
		return 0
	}
	r, _ := p.Cash.Div(p.TotalValue).Float64()
	return r
}

// Allocation returns the asset's share of total value (0 when absent).
func (p PortfolioSnapshot) Allocation(asset string) float64 {
	if p.TotalValue.IsZero() {
		return 0
	}
	for _, h := range p.Holdings {
		if h.Asset == asset {
			r, _ := h.Value.Div(p.TotalValue).Float64()
			return r
		}
	}
	return 0
}

// Holding returns the named holding and whether it exists.
func (p PortfolioSnapshot) Holding(asset string) (Holding, bool) {
	for _, h := range p.Holdings {
		if h.Asset == asset {
			return h, true
		}
	}
	return Holding{}, false
}

// OrderSide distinguishes buys from sells.
type OrderSide string

const (
	SideBuy  OrderSide = "buy"
	SideSell OrderSide = "sell"
)

// IntentKind records which part of the engine originated an order.
type IntentKind string

const (
	IntentSignal            IntentKind = "signal"
	IntentStopLoss          IntentKind = "stop_loss"
	IntentCashRebalance     IntentKind = "cash_rebalance"
	IntentConcentration     IntentKind = "concentration"
	IntentPeriodicRebalance IntentKind = "periodic_rebalance"
	IntentBearDefense       IntentKind = "bear_defense"
	IntentTrendEntry        IntentKind = "trend_entry"
	IntentTrendLadder       IntentKind = "trend_ladder"
)

// OrderIntent is a fully specified order before execution.
// Buys are notional-denominated, sells quantity-denominated.
type OrderIntent struct {
	ID       string          `json:"id"`
	Asset    string          `json:"asset"`
	Side     OrderSide       `json:"side"`
	Quantity decimal.Decimal `json:"quantity,omitempty"`
	Notional decimal.Decimal `json:"notional,omitempty"`
	Kind     IntentKind      `json:"kind"`
	Reason   string          `json:"reason"`
}

// OrderResult echoes what the exchange reports back for a filled order.
type OrderResult struct {
	OrderID    string          `json:"order_id"`
	Asset      string          `json:"asset"`
	Side       OrderSide       `json:"side"`
	Quantity   decimal.Decimal `json:"quantity"`
	AvgPrice   decimal.Decimal `json:"avg_price"`
	Notional   decimal.Decimal `json:"notional"`
	Fee        decimal.Decimal `json:"fee"`
	ExecutedAt time.Time       `json:"executed_at"`
}

// OrderbookLevel is one price level of an orderbook side.
type OrderbookLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// Orderbook is a point-in-time view of the book for one asset.
type Orderbook struct {
	Asset     string           `json:"asset"`
	Bids      []OrderbookLevel `json:"bids"`
	Asks      []OrderbookLevel `json:"asks"`
	Timestamp time.Time        `json:"timestamp"`
}

// BestBid returns the top bid level, or false when the book is empty.
func (o *Orderbook) BestBid() (OrderbookLevel, bool) {
	if o == nil || len(o.Bids) == 0 {
		return OrderbookLevel{}, false
	}
	return o.Bids[0], true
}

// BestAsk returns the top ask level, or false when the book is empty.
func (o *Orderbook) BestAsk() (OrderbookLevel, bool) {
	if o == nil || len(o.Asks) == 0 {
		return OrderbookLevel{}, false
	}
	return o.Asks[0], true
}

// TickerStats is a 24h summary for one asset, used by trend discovery.
type TickerStats struct {
	Asset      string          `json:"asset"`
	Price      decimal.Decimal `json:"price"`
	ChangeRate float64         `json:"change_rate"` // percent
	TradeValue decimal.Decimal `json:"trade_value"` // 24h quote turnover
}
