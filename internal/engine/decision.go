package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/coinpilot/trading-engine/internal/audit"
	"github.com/coinpilot/trading-engine/internal/config"
	"github.com/coinpilot/trading-engine/internal/metrics"
	"github.com/coinpilot/trading-engine/internal/sizing"
	"github.com/coinpilot/trading-engine/internal/state"
	"github.com/coinpilot/trading-engine/pkg/types"
)

// Denial reasons emitted to the decision log.
const (
	ReasonInsufficientCash   = "insufficient_cash"
	ReasonCashReserveFloor   = "cash_reserve_floor"
	ReasonBuyLimit           = "buy_limit"
	ReasonRebalanceCooldown  = "rebalance_cooldown"
	ReasonConcentration      = "concentration_ceiling"
	ReasonAllocationBand     = "allocation_band"
	ReasonLowConfidence      = "low_confidence"
	ReasonBelowMinTrade      = "below_min_trade"
	ReasonNoPosition         = "no_position"
	ReasonDailySellCap       = "daily_sell_cap"
	ReasonSellThrash         = "sell_thrash"
	ReasonPartialCooldown    = "partial_cooldown"
	ReasonLadderCancel       = "rsi_ladder_cancel"
	ReasonLowRSIStrongTrend  = "low_rsi_strong_trend"
	ReasonNoAction           = "no_action"
	ReasonOpportunisticEntry = "opportunistic_entry"
	ReasonDiversificationBuy = "diversification"
)

// Buy limits counted over the recent signal window; the relaxed limit
// applies while cash is plentiful.
const (
	buyWindowLimit        = 3
	buyWindowLimitRelaxed = 6
	relaxedCashRatio      = 0.40
)

// Loss depth and confidence that override the daily sell cap.
const (
	sellCapOverrideLoss       = -15.0
	sellCapOverrideConfidence = 0.8
)

// Diversification redirects buy at reduced size into siblings whose own
// signal is at least this confident.
const (
	diversifyMinConfidence = 0.6
	diversifySizeFactor    = 0.5
)

// DecisionEngine is the per-asset order state machine. Signals come in
// as advice; the engine vetoes, resizes, or executes them and records
// every outcome.
type DecisionEngine struct {
	logger    *zap.Logger
	executor  *Executor
	cooldowns *state.CooldownStore
	sink      *audit.Sink
	metrics   *metrics.Metrics

	now func() time.Time
}

// NewDecisionEngine creates the decision engine.
func NewDecisionEngine(logger *zap.Logger, executor *Executor, cooldowns *state.CooldownStore, sink *audit.Sink, m *metrics.Metrics) *DecisionEngine {
	return &DecisionEngine{
		logger:    logger.Named("decision"),
		executor:  executor,
		cooldowns: cooldowns,
		sink:      sink,
		metrics:   m,
		now:       time.Now,
	}
}

func (d *DecisionEngine) record(asset, action string, allowed bool, reason string, ctx map[string]any) {
	d.sink.Decision(audit.DecisionRecord{
		Asset:   asset,
		Action:  action,
		Allowed: allowed,
		Reason:  reason,
		Context: ctx,
	})
	d.metrics.DecisionsTotal.WithLabelValues(action, fmt.Sprintf("%t", allowed)).Inc()
}

// Decide routes one signal through the buy, sell, or hold path. sigs is
// the full signal map for the cycle, consulted when a blocked buy looks
// for a diversification target. Every received signal lands in the
// history window after the guards have examined the previous ones.
func (d *DecisionEngine) Decide(ctx context.Context, cfg *config.Config, sig types.Signal, size sizing.Decision, port types.PortfolioSnapshot, m types.AssetMetrics, sigs map[string]types.Signal) error {
	defer d.cooldowns.RecordSignal(sig.Asset, sig.Kind)

	switch sig.Kind {
	case types.SignalBuy, types.SignalStrongBuy:
		return d.decideBuy(ctx, cfg, sig, size, port, sigs, false)
	case types.SignalSell:
		return d.decideSell(ctx, cfg, sig, port, m, false)
	case types.SignalEmergencySell:
		return d.decideSell(ctx, cfg, sig, port, m, true)
	default:
		return d.decideHold(ctx, cfg, sig, size, port, m, sigs)
	}
}

func buildContext(sig types.Signal, port types.PortfolioSnapshot) map[string]any {
	return map[string]any{
		"confidence": sig.Confidence,
		"cash":       port.Cash.String(),
		"cash_ratio": port.CashRatio(),
		"allocation": port.Allocation(sig.Asset),
	}
}

// confidenceTier maps signal confidence to a size multiplier.
func confidenceTier(confidence float64) float64 {
	switch {
	case confidence >= 0.8:
		return 1.5
	case confidence >= 0.7:
		return 1.0
	default:
		return 0.5
	}
}

func (d *DecisionEngine) decideBuy(ctx context.Context, cfg *config.Config, sig types.Signal, size sizing.Decision, port types.PortfolioSnapshot, sigs map[string]types.Signal, diversified bool) error {
	auditCtx := buildContext(sig, port)
	minTrade := decimal.NewFromFloat(cfg.MinTradeAmount)

	if port.Cash.LessThan(minTrade.Mul(decimal.NewFromInt(2))) {
		d.record(sig.Asset, "BUY", false, ReasonInsufficientCash, auditCtx)
		return nil
	}

	// A freshly rebalanced asset must not be bought straight back.
	if !d.cooldowns.RebalanceAllowed(sig.Asset, d.now(), cfg.RebalanceCooldown) {
		d.record(sig.Asset, "BUY", false, ReasonRebalanceCooldown, auditCtx)
		return nil
	}

	limit := buyWindowLimit
	if port.CashRatio() > relaxedCashRatio {
		limit = buyWindowLimitRelaxed
	}
	if buys := d.cooldowns.BuysInWindow(sig.Asset); buys >= limit {
		auditCtx["recent_buys"] = buys
		d.record(sig.Asset, "BUY", false, ReasonBuyLimit, auditCtx)
		return nil
	}

	allocation := port.Allocation(sig.Asset)
	if allocation >= cfg.MaxSingleAssetRatio {
		d.record(sig.Asset, "BUY", false, ReasonConcentration, auditCtx)
		if !diversified {
			return d.diversify(ctx, cfg, sig, size, port, sigs)
		}
		return nil
	}
	if allocation > cfg.MaxSingleAssetRatio*0.8 {
		d.record(sig.Asset, "BUY", false, ReasonAllocationBand, auditCtx)
		return nil
	}

	if sig.Confidence < cfg.AIConfidenceMinimum {
		d.record(sig.Asset, "BUY", false, ReasonLowConfidence, auditCtx)
		return nil
	}

	ratio := size.Ratio * confidenceTier(sig.Confidence)
	if maxRatio := cfg.BaseTradeRatio * cfg.MaxPositionMultiplier; ratio > maxRatio {
		ratio = maxRatio
	}
	// The advisor's own sizing only ever shrinks the trade.
	if sig.RecommendedSize > 0 && sig.RecommendedSize < ratio {
		ratio = sig.RecommendedSize
		auditCtx["advisor_sized"] = true
	}

	notional := port.Cash.
		Mul(decimal.NewFromFloat(ratio)).
		Mul(decimal.NewFromFloat(cfg.FeeBuffer))

	// Never draw cash below the reserve floor.
	reserve := minTrade.Mul(decimal.NewFromInt(3))
	if maxSpend := port.Cash.Sub(reserve); notional.GreaterThan(maxSpend) {
		notional = maxSpend
	}
	if notional.LessThan(minTrade) {
		d.record(sig.Asset, "BUY", false, ReasonCashReserveFloor, auditCtx)
		return nil
	}

	// Clip so the post-trade allocation stays under the ceiling.
	ceiling := decimal.NewFromFloat(cfg.MaxSingleAssetRatio).Mul(port.TotalValue)
	held := decimal.Zero
	if h, ok := port.Holding(sig.Asset); ok {
		held = h.Value
	}
	if room := ceiling.Sub(held); notional.GreaterThan(room) {
		notional = room
		auditCtx["clipped"] = true
	}
	if notional.LessThan(minTrade) {
		d.record(sig.Asset, "BUY", false, ReasonBelowMinTrade, auditCtx)
		return nil
	}

	auditCtx["notional"] = notional.String()
	auditCtx["ratio"] = ratio
	if !sig.StopLoss.IsZero() {
		auditCtx["stop_loss"] = sig.StopLoss.String()
	}
	if !sig.TakeProfit.IsZero() {
		auditCtx["take_profit"] = sig.TakeProfit.String()
	}
	reason := sig.Reason
	if reason == "" {
		reason = "signal buy"
	}
	if _, err := d.executor.Buy(ctx, sig.Asset, notional, types.IntentSignal, reason); err != nil {
		return err
	}
	d.record(sig.Asset, "BUY", true, reason, auditCtx)
	return nil
}

// diversify redirects a blocked buy, at reduced size, into the
// least-allocated sibling whose own signal is not a sell and carries
// enough confidence.
func (d *DecisionEngine) diversify(ctx context.Context, cfg *config.Config, sig types.Signal, size sizing.Decision, port types.PortfolioSnapshot, sigs map[string]types.Signal) error {
	target := ""
	best := 1.0
	for _, asset := range cfg.Portfolio {
		if asset == sig.Asset {
			continue
		}
		sibling, ok := sigs[asset]
		if !ok {
			continue
		}
		if sibling.Kind == types.SignalSell || sibling.Kind == types.SignalEmergencySell {
			continue
		}
		if sibling.Confidence < diversifyMinConfidence {
			continue
		}
		if alloc := port.Allocation(asset); alloc < best {
			best = alloc
			target = asset
		}
	}
	if target == "" {
		return nil
	}

	d.logger.Info("redirecting concentrated buy",
		zap.String("from", sig.Asset),
		zap.String("to", target))
	redirected := sig
	redirected.Asset = target
	redirected.Reason = ReasonDiversificationBuy
	reduced := size
	reduced.Ratio = size.Ratio * diversifySizeFactor
	return d.decideBuy(ctx, cfg, redirected, reduced, port, sigs, true)
}

// ladderAction is the RSI ladder verdict for a sell signal.
type ladderAction struct {
	cancel   bool
	partial  bool
	fraction float64
	reason   string
}

// evaluateLadder applies the overbought ladder. Fractions are
// monotonically non-decreasing in RSI for a fixed trend context.
func evaluateLadder(m types.AssetMetrics) ladderAction {
	strong := m.TrendAlignment == types.TrendStrongBullish
	bullish := strings.Contains(m.TrendAlignment, "bullish")

	switch {
	case m.RSI < 40 && bullish:
		return ladderAction{cancel: true, reason: ReasonLowRSIStrongTrend}
	case m.RSI <= 70:
		return ladderAction{}
	case m.RSI <= 75:
		if strong || (m.VolumeRatio > 1.5 && m.ChangeRate > 5) {
			return ladderAction{cancel: true, reason: ReasonLadderCancel}
		}
		return ladderAction{}
	case m.RSI <= 80:
		if strong || m.ChangeRate > 7 {
			return ladderAction{cancel: true, reason: ReasonLadderCancel}
		}
		return ladderAction{}
	case m.RSI <= 82:
		if strong && m.ChangeRate > 8 {
			return ladderAction{partial: true, fraction: 0.3, reason: "rsi_82_strong_trend"}
		}
		return ladderAction{partial: true, fraction: 0.5, reason: "rsi_82"}
	case m.RSI <= 84:
		if strong && m.ChangeRate > 10 && m.VolumeRatio > 2.0 {
			return ladderAction{partial: true, fraction: 0.5, reason: "rsi_84_strong_trend"}
		}
		return ladderAction{partial: true, fraction: 0.7, reason: "rsi_84"}
	case m.RSI < 85:
		return ladderAction{partial: true, fraction: 0.8, reason: "rsi_85_approach"}
	default:
		return ladderAction{partial: true, fraction: 1.0, reason: "rsi_extreme"}
	}
}

func (d *DecisionEngine) decideSell(ctx context.Context, cfg *config.Config, sig types.Signal, port types.PortfolioSnapshot, m types.AssetMetrics, emergency bool) error {
	auditCtx := buildContext(sig, port)
	auditCtx["rsi"] = m.RSI
	auditCtx["trend"] = m.TrendAlignment
	now := d.now()
	minTrade := decimal.NewFromFloat(cfg.MinTradeAmount)

	holding, ok := port.Holding(sig.Asset)
	if !ok || holding.Balance.IsZero() {
		d.record(sig.Asset, "SELL", false, ReasonNoPosition, auditCtx)
		return nil
	}
	auditCtx["profit_rate"] = holding.ProfitRate

	// An emergency sell skips the cap, the thrash guard, and the
	// ladder: the whole position goes.
	if emergency {
		reason := sig.Reason
		if reason == "" {
			reason = "emergency sell"
		}
		auditCtx["emergency"] = true
		if _, err := d.executor.Sell(ctx, sig.Asset, holding.Balance, types.IntentSignal, reason); err != nil {
			return err
		}
		d.cooldowns.RecordExecutedSell(sig.Asset, now)
		d.record(sig.Asset, "SELL", true, reason, auditCtx)
		return nil
	}

	if d.cooldowns.DailySellCapReached(sig.Asset, now, cfg.MaxDailySells) {
		override := holding.ProfitRate <= sellCapOverrideLoss ||
			sig.Confidence >= sellCapOverrideConfidence
		if !override {
			d.record(sig.Asset, "SELL", false, ReasonDailySellCap, auditCtx)
			return nil
		}
		auditCtx["cap_override"] = true
	}

	if d.cooldowns.SellsInWindow(sig.Asset) >= 4 {
		d.record(sig.Asset, "SELL", false, ReasonSellThrash, auditCtx)
		return nil
	}

	ladder := evaluateLadder(m)
	if ladder.cancel {
		d.record(sig.Asset, "SELL", false, ladder.reason, auditCtx)
		return nil
	}

	if ladder.partial {
		if !d.cooldowns.PartialSellAllowed(sig.Asset, now, cfg.PartialSellCooldown) {
			d.record(sig.Asset, "PARTIAL_SELL", false, ReasonPartialCooldown, auditCtx)
			return nil
		}
		qty := holding.Balance.Mul(decimal.NewFromFloat(ladder.fraction))
		if qty.Mul(holding.Price).LessThan(minTrade) {
			d.record(sig.Asset, "PARTIAL_SELL", false, ReasonBelowMinTrade, auditCtx)
			return nil
		}
		auditCtx["fraction"] = ladder.fraction
		if _, err := d.executor.Sell(ctx, sig.Asset, qty, types.IntentSignal, ladder.reason); err != nil {
			return err
		}
		d.cooldowns.RecordPartialSell(sig.Asset, now)
		d.record(sig.Asset, "PARTIAL_SELL", true, ladder.reason, auditCtx)
		return nil
	}

	fraction := 0.3
	if sig.Confidence > 0.6 {
		fraction = sig.Confidence
	}
	qty := holding.Balance.Mul(decimal.NewFromFloat(fraction))
	if qty.Mul(holding.Price).LessThan(minTrade) {
		d.record(sig.Asset, "SELL", false, ReasonBelowMinTrade, auditCtx)
		return nil
	}

	auditCtx["fraction"] = fraction
	reason := sig.Reason
	if reason == "" {
		reason = "signal sell"
	}
	if _, err := d.executor.Sell(ctx, sig.Asset, qty, types.IntentSignal, reason); err != nil {
		return err
	}
	d.cooldowns.RecordExecutedSell(sig.Asset, now)
	d.record(sig.Asset, "SELL", true, reason, auditCtx)
	return nil
}

// decideHold occasionally converts a hold into a small entry when the
// asset is under-allocated inside a strong uptrend.
func (d *DecisionEngine) decideHold(ctx context.Context, cfg *config.Config, sig types.Signal, size sizing.Decision, port types.PortfolioSnapshot, m types.AssetMetrics, sigs map[string]types.Signal) error {
	opportunistic := m.TrendAlignment == types.TrendStrongBullish &&
		m.ChangeRate > 3 &&
		port.Allocation(sig.Asset) < 0.10 &&
		sig.Confidence >= 0.6

	if !opportunistic {
		d.record(sig.Asset, "HOLD", true, ReasonNoAction, buildContext(sig, port))
		return nil
	}

	entry := sig
	entry.Kind = types.SignalBuy
	entry.Reason = ReasonOpportunisticEntry
	// Half-size entry: the trend is the edge, not the signal.
	halved := size
	halved.Ratio = size.Ratio * 0.5
	return d.decideBuy(ctx, cfg, entry, halved, port, sigs, false)
}

// DefendCash is the bear-defense sweep: sell half of every holding not
// in a deep loss, most profitable first, until the defensive cash
// floor is reached. Buys are suppressed by the caller for the cycle.
func (d *DecisionEngine) DefendCash(ctx context.Context, cfg *config.Config, port types.PortfolioSnapshot, reason string) (int, error) {
	candidates := make([]types.Holding, 0, len(port.Holdings))
	for _, h := range port.Holdings {
		if h.ProfitRate > -5 {
			candidates = append(candidates, h)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].ProfitRate > candidates[j].ProfitRate
	})

	minTrade := decimal.NewFromFloat(cfg.MinTradeAmount)
	feeBuffer := decimal.NewFromFloat(cfg.FeeBuffer)
	cash := port.Cash
	total := port.TotalValue
	sold := 0

	for _, h := range candidates {
		if total.IsZero() {
			break
		}
		ratio, _ := cash.Div(total).Float64()
		if ratio >= cfg.BearMarketCashRatio {
			break
		}

		qty := h.Balance.Mul(decimal.NewFromFloat(0.5))
		notional := qty.Mul(h.Price)
		if notional.LessThan(minTrade) {
			continue
		}

		if _, err := d.executor.Sell(ctx, h.Asset, qty, types.IntentBearDefense, reason); err != nil {
			d.logger.Warn("defense sale failed, continuing sweep",
				zap.String("asset", h.Asset), zap.Error(err))
			continue
		}
		d.record(h.Asset, "SELL", true, reason, map[string]any{
			"kind":        string(types.IntentBearDefense),
			"profit_rate": h.ProfitRate,
			"notional":    notional.String(),
		})
		sold++
		cash = cash.Add(notional.Mul(feeBuffer))
	}

	return sold, nil
}
