// Package safety runs the pre-trade safety gates. Gates execute in a
// fixed order and are mutually exclusive within a cycle: the first gate
// that acts short-circuits the rest and suppresses signal trading.
package safety

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/coinpilot/trading-engine/internal/config"
	"github.com/coinpilot/trading-engine/internal/engine"
	"github.com/coinpilot/trading-engine/internal/metrics"
	"github.com/coinpilot/trading-engine/internal/state"
	"github.com/coinpilot/trading-engine/pkg/types"
)

// Gate names, in pipeline order.
const (
	GateNone          = "none"
	GateStopLoss      = "stop_loss"
	GateCashShortage  = "cash_shortage"
	GateConcentration = "concentration"
	GatePeriodic      = "periodic_rebalance"
)

// Outcome reports which gate acted during a cycle.
type Outcome struct {
	Gate    string   `json:"gate"`
	Orders  int      `json:"orders"`
	Reasons []string `json:"reasons,omitempty"`
}

// Acted reports whether any gate placed orders.
func (o Outcome) Acted() bool { return o.Gate != GateNone && o.Orders > 0 }

// Pipeline is the ordered safety gate chain.
type Pipeline struct {
	logger    *zap.Logger
	executor  *engine.Executor
	cooldowns *state.CooldownStore
	metrics   *metrics.Metrics

	now   func() time.Time
	sleep func(context.Context, time.Duration)
}

// NewPipeline creates the gate pipeline.
func NewPipeline(logger *zap.Logger, executor *engine.Executor, cooldowns *state.CooldownStore, m *metrics.Metrics) *Pipeline {
	return &Pipeline{
		logger:    logger.Named("safety"),
		executor:  executor,
		cooldowns: cooldowns,
		metrics:   m,
		now:       time.Now,
		sleep:     ctxSleep,
	}
}

func ctxSleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// Run walks the gates in order. cycle is the 1-based cycle counter used
// by the periodic rebalance gate.
func (p *Pipeline) Run(ctx context.Context, cfg *config.Config, cycle int, port types.PortfolioSnapshot) (Outcome, error) {
	gates := []struct {
		name string
		fn   func(context.Context, *config.Config, types.PortfolioSnapshot) (Outcome, error)
	}{
		{GateStopLoss, p.stopLossSweep},
		{GateCashShortage, p.cashShortage},
		{GateConcentration, p.concentration},
	}

	for _, g := range gates {
		out, err := g.fn(ctx, cfg, port)
		if err != nil {
			return out, err
		}
		if out.Acted() {
			p.metrics.GateActivations.WithLabelValues(g.name).Inc()
			p.logger.Info("safety gate acted",
				zap.String("gate", g.name),
				zap.Int("orders", out.Orders))
			return out, nil
		}
	}

	if cfg.RebalanceEveryCycles > 0 && cycle%cfg.RebalanceEveryCycles == 0 {
		out, err := p.periodicRebalance(ctx, cfg, port)
		if err != nil {
			return out, err
		}
		if out.Acted() {
			p.metrics.GateActivations.WithLabelValues(GatePeriodic).Inc()
			p.logger.Info("safety gate acted",
				zap.String("gate", GatePeriodic),
				zap.Int("orders", out.Orders))
			return out, nil
		}
	}

	return Outcome{Gate: GateNone}, nil
}

// stopLossSweep liquidates every holding whose drawdown breaches the
// stop. The sweep visits all holdings even when one sale fails.
func (p *Pipeline) stopLossSweep(ctx context.Context, cfg *config.Config, port types.PortfolioSnapshot) (Outcome, error) {
	out := Outcome{Gate: GateStopLoss}
	for _, h := range port.Holdings {
		if h.ProfitRate > -cfg.StopLossPercent {
			continue
		}
		reason := "stop loss breach"
		if _, err := p.executor.Sell(ctx, h.Asset, h.Balance, types.IntentStopLoss, reason); err != nil {
			p.logger.Warn("stop loss sale failed",
				zap.String("asset", h.Asset), zap.Error(err))
			continue
		}
		out.Orders++
		out.Reasons = append(out.Reasons, h.Asset+": "+reason)
	}
	return out, nil
}

// cashShortage tops cash back up to the target ratio, taking profit
// first and principal only as a last resort.
func (p *Pipeline) cashShortage(ctx context.Context, cfg *config.Config, port types.PortfolioSnapshot) (Outcome, error) {
	out := Outcome{Gate: GateCashShortage}
	if port.TotalValue.IsZero() || port.CashRatio() >= cfg.MinCashRatio {
		return out, nil
	}

	needed := port.TotalValue.
		Mul(decimal.NewFromFloat(cfg.TargetCashRatio)).
		Sub(port.Cash)
	if needed.Sign() <= 0 {
		return out, nil
	}
	minTrade := decimal.NewFromFloat(cfg.MinTradeAmount)

	profitable := make([]types.Holding, 0, len(port.Holdings))
	for _, h := range port.Holdings {
		if h.ProfitRate > 2 {
			profitable = append(profitable, h)
		}
	}
	sort.Slice(profitable, func(i, j int) bool {
		return profitable[i].ProfitRate > profitable[j].ProfitRate
	})

	raised := decimal.Zero
	sell := func(h types.Holding, maxShare float64) {
		if raised.GreaterThanOrEqual(needed) || h.Price.IsZero() {
			return
		}
		qty := needed.Sub(raised).Div(h.Price)
		if limit := h.Balance.Mul(decimal.NewFromFloat(maxShare)); qty.GreaterThan(limit) {
			qty = limit
		}
		notional := qty.Mul(h.Price)
		if notional.LessThan(minTrade) {
			return
		}
		if _, err := p.executor.Sell(ctx, h.Asset, qty, types.IntentCashRebalance, "cash shortage rebalance"); err != nil {
			p.logger.Warn("cash rebalance sale failed",
				zap.String("asset", h.Asset), zap.Error(err))
			return
		}
		raised = raised.Add(notional)
		out.Orders++
		out.Reasons = append(out.Reasons, h.Asset+": cash shortage")
	}

	for _, h := range profitable {
		sell(h, 0.5)
	}

	// No profit to take: trim the largest position instead.
	if out.Orders == 0 && len(port.Holdings) > 0 {
		largest := port.Holdings[0]
		for _, h := range port.Holdings[1:] {
			if h.Value.GreaterThan(largest.Value) {
				largest = h
			}
		}
		sell(largest, 0.3)
	}

	return out, nil
}

// concentration trims any holding above the single-asset ceiling back
// down to the concentration target, honoring the rebalance cooldown.
func (p *Pipeline) concentration(ctx context.Context, cfg *config.Config, port types.PortfolioSnapshot) (Outcome, error) {
	out := Outcome{Gate: GateConcentration}
	if port.TotalValue.IsZero() {
		return out, nil
	}
	minTrade := decimal.NewFromFloat(cfg.MinTradeAmount)
	now := p.now()

	for _, h := range port.Holdings {
		if port.Allocation(h.Asset) <= cfg.MaxSingleAssetRatio {
			continue
		}
		if !p.cooldowns.RebalanceAllowed(h.Asset, now, cfg.RebalanceCooldown) {
			out.Reasons = append(out.Reasons, h.Asset+": rebalance cooldown")
			continue
		}

		target := port.TotalValue.Mul(decimal.NewFromFloat(cfg.ConcentrationTarget))
		excess := h.Value.Sub(target)
		if excess.Sign() <= 0 || h.Price.IsZero() {
			continue
		}
		qty := excess.Div(h.Price)
		if qty.Mul(h.Price).LessThan(minTrade) {
			continue
		}

		if _, err := p.executor.Sell(ctx, h.Asset, qty, types.IntentConcentration, "concentration rebalance"); err != nil {
			p.logger.Warn("concentration sale failed",
				zap.String("asset", h.Asset), zap.Error(err))
			continue
		}
		p.cooldowns.RecordRebalance(h.Asset, now)
		out.Orders++
		out.Reasons = append(out.Reasons, h.Asset+": over concentration ceiling")
	}

	return out, nil
}

// periodicRebalance pushes holdings back toward equal weight when they
// drift past the deviation threshold. Sells settle before buys.
func (p *Pipeline) periodicRebalance(ctx context.Context, cfg *config.Config, port types.PortfolioSnapshot) (Outcome, error) {
	out := Outcome{Gate: GatePeriodic}
	n := len(port.Holdings)
	if n == 0 || port.TotalValue.IsZero() {
		return out, nil
	}

	targetShare := (1.0 - cfg.TargetCashRatio) / float64(n)
	targetValue := port.TotalValue.Mul(decimal.NewFromFloat(targetShare))
	band := targetValue.Mul(decimal.NewFromFloat(cfg.DeviationThreshold))
	minTrade := decimal.NewFromFloat(cfg.MinTradeAmount)

	type adjustment struct {
		holding types.Holding
		diff    decimal.Decimal // positive = overweight
	}
	var overs, unders []adjustment
	for _, h := range port.Holdings {
		diff := h.Value.Sub(targetValue)
		if diff.Abs().LessThan(band) {
			continue
		}
		if diff.Sign() > 0 {
			overs = append(overs, adjustment{h, diff})
		} else {
			unders = append(unders, adjustment{h, diff})
		}
	}
	if len(overs) == 0 && len(unders) == 0 {
		return out, nil
	}

	for _, a := range overs {
		if a.holding.Price.IsZero() {
			continue
		}
		qty := a.diff.Div(a.holding.Price)
		if qty.Mul(a.holding.Price).LessThan(minTrade) {
			continue
		}
		if _, err := p.executor.Sell(ctx, a.holding.Asset, qty, types.IntentPeriodicRebalance, "periodic rebalance trim"); err != nil {
			p.logger.Warn("rebalance trim failed",
				zap.String("asset", a.holding.Asset), zap.Error(err))
			continue
		}
		out.Orders++
		out.Reasons = append(out.Reasons, a.holding.Asset+": overweight")
	}

	if out.Orders > 0 && len(unders) > 0 {
		// Let sale proceeds settle before spending them.
		p.sleep(ctx, cfg.SettleDelay)
	}

	available := port.Cash
	for _, a := range unders {
		notional := a.diff.Neg()
		if notional.GreaterThan(available) {
			notional = available
		}
		if notional.LessThan(minTrade) {
			continue
		}
		if _, err := p.executor.Buy(ctx, a.holding.Asset, notional, types.IntentPeriodicRebalance, "periodic rebalance top-up"); err != nil {
			p.logger.Warn("rebalance top-up failed",
				zap.String("asset", a.holding.Asset), zap.Error(err))
			continue
		}
		available = available.Sub(notional)
		out.Orders++
		out.Reasons = append(out.Reasons, a.holding.Asset+": underweight")
	}

	return out, nil
}
