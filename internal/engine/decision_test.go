package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/coinpilot/trading-engine/internal/audit"
	"github.com/coinpilot/trading-engine/internal/config"
	"github.com/coinpilot/trading-engine/internal/exchange"
	"github.com/coinpilot/trading-engine/internal/metrics"
	"github.com/coinpilot/trading-engine/internal/portfolio"
	"github.com/coinpilot/trading-engine/internal/sizing"
	"github.com/coinpilot/trading-engine/internal/state"
	"github.com/coinpilot/trading-engine/pkg/types"
)

type harness struct {
	engine    *DecisionEngine
	paper     *exchange.Paper
	cooldowns *state.CooldownStore
	valuer    *portfolio.Valuer
	log       *bytes.Buffer
	cfg       *config.Config
}

func newHarness(t *testing.T, cash float64) *harness {
	t.Helper()
	logger := zap.NewNop()
	paper := exchange.NewPaper(decimal.NewFromFloat(cash))
	valuer := portfolio.NewValuer(logger, paper)
	var buf bytes.Buffer
	sink := audit.NewSink(logger, &buf)
	m := metrics.New(prometheus.NewRegistry())
	cooldowns := state.NewCooldownStore()
	executor := NewExecutor(logger, paper, valuer, sink, m)
	eng := NewDecisionEngine(logger, executor, cooldowns, sink, m)

	return &harness{
		engine:    eng,
		paper:     paper,
		cooldowns: cooldowns,
		valuer:    valuer,
		log:       &buf,
		cfg:       config.Default(),
	}
}

func (h *harness) snapshot(t *testing.T) types.PortfolioSnapshot {
	t.Helper()
	snap, err := h.valuer.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	return snap
}

// decisions parses the audit log and returns all decision records.
func (h *harness) decisions(t *testing.T) []audit.DecisionRecord {
	t.Helper()
	var out []audit.DecisionRecord
	for _, line := range strings.Split(strings.TrimSpace(h.log.String()), "\n") {
		if line == "" {
			continue
		}
		var header struct {
			Record string `json:"record"`
		}
		if err := json.Unmarshal([]byte(line), &header); err != nil {
			t.Fatalf("bad audit line %q: %v", line, err)
		}
		if header.Record != "decision" {
			continue
		}
		var rec audit.DecisionRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			t.Fatalf("bad decision line %q: %v", line, err)
		}
		out = append(out, rec)
	}
	return out
}

func (h *harness) lastDecision(t *testing.T) audit.DecisionRecord {
	t.Helper()
	recs := h.decisions(t)
	if len(recs) == 0 {
		t.Fatal("no decision records written")
	}
	return recs[len(recs)-1]
}

func buySignal(asset string, confidence float64) types.Signal {
	return types.Signal{Asset: asset, Kind: types.SignalBuy, Confidence: confidence, Timestamp: time.Now()}
}

func sellSignal(asset string, confidence float64) types.Signal {
	return types.Signal{Asset: asset, Kind: types.SignalSell, Confidence: confidence, Timestamp: time.Now()}
}

func TestBuyExecutesAndEntersHistory(t *testing.T) {
	h := newHarness(t, 1_000_000)
	h.paper.SetPrice("BTC", decimal.NewFromInt(100))

	err := h.engine.Decide(context.Background(), h.cfg, buySignal("BTC", 0.9),
		sizing.Decision{Ratio: 0.15}, h.snapshot(t), types.AssetMetrics{}, nil)
	if err != nil {
		t.Fatalf("Decide failed: %v", err)
	}

	rec := h.lastDecision(t)
	if !rec.Allowed || rec.Action != "BUY" {
		t.Fatalf("expected allowed BUY, got %+v", rec)
	}
	if h.cooldowns.BuysInWindow("BTC") != 1 {
		t.Error("buy signal not recorded in history")
	}

	snap := h.snapshot(t)
	if _, ok := snap.Holding("BTC"); !ok {
		t.Error("buy did not create a holding")
	}
}

func TestDeniedSignalStillEntersHistory(t *testing.T) {
	h := newHarness(t, 1_000_000)
	h.paper.SetPrice("BTC", decimal.NewFromInt(100))

	if err := h.engine.Decide(context.Background(), h.cfg, buySignal("BTC", 0.5),
		sizing.Decision{Ratio: 0.15}, h.snapshot(t), types.AssetMetrics{}, nil); err != nil {
		t.Fatalf("Decide failed: %v", err)
	}
	if rec := h.lastDecision(t); rec.Allowed {
		t.Fatalf("low-confidence buy should be denied, got %+v", rec)
	}
	if h.cooldowns.BuysInWindow("BTC") != 1 {
		t.Error("denied buy signal missing from history")
	}
}

func TestBuyDeniedOnInsufficientCash(t *testing.T) {
	h := newHarness(t, 8_000) // below 2x min trade
	h.paper.SetPrice("BTC", decimal.NewFromInt(100))

	if err := h.engine.Decide(context.Background(), h.cfg, buySignal("BTC", 0.9),
		sizing.Decision{Ratio: 0.15}, h.snapshot(t), types.AssetMetrics{}, nil); err != nil {
		t.Fatalf("Decide failed: %v", err)
	}

	rec := h.lastDecision(t)
	if rec.Allowed || rec.Reason != ReasonInsufficientCash {
		t.Fatalf("expected insufficient_cash denial, got %+v", rec)
	}
}

func TestBuyDeniedOnLowConfidence(t *testing.T) {
	h := newHarness(t, 1_000_000)
	h.paper.SetPrice("BTC", decimal.NewFromInt(100))

	if err := h.engine.Decide(context.Background(), h.cfg, buySignal("BTC", 0.5),
		sizing.Decision{Ratio: 0.15}, h.snapshot(t), types.AssetMetrics{}, nil); err != nil {
		t.Fatalf("Decide failed: %v", err)
	}
	if rec := h.lastDecision(t); rec.Allowed || rec.Reason != ReasonLowConfidence {
		t.Fatalf("expected low_confidence denial, got %+v", rec)
	}
}

func TestBuyDeniedInsideRebalanceCooldown(t *testing.T) {
	h := newHarness(t, 1_000_000)
	h.paper.SetPrice("BTC", decimal.NewFromInt(100))
	h.cooldowns.RecordRebalance("BTC", time.Now())

	if err := h.engine.Decide(context.Background(), h.cfg, buySignal("BTC", 0.9),
		sizing.Decision{Ratio: 0.15}, h.snapshot(t), types.AssetMetrics{}, nil); err != nil {
		t.Fatalf("Decide failed: %v", err)
	}
	if rec := h.lastDecision(t); rec.Allowed || rec.Reason != ReasonRebalanceCooldown {
		t.Fatalf("expected rebalance_cooldown denial, got %+v", rec)
	}

	// An expired cooldown no longer blocks the entry.
	h.cooldowns.RecordRebalance("BTC", time.Now().Add(-3*time.Hour))
	if err := h.engine.Decide(context.Background(), h.cfg, buySignal("BTC", 0.9),
		sizing.Decision{Ratio: 0.15}, h.snapshot(t), types.AssetMetrics{}, nil); err != nil {
		t.Fatalf("Decide failed: %v", err)
	}
	if rec := h.lastDecision(t); !rec.Allowed {
		t.Fatalf("buy after cooldown expiry should execute, got %+v", rec)
	}
}

func TestBuyLimitAndCashRichRelaxation(t *testing.T) {
	h := newHarness(t, 1_000_000)
	h.paper.SetPrice("BTC", decimal.NewFromInt(100))
	for i := 0; i < 3; i++ {
		h.cooldowns.RecordSignal("BTC", types.SignalBuy)
	}

	// Cash-poor portfolio: three recent buys hit the limit.
	poor := types.PortfolioSnapshot{
		Cash:       decimal.NewFromInt(100_000),
		TotalValue: decimal.NewFromInt(1_000_000),
	}
	if err := h.engine.Decide(context.Background(), h.cfg, buySignal("BTC", 0.9),
		sizing.Decision{Ratio: 0.15}, poor, types.AssetMetrics{}, nil); err != nil {
		t.Fatalf("Decide failed: %v", err)
	}
	if rec := h.lastDecision(t); rec.Allowed || rec.Reason != ReasonBuyLimit {
		t.Fatalf("expected buy_limit denial, got %+v", rec)
	}

	// Cash-rich portfolio relaxes the limit to six.
	if err := h.engine.Decide(context.Background(), h.cfg, buySignal("BTC", 0.9),
		sizing.Decision{Ratio: 0.15}, h.snapshot(t), types.AssetMetrics{}, nil); err != nil {
		t.Fatalf("Decide failed: %v", err)
	}
	if rec := h.lastDecision(t); !rec.Allowed {
		t.Fatalf("cash-rich window should be allowed, got %+v", rec)
	}
}

func TestBuyLimitCountsAcrossInterveningHolds(t *testing.T) {
	h := newHarness(t, 1_000_000)
	h.paper.SetPrice("BTC", decimal.NewFromInt(100))

	// Four buys among the last five signals; the hold in the middle
	// must not reset the tally.
	for _, kind := range []types.SignalKind{
		types.SignalBuy, types.SignalBuy, types.SignalHold,
		types.SignalBuy, types.SignalBuy,
	} {
		h.cooldowns.RecordSignal("BTC", kind)
	}

	poor := types.PortfolioSnapshot{
		Cash:       decimal.NewFromInt(100_000),
		TotalValue: decimal.NewFromInt(1_000_000),
	}
	if err := h.engine.Decide(context.Background(), h.cfg, buySignal("BTC", 0.9),
		sizing.Decision{Ratio: 0.15}, poor, types.AssetMetrics{}, nil); err != nil {
		t.Fatalf("Decide failed: %v", err)
	}
	if rec := h.lastDecision(t); rec.Allowed || rec.Reason != ReasonBuyLimit {
		t.Fatalf("expected buy_limit denial, got %+v", rec)
	}
}

func TestBuyDeniedInAllocationBand(t *testing.T) {
	h := newHarness(t, 1_000_000)

	// 30% allocation: over the 28% band, under the 35% ceiling.
	port := types.PortfolioSnapshot{
		Cash:       decimal.NewFromInt(700_000),
		TotalValue: decimal.NewFromInt(1_000_000),
		Holdings: []types.Holding{{
			Asset: "BTC", Balance: decimal.NewFromInt(3),
			Price: decimal.NewFromInt(100_000), Value: decimal.NewFromInt(300_000),
		}},
	}
	if err := h.engine.Decide(context.Background(), h.cfg, buySignal("BTC", 0.9),
		sizing.Decision{Ratio: 0.15}, port, types.AssetMetrics{}, nil); err != nil {
		t.Fatalf("Decide failed: %v", err)
	}
	if rec := h.lastDecision(t); rec.Allowed || rec.Reason != ReasonAllocationBand {
		t.Fatalf("expected allocation_band denial, got %+v", rec)
	}
}

func TestBuyHonorsAdvisorRecommendedSize(t *testing.T) {
	h := newHarness(t, 1_000_000)
	h.paper.SetPrice("BTC", decimal.NewFromInt(100))

	sig := buySignal("BTC", 0.9)
	sig.RecommendedSize = 0.05 // well under the computed ratio

	if err := h.engine.Decide(context.Background(), h.cfg, sig,
		sizing.Decision{Ratio: 0.15}, h.snapshot(t), types.AssetMetrics{}, nil); err != nil {
		t.Fatalf("Decide failed: %v", err)
	}

	rec := h.lastDecision(t)
	if !rec.Allowed {
		t.Fatalf("expected executed buy, got %+v", rec)
	}
	if rec.Context["advisor_sized"] != true {
		t.Error("advisor sizing not applied")
	}
	// 1,000,000 * 0.05 * fee buffer 0.9995.
	if got := rec.Context["notional"]; got != "49975" {
		t.Errorf("notional = %v, want 49975", got)
	}
}

func TestBuyAtCeilingRedirectsToDiversification(t *testing.T) {
	h := newHarness(t, 1_000_000)
	h.paper.SetPrice("ETH", decimal.NewFromInt(100))
	h.paper.SetHolding("ETH", decimal.NewFromInt(500), decimal.NewFromInt(100))

	port := types.PortfolioSnapshot{
		Cash:       decimal.NewFromInt(550_000),
		TotalValue: decimal.NewFromInt(1_000_000),
		Holdings: []types.Holding{
			{Asset: "BTC", Balance: decimal.NewFromInt(4), Price: decimal.NewFromInt(100_000), Value: decimal.NewFromInt(400_000)},
			{Asset: "ETH", Balance: decimal.NewFromInt(500), Price: decimal.NewFromInt(100), Value: decimal.NewFromInt(50_000)},
		},
	}
	sigs := map[string]types.Signal{
		"BTC": buySignal("BTC", 0.9),
		"ETH": {Asset: "ETH", Kind: types.SignalHold, Confidence: 0.7},
	}
	if err := h.engine.Decide(context.Background(), h.cfg, sigs["BTC"],
		sizing.Decision{Ratio: 0.15}, port, types.AssetMetrics{}, sigs); err != nil {
		t.Fatalf("Decide failed: %v", err)
	}

	recs := h.decisions(t)
	if len(recs) < 2 {
		t.Fatalf("expected denial plus redirected decision, got %d records", len(recs))
	}
	if recs[0].Reason != ReasonConcentration || recs[0].Allowed {
		t.Fatalf("first record should deny on concentration, got %+v", recs[0])
	}
	last := recs[len(recs)-1]
	if last.Asset != "ETH" {
		t.Fatalf("redirect should target the eligible sibling, got %s", last.Asset)
	}
	// Redirected entries run at half size: 0.15 * 0.5 * tier 1.5.
	if got, ok := last.Context["ratio"].(float64); !ok || got != 0.1125 {
		t.Errorf("redirect ratio = %v, want 0.1125", last.Context["ratio"])
	}
}

func TestDiversificationRequiresEligibleSibling(t *testing.T) {
	h := newHarness(t, 1_000_000)

	port := types.PortfolioSnapshot{
		Cash:       decimal.NewFromInt(550_000),
		TotalValue: decimal.NewFromInt(1_000_000),
		Holdings: []types.Holding{
			{Asset: "BTC", Balance: decimal.NewFromInt(4), Price: decimal.NewFromInt(100_000), Value: decimal.NewFromInt(400_000)},
			{Asset: "ETH", Balance: decimal.NewFromInt(500), Price: decimal.NewFromInt(100), Value: decimal.NewFromInt(50_000)},
		},
	}
	// ETH is selling and XRP's conviction is too thin: nothing to
	// redirect into.
	sigs := map[string]types.Signal{
		"BTC": buySignal("BTC", 0.9),
		"ETH": sellSignal("ETH", 0.7),
		"XRP": {Asset: "XRP", Kind: types.SignalHold, Confidence: 0.4},
	}
	if err := h.engine.Decide(context.Background(), h.cfg, sigs["BTC"],
		sizing.Decision{Ratio: 0.15}, port, types.AssetMetrics{}, sigs); err != nil {
		t.Fatalf("Decide failed: %v", err)
	}

	recs := h.decisions(t)
	if len(recs) != 1 {
		t.Fatalf("expected only the concentration denial, got %d records", len(recs))
	}
	if recs[0].Reason != ReasonConcentration {
		t.Fatalf("reason = %s, want %s", recs[0].Reason, ReasonConcentration)
	}
}

func TestStrongBuyRoutesThroughBuyPath(t *testing.T) {
	h := newHarness(t, 1_000_000)
	h.paper.SetPrice("BTC", decimal.NewFromInt(100))

	sig := types.Signal{Asset: "BTC", Kind: types.SignalStrongBuy, Confidence: 0.9, Timestamp: time.Now()}
	if err := h.engine.Decide(context.Background(), h.cfg, sig,
		sizing.Decision{Ratio: 0.15}, h.snapshot(t), types.AssetMetrics{}, nil); err != nil {
		t.Fatalf("Decide failed: %v", err)
	}
	if rec := h.lastDecision(t); !rec.Allowed || rec.Action != "BUY" {
		t.Fatalf("expected executed buy, got %+v", rec)
	}
	if h.cooldowns.BuysInWindow("BTC") != 1 {
		t.Error("strong buy missing from the buy window")
	}
}

func TestSellDeniedWithoutPosition(t *testing.T) {
	h := newHarness(t, 1_000_000)

	if err := h.engine.Decide(context.Background(), h.cfg, sellSignal("BTC", 0.9),
		sizing.Decision{}, h.snapshot(t), types.AssetMetrics{RSI: 50}, nil); err != nil {
		t.Fatalf("Decide failed: %v", err)
	}
	if rec := h.lastDecision(t); rec.Allowed || rec.Reason != ReasonNoPosition {
		t.Fatalf("expected no_position denial, got %+v", rec)
	}
}

func TestDailySellCapAndOverrides(t *testing.T) {
	h := newHarness(t, 100_000)
	h.paper.SetPrice("BTC", decimal.NewFromInt(100))
	h.paper.SetHolding("BTC", decimal.NewFromInt(1000), decimal.NewFromInt(100))
	h.cooldowns.RecordExecutedSell("BTC", time.Now()) // consume today's allowance

	metricsFlat := types.AssetMetrics{RSI: 50, TrendAlignment: types.TrendMixed}

	// Modest-confidence sell on a flat position: capped.
	if err := h.engine.Decide(context.Background(), h.cfg, sellSignal("BTC", 0.5),
		sizing.Decision{}, h.snapshot(t), metricsFlat, nil); err != nil {
		t.Fatalf("Decide failed: %v", err)
	}
	if rec := h.lastDecision(t); rec.Allowed || rec.Reason != ReasonDailySellCap {
		t.Fatalf("expected daily_sell_cap denial, got %+v", rec)
	}

	// High confidence overrides the cap.
	if err := h.engine.Decide(context.Background(), h.cfg, sellSignal("BTC", 0.9),
		sizing.Decision{}, h.snapshot(t), metricsFlat, nil); err != nil {
		t.Fatalf("Decide failed: %v", err)
	}
	if rec := h.lastDecision(t); !rec.Allowed {
		t.Fatalf("high confidence should override the cap, got %+v", rec)
	}
}

func TestDailySellCapIsPerAsset(t *testing.T) {
	h := newHarness(t, 100_000)
	h.paper.SetPrice("BTC", decimal.NewFromInt(100))
	h.paper.SetPrice("ETH", decimal.NewFromInt(100))
	h.paper.SetHolding("BTC", decimal.NewFromInt(1000), decimal.NewFromInt(100))
	h.paper.SetHolding("ETH", decimal.NewFromInt(1000), decimal.NewFromInt(100))
	h.cooldowns.RecordExecutedSell("BTC", time.Now())

	metricsFlat := types.AssetMetrics{RSI: 50, TrendAlignment: types.TrendMixed}

	// BTC's spent allowance must not block ETH's first sell of the day.
	if err := h.engine.Decide(context.Background(), h.cfg, sellSignal("ETH", 0.5),
		sizing.Decision{}, h.snapshot(t), metricsFlat, nil); err != nil {
		t.Fatalf("Decide failed: %v", err)
	}
	rec := h.lastDecision(t)
	if !rec.Allowed || rec.Asset != "ETH" {
		t.Fatalf("ETH sell should execute on its own allowance, got %+v", rec)
	}
}

func TestEmergencySellBypassesCapAndLadder(t *testing.T) {
	h := newHarness(t, 100_000)
	h.paper.SetPrice("BTC", decimal.NewFromInt(100))
	h.paper.SetHolding("BTC", decimal.NewFromInt(1000), decimal.NewFromInt(100))
	h.cooldowns.RecordExecutedSell("BTC", time.Now())

	overbought := types.AssetMetrics{RSI: 86, TrendAlignment: types.TrendMixed}
	sig := types.Signal{Asset: "BTC", Kind: types.SignalEmergencySell, Confidence: 0.5, Timestamp: time.Now()}
	if err := h.engine.Decide(context.Background(), h.cfg, sig,
		sizing.Decision{}, h.snapshot(t), overbought, nil); err != nil {
		t.Fatalf("Decide failed: %v", err)
	}

	if rec := h.lastDecision(t); !rec.Allowed || rec.Action != "SELL" {
		t.Fatalf("expected executed emergency sell, got %+v", rec)
	}
	after := h.snapshot(t)
	if _, held := after.Holding("BTC"); held {
		t.Error("emergency sell left a residual position")
	}
}

func TestSellThrashGuard(t *testing.T) {
	h := newHarness(t, 100_000)
	h.paper.SetPrice("BTC", decimal.NewFromInt(100))
	h.paper.SetHolding("BTC", decimal.NewFromInt(1000), decimal.NewFromInt(100))

	for i := 0; i < 4; i++ {
		h.cooldowns.RecordSignal("BTC", types.SignalSell)
	}

	if err := h.engine.Decide(context.Background(), h.cfg, sellSignal("BTC", 0.9),
		sizing.Decision{}, h.snapshot(t), types.AssetMetrics{RSI: 50}, nil); err != nil {
		t.Fatalf("Decide failed: %v", err)
	}
	if rec := h.lastDecision(t); rec.Allowed || rec.Reason != ReasonSellThrash {
		t.Fatalf("expected sell_thrash denial, got %+v", rec)
	}
}

func TestPartialSellCooldownBlocksLadder(t *testing.T) {
	h := newHarness(t, 100_000)
	h.paper.SetPrice("BTC", decimal.NewFromInt(100))
	h.paper.SetHolding("BTC", decimal.NewFromInt(1000), decimal.NewFromInt(100))
	h.cooldowns.RecordPartialSell("BTC", time.Now().Add(-time.Hour))

	overbought := types.AssetMetrics{RSI: 86, TrendAlignment: types.TrendMixed}
	if err := h.engine.Decide(context.Background(), h.cfg, sellSignal("BTC", 0.9),
		sizing.Decision{}, h.snapshot(t), overbought, nil); err != nil {
		t.Fatalf("Decide failed: %v", err)
	}
	if rec := h.lastDecision(t); rec.Allowed || rec.Reason != ReasonPartialCooldown {
		t.Fatalf("expected partial_cooldown denial, got %+v", rec)
	}
}

func TestLadderCancelsOnLowRSIStrongTrend(t *testing.T) {
	h := newHarness(t, 100_000)
	h.paper.SetPrice("BTC", decimal.NewFromInt(100))
	h.paper.SetHolding("BTC", decimal.NewFromInt(1000), decimal.NewFromInt(100))

	dip := types.AssetMetrics{RSI: 35, TrendAlignment: types.TrendStrongBullish}
	if err := h.engine.Decide(context.Background(), h.cfg, sellSignal("BTC", 0.9),
		sizing.Decision{}, h.snapshot(t), dip, nil); err != nil {
		t.Fatalf("Decide failed: %v", err)
	}
	if rec := h.lastDecision(t); rec.Allowed || rec.Reason != ReasonLowRSIStrongTrend {
		t.Fatalf("expected low-RSI cancel, got %+v", rec)
	}
}

func TestLadderFractionsMonotonic(t *testing.T) {
	contexts := []types.AssetMetrics{
		{TrendAlignment: types.TrendMixed, ChangeRate: 0, VolumeRatio: 1},
		{TrendAlignment: types.TrendStrongBullish, ChangeRate: 12, VolumeRatio: 2.5},
	}
	for _, base := range contexts {
		prev := 0.0
		for rsi := 80.5; rsi <= 90; rsi += 0.5 {
			m := base
			m.RSI = rsi
			act := evaluateLadder(m)
			if act.cancel {
				continue
			}
			if !act.partial {
				t.Fatalf("rsi %.1f: expected partial action", rsi)
			}
			if act.fraction < prev {
				t.Fatalf("fraction decreased at rsi %.1f: %f < %f", rsi, act.fraction, prev)
			}
			prev = act.fraction
		}
		if prev != 1.0 {
			t.Errorf("extreme RSI should reach full liquidation, got %f", prev)
		}
	}
}

func TestLadderBandEdges(t *testing.T) {
	flat := types.AssetMetrics{TrendAlignment: types.TrendMixed}

	tests := []struct {
		rsi      float64
		partial  bool
		fraction float64
	}{
		{70, false, 0},  // plain sell, no ladder
		{81, true, 0.5}, // 80-82 band
		{83, true, 0.7}, // 82-84 band
		{84.5, true, 0.8},
		{85, true, 1.0},
		{92, true, 1.0},
	}
	for _, tt := range tests {
		m := flat
		m.RSI = tt.rsi
		act := evaluateLadder(m)
		if act.cancel {
			t.Errorf("rsi %.1f: unexpected cancel", tt.rsi)
			continue
		}
		if act.partial != tt.partial {
			t.Errorf("rsi %.1f: partial = %t, want %t", tt.rsi, act.partial, tt.partial)
			continue
		}
		if tt.partial && act.fraction != tt.fraction {
			t.Errorf("rsi %.1f: fraction = %f, want %f", tt.rsi, act.fraction, tt.fraction)
		}
	}
}

func TestHoldOpportunisticEntry(t *testing.T) {
	h := newHarness(t, 1_000_000)
	h.paper.SetPrice("SOL", decimal.NewFromInt(100))

	hot := types.AssetMetrics{TrendAlignment: types.TrendStrongBullish, ChangeRate: 5}
	sig := types.Signal{Asset: "SOL", Kind: types.SignalHold, Confidence: 0.7, Timestamp: time.Now()}
	if err := h.engine.Decide(context.Background(), h.cfg, sig,
		sizing.Decision{Ratio: 0.15}, h.snapshot(t), hot, nil); err != nil {
		t.Fatalf("Decide failed: %v", err)
	}

	rec := h.lastDecision(t)
	if !rec.Allowed || rec.Action != "BUY" {
		t.Fatalf("expected opportunistic buy, got %+v", rec)
	}
	if rec.Reason != ReasonOpportunisticEntry {
		t.Errorf("reason = %s, want %s", rec.Reason, ReasonOpportunisticEntry)
	}
}

func TestHoldWithoutSetupDoesNothing(t *testing.T) {
	h := newHarness(t, 1_000_000)

	sig := types.Signal{Asset: "SOL", Kind: types.SignalHold, Confidence: 0.7, Timestamp: time.Now()}
	if err := h.engine.Decide(context.Background(), h.cfg, sig,
		sizing.Decision{Ratio: 0.15}, h.snapshot(t), types.AssetMetrics{RSI: 50}, nil); err != nil {
		t.Fatalf("Decide failed: %v", err)
	}
	if rec := h.lastDecision(t); rec.Action != "HOLD" || rec.Reason != ReasonNoAction {
		t.Fatalf("expected idle hold, got %+v", rec)
	}
}

func TestDefendCashSellsProfitFirstUntilFloor(t *testing.T) {
	h := newHarness(t, 100_000)
	h.paper.SetPrice("BTC", decimal.NewFromInt(110))
	h.paper.SetPrice("ETH", decimal.NewFromInt(102))
	h.paper.SetPrice("XRP", decimal.NewFromInt(70))
	h.paper.SetHolding("BTC", decimal.NewFromInt(2000), decimal.NewFromInt(100))
	h.paper.SetHolding("ETH", decimal.NewFromInt(2000), decimal.NewFromInt(100))
	h.paper.SetHolding("XRP", decimal.NewFromInt(1000), decimal.NewFromInt(100))

	port := h.snapshot(t)
	sold, err := h.engine.DefendCash(context.Background(), h.cfg, port, "bear defense")
	if err != nil {
		t.Fatalf("DefendCash failed: %v", err)
	}
	if sold == 0 {
		t.Fatal("defense sweep sold nothing")
	}

	// XRP sits at -30%: deep losses are never sold into a panic.
	after := h.snapshot(t)
	xrp, ok := after.Holding("XRP")
	if !ok {
		t.Fatal("XRP position disappeared")
	}
	if !xrp.Balance.Equal(decimal.NewFromInt(1000)) {
		t.Errorf("deep-loss holding was sold: balance %s", xrp.Balance)
	}
}
