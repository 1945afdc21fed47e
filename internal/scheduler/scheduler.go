// Package scheduler drives the trading cycles. The main loop adapts
// its cadence to market volatility; the trend loop runs independently
// with a faster cadence while positions are held. Both loops observe
// cancellation within about a second.
package scheduler

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/coinpilot/trading-engine/internal/config"
	"github.com/coinpilot/trading-engine/internal/engine"
	"github.com/coinpilot/trading-engine/internal/metrics"
	"github.com/coinpilot/trading-engine/internal/portfolio"
	"github.com/coinpilot/trading-engine/internal/regime"
	"github.com/coinpilot/trading-engine/internal/safety"
	"github.com/coinpilot/trading-engine/internal/signals"
	"github.com/coinpilot/trading-engine/internal/sizing"
	"github.com/coinpilot/trading-engine/internal/trend"
	"github.com/coinpilot/trading-engine/pkg/types"
)

// Error back-off sleeps by category. Nothing is fatal: a bad cycle
// just waits longer.
const (
	backoffTransient = 5 * time.Minute
	backoffOther     = 30 * time.Minute
)

// tickGranularity bounds how long cancellation can go unnoticed.
const tickGranularity = time.Second

// MarketProvider supplies the per-cycle market snapshot for the given
// assets. Collection internals live behind this boundary.
type MarketProvider interface {
	Market(ctx context.Context, assets []string) (types.MarketSnapshot, error)
}

// Stats is the scheduler's status snapshot for the API.
type Stats struct {
	StartedAt   time.Time         `json:"started_at"`
	Cycles      int64             `json:"cycles"`
	LastRegime  regime.Assessment `json:"last_regime"`
	LastGate    string            `json:"last_gate"`
	BearDefense bool              `json:"bear_defense"`
	TrendAssets []string          `json:"trend_assets"`
}

// Scheduler wires the engine components together and runs the loops.
type Scheduler struct {
	logger    *zap.Logger
	cfg       *config.Manager
	valuer    *portfolio.Valuer
	market    MarketProvider
	signals   signals.Provider
	regimes   *regime.Classifier
	bear      *regime.BearDetector
	sizer     *sizing.Sizer
	gates     *safety.Pipeline
	decisions *engine.DecisionEngine
	trend     *trend.Trader
	metrics   *metrics.Metrics

	running   atomic.Bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startedAt time.Time
	cycles    atomic.Int64

	mu          sync.RWMutex
	lastRegime  regime.Assessment
	lastGate    string
	bearDefense bool
	lastNews    types.NewsAnalysis
}

// New creates a scheduler.
func New(
	logger *zap.Logger,
	cfg *config.Manager,
	valuer *portfolio.Valuer,
	market MarketProvider,
	sigs signals.Provider,
	regimes *regime.Classifier,
	bear *regime.BearDetector,
	sizer *sizing.Sizer,
	gates *safety.Pipeline,
	decisions *engine.DecisionEngine,
	trendTrader *trend.Trader,
	m *metrics.Metrics,
) *Scheduler {
	return &Scheduler{
		logger:    logger.Named("scheduler"),
		cfg:       cfg,
		valuer:    valuer,
		market:    market,
		signals:   sigs,
		regimes:   regimes,
		bear:      bear,
		sizer:     sizer,
		gates:     gates,
		decisions: decisions,
		trend:     trendTrader,
		metrics:   m,
		lastGate:  safety.GateNone,
	}
}

// Start launches the main and trend loops. Calling Start twice is a
// no-op.
func (s *Scheduler) Start(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.startedAt = time.Now()

	s.wg.Add(2)
	go s.mainLoop(runCtx)
	go s.trendLoop(runCtx)
	s.logger.Info("scheduler started")
}

// Stop cancels both loops and waits for them. Idempotent.
func (s *Scheduler) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	s.cancel()
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// Stats returns the current status snapshot.
func (s *Scheduler) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{
		StartedAt:   s.startedAt,
		Cycles:      s.cycles.Load(),
		LastRegime:  s.lastRegime,
		LastGate:    s.lastGate,
		BearDefense: s.bearDefense,
		TrendAssets: s.trend.Managed(),
	}
}

func (s *Scheduler) mainLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}

		wait := s.runCycle(ctx)
		if !s.pause(ctx, wait) {
			return
		}
	}
}

// runCycle executes one full trading cycle and returns how long to
// sleep before the next one.
func (s *Scheduler) runCycle(ctx context.Context) time.Duration {
	cfg := s.cfg.Current()
	started := time.Now()
	cycle := s.cycles.Add(1)

	market, err := s.cycleOnce(ctx, cfg, int(cycle))
	s.metrics.CyclesTotal.Inc()
	s.metrics.CycleDuration.Observe(time.Since(started).Seconds())

	if err != nil {
		category := types.Classify(err)
		wait := backoffOther
		if category == types.ErrorTransientData {
			wait = backoffTransient
		}
		s.logger.Error("cycle failed",
			zap.Int64("cycle", cycle),
			zap.String("category", string(category)),
			zap.Duration("backoff", wait),
			zap.Error(err))
		return wait
	}

	return s.interval(cfg, market)
}

func (s *Scheduler) cycleOnce(ctx context.Context, cfg *config.Config, cycle int) (types.MarketSnapshot, error) {
	port, err := s.valuer.Snapshot(ctx)
	if err != nil {
		return types.MarketSnapshot{}, err
	}

	assets := watchlist(cfg, port)
	market, err := s.market.Market(ctx, assets)
	if err != nil {
		return market, types.TransientDataErr(err)
	}

	value, _ := port.TotalValue.Float64()
	s.metrics.PortfolioValue.Set(value)
	s.metrics.CashRatio.Set(port.CashRatio())

	assessment := s.regimes.Classify(cfg, market)
	bearState := s.bear.Detect(market)

	s.mu.Lock()
	s.lastRegime = assessment
	s.bearDefense = bearState.Triggered
	s.lastNews = market.News
	s.mu.Unlock()

	// Defense mode preempts everything, including the gates: raise
	// cash, suppress buys, end the cycle.
	if bearState.Triggered {
		s.metrics.GateActivations.WithLabelValues("bear_defense").Inc()
		s.setLastGate("bear_defense")
		_, err := s.decisions.DefendCash(ctx, cfg, port, bearState.Reason)
		return market, err
	}

	outcome, err := s.gates.Run(ctx, cfg, cycle, port)
	if err != nil {
		return market, err
	}
	s.setLastGate(outcome.Gate)
	if outcome.Acted() {
		return market, nil
	}

	return market, s.trade(ctx, cfg, assessment, port, market)
}

// trade runs the signal-driven path for every asset, in stable order.
func (s *Scheduler) trade(ctx context.Context, cfg *config.Config, assessment regime.Assessment, port types.PortfolioSnapshot, market types.MarketSnapshot) error {
	sigs, err := s.signals.Signals(ctx, market, port)
	if err != nil {
		return types.TransientDataErr(err)
	}

	assets := make([]string, 0, len(sigs))
	for asset := range sigs {
		assets = append(assets, asset)
	}
	sort.Strings(assets)

	for _, asset := range assets {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		sig := sigs[asset]
		size := s.sizer.Recommend(cfg, assessment, port, sig.Confidence)
		if err := s.decisions.Decide(ctx, cfg, sig, size, port, market.Assets[asset], sigs); err != nil {
			// A failed order skips the asset, not the cycle.
			s.logger.Warn("decision failed",
				zap.String("asset", asset), zap.Error(err))
			continue
		}
		// Executed trades move cash; later assets see fresh numbers.
		if fresh, err := s.valuer.Snapshot(ctx); err == nil {
			port = fresh
		}
	}
	return nil
}

func (s *Scheduler) setLastGate(gate string) {
	s.mu.Lock()
	s.lastGate = gate
	s.mu.Unlock()
}

// interval maps average volatility to the next cycle delay; emergency
// news overrides everything.
func (s *Scheduler) interval(cfg *config.Config, market types.MarketSnapshot) time.Duration {
	if market.News.Emergency() {
		return cfg.IntervalEmergency
	}
	vol := market.AvgVolatility()
	switch {
	case vol > cfg.VolExtreme:
		return cfg.IntervalExtreme
	case vol > cfg.VolHigh:
		return cfg.IntervalHigh
	case vol > cfg.VolMedium:
		return cfg.IntervalMedium
	default:
		return cfg.IntervalLow
	}
}

// pause sleeps for d in one-second steps so cancellation is observed
// promptly. Returns false when the context ended.
func (s *Scheduler) pause(ctx context.Context, d time.Duration) bool {
	deadline := time.Now().Add(d)
	ticker := time.NewTicker(tickGranularity)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			if !time.Now().Before(deadline) {
				return true
			}
		}
	}
}

func (s *Scheduler) trendLoop(ctx context.Context) {
	defer s.wg.Done()
	var last time.Time
	ticker := time.NewTicker(tickGranularity)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		cfg := s.cfg.Current()
		cadence := cfg.TrendFlatInterval
		if s.trend.Holding() {
			cadence = cfg.TrendHoldInterval
		}
		if time.Since(last) < cadence {
			continue
		}
		last = time.Now()

		s.mu.RLock()
		news := s.lastNews
		s.mu.RUnlock()

		if err := s.trend.RunOnce(ctx, cfg, news); err != nil {
			s.logger.Warn("trend pass failed", zap.Error(err))
		}
	}
}

// watchlist is the configured portfolio plus anything actually held.
func watchlist(cfg *config.Config, port types.PortfolioSnapshot) []string {
	seen := make(map[string]bool, len(cfg.Portfolio))
	out := make([]string, 0, len(cfg.Portfolio)+len(port.Holdings))
	for _, a := range cfg.Portfolio {
		if !seen[a] {
			seen[a] = true
			out = append(out, a)
		}
	}
	for _, h := range port.Holdings {
		if !seen[h.Asset] {
			seen[h.Asset] = true
			out = append(out, h.Asset)
		}
	}
	sort.Strings(out)
	return out
}
