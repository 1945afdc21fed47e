// Command engine runs the risk-managed portfolio trading engine.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/coinpilot/trading-engine/internal/api"
	"github.com/coinpilot/trading-engine/internal/audit"
	"github.com/coinpilot/trading-engine/internal/config"
	"github.com/coinpilot/trading-engine/internal/engine"
	"github.com/coinpilot/trading-engine/internal/exchange"
	"github.com/coinpilot/trading-engine/internal/metrics"
	"github.com/coinpilot/trading-engine/internal/portfolio"
	"github.com/coinpilot/trading-engine/internal/regime"
	"github.com/coinpilot/trading-engine/internal/safety"
	"github.com/coinpilot/trading-engine/internal/scheduler"
	"github.com/coinpilot/trading-engine/internal/sim"
	"github.com/coinpilot/trading-engine/internal/sizing"
	"github.com/coinpilot/trading-engine/internal/state"
	"github.com/coinpilot/trading-engine/internal/trend"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to config file (optional)")
		logLevel   = flag.String("log-level", "info", "log level (debug, info, warn, error)")
		paperCash  = flag.Float64("paper-cash", 10_000_000, "starting cash for paper mode")
		seed       = flag.Int64("seed", time.Now().UnixNano(), "simulation seed for paper mode")
	)
	flag.Parse()

	// Credentials and overrides may live in .env; absence is fine.
	_ = godotenv.Load()

	logger, err := setupLogger(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger setup failed: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfgMgr, err := config.NewManager(logger, *configPath)
	if err != nil {
		logger.Fatal("config load failed", zap.Error(err))
	}
	cfg := cfgMgr.Current()

	sink, err := audit.NewFileSink(logger, cfg.DecisionLogPath)
	if err != nil {
		logger.Fatal("decision log open failed", zap.Error(err))
	}
	defer sink.Close()

	m := metrics.New(nil)

	// Paper exchange with a synthetic market; a live venue adapter
	// plugs in behind the same exchange.Client interface.
	paper := exchange.NewPaper(decimal.NewFromFloat(*paperCash))
	prices := make(map[string]float64, len(cfg.Portfolio))
	base := 100_000.0
	for _, asset := range cfg.Portfolio {
		prices[asset] = base
		base *= 0.4
	}
	market := sim.NewMarket(*seed, paper, prices)

	guard := exchange.DefaultGuardConfig()
	guard.RateLimitPerSec = cfg.RateLimitPerSec
	guard.MaxFailures = cfg.BreakerMaxFailures
	client := exchange.NewGuarded(logger, paper, guard)

	valuer := portfolio.NewValuer(logger, client)
	executor := engine.NewExecutor(logger, client, valuer, sink, m)
	cooldowns := state.NewCooldownStore()

	classifier := regime.NewClassifier(logger)
	bear := regime.NewBearDetector(logger)
	sizer := sizing.NewSizer(logger)

	gates := safety.NewPipeline(logger, executor, cooldowns, m)
	decisions := engine.NewDecisionEngine(logger, executor, cooldowns, sink, m)
	trendTrader := trend.NewTrader(logger, client, executor, market, m)

	sched := scheduler.New(logger, cfgMgr, valuer, market, &sim.Signals{Source: market},
		classifier, bear, sizer, gates, decisions, trendTrader, m)

	server := api.NewServer(logger, cfg.StatusListenAddr, sched, valuer, cooldowns)
	server.Start()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sched.Start(ctx)

	logger.Info("engine running",
		zap.Strings("portfolio", cfg.Portfolio),
		zap.String("quote", cfg.Quote),
		zap.String("status_addr", cfg.StatusListenAddr))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	cancel()
	sched.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("status server shutdown failed", zap.Error(err))
	}
}

func setupLogger(level string) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	return cfg.Build()
}
