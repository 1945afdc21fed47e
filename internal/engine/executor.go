// Package engine contains the order decision state machine, the
// bear-defense sweep, and the executor that carries orders to the
// exchange with full audit context.
package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/coinpilot/trading-engine/internal/audit"
	"github.com/coinpilot/trading-engine/internal/exchange"
	"github.com/coinpilot/trading-engine/internal/metrics"
	"github.com/coinpilot/trading-engine/internal/portfolio"
	"github.com/coinpilot/trading-engine/pkg/types"
)

// Executor places orders and records execution audit trails with
// before/after portfolio snapshots.
type Executor struct {
	logger  *zap.Logger
	client  exchange.Client
	valuer  *portfolio.Valuer
	sink    *audit.Sink
	metrics *metrics.Metrics
}

// NewExecutor creates an executor.
func NewExecutor(logger *zap.Logger, client exchange.Client, valuer *portfolio.Valuer, sink *audit.Sink, m *metrics.Metrics) *Executor {
	return &Executor{
		logger:  logger.Named("executor"),
		client:  client,
		valuer:  valuer,
		sink:    sink,
		metrics: m,
	}
}

// Buy spends notional quote currency on asset.
func (e *Executor) Buy(ctx context.Context, asset string, notional decimal.Decimal, kind types.IntentKind, reason string) (*types.OrderResult, error) {
	intent := types.OrderIntent{
		ID:       uuid.NewString(),
		Asset:    asset,
		Side:     types.SideBuy,
		Notional: notional,
		Kind:     kind,
		Reason:   reason,
	}
	return e.execute(ctx, intent, func() (*types.OrderResult, error) {
		return e.client.MarketBuy(ctx, asset, notional)
	})
}

// Sell sells quantity of asset at market.
func (e *Executor) Sell(ctx context.Context, asset string, quantity decimal.Decimal, kind types.IntentKind, reason string) (*types.OrderResult, error) {
	intent := types.OrderIntent{
		ID:       uuid.NewString(),
		Asset:    asset,
		Side:     types.SideSell,
		Quantity: quantity,
		Kind:     kind,
		Reason:   reason,
	}
	return e.execute(ctx, intent, func() (*types.OrderResult, error) {
		return e.client.MarketSell(ctx, asset, quantity)
	})
}

func (e *Executor) execute(ctx context.Context, intent types.OrderIntent, place func() (*types.OrderResult, error)) (*types.OrderResult, error) {
	before, err := e.valuer.Snapshot(ctx)
	var beforePtr *types.PortfolioSnapshot
	if err == nil {
		beforePtr = &before
	}

	result, err := place()
	rec := audit.ExecutionRecord{
		ID:     intent.ID,
		Intent: intent,
		Result: result,
		Before: beforePtr,
	}

	if err != nil {
		rec.Error = err.Error()
		e.sink.Execution(rec)
		e.logger.Error("order failed",
			zap.String("asset", intent.Asset),
			zap.String("side", string(intent.Side)),
			zap.String("kind", string(intent.Kind)),
			zap.Error(err))
		return nil, types.ExecutionErr(fmt.Errorf("%s %s: %w", intent.Side, intent.Asset, err))
	}

	if after, aerr := e.valuer.Snapshot(ctx); aerr == nil {
		rec.After = &after
	}
	e.sink.Execution(rec)
	e.metrics.OrdersTotal.WithLabelValues(string(intent.Side), string(intent.Kind)).Inc()

	e.logger.Info("order executed",
		zap.String("asset", intent.Asset),
		zap.String("side", string(intent.Side)),
		zap.String("kind", string(intent.Kind)),
		zap.String("quantity", result.Quantity.String()),
		zap.String("notional", result.Notional.String()),
		zap.String("reason", intent.Reason))
	return result, nil
}
