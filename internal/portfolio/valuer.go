// Package portfolio builds point-in-time portfolio valuations from the
// exchange client.
package portfolio

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/coinpilot/trading-engine/internal/exchange"
	"github.com/coinpilot/trading-engine/pkg/types"
)

// Valuer snapshots cash plus all holdings at current prices.
type Valuer struct {
	logger *zap.Logger
	client exchange.Client
}

// NewValuer creates a portfolio valuer.
func NewValuer(logger *zap.Logger, client exchange.Client) *Valuer {
	return &Valuer{
		logger: logger.Named("portfolio"),
		client: client,
	}
}

// Snapshot values the portfolio. Assets whose price lookup fails are
// skipped with a debug log; a missing price must not sink the cycle.
func (v *Valuer) Snapshot(ctx context.Context) (types.PortfolioSnapshot, error) {
	cash, err := v.client.CashBalance(ctx)
	if err != nil {
		return types.PortfolioSnapshot{}, types.TransientDataErr(err)
	}
	balances, err := v.client.Balances(ctx)
	if err != nil {
		return types.PortfolioSnapshot{}, types.TransientDataErr(err)
	}

	snap := types.PortfolioSnapshot{
		Cash:       cash,
		TotalValue: cash,
		Timestamp:  time.Now(),
	}

	for _, b := range balances {
		if b.Quantity.IsZero() {
			continue
		}
		price, err := v.client.CurrentPrice(ctx, b.Asset)
		if err != nil {
			v.logger.Debug("price lookup failed, skipping asset",
				zap.String("asset", b.Asset), zap.Error(err))
			continue
		}
		value := b.Quantity.Mul(price)
		h := types.Holding{
			Asset:       b.Asset,
			Balance:     b.Quantity,
			AvgBuyPrice: b.AvgBuyPrice,
			Price:       price,
			Value:       value,
		}
		if !b.AvgBuyPrice.IsZero() {
			rate, _ := price.Sub(b.AvgBuyPrice).Div(b.AvgBuyPrice).Mul(decimal.NewFromInt(100)).Float64()
			h.ProfitRate = rate
		}
		snap.Holdings = append(snap.Holdings, h)
		snap.TotalValue = snap.TotalValue.Add(value)
	}

	// Stable ordering keeps logs and rebalance passes deterministic.
	sort.Slice(snap.Holdings, func(i, j int) bool {
		return snap.Holdings[i].Asset < snap.Holdings[j].Asset
	})

	return snap, nil
}
