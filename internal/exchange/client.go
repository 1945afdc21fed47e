// Package exchange defines the spot exchange client contract and the
// guarded wrapper the engine trades through.
package exchange

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/coinpilot/trading-engine/pkg/types"
)

// Sentinel errors surfaced by client implementations.
var (
	ErrEmptyOrderbook   = errors.New("orderbook empty or unavailable")
	ErrPriceUnavailable = errors.New("price unavailable")
	ErrInsufficientCash = errors.New("insufficient cash balance")
	ErrInsufficientQty  = errors.New("insufficient asset balance")
)

// Balance is one asset balance row as reported by the exchange.
type Balance struct {
	Asset       string
	Quantity    decimal.Decimal
	AvgBuyPrice decimal.Decimal
}

// Client is the spot exchange surface the engine needs. All methods
// take a context and return decimals; implementations must be safe for
// concurrent use (the main and trend loops share one client).
type Client interface {
	// CashBalance returns the free quote-currency balance.
	CashBalance(ctx context.Context) (decimal.Decimal, error)

	// Balances returns all non-quote asset balances.
	Balances(ctx context.Context) ([]Balance, error)

	// CurrentPrice returns the last trade price for the asset.
	CurrentPrice(ctx context.Context, asset string) (decimal.Decimal, error)

	// Orderbook returns the current book; ErrEmptyOrderbook when the
	// venue returns a nil or empty book.
	Orderbook(ctx context.Context, asset string) (*types.Orderbook, error)

	// Tickers returns 24h stats for the whole market, used by trend
	// discovery.
	Tickers(ctx context.Context) ([]types.TickerStats, error)

	// MarketBuy spends notional quote currency on the asset.
	MarketBuy(ctx context.Context, asset string, notional decimal.Decimal) (*types.OrderResult, error)

	// MarketSell sells quantity of the asset at market.
	MarketSell(ctx context.Context, asset string, quantity decimal.Decimal) (*types.OrderResult, error)
}
