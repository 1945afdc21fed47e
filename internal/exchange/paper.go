package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/coinpilot/trading-engine/pkg/types"
)

// Paper is an in-memory exchange for paper trading and tests. Fills are
// immediate at the posted price with a flat taker fee.
type Paper struct {
	mu       sync.Mutex
	cash     decimal.Decimal
	holdings map[string]*paperHolding
	prices   map[string]decimal.Decimal
	books    map[string]*types.Orderbook
	tickers  []types.TickerStats
	feeRate  decimal.Decimal
}

type paperHolding struct {
	quantity    decimal.Decimal
	avgBuyPrice decimal.Decimal
}

// NewPaper creates a paper exchange seeded with cash.
func NewPaper(cash decimal.Decimal) *Paper {
	return &Paper{
		cash:     cash,
		holdings: make(map[string]*paperHolding),
		prices:   make(map[string]decimal.Decimal),
		books:    make(map[string]*types.Orderbook),
		feeRate:  decimal.NewFromFloat(0.0005),
	}
}

// SetPrice posts a price and a synthetic two-level book for the asset.
func (p *Paper) SetPrice(asset string, price decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[asset] = price
	qty := decimal.NewFromInt(100)
	p.books[asset] = &types.Orderbook{
		Asset:     asset,
		Bids:      []types.OrderbookLevel{{Price: price, Quantity: qty}},
		Asks:      []types.OrderbookLevel{{Price: price, Quantity: qty}},
		Timestamp: time.Now(),
	}
}

// SetHolding seeds a position directly, for tests.
func (p *Paper) SetHolding(asset string, quantity, avgBuyPrice decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.holdings[asset] = &paperHolding{quantity: quantity, avgBuyPrice: avgBuyPrice}
}

// SetTickers seeds the 24h market stats, for trend discovery.
func (p *Paper) SetTickers(stats []types.TickerStats) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tickers = stats
}

// CashBalance implements Client.
func (p *Paper) CashBalance(_ context.Context) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cash, nil
}

// Balances implements Client.
func (p *Paper) Balances(_ context.Context) ([]Balance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Balance, 0, len(p.holdings))
	for asset, h := range p.holdings {
		if h.quantity.IsZero() {
			continue
		}
		out = append(out, Balance{Asset: asset, Quantity: h.quantity, AvgBuyPrice: h.avgBuyPrice})
	}
	return out, nil
}

// CurrentPrice implements Client.
func (p *Paper) CurrentPrice(_ context.Context, asset string) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	price, ok := p.prices[asset]
	if !ok {
		return decimal.Zero, fmt.Errorf("%s: %w", asset, ErrPriceUnavailable)
	}
	return price, nil
}

// Orderbook implements Client.
func (p *Paper) Orderbook(_ context.Context, asset string) (*types.Orderbook, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	book, ok := p.books[asset]
	if !ok || len(book.Asks) == 0 {
		return nil, fmt.Errorf("%s: %w", asset, ErrEmptyOrderbook)
	}
	return book, nil
}

// Tickers implements Client.
func (p *Paper) Tickers(_ context.Context) ([]types.TickerStats, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]types.TickerStats, len(p.tickers))
	copy(out, p.tickers)
	return out, nil
}

// MarketBuy implements Client.
func (p *Paper) MarketBuy(_ context.Context, asset string, notional decimal.Decimal) (*types.OrderResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	price, ok := p.prices[asset]
	if !ok || price.IsZero() {
		return nil, fmt.Errorf("%s: %w", asset, ErrPriceUnavailable)
	}
	if notional.GreaterThan(p.cash) {
		return nil, fmt.Errorf("buy %s %s > cash %s: %w", asset, notional, p.cash, ErrInsufficientCash)
	}

	fee := notional.Mul(p.feeRate)
	spend := notional.Sub(fee)
	qty := spend.Div(price)

	p.cash = p.cash.Sub(notional)
	h, exists := p.holdings[asset]
	if !exists {
		p.holdings[asset] = &paperHolding{quantity: qty, avgBuyPrice: price}
	} else {
		// Volume-weighted average entry.
		oldCost := h.quantity.Mul(h.avgBuyPrice)
		newQty := h.quantity.Add(qty)
		h.avgBuyPrice = oldCost.Add(spend).Div(newQty)
		h.quantity = newQty
	}

	return &types.OrderResult{
		OrderID:    uuid.NewString(),
		Asset:      asset,
		Side:       types.SideBuy,
		Quantity:   qty,
		AvgPrice:   price,
		Notional:   notional,
		Fee:        fee,
		ExecutedAt: time.Now(),
	}, nil
}

// MarketSell implements Client.
func (p *Paper) MarketSell(_ context.Context, asset string, quantity decimal.Decimal) (*types.OrderResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	price, ok := p.prices[asset]
	if !ok || price.IsZero() {
		return nil, fmt.Errorf("%s: %w", asset, ErrPriceUnavailable)
	}
	h, exists := p.holdings[asset]
	if !exists || h.quantity.LessThan(quantity) {
		return nil, fmt.Errorf("sell %s %s: %w", asset, quantity, ErrInsufficientQty)
	}

	notional := quantity.Mul(price)
	fee := notional.Mul(p.feeRate)
	p.cash = p.cash.Add(notional.Sub(fee))
	h.quantity = h.quantity.Sub(quantity)
	if h.quantity.IsZero() {
		delete(p.holdings, asset)
	}

	return &types.OrderResult{
		OrderID:    uuid.NewString(),
		Asset:      asset,
		Side:       types.SideSell,
		Quantity:   quantity,
		AvgPrice:   price,
		Notional:   notional,
		Fee:        fee,
		ExecutedAt: time.Now(),
	}, nil
}
