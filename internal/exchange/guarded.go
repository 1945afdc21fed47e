package exchange

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/coinpilot/trading-engine/internal/retry"
	"github.com/coinpilot/trading-engine/pkg/types"
)

// GuardConfig tunes the protective wrapper around a raw client.
type GuardConfig struct {
	RateLimitPerSec float64
	Burst           int
	MaxFailures     uint32        // consecutive failures before the breaker opens
	OpenTimeout     time.Duration // how long the breaker stays open
	ReadAttempts    int           // bounded retries for read methods
	ReadBackoff     time.Duration
}

// DefaultGuardConfig returns conservative guard settings.
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		RateLimitPerSec: 8,
		Burst:           4,
		MaxFailures:     5,
		OpenTimeout:     30 * time.Second,
		ReadAttempts:    3,
		ReadBackoff:     200 * time.Millisecond,
	}
}

// Guarded wraps a Client with a rate limiter, a circuit breaker, and
// bounded retries on reads. Order placement is never retried; a failed
// order surfaces as an execution error and the cycle moves on.
type Guarded struct {
	logger  *zap.Logger
	inner   Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	config  GuardConfig
}

// NewGuarded wraps inner with the protective layers.
func NewGuarded(logger *zap.Logger, inner Client, config GuardConfig) *Guarded {
	log := logger.Named("exchange")
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "exchange",
		Timeout: config.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= config.MaxFailures
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			log.Warn("breaker state change",
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return &Guarded{
		logger:  log,
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(config.RateLimitPerSec), config.Burst),
		breaker: cb,
		config:  config,
	}
}

func (g *Guarded) call(ctx context.Context, fn func() (any, error)) (any, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	v, err := g.breaker.Execute(fn)
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return nil, types.TransientDataErr(fmt.Errorf("exchange unavailable: %w", err))
	}
	return v, err
}

// read runs fn through the guard with bounded retries.
func (g *Guarded) read(ctx context.Context, fn func() (any, error)) (any, error) {
	return retry.Do(ctx, g.config.ReadAttempts, g.config.ReadBackoff,
		func(ctx context.Context) (any, error) {
			return g.call(ctx, fn)
		})
}

// CashBalance implements Client.
func (g *Guarded) CashBalance(ctx context.Context) (decimal.Decimal, error) {
	v, err := g.read(ctx, func() (any, error) { return g.inner.CashBalance(ctx) })
	if err != nil {
		return decimal.Zero, err
	}
	return v.(decimal.Decimal), nil
}

// Balances implements Client.
func (g *Guarded) Balances(ctx context.Context) ([]Balance, error) {
	v, err := g.read(ctx, func() (any, error) { return g.inner.Balances(ctx) })
	if err != nil {
		return nil, err
	}
	return v.([]Balance), nil
}

// CurrentPrice implements Client.
func (g *Guarded) CurrentPrice(ctx context.Context, asset string) (decimal.Decimal, error) {
	v, err := g.read(ctx, func() (any, error) { return g.inner.CurrentPrice(ctx, asset) })
	if err != nil {
		return decimal.Zero, err
	}
	return v.(decimal.Decimal), nil
}

// Orderbook implements Client.
func (g *Guarded) Orderbook(ctx context.Context, asset string) (*types.Orderbook, error) {
	v, err := g.read(ctx, func() (any, error) { return g.inner.Orderbook(ctx, asset) })
	if err != nil {
		return nil, err
	}
	return v.(*types.Orderbook), nil
}

// Tickers implements Client.
func (g *Guarded) Tickers(ctx context.Context) ([]types.TickerStats, error) {
	v, err := g.read(ctx, func() (any, error) { return g.inner.Tickers(ctx) })
	if err != nil {
		return nil, err
	}
	return v.([]types.TickerStats), nil
}

// MarketBuy implements Client. No retry: a doubtful fill must not be
// repeated.
func (g *Guarded) MarketBuy(ctx context.Context, asset string, notional decimal.Decimal) (*types.OrderResult, error) {
	v, err := g.call(ctx, func() (any, error) { return g.inner.MarketBuy(ctx, asset, notional) })
	if err != nil {
		return nil, err
	}
	return v.(*types.OrderResult), nil
}

// MarketSell implements Client. No retry, same as MarketBuy.
func (g *Guarded) MarketSell(ctx context.Context, asset string, quantity decimal.Decimal) (*types.OrderResult, error) {
	v, err := g.call(ctx, func() (any, error) { return g.inner.MarketSell(ctx, asset, quantity) })
	if err != nil {
		return nil, err
	}
	return v.(*types.OrderResult), nil
}
