// Package signals defines the advisory signal source and the boundary
// coercion that turns untrusted provider payloads into strict signals.
package signals

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/coinpilot/trading-engine/pkg/types"
)

// Provider produces per-asset advisory signals for one cycle. The
// engine treats the output as advice only.
type Provider interface {
	Signals(ctx context.Context, market types.MarketSnapshot, port types.PortfolioSnapshot) (map[string]types.Signal, error)
}

// defaultConfidence applies when a payload omits or garbles the score.
const defaultConfidence = 0.5

// Parser coerces loosely-typed provider payloads into Signals. Unknown
// actions degrade to hold; confidence is clamped to [0,1]. A malformed
// payload never aborts the cycle.
type Parser struct {
	logger *zap.Logger
}

// NewParser creates a signal parser.
func NewParser(logger *zap.Logger) *Parser {
	return &Parser{logger: logger.Named("signal-parser")}
}

// payload is the loose wire shape providers send.
type payload struct {
	Asset           string          `json:"asset"`
	Action          string          `json:"action"`
	Confidence      json.RawMessage `json:"confidence"`
	Reason          string          `json:"reason"`
	RecommendedSize json.RawMessage `json:"recommended_size"`
	StopLoss        json.RawMessage `json:"stop_loss"`
	TakeProfit      json.RawMessage `json:"take_profit"`
}

// ParseBatch coerces a raw JSON object of per-asset payloads. Entries
// that cannot be salvaged at all are dropped with a warning.
func (p *Parser) ParseBatch(data []byte, source string) (map[string]types.Signal, error) {
	var raw map[string]payload
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, types.TransientDataErr(fmt.Errorf("parse signal batch: %w", err))
	}

	out := make(map[string]types.Signal, len(raw))
	for asset, pl := range raw {
		if pl.Asset == "" {
			pl.Asset = asset
		}
		sig := p.Coerce(pl.Asset, pl.Action, parseConfidence(pl.Confidence), pl.Reason, source)
		sig.RecommendedSize = parseRatio(pl.RecommendedSize)
		sig.StopLoss = parsePrice(pl.StopLoss)
		sig.TakeProfit = parsePrice(pl.TakeProfit)
		out[asset] = sig
	}
	return out, nil
}

// Coerce builds a strict Signal from loose fields.
func (p *Parser) Coerce(asset, action string, confidence float64, reason, source string) types.Signal {
	kind := types.SignalHold
	switch strings.ToLower(strings.TrimSpace(action)) {
	case "buy", "long", "accumulate":
		kind = types.SignalBuy
	case "strong_buy", "strongbuy":
		kind = types.SignalStrongBuy
	case "sell", "short", "reduce", "exit":
		kind = types.SignalSell
	case "emergency_sell", "emergencysell", "panic_sell":
		kind = types.SignalEmergencySell
	case "hold", "wait", "":
		kind = types.SignalHold
	default:
		p.logger.Warn("unknown signal action, degrading to hold",
			zap.String("asset", asset),
			zap.String("action", action))
	}

	if confidence < 0 {
		confidence = 0
	} else if confidence > 1 {
		confidence = 1
	}

	return types.Signal{
		Asset:      asset,
		Kind:       kind,
		Confidence: confidence,
		Reason:     reason,
		Source:     source,
		Timestamp:  time.Now(),
	}
}

// parseConfidence accepts numbers, numeric strings, or nothing.
func parseConfidence(raw json.RawMessage) float64 {
	if len(raw) == 0 {
		return defaultConfidence
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			return f
		}
	}
	return defaultConfidence
}

// parseRatio accepts a cash fraction in [0,1]; absent or garbled values
// become zero, meaning unspecified.
func parseRatio(raw json.RawMessage) float64 {
	if len(raw) == 0 {
		return 0
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return 0
	}
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

// parsePrice accepts a numeric or string price level; absent or garbled
// values become zero.
func parsePrice(raw json.RawMessage) decimal.Decimal {
	if len(raw) == 0 {
		return decimal.Zero
	}
	var d decimal.Decimal
	if err := json.Unmarshal(raw, &d); err != nil {
		return decimal.Zero
	}
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

// StaticProvider returns fixed signals, for tests and dry runs.
type StaticProvider struct {
	Fixed map[string]types.Signal
}

// Signals implements Provider.
func (s *StaticProvider) Signals(_ context.Context, _ types.MarketSnapshot, _ types.PortfolioSnapshot) (map[string]types.Signal, error) {
	return s.Fixed, nil
}
