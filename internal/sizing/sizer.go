// Package sizing computes regime- and confidence-adjusted position
// sizes as fractions of available cash.
package sizing

import (
	"math"

	"go.uber.org/zap"

	"github.com/coinpilot/trading-engine/internal/config"
	"github.com/coinpilot/trading-engine/internal/regime"
	"github.com/coinpilot/trading-engine/pkg/types"
)

// Decision is a sizing recommendation plus the adjustments applied,
// kept for the audit context.
type Decision struct {
	Ratio            float64  `json:"ratio"` // fraction of cash
	RegimeMultiplier float64  `json:"regime_multiplier"`
	ConfidenceFactor float64  `json:"confidence_factor"`
	Capped           bool     `json:"capped"`
	Adjustments      []string `json:"adjustments,omitempty"`
}

// Sizer maps regime and signal confidence to a trade ratio. The base
// ratio and cap come from the config snapshot on each call.
type Sizer struct {
	logger *zap.Logger
}

// NewSizer creates a position sizer.
func NewSizer(logger *zap.Logger) *Sizer {
	return &Sizer{
		logger: logger.Named("sizing"),
	}
}

// Recommend computes the cash fraction for one trade.
func (s *Sizer) Recommend(cfg *config.Config, assessment regime.Assessment, portfolio types.PortfolioSnapshot, confidence float64) Decision {
	d := Decision{RegimeMultiplier: 1.0}

	switch assessment.Regime {
	case regime.RegimeBull:
		d.RegimeMultiplier = 1.2
		d.Adjustments = append(d.Adjustments, "bull")
		if math.Abs(assessment.AvgChange) > 15 {
			d.RegimeMultiplier *= 1.25
			d.Adjustments = append(d.Adjustments, "momentum_boost")
		}
	case regime.RegimeBullOverheated:
		d.RegimeMultiplier = 0.7
		d.Adjustments = append(d.Adjustments, "overheated")
	case regime.RegimeBear:
		d.RegimeMultiplier = 0.6
		d.Adjustments = append(d.Adjustments, "bear")
	case regime.RegimeBearOversold:
		d.RegimeMultiplier = 0.9
		d.Adjustments = append(d.Adjustments, "oversold_rebound")
	case regime.RegimeHighVolatility:
		d.RegimeMultiplier = 0.5
		d.Adjustments = append(d.Adjustments, "high_volatility")
		if math.Abs(assessment.AvgChange) > 10 {
			d.RegimeMultiplier *= 1.4
			d.Adjustments = append(d.Adjustments, "volatility_momentum")
		}
	case regime.RegimeSideways:
		switch {
		case portfolio.CashRatio() > 0.40:
			d.RegimeMultiplier = 1.0
			d.Adjustments = append(d.Adjustments, "sideways_cash_rich")
		case assessment.FearGreed > 70:
			d.RegimeMultiplier = 0.85
			d.Adjustments = append(d.Adjustments, "sideways_greedy")
		default:
			d.RegimeMultiplier = 0.9
			d.Adjustments = append(d.Adjustments, "sideways")
		}
	}

	conf := confidence
	if conf < 0 {
		conf = 0
	} else if conf > 1 {
		conf = 1
	}
	d.ConfidenceFactor = 0.6 + 0.6*conf

	ratio := cfg.BaseTradeRatio * d.RegimeMultiplier * d.ConfidenceFactor
	cap := cfg.BaseTradeRatio * cfg.MaxPositionMultiplier
	if ratio > cap {
		ratio = cap
		d.Capped = true
		d.Adjustments = append(d.Adjustments, "capped")
	}
	if ratio < 0 {
		ratio = 0
	}
	d.Ratio = ratio

	return d
}
