// Package regime classifies the overall market condition and detects
// when the engine should switch into bear defense.
package regime

import (
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/coinpilot/trading-engine/internal/config"
	"github.com/coinpilot/trading-engine/pkg/types"
)

// Regime labels the broad market condition.
type Regime string

const (
	RegimeUnknown        Regime = "unknown"
	RegimeBull           Regime = "bull"
	RegimeBullOverheated Regime = "bull_overheated"
	RegimeBear           Regime = "bear"
	RegimeBearOversold   Regime = "bear_oversold"
	RegimeHighVolatility Regime = "high_volatility"
	RegimeSideways       Regime = "sideways"
)

// Assessment is the classifier output for one cycle.
type Assessment struct {
	Regime        Regime  `json:"regime"`
	Confidence    float64 `json:"confidence"`
	AvgChange     float64 `json:"avg_change"`
	AvgVolatility float64 `json:"avg_volatility"`
	BullishAssets int     `json:"bullish_assets"`
	BearishAssets int     `json:"bearish_assets"`
	FearGreed     int     `json:"fear_greed"`
}

// Classifier derives the market regime from portfolio-wide metrics.
// Thresholds come from the config snapshot on each call so hot reloads
// apply to the next cycle.
type Classifier struct {
	logger *zap.Logger

	mu   sync.RWMutex
	last Assessment
}

// NewClassifier creates a regime classifier.
func NewClassifier(logger *zap.Logger) *Classifier {
	return &Classifier{
		logger: logger.Named("regime"),
		last:   Assessment{Regime: RegimeUnknown},
	}
}

// Classify evaluates the market snapshot. An empty asset set yields
// RegimeUnknown with zero confidence.
func (c *Classifier) Classify(cfg *config.Config, market types.MarketSnapshot) Assessment {
	if len(market.Assets) == 0 {
		a := Assessment{Regime: RegimeUnknown, FearGreed: market.FearGreed}
		c.store(a)
		return a
	}

	var totalChange, totalVol float64
	var bullish, bearish int
	for _, m := range market.Assets {
		totalChange += m.ChangeRate
		if m.ChangeRate < 0 {
			totalVol -= m.ChangeRate
		} else {
			totalVol += m.ChangeRate
		}
		switch {
		case strings.Contains(m.TrendAlignment, "bullish"):
			bullish++
		case strings.Contains(m.TrendAlignment, "bearish"):
			bearish++
		}
	}

	n := float64(len(market.Assets))
	a := Assessment{
		Regime:        RegimeSideways,
		Confidence:    0.5,
		AvgChange:     totalChange / n,
		AvgVolatility: totalVol / n,
		BullishAssets: bullish,
		BearishAssets: bearish,
		FearGreed:     market.FearGreed,
	}

	switch {
	case a.AvgChange > cfg.BullThreshold && bullish > bearish:
		if market.FearGreed > cfg.GreedExtreme {
			a.Regime, a.Confidence = RegimeBullOverheated, 0.8
		} else {
			a.Regime, a.Confidence = RegimeBull, 0.7
		}
	case a.AvgChange < cfg.BearThreshold && bearish > bullish:
		if market.FearGreed < cfg.FearExtreme {
			a.Regime, a.Confidence = RegimeBearOversold, 0.8
		} else {
			a.Regime, a.Confidence = RegimeBear, 0.7
		}
	case a.AvgVolatility > cfg.HighVolThreshold:
		a.Regime, a.Confidence = RegimeHighVolatility, 0.6
	}

	c.store(a)
	c.logger.Debug("regime classified",
		zap.String("regime", string(a.Regime)),
		zap.Float64("avg_change", a.AvgChange),
		zap.Float64("avg_volatility", a.AvgVolatility))
	return a
}

func (c *Classifier) store(a Assessment) {
	c.mu.Lock()
	c.last = a
	c.mu.Unlock()
}

// Last returns the most recent assessment.
func (c *Classifier) Last() Assessment {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last
}
