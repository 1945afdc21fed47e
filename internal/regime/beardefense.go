package regime

import (
	"math"
	"strings"

	"go.uber.org/zap"

	"github.com/coinpilot/trading-engine/pkg/types"
)

// Bear defense indicator labels, in scoring order.
const (
	IndicatorBroadDecline   = "broad_decline"
	IndicatorVolumeCollapse = "volume_collapse"
	IndicatorWeakRSI        = "weak_rsi"
	IndicatorNegativeNews   = "negative_news"
)

// BearAssessment is the bear defense detector output.
type BearAssessment struct {
	Triggered  bool            `json:"triggered"`
	Score      int             `json:"score"`
	Confidence float64         `json:"confidence"`
	Indicators map[string]bool `json:"indicators"`
	Reason     string          `json:"reason,omitempty"`
}

// BearDetector scores four independent weakness indicators; three of
// four switches the engine into defense mode.
type BearDetector struct {
	logger *zap.Logger
}

// NewBearDetector creates a bear defense detector.
func NewBearDetector(logger *zap.Logger) *BearDetector {
	return &BearDetector{logger: logger.Named("bear-defense")}
}

// Detect evaluates the held-asset universe. An empty universe never
// triggers.
func (d *BearDetector) Detect(market types.MarketSnapshot) BearAssessment {
	indicators := map[string]bool{
		IndicatorBroadDecline:   false,
		IndicatorVolumeCollapse: false,
		IndicatorWeakRSI:        false,
		IndicatorNegativeNews:   false,
	}

	n := len(market.Assets)
	if n == 0 {
		return BearAssessment{Indicators: indicators}
	}

	var down, lowVolume, weakRSI int
	for _, m := range market.Assets {
		if m.ChangeRate < -3 {
			down++
		}
		if m.DayVolumeAvg > 0 && m.Hour4VolumeAvg < m.DayVolumeAvg*0.25 {
			lowVolume++
		}
		if m.RSI < 45 &&
			(strings.Contains(m.TrendAlignment, "bearish") || strings.Contains(m.TrendAlignment, "weak")) {
			weakRSI++
		}
	}

	indicators[IndicatorBroadDecline] = down >= quorum(n, 0.6)
	indicators[IndicatorVolumeCollapse] = lowVolume >= quorum(n, 0.5)
	indicators[IndicatorWeakRSI] = weakRSI >= quorum(n, 0.5)
	indicators[IndicatorNegativeNews] = market.News.Sentiment == types.SentimentNegative ||
		market.News.Emergency()

	score := 0
	for _, fired := range indicators {
		if fired {
			score++
		}
	}

	a := BearAssessment{
		Triggered:  score >= 3,
		Score:      score,
		Confidence: float64(score) / 4,
		Indicators: indicators,
	}
	if a.Triggered {
		a.Reason = bearReason(indicators)
		d.logger.Warn("bear defense triggered",
			zap.Int("score", score),
			zap.String("reason", a.Reason))
	}
	return a
}

// quorum is the minimum asset count for an indicator to fire: at least
// two, and at least the given share of the universe.
func quorum(n int, share float64) int {
	q := int(math.Ceil(float64(n) * share))
	if q < 2 {
		q = 2
	}
	return q
}

func bearReason(indicators map[string]bool) string {
	labels := []struct {
		key  string
		text string
	}{
		{IndicatorBroadDecline, "broad simultaneous decline"},
		{IndicatorVolumeCollapse, "volume collapse"},
		{IndicatorWeakRSI, "bearish RSI shift"},
		{IndicatorNegativeNews, "negative news flow"},
	}
	var parts []string
	for _, l := range labels {
		if indicators[l.key] {
			parts = append(parts, l.text)
		}
	}
	if len(parts) == 0 {
		return "bearish signals detected"
	}
	return strings.Join(parts, " + ")
}
