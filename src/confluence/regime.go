package confluence

import (
	"math"

	"tradepilot/src/model"
	"tradepilot/src/strategies"
)

// RegimeState classifies recent price action; the multiplier scales blended
// confidence before the min-confidence check.
type RegimeState string

const (
	RegimeTrending RegimeState = "trending"
	RegimeRanging  RegimeState = "ranging"
	RegimeVolatile RegimeState = "volatile"
)

type Regime struct {
	State      RegimeState `json:"state"`
	Volatility float64     `json:"volatility"` // ATR as fraction of price
	Multiplier float64     `json:"multiplier"`
}

// ClassifyRegime derives the regime from ATR-relative volatility and EMA
// slope over the primary buffer.
func ClassifyRegime(bars []model.Bar) Regime {
	if len(bars) < 30 {
		return Regime{State: RegimeRanging, Multiplier: 1.0}
	}

	atr := strategies.ATR(bars, 14)
	price := bars[len(bars)-1].Close.InexactFloat64()
	if price <= 0 || atr == 0 {
		return Regime{State: RegimeRanging, Multiplier: 1.0}
	}
	vol := atr / price

	ema := strategies.EMA(strategies.Closes(bars), 21)
	last := len(ema) - 1
	slope := math.Abs(ema[last]-ema[last-10]) / price

	switch {
	case vol > 0.02:
		// high volatility cuts conviction
		return Regime{State: RegimeVolatile, Volatility: vol, Multiplier: 0.75}
	case slope > 0.005:
		// established trend earns a small boost
		return Regime{State: RegimeTrending, Volatility: vol, Multiplier: 1.1}
	}
	return Regime{State: RegimeRanging, Volatility: vol, Multiplier: 1.0}
}
