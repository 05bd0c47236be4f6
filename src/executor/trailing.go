package executor

import (
	"github.com/shopspring/decimal"

	"tradepilot/src/model"
)

func avgLow(bars []model.Bar) decimal.Decimal {
	if len(bars) == 0 {
		return decimal.Zero
	}
	sum := decimal.Zero
	for _, b := range bars {
		sum = sum.Add(b.Low)
	}
	return sum.Div(decimal.NewFromInt(int64(len(bars))))
}

func avgHigh(bars []model.Bar) decimal.Decimal {
	if len(bars) == 0 {
		return decimal.Zero
	}
	sum := decimal.Zero
	for _, b := range bars {
		sum = sum.Add(b.High)
	}
	return sum.Div(decimal.NewFromInt(int64(len(bars))))
}

// NextStructureStop computes a candle-structure trailing stop.
//
// Long:
// - gate: previous candle bullish
// - floor: avg(low) over lookback
// - clamp: candidate <= prev.Low
// - update: stop = max(stop, candidate)
//
// Short:
// - gate: previous candle bearish
// - ceiling: avg(high) over lookback
// - clamp: candidate >= prev.High
// - update: stop = min(stop, candidate)
func NextStructureStop(
	side string,
	currentStop decimal.Decimal,
	bars []model.Bar,
	lookback int,
) (decimal.Decimal, bool) {
	if len(bars) < 2 {
		return currentStop, false
	}
	if lookback <= 0 {
		lookback = 20
	}
	if lookback > len(bars) {
		lookback = len(bars)
	}

	prev := bars[len(bars)-2]
	window := bars[len(bars)-lookback:]

	switch side {
	case model.SideLong:
		if !prev.Bullish() {
			return currentStop, false
		}
		candidate := avgLow(window)
		if candidate.GreaterThan(prev.Low) {
			candidate = prev.Low
		}
		if candidate.GreaterThan(currentStop) {
			return candidate, true
		}
		return currentStop, false

	case model.SideShort:
		if !prev.Bearish() {
			return currentStop, false
		}
		candidate := avgHigh(window)
		// do not set the stop below the last bearish candle high
		if candidate.LessThan(prev.High) {
			candidate = prev.High
		}
		// stop only moves down for shorts
		if candidate.LessThan(currentStop) {
			return candidate, true
		}
		return currentStop, false

	default:
		return currentStop, false
	}
}
