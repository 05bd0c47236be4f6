package strategies

import (
	"context"
	"math"

	"tradepilot/src/model"
)

// MomentumBreakout votes with a close beyond the recent range extreme.
type MomentumBreakout struct {
	Lookback  int
	ATRPeriod int
}

func NewMomentumBreakout() *MomentumBreakout {
	return &MomentumBreakout{Lookback: 20, ATRPeriod: 14}
}

func (s *MomentumBreakout) Name() string { return "momentum_breakout" }

func (s *MomentumBreakout) Warmup() int { return s.Lookback + s.ATRPeriod + 1 }

func (s *MomentumBreakout) Evaluate(ctx context.Context, bars []model.Bar) (Signal, error) {
	if err := ctx.Err(); err != nil {
		return Signal{}, err
	}
	if len(bars) < s.Warmup() {
		return Signal{Direction: Flat}, nil
	}

	last := bars[len(bars)-1]
	window := bars[len(bars)-1-s.Lookback : len(bars)-1]

	high := window[0].High
	low := window[0].Low
	for _, b := range window[1:] {
		if b.High.GreaterThan(high) {
			high = b.High
		}
		if b.Low.LessThan(low) {
			low = b.Low
		}
	}

	atr := ATR(bars, s.ATRPeriod)
	meta := SignalMeta{ATR: atr, Lookback: s.Lookback}
	if atr == 0 {
		return Signal{Direction: Flat, Meta: meta}, nil
	}

	cl := last.Close.InexactFloat64()
	if over := cl - high.InexactFloat64(); over > 0 {
		conf := 0.55 + math.Min(over/atr, 1.0)*0.4
		return Signal{Direction: Long, Confidence: conf, Meta: meta}, nil
	}
	if under := low.InexactFloat64() - cl; under > 0 {
		conf := 0.55 + math.Min(under/atr, 1.0)*0.4
		return Signal{Direction: Short, Confidence: conf, Meta: meta}, nil
	}
	return Signal{Direction: Flat, Meta: meta}, nil
}
