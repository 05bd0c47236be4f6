package strategies

import (
	"context"
	"math"

	"tradepilot/src/model"
)

// EMACross votes on fast/slow EMA separation, with ATR used to scale
// confidence so thin chop does not read as conviction.
type EMACross struct {
	Fast      int
	Slow      int
	ATRPeriod int
}

func NewEMACross() *EMACross {
	return &EMACross{Fast: 9, Slow: 21, ATRPeriod: 14}
}

func (s *EMACross) Name() string { return "ema_cross" }

func (s *EMACross) Warmup() int { return s.Slow + s.ATRPeriod }

func (s *EMACross) Evaluate(ctx context.Context, bars []model.Bar) (Signal, error) {
	if err := ctx.Err(); err != nil {
		return Signal{}, err
	}
	if len(bars) < s.Warmup() {
		return Signal{Direction: Flat}, nil
	}

	closes := Closes(bars)
	fast := EMA(closes, s.Fast)
	slow := EMA(closes, s.Slow)
	atr := ATR(bars, s.ATRPeriod)

	last := len(closes) - 1
	diff := fast[last] - slow[last]
	meta := SignalMeta{FastEMA: fast[last], SlowEMA: slow[last], ATR: atr}

	if atr == 0 {
		return Signal{Direction: Flat, Meta: meta}, nil
	}

	// separation measured in ATR units; one full ATR of separation is
	// treated as maximum conviction
	strength := math.Min(math.Abs(diff)/atr, 1.0)
	if strength < 0.15 {
		return Signal{Direction: Flat, Meta: meta}, nil
	}

	dir := Long
	if diff < 0 {
		dir = Short
	}
	return Signal{Direction: dir, Confidence: 0.5 + strength/2, Meta: meta}, nil
}
