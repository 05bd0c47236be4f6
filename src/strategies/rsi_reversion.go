package strategies

import (
	"context"

	"tradepilot/src/model"
)

// RSIReversion votes against short-term extremes: long when oversold, short
// when overbought.
type RSIReversion struct {
	Period     int
	Oversold   float64
	Overbought float64
}

func NewRSIReversion() *RSIReversion {
	return &RSIReversion{Period: 14, Oversold: 30, Overbought: 70}
}

func (s *RSIReversion) Name() string { return "rsi_reversion" }

func (s *RSIReversion) Warmup() int { return s.Period * 2 }

func (s *RSIReversion) Evaluate(ctx context.Context, bars []model.Bar) (Signal, error) {
	if err := ctx.Err(); err != nil {
		return Signal{}, err
	}
	if len(bars) < s.Warmup() {
		return Signal{Direction: Flat}, nil
	}

	rsi := RSI(Closes(bars), s.Period)
	meta := SignalMeta{RSI: rsi}

	switch {
	case rsi <= s.Oversold:
		// 30 -> 0.6 confidence, 0 -> 1.0
		conf := 0.6 + (s.Oversold-rsi)/s.Oversold*0.4
		return Signal{Direction: Long, Confidence: conf, Meta: meta}, nil
	case rsi >= s.Overbought:
		conf := 0.6 + (rsi-s.Overbought)/(100-s.Overbought)*0.4
		return Signal{Direction: Short, Confidence: conf, Meta: meta}, nil
	}
	return Signal{Direction: Flat, Meta: meta}, nil
}
