package strategies

import (
	"context"

	"tradepilot/src/model"
)

// Direction of a strategy vote.
type Direction int

const (
	Flat Direction = iota
	Long
	Short
)

func (d Direction) String() string {
	switch d {
	case Long:
		return "long"
	case Short:
		return "short"
	}
	return "flat"
}

// Signal is one strategy's vote for one (pair, timeframe). Ephemeral, never
// persisted on its own.
type Signal struct {
	Direction  Direction
	Confidence float64 // [0,1]
	Meta       SignalMeta
}

// SignalMeta carries the indicator readings behind a vote.
type SignalMeta struct {
	FastEMA  float64 `json:"fast_ema,omitempty"`
	SlowEMA  float64 `json:"slow_ema,omitempty"`
	RSI      float64 `json:"rsi,omitempty"`
	ATR      float64 `json:"atr,omitempty"`
	Lookback int     `json:"lookback,omitempty"`
}

// Strategy evaluates a window of closed bars and votes a direction.
// Evaluate must respect ctx: the confluence detector runs each strategy
// under a timeout and a timed-out strategy contributes no vote.
type Strategy interface {
	Name() string
	Warmup() int
	Evaluate(ctx context.Context, bars []model.Bar) (Signal, error)
}
