package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Bar is one OHLCV sample for a (pair, timeframe).
type Bar struct {
	Time   time.Time       `json:"time"`
	Open   decimal.Decimal `json:"open"`
	High   decimal.Decimal `json:"high"`
	Low    decimal.Decimal `json:"low"`
	Close  decimal.Decimal `json:"close"`
	Volume decimal.Decimal `json:"volume"`
}

// Valid reports whether the bar is structurally usable: positive prices and
// high/low actually bracketing open/close.
func (b Bar) Valid() bool {
	if b.Time.IsZero() {
		return false
	}
	if !b.Open.IsPositive() || !b.High.IsPositive() || !b.Low.IsPositive() || !b.Close.IsPositive() {
		return false
	}
	if b.High.LessThan(b.Low) {
		return false
	}
	if b.High.LessThan(b.Open) || b.High.LessThan(b.Close) {
		return false
	}
	if b.Low.GreaterThan(b.Open) || b.Low.GreaterThan(b.Close) {
		return false
	}
	return true
}

func (b Bar) Bullish() bool { return b.Close.GreaterThan(b.Open) }
func (b Bar) Bearish() bool { return b.Close.LessThan(b.Open) }

// BookLevel is one side level of an order book snapshot.
type BookLevel struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

// OrderBookSnapshot is a top-of-book depth snapshot for a pair.
type OrderBookSnapshot struct {
	Pair string      `json:"pair"`
	Bids []BookLevel `json:"bids"` // best first
	Asks []BookLevel `json:"asks"` // best first
	Time time.Time   `json:"time"`
}

// Spread returns ask - bid for the best levels. ok is false when either side
// is empty; callers must not confuse that with a zero spread.
func (s *OrderBookSnapshot) Spread() (decimal.Decimal, bool) {
	if s == nil || len(s.Bids) == 0 || len(s.Asks) == 0 {
		return decimal.Zero, false
	}
	return s.Asks[0].Price.Sub(s.Bids[0].Price), true
}

// Imbalance is (bidDepth - askDepth) / (bidDepth + askDepth) over the
// snapshot levels, in [-1, 1]. Positive means bid-heavy.
func (s *OrderBookSnapshot) Imbalance() decimal.Decimal {
	if s == nil {
		return decimal.Zero
	}
	bid := decimal.Zero
	for _, l := range s.Bids {
		bid = bid.Add(l.Size)
	}
	ask := decimal.Zero
	for _, l := range s.Asks {
		ask = ask.Add(l.Size)
	}
	total := bid.Add(ask)
	if total.IsZero() {
		return decimal.Zero
	}
	return bid.Sub(ask).Div(total)
}
