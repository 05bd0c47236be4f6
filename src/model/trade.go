package model

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	SideLong  = "long"
	SideShort = "short"
)

// Trade lifecycle statuses. Transitions are monotonic: a trade never moves
// back to an earlier status, and closed/error are terminal.
const (
	TradeStatusPending  = "pending"
	TradeStatusOpen     = "open"
	TradeStatusManaging = "managing"
	TradeStatusClosing  = "closing"
	TradeStatusClosed   = "closed"
	TradeStatusError    = "error"
)

var statusRank = map[string]int{
	TradeStatusPending:  0,
	TradeStatusOpen:     1,
	TradeStatusManaging: 2,
	TradeStatusClosing:  3,
	TradeStatusClosed:   4,
	TradeStatusError:    4,
}

// IsOpenStatus reports whether a trade in this status counts toward the
// one-position-per-pair invariant and toward open exposure.
func IsOpenStatus(status string) bool {
	switch status {
	case TradeStatusOpen, TradeStatusManaging, TradeStatusClosing:
		return true
	}
	return false
}

// CanTransition reports whether a status change is allowed. Ranks only move
// forward (skipping intermediate states is fine, e.g. open -> closing on a
// close-all); closed and error are terminal. error is reachable only from
// pending (failed entry) and closing (exhausted exit retries).
func CanTransition(from, to string) bool {
	fromRank, ok := statusRank[from]
	if !ok {
		return false
	}
	toRank, ok := statusRank[to]
	if !ok {
		return false
	}
	if from == TradeStatusClosed || from == TradeStatusError {
		return false
	}
	if to == TradeStatusError {
		return from == TradeStatusPending || from == TradeStatusClosing
	}
	return toRank > fromRank
}

// SizingMeta records the inputs that produced a trade's size so post-hoc
// analysis does not have to reconstruct them.
type SizingMeta struct {
	Bankroll        decimal.Decimal `json:"bankroll"`
	RiskFraction    decimal.Decimal `json:"risk_fraction"`
	StopDistance    decimal.Decimal `json:"stop_distance"`
	KellyCap        decimal.Decimal `json:"kelly_cap,omitempty"`
	KellyApplied    bool            `json:"kelly_applied"`
	DrawdownFactor  decimal.Decimal `json:"drawdown_factor"`
	SessionFactor   decimal.Decimal `json:"session_factor"`
	Session         string          `json:"session,omitempty"`
	PlannedStop     decimal.Decimal `json:"planned_stop"`
	PlannedTarget   decimal.Decimal `json:"planned_target"`
	Confidence      float64         `json:"confidence"`
	StrategiesAgree int             `json:"strategies_agree"`
}

// TrailingState is the persisted trailing-stop progress for a trade. It is
// written on every stop move so a restart does not lose the watermark.
type TrailingState struct {
	Activated    bool            `json:"activated"`
	Watermark    decimal.Decimal `json:"watermark"`
	LastMovePx   decimal.Decimal `json:"last_move_px"`
	BreakevenSet bool            `json:"breakeven_set"`
	TiersTaken   int             `json:"tiers_taken"`
}

// Trade is the durable unit of the system. Created on entry, mutated by the
// position-management loop, retained indefinitely once closed.
type Trade struct {
	ID       uint   `gorm:"primaryKey" json:"id"`
	UID      string `gorm:"size:64;uniqueIndex" json:"uid"`
	TenantID string `gorm:"size:64;index:idx_trades_tenant_pair" json:"tenant_id"`
	Exchange string `gorm:"size:32" json:"exchange"`
	Pair     string `gorm:"size:32;index:idx_trades_tenant_pair" json:"pair"`
	Side     string `gorm:"size:8" json:"side"`

	Quantity   decimal.Decimal `gorm:"type:numeric" json:"quantity"`
	EntryPrice decimal.Decimal `gorm:"type:numeric" json:"entry_price"`
	ExitPrice  decimal.Decimal `gorm:"type:numeric" json:"exit_price"`
	StopLoss   decimal.Decimal `gorm:"type:numeric" json:"stop_loss"`
	TakeProfit decimal.Decimal `gorm:"type:numeric" json:"take_profit"`

	EntryFee    decimal.Decimal `gorm:"type:numeric" json:"entry_fee"`
	ExitFee     decimal.Decimal `gorm:"type:numeric" json:"exit_fee"`
	RealizedPnL decimal.Decimal `gorm:"type:numeric" json:"realized_pnl"`

	Status   string        `gorm:"size:16;not null;default:pending;index" json:"status"`
	Trailing TrailingState `gorm:"serializer:json" json:"trailing"`
	Sizing   SizingMeta    `gorm:"serializer:json" json:"sizing"`

	ExchangeOrderID string `gorm:"size:64" json:"exchange_order_id,omitempty"`
	CloseReason     string `gorm:"size:64" json:"close_reason,omitempty"`

	OpenedAt  time.Time  `json:"opened_at"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

func (Trade) TableName() string {
	return "trades"
}

// GrossPnL is the directional price move times quantity, before fees.
func (t *Trade) GrossPnL(exit decimal.Decimal) decimal.Decimal {
	diff := exit.Sub(t.EntryPrice)
	if t.Side == SideShort {
		diff = t.EntryPrice.Sub(exit)
	}
	return diff.Mul(t.Quantity)
}

// NetPnL includes both entry and exit fees.
func (t *Trade) NetPnL(exit decimal.Decimal) decimal.Decimal {
	return t.GrossPnL(exit).Sub(t.EntryFee).Sub(t.ExitFee)
}

// Notional is quantity at entry price, the number counted against the
// exposure cap.
func (t *Trade) Notional() decimal.Decimal {
	return t.Quantity.Mul(t.EntryPrice)
}
