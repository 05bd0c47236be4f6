package model

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestStatusTransitions(t *testing.T) {
	allowed := [][2]string{
		{TradeStatusPending, TradeStatusOpen},
		{TradeStatusOpen, TradeStatusManaging},
		{TradeStatusManaging, TradeStatusClosing},
		{TradeStatusClosing, TradeStatusClosed},
		{TradeStatusOpen, TradeStatusClosing}, // close-all on a fresh fill
		{TradeStatusPending, TradeStatusError},
		{TradeStatusClosing, TradeStatusError},
	}
	for _, tc := range allowed {
		if !CanTransition(tc[0], tc[1]) {
			t.Fatalf("%s -> %s should be allowed", tc[0], tc[1])
		}
	}

	denied := [][2]string{
		{TradeStatusClosed, TradeStatusManaging},
		{TradeStatusError, TradeStatusClosed},
		{TradeStatusManaging, TradeStatusOpen},
		{TradeStatusOpen, TradeStatusError},
		{TradeStatusManaging, TradeStatusError},
		{TradeStatusClosed, TradeStatusClosed},
	}
	for _, tc := range denied {
		if CanTransition(tc[0], tc[1]) {
			t.Fatalf("%s -> %s must be rejected", tc[0], tc[1])
		}
	}
}

func TestIsOpenStatus(t *testing.T) {
	open := []string{TradeStatusOpen, TradeStatusManaging, TradeStatusClosing}
	for _, s := range open {
		if !IsOpenStatus(s) {
			t.Fatalf("%s should count as open", s)
		}
	}
	for _, s := range []string{TradeStatusPending, TradeStatusClosed, TradeStatusError} {
		if IsOpenStatus(s) {
			t.Fatalf("%s should not count as open", s)
		}
	}
}

func TestNetPnLIncludesBothFees(t *testing.T) {
	trade := &Trade{
		Side:       SideLong,
		Quantity:   decimal.NewFromInt(10),
		EntryPrice: decimal.NewFromInt(100),
		EntryFee:   decimal.NewFromInt(1),
		ExitFee:    decimal.NewFromInt(2),
	}
	exit := decimal.NewFromInt(105)

	if got := trade.GrossPnL(exit); !got.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("gross pnl: got %s", got)
	}
	if got := trade.NetPnL(exit); !got.Equal(decimal.NewFromInt(47)) {
		t.Fatalf("net pnl must subtract both fees: got %s", got)
	}
}

func TestShortPnL(t *testing.T) {
	trade := &Trade{
		Side:       SideShort,
		Quantity:   decimal.NewFromInt(5),
		EntryPrice: decimal.NewFromInt(200),
	}
	if got := trade.GrossPnL(decimal.NewFromInt(190)); !got.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("short gross pnl: got %s", got)
	}
}
