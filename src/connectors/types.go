package connectors

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"tradepilot/src/model"
)

const (
	OrderTypeLimit  = "limit"
	OrderTypeMarket = "market"

	OrderSideBuy  = "buy"
	OrderSideSell = "sell"
)

// Order statuses as reported by GetOrderStatus, normalized across
// exchanges.
const (
	OrderStatusNew      = "new"
	OrderStatusFilled   = "filled"
	OrderStatusPartial  = "partial"
	OrderStatusCanceled = "canceled"
	OrderStatusRejected = "rejected"
)

// OrderRequest is the normalized order the executor sends to an exchange.
type OrderRequest struct {
	ClientID string // caller-generated idempotency key
	Pair     string // normalized BASE/QUOTE
	Side     string // buy/sell
	Type     string // limit/market
	Quantity decimal.Decimal
	Price    decimal.Decimal // limit orders only
}

// OrderResult is the exchange's acknowledgment of a placed order.
type OrderResult struct {
	OrderID   string
	Status    string
	FillPrice decimal.Decimal // set when immediately filled
	FillQty   decimal.Decimal
	Fee       decimal.Decimal
}

// OpenOrder is one live order on the exchange.
type OpenOrder struct {
	OrderID  string
	Pair     string
	Side     string
	Type     string
	Quantity decimal.Decimal
	Price    decimal.Decimal
	Created  time.Time
}

// Position is the exchange's view of an open position, used for
// reconciliation against local state.
type Position struct {
	Pair       string
	Side       string
	Quantity   decimal.Decimal
	EntryPrice decimal.Decimal
}

// Balance is the available quote balance for an account.
type Balance struct {
	Currency  string
	Available decimal.Decimal
	Total     decimal.Decimal
}

// StreamEventType discriminates market stream payloads.
type StreamEventType int

const (
	EventTicker StreamEventType = iota
	EventCandle
	EventBook
	EventStatus
)

// StreamEvent is one normalized market-data event keyed by BASE/QUOTE pair.
// Status events carry no pair; they report the socket state so consumers
// can feed connection health.
type StreamEvent struct {
	Type      StreamEventType
	Pair      string
	Timeframe string // candle events
	Price     decimal.Decimal
	Bar       model.Bar
	BarClosed bool // candle events: final sample for its interval
	Book      model.OrderBookSnapshot
	Connected bool // status events
	Received  time.Time
}

// ExchangeConnector is the per-exchange adapter contract. Adapters own
// their rate limiting, retry/backoff and symbol mapping, and normalize
// failures into ExchangeError values.
type ExchangeConnector interface {
	Name() string
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error)
	CancelOrder(ctx context.Context, pair, orderID string) error
	GetOpenOrders(ctx context.Context, pair string) ([]OpenOrder, error)
	GetOrderStatus(ctx context.Context, pair, orderID string) (*OrderResult, error)
	GetBalance(ctx context.Context, currency string) (*Balance, error)
	GetOpenPositions(ctx context.Context) ([]Position, error)
}

// NativeSymbol maps a normalized BASE/QUOTE pair to the compact exchange
// form, e.g. BTC/USDT -> BTCUSDT.
func NativeSymbol(pair string) string {
	return strings.ReplaceAll(pair, "/", "")
}

// NormalizePair maps a native symbol back to BASE/QUOTE using a known quote
// suffix list.
func NormalizePair(symbol string) string {
	if strings.Contains(symbol, "/") {
		return symbol
	}
	for _, quote := range []string{"USDT", "USDC", "USD", "BTC", "ETH"} {
		if strings.HasSuffix(symbol, quote) && len(symbol) > len(quote) {
			return symbol[:len(symbol)-len(quote)] + "/" + quote
		}
	}
	return symbol
}
