package connectors

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"
)

// PriceSource supplies the last known price for a pair. The market data
// cache satisfies this.
type PriceSource interface {
	LastPrice(pair string) (decimal.Decimal, bool)
}

// PaperConnector simulates an exchange against live cached prices. Orders
// fill immediately and deterministically at the current price; there is no
// queue position or latency model. Used for dry runs and tests.
type PaperConnector struct {
	name    string
	prices  PriceSource
	feeRate decimal.Decimal

	mu        sync.Mutex
	balance   decimal.Decimal
	positions map[string]*Position // keyed by pair
	orders    map[string]*OrderResult
	byClient  map[string]string // idempotency: client id -> order id
}

func NewPaperConnector(prices PriceSource, startBalance, feeRate decimal.Decimal) *PaperConnector {
	return &PaperConnector{
		name:      "paper",
		prices:    prices,
		feeRate:   feeRate,
		balance:   startBalance,
		positions: map[string]*Position{},
		orders:    map[string]*OrderResult{},
		byClient:  map[string]string{},
	}
}

func (p *PaperConnector) Name() string { return p.name }

func (p *PaperConnector) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, Transient(CodeTimeout, "context done", err)
	}
	if req.Quantity.LessThanOrEqual(decimal.Zero) {
		return nil, Permanent(CodeInvalidOrder, "non-positive quantity", nil)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if req.ClientID != "" {
		if id, ok := p.byClient[req.ClientID]; ok {
			return p.orders[id], nil
		}
	}

	price, ok := p.prices.LastPrice(req.Pair)
	if !ok {
		return nil, Transient(CodeSymbolNotFound, "no price for "+req.Pair, nil)
	}
	// limit orders fill at the limit when it is on the favorable side of
	// the market, otherwise at market
	if req.Type == OrderTypeLimit && !req.Price.IsZero() {
		if req.Side == OrderSideBuy && req.Price.LessThan(price) {
			price = req.Price
		}
		if req.Side == OrderSideSell && req.Price.GreaterThan(price) {
			price = req.Price
		}
	}

	notional := price.Mul(req.Quantity)
	fee := notional.Mul(p.feeRate)

	if req.Side == OrderSideBuy && notional.Add(fee).GreaterThan(p.balance) {
		return nil, Permanent(CodeInsufficient,
			fmt.Sprintf("need %s, have %s", notional.Add(fee), p.balance), nil)
	}

	result := &OrderResult{
		OrderID:   uuid.NewString(),
		Status:    OrderStatusFilled,
		FillPrice: price,
		FillQty:   req.Quantity,
		Fee:       fee,
	}
	p.orders[result.OrderID] = result
	if req.ClientID != "" {
		p.byClient[req.ClientID] = result.OrderID
	}
	p.applyFill(req, price, fee)

	logger.WithFields(map[string]interface{}{
		"pair":  req.Pair,
		"side":  req.Side,
		"qty":   req.Quantity.String(),
		"price": price.String(),
	}).Debug("paper fill")
	return result, nil
}

func (p *PaperConnector) applyFill(req OrderRequest, price, fee decimal.Decimal) {
	notional := price.Mul(req.Quantity)
	pos := p.positions[req.Pair]

	switch req.Side {
	case OrderSideBuy:
		p.balance = p.balance.Sub(notional).Sub(fee)
		if pos == nil {
			p.positions[req.Pair] = &Position{
				Pair: req.Pair, Side: "long",
				Quantity: req.Quantity, EntryPrice: price,
			}
			return
		}
		if pos.Side == "short" {
			pos.Quantity = pos.Quantity.Sub(req.Quantity)
			if pos.Quantity.LessThanOrEqual(decimal.Zero) {
				delete(p.positions, req.Pair)
			}
			return
		}
		total := pos.Quantity.Add(req.Quantity)
		pos.EntryPrice = pos.EntryPrice.Mul(pos.Quantity).Add(notional).Div(total)
		pos.Quantity = total

	case OrderSideSell:
		p.balance = p.balance.Add(notional).Sub(fee)
		if pos == nil {
			p.positions[req.Pair] = &Position{
				Pair: req.Pair, Side: "short",
				Quantity: req.Quantity, EntryPrice: price,
			}
			return
		}
		if pos.Side == "long" {
			pos.Quantity = pos.Quantity.Sub(req.Quantity)
			if pos.Quantity.LessThanOrEqual(decimal.Zero) {
				delete(p.positions, req.Pair)
			}
			return
		}
		total := pos.Quantity.Add(req.Quantity)
		pos.EntryPrice = pos.EntryPrice.Mul(pos.Quantity).Add(notional).Div(total)
		pos.Quantity = total
	}
}

func (p *PaperConnector) CancelOrder(ctx context.Context, pair, orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.orders[orderID]; !ok {
		return Permanent(CodeOrderNotFound, "order "+orderID+" not found", nil)
	}
	// everything fills instantly so there is never anything to cancel
	return nil
}

func (p *PaperConnector) GetOpenOrders(ctx context.Context, pair string) ([]OpenOrder, error) {
	return nil, nil
}

func (p *PaperConnector) GetOrderStatus(ctx context.Context, pair, orderID string) (*OrderResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	res, ok := p.orders[orderID]
	if !ok {
		return nil, Permanent(CodeOrderNotFound, "order "+orderID+" not found", nil)
	}
	out := *res
	return &out, nil
}

func (p *PaperConnector) GetBalance(ctx context.Context, currency string) (*Balance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return &Balance{Currency: currency, Available: p.balance, Total: p.balance}, nil
}

func (p *PaperConnector) GetOpenPositions(ctx context.Context) ([]Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Position, 0, len(p.positions))
	for _, pos := range p.positions {
		out = append(out, *pos)
	}
	return out, nil
}

// ForcePosition seeds an exchange-side position that local state does not
// know about. Test hook for reconciliation.
func (p *PaperConnector) ForcePosition(pair, side string, qty, entry decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.positions[pair] = &Position{Pair: pair, Side: side, Quantity: qty, EntryPrice: entry}
}

var _ ExchangeConnector = (*PaperConnector)(nil)
var _ ExchangeConnector = (*RestConnector)(nil)
