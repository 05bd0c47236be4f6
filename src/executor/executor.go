package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"

	"tradepilot/src/confluence"
	"tradepilot/src/config"
	"tradepilot/src/connectors"
	"tradepilot/src/model"
	"tradepilot/src/risk"
	"tradepilot/src/strategies"
)

// marketData is the slice of the cache the executor reads.
type marketData interface {
	ClosedBars(pair string) []model.Bar
	LastPrice(pair string) (decimal.Decimal, bool)
	IsStale(pair string) bool
	Spread(pair string) (decimal.Decimal, bool)
}

// tradeStore is the persistence contract. The store is the durable source
// of truth; the risk registry is a cache of it.
type tradeStore interface {
	Create(ctx context.Context, trade *model.Trade) error
	Save(ctx context.Context, trade *model.Trade) error
	FindOpenByTenant(ctx context.Context, tenantID string) ([]model.Trade, error)
}

type auditSink interface {
	Append(ctx context.Context, entry *model.AuditLog) error
}

type riskManager interface {
	Evaluate(req risk.Request) (*risk.Decision, *risk.Rejection)
	RegisterPosition(trade *model.Trade) bool
	ReleasePosition(tenantID, uid string)
	RecordClose(trade *model.Trade)
	OpenPositions(tenantID string) []*model.Trade
}

// Executor owns the order/position state machine: entry placement, the
// per-position management loop body, exits with bounded retry, and
// reconciliation against the exchange.
type Executor struct {
	cfg      config.Execution
	trading  config.Trading
	exchange connectors.ExchangeConnector
	data     marketData
	risk     riskManager
	store    tradeStore
	audit    auditSink

	// pairMu serializes entry admission per pair so concurrent evaluations
	// cannot both pass the duplicate check.
	pairMu   sync.Mutex
	pairLock map[string]*sync.Mutex

	// tradeMu serializes writes to a single trade record.
	tradeMu sync.Map // uid -> *sync.Mutex

	now func() time.Time
}

func New(
	cfg config.Execution,
	trading config.Trading,
	exchange connectors.ExchangeConnector,
	data marketData,
	riskMgr riskManager,
	store tradeStore,
	audit auditSink,
) *Executor {
	return &Executor{
		cfg:      cfg,
		trading:  trading,
		exchange: exchange,
		data:     data,
		risk:     riskMgr,
		store:    store,
		audit:    audit,
		pairLock: map[string]*sync.Mutex{},
		now:      time.Now,
	}
}

func (e *Executor) lockPair(pair string) *sync.Mutex {
	e.pairMu.Lock()
	defer e.pairMu.Unlock()
	mu, ok := e.pairLock[pair]
	if !ok {
		mu = &sync.Mutex{}
		e.pairLock[pair] = mu
	}
	return mu
}

func (e *Executor) lockTrade(uid string) *sync.Mutex {
	mu, _ := e.tradeMu.LoadOrStore(uid, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// decayedConfidence applies linear confidence decay past the decay window.
// Returns ok=false once the signal exceeds its maximum age.
func (e *Executor) decayedConfidence(sig *confluence.Result) (float64, bool) {
	age := e.now().Sub(sig.GeneratedAt)
	if age > e.cfg.SignalMaxAge {
		return 0, false
	}
	if age <= e.cfg.SignalDecayWindow {
		return sig.Confidence, true
	}
	span := e.cfg.SignalMaxAge - e.cfg.SignalDecayWindow
	if span <= 0 {
		return sig.Confidence, true
	}
	remaining := float64(e.cfg.SignalMaxAge-age) / float64(span)
	return sig.Confidence * remaining, true
}

// OpenFromSignal runs the entry path: freshness, data quality, spread,
// sizing, order placement, fill confirmation. Returns the opened trade, or
// a reason string when the entry was skipped without error.
func (e *Executor) OpenFromSignal(
	ctx context.Context,
	tenantID string,
	sig *confluence.Result,
) (*model.Trade, string, error) {

	log := logger.WithFields(map[string]interface{}{
		"component": "executor",
		"tenant":    tenantID,
		"pair":      sig.Pair,
	})

	confidence, fresh := e.decayedConfidence(sig)
	if !fresh {
		return nil, "signal past maximum age", nil
	}

	if e.data.IsStale(sig.Pair) {
		return nil, "market data stale", nil
	}

	price, ok := e.data.LastPrice(sig.Pair)
	if !ok || !price.IsPositive() {
		return nil, "no market price", nil
	}

	if e.trading.SpreadFilter {
		spread, haveBook := e.data.Spread(sig.Pair)
		if !haveBook {
			return nil, "no order book for spread check", nil
		}
		spreadPct := spread.Div(price)
		if spreadPct.GreaterThan(decimal.NewFromFloat(e.trading.MaxSpreadPct / 100)) {
			return nil, fmt.Sprintf("spread %s%% above limit", spreadPct.Mul(decimal.NewFromInt(100)).StringFixed(3)), nil
		}
	}

	side := model.SideLong
	if sig.Direction == strategies.Short {
		side = model.SideShort
	}

	stop, target := e.initialLevels(sig.Pair, side, price)

	mu := e.lockPair(sig.Pair)
	mu.Lock()
	defer mu.Unlock()

	decision, rejection := e.risk.Evaluate(risk.Request{
		TenantID:   tenantID,
		Pair:       sig.Pair,
		Side:       side,
		Entry:      price,
		Stop:       stop,
		Confidence: confidence,
		VoteCount:  int(sig.VoteCount),
	})
	if rejection != nil {
		e.auditEvent(ctx, tenantID, "", "entry_rejected", rejection.String(), map[string]any{
			"pair": sig.Pair, "code": string(rejection.Code),
		})
		return nil, rejection.String(), nil
	}

	trade := &model.Trade{
		UID:        uuid.NewString(),
		TenantID:   tenantID,
		Exchange:   e.exchange.Name(),
		Pair:       sig.Pair,
		Side:       side,
		Quantity:   decision.Quantity,
		StopLoss:   stop,
		TakeProfit: target,
		Status:     model.TradeStatusPending,
		Sizing:     decision.Meta,
	}
	trade.Sizing.PlannedStop = stop
	trade.Sizing.PlannedTarget = target
	trade.Sizing.Confidence = confidence
	trade.Sizing.StrategiesAgree = int(sig.VoteCount)

	if err := e.store.Create(ctx, trade); err != nil {
		return nil, "", fmt.Errorf("persist pending trade: %w", err)
	}

	fill, err := e.placeEntry(ctx, trade, price)
	if err != nil {
		trade.Status = model.TradeStatusError
		trade.CloseReason = "entry failed: " + err.Error()
		if saveErr := e.store.Save(ctx, trade); saveErr != nil {
			log.WithError(saveErr).Error("failed to persist entry failure")
		}
		e.auditEvent(ctx, tenantID, trade.UID, "entry_failed", err.Error(), nil)
		return nil, "", err
	}

	trade.Status = model.TradeStatusOpen
	trade.EntryPrice = fill.FillPrice
	trade.EntryFee = fill.Fee
	trade.ExchangeOrderID = fill.OrderID
	trade.OpenedAt = e.now()
	if err := e.store.Save(ctx, trade); err != nil {
		return nil, "", fmt.Errorf("persist open trade: %w", err)
	}
	e.risk.RegisterPosition(trade)

	log.WithFields(map[string]interface{}{
		"uid":   trade.UID,
		"side":  side,
		"qty":   trade.Quantity.String(),
		"entry": trade.EntryPrice.String(),
		"stop":  stop.String(),
		"tp":    target.String(),
	}).Info("position opened")
	e.auditEvent(ctx, tenantID, trade.UID, "position_opened", "", map[string]any{
		"pair": sig.Pair, "side": side, "entry": trade.EntryPrice.String(),
	})

	return trade, "", nil
}

// initialLevels derives the stop and take-profit from ATR with a minimum
// distance floor.
func (e *Executor) initialLevels(pair, side string, entry decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	bars := e.data.ClosedBars(pair)
	atr := decimal.NewFromFloat(strategies.ATR(bars, e.cfg.ATRPeriod))

	stopDist := atr.Mul(decimal.NewFromFloat(e.cfg.StopATRMult))
	floor := entry.Mul(decimal.NewFromFloat(e.cfg.MinStopDistPct))
	if stopDist.LessThan(floor) {
		stopDist = floor
	}

	targetDist := atr.Mul(decimal.NewFromFloat(e.cfg.TargetATRMult))
	targetFloor := floor.Mul(decimal.NewFromInt(2))
	if targetDist.LessThan(targetFloor) {
		targetDist = targetFloor
	}

	if side == model.SideShort {
		return entry.Add(stopDist), entry.Sub(targetDist)
	}
	return entry.Sub(stopDist), entry.Add(targetDist)
}

// placeEntry fills the entry order. Paper mode fills at the current price;
// live mode runs a bounded limit-chase and optionally falls back to market.
func (e *Executor) placeEntry(ctx context.Context, trade *model.Trade, price decimal.Decimal) (*connectors.OrderResult, error) {
	orderSide := connectors.OrderSideBuy
	if trade.Side == model.SideShort {
		orderSide = connectors.OrderSideSell
	}

	if e.cfg.Paper {
		return e.exchange.PlaceOrder(ctx, connectors.OrderRequest{
			ClientID: trade.UID,
			Pair:     trade.Pair,
			Side:     orderSide,
			Type:     connectors.OrderTypeMarket,
			Quantity: trade.Quantity,
		})
	}

	for attempt := 0; attempt < e.cfg.LimitChaseCount; attempt++ {
		limitPrice, ok := e.data.LastPrice(trade.Pair)
		if !ok {
			limitPrice = price
		}

		res, err := e.exchange.PlaceOrder(ctx, connectors.OrderRequest{
			ClientID: fmt.Sprintf("%s-c%d", trade.UID, attempt),
			Pair:     trade.Pair,
			Side:     orderSide,
			Type:     connectors.OrderTypeLimit,
			Quantity: trade.Quantity,
			Price:    limitPrice,
		})
		if err != nil {
			if connectors.IsPermanent(err) {
				return nil, err
			}
			continue
		}
		if res.Status == connectors.OrderStatusFilled {
			return res, nil
		}

		filled, err := e.waitForFill(ctx, trade.Pair, res.OrderID)
		if err == nil && filled != nil {
			return filled, nil
		}

		if cancelErr := e.exchange.CancelOrder(ctx, trade.Pair, res.OrderID); cancelErr != nil {
			logger.WithError(cancelErr).WithField("uid", trade.UID).Warn("failed to cancel unfilled chase order")
		}
	}

	if !e.cfg.MarketFallback {
		return nil, fmt.Errorf("limit chase exhausted after %d attempts", e.cfg.LimitChaseCount)
	}

	logger.WithField("uid", trade.UID).Info("limit chase exhausted, falling back to market")
	return e.exchange.PlaceOrder(ctx, connectors.OrderRequest{
		ClientID: trade.UID + "-mkt",
		Pair:     trade.Pair,
		Side:     orderSide,
		Type:     connectors.OrderTypeMarket,
		Quantity: trade.Quantity,
	})
}

// waitForFill polls order status until fill, timeout, or cancellation.
// Timeout is treated as unfilled, not as an error.
func (e *Executor) waitForFill(ctx context.Context, pair, orderID string) (*connectors.OrderResult, error) {
	deadline := e.now().Add(e.cfg.ChaseWaitTimeout)
	for e.now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		res, err := e.exchange.GetOrderStatus(ctx, pair, orderID)
		if err != nil {
			if connectors.IsPermanent(err) {
				return nil, err
			}
		} else if res.Status == connectors.OrderStatusFilled {
			return res, nil
		} else if res.Status == connectors.OrderStatusCanceled || res.Status == connectors.OrderStatusRejected {
			return nil, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
	return nil, nil
}

func (e *Executor) auditEvent(ctx context.Context, tenantID, tradeUID, event, message string, extra map[string]any) {
	if e.audit == nil {
		return
	}
	// audit failures never abort the decision that produced them
	_ = e.audit.Append(ctx, &model.AuditLog{
		TenantID:  tenantID,
		TradeUID:  tradeUID,
		Component: "executor",
		Event:     event,
		Message:   message,
		Context:   extra,
		CreatedAt: e.now(),
	})
}
