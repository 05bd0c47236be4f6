package executor

import (
	"context"

	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"

	"tradepilot/src/model"
)

// ManagePosition runs one management pass for an open trade: stop and
// take-profit checks, breakeven, trailing. Every stop move is persisted so
// a restart does not lose trailing progress. Safe to call concurrently for
// different trades; calls for the same trade serialize.
func (e *Executor) ManagePosition(ctx context.Context, trade *model.Trade) error {
	mu := e.lockTrade(trade.UID)
	mu.Lock()
	defer mu.Unlock()

	if !model.IsOpenStatus(trade.Status) {
		return nil
	}

	price, ok := e.data.LastPrice(trade.Pair)
	if !ok || !price.IsPositive() {
		// no data this pass, try again next interval
		return nil
	}

	if trade.Status == model.TradeStatusOpen {
		trade.Status = model.TradeStatusManaging
		if err := e.store.Save(ctx, trade); err != nil {
			return err
		}
	}

	if hit, reason := e.stopOrTargetHit(trade, price); hit {
		return e.Close(ctx, trade, reason)
	}

	changed := e.updateBreakeven(trade, price)
	if e.updateTrailing(trade, price) {
		changed = true
	}
	if e.cfg.StructureTrail {
		if e.updateStructureTrail(trade) {
			changed = true
		}
	}

	if e.cfg.SmartExit && e.cfg.SmartExitTiers > 0 {
		took, err := e.takeProfitTier(ctx, trade, price)
		if err != nil {
			return err
		}
		if took {
			changed = true
		}
	}

	if changed {
		if err := e.store.Save(ctx, trade); err != nil {
			return err
		}
		logger.WithFields(map[string]interface{}{
			"component": "executor",
			"uid":       trade.UID,
			"stop":      trade.StopLoss.String(),
			"watermark": trade.Trailing.Watermark.String(),
		}).Debug("position state updated")
	}
	return nil
}

func (e *Executor) stopOrTargetHit(trade *model.Trade, price decimal.Decimal) (bool, string) {
	if trade.Side == model.SideLong {
		if !trade.StopLoss.IsZero() && price.LessThanOrEqual(trade.StopLoss) {
			return true, "stop_loss"
		}
		if !trade.TakeProfit.IsZero() && price.GreaterThanOrEqual(trade.TakeProfit) {
			return true, "take_profit"
		}
		return false, ""
	}
	if !trade.StopLoss.IsZero() && price.GreaterThanOrEqual(trade.StopLoss) {
		return true, "stop_loss"
	}
	if !trade.TakeProfit.IsZero() && price.LessThanOrEqual(trade.TakeProfit) {
		return true, "take_profit"
	}
	return false, ""
}

// profitFraction is the signed unrealized move relative to entry.
func profitFraction(trade *model.Trade, price decimal.Decimal) decimal.Decimal {
	if trade.EntryPrice.IsZero() {
		return decimal.Zero
	}
	move := price.Sub(trade.EntryPrice).Div(trade.EntryPrice)
	if trade.Side == model.SideShort {
		return move.Neg()
	}
	return move
}

// updateBreakeven moves the stop to entry once profit clears the breakeven
// threshold. One-shot per trade.
func (e *Executor) updateBreakeven(trade *model.Trade, price decimal.Decimal) bool {
	if trade.Trailing.BreakevenSet {
		return false
	}
	if profitFraction(trade, price).LessThan(decimal.NewFromFloat(e.cfg.BreakevenPct)) {
		return false
	}

	trade.Trailing.BreakevenSet = true
	if trade.Side == model.SideLong {
		if trade.EntryPrice.GreaterThan(trade.StopLoss) {
			trade.StopLoss = trade.EntryPrice
		}
	} else {
		if trade.EntryPrice.LessThan(trade.StopLoss) || trade.StopLoss.IsZero() {
			trade.StopLoss = trade.EntryPrice
		}
	}
	return true
}

// updateTrailing activates the percent trail past the activation threshold,
// tracks the profit watermark, and ratchets the stop by the step distance.
// The step tightens once profit clears the acceleration tier. The stop only
// ever moves in the trade's favor.
func (e *Executor) updateTrailing(trade *model.Trade, price decimal.Decimal) bool {
	profit := profitFraction(trade, price)

	if !trade.Trailing.Activated {
		if profit.LessThan(decimal.NewFromFloat(e.cfg.TrailActivatePct)) {
			return false
		}
		trade.Trailing.Activated = true
		trade.Trailing.Watermark = price
	}

	moved := false
	if trade.Side == model.SideLong {
		if price.GreaterThan(trade.Trailing.Watermark) {
			trade.Trailing.Watermark = price
			moved = true
		}
	} else {
		if price.LessThan(trade.Trailing.Watermark) || trade.Trailing.Watermark.IsZero() {
			trade.Trailing.Watermark = price
			moved = true
		}
	}

	step := e.cfg.TrailStepPct
	if profit.GreaterThanOrEqual(decimal.NewFromFloat(e.cfg.TrailAccelPct)) && e.cfg.TrailAccelMult > 0 {
		step = step / e.cfg.TrailAccelMult
	}
	stepDec := decimal.NewFromFloat(step)

	var candidate decimal.Decimal
	if trade.Side == model.SideLong {
		candidate = trade.Trailing.Watermark.Mul(decimal.NewFromInt(1).Sub(stepDec))
		if candidate.GreaterThan(trade.StopLoss) {
			trade.StopLoss = candidate
			trade.Trailing.LastMovePx = price
			return true
		}
	} else {
		candidate = trade.Trailing.Watermark.Mul(decimal.NewFromInt(1).Add(stepDec))
		if candidate.LessThan(trade.StopLoss) || trade.StopLoss.IsZero() {
			trade.StopLoss = candidate
			trade.Trailing.LastMovePx = price
			return true
		}
	}
	return moved
}

func (e *Executor) updateStructureTrail(trade *model.Trade) bool {
	bars := e.data.ClosedBars(trade.Pair)
	next, moved := NextStructureStop(trade.Side, trade.StopLoss, bars, e.cfg.StructureLookback)
	if moved {
		trade.StopLoss = next
	}
	return moved
}

// takeProfitTier closes a fraction of the position when price crosses the
// next smart-exit tier between entry and take-profit.
func (e *Executor) takeProfitTier(ctx context.Context, trade *model.Trade, price decimal.Decimal) (bool, error) {
	tiers := e.cfg.SmartExitTiers
	if trade.Trailing.TiersTaken >= tiers {
		return false, nil
	}
	if trade.TakeProfit.IsZero() || trade.EntryPrice.IsZero() {
		return false, nil
	}

	span := trade.TakeProfit.Sub(trade.EntryPrice)
	next := trade.Trailing.TiersTaken + 1
	trigger := trade.EntryPrice.Add(span.Mul(decimal.NewFromInt(int64(next))).Div(decimal.NewFromInt(int64(tiers + 1))))

	crossed := price.GreaterThanOrEqual(trigger)
	if trade.Side == model.SideShort {
		crossed = price.LessThanOrEqual(trigger)
	}
	if !crossed {
		return false, nil
	}

	portion := trade.Quantity.Div(decimal.NewFromInt(int64(tiers + 1)))
	res, err := e.placeExit(ctx, trade, portion)
	if err != nil {
		logger.WithError(err).WithField("uid", trade.UID).Warn("partial take-profit failed")
		return false, nil
	}

	trade.Quantity = trade.Quantity.Sub(res.FillQty)
	trade.ExitFee = trade.ExitFee.Add(res.Fee)
	trade.Trailing.TiersTaken = next

	logger.WithFields(map[string]interface{}{
		"component": "executor",
		"uid":       trade.UID,
		"tier":      next,
		"qty":       res.FillQty.String(),
	}).Info("partial take-profit filled")
	e.auditEvent(ctx, trade.TenantID, trade.UID, "partial_exit", "", map[string]any{
		"tier": next, "price": res.FillPrice.String(),
	})
	return true, nil
}
