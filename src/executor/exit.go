package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"

	"tradepilot/src/connectors"
	"tradepilot/src/model"
)

func (e *Executor) placeExit(ctx context.Context, trade *model.Trade, qty decimal.Decimal) (*connectors.OrderResult, error) {
	side := connectors.OrderSideSell
	if trade.Side == model.SideShort {
		side = connectors.OrderSideBuy
	}
	return e.exchange.PlaceOrder(ctx, connectors.OrderRequest{
		Pair:     trade.Pair,
		Side:     side,
		Type:     connectors.OrderTypeMarket,
		Quantity: qty,
	})
}

// Close exits the full position with bounded retries and backoff. Permanent
// exchange errors abort immediately; exhausting retries marks the trade
// error, not closed, so reconciliation picks it up.
func (e *Executor) Close(ctx context.Context, trade *model.Trade, reason string) error {
	log := logger.WithFields(map[string]interface{}{
		"component": "executor",
		"uid":       trade.UID,
		"pair":      trade.Pair,
		"reason":    reason,
	})

	if trade.Status != model.TradeStatusClosing {
		trade.Status = model.TradeStatusClosing
		trade.CloseReason = reason
		if err := e.store.Save(ctx, trade); err != nil {
			return err
		}
	}

	var res *connectors.OrderResult
	var lastErr error
	for attempt := 1; attempt <= e.cfg.ExitRetries; attempt++ {
		res, lastErr = e.placeExit(ctx, trade, trade.Quantity)
		if lastErr == nil {
			break
		}
		if connectors.IsPermanent(lastErr) {
			log.WithError(lastErr).Error("permanent error closing position")
			break
		}

		log.WithError(lastErr).WithField("attempt", attempt).Warn("exit attempt failed")
		if attempt < e.cfg.ExitRetries {
			select {
			case <-ctx.Done():
				lastErr = ctx.Err()
				attempt = e.cfg.ExitRetries
			case <-time.After(e.cfg.ExitBackoff * time.Duration(attempt)):
			}
		}
	}

	if lastErr != nil {
		trade.Status = model.TradeStatusError
		trade.CloseReason = reason + "; exit failed: " + lastErr.Error()
		if err := e.store.Save(ctx, trade); err != nil {
			log.WithError(err).Error("failed to persist error status")
		}
		// the exchange presumably still holds the position, so the registry
		// entry stays: it keeps counting toward exposure and blocks same-pair
		// entries until reconciliation confirms the exchange is flat
		e.auditEvent(ctx, trade.TenantID, trade.UID, "exit_exhausted", lastErr.Error(), nil)
		log.Error("exit retries exhausted, position marked error and needs reconciliation")
		return fmt.Errorf("close %s: %w", trade.UID, lastErr)
	}

	now := e.now()
	trade.Status = model.TradeStatusClosed
	trade.ExitPrice = res.FillPrice
	trade.ExitFee = trade.ExitFee.Add(res.Fee)
	trade.RealizedPnL = trade.GrossPnL(res.FillPrice).Sub(trade.EntryFee).Sub(trade.ExitFee)
	trade.ClosedAt = &now
	if err := e.store.Save(ctx, trade); err != nil {
		return fmt.Errorf("persist closed trade: %w", err)
	}

	e.risk.RecordClose(trade)
	e.risk.ReleasePosition(trade.TenantID, trade.UID)

	log.WithFields(map[string]interface{}{
		"exit": trade.ExitPrice.String(),
		"pnl":  trade.RealizedPnL.String(),
	}).Info("position closed")
	e.auditEvent(ctx, trade.TenantID, trade.UID, "position_closed", reason, map[string]any{
		"pnl": trade.RealizedPnL.String(),
	})
	return nil
}

// CloseResult is the per-position outcome of a CloseAll batch.
type CloseResult struct {
	UID   string `json:"uid"`
	Pair  string `json:"pair"`
	Ok    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// CloseAll closes every open position for the tenant, continuing past
// individual failures. The batch never aborts early.
func (e *Executor) CloseAll(ctx context.Context, tenantID, reason string) ([]CloseResult, error) {
	open, err := e.store.FindOpenByTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	results := make([]CloseResult, 0, len(open))
	for i := range open {
		trade := &open[i]
		mu := e.lockTrade(trade.UID)
		mu.Lock()
		closeErr := e.Close(ctx, trade, reason)
		mu.Unlock()

		result := CloseResult{UID: trade.UID, Pair: trade.Pair, Ok: closeErr == nil}
		if closeErr != nil {
			result.Error = closeErr.Error()
		}
		results = append(results, result)
	}

	logger.WithFields(map[string]interface{}{
		"component": "executor",
		"tenant":    tenantID,
		"total":     len(results),
	}).Info("close-all completed")
	return results, nil
}

// Ghost is one reconciliation discrepancy between local state and the
// exchange.
type Ghost struct {
	Pair      string `json:"pair"`
	UID       string `json:"uid,omitempty"`
	LocalOpen bool   `json:"local_open"`
	RemoteOpen bool  `json:"remote_open"`
	Detail    string `json:"detail"`
}

// Reconcile compares local open trades against the exchange's open
// positions. Discrepancies are logged and reported; with auto-correct on,
// a local position the exchange no longer holds is marked closed at the
// last known price.
func (e *Executor) Reconcile(ctx context.Context, tenantID string) ([]Ghost, error) {
	local, err := e.store.FindOpenByTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	remote, err := e.exchange.GetOpenPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch exchange positions: %w", err)
	}

	remoteByPair := map[string]connectors.Position{}
	for _, p := range remote {
		remoteByPair[p.Pair] = p
	}
	localByPair := map[string]*model.Trade{}
	for i := range local {
		localByPair[local[i].Pair] = &local[i]
	}

	var ghosts []Ghost

	for pair, trade := range localByPair {
		if _, ok := remoteByPair[pair]; ok {
			continue
		}
		ghost := Ghost{
			Pair: pair, UID: trade.UID, LocalOpen: true, RemoteOpen: false,
			Detail: "local position not present on exchange",
		}
		ghosts = append(ghosts, ghost)
		logger.WithFields(map[string]interface{}{
			"component": "executor",
			"tenant":    tenantID,
			"pair":      pair,
			"uid":       trade.UID,
		}).Warn("ghost position: exchange shows flat")

		if e.cfg.AutoCorrectGhosts {
			price, ok := e.data.LastPrice(pair)
			if !ok {
				price = trade.EntryPrice
			}
			now := e.now()
			trade.Status = model.TradeStatusClosed
			trade.ExitPrice = price
			trade.RealizedPnL = trade.NetPnL(price)
			trade.CloseReason = "reconcile_auto_correct"
			trade.ClosedAt = &now
			if err := e.store.Save(ctx, trade); err != nil {
				logger.WithError(err).WithField("uid", trade.UID).Error("failed to auto-correct ghost")
				continue
			}
			e.risk.RecordClose(trade)
			e.risk.ReleasePosition(tenantID, trade.UID)
		}
	}

	for pair, pos := range remoteByPair {
		if _, ok := localByPair[pair]; ok {
			continue
		}
		ghosts = append(ghosts, Ghost{
			Pair: pair, LocalOpen: false, RemoteOpen: true,
			Detail: fmt.Sprintf("exchange holds %s %s with no local record", pos.Side, pos.Quantity),
		})
		logger.WithFields(map[string]interface{}{
			"component": "executor",
			"tenant":    tenantID,
			"pair":      pair,
			"side":      pos.Side,
			"qty":       pos.Quantity.String(),
		}).Warn("ghost position: no local record for exchange position")
	}

	// registry entries with neither an exchange position nor an open local
	// row are leftovers from errored exits; the exchange is flat, so the
	// pair slot and its exposure are freed
	for _, pos := range e.risk.OpenPositions(tenantID) {
		if _, ok := remoteByPair[pos.Pair]; ok {
			continue
		}
		if _, ok := localByPair[pos.Pair]; ok {
			continue
		}
		e.risk.ReleasePosition(tenantID, pos.UID)
		logger.WithFields(map[string]interface{}{
			"component": "executor",
			"tenant":    tenantID,
			"pair":      pos.Pair,
			"uid":       pos.UID,
		}).Info("released errored position, exchange confirmed flat")
		e.auditEvent(ctx, tenantID, pos.UID, "registry_released", "errored position resolved, exchange flat", map[string]any{
			"pair": pos.Pair,
		})
	}

	for _, g := range ghosts {
		e.auditEvent(ctx, tenantID, g.UID, "ghost_position", g.Detail, map[string]any{
			"pair": g.Pair, "local_open": g.LocalOpen, "remote_open": g.RemoteOpen,
		})
	}
	return ghosts, nil
}
