package repository

import (
	"context"
	"errors"
	"fmt"

	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"tradepilot/src/database"
	"tradepilot/src/model"
)

// TradeRepository handles read/write operations for trade records.
type TradeRepository struct {
	db *gorm.DB
}

// NewTradeRepository creates a new repository instance using the main read/write database.
func NewTradeRepository() *TradeRepository {
	return &TradeRepository{
		db: database.MainDB,
	}
}

// WithDB allows overriding the underlying *gorm.DB instance.
// Useful for tests or when using a specific session/transaction.
func (r *TradeRepository) WithDB(db *gorm.DB) *TradeRepository {
	return &TradeRepository{db: db}
}

// Create inserts a new trade. The trade arrives in pending status; the UID
// must already be set by the caller.
func (r *TradeRepository) Create(
	ctx context.Context,
	trade *model.Trade,
) error {

	logger.WithFields(map[string]interface{}{
		"repo":   "TradeRepository",
		"op":     "Create",
		"uid":    trade.UID,
		"tenant": trade.TenantID,
		"pair":   trade.Pair,
		"side":   trade.Side,
	}).Debug("Creating trade")

	err := r.db.WithContext(ctx).Create(trade).Error
	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo": "TradeRepository",
			"op":   "Create",
			"uid":  trade.UID,
		}).WithError(err).Error("Failed to create trade")

		return err
	}

	return nil
}

// Save persists the full trade row. The status transition is validated
// against the stored row first; an illegal transition is rejected without
// writing.
func (r *TradeRepository) Save(
	ctx context.Context,
	trade *model.Trade,
) error {

	logger.WithFields(map[string]interface{}{
		"repo":   "TradeRepository",
		"op":     "Save",
		"uid":    trade.UID,
		"status": trade.Status,
	}).Debug("Saving trade")

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current model.Trade
		if err := tx.Where("uid = ?", trade.UID).First(&current).Error; err != nil {
			return err
		}

		if current.Status != trade.Status && !model.CanTransition(current.Status, trade.Status) {
			return fmt.Errorf("illegal trade transition %s -> %s for %s",
				current.Status, trade.Status, trade.UID)
		}

		trade.ID = current.ID
		return tx.Save(trade).Error
	})
}

// FindByUID fetches a single trade. Returns (nil, nil) when not found.
func (r *TradeRepository) FindByUID(
	ctx context.Context,
	uid string,
) (*model.Trade, error) {

	var trade model.Trade

	err := r.db.WithContext(ctx).
		Where("uid = ?", uid).
		First(&trade).Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}

		logger.WithFields(map[string]interface{}{
			"repo": "TradeRepository",
			"op":   "FindByUID",
			"uid":  uid,
		}).WithError(err).Error("Failed to fetch trade")

		return nil, err
	}

	return &trade, nil
}

// FindOpenByTenant returns every trade for a tenant in an open status.
func (r *TradeRepository) FindOpenByTenant(
	ctx context.Context,
	tenantID string,
) ([]model.Trade, error) {

	var trades []model.Trade

	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND status IN ?", tenantID, openStatuses()).
		Order("id ASC").
		Find(&trades).Error

	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":   "TradeRepository",
			"op":     "FindOpenByTenant",
			"tenant": tenantID,
		}).WithError(err).Error("Failed to fetch open trades")

		return nil, err
	}

	return trades, nil
}

// FindOpenByTenantAndPair returns the single open trade on a pair, or
// (nil, nil) when the tenant is flat on it.
func (r *TradeRepository) FindOpenByTenantAndPair(
	ctx context.Context,
	tenantID string,
	pair string,
) (*model.Trade, error) {

	var trade model.Trade

	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND pair = ? AND status IN ?", tenantID, pair, openStatuses()).
		Order("id DESC").
		First(&trade).Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}

		logger.WithFields(map[string]interface{}{
			"repo":   "TradeRepository",
			"op":     "FindOpenByTenantAndPair",
			"tenant": tenantID,
			"pair":   pair,
		}).WithError(err).Error("Failed to fetch open trade")

		return nil, err
	}

	return &trade, nil
}

// FindClosedByTenant returns the most recent closed trades, newest first.
// Feeds the risk manager's performance history on restart.
func (r *TradeRepository) FindClosedByTenant(
	ctx context.Context,
	tenantID string,
	limit int,
) ([]model.Trade, error) {

	if limit <= 0 {
		limit = 200
	}

	var trades []model.Trade

	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND status = ?", tenantID, model.TradeStatusClosed).
		Order("closed_at DESC").
		Limit(limit).
		Find(&trades).Error

	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":   "TradeRepository",
			"op":     "FindClosedByTenant",
			"tenant": tenantID,
		}).WithError(err).Error("Failed to fetch closed trades")

		return nil, err
	}

	return trades, nil
}

// OpenTenants lists the distinct tenants that currently hold open trades.
func (r *TradeRepository) OpenTenants(
	ctx context.Context,
) ([]string, error) {

	var tenants []string

	err := r.db.WithContext(ctx).
		Model(&model.Trade{}).
		Where("status IN ?", openStatuses()).
		Distinct("tenant_id").
		Pluck("tenant_id", &tenants).Error

	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo": "TradeRepository",
			"op":   "OpenTenants",
		}).WithError(err).Error("Failed to list open tenants")

		return nil, err
	}

	return tenants, nil
}

func openStatuses() []string {
	return []string{
		model.TradeStatusOpen,
		model.TradeStatusManaging,
		model.TradeStatusClosing,
	}
}
