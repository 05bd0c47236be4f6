package repository

import (
	"context"
	"errors"
	"time"

	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"tradepilot/src/database"
	"tradepilot/src/model"
)

// BarRepository handles persisted OHLCV bars. The backfill command writes
// them; the engine reads them once at startup to warm the cache.
type BarRepository struct {
	db *gorm.DB
}

// NewBarRepository creates a new repository instance using the main read/write database.
func NewBarRepository() *BarRepository {
	return &BarRepository{
		db: database.MainDB,
	}
}

// WithDB allows overriding the underlying *gorm.DB instance.
// Useful for tests or when using a specific session/transaction.
func (r *BarRepository) WithDB(db *gorm.DB) *BarRepository {
	return &BarRepository{db: db}
}

// UpsertBatch inserts bars, updating price columns on (pair, timeframe,
// datetime) conflicts so re-running a backfill over the same range is safe.
func (r *BarRepository) UpsertBatch(
	ctx context.Context,
	bars []model.MarketBar,
) error {

	if len(bars) == 0 {
		return nil
	}

	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "pair"}, {Name: "timeframe"}, {Name: "datetime"}},
			DoUpdates: clause.AssignmentColumns([]string{"open", "high", "low", "close", "volume"}),
		}).
		Create(&bars).Error

	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":  "BarRepository",
			"op":    "UpsertBatch",
			"count": len(bars),
		}).WithError(err).Error("Failed to upsert bars")

		return err
	}

	return nil
}

// FindRecent returns the newest bars for a (pair, timeframe), oldest first
// so they can be replayed into the cache in order.
func (r *BarRepository) FindRecent(
	ctx context.Context,
	pair string,
	timeframe string,
	limit int,
) ([]model.MarketBar, error) {

	if limit <= 0 {
		limit = 500
	}

	var bars []model.MarketBar

	err := r.db.WithContext(ctx).
		Where("pair = ? AND timeframe = ?", pair, timeframe).
		Order("datetime DESC").
		Limit(limit).
		Find(&bars).Error

	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":      "BarRepository",
			"op":        "FindRecent",
			"pair":      pair,
			"timeframe": timeframe,
		}).WithError(err).Error("Failed to fetch bars")

		return nil, err
	}

	// reverse into chronological order
	for i, j := 0, len(bars)-1; i < j; i, j = i+1, j-1 {
		bars[i], bars[j] = bars[j], bars[i]
	}

	return bars, nil
}

// LatestTime returns the newest stored bar time for a (pair, timeframe).
// ok is false when nothing is stored yet.
func (r *BarRepository) LatestTime(
	ctx context.Context,
	pair string,
	timeframe string,
) (time.Time, bool, error) {

	var bar model.MarketBar

	err := r.db.WithContext(ctx).
		Where("pair = ? AND timeframe = ?", pair, timeframe).
		Order("datetime DESC").
		First(&bar).Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return time.Time{}, false, nil
		}

		logger.WithFields(map[string]interface{}{
			"repo":      "BarRepository",
			"op":        "LatestTime",
			"pair":      pair,
			"timeframe": timeframe,
		}).WithError(err).Error("Failed to fetch latest bar time")

		return time.Time{}, false, err
	}

	return bar.Datetime, true, nil
}
