package repository

import (
	"context"
	"time"

	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"tradepilot/src/database"
	"tradepilot/src/model"
)

// AuditRepository writes the append-only decision log. Entries are never
// updated; retention pruning is the only delete path.
type AuditRepository struct {
	db *gorm.DB
}

func NewAuditRepository() *AuditRepository {
	return &AuditRepository{
		db: database.MainDB,
	}
}

// WithDB allows overriding the underlying *gorm.DB instance.
func (r *AuditRepository) WithDB(db *gorm.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Append writes one audit entry. Audit failures are logged but must never
// abort the decision that produced them, so callers usually ignore the error.
func (r *AuditRepository) Append(
	ctx context.Context,
	entry *model.AuditLog,
) error {

	err := r.db.WithContext(ctx).Create(entry).Error
	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":  "AuditRepository",
			"op":    "Append",
			"event": entry.Event,
		}).WithError(err).Error("Failed to append audit entry")

		return err
	}

	return nil
}

// FindByTrade returns the audit trail for one trade, oldest first.
func (r *AuditRepository) FindByTrade(
	ctx context.Context,
	tradeUID string,
	limit int,
) ([]model.AuditLog, error) {

	if limit <= 0 {
		limit = 100
	}

	var entries []model.AuditLog

	err := r.db.WithContext(ctx).
		Where("trade_uid = ?", tradeUID).
		Order("id ASC").
		Limit(limit).
		Find(&entries).Error

	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo": "AuditRepository",
			"op":   "FindByTrade",
			"uid":  tradeUID,
		}).WithError(err).Error("Failed to fetch audit trail")

		return nil, err
	}

	return entries, nil
}

// PruneOlderThan deletes audit entries past the retention window and returns
// the number of rows removed. Trade rows are retained indefinitely; only the
// audit log is pruned.
func (r *AuditRepository) PruneOlderThan(
	ctx context.Context,
	cutoff time.Time,
) (int64, error) {

	res := r.db.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Delete(&model.AuditLog{})

	if res.Error != nil {
		logger.WithFields(map[string]interface{}{
			"repo":   "AuditRepository",
			"op":     "PruneOlderThan",
			"cutoff": cutoff,
		}).WithError(res.Error).Error("Failed to prune audit log")

		return 0, res.Error
	}

	if res.RowsAffected > 0 {
		logger.WithFields(map[string]interface{}{
			"repo":    "AuditRepository",
			"op":      "PruneOlderThan",
			"deleted": res.RowsAffected,
		}).Info("Audit log pruned")
	}

	return res.RowsAffected, nil
}
