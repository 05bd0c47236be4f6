package model

import "time"

// AuditLog is an append-only record of engine decisions and state changes.
// Entries are tenant-scoped and prunable by retention; trade records are not.
type AuditLog struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	TenantID  string         `gorm:"size:64;index" json:"tenant_id"`
	TradeUID  string         `gorm:"size:64;index" json:"trade_uid,omitempty"`
	Component string         `gorm:"size:64" json:"component"`
	Event     string         `gorm:"size:64" json:"event"`
	Level     string         `gorm:"size:16;default:info" json:"level"`
	Message   string         `gorm:"size:512" json:"message"`
	Context   map[string]any `gorm:"serializer:json" json:"context,omitempty"`
	CreatedAt time.Time      `gorm:"index" json:"created_at"`
}

func (AuditLog) TableName() string {
	return "audit_logs"
}
