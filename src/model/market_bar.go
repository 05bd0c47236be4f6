package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// MarketBar is a persisted OHLCV sample used to warm the in-memory cache on
// startup. The backfill command writes these; the engine only reads them.
type MarketBar struct {
	ID        uint            `gorm:"primaryKey"`
	Pair      string          `json:"pair"      gorm:"type:varchar(50);not null;uniqueIndex:ux_market_bars_pair_tf_datetime,priority:1"`
	Timeframe string          `json:"timeframe" gorm:"type:varchar(10);not null;uniqueIndex:ux_market_bars_pair_tf_datetime,priority:2"`
	Datetime  time.Time       `json:"datetime"  gorm:"not null;uniqueIndex:ux_market_bars_pair_tf_datetime,priority:3;index:idx_market_bars_datetime"`
	Open      decimal.Decimal `json:"open"   gorm:"type:double precision;not null"`
	High      decimal.Decimal `json:"high"   gorm:"type:double precision;not null"`
	Low       decimal.Decimal `json:"low"    gorm:"type:double precision;not null"`
	Close     decimal.Decimal `json:"close"  gorm:"type:double precision;not null"`
	Volume    decimal.Decimal `json:"volume" gorm:"type:double precision;not null"`
}

func (MarketBar) TableName() string {
	return "market_bars"
}

// ToBar converts the persisted row into the in-memory cache representation.
func (m MarketBar) ToBar() Bar {
	return Bar{
		Time:   m.Datetime,
		Open:   m.Open,
		High:   m.High,
		Low:    m.Low,
		Close:  m.Close,
		Volume: m.Volume,
	}
}
