package marketdata

import (
	"github.com/shopspring/decimal"

	"tradepilot/src/model"
)

// View binds a cache to one timeframe so consumers that only ever read the
// primary timeframe get pair-keyed accessors.
type View struct {
	cache     *Cache
	timeframe string
}

func (c *Cache) View(timeframe string) *View {
	return &View{cache: c, timeframe: timeframe}
}

func (v *View) ClosedBars(pair string) []model.Bar {
	return v.cache.ClosedBars(pair, v.timeframe)
}

func (v *View) LastPrice(pair string) (decimal.Decimal, bool) {
	return v.cache.LastPrice(pair, v.timeframe)
}

func (v *View) IsStale(pair string) bool {
	return v.cache.IsStale(pair)
}

func (v *View) Spread(pair string) (decimal.Decimal, bool) {
	return v.cache.Spread(pair)
}
