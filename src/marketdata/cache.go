package marketdata

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"

	"tradepilot/src/model"
)

// UpdateResult is the explicit outcome of a bar update. Data-quality
// problems are reported here and counted, never returned as errors.
type UpdateResult int

const (
	Accepted UpdateResult = iota
	RejectedOutlier
	RejectedOutOfOrder
	RejectedMalformed
)

func (r UpdateResult) String() string {
	switch r {
	case Accepted:
		return "accepted"
	case RejectedOutlier:
		return "rejected_outlier"
	case RejectedOutOfOrder:
		return "rejected_out_of_order"
	case RejectedMalformed:
		return "rejected_malformed"
	}
	return "unknown"
}

// series holds the closed-bar ring plus the forming bar for one
// (pair, timeframe). The forming bar is updated by ticker events and is
// never visible through ClosedBars.
type series struct {
	mu       sync.RWMutex
	bars     []model.Bar // ring, oldest first after normalization
	capacity int
	forming  *model.Bar
	lastSeen time.Time
}

// Config for the cache, taken from the immutable settings object.
type Config struct {
	BufferCapacity   int
	StalenessWindow  time.Duration
	OutlierThreshold float64 // fractional, e.g. 0.20
}

// Cache is the single source of truth for current price action and its
// freshness, keyed by (pair, timeframe).
type Cache struct {
	cfg Config

	mu     sync.RWMutex
	series map[string]map[string]*series // pair -> timeframe -> series
	books  map[string]*model.OrderBookSnapshot
	last   map[string]time.Time // pair -> last accepted update, any timeframe

	counters struct {
		sync.Mutex
		rejected map[UpdateResult]int64
	}

	now func() time.Time
}

func NewCache(cfg Config) *Cache {
	if cfg.BufferCapacity <= 0 {
		cfg.BufferCapacity = 500
	}
	if cfg.OutlierThreshold <= 0 {
		cfg.OutlierThreshold = 0.20
	}
	c := &Cache{
		cfg:    cfg,
		series: map[string]map[string]*series{},
		books:  map[string]*model.OrderBookSnapshot{},
		last:   map[string]time.Time{},
		now:    time.Now,
	}
	c.counters.rejected = map[UpdateResult]int64{}
	return c
}

func (c *Cache) getSeries(pair, timeframe string) *series {
	c.mu.Lock()
	defer c.mu.Unlock()
	tfs, ok := c.series[pair]
	if !ok {
		tfs = map[string]*series{}
		c.series[pair] = tfs
	}
	s, ok := tfs[timeframe]
	if !ok {
		s = &series{capacity: c.cfg.BufferCapacity}
		tfs[timeframe] = s
	}
	return s
}

// lookupSeries resolves (pair, timeframe) under the cache lock. Both map
// levels are guarded by c.mu; getSeries mutates them concurrently.
func (c *Cache) lookupSeries(pair, timeframe string) *series {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tfs, ok := c.series[pair]
	if !ok {
		return nil
	}
	return tfs[timeframe]
}

// pairSeries snapshots every series for a pair under the cache lock, so
// callers can iterate without holding it.
func (c *Cache) pairSeries(pair string) []*series {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tfs := c.series[pair]
	out := make([]*series, 0, len(tfs))
	for _, s := range tfs {
		out = append(out, s)
	}
	return out
}

func (c *Cache) count(r UpdateResult) {
	c.counters.Lock()
	c.counters.rejected[r]++
	c.counters.Unlock()
}

// RejectedCount returns how many updates ended with the given result.
func (c *Cache) RejectedCount(r UpdateResult) int64 {
	c.counters.Lock()
	defer c.counters.Unlock()
	return c.counters.rejected[r]
}

// UpdateBar appends a closed bar to the rolling buffer. The outcome is
// always explicit: outliers (close deviating more than the configured
// threshold from the prior close), out-of-order bars, and malformed bars
// are dropped with a counter increment.
func (c *Cache) UpdateBar(pair, timeframe string, bar model.Bar) UpdateResult {
	if !bar.Valid() {
		c.count(RejectedMalformed)
		logger.WithFields(map[string]interface{}{
			"pair": pair, "timeframe": timeframe,
		}).Warn("malformed bar dropped")
		return RejectedMalformed
	}

	s := c.getSeries(pair, timeframe)
	s.mu.Lock()
	defer s.mu.Unlock()

	if n := len(s.bars); n > 0 {
		prev := s.bars[n-1]
		if !bar.Time.After(prev.Time) {
			c.count(RejectedOutOfOrder)
			return RejectedOutOfOrder
		}
		dev := bar.Close.Sub(prev.Close).Abs().Div(prev.Close)
		if dev.GreaterThan(decimal.NewFromFloat(c.cfg.OutlierThreshold)) {
			c.count(RejectedOutlier)
			logger.WithFields(map[string]interface{}{
				"pair":       pair,
				"timeframe":  timeframe,
				"prev_close": prev.Close.String(),
				"new_close":  bar.Close.String(),
			}).Warn("outlier bar dropped")
			return RejectedOutlier
		}
	}

	s.bars = append(s.bars, bar)
	if len(s.bars) > s.capacity {
		s.bars = s.bars[len(s.bars)-s.capacity:]
	}
	// A closed bar supersedes any forming bar at or before its time.
	if s.forming != nil && !s.forming.Time.After(bar.Time) {
		s.forming = nil
	}
	s.lastSeen = c.now()

	c.mu.Lock()
	c.last[pair] = s.lastSeen
	c.mu.Unlock()
	return Accepted
}

// UpdateTicker updates the forming bar's close in place. It never turns
// ticker data into a completed candle: strategies reading ClosedBars will
// not see this price until the exchange closes the bar.
func (c *Cache) UpdateTicker(pair string, price decimal.Decimal) {
	if !price.IsPositive() {
		c.count(RejectedMalformed)
		return
	}
	ts := c.now()
	for _, s := range c.pairSeries(pair) {
		s.mu.Lock()
		if s.forming == nil {
			s.forming = &model.Bar{Time: ts, Open: price, High: price, Low: price, Close: price}
		} else {
			s.forming.Close = price
			if price.GreaterThan(s.forming.High) {
				s.forming.High = price
			}
			if price.LessThan(s.forming.Low) {
				s.forming.Low = price
			}
		}
		s.lastSeen = ts
		s.mu.Unlock()
	}

	c.mu.Lock()
	c.last[pair] = ts
	c.mu.Unlock()
}

// ClosedBars returns a copy of the closed bars for the pair/timeframe,
// oldest first. The forming bar is never included.
func (c *Cache) ClosedBars(pair, timeframe string) []model.Bar {
	s := c.lookupSeries(pair, timeframe)
	if s == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Bar, len(s.bars))
	copy(out, s.bars)
	return out
}

// LastPrice returns the freshest known price for the pair: the forming bar
// close when present, otherwise the last closed bar close on the given
// timeframe.
func (c *Cache) LastPrice(pair, timeframe string) (decimal.Decimal, bool) {
	s := c.lookupSeries(pair, timeframe)
	if s == nil {
		return decimal.Zero, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.forming != nil {
		return s.forming.Close, true
	}
	if n := len(s.bars); n > 0 {
		return s.bars[n-1].Close, true
	}
	return decimal.Zero, false
}

// IsStale reports whether the pair has gone longer than the staleness window
// without an accepted update. Pairs never seen are stale.
func (c *Cache) IsStale(pair string) bool {
	c.mu.RLock()
	last, ok := c.last[pair]
	c.mu.RUnlock()
	if !ok {
		return true
	}
	return c.now().Sub(last) > c.cfg.StalenessWindow
}

// UpdateBook stores the latest order-book snapshot for the pair.
func (c *Cache) UpdateBook(book model.OrderBookSnapshot) {
	c.mu.Lock()
	snapshot := book
	c.books[book.Pair] = &snapshot
	c.mu.Unlock()
}

// Spread returns the current book spread. ok is false when no book data has
// been seen for the pair; a zero spread with ok=true is a real observation.
func (c *Cache) Spread(pair string) (decimal.Decimal, bool) {
	c.mu.RLock()
	book := c.books[pair]
	c.mu.RUnlock()
	return book.Spread()
}

// BookScore returns the order-book imbalance score and the snapshot age.
// ok is false when no book has been seen.
func (c *Cache) BookScore(pair string) (score decimal.Decimal, age time.Duration, ok bool) {
	c.mu.RLock()
	book := c.books[pair]
	c.mu.RUnlock()
	if book == nil {
		return decimal.Zero, 0, false
	}
	return book.Imbalance(), c.now().Sub(book.Time), true
}
