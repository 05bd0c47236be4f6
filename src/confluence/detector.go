package confluence

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"

	"tradepilot/src/config"
	"tradepilot/src/model"
	"tradepilot/src/strategies"
)

// marketData is the slice of the cache the detector needs.
type marketData interface {
	ClosedBars(pair, timeframe string) []model.Bar
	Resample(pair, sourceTF, targetTF string) []model.Bar
	BookScore(pair string) (decimal.Decimal, time.Duration, bool)
}

// Result is the aggregated decision for one pair in one scan cycle. It is
// consumed immediately by the gate/risk stage and never persisted on its
// own; only the resulting trade is.
type Result struct {
	Pair         string
	Direction    strategies.Direction
	Confidence   float64 // blended, after regime multiplier
	VoteCount    float64 // includes fractional OBI vote
	Contributing []string
	Regime       Regime
	BookScore    float64
	SoloTrigger  string // strategy name when a solo whitelist entry fired
	GeneratedAt  time.Time
}

// Detector fuses the enabled strategies into one decision per pair per
// cycle.
type Detector struct {
	cfg        config.Confluence
	primaryTF  string
	extraTFs   []string
	data       marketData
	strategies []strategies.Strategy
	soloSet    map[string]bool
	now        func() time.Time
}

func NewDetector(cfg config.Confluence, trading config.Trading, data marketData, strats []strategies.Strategy) *Detector {
	solo := map[string]bool{}
	for _, name := range cfg.SoloStrategies {
		solo[name] = true
	}
	return &Detector{
		cfg:        cfg,
		primaryTF:  trading.PrimaryTimeframe,
		extraTFs:   trading.ExtraTimeframes,
		data:       data,
		strategies: strats,
		soloSet:    solo,
		now:        time.Now,
	}
}

type vote struct {
	name   string
	signal strategies.Signal
}

// Evaluate runs all strategies for the pair and aggregates their votes.
// Returns (nil, reason) when no signal is produced; the reason is for logs,
// not an error.
func (d *Detector) Evaluate(ctx context.Context, pair string) (*Result, string) {
	bars := d.data.ClosedBars(pair, d.primaryTF)
	if len(bars) == 0 {
		return nil, "no market data"
	}

	votes := d.collectVotes(ctx, pair, bars)

	var longVotes, shortVotes []vote
	for _, v := range votes {
		switch v.signal.Direction {
		case strategies.Long:
			longVotes = append(longVotes, v)
		case strategies.Short:
			shortVotes = append(shortVotes, v)
		}
	}

	// Ties carry no directional information and never produce a signal.
	if len(longVotes) == len(shortVotes) && len(longVotes) > 0 {
		logger.WithFields(map[string]interface{}{
			"pair": pair, "long": len(longVotes), "short": len(shortVotes),
		}).Debug("directional vote tie, no signal")
		return nil, "vote tie"
	}

	dir := strategies.Long
	winning := longVotes
	if len(shortVotes) > len(longVotes) {
		dir = strategies.Short
		winning = shortVotes
	}
	if len(winning) == 0 {
		return nil, "no directional votes"
	}

	count := float64(len(winning))
	contributing := make([]string, 0, len(winning))
	confSum := 0.0
	for _, v := range winning {
		contributing = append(contributing, v.name)
		confSum += v.signal.Confidence
	}
	blended := confSum / float64(len(winning))

	// Optional order-book-imbalance fractional vote.
	bookScore := 0.0
	if d.cfg.OBIWeight > 0 {
		score, age, ok := d.data.BookScore(pair)
		if ok && age <= d.cfg.OBIMaxAge {
			bookScore = score.InexactFloat64()
			if (dir == strategies.Long && bookScore > 0) || (dir == strategies.Short && bookScore < 0) {
				count += d.cfg.OBIWeight
			}
		}
	}

	soloTrigger := ""
	if count < float64(d.cfg.Threshold) {
		// A whitelisted strategy may trigger alone above the stricter solo
		// minimum; solo thresholds are always >= standard ones.
		if len(winning) == 1 && d.soloSet[winning[0].name] && winning[0].signal.Confidence >= d.cfg.SoloMinConfidence {
			soloTrigger = winning[0].name
		} else {
			return nil, "below confluence threshold"
		}
	}

	if d.cfg.MultiTimeframe {
		if agree := d.timeframesAgreeing(ctx, pair, dir); agree < d.cfg.MinTimeframes {
			logger.WithFields(map[string]interface{}{
				"pair": pair, "agreeing": agree, "required": d.cfg.MinTimeframes,
			}).Debug("multi-timeframe agreement failed")
			return nil, "insufficient timeframe agreement"
		}
	}

	regime := ClassifyRegime(bars)
	blended *= regime.Multiplier
	if blended > 1 {
		blended = 1
	}
	if blended < d.cfg.MinConfidence {
		return nil, "below min confidence"
	}

	return &Result{
		Pair:         pair,
		Direction:    dir,
		Confidence:   blended,
		VoteCount:    count,
		Contributing: contributing,
		Regime:       regime,
		BookScore:    bookScore,
		SoloTrigger:  soloTrigger,
		GeneratedAt:  d.now(),
	}, ""
}

// collectVotes fans out one goroutine per strategy, each under the
// configured timeout. A strategy that times out or errors contributes no
// vote for this cycle and is not retried within the cycle.
func (d *Detector) collectVotes(ctx context.Context, pair string, bars []model.Bar) []vote {
	type outcome struct {
		name   string
		signal strategies.Signal
		err    error
	}
	results := make(chan outcome, len(d.strategies))

	for _, s := range d.strategies {
		go func(s strategies.Strategy) {
			evalCtx, cancel := context.WithTimeout(ctx, d.cfg.StrategyTimeout)
			defer cancel()

			done := make(chan outcome, 1)
			go func() {
				sig, err := s.Evaluate(evalCtx, bars)
				done <- outcome{name: s.Name(), signal: sig, err: err}
			}()

			select {
			case o := <-done:
				results <- o
			case <-evalCtx.Done():
				results <- outcome{name: s.Name(), err: evalCtx.Err()}
			}
		}(s)
	}

	var votes []vote
	for range d.strategies {
		o := <-results
		if o.err != nil {
			logger.WithError(o.err).WithFields(map[string]interface{}{
				"pair": pair, "strategy": o.name,
			}).Warn("strategy evaluation skipped")
			continue
		}
		if o.signal.Direction == strategies.Flat {
			continue
		}
		votes = append(votes, vote{name: o.name, signal: o.signal})
	}
	return votes
}

// timeframesAgreeing counts how many timeframes (primary plus resampled
// secondaries) vote the same direction. The primary timeframe already agrees
// by construction.
func (d *Detector) timeframesAgreeing(ctx context.Context, pair string, dir strategies.Direction) int {
	agree := 1
	for _, tf := range d.extraTFs {
		bars := d.data.Resample(pair, d.primaryTF, tf)
		if len(bars) == 0 {
			continue
		}
		if trendDirection(bars) == dir {
			agree++
		}
	}
	return agree
}

// trendDirection is a cheap EMA slope read used only for timeframe
// agreement.
func trendDirection(bars []model.Bar) strategies.Direction {
	if len(bars) < 10 {
		return strategies.Flat
	}
	ema := strategies.EMA(strategies.Closes(bars), 9)
	last := len(ema) - 1
	switch {
	case ema[last] > ema[last-3]:
		return strategies.Long
	case ema[last] < ema[last-3]:
		return strategies.Short
	}
	return strategies.Flat
}
