package marketdata

import (
	"time"

	"tradepilot/src/model"
)

// TimeframeDuration maps a timeframe label ("1m", "5m", "15m", "1h", "4h",
// "1d") to its duration. Unknown labels return 0.
func TimeframeDuration(tf string) time.Duration {
	switch tf {
	case "1m":
		return time.Minute
	case "3m":
		return 3 * time.Minute
	case "5m":
		return 5 * time.Minute
	case "15m":
		return 15 * time.Minute
	case "30m":
		return 30 * time.Minute
	case "1h":
		return time.Hour
	case "4h":
		return 4 * time.Hour
	case "1d":
		return 24 * time.Hour
	}
	return 0
}

// Resample derives target-timeframe bars from the pair's primary buffer.
// Only buckets fully covered by source bars are emitted, so the result
// contains closed candles only.
func (c *Cache) Resample(pair, sourceTF, targetTF string) []model.Bar {
	src := TimeframeDuration(sourceTF)
	dst := TimeframeDuration(targetTF)
	if src == 0 || dst == 0 || dst <= src || dst%src != 0 {
		return nil
	}
	bars := c.ClosedBars(pair, sourceTF)
	if len(bars) == 0 {
		return nil
	}
	per := int(dst / src)

	var out []model.Bar
	var bucket []model.Bar
	var bucketStart time.Time
	for _, b := range bars {
		start := b.Time.Truncate(dst)
		if len(bucket) > 0 && !start.Equal(bucketStart) {
			if len(bucket) == per {
				out = append(out, mergeBars(bucketStart, bucket))
			}
			bucket = bucket[:0]
		}
		bucketStart = start
		bucket = append(bucket, b)
	}
	if len(bucket) == per {
		out = append(out, mergeBars(bucketStart, bucket))
	}
	return out
}

func mergeBars(start time.Time, bars []model.Bar) model.Bar {
	merged := model.Bar{
		Time:   start,
		Open:   bars[0].Open,
		High:   bars[0].High,
		Low:    bars[0].Low,
		Close:  bars[len(bars)-1].Close,
		Volume: bars[0].Volume,
	}
	for _, b := range bars[1:] {
		if b.High.GreaterThan(merged.High) {
			merged.High = b.High
		}
		if b.Low.LessThan(merged.Low) {
			merged.Low = b.Low
		}
		merged.Volume = merged.Volume.Add(b.Volume)
	}
	return merged
}
