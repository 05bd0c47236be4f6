package backfill

import (
	"context"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"

	"github.com/nntaoli-project/goex"
	"github.com/nntaoli-project/goex/binance"

	"tradepilot/src/model"
	"tradepilot/src/repository"
)

const (
	Duration1m = "1m"
	Duration1h = "1h"
)

// Backfill fetches historical klines from Binance and stores them as
// market bars, so a fresh deployment has warmup data before the live
// stream produces its first closed candles.
type Backfill struct {
	Log      *logger.Entry
	Repo     *repository.BarRepository
	Config   *Config
	exchange goex.API
}

func (b *Backfill) Start() error {
	b.Config = GetConfig()

	b.exchange = b.newBinanceInstance()

	ctx := context.Background()

	if b.Config.AutoMode {
		if err := b.determineStartPoint(ctx); err != nil {
			return err
		}
	}

	klines, err := b.fetchSeries()
	if err != nil {
		b.Log.WithError(err).Error("kline fetch failed")
		return err
	}

	bars := make([]model.MarketBar, 0, len(klines))
	for i := range klines {
		k := klines[i]
		bars = append(bars, model.MarketBar{
			Pair:      b.pair(),
			Timeframe: b.Config.DurationStr,
			Datetime:  time.Unix(k.Timestamp, 0).UTC(),
			Open:      decimal.NewFromFloat(k.Open),
			High:      decimal.NewFromFloat(k.High),
			Low:       decimal.NewFromFloat(k.Low),
			Close:     decimal.NewFromFloat(k.Close),
			Volume:    decimal.NewFromFloat(k.Vol),
		})
	}

	if err := b.Repo.UpsertBatch(ctx, bars); err != nil {
		return err
	}

	b.Log.WithFields(logger.Fields{
		"Pair":      b.pair(),
		"Timeframe": b.Config.DurationStr,
		"Count":     len(bars),
	}).Info("bars inserted or updated in database")

	return nil
}

func (b *Backfill) pair() string {
	return b.Config.Symbol + "/" + b.Config.Quote
}

func (*Backfill) newBinanceInstance() *binance.Binance {
	apiConfig := &goex.APIConfig{
		HttpClient: http.DefaultClient,
		Endpoint:   binance.GLOBAL_API_BASE_URL,
	}
	return binance.NewWithConfig(apiConfig)
}

// determineStartPoint resumes one interval before the newest stored bar so
// the upsert heals a possibly partial last row.
func (b *Backfill) determineStartPoint(ctx context.Context) error {
	b.Config.EndDt = time.Now()

	latest, ok, err := b.Repo.LatestTime(ctx, b.pair(), b.Config.DurationStr)
	if err != nil {
		return err
	}

	if ok {
		b.Config.StartDt = latest.Add(-b.parseDuration())
		b.Log.WithFields(logger.Fields{
			"StartDt": b.Config.StartDt.String(),
			"EndDt":   b.Config.EndDt.String(),
		}).Info("determineStartPoint resuming from stored bars")
	} else {
		b.Log.WithFields(logger.Fields{
			"StartDt": b.Config.StartDt.String(),
			"EndDt":   b.Config.EndDt.String(),
		}).Info("determineStartPoint no stored bars, using configured StartDt")
	}

	return nil
}

func (b *Backfill) fetchSeries() ([]goex.Kline, error) {
	targetSymbol := goex.NewCurrencyPair(
		goex.Currency{Symbol: b.Config.Symbol},
		goex.Currency{Symbol: b.Config.Quote},
	)

	const millis = 1000
	return b.exchange.GetKlineRecords(
		targetSymbol,
		b.parseDurationToGoex(),
		b.Config.Limit,
		goex.OptionalParameter{}.
			Optional("startTime", b.Config.StartDt.Unix()*millis).
			Optional("endTime", b.Config.EndDt.Unix()*millis),
	)
}

func (b *Backfill) parseDuration() time.Duration {
	switch b.Config.DurationStr {
	case Duration1m:
		return time.Minute
	case Duration1h:
		return time.Hour
	default:
		panic("invalid DURATION env var")
	}
}

func (b *Backfill) parseDurationToGoex() goex.KlinePeriod {
	switch b.Config.DurationStr {
	case Duration1m:
		return goex.KLINE_PERIOD_1MIN
	case Duration1h:
		return goex.KLINE_PERIOD_1H
	default:
		panic("invalid DURATION env var")
	}
}
