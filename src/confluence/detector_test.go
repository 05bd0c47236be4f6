package confluence

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tradepilot/src/config"
	"tradepilot/src/model"
	"tradepilot/src/strategies"
)

type stubStrategy struct {
	name   string
	signal strategies.Signal
	block  bool // never returns until ctx is done
}

func (s *stubStrategy) Name() string { return s.name }
func (s *stubStrategy) Warmup() int  { return 0 }

func (s *stubStrategy) Evaluate(ctx context.Context, bars []model.Bar) (strategies.Signal, error) {
	if s.block {
		<-ctx.Done()
		return strategies.Signal{}, ctx.Err()
	}
	return s.signal, nil
}

type stubData struct {
	bars      []model.Bar
	resampled map[string][]model.Bar
	score     decimal.Decimal
	scoreAge  time.Duration
	hasScore  bool
}

func (s *stubData) ClosedBars(pair, tf string) []model.Bar { return s.bars }

func (s *stubData) Resample(pair, from, to string) []model.Bar { return s.resampled[to] }

func (s *stubData) BookScore(pair string) (decimal.Decimal, time.Duration, bool) {
	return s.score, s.scoreAge, s.hasScore
}

func someBars(n int) []model.Bar {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	price := decimal.RequireFromString("100")
	bars := make([]model.Bar, n)
	for i := range bars {
		bars[i] = model.Bar{
			Time:   start.Add(time.Duration(i) * time.Minute),
			Open:   price,
			High:   price.Add(decimal.RequireFromString("1")),
			Low:    price.Sub(decimal.RequireFromString("1")),
			Close:  price,
			Volume: decimal.RequireFromString("1"),
		}
	}
	return bars
}

func longVote(name string, conf float64) *stubStrategy {
	return &stubStrategy{name: name, signal: strategies.Signal{Direction: strategies.Long, Confidence: conf}}
}

func shortVote(name string, conf float64) *stubStrategy {
	return &stubStrategy{name: name, signal: strategies.Signal{Direction: strategies.Short, Confidence: conf}}
}

func baseConfig() (config.Confluence, config.Trading) {
	return config.Confluence{
			Threshold:         3,
			MinConfidence:     0.65,
			SoloMinConfidence: 0.85,
			StrategyTimeout:   100 * time.Millisecond,
		}, config.Trading{
			PrimaryTimeframe: "1m",
			ExtraTimeframes:  []string{"5m"},
		}
}

func TestThreeAgreeingVotesProduceSignal(t *testing.T) {
	cfg, trading := baseConfig()
	data := &stubData{bars: someBars(10)}
	det := NewDetector(cfg, trading, data, []strategies.Strategy{
		longVote("s1", 0.7), longVote("s2", 0.7), longVote("s3", 0.7),
	})

	res, reason := det.Evaluate(context.Background(), "BTC/USDT")
	if res == nil {
		t.Fatalf("expected signal, got no signal: %s", reason)
	}
	if res.Direction != strategies.Long {
		t.Fatalf("expected long, got %s", res.Direction)
	}
	if res.Confidence < 0.65 {
		t.Fatalf("expected confidence >= 0.65, got %f", res.Confidence)
	}
	if len(res.Contributing) != 3 {
		t.Fatalf("expected 3 contributing strategies, got %d", len(res.Contributing))
	}
}

func TestTimedOutStrategyContributesNoVote(t *testing.T) {
	cfg, trading := baseConfig()
	data := &stubData{bars: someBars(10)}
	det := NewDetector(cfg, trading, data, []strategies.Strategy{
		longVote("s1", 0.7),
		longVote("s2", 0.7),
		&stubStrategy{name: "s3", block: true},
	})

	res, reason := det.Evaluate(context.Background(), "BTC/USDT")
	if res != nil {
		t.Fatalf("expected no signal with only 2 votes, got %+v", res)
	}
	if reason != "below confluence threshold" {
		t.Fatalf("unexpected reason: %s", reason)
	}
}

func TestVoteTieProducesNoSignal(t *testing.T) {
	cfg, trading := baseConfig()
	cfg.Threshold = 1
	data := &stubData{bars: someBars(10)}
	det := NewDetector(cfg, trading, data, []strategies.Strategy{
		longVote("s1", 0.9), shortVote("s2", 0.9),
	})

	res, reason := det.Evaluate(context.Background(), "BTC/USDT")
	if res != nil {
		t.Fatalf("tie must not produce a signal, got %+v", res)
	}
	if reason != "vote tie" {
		t.Fatalf("unexpected reason: %s", reason)
	}
}

func TestSoloWhitelistedStrategyTriggers(t *testing.T) {
	cfg, trading := baseConfig()
	cfg.SoloStrategies = []string{"s1"}
	data := &stubData{bars: someBars(10)}
	det := NewDetector(cfg, trading, data, []strategies.Strategy{longVote("s1", 0.9)})

	res, reason := det.Evaluate(context.Background(), "BTC/USDT")
	if res == nil {
		t.Fatalf("expected solo signal, got: %s", reason)
	}
	if res.SoloTrigger != "s1" {
		t.Fatalf("expected solo trigger s1, got %q", res.SoloTrigger)
	}
}

func TestSoloBelowSoloMinimumRejected(t *testing.T) {
	cfg, trading := baseConfig()
	cfg.SoloStrategies = []string{"s1"}
	data := &stubData{bars: someBars(10)}
	// 0.7 passes min_confidence but not the stricter solo minimum
	det := NewDetector(cfg, trading, data, []strategies.Strategy{longVote("s1", 0.7)})

	res, _ := det.Evaluate(context.Background(), "BTC/USDT")
	if res != nil {
		t.Fatalf("solo below solo minimum must not trigger, got %+v", res)
	}
}

func TestOBIFractionalVoteCountsTowardThreshold(t *testing.T) {
	cfg, trading := baseConfig()
	cfg.Threshold = 3
	cfg.OBIWeight = 1.0
	cfg.OBIMaxAge = time.Minute
	data := &stubData{
		bars:     someBars(10),
		score:    decimal.RequireFromString("0.4"), // bid-heavy, agrees with long
		scoreAge: 5 * time.Second,
		hasScore: true,
	}
	det := NewDetector(cfg, trading, data, []strategies.Strategy{
		longVote("s1", 0.7), longVote("s2", 0.7),
	})

	res, reason := det.Evaluate(context.Background(), "BTC/USDT")
	if res == nil {
		t.Fatalf("expected OBI to complete the threshold, got: %s", reason)
	}
	if res.VoteCount != 3 {
		t.Fatalf("expected vote count 3 (2 strategies + OBI), got %f", res.VoteCount)
	}
}

func TestStaleBookScoreExcluded(t *testing.T) {
	cfg, trading := baseConfig()
	cfg.Threshold = 3
	cfg.OBIWeight = 1.0
	cfg.OBIMaxAge = time.Minute
	data := &stubData{
		bars:     someBars(10),
		score:    decimal.RequireFromString("0.4"),
		scoreAge: 2 * time.Minute, // older than max age
		hasScore: true,
	}
	det := NewDetector(cfg, trading, data, []strategies.Strategy{
		longVote("s1", 0.7), longVote("s2", 0.7),
	})

	if res, _ := det.Evaluate(context.Background(), "BTC/USDT"); res != nil {
		t.Fatalf("stale book score must not count, got %+v", res)
	}
}

func TestBelowMinConfidenceRejected(t *testing.T) {
	cfg, trading := baseConfig()
	data := &stubData{bars: someBars(10)}
	det := NewDetector(cfg, trading, data, []strategies.Strategy{
		longVote("s1", 0.5), longVote("s2", 0.5), longVote("s3", 0.5),
	})

	res, reason := det.Evaluate(context.Background(), "BTC/USDT")
	if res != nil {
		t.Fatalf("expected rejection below min confidence, got %+v", res)
	}
	if reason != "below min confidence" {
		t.Fatalf("unexpected reason: %s", reason)
	}
}
