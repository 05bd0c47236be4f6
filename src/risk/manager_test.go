package risk

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tradepilot/src/config"
	"tradepilot/src/model"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// Wednesday 16:00 UTC = 12:00 New York, inside the US session (factor 1.0).
var tradingHour = time.Date(2025, 6, 4, 16, 0, 0, 0, time.UTC)

func testRiskConfig() config.Risk {
	return config.Risk{
		Bankroll:          10000,
		PerTradeRisk:      0.01,
		DailyLossLimit:    0.05,
		MaxNotional:       100000,
		ExposureCap:       0.5,
		KellyFraction:     0.25,
		MinSampleSize:     20,
		RuinThreshold:     0.05,
		DrawdownThreshold: 0.20,
		DrawdownFloor:     0.25,
		LossCooldown:      15 * time.Minute,
		PairCooldown:      5 * time.Minute,
		CorrelationCap:    1,
		CorrelationGroups: map[string][]string{"majors": {"BTC/USDT", "ETH/USDT"}},
	}
}

func newTestManager(now *time.Time) *Manager {
	session := DefaultSessionConfig(true)
	session.USMultiplier = decimal.NewFromInt(1)
	m := NewManager(testRiskConfig(), session)
	m.now = func() time.Time { return *now }
	return m
}

func openTrade(tenant, pair, uid string, qty, entry string) *model.Trade {
	return &model.Trade{
		UID:        uid,
		TenantID:   tenant,
		Pair:       pair,
		Side:       model.SideLong,
		Quantity:   d(qty),
		EntryPrice: d(entry),
		Status:     model.TradeStatusOpen,
	}
}

func TestFixedFractionalSizing(t *testing.T) {
	now := tradingHour
	m := newTestManager(&now)

	dec, rej := m.Evaluate(Request{
		TenantID: "t1", Pair: "BTC/USDT", Side: model.SideLong,
		Entry: d("100"), Stop: d("97.75"),
	})
	if rej != nil {
		t.Fatalf("unexpected rejection: %s", rej)
	}
	// risk 1% of 10000 = 100 over a 2.25 stop distance
	want := d("100").Div(d("2.25"))
	if !dec.Quantity.Sub(want).Abs().LessThan(d("0.0001")) {
		t.Fatalf("expected qty ~%s, got %s", want, dec.Quantity)
	}
	if dec.Meta.Session != string(SessionUS) {
		t.Fatalf("expected us session, got %s", dec.Meta.Session)
	}
}

func TestRiskOfRuinDisabledBelowSampleSize(t *testing.T) {
	now := tradingHour
	m := newTestManager(&now)

	// seed 10 straight losses, well under the 20-trade minimum sample
	for i := 0; i < 10; i++ {
		trade := openTrade("t1", "XRP/USDT", "uid", "1", "100")
		trade.RealizedPnL = d("-10")
		m.RecordClose(trade)
		now = now.Add(20 * time.Minute) // past cooldowns
	}

	stats := m.TenantStats("t1")
	if stats.RiskOfRuin != 0 {
		t.Fatalf("risk of ruin must be zero below min sample, got %f", stats.RiskOfRuin)
	}

	if _, rej := m.Evaluate(Request{
		TenantID: "t1", Pair: "BTC/USDT", Entry: d("100"), Stop: d("98"),
	}); rej != nil && rej.Code == RejectRuin {
		t.Fatalf("risk of ruin must never gate below min sample: %s", rej)
	}
}

func TestRiskOfRuinGatesWithEnoughHistory(t *testing.T) {
	now := tradingHour
	m := newTestManager(&now)

	for i := 0; i < 25; i++ {
		trade := openTrade("t1", "XRP/USDT", "uid", "1", "100")
		trade.RealizedPnL = d("-10")
		m.RecordClose(trade)
		now = now.Add(20 * time.Minute)
	}

	_, rej := m.Evaluate(Request{TenantID: "t1", Pair: "BTC/USDT", Entry: d("100"), Stop: d("98")})
	if rej == nil || rej.Code != RejectRuin {
		t.Fatalf("expected risk-of-ruin rejection with losing history, got %v", rej)
	}
}

func TestDailyLossLimitGate(t *testing.T) {
	now := tradingHour
	m := newTestManager(&now)

	trade := openTrade("t1", "XRP/USDT", "uid", "1", "100")
	trade.RealizedPnL = d("-600") // 6% of bankroll, over the 5% limit
	m.RecordClose(trade)
	now = now.Add(20 * time.Minute) // clear the loss cooldown

	_, rej := m.Evaluate(Request{TenantID: "t1", Pair: "BTC/USDT", Entry: d("100"), Stop: d("98")})
	if rej == nil || rej.Code != RejectDailyLoss {
		t.Fatalf("expected daily loss rejection, got %v", rej)
	}

	// next UTC day the limit resets
	now = now.Add(24 * time.Hour)
	if _, rej := m.Evaluate(Request{TenantID: "t1", Pair: "BTC/USDT", Entry: d("100"), Stop: d("98")}); rej != nil {
		t.Fatalf("daily loss must reset on day rollover, got %s", rej)
	}
}

func TestLossCooldownGates(t *testing.T) {
	now := tradingHour
	m := newTestManager(&now)

	trade := openTrade("t1", "XRP/USDT", "uid", "1", "100")
	trade.RealizedPnL = d("-10")
	m.RecordClose(trade)

	_, rej := m.Evaluate(Request{TenantID: "t1", Pair: "BTC/USDT", Entry: d("100"), Stop: d("98")})
	if rej == nil || rej.Code != RejectCooldownGlobal {
		t.Fatalf("expected global cooldown rejection, got %v", rej)
	}

	now = now.Add(16 * time.Minute)
	// global cooldown expired; the losing pair keeps its own cooldown for
	// 5 minutes only, already elapsed here
	if _, rej := m.Evaluate(Request{TenantID: "t1", Pair: "BTC/USDT", Entry: d("100"), Stop: d("98")}); rej != nil {
		t.Fatalf("cooldowns should have expired, got %s", rej)
	}
}

func TestExposureCapGate(t *testing.T) {
	now := tradingHour
	m := newTestManager(&now)

	// existing open position with 4900 notional of the 5000 cap
	if !m.RegisterPosition(openTrade("t1", "SOL/USDT", "uid-1", "49", "100")) {
		t.Fatalf("registration failed")
	}

	_, rej := m.Evaluate(Request{TenantID: "t1", Pair: "BTC/USDT", Entry: d("100"), Stop: d("98")})
	if rej == nil || rej.Code != RejectExposure {
		t.Fatalf("expected exposure rejection, got %v", rej)
	}
}

func TestDuplicatePairRejected(t *testing.T) {
	now := tradingHour
	m := newTestManager(&now)

	m.RegisterPosition(openTrade("t1", "BTC/USDT", "uid-1", "0.1", "100"))

	_, rej := m.Evaluate(Request{TenantID: "t1", Pair: "BTC/USDT", Entry: d("100"), Stop: d("98")})
	if rej == nil || rej.Code != RejectDuplicate {
		t.Fatalf("expected duplicate rejection, got %v", rej)
	}
}

func TestCorrelationCapGate(t *testing.T) {
	now := tradingHour
	m := newTestManager(&now)

	m.RegisterPosition(openTrade("t1", "ETH/USDT", "uid-1", "1", "100"))

	// BTC/USDT shares the "majors" group, cap is 1
	_, rej := m.Evaluate(Request{TenantID: "t1", Pair: "BTC/USDT", Entry: d("100"), Stop: d("98")})
	if rej == nil || rej.Code != RejectCorrelation {
		t.Fatalf("expected correlation rejection, got %v", rej)
	}

	// a pair outside the group is unaffected
	if _, rej := m.Evaluate(Request{TenantID: "t1", Pair: "SOL/USDT", Entry: d("100"), Stop: d("90")}); rej != nil {
		t.Fatalf("uncorrelated pair must pass, got %s", rej)
	}
}

func TestRegistrationIdempotentByUID(t *testing.T) {
	now := tradingHour
	m := newTestManager(&now)

	trade := openTrade("t1", "BTC/USDT", "uid-1", "0.1", "100")
	if !m.RegisterPosition(trade) {
		t.Fatalf("first registration failed")
	}
	if !m.RegisterPosition(trade) {
		t.Fatalf("re-registration of the same UID must be idempotent")
	}
	if m.RegisterPosition(openTrade("t1", "BTC/USDT", "uid-2", "0.1", "100")) {
		t.Fatalf("a different UID for the same pair must be refused")
	}

	m.ReleasePosition("t1", "uid-1")
	if m.HasOpen("t1", "BTC/USDT") {
		t.Fatalf("release must clear the pair slot")
	}
	m.ReleasePosition("t1", "uid-1") // second release is a no-op
}

func TestDrawdownScalesSizeDown(t *testing.T) {
	now := tradingHour
	m := newTestManager(&now)

	baseline, rej := m.Evaluate(Request{TenantID: "t1", Pair: "BTC/USDT", Entry: d("100"), Stop: d("98")})
	if rej != nil {
		t.Fatalf("unexpected rejection: %s", rej)
	}

	// 10% drawdown: half way to the 20% threshold
	trade := openTrade("t1", "XRP/USDT", "uid", "1", "100")
	trade.RealizedPnL = d("-1000")
	m.RecordClose(trade)
	now = now.Add(20 * time.Minute).Add(24 * time.Hour) // clear cooldown and daily loss

	scaled, rej := m.Evaluate(Request{TenantID: "t1", Pair: "BTC/USDT", Entry: d("100"), Stop: d("98")})
	if rej != nil {
		t.Fatalf("unexpected rejection: %s", rej)
	}
	if !scaled.Quantity.LessThan(baseline.Quantity) {
		t.Fatalf("drawdown must shrink size: baseline=%s scaled=%s", baseline.Quantity, scaled.Quantity)
	}
	if !scaled.Meta.DrawdownFactor.LessThan(d("1")) {
		t.Fatalf("expected drawdown factor < 1, got %s", scaled.Meta.DrawdownFactor)
	}
}

func TestKellyCapAppliedWithHistory(t *testing.T) {
	now := tradingHour
	m := newTestManager(&now)

	// 55% win rate with 0.85:1 payoff: full Kelly ~0.021, quarter Kelly
	// ~0.0052 — below the 1% per-trade risk, so the cap binds.
	for i := 0; i < 20; i++ {
		trade := openTrade("t1", "XRP/USDT", "uid", "1", "100")
		if i < 11 {
			trade.RealizedPnL = d("8.5")
		} else {
			trade.RealizedPnL = d("-10")
		}
		m.RecordClose(trade)
		now = now.Add(20 * time.Minute)
	}

	dec, rej := m.Evaluate(Request{TenantID: "t1", Pair: "BTC/USDT", Entry: d("100"), Stop: d("98")})
	if rej != nil {
		t.Fatalf("unexpected rejection: %s", rej)
	}
	if !dec.Meta.KellyApplied {
		t.Fatalf("expected Kelly cap applied, meta=%+v", dec.Meta)
	}
	if !dec.Meta.RiskFraction.LessThan(d("0.01")) {
		t.Fatalf("expected risk fraction below per-trade risk, got %s", dec.Meta.RiskFraction)
	}
}

type stubStore struct {
	trades map[string][]model.Trade
	closed map[string][]model.Trade
}

func (s *stubStore) FindOpenByTenant(ctx context.Context, tenantID string) ([]model.Trade, error) {
	return s.trades[tenantID], nil
}

func (s *stubStore) FindClosedByTenant(ctx context.Context, tenantID string, limit int) ([]model.Trade, error) {
	return s.closed[tenantID], nil
}

func (s *stubStore) OpenTenants(ctx context.Context) ([]string, error) {
	var out []string
	for k := range s.trades {
		out = append(out, k)
	}
	return out, nil
}

func closedTrade(tenant, pair, uid, pnl string, closedAt time.Time) model.Trade {
	trade := openTrade(tenant, pair, uid, "1", "100")
	trade.Status = model.TradeStatusClosed
	trade.RealizedPnL = d(pnl)
	trade.ClosedAt = &closedAt
	return *trade
}

func TestRebuildFromStoreIsAuthoritative(t *testing.T) {
	now := tradingHour
	m := newTestManager(&now)

	// registry has a phantom entry the store does not know about
	m.RegisterPosition(openTrade("t1", "DOGE/USDT", "phantom", "1", "1"))

	store := &stubStore{trades: map[string][]model.Trade{
		"t1": {*openTrade("t1", "BTC/USDT", "uid-1", "0.1", "100")},
	}}
	if err := m.RebuildFromStore(context.Background(), store, []string{"t1"}); err != nil {
		t.Fatalf("rebuild failed: %v", err)
	}

	if m.HasOpen("t1", "DOGE/USDT") {
		t.Fatalf("phantom registry entry must be dropped, store is authoritative")
	}
	if !m.HasOpen("t1", "BTC/USDT") {
		t.Fatalf("store position must be registered")
	}
}

func TestRebuildRestoresCloseHistory(t *testing.T) {
	now := tradingHour
	m := newTestManager(&now)

	// two same-day losses, the second one minute ago: bankroll, daily PnL,
	// the loss streak and the live cooldown must all survive a restart
	store := &stubStore{closed: map[string][]model.Trade{
		"t1": { // newest first, as the repository returns them
			closedTrade("t1", "ETH/USDT", "uid-2", "-200", now.Add(-time.Minute)),
			closedTrade("t1", "BTC/USDT", "uid-1", "-100", now.Add(-2*time.Hour)),
		},
	}}
	if err := m.RebuildFromStore(context.Background(), store, []string{"t1"}); err != nil {
		t.Fatalf("rebuild failed: %v", err)
	}

	stats := m.TenantStats("t1")
	if !stats.Bankroll.Equal(d("9700")) {
		t.Fatalf("expected bankroll 9700 after replay, got %s", stats.Bankroll)
	}
	if !stats.DailyPnL.Equal(d("-300")) {
		t.Fatalf("expected daily PnL -300, got %s", stats.DailyPnL)
	}
	if stats.LossStreak != 2 {
		t.Fatalf("expected loss streak 2, got %d", stats.LossStreak)
	}
	if stats.SampleSize != 2 {
		t.Fatalf("expected 2 replayed outcomes, got %d", stats.SampleSize)
	}

	// the 15m cooldown from the one-minute-old loss is still running
	_, rej := m.Evaluate(Request{TenantID: "t1", Pair: "SOL/USDT", Entry: d("100"), Stop: d("98")})
	if rej == nil || rej.Code != RejectCooldownGlobal {
		t.Fatalf("expected the replayed loss cooldown to gate, got %v", rej)
	}
}

func TestRebuildOldLossLeavesNoCooldown(t *testing.T) {
	now := tradingHour
	m := newTestManager(&now)

	yesterday := now.Add(-25 * time.Hour)
	store := &stubStore{closed: map[string][]model.Trade{
		"t1": {closedTrade("t1", "BTC/USDT", "uid-1", "-100", yesterday)},
	}}
	if err := m.RebuildFromStore(context.Background(), store, []string{"t1"}); err != nil {
		t.Fatalf("rebuild failed: %v", err)
	}

	stats := m.TenantStats("t1")
	if !stats.DailyPnL.IsZero() {
		t.Fatalf("yesterday's loss must not count toward today's PnL, got %s", stats.DailyPnL)
	}
	if _, rej := m.Evaluate(Request{TenantID: "t1", Pair: "SOL/USDT", Entry: d("100"), Stop: d("98")}); rej != nil {
		t.Fatalf("expired cooldowns must not gate after rebuild, got %s", rej)
	}
}
