package executor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tradepilot/src/config"
	"tradepilot/src/confluence"
	"tradepilot/src/connectors"
	"tradepilot/src/model"
	"tradepilot/src/risk"
	"tradepilot/src/strategies"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

type stubData struct {
	mu     sync.Mutex
	price  map[string]decimal.Decimal
	bars   map[string][]model.Bar
	stale  map[string]bool
	spread map[string]decimal.Decimal
}

func newStubData() *stubData {
	return &stubData{
		price:  map[string]decimal.Decimal{},
		bars:   map[string][]model.Bar{},
		stale:  map[string]bool{},
		spread: map[string]decimal.Decimal{},
	}
}

func (s *stubData) setPrice(pair, price string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.price[pair] = d(price)
}

func (s *stubData) ClosedBars(pair string) []model.Bar {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bars[pair]
}

func (s *stubData) LastPrice(pair string) (decimal.Decimal, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.price[pair]
	return p, ok
}

func (s *stubData) IsStale(pair string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stale[pair]
}

func (s *stubData) Spread(pair string) (decimal.Decimal, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sp, ok := s.spread[pair]
	return sp, ok
}

type memStore struct {
	mu     sync.Mutex
	trades map[string]*model.Trade
}

func newMemStore() *memStore {
	return &memStore{trades: map[string]*model.Trade{}}
}

func (s *memStore) Create(ctx context.Context, trade *model.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *trade
	s.trades[trade.UID] = &copied
	return nil
}

func (s *memStore) Save(ctx context.Context, trade *model.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *trade
	s.trades[trade.UID] = &copied
	return nil
}

func (s *memStore) FindOpenByTenant(ctx context.Context, tenantID string) ([]model.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Trade
	for _, t := range s.trades {
		if t.TenantID == tenantID && model.IsOpenStatus(t.Status) {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (s *memStore) status(uid string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.trades[uid]; ok {
		return t.Status
	}
	return ""
}

type stubRisk struct {
	mu         sync.Mutex
	qty        decimal.Decimal
	reject     *risk.Rejection
	registered []string
	released   []string
	closed     []string
	open       []*model.Trade
}

func (r *stubRisk) Evaluate(req risk.Request) (*risk.Decision, *risk.Rejection) {
	if r.reject != nil {
		return nil, r.reject
	}
	return &risk.Decision{Quantity: r.qty, Notional: r.qty.Mul(req.Entry)}, nil
}

func (r *stubRisk) RegisterPosition(trade *model.Trade) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registered = append(r.registered, trade.UID)
	r.open = append(r.open, trade)
	return true
}

func (r *stubRisk) ReleasePosition(tenantID, uid string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.released = append(r.released, uid)
	kept := r.open[:0]
	for _, t := range r.open {
		if t.UID != uid {
			kept = append(kept, t)
		}
	}
	r.open = kept
}

func (r *stubRisk) RecordClose(trade *model.Trade) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = append(r.closed, trade.UID)
}

func (r *stubRisk) OpenPositions(tenantID string) []*model.Trade {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*model.Trade, len(r.open))
	copy(out, r.open)
	return out
}

func (r *stubRisk) holds(uid string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.open {
		if t.UID == uid {
			return true
		}
	}
	return false
}

// fakeExchange scripts order placement outcomes per call.
type fakeExchange struct {
	mu         sync.Mutex
	placeErrs  []error // consumed per PlaceOrder call; nil entry = success
	placeCalls int
	fillPrice  decimal.Decimal
	positions  []connectors.Position
}

func (f *fakeExchange) Name() string { return "fake" }

func (f *fakeExchange) PlaceOrder(ctx context.Context, req connectors.OrderRequest) (*connectors.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	call := f.placeCalls
	f.placeCalls++
	if call < len(f.placeErrs) && f.placeErrs[call] != nil {
		return nil, f.placeErrs[call]
	}
	price := f.fillPrice
	if price.IsZero() {
		price = req.Price
	}
	return &connectors.OrderResult{
		OrderID:   "ord-" + req.Pair,
		Status:    connectors.OrderStatusFilled,
		FillPrice: price,
		FillQty:   req.Quantity,
	}, nil
}

func (f *fakeExchange) CancelOrder(ctx context.Context, pair, orderID string) error { return nil }

func (f *fakeExchange) GetOpenOrders(ctx context.Context, pair string) ([]connectors.OpenOrder, error) {
	return nil, nil
}

func (f *fakeExchange) GetOrderStatus(ctx context.Context, pair, orderID string) (*connectors.OrderResult, error) {
	return &connectors.OrderResult{OrderID: orderID, Status: connectors.OrderStatusFilled}, nil
}

func (f *fakeExchange) GetBalance(ctx context.Context, currency string) (*connectors.Balance, error) {
	return &connectors.Balance{Currency: currency}, nil
}

func (f *fakeExchange) GetOpenPositions(ctx context.Context) ([]connectors.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.positions, nil
}

func testConfig() config.Execution {
	return config.Execution{
		Paper:             true,
		SignalMaxAge:      90 * time.Second,
		SignalDecayWindow: 30 * time.Second,
		LimitChaseCount:   3,
		ChaseWaitTimeout:  10 * time.Millisecond,
		MarketFallback:    true,
		ExitRetries:       3,
		ExitBackoff:       time.Millisecond,
		ATRPeriod:         14,
		StopATRMult:       1.5,
		TargetATRMult:     3.0,
		MinStopDistPct:    0.005,
		TrailActivatePct:  0.015,
		TrailStepPct:      0.005,
		TrailAccelPct:     0.10,
		TrailAccelMult:    2.0,
		BreakevenPct:      0.01,
		SmartExitTiers:    2,
	}
}

func testTrading() config.Trading {
	return config.Trading{SpreadFilter: false, MaxSpreadPct: 0.15}
}

func newTestExecutor(data *stubData, ex connectors.ExchangeConnector, store *memStore, r *stubRisk) *Executor {
	return New(testConfig(), testTrading(), ex, data, r, store, nil)
}

func signal(pair string, generated time.Time) *confluence.Result {
	return &confluence.Result{
		Pair:        pair,
		Direction:   strategies.Long,
		Confidence:  0.75,
		VoteCount:   3,
		GeneratedAt: generated,
	}
}

func TestEntryOpensPosition(t *testing.T) {
	data := newStubData()
	data.setPrice("BTC/USDT", "100")
	store := newMemStore()
	riskStub := &stubRisk{qty: d("10")}
	exec := newTestExecutor(data, &fakeExchange{fillPrice: d("100")}, store, riskStub)

	trade, reason, err := exec.OpenFromSignal(context.Background(), "alpha", signal("BTC/USDT", time.Now()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reason != "" {
		t.Fatalf("unexpected skip reason: %s", reason)
	}
	if trade.Status != model.TradeStatusOpen {
		t.Fatalf("expected open, got %s", trade.Status)
	}
	if !trade.EntryPrice.Equal(d("100")) {
		t.Fatalf("expected entry at 100, got %s", trade.EntryPrice)
	}
	if len(riskStub.registered) != 1 {
		t.Fatalf("position must be registered with risk manager")
	}
}

func TestEntryRejectsStaleData(t *testing.T) {
	data := newStubData()
	data.setPrice("BTC/USDT", "100")
	data.stale["BTC/USDT"] = true
	exec := newTestExecutor(data, &fakeExchange{}, newMemStore(), &stubRisk{qty: d("1")})

	trade, reason, err := exec.OpenFromSignal(context.Background(), "alpha", signal("BTC/USDT", time.Now()))
	if err != nil || trade != nil {
		t.Fatalf("stale data must skip without error, got trade=%v err=%v", trade, err)
	}
	if reason != "market data stale" {
		t.Fatalf("unexpected reason: %s", reason)
	}
}

func TestEntryDiscardsExpiredSignal(t *testing.T) {
	data := newStubData()
	data.setPrice("BTC/USDT", "100")
	exec := newTestExecutor(data, &fakeExchange{}, newMemStore(), &stubRisk{qty: d("1")})

	old := signal("BTC/USDT", time.Now().Add(-2*time.Minute))
	trade, reason, err := exec.OpenFromSignal(context.Background(), "alpha", old)
	if err != nil || trade != nil {
		t.Fatalf("expired signal must skip, got trade=%v err=%v", trade, err)
	}
	if reason != "signal past maximum age" {
		t.Fatalf("unexpected reason: %s", reason)
	}
}

func TestEntryHonorsRiskRejection(t *testing.T) {
	data := newStubData()
	data.setPrice("BTC/USDT", "100")
	riskStub := &stubRisk{reject: &risk.Rejection{Code: risk.RejectDuplicate, Reason: "position already open for pair"}}
	ex := &fakeExchange{}
	exec := newTestExecutor(data, ex, newMemStore(), riskStub)

	trade, reason, err := exec.OpenFromSignal(context.Background(), "alpha", signal("BTC/USDT", time.Now()))
	if err != nil || trade != nil {
		t.Fatalf("risk rejection must skip, got trade=%v err=%v", trade, err)
	}
	if reason == "" {
		t.Fatalf("expected structured rejection reason")
	}
	if ex.placeCalls != 0 {
		t.Fatalf("no exchange call may happen after a risk rejection")
	}
}

func TestTrailingStopRatchetsUpOnly(t *testing.T) {
	data := newStubData()
	store := newMemStore()
	exec := newTestExecutor(data, &fakeExchange{}, store, &stubRisk{qty: d("10")})

	trade := &model.Trade{
		UID: "t-c", TenantID: "alpha", Pair: "BTC/USDT", Side: model.SideLong,
		Quantity: d("10"), EntryPrice: d("100"),
		StopLoss: d("97.75"), TakeProfit: d("106"),
		Status: model.TradeStatusManaging,
	}
	store.Save(context.Background(), trade)

	// below activation: stop untouched
	data.setPrice("BTC/USDT", "101")
	if err := exec.ManagePosition(context.Background(), trade); err != nil {
		t.Fatalf("manage: %v", err)
	}
	if trade.Trailing.Activated {
		t.Fatalf("trail must not activate below threshold")
	}

	// 3% profit: trail active, stop ratchets to watermark minus step
	data.setPrice("BTC/USDT", "103")
	if err := exec.ManagePosition(context.Background(), trade); err != nil {
		t.Fatalf("manage: %v", err)
	}
	if !trade.Trailing.Activated {
		t.Fatalf("trail must activate at 3%% profit")
	}
	if trade.StopLoss.LessThan(d("102.48")) {
		t.Fatalf("stop must trail to at least 102.48, got %s", trade.StopLoss)
	}
	high := trade.StopLoss

	// pullback: stop never moves down
	data.setPrice("BTC/USDT", "102.6")
	if err := exec.ManagePosition(context.Background(), trade); err != nil {
		t.Fatalf("manage: %v", err)
	}
	if trade.StopLoss.LessThan(high) {
		t.Fatalf("stop moved down from %s to %s", high, trade.StopLoss)
	}
}

func TestBreakevenMove(t *testing.T) {
	data := newStubData()
	store := newMemStore()
	exec := newTestExecutor(data, &fakeExchange{}, store, &stubRisk{qty: d("10")})

	trade := &model.Trade{
		UID: "t-be", TenantID: "alpha", Pair: "ETH/USDT", Side: model.SideLong,
		Quantity: d("1"), EntryPrice: d("2000"),
		StopLoss: d("1950"), TakeProfit: d("2200"),
		Status: model.TradeStatusManaging,
	}
	store.Save(context.Background(), trade)

	// 1.2% profit clears the 1% breakeven threshold but not 1.5% activation
	data.setPrice("ETH/USDT", "2024")
	if err := exec.ManagePosition(context.Background(), trade); err != nil {
		t.Fatalf("manage: %v", err)
	}
	if !trade.Trailing.BreakevenSet {
		t.Fatalf("breakeven flag must be set")
	}
	if !trade.StopLoss.Equal(d("2000")) {
		t.Fatalf("stop must move to entry, got %s", trade.StopLoss)
	}
}

func TestStopHitClosesPosition(t *testing.T) {
	data := newStubData()
	store := newMemStore()
	riskStub := &stubRisk{qty: d("10")}
	ex := &fakeExchange{fillPrice: d("97.7")}
	exec := newTestExecutor(data, ex, store, riskStub)

	trade := &model.Trade{
		UID: "t-sl", TenantID: "alpha", Pair: "BTC/USDT", Side: model.SideLong,
		Quantity: d("10"), EntryPrice: d("100"),
		StopLoss: d("97.75"), TakeProfit: d("106"),
		Status: model.TradeStatusManaging,
	}
	store.Save(context.Background(), trade)

	data.setPrice("BTC/USDT", "97.5")
	if err := exec.ManagePosition(context.Background(), trade); err != nil {
		t.Fatalf("manage: %v", err)
	}
	if trade.Status != model.TradeStatusClosed {
		t.Fatalf("expected closed on stop hit, got %s", trade.Status)
	}
	if trade.CloseReason != "stop_loss" {
		t.Fatalf("unexpected close reason %s", trade.CloseReason)
	}
	if len(riskStub.closed) != 1 {
		t.Fatalf("close must be recorded with the risk manager")
	}
}

func TestExitExhaustionKeepsPositionRegisteredUntilReconciled(t *testing.T) {
	data := newStubData()
	data.setPrice("BTC/USDT", "100")
	store := newMemStore()
	riskStub := &stubRisk{qty: d("10")}

	transient := connectors.Transient(connectors.CodeTimeout, "exchange down", nil)
	ex := &fakeExchange{
		placeErrs: []error{transient, transient, transient},
		positions: []connectors.Position{
			{Pair: "BTC/USDT", Side: "long", Quantity: d("10"), EntryPrice: d("100")},
		},
	}
	exec := newTestExecutor(data, ex, store, riskStub)

	trade := &model.Trade{
		UID: "t-d", TenantID: "alpha", Pair: "BTC/USDT", Side: model.SideLong,
		Quantity: d("10"), EntryPrice: d("100"),
		Status: model.TradeStatusManaging,
	}
	store.Save(context.Background(), trade)
	riskStub.RegisterPosition(trade)

	err := exec.Close(context.Background(), trade, "manual")
	if err == nil {
		t.Fatalf("exhausted exit must return an error")
	}
	if trade.Status != model.TradeStatusError {
		t.Fatalf("expected error status, got %s", trade.Status)
	}
	if ex.placeCalls != 3 {
		t.Fatalf("expected exactly 3 exit attempts, got %d", ex.placeCalls)
	}
	if len(riskStub.closed) != 0 {
		t.Fatalf("an errored exit must not be recorded as closed")
	}
	if !riskStub.holds("t-d") {
		t.Fatalf("errored position must stay registered while the exchange still holds it")
	}

	// the exchange still holds the position: reported as a ghost, kept
	// registered so exposure counts and same-pair entries stay blocked
	ghosts, err := exec.Reconcile(context.Background(), "alpha")
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(ghosts) != 1 {
		t.Fatalf("expected one ghost, got %d", len(ghosts))
	}
	if ghosts[0].LocalOpen || !ghosts[0].RemoteOpen {
		t.Fatalf("ghost should be exchange-open/local-flat, got %+v", ghosts[0])
	}
	if !riskStub.holds("t-d") {
		t.Fatalf("registration must survive reconciliation while the exchange is not flat")
	}

	// once the exchange reports flat, reconciliation frees the slot
	ex.mu.Lock()
	ex.positions = nil
	ex.mu.Unlock()
	if _, err := exec.Reconcile(context.Background(), "alpha"); err != nil {
		t.Fatalf("reconcile after flat: %v", err)
	}
	if riskStub.holds("t-d") {
		t.Fatalf("registration must be released once the exchange is flat")
	}
}

func TestPermanentErrorAbortsRetries(t *testing.T) {
	data := newStubData()
	store := newMemStore()
	permanent := connectors.Permanent(connectors.CodeAuthFailed, "key revoked", nil)
	ex := &fakeExchange{placeErrs: []error{permanent}}
	exec := newTestExecutor(data, ex, store, &stubRisk{qty: d("1")})

	trade := &model.Trade{
		UID: "t-p", TenantID: "alpha", Pair: "BTC/USDT", Side: model.SideLong,
		Quantity: d("1"), EntryPrice: d("100"),
		Status: model.TradeStatusManaging,
	}
	store.Save(context.Background(), trade)

	if err := exec.Close(context.Background(), trade, "manual"); err == nil {
		t.Fatalf("permanent error must surface")
	}
	if ex.placeCalls != 1 {
		t.Fatalf("permanent errors must not be retried, got %d calls", ex.placeCalls)
	}
	if trade.Status != model.TradeStatusError {
		t.Fatalf("expected error status, got %s", trade.Status)
	}
}

func TestCloseAllContinuesPastFailures(t *testing.T) {
	data := newStubData()
	store := newMemStore()
	riskStub := &stubRisk{qty: d("1")}

	for _, uid := range []string{"t-1", "t-2", "t-3"} {
		store.Save(context.Background(), &model.Trade{
			UID: uid, TenantID: "alpha", Pair: uid + "/USDT", Side: model.SideLong,
			Quantity: d("1"), EntryPrice: d("100"),
			Status: model.TradeStatusManaging,
		})
	}

	// iteration order over open positions is not deterministic, so the
	// failure is keyed by pair rather than by call count
	ex := &failByPairExchange{fail: "t-2/USDT"}
	exec := newTestExecutor(data, ex, store, riskStub)

	results, err := exec.CloseAll(context.Background(), "alpha", "operator")
	if err != nil {
		t.Fatalf("close-all: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}

	failures := 0
	for _, r := range results {
		if !r.Ok {
			failures++
			if r.Pair != "t-2/USDT" {
				t.Fatalf("wrong position failed: %+v", r)
			}
			if r.Error == "" {
				t.Fatalf("failure must carry a reason")
			}
		}
	}
	if failures != 1 {
		t.Fatalf("expected exactly one failure, got %d", failures)
	}

	if store.status("t-1") != model.TradeStatusClosed || store.status("t-3") != model.TradeStatusClosed {
		t.Fatalf("surviving positions must still close")
	}
	if store.status("t-2") != model.TradeStatusError {
		t.Fatalf("failed position must be error, got %s", store.status("t-2"))
	}
}

// failByPairExchange fills everything except one pair.
type failByPairExchange struct {
	fakeExchange
	fail string
}

func (f *failByPairExchange) PlaceOrder(ctx context.Context, req connectors.OrderRequest) (*connectors.OrderResult, error) {
	if req.Pair == f.fail {
		return nil, connectors.Transient(connectors.CodeServerError, "matching engine busy", nil)
	}
	return f.fakeExchange.PlaceOrder(ctx, req)
}
