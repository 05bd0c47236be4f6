package risk

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"

	"tradepilot/src/config"
	"tradepilot/src/model"
)

// RejectionCode identifies which gate blocked a candidate trade.
type RejectionCode string

const (
	RejectDailyLoss      RejectionCode = "daily_loss_limit"
	RejectRuin           RejectionCode = "risk_of_ruin"
	RejectExposure       RejectionCode = "exposure_cap"
	RejectCorrelation    RejectionCode = "correlation_cap"
	RejectCooldownGlobal RejectionCode = "cooldown_global"
	RejectCooldownPair   RejectionCode = "cooldown_pair"
	RejectDuplicate      RejectionCode = "duplicate_position"
	RejectQuietHours     RejectionCode = "quiet_hours"
	RejectMinSize        RejectionCode = "below_min_size"
)

// Rejection is a structured gate failure so callers can log why a candidate
// trade was skipped, never a bare boolean.
type Rejection struct {
	Code   RejectionCode
	Reason string
}

func (r *Rejection) String() string {
	return string(r.Code) + ": " + r.Reason
}

// Request is a prospective trade to size.
type Request struct {
	TenantID   string
	Pair       string
	Side       string
	Entry      decimal.Decimal
	Stop       decimal.Decimal
	Confidence float64
	VoteCount  int
}

// Decision is an approved size with its full sizing rationale.
type Decision struct {
	Quantity decimal.Decimal
	Notional decimal.Decimal
	Meta     model.SizingMeta
}

type outcome struct {
	pnl    decimal.Decimal
	win    bool
	closed time.Time
}

type tenantState struct {
	bankroll     decimal.Decimal
	hwm          decimal.Decimal // equity high-water mark
	day          time.Time       // UTC date dailyPnL belongs to
	dailyPnL     decimal.Decimal
	history      []outcome // bounded ring for Kelly / risk-of-ruin stats
	lossStreak   int
	cooldownTill time.Time
	pairCooldown map[string]time.Time
	positions    map[string]*model.Trade // pair -> open trade
	uidToPair    map[string]string
}

const maxHistory = 200

// Manager decides how much (or whether at all) to risk and tracks each
// tenant's live risk posture. The in-memory position registry is a cache of
// the persisted store and is rebuilt from it on startup.
type Manager struct {
	cfg     config.Risk
	session SessionConfig

	mu      sync.Mutex
	tenants map[string]*tenantState
	now     func() time.Time
}

func NewManager(cfg config.Risk, session SessionConfig) *Manager {
	return &Manager{
		cfg:     cfg,
		session: session,
		tenants: map[string]*tenantState{},
		now:     time.Now,
	}
}

func (m *Manager) tenant(id string) *tenantState {
	t, ok := m.tenants[id]
	if !ok {
		bankroll := decimal.NewFromFloat(m.cfg.Bankroll)
		t = &tenantState{
			bankroll:     bankroll,
			hwm:          bankroll,
			day:          m.now().UTC().Truncate(24 * time.Hour),
			pairCooldown: map[string]time.Time{},
			positions:    map[string]*model.Trade{},
			uidToPair:    map[string]string{},
		}
		m.tenants[id] = t
	}
	return t
}

func (t *tenantState) rollDay(now time.Time) {
	day := now.UTC().Truncate(24 * time.Hour)
	if day.After(t.day) {
		t.day = day
		t.dailyPnL = decimal.Zero
	}
}

// Evaluate runs every gate and, when all pass, produces a sized decision.
// Gate order: quiet hours, duplicate, cooldowns, daily loss, risk of ruin,
// correlation, then sizing and the exposure check on the resulting notional.
func (m *Manager) Evaluate(req Request) (*Decision, *Rejection) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	t := m.tenant(req.TenantID)
	t.rollDay(now)

	sessionFactor, session := SessionFactor(now, m.session)
	if session == SessionQuiet || sessionFactor.IsZero() {
		return nil, &Rejection{Code: RejectQuietHours, Reason: "inside quiet-hours window"}
	}

	if _, open := t.positions[req.Pair]; open {
		return nil, &Rejection{Code: RejectDuplicate, Reason: "position already open for pair"}
	}

	if now.Before(t.cooldownTill) {
		return nil, &Rejection{Code: RejectCooldownGlobal, Reason: "global loss cooldown active until " + t.cooldownTill.Format(time.RFC3339)}
	}
	if till, ok := t.pairCooldown[req.Pair]; ok && now.Before(till) {
		return nil, &Rejection{Code: RejectCooldownPair, Reason: "pair cooldown active until " + till.Format(time.RFC3339)}
	}

	lossLimit := t.bankroll.Mul(decimal.NewFromFloat(m.cfg.DailyLossLimit)).Neg()
	if t.dailyPnL.LessThanOrEqual(lossLimit) {
		return nil, &Rejection{Code: RejectDailyLoss, Reason: "daily loss limit breached: " + t.dailyPnL.StringFixed(2)}
	}

	// Risk of ruin is undefined below the minimum sample size and never
	// gates trading on that basis alone.
	if ror := t.riskOfRuin(m.cfg); ror > m.cfg.RuinThreshold {
		return nil, &Rejection{Code: RejectRuin, Reason: "risk of ruin above threshold"}
	}

	if rej := m.checkCorrelation(t, req.Pair); rej != nil {
		return nil, rej
	}

	dec, rej := m.size(t, req, sessionFactor, session)
	if rej != nil {
		return nil, rej
	}

	openNotional := decimal.Zero
	for _, p := range t.positions {
		openNotional = openNotional.Add(p.Notional())
	}
	exposureCap := t.bankroll.Mul(decimal.NewFromFloat(m.cfg.ExposureCap))
	if openNotional.Add(dec.Notional).GreaterThan(exposureCap) {
		return nil, &Rejection{Code: RejectExposure, Reason: "aggregate exposure would exceed cap " + exposureCap.StringFixed(2)}
	}

	return dec, nil
}

func (m *Manager) checkCorrelation(t *tenantState, pair string) *Rejection {
	group := config.GroupForPair(m.cfg.CorrelationGroups, pair)
	if group == "" {
		return nil
	}
	count := 0
	for open := range t.positions {
		if config.GroupForPair(m.cfg.CorrelationGroups, open) == group {
			count++
		}
	}
	if count >= m.cfg.CorrelationCap {
		return &Rejection{Code: RejectCorrelation, Reason: "correlated group " + group + " at concurrency cap"}
	}
	return nil
}

// size computes fixed-fractional quantity from the stop distance, capped by
// quarter-Kelly (configurable) when enough history exists, the absolute
// notional cap, and scaled down by drawdown and session factors.
func (m *Manager) size(t *tenantState, req Request, sessionFactor decimal.Decimal, session Session) (*Decision, *Rejection) {
	stopDist := req.Entry.Sub(req.Stop).Abs()
	if stopDist.IsZero() || !req.Entry.IsPositive() {
		return nil, &Rejection{Code: RejectMinSize, Reason: "entry and stop must define a positive stop distance"}
	}

	riskFraction := decimal.NewFromFloat(m.cfg.PerTradeRisk)
	kellyApplied := false
	kellyCap := decimal.Zero
	if f, ok := t.kellyFraction(m.cfg); ok {
		kellyCap = decimal.NewFromFloat(f * m.cfg.KellyFraction)
		if kellyCap.IsPositive() && kellyCap.LessThan(riskFraction) {
			riskFraction = kellyCap
			kellyApplied = true
		}
	}

	ddFactor := t.drawdownFactor(m.cfg)
	riskAmount := t.bankroll.Mul(riskFraction).Mul(ddFactor).Mul(sessionFactor)
	qty := riskAmount.Div(stopDist)
	notional := qty.Mul(req.Entry)

	maxNotional := decimal.NewFromFloat(m.cfg.MaxNotional)
	if notional.GreaterThan(maxNotional) {
		qty = maxNotional.Div(req.Entry)
		notional = maxNotional
	}

	if !qty.IsPositive() {
		return nil, &Rejection{Code: RejectMinSize, Reason: "computed quantity is zero"}
	}

	return &Decision{
		Quantity: qty,
		Notional: notional,
		Meta: model.SizingMeta{
			Bankroll:        t.bankroll,
			RiskFraction:    riskFraction,
			StopDistance:    stopDist,
			KellyCap:        kellyCap,
			KellyApplied:    kellyApplied,
			DrawdownFactor:  ddFactor,
			SessionFactor:   sessionFactor,
			Session:         string(session),
			PlannedStop:     req.Stop,
			Confidence:      req.Confidence,
			StrategiesAgree: req.VoteCount,
		},
	}, nil
}

// kellyFraction returns the full-Kelly fraction from the tenant's history.
// ok is false below the minimum sample size.
func (t *tenantState) kellyFraction(cfg config.Risk) (float64, bool) {
	if len(t.history) < cfg.MinSampleSize {
		return 0, false
	}
	wins, losses := 0, 0
	winSum, lossSum := decimal.Zero, decimal.Zero
	for _, o := range t.history {
		if o.win {
			wins++
			winSum = winSum.Add(o.pnl)
		} else {
			losses++
			lossSum = lossSum.Add(o.pnl.Abs())
		}
	}
	if wins == 0 || losses == 0 {
		return 0, false
	}
	w := float64(wins) / float64(len(t.history))
	avgWin := winSum.InexactFloat64() / float64(wins)
	avgLoss := lossSum.InexactFloat64() / float64(losses)
	if avgLoss == 0 {
		return 0, false
	}
	r := avgWin / avgLoss
	f := w - (1-w)/r
	if f <= 0 {
		return 0, false
	}
	return f, true
}

// riskOfRuin estimates the probability of depleting the bankroll under
// current win-rate and per-trade risk. Zero below the minimum sample size.
func (t *tenantState) riskOfRuin(cfg config.Risk) float64 {
	if len(t.history) < cfg.MinSampleSize {
		return 0
	}
	wins := 0
	for _, o := range t.history {
		if o.win {
			wins++
		}
	}
	w := float64(wins) / float64(len(t.history))
	edge := 2*w - 1
	if edge <= 0 {
		return 1
	}
	units := 1.0 / cfg.PerTradeRisk // bankroll measured in risk units
	return math.Pow((1-edge)/(1+edge), units)
}

// drawdownFactor shrinks linearly from 1 toward the floor as drawdown from
// the equity high-water mark approaches the configured threshold.
func (t *tenantState) drawdownFactor(cfg config.Risk) decimal.Decimal {
	if !t.hwm.IsPositive() {
		return decimal.NewFromInt(1)
	}
	dd := t.hwm.Sub(t.bankroll).Div(t.hwm).InexactFloat64()
	if dd <= 0 {
		return decimal.NewFromInt(1)
	}
	floor := cfg.DrawdownFloor
	if dd >= cfg.DrawdownThreshold {
		return decimal.NewFromFloat(floor)
	}
	factor := 1 - dd/cfg.DrawdownThreshold*(1-floor)
	return decimal.NewFromFloat(factor)
}

// RegisterPosition adds a trade to the in-memory registry. Registration is
// idempotent by trade UID; a second open position for the same (tenant,
// pair) under a different UID is refused.
func (m *Manager) RegisterPosition(trade *model.Trade) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := m.tenant(trade.TenantID)
	if pair, ok := t.uidToPair[trade.UID]; ok && pair == trade.Pair {
		t.positions[trade.Pair] = trade
		return true
	}
	if existing, ok := t.positions[trade.Pair]; ok && existing.UID != trade.UID {
		logger.WithFields(map[string]interface{}{
			"tenant": trade.TenantID, "pair": trade.Pair,
			"existing_uid": existing.UID, "new_uid": trade.UID,
		}).Error("refusing duplicate position registration")
		return false
	}
	t.positions[trade.Pair] = trade
	t.uidToPair[trade.UID] = trade.Pair
	return true
}

// ReleasePosition removes a trade from the registry by UID. Safe to call
// twice.
func (m *Manager) ReleasePosition(tenantID, uid string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := m.tenant(tenantID)
	pair, ok := t.uidToPair[uid]
	if !ok {
		return
	}
	delete(t.uidToPair, uid)
	if p, ok := t.positions[pair]; ok && p.UID == uid {
		delete(t.positions, pair)
	}
}

// HasOpen reports whether the tenant has an open position for the pair.
func (m *Manager) HasOpen(tenantID, pair string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.tenant(tenantID).positions[pair]
	return ok
}

// OpenPositions returns the registry entries for a tenant.
func (m *Manager) OpenPositions(tenantID string) []*model.Trade {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tenant(tenantID)
	out := make([]*model.Trade, 0, len(t.positions))
	for _, p := range t.positions {
		out = append(out, p)
	}
	return out
}

// RecordClose folds a closed trade into the tenant's risk posture: bankroll,
// daily PnL, Kelly/RoR history, drawdown mark, loss streak and cooldowns.
func (m *Manager) RecordClose(trade *model.Trade) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	t := m.tenant(trade.TenantID)
	t.rollDay(now)

	pnl := trade.RealizedPnL
	t.bankroll = t.bankroll.Add(pnl)
	t.dailyPnL = t.dailyPnL.Add(pnl)
	if t.bankroll.GreaterThan(t.hwm) {
		t.hwm = t.bankroll
	}

	win := pnl.IsPositive()
	t.history = append(t.history, outcome{pnl: pnl, win: win, closed: now})
	if len(t.history) > maxHistory {
		t.history = t.history[len(t.history)-maxHistory:]
	}

	if win {
		t.lossStreak = 0
	} else {
		t.lossStreak++
		t.cooldownTill = now.Add(m.cfg.LossCooldown)
		t.pairCooldown[trade.Pair] = now.Add(m.cfg.PairCooldown)
	}

	logger.WithFields(map[string]interface{}{
		"tenant":      trade.TenantID,
		"pair":        trade.Pair,
		"pnl":         pnl.StringFixed(2),
		"bankroll":    t.bankroll.StringFixed(2),
		"loss_streak": t.lossStreak,
	}).Info("trade close recorded")
}

// Stats is a read-only snapshot of a tenant's risk posture.
type Stats struct {
	Bankroll   decimal.Decimal
	DailyPnL   decimal.Decimal
	Drawdown   float64
	WinRate    float64
	LossStreak int
	RiskOfRuin float64
	OpenCount  int
	SampleSize int
}

func (m *Manager) TenantStats(tenantID string) Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := m.tenant(tenantID)
	wins := 0
	for _, o := range t.history {
		if o.win {
			wins++
		}
	}
	winRate := 0.0
	if len(t.history) > 0 {
		winRate = float64(wins) / float64(len(t.history))
	}
	dd := 0.0
	if t.hwm.IsPositive() {
		dd = t.hwm.Sub(t.bankroll).Div(t.hwm).InexactFloat64()
		if dd < 0 {
			dd = 0
		}
	}
	return Stats{
		Bankroll:   t.bankroll,
		DailyPnL:   t.dailyPnL,
		Drawdown:   dd,
		WinRate:    winRate,
		LossStreak: t.lossStreak,
		RiskOfRuin: t.riskOfRuin(m.cfg),
		OpenCount:  len(t.positions),
		SampleSize: len(t.history),
	}
}

// tradeHistoryStore is the slice of the persistence contract the rebuild
// needs: open positions for the registry, closed trades for the
// performance history.
type tradeHistoryStore interface {
	FindOpenByTenant(ctx context.Context, tenantID string) ([]model.Trade, error)
	FindClosedByTenant(ctx context.Context, tenantID string, limit int) ([]model.Trade, error)
	OpenTenants(ctx context.Context) ([]string, error)
}

// RebuildFromStore replaces the in-memory state with the persisted view:
// the position registry from open trades, and bankroll, daily PnL, streaks
// and cooldowns replayed from the closed-trade history. The store is
// authoritative: registry entries not present there are dropped. Called at
// startup so a restart does not reset the tenant's risk posture.
//
// tenants is the configured tenant list; tenants that only exist in the
// store (open trades left by a removed configuration) are rebuilt too.
func (m *Manager) RebuildFromStore(ctx context.Context, store tradeHistoryStore, tenants []string) error {
	open, err := store.OpenTenants(ctx)
	if err != nil {
		return err
	}
	seen := map[string]bool{}
	all := make([]string, 0, len(tenants)+len(open))
	for _, id := range append(append([]string{}, tenants...), open...) {
		if seen[id] {
			continue
		}
		seen[id] = true
		all = append(all, id)
	}

	for _, tenantID := range all {
		trades, err := store.FindOpenByTenant(ctx, tenantID)
		if err != nil {
			return err
		}
		closed, err := store.FindClosedByTenant(ctx, tenantID, maxHistory)
		if err != nil {
			return err
		}

		m.mu.Lock()
		t := m.tenant(tenantID)
		t.positions = map[string]*model.Trade{}
		t.uidToPair = map[string]string{}
		for i := range trades {
			trade := trades[i]
			t.positions[trade.Pair] = &trade
			t.uidToPair[trade.UID] = trade.Pair
		}
		t.replayClosed(closed, m.cfg, m.now())
		m.mu.Unlock()

		logger.WithFields(map[string]interface{}{
			"tenant":         tenantID,
			"open_positions": len(trades),
			"closed_trades":  len(closed),
		}).Info("risk state rebuilt from store")
	}
	return nil
}

// replayClosed folds the persisted close history into the tenant state,
// oldest first; the store returns newest first. The history window is
// bounded, so the rebuilt bankroll is exact while fewer than maxHistory
// trades exist and a close approximation after that.
func (t *tenantState) replayClosed(trades []model.Trade, cfg config.Risk, now time.Time) {
	bankroll := decimal.NewFromFloat(cfg.Bankroll)
	t.bankroll = bankroll
	t.hwm = bankroll
	t.day = now.UTC().Truncate(24 * time.Hour)
	t.dailyPnL = decimal.Zero
	t.history = nil
	t.lossStreak = 0
	t.cooldownTill = time.Time{}
	t.pairCooldown = map[string]time.Time{}

	for i := len(trades) - 1; i >= 0; i-- {
		trade := trades[i]
		if trade.ClosedAt == nil {
			continue
		}
		closedAt := *trade.ClosedAt
		pnl := trade.RealizedPnL

		t.bankroll = t.bankroll.Add(pnl)
		if t.bankroll.GreaterThan(t.hwm) {
			t.hwm = t.bankroll
		}
		if closedAt.UTC().Truncate(24 * time.Hour).Equal(t.day) {
			t.dailyPnL = t.dailyPnL.Add(pnl)
		}

		win := pnl.IsPositive()
		t.history = append(t.history, outcome{pnl: pnl, win: win, closed: closedAt})
		if win {
			t.lossStreak = 0
			continue
		}
		t.lossStreak++
		if till := closedAt.Add(cfg.LossCooldown); till.After(t.cooldownTill) {
			t.cooldownTill = till
		}
		t.pairCooldown[trade.Pair] = closedAt.Add(cfg.PairCooldown)
	}

	if len(t.history) > maxHistory {
		t.history = t.history[len(t.history)-maxHistory:]
	}
}
