package engine

import (
	"context"
	"sync"
	"time"

	logger "github.com/sirupsen/logrus"

	"tradepilot/src/config"
	"tradepilot/src/confluence"
	"tradepilot/src/executor"
	"tradepilot/src/marketdata"
	"tradepilot/src/model"
	"tradepilot/src/predictor"
	"tradepilot/src/risk"
)

const manageWorkers = 8

// tradeLister is the store slice the loops need.
type tradeLister interface {
	FindOpenByTenant(ctx context.Context, tenantID string) ([]model.Trade, error)
}

type auditPruner interface {
	PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Instance is one tenant's engine: the signal pipeline and the loops that
// drive it. Market data arrives through the shared MarketPump; everything
// else an instance owns is per-tenant.
type Instance struct {
	TenantID string

	settings config.Settings
	cache    *marketdata.Cache
	detector *confluence.Detector
	gate     *predictor.Gate
	risk     *risk.Manager
	exec     *executor.Executor
	health   *HealthMonitor
	store    tradeLister
	pruner   auditPruner

	// scan queue: pairs become eligible when their data updates; the set
	// deduplicates pairs queued multiple times within one cycle.
	scanMu  sync.Mutex
	pending map[string]struct{}
	kick    chan struct{}
}

type Deps struct {
	Settings config.Settings
	Health   config.Health
	Cache    *marketdata.Cache
	Detector *confluence.Detector
	Gate     *predictor.Gate
	Risk     *risk.Manager
	Executor *executor.Executor
	Store    tradeLister
	Pruner   auditPruner
}

func NewInstance(tenantID string, deps Deps) *Instance {
	return &Instance{
		TenantID: tenantID,
		settings: deps.Settings,
		cache:    deps.Cache,
		detector: deps.Detector,
		gate:     deps.Gate,
		risk:     deps.Risk,
		exec:     deps.Executor,
		health:   NewHealthMonitor(deps.Health),
		store:    deps.Store,
		pruner:   deps.Pruner,
		pending:  map[string]struct{}{},
		kick:     make(chan struct{}, 1),
	}
}

// Run starts every loop and blocks until the context is cancelled.
func (i *Instance) Run(ctx context.Context) error {
	log := logger.WithFields(map[string]interface{}{
		"component": "engine",
		"tenant":    i.TenantID,
	})

	if _, err := i.exec.Reconcile(ctx, i.TenantID); err != nil {
		log.WithError(err).Warn("startup reconciliation failed")
	}

	var wg sync.WaitGroup
	loops := []func(context.Context){
		i.scanLoop,
		i.manageLoop,
		i.healthLoop,
		i.cleanupLoop,
		i.reconcileLoop,
	}
	for _, loop := range loops {
		wg.Add(1)
		go func(run func(context.Context)) {
			defer wg.Done()
			run(ctx)
		}(loop)
	}

	log.WithField("pairs", len(i.settings.Trading.Pairs)).Info("engine started")
	wg.Wait()
	log.Info("engine stopped")
	return nil
}

// enqueue marks a pair eligible for the next scan cycle.
func (i *Instance) enqueue(pair string) {
	i.scanMu.Lock()
	i.pending[pair] = struct{}{}
	i.scanMu.Unlock()
	select {
	case i.kick <- struct{}{}:
	default:
	}
}

// drainQueue swaps the pending set out, giving one deduplicated batch.
func (i *Instance) drainQueue() []string {
	i.scanMu.Lock()
	defer i.scanMu.Unlock()
	if len(i.pending) == 0 {
		return nil
	}
	batch := make([]string, 0, len(i.pending))
	for pair := range i.pending {
		batch = append(batch, pair)
	}
	i.pending = map[string]struct{}{}
	return batch
}

// scanLoop is event-driven with a ticker fallback so pairs are scanned
// periodically even without data events.
func (i *Instance) scanLoop(ctx context.Context) {
	ticker := time.NewTicker(i.settings.Trading.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-i.kick:
		case <-ticker.C:
			for _, pair := range i.settings.Trading.Pairs {
				i.scanMu.Lock()
				i.pending[pair] = struct{}{}
				i.scanMu.Unlock()
			}
		}

		for _, pair := range i.drainQueue() {
			i.scanPair(ctx, pair)
		}
	}
}

// scanPair runs the full pipeline for one pair: confluence, predictor gate,
// then entry.
func (i *Instance) scanPair(ctx context.Context, pair string) {
	if paused, reason := i.health.Paused(); paused {
		logger.WithFields(map[string]interface{}{
			"component": "engine",
			"tenant":    i.TenantID,
			"pair":      pair,
			"reason":    reason,
		}).Debug("scan skipped, instance paused")
		return
	}

	sig, reason := i.detector.Evaluate(ctx, pair)
	if sig == nil {
		if reason != "" {
			logger.WithFields(map[string]interface{}{
				"component": "engine",
				"pair":      pair,
				"reason":    reason,
			}).Debug("no signal")
		}
		return
	}

	verdict := i.gate.Evaluate(i.features(pair, sig))
	if !verdict.Accept {
		logger.WithFields(map[string]interface{}{
			"component":  "engine",
			"pair":       pair,
			"source":     verdict.Source,
			"confidence": verdict.Confidence,
		}).Info("predictor gate vetoed signal")
		return
	}

	trade, skip, err := i.exec.OpenFromSignal(ctx, i.TenantID, sig)
	if err != nil {
		logger.WithError(err).WithField("pair", pair).Error("entry failed")
		return
	}
	if trade == nil {
		logger.WithFields(map[string]interface{}{
			"component": "engine",
			"pair":      pair,
			"reason":    skip,
		}).Info("entry skipped")
	}
}

func (i *Instance) features(pair string, sig *confluence.Result) predictor.Features {
	stats := i.risk.TenantStats(i.TenantID)

	spreadPct := 0.0
	if spread, ok := i.cache.Spread(pair); ok {
		if price, ok := i.cache.LastPrice(pair, i.settings.Trading.PrimaryTimeframe); ok && price.IsPositive() {
			spreadPct = spread.Div(price).InexactFloat64()
		}
	}

	return predictor.Features{
		Confidence:    sig.Confidence,
		VoteCount:     sig.VoteCount,
		RegimeVol:     sig.Regime.Volatility,
		BookScore:     sig.BookScore,
		SpreadPct:     spreadPct,
		HourOfDay:     float64(time.Now().UTC().Hour()),
		RecentWinRate: stats.WinRate,
	}
}

// manageLoop iterates all open positions on a fixed interval with a bounded
// worker pool, so one slow position never blocks the rest.
func (i *Instance) manageLoop(ctx context.Context) {
	ticker := time.NewTicker(i.settings.Trading.ManageInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		open, err := i.store.FindOpenByTenant(ctx, i.TenantID)
		if err != nil {
			logger.WithError(err).WithField("tenant", i.TenantID).Error("failed to list open positions")
			continue
		}
		if len(open) == 0 {
			continue
		}

		jobs := make(chan *model.Trade)
		var wg sync.WaitGroup
		workers := manageWorkers
		if len(open) < workers {
			workers = len(open)
		}
		for w := 0; w < workers; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for trade := range jobs {
					if err := i.exec.ManagePosition(ctx, trade); err != nil {
						logger.WithError(err).WithField("uid", trade.UID).Error("manage pass failed")
					}
				}
			}()
		}
		for idx := range open {
			jobs <- &open[idx]
		}
		close(jobs)
		wg.Wait()
	}
}

// healthLoop feeds staleness and performance observations to the monitor.
func (i *Instance) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(i.settings.Trading.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		stale := false
		for _, pair := range i.settings.Trading.Pairs {
			if i.cache.IsStale(pair) {
				stale = true
				break
			}
		}
		i.health.ObserveStaleness(stale)

		stats := i.risk.TenantStats(i.TenantID)
		i.health.ObservePerformance(stats.LossStreak, stats.Drawdown)
	}
}

// reconcileLoop periodically re-checks local state against the exchange.
func (i *Instance) reconcileLoop(ctx context.Context) {
	interval := i.settings.Execution.ReconcileInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := i.exec.Reconcile(ctx, i.TenantID); err != nil {
				logger.WithError(err).WithField("tenant", i.TenantID).Warn("periodic reconciliation failed")
			}
		}
	}
}

// cleanupLoop prunes auxiliary data past retention. Trade records are never
// pruned.
func (i *Instance) cleanupLoop(ctx context.Context) {
	if i.pruner == nil {
		return
	}
	ticker := time.NewTicker(i.settings.Retention.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-i.settings.Retention.AuditRetention)
			if _, err := i.pruner.PruneOlderThan(ctx, cutoff); err != nil {
				logger.WithError(err).Warn("audit prune failed")
			}
		}
	}
}

// Status is the instance snapshot served by the control surface.
type Status struct {
	TenantID   string     `json:"tenant_id"`
	Paused     bool       `json:"paused"`
	PauseCause string     `json:"pause_cause,omitempty"`
	Stats      risk.Stats `json:"stats"`
	StalePairs []string   `json:"stale_pairs,omitempty"`
}

// Pause blocks new entries. One-way until Resume.
func (i *Instance) Pause(reason string) {
	i.health.Pause(reason)
}

// Resume re-enables entries after an auto- or operator pause.
func (i *Instance) Resume() {
	i.health.Resume()
}

// CloseAll closes every open position for this instance's tenant.
func (i *Instance) CloseAll(ctx context.Context, reason string) ([]executor.CloseResult, error) {
	return i.exec.CloseAll(ctx, i.TenantID, reason)
}

// GetStatus returns the current snapshot.
func (i *Instance) GetStatus() Status {
	paused, cause := i.health.Paused()
	var stale []string
	for _, pair := range i.settings.Trading.Pairs {
		if i.cache.IsStale(pair) {
			stale = append(stale, pair)
		}
	}
	return Status{
		TenantID:   i.TenantID,
		Paused:     paused,
		PauseCause: cause,
		Stats:      i.risk.TenantStats(i.TenantID),
		StalePairs: stale,
	}
}
