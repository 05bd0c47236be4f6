package engine

import (
	"sync"
	"time"

	logger "github.com/sirupsen/logrus"

	"tradepilot/src/config"
)

// Pause reasons reported by the health monitor.
const (
	PauseStaleData  = "stale_data"
	PauseDisconnect = "connection_lost"
	PauseLossStreak = "loss_streak"
	PauseDrawdown   = "drawdown"
	PauseOperator   = "operator"
)

// HealthMonitor watches data staleness, connection health, loss streaks and
// drawdown, and trips a one-way pause on new entries. Every pause requires
// an explicit Resume; the monitor never un-pauses on its own.
type HealthMonitor struct {
	cfg config.Health

	mu           sync.Mutex
	paused       bool
	pauseReason  string
	pausedAt     time.Time
	staleStreak  int
	disconnectAt time.Time // zero while connected

	now func() time.Time
}

func NewHealthMonitor(cfg config.Health) *HealthMonitor {
	return &HealthMonitor{cfg: cfg, now: time.Now}
}

func (h *HealthMonitor) trip(reason string) {
	if h.paused {
		return
	}
	h.paused = true
	h.pauseReason = reason
	h.pausedAt = h.now()
	logger.WithFields(map[string]interface{}{
		"component": "health",
		"reason":    reason,
	}).Warn("auto-pause tripped, new entries blocked until explicit resume")
}

// ObserveStaleness feeds one staleness check result. N consecutive stale
// checks trip the pause.
func (h *HealthMonitor) ObserveStaleness(stale bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !stale {
		h.staleStreak = 0
		return
	}
	h.staleStreak++
	if h.staleStreak >= h.cfg.StalePauseCount {
		h.trip(PauseStaleData)
	}
}

// ObserveConnection feeds connection state. A sustained disconnect trips
// the pause.
func (h *HealthMonitor) ObserveConnection(connected bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if connected {
		h.disconnectAt = time.Time{}
		return
	}
	if h.disconnectAt.IsZero() {
		h.disconnectAt = h.now()
		return
	}
	if h.now().Sub(h.disconnectAt) >= h.cfg.DisconnectPause {
		h.trip(PauseDisconnect)
	}
}

// ObservePerformance feeds the tenant's loss streak and drawdown after each
// close.
func (h *HealthMonitor) ObservePerformance(lossStreak int, drawdown float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cfg.LossStreakPause > 0 && lossStreak >= h.cfg.LossStreakPause {
		h.trip(PauseLossStreak)
		return
	}
	if h.cfg.DrawdownPausePct > 0 && drawdown >= h.cfg.DrawdownPausePct {
		h.trip(PauseDrawdown)
	}
}

// Pause trips the operator pause.
func (h *HealthMonitor) Pause(reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if reason == "" {
		reason = PauseOperator
	}
	h.trip(reason)
}

// Resume clears the pause. This is the only way out of a tripped state.
func (h *HealthMonitor) Resume() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.paused {
		return
	}
	h.paused = false
	h.pauseReason = ""
	h.staleStreak = 0
	h.disconnectAt = time.Time{}
	logger.WithField("component", "health").Info("resumed, entries allowed again")
}

// Paused reports the current pause state and its reason.
func (h *HealthMonitor) Paused() (bool, string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.paused, h.pauseReason
}
