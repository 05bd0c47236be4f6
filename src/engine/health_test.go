package engine

import (
	"testing"
	"time"

	"tradepilot/src/config"
)

func testHealthConfig() config.Health {
	return config.Health{
		StalePauseCount:  3,
		DisconnectPause:  time.Minute,
		LossStreakPause:  4,
		DrawdownPausePct: 0.25,
		HealthInterval:   time.Second,
	}
}

func TestStaleStreakTripsPause(t *testing.T) {
	h := NewHealthMonitor(testHealthConfig())

	h.ObserveStaleness(true)
	h.ObserveStaleness(true)
	if paused, _ := h.Paused(); paused {
		t.Fatalf("two stale checks must not trip a threshold of three")
	}

	h.ObserveStaleness(true)
	paused, reason := h.Paused()
	if !paused || reason != PauseStaleData {
		t.Fatalf("expected stale-data pause, got paused=%v reason=%s", paused, reason)
	}
}

func TestFreshDataResetsStreakButNotPause(t *testing.T) {
	h := NewHealthMonitor(testHealthConfig())

	h.ObserveStaleness(true)
	h.ObserveStaleness(false)
	h.ObserveStaleness(true)
	h.ObserveStaleness(true)
	if paused, _ := h.Paused(); paused {
		t.Fatalf("streak must reset on fresh data")
	}

	h.ObserveStaleness(true)
	if paused, _ := h.Paused(); !paused {
		t.Fatalf("expected pause after three consecutive stale checks")
	}

	// recovery alone never resumes; the transition is one-way
	h.ObserveStaleness(false)
	if paused, _ := h.Paused(); !paused {
		t.Fatalf("pause must persist until explicit resume")
	}

	h.Resume()
	if paused, _ := h.Paused(); paused {
		t.Fatalf("explicit resume must clear the pause")
	}
}

func TestSustainedDisconnectTripsPause(t *testing.T) {
	h := NewHealthMonitor(testHealthConfig())
	now := time.Date(2025, 6, 4, 12, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return now }

	h.ObserveConnection(false)
	if paused, _ := h.Paused(); paused {
		t.Fatalf("first disconnect observation must only start the clock")
	}

	now = now.Add(30 * time.Second)
	h.ObserveConnection(false)
	if paused, _ := h.Paused(); paused {
		t.Fatalf("disconnect below the threshold must not trip")
	}

	now = now.Add(31 * time.Second)
	h.ObserveConnection(false)
	paused, reason := h.Paused()
	if !paused || reason != PauseDisconnect {
		t.Fatalf("expected disconnect pause, got paused=%v reason=%s", paused, reason)
	}
}

func TestReconnectResetsDisconnectClock(t *testing.T) {
	h := NewHealthMonitor(testHealthConfig())
	now := time.Date(2025, 6, 4, 12, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return now }

	h.ObserveConnection(false)
	now = now.Add(50 * time.Second)
	h.ObserveConnection(true)
	now = now.Add(50 * time.Second)
	h.ObserveConnection(false)
	if paused, _ := h.Paused(); paused {
		t.Fatalf("reconnect must reset the disconnect clock")
	}
}

func TestLossStreakAndDrawdownPauses(t *testing.T) {
	h := NewHealthMonitor(testHealthConfig())

	h.ObservePerformance(3, 0.10)
	if paused, _ := h.Paused(); paused {
		t.Fatalf("below both thresholds must not pause")
	}

	h.ObservePerformance(4, 0.10)
	paused, reason := h.Paused()
	if !paused || reason != PauseLossStreak {
		t.Fatalf("expected loss-streak pause, got %v %s", paused, reason)
	}

	h2 := NewHealthMonitor(testHealthConfig())
	h2.ObservePerformance(0, 0.30)
	paused, reason = h2.Paused()
	if !paused || reason != PauseDrawdown {
		t.Fatalf("expected drawdown pause, got %v %s", paused, reason)
	}
}

func TestFirstPauseReasonWins(t *testing.T) {
	h := NewHealthMonitor(testHealthConfig())

	h.ObservePerformance(5, 0)
	h.Pause("operator")
	_, reason := h.Paused()
	if reason != PauseLossStreak {
		t.Fatalf("later pauses must not overwrite the original reason, got %s", reason)
	}
}
