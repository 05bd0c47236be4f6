package risk

import (
	"time"

	"github.com/shopspring/decimal"
)

// Session labels classify the current liquidity window (New York clock).
// The quiet window is the bridge from Friday after the London close until
// Sunday's London open, plus US market holidays.
type Session string

const (
	SessionQuiet   Session = "quiet"
	SessionWeekend Session = "weekend"
	SessionDead    Session = "dead_zone"
	SessionAsia    Session = "asia"
	SessionLondon  Session = "london"
	SessionUS      Session = "us"
	SessionDefault Session = "default"
)

// SessionConfig holds the size multipliers per session and the quiet-hours
// toggle.
type SessionConfig struct {
	WeekendMultiplier decimal.Decimal
	DeadMultiplier    decimal.Decimal
	AsiaMultiplier    decimal.Decimal
	LondonMultiplier  decimal.Decimal
	USMultiplier      decimal.Decimal
	DefaultMultiplier decimal.Decimal

	EnableQuietWindow bool
}

func DefaultSessionConfig(quietHours bool) SessionConfig {
	return SessionConfig{
		WeekendMultiplier: decimal.NewFromFloat(0.25),
		DeadMultiplier:    decimal.NewFromFloat(0.25),
		AsiaMultiplier:    decimal.NewFromFloat(0.75),
		LondonMultiplier:  decimal.NewFromFloat(1.0),
		USMultiplier:      decimal.NewFromFloat(1.0),
		DefaultMultiplier: decimal.NewFromFloat(0.5),
		EnableQuietWindow: quietHours,
	}
}

// SessionFactor returns the size multiplier for the current session. A zero
// multiplier with SessionQuiet means no new entries at all.
func SessionFactor(now time.Time, cfg SessionConfig) (decimal.Decimal, Session) {
	et := easternTime(now)

	if cfg.EnableQuietWindow && inQuietWindow(et) {
		return decimal.Zero, SessionQuiet
	}

	sess := detectSession(et)
	switch sess {
	case SessionWeekend:
		return cfg.WeekendMultiplier, sess
	case SessionDead:
		return cfg.DeadMultiplier, sess
	case SessionAsia:
		return cfg.AsiaMultiplier, sess
	case SessionLondon:
		return cfg.LondonMultiplier, sess
	case SessionUS:
		return cfg.USMultiplier, sess
	}
	return cfg.DefaultMultiplier, sess
}

func easternTime(t time.Time) time.Time {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return t.UTC()
	}
	return t.In(loc)
}

// inQuietWindow: Friday 09:00 NY through Sunday 03:00 NY, plus holidays.
// Sunday during the London session is allowed to trade.
func inQuietWindow(t time.Time) bool {
	if t.Weekday() == time.Sunday && isLondon(t) {
		return t.Hour() < 3
	}
	if isUSHoliday(t) {
		return true
	}
	switch t.Weekday() {
	case time.Friday:
		return t.Hour() >= 9
	case time.Saturday:
		return true
	case time.Sunday:
		return t.Hour() < 3
	}
	return false
}

func detectSession(t time.Time) Session {
	if t.Weekday() == time.Sunday && isLondon(t) {
		return SessionLondon
	}
	if t.Weekday() == time.Saturday || t.Weekday() == time.Sunday || isUSHoliday(t) {
		return SessionWeekend
	}
	switch {
	case t.Hour() >= 17 && t.Hour() < 20:
		return SessionDead
	case t.Hour() >= 20 || t.Hour() < 3:
		return SessionAsia
	case isLondon(t):
		return SessionLondon
	case t.Hour() >= 9 && t.Hour() <= 17:
		return SessionUS
	}
	return SessionDefault
}

func isLondon(t time.Time) bool {
	return t.Hour() >= 3 && t.Hour() < 9
}

// isUSHoliday covers the fixed and floating US market holidays that drain
// liquidity from crypto order books as well.
func isUSHoliday(t time.Time) bool {
	year := t.Year()

	newYears := observedFixed(year, time.January, 1)
	mlk := nthWeekday(year, time.January, time.Monday, 3)
	presidents := nthWeekday(year, time.February, time.Monday, 3)
	memorial := lastWeekday(year, time.May, time.Monday)
	independence := observedFixed(year, time.July, 4)
	labor := nthWeekday(year, time.September, time.Monday, 1)
	thanksgiving := nthWeekday(year, time.November, time.Thursday, 4)
	christmas := observedFixed(year, time.December, 25)

	day := t.Format("2006-01-02")
	for _, h := range []time.Time{newYears, mlk, presidents, memorial, independence, labor, thanksgiving, christmas} {
		if h.Format("2006-01-02") == day {
			return true
		}
	}
	return false
}

func observedFixed(year int, month time.Month, day int) time.Time {
	d := time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
	if d.Weekday() == time.Sunday {
		d = d.AddDate(0, 0, 1)
	}
	return d
}

func nthWeekday(year int, month time.Month, weekday time.Weekday, n int) time.Time {
	first := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	offset := (int(weekday) - int(first.Weekday()) + 7) % 7
	return first.AddDate(0, 0, offset+(n-1)*7)
}

func lastWeekday(year int, month time.Month, weekday time.Weekday) time.Time {
	d := time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC) // last day of month
	for d.Weekday() != weekday {
		d = d.AddDate(0, 0, -1)
	}
	return d
}
