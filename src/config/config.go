package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Settings is the full configuration surface of the trading core. It is
// loaded once at startup and passed by value into each component's
// constructor; components never read ambient state for their own settings.
type Settings struct {
	Trading    Trading
	Confluence Confluence
	Predictor  Predictor
	Risk       Risk
	Execution  Execution
	Retention  Retention
}

type Trading struct {
	Exchange         string        `envconfig:"EXCHANGE" default:"paper"`
	Tenants          []string      `envconfig:"TENANTS" default:"default"`
	Pairs            []string      `envconfig:"PAIRS" default:"BTC/USDT,ETH/USDT"`
	PrimaryTimeframe string        `envconfig:"PRIMARY_TIMEFRAME" default:"1m"`
	ExtraTimeframes  []string      `envconfig:"EXTRA_TIMEFRAMES" default:"5m,15m"`
	ScanInterval     time.Duration `envconfig:"SCAN_INTERVAL" default:"30s"`
	ManageInterval   time.Duration `envconfig:"MANAGE_INTERVAL" default:"5s"`
	StalenessWindow  time.Duration `envconfig:"STALENESS_WINDOW" default:"2m"`
	OutlierThreshold float64       `envconfig:"OUTLIER_THRESHOLD" default:"0.20"`
	BufferCapacity   int           `envconfig:"BUFFER_CAPACITY" default:"500"`
	MaxSpreadPct     float64       `envconfig:"MAX_SPREAD_PCT" default:"0.15"`
	SpreadFilter     bool          `envconfig:"SPREAD_FILTER" default:"true"`
	QuietHours       bool          `envconfig:"QUIET_HOURS" default:"true"`
}

type Confluence struct {
	Threshold         int           `envconfig:"CONFLUENCE_THRESHOLD" default:"2"`
	MinConfidence     float64       `envconfig:"MIN_CONFIDENCE" default:"0.65"`
	SoloStrategies    []string      `envconfig:"SOLO_STRATEGIES"`
	SoloMinConfidence float64       `envconfig:"SOLO_MIN_CONFIDENCE" default:"0.85"`
	StrategyTimeout   time.Duration `envconfig:"STRATEGY_TIMEOUT" default:"3s"`
	MultiTimeframe    bool          `envconfig:"MULTI_TIMEFRAME" default:"false"`
	MinTimeframes     int           `envconfig:"MIN_TIMEFRAMES" default:"2"`
	OBIWeight         float64       `envconfig:"OBI_WEIGHT" default:"0"`
	OBIMaxAge         time.Duration `envconfig:"OBI_MAX_AGE" default:"30s"`
}

type Predictor struct {
	ModelPath string        `envconfig:"PREDICTOR_MODEL_PATH"`
	MinAccept float64       `envconfig:"PREDICTOR_MIN_ACCEPT" default:"0.5"`
	CacheTTL  time.Duration `envconfig:"PREDICTOR_CACHE_TTL" default:"1m"`
}

type Risk struct {
	Bankroll          float64       `envconfig:"BANKROLL" default:"10000"`
	PerTradeRisk      float64       `envconfig:"PER_TRADE_RISK" default:"0.01"`
	DailyLossLimit    float64       `envconfig:"DAILY_LOSS_LIMIT" default:"0.05"`
	MaxNotional       float64       `envconfig:"MAX_NOTIONAL" default:"2500"`
	ExposureCap       float64       `envconfig:"EXPOSURE_CAP" default:"0.5"`
	KellyFraction     float64       `envconfig:"KELLY_FRACTION" default:"0.25"`
	MinSampleSize     int           `envconfig:"MIN_SAMPLE_SIZE" default:"20"`
	RuinThreshold     float64       `envconfig:"RUIN_THRESHOLD" default:"0.05"`
	DrawdownThreshold float64       `envconfig:"DRAWDOWN_THRESHOLD" default:"0.20"`
	DrawdownFloor     float64       `envconfig:"DRAWDOWN_FLOOR" default:"0.25"`
	LossCooldown      time.Duration `envconfig:"LOSS_COOLDOWN" default:"15m"`
	PairCooldown      time.Duration `envconfig:"PAIR_COOLDOWN" default:"5m"`
	CorrelationCap    int           `envconfig:"CORRELATION_CAP" default:"2"`
	// CorrelationGroups maps a group name to its member pairs, e.g.
	// "majors:BTC/USDT;ETH/USDT".
	CorrelationGroups map[string][]string `envconfig:"-"`
	CorrelationSpec   string              `envconfig:"CORRELATION_GROUPS" default:"majors:BTC/USDT;ETH/USDT"`
}

type Execution struct {
	Paper             bool          `envconfig:"PAPER_MODE" default:"true"`
	TakerFeePct       float64       `envconfig:"TAKER_FEE_PCT" default:"0.0006"`
	SignalMaxAge      time.Duration `envconfig:"SIGNAL_MAX_AGE" default:"90s"`
	SignalDecayWindow time.Duration `envconfig:"SIGNAL_DECAY_WINDOW" default:"30s"`
	LimitChaseCount   int           `envconfig:"LIMIT_CHASE_COUNT" default:"3"`
	ChaseWaitTimeout  time.Duration `envconfig:"CHASE_WAIT_TIMEOUT" default:"10s"`
	MarketFallback    bool          `envconfig:"MARKET_FALLBACK" default:"true"`
	ExitRetries       int           `envconfig:"EXIT_RETRIES" default:"3"`
	ExitBackoff       time.Duration `envconfig:"EXIT_BACKOFF" default:"2s"`
	ATRPeriod         int           `envconfig:"ATR_PERIOD" default:"14"`
	StopATRMult       float64       `envconfig:"STOP_ATR_MULT" default:"1.5"`
	TargetATRMult     float64       `envconfig:"TARGET_ATR_MULT" default:"3.0"`
	MinStopDistPct    float64       `envconfig:"MIN_STOP_DIST_PCT" default:"0.005"`
	TrailActivatePct  float64       `envconfig:"TRAIL_ACTIVATE_PCT" default:"0.015"`
	TrailStepPct      float64       `envconfig:"TRAIL_STEP_PCT" default:"0.005"`
	TrailAccelPct     float64       `envconfig:"TRAIL_ACCEL_PCT" default:"0.03"`
	TrailAccelMult    float64       `envconfig:"TRAIL_ACCEL_MULT" default:"2.0"`
	BreakevenPct      float64       `envconfig:"BREAKEVEN_PCT" default:"0.01"`
	StructureTrail    bool          `envconfig:"STRUCTURE_TRAIL" default:"false"`
	StructureLookback int           `envconfig:"STRUCTURE_LOOKBACK" default:"20"`
	SmartExit         bool          `envconfig:"SMART_EXIT" default:"false"`
	SmartExitTiers    int           `envconfig:"SMART_EXIT_TIERS" default:"2"`
	ReconcileInterval time.Duration `envconfig:"RECONCILE_INTERVAL" default:"5m"`
	AutoCorrectGhosts bool          `envconfig:"AUTO_CORRECT_GHOSTS" default:"false"`
}

type Retention struct {
	AuditRetention  time.Duration `envconfig:"AUDIT_RETENTION" default:"720h"`
	CleanupInterval time.Duration `envconfig:"CLEANUP_INTERVAL" default:"1h"`
}

type Health struct {
	StalePauseCount   int           `envconfig:"STALE_PAUSE_COUNT" default:"5"`
	DisconnectPause   time.Duration `envconfig:"DISCONNECT_PAUSE" default:"2m"`
	LossStreakPause   int           `envconfig:"LOSS_STREAK_PAUSE" default:"4"`
	DrawdownPausePct  float64       `envconfig:"DRAWDOWN_PAUSE_PCT" default:"0.25"`
	HealthInterval    time.Duration `envconfig:"HEALTH_INTERVAL" default:"30s"`
}

// Load processes the full settings surface from the environment. Called once
// by the CLI; the result is treated as immutable afterwards.
func Load() (Settings, Health, error) {
	var s Settings
	var h Health
	for _, section := range []any{
		&s.Trading, &s.Confluence, &s.Predictor, &s.Risk, &s.Execution, &s.Retention, &h,
	} {
		if err := envconfig.Process("", section); err != nil {
			return Settings{}, Health{}, fmt.Errorf("error processing env config: %w", err)
		}
	}
	s.Risk.CorrelationGroups = ParseCorrelationGroups(s.Risk.CorrelationSpec)
	return s, h, nil
}

// MustLoad panics on config errors; startup is the only caller.
func MustLoad() (Settings, Health) {
	s, h, err := Load()
	if err != nil {
		panic(err)
	}
	return s, h
}
