package predictor

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sync"
	"time"

	logger "github.com/sirupsen/logrus"

	"tradepilot/src/config"
)

// Features is the input vector for the acceptance gate. The same fields
// feed both the trained model and the heuristic fallback.
type Features struct {
	Confidence    float64 `json:"confidence"`
	VoteCount     float64 `json:"vote_count"`
	RegimeVol     float64 `json:"regime_vol"`
	BookScore     float64 `json:"book_score"`
	SpreadPct     float64 `json:"spread_pct"`
	HourOfDay     float64 `json:"hour_of_day"`
	RecentWinRate float64 `json:"recent_win_rate"`
}

func (f Features) vector() []float64 {
	return []float64{
		f.Confidence, f.VoteCount, f.RegimeVol, f.BookScore,
		f.SpreadPct, f.HourOfDay, f.RecentWinRate,
	}
}

// Verdict is the gate's answer; the caller always receives a usable one.
type Verdict struct {
	Accept     bool    `json:"accept"`
	Confidence float64 `json:"confidence"`
	Source     string  `json:"source"` // "model" or "heuristic"
}

// artifact is the serialized logistic model: z-score normalization
// parameters plus weights and bias, trained offline.
type artifact struct {
	Version int       `json:"version"`
	Means   []float64 `json:"means"`
	Stds    []float64 `json:"stds"`
	Weights []float64 `json:"weights"`
	Bias    float64   `json:"bias"`
}

type cacheEntry struct {
	verdict Verdict
	at      time.Time
}

// Gate is the optional second opinion between signal generation and risk
// sizing. Missing or broken model artifacts degrade to the heuristic; the
// gate never raises for model problems.
type Gate struct {
	cfg   config.Predictor
	model *artifact

	mu    sync.Mutex
	cache map[string]cacheEntry
	now   func() time.Time
}

func NewGate(cfg config.Predictor) *Gate {
	g := &Gate{
		cfg:   cfg,
		cache: map[string]cacheEntry{},
		now:   time.Now,
	}
	if cfg.ModelPath != "" {
		model, err := loadArtifact(cfg.ModelPath)
		if err != nil {
			logger.WithError(err).WithField("path", cfg.ModelPath).
				Warn("predictor model unavailable, falling back to heuristic")
		} else {
			g.model = model
			logger.WithField("path", cfg.ModelPath).Info("predictor model loaded")
		}
	}
	return g
}

func loadArtifact(path string) (*artifact, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model artifact: %w", err)
	}
	var a artifact
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, fmt.Errorf("decode model artifact: %w", err)
	}
	dim := len(Features{}.vector())
	if len(a.Weights) != dim || len(a.Means) != dim || len(a.Stds) != dim {
		return nil, fmt.Errorf("model artifact dimension mismatch: want %d weights", dim)
	}
	return &a, nil
}

// Evaluate returns an accept/veto verdict with confidence. Results are
// cached by a fingerprint of the quantized feature vector so a recurring
// pair state within the TTL does not re-run inference.
func (g *Gate) Evaluate(f Features) Verdict {
	key := Fingerprint(f)

	g.mu.Lock()
	if e, ok := g.cache[key]; ok && g.now().Sub(e.at) <= g.cfg.CacheTTL {
		g.mu.Unlock()
		return e.verdict
	}
	g.mu.Unlock()

	var v Verdict
	if g.model != nil {
		v = g.scoreModel(f)
	} else {
		v = g.heuristic(f)
	}

	g.mu.Lock()
	g.cache[key] = cacheEntry{verdict: v, at: g.now()}
	// opportunistic eviction of expired entries
	if len(g.cache) > 4096 {
		cutoff := g.now().Add(-g.cfg.CacheTTL)
		for k, e := range g.cache {
			if e.at.Before(cutoff) {
				delete(g.cache, k)
			}
		}
	}
	g.mu.Unlock()
	return v
}

func (g *Gate) scoreModel(f Features) Verdict {
	x := f.vector()
	z := g.model.Bias
	for i, v := range x {
		std := g.model.Stds[i]
		if std == 0 {
			std = 1
		}
		z += g.model.Weights[i] * ((v - g.model.Means[i]) / std)
	}
	p := 1.0 / (1.0 + math.Exp(-z))
	return Verdict{Accept: p >= g.cfg.MinAccept, Confidence: p, Source: "model"}
}

// heuristic is the deterministic fallback over the same feature set. It is
// deliberately conservative: usable but lower-confidence than the model.
func (g *Gate) heuristic(f Features) Verdict {
	score := 0.0
	score += f.Confidence * 0.5
	score += math.Min(f.VoteCount/4.0, 1.0) * 0.25
	if f.RecentWinRate > 0 {
		score += f.RecentWinRate * 0.15
	} else {
		score += 0.075 // no history yet, neutral contribution
	}
	if f.RegimeVol > 0.02 {
		score -= 0.1
	}
	if f.SpreadPct > 0.001 {
		score -= 0.05
	}
	score += f.BookScore * 0.1

	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	// cap heuristic confidence below what a trained model could claim
	conf := math.Min(score, 0.75)
	return Verdict{Accept: score >= g.cfg.MinAccept, Confidence: conf, Source: "heuristic"}
}

// Fingerprint returns a deterministic key for the quantized feature vector.
func Fingerprint(f Features) string {
	var buf []byte
	for _, v := range f.vector() {
		buf = append(buf, []byte(fmt.Sprintf("%.4f|", v))...)
	}
	sum := sha256.Sum256(buf)
	return hex.EncodeToString(sum[:8])
}
