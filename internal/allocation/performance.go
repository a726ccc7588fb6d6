package allocation

import (
	"math"
	"sync"
	"time"
)

// Trade is one closed trade attributed to a phase
type Trade struct {
	PhaseID int       `json:"phase_id"`
	PnL     float64   `json:"pnl"`
	Return  float64   `json:"return"`
	At      time.Time `json:"at"`
}

// Performance summarizes a phase's trades inside the tracker window
type Performance struct {
	PhaseID  int     `json:"phase_id"`
	Trades   int     `json:"trades"`
	WinRate  float64 `json:"win_rate"`
	TotalPnL float64 `json:"total_pnl"`
	Sharpe   float64 `json:"sharpe"`
	Modifier float64 `json:"modifier"`
}

type TrackerConfig struct {
	Window         time.Duration `yaml:"window"`
	MaxTrades      int           `yaml:"max_trades"`
	MinTrades      int           `yaml:"min_trades"`
	MaxSharpeScale int           `yaml:"max_sharpe_scale"`
}

func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{Window: 30 * 24 * time.Hour, MaxTrades: 500, MinTrades: 10, MaxSharpeScale: 100}
}

// ModifierFor maps a Sharpe ratio to a weight multiplier
func ModifierFor(sharpe float64) float64 {
	switch {
	case sharpe < 0:
		return 0.5
	case sharpe < 1:
		return 1.0
	case sharpe < 2:
		return 1.25
	default:
		return 1.5
	}
}

// Tracker keeps a bounded per-phase trade history
type Tracker struct {
	cfg TrackerConfig

	mu     sync.RWMutex
	trades map[int][]Trade
}

func NewTracker(cfg TrackerConfig) *Tracker {
	def := DefaultTrackerConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.MaxTrades <= 0 {
		cfg.MaxTrades = def.MaxTrades
	}
	if cfg.MinTrades <= 0 {
		cfg.MinTrades = def.MinTrades
	}
	if cfg.MaxSharpeScale <= 0 {
		cfg.MaxSharpeScale = def.MaxSharpeScale
	}
	return &Tracker{cfg: cfg, trades: make(map[int][]Trade)}
}

func (t *Tracker) Record(tr Trade) {
	t.mu.Lock()
	defer t.mu.Unlock()
	list := append(t.trades[tr.PhaseID], tr)
	if over := len(list) - t.cfg.MaxTrades; over > 0 {
		list = append([]Trade(nil), list[over:]...)
	}
	t.trades[tr.PhaseID] = list
}

// Performance for one phase. Too few trades yields a neutral modifier.
func (t *Tracker) Performance(phase int, now time.Time) Performance {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.performanceLocked(phase, now)
}

func (t *Tracker) performanceLocked(phase int, now time.Time) Performance {
	p := Performance{PhaseID: phase, Modifier: 1}
	cutoff := now.Add(-t.cfg.Window)
	var returns []float64
	wins := 0
	for _, tr := range t.trades[phase] {
		if tr.At.Before(cutoff) {
			continue
		}
		returns = append(returns, tr.Return)
		p.TotalPnL += tr.PnL
		if tr.PnL > 0 {
			wins++
		}
	}
	p.Trades = len(returns)
	if p.Trades == 0 {
		return p
	}
	p.WinRate = float64(wins) / float64(p.Trades)
	p.Sharpe = sharpe(returns, t.cfg.MaxSharpeScale)
	if p.Trades >= t.cfg.MinTrades {
		p.Modifier = ModifierFor(p.Sharpe)
	}
	return p
}

// All returns performance for every phase that has trades
func (t *Tracker) All(now time.Time) map[int]Performance {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[int]Performance, len(t.trades))
	for phase := range t.trades {
		out[phase] = t.performanceLocked(phase, now)
	}
	return out
}

// sharpe is mean/std of per-trade returns scaled by sqrt(n), n capped at maxScale
func sharpe(returns []float64, maxScale int) float64 {
	n := len(returns)
	if n < 2 {
		return 0
	}
	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(n)
	var ss float64
	for _, r := range returns {
		ss += (r - mean) * (r - mean)
	}
	std := math.Sqrt(ss / float64(n-1))
	if std == 0 {
		return 0
	}
	scale := n
	if scale > maxScale {
		scale = maxScale
	}
	return mean / std * math.Sqrt(float64(scale))
}
