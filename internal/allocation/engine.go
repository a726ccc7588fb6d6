// Package allocation splits risk capital across the strategy phases as a function of
// account equity and recent phase performance.
package allocation

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/Rajchodisetti/trading-brain/internal/apperr"
	"github.com/Rajchodisetti/trading-brain/internal/eventlog"
	"github.com/Rajchodisetti/trading-brain/internal/observ"
)

// Config places the transition points of the allocation curves
type Config struct {
	StartP2     float64 `yaml:"start_p2"`
	FullP2      float64 `yaml:"full_p2"`
	StartP3     float64 `yaml:"start_p3"`
	FullP3      float64 `yaml:"full_p3"`
	MaxP2Weight float64 `yaml:"max_p2_weight"`
	MaxP3Weight float64 `yaml:"max_p3_weight"`
	BlendFactor float64 `yaml:"blend_factor"`
	// ChangeEpsilon is the smallest weight move that is recorded as a new allocation
	ChangeEpsilon float64 `yaml:"change_epsilon"`
}

func DefaultConfig() Config {
	return Config{
		StartP2:       1000,
		FullP2:        5000,
		StartP3:       10000,
		FullP3:        50000,
		MaxP2Weight:   0.6,
		MaxP3Weight:   0.3,
		BlendFactor:   0.7,
		ChangeEpsilon: 0.001,
	}
}

func (c Config) Validate() error {
	switch {
	case c.StartP2 <= 0:
		return apperr.Validation("allocation", "config", "start_p2 must be positive")
	case c.StartP2 >= c.FullP2:
		return apperr.Validation("allocation", "config", "start_p2 must be below full_p2")
	case c.StartP3 < c.FullP2:
		return apperr.Validation("allocation", "config", "start_p3 must not be below full_p2")
	case c.StartP3 >= c.FullP3:
		return apperr.Validation("allocation", "config", "start_p3 must be below full_p3")
	case c.MaxP2Weight < 0 || c.MaxP2Weight > 1 || c.MaxP3Weight < 0 || c.MaxP3Weight > 1:
		return apperr.Validation("allocation", "config", "max phase weights must be within [0, 1]")
	case c.BlendFactor < 0 || c.BlendFactor > 1:
		return apperr.Validation("allocation", "config", "blend_factor must be within [0, 1]")
	}
	return nil
}

// Vector is the per-phase weight split. Weights are in [0,1] and sum to 1.
type Vector struct {
	W1        float64   `json:"w1"`
	W2        float64   `json:"w2"`
	W3        float64   `json:"w3"`
	Equity    float64   `json:"equity"`
	Tier      Tier      `json:"tier"`
	Adaptive  bool      `json:"adaptive"`
	Timestamp time.Time `json:"timestamp"`
}

// Weight returns the weight of phase 1..3; unknown phases weigh zero
func (v Vector) Weight(phase int) float64 {
	switch phase {
	case 1:
		return v.W1
	case 2:
		return v.W2
	case 3:
		return v.W3
	}
	return 0
}

func (v Vector) String() string {
	return fmt.Sprintf("%.3f/%.3f/%.3f", v.W1, v.W2, v.W3)
}

// ramp is a logistic curve rescaled to be exactly 0 at start and 1 at full.
// Steepness follows from the distance between the points.
func ramp(x, start, full float64) float64 {
	if x <= start {
		return 0
	}
	if x >= full {
		return 1
	}
	k := 8 / (full - start)
	mid := (start + full) / 2
	sig := func(v float64) float64 { return 1 / (1 + math.Exp(-k*(v-mid))) }
	lo, hi := sig(start), sig(full)
	return (sig(x) - lo) / (hi - lo)
}

// Weights is the base allocation for equity. Below StartP2 everything goes to phase 1.
func Weights(cfg Config, equity float64) Vector {
	v := Vector{Equity: equity, Tier: TierFor(equity)}
	if equity < cfg.StartP2 {
		v.W1 = 1
		return v
	}
	p3 := cfg.MaxP3Weight * ramp(equity, cfg.StartP3, cfg.FullP3)
	p2 := cfg.MaxP2Weight * ramp(equity, cfg.StartP2, cfg.FullP2) * (1 - p3)
	v.W3 = p3
	v.W2 = p2
	v.W1 = 1 - p2 - p3
	return v
}

// AdaptiveWeights nudges the base weights toward phases with better recent Sharpe:
// final = blend*base + (1-blend)*adjusted, renormalized. A phase with zero base weight
// stays at zero and the low-equity override is never relaxed.
func AdaptiveWeights(cfg Config, equity float64, perf map[int]Performance, blend float64) Vector {
	base := Weights(cfg, equity)
	if equity < cfg.StartP2 || len(perf) == 0 {
		return base
	}
	blend = math.Max(0, math.Min(1, blend))

	mods := [3]float64{1, 1, 1}
	for phase := 1; phase <= 3; phase++ {
		if p, ok := perf[phase]; ok {
			mods[phase-1] = p.Modifier
		}
	}
	adj := [3]float64{base.W1 * mods[0], base.W2 * mods[1], base.W3 * mods[2]}
	sum := adj[0] + adj[1] + adj[2]
	if sum <= 0 {
		return base
	}
	for i := range adj {
		adj[i] /= sum
	}

	out := base
	out.Adaptive = true
	out.W1 = blend*base.W1 + (1-blend)*adj[0]
	out.W2 = blend*base.W2 + (1-blend)*adj[1]
	out.W3 = blend*base.W3 + (1-blend)*adj[2]
	total := out.W1 + out.W2 + out.W3
	out.W1 /= total
	out.W2 /= total
	out.W3 = 1 - out.W1 - out.W2
	if out.W3 < 0 {
		out.W3 = 0
	}
	return out
}

// Engine serves allocations to the gateway and records every material change
type Engine struct {
	cfg     Config
	tracker *Tracker
	log     *eventlog.Log
	tiers   *TierCache
	now     func() time.Time

	mu   sync.Mutex
	last *Vector
}

func NewEngine(cfg Config, tracker *Tracker, log *eventlog.Log, now func() time.Time) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if now == nil {
		now = time.Now
	}
	return &Engine{cfg: cfg, tracker: tracker, log: log, tiers: NewTierCache(), now: now}, nil
}

func (e *Engine) Config() Config { return e.cfg }

// Tier and MaxLeverage use the bucketed cache
func (e *Engine) Tier(equity float64) Tier { return e.tiers.Tier(equity) }

func (e *Engine) MaxLeverage(equity float64) float64 { return e.tiers.MaxLeverage(equity) }

// Current returns the adaptive allocation for equity, recording it when it moved by more
// than ChangeEpsilon. A failed record is returned alongside the valid vector.
func (e *Engine) Current(ctx context.Context, equity float64) (Vector, error) {
	now := e.now().UTC()
	var perf map[int]Performance
	if e.tracker != nil {
		perf = e.tracker.All(now)
	}
	v := AdaptiveWeights(e.cfg, equity, perf, e.cfg.BlendFactor)
	v.Tier = e.tiers.Tier(equity)
	v.Timestamp = now

	e.mu.Lock()
	changed := e.last == nil || e.moved(*e.last, v)
	if changed {
		cp := v
		e.last = &cp
	}
	e.mu.Unlock()

	observ.SetGauge("allocation_weight", v.W1, map[string]string{"phase": "1"})
	observ.SetGauge("allocation_weight", v.W2, map[string]string{"phase": "2"})
	observ.SetGauge("allocation_weight", v.W3, map[string]string{"phase": "3"})

	if !changed || e.log == nil {
		return v, nil
	}
	observ.Log("allocation_changed", map[string]any{"equity": equity, "tier": v.Tier, "weights": v.String(), "adaptive": v.Adaptive})
	if _, err := e.log.Append(ctx, eventlog.Draft{Type: eventlog.TypeAllocationComputed, AggregateID: "allocation", Payload: v}); err != nil {
		return v, err
	}
	return v, nil
}

func (e *Engine) moved(a, b Vector) bool {
	eps := e.cfg.ChangeEpsilon
	return math.Abs(a.W1-b.W1) > eps || math.Abs(a.W2-b.W2) > eps || math.Abs(a.W3-b.W3) > eps || a.Tier != b.Tier
}

// Allows rejects a phase that has no weight at this equity
func (e *Engine) Allows(ctx context.Context, phase int, equity float64) (bool, string, Vector, error) {
	v, err := e.Current(ctx, equity)
	if w := v.Weight(phase); w <= 0 {
		return false, fmt.Sprintf("phase %d has zero allocation at equity %.2f (tier %s, weights %s)", phase, equity, v.Tier, v), v, err
	}
	return true, "", v, err
}

// Last is the most recently recorded allocation
func (e *Engine) Last() (Vector, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.last == nil {
		return Vector{}, false
	}
	return *e.last, true
}

// History returns recorded allocations from the event log
func (e *Engine) History(ctx context.Context) ([]Vector, error) {
	if e.log == nil {
		return nil, nil
	}
	events, err := e.log.GetStream(ctx, "allocation")
	if err != nil {
		return nil, err
	}
	out := make([]Vector, 0, len(events))
	for _, ev := range events {
		var v Vector
		if err := ev.Decode(&v); err != nil {
			continue
		}
		out = append(out, v)
	}
	return out, nil
}
