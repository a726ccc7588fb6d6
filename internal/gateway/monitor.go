package gateway

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Rajchodisetti/trading-brain/internal/observ"
	"github.com/Rajchodisetti/trading-brain/internal/risk"
	"github.com/Rajchodisetti/trading-brain/internal/safety"
)

type sample struct {
	at      time.Time
	failed  bool
	latency time.Duration
}

// healthWindow keeps confirm outcomes for the trailing window. The safety levels read
// error rate and p95 latency from it.
type healthWindow struct {
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	samples []sample
}

func newHealthWindow(window time.Duration, now func() time.Time) *healthWindow {
	return &healthWindow{window: window, now: now}
}

func (h *healthWindow) record(failed bool, latency time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := h.now()
	h.samples = append(h.samples, sample{at: now, failed: failed, latency: latency})
	h.trimLocked(now)
}

func (h *healthWindow) trimLocked(now time.Time) {
	cutoff := now.Add(-h.window)
	i := 0
	for i < len(h.samples) && h.samples[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		h.samples = append([]sample(nil), h.samples[i:]...)
	}
}

func (h *healthWindow) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.trimLocked(h.now())
	return len(h.samples)
}

// rates returns the error rate in percent and p95 latency in milliseconds
func (h *healthWindow) rates() (float64, float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.trimLocked(h.now())
	if len(h.samples) == 0 {
		return 0, 0
	}
	failed := 0
	lat := make([]float64, len(h.samples))
	for i, s := range h.samples {
		if s.failed {
			failed++
		}
		lat[i] = float64(s.latency.Microseconds()) / 1000
	}
	sort.Float64s(lat)
	idx := int(float64(len(lat)-1) * 0.95)
	return 100 * float64(failed) / float64(len(h.samples)), lat[idx]
}

// HealthMetrics is the input of the safety level machine
func (g *Gateway) HealthMetrics() safety.Metrics {
	errRate, p95 := g.health.rates()
	return safety.Metrics{
		DrawdownPct:  g.d.Drawdown.Current().DailyPct,
		ErrorRatePct: errRate,
		LatencyMs:    p95,
	}
}

// peakLeverage is the highest recorded leverage over the risk window
func (g *Gateway) peakLeverage() float64 {
	if g.d.Ledger == nil {
		return 0
	}
	peak := g.d.Ledger.MaxOver(g.cfg.RiskWindow, risk.MetricLeverage)
	observ.SetGauge("risk_leverage_peak", peak, nil)
	observ.SetGauge("risk_leverage_avg", g.d.Ledger.AverageOver(g.cfg.RiskWindow, risk.MetricLeverage), nil)
	return peak
}

// observation is the breaker input for the current book
func (g *Gateway) observation(drawdownPct, errRate float64) safety.Observation {
	return safety.Observation{
		DailyDrawdownPct: drawdownPct,
		Equity:           g.d.Book.Equity(),
		ErrorRatePct:     errRate,
		PeakLeverage:     g.peakLeverage(),
	}
}

// Monitor feeds current health into the level machine and the breaker thresholds
func (g *Gateway) Monitor(ctx context.Context) {
	m := g.HealthMetrics()
	observ.SetGauge("gateway_error_rate_pct", m.ErrorRatePct, nil)
	observ.SetGauge("gateway_latency_p95_ms", m.LatencyMs, nil)
	if g.d.Guard.Levels != nil {
		if _, err := g.d.Guard.Levels.Observe(ctx, m); err != nil {
			observ.Error("safety_level_observe_failed", err, nil)
		}
	}
	if g.d.Guard.Breaker != nil {
		if _, err := g.d.Guard.Breaker.Evaluate(ctx, g.observation(m.DrawdownPct, m.ErrorRatePct)); err != nil {
			observ.Error("breaker_evaluate_failed", err, nil)
		}
	}
}
