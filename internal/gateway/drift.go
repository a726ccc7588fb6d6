package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/Rajchodisetti/trading-brain/internal/eventlog"
	"github.com/Rajchodisetti/trading-brain/internal/observ"
	"github.com/Rajchodisetti/trading-brain/internal/outbox"
	"github.com/Rajchodisetti/trading-brain/internal/safety"
)

// DriftConfig bounds how far execution may stray from the signal. A zero threshold
// disables its check.
type DriftConfig struct {
	SpreadThresholdBps float64       `yaml:"spread_threshold_bps"`
	LatencyBudget      time.Duration `yaml:"latency_budget"`
	// TripAfter drift reports inside the health window trip a SOFT breaker
	TripAfter int `yaml:"trip_after"`
}

func DefaultDriftConfig() DriftConfig {
	return DriftConfig{SpreadThresholdBps: 25, LatencyBudget: 5 * time.Second, TripAfter: 3}
}

type DriftClass string

const (
	// DriftSpread is a fill priced outside the signal's entry zone, against the trade
	DriftSpread DriftClass = "SPREAD"
	// DriftLatency is a fill that arrived later than the signal-to-fill budget
	DriftLatency DriftClass = "LATENCY"
)

// DriftReport is the payload of exec.drift
type DriftReport struct {
	SignalID     string     `json:"signal_id"`
	CommandID    string     `json:"command_id"`
	FillID       string     `json:"fill_id"`
	Symbol       string     `json:"symbol"`
	Class        DriftClass `json:"drift_class"`
	Expected     float64    `json:"expected"`
	Actual       float64    `json:"actual"`
	DeviationBps float64    `json:"deviation_bps,omitempty"`
}

// detectDrift compares a fill with the command it executes. A buy filled above the
// zone or a sell filled below it drifts on spread; entry and exit commands alike.
func detectDrift(cfg DriftConfig, cmd outbox.Command, f outbox.Fill) []DriftReport {
	var out []DriftReport
	base := DriftReport{SignalID: cmd.SignalID, CommandID: cmd.CommandID, FillID: f.FillID, Symbol: f.Symbol}

	if cfg.LatencyBudget > 0 && !cmd.SignalTS.IsZero() && !f.Timestamp.IsZero() {
		lat := f.Timestamp.Sub(cmd.SignalTS)
		if lat > cfg.LatencyBudget {
			r := base
			r.Class = DriftLatency
			r.Expected = float64(cfg.LatencyBudget.Milliseconds())
			r.Actual = float64(lat.Milliseconds())
			out = append(out, r)
		}
	}

	if cfg.SpreadThresholdBps > 0 && len(cmd.EntryZone) == 2 {
		lo, hi := cmd.EntryZone[0], cmd.EntryZone[1]
		price, _ := f.Price.Float64()
		var bound, bps float64
		switch {
		case cmd.Side == "BUY" && price > hi && hi > 0:
			bound, bps = hi, (price-hi)/hi*10_000
		case cmd.Side == "SELL" && price < lo && lo > 0:
			bound, bps = lo, (lo-price)/lo*10_000
		}
		if bps > cfg.SpreadThresholdBps {
			r := base
			r.Class = DriftSpread
			r.Expected = bound
			r.Actual = price
			r.DeviationBps = bps
			out = append(out, r)
		}
	}
	return out
}

// checkDrift records drift for a newly ingested fill and trips a SOFT breaker once the
// window holds TripAfter reports. Fills without a committed command are not checked.
func (g *Gateway) checkDrift(ctx context.Context, f outbox.Fill, traceID string) {
	if f.SignalID == "" {
		return
	}
	rec, ok := g.d.Outbox.BySignal(f.SignalID)
	if !ok {
		return
	}
	reports := detectDrift(g.cfg.Drift, rec.Command, f)
	for _, r := range reports {
		g.drift.record(true, 0)
		observ.IncCounter("gateway_execution_drift_total", map[string]string{"class": string(r.Class), "symbol": r.Symbol})
		observ.Warn("execution_drift", map[string]any{
			"signal_id": r.SignalID, "fill_id": r.FillID, "class": r.Class,
			"expected": r.Expected, "actual": r.Actual, "deviation_bps": r.DeviationBps,
		})
		if _, err := g.d.Log.Append(ctx, eventlog.Draft{
			Type:        eventlog.TypeExecDrift,
			AggregateID: "drift:" + r.Symbol,
			Payload:     r,
			TraceID:     traceID,
		}); err != nil {
			observ.Error("execution_drift_record_failed", err, map[string]any{"fill_id": r.FillID})
		}
	}
	if len(reports) == 0 || g.cfg.Drift.TripAfter <= 0 || g.d.Guard.Breaker == nil {
		return
	}
	if n := g.drift.count(); n >= g.cfg.Drift.TripAfter {
		reason := fmt.Sprintf("%d execution drift reports within %s", n, g.cfg.HealthWindow)
		if _, err := g.d.Guard.Breaker.Trip(ctx, safety.BreakerSoft, reason, "drift"); err != nil {
			observ.Error("breaker_trip_failed", err, map[string]any{"source": "drift"})
		}
	}
}
