package truth

import (
	"fmt"
	"math"
	"sort"
	"time"
)

const flat = 1e-9

// Compare classifies every mismatch between the brain's belief and the other side.
// Symbols are visited in sorted order so the result is deterministic.
func Compare(cfg Config, cmp Comparison, belief, other Evidence, now time.Time) []Drift {
	cfg = cfg.withDefaults()
	symbols := make(map[string]struct{}, len(belief.Positions)+len(other.Positions))
	for s := range belief.Positions {
		symbols[s] = struct{}{}
	}
	for s := range other.Positions {
		symbols[s] = struct{}{}
	}
	ordered := make([]string, 0, len(symbols))
	for s := range symbols {
		ordered = append(ordered, s)
	}
	sort.Strings(ordered)

	var out []Drift
	for _, sym := range ordered {
		if d, ok := comparePosition(cfg, sym, belief.Positions[sym], other.Positions[sym]); ok {
			d.Comparison, d.DetectedAt = cmp, now.UTC()
			out = append(out, d)
		}
	}
	if belief.HasEquity && other.HasEquity {
		if d, ok := compareEquity(cfg, belief.Equity, other.Equity); ok {
			d.Comparison, d.DetectedAt = cmp, now.UTC()
			out = append(out, d)
		}
	}
	return out
}

func comparePosition(cfg Config, sym string, want, got float64) (Drift, bool) {
	d := Drift{Symbol: sym, Expected: want, Observed: got}
	wantFlat, gotFlat := math.Abs(want) < flat, math.Abs(got) < flat
	switch {
	case wantFlat && gotFlat:
		return d, false
	case wantFlat:
		d.Type, d.Severity, d.Action = DriftGhostPosition, SeverityCritical, ActionFlatten
		d.DiffPct = 100
		return d, true
	case gotFlat:
		d.Type, d.Severity, d.Action = DriftUntrackedPosition, SeverityCritical, ActionResync
		d.DiffPct = 100
		return d, true
	}

	d.Type = DriftSizeMismatch
	d.DiffPct = 100 * math.Abs(want-got) / math.Max(math.Abs(want), math.Abs(got))
	switch {
	case (want > 0) != (got > 0):
		// opposite sides is a position the brain does not know about
		d.Severity, d.Action = SeverityCritical, ActionFlatten
		d.Details = map[string]any{"reason": "opposite sides"}
	case d.DiffPct > cfg.SizeTolerancePct:
		d.Severity, d.Action = SeverityWarning, ActionResync
	case d.DiffPct > 0:
		d.Severity, d.Action = SeverityInfo, ActionNone
	default:
		return d, false
	}
	return d, true
}

func compareEquity(cfg Config, want, got float64) (Drift, bool) {
	d := Drift{Type: DriftEquityMismatch, Expected: want, Observed: got}
	base := math.Max(math.Abs(got), math.Abs(want))
	if base < flat {
		return d, false
	}
	d.DiffPct = 100 * math.Abs(want-got) / base
	haltPct := cfg.EquityTolerancePct * cfg.EquityHaltMultiple
	switch {
	case d.DiffPct > haltPct:
		d.Severity, d.Action = SeverityCritical, ActionHalt
		d.Details = map[string]any{"halt_pct": haltPct}
	case d.DiffPct > cfg.EquityTolerancePct:
		d.Severity, d.Action = SeverityWarning, ActionResync
	case d.DiffPct > 0:
		d.Severity, d.Action = SeverityInfo, ActionNone
	default:
		return d, false
	}
	return d, true
}

// Describe is the one-line operator summary of a drift
func (d Drift) Describe() string {
	if d.Symbol == "" {
		return fmt.Sprintf("%s %s: expected %.2f observed %.2f (%.2f%%)", d.Severity, d.Type, d.Expected, d.Observed, d.DiffPct)
	}
	return fmt.Sprintf("%s %s %s: expected %.8g observed %.8g", d.Severity, d.Type, d.Symbol, d.Expected, d.Observed)
}

// Score applies one run's drifts to the previous confidence. A clean run recovers by
// RecoveryStep; any CRITICAL caps the state at DEGRADED for this cycle.
func Score(cfg Config, prev Confidence, drifts []Drift, now time.Time) Confidence {
	cfg = cfg.withDefaults()
	next := Confidence{Scope: prev.Scope, Score: prev.Score, UpdatedAt: now.UTC()}
	critical, warning := 0, 0
	for _, d := range drifts {
		switch d.Severity {
		case SeverityCritical:
			critical++
			next.Reasons = append(next.Reasons, d.Describe())
		case SeverityWarning:
			warning++
			next.Reasons = append(next.Reasons, d.Describe())
		}
	}
	if critical == 0 && warning == 0 {
		next.Score = math.Min(1, next.Score+cfg.RecoveryStep)
	} else {
		next.Score -= float64(critical)*cfg.CriticalPenalty + float64(warning)*cfg.WarningPenalty
		next.Score = math.Max(0, next.Score)
	}
	// keep repeated steps from drifting off the thresholds
	next.Score = math.Round(next.Score*1e6) / 1e6

	switch {
	case next.Score >= cfg.HighThreshold:
		next.State = ConfidenceHigh
	case next.Score >= cfg.DegradedThreshold:
		next.State = ConfidenceDegraded
	default:
		next.State = ConfidenceLow
	}
	if critical > 0 && next.State == ConfidenceHigh {
		next.State = ConfidenceDegraded
	}
	return next
}

// InitialConfidence is the score of a scope that has never been reconciled
func InitialConfidence(scope string, now time.Time) Confidence {
	return Confidence{Scope: scope, Score: 1, State: ConfidenceHigh, UpdatedAt: now.UTC()}
}
