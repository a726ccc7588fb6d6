package gateway

import (
	"context"
	"fmt"

	"github.com/Rajchodisetti/trading-brain/internal/allocation"
	"github.com/Rajchodisetti/trading-brain/internal/apperr"
	"github.com/Rajchodisetti/trading-brain/internal/cost"
	"github.com/Rajchodisetti/trading-brain/internal/observ"
	"github.com/Rajchodisetti/trading-brain/internal/risk"
	"github.com/Rajchodisetti/trading-brain/internal/signal"
)

// Gate names, in evaluation order
const (
	GateCost       = "cost"
	GateRisk       = "risk"
	GateBreaker    = "breaker"
	GateAllocation = "allocation"
)

// GateResult records one gate's verdict
type GateResult struct {
	Gate   string `json:"gate"`
	Passed bool   `json:"passed"`
	Reason string `json:"reason,omitempty"`
}

// Decision is the gate chain's verdict for one signal. Gate is the gate that vetoed.
type Decision struct {
	Accepted   bool
	Kind       apperr.Kind
	Gate       string
	Reason     string
	Gates      []GateResult
	Cost       cost.Result
	Risk       *risk.Verdict
	Policy     *risk.Policy
	Allocation allocation.Vector
	MarkPrice  float64
}

func (d *Decision) pass(gate string) {
	d.Gates = append(d.Gates, GateResult{Gate: gate, Passed: true})
}

func (d *Decision) veto(gate string, kind apperr.Kind, reason string) Decision {
	d.Gates = append(d.Gates, GateResult{Gate: gate, Reason: reason})
	d.Gate, d.Kind, d.Reason = gate, kind, reason
	return *d
}

// evaluate runs cost, risk, breaker and allocation in that order and stops at the first
// veto. Exactly one policy version is read per evaluation.
func (g *Gateway) evaluate(ctx context.Context, sig signal.IntentSignal) Decision {
	var d Decision
	tick, hasTick := g.d.Market.Get(sig.Symbol)
	d.MarkPrice = tick.Price

	in := cost.Input{RequestedSize: sig.RequestedSize, ExpectedEdge: sig.ExpectedEdge, Volatility: sig.Volatility}
	if hasTick {
		in.DailyVolume = tick.DailyVolume
		if in.Volatility == nil && tick.Volatility > 0 {
			v := tick.Volatility
			in.Volatility = &v
		}
	}
	d.Cost = cost.Evaluate(g.d.Cost, in)
	if !d.Cost.Accepted && !sig.IsExit() {
		return d.veto(GateCost, apperr.KindExpectancyVeto, d.Cost.Reason)
	}
	d.pass(GateCost)

	policy := g.d.Policies.Current()
	d.Policy = policy
	inputs := risk.Inputs{
		Exposure:             g.d.Book.Exposure(),
		MarkPrice:            tick.Price,
		HasMarketData:        hasTick,
		EstimatedSlippageBps: d.Cost.SlippageBps,
	}
	if hasTick {
		inputs.DataAge, _ = g.d.Market.Age(sig.Symbol)
	}
	if g.d.Ledger != nil {
		inputs.Snapshot, _ = g.d.Ledger.Current()
	}
	if g.d.Confidence != nil {
		if c, ok := g.d.Confidence(ctx); ok {
			inputs.Confidence = &c
		}
	}
	verdict := risk.Evaluate(sig, inputs, policy)
	d.Risk = &verdict
	if !verdict.OK {
		return d.veto(GateRisk, apperr.KindRiskVeto, verdict.Reason())
	}
	d.pass(GateRisk)

	if ok, reason := g.d.Guard.Check(sig.IsExit()); !ok {
		return d.veto(GateBreaker, apperr.KindBreakerHalt, reason)
	}
	d.pass(GateBreaker)

	// exits release capital and are never held back by allocation
	if !sig.IsExit() {
		equity := g.d.Book.Equity()
		ok, reason, vec, err := g.d.Allocation.Allows(ctx, sig.PhaseID, equity)
		if err != nil {
			observ.Error("allocation_record_failed", err, map[string]any{"signal_id": sig.SignalID})
		}
		d.Allocation = vec
		if !ok {
			return d.veto(GateAllocation, apperr.KindAllocationVeto, reason)
		}
		if maxLev := g.d.Allocation.MaxLeverage(equity); sig.EffectiveLeverage() > maxLev {
			return d.veto(GateAllocation, apperr.KindAllocationVeto,
				fmt.Sprintf("leverage %.2fx exceeds %s tier cap %.2fx", sig.EffectiveLeverage(), vec.Tier, maxLev))
		}
	}
	d.pass(GateAllocation)

	d.Accepted = true
	return d
}
