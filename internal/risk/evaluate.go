package risk

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/Rajchodisetti/trading-brain/internal/signal"
)

// Violation is one breached bound
type Violation struct {
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

// Verdict is the outcome of Evaluate
type Verdict struct {
	OK            bool        `json:"ok"`
	Violations    []Violation `json:"violations,omitempty"`
	PolicyVersion int         `json:"policy_version"`
	PolicyHash    string      `json:"policy_hash"`
	Notional      float64     `json:"notional"`
}

// Reason joins the violations in check order
func (v Verdict) Reason() string {
	msgs := make([]string, len(v.Violations))
	for i, x := range v.Violations {
		msgs[i] = x.Message
	}
	return strings.Join(msgs, "; ")
}

// Inputs is the state an evaluation reads; callers assemble it once per decision
type Inputs struct {
	Snapshot             Snapshot
	Exposure             Exposure
	MarkPrice            float64
	DataAge              time.Duration
	HasMarketData        bool
	EstimatedSlippageBps float64
	// Confidence is the reconciliation trust score; nil when no scope has been reconciled
	Confidence *float64
}

// Evaluate checks sig against one policy version. It is pure: all state arrives in in.
// Exit intents reduce risk and bypass the exposure bounds.
func Evaluate(sig signal.IntentSignal, in Inputs, p *Policy) Verdict {
	v := Verdict{PolicyVersion: p.Version, PolicyHash: p.Hash}
	notional := sig.Notional(in.MarkPrice)
	v.Notional = notional

	if sig.IsExit() {
		v.OK = true
		return v
	}

	add := func(rule, format string, args ...any) {
		v.Violations = append(v.Violations, Violation{Rule: rule, Message: fmt.Sprintf(format, args...)})
	}

	if !p.Allows(sig.Symbol) {
		add("symbol_whitelist", "Symbol %s not in whitelist", sig.Symbol)
	}

	maxAge := time.Duration(p.MaxStalenessMs) * time.Millisecond
	if !in.HasMarketData {
		add("max_staleness", "No market data for %s", sig.Symbol)
	} else if in.DataAge > maxAge {
		add("max_staleness", "Market data stale for %s: %dms > %dms", sig.Symbol, in.DataAge.Milliseconds(), p.MaxStalenessMs)
	}

	if lev := sig.EffectiveLeverage(); lev > p.MaxAccountLeverage {
		add("max_account_leverage", "Leverage %.2fx exceeds max_account_leverage %.2fx", lev, p.MaxAccountLeverage)
	} else if in.Exposure.Equity > 0 {
		projected := (in.Exposure.GrossNotional + notional) / in.Exposure.Equity
		if projected > p.MaxAccountLeverage {
			add("max_account_leverage", "Projected account leverage %.2fx exceeds max_account_leverage %.2fx", projected, p.MaxAccountLeverage)
		}
	}

	current := in.Exposure.PositionNotional[sig.Symbol]
	if current+notional > p.MaxPositionNotional {
		add("max_position_notional", "Position cap exceeded for %s: %.2f + %.2f > %.2f (max_position_notional)",
			sig.Symbol, current, notional, p.MaxPositionNotional)
	}

	if open := in.Exposure.OpenOrders[sig.Symbol]; open >= p.MaxOpenOrdersPerSymbol {
		add("max_open_orders_per_symbol", "Open orders for %s at limit: %d >= %d", sig.Symbol, open, p.MaxOpenOrdersPerSymbol)
	}

	if in.Exposure.DailyPnL <= p.MaxDailyLoss && p.MaxDailyLoss < 0 {
		add("max_daily_loss", "Daily loss limit reached: %.2f <= %.2f", in.Exposure.DailyPnL, p.MaxDailyLoss)
	}

	if in.Snapshot.CorrelationScore > p.MaxCorrelation {
		add("max_correlation", "Portfolio correlation %.2f exceeds max_correlation %.2f", in.Snapshot.CorrelationScore, p.MaxCorrelation)
	}

	if p.MaxSlippageBps > 0 && in.EstimatedSlippageBps > p.MaxSlippageBps {
		add("max_slippage_bps", "Estimated slippage %.1fbps exceeds max_slippage_bps %.1f", in.EstimatedSlippageBps, p.MaxSlippageBps)
	}

	if p.MinConfidence > 0 && in.Confidence != nil && *in.Confidence < p.MinConfidence {
		add("min_confidence", "Truth confidence %.2f below min_confidence %.2f", *in.Confidence, p.MinConfidence)
	}

	v.OK = len(v.Violations) == 0
	return v
}

// ComputeSnapshot derives a snapshot from the book and per-symbol volatility.
// correlations holds pairwise coefficients; missing pairs use defaultCorr.
func ComputeSnapshot(now time.Time, book []Position, equity float64, vols map[string]float64,
	correlations map[string]map[string]float64, defaultCorr float64) Snapshot {

	s := Snapshot{Timestamp: now.UTC(), Equity: equity}
	if len(book) == 0 {
		return s
	}

	type leg struct {
		sym      string
		signed   float64
		notional float64
		sigma    float64
	}
	legs := make([]leg, 0, len(book))
	var gross, net float64
	for _, p := range book {
		n := p.Notional()
		signed := n
		if p.Size < 0 {
			signed = -n
		}
		gross += n
		net += signed
		legs = append(legs, leg{sym: p.Symbol, signed: signed, notional: n, sigma: vols[p.Symbol]})
	}

	corr := func(a, b string) float64 {
		if a == b {
			return 1
		}
		if row, ok := correlations[a]; ok {
			if c, ok := row[b]; ok {
				return c
			}
		}
		if row, ok := correlations[b]; ok {
			if c, ok := row[a]; ok {
				return c
			}
		}
		return defaultCorr
	}

	var variance, wsum, csum float64
	for i, a := range legs {
		for j, b := range legs {
			variance += a.signed * b.signed * a.sigma * b.sigma * corr(a.sym, b.sym)
			if j > i {
				w := a.notional * b.notional
				wsum += w
				csum += w * corr(a.sym, b.sym)
			}
		}
	}

	if equity > 0 {
		s.Leverage = gross / equity
	}
	s.NetDelta = net
	if gross > 0 {
		s.PortfolioBeta = net / gross
	}
	if wsum > 0 {
		s.CorrelationScore = csum / wsum
	}
	s.VaR95 = 1.645 * math.Sqrt(math.Max(variance, 0))
	return s
}
