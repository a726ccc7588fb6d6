// Package signal defines the intent signal emitted by strategy engines.
package signal

import (
	"fmt"
	"strings"
	"time"

	"github.com/Rajchodisetti/trading-brain/internal/apperr"
)

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

type IntentType string

const (
	BuySetup   IntentType = "BUY_SETUP"
	SellSetup  IntentType = "SELL_SETUP"
	CloseLong  IntentType = "CLOSE_LONG"
	CloseShort IntentType = "CLOSE_SHORT"
	Close      IntentType = "CLOSE"
)

// Phases are numbered 1 (most conservative) to 3
const (
	PhaseConservative = 1
	PhaseAggressive   = 2
	PhaseDefensive    = 3
)

// IntentSignal is immutable once admitted
type IntentSignal struct {
	SignalID      string         `json:"signal_id"`
	PhaseID       int            `json:"phase_id"`
	Symbol        string         `json:"symbol"`
	Side          Side           `json:"side"`
	Type          IntentType     `json:"type,omitempty"`
	RequestedSize float64        `json:"requested_size"`
	Leverage      float64        `json:"leverage"`
	ExpectedEdge  *float64       `json:"expected_edge"`
	Volatility    *float64       `json:"volatility,omitempty"`
	EntryZone     []float64      `json:"entry_zone,omitempty"`
	StopLoss      float64        `json:"stop_loss,omitempty"`
	Exchange      string         `json:"exchange,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// Intent returns the explicit type, or the entry type implied by the side
func (s IntentSignal) Intent() IntentType {
	if s.Type != "" {
		return s.Type
	}
	if s.Side == SideSell {
		return SellSetup
	}
	return BuySetup
}

// IsExit reports a reduce-only intent
func (s IntentSignal) IsExit() bool {
	switch s.Intent() {
	case CloseLong, CloseShort, Close:
		return true
	default:
		return false
	}
}

// ReferencePrice is the midpoint of the entry zone, or 0 when none was signaled
func (s IntentSignal) ReferencePrice() float64 {
	if len(s.EntryZone) == 0 {
		return 0
	}
	lo, hi := s.EntryZone[0], s.EntryZone[0]
	for _, p := range s.EntryZone[1:] {
		if p < lo {
			lo = p
		}
		if p > hi {
			hi = p
		}
	}
	return (lo + hi) / 2
}

// Notional is size times price. Without any price the size is taken as quote notional.
func (s IntentSignal) Notional(markPrice float64) float64 {
	price := s.ReferencePrice()
	if price <= 0 {
		price = markPrice
	}
	if price <= 0 {
		return s.RequestedSize
	}
	return s.RequestedSize * price
}

// Validate checks required fields. It never mutates the signal.
func (s IntentSignal) Validate(now time.Time, maxFutureSkew time.Duration) error {
	var problems []string
	if strings.TrimSpace(s.SignalID) == "" {
		problems = append(problems, "signal_id is required")
	}
	if strings.TrimSpace(s.Symbol) == "" {
		problems = append(problems, "symbol is required")
	}
	if s.PhaseID < PhaseConservative || s.PhaseID > PhaseDefensive {
		problems = append(problems, fmt.Sprintf("phase_id must be 1..3, got %d", s.PhaseID))
	}
	if s.Side != SideBuy && s.Side != SideSell {
		problems = append(problems, fmt.Sprintf("side must be BUY or SELL, got %q", s.Side))
	}
	switch s.Intent() {
	case BuySetup, SellSetup, CloseLong, CloseShort, Close:
	default:
		problems = append(problems, fmt.Sprintf("unknown intent type %q", s.Type))
	}
	if s.RequestedSize <= 0 {
		problems = append(problems, "requested_size must be positive")
	}
	if s.Leverage <= 0 {
		problems = append(problems, "leverage must be positive")
	}
	if s.ExpectedEdge == nil {
		problems = append(problems, "expected_edge is required")
	}
	if s.Volatility != nil && *s.Volatility < 0 {
		problems = append(problems, "volatility must not be negative")
	}
	for _, p := range s.EntryZone {
		if p <= 0 {
			problems = append(problems, "entry_zone prices must be positive")
			break
		}
	}
	switch {
	case len(s.EntryZone) != 0 && len(s.EntryZone) != 2:
		problems = append(problems, fmt.Sprintf("entry_zone must be [min, max], got %d prices", len(s.EntryZone)))
	case len(s.EntryZone) == 2 && s.EntryZone[0] > s.EntryZone[1]:
		problems = append(problems, fmt.Sprintf("entry_zone min %.8g exceeds max %.8g", s.EntryZone[0], s.EntryZone[1]))
	}
	if s.Timestamp.IsZero() {
		problems = append(problems, "timestamp is required")
	} else if maxFutureSkew > 0 && s.Timestamp.After(now.Add(maxFutureSkew)) {
		problems = append(problems, "timestamp is in the future")
	}
	if len(problems) > 0 {
		return apperr.New(apperr.KindValidation, "signal", "validate", strings.Join(problems, "; "))
	}
	return nil
}

// EffectiveLeverage treats an unset leverage as 1x for signals built before validation
func (s IntentSignal) EffectiveLeverage() float64 {
	if s.Leverage <= 0 {
		return 1
	}
	return s.Leverage
}
