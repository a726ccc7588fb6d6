// Package truth reconciles the brain's belief about positions and equity against the
// exchange and the database, scores how far the brain can be trusted, and escalates
// solvency-relevant drift to the circuit breaker.
package truth

import (
	"time"

	"github.com/Rajchodisetti/trading-brain/internal/apperr"
)

type Comparison string

const (
	BrainVsExchange Comparison = "BRAIN_VS_EXCHANGE"
	BrainVsDB       Comparison = "BRAIN_VS_DB"
)

type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityWarning  Severity = "WARNING"
	SeverityInfo     Severity = "INFO"
)

type Action string

const (
	ActionNone    Action = "NONE"
	ActionResync  Action = "RESYNC"
	ActionFlatten Action = "FLATTEN"
	ActionHalt    Action = "HALT"
)

type DriftType string

const (
	// DriftGhostPosition: the venue holds a position the brain does not know about
	DriftGhostPosition DriftType = "GHOST_POSITION"
	// DriftUntrackedPosition: the brain believes in a position the venue does not hold
	DriftUntrackedPosition DriftType = "UNTRACKED_POSITION"
	DriftSizeMismatch      DriftType = "SIZE_MISMATCH"
	DriftEquityMismatch    DriftType = "EQUITY_MISMATCH"
)

// Drift is one classified mismatch found by a run
type Drift struct {
	ID         string         `json:"id"`
	RunID      string         `json:"run_id"`
	Scope      string         `json:"scope"`
	Comparison Comparison     `json:"comparison"`
	Type       DriftType      `json:"drift_type"`
	Severity   Severity       `json:"severity"`
	Symbol     string         `json:"symbol,omitempty"`
	Expected   float64        `json:"expected"`
	Observed   float64        `json:"observed"`
	DiffPct    float64        `json:"diff_pct"`
	Action     Action         `json:"recommended_action"`
	Details    map[string]any `json:"details,omitempty"`
	DetectedAt time.Time      `json:"detected_at"`
}

// Run is one reconciliation pass over a scope
type Run struct {
	ID         string     `json:"run_id"`
	Scope      string     `json:"scope"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Success    bool       `json:"success"`
	Stats      RunStats   `json:"stats"`
}

type RunStats struct {
	Symbols  int    `json:"symbols"`
	Critical int    `json:"critical"`
	Warning  int    `json:"warning"`
	Info     int    `json:"info"`
	Error    string `json:"error,omitempty"`
}

type ConfidenceState string

const (
	ConfidenceHigh     ConfidenceState = "HIGH"
	ConfidenceDegraded ConfidenceState = "DEGRADED"
	ConfidenceLow      ConfidenceState = "LOW"
)

// Confidence is the per-scope trust score in [0,1]
type Confidence struct {
	Scope     string          `json:"scope"`
	Score     float64         `json:"score"`
	State     ConfidenceState `json:"state"`
	Reasons   []string        `json:"reasons,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Config carries tolerances, penalties and the state bounds
type Config struct {
	Scopes             []string      `yaml:"scopes"`
	Interval           time.Duration `yaml:"interval"`
	RunTimeout         time.Duration `yaml:"run_timeout"`
	SizeTolerancePct   float64       `yaml:"size_tolerance_pct"`
	EquityTolerancePct float64       `yaml:"equity_tolerance_pct"`
	// EquityHaltMultiple scales EquityTolerancePct into the HALT bound
	EquityHaltMultiple float64 `yaml:"equity_halt_multiple"`
	CriticalPenalty    float64 `yaml:"critical_penalty"`
	WarningPenalty     float64 `yaml:"warning_penalty"`
	RecoveryStep       float64 `yaml:"recovery_step"`
	HighThreshold      float64 `yaml:"high_threshold"`
	DegradedThreshold  float64 `yaml:"degraded_threshold"`
	ExchangeRPS        float64 `yaml:"exchange_rps"`
	ExchangeBurst      int     `yaml:"exchange_burst"`
}

func DefaultConfig() Config {
	return Config{
		Scopes:             []string{"paper"},
		Interval:           time.Minute,
		RunTimeout:         30 * time.Second,
		SizeTolerancePct:   1,
		EquityTolerancePct: 1,
		EquityHaltMultiple: 5,
		CriticalPenalty:    0.4,
		WarningPenalty:     0.1,
		RecoveryStep:       0.1,
		HighThreshold:      0.8,
		DegradedThreshold:  0.5,
		ExchangeRPS:        5,
		ExchangeBurst:      2,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = d.RunTimeout
	}
	if c.SizeTolerancePct <= 0 {
		c.SizeTolerancePct = d.SizeTolerancePct
	}
	if c.EquityTolerancePct <= 0 {
		c.EquityTolerancePct = d.EquityTolerancePct
	}
	if c.EquityHaltMultiple <= 1 {
		c.EquityHaltMultiple = d.EquityHaltMultiple
	}
	if c.CriticalPenalty <= 0 {
		c.CriticalPenalty = d.CriticalPenalty
	}
	if c.WarningPenalty <= 0 {
		c.WarningPenalty = d.WarningPenalty
	}
	if c.RecoveryStep <= 0 {
		c.RecoveryStep = d.RecoveryStep
	}
	if c.HighThreshold <= 0 {
		c.HighThreshold = d.HighThreshold
	}
	if c.DegradedThreshold <= 0 {
		c.DegradedThreshold = d.DegradedThreshold
	}
	if c.ExchangeRPS <= 0 {
		c.ExchangeRPS = d.ExchangeRPS
	}
	if c.ExchangeBurst <= 0 {
		c.ExchangeBurst = d.ExchangeBurst
	}
	return c
}

func (c Config) Validate() error {
	switch {
	case c.HighThreshold > 1 || c.HighThreshold <= c.DegradedThreshold:
		return apperr.Validation("truth", "config", "high_threshold must be above degraded_threshold and at most 1")
	case c.DegradedThreshold < 0:
		return apperr.Validation("truth", "config", "degraded_threshold must not be negative")
	}
	return nil
}

// Evidence is one side's view of a scope. Positions are signed sizes by symbol.
type Evidence struct {
	Positions map[string]float64 `json:"positions"`
	Equity    float64            `json:"equity"`
	HasEquity bool               `json:"has_equity"`
	AsOf      time.Time          `json:"as_of"`
}
