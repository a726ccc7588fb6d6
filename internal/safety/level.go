// Package safety holds the system-wide caution level and the operator-reset circuit
// breaker. Both are the only writers of their state; everything else reads snapshots.
package safety

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Rajchodisetti/trading-brain/internal/alerts"
	"github.com/Rajchodisetti/trading-brain/internal/apperr"
	"github.com/Rajchodisetti/trading-brain/internal/eventlog"
	"github.com/Rajchodisetti/trading-brain/internal/observ"
)

type Level string

const (
	LevelNormal    Level = "NORMAL"
	LevelCaution   Level = "CAUTION"
	LevelDefensive Level = "DEFENSIVE"
	LevelEmergency Level = "EMERGENCY"
)

// Action is what a level or breaker allows
type Action string

const (
	ActionNone       Action = "NONE"
	ActionEntryPause Action = "ENTRY_PAUSE"
	ActionFullHalt   Action = "FULL_HALT"
)

func (l Level) Action() Action {
	switch l {
	case LevelNormal, LevelCaution:
		return ActionNone
	case LevelDefensive:
		return ActionEntryPause
	case LevelEmergency:
		return ActionFullHalt
	}
	return ActionFullHalt
}

func (l Level) rank() int {
	switch l {
	case LevelNormal:
		return 0
	case LevelCaution:
		return 1
	case LevelDefensive:
		return 2
	case LevelEmergency:
		return 3
	}
	return 3
}

func (a Action) rank() int {
	switch a {
	case ActionNone:
		return 0
	case ActionEntryPause:
		return 1
	case ActionFullHalt:
		return 2
	}
	return 2
}

// Stricter returns the more restrictive of two actions
func Stricter(a, b Action) Action {
	if b.rank() > a.rank() {
		return b
	}
	return a
}

// Metrics are the health inputs of the level machine
type Metrics struct {
	DrawdownPct  float64 `json:"drawdown_pct"`
	ErrorRatePct float64 `json:"error_rate_5m_pct"`
	LatencyMs    float64 `json:"latency_ms"`
}

// Threshold is the entry point of one level; reaching any field enters it
type Threshold struct {
	DrawdownPct  float64 `yaml:"drawdown_pct" json:"drawdown_pct"`
	ErrorRatePct float64 `yaml:"error_rate_pct" json:"error_rate_pct"`
	LatencyMs    float64 `yaml:"latency_ms" json:"latency_ms"`
}

func (t Threshold) reached(m Metrics) bool {
	return (t.DrawdownPct > 0 && m.DrawdownPct >= t.DrawdownPct) ||
		(t.ErrorRatePct > 0 && m.ErrorRatePct >= t.ErrorRatePct) ||
		(t.LatencyMs > 0 && m.LatencyMs >= t.LatencyMs)
}

type Thresholds struct {
	Caution   Threshold `yaml:"caution"`
	Defensive Threshold `yaml:"defensive"`
	Emergency Threshold `yaml:"emergency"`
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		Caution:   Threshold{DrawdownPct: 2, ErrorRatePct: 2, LatencyMs: 500},
		Defensive: Threshold{DrawdownPct: 5, ErrorRatePct: 5, LatencyMs: 1500},
		Emergency: Threshold{DrawdownPct: 10, ErrorRatePct: 15, LatencyMs: 5000},
	}
}

// LevelFor maps metrics to a level. It holds no state.
func LevelFor(m Metrics, t Thresholds) Level {
	switch {
	case t.Emergency.reached(m):
		return LevelEmergency
	case t.Defensive.reached(m):
		return LevelDefensive
	case t.Caution.reached(m):
		return LevelCaution
	default:
		return LevelNormal
	}
}

// DeEscalation selects how a lower computed level is applied
type DeEscalation string

const (
	DeEscalateAuto   DeEscalation = "auto"
	DeEscalateManual DeEscalation = "manual"
	DeEscalateHybrid DeEscalation = "hybrid" // EMERGENCY waits for an operator, lower levels recompute
)

type LevelConfig struct {
	Thresholds   Thresholds   `yaml:"thresholds"`
	DeEscalation DeEscalation `yaml:"de_escalation"`
}

func DefaultLevelConfig() LevelConfig {
	return LevelConfig{Thresholds: DefaultThresholds(), DeEscalation: DeEscalateHybrid}
}

// LevelStatus is a read-only view of the machine
type LevelStatus struct {
	Level       Level     `json:"level"`
	Action      Action    `json:"action"`
	Computed    Level     `json:"computed"`
	AwaitingAck bool      `json:"awaiting_ack"`
	Since       time.Time `json:"since"`
	Metrics     Metrics   `json:"metrics"`
}

type levelChange struct {
	From       Level   `json:"from"`
	To         Level   `json:"to"`
	Metrics    Metrics `json:"metrics"`
	OperatorID string  `json:"operator_id,omitempty"`
	Reason     string  `json:"reason"`
}

// LevelMachine escalates immediately and de-escalates according to its DeEscalation policy
type LevelMachine struct {
	cfg      LevelConfig
	log      *eventlog.Log
	notifier alerts.Notifier
	now      func() time.Time

	mu       sync.RWMutex
	level    Level
	computed Level
	since    time.Time
	metrics  Metrics
}

func NewLevelMachine(cfg LevelConfig, log *eventlog.Log, notifier alerts.Notifier, now func() time.Time) *LevelMachine {
	if cfg.DeEscalation == "" {
		cfg.DeEscalation = DeEscalateHybrid
	}
	if notifier == nil {
		notifier = alerts.LogNotifier{}
	}
	if now == nil {
		now = time.Now
	}
	return &LevelMachine{
		cfg:      cfg,
		log:      log,
		notifier: notifier,
		now:      now,
		level:    LevelNormal,
		computed: LevelNormal,
		since:    now(),
	}
}

func (m *LevelMachine) holds(from, to Level) bool {
	if to.rank() >= from.rank() {
		return false
	}
	switch m.cfg.DeEscalation {
	case DeEscalateAuto:
		return false
	case DeEscalateManual:
		return true
	default:
		return from == LevelEmergency
	}
}

// Observe recomputes the level from fresh metrics. The returned error reports a failed
// persistence write; the transition itself has already taken effect.
func (m *LevelMachine) Observe(ctx context.Context, metrics Metrics) (LevelStatus, error) {
	next := LevelFor(metrics, m.cfg.Thresholds)

	m.mu.Lock()
	m.metrics = metrics
	m.computed = next
	from := m.level
	if next == from || m.holds(from, next) {
		st := m.statusLocked()
		m.mu.Unlock()
		return st, nil
	}
	m.setLevel(next)
	st := m.statusLocked()
	m.mu.Unlock()

	return st, m.record(ctx, levelChange{From: from, To: next, Metrics: metrics, Reason: "metrics"})
}

// Acknowledge releases a held level to the last computed one
func (m *LevelMachine) Acknowledge(ctx context.Context, operatorID string) (LevelStatus, error) {
	if operatorID == "" {
		return m.Status(), apperr.New(apperr.KindUnauthorized, "safety", "ack", "operator_id is required")
	}
	m.mu.Lock()
	from, to := m.level, m.computed
	if from == to {
		st := m.statusLocked()
		m.mu.Unlock()
		return st, nil
	}
	m.setLevel(to)
	st := m.statusLocked()
	metrics := m.metrics
	m.mu.Unlock()

	return st, m.record(ctx, levelChange{From: from, To: to, Metrics: metrics, OperatorID: operatorID, Reason: "operator_ack"})
}

func (m *LevelMachine) setLevel(next Level) {
	prev, prevSince := m.level, m.since
	m.level = next
	m.since = m.now()
	observ.Observe("safety_level_duration_seconds", m.since.Sub(prevSince).Seconds(), map[string]string{"level": string(prev)})
	observ.SetGauge("safety_level", float64(next.rank()), nil)
	observ.IncCounter("safety_level_transitions_total", map[string]string{"from": string(prev), "to": string(next)})
}

func (m *LevelMachine) record(ctx context.Context, c levelChange) error {
	kv := map[string]any{"from": c.From, "to": c.To, "reason": c.Reason, "drawdown_pct": c.Metrics.DrawdownPct,
		"error_rate_pct": c.Metrics.ErrorRatePct, "latency_ms": c.Metrics.LatencyMs}
	if c.To.rank() > c.From.rank() {
		observ.Warn("safety_level_escalated", kv)
	} else {
		observ.Log("safety_level_deescalated", kv)
	}
	if c.To == LevelEmergency {
		m.notifier.Notify(ctx, alerts.Alert{
			Severity: alerts.SeverityCritical,
			Source:   "safety",
			Title:    "Safety level EMERGENCY",
			Message:  fmt.Sprintf("drawdown %.2f%%, error rate %.2f%%, latency %.0fms", c.Metrics.DrawdownPct, c.Metrics.ErrorRatePct, c.Metrics.LatencyMs),
		})
	}
	if m.log == nil {
		return nil
	}
	if _, err := m.log.Append(ctx, eventlog.Draft{Type: eventlog.TypeSafetyLevelChanged, AggregateID: "safety", Payload: c}); err != nil {
		observ.Error("safety_level_persist_failed", err, kv)
		m.notifier.Notify(ctx, alerts.Alert{
			Severity: alerts.SeverityCritical,
			Source:   "safety",
			Title:    "Safety level not persisted",
			Message:  err.Error(),
		})
		return apperr.Wrap(err, apperr.KindPersistenceFailure, "safety", "record_level")
	}
	return nil
}

// Restore replays safety.level_changed events; the last one wins
func (m *LevelMachine) Restore(ctx context.Context) error {
	if m.log == nil {
		return nil
	}
	events, err := m.log.GetStream(ctx, "safety")
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range events {
		if e.Type != eventlog.TypeSafetyLevelChanged {
			continue
		}
		var c levelChange
		if err := e.Decode(&c); err != nil {
			observ.IncCounter("safety_replay_errors_total", nil)
			continue
		}
		m.level, m.computed, m.since, m.metrics = c.To, c.To, e.Metadata.Timestamp, c.Metrics
	}
	observ.SetGauge("safety_level", float64(m.level.rank()), nil)
	return nil
}

func (m *LevelMachine) Status() LevelStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.statusLocked()
}

func (m *LevelMachine) statusLocked() LevelStatus {
	return LevelStatus{
		Level:       m.level,
		Action:      m.level.Action(),
		Computed:    m.computed,
		AwaitingAck: m.computed != m.level,
		Since:       m.since,
		Metrics:     m.metrics,
	}
}

func (m *LevelMachine) Level() Level {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.level
}
