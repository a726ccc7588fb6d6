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

type BreakerType string

const (
	BreakerSoft              BreakerType = "SOFT"
	BreakerEntryFreeze       BreakerType = "ENTRY_FREEZE"
	BreakerSystemFreeze      BreakerType = "SYSTEM_FREEZE"
	BreakerHard              BreakerType = "HARD"
	BreakerEmergencyShutdown BreakerType = "EMERGENCY_SHUTDOWN"
)

func (t BreakerType) Action() Action {
	switch t {
	case BreakerSoft, BreakerEntryFreeze:
		return ActionEntryPause
	case BreakerSystemFreeze, BreakerHard, BreakerEmergencyShutdown:
		return ActionFullHalt
	}
	return ActionFullHalt
}

func (t BreakerType) severity() int {
	switch t {
	case BreakerSoft:
		return 1
	case BreakerEntryFreeze:
		return 2
	case BreakerSystemFreeze:
		return 3
	case BreakerHard:
		return 4
	case BreakerEmergencyShutdown:
		return 5
	}
	return 0
}

// ParseBreakerType accepts the wire names
func ParseBreakerType(s string) (BreakerType, error) {
	t := BreakerType(s)
	if t.severity() == 0 {
		return "", apperr.Newf(apperr.KindValidation, "safety", "parse_breaker_type", "unknown breaker type %q", s)
	}
	return t, nil
}

// BreakerStatus is the externally visible breaker state
type BreakerStatus struct {
	Active         bool        `json:"active"`
	BreakerType    BreakerType `json:"breaker_type,omitempty"`
	Action         Action      `json:"action"`
	Reason         string      `json:"reason,omitempty"`
	Source         string      `json:"source,omitempty"`
	TriggeredAt    *time.Time  `json:"triggered_at,omitempty"`
	CooldownEndsAt *time.Time  `json:"cooldown_ends_at,omitempty"`
	TripCount      int         `json:"trip_count"`
	LastResetBy    string      `json:"last_reset_by,omitempty"`
}

// BreakerConfig holds the absolute trip thresholds. A zero threshold disables its rule.
type BreakerConfig struct {
	HardDrawdownPct      float64                       `yaml:"hard_drawdown_pct"`
	SoftDrawdownPct      float64                       `yaml:"soft_drawdown_pct"`
	EquityFloor          float64                       `yaml:"equity_floor"`
	MaxConsecutiveLosses int                           `yaml:"max_consecutive_losses"`
	LossWindow           time.Duration                 `yaml:"loss_window"`
	ErrorRateSpikePct    float64                       `yaml:"error_rate_spike_pct"`
	// MaxLeverage freezes entries when the windowed leverage peak reaches it
	MaxLeverage float64                       `yaml:"max_leverage"`
	Cooldowns            map[BreakerType]time.Duration `yaml:"cooldowns"`
	LockfilePath         string                        `yaml:"lockfile_path"`
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		HardDrawdownPct:      5,
		SoftDrawdownPct:      3,
		MaxConsecutiveLosses: 5,
		LossWindow:           time.Hour,
		ErrorRateSpikePct:    25,
		MaxLeverage:          8,
		Cooldowns: map[BreakerType]time.Duration{
			BreakerSoft:              15 * time.Minute,
			BreakerEntryFreeze:       30 * time.Minute,
			BreakerSystemFreeze:      10 * time.Minute,
			BreakerHard:              4 * time.Hour,
			BreakerEmergencyShutdown: 24 * time.Hour,
		},
		LockfilePath: "data/HALT",
	}
}

// Observation is the breaker's periodic input
type Observation struct {
	DailyDrawdownPct float64 `json:"daily_drawdown_pct"`
	Equity           float64 `json:"equity"`
	ErrorRatePct     float64 `json:"error_rate_pct"`
	PeakLeverage     float64 `json:"peak_leverage"`
}

type trip struct {
	typ    BreakerType
	reason string
}

// rules returns every rule the observation breaks, most severe first
func (c BreakerConfig) rules(o Observation) []trip {
	var out []trip
	if c.EquityFloor > 0 && o.Equity > 0 && o.Equity < c.EquityFloor {
		out = append(out, trip{BreakerEmergencyShutdown, fmt.Sprintf("equity %.2f below floor %.2f", o.Equity, c.EquityFloor)})
	}
	if c.HardDrawdownPct > 0 && o.DailyDrawdownPct >= c.HardDrawdownPct {
		out = append(out, trip{BreakerHard, fmt.Sprintf("daily drawdown %.2f%% >= %.2f%%", o.DailyDrawdownPct, c.HardDrawdownPct)})
	}
	if c.ErrorRateSpikePct > 0 && o.ErrorRatePct >= c.ErrorRateSpikePct {
		out = append(out, trip{BreakerSystemFreeze, fmt.Sprintf("error rate %.2f%% >= %.2f%%", o.ErrorRatePct, c.ErrorRateSpikePct)})
	}
	if c.MaxLeverage > 0 && o.PeakLeverage >= c.MaxLeverage {
		out = append(out, trip{BreakerEntryFreeze, fmt.Sprintf("leverage peak %.2fx >= %.2fx", o.PeakLeverage, c.MaxLeverage)})
	}
	if c.SoftDrawdownPct > 0 && o.DailyDrawdownPct >= c.SoftDrawdownPct {
		out = append(out, trip{BreakerSoft, fmt.Sprintf("daily drawdown %.2f%% >= %.2f%%", o.DailyDrawdownPct, c.SoftDrawdownPct)})
	}
	return out
}

// Breaker trips on absolute thresholds and stays tripped until an operator resets it.
// A tripped breaker can only escalate to a more severe type.
type Breaker struct {
	cfg      BreakerConfig
	log      *eventlog.Log
	notifier alerts.Notifier
	lock     *Lockfile
	now      func() time.Time

	mu     sync.RWMutex
	status BreakerStatus
	losses []time.Time
}

func NewBreaker(cfg BreakerConfig, log *eventlog.Log, notifier alerts.Notifier, now func() time.Time) *Breaker {
	if notifier == nil {
		notifier = alerts.LogNotifier{}
	}
	if now == nil {
		now = time.Now
	}
	b := &Breaker{
		cfg:      cfg,
		log:      log,
		notifier: notifier,
		now:      now,
		status:   BreakerStatus{Action: ActionNone},
	}
	if cfg.LockfilePath != "" {
		b.lock = NewLockfile(cfg.LockfilePath)
	}
	return b
}

// Evaluate applies the threshold rules to o
func (b *Breaker) Evaluate(ctx context.Context, o Observation) (BreakerStatus, error) {
	rules := b.cfg.rules(o)
	if len(rules) == 0 {
		return b.Status(), nil
	}
	return b.Trip(ctx, rules[0].typ, rules[0].reason, "threshold")
}

// RecordTrade feeds realized trade outcomes to the consecutive-loss rule
func (b *Breaker) RecordTrade(ctx context.Context, pnl float64, at time.Time) (BreakerStatus, error) {
	if b.cfg.MaxConsecutiveLosses <= 0 {
		return b.Status(), nil
	}
	b.mu.Lock()
	if pnl >= 0 {
		b.losses = b.losses[:0]
		b.mu.Unlock()
		return b.Status(), nil
	}
	b.losses = append(b.losses, at)
	if b.cfg.LossWindow > 0 {
		cutoff := at.Add(-b.cfg.LossWindow)
		i := 0
		for i < len(b.losses) && b.losses[i].Before(cutoff) {
			i++
		}
		b.losses = b.losses[i:]
	}
	n := len(b.losses)
	b.mu.Unlock()

	if n < b.cfg.MaxConsecutiveLosses {
		return b.Status(), nil
	}
	return b.Trip(ctx, BreakerEntryFreeze,
		fmt.Sprintf("%d consecutive losses within %s", n, b.cfg.LossWindow), "loss_streak")
}

type tripPayload struct {
	BreakerType    BreakerType `json:"breaker_type"`
	Action         Action      `json:"action"`
	Reason         string      `json:"reason"`
	Source         string      `json:"source"`
	TriggeredAt    time.Time   `json:"triggered_at"`
	CooldownEndsAt *time.Time  `json:"cooldown_ends_at,omitempty"`
	TripCount      int         `json:"trip_count"`
	Escalation     bool        `json:"escalation"`
}

type resetPayload struct {
	OperatorID string    `json:"operator_id"`
	Reason     string    `json:"reason"`
	From       string    `json:"from"`
	TripCount  int       `json:"trip_count"`
	ResetAt    time.Time `json:"reset_at"`
}

// Trip activates the breaker, or escalates an active one. Requests at or below the
// active severity are ignored. The in-memory trip takes effect before anything is
// written; a failed write is returned as a persistence error and alerted.
func (b *Breaker) Trip(ctx context.Context, typ BreakerType, reason, source string) (BreakerStatus, error) {
	if typ.severity() == 0 {
		return b.Status(), apperr.Newf(apperr.KindValidation, "safety", "trip", "unknown breaker type %q", typ)
	}

	b.mu.Lock()
	if b.status.Active && typ.severity() <= b.status.BreakerType.severity() {
		st := b.status
		b.mu.Unlock()
		return st, nil
	}
	escalation := b.status.Active
	now := b.now().UTC()
	p := tripPayload{
		BreakerType: typ,
		Action:      typ.Action(),
		Reason:      reason,
		Source:      source,
		TriggeredAt: now,
		Escalation:  escalation,
	}
	if cd := b.cfg.Cooldowns[typ]; cd > 0 {
		ends := now.Add(cd)
		p.CooldownEndsAt = &ends
	}
	if !escalation {
		b.status.TripCount++
	}
	p.TripCount = b.status.TripCount
	b.applyTrip(p)
	st := b.status
	b.mu.Unlock()

	kv := map[string]any{"breaker_type": typ, "action": p.Action, "reason": reason, "source": source, "trip_count": p.TripCount}
	observ.Warn("breaker_tripped", kv)
	observ.IncCounter("breaker_trips_total", map[string]string{"type": string(typ), "source": source})
	observ.SetGauge("breaker_active", 1, nil)
	b.notifier.Notify(ctx, alerts.Alert{
		Severity: alerts.SeverityCritical,
		Source:   "safety",
		Title:    fmt.Sprintf("Circuit breaker %s (%s)", typ, p.Action),
		Message:  reason,
		Fields:   map[string]string{"source": source, "trip_count": fmt.Sprint(p.TripCount)},
	})

	var errs []error
	if p.Action == ActionFullHalt && b.lock != nil {
		if err := b.lock.Write(LockInfo{BreakerType: typ, Reason: reason, TriggeredAt: now}); err != nil {
			errs = append(errs, err)
		}
	}
	if b.log != nil {
		if _, err := b.log.Append(ctx, eventlog.Draft{Type: eventlog.TypeBreakerTripped, AggregateID: "breaker", Payload: p}); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return st, b.persistFailed(ctx, "trip", errs)
	}
	return st, nil
}

// Reset clears an active breaker. The reset is recorded before it takes effect: if the
// record cannot be written the breaker stays tripped.
func (b *Breaker) Reset(ctx context.Context, operatorID, reason string) (BreakerStatus, error) {
	if operatorID == "" {
		return b.Status(), apperr.New(apperr.KindUnauthorized, "safety", "reset", "operator_id is required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.status.Active {
		return b.status, apperr.New(apperr.KindConflict, "safety", "reset", "breaker is not tripped")
	}
	p := resetPayload{
		OperatorID: operatorID,
		Reason:     reason,
		From:       string(b.status.BreakerType),
		TripCount:  b.status.TripCount,
		ResetAt:    b.now().UTC(),
	}
	if b.log != nil {
		if _, err := b.log.Append(ctx, eventlog.Draft{Type: eventlog.TypeBreakerReset, AggregateID: "breaker", Payload: p}); err != nil {
			return b.status, b.persistFailed(ctx, "reset", []error{err})
		}
	}
	b.applyReset(p)
	b.losses = b.losses[:0]
	if b.lock != nil {
		if err := b.lock.Remove(); err != nil {
			observ.Error("breaker_lockfile_remove_failed", err, nil)
		}
	}

	observ.Log("breaker_reset", map[string]any{"operator_id": operatorID, "reason": reason, "from": p.From, "trip_count": p.TripCount})
	observ.IncCounter("breaker_resets_total", nil)
	observ.SetGauge("breaker_active", 0, nil)
	return b.status, nil
}

func (b *Breaker) applyTrip(p tripPayload) {
	triggered := p.TriggeredAt
	b.status.Active = true
	b.status.BreakerType = p.BreakerType
	b.status.Action = p.BreakerType.Action()
	b.status.Reason = p.Reason
	b.status.Source = p.Source
	b.status.TriggeredAt = &triggered
	b.status.CooldownEndsAt = p.CooldownEndsAt
	if p.TripCount > b.status.TripCount {
		b.status.TripCount = p.TripCount
	}
}

func (b *Breaker) applyReset(p resetPayload) {
	b.status = BreakerStatus{
		Action:      ActionNone,
		TripCount:   b.status.TripCount,
		LastResetBy: p.OperatorID,
	}
}

func (b *Breaker) persistFailed(ctx context.Context, op string, errs []error) error {
	err := errs[0]
	for _, e := range errs[1:] {
		err = fmt.Errorf("%w; %v", err, e)
	}
	observ.Error("breaker_persist_failed", err, map[string]any{"op": op})
	observ.IncCounter("breaker_persist_failures_total", map[string]string{"op": op})
	b.notifier.Notify(ctx, alerts.Alert{
		Severity: alerts.SeverityCritical,
		Source:   "safety",
		Title:    "Breaker state not persisted",
		Message:  fmt.Sprintf("%s: %v", op, err),
	})
	return apperr.Wrap(err, apperr.KindPersistenceFailure, "safety", op)
}

// Restore rebuilds state from the breaker aggregate, then honors a halt lockfile left
// by a previous process even when the log has no matching trip.
func (b *Breaker) Restore(ctx context.Context) error {
	if b.log != nil {
		events, err := b.log.GetStream(ctx, "breaker")
		if err != nil {
			return err
		}
		b.mu.Lock()
		for _, e := range events {
			switch e.Type {
			case eventlog.TypeBreakerTripped:
				var p tripPayload
				if err := e.Decode(&p); err != nil {
					observ.IncCounter("breaker_replay_errors_total", nil)
					continue
				}
				b.applyTrip(p)
			case eventlog.TypeBreakerReset:
				var p resetPayload
				if err := e.Decode(&p); err != nil {
					observ.IncCounter("breaker_replay_errors_total", nil)
					continue
				}
				b.applyReset(p)
			}
		}
		active := b.status.Active
		b.mu.Unlock()
		observ.Log("breaker_restored", map[string]any{"events": len(events), "active": active})
	}

	if b.lock == nil {
		return nil
	}
	info, ok, err := b.lock.Read()
	if err != nil {
		return err
	}
	if ok && b.Status().Action != ActionFullHalt {
		reason := "halt lockfile present"
		if info.Reason != "" {
			reason += ": " + info.Reason
		}
		_, err := b.Trip(ctx, BreakerHard, reason, "lockfile")
		return err
	}
	return nil
}

func (b *Breaker) Status() BreakerStatus {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.status
}

func (b *Breaker) Action() Action {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.status.Action
}
