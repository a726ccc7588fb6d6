// Package gateway runs the two-phase admission protocol for intent signals. Prepare
// reserves a signal, Confirm runs the gate chain and hands accepted signals to the
// execution tier, Abort releases a reservation.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Rajchodisetti/trading-brain/internal/allocation"
	"github.com/Rajchodisetti/trading-brain/internal/apperr"
	"github.com/Rajchodisetti/trading-brain/internal/cost"
	"github.com/Rajchodisetti/trading-brain/internal/eventlog"
	"github.com/Rajchodisetti/trading-brain/internal/observ"
	"github.com/Rajchodisetti/trading-brain/internal/outbox"
	"github.com/Rajchodisetti/trading-brain/internal/pending"
	"github.com/Rajchodisetti/trading-brain/internal/risk"
	"github.com/Rajchodisetti/trading-brain/internal/safety"
	"github.com/Rajchodisetti/trading-brain/internal/signal"
	"github.com/Rajchodisetti/trading-brain/internal/transport"
)

type Config struct {
	MaxFutureSkew  time.Duration `yaml:"max_future_skew"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
	RedriveAfter   time.Duration `yaml:"redrive_after"`
	MonitorEvery   time.Duration `yaml:"monitor_interval"`
	HealthWindow   time.Duration `yaml:"health_window"`
	RiskWindow     time.Duration `yaml:"risk_window"`
	DefaultCorr    float64       `yaml:"default_correlation"`
	SubmitBuffer   int           `yaml:"submit_buffer"`
	StartingEquity float64       `yaml:"starting_equity"`
	Drift          DriftConfig   `yaml:"drift"`
	// ArmPath enables the arming interlock: entries and exits flow only while this
	// file exists. Empty leaves the gateway always armed.
	ArmPath string `yaml:"arm_path"`
}

func DefaultConfig() Config {
	return Config{
		MaxFutureSkew:  5 * time.Second,
		SweepInterval:  5 * time.Second,
		RedriveAfter:   10 * time.Second,
		MonitorEvery:   10 * time.Second,
		HealthWindow:   5 * time.Minute,
		RiskWindow:     15 * time.Minute,
		DefaultCorr:    0.3,
		SubmitBuffer:   1024,
		StartingEquity: 10_000,
		Drift:          DefaultDriftConfig(),
	}
}

// Deps are the collaborators the gateway orchestrates. Store, Log, Policies, Book,
// Market, Guard, Allocation, Outbox and Bus are required.
type Deps struct {
	Store      pending.Store
	Log        *eventlog.Log
	Cost       cost.Config
	Policies   *risk.PolicyStore
	Ledger     *risk.Ledger
	Book       *risk.Book
	Market     *risk.MarketMonitor
	Drawdown   *risk.DrawdownTracker
	Guard      *safety.Guard
	Allocation *allocation.Engine
	Tracker    *allocation.Tracker
	Outbox     *outbox.Outbox
	Bus        transport.Bus
	Signer     *transport.Signer
	// Confidence reports the lowest reconciliation score; optional
	Confidence func(ctx context.Context) (float64, bool)
	Now        func() time.Time
}

// PrepareResult is the outcome of Prepare
type PrepareResult struct {
	SignalID string      `json:"signal_id"`
	Prepared bool        `json:"prepared"`
	Kind     apperr.Kind `json:"kind,omitempty"`
	Reason   string      `json:"reason,omitempty"`
}

// ConfirmResult is the outcome of Confirm. FillPrice is a provisional estimate until
// the fill is reported.
type ConfirmResult struct {
	SignalID  string       `json:"signal_id"`
	Executed  bool         `json:"executed"`
	Kind      apperr.Kind  `json:"kind,omitempty"`
	Reason    string       `json:"reason,omitempty"`
	FillPrice float64      `json:"fill_price,omitempty"`
	CommandID string       `json:"command_id,omitempty"`
	Gates     []GateResult `json:"gates,omitempty"`
}

// AbortResult is the outcome of Abort
type AbortResult struct {
	SignalID string `json:"signal_id"`
	Aborted  bool   `json:"aborted"`
	Reason   string `json:"reason,omitempty"`
}

type Gateway struct {
	cfg Config
	d   Deps

	health *healthWindow
	drift  *healthWindow
	arm    *safety.Lockfile

	mu          sync.RWMutex
	paused      bool
	pauseReason string
	pausedBy    string
	armed       bool
	armedBy     string
	armReason   string
}

func New(cfg Config, d Deps) (*Gateway, error) {
	switch {
	case d.Store == nil:
		return nil, errors.New("gateway: pending store is required")
	case d.Log == nil:
		return nil, errors.New("gateway: event log is required")
	case d.Policies == nil:
		return nil, errors.New("gateway: policy store is required")
	case d.Book == nil || d.Market == nil:
		return nil, errors.New("gateway: book and market monitor are required")
	case d.Guard == nil:
		return nil, errors.New("gateway: safety guard is required")
	case d.Allocation == nil:
		return nil, errors.New("gateway: allocation engine is required")
	case d.Outbox == nil || d.Bus == nil:
		return nil, errors.New("gateway: outbox and bus are required")
	}
	def := DefaultConfig()
	if cfg.MaxFutureSkew <= 0 {
		cfg.MaxFutureSkew = def.MaxFutureSkew
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.RedriveAfter <= 0 {
		cfg.RedriveAfter = def.RedriveAfter
	}
	if cfg.MonitorEvery <= 0 {
		cfg.MonitorEvery = def.MonitorEvery
	}
	if cfg.HealthWindow <= 0 {
		cfg.HealthWindow = def.HealthWindow
	}
	if cfg.SubmitBuffer <= 0 {
		cfg.SubmitBuffer = def.SubmitBuffer
	}
	if cfg.RiskWindow <= 0 {
		cfg.RiskWindow = def.RiskWindow
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Drawdown == nil {
		d.Drawdown = risk.NewDrawdownTracker()
	}
	g := &Gateway{
		cfg:    cfg,
		d:      d,
		health: newHealthWindow(cfg.HealthWindow, d.Now),
		drift:  newHealthWindow(cfg.HealthWindow, d.Now),
		armed:  true,
	}
	if cfg.ArmPath != "" {
		g.arm = safety.NewLockfile(cfg.ArmPath)
		info, armed, err := g.arm.Read()
		if err != nil {
			return nil, err
		}
		g.armed, g.armReason = armed, info.Reason
		if !armed {
			observ.Warn("gateway_disarmed", map[string]any{"reason": "no arm file at " + cfg.ArmPath})
		}
	}
	observ.SetGauge("gateway_armed", boolGauge(g.armed), nil)
	return g, nil
}

// Prepare validates sig and reserves it as pending. Repeating it while the signal is
// pending returns the same result without side effects.
func (g *Gateway) Prepare(ctx context.Context, sig signal.IntentSignal) (PrepareResult, error) {
	start := g.d.Now()
	res := PrepareResult{SignalID: sig.SignalID}

	if err := sig.Validate(start, g.cfg.MaxFutureSkew); err != nil {
		observ.IncCounter("gateway_prepare_total", map[string]string{"result": "invalid"})
		res.Kind, res.Reason = apperr.KindValidation, messageOf(err)
		return res, nil
	}
	if ok, reason := g.isArmed(); !ok {
		observ.IncCounter("gateway_prepare_total", map[string]string{"result": "disarmed"})
		res.Kind, res.Reason = apperr.KindBreakerHalt, reason
		return res, nil
	}
	if ok, reason := g.acceptingNew(); !ok && !sig.IsExit() {
		res.Kind, res.Reason = apperr.KindBreakerHalt, reason
		return res, nil
	}

	unlock, err := g.d.Store.Lock(ctx, sig.SignalID)
	if err != nil {
		return res, err
	}
	defer unlock()

	dup, err := g.d.Store.IsDuplicate(ctx, sig.SignalID)
	if err != nil {
		return res, err
	}
	if dup {
		// pending repeats are idempotent; only resolved ids are duplicates
		_, err = g.d.Store.Peek(ctx, sig.SignalID)
		switch {
		case err == nil:
			observ.IncCounter("gateway_prepare_total", map[string]string{"result": "repeat"})
			res.Prepared = true
			return res, nil
		case errors.Is(err, pending.ErrExpired):
			res.Kind, res.Reason = apperr.KindExpiredSignal, fmt.Sprintf("signal %s expired", sig.SignalID)
			return res, nil
		case !errors.Is(err, pending.ErrNotFound):
			return res, err
		}
		if outcome, done, err := g.d.Store.WasProcessed(ctx, sig.SignalID); err != nil {
			return res, err
		} else if done {
			observ.IncCounter("gateway_prepare_total", map[string]string{"result": "duplicate"})
			res.Kind, res.Reason = apperr.KindDuplicateSignal, fmt.Sprintf("duplicate signal %s (already %s)", sig.SignalID, outcome)
			return res, nil
		}
	}

	traceID := traceOf(ctx, sig)
	inserted, err := g.d.Store.Enqueue(ctx, pending.Entry{Signal: sig, TraceID: traceID})
	if err != nil {
		return res, err
	}
	if !inserted {
		// lost a race with another instance that holds the same id
		res.Prepared = true
		return res, nil
	}
	if _, err := g.d.Log.Append(ctx, eventlog.Draft{
		Type:        eventlog.TypeSignalPrepared,
		AggregateID: signalAggregate(sig.SignalID),
		Payload:     map[string]any{"signal_id": sig.SignalID, "symbol": sig.Symbol, "side": sig.Side, "phase_id": sig.PhaseID, "requested_size": sig.RequestedSize},
		TraceID:     traceID,
	}); err != nil {
		// the reservation must not outlive a failed record
		if _, derr := g.d.Store.Dequeue(ctx, sig.SignalID); derr != nil && !errors.Is(derr, pending.ErrNotFound) {
			observ.Error("gateway_prepare_rollback_failed", derr, map[string]any{"signal_id": sig.SignalID})
		}
		return res, err
	}

	observ.IncCounter("gateway_prepare_total", map[string]string{"result": "prepared"})
	observ.RecordDuration("gateway_prepare_latency_ms", g.d.Now().Sub(start), nil)
	observ.Log("signal_prepared", map[string]any{"signal_id": sig.SignalID, "symbol": sig.Symbol, "phase_id": sig.PhaseID, "trace_id": traceID})
	res.Prepared = true
	return res, nil
}

// Confirm runs the gate chain for a prepared signal. Vetoes are normal outcomes; an error
// means the operation failed and the pending entry is intact for retry.
func (g *Gateway) Confirm(ctx context.Context, signalID string) (res ConfirmResult, err error) {
	start := g.d.Now()
	res.SignalID = signalID
	defer func() {
		lat := g.d.Now().Sub(start)
		g.health.record(err != nil, lat)
		observ.RecordDuration("gateway_confirm_latency_ms", lat, nil)
		result := "executed"
		switch {
		case err != nil:
			result = "error"
		case !res.Executed:
			result = string(res.Kind)
		}
		observ.IncCounter("gateway_confirm_total", map[string]string{"result": result})
	}()

	unlock, err := g.d.Store.Lock(ctx, signalID)
	if err != nil {
		return res, err
	}
	defer unlock()

	entry, err := g.d.Store.Peek(ctx, signalID)
	switch {
	case errors.Is(err, pending.ErrExpired):
		return g.expire(ctx, entry)
	case errors.Is(err, pending.ErrNotFound):
		return g.notPending(ctx, signalID)
	case err != nil:
		return res, err
	}

	// a command already written for this signal is the committed decision
	if rec, ok := g.d.Outbox.BySignal(signalID); ok {
		observ.Warn("gateway_confirm_resume", map[string]any{"signal_id": signalID, "command_id": rec.Command.CommandID})
		return g.dispatch(ctx, entry, rec)
	}

	dec := g.evaluate(ctx, entry.Signal)
	res.Gates = dec.Gates
	if !dec.Accepted {
		return g.reject(ctx, entry, dec)
	}

	rec, _, err := g.d.Outbox.Put(g.buildCommand(entry, dec))
	if err != nil {
		return res, err
	}
	out, err := g.dispatch(ctx, entry, rec)
	out.Gates = dec.Gates
	return out, err
}

// Abort releases a pending signal. It is safe in any state: repeating it, or aborting a
// signal that was never prepared, changes nothing.
func (g *Gateway) Abort(ctx context.Context, signalID string) (AbortResult, error) {
	res := AbortResult{SignalID: signalID}
	unlock, err := g.d.Store.Lock(ctx, signalID)
	if err != nil {
		return res, err
	}
	defer unlock()

	if rec, ok := g.d.Outbox.BySignal(signalID); ok {
		res.Reason = fmt.Sprintf("signal %s already committed as command %s", signalID, rec.Command.CommandID)
		return res, nil
	}

	entry, err := g.d.Store.Dequeue(ctx, signalID)
	switch {
	case err == nil, errors.Is(err, pending.ErrExpired):
	case errors.Is(err, pending.ErrNotFound):
		outcome, done, perr := g.d.Store.WasProcessed(ctx, signalID)
		if perr != nil {
			return res, perr
		}
		if done && outcome != pending.OutcomeAborted {
			res.Reason = fmt.Sprintf("signal %s already %s", signalID, outcome)
			return res, nil
		}
		res.Aborted = true
		if !done {
			res.Reason = "not pending"
		}
		return res, nil
	default:
		return res, err
	}

	if err := g.d.Store.MarkProcessed(ctx, signalID, pending.OutcomeAborted); err != nil {
		return res, err
	}
	if _, err := g.d.Log.Append(ctx, eventlog.Draft{
		Type:        eventlog.TypeSignalAborted,
		AggregateID: signalAggregate(signalID),
		Payload:     map[string]any{"signal_id": signalID, "symbol": entry.Signal.Symbol},
		TraceID:     entry.TraceID,
	}); err != nil {
		return res, err
	}
	observ.IncCounter("gateway_abort_total", nil)
	observ.Log("signal_aborted", map[string]any{"signal_id": signalID})
	res.Aborted = true
	return res, nil
}

// expire resolves an entry past its TTL. Caller holds the signal lock.
func (g *Gateway) expire(ctx context.Context, entry pending.Entry) (ConfirmResult, error) {
	id := entry.Signal.SignalID
	res := ConfirmResult{SignalID: id, Kind: apperr.KindExpiredSignal, Reason: fmt.Sprintf("signal %s expired", id)}
	if _, err := g.d.Store.Dequeue(ctx, id); err != nil && !errors.Is(err, pending.ErrExpired) && !errors.Is(err, pending.ErrNotFound) {
		return res, err
	}
	if err := g.d.Store.MarkProcessed(ctx, id, pending.OutcomeExpired); err != nil {
		return res, err
	}
	if _, err := g.d.Log.Append(ctx, eventlog.Draft{
		Type:        eventlog.TypeSignalExpired,
		AggregateID: signalAggregate(id),
		Payload:     map[string]any{"signal_id": id, "prepared_at": entry.PreparedAt, "expires_at": entry.ExpiresAt},
		TraceID:     entry.TraceID,
	}); err != nil {
		return res, err
	}
	observ.IncCounter("gateway_expired_total", nil)
	observ.Log("signal_expired", map[string]any{"signal_id": id, "expires_at": entry.ExpiresAt})
	return res, nil
}

// notPending explains why there is nothing to confirm
func (g *Gateway) notPending(ctx context.Context, id string) (ConfirmResult, error) {
	res := ConfirmResult{SignalID: id}
	outcome, done, err := g.d.Store.WasProcessed(ctx, id)
	if err != nil {
		return res, err
	}
	switch {
	case done && outcome == pending.OutcomeExpired:
		res.Kind, res.Reason = apperr.KindExpiredSignal, fmt.Sprintf("signal %s expired", id)
	case done && outcome == pending.OutcomeExecuted:
		res.Kind, res.Reason = apperr.KindDuplicateSignal, fmt.Sprintf("signal %s already executed", id)
		if rec, ok := g.d.Outbox.BySignal(id); ok {
			res.CommandID = rec.Command.CommandID
		}
	case done && outcome == pending.OutcomeRejected:
		res.Kind, res.Reason = apperr.KindDuplicateSignal, fmt.Sprintf("signal %s already rejected", id)
	default:
		res.Kind, res.Reason = apperr.KindNotFound, "not found or expired"
	}
	return res, nil
}

// reject records a veto once and resolves the signal
func (g *Gateway) reject(ctx context.Context, entry pending.Entry, dec Decision) (ConfirmResult, error) {
	id := entry.Signal.SignalID
	res := ConfirmResult{SignalID: id, Kind: dec.Kind, Reason: dec.Reason, Gates: dec.Gates}

	payload := map[string]any{
		"signal_id": id,
		"symbol":    entry.Signal.Symbol,
		"phase_id":  entry.Signal.PhaseID,
		"kind":      dec.Kind,
		"reason":    dec.Reason,
		"gate":      dec.Gate,
		"gates":     dec.Gates,
	}
	if dec.Risk != nil {
		payload["violations"] = dec.Risk.Violations
		payload["policy_version"] = dec.Risk.PolicyVersion
		payload["policy_hash"] = dec.Risk.PolicyHash
	}
	// recorded before the entry is released so a failed write leaves it retryable
	if _, err := g.d.Log.Append(ctx, eventlog.Draft{
		Type:        eventlog.TypeSignalRejected,
		AggregateID: signalAggregate(id),
		Payload:     payload,
		TraceID:     entry.TraceID,
	}); err != nil {
		return res, err
	}
	if _, err := g.d.Store.Dequeue(ctx, id); err != nil && !errors.Is(err, pending.ErrNotFound) && !errors.Is(err, pending.ErrExpired) {
		return res, err
	}
	if err := g.d.Store.MarkProcessed(ctx, id, pending.OutcomeRejected); err != nil {
		return res, err
	}
	observ.IncCounter("gateway_vetoes_total", map[string]string{"kind": string(dec.Kind), "gate": dec.Gate})
	observ.Log("signal_rejected", map[string]any{"signal_id": id, "kind": dec.Kind, "gate": dec.Gate, "reason": dec.Reason, "trace_id": entry.TraceID})
	return res, nil
}

// Pause stops admission of new entries; exits still flow
func (g *Gateway) Pause(operatorID, reason string) {
	g.mu.Lock()
	g.paused, g.pausedBy, g.pauseReason = true, operatorID, reason
	g.mu.Unlock()
	observ.SetGauge("gateway_paused", 1, nil)
	observ.Warn("gateway_paused", map[string]any{"operator_id": operatorID, "reason": reason})
}

func (g *Gateway) Resume(operatorID string) {
	g.mu.Lock()
	g.paused, g.pausedBy, g.pauseReason = false, "", ""
	g.mu.Unlock()
	observ.SetGauge("gateway_paused", 0, nil)
	observ.Log("gateway_resumed", map[string]any{"operator_id": operatorID})
}

// Arm opens the interlock and persists it, so a restart comes back armed
func (g *Gateway) Arm(operatorID, reason string) error {
	if g.arm != nil {
		if err := g.arm.Write(safety.LockInfo{Reason: operatorID + ": " + reason, TriggeredAt: g.d.Now().UTC()}); err != nil {
			return err
		}
	}
	g.mu.Lock()
	g.armed, g.armedBy, g.armReason = true, operatorID, reason
	g.mu.Unlock()
	observ.SetGauge("gateway_armed", 1, nil)
	observ.Log("gateway_armed", map[string]any{"operator_id": operatorID, "reason": reason})
	return nil
}

// Disarm closes the interlock: nothing is admitted, exits included, until Arm
func (g *Gateway) Disarm(operatorID, reason string) error {
	g.mu.Lock()
	g.armed, g.armedBy, g.armReason = false, operatorID, reason
	g.mu.Unlock()
	observ.SetGauge("gateway_armed", 0, nil)
	observ.Warn("gateway_disarmed", map[string]any{"operator_id": operatorID, "reason": reason})
	if g.arm != nil {
		return g.arm.Remove()
	}
	return nil
}

func (g *Gateway) isArmed() (bool, string) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.armed {
		return true, ""
	}
	if g.armedBy == "" {
		return false, "gateway disarmed; an operator must arm it"
	}
	return false, fmt.Sprintf("gateway disarmed by %s: %s", g.armedBy, g.armReason)
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func (g *Gateway) acceptingNew() (bool, string) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.paused {
		return false, fmt.Sprintf("gateway paused by %s: %s", g.pausedBy, g.pauseReason)
	}
	return true, ""
}

// Status is the gateway's contribution to /status
type Status struct {
	Armed        bool    `json:"armed"`
	Paused       bool    `json:"paused"`
	PauseReason  string  `json:"pause_reason,omitempty"`
	Pending      int     `json:"pending"`
	Undispatched int     `json:"undispatched"`
	Equity       float64 `json:"equity"`
	ErrorRatePct float64 `json:"error_rate_5m_pct"`
}

func (g *Gateway) Status(ctx context.Context) (Status, error) {
	g.mu.RLock()
	st := Status{Armed: g.armed, Paused: g.paused, PauseReason: g.pauseReason}
	g.mu.RUnlock()
	n, err := g.d.Store.Size(ctx)
	if err != nil {
		return st, err
	}
	st.Pending = n
	st.Undispatched = len(g.d.Outbox.Undispatched())
	st.Equity = g.d.Book.Equity()
	st.ErrorRatePct, _ = g.health.rates()
	return st, nil
}

type traceKey struct{}

// WithTraceID carries a caller trace id into Prepare
func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceKey{}, id)
}

func traceOf(ctx context.Context, sig signal.IntentSignal) string {
	if id, ok := ctx.Value(traceKey{}).(string); ok && id != "" {
		return id
	}
	if id, ok := sig.Metadata["trace_id"].(string); ok && id != "" {
		return id
	}
	return sig.SignalID
}

func signalAggregate(id string) string { return "signal:" + id }

// messageOf prefers the bare message of a categorized error
func messageOf(err error) string {
	var e *apperr.Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return err.Error()
}
