package ops

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/Rajchodisetti/trading-brain/internal/apperr"
	"github.com/Rajchodisetti/trading-brain/internal/eventlog"
	"github.com/Rajchodisetti/trading-brain/internal/observ"
	"github.com/Rajchodisetti/trading-brain/internal/risk"
	"github.com/Rajchodisetti/trading-brain/internal/safety"
	"github.com/Rajchodisetti/trading-brain/internal/transport"
)

// BreakerControl is the part of *safety.Breaker operators drive
type BreakerControl interface {
	Trip(ctx context.Context, typ safety.BreakerType, reason, source string) (safety.BreakerStatus, error)
	Reset(ctx context.Context, operatorID, reason string) (safety.BreakerStatus, error)
}

type LevelControl interface {
	Acknowledge(ctx context.Context, operatorID string) (safety.LevelStatus, error)
}

type GatewayControl interface {
	Pause(operatorID, reason string)
	Resume(operatorID string)
	Arm(operatorID, reason string) error
	Disarm(operatorID, reason string) error
}

type Deps struct {
	Auth     *Authenticator
	Audit    *AuditLogger
	Log      *eventlog.Log
	Breaker  BreakerControl
	Levels   LevelControl
	Policies *risk.PolicyStore
	Gateway  GatewayControl
	Bus      transport.Bus
	// Signer verifies the outer envelope on the bus path; the command carries its own HMAC
	Signer *transport.Signer
	Now    func() time.Time
}

// Result is the structured outcome returned to the operator
type Result struct {
	OK         bool        `json:"ok"`
	OperatorID string      `json:"operator_id"`
	Action     Action      `json:"action"`
	Kind       apperr.Kind `json:"kind,omitempty"`
	Reason     string      `json:"reason,omitempty"`
	State      any         `json:"state,omitempty"`
}

type Executor struct {
	d Deps
}

func NewExecutor(d Deps) (*Executor, error) {
	if d.Auth == nil {
		return nil, errors.New("ops: authenticator is required")
	}
	if d.Audit == nil {
		d.Audit = &AuditLogger{}
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Executor{d: d}, nil
}

// refusal kinds come back as outcomes; everything else is an infrastructure error
func refusal(err error) bool {
	switch apperr.KindOf(err) {
	case apperr.KindValidation, apperr.KindUnauthorized, apperr.KindConflict, apperr.KindNotFound:
		return true
	}
	return false
}

// Execute authenticates c and runs it
func (x *Executor) Execute(ctx context.Context, c Command, source string) (Result, error) {
	res := Result{OperatorID: c.OperatorID, Action: c.Action}
	entry := AuditEntry{
		Timestamp:  x.d.Now().UTC(),
		OperatorID: c.OperatorID,
		Action:     string(c.Action),
		Reason:     c.Reason,
		Nonce:      c.Nonce,
		Source:     source,
	}

	if err := x.d.Auth.Authenticate(ctx, c); err != nil {
		if !refusal(err) {
			entry.Outcome, entry.Error = OutcomeError, err.Error()
			x.d.Audit.Record(entry)
			return res, err
		}
		entry.Outcome, entry.Error = OutcomeDenied, err.Error()
		x.d.Audit.Record(entry)
		observ.Warn("ops_command_denied", map[string]any{"operator_id": c.OperatorID, "action": c.Action, "error": err.Error()})
		res.Kind, res.Reason = apperr.KindOf(err), messageOf(err)
		return res, nil
	}

	state, err := x.run(ctx, c)
	switch {
	case err == nil:
		res.OK, res.State = true, state
		entry.Outcome = OutcomeSuccess
	case refusal(err):
		res.Kind, res.Reason = apperr.KindOf(err), messageOf(err)
		entry.Outcome, entry.Error = OutcomeDenied, err.Error()
	default:
		entry.Outcome, entry.Error = OutcomeError, err.Error()
	}
	x.d.Audit.Record(entry)
	observ.IncCounter("ops_commands_total", map[string]string{"action": string(c.Action), "outcome": entry.Outcome})
	observ.Log("ops_command", map[string]any{"operator_id": c.OperatorID, "action": c.Action, "outcome": entry.Outcome, "reason": c.Reason})

	if x.d.Log != nil {
		payload := map[string]any{
			"operator_id": c.OperatorID,
			"action":      c.Action,
			"reason":      c.Reason,
			"nonce":       c.Nonce,
			"outcome":     entry.Outcome,
			"source":      source,
		}
		if len(c.Params) > 0 {
			payload["params"] = c.Params
		}
		if _, lerr := x.d.Log.Append(ctx, eventlog.Draft{Type: eventlog.TypeOpsCommand, AggregateID: "ops", Payload: payload, TraceID: c.Nonce}); lerr != nil && err == nil {
			err = lerr
		}
	}
	if err != nil && !refusal(err) {
		return res, err
	}
	return res, nil
}

type tripParams struct {
	BreakerType string `json:"breaker_type"`
}

func (x *Executor) run(ctx context.Context, c Command) (any, error) {
	switch c.Action {
	case ActionBreakerReset:
		if x.d.Breaker == nil {
			return nil, unavailable(c.Action)
		}
		return x.d.Breaker.Reset(ctx, c.OperatorID, c.Reason)
	case ActionBreakerTrip:
		if x.d.Breaker == nil {
			return nil, unavailable(c.Action)
		}
		p := tripParams{BreakerType: string(safety.BreakerHard)}
		if len(c.Params) > 0 {
			if err := json.Unmarshal(c.Params, &p); err != nil {
				return nil, apperr.Wrap(err, apperr.KindValidation, "ops", "decode_params")
			}
		}
		typ, err := safety.ParseBreakerType(p.BreakerType)
		if err != nil {
			return nil, err
		}
		return x.d.Breaker.Trip(ctx, typ, "operator: "+c.Reason, "ops:"+c.OperatorID)
	case ActionSafetyAck:
		if x.d.Levels == nil {
			return nil, unavailable(c.Action)
		}
		return x.d.Levels.Acknowledge(ctx, c.OperatorID)
	case ActionPolicyUpdate:
		return x.updatePolicy(ctx, c)
	case ActionGatewayPause:
		if x.d.Gateway == nil {
			return nil, unavailable(c.Action)
		}
		x.d.Gateway.Pause(c.OperatorID, c.Reason)
		return map[string]any{"paused": true}, nil
	case ActionGatewayResume:
		if x.d.Gateway == nil {
			return nil, unavailable(c.Action)
		}
		x.d.Gateway.Resume(c.OperatorID)
		return map[string]any{"paused": false}, nil
	case ActionGatewayArm, ActionGatewayDisarm:
		if x.d.Gateway == nil {
			return nil, unavailable(c.Action)
		}
		if c.Action == ActionGatewayDisarm {
			return map[string]any{"armed": false}, x.d.Gateway.Disarm(c.OperatorID, c.Reason)
		}
		return map[string]any{"armed": true}, x.d.Gateway.Arm(c.OperatorID, c.Reason)
	}
	return nil, apperr.Newf(apperr.KindValidation, "ops", "execute", "unknown action %q", c.Action)
}

// updatePolicy applies params as a patch over the current version
func (x *Executor) updatePolicy(ctx context.Context, c Command) (any, error) {
	if x.d.Policies == nil {
		return nil, unavailable(c.Action)
	}
	if len(c.Params) == 0 {
		return nil, apperr.Validation("ops", "policy_update", "params are required")
	}
	prev := x.d.Policies.Current()
	next := *prev
	next.SymbolWhitelist = append([]string(nil), prev.SymbolWhitelist...)
	if err := json.Unmarshal(c.Params, &next); err != nil {
		return nil, apperr.Wrap(err, apperr.KindValidation, "ops", "decode_params")
	}
	p, err := x.d.Policies.Update(next)
	if err != nil {
		return nil, err
	}
	observ.Log("risk_policy_updated", map[string]any{"operator_id": c.OperatorID, "from": prev.Version, "to": p.Version, "hash": p.Hash})
	if x.d.Log != nil {
		payload := map[string]any{
			"version":          p.Version,
			"hash":             p.Hash,
			"previous_version": prev.Version,
			"operator_id":      c.OperatorID,
			"policy":           p,
		}
		if _, err := x.d.Log.Append(ctx, eventlog.Draft{Type: eventlog.TypeRiskPolicyUpdated, AggregateID: "risk_policy", Payload: payload}); err != nil {
			return p, err
		}
	}
	return p, nil
}

// HandleEnvelope runs a cmd.ops.command envelope from the bus
func (x *Executor) HandleEnvelope(ctx context.Context, env transport.Envelope) (Result, error) {
	if x.d.Signer.Enabled() {
		if err := x.d.Signer.Verify(env); err != nil {
			observ.IncCounter("ops_auth_failures_total", map[string]string{"reason": "envelope"})
			return Result{Kind: apperr.KindOf(err), Reason: messageOf(err)}, nil
		}
	}
	var c Command
	if err := env.Decode(&c); err != nil {
		return Result{Kind: apperr.KindValidation, Reason: messageOf(err)}, nil
	}
	return x.Execute(ctx, c, "bus")
}

// Run consumes cmd.ops.command until ctx ends
func (x *Executor) Run(ctx context.Context) error {
	if x.d.Bus == nil {
		return errors.New("ops: bus is required to run the consumer")
	}
	sub, err := x.d.Bus.Subscribe(ctx, transport.SubjectOpsCommand, 64)
	if err != nil {
		return err
	}
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case env, ok := <-sub.C:
			if !ok {
				return nil
			}
			res, err := x.HandleEnvelope(ctx, env)
			if err != nil {
				observ.Error("ops_command_failed", err, map[string]any{"envelope_id": env.ID})
				continue
			}
			if !res.OK {
				observ.Warn("ops_command_refused", map[string]any{"envelope_id": env.ID, "kind": res.Kind, "reason": res.Reason})
			}
		}
	}
}

func unavailable(a Action) error {
	return apperr.Newf(apperr.KindConflict, "ops", "execute", "%s is not available in this process", a)
}

func messageOf(err error) string {
	var e *apperr.Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return err.Error()
}
