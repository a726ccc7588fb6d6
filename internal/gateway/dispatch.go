package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/Rajchodisetti/trading-brain/internal/eventlog"
	"github.com/Rajchodisetti/trading-brain/internal/observ"
	"github.com/Rajchodisetti/trading-brain/internal/outbox"
	"github.com/Rajchodisetti/trading-brain/internal/pending"
	"github.com/Rajchodisetti/trading-brain/internal/signal"
	"github.com/Rajchodisetti/trading-brain/internal/transport"
)

func (g *Gateway) buildCommand(entry pending.Entry, dec Decision) outbox.Command {
	sig := entry.Signal
	limit := sig.ReferencePrice()
	if limit <= 0 {
		limit = dec.MarkPrice
	}
	cmd := outbox.Command{
		SignalID:   sig.SignalID,
		Symbol:     sig.Symbol,
		Side:       string(sig.Side),
		Size:       decimal.NewFromFloat(sig.RequestedSize),
		Leverage:   sig.EffectiveLeverage(),
		PhaseID:    sig.PhaseID,
		Route:      string(dec.Cost.Route),
		LimitPrice: decimal.NewFromFloat(limit),
		ReduceOnly: sig.IsExit(),
		TraceID:    entry.TraceID,
		TS:         g.d.Now().UTC(),
		EntryZone:  sig.EntryZone,
		SignalTS:   sig.Timestamp.UTC(),
	}
	if dec.Risk != nil {
		cmd.Notional = decimal.NewFromFloat(dec.Risk.Notional).Round(8)
	}
	if dec.Policy != nil {
		cmd.PolicyVersion, cmd.PolicyHash = dec.Policy.Version, dec.Policy.Hash
	}
	return cmd
}

// dispatch publishes a committed command unless it already went out, then records the
// acceptance and resolves the pending entry. A publish failure returns the error with
// the pending entry and the outbox record untouched, so the retry sends the same
// command id.
func (g *Gateway) dispatch(ctx context.Context, entry pending.Entry, rec outbox.Record) (ConfirmResult, error) {
	cmd := rec.Command
	id := cmd.SignalID
	res := ConfirmResult{SignalID: id, CommandID: cmd.CommandID}

	if !rec.Dispatched() {
		env, err := transport.NewEnvelope(transport.SubjectExecPlace, cmd, entry.TraceID)
		if err != nil {
			return res, err
		}
		if err := g.d.Bus.Publish(ctx, transport.SubjectExecPlace, g.d.Signer.Sign(env)); err != nil {
			observ.Error("gateway_publish_failed", err, map[string]any{"signal_id": id, "command_id": cmd.CommandID})
			return res, err
		}
		if err := g.d.Outbox.MarkDispatched(cmd.CommandID); err != nil {
			return res, err
		}
	}

	recorded, err := g.accepted(ctx, id)
	if err != nil {
		return res, err
	}
	if !recorded {
		if _, err := g.d.Log.Append(ctx, eventlog.Draft{
			Type:        eventlog.TypeExecCommand,
			AggregateID: signalAggregate(id),
			Payload:     cmd,
			TraceID:     entry.TraceID,
		}); err != nil {
			return res, err
		}
		if _, err := g.d.Log.Append(ctx, eventlog.Draft{
			Type:        eventlog.TypeSignalAccepted,
			AggregateID: signalAggregate(id),
			Payload:     map[string]any{"signal_id": id, "command_id": cmd.CommandID, "policy_version": cmd.PolicyVersion, "route": cmd.Route},
			TraceID:     entry.TraceID,
		}); err != nil {
			return res, err
		}
	}

	if _, err := g.d.Store.Dequeue(ctx, id); err != nil && !errors.Is(err, pending.ErrNotFound) && !errors.Is(err, pending.ErrExpired) {
		return res, err
	}
	if err := g.d.Store.MarkProcessed(ctx, id, pending.OutcomeExecuted); err != nil {
		return res, err
	}
	if !recorded {
		g.d.Book.OrderPlaced(cmd.Symbol)
	}

	res.Executed = true
	res.FillPrice = entry.Signal.ReferencePrice()
	if res.FillPrice <= 0 {
		res.FillPrice, _ = cmd.LimitPrice.Float64()
	}
	observ.IncCounter("gateway_commands_total", map[string]string{"route": cmd.Route})
	observ.Log("signal_accepted", map[string]any{"signal_id": id, "command_id": cmd.CommandID, "symbol": cmd.Symbol,
		"side": cmd.Side, "size": cmd.Size.String(), "route": cmd.Route, "policy_version": cmd.PolicyVersion, "trace_id": entry.TraceID})
	return res, nil
}

// accepted reports whether the signal's acceptance is already in the log
func (g *Gateway) accepted(ctx context.Context, id string) (bool, error) {
	events, err := g.d.Log.GetStream(ctx, signalAggregate(id))
	if err != nil {
		return false, err
	}
	for _, e := range events {
		if e.Type == eventlog.TypeSignalAccepted {
			return true, nil
		}
	}
	return false, nil
}

// SweepExpired resolves pending signals past their TTL so they surface as expired
// rather than silently disappearing. Returns how many were expired.
func (g *Gateway) SweepExpired(ctx context.Context) (int, error) {
	entries, err := g.d.Store.List(ctx)
	if err != nil {
		return 0, err
	}
	now := g.d.Now()
	n := 0
	for _, e := range entries {
		if !e.Expired(now) {
			continue
		}
		if err := g.expireOne(ctx, e.Signal.SignalID); err != nil {
			observ.Error("gateway_sweep_failed", err, map[string]any{"signal_id": e.Signal.SignalID})
			continue
		}
		n++
	}
	return n, nil
}

func (g *Gateway) expireOne(ctx context.Context, id string) error {
	unlock, err := g.d.Store.Lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()
	entry, err := g.d.Store.Peek(ctx, id)
	if !errors.Is(err, pending.ErrExpired) {
		// confirmed, aborted or already swept meanwhile
		return nil
	}
	if rec, ok := g.d.Outbox.BySignal(id); ok && rec.Open() {
		if err := g.d.Outbox.Abandon(rec.Command.CommandID, fmt.Sprintf("signal %s expired before dispatch", id)); err != nil {
			return err
		}
	}
	_, err = g.expire(ctx, entry)
	return err
}

// Redrive republishes committed commands whose dispatch failed. Commands of expired
// signals are left to the sweeper, which abandons them.
func (g *Gateway) Redrive(ctx context.Context) (int, error) {
	now := g.d.Now()
	sent := 0
	for _, rec := range g.d.Outbox.Undispatched() {
		if now.Sub(rec.WrittenAt) < g.cfg.RedriveAfter {
			continue
		}
		ok, err := g.redriveOne(ctx, rec.Command.SignalID)
		if err != nil {
			observ.Error("gateway_redrive_failed", err, map[string]any{"command_id": rec.Command.CommandID})
			continue
		}
		if ok {
			sent++
		}
	}
	if sent > 0 {
		observ.IncCounterBy("gateway_redriven_total", nil, float64(sent))
	}
	return sent, nil
}

func (g *Gateway) redriveOne(ctx context.Context, id string) (bool, error) {
	unlock, err := g.d.Store.Lock(ctx, id)
	if err != nil {
		return false, err
	}
	defer unlock()
	rec, ok := g.d.Outbox.BySignal(id)
	if !ok || !rec.Open() {
		return false, nil
	}
	entry, err := g.d.Store.Peek(ctx, id)
	switch {
	case err == nil:
	case errors.Is(err, pending.ErrExpired):
		return false, nil
	case errors.Is(err, pending.ErrNotFound):
		outcome, _, perr := g.d.Store.WasProcessed(ctx, id)
		if perr != nil {
			return false, perr
		}
		if outcome == pending.OutcomeExpired {
			return false, g.d.Outbox.Abandon(rec.Command.CommandID, "signal expired")
		}
		entry = pending.Entry{Signal: signal.IntentSignal{SignalID: id, Symbol: rec.Command.Symbol}, TraceID: rec.Command.TraceID}
	default:
		return false, err
	}
	if _, err := g.dispatch(ctx, entry, rec); err != nil {
		return false, err
	}
	return true, nil
}
