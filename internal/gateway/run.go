package gateway

import (
	"context"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/Rajchodisetti/trading-brain/internal/eventlog"
	"github.com/Rajchodisetti/trading-brain/internal/observ"
	"github.com/Rajchodisetti/trading-brain/internal/signal"
	"github.com/Rajchodisetti/trading-brain/internal/transport"
)

// HandleSubmit runs prepare then confirm for one signal.submit envelope
func (g *Gateway) HandleSubmit(ctx context.Context, env transport.Envelope) (ConfirmResult, error) {
	if err := g.d.Signer.Verify(env); err != nil {
		observ.IncCounter("gateway_submit_rejected_total", map[string]string{"reason": "signature"})
		return ConfirmResult{}, err
	}
	var sig signal.IntentSignal
	if err := env.Decode(&sig); err != nil {
		observ.IncCounter("gateway_submit_rejected_total", map[string]string{"reason": "decode"})
		return ConfirmResult{}, err
	}
	if env.Meta.TraceID != "" {
		ctx = WithTraceID(ctx, env.Meta.TraceID)
	}
	prep, err := g.Prepare(ctx, sig)
	if err != nil {
		return ConfirmResult{SignalID: sig.SignalID}, err
	}
	if !prep.Prepared {
		return ConfirmResult{SignalID: sig.SignalID, Kind: prep.Kind, Reason: prep.Reason}, nil
	}
	return g.Confirm(ctx, sig.SignalID)
}

// Run starts the gateway's background work and blocks until ctx ends: the signal.submit
// consumer, fill ingestion, the book projector, and the sweep/redrive/monitor ticker.
func (g *Gateway) Run(ctx context.Context) error {
	submits, err := g.d.Bus.Subscribe(ctx, transport.SubjectSignalSubmit, g.cfg.SubmitBuffer)
	if err != nil {
		return err
	}
	defer submits.Close()
	fills, err := g.d.Bus.Subscribe(ctx, transport.SubjectExecFill, g.cfg.SubmitBuffer)
	if err != nil {
		return err
	}
	defer fills.Close()

	projector := g.Projector()
	events := g.d.Log.Subscribe("book", g.cfg.SubmitBuffer, eventlog.TypeExecFill)
	defer events.Close()
	// the book must see the fills already on the log before any signal is gated
	if err := projector.CatchUp(ctx, g.d.Log, eventlog.TypeExecFill); err != nil {
		return err
	}

	observ.Log("gateway_started", map[string]any{"equity": g.d.Book.Equity()})
	var wg conc.WaitGroup
	wg.Go(func() {
		for {
			select {
			case <-ctx.Done():
				return
			case env, ok := <-submits.C:
				if !ok {
					return
				}
				res, err := g.HandleSubmit(ctx, env)
				if err != nil {
					observ.Error("gateway_submit_failed", err, map[string]any{"envelope_id": env.ID})
					continue
				}
				observ.Debug("gateway_submit_done", map[string]any{"signal_id": res.SignalID, "executed": res.Executed, "kind": res.Kind})
			}
		}
	})
	wg.Go(func() {
		for {
			select {
			case <-ctx.Done():
				return
			case env, ok := <-fills.C:
				if !ok {
					return
				}
				if _, err := g.IngestFill(ctx, env); err != nil {
					observ.Error("gateway_fill_ingest_failed", err, map[string]any{"envelope_id": env.ID})
				}
			}
		}
	})
	wg.Go(func() {
		if err := projector.Follow(ctx, g.d.Log, events, eventlog.TypeExecFill); err != nil {
			observ.Error("gateway_book_projector_failed", err, nil)
		}
	})
	wg.Go(func() { g.tick(ctx) })
	wg.Wait()
	observ.Log("gateway_stopped", nil)
	return nil
}

func (g *Gateway) tick(ctx context.Context) {
	sweep := time.NewTicker(g.cfg.SweepInterval)
	defer sweep.Stop()
	monitor := time.NewTicker(g.cfg.MonitorEvery)
	defer monitor.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-sweep.C:
			if _, err := g.SweepExpired(ctx); err != nil {
				observ.Error("gateway_sweep_failed", err, nil)
			}
			if _, err := g.Redrive(ctx); err != nil {
				observ.Error("gateway_redrive_failed", err, nil)
			}
		case <-monitor.C:
			g.Monitor(ctx)
		}
	}
}
