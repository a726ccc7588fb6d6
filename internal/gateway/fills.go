package gateway

import (
	"context"

	"github.com/Rajchodisetti/trading-brain/internal/allocation"
	"github.com/Rajchodisetti/trading-brain/internal/apperr"
	"github.com/Rajchodisetti/trading-brain/internal/eventlog"
	"github.com/Rajchodisetti/trading-brain/internal/observ"
	"github.com/Rajchodisetti/trading-brain/internal/outbox"
	"github.com/Rajchodisetti/trading-brain/internal/risk"
	"github.com/Rajchodisetti/trading-brain/internal/transport"
)

// IngestFill records a fill reported on evt.exec.fill as an exec.fill event. A fill id
// seen before is ignored.
func (g *Gateway) IngestFill(ctx context.Context, env transport.Envelope) (bool, error) {
	if err := g.d.Signer.Verify(env); err != nil {
		return false, err
	}
	var f outbox.Fill
	if err := env.Decode(&f); err != nil {
		return false, err
	}
	if f.FillID == "" || f.Symbol == "" || !f.Quantity.IsPositive() || !f.Price.IsPositive() {
		return false, apperr.Validation("gateway", "ingest_fill", "fill_id, symbol, positive quantity and price are required")
	}
	if g.d.Outbox.HasFill(f.FillID) {
		observ.IncCounter("gateway_duplicate_fills_total", nil)
		return false, nil
	}
	if f.Timestamp.IsZero() {
		f.Timestamp = g.d.Now().UTC()
	}
	traceID := env.Meta.TraceID
	if traceID == "" {
		traceID = f.SignalID
	}
	if _, err := g.d.Log.Append(ctx, eventlog.Draft{
		Type:        eventlog.TypeExecFill,
		AggregateID: "fill:" + f.Symbol,
		Payload:     f,
		TraceID:     traceID,
	}); err != nil {
		return false, err
	}
	if _, err := g.d.Outbox.WriteFill(f); err != nil {
		observ.Error("outbox_fill_write_failed", err, map[string]any{"fill_id": f.FillID})
	}
	// checked once on ingest, never when the projector replays
	g.checkDrift(ctx, f, traceID)
	observ.IncCounter("gateway_fills_total", map[string]string{"symbol": f.Symbol})
	return true, nil
}

// Projector applies exec.fill events to the book and feeds the performance tracker, the
// breaker's loss streak and the risk ledger. It is idempotent by event id.
func (g *Gateway) Projector() *eventlog.Consumer {
	return eventlog.NewConsumer("book", g.applyFill)
}

func (g *Gateway) applyFill(ctx context.Context, e eventlog.Event) error {
	var f outbox.Fill
	if err := e.Decode(&f); err != nil {
		return apperr.Wrap(err, apperr.KindValidation, "gateway", "apply_fill")
	}
	qty, _ := f.Quantity.Float64()
	price, _ := f.Price.Float64()
	fee, _ := f.Fee.Float64()
	res := g.d.Book.ApplyFill(risk.Fill{
		FillID:    f.FillID,
		CommandID: f.CommandID,
		SignalID:  f.SignalID,
		PhaseID:   f.PhaseID,
		Symbol:    f.Symbol,
		Side:      f.Side,
		Quantity:  qty,
		Price:     price,
		Fee:       fee,
		Timestamp: f.Timestamp,
	})
	at := f.Timestamp
	if at.IsZero() {
		at = e.Metadata.Timestamp
	}

	realized := res.Realized
	if res.Closing() {
		notional := res.Closed * price
		ret := 0.0
		if notional > 0 {
			ret = realized / notional
		}
		if g.d.Tracker != nil && f.PhaseID > 0 {
			g.d.Tracker.Record(allocation.Trade{PhaseID: f.PhaseID, PnL: realized, Return: ret, At: at})
		}
		if g.d.Guard.Breaker != nil {
			if _, err := g.d.Guard.Breaker.RecordTrade(ctx, realized, at); err != nil {
				observ.Error("breaker_record_trade_failed", err, map[string]any{"fill_id": f.FillID})
			}
		}
	}

	equity := g.d.Book.Equity()
	dd := g.d.Drawdown.Update(equity, at)
	if err := g.recordSnapshot(ctx); err != nil {
		observ.Error("risk_snapshot_failed", err, nil)
	}
	if g.d.Guard.Breaker != nil {
		errRate, _ := g.health.rates()
		if _, err := g.d.Guard.Breaker.Evaluate(ctx, g.observation(dd.DailyPct, errRate)); err != nil {
			observ.Error("breaker_evaluate_failed", err, nil)
		}
	}
	observ.Log("fill_applied", map[string]any{"fill_id": f.FillID, "symbol": f.Symbol, "side": f.Side, "qty": qty, "price": price,
		"realized_pnl": realized, "equity": equity, "daily_drawdown_pct": dd.DailyPct})
	return nil
}

// recordSnapshot derives a risk snapshot from the book and records it when it moved
func (g *Gateway) recordSnapshot(ctx context.Context) error {
	if g.d.Ledger == nil {
		return nil
	}
	positions := g.d.Book.Positions()
	vols := make(map[string]float64, len(positions))
	for _, p := range positions {
		if t, ok := g.d.Market.Get(p.Symbol); ok && t.Volatility > 0 {
			vols[p.Symbol] = t.Volatility
		}
	}
	snap := risk.ComputeSnapshot(g.d.Now(), positions, g.d.Book.Equity(), vols, nil, g.cfg.DefaultCorr)
	if !g.d.Ledger.IsSignificant(snap) {
		return nil
	}
	return g.d.Ledger.RecordSnapshot(ctx, snap)
}
