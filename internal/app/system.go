package app

import (
	"context"

	"github.com/Rajchodisetti/trading-brain/internal/apperr"
	"github.com/Rajchodisetti/trading-brain/internal/observ"
	"github.com/Rajchodisetti/trading-brain/internal/risk"
	"github.com/Rajchodisetti/trading-brain/internal/safety"
	"github.com/Rajchodisetti/trading-brain/internal/transport"
)

// upstream halt and breaker payloads
type haltNotice struct {
	Reason      string `json:"reason"`
	Source      string `json:"source,omitempty"`
	BreakerType string `json:"breaker_type,omitempty"`
}

func (a *App) runSystemEvents(ctx context.Context) error {
	sub, err := a.Bus.Subscribe(ctx, transport.SubjectSystemAll, 1024)
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
			if err := a.HandleSystemEvent(ctx, env); err != nil {
				observ.Error("system_event_failed", err, map[string]any{"id": env.ID, "type": env.Type})
			}
		}
	}
}

// HandleSystemEvent applies one evt.system.* envelope. Market ticks refresh staleness
// and marks; halt and breaker notices trip the local breaker; regime and drift are
// recorded only.
func (a *App) HandleSystemEvent(ctx context.Context, env transport.Envelope) error {
	if err := a.Signer.Verify(env); err != nil {
		return err
	}
	observ.IncCounter("system_events_total", map[string]string{"type": env.Type})
	switch env.Type {
	case transport.SubjectSystemMarket:
		var t risk.Tick
		if err := env.Decode(&t); err != nil {
			return err
		}
		if t.Symbol == "" || t.Price <= 0 {
			return apperr.Validation("app", "market_tick", "symbol and a positive price are required")
		}
		if t.UpdatedAt.IsZero() {
			t.UpdatedAt = env.TS
		}
		a.Market.Update(t)
		a.Book.Mark(t.Symbol, t.Price)
		return nil

	case transport.SubjectSystemHalt, transport.SubjectSystemBreaker:
		var n haltNotice
		if err := env.Decode(&n); err != nil {
			return err
		}
		typ := safety.BreakerHard
		if n.BreakerType != "" {
			parsed, err := safety.ParseBreakerType(n.BreakerType)
			if err != nil {
				return err
			}
			typ = parsed
		}
		source := n.Source
		if source == "" {
			source = "upstream"
		}
		reason := n.Reason
		if reason == "" {
			reason = env.Type
		}
		_, err := a.Breaker.Trip(ctx, typ, "upstream: "+reason, source)
		return err

	case transport.SubjectSystemRegime:
		var p map[string]any
		if err := env.Decode(&p); err != nil {
			return err
		}
		observ.Log("system_regime", map[string]any{"id": env.ID, "regime": p["regime"]})
		return nil

	case transport.SubjectSystemDrift:
		var p map[string]any
		if err := env.Decode(&p); err != nil {
			return err
		}
		observ.Warn("system_drift_reported", map[string]any{"id": env.ID, "payload": p})
		return nil
	}
	observ.Debug("system_event_ignored", map[string]any{"id": env.ID, "type": env.Type})
	return nil
}
