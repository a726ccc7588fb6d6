package app

import (
	"context"
	"fmt"
	"time"

	"github.com/Rajchodisetti/trading-brain/internal/observ"
	"github.com/Rajchodisetti/trading-brain/internal/safety"
	"github.com/Rajchodisetti/trading-brain/internal/transport"
	"github.com/Rajchodisetti/trading-brain/internal/truth"
)

const probeTimeout = time.Second

// Components implements observ.StatusSource
func (a *App) Components() map[string]observ.ComponentStatus {
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	out := map[string]observ.ComponentStatus{
		"breaker":      breakerHealth(a.Breaker.Status()),
		"safety_level": levelHealth(a.Levels.Status()),
		"truth":        a.truthHealth(ctx),
		"gateway":      a.gatewayHealth(ctx),
		"eventlog":     {Status: observ.StatusHealthy, Message: a.Config.EventLog.Backend},
		"ledger":       {Status: observ.StatusHealthy, Message: fmt.Sprintf("version %d", a.Ledger.Version())},
	}
	if a.redis != nil {
		out["redis"] = probe(a.redis.Ping(ctx).Err())
	}
	if a.pool != nil {
		out["postgres"] = probe(a.pool.Ping(ctx))
	}
	if a.Feed != nil {
		st := a.Feed.State()
		c := observ.ComponentStatus{Status: observ.StatusHealthy, Message: st.String()}
		if st != transport.StateConnected {
			c.Status = observ.StatusDegraded
		}
		out["feed"] = c
	}
	if a.IPC != nil {
		out["ipc"] = observ.ComponentStatus{Status: observ.StatusHealthy, Message: fmt.Sprintf("%d connections", a.IPC.Connections())}
	}
	return out
}

// summary is the one-line operator view for chat replies
func (a *App) summary(ctx context.Context) string {
	b := a.Breaker.Status()
	line := fmt.Sprintf("breaker %s", b.Action)
	if b.Active {
		line += fmt.Sprintf(" (%s: %s)", b.BreakerType, b.Reason)
	}
	line += fmt.Sprintf(", level %s, equity %.2f", a.Levels.Status().Level, a.Book.Equity())
	if st, err := a.Gateway.Status(ctx); err == nil {
		line += fmt.Sprintf(", %d pending", st.Pending)
		if st.Paused {
			line += ", gateway paused: " + st.PauseReason
		}
	}
	return line
}

func (a *App) Equity() float64 { return a.Book.Equity() }

func (a *App) BreakerStatus() any { return a.Breaker.Status() }

func probe(err error) observ.ComponentStatus {
	if err != nil {
		return observ.ComponentStatus{Status: observ.StatusFailed, Message: err.Error()}
	}
	return observ.ComponentStatus{Status: observ.StatusHealthy}
}

func breakerHealth(s safety.BreakerStatus) observ.ComponentStatus {
	switch s.Action {
	case safety.ActionFullHalt:
		return observ.ComponentStatus{Status: observ.StatusFailed, Message: string(s.BreakerType) + ": " + s.Reason}
	case safety.ActionEntryPause:
		return observ.ComponentStatus{Status: observ.StatusDegraded, Message: string(s.BreakerType) + ": " + s.Reason}
	}
	return observ.ComponentStatus{Status: observ.StatusHealthy}
}

func levelHealth(s safety.LevelStatus) observ.ComponentStatus {
	c := observ.ComponentStatus{Status: observ.StatusHealthy, Message: string(s.Level)}
	switch s.Level {
	case safety.LevelCaution, safety.LevelDefensive:
		c.Status = observ.StatusDegraded
	case safety.LevelEmergency:
		c.Status = observ.StatusFailed
	}
	if s.AwaitingAck {
		c.Message += " (awaiting operator ack)"
	}
	return c
}

// truthHealth reports the worst scope
func (a *App) truthHealth(ctx context.Context) observ.ComponentStatus {
	c := observ.ComponentStatus{Status: observ.StatusHealthy}
	for _, scope := range a.Truth.Scopes() {
		conf := a.Truth.Confidence(ctx, scope)
		switch conf.State {
		case truth.ConfidenceLow:
			c = observ.ComponentStatus{Status: observ.StatusFailed, Message: fmt.Sprintf("%s confidence %.2f", scope, conf.Score)}
		case truth.ConfidenceDegraded:
			if c.Status == observ.StatusHealthy {
				c = observ.ComponentStatus{Status: observ.StatusDegraded, Message: fmt.Sprintf("%s confidence %.2f", scope, conf.Score)}
			}
		}
	}
	return c
}

func (a *App) gatewayHealth(ctx context.Context) observ.ComponentStatus {
	st, err := a.Gateway.Status(ctx)
	if err != nil {
		return observ.ComponentStatus{Status: observ.StatusDegraded, Message: err.Error()}
	}
	switch {
	case st.Paused:
		return observ.ComponentStatus{Status: observ.StatusDegraded, Message: "paused: " + st.PauseReason}
	case st.Undispatched > 0:
		return observ.ComponentStatus{Status: observ.StatusDegraded, Message: fmt.Sprintf("%d commands awaiting dispatch", st.Undispatched)}
	}
	return observ.ComponentStatus{Status: observ.StatusHealthy, Message: fmt.Sprintf("%d pending", st.Pending)}
}
