package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sourcegraph/conc"

	"github.com/Rajchodisetti/trading-brain/internal/eventlog"
	"github.com/Rajchodisetti/trading-brain/internal/observ"
)

const shutdownTimeout = 10 * time.Second

// Start launches the background loops: the gateway, the paper executor, the ops
// consumer, reconciliation, the ledger projection, system events and the upstream
// feed. The returned func waits for them to stop after ctx ends.
func (a *App) Start(ctx context.Context) (wait func()) {
	var wg conc.WaitGroup
	loop := func(name string, fn func(context.Context) error) {
		wg.Go(func() {
			if err := fn(ctx); err != nil {
				observ.Error("app_loop_failed", err, map[string]any{"loop": name})
			}
		})
	}
	loop("gateway", a.Gateway.Run)
	loop("ops", a.Ops.Run)
	loop("ledger", a.runLedger)
	loop("system_events", a.runSystemEvents)
	if a.Paper != nil {
		loop("paper_executor", a.Paper.Run)
	}
	wg.Go(func() { a.Truth.Start(ctx) })
	if a.Feed != nil {
		a.Feed.Start(ctx)
	}
	return wg.Wait
}

// runLedger projects exec.fill events into the transaction ledger
func (a *App) runLedger(ctx context.Context) error {
	projector := a.Ledger.Projector()
	sub := a.Log.Subscribe("ledger", 1024, eventlog.TypeExecFill)
	defer sub.Close()
	return projector.Follow(ctx, a.Log, sub, eventlog.TypeExecFill)
}

func (a *App) servers() []*http.Server {
	out := []*http.Server{{
		Addr:         a.Config.API.Addr,
		Handler:      a.Handler(),
		ReadTimeout:  a.Config.API.ReadTimeout,
		WriteTimeout: a.Config.API.WriteTimeout,
	}}
	if a.IPC != nil {
		r := chi.NewRouter()
		r.Handle(a.Config.IPC.Path, a.IPC)
		// websocket sessions are long-lived; no read or write timeout
		out = append(out, &http.Server{Addr: a.Config.IPC.Addr, Handler: r})
	}
	return out
}

// Run starts everything and serves until ctx ends or a listener fails, then shuts
// the servers down and waits for the loops.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	wait := a.Start(ctx)
	servers := a.servers()
	errc := make(chan error, len(servers))
	var wg conc.WaitGroup
	for _, srv := range servers {
		wg.Go(func() {
			observ.Log("http_listening", map[string]any{"addr": srv.Addr})
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errc <- err
			}
		})
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errc:
		observ.Error("http_listen_failed", runErr, nil)
	}

	sctx, scancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer scancel()
	if a.IPC != nil {
		a.IPC.Close()
	}
	for _, srv := range servers {
		if err := srv.Shutdown(sctx); err != nil {
			observ.Error("http_shutdown_failed", err, map[string]any{"addr": srv.Addr})
		}
	}
	wg.Wait()
	cancel()
	wait()
	observ.Log("app_stopped", nil)
	return runErr
}
