// Command stubs serves a local upstream system-event feed: signed market ticks from a
// random walk, plus any events from a fixture file, over Server-Sent Events.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/Rajchodisetti/trading-brain/internal/observ"
	"github.com/Rajchodisetti/trading-brain/internal/stubs"
	"github.com/Rajchodisetti/trading-brain/internal/transport"
)

func main() {
	var (
		addr     string
		symbols  string
		fixture  string
		interval time.Duration
		seed     int64
		keyID    string
		secret   string
	)
	flag.StringVar(&addr, "addr", ":8083", "listen address")
	flag.StringVar(&symbols, "symbols", "BTC/USDT=60000,ETH/USDT=3000,SOL/USDT=150", "symbol=start price pairs")
	flag.StringVar(&fixture, "fixture", "", "optional JSON fixture of system events to preload")
	flag.DurationVar(&interval, "interval", time.Second, "tick interval (0 disables the walk)")
	flag.Int64Var(&seed, "seed", 42, "random walk seed")
	flag.StringVar(&keyID, "key-id", "brain", "envelope signing key id")
	flag.StringVar(&secret, "secret", os.Getenv("BRAIN_BUS_SECRET"), "envelope signing secret (empty sends unsigned)")
	flag.Parse()

	start, err := parseSymbols(symbols)
	if err != nil {
		log.Fatalf("symbols: %v", err)
	}
	signer := transport.NewSigner(keyID, secret)
	feed := stubs.NewFeedServer(signer, 10*time.Second)

	if fixture != "" {
		events, err := stubs.LoadFixture(fixture)
		if err != nil {
			log.Fatalf("fixture: %v", err)
		}
		for _, e := range events {
			if _, err := feed.Publish(e.Type, e.Payload); err != nil {
				log.Fatalf("fixture event %s: %v", e.Type, err)
			}
		}
		observ.Log("stub_fixture_loaded", map[string]any{"path": fixture, "events": len(events)})
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if interval > 0 {
		go walk(ctx, feed, stubs.NewWalk(seed, start), interval)
	}

	srv := &http.Server{Addr: addr, Handler: feed.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	observ.Log("stub_listening", map[string]any{"addr": addr, "signed": signer.Enabled()})
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("serve: %v", err)
	}
}

func walk(ctx context.Context, feed *stubs.FeedServer, w *stubs.Walk, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			for _, tick := range w.Next(now) {
				if _, err := feed.Publish(transport.SubjectSystemMarket, tick); err != nil {
					observ.Error("stub_publish_failed", err, map[string]any{"symbol": tick.Symbol})
				}
			}
		}
	}
}

func parseSymbols(s string) (map[string]float64, error) {
	out := map[string]float64{}
	for _, part := range strings.Split(s, ",") {
		sym, price, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return nil, errors.New("want SYMBOL=PRICE, got " + part)
		}
		p, err := strconv.ParseFloat(price, 64)
		if err != nil || p <= 0 {
			return nil, errors.New("bad price for " + sym)
		}
		out[sym] = p
	}
	return out, nil
}
