package truth

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/Rajchodisetti/trading-brain/internal/apperr"
	"github.com/Rajchodisetti/trading-brain/internal/observ"
	"github.com/Rajchodisetti/trading-brain/internal/outbox"
	"github.com/Rajchodisetti/trading-brain/internal/retry"
	"github.com/Rajchodisetti/trading-brain/internal/risk"
)

// Source produces one side's evidence for a scope
type Source interface {
	Evidence(ctx context.Context) (Evidence, error)
}

type SourceFunc func(ctx context.Context) (Evidence, error)

func (f SourceFunc) Evidence(ctx context.Context) (Evidence, error) { return f(ctx) }

// RateLimited throttles and retries reads against a venue so reconciliation never
// competes with order flow for the exchange's request budget
type RateLimited struct {
	name    string
	src     Source
	limiter *rate.Limiter
	retry   retry.Config
}

func NewRateLimited(name string, src Source, rps float64, burst int, rc retry.Config) *RateLimited {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimited{name: name, src: src, limiter: rate.NewLimiter(rate.Limit(rps), burst), retry: rc}
}

func (r *RateLimited) Evidence(ctx context.Context) (Evidence, error) {
	var ev Evidence
	err := retry.Do(ctx, r.retry, "truth_exchange_read", func(ctx context.Context) error {
		if err := r.limiter.Wait(ctx); err != nil {
			return err
		}
		start := time.Now()
		var err error
		ev, err = r.src.Evidence(ctx)
		observ.RecordDuration("truth_exchange_read_ms", time.Since(start), map[string]string{"source": r.name})
		if err != nil && apperr.KindOf(err) == apperr.KindInternal {
			return apperr.Transport("truth", "exchange_read", err)
		}
		return err
	})
	return ev, err
}

// BookSource is the brain's own belief: the risk book's positions and equity
func BookSource(b *risk.Book) Source {
	return SourceFunc(func(context.Context) (Evidence, error) {
		ev := Evidence{Positions: map[string]float64{}, Equity: b.Equity(), HasEquity: true, AsOf: time.Now().UTC()}
		for _, p := range b.Positions() {
			ev.Positions[p.Symbol] = p.Size
		}
		return ev, nil
	})
}

// FillsSource nets the fills the execution tier reported into positions. In paper mode
// this is the venue's view of the account.
func FillsSource(box *outbox.Outbox) Source {
	return SourceFunc(func(context.Context) (Evidence, error) {
		ev := Evidence{Positions: map[string]float64{}, AsOf: time.Now().UTC()}
		for _, f := range box.Fills() {
			qty, _ := f.Quantity.Float64()
			if f.Side == "SELL" {
				qty = -qty
			}
			ev.Positions[f.Symbol] += qty
		}
		return ev, nil
	})
}
