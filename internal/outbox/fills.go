package outbox

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Rajchodisetti/trading-brain/internal/apperr"
	"github.com/Rajchodisetti/trading-brain/internal/observ"
	"github.com/Rajchodisetti/trading-brain/internal/transport"
)

// SimConfig bounds simulated latency and slippage
type SimConfig struct {
	LatencyMsMin   int     `yaml:"latency_ms_min"`
	LatencyMsMax   int     `yaml:"latency_ms_max"`
	SlippageBpsMin int     `yaml:"slippage_bps_min"`
	SlippageBpsMax int     `yaml:"slippage_bps_max"`
	FeeRate        float64 `yaml:"fee_rate"`
	Seed           int64   `yaml:"seed"`
}

func DefaultSimConfig() SimConfig {
	return SimConfig{LatencyMsMin: 20, LatencyMsMax: 120, SlippageBpsMin: 0, SlippageBpsMax: 8, FeeRate: 0.0005}
}

type FillSimulator struct {
	cfg SimConfig
	mu  sync.Mutex
	rng *rand.Rand
}

func NewFillSimulator(cfg SimConfig) *FillSimulator {
	if cfg.LatencyMsMax < cfg.LatencyMsMin {
		cfg.LatencyMsMax = cfg.LatencyMsMin
	}
	if cfg.SlippageBpsMax < cfg.SlippageBpsMin {
		cfg.SlippageBpsMax = cfg.SlippageBpsMin
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &FillSimulator{cfg: cfg, rng: rand.New(rand.NewSource(seed))}
}

func (fs *FillSimulator) draw(lo, hi int) int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return lo + fs.rng.Intn(hi-lo+1)
}

// SimulateFill fills the whole command at marketPrice moved against the taker
func (fs *FillSimulator) SimulateFill(cmd Command, marketPrice decimal.Decimal) (Fill, time.Duration) {
	latencyMs := fs.draw(fs.cfg.LatencyMsMin, fs.cfg.LatencyMsMax)
	slippageBps := fs.draw(fs.cfg.SlippageBpsMin, fs.cfg.SlippageBpsMax)

	mult := decimal.NewFromInt(1).Add(decimal.NewFromInt(int64(slippageBps)).Div(decimal.NewFromInt(10_000)))
	price := marketPrice
	switch cmd.Side {
	case "BUY":
		price = marketPrice.Mul(mult)
	case "SELL":
		price = marketPrice.Div(mult)
	}
	fee := cmd.Size.Mul(price).Mul(decimal.NewFromFloat(fs.cfg.FeeRate))

	latency := time.Duration(latencyMs) * time.Millisecond
	return Fill{
		FillID:      uuid.NewString(),
		CommandID:   cmd.CommandID,
		SignalID:    cmd.SignalID,
		PhaseID:     cmd.PhaseID,
		Symbol:      cmd.Symbol,
		Side:        cmd.Side,
		Quantity:    cmd.Size,
		Price:       price.Round(8),
		Fee:         fee.Round(8),
		Timestamp:   time.Now().UTC().Add(latency),
		LatencyMs:   latencyMs,
		SlippageBps: slippageBps,
	}, latency
}

// PriceSource returns the last known price for a symbol
type PriceSource func(symbol string) (float64, bool)

// PaperExecutor stands in for the execution tier: it consumes cmd.exec.place, fills each
// command once and publishes evt.exec.fill.
type PaperExecutor struct {
	sim    *FillSimulator
	bus    transport.Bus
	signer *transport.Signer
	prices PriceSource
	box    *Outbox

	mu   sync.Mutex
	done map[string]bool
}

func NewPaperExecutor(sim *FillSimulator, bus transport.Bus, signer *transport.Signer, prices PriceSource, box *Outbox) *PaperExecutor {
	return &PaperExecutor{sim: sim, bus: bus, signer: signer, prices: prices, box: box, done: make(map[string]bool)}
}

// Run blocks until ctx ends
func (p *PaperExecutor) Run(ctx context.Context) error {
	sub, err := p.bus.Subscribe(ctx, transport.SubjectExecPlace, 1024)
	if err != nil {
		return err
	}
	defer sub.Close()
	observ.Log("paper_executor_started", nil)
	for {
		select {
		case <-ctx.Done():
			return nil
		case env, ok := <-sub.C:
			if !ok {
				return nil
			}
			if _, err := p.Handle(ctx, env); err != nil {
				observ.Error("paper_fill_failed", err, map[string]any{"envelope_id": env.ID})
			}
		}
	}
}

// Handle fills one command envelope. Redelivered commands are ignored.
func (p *PaperExecutor) Handle(ctx context.Context, env transport.Envelope) (Fill, error) {
	if err := p.signer.Verify(env); err != nil {
		return Fill{}, err
	}
	var cmd Command
	if err := env.Decode(&cmd); err != nil {
		return Fill{}, err
	}
	p.mu.Lock()
	if p.done[cmd.CommandID] {
		p.mu.Unlock()
		observ.IncCounter("paper_duplicate_commands_total", nil)
		return Fill{}, nil
	}
	p.done[cmd.CommandID] = true
	p.mu.Unlock()

	price := cmd.LimitPrice
	if p.prices != nil {
		if px, ok := p.prices(cmd.Symbol); ok && px > 0 {
			price = decimal.NewFromFloat(px)
		}
	}
	if !price.IsPositive() {
		return Fill{}, apperr.Newf(apperr.KindValidation, "outbox", "paper_fill", "no price for %s", cmd.Symbol)
	}

	fill, latency := p.sim.SimulateFill(cmd, price)
	select {
	case <-time.After(latency):
	case <-ctx.Done():
		return Fill{}, ctx.Err()
	}
	if p.box != nil {
		if _, err := p.box.WriteFill(fill); err != nil {
			return Fill{}, err
		}
	}
	out, err := transport.NewEnvelope(transport.SubjectExecFill, fill, env.Meta.TraceID)
	if err != nil {
		return Fill{}, err
	}
	if err := p.bus.Publish(ctx, transport.SubjectExecFill, p.signer.Sign(out)); err != nil {
		return Fill{}, err
	}
	observ.Log("paper_fill", map[string]any{"command_id": cmd.CommandID, "symbol": fill.Symbol, "side": fill.Side, "qty": fill.Quantity.String(), "price": fill.Price.String(), "slippage_bps": fill.SlippageBps})
	return fill, nil
}
