package stubs

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"os"
	"sort"
	"time"

	"github.com/Rajchodisetti/trading-brain/internal/risk"
)

// FixtureEvent is one line of a fixture file: a system subject and its payload
type FixtureEvent struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type fixtureFile struct {
	Events []FixtureEvent `json:"events"`
}

// LoadFixture reads {"events":[{"type":"evt.system.market","payload":{...}}, ...]}
func LoadFixture(path string) ([]FixtureEvent, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f fixtureFile
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return f.Events, nil
}

// Walk produces geometric random-walk market ticks. A fixed seed gives the same path.
type Walk struct {
	rng         *rand.Rand
	prices      map[string]float64
	symbols     []string
	Volatility  float64
	DailyVolume float64
	// StepSigma is the per-tick log-return standard deviation
	StepSigma float64
}

func NewWalk(seed int64, start map[string]float64) *Walk {
	w := &Walk{
		rng:         rand.New(rand.NewSource(seed)),
		prices:      make(map[string]float64, len(start)),
		Volatility:  0.03,
		DailyVolume: 100_000_000,
		StepSigma:   0.001,
	}
	for sym, p := range start {
		w.prices[sym] = p
		w.symbols = append(w.symbols, sym)
	}
	sort.Strings(w.symbols)
	return w
}

// Next advances every symbol one step
func (w *Walk) Next(now time.Time) []risk.Tick {
	out := make([]risk.Tick, 0, len(w.symbols))
	for _, sym := range w.symbols {
		p := w.prices[sym] * math.Exp(w.rng.NormFloat64()*w.StepSigma)
		w.prices[sym] = p
		out = append(out, risk.Tick{
			Symbol:      sym,
			Price:       p,
			DailyVolume: w.DailyVolume,
			Volatility:  w.Volatility,
			UpdatedAt:   now.UTC(),
		})
	}
	return out
}
