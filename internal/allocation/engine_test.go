package allocation

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/trading-brain/internal/eventlog"
)

func TestWeightsSumToOne(t *testing.T) {
	cfg := DefaultConfig()
	for _, equity := range []float64{0, 50, 999.99, 1000, 1500, 3000, 4999, 5000, 9000, 10000, 25000, 50000, 1e6, 1e9} {
		v := Weights(cfg, equity)
		assert.InDelta(t, 1.0, v.W1+v.W2+v.W3, 1e-9, "equity %v", equity)
		for _, w := range []float64{v.W1, v.W2, v.W3} {
			assert.GreaterOrEqual(t, w, 0.0)
			assert.LessOrEqual(t, w, 1.0)
		}
	}
}

func TestWeightsTransitionPoints(t *testing.T) {
	cfg := DefaultConfig()

	low := Weights(cfg, 999)
	assert.Equal(t, 1.0, low.W1)

	atStart := Weights(cfg, cfg.StartP2)
	assert.Equal(t, 1.0, atStart.W1)

	full := Weights(cfg, cfg.FullP2)
	assert.InDelta(t, cfg.MaxP2Weight, full.W2, 1e-9)
	assert.Zero(t, full.W3)

	mid := Weights(cfg, (cfg.StartP2+cfg.FullP2)/2)
	assert.InDelta(t, cfg.MaxP2Weight/2, mid.W2, 1e-9)

	top := Weights(cfg, cfg.FullP3*2)
	assert.InDelta(t, cfg.MaxP3Weight, top.W3, 1e-9)
	assert.InDelta(t, cfg.MaxP2Weight*(1-cfg.MaxP3Weight), top.W2, 1e-9)

	// monotone in equity for phase 2 up to full
	prev := 0.0
	for e := cfg.StartP2; e <= cfg.FullP2; e += 250 {
		w := Weights(cfg, e).W2
		assert.GreaterOrEqual(t, w, prev)
		prev = w
	}
}

func TestAdaptiveWeightsRespectSafetyFloor(t *testing.T) {
	cfg := DefaultConfig()
	perf := map[int]Performance{
		1: {PhaseID: 1, Modifier: 0.5},
		2: {PhaseID: 2, Modifier: 1.5},
		3: {PhaseID: 3, Modifier: 1.5},
	}
	for _, equity := range []float64{0, 10, 500, 999.99} {
		for _, blend := range []float64{0, 0.5, 1} {
			v := AdaptiveWeights(cfg, equity, perf, blend)
			assert.Equal(t, 1.0, v.W1)
			assert.Zero(t, v.W2)
			assert.Zero(t, v.W3)
		}
	}
}

func TestAdaptiveWeightsFavorBetterPhases(t *testing.T) {
	cfg := DefaultConfig()
	equity := 20_000.0
	base := Weights(cfg, equity)

	perf := map[int]Performance{
		1: {PhaseID: 1, Modifier: 0.5},
		2: {PhaseID: 2, Modifier: 1.5},
	}
	v := AdaptiveWeights(cfg, equity, perf, 0.5)
	assert.InDelta(t, 1.0, v.W1+v.W2+v.W3, 1e-9)
	assert.Less(t, v.W1, base.W1)
	assert.Greater(t, v.W2, base.W2)
	assert.True(t, v.Adaptive)

	same := AdaptiveWeights(cfg, equity, perf, 1)
	assert.InDelta(t, base.W1, same.W1, 1e-9)
	assert.InDelta(t, base.W2, same.W2, 1e-9)
}

func TestAdaptiveWeightsKeepZeroPhasesAtZero(t *testing.T) {
	cfg := DefaultConfig()
	v := AdaptiveWeights(cfg, 3000, map[int]Performance{3: {PhaseID: 3, Modifier: 1.5}}, 0)
	assert.Zero(t, v.W3)
	assert.InDelta(t, 1.0, v.W1+v.W2, 1e-9)
}

func TestEngineRecordsOnlyMaterialChanges(t *testing.T) {
	ctx := context.Background()
	log := eventlog.New(eventlog.NewMemoryStore())
	e, err := NewEngine(DefaultConfig(), NewTracker(DefaultTrackerConfig()), log, nil)
	require.NoError(t, err)

	_, err = e.Current(ctx, 500)
	require.NoError(t, err)
	_, err = e.Current(ctx, 600)
	require.NoError(t, err)
	_, err = e.Current(ctx, 3000)
	require.NoError(t, err)

	hist, err := e.History(ctx)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, 1.0, hist[0].W1)
	assert.Greater(t, hist[1].W2, 0.0)

	last, ok := e.Last()
	require.True(t, ok)
	assert.Equal(t, 3000.0, last.Equity)
}

func TestEngineAllowsPhase(t *testing.T) {
	ctx := context.Background()
	e, err := NewEngine(DefaultConfig(), nil, nil, nil)
	require.NoError(t, err)

	ok, reason, _, err := e.Allows(ctx, 2, 500)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Contains(t, reason, "phase 2 has zero allocation")

	ok, _, _, _ = e.Allows(ctx, 1, 500)
	assert.True(t, ok)
	ok, _, _, _ = e.Allows(ctx, 2, 8000)
	assert.True(t, ok)
	ok, _, _, _ = e.Allows(ctx, 3, 8000)
	assert.False(t, ok)
}

func TestConfigValidation(t *testing.T) {
	bad := DefaultConfig()
	bad.FullP2 = bad.StartP2
	_, err := NewEngine(bad, nil, nil, nil)
	assert.Error(t, err)
}

func TestTiersAndBuckets(t *testing.T) {
	cases := []struct {
		equity float64
		tier   Tier
		lev    float64
	}{
		{500, TierMicro, 20},
		{5_000, TierSmall, 10},
		{50_000, TierMedium, 5},
		{500_000, TierLarge, 3},
		{5_000_000, TierInstitutional, 2},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.tier, TierFor(tc.equity))
		assert.Equal(t, tc.lev, tc.tier.MaxLeverage())
	}

	assert.Equal(t, 120.0, Bucket(123))
	assert.Equal(t, 5050.0, Bucket(5037))
	assert.Equal(t, 12300.0, Bucket(12345))

	c := NewTierCache()
	for _, e := range []float64{5001, 5010, 5020, 4990} {
		assert.Equal(t, TierSmall, c.Tier(e))
	}
	assert.Equal(t, 1, c.Len())
	assert.Equal(t, 5.0, c.MaxLeverage(20_000))
}

func TestTierCacheAtBoundary(t *testing.T) {
	// 995 and 1004 both round into the 1000 bucket
	require.Equal(t, Bucket(995), Bucket(1004))

	c := NewTierCache()
	tests := []struct {
		equity float64
		want   Tier
	}{
		{995, TierMicro},
		{1000, TierSmall},
		{1004, TierSmall},
		{999.99, TierMicro},
		{9_990, TierSmall},
		{10_000, TierMedium},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%.2f", tt.equity), func(t *testing.T) {
			assert.Equal(t, tt.want, c.Tier(tt.equity))
			assert.Equal(t, tt.want, c.Tier(tt.equity), "cached")
			assert.Equal(t, TierFor(tt.equity), c.Tier(tt.equity))
		})
	}
	assert.Equal(t, 20.0, c.MaxLeverage(995))
	assert.Equal(t, 10.0, c.MaxLeverage(1000))
}

func TestTrackerPerformance(t *testing.T) {
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	tr := NewTracker(TrackerConfig{Window: 24 * time.Hour, MaxTrades: 20, MinTrades: 5})

	// too few trades stays neutral
	for i := 0; i < 3; i++ {
		tr.Record(Trade{PhaseID: 2, PnL: 10, Return: 0.01 + float64(i)*0.001, At: now})
	}
	p := tr.Performance(2, now)
	assert.Equal(t, 3, p.Trades)
	assert.Equal(t, 1.0, p.Modifier)

	for i := 0; i < 10; i++ {
		tr.Record(Trade{PhaseID: 2, PnL: 10, Return: 0.01 + float64(i%3)*0.001, At: now})
	}
	p = tr.Performance(2, now)
	assert.Equal(t, 13, p.Trades)
	assert.Equal(t, 1.0, p.WinRate)
	assert.Greater(t, p.Sharpe, 2.0)
	assert.Equal(t, 1.5, p.Modifier)

	for i := 0; i < 6; i++ {
		tr.Record(Trade{PhaseID: 3, PnL: -5, Return: -0.01 - float64(i)*0.002, At: now.Add(-time.Hour)})
	}
	tr.Record(Trade{PhaseID: 3, PnL: 100, Return: 0.5, At: now.Add(-48 * time.Hour)})
	p = tr.Performance(3, now)
	assert.Equal(t, 6, p.Trades)
	assert.Less(t, p.Sharpe, 0.0)
	assert.Equal(t, 0.5, p.Modifier)

	all := tr.All(now)
	assert.Len(t, all, 2)

	for i := 0; i < 30; i++ {
		tr.Record(Trade{PhaseID: 1, Return: 0, At: now})
	}
	assert.Equal(t, 20, tr.Performance(1, now).Trades)
}

func TestModifierBands(t *testing.T) {
	assert.Equal(t, 0.5, ModifierFor(-0.1))
	assert.Equal(t, 1.0, ModifierFor(0))
	assert.Equal(t, 1.25, ModifierFor(1.5))
	assert.Equal(t, 1.5, ModifierFor(2))
}
