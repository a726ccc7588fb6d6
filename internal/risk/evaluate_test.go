package risk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/trading-brain/internal/signal"
)

func edge(v float64) *float64 { return &v }

func policyV1(t *testing.T) *Policy {
	store, err := NewPolicyStore(DefaultPolicy())
	require.NoError(t, err)
	return store.Current()
}

func freshInputs() Inputs {
	return Inputs{
		Exposure: Exposure{
			Equity:           100_000,
			PositionNotional: map[string]float64{},
			OpenOrders:       map[string]int{},
		},
		MarkPrice:     100,
		HasMarketData: true,
		DataAge:       100 * time.Millisecond,
	}
}

func buy(symbol string, size float64) signal.IntentSignal {
	return signal.IntentSignal{
		SignalID:      "s1",
		PhaseID:       1,
		Symbol:        symbol,
		Side:          signal.SideBuy,
		RequestedSize: size,
		Leverage:      1,
		ExpectedEdge:  edge(0.01),
		Timestamp:     time.Now(),
	}
}

func TestEvaluateRules(t *testing.T) {
	p := policyV1(t)

	cases := []struct {
		name   string
		sig    signal.IntentSignal
		mutate func(*Inputs)
		rule   string
	}{
		{"accepts within bounds", buy("BTC/USDT", 10), func(*Inputs) {}, ""},
		{"whitelist", buy("DOGE/USDT", 10), func(*Inputs) {}, "symbol_whitelist"},
		{"no market data", buy("BTC/USDT", 10), func(in *Inputs) { in.HasMarketData = false }, "max_staleness"},
		{"stale data", buy("BTC/USDT", 10), func(in *Inputs) { in.DataAge = 6 * time.Second }, "max_staleness"},
		{"signal leverage", func() signal.IntentSignal { s := buy("BTC/USDT", 10); s.Leverage = 20; return s }(), func(*Inputs) {}, "max_account_leverage"},
		{"projected leverage", buy("BTC/USDT", 10), func(in *Inputs) { in.Exposure.GrossNotional = 999_500 }, "max_account_leverage"},
		{"notional", buy("BTC/USDT", 600), func(*Inputs) {}, "max_position_notional"},
		{"notional with existing", buy("BTC/USDT", 100), func(in *Inputs) { in.Exposure.PositionNotional["BTC/USDT"] = 45_000 }, "max_position_notional"},
		{"open orders", buy("BTC/USDT", 10), func(in *Inputs) { in.Exposure.OpenOrders["BTC/USDT"] = 5 }, "max_open_orders_per_symbol"},
		{"daily loss", buy("BTC/USDT", 10), func(in *Inputs) { in.Exposure.DailyPnL = -1000 }, "max_daily_loss"},
		{"correlation", buy("BTC/USDT", 10), func(in *Inputs) { in.Snapshot.CorrelationScore = 0.9 }, "max_correlation"},
		{"slippage", buy("BTC/USDT", 10), func(in *Inputs) { in.EstimatedSlippageBps = 150 }, "max_slippage_bps"},
		{"low truth confidence", buy("BTC/USDT", 10), func(in *Inputs) { in.Confidence = edge(0.4) }, "min_confidence"},
		{"confidence at bound", buy("BTC/USDT", 10), func(in *Inputs) { in.Confidence = edge(0.5) }, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := freshInputs()
			tc.mutate(&in)
			v := Evaluate(tc.sig, in, p)
			assert.Equal(t, p.Version, v.PolicyVersion)
			assert.Equal(t, p.Hash, v.PolicyHash)
			if tc.rule == "" {
				assert.True(t, v.OK, v.Reason())
				assert.Empty(t, v.Violations)
				return
			}
			assert.False(t, v.OK)
			require.NotEmpty(t, v.Violations)
			assert.Equal(t, tc.rule, v.Violations[0].Rule)
		})
	}
}

func TestEvaluateNotionalReasonCitesBound(t *testing.T) {
	sig := buy("BTC/USDT", 500)
	in := freshInputs()
	in.MarkPrice = 0

	np := DefaultPolicy()
	np.MaxPositionNotional = 250
	store, err := NewPolicyStore(np)
	require.NoError(t, err)
	p := store.Current()

	v := Evaluate(sig, in, p)
	require.False(t, v.OK)
	assert.Equal(t, "Position cap exceeded for BTC/USDT: 0.00 + 500.00 > 250.00 (max_position_notional)", v.Reason())
}

func TestEvaluateCollectsAllViolations(t *testing.T) {
	p := policyV1(t)
	in := freshInputs()
	in.HasMarketData = false
	in.Exposure.DailyPnL = -5000
	v := Evaluate(buy("DOGE/USDT", 1000), in, p)
	require.False(t, v.OK)

	rules := make([]string, len(v.Violations))
	for i, x := range v.Violations {
		rules[i] = x.Rule
	}
	assert.Equal(t, []string{"symbol_whitelist", "max_staleness", "max_account_leverage", "max_position_notional", "max_daily_loss"}, rules)
}

func TestExitsBypassExposureBounds(t *testing.T) {
	p := policyV1(t)
	in := freshInputs()
	in.HasMarketData = false
	in.Exposure.DailyPnL = -5000
	in.Exposure.OpenOrders["BTC/USDT"] = 10

	sig := buy("BTC/USDT", 10_000)
	sig.Type = signal.CloseLong
	sig.Side = signal.SideSell
	v := Evaluate(sig, in, p)
	assert.True(t, v.OK)
}

func TestComputeSnapshot(t *testing.T) {
	now := time.Now()
	book := []Position{
		{Symbol: "BTC/USDT", Size: 1, EntryPrice: 50_000, MarkPrice: 50_000},
		{Symbol: "ETH/USDT", Size: -10, EntryPrice: 3_000, MarkPrice: 3_000},
	}
	vols := map[string]float64{"BTC/USDT": 0.03, "ETH/USDT": 0.04}
	corr := map[string]map[string]float64{"BTC/USDT": {"ETH/USDT": 0.8}}

	s := ComputeSnapshot(now, book, 100_000, vols, corr, 0.5)
	assert.InDelta(t, 0.8, s.Leverage, 1e-9)
	assert.InDelta(t, 20_000, s.NetDelta, 1e-9)
	assert.InDelta(t, 0.25, s.PortfolioBeta, 1e-9)
	assert.InDelta(t, 0.8, s.CorrelationScore, 1e-9)
	assert.Greater(t, s.VaR95, 0.0)

	empty := ComputeSnapshot(now, nil, 100_000, nil, nil, 0.5)
	assert.Zero(t, empty.Leverage)
	assert.Equal(t, 100_000.0, empty.Equity)
}
