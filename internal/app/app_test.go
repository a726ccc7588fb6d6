package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/trading-brain/internal/config"
	"github.com/Rajchodisetti/trading-brain/internal/eventlog"
	"github.com/Rajchodisetti/trading-brain/internal/ledger"
	"github.com/Rajchodisetti/trading-brain/internal/observ"
	"github.com/Rajchodisetti/trading-brain/internal/ops"
	"github.com/Rajchodisetti/trading-brain/internal/risk"
	"github.com/Rajchodisetti/trading-brain/internal/safety"
	"github.com/Rajchodisetti/trading-brain/internal/signal"
	"github.com/Rajchodisetti/trading-brain/internal/transport"
)

func testConfig(t *testing.T) config.Root {
	t.Helper()
	dir := t.TempDir()
	c := config.Default()
	c.Service.DataDir = dir
	c.EventLog.Backend = "memory"
	c.Ledger.Path = ""
	c.Outbox.Path = ""
	c.Outbox.Sim.LatencyMsMin, c.Outbox.Sim.LatencyMsMax = 1, 2
	c.Ops.AuditPath = ""
	c.Ops.SigningSecret = "ops-secret"
	c.Ops.Permissions = map[string][]string{"alice": {"*"}}
	c.Safety.Breaker.LockfilePath = filepath.Join(dir, "HALT")
	c.Bus.SigningSecret = "bus-secret"
	require.NoError(t, c.Validate())
	return c
}

func tick(t *testing.T, a *App, symbol string, price float64) {
	t.Helper()
	env, err := transport.NewEnvelope(transport.SubjectSystemMarket, risk.Tick{
		Symbol: symbol, Price: price, DailyVolume: 100_000_000, Volatility: 0.03, UpdatedAt: time.Now().UTC(),
	}, "")
	require.NoError(t, err)
	require.NoError(t, a.HandleSystemEvent(context.Background(), a.Signer.Sign(env)))
}

func buy(id string, size float64) signal.IntentSignal {
	edge := 0.01
	return signal.IntentSignal{
		SignalID: id, PhaseID: 1, Symbol: "BTC/USDT", Side: signal.SideBuy,
		RequestedSize: size, Leverage: 1, ExpectedEdge: &edge, Timestamp: time.Now().UTC(),
	}
}

func TestPaperFillReachesBookAndLedger(t *testing.T) {
	bus := transport.NewMemoryBus()
	a, err := New(context.Background(), testConfig(t), WithBus(bus))
	require.NoError(t, err)
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	wait := a.Start(ctx)
	defer func() { cancel(); wait() }()
	require.Eventually(t, func() bool {
		return bus.Subscribers(transport.SubjectExecPlace) > 0 && bus.Subscribers(transport.SubjectExecFill) > 0
	}, 2*time.Second, 10*time.Millisecond)

	tick(t, a, "BTC/USDT", 100)
	sig := buy("s-1", 1)
	prep, err := a.Gateway.Prepare(ctx, sig)
	require.NoError(t, err)
	require.True(t, prep.Prepared, prep.Reason)
	res, err := a.Gateway.Confirm(ctx, sig.SignalID)
	require.NoError(t, err)
	require.True(t, res.Executed, res.Reason)

	require.Eventually(t, func() bool {
		return len(a.Ledger.Transactions(ledger.Filter{})) == 1 && len(a.Book.Positions()) == 1
	}, 3*time.Second, 10*time.Millisecond)

	tx := a.Ledger.Transactions(ledger.Filter{})[0]
	assert.Equal(t, "BTC/USDT", tx.Symbol)
	assert.Equal(t, "BUY", tx.Side)
	assert.Equal(t, sig.SignalID, tx.SignalID)
	assert.Equal(t, 1.0, a.Book.Positions()[0].Size)

	// the fill is now the venue view; reconciliation agrees with the book and the ledger
	out, err := a.Truth.Run(ctx, a.Truth.Scopes()[0])
	require.NoError(t, err)
	assert.Empty(t, out.Drifts)
	assert.False(t, out.Halted)
}

func TestSystemEvents(t *testing.T) {
	a, err := New(context.Background(), testConfig(t))
	require.NoError(t, err)
	defer a.Close()
	ctx := context.Background()

	tick(t, a, "ETH/USDT", 50)
	got, ok := a.Market.Get("ETH/USDT")
	require.True(t, ok)
	assert.Equal(t, 50.0, got.Price)
	assert.False(t, a.Market.IsStale("ETH/USDT", time.Minute))

	bad, err := transport.NewEnvelope(transport.SubjectSystemMarket, risk.Tick{Symbol: "ETH/USDT"}, "")
	require.NoError(t, err)
	assert.Error(t, a.HandleSystemEvent(ctx, a.Signer.Sign(bad)), "a tick needs a price")

	regime, err := transport.NewEnvelope(transport.SubjectSystemRegime, map[string]any{"regime": "trending"}, "")
	require.NoError(t, err)
	require.NoError(t, a.HandleSystemEvent(ctx, a.Signer.Sign(regime)))
	assert.False(t, a.Breaker.Status().Active)

	halt, err := transport.NewEnvelope(transport.SubjectSystemHalt, haltNotice{Reason: "exchange maintenance", Source: "venue"}, "")
	require.NoError(t, err)
	assert.Error(t, a.HandleSystemEvent(ctx, halt), "unsigned system events are refused")
	assert.False(t, a.Breaker.Status().Active)

	require.NoError(t, a.HandleSystemEvent(ctx, a.Signer.Sign(halt)))
	st := a.Breaker.Status()
	assert.True(t, st.Active)
	assert.Equal(t, safety.BreakerHard, st.BreakerType)
	assert.Equal(t, "venue", st.Source)
	assert.Contains(t, st.Reason, "exchange maintenance")

	status := observ.BuildStatus(a)
	assert.Equal(t, observ.StatusFailed, status.Status)
	assert.Equal(t, observ.StatusFailed, status.Components["breaker"].Status)
}

func TestBreakerSurvivesRestart(t *testing.T) {
	cfg := testConfig(t)
	cfg.EventLog.Backend = "file"
	cfg.EventLog.Path = filepath.Join(t.TempDir(), "events.jsonl")
	ctx := context.Background()

	a, err := New(ctx, cfg)
	require.NoError(t, err)
	_, err = a.Breaker.Trip(ctx, safety.BreakerEntryFreeze, "three losses", "test")
	require.NoError(t, err)
	require.NoError(t, a.Close())

	b, err := New(ctx, cfg)
	require.NoError(t, err)
	defer b.Close()
	st := b.Breaker.Status()
	assert.True(t, st.Active)
	assert.Equal(t, safety.BreakerEntryFreeze, st.BreakerType)
	assert.Equal(t, 1, st.TripCount)
}

func TestOpsCommandOverTheBus(t *testing.T) {
	bus := transport.NewMemoryBus()
	a, err := New(context.Background(), testConfig(t), WithBus(bus))
	require.NoError(t, err)
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	wait := a.Start(ctx)
	defer func() { cancel(); wait() }()
	require.Eventually(t, func() bool { return bus.Subscribers(transport.SubjectOpsCommand) > 0 }, 2*time.Second, 10*time.Millisecond)

	cmd := ops.Sign("ops-secret", ops.Command{OperatorID: "alice", Action: ops.ActionGatewayPause, Reason: "venue maintenance"}, time.Now())
	env, err := transport.NewEnvelope(transport.SubjectOpsCommand, cmd, "")
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, transport.SubjectOpsCommand, a.Signer.Sign(env)))

	require.Eventually(t, func() bool {
		st, err := a.Gateway.Status(ctx)
		return err == nil && st.Paused
	}, 2*time.Second, 10*time.Millisecond)

	var opsEvents int
	require.NoError(t, a.Log.Replay(ctx, func(e eventlog.Event) error {
		if e.Type == eventlog.TypeOpsCommand {
			opsEvents++
		}
		return nil
	}))
	assert.Equal(t, 1, opsEvents)
	require.NotEmpty(t, a.Audit.Recent(1))
	assert.Equal(t, ops.OutcomeSuccess, a.Audit.Recent(1)[0].Outcome)

	assert.Equal(t, observ.StatusDegraded, a.Components()["gateway"].Status)
}

func TestRedisBackends(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	cfg := testConfig(t)
	cfg.Pending.Backend = "redis"
	cfg.Redis.Addr = mr.Addr()
	a, err := New(context.Background(), cfg, WithRedis(client))
	require.NoError(t, err)
	defer a.Close()

	ctx := context.Background()
	tick(t, a, "BTC/USDT", 100)
	prep, err := a.Gateway.Prepare(ctx, buy("r-1", 1))
	require.NoError(t, err)
	require.True(t, prep.Prepared, prep.Reason)

	n, err := a.Pending.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, observ.StatusHealthy, a.Components()["redis"].Status)

	ok, err := a.Keys.Reserve(ctx, "POST /signals k1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = a.Keys.Reserve(ctx, "POST /signals k1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "keys live in redis")
}
