package outbox

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/trading-brain/internal/transport"
)

func command(signalID string) Command {
	return Command{
		SignalID:   signalID,
		Symbol:     "BTC/USDT",
		Side:       "BUY",
		Size:       decimal.RequireFromString("0.25"),
		Leverage:   2,
		PhaseID:    1,
		Route:      "MARKET",
		LimitPrice: decimal.RequireFromString("60000"),
	}
}

func TestPutDedupesBySignal(t *testing.T) {
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	box, err := New("", time.Hour, clock)
	require.NoError(t, err)

	first, created, err := box.Put(command("s1"))
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEmpty(t, first.Command.CommandID)

	again, created, err := box.Put(command("s1"))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.Command.CommandID, again.Command.CommandID)

	now = now.Add(2 * time.Hour)
	later, created, err := box.Put(command("s1"))
	require.NoError(t, err)
	assert.True(t, created, "outside the dedupe window a new command is allowed")
	assert.NotEqual(t, first.Command.CommandID, later.Command.CommandID)

	_, _, err = box.Put(Command{})
	assert.Error(t, err)
}

func TestDispatchStateSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outbox.jsonl")
	box, err := New(path, time.Hour, nil)
	require.NoError(t, err)

	a, _, err := box.Put(command("s1"))
	require.NoError(t, err)
	b, _, err := box.Put(command("s2"))
	require.NoError(t, err)
	require.NoError(t, box.MarkDispatched(a.Command.CommandID))
	require.NoError(t, box.MarkDispatched(a.Command.CommandID))
	assert.Error(t, box.MarkDispatched("missing"))

	created, err := box.WriteFill(Fill{FillID: "f1", CommandID: a.Command.CommandID, Symbol: "BTC/USDT", Quantity: decimal.NewFromInt(1), Price: decimal.NewFromInt(60000)})
	require.NoError(t, err)
	assert.True(t, created)

	// a torn trailing line is skipped
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, _ = f.WriteString("{\"type\":\"command\",\"da")
	require.NoError(t, f.Close())

	reopened, err := New(path, time.Hour, nil)
	require.NoError(t, err)
	rec, ok := reopened.BySignal("s1")
	require.True(t, ok)
	assert.True(t, rec.Dispatched())
	assert.True(t, rec.Command.Size.Equal(decimal.RequireFromString("0.25")))

	pending := reopened.Undispatched()
	require.Len(t, pending, 1)
	assert.Equal(t, b.Command.CommandID, pending[0].Command.CommandID)

	dup, err := reopened.WriteFill(Fill{FillID: "f1"})
	require.NoError(t, err)
	assert.False(t, dup)
	assert.Len(t, reopened.Fills(), 1)
}

func TestAbandonClosesCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outbox.jsonl")
	box, err := New(path, time.Hour, nil)
	require.NoError(t, err)

	rec, _, err := box.Put(command("s1"))
	require.NoError(t, err)
	require.Len(t, box.Undispatched(), 1)

	require.NoError(t, box.Abandon(rec.Command.CommandID, "signal expired"))
	require.NoError(t, box.Abandon(rec.Command.CommandID, "again"))
	assert.Empty(t, box.Undispatched())
	assert.Error(t, box.Abandon("missing", "x"))

	reopened, err := New(path, time.Hour, nil)
	require.NoError(t, err)
	got, ok := reopened.BySignal("s1")
	require.True(t, ok)
	assert.False(t, got.Open())
	assert.Equal(t, "signal expired", got.Abandoned)
	assert.False(t, got.Dispatched())
}

func TestSimulateFillMovesPriceAgainstTaker(t *testing.T) {
	sim := NewFillSimulator(SimConfig{SlippageBpsMin: 10, SlippageBpsMax: 10, FeeRate: 0.001, Seed: 7})
	mkt := decimal.NewFromInt(100)

	buy, _ := sim.SimulateFill(command("s1"), mkt)
	assert.Equal(t, "100.1", buy.Price.String())
	assert.Equal(t, 10, buy.SlippageBps)
	assert.True(t, buy.Fee.Equal(decimal.RequireFromString("0.025025")))

	sell := command("s2")
	sell.Side = "SELL"
	fill, _ := sim.SimulateFill(sell, mkt)
	assert.True(t, fill.Price.LessThan(mkt))
}

func TestPaperExecutorPublishesOneFillPerCommand(t *testing.T) {
	ctx := context.Background()
	bus := transport.NewMemoryBus()
	signer := transport.NewSigner("exec", "secret")
	fills, err := bus.Subscribe(ctx, transport.SubjectExecFill, 8)
	require.NoError(t, err)

	box, err := New("", time.Hour, nil)
	require.NoError(t, err)
	sim := NewFillSimulator(SimConfig{Seed: 1})
	exec := NewPaperExecutor(sim, bus, signer, func(string) (float64, bool) { return 61000, true }, box)

	rec, _, err := box.Put(command("s1"))
	require.NoError(t, err)
	env, err := transport.NewEnvelope(transport.SubjectExecPlace, rec.Command, "t1")
	require.NoError(t, err)
	env = signer.Sign(env)

	fill, err := exec.Handle(ctx, env)
	require.NoError(t, err)
	assert.Equal(t, rec.Command.CommandID, fill.CommandID)
	assert.True(t, fill.Price.Equal(decimal.NewFromInt(61000)))

	select {
	case got := <-fills.C:
		require.NoError(t, signer.Verify(got))
		var f Fill
		require.NoError(t, got.Decode(&f))
		assert.Equal(t, fill.FillID, f.FillID)
		assert.Equal(t, "t1", got.Meta.TraceID)
	case <-time.After(time.Second):
		t.Fatal("no fill published")
	}

	_, err = exec.Handle(ctx, env)
	require.NoError(t, err)
	assert.Len(t, fills.C, 0)
	assert.Len(t, box.Fills(), 1)

	forged := env
	forged.Meta.Signature = "00"
	_, err = exec.Handle(ctx, forged)
	assert.Error(t, err)
}
