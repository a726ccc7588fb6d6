package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/trading-brain/internal/apperr"
	"github.com/Rajchodisetti/trading-brain/internal/retry"
)

func mustEnvelope(t *testing.T, typ string, payload any) Envelope {
	t.Helper()
	env, err := NewEnvelope(typ, payload, "trace-1")
	require.NoError(t, err)
	return env
}

func TestEnvelopeValidate(t *testing.T) {
	good := mustEnvelope(t, SubjectExecFill, map[string]any{"fill_id": "f1"})

	tests := []struct {
		name   string
		mutate func(*Envelope)
	}{
		{"wrong version", func(e *Envelope) { e.V = 2 }},
		{"missing id", func(e *Envelope) { e.ID = "" }},
		{"zero ts", func(e *Envelope) { e.TS = time.Time{} }},
		{"bad type", func(e *Envelope) { e.Type = "Fill" }},
		{"array payload", func(e *Envelope) { e.Payload = json.RawMessage(`[1,2]`) }},
		{"empty payload", func(e *Envelope) { e.Payload = nil }},
	}
	require.NoError(t, good.Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := good
			tt.mutate(&env)
			err := env.Validate()
			require.Error(t, err)
			assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
		})
	}
}

func TestSignerRoundTrip(t *testing.T) {
	s := NewSigner("k1", "secret")
	env := s.Sign(mustEnvelope(t, SubjectExecPlace, map[string]any{"command_id": "c1", "size": 1.5}))
	assert.Equal(t, "k1", env.Meta.KeyID)
	assert.NotEmpty(t, env.Meta.Signature)

	// survives a wire round trip
	raw, err := json.Marshal(env)
	require.NoError(t, err)
	var back Envelope
	require.NoError(t, json.Unmarshal(raw, &back))
	require.NoError(t, s.Verify(back))

	tampered := back
	tampered.Payload = json.RawMessage(`{"command_id":"c1","size":15}`)
	err = s.Verify(tampered)
	assert.Equal(t, apperr.KindUnauthorized, apperr.KindOf(err))

	unsigned := back
	unsigned.Meta.Signature = ""
	assert.Equal(t, apperr.KindUnauthorized, apperr.KindOf(s.Verify(unsigned)))

	other := NewSigner("k1", "other")
	assert.Error(t, other.Verify(back))

	// disabled signer accepts anything
	assert.NoError(t, NewSigner("", "").Verify(unsigned))
	var nilSigner *Signer
	assert.NoError(t, nilSigner.Verify(unsigned))
}

func TestMatches(t *testing.T) {
	assert.True(t, Matches("evt.system.*", "evt.system.halt"))
	assert.False(t, Matches("evt.system.*", "evt.exec.fill"))
	assert.True(t, Matches("cmd.exec.place", "cmd.exec.place"))
	assert.False(t, Matches("cmd.exec", "cmd.exec.place"))
}

func recv(t *testing.T, sub *Subscription) Envelope {
	t.Helper()
	select {
	case env := <-sub.C:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("no envelope received")
	}
	return Envelope{}
}

func buses(t *testing.T) map[string]Bus {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return map[string]Bus{
		"memory": NewMemoryBus(),
		"redis":  NewRedisBus(client, "test:", retry.Config{MaxAttempts: 1}),
	}
}

func TestBusPublishSubscribe(t *testing.T) {
	for name, bus := range buses(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			defer bus.Close()

			exact, err := bus.Subscribe(ctx, SubjectExecPlace, 8)
			require.NoError(t, err)
			wild, err := bus.Subscribe(ctx, SubjectSystemAll, 8)
			require.NoError(t, err)
			defer exact.Close()
			defer wild.Close()

			place := mustEnvelope(t, SubjectExecPlace, map[string]any{"command_id": "c1"})
			halt := mustEnvelope(t, SubjectSystemHalt, map[string]any{"reason": "drill"})
			require.NoError(t, bus.Publish(ctx, SubjectExecPlace, place))
			require.NoError(t, bus.Publish(ctx, SubjectSystemHalt, halt))

			assert.Equal(t, place.ID, recv(t, exact).ID)
			got := recv(t, wild)
			assert.Equal(t, halt.ID, got.ID)
			assert.Equal(t, SubjectSystemHalt, got.Type)

			bad := place
			bad.V = 9
			assert.Error(t, bus.Publish(ctx, SubjectExecPlace, bad))
		})
	}
}

func TestMemoryBusDropsWhenFull(t *testing.T) {
	bus := NewMemoryBus()
	sub, err := bus.Subscribe(context.Background(), SubjectExecFill, 1)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, bus.Publish(context.Background(), SubjectExecFill, mustEnvelope(t, SubjectExecFill, map[string]any{"n": i})))
	}
	assert.Len(t, sub.C, 1)

	sub.Close()
	require.NoError(t, bus.Publish(context.Background(), SubjectExecFill, mustEnvelope(t, SubjectExecFill, map[string]any{"n": 4})))
	assert.Len(t, sub.C, 1)
}

func sseFrame(t *testing.T, env Envelope) string {
	raw, err := json.Marshal(env)
	require.NoError(t, err)
	return fmt.Sprintf("id: %s\ndata: %s\n\n", env.ID, raw)
}

func TestSSEFeedRepublishesSystemEvents(t *testing.T) {
	signer := NewSigner("feed", "s3cret")
	halt := signer.Sign(mustEnvelope(t, SubjectSystemHalt, map[string]any{"reason": "exchange halt"}))
	regime := signer.Sign(mustEnvelope(t, SubjectSystemRegime, map[string]any{"regime": "trending"}))
	unsigned := mustEnvelope(t, SubjectSystemDrift, map[string]any{"scope": "positions"})
	wrongSubject := signer.Sign(mustEnvelope(t, SubjectExecFill, map[string]any{"fill_id": "f1"}))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, ": heartbeat\n\n")
		fmt.Fprint(w, sseFrame(t, halt))
		fmt.Fprint(w, sseFrame(t, halt)) // replay
		fmt.Fprint(w, sseFrame(t, unsigned))
		fmt.Fprint(w, sseFrame(t, wrongSubject))
		fmt.Fprint(w, "data: {not json\n\n")
		fmt.Fprint(w, sseFrame(t, regime))
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	bus := NewMemoryBus()
	sub, err := bus.Subscribe(context.Background(), SubjectSystemAll, 16)
	require.NoError(t, err)

	feed := NewSSEFeed(FeedConfig{URL: srv.URL, InitialBackoff: 10 * time.Millisecond}, bus, signer)
	feed.Start(context.Background())

	assert.Equal(t, halt.ID, recv(t, sub).ID)
	assert.Equal(t, regime.ID, recv(t, sub).ID)
	require.NoError(t, feed.Close())

	m := feed.Metrics()
	assert.EqualValues(t, 2, m["messages_received"])
	assert.EqualValues(t, 1, m["dupes_dropped"])
	assert.EqualValues(t, 3, m["rejected"])
	assert.Equal(t, regime.ID, feed.LastEventID())
	assert.Len(t, sub.C, 0)
}

func TestSSEFeedReconnectsWithLastEventID(t *testing.T) {
	first := mustEnvelope(t, SubjectSystemMarket, map[string]any{"symbol": "BTC/USDT"})
	second := mustEnvelope(t, SubjectSystemBreaker, map[string]any{"state": "open"})

	resumed := make(chan string, 4)
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		switch calls {
		case 1:
			fmt.Fprint(w, sseFrame(t, first))
		case 2:
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			resumed <- r.Header.Get("Last-Event-ID")
			fmt.Fprint(w, sseFrame(t, second))
			w.(http.Flusher).Flush()
			<-r.Context().Done()
		}
	}))
	defer srv.Close()

	bus := NewMemoryBus()
	sub, err := bus.Subscribe(context.Background(), SubjectSystemAll, 16)
	require.NoError(t, err)
	feed := NewSSEFeed(FeedConfig{URL: srv.URL, InitialBackoff: 5 * time.Millisecond, MaxBackoff: 20 * time.Millisecond}, bus, nil)
	feed.Start(context.Background())
	defer feed.Close()

	assert.Equal(t, first.ID, recv(t, sub).ID)
	select {
	case id := <-resumed:
		assert.Equal(t, first.ID, id)
	case <-time.After(2 * time.Second):
		t.Fatal("feed did not reconnect")
	}
	assert.Equal(t, second.ID, recv(t, sub).ID)
}
