package stubs

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/trading-brain/internal/risk"
	"github.com/Rajchodisetti/trading-brain/internal/transport"
)

func receive(t *testing.T, sub *transport.Subscription) transport.Envelope {
	t.Helper()
	select {
	case env := <-sub.C:
		return env
	case <-time.After(3 * time.Second):
		t.Fatal("no envelope on the bus")
	}
	return transport.Envelope{}
}

func TestFeedServerToSSEFeed(t *testing.T) {
	signer := transport.NewSigner("k1", "bus-secret")
	fs := NewFeedServer(signer, 50*time.Millisecond)
	srv := httptest.NewServer(fs.Handler())
	defer srv.Close()

	first, err := fs.Publish(transport.SubjectSystemMarket, risk.Tick{Symbol: "BTC/USDT", Price: 100, UpdatedAt: time.Now()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus := transport.NewMemoryBus()
	sub, err := bus.Subscribe(ctx, transport.SubjectSystemAll, 16)
	require.NoError(t, err)
	defer sub.Close()

	feed := transport.NewSSEFeed(transport.FeedConfig{URL: srv.URL + "/events", InitialBackoff: 10 * time.Millisecond}, bus, signer)
	feed.Start(ctx)
	defer feed.Close()

	got := receive(t, sub)
	assert.Equal(t, first.ID, got.ID, "backlog is replayed")
	require.Eventually(t, func() bool { return fs.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	halt, err := fs.Publish(transport.SubjectSystemHalt, map[string]any{"reason": "maintenance"})
	require.NoError(t, err)
	got = receive(t, sub)
	assert.Equal(t, halt.ID, got.ID)
	assert.Equal(t, transport.SubjectSystemHalt, got.Type)
	assert.Equal(t, halt.ID, feed.LastEventID())
}

func TestFeedRejectsForeignSignatures(t *testing.T) {
	fs := NewFeedServer(transport.NewSigner("k1", "other-secret"), time.Second)
	srv := httptest.NewServer(fs.Handler())
	defer srv.Close()
	_, err := fs.Publish(transport.SubjectSystemMarket, risk.Tick{Symbol: "BTC/USDT", Price: 100})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus := transport.NewMemoryBus()
	feed := transport.NewSSEFeed(transport.FeedConfig{URL: srv.URL + "/events"}, bus, transport.NewSigner("k1", "bus-secret"))
	feed.Start(ctx)
	defer feed.Close()

	require.Eventually(t, func() bool {
		return feed.Metrics()["rejected"].(int64) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, feed.LastEventID())
}

func TestBackfill(t *testing.T) {
	fs := NewFeedServer(transport.NewSigner("", ""), time.Second)
	var ids []string
	for i := 0; i < 5; i++ {
		env, err := fs.Publish(transport.SubjectSystemRegime, map[string]any{"regime": "range", "n": i})
		require.NoError(t, err)
		ids = append(ids, env.ID)
	}

	tests := []struct {
		name      string
		query     string
		wantCode  int
		wantCount int
		wantMore  bool
	}{
		{name: "all", query: "", wantCode: http.StatusOK, wantCount: 5},
		{name: "since second", query: "?since_id=" + ids[1], wantCode: http.StatusOK, wantCount: 3},
		{name: "limited", query: "?limit=2", wantCode: http.StatusOK, wantCount: 2, wantMore: true},
		{name: "since last", query: "?since_id=" + ids[4], wantCode: http.StatusOK, wantCount: 0},
		{name: "bad limit", query: "?limit=0", wantCode: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			fs.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/backfill"+tt.query, nil))
			require.Equal(t, tt.wantCode, rec.Code)
			if tt.wantCode != http.StatusOK {
				return
			}
			var body struct {
				Events  []transport.Envelope `json:"events"`
				Count   int                  `json:"count"`
				Total   int                  `json:"total"`
				HasMore bool                 `json:"has_more"`
			}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.wantCount, body.Count)
			assert.Len(t, body.Events, tt.wantCount)
			assert.Equal(t, 5, body.Total)
			assert.Equal(t, tt.wantMore, body.HasMore)
		})
	}
}

func TestWalkIsDeterministic(t *testing.T) {
	start := map[string]float64{"BTC/USDT": 100, "ETH/USDT": 50}
	a, b := NewWalk(42, start), NewWalk(42, start)
	now := time.Now()
	for i := 0; i < 10; i++ {
		ta, tb := a.Next(now), b.Next(now)
		require.Len(t, ta, 2)
		assert.Equal(t, ta, tb)
		assert.Equal(t, "BTC/USDT", ta[0].Symbol)
		for _, tk := range ta {
			assert.Positive(t, tk.Price)
		}
	}
}

func TestLoadFixture(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fixture.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"events":[
		{"type":"evt.system.market","payload":{"symbol":"BTC/USDT","price":101}},
		{"type":"evt.system.halt","payload":{"reason":"maintenance"}}
	]}`), 0o644))

	events, err := LoadFixture(path)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, transport.SubjectSystemHalt, events[1].Type)

	fs := NewFeedServer(transport.NewSigner("", ""), time.Second)
	for _, e := range events {
		_, err := fs.Publish(e.Type, e.Payload)
		require.NoError(t, err)
	}
	_, err = LoadFixture(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}
