package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/trading-brain/internal/api"
	"github.com/Rajchodisetti/trading-brain/internal/app"
	"github.com/Rajchodisetti/trading-brain/internal/apperr"
	"github.com/Rajchodisetti/trading-brain/internal/config"
	"github.com/Rajchodisetti/trading-brain/internal/ops"
	"github.com/Rajchodisetti/trading-brain/internal/risk"
	"github.com/Rajchodisetti/trading-brain/internal/signal"
	"github.com/Rajchodisetti/trading-brain/internal/transport"
)

type fixture struct {
	app *app.App
	srv *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	c := config.Default()
	c.EventLog.Backend = "memory"
	c.Ledger.Path = ""
	c.Outbox.Path = ""
	c.Ops.AuditPath = ""
	c.Ops.SigningSecret = "ops-secret"
	c.Ops.Permissions = map[string][]string{"alice": {"*"}, "carol": {"gateway.pause"}}
	c.Ops.Slack = ops.SlackConfig{SigningSecret: "slack-secret", Users: map[string]string{"U1": "alice"}}
	c.Safety.Breaker.LockfilePath = filepath.Join(dir, "HALT")

	a, err := app.New(context.Background(), c)
	require.NoError(t, err)
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(func() {
		srv.Close()
		_ = a.Close()
	})

	env, err := transport.NewEnvelope(transport.SubjectSystemMarket, risk.Tick{
		Symbol: "BTC/USDT", Price: 100, DailyVolume: 100_000_000, Volatility: 0.03, UpdatedAt: time.Now().UTC(),
	}, "")
	require.NoError(t, err)
	require.NoError(t, a.HandleSystemEvent(context.Background(), a.Signer.Sign(env)))
	return &fixture{app: a, srv: srv}
}

func (f *fixture) do(t *testing.T, method, path string, body any, header map[string]string) (int, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	require.NoError(t, err)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]any{}
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out
}

func buy(id string, size float64) signal.IntentSignal {
	edge := 0.01
	return signal.IntentSignal{
		SignalID: id, PhaseID: 1, Symbol: "BTC/USDT", Side: signal.SideBuy,
		RequestedSize: size, Leverage: 1, ExpectedEdge: &edge, Timestamp: time.Now().UTC(),
	}
}

func TestStatusAndHealth(t *testing.T) {
	f := newFixture(t)
	for _, path := range []string{"/status", "/health"} {
		t.Run(path, func(t *testing.T) {
			code, body := f.do(t, http.MethodGet, path, nil, nil)
			assert.Equal(t, http.StatusOK, code)
			assert.Equal(t, "healthy", body["status"])
			assert.Equal(t, 10_000.0, body["equity"])
			components, ok := body["components"].(map[string]any)
			require.True(t, ok)
			assert.Contains(t, components, "breaker")
			assert.Contains(t, components, "truth")
		})
	}
}

func TestSubmitSignal(t *testing.T) {
	f := newFixture(t)

	code, body := f.do(t, http.MethodPost, "/signals", buy("s-1", 1), map[string]string{"X-Trace-Id": "trace-1"})
	assert.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, true, body["executed"])
	assert.NotEmpty(t, body["command_id"])

	code, body = f.do(t, http.MethodPost, "/signals", buy("s-1", 1), nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, string(apperr.KindDuplicateSignal), body["kind"])

	code, body = f.do(t, http.MethodPost, "/signals", buy("s-2", 1000), nil)
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Equal(t, string(apperr.KindRiskVeto), body["kind"])
	assert.Equal(t, false, body["executed"])

	code, body = f.do(t, http.MethodPost, "/signals", map[string]any{"signal_id": 7}, nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, string(apperr.KindValidation), body["kind"])

	code, body = f.do(t, http.MethodPost, "/signals/s-9/abort", nil, nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "s-9", body["signal_id"])

	code, body = f.do(t, http.MethodGet, "/gateway", nil, nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["paused"])
}

func TestIdempotencyKeyConflict(t *testing.T) {
	f := newFixture(t)
	key := map[string]string{api.IdempotencyHeader: "k-1"}

	code, _ := f.do(t, http.MethodPost, "/signals", buy("s-1", 1), key)
	require.Equal(t, http.StatusOK, code)

	code, body := f.do(t, http.MethodPost, "/signals", buy("s-2", 1), key)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, string(apperr.KindConflict), body["kind"])
	assert.Equal(t, "k-1", body["key"])

	st, err := f.app.Gateway.Status(context.Background())
	require.NoError(t, err)
	assert.Zero(t, st.Pending, "the second request never reached the gateway")

	code, _ = f.do(t, http.MethodPost, "/signals/s-1/abort", nil, key)
	assert.Equal(t, http.StatusOK, code, "keys are scoped by path")

	code, _ = f.do(t, http.MethodGet, "/gateway", nil, key)
	assert.Equal(t, http.StatusOK, code, "reads ignore the header")
}

func TestIdempotencyReleasesKeyOnServerError(t *testing.T) {
	calls := 0
	h := api.Idempotency(api.NewMemoryKeys(nil), time.Hour)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))

	send := func() int {
		req := httptest.NewRequest(http.MethodPost, "/signals", nil)
		req.Header.Set(api.IdempotencyHeader, "k-1")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}
	assert.Equal(t, http.StatusServiceUnavailable, send())
	assert.Equal(t, http.StatusCreated, send(), "a 5xx gives the key back")
	assert.Equal(t, http.StatusConflict, send())
	assert.Equal(t, 2, calls)
}

func TestLedgerEndpoints(t *testing.T) {
	f := newFixture(t)

	code, body := f.do(t, http.MethodGet, "/ledger/balances", nil, nil)
	require.Equal(t, http.StatusOK, code)
	balances, ok := body["balances"].([]any)
	require.True(t, ok)
	require.Len(t, balances, 1)
	assert.Equal(t, "USDT", balances[0].(map[string]any)["asset"])

	tests := []struct {
		name  string
		query string
		want  int
	}{
		{name: "default", query: "", want: http.StatusOK},
		{name: "filtered", query: "?symbol=BTC/USDT&limit=5&since=2026-01-01T00:00:00Z", want: http.StatusOK},
		{name: "bad limit", query: "?limit=lots", want: http.StatusBadRequest},
		{name: "bad since", query: "?since=yesterday", want: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := f.do(t, http.MethodGet, "/ledger/transactions"+tt.query, nil, nil)
			assert.Equal(t, tt.want, code)
			if tt.want == http.StatusOK {
				assert.Equal(t, 0.0, body["count"])
			}
		})
	}

	code, _ = f.do(t, http.MethodGet, "/ledger/positions", nil, nil)
	assert.Equal(t, http.StatusOK, code)
}

func TestOpsCommands(t *testing.T) {
	f := newFixture(t)
	trip := ops.Sign("ops-secret", ops.Command{
		OperatorID: "alice",
		Action:     ops.ActionBreakerTrip,
		Reason:     "venue incident",
		Params:     json.RawMessage(`{"breaker_type":"HARD"}`),
	}, time.Now())

	code, body := f.do(t, http.MethodPost, "/ops/commands", trip, nil)
	assert.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, true, body["ok"])

	code, body = f.do(t, http.MethodGet, "/breaker", nil, nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "FULL_HALT", body["action"])

	code, _ = f.do(t, http.MethodGet, "/status", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, code, "a halted breaker fails the status document")

	code, body = f.do(t, http.MethodPost, "/signals", buy("s-1", 1), nil)
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Equal(t, string(apperr.KindBreakerHalt), body["kind"])

	code, body = f.do(t, http.MethodPost, "/ops/commands", trip, nil)
	assert.Equal(t, http.StatusForbidden, code, "a replayed nonce is refused")
	assert.Equal(t, string(apperr.KindUnauthorized), body["kind"])

	denied := ops.Sign("ops-secret", ops.Command{OperatorID: "carol", Action: ops.ActionBreakerReset, Reason: "clear"}, time.Now())
	code, _ = f.do(t, http.MethodPost, "/ops/commands", denied, nil)
	assert.Equal(t, http.StatusForbidden, code)

	reset := ops.Sign("ops-secret", ops.Command{OperatorID: "alice", Action: ops.ActionBreakerReset, Reason: "incident over"}, time.Now())
	code, body = f.do(t, http.MethodPost, "/ops/commands", reset, nil)
	assert.Equal(t, http.StatusOK, code, body)

	code, body = f.do(t, http.MethodGet, "/breaker", nil, nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "NONE", body["action"])
}

func TestReadViews(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name string
		path string
		want int
	}{
		{name: "allocation from status equity", path: "/allocation", want: http.StatusOK},
		{name: "allocation for equity", path: "/allocation?equity=2500", want: http.StatusOK},
		{name: "allocation bad equity", path: "/allocation?equity=-1", want: http.StatusBadRequest},
		{name: "truth scopes", path: "/truth", want: http.StatusOK},
		{name: "truth report", path: "/truth/paper?limit=5", want: http.StatusOK},
		{name: "unknown truth scope", path: "/truth/nowhere", want: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := f.do(t, http.MethodGet, tt.path, nil, nil)
			assert.Equal(t, tt.want, code, body)
		})
	}

	resp, err := http.Get(f.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(raw), "go_goroutines")
}

func TestSlackCommand(t *testing.T) {
	f := newFixture(t)
	post := func(text string) (int, map[string]any) {
		body := url.Values{"user_id": {"U1"}, "text": {text}}.Encode()
		ts := time.Now().Unix()
		req, err := http.NewRequest(http.MethodPost, f.srv.URL+"/ops/slack", strings.NewReader(body))
		require.NoError(t, err)
		req.Header.Set("X-Slack-Request-Timestamp", strconv.FormatInt(ts, 10))
		req.Header.Set("X-Slack-Signature", ops.SlackSignature("slack-secret", ts, []byte(body)))
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		out := map[string]any{}
		if resp.StatusCode == http.StatusOK {
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
		}
		return resp.StatusCode, out
	}

	code, body := post("pause slack drill")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "in_channel", body["response_type"])

	code, body = post("status")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, body["text"], "gateway paused: slack drill")

	st, err := f.app.Gateway.Status(context.Background())
	require.NoError(t, err)
	assert.True(t, st.Paused)
}

func TestRiskWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, f.app.RiskLedger.RecordSnapshot(ctx, risk.Snapshot{Timestamp: now.Add(-time.Minute), Leverage: 3, VaR95: 120, Equity: 10_000}))
	require.NoError(t, f.app.RiskLedger.RecordSnapshot(ctx, risk.Snapshot{Timestamp: now, Leverage: 1, VaR95: 80, Equity: 10_000}))

	tests := []struct {
		name     string
		query    string
		wantCode int
		wantMax  float64
		wantAvg  float64
	}{
		{name: "default window", query: "", wantCode: http.StatusOK, wantMax: 3, wantAvg: 2},
		{name: "explicit window", query: "?window=1h", wantCode: http.StatusOK, wantMax: 3, wantAvg: 2},
		{name: "window excluding the peak", query: "?window=30s", wantCode: http.StatusOK, wantMax: 1, wantAvg: 1},
		{name: "bad window", query: "?window=soon", wantCode: http.StatusBadRequest},
		{name: "negative window", query: "?window=-5m", wantCode: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := f.do(t, http.MethodGet, "/risk"+tt.query, nil, nil)
			require.Equal(t, tt.wantCode, code, body)
			if code != http.StatusOK {
				assert.Equal(t, string(apperr.KindValidation), body["kind"])
				return
			}
			metrics, ok := body["metrics"].(map[string]any)
			require.True(t, ok)
			lev, ok := metrics["leverage"].(map[string]any)
			require.True(t, ok)
			assert.InDelta(t, tt.wantMax, lev["max"], 1e-9)
			assert.InDelta(t, tt.wantAvg, lev["avg"], 1e-9)
			current, ok := body["current"].(map[string]any)
			require.True(t, ok)
			assert.Equal(t, 1.0, current["leverage"])
		})
	}
}
