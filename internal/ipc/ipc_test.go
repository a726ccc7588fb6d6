package ipc

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/trading-brain/internal/api"
	"github.com/Rajchodisetti/trading-brain/internal/apperr"
	"github.com/Rajchodisetti/trading-brain/internal/gateway"
	"github.com/Rajchodisetti/trading-brain/internal/signal"
)

type fakeAdmission struct {
	mu        sync.Mutex
	prepared  map[string]bool
	confirms  int
	failNext  error
	vetoKinds map[string]apperr.Kind
}

func newFake() *fakeAdmission {
	return &fakeAdmission{prepared: map[string]bool{}, vetoKinds: map[string]apperr.Kind{}}
}

func (f *fakeAdmission) Prepare(_ context.Context, sig signal.IntentSignal) (gateway.PrepareResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		return gateway.PrepareResult{}, err
	}
	if f.prepared[sig.SignalID] {
		return gateway.PrepareResult{SignalID: sig.SignalID, Kind: apperr.KindDuplicateSignal, Reason: "already prepared"}, nil
	}
	f.prepared[sig.SignalID] = true
	return gateway.PrepareResult{SignalID: sig.SignalID, Prepared: true}, nil
}

func (f *fakeAdmission) Confirm(_ context.Context, id string) (gateway.ConfirmResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confirms++
	if k, ok := f.vetoKinds[id]; ok {
		return gateway.ConfirmResult{SignalID: id, Kind: k, Reason: "vetoed"}, nil
	}
	if !f.prepared[id] {
		return gateway.ConfirmResult{}, apperr.New(apperr.KindNotFound, "gateway", "confirm", "signal "+id+" is not pending")
	}
	return gateway.ConfirmResult{SignalID: id, Executed: true, FillPrice: 100, CommandID: "cmd-" + id}, nil
}

func (f *fakeAdmission) Abort(_ context.Context, id string) (gateway.AbortResult, error) {
	return gateway.AbortResult{SignalID: id, Aborted: true}, nil
}

func sig(id string) *signal.IntentSignal {
	edge := 0.01
	return &signal.IntentSignal{SignalID: id, PhaseID: 1, Symbol: "BTC/USDT", Side: signal.SideBuy, RequestedSize: 0.1, Leverage: 1, ExpectedEdge: &edge}
}

func TestHandle(t *testing.T) {
	adm := newFake()
	adm.vetoKinds["veto"] = apperr.KindRiskVeto
	s := NewServer(Config{}, adm, nil)
	ctx := context.Background()

	tests := []struct {
		name   string
		req    Request
		ok     bool
		kind   apperr.Kind
		failed bool
	}{
		{name: "submit executes", req: Request{ID: "1", Op: OpSubmit, Signal: sig("s1")}, ok: true},
		{name: "second prepare is a duplicate", req: Request{ID: "2", Op: OpPrepare, Signal: sig("s1")}, kind: apperr.KindDuplicateSignal},
		{name: "confirm unknown", req: Request{ID: "3", Op: OpConfirm, SignalID: "nope"}, kind: apperr.KindNotFound, failed: true},
		{name: "veto is an outcome", req: Request{ID: "4", Op: OpConfirm, SignalID: "veto"}, kind: apperr.KindRiskVeto},
		{name: "abort", req: Request{ID: "5", Op: OpAbort, SignalID: "s9"}, ok: true},
		{name: "unknown op", req: Request{ID: "6", Op: "status"}, kind: apperr.KindValidation, failed: true},
		{name: "prepare needs a signal", req: Request{ID: "7", Op: OpPrepare}, kind: apperr.KindValidation, failed: true},
		{name: "abort needs an id", req: Request{ID: "8", Op: OpAbort}, kind: apperr.KindValidation, failed: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := s.Handle(ctx, tt.req)
			assert.Equal(t, tt.req.ID, resp.ID)
			assert.Equal(t, tt.ok, resp.OK)
			assert.Equal(t, tt.kind, resp.Kind)
			assert.Equal(t, tt.failed, resp.Error != "", resp.Error)
			if !tt.failed {
				assert.NotEmpty(t, resp.Result)
			}
		})
	}
}

func TestIdempotencyKey(t *testing.T) {
	adm := newFake()
	s := NewServer(Config{}, adm, api.NewMemoryKeys(nil))
	ctx := context.Background()

	first := s.Handle(ctx, Request{ID: "a", Op: OpSubmit, Signal: sig("s1"), IdempotencyKey: "k1"})
	require.True(t, first.OK)

	again := s.Handle(ctx, Request{ID: "b", Op: OpSubmit, Signal: sig("s2"), IdempotencyKey: "k1"})
	assert.Equal(t, apperr.KindConflict, again.Kind)
	assert.Contains(t, again.Error, "idempotency key already used")
	assert.Equal(t, 1, adm.confirms, "a refused key never reaches the gateway")

	other := s.Handle(ctx, Request{ID: "c", Op: OpAbort, SignalID: "s1", IdempotencyKey: "k1"})
	assert.True(t, other.OK, "keys are scoped per op")

	adm.failNext = apperr.Transport("pending", "reserve", assert.AnError)
	failed := s.Handle(ctx, Request{ID: "d", Op: OpPrepare, Signal: sig("s3"), IdempotencyKey: "k2"})
	assert.Equal(t, apperr.KindTransportFailure, failed.Kind)
	retried := s.Handle(ctx, Request{ID: "e", Op: OpPrepare, Signal: sig("s3"), IdempotencyKey: "k2"})
	assert.True(t, retried.OK, "an infrastructure failure gives the key back")
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestClientRoundTrip(t *testing.T) {
	adm := newFake()
	adm.vetoKinds["veto"] = apperr.KindBreakerHalt
	s := NewServer(Config{Token: "t0k"}, adm, nil)
	srv := httptest.NewServer(s)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := Dial(ctx, wsURL(srv), "wrong")
	require.Error(t, err)
	assert.Equal(t, apperr.KindUnauthorized, apperr.KindOf(err))

	c, err := Dial(ctx, wsURL(srv), "t0k")
	require.NoError(t, err)
	defer c.Close()
	require.Eventually(t, func() bool { return s.Connections() == 1 }, time.Second, 10*time.Millisecond)

	prep, err := c.Prepare(ctx, *sig("s1"), "")
	require.NoError(t, err)
	assert.True(t, prep.Prepared)

	res, err := c.Confirm(ctx, "s1", "c-1")
	require.NoError(t, err)
	assert.True(t, res.Executed)
	assert.Equal(t, "cmd-s1", res.CommandID)

	_, err = c.Confirm(ctx, "s1", "c-1")
	require.Error(t, err)
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))

	res, err = c.Confirm(ctx, "veto", "")
	require.NoError(t, err, "vetoes are outcomes")
	assert.False(t, res.Executed)
	assert.Equal(t, apperr.KindBreakerHalt, res.Kind)

	_, err = c.Confirm(ctx, "ghost", "")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ab, err := c.Abort(ctx, "s"+string(rune('a'+i)), "")
			assert.NoError(t, err)
			assert.True(t, ab.Aborted)
		}(i)
	}
	wg.Wait()

	sub, err := c.Submit(ctx, *sig("s2"), "")
	require.NoError(t, err)
	assert.True(t, sub.Executed)

	require.NoError(t, c.Close())
	require.Eventually(t, func() bool { return s.Connections() == 0 }, time.Second, 10*time.Millisecond)
	_, err = c.Abort(ctx, "s1", "")
	assert.Error(t, err, "a closed client refuses new requests")
}

func TestTokenFromQuery(t *testing.T) {
	s := NewServer(Config{Token: "t0k"}, newFake(), nil)
	srv := httptest.NewServer(s)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, wsURL(srv)+"?token=t0k", "")
	require.NoError(t, err)
	_ = c.Close()
}
