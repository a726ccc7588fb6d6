package ipc

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Rajchodisetti/trading-brain/internal/api"
	"github.com/Rajchodisetti/trading-brain/internal/apperr"
	"github.com/Rajchodisetti/trading-brain/internal/gateway"
	"github.com/Rajchodisetti/trading-brain/internal/observ"
	"github.com/Rajchodisetti/trading-brain/internal/signal"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	maxFrame   = 1 << 20
)

// Admission is the gateway protocol. *gateway.Gateway satisfies it.
type Admission interface {
	Prepare(ctx context.Context, sig signal.IntentSignal) (gateway.PrepareResult, error)
	Confirm(ctx context.Context, signalID string) (gateway.ConfirmResult, error)
	Abort(ctx context.Context, signalID string) (gateway.AbortResult, error)
}

type Config struct {
	// Token, when set, must be presented as a bearer token or ?token= on upgrade
	Token          string
	IdempotencyTTL time.Duration
}

type Server struct {
	cfg      Config
	adm      Admission
	keys     api.KeyStore
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

func NewServer(cfg Config, adm Admission, keys api.KeyStore) *Server {
	if keys == nil {
		keys = api.NewMemoryKeys(nil)
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = 24 * time.Hour
	}
	return &Server{
		cfg:  cfg,
		adm:  adm,
		keys: keys,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// producers are local processes, not browsers
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: make(map[*websocket.Conn]struct{}),
	}
}

func (s *Server) authorized(r *http.Request) bool {
	if s.cfg.Token == "" {
		return true
	}
	tok := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if tok == "" {
		tok = r.URL.Query().Get("token")
	}
	return subtle.ConstantTimeCompare([]byte(tok), []byte(s.cfg.Token)) == 1
}

// ServeHTTP upgrades the request and serves frames until the peer goes away
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		observ.IncCounter("ipc_auth_failures_total", nil)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		observ.Warn("ipc_upgrade_failed", map[string]any{"error": err.Error()})
		return
	}
	s.track(conn, true)
	defer s.track(conn, false)
	s.serve(context.WithoutCancel(r.Context()), conn)
}

func (s *Server) track(conn *websocket.Conn, add bool) {
	s.mu.Lock()
	if add {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
	n := len(s.conns)
	s.mu.Unlock()
	observ.SetGauge("ipc_connections", float64(n), nil)
}

// Connections is the number of open client sessions
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Close drops every open session
func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		_ = c.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutdown"), time.Now().Add(writeWait))
		_ = c.Close()
	}
}

func (s *Server) serve(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close()
	conn.SetReadLimit(maxFrame)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error { return conn.SetReadDeadline(time.Now().Add(pongWait)) })

	var wmu sync.Mutex
	write := func(mt int, data []byte) error {
		wmu.Lock()
		defer wmu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteMessage(mt, data)
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		t := time.NewTicker(pingPeriod)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				if err := write(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				observ.Warn("ipc_read_failed", map[string]any{"error": err.Error()})
			}
			return
		}
		var req Request
		var resp Response
		if err := json.Unmarshal(data, &req); err != nil {
			resp = failure("", apperr.Wrap(err, apperr.KindValidation, "ipc", "decode"))
		} else {
			resp = s.Handle(ctx, req)
		}
		out, _ := json.Marshal(resp)
		if err := write(websocket.TextMessage, out); err != nil {
			observ.Warn("ipc_write_failed", map[string]any{"error": err.Error(), "id": resp.ID})
			return
		}
	}
}

// Handle answers one request. A reused idempotency key is refused with CONFLICT; a
// request that failed for infrastructure reasons gives its key back.
func (s *Server) Handle(ctx context.Context, req Request) Response {
	start := time.Now()
	defer func() {
		observ.RecordDuration("ipc_request_duration", time.Since(start), map[string]string{"op": string(req.Op)})
	}()
	observ.IncCounter("ipc_requests_total", map[string]string{"op": string(req.Op)})
	if !req.Op.mutating() {
		return failure(req.ID, apperr.Newf(apperr.KindValidation, "ipc", "handle", "unknown op %q", req.Op))
	}
	if req.TraceID != "" {
		ctx = gateway.WithTraceID(ctx, req.TraceID)
	}

	var scoped string
	if req.IdempotencyKey != "" {
		scoped = "ipc " + string(req.Op) + " " + req.IdempotencyKey
		ok, err := s.keys.Reserve(ctx, scoped, s.cfg.IdempotencyTTL)
		if err != nil {
			return failure(req.ID, err)
		}
		if !ok {
			observ.IncCounter("ipc_idempotency_conflicts_total", map[string]string{"op": string(req.Op)})
			return failure(req.ID, apperr.New(apperr.KindConflict, "ipc", "handle", "idempotency key already used"))
		}
	}

	resp := s.dispatch(ctx, req)
	if scoped != "" && resp.Error != "" && infrastructure(resp.Kind) {
		if err := s.keys.Release(ctx, scoped); err != nil {
			observ.Error("ipc_idempotency_release_failed", err, map[string]any{"op": req.Op})
		}
	}
	return resp
}

func infrastructure(k apperr.Kind) bool {
	switch k {
	case apperr.KindTransportFailure, apperr.KindPersistenceFailure, apperr.KindInternal:
		return true
	}
	return false
}

func (s *Server) dispatch(ctx context.Context, req Request) Response {
	var (
		result any
		kind   apperr.Kind
		err    error
	)
	switch req.Op {
	case OpPrepare, OpSubmit:
		if req.Signal == nil {
			return failure(req.ID, apperr.Validation("ipc", string(req.Op), "signal is required"))
		}
		var prep gateway.PrepareResult
		prep, err = s.adm.Prepare(ctx, *req.Signal)
		result, kind = prep, prep.Kind
		if err == nil && req.Op == OpSubmit {
			if !prep.Prepared {
				result = gateway.ConfirmResult{SignalID: prep.SignalID, Kind: prep.Kind, Reason: prep.Reason}
				break
			}
			var res gateway.ConfirmResult
			res, err = s.adm.Confirm(ctx, req.Signal.SignalID)
			result, kind = res, res.Kind
		}
	case OpConfirm:
		if req.SignalID == "" {
			return failure(req.ID, apperr.Validation("ipc", "confirm", "signal_id is required"))
		}
		var res gateway.ConfirmResult
		res, err = s.adm.Confirm(ctx, req.SignalID)
		result, kind = res, res.Kind
	case OpAbort:
		if req.SignalID == "" {
			return failure(req.ID, apperr.Validation("ipc", "abort", "signal_id is required"))
		}
		result, err = s.adm.Abort(ctx, req.SignalID)
	}
	if err != nil {
		if apperr.KindOf(err) == apperr.KindInternal {
			observ.Error("ipc_request_failed", err, map[string]any{"op": req.Op, "id": req.ID})
		}
		return failure(req.ID, err)
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return failure(req.ID, apperr.Wrap(err, apperr.KindInternal, "ipc", "encode"))
	}
	return Response{ID: req.ID, OK: kind == "", Kind: kind, Result: raw}
}
