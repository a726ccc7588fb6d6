// Package api is the HTTP surface consumed by the operator console: status and health,
// ledger views, breaker and allocation state, reconciliation reports, signal submission
// and operator commands.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/Rajchodisetti/trading-brain/internal/allocation"
	"github.com/Rajchodisetti/trading-brain/internal/apperr"
	"github.com/Rajchodisetti/trading-brain/internal/gateway"
	"github.com/Rajchodisetti/trading-brain/internal/ledger"
	"github.com/Rajchodisetti/trading-brain/internal/observ"
	"github.com/Rajchodisetti/trading-brain/internal/ops"
	"github.com/Rajchodisetti/trading-brain/internal/risk"
	"github.com/Rajchodisetti/trading-brain/internal/safety"
	"github.com/Rajchodisetti/trading-brain/internal/signal"
	"github.com/Rajchodisetti/trading-brain/internal/truth"
)

type Deps struct {
	Status     observ.StatusSource
	Gateway    *gateway.Gateway
	Breaker    *safety.Breaker
	Levels     *safety.LevelMachine
	Allocation *allocation.Engine
	Truth      *truth.Engine
	Ledger     *ledger.Ledger
	Risk       *risk.Ledger
	Ops        *ops.Executor
	Keys       KeyStore
	// Slack serves /ops/slack when set
	Slack http.Handler
	// Metrics serves /metrics; nil falls back to the in-process JSON dump
	Metrics        http.Handler
	IdempotencyTTL time.Duration
}

type Server struct {
	d Deps
}

func New(d Deps) *Server {
	if d.Keys == nil {
		d.Keys = NewMemoryKeys(nil)
	}
	if d.IdempotencyTTL <= 0 {
		d.IdempotencyTTL = 24 * time.Hour
	}
	if d.Metrics == nil {
		d.Metrics = observ.Handler()
	}
	return &Server{d: d}
}

// Router builds the chi router
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(metricsMiddleware)
	r.Use(Idempotency(s.d.Keys, s.d.IdempotencyTTL))

	health := observ.HealthHandler(s.d.Status)
	r.Method(http.MethodGet, "/status", health)
	r.Method(http.MethodGet, "/health", health)
	r.Method(http.MethodGet, "/metrics", s.d.Metrics)

	r.Get("/ledger/transactions", s.transactions)
	r.Get("/ledger/balances", s.balances)
	r.Get("/ledger/positions", s.positions)
	r.Get("/risk", s.riskWindow)
	r.Get("/breaker", s.breaker)
	r.Get("/allocation", s.allocation)
	r.Get("/truth", s.truthScopes)
	r.Get("/truth/{scope}", s.truthReport)
	r.Get("/gateway", s.gatewayStatus)

	r.Post("/signals", s.submitSignal)
	r.Post("/signals/{id}/abort", s.abortSignal)
	r.Post("/ops/commands", s.opsCommand)
	if s.d.Slack != nil {
		r.Method(http.MethodPost, "/ops/slack", s.d.Slack)
	}
	return r
}

func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		labels := map[string]string{"method": r.Method, "route": route, "status": strconv.Itoa(ww.Status())}
		observ.IncCounter("api_requests_total", labels)
		observ.RecordDuration("api_request_duration", time.Since(start), map[string]string{"route": route})
	})
}

type errorBody struct {
	Error string      `json:"error"`
	Kind  apperr.Kind `json:"kind,omitempty"`
	Key   string      `json:"key,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps the error taxonomy to HTTP
func statusFor(k apperr.Kind) int {
	switch k {
	case "":
		return http.StatusOK
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindUnauthorized:
		return http.StatusForbidden
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindConflict, apperr.KindDuplicateSignal:
		return http.StatusConflict
	case apperr.KindExpiredSignal:
		return http.StatusGone
	case apperr.KindExpectancyVeto, apperr.KindRiskVeto, apperr.KindBreakerHalt, apperr.KindAllocationVeto:
		return http.StatusUnprocessableEntity
	case apperr.KindTransportFailure:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	k := apperr.KindOf(err)
	msg := err.Error()
	var e *apperr.Error
	if errors.As(err, &e) && e.Message != "" {
		msg = e.Message
	}
	writeJSON(w, statusFor(k), errorBody{Error: msg, Kind: k})
}

func unavailable(w http.ResponseWriter, what string) {
	writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: what + " is not configured"})
}

func (s *Server) transactions(w http.ResponseWriter, r *http.Request) {
	if s.d.Ledger == nil {
		unavailable(w, "ledger")
		return
	}
	q := r.URL.Query()
	f := ledger.Filter{Symbol: q.Get("symbol"), Limit: 100}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, apperr.Validation("api", "transactions", "limit must be a non-negative integer"))
			return
		}
		f.Limit = n
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, apperr.Validation("api", "transactions", "since must be RFC3339"))
			return
		}
		f.Since = t
	}
	txs := s.d.Ledger.Transactions(f)
	writeJSON(w, http.StatusOK, map[string]any{"transactions": txs, "count": len(txs), "version": s.d.Ledger.Version()})
}

func (s *Server) balances(w http.ResponseWriter, _ *http.Request) {
	if s.d.Ledger == nil {
		unavailable(w, "ledger")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"balances": s.d.Ledger.Balances(), "daily": s.d.Ledger.Daily(), "version": s.d.Ledger.Version()})
}

func (s *Server) positions(w http.ResponseWriter, _ *http.Request) {
	if s.d.Ledger == nil {
		unavailable(w, "ledger")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"positions": s.d.Ledger.Positions()})
}

var riskMetrics = []risk.Metric{
	risk.MetricLeverage,
	risk.MetricNetDelta,
	risk.MetricCorrelation,
	risk.MetricBeta,
	risk.MetricVaR95,
	risk.MetricEquity,
}

type windowStat struct {
	Avg float64 `json:"avg"`
	Max float64 `json:"max"`
}

// riskWindow reports the current snapshot and per-metric aggregates over ?window=
// (a Go duration, default 15m)
func (s *Server) riskWindow(w http.ResponseWriter, r *http.Request) {
	if s.d.Risk == nil {
		unavailable(w, "risk ledger")
		return
	}
	window := 15 * time.Minute
	if v := r.URL.Query().Get("window"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			writeError(w, apperr.Validation("api", "risk", "window must be a positive duration such as 15m"))
			return
		}
		window = d
	}
	stats := make(map[risk.Metric]windowStat, len(riskMetrics))
	for _, m := range riskMetrics {
		stats[m] = windowStat{Avg: s.d.Risk.AverageOver(window, m), Max: s.d.Risk.MaxOver(window, m)}
	}
	out := map[string]any{"window": window.String(), "metrics": stats}
	if cur, ok := s.d.Risk.Current(); ok {
		out["current"] = cur
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) breaker(w http.ResponseWriter, _ *http.Request) {
	out := map[string]any{}
	if s.d.Breaker != nil {
		out["breaker"] = s.d.Breaker.Status()
	}
	if s.d.Levels != nil {
		out["level"] = s.d.Levels.Status()
	}
	guard := safety.Guard{Levels: s.d.Levels, Breaker: s.d.Breaker}
	out["action"] = guard.Action()
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) allocation(w http.ResponseWriter, r *http.Request) {
	if s.d.Allocation == nil {
		unavailable(w, "allocation")
		return
	}
	var equity float64
	if v := r.URL.Query().Get("equity"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 {
			writeError(w, apperr.Validation("api", "allocation", "equity must be a non-negative number"))
			return
		}
		equity = f
	} else if s.d.Status != nil {
		equity = s.d.Status.Equity()
	}
	v, err := s.d.Allocation.Current(r.Context(), equity)
	if err != nil {
		// the vector is valid even when recording it failed
		observ.Error("api_allocation_record_failed", err, nil)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"allocation":   v,
		"max_leverage": s.d.Allocation.MaxLeverage(equity),
	})
}

func (s *Server) truthScopes(w http.ResponseWriter, r *http.Request) {
	if s.d.Truth == nil {
		unavailable(w, "truth engine")
		return
	}
	out := make([]truth.Confidence, 0)
	for _, scope := range s.d.Truth.Scopes() {
		out = append(out, s.d.Truth.Confidence(r.Context(), scope))
	}
	writeJSON(w, http.StatusOK, map[string]any{"scopes": out})
}

func (s *Server) truthReport(w http.ResponseWriter, r *http.Request) {
	if s.d.Truth == nil {
		unavailable(w, "truth engine")
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	rep, err := s.d.Truth.Report(r.Context(), chi.URLParam(r, "scope"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) gatewayStatus(w http.ResponseWriter, r *http.Request) {
	if s.d.Gateway == nil {
		unavailable(w, "gateway")
		return
	}
	st, err := s.d.Gateway.Status(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// submitSignal runs prepare then confirm. Business outcomes are returned as the body
// with a status derived from their kind.
func (s *Server) submitSignal(w http.ResponseWriter, r *http.Request) {
	if s.d.Gateway == nil {
		unavailable(w, "gateway")
		return
	}
	var sig signal.IntentSignal
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(&sig); err != nil {
		writeError(w, apperr.Wrap(err, apperr.KindValidation, "api", "decode_signal"))
		return
	}
	ctx := r.Context()
	if id := r.Header.Get("X-Trace-Id"); id != "" {
		ctx = gateway.WithTraceID(ctx, id)
	} else if id := middleware.GetReqID(ctx); id != "" {
		ctx = gateway.WithTraceID(ctx, id)
	}
	// the request context ends with the connection; the admission must not stop halfway
	ctx = context.WithoutCancel(ctx)

	prep, err := s.d.Gateway.Prepare(ctx, sig)
	if err != nil {
		writeError(w, err)
		return
	}
	if !prep.Prepared {
		res := gateway.ConfirmResult{SignalID: sig.SignalID, Kind: prep.Kind, Reason: prep.Reason}
		writeJSON(w, statusFor(prep.Kind), res)
		return
	}
	res, err := s.d.Gateway.Confirm(ctx, sig.SignalID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, statusFor(res.Kind), res)
}

func (s *Server) abortSignal(w http.ResponseWriter, r *http.Request) {
	if s.d.Gateway == nil {
		unavailable(w, "gateway")
		return
	}
	res, err := s.d.Gateway.Abort(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) opsCommand(w http.ResponseWriter, r *http.Request) {
	if s.d.Ops == nil {
		unavailable(w, "operator commands")
		return
	}
	var c ops.Command
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&c); err != nil {
		writeError(w, apperr.Wrap(err, apperr.KindValidation, "api", "decode_command"))
		return
	}
	res, err := s.d.Ops.Execute(r.Context(), c, "http")
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, statusFor(res.Kind), res)
}
