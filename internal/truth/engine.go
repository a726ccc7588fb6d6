package truth

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/iter"

	"github.com/Rajchodisetti/trading-brain/internal/alerts"
	"github.com/Rajchodisetti/trading-brain/internal/apperr"
	"github.com/Rajchodisetti/trading-brain/internal/eventlog"
	"github.com/Rajchodisetti/trading-brain/internal/observ"
	"github.com/Rajchodisetti/trading-brain/internal/safety"
)

// Halter receives HALT recommendations. *safety.Breaker satisfies it.
type Halter interface {
	Trip(ctx context.Context, typ safety.BreakerType, reason, source string) (safety.BreakerStatus, error)
}

// Scope is one venue to reconcile. DB is optional.
type Scope struct {
	Name     string
	Exchange Source
	DB       Source
}

type Deps struct {
	Belief   Source
	Store    Store
	Log      *eventlog.Log
	Halter   Halter
	Notifier alerts.Notifier
	Now      func() time.Time
}

// Result is what one run found
type Result struct {
	Run        Run        `json:"run"`
	Drifts     []Drift    `json:"drifts"`
	Confidence Confidence `json:"confidence"`
	Halted     bool       `json:"halted"`
}

// Outcome pairs a scope with its run result or failure, for RunAll
type Outcome struct {
	Scope  string
	Result Result
	Err    error
}

// Engine runs reconciliations. At most one run per scope is in flight; a second request
// for a busy scope is rejected with CONFLICT.
type Engine struct {
	cfg Config
	d   Deps

	mu         sync.Mutex
	scopes     map[string]Scope
	running    map[string]bool
	confidence map[string]Confidence
}

func NewEngine(cfg Config, d Deps) (*Engine, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if d.Belief == nil || d.Store == nil {
		return nil, apperr.Validation("truth", "new_engine", "belief source and store are required")
	}
	if d.Notifier == nil {
		d.Notifier = alerts.LogNotifier{}
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Engine{
		cfg:        cfg,
		d:          d,
		scopes:     make(map[string]Scope),
		running:    make(map[string]bool),
		confidence: make(map[string]Confidence),
	}, nil
}

func (e *Engine) Register(s Scope) error {
	if s.Name == "" || s.Exchange == nil {
		return apperr.Validation("truth", "register", "scope name and exchange source are required")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.scopes[s.Name] = s
	return nil
}

func (e *Engine) Scopes() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.scopes))
	for name := range e.scopes {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (e *Engine) acquire(name string) (Scope, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.scopes[name]
	if !ok {
		return Scope{}, apperr.Newf(apperr.KindNotFound, "truth", "run", "unknown scope %s", name)
	}
	if e.running[name] {
		observ.IncCounter("truth_runs_rejected_total", map[string]string{"scope": name})
		return Scope{}, apperr.Newf(apperr.KindConflict, "truth", "run", "reconciliation already running for scope %s", name)
	}
	e.running[name] = true
	return s, nil
}

func (e *Engine) release(name string) {
	e.mu.Lock()
	delete(e.running, name)
	e.mu.Unlock()
}

// Run reconciles one scope: gather evidence, classify, persist drift, rescore, and trip
// the breaker on a HALT recommendation.
func (e *Engine) Run(ctx context.Context, name string) (Result, error) {
	scope, err := e.acquire(name)
	if err != nil {
		return Result{}, err
	}
	defer e.release(name)

	ctx, cancel := context.WithTimeout(ctx, e.cfg.RunTimeout)
	defer cancel()

	start := e.d.Now()
	res := Result{Run: Run{ID: uuid.NewString(), Scope: name, StartedAt: start.UTC()}}
	if err := e.d.Store.SaveRun(ctx, res.Run); err != nil {
		return res, err
	}

	belief, exchange, db, err := e.gather(ctx, scope)
	if err != nil {
		observ.Error("truth_evidence_failed", err, map[string]any{"scope": name, "run_id": res.Run.ID})
		return e.abort(ctx, res, err)
	}

	now := e.d.Now()
	drifts := Compare(e.cfg, BrainVsExchange, belief, exchange, now)
	if db != nil {
		drifts = append(drifts, Compare(e.cfg, BrainVsDB, belief, *db, now)...)
	}
	res.Run.Stats.Symbols = len(belief.Positions)
	for i := range drifts {
		d := &drifts[i]
		d.ID, d.RunID, d.Scope = uuid.NewString(), res.Run.ID, name
		if err := e.record(ctx, *d); err != nil {
			observ.Error("truth_drift_record_failed", err, map[string]any{"scope": name, "run_id": res.Run.ID})
			return e.abort(ctx, res, err)
		}
		switch d.Severity {
		case SeverityCritical:
			res.Run.Stats.Critical++
		case SeverityWarning:
			res.Run.Stats.Warning++
		default:
			res.Run.Stats.Info++
		}
	}
	res.Drifts = drifts

	prev := e.current(ctx, name)
	res.Confidence = Score(e.cfg, prev, drifts, now)
	res.Confidence.Scope = name
	if err := e.d.Store.SaveConfidence(ctx, res.Confidence); err != nil {
		return e.abort(ctx, res, err)
	}
	e.mu.Lock()
	e.confidence[name] = res.Confidence
	e.mu.Unlock()
	observ.SetGauge("truth_confidence_score", res.Confidence.Score, map[string]string{"scope": name})
	if prev.State != res.Confidence.State {
		observ.Warn("truth_confidence_changed", map[string]any{"scope": name, "from": prev.State, "to": res.Confidence.State, "score": res.Confidence.Score})
	}

	res.Halted = e.escalate(ctx, name, drifts)
	res.Run.Success = true
	if err := e.finish(ctx, &res); err != nil {
		return res, err
	}
	observ.RecordDuration("truth_run_latency_ms", e.d.Now().Sub(start), map[string]string{"scope": name})
	observ.Log("truth_run_completed", map[string]any{"scope": name, "run_id": res.Run.ID, "critical": res.Run.Stats.Critical,
		"warning": res.Run.Stats.Warning, "confidence": res.Confidence.Score, "state": res.Confidence.State})
	return res, nil
}

func (e *Engine) gather(ctx context.Context, s Scope) (Evidence, Evidence, *Evidence, error) {
	belief, err := e.d.Belief.Evidence(ctx)
	if err != nil {
		return Evidence{}, Evidence{}, nil, fmt.Errorf("belief: %w", err)
	}
	exchange, err := s.Exchange.Evidence(ctx)
	if err != nil {
		return Evidence{}, Evidence{}, nil, fmt.Errorf("exchange: %w", err)
	}
	if s.DB == nil {
		return belief, exchange, nil, nil
	}
	db, err := s.DB.Evidence(ctx)
	if err != nil {
		return Evidence{}, Evidence{}, nil, fmt.Errorf("db: %w", err)
	}
	return belief, exchange, &db, nil
}

func (e *Engine) record(ctx context.Context, d Drift) error {
	observ.IncCounter("truth_drift_total", map[string]string{"scope": d.Scope, "severity": string(d.Severity), "type": string(d.Type)})
	if err := e.d.Store.SaveDrift(ctx, d); err != nil {
		return err
	}
	if d.Severity == SeverityInfo || e.d.Log == nil {
		return nil
	}
	_, err := e.d.Log.Append(ctx, eventlog.Draft{Type: eventlog.TypeTruthDrift, AggregateID: "truth:" + d.Scope, Payload: d, CausationID: d.RunID})
	return err
}

// escalate trips the breaker for HALT drift and alerts on CRITICAL drift
func (e *Engine) escalate(ctx context.Context, scope string, drifts []Drift) bool {
	var critical, halts []string
	for _, d := range drifts {
		if d.Severity == SeverityCritical {
			critical = append(critical, d.Describe())
		}
		if d.Action == ActionHalt {
			halts = append(halts, d.Describe())
		}
	}
	if len(critical) > 0 {
		e.d.Notifier.Notify(ctx, alerts.Alert{
			Severity:  alerts.SeverityCritical,
			Source:    "truth",
			Title:     fmt.Sprintf("Critical drift in %s", scope),
			Message:   strings.Join(critical, "\n"),
			Fields:    map[string]string{"scope": scope, "count": fmt.Sprint(len(critical))},
			Timestamp: e.d.Now().UTC(),
		})
	}
	if len(halts) == 0 || e.d.Halter == nil {
		return false
	}
	reason := "reconciliation drift: " + strings.Join(halts, "; ")
	if _, err := e.d.Halter.Trip(ctx, safety.BreakerHard, reason, "truth:"+scope); err != nil {
		observ.Error("truth_halt_failed", err, map[string]any{"scope": scope})
	}
	return true
}

// abort closes a run that failed part way, so it never stays open without a finish time
func (e *Engine) abort(ctx context.Context, res Result, cause error) (Result, error) {
	res.Run.Success = false
	res.Run.Stats.Error = cause.Error()
	if err := e.finish(ctx, &res); err != nil {
		observ.Error("truth_run_record_failed", err, map[string]any{"scope": res.Run.Scope, "run_id": res.Run.ID})
	}
	return res, cause
}

func (e *Engine) finish(ctx context.Context, res *Result) error {
	at := e.d.Now().UTC()
	res.Run.FinishedAt = &at
	observ.IncCounter("truth_runs_total", map[string]string{"scope": res.Run.Scope, "success": fmt.Sprint(res.Run.Success)})
	if err := e.d.Store.SaveRun(ctx, res.Run); err != nil {
		return err
	}
	if e.d.Log == nil {
		return nil
	}
	_, err := e.d.Log.Append(ctx, eventlog.Draft{
		Type:        eventlog.TypeTruthRun,
		AggregateID: "truth:" + res.Run.Scope,
		Payload: map[string]any{
			"run_id":     res.Run.ID,
			"scope":      res.Run.Scope,
			"success":    res.Run.Success,
			"stats":      res.Run.Stats,
			"confidence": res.Confidence.Score,
			"state":      res.Confidence.State,
		},
	})
	return err
}

// current returns the last known confidence, loading it from the store once
func (e *Engine) current(ctx context.Context, scope string) Confidence {
	e.mu.Lock()
	c, ok := e.confidence[scope]
	e.mu.Unlock()
	if ok {
		return c
	}
	c, err := e.d.Store.LoadConfidence(ctx, scope)
	if err != nil {
		if apperr.KindOf(err) != apperr.KindNotFound {
			observ.Error("truth_confidence_load_failed", err, map[string]any{"scope": scope})
		}
		return InitialConfidence(scope, e.d.Now())
	}
	return c
}

// Confidence is the scope's current score; an unreconciled scope starts HIGH
func (e *Engine) Confidence(ctx context.Context, scope string) Confidence {
	return e.current(ctx, scope)
}

// Report is the /truth view of one scope
type Report struct {
	Scope      string     `json:"scope"`
	Confidence Confidence `json:"confidence"`
	Running    bool       `json:"running"`
	Runs       []Run      `json:"runs"`
	Drifts     []Drift    `json:"drifts"`
}

// Report returns current confidence with the latest runs and drift, newest first
func (e *Engine) Report(ctx context.Context, scope string, limit int) (Report, error) {
	e.mu.Lock()
	_, known := e.scopes[scope]
	running := e.running[scope]
	e.mu.Unlock()
	if !known {
		return Report{}, apperr.Newf(apperr.KindNotFound, "truth", "report", "unknown scope %s", scope)
	}
	runs, err := e.d.Store.Runs(ctx, scope, limit)
	if err != nil {
		return Report{}, err
	}
	drifts, err := e.d.Store.Drifts(ctx, scope, limit)
	if err != nil {
		return Report{}, err
	}
	return Report{Scope: scope, Confidence: e.current(ctx, scope), Running: running, Runs: runs, Drifts: drifts}, nil
}

// MinScore is the lowest confidence across registered scopes, for the risk gate
func (e *Engine) MinScore(ctx context.Context) (float64, bool) {
	scopes := e.Scopes()
	if len(scopes) == 0 {
		return 0, false
	}
	lowest := 1.0
	for _, s := range scopes {
		if c := e.current(ctx, s); c.Score < lowest {
			lowest = c.Score
		}
	}
	return lowest, true
}

// RunAll reconciles every registered scope concurrently, one run per scope
func (e *Engine) RunAll(ctx context.Context) []Outcome {
	return iter.Map(e.Scopes(), func(name *string) Outcome {
		res, err := e.Run(ctx, *name)
		return Outcome{Scope: *name, Result: res, Err: err}
	})
}

// Start runs RunAll every Interval until ctx ends
func (e *Engine) Start(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, o := range e.RunAll(ctx) {
				if o.Err != nil && apperr.KindOf(o.Err) != apperr.KindConflict {
					observ.Error("truth_run_failed", o.Err, map[string]any{"scope": o.Scope})
				}
			}
		}
	}
}
