package truth

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/jackc/pgx/v5"

	"github.com/Rajchodisetti/trading-brain/internal/apperr"
	"github.com/Rajchodisetti/trading-brain/internal/storage"
)

// Store persists runs, drift and the latest confidence per scope
type Store interface {
	SaveRun(ctx context.Context, r Run) error
	SaveDrift(ctx context.Context, d Drift) error
	SaveConfidence(ctx context.Context, c Confidence) error
	// LoadConfidence returns NOT_FOUND for a scope never scored
	LoadConfidence(ctx context.Context, scope string) (Confidence, error)
	Runs(ctx context.Context, scope string, limit int) ([]Run, error)
	Drifts(ctx context.Context, scope string, limit int) ([]Drift, error)
}

type MemoryStore struct {
	mu         sync.RWMutex
	runs       map[string][]Run
	drifts     map[string][]Drift
	confidence map[string]Confidence
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:       make(map[string][]Run),
		drifts:     make(map[string][]Drift),
		confidence: make(map[string]Confidence),
	}
}

// SaveRun inserts or replaces the run with the same id
func (m *MemoryStore) SaveRun(_ context.Context, r Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.runs[r.Scope]
	for i := range list {
		if list[i].ID == r.ID {
			list[i] = r
			return nil
		}
	}
	m.runs[r.Scope] = append(list, r)
	return nil
}

func (m *MemoryStore) SaveDrift(_ context.Context, d Drift) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drifts[d.Scope] = append(m.drifts[d.Scope], d)
	return nil
}

func (m *MemoryStore) SaveConfidence(_ context.Context, c Confidence) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.confidence[c.Scope] = c
	return nil
}

func (m *MemoryStore) LoadConfidence(_ context.Context, scope string) (Confidence, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.confidence[scope]
	if !ok {
		return Confidence{}, apperr.Newf(apperr.KindNotFound, "truth", "load_confidence", "no confidence for scope %s", scope)
	}
	return c, nil
}

// Runs returns the newest runs first
func (m *MemoryStore) Runs(_ context.Context, scope string, limit int) ([]Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return newestFirst(m.runs[scope], limit), nil
}

func (m *MemoryStore) Drifts(_ context.Context, scope string, limit int) ([]Drift, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return newestFirst(m.drifts[scope], limit), nil
}

func newestFirst[T any](list []T, limit int) []T {
	n := len(list)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]T, 0, n)
	for i := len(list) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, list[i])
	}
	return out
}

// PostgresStore writes to truth_runs, truth_drift_events and truth_confidence
type PostgresStore struct {
	db storage.DB
}

func NewPostgresStore(db storage.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) SaveRun(ctx context.Context, r Run) error {
	stats, err := json.Marshal(r.Stats)
	if err != nil {
		return apperr.Wrap(err, apperr.KindValidation, "truth", "save_run")
	}
	_, err = p.db.Exec(ctx,
		`INSERT INTO truth_runs (id, scope, started_at, finished_at, success, stats)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE SET finished_at = EXCLUDED.finished_at, success = EXCLUDED.success, stats = EXCLUDED.stats`,
		r.ID, r.Scope, r.StartedAt, r.FinishedAt, r.Success, stats)
	return storage.ClassifyPG("truth", "save_run", err)
}

func (p *PostgresStore) SaveDrift(ctx context.Context, d Drift) error {
	details, err := json.Marshal(map[string]any{
		"symbol":   d.Symbol,
		"expected": d.Expected,
		"observed": d.Observed,
		"diff_pct": d.DiffPct,
		"extra":    d.Details,
	})
	if err != nil {
		return apperr.Wrap(err, apperr.KindValidation, "truth", "save_drift")
	}
	_, err = p.db.Exec(ctx,
		`INSERT INTO truth_drift_events (id, run_id, scope, comparison, drift_type, severity, details, recommended_action, detected_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		d.ID, d.RunID, d.Scope, d.Comparison, d.Type, d.Severity, details, d.Action, d.DetectedAt)
	return storage.ClassifyPG("truth", "save_drift", err)
}

func (p *PostgresStore) SaveConfidence(ctx context.Context, c Confidence) error {
	reasons, err := json.Marshal(c.Reasons)
	if err != nil {
		return apperr.Wrap(err, apperr.KindValidation, "truth", "save_confidence")
	}
	_, err = p.db.Exec(ctx,
		`INSERT INTO truth_confidence (scope, score, state, reasons, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (scope) DO UPDATE SET score = EXCLUDED.score, state = EXCLUDED.state,
		 reasons = EXCLUDED.reasons, updated_at = EXCLUDED.updated_at`,
		c.Scope, c.Score, c.State, reasons, c.UpdatedAt)
	return storage.ClassifyPG("truth", "save_confidence", err)
}

func (p *PostgresStore) LoadConfidence(ctx context.Context, scope string) (Confidence, error) {
	c := Confidence{Scope: scope}
	var reasons []byte
	err := p.db.QueryRow(ctx,
		`SELECT score, state, reasons, updated_at FROM truth_confidence WHERE scope = $1`, scope).
		Scan(&c.Score, &c.State, &reasons, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Confidence{}, apperr.Newf(apperr.KindNotFound, "truth", "load_confidence", "no confidence for scope %s", scope)
	}
	if err != nil {
		return Confidence{}, storage.ClassifyPG("truth", "load_confidence", err)
	}
	if len(reasons) > 0 {
		if err := json.Unmarshal(reasons, &c.Reasons); err != nil {
			return Confidence{}, apperr.Wrap(err, apperr.KindPersistenceFailure, "truth", "load_confidence")
		}
	}
	return c, nil
}

func (p *PostgresStore) Runs(ctx context.Context, scope string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.Query(ctx,
		`SELECT id, scope, started_at, finished_at, success, stats FROM truth_runs
		 WHERE scope = $1 ORDER BY started_at DESC LIMIT $2`, scope, limit)
	if err != nil {
		return nil, storage.ClassifyPG("truth", "runs", err)
	}
	defer rows.Close()
	var out []Run
	for rows.Next() {
		var r Run
		var stats []byte
		if err := rows.Scan(&r.ID, &r.Scope, &r.StartedAt, &r.FinishedAt, &r.Success, &stats); err != nil {
			return nil, storage.ClassifyPG("truth", "runs", err)
		}
		_ = json.Unmarshal(stats, &r.Stats)
		out = append(out, r)
	}
	return out, storage.ClassifyPG("truth", "runs", rows.Err())
}

func (p *PostgresStore) Drifts(ctx context.Context, scope string, limit int) ([]Drift, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.Query(ctx,
		`SELECT id, run_id, scope, comparison, drift_type, severity, details, recommended_action, detected_at
		 FROM truth_drift_events WHERE scope = $1 ORDER BY detected_at DESC LIMIT $2`, scope, limit)
	if err != nil {
		return nil, storage.ClassifyPG("truth", "drifts", err)
	}
	defer rows.Close()
	var out []Drift
	for rows.Next() {
		var d Drift
		var details []byte
		if err := rows.Scan(&d.ID, &d.RunID, &d.Scope, &d.Comparison, &d.Type, &d.Severity, &details, &d.Action, &d.DetectedAt); err != nil {
			return nil, storage.ClassifyPG("truth", "drifts", err)
		}
		var raw struct {
			Symbol   string         `json:"symbol"`
			Expected float64        `json:"expected"`
			Observed float64        `json:"observed"`
			DiffPct  float64        `json:"diff_pct"`
			Extra    map[string]any `json:"extra"`
		}
		if json.Unmarshal(details, &raw) == nil {
			d.Symbol, d.Expected, d.Observed, d.DiffPct, d.Details = raw.Symbol, raw.Expected, raw.Observed, raw.DiffPct, raw.Extra
		}
		out = append(out, d)
	}
	return out, storage.ClassifyPG("truth", "drifts", rows.Err())
}
