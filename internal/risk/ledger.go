package risk

import (
	"context"
	"sync"
	"time"

	"github.com/Rajchodisetti/trading-brain/internal/apperr"
	"github.com/Rajchodisetti/trading-brain/internal/eventlog"
	"github.com/Rajchodisetti/trading-brain/internal/observ"
	"github.com/Rajchodisetti/trading-brain/internal/storage"
)

// Snapshot is a point-in-time risk reading. Past snapshots are never edited;
// corrections are recorded as new snapshots.
type Snapshot struct {
	Timestamp        time.Time `json:"timestamp"`
	Leverage         float64   `json:"leverage"`
	NetDelta         float64   `json:"net_delta"`
	CorrelationScore float64   `json:"correlation_score"`
	PortfolioBeta    float64   `json:"portfolio_beta"`
	VaR95            float64   `json:"var95"`
	Equity           float64   `json:"equity"`
}

// Metric selects one snapshot field for aggregate queries
type Metric string

const (
	MetricLeverage    Metric = "leverage"
	MetricNetDelta    Metric = "net_delta"
	MetricCorrelation Metric = "correlation_score"
	MetricBeta        Metric = "portfolio_beta"
	MetricVaR95       Metric = "var95"
	MetricEquity      Metric = "equity"
)

func (s Snapshot) value(m Metric) float64 {
	switch m {
	case MetricLeverage:
		return s.Leverage
	case MetricNetDelta:
		return s.NetDelta
	case MetricCorrelation:
		return s.CorrelationScore
	case MetricBeta:
		return s.PortfolioBeta
	case MetricVaR95:
		return s.VaR95
	case MetricEquity:
		return s.Equity
	default:
		return 0
	}
}

// SnapshotStore persists snapshots outside the event log
type SnapshotStore interface {
	Insert(ctx context.Context, s Snapshot) error
}

// LedgerConfig bounds in-memory history and defines a significant change
type LedgerConfig struct {
	MaxHistory        int     `yaml:"max_history"`
	SignificantChange float64 `yaml:"significant_change"`
}

func DefaultLedgerConfig() LedgerConfig {
	return LedgerConfig{MaxHistory: 10_000, SignificantChange: 0.05}
}

// Ledger keeps the current snapshot and the history used by aggregate queries
type Ledger struct {
	cfg   LedgerConfig
	log   *eventlog.Log
	store SnapshotStore
	now   func() time.Time

	mu      sync.RWMutex
	history []Snapshot
}

func NewLedger(cfg LedgerConfig, log *eventlog.Log, store SnapshotStore, now func() time.Time) *Ledger {
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = DefaultLedgerConfig().MaxHistory
	}
	if now == nil {
		now = time.Now
	}
	return &Ledger{cfg: cfg, log: log, store: store, now: now}
}

// RecordSnapshot appends s to history. Timestamps must not go backwards.
func (l *Ledger) RecordSnapshot(ctx context.Context, s Snapshot) error {
	if s.Timestamp.IsZero() {
		s.Timestamp = l.now()
	}
	s.Timestamp = s.Timestamp.UTC()

	l.mu.Lock()
	if n := len(l.history); n > 0 && s.Timestamp.Before(l.history[n-1].Timestamp) {
		last := l.history[n-1].Timestamp
		l.mu.Unlock()
		return apperr.Newf(apperr.KindValidation, "risk", "record_snapshot",
			"snapshot at %s is older than current %s", s.Timestamp.Format(time.RFC3339Nano), last.Format(time.RFC3339Nano))
	}
	l.history = append(l.history, s)
	if over := len(l.history) - l.cfg.MaxHistory; over > 0 {
		l.history = append([]Snapshot(nil), l.history[over:]...)
	}
	l.mu.Unlock()

	observ.SetGauge("risk_leverage", s.Leverage, nil)
	observ.SetGauge("risk_net_delta", s.NetDelta, nil)
	observ.SetGauge("risk_correlation_score", s.CorrelationScore, nil)
	observ.SetGauge("risk_var95", s.VaR95, nil)

	if l.store != nil {
		if err := l.store.Insert(ctx, s); err != nil {
			return err
		}
	}
	if l.log != nil {
		if _, err := l.log.Append(ctx, eventlog.Draft{
			Type:        eventlog.TypeRiskSnapshot,
			AggregateID: "risk",
			Payload:     s,
		}); err != nil {
			return err
		}
	}
	return nil
}

// IsSignificant reports whether next differs enough from the current snapshot to record
func (l *Ledger) IsSignificant(next Snapshot) bool {
	cur, ok := l.Current()
	if !ok {
		return true
	}
	for _, m := range []Metric{MetricLeverage, MetricNetDelta, MetricCorrelation, MetricVaR95, MetricEquity} {
		a, b := cur.value(m), next.value(m)
		base := a
		if base < 0 {
			base = -base
		}
		diff := b - a
		if diff < 0 {
			diff = -diff
		}
		if base == 0 {
			if diff > 0 {
				return true
			}
			continue
		}
		if diff/base >= l.cfg.SignificantChange {
			return true
		}
	}
	return false
}

func (l *Ledger) Current() (Snapshot, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.history) == 0 {
		return Snapshot{}, false
	}
	return l.history[len(l.history)-1], true
}

// AverageOver averages metric across snapshots newer than now-window
func (l *Ledger) AverageOver(window time.Duration, m Metric) float64 {
	var sum float64
	n := 0
	l.each(window, func(s Snapshot) {
		sum += s.value(m)
		n++
	})
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// MaxOver is the largest metric value across snapshots newer than now-window
func (l *Ledger) MaxOver(window time.Duration, m Metric) float64 {
	var max float64
	first := true
	l.each(window, func(s Snapshot) {
		if v := s.value(m); first || v > max {
			max = v
			first = false
		}
	})
	return max
}

// History returns snapshots at or after since
func (l *Ledger) History(since time.Time) []Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Snapshot
	for _, s := range l.history {
		if !s.Timestamp.Before(since) {
			out = append(out, s)
		}
	}
	return out
}

func (l *Ledger) each(window time.Duration, fn func(Snapshot)) {
	cutoff := l.now().Add(-window)
	l.mu.RLock()
	defer l.mu.RUnlock()
	for i := len(l.history) - 1; i >= 0; i-- {
		s := l.history[i]
		if s.Timestamp.Before(cutoff) {
			break
		}
		fn(s)
	}
}

// PostgresSnapshotStore writes snapshots to risk_snapshots
type PostgresSnapshotStore struct {
	db storage.DB
}

func NewPostgresSnapshotStore(db storage.DB) *PostgresSnapshotStore {
	return &PostgresSnapshotStore{db: db}
}

func (p *PostgresSnapshotStore) Insert(ctx context.Context, s Snapshot) error {
	_, err := p.db.Exec(ctx,
		`INSERT INTO risk_snapshots (ts, leverage, net_delta, correlation_score, portfolio_beta, var95, equity)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		s.Timestamp, s.Leverage, s.NetDelta, s.CorrelationScore, s.PortfolioBeta, s.VaR95, s.Equity)
	return storage.ClassifyPG("risk", "insert_snapshot", err)
}
