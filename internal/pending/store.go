// Package pending holds prepared-but-unconfirmed signals and the record of signals already
// resolved. It backs the gateway's two-phase admission protocol.
package pending

import (
	"context"
	"time"

	"github.com/Rajchodisetti/trading-brain/internal/apperr"
	"github.com/Rajchodisetti/trading-brain/internal/signal"
)

// Entry is one prepared signal
type Entry struct {
	Signal     signal.IntentSignal `json:"signal"`
	PreparedAt time.Time           `json:"prepared_at"`
	ExpiresAt  time.Time           `json:"expires_at"`
	TraceID    string              `json:"trace_id,omitempty"`
}

func (e Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// Outcomes recorded by MarkProcessed
const (
	OutcomeExecuted = "executed"
	OutcomeRejected = "rejected"
	OutcomeAborted  = "aborted"
	OutcomeExpired  = "expired"
)

// Store is the pluggable pending-signal store. Memory for tests and single-process use,
// Redis when pending state must survive restarts or be shared.
type Store interface {
	// Enqueue stores e unless the id is already pending; the bool reports insertion
	Enqueue(ctx context.Context, e Entry) (bool, error)
	// Dequeue removes and returns the entry. An expired entry is removed and returned
	// with ErrExpired.
	Dequeue(ctx context.Context, signalID string) (Entry, error)
	// Peek returns the entry without removing it, ErrExpired past its TTL
	Peek(ctx context.Context, signalID string) (Entry, error)
	// IsDuplicate is true when the id is pending or was processed within the dedupe window
	IsDuplicate(ctx context.Context, signalID string) (bool, error)
	MarkProcessed(ctx context.Context, signalID, outcome string) error
	WasProcessed(ctx context.Context, signalID string) (string, bool, error)
	// List returns every pending entry, expired ones included
	List(ctx context.Context) ([]Entry, error)
	Size(ctx context.Context) (int, error)
	Clear(ctx context.Context) error
	// Lock serializes work on one signal id
	Lock(ctx context.Context, signalID string) (func(), error)
}

// Config is shared by both implementations
type Config struct {
	Backend      string        `yaml:"backend"` // memory | redis
	TTL          time.Duration `yaml:"ttl"`
	Retention    time.Duration `yaml:"expired_retention"`
	DedupeWindow time.Duration `yaml:"dedupe_window"`
	LockTTL      time.Duration `yaml:"lock_ttl"`
	Prefix       string        `yaml:"prefix"`
}

func DefaultConfig() Config {
	return Config{
		Backend:      "memory",
		TTL:          30 * time.Second,
		Retention:    time.Hour,
		DedupeWindow: 24 * time.Hour,
		LockTTL:      10 * time.Second,
		Prefix:       "brain:pending:",
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.TTL <= 0 {
		c.TTL = d.TTL
	}
	if c.Retention <= 0 {
		c.Retention = d.Retention
	}
	if c.DedupeWindow <= 0 {
		c.DedupeWindow = d.DedupeWindow
	}
	if c.LockTTL <= 0 {
		c.LockTTL = d.LockTTL
	}
	if c.Prefix == "" {
		c.Prefix = d.Prefix
	}
	return c
}

var (
	ErrNotFound = apperr.New(apperr.KindNotFound, "pending", "lookup", "not found")
	ErrExpired  = apperr.New(apperr.KindExpiredSignal, "pending", "lookup", "expired")
)

func notFound(op, id string) error {
	return apperr.Newf(apperr.KindNotFound, "pending", op, "signal %s not found", id)
}

func expired(op, id string) error {
	return apperr.Newf(apperr.KindExpiredSignal, "pending", op, "signal %s expired", id)
}
