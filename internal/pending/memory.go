package pending

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Rajchodisetti/trading-brain/internal/keylock"
)

type processed struct {
	outcome string
	at      time.Time
}

// MemoryStore keeps pending state in process. Expired entries stay visible as expired
// for Retention before they are forgotten.
type MemoryStore struct {
	cfg   Config
	now   func() time.Time
	locks *keylock.Map

	mu    sync.Mutex
	items map[string]Entry
	done  map[string]processed
}

func NewMemoryStore(cfg Config, now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		cfg:   cfg.withDefaults(),
		now:   now,
		locks: keylock.New(),
		items: make(map[string]Entry),
		done:  make(map[string]processed),
	}
}

func (m *MemoryStore) gcLocked(now time.Time) {
	for id, e := range m.items {
		if now.Sub(e.ExpiresAt) > m.cfg.Retention {
			delete(m.items, id)
		}
	}
	for id, p := range m.done {
		if now.Sub(p.at) > m.cfg.DedupeWindow {
			delete(m.done, id)
		}
	}
}

func (m *MemoryStore) Enqueue(_ context.Context, e Entry) (bool, error) {
	now := m.now()
	if e.PreparedAt.IsZero() {
		e.PreparedAt = now
	}
	if e.ExpiresAt.IsZero() {
		e.ExpiresAt = e.PreparedAt.Add(m.cfg.TTL)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gcLocked(now)
	if _, ok := m.items[e.Signal.SignalID]; ok {
		return false, nil
	}
	m.items[e.Signal.SignalID] = e
	return true, nil
}

func (m *MemoryStore) Dequeue(_ context.Context, id string) (Entry, error) {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gcLocked(now)
	e, ok := m.items[id]
	if !ok {
		return Entry{}, notFound("dequeue", id)
	}
	delete(m.items, id)
	if e.Expired(now) {
		return e, expired("dequeue", id)
	}
	return e, nil
}

func (m *MemoryStore) Peek(_ context.Context, id string) (Entry, error) {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gcLocked(now)
	e, ok := m.items[id]
	if !ok {
		return Entry{}, notFound("peek", id)
	}
	if e.Expired(now) {
		return e, expired("peek", id)
	}
	return e, nil
}

func (m *MemoryStore) IsDuplicate(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gcLocked(m.now())
	_, pending := m.items[id]
	_, done := m.done[id]
	return pending || done, nil
}

func (m *MemoryStore) MarkProcessed(_ context.Context, id, outcome string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.done[id] = processed{outcome: outcome, at: m.now()}
	return nil
}

func (m *MemoryStore) WasProcessed(_ context.Context, id string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gcLocked(m.now())
	p, ok := m.done[id]
	return p.outcome, ok, nil
}

func (m *MemoryStore) List(_ context.Context) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gcLocked(m.now())
	out := make([]Entry, 0, len(m.items))
	for _, e := range m.items {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PreparedAt.Before(out[j].PreparedAt) })
	return out, nil
}

func (m *MemoryStore) Size(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items), nil
}

func (m *MemoryStore) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = make(map[string]Entry)
	m.done = make(map[string]processed)
	return nil
}

func (m *MemoryStore) Lock(_ context.Context, id string) (func(), error) {
	return m.locks.Lock(id), nil
}
