package risk

import (
	"sync"
	"time"
)

// Tick is the latest market view for one symbol
type Tick struct {
	Symbol      string    `json:"symbol"`
	Price       float64   `json:"price"`
	DailyVolume float64   `json:"daily_volume"`
	Volatility  float64   `json:"volatility"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// MarketMonitor tracks per-symbol freshness. A symbol that never reported is stale.
type MarketMonitor struct {
	mu    sync.RWMutex
	ticks map[string]Tick
	now   func() time.Time
}

func NewMarketMonitor(now func() time.Time) *MarketMonitor {
	if now == nil {
		now = time.Now
	}
	return &MarketMonitor{ticks: make(map[string]Tick), now: now}
}

// Update stores t unless an equal or newer tick is already held
func (m *MarketMonitor) Update(t Tick) {
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = m.now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.ticks[t.Symbol]; ok && !t.UpdatedAt.After(cur.UpdatedAt) {
		return
	}
	m.ticks[t.Symbol] = t
}

func (m *MarketMonitor) Get(symbol string) (Tick, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.ticks[symbol]
	return t, ok
}

// Age returns how old the symbol's data is; ok is false when no data exists
func (m *MarketMonitor) Age(symbol string) (time.Duration, bool) {
	t, ok := m.Get(symbol)
	if !ok {
		return 0, false
	}
	return m.now().Sub(t.UpdatedAt), true
}

// IsStale is true when data is missing or older than maxAge
func (m *MarketMonitor) IsStale(symbol string, maxAge time.Duration) bool {
	age, ok := m.Age(symbol)
	return !ok || age > maxAge
}
