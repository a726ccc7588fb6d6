package risk

import (
	"math"
	"sort"
	"sync"
	"time"
)

// Position is the core's belief about one symbol's holding. Size is signed:
// positive long, negative short.
type Position struct {
	Symbol     string  `json:"symbol"`
	Size       float64 `json:"size"`
	EntryPrice float64 `json:"entry_price"`
	MarkPrice  float64 `json:"mark_price"`
}

func (p Position) Notional() float64 {
	price := p.MarkPrice
	if price <= 0 {
		price = p.EntryPrice
	}
	return math.Abs(p.Size) * price
}

// Fill is an execution report applied to the book
type Fill struct {
	FillID    string    `json:"fill_id"`
	CommandID string    `json:"command_id,omitempty"`
	SignalID  string    `json:"signal_id,omitempty"`
	PhaseID   int       `json:"phase_id,omitempty"`
	Symbol    string    `json:"symbol"`
	Side      string    `json:"side"`
	Quantity  float64   `json:"quantity"`
	Price     float64   `json:"price"`
	Fee       float64   `json:"fee"`
	Timestamp time.Time `json:"timestamp"`
}

// Exposure is a read-only view of the book used by evaluations
type Exposure struct {
	Equity           float64            `json:"equity"`
	PositionNotional map[string]float64 `json:"position_notional"`
	OpenOrders       map[string]int     `json:"open_orders"`
	DailyPnL         float64            `json:"daily_pnl"`
	GrossNotional    float64            `json:"gross_notional"`
	NetNotional      float64            `json:"net_notional"`
}

// Leverage is gross notional over equity
func (e Exposure) Leverage() float64 {
	if e.Equity <= 0 {
		return 0
	}
	return e.GrossNotional / e.Equity
}

// Book holds positions, open orders and realized daily PnL
type Book struct {
	mu         sync.RWMutex
	equity     float64
	positions  map[string]*Position
	openOrders map[string]int
	dailyPnL   float64
	pnlDay     string
	now        func() time.Time
}

func NewBook(equity float64, now func() time.Time) *Book {
	if now == nil {
		now = time.Now
	}
	return &Book{
		equity:     equity,
		positions:  make(map[string]*Position),
		openOrders: make(map[string]int),
		now:        now,
	}
}

func (b *Book) SetEquity(equity float64) {
	b.mu.Lock()
	b.equity = equity
	b.mu.Unlock()
}

func (b *Book) Equity() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.equity
}

// OrderPlaced counts one open order for symbol
func (b *Book) OrderPlaced(symbol string) {
	b.mu.Lock()
	b.openOrders[symbol]++
	b.mu.Unlock()
}

// FillResult is what one fill did to the book
type FillResult struct {
	// Realized is the PnL net of fee
	Realized float64
	// Closed is the quantity that reduced an existing position
	Closed float64
}

// Closing reports whether the fill reduced a position, whatever its PnL
func (r FillResult) Closing() bool { return r.Closed > 0 }

// ApplyFill updates position size, average entry, realized PnL and open orders.
func (b *Book) ApplyFill(f Fill) FillResult {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.rollDay()
	if b.openOrders[f.Symbol] > 0 {
		b.openOrders[f.Symbol]--
	}

	if f.Quantity <= 0 {
		return FillResult{}
	}
	qty := f.Quantity
	if f.Side == "SELL" {
		qty = -qty
	}
	pos, ok := b.positions[f.Symbol]
	if !ok {
		pos = &Position{Symbol: f.Symbol}
		b.positions[f.Symbol] = pos
	}

	var realized, closed float64
	switch {
	case pos.Size == 0 || sameSign(pos.Size, qty):
		total := pos.Size + qty
		pos.EntryPrice = (math.Abs(pos.Size)*pos.EntryPrice + math.Abs(qty)*f.Price) / math.Abs(total)
		pos.Size = total
	default:
		closed = math.Min(math.Abs(qty), math.Abs(pos.Size))
		if pos.Size > 0 {
			realized = closed * (f.Price - pos.EntryPrice)
		} else {
			realized = closed * (pos.EntryPrice - f.Price)
		}
		remaining := pos.Size + qty
		if remaining != 0 && !sameSign(remaining, pos.Size) {
			pos.EntryPrice = f.Price
		}
		pos.Size = remaining
	}
	pos.MarkPrice = f.Price
	realized -= f.Fee

	if math.Abs(pos.Size) < 1e-12 {
		delete(b.positions, f.Symbol)
	}
	b.dailyPnL += realized
	b.equity += realized
	return FillResult{Realized: realized, Closed: closed}
}

// Mark updates the mark price used for notional
func (b *Book) Mark(symbol string, price float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if pos, ok := b.positions[symbol]; ok && price > 0 {
		pos.MarkPrice = price
	}
}

// SetPosition overwrites the belief for symbol; used when resyncing from the exchange
func (b *Book) SetPosition(p Position) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p.Size == 0 {
		delete(b.positions, p.Symbol)
		return
	}
	cp := p
	b.positions[p.Symbol] = &cp
}

// Positions returns a copy sorted by symbol
func (b *Book) Positions() []Position {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Position, 0, len(b.positions))
	for _, p := range b.positions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

func (b *Book) Exposure() Exposure {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollDay()

	e := Exposure{
		Equity:           b.equity,
		PositionNotional: make(map[string]float64, len(b.positions)),
		OpenOrders:       make(map[string]int, len(b.openOrders)),
		DailyPnL:         b.dailyPnL,
	}
	for sym, p := range b.positions {
		n := p.Notional()
		e.PositionNotional[sym] = n
		e.GrossNotional += n
		if p.Size > 0 {
			e.NetNotional += n
		} else {
			e.NetNotional -= n
		}
	}
	for sym, n := range b.openOrders {
		e.OpenOrders[sym] = n
	}
	return e
}

func (b *Book) rollDay() {
	day := b.now().UTC().Format("2006-01-02")
	if b.pnlDay != day {
		b.pnlDay = day
		b.dailyPnL = 0
	}
}

func sameSign(a, b float64) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}
