// Package ledger keeps the account's transaction history and per-asset balances,
// projected from exec.fill events with exact decimal arithmetic.
package ledger

import (
	"context"
	"encoding/json"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Rajchodisetti/trading-brain/internal/apperr"
	"github.com/Rajchodisetti/trading-brain/internal/eventlog"
	"github.com/Rajchodisetti/trading-brain/internal/observ"
	"github.com/Rajchodisetti/trading-brain/internal/outbox"
	"github.com/Rajchodisetti/trading-brain/internal/truth"
)

// Transaction is one fill as booked. Fees are charged in the quote asset.
type Transaction struct {
	FillID      string          `json:"fill_id"`
	EventID     string          `json:"event_id,omitempty"`
	CommandID   string          `json:"command_id,omitempty"`
	SignalID    string          `json:"signal_id,omitempty"`
	Symbol      string          `json:"symbol"`
	Base        string          `json:"base"`
	Quote       string          `json:"quote"`
	Side        string          `json:"side"`
	Quantity    decimal.Decimal `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
	Fee         decimal.Decimal `json:"fee"`
	Notional    decimal.Decimal `json:"notional"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	Timestamp   time.Time       `json:"timestamp"`
}

type Balance struct {
	Asset  string          `json:"asset"`
	Amount decimal.Decimal `json:"amount"`
}

// Position is the net holding of one symbol
type Position struct {
	Symbol        string          `json:"symbol"`
	Quantity      decimal.Decimal `json:"quantity"`
	AvgEntryPrice decimal.Decimal `json:"avg_entry_price"`
	LastTradeAt   time.Time       `json:"last_trade_at"`
}

type DailyStats struct {
	Date        string          `json:"date"`
	Trades      int             `json:"trades"`
	Fees        decimal.Decimal `json:"fees"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
}

// State is everything the ledger persists. Version increases with every booked fill.
type State struct {
	Version      int64                      `json:"version"`
	UpdatedAt    time.Time                  `json:"updated_at"`
	Balances     map[string]decimal.Decimal `json:"balances"`
	Positions    map[string]Position        `json:"positions"`
	Daily        DailyStats                 `json:"daily"`
	Transactions []Transaction              `json:"transactions"`
}

// Filter narrows Transactions. Zero values match everything.
type Filter struct {
	Symbol string
	Since  time.Time
	Limit  int
}

type Ledger struct {
	path string
	now  func() time.Time

	mu     sync.RWMutex
	state  State
	byFill map[string]struct{}
}

// New starts a ledger from opening balances. A non-empty path persists the state there
// with an atomic temp-file rename after every booking, and restores it if present.
func New(path string, opening map[string]decimal.Decimal, now func() time.Time) (*Ledger, error) {
	if now == nil {
		now = time.Now
	}
	l := &Ledger{
		path: path,
		now:  now,
		state: State{
			Balances:  make(map[string]decimal.Decimal, len(opening)),
			Positions: make(map[string]Position),
			Daily:     DailyStats{Date: now().UTC().Format("2006-01-02")},
		},
		byFill: make(map[string]struct{}),
	}
	for asset, amt := range opening {
		l.state.Balances[asset] = amt
	}
	if path == "" {
		return l, nil
	}
	if err := l.load(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Ledger) load() error {
	data, err := os.ReadFile(l.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return apperr.Persistence("ledger", "load", err)
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return apperr.Wrap(err, apperr.KindPersistenceFailure, "ledger", "load")
	}
	if st.Balances == nil {
		st.Balances = make(map[string]decimal.Decimal)
	}
	if st.Positions == nil {
		st.Positions = make(map[string]Position)
	}
	l.state = st
	for _, tx := range st.Transactions {
		l.byFill[tx.FillID] = struct{}{}
	}
	observ.Log("ledger_restored", map[string]any{"version": st.Version, "transactions": len(st.Transactions)})
	return nil
}

// saveLocked writes the state atomically; caller holds mu
func (l *Ledger) saveLocked() error {
	if l.path == "" {
		return nil
	}
	data, err := json.Marshal(l.state)
	if err != nil {
		return apperr.Wrap(err, apperr.KindPersistenceFailure, "ledger", "save")
	}
	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return apperr.Persistence("ledger", "save", err)
	}
	if err := os.Rename(tmp, l.path); err != nil {
		_ = os.Remove(tmp)
		return apperr.Persistence("ledger", "save", err)
	}
	return nil
}

// SplitSymbol splits "BTC/USDT" into base and quote; a bare symbol is quoted in USD
func SplitSymbol(symbol string) (string, string) {
	if base, quote, ok := strings.Cut(symbol, "/"); ok {
		return base, quote
	}
	return symbol, "USD"
}

// Book records a fill once. It reports false for a fill id already booked.
func (l *Ledger) Book(f outbox.Fill, eventID string) (bool, error) {
	if f.FillID == "" || !f.Quantity.IsPositive() || !f.Price.IsPositive() {
		return false, apperr.Validation("ledger", "book", "fill_id, positive quantity and price are required")
	}
	side := strings.ToUpper(f.Side)
	if side != "BUY" && side != "SELL" {
		return false, apperr.Validation("ledger", "book", "side must be BUY or SELL")
	}
	at := f.Timestamp
	if at.IsZero() {
		at = l.now()
	}
	at = at.UTC()

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.byFill[f.FillID]; ok {
		observ.IncCounter("ledger_duplicate_fills_total", nil)
		return false, nil
	}

	if day := at.Format("2006-01-02"); l.state.Daily.Date != day {
		l.state.Daily = DailyStats{Date: day}
	}

	base, quote := SplitSymbol(f.Symbol)
	notional := f.Quantity.Mul(f.Price)
	signed := f.Quantity
	if side == "SELL" {
		signed = signed.Neg()
		l.state.Balances[base] = l.state.Balances[base].Sub(f.Quantity)
		l.state.Balances[quote] = l.state.Balances[quote].Add(notional).Sub(f.Fee)
	} else {
		l.state.Balances[base] = l.state.Balances[base].Add(f.Quantity)
		l.state.Balances[quote] = l.state.Balances[quote].Sub(notional).Sub(f.Fee)
	}
	realized := l.applyPositionLocked(f.Symbol, signed, f.Price, at)

	tx := Transaction{
		FillID:      f.FillID,
		EventID:     eventID,
		CommandID:   f.CommandID,
		SignalID:    f.SignalID,
		Symbol:      f.Symbol,
		Base:        base,
		Quote:       quote,
		Side:        side,
		Quantity:    f.Quantity,
		Price:       f.Price,
		Fee:         f.Fee,
		Notional:    notional,
		RealizedPnL: realized.Sub(f.Fee),
		Timestamp:   at,
	}
	l.state.Transactions = append(l.state.Transactions, tx)
	l.byFill[f.FillID] = struct{}{}
	l.state.Daily.Trades++
	l.state.Daily.Fees = l.state.Daily.Fees.Add(f.Fee)
	l.state.Daily.RealizedPnL = l.state.Daily.RealizedPnL.Add(tx.RealizedPnL)
	l.state.Version++
	l.state.UpdatedAt = l.now().UTC()

	observ.IncCounter("ledger_transactions_total", map[string]string{"symbol": f.Symbol})
	return true, l.saveLocked()
}

// applyPositionLocked folds a signed quantity into the position and returns realized PnL
// before fees
func (l *Ledger) applyPositionLocked(symbol string, qty, price decimal.Decimal, at time.Time) decimal.Decimal {
	pos, ok := l.state.Positions[symbol]
	if !ok {
		pos = Position{Symbol: symbol}
	}
	realized := decimal.Zero
	switch {
	case pos.Quantity.IsZero() || pos.Quantity.Sign() == qty.Sign():
		total := pos.Quantity.Add(qty)
		cost := pos.Quantity.Abs().Mul(pos.AvgEntryPrice).Add(qty.Abs().Mul(price))
		pos.AvgEntryPrice = cost.Div(total.Abs())
		pos.Quantity = total
	default:
		closing := decimal.Min(qty.Abs(), pos.Quantity.Abs())
		if pos.Quantity.IsPositive() {
			realized = closing.Mul(price.Sub(pos.AvgEntryPrice))
		} else {
			realized = closing.Mul(pos.AvgEntryPrice.Sub(price))
		}
		remaining := pos.Quantity.Add(qty)
		if !remaining.IsZero() && remaining.Sign() != pos.Quantity.Sign() {
			pos.AvgEntryPrice = price
		}
		pos.Quantity = remaining
	}
	pos.LastTradeAt = at
	if pos.Quantity.IsZero() {
		delete(l.state.Positions, symbol)
	} else {
		l.state.Positions[symbol] = pos
	}
	return realized
}

// Projector books exec.fill events; it is idempotent by event id and by fill id
func (l *Ledger) Projector() *eventlog.Consumer {
	return eventlog.NewConsumer("ledger", func(_ context.Context, e eventlog.Event) error {
		var f outbox.Fill
		if err := e.Decode(&f); err != nil {
			return apperr.Wrap(err, apperr.KindValidation, "ledger", "decode_fill")
		}
		_, err := l.Book(f, e.ID)
		return err
	})
}

// Transactions returns booked transactions, newest first
func (l *Ledger) Transactions(f Filter) []Transaction {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Transaction
	for i := len(l.state.Transactions) - 1; i >= 0; i-- {
		tx := l.state.Transactions[i]
		if f.Symbol != "" && tx.Symbol != f.Symbol {
			continue
		}
		if !f.Since.IsZero() && tx.Timestamp.Before(f.Since) {
			continue
		}
		out = append(out, tx)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out
}

// Balances returns every asset balance sorted by asset
func (l *Ledger) Balances() []Balance {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Balance, 0, len(l.state.Balances))
	for asset, amt := range l.state.Balances {
		out = append(out, Balance{Asset: asset, Amount: amt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out
}

func (l *Ledger) Balance(asset string) decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state.Balances[asset]
}

func (l *Ledger) Positions() []Position {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Position, 0, len(l.state.Positions))
	for _, p := range l.state.Positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

func (l *Ledger) Daily() DailyStats {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state.Daily
}

func (l *Ledger) Version() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state.Version
}

// Evidence is the database's view of positions for reconciliation
func (l *Ledger) Evidence(context.Context) (truth.Evidence, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ev := truth.Evidence{Positions: make(map[string]float64, len(l.state.Positions)), AsOf: l.state.UpdatedAt}
	for sym, p := range l.state.Positions {
		ev.Positions[sym] = p.Quantity.InexactFloat64()
	}
	return ev, nil
}
