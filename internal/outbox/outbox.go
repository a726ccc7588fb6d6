// Package outbox is the durable hand-off between an accepted signal and the execution tier.
// A command is written here before it is published, so a retried confirm finds it and
// never builds a second one.
package outbox

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Rajchodisetti/trading-brain/internal/apperr"
	"github.com/Rajchodisetti/trading-brain/internal/observ"
)

// Command is the execution instruction published on cmd.exec.place
type Command struct {
	CommandID     string          `json:"command_id"`
	SignalID      string          `json:"signal_id"`
	Symbol        string          `json:"symbol"`
	Side          string          `json:"side"`
	Size          decimal.Decimal `json:"size"`
	Leverage      float64         `json:"leverage"`
	PhaseID       int             `json:"phase_id"`
	Route         string          `json:"route"`
	LimitPrice    decimal.Decimal `json:"limit_price"`
	Notional      decimal.Decimal `json:"notional"`
	ReduceOnly    bool            `json:"reduce_only,omitempty"`
	PolicyVersion int             `json:"policy_version"`
	PolicyHash    string          `json:"policy_hash"`
	TraceID       string          `json:"trace_id,omitempty"`
	TS            time.Time       `json:"ts"`
	// EntryZone and SignalTS are carried for execution drift checks
	EntryZone []float64 `json:"entry_zone,omitempty"`
	SignalTS  time.Time `json:"signal_ts"`
}

// Fill is an execution report for a command
type Fill struct {
	FillID      string          `json:"fill_id"`
	CommandID   string          `json:"command_id"`
	SignalID    string          `json:"signal_id"`
	PhaseID     int             `json:"phase_id"`
	Symbol      string          `json:"symbol"`
	Side        string          `json:"side"`
	Quantity    decimal.Decimal `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
	Fee         decimal.Decimal `json:"fee"`
	Timestamp   time.Time       `json:"timestamp"`
	LatencyMs   int             `json:"latency_ms"`
	SlippageBps int             `json:"slippage_bps"`
}

// Record is a command and its dispatch state
type Record struct {
	Command      Command    `json:"command"`
	WrittenAt    time.Time  `json:"written_at"`
	DispatchedAt *time.Time `json:"dispatched_at,omitempty"`
	AbandonedAt  *time.Time `json:"abandoned_at,omitempty"`
	Abandoned    string     `json:"abandoned,omitempty"`
}

func (r Record) Dispatched() bool { return r.DispatchedAt != nil }

// Open is true while the command still waits for dispatch
func (r Record) Open() bool { return r.DispatchedAt == nil && r.AbandonedAt == nil }

type entry struct {
	Type  string          `json:"type"` // command | dispatched | abandoned | fill
	Data  json.RawMessage `json:"data"`
	Event time.Time       `json:"event"`
}

type dispatchMark struct {
	CommandID string `json:"command_id"`
	Reason    string `json:"reason,omitempty"`
}

// Outbox appends commands, dispatch marks and fills to a JSONL file and keeps an index by
// signal id. An empty path keeps everything in memory.
type Outbox struct {
	path         string
	dedupeWindow time.Duration
	now          func() time.Time

	mu       sync.Mutex
	bySignal map[string]*Record
	byID     map[string]*Record
	fills    map[string]Fill
}

func New(path string, dedupeWindow time.Duration, now func() time.Time) (*Outbox, error) {
	if now == nil {
		now = time.Now
	}
	if dedupeWindow <= 0 {
		dedupeWindow = 24 * time.Hour
	}
	o := &Outbox{
		path:         path,
		dedupeWindow: dedupeWindow,
		now:          now,
		bySignal:     make(map[string]*Record),
		byID:         make(map[string]*Record),
		fills:        make(map[string]Fill),
	}
	if path == "" {
		return o, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, apperr.Persistence("outbox", "open", err)
	}
	if err := o.load(); err != nil {
		return nil, err
	}
	return o, nil
}

func (o *Outbox) load() error {
	f, err := os.Open(o.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return apperr.Persistence("outbox", "load", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	skipped := 0
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e entry
		if err := json.Unmarshal(line, &e); err != nil {
			skipped++
			continue
		}
		switch e.Type {
		case "command":
			var c Command
			if err := json.Unmarshal(e.Data, &c); err != nil {
				skipped++
				continue
			}
			o.index(&Record{Command: c, WrittenAt: e.Event})
		case "dispatched":
			var m dispatchMark
			if err := json.Unmarshal(e.Data, &m); err != nil {
				skipped++
				continue
			}
			if r, ok := o.byID[m.CommandID]; ok {
				at := e.Event
				r.DispatchedAt = &at
			}
		case "abandoned":
			var m dispatchMark
			if err := json.Unmarshal(e.Data, &m); err != nil {
				skipped++
				continue
			}
			if r, ok := o.byID[m.CommandID]; ok {
				at := e.Event
				r.AbandonedAt, r.Abandoned = &at, m.Reason
			}
		case "fill":
			var fl Fill
			if err := json.Unmarshal(e.Data, &fl); err != nil {
				skipped++
				continue
			}
			o.fills[fl.FillID] = fl
		}
	}
	if err := scanner.Err(); err != nil {
		return apperr.Persistence("outbox", "load", err)
	}
	if skipped > 0 {
		observ.Warn("outbox_lines_skipped", map[string]any{"path": o.path, "skipped": skipped})
	}
	observ.Log("outbox_loaded", map[string]any{"path": o.path, "commands": len(o.byID), "fills": len(o.fills)})
	return nil
}

func (o *Outbox) index(r *Record) {
	o.bySignal[r.Command.SignalID] = r
	o.byID[r.Command.CommandID] = r
}

// Put stores cmd unless a command for the same signal was written within the dedupe
// window; the existing record is returned then and created is false.
func (o *Outbox) Put(cmd Command) (Record, bool, error) {
	if cmd.SignalID == "" {
		return Record{}, false, apperr.Validation("outbox", "put", "signal_id is required")
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	now := o.now().UTC()
	if r, ok := o.bySignal[cmd.SignalID]; ok && now.Sub(r.WrittenAt) < o.dedupeWindow {
		observ.IncCounter("outbox_dedupe_hits_total", nil)
		return *r, false, nil
	}
	if cmd.CommandID == "" {
		cmd.CommandID = uuid.NewString()
	}
	if cmd.TS.IsZero() {
		cmd.TS = now
	}
	if err := o.appendEntry("command", cmd, now); err != nil {
		return Record{}, false, err
	}
	r := &Record{Command: cmd, WrittenAt: now}
	o.index(r)
	observ.IncCounter("outbox_commands_total", nil)
	return *r, true, nil
}

// MarkDispatched records that the command reached the bus
func (o *Outbox) MarkDispatched(commandID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.byID[commandID]
	if !ok {
		return apperr.Newf(apperr.KindNotFound, "outbox", "mark_dispatched", "command %s not found", commandID)
	}
	if r.Dispatched() {
		return nil
	}
	now := o.now().UTC()
	if err := o.appendEntry("dispatched", dispatchMark{CommandID: commandID}, now); err != nil {
		return err
	}
	r.DispatchedAt = &now
	return nil
}

// Abandon closes a command that will never be sent, e.g. because its signal expired
// before the bus came back
func (o *Outbox) Abandon(commandID, reason string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.byID[commandID]
	if !ok {
		return apperr.Newf(apperr.KindNotFound, "outbox", "abandon", "command %s not found", commandID)
	}
	if !r.Open() {
		return nil
	}
	now := o.now().UTC()
	if err := o.appendEntry("abandoned", dispatchMark{CommandID: commandID, Reason: reason}, now); err != nil {
		return err
	}
	r.AbandonedAt, r.Abandoned = &now, reason
	observ.Warn("outbox_command_abandoned", map[string]any{"command_id": commandID, "signal_id": r.Command.SignalID, "reason": reason})
	return nil
}

// BySignal returns the command written for a signal, if any
func (o *Outbox) BySignal(signalID string) (Record, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.bySignal[signalID]
	if !ok {
		return Record{}, false
	}
	return *r, true
}

func (o *Outbox) Get(commandID string) (Record, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.byID[commandID]
	if !ok {
		return Record{}, false
	}
	return *r, true
}

// Undispatched lists open commands, oldest first
func (o *Outbox) Undispatched() []Record {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []Record
	for _, r := range o.byID {
		if r.Open() {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WrittenAt.Before(out[j].WrittenAt) })
	return out
}

// WriteFill records a fill once; a repeated fill id reports false
func (o *Outbox) WriteFill(fill Fill) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.fills[fill.FillID]; ok {
		return false, nil
	}
	if err := o.appendEntry("fill", fill, o.now().UTC()); err != nil {
		return false, err
	}
	o.fills[fill.FillID] = fill
	return true, nil
}

func (o *Outbox) HasFill(fillID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.fills[fillID]
	return ok
}

func (o *Outbox) Fills() []Fill {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Fill, 0, len(o.fills))
	for _, f := range o.fills {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

// appendEntry must be called with mu held
func (o *Outbox) appendEntry(typ string, data any, at time.Time) error {
	if o.path == "" {
		return nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return apperr.Wrap(err, apperr.KindValidation, "outbox", "append")
	}
	line, err := json.Marshal(entry{Type: typ, Data: raw, Event: at})
	if err != nil {
		return apperr.Wrap(err, apperr.KindValidation, "outbox", "append")
	}
	f, err := os.OpenFile(o.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return apperr.Persistence("outbox", "append", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return apperr.Persistence("outbox", "append", err)
	}
	if err := f.Sync(); err != nil {
		return apperr.Persistence("outbox", "append", err)
	}
	return nil
}
