package eventlog

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/Rajchodisetti/trading-brain/internal/apperr"
	"github.com/Rajchodisetti/trading-brain/internal/observ"
)

// Store is the durable backend behind the Log. Append must reject a duplicate
// (aggregate_id, version) pair with a KindConflict error.
type Store interface {
	Append(ctx context.Context, e Event) error
	Stream(ctx context.Context, aggregateID string) ([]Event, error)
	LastVersion(ctx context.Context, aggregateID string) (int64, error)
	All(ctx context.Context) ([]Event, error)
	Close() error
}

// MemoryStore keeps events in process; used in tests and dry runs
type MemoryStore struct {
	mu     sync.RWMutex
	events []Event
	byAgg  map[string][]int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byAgg: make(map[string][]int)}
}

func (m *MemoryStore) Append(_ context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLocked(e)
}

func (m *MemoryStore) appendLocked(e Event) error {
	idx := m.byAgg[e.AggregateID]
	if n := len(idx); n > 0 && m.events[idx[n-1]].Metadata.Version >= e.Metadata.Version {
		return apperr.Newf(apperr.KindConflict, "eventlog", "append",
			"version %d already exists for aggregate %s", e.Metadata.Version, e.AggregateID)
	}
	m.events = append(m.events, e)
	m.byAgg[e.AggregateID] = append(idx, len(m.events)-1)
	return nil
}

func (m *MemoryStore) Stream(_ context.Context, aggregateID string) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx := m.byAgg[aggregateID]
	out := make([]Event, 0, len(idx))
	for _, i := range idx {
		out = append(out, m.events[i])
	}
	return out, nil
}

func (m *MemoryStore) LastVersion(_ context.Context, aggregateID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx := m.byAgg[aggregateID]
	if len(idx) == 0 {
		return 0, nil
	}
	return m.events[idx[len(idx)-1]].Metadata.Version, nil
}

func (m *MemoryStore) All(_ context.Context) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }

// FileStore is an append-only JSONL file with an in-memory index rebuilt on open
type FileStore struct {
	mem  *MemoryStore
	mu   sync.Mutex
	path string
	file *os.File
}

// OpenFileStore loads existing events and opens the file for appending.
// Malformed lines are skipped and counted.
func OpenFileStore(path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, apperr.Persistence("eventlog", "mkdir", err)
	}
	fs := &FileStore{mem: NewMemoryStore(), path: path}
	if err := fs.load(); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, apperr.Persistence("eventlog", "open", err)
	}
	fs.file = f
	return fs, nil
}

func (fs *FileStore) load() error {
	file, err := os.Open(fs.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return apperr.Persistence("eventlog", "open", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var e Event
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			observ.IncCounter("eventlog_parse_errors_total", nil)
			observ.Warn("eventlog_malformed_line", map[string]any{"path": fs.path, "line": strconv.Itoa(lineNum)})
			continue
		}
		if err := fs.mem.appendLocked(e); err != nil {
			observ.IncCounter("eventlog_parse_errors_total", nil)
			continue
		}
	}
	if err := scanner.Err(); err != nil {
		return apperr.Persistence("eventlog", "scan", fmt.Errorf("error reading event log: %w", err))
	}
	observ.SetGauge("eventlog_events_loaded", float64(len(fs.mem.events)), nil)
	return nil
}

func (fs *FileStore) Append(ctx context.Context, e Event) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if v, _ := fs.mem.LastVersion(ctx, e.AggregateID); v >= e.Metadata.Version {
		return apperr.Newf(apperr.KindConflict, "eventlog", "append",
			"version %d already exists for aggregate %s", e.Metadata.Version, e.AggregateID)
	}
	b, err := json.Marshal(e)
	if err != nil {
		return apperr.Persistence("eventlog", "marshal", err)
	}
	if _, err := fs.file.Write(append(b, '\n')); err != nil {
		return apperr.Persistence("eventlog", "write", err)
	}
	if err := fs.file.Sync(); err != nil {
		return apperr.Persistence("eventlog", "sync", err)
	}
	return fs.mem.Append(ctx, e)
}

func (fs *FileStore) Stream(ctx context.Context, aggregateID string) ([]Event, error) {
	return fs.mem.Stream(ctx, aggregateID)
}

func (fs *FileStore) LastVersion(ctx context.Context, aggregateID string) (int64, error) {
	return fs.mem.LastVersion(ctx, aggregateID)
}

func (fs *FileStore) All(ctx context.Context) ([]Event, error) {
	return fs.mem.All(ctx)
}

func (fs *FileStore) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.file == nil {
		return nil
	}
	err := fs.file.Close()
	fs.file = nil
	return err
}
