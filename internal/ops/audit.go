package ops

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/Rajchodisetti/trading-brain/internal/observ"
)

// Audit outcomes
const (
	OutcomeSuccess = "success"
	OutcomeDenied  = "denied"
	OutcomeError   = "error"
)

// AuditEntry is one line of the audit trail
type AuditEntry struct {
	Timestamp  time.Time      `json:"timestamp"`
	OperatorID string         `json:"operator_id"`
	Action     string         `json:"action"`
	Outcome    string         `json:"outcome"`
	Reason     string         `json:"reason,omitempty"`
	Error      string         `json:"error,omitempty"`
	Nonce      string         `json:"nonce,omitempty"`
	Source     string         `json:"source,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
}

// AuditLogger appends JSONL entries to a size-rotated file. An empty path keeps entries
// in memory only.
type AuditLogger struct {
	path string

	mu     sync.Mutex
	out    *lumberjack.Logger
	recent []AuditEntry
}

const auditRecentCap = 1000

func NewAuditLogger(path string, maxSizeMB, maxBackups int) (*AuditLogger, error) {
	al := &AuditLogger{path: path}
	if path == "" {
		return al, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	if maxSizeMB <= 0 {
		maxSizeMB = 50
	}
	al.out = &lumberjack.Logger{Filename: path, MaxSize: maxSizeMB, MaxBackups: maxBackups}
	return al, nil
}

// Record never fails the command it describes; write errors are counted
func (al *AuditLogger) Record(e AuditEntry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	al.mu.Lock()
	defer al.mu.Unlock()

	al.recent = append(al.recent, e)
	if over := len(al.recent) - auditRecentCap; over > 0 {
		al.recent = append([]AuditEntry(nil), al.recent[over:]...)
	}
	observ.IncCounter("ops_audit_entries_total", map[string]string{"action": e.Action, "outcome": e.Outcome})

	if al.out == nil {
		return
	}
	b, err := json.Marshal(e)
	if err != nil {
		observ.IncCounter("ops_audit_errors_total", map[string]string{"error": "marshal"})
		return
	}
	if _, err := al.out.Write(append(b, '\n')); err != nil {
		observ.IncCounter("ops_audit_errors_total", map[string]string{"error": "write"})
		observ.Error("ops_audit_write_failed", err, map[string]any{"path": al.path})
	}
}

// Recent returns up to limit entries, newest first
func (al *AuditLogger) Recent(limit int) []AuditEntry {
	al.mu.Lock()
	defer al.mu.Unlock()
	if limit <= 0 || limit > len(al.recent) {
		limit = len(al.recent)
	}
	out := make([]AuditEntry, 0, limit)
	for i := len(al.recent) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, al.recent[i])
	}
	return out
}

// ReadAuditFile parses the current audit file. Malformed lines are skipped.
func ReadAuditFile(path string) ([]AuditEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []AuditEntry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		var e AuditEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, sc.Err()
}

func (al *AuditLogger) Close() error {
	al.mu.Lock()
	defer al.mu.Unlock()
	if al.out == nil {
		return nil
	}
	return al.out.Close()
}
