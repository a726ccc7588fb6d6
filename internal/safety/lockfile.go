package safety

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/Rajchodisetti/trading-brain/internal/apperr"
)

// LockInfo is the content of the halt lockfile
type LockInfo struct {
	BreakerType BreakerType `json:"breaker_type"`
	Reason      string      `json:"reason"`
	TriggeredAt time.Time   `json:"triggered_at"`
}

// Lockfile marks a global halt on disk so it survives restarts even without the event log
type Lockfile struct {
	path string
}

func NewLockfile(path string) *Lockfile {
	return &Lockfile{path: path}
}

func (l *Lockfile) Path() string { return l.path }

// Write replaces the lockfile atomically
func (l *Lockfile) Write(info LockInfo) error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return apperr.Persistence("safety", "write_lockfile", err)
	}
	b, err := json.Marshal(info)
	if err != nil {
		return err
	}
	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return apperr.Persistence("safety", "write_lockfile", err)
	}
	if err := os.Rename(tmp, l.path); err != nil {
		return apperr.Persistence("safety", "write_lockfile", err)
	}
	return nil
}

// Read reports whether the lockfile exists. An unreadable body still counts as a halt.
func (l *Lockfile) Read() (LockInfo, bool, error) {
	b, err := os.ReadFile(l.path)
	if errors.Is(err, fs.ErrNotExist) {
		return LockInfo{}, false, nil
	}
	if err != nil {
		return LockInfo{}, false, apperr.Persistence("safety", "read_lockfile", err)
	}
	var info LockInfo
	if err := json.Unmarshal(b, &info); err != nil {
		return LockInfo{Reason: "unreadable lockfile"}, true, nil
	}
	return info, true, nil
}

func (l *Lockfile) Remove() error {
	err := os.Remove(l.path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return apperr.Persistence("safety", "remove_lockfile", err)
	}
	return nil
}
