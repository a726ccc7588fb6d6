package observ

import (
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogConfig controls the process logger
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

var (
	logMu   sync.RWMutex
	logger  = newLogger(os.Stdout)
	rotator *lumberjack.Logger
)

func newLogger(out io.Writer) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(out)
	l.SetLevel(logrus.InfoLevel)
	l.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339Nano,
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime: "ts",
			logrus.FieldKeyMsg:  "event",
		},
	})
	return l
}

// InitLogging configures level and outputs. When cfg.File is set, every line is
// also written to a size-rotated file.
func InitLogging(cfg LogConfig) error {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}

	out := io.Writer(os.Stdout)
	var rot *lumberjack.Logger
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0755); err != nil {
			return err
		}
		rot = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}
		out = io.MultiWriter(os.Stdout, rot)
	}

	l := newLogger(out)
	l.SetLevel(level)

	logMu.Lock()
	prev := rotator
	logger, rotator = l, rot
	logMu.Unlock()

	if prev != nil {
		_ = prev.Close()
	}
	return nil
}

// SetOutput redirects the logger, mostly for tests
func SetOutput(w io.Writer) {
	logMu.Lock()
	defer logMu.Unlock()
	logger.SetOutput(w)
}

// Logger returns the process logger for leveled logging
func Logger() *logrus.Logger {
	logMu.RLock()
	defer logMu.RUnlock()
	return logger
}

// CloseLogging flushes and closes the rotating file, if any
func CloseLogging() error {
	logMu.Lock()
	defer logMu.Unlock()
	if rotator == nil {
		return nil
	}
	err := rotator.Close()
	rotator = nil
	return err
}

// Log writes one structured line at info level
func Log(event string, kv map[string]any) {
	Logger().WithFields(logrus.Fields(kv)).Info(event)
}

// Warn writes one structured line at warn level
func Warn(event string, kv map[string]any) {
	Logger().WithFields(logrus.Fields(kv)).Warn(event)
}

// Error writes one structured line at error level with the error attached
func Error(event string, err error, kv map[string]any) {
	entry := Logger().WithFields(logrus.Fields(kv))
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Error(event)
}

// Debug writes one structured line at debug level
func Debug(event string, kv map[string]any) {
	Logger().WithFields(logrus.Fields(kv)).Debug(event)
}
