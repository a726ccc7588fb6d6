package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Rajchodisetti/trading-brain/internal/apperr"
	"github.com/Rajchodisetti/trading-brain/internal/observ"
)

type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// FeedConfig configures the upstream system-event feed
type FeedConfig struct {
	URL            string        `yaml:"url"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	Jitter         time.Duration `yaml:"jitter"`
	DedupeSize     int           `yaml:"dedupe_size"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

func DefaultFeedConfig() FeedConfig {
	return FeedConfig{
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		Jitter:         250 * time.Millisecond,
		DedupeSize:     10000,
	}
}

// SSEFeed consumes system events (market, regime, breaker, drift, halt) from an
// upstream Server-Sent Events stream and republishes them on the bus. It resumes with
// Last-Event-ID after a reconnect and drops replays it has already seen.
type SSEFeed struct {
	cfg    FeedConfig
	bus    Bus
	signer *Signer
	client *http.Client

	state   int32
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	lastID  string
	seen    map[string]struct{}
	seenLog []string

	reconnects          int64
	received            int64
	dupes               int64
	rejected            int64
	consecutiveFailures int64
}

func NewSSEFeed(cfg FeedConfig, bus Bus, signer *Signer) *SSEFeed {
	def := DefaultFeedConfig()
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.DedupeSize <= 0 {
		cfg.DedupeSize = def.DedupeSize
	}
	// no client timeout: the stream is long-lived and bounded by ctx
	return &SSEFeed{
		cfg:    cfg,
		bus:    bus,
		signer: signer,
		client: &http.Client{},
		seen:   make(map[string]struct{}),
	}
}

// Start consumes until ctx ends or Close
func (f *SSEFeed) Start(ctx context.Context) {
	ctx, f.cancel = context.WithCancel(ctx)
	f.wg.Add(1)
	go f.consumeLoop(ctx)
}

func (f *SSEFeed) Close() error {
	if f.cancel != nil {
		f.cancel()
	}
	f.wg.Wait()
	return nil
}

func (f *SSEFeed) State() ConnectionState { return ConnectionState(atomic.LoadInt32(&f.state)) }

func (f *SSEFeed) LastEventID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastID
}

func (f *SSEFeed) consumeLoop(ctx context.Context) {
	defer f.wg.Done()
	backoff := f.cfg.InitialBackoff
	for {
		if ctx.Err() != nil {
			return
		}
		atomic.StoreInt32(&f.state, int32(StateConnecting))
		err := f.connectAndConsume(ctx)
		atomic.StoreInt32(&f.state, int32(StateDisconnected))
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			atomic.AddInt64(&f.consecutiveFailures, 1)
			observ.Warn("feed_disconnected", map[string]any{"url": f.cfg.URL, "error": err.Error(), "retry_in_ms": backoff.Milliseconds()})
		} else {
			// clean EOF, reconnect promptly
			atomic.StoreInt64(&f.consecutiveFailures, 0)
			backoff = f.cfg.InitialBackoff
		}

		delay := backoff
		if f.cfg.Jitter > 0 {
			delay += time.Duration(rand.Int63n(int64(f.cfg.Jitter)))
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
		if err != nil {
			backoff *= 2
			if backoff > f.cfg.MaxBackoff {
				backoff = f.cfg.MaxBackoff
			}
		}
		atomic.AddInt64(&f.reconnects, 1)
		observ.IncCounter("feed_reconnects_total", nil)
	}
}

func (f *SSEFeed) connectAndConsume(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.cfg.URL, nil)
	if err != nil {
		return apperr.Wrap(err, apperr.KindValidation, "transport", "feed_connect")
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if id := f.LastEventID(); id != "" {
		req.Header.Set("Last-Event-ID", id)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return apperr.Transport("transport", "feed_connect", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return apperr.Transport("transport", "feed_connect", fmt.Errorf("unexpected status %d", resp.StatusCode))
	}
	atomic.StoreInt32(&f.state, int32(StateConnected))
	atomic.StoreInt64(&f.consecutiveFailures, 0)
	observ.Log("feed_connected", map[string]any{"url": f.cfg.URL})
	return f.processStream(ctx, resp.Body)
}

// processStream parses the text/event-stream framing. Multi-line data fields are joined
// with newlines; comment lines are heartbeats.
func (f *SSEFeed) processStream(ctx context.Context, body io.Reader) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	var id string
	var data []string
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Text()
		if strings.HasPrefix(line, ":") {
			continue
		}
		if line == "" {
			if len(data) > 0 {
				f.processEvent(ctx, id, strings.Join(data, "\n"))
			}
			id, data = "", nil
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "id":
			id = value
		case "data":
			data = append(data, value)
		}
	}
	return scanner.Err()
}

func (f *SSEFeed) processEvent(ctx context.Context, sseID, data string) {
	var env Envelope
	if err := json.Unmarshal([]byte(data), &env); err != nil {
		f.reject("decode", err)
		return
	}
	if err := env.Validate(); err != nil {
		f.reject("schema", err)
		return
	}
	if !strings.HasPrefix(env.Type, SubjectSystemPrefix) {
		f.reject("subject", fmt.Errorf("type %s outside %s", env.Type, SubjectSystemAll))
		return
	}
	if err := f.signer.Verify(env); err != nil {
		f.reject("signature", err)
		return
	}
	if !f.markSeen(env.ID) {
		atomic.AddInt64(&f.dupes, 1)
		observ.IncCounter("feed_duplicates_total", nil)
		return
	}
	if err := f.bus.Publish(ctx, env.Type, env); err != nil {
		observ.Error("feed_publish_failed", err, map[string]any{"id": env.ID, "type": env.Type})
		return
	}
	atomic.AddInt64(&f.received, 1)
	observ.IncCounter("feed_events_total", map[string]string{"type": env.Type})
	if sseID == "" {
		sseID = env.ID
	}
	f.mu.Lock()
	f.lastID = sseID
	f.mu.Unlock()
}

func (f *SSEFeed) reject(reason string, err error) {
	atomic.AddInt64(&f.rejected, 1)
	observ.IncCounter("feed_rejected_total", map[string]string{"reason": reason})
	observ.Warn("feed_event_rejected", map[string]any{"reason": reason, "error": err.Error()})
}

// markSeen reports whether id is new, evicting the oldest ids beyond DedupeSize
func (f *SSEFeed) markSeen(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.seen[id]; ok {
		return false
	}
	f.seen[id] = struct{}{}
	f.seenLog = append(f.seenLog, id)
	if over := len(f.seenLog) - f.cfg.DedupeSize; over > 0 {
		for _, old := range f.seenLog[:over] {
			delete(f.seen, old)
		}
		f.seenLog = append([]string(nil), f.seenLog[over:]...)
	}
	return true
}

// Metrics snapshot for /status
func (f *SSEFeed) Metrics() map[string]any {
	return map[string]any{
		"connection_state":     f.State().String(),
		"reconnect_attempts":   atomic.LoadInt64(&f.reconnects),
		"messages_received":    atomic.LoadInt64(&f.received),
		"dupes_dropped":        atomic.LoadInt64(&f.dupes),
		"rejected":             atomic.LoadInt64(&f.rejected),
		"consecutive_failures": atomic.LoadInt64(&f.consecutiveFailures),
		"last_event_id":        f.LastEventID(),
	}
}
