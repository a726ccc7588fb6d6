package alerts

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Rajchodisetti/trading-brain/internal/observ"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is an operator-facing notification: breaker trips, critical drift, persistence failures
type Alert struct {
	Severity  Severity          `json:"severity"`
	Source    string            `json:"source"`
	Title     string            `json:"title"`
	Message   string            `json:"message"`
	Fields    map[string]string `json:"fields,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Notifier delivers alerts. Implementations must not block the caller on network I/O.
type Notifier interface {
	Notify(ctx context.Context, a Alert)
}

// Config for the Slack webhook notifier
type Config struct {
	Enabled         bool          `yaml:"enabled"`
	WebhookURL      string        `yaml:"webhook_url"`
	Channel         string        `yaml:"channel"`
	RateLimitPerMin int           `yaml:"rate_limit_per_min"`
	DedupeWindow    time.Duration `yaml:"dedupe_window"`
	QueueSize       int           `yaml:"queue_size"`
	MaxAttempts     int           `yaml:"max_attempts"`
}

func DefaultConfig() Config {
	return Config{
		RateLimitPerMin: 20,
		DedupeWindow:    60 * time.Second,
		QueueSize:       1000,
		MaxAttempts:     3,
	}
}

// LogNotifier writes alerts to the structured log only
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, a Alert) {
	kv := map[string]any{"severity": a.Severity, "source": a.Source, "title": a.Title, "message": a.Message}
	for k, v := range a.Fields {
		kv[k] = v
	}
	if a.Severity == SeverityCritical {
		observ.Warn("alert", kv)
	} else {
		observ.Log("alert", kv)
	}
	observ.IncCounter("alerts_total", map[string]string{"severity": string(a.Severity), "source": a.Source})
}

type multi []Notifier

func (m multi) Notify(ctx context.Context, a Alert) {
	for _, n := range m {
		n.Notify(ctx, a)
	}
}

// Multi fans an alert out to every notifier
func Multi(ns ...Notifier) Notifier {
	return multi(ns)
}

type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

type SlackAttachment struct {
	Color  string       `json:"color"`
	Fields []SlackField `json:"fields"`
}

type SlackMessage struct {
	Channel     string            `json:"channel,omitempty"`
	Text        string            `json:"text"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

type queuedAlert struct {
	alert     Alert
	attempts  int
	nextRetry time.Time
}

// SlackClient posts alerts to an incoming webhook from a single worker. Duplicates within
// the dedupe window are suppressed; non-critical alerts are rate limited and dropped first
// when the queue is full.
type SlackClient struct {
	cfg         Config
	httpClient  *http.Client
	queue       chan queuedAlert
	limiter     *rate.Limiter
	mu          sync.Mutex
	dedupeCache map[string]time.Time
	ctx         context.Context
	cancel      context.CancelFunc
	done        chan struct{}
}

func NewSlackClient(cfg Config) *SlackClient {
	def := DefaultConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.RateLimitPerMin <= 0 {
		cfg.RateLimitPerMin = def.RateLimitPerMin
	}
	if cfg.DedupeWindow <= 0 {
		cfg.DedupeWindow = def.DedupeWindow
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &SlackClient{
		cfg:         cfg,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		queue:       make(chan queuedAlert, cfg.QueueSize),
		limiter:     rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RateLimitPerMin)), cfg.RateLimitPerMin),
		dedupeCache: make(map[string]time.Time),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	go s.worker()
	return s
}

func (s *SlackClient) Notify(_ context.Context, a Alert) {
	if !s.cfg.Enabled || s.cfg.WebhookURL == "" {
		return
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now()
	}

	hash := alertHash(a)
	s.mu.Lock()
	if last, ok := s.dedupeCache[hash]; ok && a.Timestamp.Sub(last) < s.cfg.DedupeWindow {
		s.mu.Unlock()
		observ.IncCounter("alerts_deduped_total", nil)
		return
	}
	s.dedupeCache[hash] = a.Timestamp
	s.mu.Unlock()

	if a.Severity != SeverityCritical && !s.limiter.Allow() {
		observ.IncCounter("alerts_rate_limited_total", nil)
		return
	}

	q := queuedAlert{alert: a, nextRetry: time.Now()}
	select {
	case s.queue <- q:
		observ.SetGauge("alerts_queue_depth", float64(len(s.queue)), nil)
	default:
		s.dropOldestNonCritical(q)
	}
}

func alertHash(a Alert) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%s:%s:%s", a.Severity, a.Source, a.Title, a.Message)))
	return fmt.Sprintf("%x", sum)[:16]
}

func (s *SlackClient) dropOldestNonCritical(next queuedAlert) {
	select {
	case old := <-s.queue:
		if old.alert.Severity == SeverityCritical && next.alert.Severity != SeverityCritical {
			// keep the critical one
			select {
			case s.queue <- old:
			default:
			}
			observ.IncCounter("alerts_dropped_total", nil)
			return
		}
		observ.IncCounter("alerts_dropped_total", nil)
		select {
		case s.queue <- next:
		default:
			observ.IncCounter("alerts_dropped_total", nil)
		}
	default:
		select {
		case s.queue <- next:
		default:
			observ.IncCounter("alerts_dropped_total", nil)
		}
	}
}

func (s *SlackClient) worker() {
	defer close(s.done)
	cleanup := time.NewTicker(5 * time.Minute)
	defer cleanup.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-cleanup.C:
			s.pruneDedupe(time.Now())
		case q := <-s.queue:
			if wait := time.Until(q.nextRetry); wait > 0 {
				select {
				case <-time.After(wait):
				case <-s.ctx.Done():
					return
				}
			}
			if err := s.sendWebhook(s.ctx, q.alert); err != nil {
				q.attempts++
				if q.attempts >= s.cfg.MaxAttempts {
					observ.IncCounter("alerts_webhook_errors_total", nil)
					observ.Error("alert_send_failed", err, map[string]any{"title": q.alert.Title, "attempts": q.attempts})
					continue
				}
				backoff := time.Duration(math.Pow(2, float64(q.attempts))) * time.Second
				jitter := time.Duration(rand.Float64() * float64(backoff) * 0.1)
				q.nextRetry = time.Now().Add(backoff + jitter)
				select {
				case s.queue <- q:
				default:
					observ.IncCounter("alerts_dropped_total", nil)
				}
				continue
			}
			observ.IncCounter("alerts_sent_total", map[string]string{"severity": string(q.alert.Severity)})
		}
	}
}

func (s *SlackClient) pruneDedupe(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := now.Add(-5 * s.cfg.DedupeWindow)
	for h, ts := range s.dedupeCache {
		if ts.Before(cutoff) {
			delete(s.dedupeCache, h)
		}
	}
}

func (s *SlackClient) sendWebhook(ctx context.Context, a Alert) error {
	payload, err := json.Marshal(FormatMessage(s.cfg.Channel, a))
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack webhook status %d", resp.StatusCode)
	}
	return nil
}

// FormatMessage renders an alert as a Slack attachment message
func FormatMessage(channel string, a Alert) SlackMessage {
	emoji, color := "ℹ️", "good"
	switch a.Severity {
	case SeverityWarning:
		emoji, color = "⚠️", "warning"
	case SeverityCritical:
		emoji, color = "🛑", "danger"
	}

	fields := []SlackField{
		{Title: "Source", Value: a.Source, Short: true},
		{Title: "Time", Value: a.Timestamp.UTC().Format("15:04:05 MST"), Short: true},
	}
	keys := make([]string, 0, len(a.Fields))
	for k := range a.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fields = append(fields, SlackField{Title: k, Value: a.Fields[k], Short: true})
	}
	if len(fields) > 10 {
		fields = append(fields[:9], SlackField{Title: "…", Value: fmt.Sprintf("%d more", len(fields)-9)})
	}

	text := fmt.Sprintf("%s %s", emoji, a.Title)
	if a.Message != "" {
		text += ": " + a.Message
	}
	return SlackMessage{
		Channel:     channel,
		Text:        text,
		Attachments: []SlackAttachment{{Color: color, Fields: fields}},
	}
}

// Close stops the worker; queued alerts are discarded
func (s *SlackClient) Close() {
	s.cancel()
	<-s.done
}
