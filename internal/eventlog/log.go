package eventlog

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"

	"github.com/Rajchodisetti/trading-brain/internal/apperr"
	"github.com/Rajchodisetti/trading-brain/internal/keylock"
	"github.com/Rajchodisetti/trading-brain/internal/observ"
	"github.com/Rajchodisetti/trading-brain/internal/retry"
)

// Config controls the log's durability backend and subscriber delivery
type Config struct {
	Backend        string        `yaml:"backend"` // memory | file | postgres
	Path           string        `yaml:"path"`
	DeliverTimeout time.Duration `yaml:"deliver_timeout"`
	SubscriberBuf  int           `yaml:"subscriber_buffer"`
	// ResyncEvery is how often a following consumer checks for dropped deliveries
	ResyncEvery time.Duration `yaml:"resync_every"`
}

func DefaultConfig() Config {
	return Config{
		Backend:        "file",
		Path:           "data/events.jsonl",
		DeliverTimeout: time.Second,
		SubscriberBuf:  1024,
		ResyncEvery:    2 * time.Second,
	}
}

// Log is the single writer of events. Append validates, assigns the next per-aggregate
// version, writes durably, then fans out to subscribers.
type Log struct {
	store   Store
	schemas map[string]Schema
	retry   retry.Config
	timeout time.Duration
	resync  time.Duration
	now     func() time.Time

	aggLocks *keylock.Map
	verMu    sync.Mutex
	versions map[string]int64

	subMu   sync.RWMutex
	subs    map[int]*Subscription
	nextSub int
}

type Option func(*Log)

func WithSchemas(s map[string]Schema) Option { return func(l *Log) { l.schemas = s } }
func WithRetry(c retry.Config) Option        { return func(l *Log) { l.retry = c } }
func WithClock(now func() time.Time) Option  { return func(l *Log) { l.now = now } }
func WithDeliverTimeout(d time.Duration) Option {
	return func(l *Log) { l.timeout = d }
}
func WithResyncEvery(d time.Duration) Option { return func(l *Log) { l.resync = d } }

func New(store Store, opts ...Option) *Log {
	l := &Log{
		store:    store,
		schemas:  DefaultSchemas(),
		retry:    retry.DefaultConfig(),
		timeout:  time.Second,
		resync:   2 * time.Second,
		now:      time.Now,
		aggLocks: keylock.New(),
		versions: make(map[string]int64),
		subs:     make(map[int]*Subscription),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

const maxVersionConflicts = 3

// Append validates and durably records one event. Validation errors are returned
// before anything is written or published.
func (l *Log) Append(ctx context.Context, d Draft) (Event, error) {
	payload, err := validate(d, l.schemas)
	if err != nil {
		observ.IncCounter("eventlog_rejected_total", map[string]string{"type": d.Type})
		return Event{}, err
	}

	unlock := l.aggLocks.Lock(d.AggregateID)
	defer unlock()

	start := time.Now()
	var e Event
	for conflicts := 0; ; conflicts++ {
		version, err := l.nextVersion(ctx, d.AggregateID)
		if err != nil {
			return Event{}, err
		}
		e = Event{
			ID:          uuid.NewString(),
			Type:        d.Type,
			AggregateID: d.AggregateID,
			Payload:     payload,
			Metadata: Metadata{
				TraceID:     d.TraceID,
				CausationID: d.CausationID,
				Version:     version,
				Timestamp:   l.now().UTC(),
			},
		}
		if e.Metadata.TraceID == "" {
			e.Metadata.TraceID = e.ID
		}

		err = retry.Do(ctx, l.retry, "eventlog_append", func(ctx context.Context) error {
			return l.store.Append(ctx, e)
		})
		if err == nil {
			break
		}
		if apperr.KindOf(err) == apperr.KindConflict && conflicts < maxVersionConflicts {
			// another writer got there first; reload the version and try again
			l.forgetVersion(d.AggregateID)
			continue
		}
		observ.IncCounter("eventlog_append_errors_total", map[string]string{"type": d.Type})
		if errors.Is(err, apperr.ErrPersistence) || errors.Is(err, apperr.ErrTransport) {
			return Event{}, err
		}
		return Event{}, apperr.Persistence("eventlog", "append", err)
	}

	l.verMu.Lock()
	l.versions[d.AggregateID] = e.Metadata.Version
	l.verMu.Unlock()

	observ.IncCounter("eventlog_appends_total", map[string]string{"type": d.Type})
	observ.RecordDuration("eventlog_append", time.Since(start), nil)

	l.publish(ctx, e)
	return e, nil
}

func (l *Log) nextVersion(ctx context.Context, aggregateID string) (int64, error) {
	l.verMu.Lock()
	v, ok := l.versions[aggregateID]
	l.verMu.Unlock()
	if ok {
		return v + 1, nil
	}
	var last int64
	err := retry.Do(ctx, l.retry, "eventlog_last_version", func(ctx context.Context) error {
		var err error
		last, err = l.store.LastVersion(ctx, aggregateID)
		return err
	})
	if err != nil {
		return 0, err
	}
	return last + 1, nil
}

func (l *Log) forgetVersion(aggregateID string) {
	l.verMu.Lock()
	delete(l.versions, aggregateID)
	l.verMu.Unlock()
}

// GetStream returns the ordered history of one aggregate
func (l *Log) GetStream(ctx context.Context, aggregateID string) ([]Event, error) {
	var out []Event
	err := retry.Do(ctx, l.retry, "eventlog_stream", func(ctx context.Context) error {
		var err error
		out, err = l.store.Stream(ctx, aggregateID)
		return err
	})
	return out, err
}

// Replay calls fn for every stored event in append order, stopping at the first error
func (l *Log) Replay(ctx context.Context, fn func(Event) error) error {
	var all []Event
	err := retry.Do(ctx, l.retry, "eventlog_replay", func(ctx context.Context) error {
		var err error
		all, err = l.store.All(ctx)
		return err
	})
	if err != nil {
		return err
	}
	for _, e := range all {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

// Subscription is a typed inbound channel of events. Delivery blocks up to the log's
// deliver timeout; events that cannot be delivered in time are dropped and counted on
// the subscription, and the subscriber recovers them with Replay (see Consumer.Follow).
type Subscription struct {
	C       <-chan Event
	ch      chan Event
	name    string
	types   map[string]bool
	id      int
	log     *Log
	once    sync.Once
	dropped atomic.Int64
}

// Dropped is the number of events this subscription failed to receive
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// Subscribe registers a subscriber for the given event types, or all types when none given
func (l *Log) Subscribe(name string, buffer int, types ...string) *Subscription {
	if buffer <= 0 {
		buffer = 1
	}
	ch := make(chan Event, buffer)
	s := &Subscription{C: ch, ch: ch, name: name, log: l}
	if len(types) > 0 {
		s.types = make(map[string]bool, len(types))
		for _, t := range types {
			s.types[t] = true
		}
	}
	l.subMu.Lock()
	l.nextSub++
	s.id = l.nextSub
	l.subs[s.id] = s
	l.subMu.Unlock()
	return s
}

// Close unregisters the subscription and closes its channel
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.log.subMu.Lock()
		delete(s.log.subs, s.id)
		s.log.subMu.Unlock()
		close(s.ch)
	})
}

func (l *Log) publish(ctx context.Context, e Event) {
	l.subMu.RLock()
	defer l.subMu.RUnlock()
	if len(l.subs) == 0 {
		return
	}

	var wg conc.WaitGroup
	for _, s := range l.subs {
		if s.types != nil && !s.types[e.Type] {
			continue
		}
		s := s
		wg.Go(func() {
			timer := time.NewTimer(l.timeout)
			defer timer.Stop()
			select {
			case s.ch <- e:
			case <-timer.C:
				s.dropped.Add(1)
				observ.IncCounter("eventlog_dropped_total", map[string]string{"subscriber": s.name})
				observ.Warn("eventlog_delivery_dropped", map[string]any{"subscriber": s.name, "event_id": e.ID, "type": e.Type})
			case <-ctx.Done():
				s.dropped.Add(1)
				observ.IncCounter("eventlog_dropped_total", map[string]string{"subscriber": s.name})
			}
		})
	}
	wg.Wait()
}

// Close closes the backing store
func (l *Log) Close() error {
	return l.store.Close()
}
