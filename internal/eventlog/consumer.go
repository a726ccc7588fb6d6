package eventlog

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Rajchodisetti/trading-brain/internal/observ"
)

// Result of handing one event to a Consumer
type Result string

const (
	ResultProcessed Result = "processed"
	ResultDuplicate Result = "duplicate"
)

// Handler applies one event to derived state
type Handler func(ctx context.Context, e Event) error

// Consumer makes a handler idempotent by event id. An event whose handler fails is
// not remembered, so a redelivery is processed again.
type Consumer struct {
	name    string
	handler Handler

	mu        sync.Mutex
	processed map[string]struct{}
	inflight  map[string]chan struct{}

	// set when a handler fails; cleared by the next resync
	failed atomic.Bool
}

func NewConsumer(name string, h Handler) *Consumer {
	return &Consumer{
		name:      name,
		handler:   h,
		processed: make(map[string]struct{}),
		inflight:  make(map[string]chan struct{}),
	}
}

// Handle processes e once; later deliveries of the same id report ResultDuplicate
func (c *Consumer) Handle(ctx context.Context, e Event) (Result, error) {
	for {
		c.mu.Lock()
		if _, ok := c.processed[e.ID]; ok {
			c.mu.Unlock()
			observ.IncCounter("eventlog_consumer_duplicates_total", map[string]string{"consumer": c.name})
			return ResultDuplicate, nil
		}
		wait, busy := c.inflight[e.ID]
		if !busy {
			done := make(chan struct{})
			c.inflight[e.ID] = done
			c.mu.Unlock()
			return c.run(ctx, e, done)
		}
		c.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

func (c *Consumer) run(ctx context.Context, e Event, done chan struct{}) (Result, error) {
	err := c.handler(ctx, e)

	c.mu.Lock()
	delete(c.inflight, e.ID)
	if err == nil {
		c.processed[e.ID] = struct{}{}
	}
	c.mu.Unlock()
	close(done)

	if err != nil {
		c.failed.Store(true)
		observ.IncCounter("eventlog_consumer_errors_total", map[string]string{"consumer": c.name})
		return "", err
	}
	observ.IncCounter("eventlog_consumer_processed_total", map[string]string{"consumer": c.name})
	return ResultProcessed, nil
}

// Seen reports whether id has been processed
func (c *Consumer) Seen(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.processed[id]
	return ok
}

// CatchUp replays the full log through the consumer; already-seen ids are skipped
func (c *Consumer) CatchUp(ctx context.Context, l *Log, types ...string) error {
	filter := make(map[string]bool, len(types))
	for _, t := range types {
		filter[t] = true
	}
	return l.Replay(ctx, func(e Event) error {
		if len(filter) > 0 && !filter[e.Type] {
			return nil
		}
		_, err := c.Handle(ctx, e)
		return err
	})
}

// Follow keeps a durable projection current: it catches up, then drains sub. Whenever
// sub has dropped deliveries or a handler has failed since the last pass, the log is
// replayed through the consumer again, so every appended event is eventually applied.
func (c *Consumer) Follow(ctx context.Context, l *Log, sub *Subscription, types ...string) error {
	if err := c.CatchUp(ctx, l, types...); err != nil {
		return err
	}
	every := l.resync
	if every <= 0 {
		every = 2 * time.Second
	}
	t := time.NewTicker(every)
	defer t.Stop()

	var synced int64
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-sub.C:
			if !ok {
				return nil
			}
			if _, err := c.Handle(ctx, e); err != nil {
				observ.Error("eventlog_consumer_failed", err, map[string]any{
					"consumer": c.name,
					"event_id": e.ID,
					"type":     e.Type,
				})
			}
		case <-t.C:
			dropped := sub.Dropped()
			failed := c.failed.Swap(false)
			if dropped == synced && !failed {
				continue
			}
			observ.Warn("eventlog_consumer_resync", map[string]any{
				"consumer":       c.name,
				"dropped":        dropped - synced,
				"handler_failed": failed,
			})
			observ.IncCounter("eventlog_consumer_resyncs_total", map[string]string{"consumer": c.name})
			if err := c.CatchUp(ctx, l, types...); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				c.failed.Store(true)
				observ.Error("eventlog_consumer_resync_failed", err, map[string]any{"consumer": c.name})
				continue
			}
			synced = dropped
		}
	}
}
