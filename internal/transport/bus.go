package transport

import (
	"context"
	"strings"
	"sync"

	"github.com/Rajchodisetti/trading-brain/internal/observ"
)

// Bus is the message-channel abstraction. Subscriptions are typed channels; a slow
// subscriber loses messages rather than blocking publishers.
type Bus interface {
	Publish(ctx context.Context, subject string, env Envelope) error
	// Subscribe accepts exact subjects or a trailing ".*" wildcard
	Subscribe(ctx context.Context, subject string, buffer int) (*Subscription, error)
	Close() error
}

// Subscription delivers envelopes on C until Close
type Subscription struct {
	Subject string
	C       <-chan Envelope

	ch     chan Envelope
	once   sync.Once
	cancel func()
}

func newSubscription(subject string, buffer int, cancel func()) *Subscription {
	if buffer <= 0 {
		buffer = 256
	}
	ch := make(chan Envelope, buffer)
	return &Subscription{Subject: subject, C: ch, ch: ch, cancel: cancel}
}

func (s *Subscription) Close() {
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
	})
}

// deliver enqueues without blocking
func (s *Subscription) deliver(env Envelope) bool {
	select {
	case s.ch <- env:
		return true
	default:
		observ.IncCounter("bus_dropped_total", map[string]string{"subject": s.Subject})
		return false
	}
}

// Matches reports whether subject matches pattern; "a.b.*" matches any subject
// below "a.b."
func Matches(pattern, subject string) bool {
	if strings.HasSuffix(pattern, ".*") {
		return strings.HasPrefix(subject, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == subject
}

// MemoryBus is an in-process bus for tests and single-process deployments
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	next   int
	closed bool
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[int]*Subscription)}
}

func (b *MemoryBus) Publish(_ context.Context, subject string, env Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if Matches(s.Subject, subject) {
			s.deliver(env)
		}
	}
	observ.IncCounter("bus_published_total", map[string]string{"subject": subject})
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, subject string, buffer int) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	sub := newSubscription(subject, buffer, func() {
		b.mu.Lock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
		}
		b.mu.Unlock()
	})
	b.subs[id] = sub
	if ctx != nil && ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			sub.Close()
		}()
	}
	return sub, nil
}

// Subscribers counts live subscriptions whose pattern matches subject
func (b *MemoryBus) Subscribers(subject string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, s := range b.subs {
		if Matches(s.Subject, subject) {
			n++
		}
	}
	return n
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = make(map[int]*Subscription)
	b.closed = true
	return nil
}
