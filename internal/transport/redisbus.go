package transport

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/Rajchodisetti/trading-brain/internal/apperr"
	"github.com/Rajchodisetti/trading-brain/internal/observ"
	"github.com/Rajchodisetti/trading-brain/internal/retry"
)

// RedisBus fans envelopes out over Redis pub/sub. Channels are the subject names under
// Prefix; wildcard subscriptions map onto PSUBSCRIBE.
type RedisBus struct {
	client redis.UniversalClient
	prefix string
	retry  retry.Config

	mu     sync.Mutex
	pubsub []*redis.PubSub
}

func NewRedisBus(client redis.UniversalClient, prefix string, rc retry.Config) *RedisBus {
	return &RedisBus{client: client, prefix: prefix, retry: rc}
}

func (b *RedisBus) Publish(ctx context.Context, subject string, env Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return apperr.Wrap(err, apperr.KindValidation, "transport", "publish")
	}
	err = retry.Do(ctx, b.retry, "bus_publish", func(ctx context.Context) error {
		if err := b.client.Publish(ctx, b.prefix+subject, raw).Err(); err != nil {
			return apperr.Transport("transport", "publish", err)
		}
		return nil
	})
	if err != nil {
		observ.IncCounter("bus_publish_errors_total", map[string]string{"subject": subject})
		return err
	}
	observ.IncCounter("bus_published_total", map[string]string{"subject": subject})
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, subject string, buffer int) (*Subscription, error) {
	channel := b.prefix + subject
	var ps *redis.PubSub
	if strings.HasSuffix(subject, "*") {
		ps = b.client.PSubscribe(ctx, channel)
	} else {
		ps = b.client.Subscribe(ctx, channel)
	}
	// Receive blocks until the server confirms, so messages published afterwards are seen
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, apperr.Transport("transport", "subscribe", err)
	}
	b.mu.Lock()
	b.pubsub = append(b.pubsub, ps)
	b.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.Background())
	sub := newSubscription(subject, buffer, func() {
		cancel()
		_ = ps.Close()
	})
	go func() {
		msgs := ps.Channel()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ctx.Done():
				sub.Close()
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}
				var env Envelope
				if err := json.Unmarshal([]byte(m.Payload), &env); err != nil {
					observ.IncCounter("bus_decode_errors_total", map[string]string{"subject": subject})
					continue
				}
				if err := env.Validate(); err != nil {
					observ.IncCounter("bus_decode_errors_total", map[string]string{"subject": subject})
					continue
				}
				sub.deliver(env)
			}
		}
	}()
	return sub, nil
}

func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ps := range b.pubsub {
		_ = ps.Close()
	}
	b.pubsub = nil
	return nil
}
