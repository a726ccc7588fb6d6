package pending

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/trading-brain/internal/apperr"
	"github.com/Rajchodisetti/trading-brain/internal/retry"
	"github.com/Rajchodisetti/trading-brain/internal/signal"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func entry(id string) Entry {
	edge := 0.01
	return Entry{Signal: signal.IntentSignal{SignalID: id, Symbol: "BTC/USDT", Side: signal.SideBuy, RequestedSize: 1, ExpectedEdge: &edge}}
}

func stores(t *testing.T) map[string]func(*clock) Store {
	cfg := Config{TTL: 30 * time.Second, Retention: time.Hour, DedupeWindow: 24 * time.Hour, LockTTL: time.Second, Prefix: "test:"}
	return map[string]func(*clock) Store{
		"memory": func(c *clock) Store { return NewMemoryStore(cfg, c.Now) },
		"redis": func(c *clock) Store {
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { client.Close() })
			return NewRedisStore(client, cfg, retry.Config{MaxAttempts: 1}, c.Now)
		},
	}
}

func TestStoreContract(t *testing.T) {
	for name, mk := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			c := &clock{now: time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)}
			s := mk(c)

			ok, err := s.Enqueue(ctx, entry("s1"))
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = s.Enqueue(ctx, entry("s1"))
			require.NoError(t, err)
			assert.False(t, ok, "second enqueue must not replace the first")

			dup, err := s.IsDuplicate(ctx, "s1")
			require.NoError(t, err)
			assert.True(t, dup)

			e, err := s.Peek(ctx, "s1")
			require.NoError(t, err)
			assert.Equal(t, "s1", e.Signal.SignalID)
			assert.Equal(t, c.Now().Add(30*time.Second), e.ExpiresAt.UTC())

			n, err := s.Size(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			e, err = s.Dequeue(ctx, "s1")
			require.NoError(t, err)
			assert.Equal(t, "BTC/USDT", e.Signal.Symbol)

			_, err = s.Dequeue(ctx, "s1")
			assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, s.MarkProcessed(ctx, "s1", OutcomeExecuted))
			outcome, ok, err := s.WasProcessed(ctx, "s1")
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, OutcomeExecuted, outcome)

			dup, _ = s.IsDuplicate(ctx, "s1")
			assert.True(t, dup)
			dup, _ = s.IsDuplicate(ctx, "never")
			assert.False(t, dup)
			_, ok, _ = s.WasProcessed(ctx, "never")
			assert.False(t, ok)
		})
	}
}

func TestStoreExpiryIsDistinctFromNotFound(t *testing.T) {
	for name, mk := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			c := &clock{now: time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)}
			s := mk(c)

			_, err := s.Enqueue(ctx, entry("s2"))
			require.NoError(t, err)
			c.Advance(31 * time.Second)

			_, err = s.Peek(ctx, "s2")
			assert.Equal(t, apperr.KindExpiredSignal, apperr.KindOf(err))
			assert.ErrorIs(t, err, ErrExpired)

			list, err := s.List(ctx)
			require.NoError(t, err)
			require.Len(t, list, 1)

			e, err := s.Dequeue(ctx, "s2")
			assert.Equal(t, apperr.KindExpiredSignal, apperr.KindOf(err))
			assert.Equal(t, "s2", e.Signal.SignalID)

			_, err = s.Peek(ctx, "missing")
			assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
		})
	}
}

func TestStoreClear(t *testing.T) {
	for name, mk := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			c := &clock{now: time.Now()}
			s := mk(c)
			for _, id := range []string{"a", "b", "c"} {
				_, err := s.Enqueue(ctx, entry(id))
				require.NoError(t, err)
			}
			require.NoError(t, s.MarkProcessed(ctx, "z", OutcomeRejected))
			require.NoError(t, s.Clear(ctx))
			n, err := s.Size(ctx)
			require.NoError(t, err)
			assert.Zero(t, n)
			_, ok, _ := s.WasProcessed(ctx, "z")
			assert.False(t, ok)
		})
	}
}

func TestStoreLockSerializesPerSignal(t *testing.T) {
	for name, mk := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := mk(&clock{now: time.Now()})

			var mu sync.Mutex
			inside, maxInside := 0, 0
			var wg sync.WaitGroup
			for i := 0; i < 5; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					unlock, err := s.Lock(ctx, "s1")
					if !assert.NoError(t, err) {
						return
					}
					mu.Lock()
					inside++
					if inside > maxInside {
						maxInside = inside
					}
					mu.Unlock()
					time.Sleep(5 * time.Millisecond)
					mu.Lock()
					inside--
					mu.Unlock()
					unlock()
				}()
			}
			wg.Wait()
			assert.Equal(t, 1, maxInside)
		})
	}
}

func TestRedisLockHonorsContext(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	s := NewRedisStore(client, Config{LockTTL: time.Minute}, retry.Config{MaxAttempts: 1}, nil)

	unlock, err := s.Lock(context.Background(), "s1")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = s.Lock(ctx, "s1")
	assert.Error(t, err)
}
