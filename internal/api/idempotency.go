package api

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"

	"github.com/Rajchodisetti/trading-brain/internal/apperr"
	"github.com/Rajchodisetti/trading-brain/internal/observ"
)

const IdempotencyHeader = "Idempotency-Key"

// KeyStore reserves idempotency keys. Reserve reports false while the key is in flight
// or inside its TTL.
type KeyStore interface {
	Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

type MemoryKeys struct {
	now func() time.Time

	mu   sync.Mutex
	keys map[string]time.Time
}

func NewMemoryKeys(now func() time.Time) *MemoryKeys {
	if now == nil {
		now = time.Now
	}
	return &MemoryKeys{now: now, keys: make(map[string]time.Time)}
}

func (m *MemoryKeys) Reserve(_ context.Context, key string, ttl time.Duration) (bool, error) {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	if exp, ok := m.keys[key]; ok && now.Before(exp) {
		return false, nil
	}
	m.keys[key] = now.Add(ttl)
	if len(m.keys) > 100_000 {
		for k, exp := range m.keys {
			if !now.Before(exp) {
				delete(m.keys, k)
			}
		}
	}
	return true, nil
}

func (m *MemoryKeys) Release(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.keys, key)
	m.mu.Unlock()
	return nil
}

// RedisKeys shares reservations between API instances
type RedisKeys struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisKeys(client redis.UniversalClient, prefix string) *RedisKeys {
	return &RedisKeys{client: client, prefix: prefix + "idem:"}
}

func (r *RedisKeys) Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.prefix+key, time.Now().UTC().Format(time.RFC3339Nano), ttl).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, apperr.Transport("api", "reserve_idempotency_key", err)
	}
	return ok, nil
}

func (r *RedisKeys) Release(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		return apperr.Transport("api", "release_idempotency_key", err)
	}
	return nil
}

func mutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// Idempotency rejects a reused Idempotency-Key on mutating requests with 409. Keys are
// scoped by method and path. A request that fails with a 5xx gives its key back so the
// caller can retry.
func Idempotency(keys KeyStore, ttl time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(IdempotencyHeader)
			if key == "" || !mutating(r.Method) {
				next.ServeHTTP(w, r)
				return
			}
			scoped := r.Method + " " + r.URL.Path + " " + key
			ok, err := keys.Reserve(r.Context(), scoped, ttl)
			if err != nil {
				observ.Error("api_idempotency_reserve_failed", err, map[string]any{"path": r.URL.Path})
				writeError(w, err)
				return
			}
			if !ok {
				observ.IncCounter("api_idempotency_conflicts_total", map[string]string{"path": r.URL.Path})
				writeJSON(w, http.StatusConflict, errorBody{
					Error: "idempotency key already used",
					Kind:  apperr.KindConflict,
					Key:   key,
				})
				return
			}

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			if ww.Status() >= http.StatusInternalServerError {
				if err := keys.Release(context.WithoutCancel(r.Context()), scoped); err != nil {
					observ.Error("api_idempotency_release_failed", err, map[string]any{"path": r.URL.Path})
				}
			}
		})
	}
}
