package pending

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/Rajchodisetti/trading-brain/internal/apperr"
	"github.com/Rajchodisetti/trading-brain/internal/observ"
	"github.com/Rajchodisetti/trading-brain/internal/retry"
)

// RedisStore keeps pending entries in Redis so they survive restarts and are shared
// between instances. Layout under Prefix:
//
//	sig:<id>   JSON Entry, expires TTL+Retention after prepare
//	done:<id>  outcome, expires after DedupeWindow
//	lock:<id>  lock token, expires after LockTTL
type RedisStore struct {
	client redis.UniversalClient
	cfg    Config
	retry  retry.Config
	now    func() time.Time
}

func NewRedisStore(client redis.UniversalClient, cfg Config, rc retry.Config, now func() time.Time) *RedisStore {
	if now == nil {
		now = time.Now
	}
	return &RedisStore{client: client, cfg: cfg.withDefaults(), retry: rc, now: now}
}

func (r *RedisStore) sigKey(id string) string  { return r.cfg.Prefix + "sig:" + id }
func (r *RedisStore) doneKey(id string) string { return r.cfg.Prefix + "done:" + id }
func (r *RedisStore) lockKey(id string) string { return r.cfg.Prefix + "lock:" + id }

func (r *RedisStore) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	return retry.Do(ctx, r.retry, "pending_"+op, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil || errors.Is(err, redis.Nil) {
			return err
		}
		return apperr.Transport("pending", op, err)
	})
}

func (r *RedisStore) Enqueue(ctx context.Context, e Entry) (bool, error) {
	now := r.now()
	if e.PreparedAt.IsZero() {
		e.PreparedAt = now
	}
	if e.ExpiresAt.IsZero() {
		e.ExpiresAt = e.PreparedAt.Add(r.cfg.TTL)
	}
	b, err := json.Marshal(e)
	if err != nil {
		return false, apperr.Wrap(err, apperr.KindValidation, "pending", "enqueue")
	}
	keep := e.ExpiresAt.Sub(now) + r.cfg.Retention
	var ok bool
	err = r.do(ctx, "enqueue", func(ctx context.Context) error {
		var err error
		ok, err = r.client.SetNX(ctx, r.sigKey(e.Signal.SignalID), b, keep).Result()
		return err
	})
	return ok, err
}

func (r *RedisStore) get(ctx context.Context, op, id string, del bool) (Entry, error) {
	var raw string
	err := r.do(ctx, op, func(ctx context.Context) error {
		var err error
		if del {
			raw, err = r.client.GetDel(ctx, r.sigKey(id)).Result()
		} else {
			raw, err = r.client.Get(ctx, r.sigKey(id)).Result()
		}
		return err
	})
	if errors.Is(err, redis.Nil) {
		return Entry{}, notFound(op, id)
	}
	if err != nil {
		return Entry{}, err
	}
	var e Entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		observ.IncCounter("pending_decode_errors_total", nil)
		return Entry{}, apperr.Wrap(err, apperr.KindPersistenceFailure, "pending", op)
	}
	if e.Expired(r.now()) {
		return e, expired(op, id)
	}
	return e, nil
}

func (r *RedisStore) Dequeue(ctx context.Context, id string) (Entry, error) {
	return r.get(ctx, "dequeue", id, true)
}

func (r *RedisStore) Peek(ctx context.Context, id string) (Entry, error) {
	return r.get(ctx, "peek", id, false)
}

func (r *RedisStore) IsDuplicate(ctx context.Context, id string) (bool, error) {
	var n int64
	err := r.do(ctx, "is_duplicate", func(ctx context.Context) error {
		var err error
		n, err = r.client.Exists(ctx, r.sigKey(id), r.doneKey(id)).Result()
		return err
	})
	return n > 0, err
}

func (r *RedisStore) MarkProcessed(ctx context.Context, id, outcome string) error {
	return r.do(ctx, "mark_processed", func(ctx context.Context) error {
		return r.client.Set(ctx, r.doneKey(id), outcome, r.cfg.DedupeWindow).Err()
	})
}

func (r *RedisStore) WasProcessed(ctx context.Context, id string) (string, bool, error) {
	var outcome string
	err := r.do(ctx, "was_processed", func(ctx context.Context) error {
		var err error
		outcome, err = r.client.Get(ctx, r.doneKey(id)).Result()
		return err
	})
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return outcome, true, nil
}

func (r *RedisStore) scan(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	err := r.do(ctx, "scan", func(ctx context.Context) error {
		keys = keys[:0]
		iter := r.client.Scan(ctx, 0, pattern, 200).Iterator()
		for iter.Next(ctx) {
			keys = append(keys, iter.Val())
		}
		return iter.Err()
	})
	return keys, err
}

func (r *RedisStore) List(ctx context.Context) ([]Entry, error) {
	keys, err := r.scan(ctx, r.cfg.Prefix+"sig:*")
	if err != nil || len(keys) == 0 {
		return nil, err
	}
	var vals []any
	err = r.do(ctx, "list", func(ctx context.Context) error {
		var err error
		vals, err = r.client.MGet(ctx, keys...).Result()
		return err
	})
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(vals))
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(s), &e); err != nil {
			observ.IncCounter("pending_decode_errors_total", nil)
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PreparedAt.Before(out[j].PreparedAt) })
	return out, nil
}

func (r *RedisStore) Size(ctx context.Context) (int, error) {
	keys, err := r.scan(ctx, r.cfg.Prefix+"sig:*")
	return len(keys), err
}

func (r *RedisStore) Clear(ctx context.Context) error {
	keys, err := r.scan(ctx, r.cfg.Prefix+"*")
	if err != nil || len(keys) == 0 {
		return err
	}
	return r.do(ctx, "clear", func(ctx context.Context) error {
		return r.client.Del(ctx, keys...).Err()
	})
}

var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// Lock takes a lease on id, polling until it is free or ctx ends. The lease expires
// after LockTTL so a crashed holder cannot wedge the signal.
func (r *RedisStore) Lock(ctx context.Context, id string) (func(), error) {
	token := uuid.NewString()
	key := r.lockKey(id)
	wait := 5 * time.Millisecond
	for {
		ok, err := r.client.SetNX(ctx, key, token, r.cfg.LockTTL).Result()
		if err != nil {
			return nil, apperr.Transport("pending", "lock", err)
		}
		if ok {
			return func() {
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				if err := unlockScript.Run(ctx, r.client, []string{key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
					observ.Error("pending_unlock_failed", err, map[string]any{"signal_id": id})
				}
			}, nil
		}
		observ.IncCounter("pending_lock_waits_total", nil)
		select {
		case <-ctx.Done():
			return nil, apperr.Wrap(ctx.Err(), apperr.KindConflict, "pending", "lock")
		case <-time.After(wait):
		}
		if wait < 100*time.Millisecond {
			wait *= 2
		}
	}
}
