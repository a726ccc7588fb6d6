package ops

import (
	"context"
	"crypto/hmac"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Rajchodisetti/trading-brain/internal/apperr"
	"github.com/Rajchodisetti/trading-brain/internal/observ"
)

// NonceStore remembers nonces for the replay window. Claim reports false when the
// nonce was already used.
type NonceStore interface {
	Claim(ctx context.Context, nonce string, ttl time.Duration) (bool, error)
}

// MemoryNonces is the single-process nonce store
type MemoryNonces struct {
	now func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time
}

func NewMemoryNonces(now func() time.Time) *MemoryNonces {
	if now == nil {
		now = time.Now
	}
	return &MemoryNonces{now: now, seen: make(map[string]time.Time)}
}

func (m *MemoryNonces) Claim(_ context.Context, nonce string, ttl time.Duration) (bool, error) {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for n, exp := range m.seen {
		if !now.Before(exp) {
			delete(m.seen, n)
		}
	}
	if _, ok := m.seen[nonce]; ok {
		return false, nil
	}
	m.seen[nonce] = now.Add(ttl)
	return true, nil
}

// RedisNonces shares the replay window between instances
type RedisNonces struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisNonces(client redis.UniversalClient, prefix string) *RedisNonces {
	if prefix == "" {
		prefix = "brain:ops:nonce:"
	}
	return &RedisNonces{client: client, prefix: prefix}
}

func (r *RedisNonces) Claim(ctx context.Context, nonce string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.prefix+nonce, 1, ttl).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, apperr.Transport("ops", "claim_nonce", err)
	}
	return ok, nil
}

// Permissions maps operator ids to the actions they may run. "*" grants everything,
// "breaker.*" every breaker action.
type Permissions map[string][]string

// ParsePermissions reads "op1:breaker.*,safety.ack;op2:*"
func ParsePermissions(s string) Permissions {
	out := Permissions{}
	for _, entry := range strings.Split(s, ";") {
		op, perms, ok := strings.Cut(strings.TrimSpace(entry), ":")
		if !ok || op == "" {
			continue
		}
		for _, p := range strings.Split(perms, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out[op] = append(out[op], p)
			}
		}
	}
	return out
}

func (p Permissions) Allows(operatorID string, action Action) bool {
	for _, perm := range p[operatorID] {
		switch {
		case perm == "*", perm == string(action):
			return true
		case strings.HasSuffix(perm, ".*") && strings.HasPrefix(string(action), strings.TrimSuffix(perm, "*")):
			return true
		}
	}
	return false
}

func (p Permissions) Operators() []string {
	out := make([]string, 0, len(p))
	for op := range p {
		out = append(out, op)
	}
	sort.Strings(out)
	return out
}

// Authenticator verifies signature, freshness and nonce, then permissions
type Authenticator struct {
	secret    []byte
	tolerance time.Duration
	perms     Permissions
	nonces    NonceStore
	now       func() time.Time
}

func NewAuthenticator(secret string, tolerance time.Duration, perms Permissions, nonces NonceStore, now func() time.Time) *Authenticator {
	if tolerance <= 0 {
		tolerance = 300 * time.Second
	}
	if now == nil {
		now = time.Now
	}
	if nonces == nil {
		nonces = NewMemoryNonces(now)
	}
	return &Authenticator{secret: []byte(secret), tolerance: tolerance, perms: perms, nonces: nonces, now: now}
}

// Authenticate checks the command in order of cost. The nonce is consumed only once
// the signature is known to be good so a forged command cannot burn it.
func (a *Authenticator) Authenticate(ctx context.Context, c Command) error {
	if err := c.Validate(); err != nil {
		return err
	}
	if len(a.secret) == 0 {
		return apperr.New(apperr.KindUnauthorized, "ops", "authenticate", "operator commands are disabled: no signing secret")
	}
	skew := a.now().Sub(time.Unix(c.TS, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > a.tolerance {
		observ.IncCounter("ops_auth_failures_total", map[string]string{"reason": "stale"})
		return apperr.Newf(apperr.KindUnauthorized, "ops", "authenticate", "command timestamp outside %s window", a.tolerance)
	}
	want := signature(a.secret, c)
	if !hmac.Equal([]byte(want), []byte(c.Signature)) {
		observ.IncCounter("ops_auth_failures_total", map[string]string{"reason": "signature"})
		return apperr.New(apperr.KindUnauthorized, "ops", "authenticate", "invalid signature")
	}
	fresh, err := a.nonces.Claim(ctx, c.Nonce, 2*a.tolerance)
	if err != nil {
		return err
	}
	if !fresh {
		observ.IncCounter("ops_auth_failures_total", map[string]string{"reason": "replay"})
		return apperr.Newf(apperr.KindUnauthorized, "ops", "authenticate", "nonce %s already used", c.Nonce)
	}
	if !a.perms.Allows(c.OperatorID, c.Action) {
		observ.IncCounter("ops_auth_failures_total", map[string]string{"reason": "permission"})
		return apperr.Newf(apperr.KindUnauthorized, "ops", "authorize", "operator %s lacks permission %s", c.OperatorID, c.Action)
	}
	return nil
}
