package allocation

import (
	"math"
	"sync"

	"github.com/Rajchodisetti/trading-brain/internal/observ"
)

type Tier string

const (
	TierMicro         Tier = "MICRO"
	TierSmall         Tier = "SMALL"
	TierMedium        Tier = "MEDIUM"
	TierLarge         Tier = "LARGE"
	TierInstitutional Tier = "INSTITUTIONAL"
)

func TierFor(equity float64) Tier {
	switch {
	case equity < 1_000:
		return TierMicro
	case equity < 10_000:
		return TierSmall
	case equity < 100_000:
		return TierMedium
	case equity < 1_000_000:
		return TierLarge
	default:
		return TierInstitutional
	}
}

func (t Tier) MaxLeverage() float64 {
	switch t {
	case TierMicro:
		return 20
	case TierSmall:
		return 10
	case TierMedium:
		return 5
	case TierLarge:
		return 3
	case TierInstitutional:
		return 2
	}
	return 1
}

// Bucket rounds equity to $10 below $1k, $50 below $10k and $100 above, so that
// micro-fluctuations share one cache entry
func Bucket(equity float64) float64 {
	step := 100.0
	switch {
	case equity < 1_000:
		step = 10
	case equity < 10_000:
		step = 50
	}
	return math.Round(equity/step) * step
}

const maxTierCacheEntries = 4096

type tierKey struct {
	bucket float64
	tier   Tier
}

// TierCache memoizes tier lookups per equity bucket. The tier is decided from raw
// equity; a bucket that straddles a tier boundary holds one entry per tier.
type TierCache struct {
	mu      sync.Mutex
	entries map[tierKey]Tier
}

func NewTierCache() *TierCache {
	return &TierCache{entries: make(map[tierKey]Tier)}
}

func (c *TierCache) Tier(equity float64) Tier {
	k := tierKey{bucket: Bucket(equity), tier: TierFor(equity)}
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.entries[k]; ok {
		observ.IncCounter("allocation_tier_cache_hits_total", nil)
		return t
	}
	if len(c.entries) >= maxTierCacheEntries {
		c.entries = make(map[tierKey]Tier)
	}
	c.entries[k] = k.tier
	return k.tier
}

func (c *TierCache) MaxLeverage(equity float64) float64 {
	return c.Tier(equity).MaxLeverage()
}

func (c *TierCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
