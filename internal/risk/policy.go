package risk

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/Rajchodisetti/trading-brain/internal/apperr"
)

// Policy is one immutable version of the risk bounds. Never mutate a *Policy obtained
// from a PolicyStore; build a new value and call Update.
type Policy struct {
	Version                int      `json:"version" yaml:"-"`
	Hash                   string   `json:"hash" yaml:"-"`
	MaxPositionNotional    float64  `json:"max_position_notional" yaml:"max_position_notional"`
	MaxAccountLeverage     float64  `json:"max_account_leverage" yaml:"max_account_leverage"`
	MaxDailyLoss           float64  `json:"max_daily_loss" yaml:"max_daily_loss"`
	MaxOpenOrdersPerSymbol int      `json:"max_open_orders_per_symbol" yaml:"max_open_orders_per_symbol"`
	SymbolWhitelist        []string `json:"symbol_whitelist" yaml:"symbol_whitelist"`
	MaxSlippageBps         float64  `json:"max_slippage_bps" yaml:"max_slippage_bps"`
	MaxStalenessMs         int64    `json:"max_staleness_ms" yaml:"max_staleness_ms"`
	MaxCorrelation         float64  `json:"max_correlation" yaml:"max_correlation"`
	MinConfidence          float64  `json:"min_confidence" yaml:"min_confidence"`
}

func DefaultPolicy() Policy {
	return Policy{
		MaxPositionNotional:    50000,
		MaxAccountLeverage:     10,
		MaxDailyLoss:           -1000,
		MaxOpenOrdersPerSymbol: 5,
		SymbolWhitelist:        []string{"BTC/USDT", "ETH/USDT", "SOL/USDT"},
		MaxSlippageBps:         100,
		MaxStalenessMs:         5000,
		MaxCorrelation:         0.85,
		MinConfidence:          0.5,
	}
}

// Validate rejects bounds that would make every decision meaningless
func (p Policy) Validate() error {
	switch {
	case p.MaxPositionNotional <= 0:
		return apperr.Validation("risk", "policy", "max_position_notional must be positive")
	case p.MaxAccountLeverage <= 0:
		return apperr.Validation("risk", "policy", "max_account_leverage must be positive")
	case p.MaxDailyLoss > 0:
		return apperr.Validation("risk", "policy", "max_daily_loss must be zero or negative")
	case p.MaxOpenOrdersPerSymbol <= 0:
		return apperr.Validation("risk", "policy", "max_open_orders_per_symbol must be positive")
	case len(p.SymbolWhitelist) == 0:
		return apperr.Validation("risk", "policy", "symbol_whitelist must not be empty")
	case p.MaxStalenessMs <= 0:
		return apperr.Validation("risk", "policy", "max_staleness_ms must be positive")
	case p.MaxCorrelation <= 0 || p.MaxCorrelation > 1:
		return apperr.Validation("risk", "policy", "max_correlation must be in (0, 1]")
	}
	return nil
}

// ComputeHash is the SHA-256 of the canonical bounds, excluding version and hash
func (p Policy) ComputeHash() string {
	c := p
	c.Version = 0
	c.Hash = ""
	c.SymbolWhitelist = append([]string(nil), p.SymbolWhitelist...)
	sort.Strings(c.SymbolWhitelist)
	b, _ := json.Marshal(c)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Allows reports whether symbol is whitelisted
func (p *Policy) Allows(symbol string) bool {
	for _, s := range p.SymbolWhitelist {
		if s == symbol {
			return true
		}
	}
	return false
}

// PolicyStore publishes policy versions atomically. Readers take one *Policy per
// evaluation and use only that version.
type PolicyStore struct {
	mu  sync.Mutex // serializes writers
	cur atomic.Pointer[Policy]
}

// NewPolicyStore installs initial as version 1
func NewPolicyStore(initial Policy) (*PolicyStore, error) {
	if err := initial.Validate(); err != nil {
		return nil, err
	}
	p := initial
	p.SymbolWhitelist = append([]string(nil), initial.SymbolWhitelist...)
	p.Version = 1
	p.Hash = p.ComputeHash()
	s := &PolicyStore{}
	s.cur.Store(&p)
	return s, nil
}

func (s *PolicyStore) Current() *Policy {
	return s.cur.Load()
}

// Update installs next as a new version. Evaluations already holding the previous
// pointer keep using it.
func (s *PolicyStore) Update(next Policy) (*Policy, error) {
	if err := next.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.cur.Load()
	p := next
	p.SymbolWhitelist = append([]string(nil), next.SymbolWhitelist...)
	p.Version = prev.Version + 1
	p.Hash = p.ComputeHash()
	s.cur.Store(&p)
	return &p, nil
}

// Verify reports whether version and hash still name the current policy
func (s *PolicyStore) Verify(version int, hash string) error {
	cur := s.Current()
	if cur.Version != version || cur.Hash != hash {
		return apperr.Newf(apperr.KindConflict, "risk", "verify_policy",
			"policy changed: have v%d/%s, current v%d/%s", version, short(hash), cur.Version, short(cur.Hash))
	}
	return nil
}

func short(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

// String is used in logs
func (p *Policy) String() string {
	return fmt.Sprintf("policy v%d (%s)", p.Version, short(p.Hash))
}
