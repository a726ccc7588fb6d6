package risk

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicyStoreVersionsAtomically(t *testing.T) {
	store, err := NewPolicyStore(DefaultPolicy())
	require.NoError(t, err)

	v1 := store.Current()
	assert.Equal(t, 1, v1.Version)
	assert.Len(t, v1.Hash, 64)
	assert.Equal(t, v1.ComputeHash(), v1.Hash)

	next := *v1
	next.MaxPositionNotional = 10_000
	v2, err := store.Update(next)
	require.NoError(t, err)

	assert.Equal(t, 2, v2.Version)
	assert.NotEqual(t, v1.Hash, v2.Hash)
	// the pointer held by an in-flight evaluation is untouched
	assert.Equal(t, 50000.0, v1.MaxPositionNotional)
	assert.Equal(t, 1, v1.Version)
	assert.Same(t, v2, store.Current())

	assert.Error(t, store.Verify(v1.Version, v1.Hash))
	assert.NoError(t, store.Verify(v2.Version, v2.Hash))
}

func TestPolicyHashIgnoresWhitelistOrder(t *testing.T) {
	a := DefaultPolicy()
	b := DefaultPolicy()
	b.SymbolWhitelist = []string{"SOL/USDT", "BTC/USDT", "ETH/USDT"}
	assert.Equal(t, a.ComputeHash(), b.ComputeHash())

	b.MaxSlippageBps = 50
	assert.NotEqual(t, a.ComputeHash(), b.ComputeHash())
}

func TestPolicyValidation(t *testing.T) {
	bad := DefaultPolicy()
	bad.MaxDailyLoss = 500
	_, err := NewPolicyStore(bad)
	assert.Error(t, err)

	store, err := NewPolicyStore(DefaultPolicy())
	require.NoError(t, err)
	bad = DefaultPolicy()
	bad.SymbolWhitelist = nil
	_, err = store.Update(bad)
	assert.Error(t, err)
	assert.Equal(t, 1, store.Current().Version)
}

func TestConcurrentReadersSeeWholeVersions(t *testing.T) {
	store, err := NewPolicyStore(DefaultPolicy())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				p := store.Current()
				assert.Equal(t, p.ComputeHash(), p.Hash)
			}
		}()
	}
	for i := 0; i < 50; i++ {
		p := DefaultPolicy()
		p.MaxPositionNotional = float64(1000 + i)
		_, err := store.Update(p)
		require.NoError(t, err)
	}
	wg.Wait()
	assert.Equal(t, 51, store.Current().Version)
}
