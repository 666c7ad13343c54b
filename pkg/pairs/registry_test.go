package pairs

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/erain9/matchsettle/pkg/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_SideIsReciprocal(t *testing.T) {
	r, err := NewRegistry(Pair{Base: "BTC", Quote: "USDT"}, Pair{Base: "ETH", Quote: "USDT"})
	require.NoError(t, err)

	for _, p := range []Pair{{"BTC", "USDT"}, {"ETH", "USDT"}} {
		buy, err := r.Side(p.Quote, p.Base)
		require.NoError(t, err)
		sell, err := r.Side(p.Base, p.Quote)
		require.NoError(t, err)

		assert.Equal(t, core.Buy, buy, p.String())
		assert.Equal(t, core.Sell, sell, p.String())
		assert.Equal(t, buy.Opposite(), sell)
	}

	assert.Equal(t, []string{"BTC/USDT", "ETH/USDT", "USDT/BTC", "USDT/ETH"}, r.Keys())
}

func TestRegistry_UnsupportedPair(t *testing.T) {
	r, err := NewRegistry(Pair{Base: "BTC", Quote: "USDT"})
	require.NoError(t, err)

	_, err = r.Side("DOGE", "USDT")
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrUnsupportedPair))
	assert.Contains(t, err.Error(), "DOGE/USDT")
}

func TestRegistry_RejectsConflicts(t *testing.T) {
	_, err := NewRegistry(Pair{Base: "BTC", Quote: "USDT"}, Pair{Base: "USDT", Quote: "BTC"})
	assert.Error(t, err)

	_, err = NewRegistry(Pair{Base: "BTC", Quote: "BTC"})
	assert.Error(t, err)

	_, err = NewRegistry(Pair{Base: "BTC"})
	assert.Error(t, err)

	// registering the same pair twice is harmless
	_, err = NewRegistry(Pair{Base: "BTC", Quote: "USDT"}, Pair{Base: "BTC", Quote: "USDT"})
	assert.NoError(t, err)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pairs.yaml")
	require.NoError(t, os.WriteFile(path, []byte("pairs:\n  - base: BTC\n    quote: USDT\n  - base: ETH\n    quote: BTC\n"), 0o600))

	r, err := Load(path)
	require.NoError(t, err)

	side, err := r.Side("BTC", "ETH")
	require.NoError(t, err)
	assert.Equal(t, core.Buy, side)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Parse([]byte("pairs: []\n"))
	assert.Error(t, err)

	_, err = Parse([]byte("pairs: [oops"))
	assert.Error(t, err)
}
