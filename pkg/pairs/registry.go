// Package pairs resolves the trade direction of an order from its token pair.
package pairs

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/erain9/matchsettle/pkg/core"
	"gopkg.in/yaml.v3"
)

// Pair is one tradable market. Base is the asset bought or sold, Quote the
// asset it is priced in.
type Pair struct {
	Base  string `yaml:"base"`
	Quote string `yaml:"quote"`
}

// String returns the pair as "base/quote"
func (p Pair) String() string {
	return core.PairKey(p.Base, p.Quote)
}

type file struct {
	Pairs []Pair `yaml:"pairs"`
}

// Registry maps normalized "<from>/<to>" keys to the side of the order that
// spends from to obtain to. Spending quote for base is a buy; the reciprocal
// key is always the opposite side.
type Registry struct {
	mu    sync.RWMutex
	sides map[string]core.Side
}

// NewRegistry creates a registry holding the given pairs
func NewRegistry(pairs ...Pair) (*Registry, error) {
	r := &Registry{sides: make(map[string]core.Side)}
	for _, p := range pairs {
		if err := r.Register(p); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Load reads a YAML pair list from path.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pairs file: %w", err)
	}
	return Parse(data)
}

// Parse builds a registry from YAML of the form
//
//	pairs:
//	  - base: BTC
//	    quote: USDT
func Parse(data []byte) (*Registry, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse pairs file: %w", err)
	}
	if len(f.Pairs) == 0 {
		return nil, fmt.Errorf("pairs file declares no pairs")
	}
	return NewRegistry(f.Pairs...)
}

// Register adds both directions of p. It fails if either direction is
// already bound to a side that disagrees with p.
func (r *Registry) Register(p Pair) error {
	base := strings.TrimSpace(p.Base)
	quote := strings.TrimSpace(p.Quote)
	if base == "" || quote == "" {
		return fmt.Errorf("pair %q: base and quote are required", p)
	}
	if base == quote {
		return fmt.Errorf("pair %q: base and quote must differ", p)
	}

	buyKey := core.PairKey(quote, base)
	sellKey := core.PairKey(base, quote)

	r.mu.Lock()
	defer r.mu.Unlock()

	if side, ok := r.sides[buyKey]; ok && side != core.Buy {
		return fmt.Errorf("pair %s conflicts with an existing %s/%s registration", p, quote, base)
	}
	if side, ok := r.sides[sellKey]; ok && side != core.Sell {
		return fmt.Errorf("pair %s conflicts with an existing %s/%s registration", p, quote, base)
	}

	r.sides[buyKey] = core.Buy
	r.sides[sellKey] = core.Sell
	return nil
}

// Side returns the direction of an order spending from to obtain to.
func (r *Registry) Side(from, to string) (core.Side, error) {
	key := core.PairKey(from, to)

	r.mu.RLock()
	side, ok := r.sides[key]
	r.mu.RUnlock()

	if !ok {
		return 0, fmt.Errorf("%w: %s", core.ErrUnsupportedPair, key)
	}
	return side, nil
}

// Keys returns every registered key, sorted.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.sides))
	for k := range r.sides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
