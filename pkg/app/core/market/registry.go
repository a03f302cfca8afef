package market

import (
	"bytes"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Registry manages markets by address in a thread-safe manner
type Registry struct {
	mu      sync.RWMutex
	markets map[common.Address]*Market
}

func NewRegistry() *Registry {
	return &Registry{
		markets: make(map[common.Address]*Market),
	}
}

// Register adds a market. An address can only ever hold one market.
func (r *Registry) Register(m *Market) error {
	if m == nil {
		return fmt.Errorf("cannot register nil market")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.markets[m.Address]; exists {
		return fmt.Errorf("%w: %s already exists", ErrConflictingMarket, m.Address.Hex())
	}
	r.markets[m.Address] = m
	return nil
}

func (r *Registry) Get(addr common.Address) (*Market, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, exists := r.markets[addr]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrMarketNotFound, addr.Hex())
	}
	return m, nil
}

// List returns all markets in address order
func (r *Registry) List() []*Market {
	r.mu.RLock()
	defer r.mu.RUnlock()

	markets := make([]*Market, 0, len(r.markets))
	for _, m := range r.markets {
		markets = append(markets, m)
	}
	sort.Slice(markets, func(i, j int) bool {
		return bytes.Compare(markets[i].Address[:], markets[j].Address[:]) < 0
	})
	return markets
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.markets)
}

func (r *Registry) Exists(addr common.Address) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.markets[addr]
	return exists
}
