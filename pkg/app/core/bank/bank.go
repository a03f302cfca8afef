package bank

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/hyperescrow/pkg/app/core/asset"
	"github.com/uhyunpark/hyperescrow/pkg/app/core/journal"
	"github.com/uhyunpark/hyperescrow/pkg/storage"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrNotRegistered       = errors.New("account not registered")
	ErrSupplyOverflow      = errors.New("asset supply overflow")
)

type accountKey struct {
	trader common.Address
	asset  asset.ID
}

// Account is one trader's external (non-escrow) holding of one asset.
type Account struct {
	Trader common.Address
	Asset  asset.ID
	Amount uint64
}

// Bank holds traders' external balances, i.e. funds not locked in any
// market's escrow. A trader must register an asset before receiving it.
// Total supply per asset is tracked so no balance anywhere can exceed uint64.
type Bank struct {
	mu       sync.RWMutex
	balances map[accountKey]uint64
	supply   map[asset.ID]uint64

	dirty       map[accountKey]struct{}
	dirtySupply map[asset.ID]struct{}
	journal     *journal.Journal
}

// New creates an empty bank. A nil journal gets a private one.
func New(j *journal.Journal) *Bank {
	if j == nil {
		j = journal.New()
	}
	return &Bank{
		balances:    make(map[accountKey]uint64),
		supply:      make(map[asset.ID]uint64),
		dirty:       make(map[accountKey]struct{}),
		dirtySupply: make(map[asset.ID]struct{}),
		journal:     j,
	}
}

// Register opens a zero balance for the asset. Returns false if the account
// already existed.
func (b *Bank) Register(trader common.Address, id asset.ID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.registerLocked(trader, id)
}

func (b *Bank) IsRegistered(trader common.Address, id asset.ID) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.balances[accountKey{trader, id}]
	return ok
}

// Balance returns the external balance (0 when unregistered).
func (b *Bank) Balance(trader common.Address, id asset.ID) uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.balances[accountKey{trader, id}]
}

// Supply returns the total amount of an asset ever minted.
func (b *Bank) Supply(id asset.ID) uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.supply[id]
}

// Mint creates new units directly in the trader's account, registering it
// if needed.
func (b *Bank) Mint(trader common.Address, id asset.ID, amount uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	total := b.supply[id]
	if amount > math.MaxUint64-total {
		return fmt.Errorf("%w: %s supply %d, mint %d", ErrSupplyOverflow, id, total, amount)
	}

	b.registerLocked(trader, id)
	b.setSupplyLocked(id, total+amount)
	key := accountKey{trader, id}
	b.setLocked(key, b.balances[key]+amount)
	return nil
}

// Withdraw takes amount out of the trader's account.
func (b *Bank) Withdraw(trader common.Address, id asset.ID, amount uint64) (asset.Units, error) {
	if amount == 0 {
		return asset.Zero(id), nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	key := accountKey{trader, id}
	have, ok := b.balances[key]
	if !ok {
		return asset.Units{}, fmt.Errorf("%w: trader %s asset %s", ErrNotRegistered, trader.Hex(), id)
	}
	if have < amount {
		return asset.Units{}, fmt.Errorf("%w: trader %s %s: have %d, need %d",
			ErrInsufficientBalance, trader.Hex(), id, have, amount)
	}

	b.setLocked(key, have-amount)
	return asset.Units{Asset: id, Amount: amount}, nil
}

// Deposit credits units to a registered account.
func (b *Bank) Deposit(trader common.Address, units asset.Units) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := accountKey{trader, units.Asset}
	have, ok := b.balances[key]
	if !ok {
		return fmt.Errorf("%w: trader %s asset %s", ErrNotRegistered, trader.Hex(), units.Asset)
	}
	if units.Amount == 0 {
		return nil
	}
	b.setLocked(key, have+units.Amount)
	return nil
}

// Accounts lists every registered account ordered by trader then asset.
func (b *Bank) Accounts() []Account {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Account, 0, len(b.balances))
	for k, amount := range b.balances {
		out = append(out, Account{Trader: k.trader, Asset: k.asset, Amount: amount})
	}
	sort.Slice(out, func(i, j int) bool {
		if c := bytes.Compare(out[i].Trader[:], out[j].Trader[:]); c != 0 {
			return c < 0
		}
		return out[i].Asset < out[j].Asset
	})
	return out
}

// Restore installs a persisted balance. Used while loading; not journaled.
func (b *Bank) Restore(trader common.Address, id asset.ID, amount uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.balances[accountKey{trader, id}] = amount
}

// RestoreSupply installs a persisted supply total. Not journaled.
func (b *Bank) RestoreSupply(id asset.ID, amount uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.supply[id] = amount
}

// Flush writes balances and supplies changed since the last flush.
func (b *Bank) Flush(batch *storage.Batch) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for key := range b.dirty {
		amount, ok := b.balances[key]
		if !ok {
			continue
		}
		rec := storage.BalanceRecord{Trader: key.trader, Asset: string(key.asset), Amount: amount}
		if err := batch.SaveBalance(rec); err != nil {
			return fmt.Errorf("save balance %s/%s: %w", key.trader.Hex(), key.asset, err)
		}
	}
	for id := range b.dirtySupply {
		if err := batch.SaveSupply(string(id), b.supply[id]); err != nil {
			return fmt.Errorf("save supply %s: %w", id, err)
		}
	}
	clear(b.dirty)
	clear(b.dirtySupply)
	return nil
}

func (b *Bank) registerLocked(trader common.Address, id asset.ID) bool {
	key := accountKey{trader, id}
	if _, ok := b.balances[key]; ok {
		return false
	}
	b.balances[key] = 0
	b.journal.Append(func() {
		b.mu.Lock()
		delete(b.balances, key)
		b.mu.Unlock()
	})
	b.markDirtyLocked(key)
	return true
}

func (b *Bank) setLocked(key accountKey, amount uint64) {
	prev := b.balances[key]
	b.balances[key] = amount
	b.journal.Append(func() {
		b.mu.Lock()
		b.balances[key] = prev
		b.mu.Unlock()
	})
	b.markDirtyLocked(key)
}

func (b *Bank) setSupplyLocked(id asset.ID, amount uint64) {
	prev, existed := b.supply[id]
	b.supply[id] = amount
	b.journal.Append(func() {
		b.mu.Lock()
		if existed {
			b.supply[id] = prev
		} else {
			delete(b.supply, id)
		}
		b.mu.Unlock()
	})
	if _, ok := b.dirtySupply[id]; !ok {
		b.dirtySupply[id] = struct{}{}
		b.journal.Append(func() {
			b.mu.Lock()
			delete(b.dirtySupply, id)
			b.mu.Unlock()
		})
	}
}

func (b *Bank) markDirtyLocked(key accountKey) {
	if _, ok := b.dirty[key]; ok {
		return
	}
	b.dirty[key] = struct{}{}
	b.journal.Append(func() {
		b.mu.Lock()
		delete(b.dirty, key)
		b.mu.Unlock()
	})
}
