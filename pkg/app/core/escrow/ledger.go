package escrow

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/hyperescrow/pkg/app/core/asset"
	"github.com/uhyunpark/hyperescrow/pkg/app/core/journal"
	"github.com/uhyunpark/hyperescrow/pkg/storage"
)

var (
	ErrInsufficientEscrow = errors.New("insufficient escrow")
	ErrAssetMismatch      = errors.New("asset does not belong to market")
	ErrInvalidKind        = errors.New("invalid asset kind")
)

// Ledger is the escrow table of a single market: one vault per trader,
// created on first deposit and never removed. Every mutation is recorded in
// the journal so the enclosing unit of work can roll it back.
type Ledger struct {
	mu      sync.RWMutex
	market  common.Address
	assets  [2]asset.ID // indexed by Kind
	vaults  map[common.Address]*Vault
	dirty   map[common.Address]struct{}
	journal *journal.Journal
}

// NewLedger creates an empty ledger. A nil journal gets a private one.
func NewLedger(market common.Address, base, quote asset.ID, j *journal.Journal) *Ledger {
	if j == nil {
		j = journal.New()
	}
	return &Ledger{
		market:  market,
		assets:  [2]asset.ID{base, quote},
		vaults:  make(map[common.Address]*Vault),
		dirty:   make(map[common.Address]struct{}),
		journal: j,
	}
}

func (l *Ledger) Market() common.Address { return l.market }

// AssetID returns the asset behind a kind.
func (l *Ledger) AssetID(k Kind) asset.ID {
	return l.assets[k]
}

// KindOf maps an asset id back to base or quote.
func (l *Ledger) KindOf(id asset.ID) (Kind, error) {
	switch id {
	case l.assets[Base]:
		return Base, nil
	case l.assets[Quote]:
		return Quote, nil
	default:
		return 0, fmt.Errorf("%w: %s not traded in %s", ErrAssetMismatch, id, l.market.Hex())
	}
}

// Deposit credits the trader's vault with the given units, creating the
// vault if needed. Balances are bounded by the asset's total supply, which
// the bank keeps within uint64, so no overflow check is done here.
func (l *Ledger) Deposit(trader common.Address, units asset.Units) error {
	kind, err := l.KindOf(units.Asset)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	v := l.getOrCreateLocked(trader)
	bal := v.balance(kind)
	prev := *bal
	*bal = prev + units.Amount
	l.journal.Append(func() {
		l.mu.Lock()
		*bal = prev
		l.mu.Unlock()
	})
	l.markDirtyLocked(trader)
	return nil
}

// Withdraw removes exactly amount of one asset from the trader's vault and
// hands it to the caller. A zero amount returns zero units without touching
// the table, so it never creates a vault.
func (l *Ledger) Withdraw(trader common.Address, kind Kind, amount uint64) (asset.Units, error) {
	if kind != Base && kind != Quote {
		return asset.Units{}, fmt.Errorf("%w: %d", ErrInvalidKind, kind)
	}
	id := l.assets[kind]
	if amount == 0 {
		return asset.Zero(id), nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var have uint64
	v, ok := l.vaults[trader]
	if ok {
		have = v.Get(kind)
	}
	if have < amount {
		return asset.Units{}, fmt.Errorf("%w: trader %s %s: have %d, need %d",
			ErrInsufficientEscrow, trader.Hex(), kind, have, amount)
	}

	bal := v.balance(kind)
	prev := *bal
	*bal = prev - amount
	l.journal.Append(func() {
		l.mu.Lock()
		*bal = prev
		l.mu.Unlock()
	})
	l.markDirtyLocked(trader)
	return asset.Units{Asset: id, Amount: amount}, nil
}

// Vault returns a copy of the trader's vault and whether it exists.
func (l *Ledger) Vault(trader common.Address) (Vault, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	v, ok := l.vaults[trader]
	if !ok {
		return Vault{}, false
	}
	return *v, true
}

// Traders lists vault owners in address order.
func (l *Ledger) Traders() []common.Address {
	l.mu.RLock()
	defer l.mu.RUnlock()
	traders := make([]common.Address, 0, len(l.vaults))
	for addr := range l.vaults {
		traders = append(traders, addr)
	}
	sort.Slice(traders, func(i, j int) bool {
		return bytes.Compare(traders[i][:], traders[j][:]) < 0
	})
	return traders
}

// Totals sums every vault in the market.
func (l *Ledger) Totals() Vault {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var total Vault
	for _, v := range l.vaults {
		total.Base += v.Base
		total.Quote += v.Quote
	}
	return total
}

// Len returns the number of vaults.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.vaults)
}

// Restore installs a persisted vault. Used while loading; not journaled.
func (l *Ledger) Restore(trader common.Address, v Vault) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cp := v
	l.vaults[trader] = &cp
}

// Flush writes every vault changed since the last flush into the batch.
func (l *Ledger) Flush(b *storage.Batch) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for trader := range l.dirty {
		v, ok := l.vaults[trader]
		if !ok {
			continue // created and rolled back
		}
		rec := storage.VaultRecord{Market: l.market, Trader: trader, Base: v.Base, Quote: v.Quote}
		if err := b.SaveVault(rec); err != nil {
			return fmt.Errorf("save vault %s: %w", trader.Hex(), err)
		}
	}
	clear(l.dirty)
	return nil
}

func (l *Ledger) getOrCreateLocked(trader common.Address) *Vault {
	if v, ok := l.vaults[trader]; ok {
		return v
	}
	v := &Vault{}
	l.vaults[trader] = v
	l.journal.Append(func() {
		l.mu.Lock()
		delete(l.vaults, trader)
		l.mu.Unlock()
	})
	return v
}

func (l *Ledger) markDirtyLocked(trader common.Address) {
	if _, ok := l.dirty[trader]; ok {
		return
	}
	l.dirty[trader] = struct{}{}
	l.journal.Append(func() {
		l.mu.Lock()
		delete(l.dirty, trader)
		l.mu.Unlock()
	})
}
