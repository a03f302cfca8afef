package spot

import (
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"

	"github.com/uhyunpark/hyperescrow/pkg/app/core/asset"
	"github.com/uhyunpark/hyperescrow/pkg/app/core/escrow"
	"github.com/uhyunpark/hyperescrow/pkg/app/core/market"
	"github.com/uhyunpark/hyperescrow/pkg/app/core/matching"
	"github.com/uhyunpark/hyperescrow/pkg/storage"
)

const MaxFillsLimit = 1000

// Queries hold the read lock so they never see a unit of work in progress.

func (a *App) Market(addr common.Address) (*market.Market, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.markets.Get(addr)
}

// Markets lists every market in address order.
func (a *App) Markets() []*market.Market {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.markets.List()
}

// Vault returns the trader's escrow in a market. A trader who never
// reserved anything there has an empty vault.
func (a *App) Vault(addr, trader common.Address) (escrow.Vault, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	m, err := a.markets.Get(addr)
	if err != nil {
		return escrow.Vault{}, err
	}
	v, _ := m.Ledger.Vault(trader)
	return v, nil
}

// Balance returns the trader's external balance of an asset.
func (a *App) Balance(trader common.Address, id asset.ID) uint64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.bank.Balance(trader, id)
}

func (a *App) IsRegistered(trader common.Address, id asset.ID) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.bank.IsRegistered(trader, id)
}

type Depth struct {
	Bids      []matching.PriceLevel
	Asks      []matching.PriceLevel
	LastPrice uint64
}

func (a *App) Book(addr common.Address) (Depth, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	m, err := a.markets.Get(addr)
	if err != nil {
		return Depth{}, err
	}
	bids, asks := m.Book.Depth()
	d := Depth{Bids: bids, Asks: asks}
	if lp, ok := m.Book.(interface{ LastPrice() uint64 }); ok {
		d.LastPrice = lp.LastPrice()
	}
	return d, nil
}

// OpenOrders lists resting orders of a market, of one trader unless trader
// is the zero address.
func (a *App) OpenOrders(addr, trader common.Address) ([]matching.OrderInfo, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	m, err := a.markets.Get(addr)
	if err != nil {
		return nil, err
	}
	all := m.Book.Orders()
	if trader == (common.Address{}) {
		return all, nil
	}
	out := make([]matching.OrderInfo, 0, len(all))
	for _, o := range all {
		if o.Trader == trader {
			out = append(out, o)
		}
	}
	return out, nil
}

// RecentFills returns the newest fills of a market, newest first.
func (a *App) RecentFills(addr common.Address, limit int) ([]storage.FillRecord, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if !a.markets.Exists(addr) {
		return nil, fmt.Errorf("%w: %s", market.ErrMarketNotFound, addr.Hex())
	}
	if limit <= 0 || limit > MaxFillsLimit {
		limit = MaxFillsLimit
	}
	return a.store.LoadRecentFills(addr, limit)
}

// StateHash is a Keccak-256 digest of every market's assets and vaults and
// every external account. Two apps with the same state agree on it.
func (a *App) StateHash() common.Hash {
	a.mu.RLock()
	defer a.mu.RUnlock()

	h := sha3.NewLegacyKeccak256()
	var buf [8]byte
	writeUint := func(v uint64) {
		binary.BigEndian.PutUint64(buf[:], v)
		h.Write(buf[:])
	}
	writeString := func(s string) {
		writeUint(uint64(len(s)))
		h.Write([]byte(s))
	}

	markets := a.markets.List()
	writeUint(uint64(len(markets)))
	for _, m := range markets {
		h.Write(m.Address.Bytes())
		writeString(string(m.BaseAsset))
		writeString(string(m.QuoteAsset))
		traders := m.Ledger.Traders()
		writeUint(uint64(len(traders)))
		for _, t := range traders {
			v, _ := m.Ledger.Vault(t)
			h.Write(t.Bytes())
			writeUint(v.Base)
			writeUint(v.Quote)
		}
	}

	accounts := a.bank.Accounts()
	writeUint(uint64(len(accounts)))
	for _, acc := range accounts {
		h.Write(acc.Trader.Bytes())
		writeString(string(acc.Asset))
		writeUint(acc.Amount)
	}

	var out common.Hash
	h.Sum(out[:0])
	return out
}
