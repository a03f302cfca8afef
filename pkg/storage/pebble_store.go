package storage

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/ethereum/go-ethereum/common"
)

// PebbleStore persists markets, escrow vaults, external balances, resting
// orders and fill history. Writes go through Batch so a unit of work lands
// atomically; the store itself has no locking beyond pebble's own.
type PebbleStore struct {
	db *pebble.DB
}

// NewPebbleStore opens a Pebble database at the given path
func NewPebbleStore(path string) (*PebbleStore, error) {
	cache := pebble.NewCache(64 << 20) // 64MB
	defer cache.Unref()

	opts := &pebble.Options{
		Cache:                    cache,
		MemTableSize:             32 << 20,
		MaxConcurrentCompactions: func() int { return 2 },
		L0CompactionThreshold:    2,
		L0StopWritesThreshold:    12,
		LBaseMaxBytes:            64 << 20,
		MaxOpenFiles:             1000,
		BytesPerSync:             512 << 10,
	}

	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db at %s: %w", path, err)
	}
	return &PebbleStore{db: db}, nil
}

// NewInMemoryStore opens a store backed by an in-memory filesystem.
// Used by tests and the scenario runner.
func NewInMemoryStore() (*PebbleStore, error) {
	db, err := pebble.Open("", &pebble.Options{FS: vfs.NewMem()})
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory pebble db: %w", err)
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) Close() error { return s.db.Close() }

// LoadMarkets returns every market record in address order.
func (s *PebbleStore) LoadMarkets() ([]MarketRecord, error) {
	prefix := []byte(prefixMarket)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open market iterator: %w", err)
	}
	defer iter.Close()

	var markets []MarketRecord
	for iter.First(); iter.Valid(); iter.Next() {
		var rec MarketRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal market %s: %w", iter.Key(), err)
		}
		markets = append(markets, rec)
	}
	return markets, iter.Error()
}

// LoadVaults returns every vault of a market in trader order.
func (s *PebbleStore) LoadVaults(market common.Address) ([]VaultRecord, error) {
	prefix := vaultPrefix(market)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open vault iterator: %w", err)
	}
	defer iter.Close()

	var vaults []VaultRecord
	for iter.First(); iter.Valid(); iter.Next() {
		trader, err := traderFromVaultKey(iter.Key(), market)
		if err != nil {
			return nil, err
		}
		base, quote, err := decodeVault(iter.Value())
		if err != nil {
			return nil, fmt.Errorf("vault %s: %w", iter.Key(), err)
		}
		vaults = append(vaults, VaultRecord{Market: market, Trader: trader, Base: base, Quote: quote})
	}
	return vaults, iter.Error()
}

// LoadBalances returns every registered external balance.
func (s *PebbleStore) LoadBalances() ([]BalanceRecord, error) {
	prefix := []byte(prefixBalance)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open balance iterator: %w", err)
	}
	defer iter.Close()

	var balances []BalanceRecord
	for iter.First(); iter.Valid(); iter.Next() {
		trader, asset, err := balanceKeyParts(iter.Key())
		if err != nil {
			return nil, err
		}
		amount, err := decodeUint64(iter.Value())
		if err != nil {
			return nil, fmt.Errorf("balance %s: %w", iter.Key(), err)
		}
		balances = append(balances, BalanceRecord{Trader: trader, Asset: asset, Amount: amount})
	}
	return balances, iter.Error()
}

// LoadSupply returns the total minted amount of an asset (0 if never minted).
func (s *PebbleStore) LoadSupply(asset string) (uint64, error) {
	return s.getUint64(supplyKey(asset))
}

// LoadOrders returns the resting orders of a market in id order.
func (s *PebbleStore) LoadOrders(market common.Address) ([]OrderRecord, error) {
	prefix := orderPrefix(market)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open order iterator: %w", err)
	}
	defer iter.Close()

	var orders []OrderRecord
	for iter.First(); iter.Valid(); iter.Next() {
		var rec OrderRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal order %s: %w", iter.Key(), err)
		}
		orders = append(orders, rec)
	}
	return orders, iter.Error()
}

// LoadOrderSeq returns the next order id the market's book will assign.
func (s *PebbleStore) LoadOrderSeq(market common.Address) (uint64, error) {
	return s.getUint64(seqKey(market))
}

// LoadRecentFills returns up to limit fills of a market, newest first.
func (s *PebbleStore) LoadRecentFills(market common.Address, limit int) ([]FillRecord, error) {
	prefix := fillPrefix(market)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open fill iterator: %w", err)
	}
	defer iter.Close()

	var fills []FillRecord
	for iter.Last(); iter.Valid() && len(fills) < limit; iter.Prev() {
		var rec FillRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			continue // Skip invalid entries
		}
		fills = append(fills, rec)
	}
	return fills, iter.Error()
}

// LoadPreCancels returns the pending pre-cancels of a market, expired ones
// included.
func (s *PebbleStore) LoadPreCancels(market common.Address) ([]PreCancelRecord, error) {
	prefix := preCancelPrefix(market)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open pre-cancel iterator: %w", err)
	}
	defer iter.Close()

	var recs []PreCancelRecord
	for iter.First(); iter.Valid(); iter.Next() {
		trader, clientID, err := preCancelKeyParts(iter.Key(), market)
		if err != nil {
			return nil, err
		}
		expiry, err := decodeUint64(iter.Value())
		if err != nil {
			return nil, fmt.Errorf("pre-cancel %s: %w", iter.Key(), err)
		}
		recs = append(recs, PreCancelRecord{Market: market, Trader: trader, ClientID: clientID, Expiry: int64(expiry)})
	}
	return recs, iter.Error()
}

func (s *PebbleStore) getUint64(key []byte) (uint64, error) {
	val, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get %s: %w", key, err)
	}
	defer closer.Close()
	return decodeUint64(val)
}

// Batch collects the writes of one unit of work
type Batch struct {
	batch *pebble.Batch
}

func (s *PebbleStore) NewBatch() *Batch {
	return &Batch{batch: s.db.NewBatch()}
}

func (b *Batch) SaveMarket(rec MarketRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal market: %w", err)
	}
	return b.batch.Set(marketKey(rec.Address), data, nil)
}

func (b *Batch) SaveVault(rec VaultRecord) error {
	return b.batch.Set(vaultKey(rec.Market, rec.Trader), encodeVault(rec.Base, rec.Quote), nil)
}

func (b *Batch) SaveBalance(rec BalanceRecord) error {
	return b.batch.Set(balanceKey(rec.Trader, rec.Asset), encodeUint64(rec.Amount), nil)
}

func (b *Batch) SaveSupply(asset string, amount uint64) error {
	return b.batch.Set(supplyKey(asset), encodeUint64(amount), nil)
}

func (b *Batch) SaveOrder(rec OrderRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal order: %w", err)
	}
	return b.batch.Set(orderKey(rec.Market, rec.ID), data, nil)
}

func (b *Batch) DeleteOrder(market common.Address, orderID uint64) error {
	return b.batch.Delete(orderKey(market, orderID), nil)
}

func (b *Batch) SaveOrderSeq(market common.Address, next uint64) error {
	return b.batch.Set(seqKey(market), encodeUint64(next), nil)
}

func (b *Batch) SaveFill(rec FillRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal fill: %w", err)
	}
	return b.batch.Set(fillKey(rec.Market, rec.Timestamp, rec.ID), data, nil)
}

func (b *Batch) SavePreCancel(rec PreCancelRecord) error {
	return b.batch.Set(preCancelKey(rec.Market, rec.Trader, rec.ClientID), encodeUint64(uint64(rec.Expiry)), nil)
}

func (b *Batch) DeletePreCancel(market, trader common.Address, clientID uint64) error {
	return b.batch.Delete(preCancelKey(market, trader, clientID), nil)
}

// Empty reports whether nothing has been written to the batch.
func (b *Batch) Empty() bool {
	return b.batch.Empty()
}

// Commit writes the batch atomically
func (b *Batch) Commit() error {
	return b.batch.Commit(pebble.Sync)
}

// Close releases the batch; uncommitted writes are discarded
func (b *Batch) Close() error {
	return b.batch.Close()
}
