// Package spot is the order lifecycle orchestrator of the exchange. It owns
// the markets, their escrow ledgers and books, and the external balances,
// and runs every request as one unit of work: all of its ledger, balance
// and book changes commit to storage together, or none of them happen.
package spot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/uhyunpark/hyperescrow/pkg/app/core/asset"
	"github.com/uhyunpark/hyperescrow/pkg/app/core/bank"
	"github.com/uhyunpark/hyperescrow/pkg/app/core/escrow"
	"github.com/uhyunpark/hyperescrow/pkg/app/core/journal"
	"github.com/uhyunpark/hyperescrow/pkg/app/core/market"
	"github.com/uhyunpark/hyperescrow/pkg/app/core/matching"
	"github.com/uhyunpark/hyperescrow/pkg/app/core/orderbook"
	"github.com/uhyunpark/hyperescrow/pkg/app/core/settlement"
	"github.com/uhyunpark/hyperescrow/pkg/events"
	"github.com/uhyunpark/hyperescrow/pkg/storage"
	"github.com/uhyunpark/hyperescrow/pkg/util"
)

var (
	ErrInvalidOrderSize = errors.New("invalid order size")
	ErrOrderNotFound    = errors.New("order not found")
	ErrInvalidAsset     = errors.New("invalid asset")
	ErrPreCancelled     = errors.New("client id was cancelled before placement")
)

type Config struct {
	Store  *storage.PebbleStore // required
	Logger *zap.Logger
	Clock  util.Clock
	// Registerer receives the app's metrics. Nil registers nowhere.
	Registerer prometheus.Registerer
}

type App struct {
	mu    sync.RWMutex // units of work write, queries read
	pubMu sync.Mutex   // held from commit until the unit's events are published

	logger  *zap.Logger
	store   *storage.PebbleStore
	clock   util.Clock
	metrics *Metrics

	journal    *journal.Journal
	markets    *market.Registry
	seqs       map[common.Address]uint64 // last persisted next order id
	bank       *bank.Bank
	settlement *settlement.Engine

	publishers events.Fanout
}

func NewApp(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, errors.New("spot: store is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = util.RealClock{}
	}
	metrics, err := NewMetrics(cfg.Registerer)
	if err != nil {
		return nil, err
	}

	j := journal.New()
	a := &App{
		logger:  cfg.Logger,
		store:   cfg.Store,
		clock:   cfg.Clock,
		metrics: metrics,
		journal: j,
		markets: market.NewRegistry(),
		seqs:    make(map[common.Address]uint64),
		bank:    bank.New(j),
	}
	a.settlement = settlement.NewEngine(a.markets, a.bank, cfg.Logger.Named("settlement"))

	if err := a.load(); err != nil {
		return nil, err
	}
	return a, nil
}

// Subscribe registers a publisher for events of markets that emit them.
func (a *App) Subscribe(p events.Publisher) {
	a.publishers.Add(p)
}

// load rebuilds in-memory state from the store.
func (a *App) load() error {
	recs, err := a.store.LoadMarkets()
	if err != nil {
		return fmt.Errorf("load markets: %w", err)
	}
	assets := make(map[asset.ID]struct{})
	for _, rec := range recs {
		m, book := a.newMarket(market.SpecFromRecord(rec), time.UnixMilli(rec.CreatedAt))

		vaults, err := a.store.LoadVaults(m.Address)
		if err != nil {
			return fmt.Errorf("load vaults of %s: %w", m.Address.Hex(), err)
		}
		for _, v := range vaults {
			m.Ledger.Restore(v.Trader, escrow.Vault{Base: v.Base, Quote: v.Quote})
		}

		pre, err := a.store.LoadPreCancels(m.Address)
		if err != nil {
			return fmt.Errorf("load pre-cancels of %s: %w", m.Address.Hex(), err)
		}
		for _, p := range pre {
			m.PreCancels.Restore(p.Trader, p.ClientID, time.Unix(0, p.Expiry))
		}

		orders, err := a.store.LoadOrders(m.Address)
		if err != nil {
			return fmt.Errorf("load orders of %s: %w", m.Address.Hex(), err)
		}
		infos := make([]matching.OrderInfo, 0, len(orders))
		for _, o := range orders {
			meta, err := matching.DecodeMetadata(o.Metadata)
			if err != nil {
				return fmt.Errorf("order %d of %s: %w", o.ID, m.Address.Hex(), err)
			}
			infos = append(infos, matching.OrderInfo{
				ID:           o.ID,
				Trader:       o.Trader,
				ClientID:     o.ClientID,
				Price:        o.Price,
				Size:         o.Size,
				OriginalSize: o.OriginalSize,
				IsBid:        o.IsBid,
				Metadata:     meta,
			})
		}
		seq, err := a.store.LoadOrderSeq(m.Address)
		if err != nil {
			return fmt.Errorf("load order sequence of %s: %w", m.Address.Hex(), err)
		}
		if err := book.Restore(infos, seq); err != nil {
			return fmt.Errorf("restore book of %s: %w", m.Address.Hex(), err)
		}

		if err := a.markets.Register(m); err != nil {
			return err
		}
		a.seqs[m.Address] = book.NextOrderID()
		assets[m.BaseAsset] = struct{}{}
		assets[m.QuoteAsset] = struct{}{}
	}

	balances, err := a.store.LoadBalances()
	if err != nil {
		return fmt.Errorf("load balances: %w", err)
	}
	for _, b := range balances {
		a.bank.Restore(b.Trader, asset.ID(b.Asset), b.Amount)
		assets[asset.ID(b.Asset)] = struct{}{}
	}
	for id := range assets {
		supply, err := a.store.LoadSupply(string(id))
		if err != nil {
			return fmt.Errorf("load supply of %s: %w", id, err)
		}
		a.bank.RestoreSupply(id, supply)
	}

	a.logger.Info("state_loaded",
		zap.Int("markets", len(recs)),
		zap.Int("accounts", len(balances)))
	return nil
}

func (a *App) newMarket(spec market.Spec, createdAt time.Time) (*market.Market, *orderbook.OrderBook) {
	m := &market.Market{
		Address:    spec.Address,
		BaseAsset:  spec.BaseAsset,
		QuoteAsset: spec.QuoteAsset,
		Params:     spec.Params,
		CreatedAt:  createdAt,
		Ledger:     escrow.NewLedger(spec.Address, spec.BaseAsset, spec.QuoteAsset, a.journal),
		PreCancels: market.NewPreCancels(spec.Address, spec.Params.PreCancellationWindow, a.journal),
	}
	book := orderbook.New(spec.Address, a.settlement, orderbook.Options{
		AllowSelfMatching: spec.Params.AllowSelfMatching,
		Journal:           a.journal,
	})
	m.Book = book
	return m, book
}

// unit collects what a request produced besides in-memory state.
type unit struct {
	ctx     context.Context
	now     time.Time
	created []*market.Market
	fills   []storage.FillRecord
	events  []events.Event
}

// update runs fn as one unit of work. On error every journaled change made
// by fn is undone; on success the changes are written in one batch. Events
// are published in commit order.
func (a *App) update(ctx context.Context, op string, fn func(u *unit) error) error {
	start := time.Now()
	u, err := a.apply(ctx, fn)
	a.metrics.observe(op, start, err)
	if err != nil {
		a.logger.Debug("request_failed", zap.String("op", op), zap.Error(err))
		return err
	}
	defer a.pubMu.Unlock()

	for _, f := range u.fills {
		a.metrics.fill(f)
	}
	if len(u.events) > 0 {
		if err := a.publishers.Publish(ctx, u.events); err != nil {
			a.logger.Warn("publish_failed", zap.String("op", op), zap.Error(err))
		}
	}
	return nil
}

func (a *App) apply(ctx context.Context, fn func(u *unit) error) (*unit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	u := &unit{ctx: ctx, now: a.clock.Now()}
	snap := a.journal.Snapshot()
	err := fn(u)
	if err == nil {
		err = a.commit(u)
	}
	if err != nil {
		a.journal.RevertToSnapshot(snap)
		a.journal.Reset()
		return nil, err
	}
	a.journal.Reset()

	for _, m := range u.created {
		// Existence was checked under the same lock.
		_ = a.markets.Register(m)
	}
	// Taken before mu is released so the next unit publishes after this one.
	a.pubMu.Lock()
	return u, nil
}

func (a *App) commit(u *unit) error {
	batch := a.store.NewBatch()
	defer batch.Close()

	for _, m := range u.created {
		if err := batch.SaveMarket(m.Record()); err != nil {
			return err
		}
	}
	if err := a.bank.Flush(batch); err != nil {
		return err
	}

	markets := append(a.markets.List(), u.created...)
	seqs := make(map[common.Address]uint64)
	for _, m := range markets {
		if err := m.Ledger.Flush(batch); err != nil {
			return err
		}
		if err := m.PreCancels.Flush(batch); err != nil {
			return err
		}
		if err := a.flushBook(batch, m, seqs); err != nil {
			return err
		}
	}
	for _, f := range u.fills {
		if err := batch.SaveFill(f); err != nil {
			return err
		}
	}

	if !batch.Empty() {
		if err := batch.Commit(); err != nil {
			return fmt.Errorf("commit batch: %w", err)
		}
	}
	for addr, next := range seqs {
		a.seqs[addr] = next
	}
	return nil
}

func (a *App) flushBook(batch *storage.Batch, m *market.Market, seqs map[common.Address]uint64) error {
	book := m.Book.(*orderbook.OrderBook)
	resting, removed := book.TakeChanges()
	for _, o := range resting {
		rec := storage.OrderRecord{
			Market:       m.Address,
			ID:           o.ID,
			Trader:       o.Trader,
			ClientID:     o.ClientID,
			Price:        o.Price,
			Size:         o.Size,
			OriginalSize: o.OriginalSize,
			IsBid:        o.IsBid,
			Metadata:     a.settlement.MetadataBytes(o.Metadata),
		}
		if err := batch.SaveOrder(rec); err != nil {
			return err
		}
	}
	for _, id := range removed {
		if err := batch.DeleteOrder(m.Address, id); err != nil {
			return err
		}
	}
	if next := book.NextOrderID(); next != a.seqs[m.Address] {
		if err := batch.SaveOrderSeq(m.Address, next); err != nil {
			return err
		}
		seqs[m.Address] = next
	}
	return nil
}

// emit queues an event when the market publishes events.
func (u *unit) emit(m *market.Market, ev events.Event) {
	if !m.Params.EmitEvents {
		return
	}
	ev.Market = m.Address
	ev.Timestamp = u.now.UnixMilli()
	u.events = append(u.events, ev)
}

// recordFills turns matcher fills into fill records and events. Fills of
// one unit share a clock reading and are ordered by their position.
func (u *unit) recordFills(m *market.Market, fills []matching.Fill) {
	for _, f := range fills {
		rec := storage.FillRecord{
			ID:           uuid.NewString(),
			Market:       m.Address,
			Taker:        f.Taker,
			Maker:        f.Maker,
			TakerOrderID: f.TakerOrderID,
			MakerOrderID: f.MakerOrderID,
			TakerIsBuyer: f.TakerIsBuyer,
			Price:        f.Price,
			Size:         f.Size,
			Timestamp:    u.now.UnixNano() + int64(len(u.fills)),
		}
		u.fills = append(u.fills, rec)
		u.emit(m, events.Event{
			Type:         events.Fill,
			Trader:       f.Taker,
			OrderID:      f.TakerOrderID,
			Price:        f.Price,
			Size:         f.Size,
			IsBid:        f.TakerIsBuyer,
			FillID:       rec.ID,
			Maker:        f.Maker,
			MakerOrderID: f.MakerOrderID,
		})
	}
}

// Close closes the store.
func (a *App) Close() error {
	return a.store.Close()
}
