package orderbook

import (
	"container/heap"
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/hyperescrow/pkg/app/core/journal"
	"github.com/uhyunpark/hyperescrow/pkg/app/core/matching"
)

type order struct {
	id       uint64
	trader   common.Address
	clientID *uint64
	price    uint64
	size     uint64 // unfilled remainder
	original uint64
	isBid    bool
	meta     matching.Metadata
}

func (o *order) info() matching.OrderInfo {
	return matching.OrderInfo{
		ID:           o.id,
		Trader:       o.trader,
		ClientID:     o.clientID,
		Price:        o.price,
		Size:         o.size,
		OriginalSize: o.original,
		IsBid:        o.isBid,
		Metadata:     o.meta,
	}
}

type clientKey struct {
	trader   common.Address
	clientID uint64
}

// Options configure a book at creation.
type Options struct {
	// AllowSelfMatching lets an order trade against resting orders of the
	// same trader. When false the resting order is cancelled instead.
	AllowSelfMatching bool
	// NextOrderID is the first id the book assigns (default 1).
	NextOrderID uint64
	// Journal, when set, receives an undo entry for every book mutation so
	// the caller can roll the book back together with its own state.
	Journal *journal.Journal
}

// OrderBook is a price-time priority limit order book for one market. It
// decides what trades and delegates fund movement to Callbacks.
//
// Matching is two-phase: fills are planned against the book without
// mutating it, callbacks run in order, and the book is only changed once
// every callback has succeeded. A failing callback leaves the book as it was.
type OrderBook struct {
	mu sync.RWMutex

	market            common.Address
	callbacks         matching.Callbacks
	allowSelfMatching bool
	journal           *journal.Journal

	// Heap-based best price tracking
	bidHeap *MaxPriceHeap
	askHeap *MinPriceHeap

	// Price level queues (FIFO at each price)
	bids map[uint64][]*order
	asks map[uint64][]*order

	orders      map[uint64]*order
	clientIndex map[clientKey]uint64

	nextID    uint64
	lastPrice uint64

	changed map[uint64]struct{} // order ids touched since TakeChanges
}

var _ matching.Engine = (*OrderBook)(nil)

func New(market common.Address, cb matching.Callbacks, opts Options) *OrderBook {
	bidHeap := &MaxPriceHeap{}
	askHeap := &MinPriceHeap{}
	heap.Init(bidHeap)
	heap.Init(askHeap)

	next := opts.NextOrderID
	if next == 0 {
		next = 1
	}

	return &OrderBook{
		market:            market,
		callbacks:         cb,
		allowSelfMatching: opts.AllowSelfMatching,
		journal:           opts.Journal,
		bidHeap:           bidHeap,
		askHeap:           askHeap,
		bids:              make(map[uint64][]*order),
		asks:              make(map[uint64][]*order),
		orders:            make(map[uint64]*order),
		clientIndex:       make(map[clientKey]uint64),
		nextID:            next,
		changed:           make(map[uint64]struct{}),
	}
}

func (ob *OrderBook) Market() common.Address { return ob.market }

type step struct {
	maker     *order
	size      uint64
	selfMatch bool
}

// Submit matches an order by price-time priority. The remainder rests for
// GTC and post-only orders and is dropped for IOC.
func (ob *OrderBook) Submit(ctx context.Context, o matching.Order) (matching.SubmitResult, error) {
	if err := ctx.Err(); err != nil {
		return matching.SubmitResult{}, err
	}

	ob.mu.Lock()
	defer ob.mu.Unlock()

	if o.Size == 0 {
		return matching.SubmitResult{}, fmt.Errorf("%w: zero size", matching.ErrOrderRejected)
	}
	if o.Price == 0 {
		return matching.SubmitResult{}, fmt.Errorf("%w: zero price", matching.ErrOrderRejected)
	}
	if o.Metadata.Market != ob.market {
		return matching.SubmitResult{}, fmt.Errorf("%w: order tagged for market %s, book is %s",
			matching.ErrOrderRejected, o.Metadata.Market.Hex(), ob.market.Hex())
	}
	if o.ClientID != nil {
		if _, dup := ob.clientIndex[clientKey{o.Trader, *o.ClientID}]; dup {
			return matching.SubmitResult{}, fmt.Errorf("%w: %w: %d",
				matching.ErrOrderRejected, matching.ErrDuplicateClientID, *o.ClientID)
		}
	}
	if err := ob.callbacks.ValidateOrder(ctx, o); err != nil {
		return matching.SubmitResult{}, fmt.Errorf("%w: %w", matching.ErrOrderRejected, err)
	}

	taker := &order{
		id:       ob.nextID,
		trader:   o.Trader,
		clientID: o.ClientID,
		price:    o.Price,
		size:     o.Size,
		original: o.Size,
		isBid:    o.IsBid,
		meta:     o.Metadata,
	}

	if o.TimeInForce == matching.PostOnly && ob.crossesBestLocked(taker) {
		return matching.SubmitResult{}, fmt.Errorf("%w: post-only order would cross", matching.ErrOrderRejected)
	}

	steps := ob.planLocked(taker)

	res := matching.SubmitResult{OrderID: taker.id}
	for _, st := range steps {
		if st.selfMatch {
			if err := ob.callbacks.OnCleanup(ctx, st.maker.info(), matching.CleanupSelfMatch); err != nil {
				return matching.SubmitResult{}, fmt.Errorf("self-match cleanup of order %d: %w", st.maker.id, err)
			}
			continue
		}
		f := matching.Fill{
			Taker:        taker.trader,
			Maker:        st.maker.trader,
			TakerOrderID: taker.id,
			MakerOrderID: st.maker.id,
			TakerIsBuyer: taker.isBid,
			Price:        st.maker.price,
			Size:         st.size,
			TakerMeta:    taker.meta,
			MakerMeta:    st.maker.meta,
		}
		r, err := ob.callbacks.Settle(ctx, f)
		if err != nil {
			return matching.SubmitResult{}, fmt.Errorf("settle taker %d maker %d: %w", taker.id, st.maker.id, err)
		}
		if r.Settled != st.size {
			return matching.SubmitResult{}, fmt.Errorf("settle taker %d maker %d: settled %d of %d",
				taker.id, st.maker.id, r.Settled, st.size)
		}
		res.Fills = append(res.Fills, f)
		res.Filled += st.size
	}

	taker.size = o.Size - res.Filled
	rest := taker.size > 0 && o.TimeInForce != matching.ImmediateOrCancel
	if taker.size > 0 {
		var err error
		if rest {
			err = ob.callbacks.OnMakerPlaced(ctx, taker.info())
		} else {
			err = ob.callbacks.OnCleanup(ctx, taker.info(), matching.CleanupUnfilled)
		}
		if err != nil {
			return matching.SubmitResult{}, fmt.Errorf("remainder of order %d: %w", taker.id, err)
		}
	}

	// Every callback succeeded; apply.
	for _, st := range steps {
		if st.selfMatch {
			ob.removeLocked(st.maker)
			continue
		}
		ob.reduceLocked(st.maker, st.size)
		ob.setLastPriceLocked(st.maker.price)
	}
	ob.setNextIDLocked(taker.id + 1)
	if rest {
		ob.insertLocked(taker)
	}

	res.Remaining = taker.size
	res.Resting = rest
	return res, nil
}

// planLocked walks the opposite side best-price-first and returns the fills
// (and self-match cancellations) the taker would produce. Read-only.
func (ob *OrderBook) planLocked(taker *order) []step {
	var next func() (uint64, bool)
	var levels map[uint64][]*order
	if taker.isBid {
		h := ob.askHeap.clone()
		levels = ob.asks
		next = func() (uint64, bool) {
			if h.Len() == 0 {
				return 0, false
			}
			return heap.Pop(h).(uint64), true
		}
	} else {
		h := ob.bidHeap.clone()
		levels = ob.bids
		next = func() (uint64, bool) {
			if h.Len() == 0 {
				return 0, false
			}
			return heap.Pop(h).(uint64), true
		}
	}

	var steps []step
	remaining := taker.size
	for remaining > 0 {
		price, ok := next()
		if !ok || !crosses(taker, price) {
			break
		}
		for _, maker := range levels[price] {
			if remaining == 0 {
				break
			}
			if maker.trader == taker.trader && !ob.allowSelfMatching {
				steps = append(steps, step{maker: maker, selfMatch: true})
				continue
			}
			match := min(remaining, maker.size)
			steps = append(steps, step{maker: maker, size: match})
			remaining -= match
		}
	}
	return steps
}

func crosses(taker *order, makerPrice uint64) bool {
	if taker.isBid {
		return makerPrice <= taker.price
	}
	return makerPrice >= taker.price
}

func (ob *OrderBook) crossesBestLocked(taker *order) bool {
	if taker.isBid {
		p, ok := ob.askHeap.Peek()
		return ok && crosses(taker, p)
	}
	p, ok := ob.bidHeap.Peek()
	return ok && crosses(taker, p)
}

// Cancel removes a resting order after the cleanup callback accepts it.
func (ob *OrderBook) Cancel(ctx context.Context, orderID uint64) error {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	o, ok := ob.orders[orderID]
	if !ok {
		return fmt.Errorf("%w: %d", matching.ErrOrderNotFound, orderID)
	}
	return ob.cancelLocked(ctx, o)
}

func (ob *OrderBook) CancelByClientID(ctx context.Context, trader common.Address, clientID uint64) error {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	id, ok := ob.clientIndex[clientKey{trader, clientID}]
	if !ok {
		return fmt.Errorf("%w: client id %d of %s", matching.ErrOrderNotFound, clientID, trader.Hex())
	}
	return ob.cancelLocked(ctx, ob.orders[id])
}

func (ob *OrderBook) cancelLocked(ctx context.Context, o *order) error {
	if err := ob.callbacks.OnCleanup(ctx, o.info(), matching.CleanupCancelled); err != nil {
		return fmt.Errorf("cleanup of order %d: %w", o.id, err)
	}
	ob.removeLocked(o)
	return nil
}

// Resize shrinks a resting order by delta, keeping its time priority.
// Removing the whole remainder is a cancel, not a resize.
func (ob *OrderBook) Resize(ctx context.Context, orderID uint64, delta uint64) error {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	o, ok := ob.orders[orderID]
	if !ok {
		return fmt.Errorf("%w: %d", matching.ErrOrderNotFound, orderID)
	}
	if delta == 0 || delta >= o.size {
		return fmt.Errorf("%w: order %d has %d remaining, delta %d",
			matching.ErrInvalidResize, orderID, o.size, delta)
	}
	if err := ob.callbacks.OnResize(ctx, o.info(), delta); err != nil {
		return fmt.Errorf("resize of order %d: %w", orderID, err)
	}

	prev := o.size
	o.size -= delta
	ob.markChangedLocked(o.id)
	ob.record(func() {
		ob.mu.Lock()
		o.size = prev
		ob.mu.Unlock()
	})
	return nil
}

func (ob *OrderBook) LookupOrderID(trader common.Address, clientID uint64) (uint64, bool) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	id, ok := ob.clientIndex[clientKey{trader, clientID}]
	return id, ok
}

func (ob *OrderBook) Order(orderID uint64) (matching.OrderInfo, bool) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	o, ok := ob.orders[orderID]
	if !ok {
		return matching.OrderInfo{}, false
	}
	return o.info(), true
}

// Orders returns every resting order in id order.
func (ob *OrderBook) Orders() []matching.OrderInfo {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	out := make([]matching.OrderInfo, 0, len(ob.orders))
	for _, o := range ob.orders {
		out = append(out, o.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Depth returns bids high to low and asks low to high.
func (ob *OrderBook) Depth() (bids, asks []matching.PriceLevel) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	bids = aggregate(ob.bids)
	sort.Slice(bids, func(i, j int) bool { return bids[i].Price > bids[j].Price })
	asks = aggregate(ob.asks)
	sort.Slice(asks, func(i, j int) bool { return asks[i].Price < asks[j].Price })
	return bids, asks
}

func aggregate(side map[uint64][]*order) []matching.PriceLevel {
	levels := make([]matching.PriceLevel, 0, len(side))
	for price, orders := range side {
		if len(orders) == 0 {
			continue
		}
		lvl := matching.PriceLevel{Price: price, Count: len(orders)}
		for _, o := range orders {
			lvl.Size += o.size
		}
		levels = append(levels, lvl)
	}
	return levels
}

func (ob *OrderBook) BestBid() (uint64, bool) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return ob.bidHeap.Peek()
}

func (ob *OrderBook) BestAsk() (uint64, bool) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return ob.askHeap.Peek()
}

// LastPrice returns the price of the most recent fill (0 before any trade).
func (ob *OrderBook) LastPrice() uint64 {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return ob.lastPrice
}

// NextOrderID returns the id the next submission will receive.
func (ob *OrderBook) NextOrderID() uint64 {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return ob.nextID
}

// TakeChanges returns the orders touched since the previous call: those
// still resting (current state) and the ids that left the book.
func (ob *OrderBook) TakeChanges() (resting []matching.OrderInfo, removed []uint64) {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	for id := range ob.changed {
		if o, ok := ob.orders[id]; ok {
			resting = append(resting, o.info())
		} else {
			removed = append(removed, id)
		}
	}
	clear(ob.changed)
	sort.Slice(resting, func(i, j int) bool { return resting[i].ID < resting[j].ID })
	slices.Sort(removed)
	return resting, removed
}

// Restore loads persisted resting orders without invoking callbacks.
// Orders must be given in id order so time priority is preserved.
func (ob *OrderBook) Restore(orders []matching.OrderInfo, nextID uint64) error {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	j := ob.journal
	ob.journal = nil
	defer func() { ob.journal = j }()

	for _, info := range orders {
		if _, dup := ob.orders[info.ID]; dup {
			return fmt.Errorf("restore: duplicate order id %d", info.ID)
		}
		if info.Size == 0 {
			return fmt.Errorf("restore: order %d has no remaining size", info.ID)
		}
		ob.insertLocked(&order{
			id:       info.ID,
			trader:   info.Trader,
			clientID: info.ClientID,
			price:    info.Price,
			size:     info.Size,
			original: info.OriginalSize,
			isBid:    info.IsBid,
			meta:     info.Metadata,
		})
		if info.ID >= nextID {
			nextID = info.ID + 1
		}
	}
	if nextID > ob.nextID {
		ob.nextID = nextID
	}
	clear(ob.changed)
	return nil
}

// Len returns the number of resting orders.
func (ob *OrderBook) Len() int {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return len(ob.orders)
}

func (ob *OrderBook) sideLocked(isBid bool) map[uint64][]*order {
	if isBid {
		return ob.bids
	}
	return ob.asks
}

func (ob *OrderBook) pushPriceLocked(isBid bool, price uint64) {
	if isBid {
		heap.Push(ob.bidHeap, price)
	} else {
		heap.Push(ob.askHeap, price)
	}
}

// removePriceLocked drops a price level from its heap (O(N), rare)
func (ob *OrderBook) removePriceLocked(isBid bool, price uint64) {
	if isBid {
		for i := 0; i < ob.bidHeap.Len(); i++ {
			if (*ob.bidHeap)[i] == price {
				heap.Remove(ob.bidHeap, i)
				return
			}
		}
		return
	}
	for i := 0; i < ob.askHeap.Len(); i++ {
		if (*ob.askHeap)[i] == price {
			heap.Remove(ob.askHeap, i)
			return
		}
	}
}

func (ob *OrderBook) insertLocked(o *order) {
	levels := ob.sideLocked(o.isBid)
	if len(levels[o.price]) == 0 {
		ob.pushPriceLocked(o.isBid, o.price)
	}
	levels[o.price] = append(levels[o.price], o)
	ob.orders[o.id] = o
	if o.clientID != nil {
		ob.clientIndex[clientKey{o.trader, *o.clientID}] = o.id
	}
	ob.markChangedLocked(o.id)
	ob.record(func() {
		ob.mu.Lock()
		defer ob.mu.Unlock()
		ob.unlinkLocked(o)
	})
}

func (ob *OrderBook) removeLocked(o *order) {
	idx := ob.unlinkLocked(o)
	ob.markChangedLocked(o.id)
	ob.record(func() {
		ob.mu.Lock()
		defer ob.mu.Unlock()
		levels := ob.sideLocked(o.isBid)
		if len(levels[o.price]) == 0 {
			ob.pushPriceLocked(o.isBid, o.price)
		}
		levels[o.price] = slices.Insert(levels[o.price], idx, o)
		ob.orders[o.id] = o
		if o.clientID != nil {
			ob.clientIndex[clientKey{o.trader, *o.clientID}] = o.id
		}
	})
}

// unlinkLocked takes an order out of every index and returns its former
// position in its price level.
func (ob *OrderBook) unlinkLocked(o *order) int {
	levels := ob.sideLocked(o.isBid)
	level := levels[o.price]
	idx := slices.Index(level, o)
	if idx >= 0 {
		level = slices.Delete(level, idx, idx+1)
	}
	if len(level) == 0 {
		delete(levels, o.price)
		ob.removePriceLocked(o.isBid, o.price)
	} else {
		levels[o.price] = level
	}
	delete(ob.orders, o.id)
	if o.clientID != nil {
		delete(ob.clientIndex, clientKey{o.trader, *o.clientID})
	}
	return idx
}

// reduceLocked fills size of a resting order, removing it when exhausted.
func (ob *OrderBook) reduceLocked(o *order, size uint64) {
	if size >= o.size {
		ob.removeLocked(o)
		return
	}
	prev := o.size
	o.size -= size
	ob.markChangedLocked(o.id)
	ob.record(func() {
		ob.mu.Lock()
		o.size = prev
		ob.mu.Unlock()
	})
}

func (ob *OrderBook) setLastPriceLocked(p uint64) {
	prev := ob.lastPrice
	ob.lastPrice = p
	ob.record(func() {
		ob.mu.Lock()
		ob.lastPrice = prev
		ob.mu.Unlock()
	})
}

func (ob *OrderBook) setNextIDLocked(next uint64) {
	prev := ob.nextID
	ob.nextID = next
	ob.record(func() {
		ob.mu.Lock()
		ob.nextID = prev
		ob.mu.Unlock()
	})
}

func (ob *OrderBook) markChangedLocked(id uint64) {
	ob.changed[id] = struct{}{}
}

func (ob *OrderBook) record(undo func()) {
	if ob.journal != nil {
		ob.journal.Append(undo)
	}
}
