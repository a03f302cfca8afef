package spot

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/hyperescrow/pkg/app/core/market"
	"github.com/uhyunpark/hyperescrow/pkg/app/core/matching"
	"github.com/uhyunpark/hyperescrow/pkg/events"
	"github.com/uhyunpark/hyperescrow/pkg/storage"
)

type PlaceRequest struct {
	Market   common.Address
	Trader   common.Address
	Price    uint64
	Size     uint64
	IsBid    bool
	ClientID *uint64
}

type PlaceResult struct {
	OrderID   uint64
	Filled    uint64
	Remaining uint64
	Resting   bool
	Fills     []storage.FillRecord
}

// PlaceOrder reserves the order's funds in the market's escrow and submits
// it as good-till-cancelled. A bid reserves price*size quote, an ask size
// base. Fills settle before PlaceOrder returns.
func (a *App) PlaceOrder(ctx context.Context, req PlaceRequest) (PlaceResult, error) {
	var res PlaceResult
	err := a.update(ctx, "place", func(u *unit) error {
		m, err := a.markets.Get(req.Market)
		if err != nil {
			return err
		}
		res, err = a.place(u, m, req)
		return err
	})
	if err != nil {
		return PlaceResult{}, err
	}
	return res, nil
}

func (a *App) place(u *unit, m *market.Market, req PlaceRequest) (PlaceResult, error) {
	if req.Size == 0 {
		return PlaceResult{}, fmt.Errorf("%w: size must be positive", ErrInvalidOrderSize)
	}
	if req.ClientID != nil && m.PreCancels.Active(req.Trader, *req.ClientID, u.now) {
		return PlaceResult{}, fmt.Errorf("%w: client id %d of %s in %s",
			ErrPreCancelled, *req.ClientID, req.Trader.Hex(), m.Address.Hex())
	}
	a.register(m, req.Trader)

	id, amount := m.BaseAsset, req.Size
	if req.IsBid {
		notional, err := market.ComputeNotional(req.Price, req.Size)
		if err != nil {
			return PlaceResult{}, err
		}
		id, amount = m.QuoteAsset, notional
	}
	units, err := a.bank.Withdraw(req.Trader, id, amount)
	if err != nil {
		return PlaceResult{}, fmt.Errorf("reserve %d %s: %w", amount, id, err)
	}
	if err := m.Ledger.Deposit(req.Trader, units); err != nil {
		return PlaceResult{}, err
	}

	sub, err := m.Book.Submit(u.ctx, matching.Order{
		Trader:      req.Trader,
		Price:       req.Price,
		Size:        req.Size,
		IsBid:       req.IsBid,
		TimeInForce: matching.GoodTillCancelled,
		ClientID:    req.ClientID,
		Metadata:    m.Metadata(),
	})
	if err != nil {
		return PlaceResult{}, err
	}

	first := len(u.fills)
	u.recordFills(m, sub.Fills)
	u.emit(m, events.Event{
		Type:     events.OrderPlaced,
		Trader:   req.Trader,
		OrderID:  sub.OrderID,
		ClientID: req.ClientID,
		Price:    req.Price,
		Size:     sub.Remaining,
		IsBid:    req.IsBid,
	})

	a.logger.Debug("order_placed",
		zap.String("market", m.Address.Hex()),
		zap.String("trader", req.Trader.Hex()),
		zap.Uint64("order_id", sub.OrderID),
		zap.Uint64("price", req.Price),
		zap.Uint64("size", req.Size),
		zap.Bool("is_bid", req.IsBid),
		zap.Uint64("filled", sub.Filled))

	return PlaceResult{
		OrderID:   sub.OrderID,
		Filled:    sub.Filled,
		Remaining: sub.Remaining,
		Resting:   sub.Resting,
		Fills:     append([]storage.FillRecord(nil), u.fills[first:]...),
	}, nil
}

// CancelOrder removes the trader's resting order with the given client id.
// Whether the reservation is released is the market's ReleaseOnCancel policy.
// In a market with a pre-cancellation window, cancelling a client id with
// no resting order succeeds and blocks that id for the window.
func (a *App) CancelOrder(ctx context.Context, addr, trader common.Address, clientID uint64) error {
	return a.update(ctx, "cancel", func(u *unit) error {
		m, err := a.markets.Get(addr)
		if err != nil {
			return err
		}
		err = a.cancel(u, m, trader, clientID)
		if errors.Is(err, ErrOrderNotFound) && m.PreCancels.Enabled() {
			m.PreCancels.Record(trader, clientID, u.now)
			a.logger.Debug("order_pre_cancelled",
				zap.String("market", m.Address.Hex()),
				zap.String("trader", trader.Hex()),
				zap.Uint64("client_id", clientID))
			return nil
		}
		return err
	})
}

func (a *App) cancel(u *unit, m *market.Market, trader common.Address, clientID uint64) error {
	info, err := a.resolve(m, trader, clientID)
	if err != nil {
		return err
	}
	if err := m.Book.CancelByClientID(u.ctx, trader, clientID); err != nil {
		return err
	}
	u.emit(m, events.Event{
		Type:     events.OrderCancelled,
		Trader:   trader,
		OrderID:  info.ID,
		ClientID: info.ClientID,
		Price:    info.Price,
		Size:     info.Size,
		IsBid:    info.IsBid,
	})
	a.logger.Debug("order_cancelled",
		zap.String("market", m.Address.Hex()),
		zap.String("trader", trader.Hex()),
		zap.Uint64("order_id", info.ID),
		zap.Uint64("size", info.Size))
	return nil
}

// DecreaseOrder shrinks the trader's resting order by delta, keeping its
// place in the queue. Delta must be below the remaining size.
func (a *App) DecreaseOrder(ctx context.Context, addr, trader common.Address, clientID, delta uint64) error {
	if delta == 0 {
		return fmt.Errorf("%w: decrease must be positive", ErrInvalidOrderSize)
	}
	return a.update(ctx, "decrease", func(u *unit) error {
		m, err := a.markets.Get(addr)
		if err != nil {
			return err
		}
		info, err := a.resolve(m, trader, clientID)
		if err != nil {
			return err
		}
		if err := m.Book.Resize(u.ctx, info.ID, delta); err != nil {
			return err
		}
		u.emit(m, events.Event{
			Type:     events.OrderDecreased,
			Trader:   trader,
			OrderID:  info.ID,
			ClientID: info.ClientID,
			Price:    info.Price,
			Size:     info.Size - delta,
			IsBid:    info.IsBid,
		})
		a.logger.Debug("order_decreased",
			zap.String("market", m.Address.Hex()),
			zap.String("trader", trader.Hex()),
			zap.Uint64("order_id", info.ID),
			zap.Uint64("delta", delta))
		return nil
	})
}

// ReplaceOrder cancels the order with the client id and places a new one
// under the same client id, reserving for it as PlaceOrder does. If the new
// order cannot be placed the cancel is undone too.
func (a *App) ReplaceOrder(ctx context.Context, addr, trader common.Address, clientID, price, size uint64, isBid bool) (PlaceResult, error) {
	var res PlaceResult
	err := a.update(ctx, "replace", func(u *unit) error {
		m, err := a.markets.Get(addr)
		if err != nil {
			return err
		}
		if err := a.cancel(u, m, trader, clientID); err != nil {
			return err
		}
		cid := clientID
		res, err = a.place(u, m, PlaceRequest{
			Market:   addr,
			Trader:   trader,
			Price:    price,
			Size:     size,
			IsBid:    isBid,
			ClientID: &cid,
		})
		return err
	})
	if err != nil {
		return PlaceResult{}, err
	}
	return res, nil
}

func (a *App) resolve(m *market.Market, trader common.Address, clientID uint64) (matching.OrderInfo, error) {
	id, ok := m.Book.LookupOrderID(trader, clientID)
	if !ok {
		return matching.OrderInfo{}, fmt.Errorf("%w: client id %d of %s in %s",
			ErrOrderNotFound, clientID, trader.Hex(), m.Address.Hex())
	}
	info, ok := m.Book.Order(id)
	if !ok {
		return matching.OrderInfo{}, fmt.Errorf("%w: order %d", ErrOrderNotFound, id)
	}
	return info, nil
}
