package settlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/hyperescrow/pkg/app/core/asset"
	"github.com/uhyunpark/hyperescrow/pkg/app/core/escrow"
	"github.com/uhyunpark/hyperescrow/pkg/app/core/market"
	"github.com/uhyunpark/hyperescrow/pkg/app/core/matching"
)

var ErrMarketMismatch = errors.New("fill spans two markets")

// Markets resolves the market an order was tagged with.
type Markets interface {
	Get(addr common.Address) (*market.Market, error)
}

// Accounts is the external asset-account side of every transfer.
type Accounts interface {
	IsRegistered(trader common.Address, id asset.ID) bool
	Deposit(trader common.Address, units asset.Units) error
}

// Engine moves funds when the matcher reports a fill, and releases escrow
// when resting size leaves the book without trading. One Engine serves every
// market; the market is found from the order metadata.
type Engine struct {
	markets  Markets
	accounts Accounts
	logger   *zap.Logger
}

var _ matching.Callbacks = (*Engine)(nil)

func NewEngine(markets Markets, accounts Accounts, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{markets: markets, accounts: accounts, logger: logger}
}

type leg struct {
	from   common.Address
	to     common.Address
	kind   escrow.Kind
	amount uint64
}

// Settle pays both sides of a fill out of escrow. The taker's escrow pays
// the maker and the maker's escrow pays the taker; each side receives funds
// in its external account. Either both legs move or neither does.
func (e *Engine) Settle(ctx context.Context, f matching.Fill) (matching.FillResult, error) {
	if f.Size == 0 {
		return matching.FillResult{}, nil
	}
	if f.TakerMeta.Market != f.MakerMeta.Market {
		return matching.FillResult{}, fmt.Errorf("%w: taker %s maker %s",
			ErrMarketMismatch, f.TakerMeta.Market.Hex(), f.MakerMeta.Market.Hex())
	}
	m, err := e.markets.Get(f.TakerMeta.Market)
	if err != nil {
		return matching.FillResult{}, err
	}

	notional, err := market.ComputeNotional(f.Price, f.Size)
	if err != nil {
		return matching.FillResult{}, err
	}

	var legs [2]leg
	if f.TakerIsBuyer {
		legs[0] = leg{from: f.Taker, to: f.Maker, kind: escrow.Quote, amount: notional}
		legs[1] = leg{from: f.Maker, to: f.Taker, kind: escrow.Base, amount: f.Size}
	} else {
		legs[0] = leg{from: f.Taker, to: f.Maker, kind: escrow.Base, amount: f.Size}
		legs[1] = leg{from: f.Maker, to: f.Taker, kind: escrow.Quote, amount: notional}
	}

	if err := e.check(m, legs[:]); err != nil {
		return matching.FillResult{}, err
	}
	for _, l := range legs {
		if err := e.transfer(m, l); err != nil {
			return matching.FillResult{}, err
		}
	}

	e.logger.Debug("fill_settled",
		zap.String("market", m.Address.Hex()),
		zap.String("taker", f.Taker.Hex()),
		zap.String("maker", f.Maker.Hex()),
		zap.Bool("taker_is_buyer", f.TakerIsBuyer),
		zap.Uint64("price", f.Price),
		zap.Uint64("size", f.Size),
		zap.Uint64("notional", notional))

	return matching.FillResult{Settled: f.Size}, nil
}

// check verifies every leg can complete before any funds move.
func (e *Engine) check(m *market.Market, legs []leg) error {
	need := make(map[common.Address]escrow.Vault, 2)
	for _, l := range legs {
		v := need[l.from]
		if l.kind == escrow.Base {
			v.Base += l.amount
		} else {
			v.Quote += l.amount
		}
		need[l.from] = v

		if l.amount > 0 && !e.accounts.IsRegistered(l.to, m.Ledger.AssetID(l.kind)) {
			return fmt.Errorf("deposit %s to %s: asset %s not registered",
				l.kind, l.to.Hex(), m.Ledger.AssetID(l.kind))
		}
	}
	for trader, want := range need {
		have, _ := m.Ledger.Vault(trader)
		if have.Base < want.Base || have.Quote < want.Quote {
			return fmt.Errorf("%w: trader %s has base %d quote %d, fill needs base %d quote %d",
				escrow.ErrInsufficientEscrow, trader.Hex(), have.Base, have.Quote, want.Base, want.Quote)
		}
	}
	return nil
}

func (e *Engine) transfer(m *market.Market, l leg) error {
	units, err := m.Ledger.Withdraw(l.from, l.kind, l.amount)
	if err != nil {
		return fmt.Errorf("withdraw %s escrow of %s: %w", l.kind, l.from.Hex(), err)
	}
	if units.IsZero() {
		return nil
	}
	if err := e.accounts.Deposit(l.to, units); err != nil {
		return fmt.Errorf("deposit %s to %s: %w", units, l.to.Hex(), err)
	}
	return nil
}

func (e *Engine) ValidateOrder(context.Context, matching.Order) error {
	return nil
}

func (e *Engine) OnMakerPlaced(_ context.Context, o matching.OrderInfo) error {
	e.logger.Debug("order_resting",
		zap.String("market", o.Metadata.Market.Hex()),
		zap.Uint64("order_id", o.ID),
		zap.Uint64("price", o.Price),
		zap.Uint64("size", o.Size),
		zap.Bool("is_bid", o.IsBid))
	return nil
}

// OnCleanup releases the escrow behind the unfilled remainder of an order
// leaving the book, when the market releases on cancel.
func (e *Engine) OnCleanup(_ context.Context, o matching.OrderInfo, reason matching.CleanupReason) error {
	m, err := e.markets.Get(o.Metadata.Market)
	if err != nil {
		return err
	}
	if !m.Params.ReleaseOnCancel {
		return nil
	}
	if err := e.release(m, o, o.Size); err != nil {
		return fmt.Errorf("release %s order %d: %w", reason, o.ID, err)
	}
	return nil
}

// OnResize releases the escrow behind delta when the market releases on cancel.
func (e *Engine) OnResize(_ context.Context, o matching.OrderInfo, delta uint64) error {
	m, err := e.markets.Get(o.Metadata.Market)
	if err != nil {
		return err
	}
	if !m.Params.ReleaseOnCancel {
		return nil
	}
	if err := e.release(m, o, delta); err != nil {
		return fmt.Errorf("release resize of order %d: %w", o.ID, err)
	}
	return nil
}

func (e *Engine) MetadataBytes(m matching.Metadata) []byte {
	return m.Bytes()
}

// release returns the reservation for size units of an order: price*size
// quote for a bid, size base for an ask.
func (e *Engine) release(m *market.Market, o matching.OrderInfo, size uint64) error {
	l := leg{from: o.Trader, to: o.Trader, kind: escrow.Base, amount: size}
	if o.IsBid {
		notional, err := market.ComputeNotional(o.Price, size)
		if err != nil {
			return err
		}
		l.kind = escrow.Quote
		l.amount = notional
	}
	if err := e.transfer(m, l); err != nil {
		return err
	}
	e.logger.Debug("reservation_released",
		zap.String("market", m.Address.Hex()),
		zap.String("trader", o.Trader.Hex()),
		zap.Uint64("order_id", o.ID),
		zap.Stringer("kind", l.kind),
		zap.Uint64("amount", l.amount))
	return nil
}
