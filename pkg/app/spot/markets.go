package spot

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/hyperescrow/pkg/app/core/asset"
	"github.com/uhyunpark/hyperescrow/pkg/app/core/market"
)

// CreateMarket creates a market with empty escrow and an empty book.
// An address holds at most one market, ever.
func (a *App) CreateMarket(ctx context.Context, spec market.Spec) (*market.Market, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	var created *market.Market
	err := a.update(ctx, "create_market", func(u *unit) error {
		if a.markets.Exists(spec.Address) {
			return fmt.Errorf("%w: %s already exists", market.ErrConflictingMarket, spec.Address.Hex())
		}
		m, _ := a.newMarket(spec, u.now)
		u.created = append(u.created, m)
		created = m
		return nil
	})
	if err != nil {
		return nil, err
	}

	a.logger.Info("market_created",
		zap.String("market", created.Address.Hex()),
		zap.String("base", string(created.BaseAsset)),
		zap.String("quote", string(created.QuoteAsset)),
		zap.Bool("allow_self_matching", created.Params.AllowSelfMatching),
		zap.Bool("release_on_cancel", created.Params.ReleaseOnCancel))
	return created, nil
}

// RegisterTrader opens the trader's external accounts for both assets of
// the market. Registering twice is a no-op.
func (a *App) RegisterTrader(ctx context.Context, addr, trader common.Address) error {
	return a.update(ctx, "register_trader", func(u *unit) error {
		m, err := a.markets.Get(addr)
		if err != nil {
			return err
		}
		a.register(m, trader)
		return nil
	})
}

func (a *App) register(m *market.Market, trader common.Address) {
	a.bank.Register(trader, m.BaseAsset)
	a.bank.Register(trader, m.QuoteAsset)
}

// Mint credits newly created units to a trader's external account.
func (a *App) Mint(ctx context.Context, trader common.Address, id asset.ID, amount uint64) error {
	if id == "" {
		return fmt.Errorf("%w: empty asset id", ErrInvalidAsset)
	}
	err := a.update(ctx, "mint", func(u *unit) error {
		return a.bank.Mint(trader, id, amount)
	})
	if err != nil {
		return err
	}
	a.logger.Info("minted",
		zap.String("trader", trader.Hex()),
		zap.String("asset", string(id)),
		zap.Uint64("amount", amount))
	return nil
}
