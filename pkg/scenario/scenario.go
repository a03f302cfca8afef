// Package scenario replays the three-trader walkthrough against an App:
// two asks, a cancel, a decrease, a crossing bid, a replace and a final
// crossing bid, then reports where every unit ended up.
package scenario

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/hyperescrow/pkg/app/core/asset"
	"github.com/uhyunpark/hyperescrow/pkg/app/core/escrow"
	"github.com/uhyunpark/hyperescrow/pkg/app/core/market"
	"github.com/uhyunpark/hyperescrow/pkg/app/spot"
	"github.com/uhyunpark/hyperescrow/pkg/crypto"
	"github.com/uhyunpark/hyperescrow/pkg/storage"
)

const (
	SellClientIDA uint64 = 1
	SellClientIDB uint64 = 2
	BuyClientIDC  uint64 = 3
	BuyClientIDA  uint64 = 4

	InitialPriceA uint64 = 1_000
	InitialSizeA  uint64 = 10
	InitialPriceB uint64 = 1_500
	InitialSizeB  uint64 = 20
	SizeDeltaB    uint64 = 10
	BuyPriceC     uint64 = 1_500
	BuySizeC      uint64 = 8
	NewPriceB     uint64 = 1_800
	NewSizeB      uint64 = 2
	FinalPriceA   uint64 = 1_800
	FinalSizeA    uint64 = 10

	FundBase  uint64 = 1_000_000_000
	FundQuote uint64 = 1_000_000_000
)

// Seeds of the deterministic keys behind each participant.
const (
	seedA      = 1
	seedMarket = 2
	seedB      = 3
	seedC      = 4
)

type Options struct {
	Base   asset.ID
	Quote  asset.ID
	Params market.Params
}

// DefaultPreCancelWindow is the pre-cancellation window of the scenario market.
const DefaultPreCancelWindow = time.Minute

func DefaultOptions() Options {
	params := market.DefaultParams()
	params.PreCancellationWindow = DefaultPreCancelWindow
	return Options{Base: "HYPL", Quote: "USDC", Params: params}
}

type Trader struct {
	Name    string
	Address common.Address
	Vault   escrow.Vault
	Base    uint64 // external
	Quote   uint64 // external
}

type Report struct {
	Market    common.Address
	Steps     []string
	Fills     []storage.FillRecord
	Traders   []Trader
	StateHash common.Hash
}

type participant struct {
	name string
	addr common.Address
}

// Address derives the address of a deterministic scenario key.
func Address(seed uint64) (common.Address, error) {
	s, err := crypto.FromPrivateKeyHex(fmt.Sprintf("%064x", seed))
	if err != nil {
		return common.Address{}, err
	}
	return s.Address(), nil
}

// Run creates the market and plays every step in order. The first failing
// step aborts the run.
func Run(ctx context.Context, app *spot.App, opts Options, logger *zap.Logger) (Report, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var addrs [5]common.Address
	for _, seed := range []uint64{seedA, seedMarket, seedB, seedC} {
		addr, err := Address(seed)
		if err != nil {
			return Report{}, err
		}
		addrs[seed] = addr
	}
	mkt := addrs[seedMarket]
	a := participant{"A", addrs[seedA]}
	b := participant{"B", addrs[seedB]}
	c := participant{"C", addrs[seedC]}
	traders := []participant{a, b, c}

	rep := Report{Market: mkt}
	place := func(p participant, isBid bool, price, size, clientID uint64) error {
		res, err := app.PlaceOrder(ctx, spot.PlaceRequest{
			Market: mkt, Trader: p.addr, Price: price, Size: size, IsBid: isBid, ClientID: &clientID,
		})
		rep.Fills = append(rep.Fills, res.Fills...)
		return err
	}

	steps := []struct {
		label string
		run   func() error
	}{
		{"create market", func() error {
			_, err := app.CreateMarket(ctx, market.Spec{
				Address: mkt, BaseAsset: opts.Base, QuoteAsset: opts.Quote, Params: opts.Params,
			})
			return err
		}},
		{"register traders", func() error {
			for _, p := range traders {
				if err := app.RegisterTrader(ctx, mkt, p.addr); err != nil {
					return fmt.Errorf("trader %s: %w", p.name, err)
				}
			}
			return nil
		}},
		{"mint demo balances", func() error {
			for _, p := range traders {
				if err := app.Mint(ctx, p.addr, opts.Base, FundBase); err != nil {
					return fmt.Errorf("trader %s: %w", p.name, err)
				}
				if err := app.Mint(ctx, p.addr, opts.Quote, FundQuote); err != nil {
					return fmt.Errorf("trader %s: %w", p.name, err)
				}
			}
			return nil
		}},
		{fmt.Sprintf("A asks %d @ %d", InitialSizeA, InitialPriceA), func() error {
			return place(a, false, InitialPriceA, InitialSizeA, SellClientIDA)
		}},
		{fmt.Sprintf("B asks %d @ %d", InitialSizeB, InitialPriceB), func() error {
			return place(b, false, InitialPriceB, InitialSizeB, SellClientIDB)
		}},
		{"A cancels ask", func() error {
			return app.CancelOrder(ctx, mkt, a.addr, SellClientIDA)
		}},
		{fmt.Sprintf("B decreases ask by %d", SizeDeltaB), func() error {
			return app.DecreaseOrder(ctx, mkt, b.addr, SellClientIDB, SizeDeltaB)
		}},
		{fmt.Sprintf("C bids %d @ %d", BuySizeC, BuyPriceC), func() error {
			return place(c, true, BuyPriceC, BuySizeC, BuyClientIDC)
		}},
		{fmt.Sprintf("B replaces ask with %d @ %d", NewSizeB, NewPriceB), func() error {
			res, err := app.ReplaceOrder(ctx, mkt, b.addr, SellClientIDB, NewPriceB, NewSizeB, false)
			rep.Fills = append(rep.Fills, res.Fills...)
			return err
		}},
		{fmt.Sprintf("A bids %d @ %d", FinalSizeA, FinalPriceA), func() error {
			return place(a, true, FinalPriceA, FinalSizeA, BuyClientIDA)
		}},
	}

	for _, st := range steps {
		if err := st.run(); err != nil {
			return rep, fmt.Errorf("step %q: %w", st.label, err)
		}
		rep.Steps = append(rep.Steps, st.label)
		logger.Info("scenario_step", zap.String("step", st.label))
	}

	for _, p := range traders {
		v, err := app.Vault(mkt, p.addr)
		if err != nil {
			return rep, err
		}
		rep.Traders = append(rep.Traders, Trader{
			Name:    p.name,
			Address: p.addr,
			Vault:   v,
			Base:    app.Balance(p.addr, opts.Base),
			Quote:   app.Balance(p.addr, opts.Quote),
		})
	}
	rep.StateHash = app.StateHash()
	return rep, nil
}
