package scenario

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/uhyunpark/hyperescrow/pkg/app/core/escrow"
	"github.com/uhyunpark/hyperescrow/pkg/app/core/market"
	"github.com/uhyunpark/hyperescrow/pkg/app/spot"
	"github.com/uhyunpark/hyperescrow/pkg/storage"
)

func newApp(t *testing.T) *spot.App {
	t.Helper()
	store, err := storage.NewInMemoryStore()
	require.NoError(t, err)
	app, err := spot.NewApp(spot.Config{Store: store, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })
	return app
}

func byName(rep Report) map[string]Trader {
	out := make(map[string]Trader, len(rep.Traders))
	for _, tr := range rep.Traders {
		out[tr.Name] = tr
	}
	return out
}

func TestThreeTraderWalkthrough(t *testing.T) {
	app := newApp(t)
	rep, err := Run(context.Background(), app, DefaultOptions(), zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Len(t, rep.Steps, 10)

	require.Len(t, rep.Fills, 2)
	assert.Equal(t, uint64(BuySizeC), rep.Fills[0].Size)
	assert.Equal(t, uint64(InitialPriceB), rep.Fills[0].Price)
	assert.Equal(t, uint64(NewSizeB), rep.Fills[1].Size)
	assert.Equal(t, uint64(NewPriceB), rep.Fills[1].Price)

	tr := byName(rep)
	assert.Equal(t, escrow.Vault{Quote: (FinalSizeA - NewSizeB) * FinalPriceA}, tr["A"].Vault)
	assert.Equal(t, FundBase+NewSizeB, tr["A"].Base)
	assert.Equal(t, FundQuote-FinalSizeA*FinalPriceA, tr["A"].Quote)

	assert.Equal(t, escrow.Vault{}, tr["B"].Vault)
	assert.Equal(t, FundBase-BuySizeC-NewSizeB, tr["B"].Base)
	assert.Equal(t, FundQuote+BuySizeC*BuyPriceC+NewSizeB*NewPriceB, tr["B"].Quote)

	assert.Equal(t, escrow.Vault{}, tr["C"].Vault)
	assert.Equal(t, FundBase+BuySizeC, tr["C"].Base)
	assert.Equal(t, FundQuote-BuySizeC*BuyPriceC, tr["C"].Quote)

	var base, quote uint64
	for _, x := range rep.Traders {
		base += x.Base + x.Vault.Base
		quote += x.Quote + x.Vault.Quote
	}
	assert.Equal(t, 3*FundBase, base)
	assert.Equal(t, 3*FundQuote, quote)

	orders, err := app.OpenOrders(rep.Market, tr["A"].Address)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, FinalSizeA-NewSizeB, orders[0].Size)

	m, err := app.Market(rep.Market)
	require.NoError(t, err)
	assert.Equal(t, DefaultPreCancelWindow, m.Params.PreCancellationWindow)
}

func TestWalkthroughRetainingEscrow(t *testing.T) {
	opts := DefaultOptions()
	opts.Params.ReleaseOnCancel = false
	rep, err := Run(context.Background(), newApp(t), opts, nil)
	require.NoError(t, err)

	tr := byName(rep)
	// cancelled ask stays escrowed
	assert.Equal(t, InitialSizeA, tr["A"].Vault.Base)
	// decrease, and the replaced remainder, stay escrowed too
	assert.Equal(t, SizeDeltaB+(InitialSizeB-SizeDeltaB-BuySizeC), tr["B"].Vault.Base)
	assert.Equal(t, FundBase-InitialSizeB-NewSizeB, tr["B"].Base)
}

func TestWalkthroughIsDeterministic(t *testing.T) {
	first, err := Run(context.Background(), newApp(t), DefaultOptions(), nil)
	require.NoError(t, err)
	second, err := Run(context.Background(), newApp(t), DefaultOptions(), nil)
	require.NoError(t, err)
	assert.Equal(t, first.StateHash, second.StateHash)
	assert.Equal(t, first.Market, second.Market)
}

func TestRunTwiceConflicts(t *testing.T) {
	app := newApp(t)
	_, err := Run(context.Background(), app, DefaultOptions(), nil)
	require.NoError(t, err)
	_, err = Run(context.Background(), app, DefaultOptions(), nil)
	assert.ErrorIs(t, err, market.ErrConflictingMarket)
}
