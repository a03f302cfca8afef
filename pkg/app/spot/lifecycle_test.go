package spot

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/hyperescrow/pkg/app/core/bank"
	"github.com/uhyunpark/hyperescrow/pkg/app/core/escrow"
	"github.com/uhyunpark/hyperescrow/pkg/app/core/market"
	"github.com/uhyunpark/hyperescrow/pkg/app/core/matching"
	"github.com/uhyunpark/hyperescrow/pkg/events"
	"github.com/uhyunpark/hyperescrow/pkg/storage"
)

func TestCancelReleasesReservation(t *testing.T) {
	h := newHarness(t, market.DefaultParams())
	h.fund(t, alice, 10, 100)
	h.place(t, alice, false, 5, 10, cid(1))
	h.place(t, alice, true, 4, 20, cid(2))

	require.NoError(t, h.app.CancelOrder(h.ctx, mkt, alice, 1))
	assert.Equal(t, escrow.Vault{Quote: 80}, h.vault(t, alice))
	assert.Equal(t, uint64(10), h.app.Balance(alice, hypl))

	require.NoError(t, h.app.CancelOrder(h.ctx, mkt, alice, 2))
	assert.Equal(t, escrow.Vault{}, h.vault(t, alice))
	assert.Equal(t, uint64(100), h.app.Balance(alice, usdc))

	cancelled := h.rec.OfType(events.OrderCancelled)
	require.Len(t, cancelled, 2)
	assert.Equal(t, uint64(10), cancelled[0].Size)
	assert.Equal(t, uint64(20), cancelled[1].Size)
}

func TestCancelUnknownClientID(t *testing.T) {
	h := newHarness(t, market.DefaultParams())
	h.fund(t, alice, 10, 0)
	h.place(t, alice, false, 5, 10, cid(1))

	assert.ErrorIs(t, h.app.CancelOrder(h.ctx, mkt, alice, 2), ErrOrderNotFound)
	// client ids are per trader
	assert.ErrorIs(t, h.app.CancelOrder(h.ctx, mkt, bob, 1), ErrOrderNotFound)

	require.NoError(t, h.app.CancelOrder(h.ctx, mkt, alice, 1))
	assert.ErrorIs(t, h.app.CancelOrder(h.ctx, mkt, alice, 1), ErrOrderNotFound)
}

func TestCancelRetainsEscrowWhenReleaseDisabled(t *testing.T) {
	params := market.DefaultParams()
	params.ReleaseOnCancel = false
	h := newHarness(t, params)
	h.fund(t, alice, 10, 0)
	h.place(t, alice, false, 5, 10, cid(1))

	require.NoError(t, h.app.CancelOrder(h.ctx, mkt, alice, 1))
	assert.Equal(t, escrow.Vault{Base: 10}, h.vault(t, alice))
	assert.Zero(t, h.app.Balance(alice, hypl))
}

func TestDecreaseOrder(t *testing.T) {
	h := newHarness(t, market.DefaultParams())
	h.fund(t, alice, 0, 100)
	h.place(t, alice, true, 5, 10, cid(1))

	require.NoError(t, h.app.DecreaseOrder(h.ctx, mkt, alice, 1, 4))
	assert.Equal(t, escrow.Vault{Quote: 30}, h.vault(t, alice))
	assert.Equal(t, uint64(70), h.app.Balance(alice, usdc))

	orders, err := h.app.OpenOrders(mkt, alice)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, uint64(6), orders[0].Size)
	assert.Equal(t, uint64(10), orders[0].OriginalSize)

	dec := h.rec.OfType(events.OrderDecreased)
	require.Len(t, dec, 1)
	assert.Equal(t, uint64(6), dec[0].Size)

	assert.ErrorIs(t, h.app.DecreaseOrder(h.ctx, mkt, alice, 1, 0), ErrInvalidOrderSize)
	assert.ErrorIs(t, h.app.DecreaseOrder(h.ctx, mkt, alice, 1, 6), matching.ErrInvalidResize)
	assert.ErrorIs(t, h.app.DecreaseOrder(h.ctx, mkt, alice, 9, 1), ErrOrderNotFound)
	assert.Equal(t, escrow.Vault{Quote: 30}, h.vault(t, alice))
}

func TestDecreaseKeepsQueuePosition(t *testing.T) {
	h := newHarness(t, market.DefaultParams())
	h.fund(t, alice, 10, 0)
	h.fund(t, bob, 10, 0)
	h.fund(t, carol, 0, 100)

	h.place(t, alice, false, 5, 10, cid(1))
	h.place(t, bob, false, 5, 10, cid(1))
	require.NoError(t, h.app.DecreaseOrder(h.ctx, mkt, alice, 1, 7))

	res := h.place(t, carol, true, 5, 4, nil)
	require.Len(t, res.Fills, 2)
	assert.Equal(t, alice, res.Fills[0].Maker)
	assert.Equal(t, uint64(3), res.Fills[0].Size)
	assert.Equal(t, bob, res.Fills[1].Maker)
	assert.Equal(t, uint64(1), res.Fills[1].Size)
}

func TestReplaceOrder(t *testing.T) {
	h := newHarness(t, market.DefaultParams())
	h.fund(t, alice, 0, 100)
	first := h.place(t, alice, true, 5, 10, cid(1))

	res, err := h.app.ReplaceOrder(h.ctx, mkt, alice, 1, 8, 12, true)
	require.NoError(t, err)
	assert.NotEqual(t, first.OrderID, res.OrderID)
	assert.True(t, res.Resting)

	// old reservation of 50 freed, new one of 96 taken
	assert.Equal(t, escrow.Vault{Quote: 96}, h.vault(t, alice))
	assert.Equal(t, uint64(4), h.app.Balance(alice, usdc))

	orders, err := h.app.OpenOrders(mkt, alice)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, uint64(8), orders[0].Price)
	assert.Equal(t, uint64(1), *orders[0].ClientID)
}

func TestReplaceCanFlipSideAndTrade(t *testing.T) {
	h := newHarness(t, market.DefaultParams())
	h.fund(t, alice, 10, 50)
	h.fund(t, bob, 0, 100)
	h.place(t, alice, true, 5, 10, cid(1))
	h.place(t, bob, true, 6, 5, cid(1))

	res, err := h.app.ReplaceOrder(h.ctx, mkt, alice, 1, 6, 5, false)
	require.NoError(t, err)
	require.Len(t, res.Fills, 1)
	assert.Equal(t, bob, res.Fills[0].Maker)
	assert.Equal(t, uint64(50+30), h.app.Balance(alice, usdc))
	assert.Equal(t, uint64(5), h.app.Balance(alice, hypl))
	assert.Equal(t, escrow.Vault{}, h.vault(t, alice))
}

func TestFailedReplaceRestoresCancelledOrder(t *testing.T) {
	h := newHarness(t, market.DefaultParams())
	h.fund(t, alice, 0, 100)
	h.place(t, alice, true, 5, 10, cid(1))
	before := h.app.StateHash()
	published := len(h.rec.Events())

	_, err := h.app.ReplaceOrder(h.ctx, mkt, alice, 1, 5, 100, true)
	require.ErrorIs(t, err, bank.ErrInsufficientBalance)

	assert.Equal(t, before, h.app.StateHash())
	assert.Equal(t, escrow.Vault{Quote: 50}, h.vault(t, alice))
	orders, err := h.app.OpenOrders(mkt, alice)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, uint64(10), orders[0].Size)
	assert.Len(t, h.rec.Events(), published)

	// still cancellable under the same client id
	require.NoError(t, h.app.CancelOrder(h.ctx, mkt, alice, 1))
}

func TestReplaceWithoutReleaseReservesOnTop(t *testing.T) {
	params := market.DefaultParams()
	params.ReleaseOnCancel = false
	h := newHarness(t, params)
	h.fund(t, alice, 0, 100)
	h.place(t, alice, true, 5, 10, cid(1))

	_, err := h.app.ReplaceOrder(h.ctx, mkt, alice, 1, 5, 6, true)
	require.NoError(t, err)
	assert.Equal(t, escrow.Vault{Quote: 80}, h.vault(t, alice))
	assert.Equal(t, uint64(20), h.app.Balance(alice, usdc))
}

func TestStateSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	store, err := storage.NewPebbleStore(dir)
	require.NoError(t, err)
	app, _ := openApp(t, store)
	h := &harness{app: app, rec: &events.Recorder{}, ctx: testContext(t), market: mkt}

	_, err = app.CreateMarket(h.ctx, market.Spec{Address: mkt, BaseAsset: hypl, QuoteAsset: usdc, Params: market.DefaultParams()})
	require.NoError(t, err)
	h.fund(t, alice, 100, 0)
	h.fund(t, bob, 0, 1000)
	h.place(t, alice, false, 7, 10, cid(1))
	h.place(t, alice, false, 8, 10, cid(2))
	filled := h.place(t, bob, true, 7, 4, nil)
	h.place(t, bob, true, 6, 5, cid(9))
	require.NoError(t, app.DecreaseOrder(h.ctx, mkt, alice, 2, 3))

	hash := app.StateHash()
	ordersBefore, err := app.OpenOrders(mkt, common.Address{})
	require.NoError(t, err)
	require.NoError(t, app.Close())

	store, err = storage.NewPebbleStore(dir)
	require.NoError(t, err)
	reopened, _ := openApp(t, store)
	t.Cleanup(func() { _ = reopened.Close() })
	h.app = reopened

	assert.Equal(t, hash, reopened.StateHash())
	ordersAfter, err := reopened.OpenOrders(mkt, common.Address{})
	require.NoError(t, err)
	assert.Equal(t, ordersBefore, ordersAfter)

	fills, err := reopened.RecentFills(mkt, 10)
	require.NoError(t, err)
	require.Len(t, fills, 1)
	assert.Equal(t, filled.Fills[0].ID, fills[0].ID)

	// ids keep counting past the filled taker order
	res := h.place(t, bob, true, 5, 1, nil)
	assert.Equal(t, filled.OrderID+2, res.OrderID)

	// restored orders trade and cancel as before
	require.NoError(t, reopened.CancelOrder(h.ctx, mkt, alice, 1))
	assert.Equal(t, escrow.Vault{Base: 7}, h.vault(t, alice))
}
