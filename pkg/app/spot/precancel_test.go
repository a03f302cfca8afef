package spot

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/hyperescrow/pkg/app/core/escrow"
	"github.com/uhyunpark/hyperescrow/pkg/app/core/market"
	"github.com/uhyunpark/hyperescrow/pkg/events"
	"github.com/uhyunpark/hyperescrow/pkg/storage"
	"github.com/uhyunpark/hyperescrow/pkg/util"
)

func preCancelParams() market.Params {
	p := market.DefaultParams()
	p.PreCancellationWindow = time.Minute
	return p
}

func TestCancelBeforePlaceBlocksClientID(t *testing.T) {
	h := newHarness(t, preCancelParams())
	h.fund(t, alice, 0, 100)

	require.NoError(t, h.app.CancelOrder(h.ctx, mkt, alice, 5))
	assert.Empty(t, h.rec.OfType(events.OrderCancelled))

	_, err := h.app.PlaceOrder(h.ctx, PlaceRequest{Market: mkt, Trader: alice, Price: 5, Size: 10, IsBid: true, ClientID: cid(5)})
	require.ErrorIs(t, err, ErrPreCancelled)
	assert.Equal(t, uint64(100), h.app.Balance(alice, usdc))
	assert.Equal(t, escrow.Vault{}, h.vault(t, alice))

	// Other ids and other traders are unaffected.
	h.place(t, alice, true, 5, 2, cid(6))
	h.fund(t, bob, 0, 100)
	h.place(t, bob, true, 5, 2, cid(5))

	h.app.clock.(*util.ManualClock).Advance(61 * time.Second)
	res := h.place(t, alice, true, 5, 2, cid(5))
	assert.True(t, res.Resting)
}

func TestCancelOfRestingOrderDoesNotBlockClientID(t *testing.T) {
	h := newHarness(t, preCancelParams())
	h.fund(t, alice, 0, 100)
	h.place(t, alice, true, 5, 2, cid(1))

	require.NoError(t, h.app.CancelOrder(h.ctx, mkt, alice, 1))
	require.Len(t, h.rec.OfType(events.OrderCancelled), 1)
	h.place(t, alice, true, 5, 2, cid(1))
}

func TestCancelUnknownWithoutWindow(t *testing.T) {
	h := newHarness(t, market.DefaultParams())
	h.fund(t, alice, 0, 100)

	err := h.app.CancelOrder(h.ctx, mkt, alice, 5)
	require.ErrorIs(t, err, ErrOrderNotFound)
	h.place(t, alice, true, 5, 2, cid(5))
}

func TestReplaceUnknownIsNotAPreCancel(t *testing.T) {
	h := newHarness(t, preCancelParams())
	h.fund(t, alice, 0, 100)

	_, err := h.app.ReplaceOrder(h.ctx, mkt, alice, 5, 5, 2, true)
	require.ErrorIs(t, err, ErrOrderNotFound)
	h.place(t, alice, true, 5, 2, cid(5))
}

func TestPreCancelSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	store, err := storage.NewPebbleStore(dir)
	require.NoError(t, err)
	app, _ := openApp(t, store)
	ctx := testContext(t)

	_, err = app.CreateMarket(ctx, market.Spec{Address: mkt, BaseAsset: hypl, QuoteAsset: usdc, Params: preCancelParams()})
	require.NoError(t, err)
	require.NoError(t, app.Mint(ctx, alice, usdc, 100))
	require.NoError(t, app.CancelOrder(ctx, mkt, alice, 5))
	require.NoError(t, app.Close())

	store, err = storage.NewPebbleStore(dir)
	require.NoError(t, err)
	reopened, _ := openApp(t, store)
	t.Cleanup(func() { _ = reopened.Close() })

	m, err := reopened.Market(mkt)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, m.Params.PreCancellationWindow)

	_, err = reopened.PlaceOrder(ctx, PlaceRequest{Market: mkt, Trader: alice, Price: 5, Size: 2, IsBid: true, ClientID: cid(5)})
	require.ErrorIs(t, err, ErrPreCancelled)
}
