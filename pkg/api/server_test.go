package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/uhyunpark/hyperescrow/pkg/app/core/asset"
	"github.com/uhyunpark/hyperescrow/pkg/app/core/market"
	"github.com/uhyunpark/hyperescrow/pkg/app/spot"
	"github.com/uhyunpark/hyperescrow/pkg/crypto"
	"github.com/uhyunpark/hyperescrow/pkg/storage"
)

const (
	hypl asset.ID = "HYPL"
	usdc asset.ID = "USDC"
)

var mkt = common.HexToAddress("0x00000000000000000000000000000000000000aa")

type testEnv struct {
	app    *spot.App
	server *Server
	http   *httptest.Server
	nonce  uint64
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	store, err := storage.NewInMemoryStore()
	require.NoError(t, err)
	reg := prometheus.NewRegistry()
	app, err := spot.NewApp(spot.Config{Store: store, Logger: zaptest.NewLogger(t), Registerer: reg})
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })

	_, err = app.CreateMarket(context.Background(), market.Spec{
		Address: mkt, BaseAsset: hypl, QuoteAsset: usdc, Params: market.DefaultParams(),
	})
	require.NoError(t, err)

	s := NewServer(app, cfg, reg, zaptest.NewLogger(t))
	app.Subscribe(s.Hub())

	ctx, cancel := context.WithCancel(context.Background())
	go s.Hub().Run(ctx)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		cancel()
	})
	return &testEnv{app: app, server: s, http: ts}
}

func newTrader(t *testing.T) *crypto.Signer {
	t.Helper()
	s, err := crypto.GenerateKey()
	require.NoError(t, err)
	return s
}

func (e *testEnv) fund(t *testing.T, trader common.Address, base, quote uint64) {
	t.Helper()
	require.NoError(t, e.app.Mint(context.Background(), trader, hypl, base))
	require.NoError(t, e.app.Mint(context.Background(), trader, usdc, quote))
}

// envelope signs payload with signer. A nil signer leaves it unsigned.
func envelope(t *testing.T, signer *crypto.Signer, payload interface{}) []byte {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	req := SignedRequest{Payload: raw}
	if signer != nil {
		req.Signature, err = signer.SignPayload(raw)
		require.NoError(t, err)
	}
	body, err := json.Marshal(req)
	require.NoError(t, err)
	return body
}

// auth scopes a payload to the test market, or to no market for mint.
func (e *testEnv) auth(signer *crypto.Signer, action string) Auth {
	if action == ActionMint {
		return e.scoped(signer, action, common.Address{})
	}
	return e.scoped(signer, action, mkt)
}

func (e *testEnv) scoped(signer *crypto.Signer, action string, marketAddr common.Address) Auth {
	e.nonce++
	a := Auth{Trader: signer.Address().Hex(), Nonce: e.nonce, Action: action}
	if marketAddr != (common.Address{}) {
		a.Market = marketAddr.Hex()
	}
	return a
}

func (e *testEnv) post(t *testing.T, path string, body []byte) *http.Response {
	t.Helper()
	resp, err := http.Post(e.http.URL+path, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (e *testEnv) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(e.http.URL + path)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, dst interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(dst))
}

func ordersPath() string { return "/api/v1/markets/" + mkt.Hex() + "/orders" }

func (e *testEnv) placeBody(t *testing.T, signer *crypto.Signer, side string, price, size uint64, clientID *uint64) []byte {
	return envelope(t, signer, PlaceOrderRequest{
		Auth: e.auth(signer, ActionPlace), Price: price, Size: size, Side: side, ClientID: clientID,
	})
}

func signedConfig() Config {
	return Config{RequireSignatures: true, AllowedOrigins: []string{"*"}}
}

func TestHealthAndMarkets(t *testing.T) {
	env := newTestEnv(t, signedConfig())

	resp := env.get(t, "/health")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status StatusResponse
	decode(t, resp, &status)
	assert.Equal(t, "ok", status.Status)

	var markets []MarketInfo
	decode(t, env.get(t, "/api/v1/markets"), &markets)
	require.Len(t, markets, 1)
	assert.Equal(t, mkt.Hex(), markets[0].Address)
	assert.Equal(t, "HYPL", markets[0].BaseAsset)
	assert.True(t, markets[0].ReleaseOnCancel)

	resp = env.get(t, "/api/v1/markets/0x00000000000000000000000000000000000000bb")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = env.get(t, "/api/v1/markets/not-an-address")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPlaceOrderReservesEscrow(t *testing.T) {
	env := newTestEnv(t, signedConfig())
	alice := newTrader(t)
	env.fund(t, alice.Address(), 0, 1000)

	resp := env.post(t, ordersPath(), env.placeBody(t, alice, "buy", 10, 5, nil))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var placed PlaceOrderResponse
	decode(t, resp, &placed)
	assert.True(t, placed.Resting)
	assert.Equal(t, uint64(5), placed.Remaining)

	var vault VaultInfo
	decode(t, env.get(t, "/api/v1/markets/"+mkt.Hex()+"/vaults/"+alice.Address().Hex()), &vault)
	assert.Equal(t, uint64(50), vault.Quote)

	var bal BalanceInfo
	decode(t, env.get(t, "/api/v1/accounts/"+alice.Address().Hex()+"/balances/USDC"), &bal)
	assert.Equal(t, uint64(950), bal.Amount)
	assert.True(t, bal.Registered)

	var orders []OrderInfo
	decode(t, env.get(t, ordersPath()+"?trader="+alice.Address().Hex()), &orders)
	require.Len(t, orders, 1)
	assert.Equal(t, "buy", orders[0].Side)

	var book OrderbookSnapshot
	decode(t, env.get(t, "/api/v1/markets/"+mkt.Hex()+"/orderbook"), &book)
	require.Len(t, book.Bids, 1)
	assert.Equal(t, PriceLevel{Price: 10, Size: 5, Count: 1}, book.Bids[0])
	assert.Empty(t, book.Asks)
}

func TestSignatureChecks(t *testing.T) {
	env := newTestEnv(t, signedConfig())
	alice, mallory := newTrader(t), newTrader(t)
	env.fund(t, alice.Address(), 0, 1000)

	// signed by someone else
	body := envelope(t, mallory, PlaceOrderRequest{Auth: env.auth(alice, ActionPlace), Price: 1, Size: 1, Side: "buy"})
	resp := env.post(t, ordersPath(), body)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = env.post(t, ordersPath(), envelope(t, nil, PlaceOrderRequest{Auth: env.auth(alice, ActionPlace), Price: 1, Size: 1, Side: "buy"}))
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	body = env.placeBody(t, alice, "buy", 1, 1, nil)
	resp = env.post(t, ordersPath(), body)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// replay
	resp = env.post(t, ordersPath(), body)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	var apiErr ErrorResponse
	decode(t, resp, &apiErr)
	assert.Equal(t, "stale nonce", apiErr.Error)

	v, err := env.app.Vault(mkt, alice.Address())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v.Quote)
}

func TestSignedPayloadIsBoundToRoute(t *testing.T) {
	env := newTestEnv(t, signedConfig())
	alice := newTrader(t)
	env.fund(t, alice.Address(), 100, 0)
	other := common.HexToAddress("0x00000000000000000000000000000000000000bb")
	_, err := env.app.CreateMarket(testContext(t), market.Spec{
		Address: other, BaseAsset: hypl, QuoteAsset: usdc, Params: market.DefaultParams(),
	})
	require.NoError(t, err)
	one := uint64(1)

	require.Equal(t, http.StatusOK, env.post(t, ordersPath(), env.placeBody(t, alice, "sell", 10, 8, &one)).StatusCode)

	// A place payload with the same fields as a replace is refused there.
	replay := envelope(t, alice, PlaceOrderRequest{Auth: env.auth(alice, ActionPlace), Price: 12, Size: 6, Side: "sell", ClientID: &one})
	resp := env.post(t, ordersPath()+"/replace", replay)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	var apiErr ErrorResponse
	decode(t, resp, &apiErr)
	assert.Equal(t, "wrong scope", apiErr.Error)

	// Nor does a payload signed for one market work on another.
	resp = env.post(t, "/api/v1/markets/"+other.Hex()+"/orders", env.placeBody(t, alice, "sell", 10, 8, &one))
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	orders, err := env.app.OpenOrders(other, alice.Address())
	require.NoError(t, err)
	assert.Empty(t, orders)

	// Account actions carry no market.
	cfg := signedConfig()
	cfg.Faucet = true
	env = newTestEnv(t, cfg)
	mintPath := "/api/v1/accounts/" + alice.Address().Hex() + "/mint"
	resp = env.post(t, mintPath, envelope(t, alice, MintRequest{Auth: env.scoped(alice, ActionMint, mkt), Asset: "USDC", Amount: 5}))
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestPreCancelledIsConflict(t *testing.T) {
	status, kind := statusFor(fmt.Errorf("place: %w", spot.ErrPreCancelled))
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "client id pre-cancelled", kind)
}

func TestUnsignedMode(t *testing.T) {
	env := newTestEnv(t, Config{AllowedOrigins: []string{"*"}})
	trader := common.HexToAddress("0x0000000000000000000000000000000000000001")
	env.fund(t, trader, 10, 0)

	body := envelope(t, nil, PlaceOrderRequest{Auth: Auth{Trader: trader.Hex()}, Price: 3, Size: 4, Side: "sell"})
	resp := env.post(t, ordersPath(), body)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	v, err := env.app.Vault(mkt, trader)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), v.Base)
}

func TestErrorStatuses(t *testing.T) {
	env := newTestEnv(t, signedConfig())
	otherMarket := common.HexToAddress("0x00000000000000000000000000000000000000bb")
	alice := newTrader(t)
	env.fund(t, alice.Address(), 0, 10)

	tests := []struct {
		name   string
		path   string
		body   func() []byte
		status int
	}{
		{
			name:   "insufficient balance",
			path:   ordersPath(),
			body:   func() []byte { return env.placeBody(t, alice, "buy", 10, 5, nil) },
			status: http.StatusUnprocessableEntity,
		},
		{
			name:   "zero size",
			path:   ordersPath(),
			body:   func() []byte { return env.placeBody(t, alice, "buy", 10, 0, nil) },
			status: http.StatusBadRequest,
		},
		{
			name:   "bad side",
			path:   ordersPath(),
			body:   func() []byte { return env.placeBody(t, alice, "hold", 1, 1, nil) },
			status: http.StatusBadRequest,
		},
		{
			name: "unknown market",
			path: "/api/v1/markets/" + otherMarket.Hex() + "/orders",
			body: func() []byte {
				return envelope(t, alice, PlaceOrderRequest{
					Auth: env.scoped(alice, ActionPlace, otherMarket), Price: 1, Size: 1, Side: "buy",
				})
			},
			status: http.StatusNotFound,
		},
		{
			name: "cancel unknown order",
			path: ordersPath() + "/cancel",
			body: func() []byte {
				return envelope(t, alice, CancelOrderRequest{Auth: env.auth(alice, ActionCancel), ClientID: 42})
			},
			status: http.StatusNotFound,
		},
		{
			name:   "malformed envelope",
			path:   ordersPath(),
			body:   func() []byte { return []byte("{") },
			status: http.StatusBadRequest,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.post(t, tt.path, tt.body())
			assert.Equal(t, tt.status, resp.StatusCode)
			var apiErr ErrorResponse
			decode(t, resp, &apiErr)
			assert.NotEmpty(t, apiErr.Message)
		})
	}
}

func TestOrderLifecycleOverHTTP(t *testing.T) {
	env := newTestEnv(t, signedConfig())
	alice, bob := newTrader(t), newTrader(t)
	env.fund(t, alice.Address(), 100, 0)
	env.fund(t, bob.Address(), 0, 1000)
	one := uint64(1)

	resp := env.post(t, ordersPath(), env.placeBody(t, alice, "sell", 10, 8, &one))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.post(t, ordersPath()+"/decrease", envelope(t, alice, DecreaseOrderRequest{
		Auth: env.auth(alice, ActionDecrease), ClientID: 1, Delta: 3,
	}))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	v, err := env.app.Vault(mkt, alice.Address())
	require.NoError(t, err)
	assert.Equal(t, uint64(5), v.Base)

	resp = env.post(t, ordersPath()+"/replace", envelope(t, alice, ReplaceOrderRequest{
		Auth: env.auth(alice, ActionReplace), ClientID: 1, Price: 12, Size: 6, Side: "sell",
	}))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	v, err = env.app.Vault(mkt, alice.Address())
	require.NoError(t, err)
	assert.Equal(t, uint64(6), v.Base)

	resp = env.post(t, ordersPath(), env.placeBody(t, bob, "buy", 12, 2, nil))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var placed PlaceOrderResponse
	decode(t, resp, &placed)
	assert.Equal(t, uint64(2), placed.Filled)
	require.Len(t, placed.Fills, 1)
	assert.Equal(t, "buy", placed.Fills[0].Side)

	var fills []FillInfo
	decode(t, env.get(t, "/api/v1/markets/"+mkt.Hex()+"/fills?limit=10"), &fills)
	require.Len(t, fills, 1)
	assert.Equal(t, alice.Address().Hex(), fills[0].Maker)

	resp = env.post(t, ordersPath()+"/cancel", envelope(t, alice, CancelOrderRequest{Auth: env.auth(alice, ActionCancel), ClientID: 1}))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	v, err = env.app.Vault(mkt, alice.Address())
	require.NoError(t, err)
	assert.Zero(t, v.Base)
	assert.Equal(t, uint64(100-2), env.app.Balance(alice.Address(), hypl))
	assert.Equal(t, uint64(24), env.app.Balance(alice.Address(), usdc))

	resp = env.get(t, "/api/v1/markets/"+mkt.Hex()+"/fills?limit=0")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRegisterTrader(t *testing.T) {
	env := newTestEnv(t, signedConfig())
	alice := newTrader(t)

	resp := env.post(t, "/api/v1/markets/"+mkt.Hex()+"/traders", envelope(t, alice, RegisterTraderRequest{Auth: env.auth(alice, ActionRegister)}))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, env.app.IsRegistered(alice.Address(), hypl))
	assert.True(t, env.app.IsRegistered(alice.Address(), usdc))
}

func TestFaucet(t *testing.T) {
	alice := newTrader(t)
	mintPath := "/api/v1/accounts/" + alice.Address().Hex() + "/mint"

	env := newTestEnv(t, signedConfig())
	resp := env.post(t, mintPath, envelope(t, alice, MintRequest{Auth: env.auth(alice, ActionMint), Asset: "USDC", Amount: 5}))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	cfg := signedConfig()
	cfg.Faucet = true
	env = newTestEnv(t, cfg)
	resp = env.post(t, mintPath, envelope(t, alice, MintRequest{Auth: env.auth(alice, ActionMint), Asset: "USDC", Amount: 5}))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var bal BalanceInfo
	decode(t, resp, &bal)
	assert.Equal(t, uint64(5), bal.Amount)

	bob := newTrader(t)
	resp = env.post(t, mintPath, envelope(t, bob, MintRequest{Auth: env.auth(bob, ActionMint), Asset: "USDC", Amount: 5}))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStateAndMetrics(t *testing.T) {
	env := newTestEnv(t, signedConfig())

	var before StateInfo
	decode(t, env.get(t, "/api/v1/state"), &before)
	assert.Equal(t, 1, before.Markets)
	assert.Equal(t, env.app.StateHash().Hex(), before.Hash)

	env.fund(t, common.HexToAddress("0x01"), 1, 1)
	var after StateInfo
	decode(t, env.get(t, "/api/v1/state"), &after)
	assert.NotEqual(t, before.Hash, after.Hash)

	resp := env.get(t, "/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "escrow_requests_total")
}

func TestWebSocketStreamsFills(t *testing.T) {
	env := newTestEnv(t, signedConfig())
	alice, bob := newTrader(t), newTrader(t)
	env.fund(t, alice.Address(), 10, 0)
	env.fund(t, bob.Address(), 0, 100)

	url := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	channel := "fills:" + mkt.Hex()
	require.NoError(t, conn.WriteJSON(WSSubscribeRequest{Op: "subscribe", Channels: []string{channel}}))
	require.Eventually(t, func() bool { return env.server.Hub().Subscribers(channel) == 1 },
		2*time.Second, 10*time.Millisecond)

	resp := env.post(t, ordersPath(), env.placeBody(t, alice, "sell", 7, 3, nil))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = env.post(t, ordersPath(), env.placeBody(t, bob, "buy", 7, 3, nil))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg struct {
		Type    string `json:"type"`
		Channel string `json:"channel"`
		Data    struct {
			Trader common.Address `json:"trader"`
			Maker  common.Address `json:"maker"`
			Price  uint64         `json:"price"`
			Size   uint64         `json:"size"`
		} `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "fill", msg.Type)
	assert.Equal(t, channel, msg.Channel)
	assert.Equal(t, bob.Address(), msg.Data.Trader)
	assert.Equal(t, alice.Address(), msg.Data.Maker)
	assert.Equal(t, uint64(7), msg.Data.Price)
	assert.Equal(t, uint64(3), msg.Data.Size)
}

// testContext stands in for testing.T.Context (Go 1.24+): it is cancelled when the test finishes.
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}
