package api

import (
	"encoding/json"

	"github.com/uhyunpark/hyperescrow/pkg/app/core/market"
	"github.com/uhyunpark/hyperescrow/pkg/app/core/matching"
	"github.com/uhyunpark/hyperescrow/pkg/app/spot"
	"github.com/uhyunpark/hyperescrow/pkg/storage"
)

// ==============================
// REST Response Types
// ==============================

type MarketInfo struct {
	Address           string `json:"address"`
	BaseAsset         string `json:"baseAsset"`
	QuoteAsset        string `json:"quoteAsset"`
	AllowSelfMatching bool   `json:"allowSelfMatching"`
	EmitEvents        bool   `json:"emitEvents"`
	ReleaseOnCancel   bool   `json:"releaseOnCancel"`
	PreCancelWindowMs int64  `json:"preCancelWindowMs"`
	CreatedAt         int64  `json:"createdAt"` // Unix milliseconds
}

func marketInfo(m *market.Market) MarketInfo {
	return MarketInfo{
		Address:           m.Address.Hex(),
		BaseAsset:         string(m.BaseAsset),
		QuoteAsset:        string(m.QuoteAsset),
		AllowSelfMatching: m.Params.AllowSelfMatching,
		EmitEvents:        m.Params.EmitEvents,
		ReleaseOnCancel:   m.Params.ReleaseOnCancel,
		PreCancelWindowMs: m.Params.PreCancellationWindow.Milliseconds(),
		CreatedAt:         m.CreatedAt.UnixMilli(),
	}
}

type PriceLevel struct {
	Price uint64 `json:"price"`
	Size  uint64 `json:"size"`
	Count int    `json:"count"`
}

func priceLevels(levels []matching.PriceLevel) []PriceLevel {
	out := make([]PriceLevel, len(levels))
	for i, l := range levels {
		out[i] = PriceLevel{Price: l.Price, Size: l.Size, Count: l.Count}
	}
	return out
}

type OrderbookSnapshot struct {
	Market    string       `json:"market"`
	Bids      []PriceLevel `json:"bids"` // high to low
	Asks      []PriceLevel `json:"asks"` // low to high
	LastPrice uint64       `json:"lastPrice"`
	Timestamp int64        `json:"timestamp"`
}

type OrderInfo struct {
	ID           uint64  `json:"id"`
	Trader       string  `json:"trader"`
	ClientID     *uint64 `json:"clientId,omitempty"`
	Price        uint64  `json:"price"`
	Size         uint64  `json:"size"` // unfilled remainder
	OriginalSize uint64  `json:"originalSize"`
	Side         string  `json:"side"` // "buy" or "sell"
}

func orderInfo(o matching.OrderInfo) OrderInfo {
	return OrderInfo{
		ID:           o.ID,
		Trader:       o.Trader.Hex(),
		ClientID:     o.ClientID,
		Price:        o.Price,
		Size:         o.Size,
		OriginalSize: o.OriginalSize,
		Side:         side(o.IsBid),
	}
}

type FillInfo struct {
	ID           string `json:"id"`
	Taker        string `json:"taker"`
	Maker        string `json:"maker"`
	TakerOrderID uint64 `json:"takerOrderId"`
	MakerOrderID uint64 `json:"makerOrderId"`
	Side         string `json:"side"` // taker side
	Price        uint64 `json:"price"`
	Size         uint64 `json:"size"`
	Timestamp    int64  `json:"timestamp"` // Unix milliseconds
}

func fillInfos(fills []storage.FillRecord) []FillInfo {
	out := make([]FillInfo, len(fills))
	for i, f := range fills {
		out[i] = FillInfo{
			ID:           f.ID,
			Taker:        f.Taker.Hex(),
			Maker:        f.Maker.Hex(),
			TakerOrderID: f.TakerOrderID,
			MakerOrderID: f.MakerOrderID,
			Side:         side(f.TakerIsBuyer),
			Price:        f.Price,
			Size:         f.Size,
			Timestamp:    f.Timestamp / 1e6,
		}
	}
	return out
}

func side(isBid bool) string {
	if isBid {
		return "buy"
	}
	return "sell"
}

type VaultInfo struct {
	Market string `json:"market"`
	Trader string `json:"trader"`
	Base   uint64 `json:"base"`
	Quote  uint64 `json:"quote"`
}

type BalanceInfo struct {
	Trader     string `json:"trader"`
	Asset      string `json:"asset"`
	Amount     uint64 `json:"amount"`
	Registered bool   `json:"registered"`
}

type StateInfo struct {
	Hash    string `json:"hash"`
	Markets int    `json:"markets"`
}

type PlaceOrderResponse struct {
	OrderID   uint64     `json:"orderId"`
	Filled    uint64     `json:"filled"`
	Remaining uint64     `json:"remaining"`
	Resting   bool       `json:"resting"`
	Fills     []FillInfo `json:"fills"`
}

func placeOrderResponse(res spot.PlaceResult) PlaceOrderResponse {
	return PlaceOrderResponse{
		OrderID:   res.OrderID,
		Filled:    res.Filled,
		Remaining: res.Remaining,
		Resting:   res.Resting,
		Fills:     fillInfos(res.Fills),
	}
}

type StatusResponse struct {
	Status string `json:"status"`
}

// ErrorResponse is returned for all errors
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// ==============================
// REST Request Types
// ==============================

// SignedRequest wraps every mutating request. Signature is over
// keccak256 of the exact payload bytes.
type SignedRequest struct {
	Payload   json.RawMessage `json:"payload"`
	Signature string          `json:"signature"`
}

// Actions a signed payload can authorize.
const (
	ActionRegister = "register"
	ActionPlace    = "place"
	ActionCancel   = "cancel"
	ActionDecrease = "decrease"
	ActionReplace  = "replace"
	ActionMint     = "mint"
)

// Auth is embedded in every payload. Nonces must increase per trader. A
// signed payload names the action and market it was signed for; Market is
// empty for account actions.
type Auth struct {
	Trader string `json:"trader"`
	Nonce  uint64 `json:"nonce"`
	Action string `json:"action"`
	Market string `json:"market,omitempty"`
}

type PlaceOrderRequest struct {
	Auth
	Price    uint64  `json:"price"`
	Size     uint64  `json:"size"`
	Side     string  `json:"side"`
	ClientID *uint64 `json:"clientId,omitempty"`
}

type CancelOrderRequest struct {
	Auth
	ClientID uint64 `json:"clientId"`
}

type DecreaseOrderRequest struct {
	Auth
	ClientID uint64 `json:"clientId"`
	Delta    uint64 `json:"delta"`
}

type ReplaceOrderRequest struct {
	Auth
	ClientID uint64 `json:"clientId"`
	Price    uint64 `json:"price"`
	Size     uint64 `json:"size"`
	Side     string `json:"side"`
}

type RegisterTraderRequest struct {
	Auth
}

// ==============================
// WebSocket Message Types
// ==============================

type WSMessage struct {
	Type    string      `json:"type"`
	Channel string      `json:"channel"`
	Data    interface{} `json:"data"`
}

// WSSubscribeRequest is sent by client to subscribe to channels
type WSSubscribeRequest struct {
	Op       string   `json:"op"`       // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"` // e.g. ["fills:0x...", "orders:0x..."]
}

type MintRequest struct {
	Auth
	Asset  string `json:"asset"`
	Amount uint64 `json:"amount"`
}
