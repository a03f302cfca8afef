package storage

import "github.com/ethereum/go-ethereum/common"

// MarketRecord is the persisted part of a market: its identity, its two
// assets and the policy flags it was created with.
type MarketRecord struct {
	Address           common.Address `json:"address"`
	BaseAsset         string         `json:"baseAsset"`
	QuoteAsset        string         `json:"quoteAsset"`
	AllowSelfMatching bool           `json:"allowSelfMatching"`
	EmitEvents        bool           `json:"emitEvents"`
	ReleaseOnCancel   bool           `json:"releaseOnCancel"`
	// PreCancelWindowMs is zero when the market keeps no pre-cancels.
	PreCancelWindowMs int64 `json:"preCancelWindowMs,omitempty"`
	CreatedAt         int64 `json:"createdAt"` // Unix milliseconds
}

type VaultRecord struct {
	Market common.Address
	Trader common.Address
	Base   uint64
	Quote  uint64
}

type BalanceRecord struct {
	Trader common.Address
	Asset  string
	Amount uint64
}

// OrderRecord is a resting order. Size is the unfilled remainder.
type OrderRecord struct {
	Market       common.Address `json:"market"`
	ID           uint64         `json:"id"`
	Trader       common.Address `json:"trader"`
	ClientID     *uint64        `json:"clientId,omitempty"`
	Price        uint64         `json:"price"`
	Size         uint64         `json:"size"`
	OriginalSize uint64         `json:"originalSize"`
	IsBid        bool           `json:"isBid"`
	Metadata     []byte         `json:"metadata"`
}

type FillRecord struct {
	ID           string         `json:"id"`
	Market       common.Address `json:"market"`
	Taker        common.Address `json:"taker"`
	Maker        common.Address `json:"maker"`
	TakerOrderID uint64         `json:"takerOrderId"`
	MakerOrderID uint64         `json:"makerOrderId"`
	TakerIsBuyer bool           `json:"takerIsBuyer"`
	Price        uint64         `json:"price"`
	Size         uint64         `json:"size"`
	Timestamp    int64          `json:"timestamp"` // Unix nanoseconds
}

// PreCancelRecord is a cancel that arrived before its order. Expiry is in
// Unix nanoseconds.
type PreCancelRecord struct {
	Market   common.Address
	Trader   common.Address
	ClientID uint64
	Expiry   int64
}
