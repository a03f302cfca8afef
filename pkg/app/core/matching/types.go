// Package matching defines the contract between an order matcher and the
// settlement layer: what the matcher accepts, what it reports, and the
// callbacks it invokes while matching.
package matching

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrOrderRejected     = errors.New("order rejected")
	ErrDuplicateClientID = errors.New("duplicate client order id")
	ErrOrderNotFound     = errors.New("order not found")
	ErrInvalidResize     = errors.New("invalid resize")
)

type TimeInForce uint8

const (
	GoodTillCancelled TimeInForce = iota
	ImmediateOrCancel
	PostOnly
)

func (t TimeInForce) String() string {
	switch t {
	case GoodTillCancelled:
		return "GTC"
	case ImmediateOrCancel:
		return "IOC"
	case PostOnly:
		return "ALO"
	default:
		return fmt.Sprintf("tif(%d)", uint8(t))
	}
}

// Metadata is attached to every order at submission and handed back on
// every callback, so settlement can find the market's ledger from nothing
// more than the order.
type Metadata struct {
	Market common.Address
}

func (m Metadata) Bytes() []byte {
	return m.Market.Bytes()
}

// DecodeMetadata is the inverse of Metadata.Bytes.
func DecodeMetadata(b []byte) (Metadata, error) {
	if len(b) != common.AddressLength {
		return Metadata{}, fmt.Errorf("invalid metadata length: %d", len(b))
	}
	return Metadata{Market: common.BytesToAddress(b)}, nil
}

// Order is a submission to the matcher.
type Order struct {
	Trader      common.Address
	Price       uint64
	Size        uint64
	IsBid       bool
	TimeInForce TimeInForce
	ClientID    *uint64
	Metadata    Metadata
}

// OrderInfo describes an order the matcher owns. Size is the unfilled
// remainder at the time of the callback or query.
type OrderInfo struct {
	ID           uint64
	Trader       common.Address
	ClientID     *uint64
	Price        uint64
	Size         uint64
	OriginalSize uint64
	IsBid        bool
	Metadata     Metadata
}

// Fill is one match between an incoming taker and a resting maker. Price is
// the maker's price; Size is the matched quantity of this fill only.
type Fill struct {
	Taker        common.Address
	Maker        common.Address
	TakerOrderID uint64
	MakerOrderID uint64
	TakerIsBuyer bool
	Price        uint64
	Size         uint64
	TakerMeta    Metadata
	MakerMeta    Metadata
}

// FillResult reports how much of a fill settlement accepted.
type FillResult struct {
	Settled uint64
}

type CleanupReason uint8

const (
	// CleanupCancelled: the owner cancelled the order.
	CleanupCancelled CleanupReason = iota
	// CleanupSelfMatch: a resting order was removed instead of trading
	// against an incoming order from the same trader.
	CleanupSelfMatch
	// CleanupUnfilled: the unfilled remainder of an immediate-or-cancel order.
	CleanupUnfilled
)

func (r CleanupReason) String() string {
	switch r {
	case CleanupCancelled:
		return "cancelled"
	case CleanupSelfMatch:
		return "self_match"
	case CleanupUnfilled:
		return "unfilled"
	default:
		return fmt.Sprintf("reason(%d)", uint8(r))
	}
}

// Callbacks are registered once per market when the matcher is created.
// Any error aborts the operation that triggered it and the matcher leaves
// its book untouched.
type Callbacks interface {
	// Settle moves the funds of one fill. It is called synchronously from
	// Submit, possibly several times, before Submit returns.
	Settle(ctx context.Context, f Fill) (FillResult, error)
	ValidateOrder(ctx context.Context, o Order) error
	OnMakerPlaced(ctx context.Context, o OrderInfo) error
	OnCleanup(ctx context.Context, o OrderInfo, reason CleanupReason) error
	// OnResize runs before a resting order shrinks by delta.
	OnResize(ctx context.Context, o OrderInfo, delta uint64) error
	MetadataBytes(m Metadata) []byte
}

// SubmitResult summarises what happened to a submitted order.
type SubmitResult struct {
	OrderID   uint64
	Filled    uint64
	Remaining uint64
	Resting   bool
	Fills     []Fill
}

// PriceLevel aggregates resting size at one price.
type PriceLevel struct {
	Price uint64
	Size  uint64
	Count int
}

// Engine is the matcher as seen by the order lifecycle: submission,
// cancellation and resizing keyed by exchange id or client id.
type Engine interface {
	Submit(ctx context.Context, o Order) (SubmitResult, error)
	Cancel(ctx context.Context, orderID uint64) error
	CancelByClientID(ctx context.Context, trader common.Address, clientID uint64) error
	Resize(ctx context.Context, orderID uint64, delta uint64) error
	LookupOrderID(trader common.Address, clientID uint64) (uint64, bool)
	Order(orderID uint64) (OrderInfo, bool)
	Orders() []OrderInfo
	Depth() (bids, asks []PriceLevel)
}
