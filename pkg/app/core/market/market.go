package market

import (
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/hyperescrow/pkg/app/core/asset"
	"github.com/uhyunpark/hyperescrow/pkg/app/core/escrow"
	"github.com/uhyunpark/hyperescrow/pkg/app/core/matching"
	"github.com/uhyunpark/hyperescrow/pkg/storage"
)

var (
	ErrConflictingMarket = errors.New("conflicting market")
	ErrMarketNotFound    = errors.New("market not found")
	ErrInvalidMarket     = errors.New("invalid market")
)

// Params are fixed when the market is created.
type Params struct {
	// AllowSelfMatching lets a trader's orders trade against each other.
	AllowSelfMatching bool
	// EmitEvents publishes fill and order events for this market.
	EmitEvents bool
	// ReleaseOnCancel returns the escrow behind cancelled or decreased
	// order size to the trader's external account. When false the funds
	// stay in the vault.
	ReleaseOnCancel bool
	// PreCancellationWindow is how long a cancel for a client id with no
	// resting order blocks a later order under that id. Zero disables it.
	PreCancellationWindow time.Duration
}

func DefaultParams() Params {
	return Params{
		AllowSelfMatching: false,
		EmitEvents:        true,
		ReleaseOnCancel:   true,
	}
}

// Spec is everything needed to create a market.
type Spec struct {
	Address    common.Address
	BaseAsset  asset.ID
	QuoteAsset asset.ID
	Params     Params
}

func (s Spec) Validate() error {
	if s.Address == (common.Address{}) {
		return fmt.Errorf("%w: zero address", ErrInvalidMarket)
	}
	if s.BaseAsset == "" || s.QuoteAsset == "" {
		return fmt.Errorf("%w: base and quote assets are required", ErrInvalidMarket)
	}
	if s.BaseAsset == s.QuoteAsset {
		return fmt.Errorf("%w: base and quote are both %s", ErrInvalidMarket, s.BaseAsset)
	}
	if w := s.Params.PreCancellationWindow; w < 0 || w%time.Millisecond != 0 {
		return fmt.Errorf("%w: pre-cancellation window %s is not a whole number of milliseconds", ErrInvalidMarket, w)
	}
	return nil
}

// Market is a two-asset spot market: its escrow ledger plus a handle to the
// matcher that trades it.
type Market struct {
	Address    common.Address
	BaseAsset  asset.ID
	QuoteAsset asset.ID
	Params     Params
	CreatedAt  time.Time

	Ledger     *escrow.Ledger
	Book       matching.Engine
	PreCancels *PreCancels
}

func (m *Market) Metadata() matching.Metadata {
	return matching.Metadata{Market: m.Address}
}

// Record is the persisted form of the market.
func (m *Market) Record() storage.MarketRecord {
	return storage.MarketRecord{
		Address:           m.Address,
		BaseAsset:         string(m.BaseAsset),
		QuoteAsset:        string(m.QuoteAsset),
		AllowSelfMatching: m.Params.AllowSelfMatching,
		EmitEvents:        m.Params.EmitEvents,
		ReleaseOnCancel:   m.Params.ReleaseOnCancel,
		PreCancelWindowMs: m.Params.PreCancellationWindow.Milliseconds(),
		CreatedAt:         m.CreatedAt.UnixMilli(),
	}
}

// SpecFromRecord rebuilds the creation spec of a persisted market.
func SpecFromRecord(rec storage.MarketRecord) Spec {
	return Spec{
		Address:    rec.Address,
		BaseAsset:  asset.ID(rec.BaseAsset),
		QuoteAsset: asset.ID(rec.QuoteAsset),
		Params: Params{
			AllowSelfMatching:     rec.AllowSelfMatching,
			EmitEvents:            rec.EmitEvents,
			ReleaseOnCancel:       rec.ReleaseOnCancel,
			PreCancellationWindow: time.Duration(rec.PreCancelWindowMs) * time.Millisecond,
		},
	}
}
