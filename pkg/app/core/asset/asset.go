package asset

import "fmt"

// ID names a fungible asset type, e.g. "HYPL" or "USDC".
type ID string

func (id ID) String() string { return string(id) }

// Units is an amount of a single asset in transit between holders.
// Whoever holds a Units value owns those funds until it is deposited
// somewhere, so withdraw/deposit pairs conserve supply by construction.
type Units struct {
	Asset  ID
	Amount uint64
}

// Zero returns an empty amount of the given asset.
func Zero(id ID) Units {
	return Units{Asset: id}
}

func (u Units) IsZero() bool { return u.Amount == 0 }

func (u Units) String() string {
	return fmt.Sprintf("%d %s", u.Amount, u.Asset)
}
