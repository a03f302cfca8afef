package escrow

import "fmt"

// Kind selects one of the two assets a market trades.
type Kind uint8

const (
	Base Kind = iota
	Quote
)

func (k Kind) String() string {
	switch k {
	case Base:
		return "base"
	case Quote:
		return "quote"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Vault holds a trader's escrowed funds in one market.
type Vault struct {
	Base  uint64 `json:"base"`
	Quote uint64 `json:"quote"`
}

func (v *Vault) balance(k Kind) *uint64 {
	if k == Base {
		return &v.Base
	}
	return &v.Quote
}

// Get returns the balance of one side of the vault.
func (v Vault) Get(k Kind) uint64 {
	return *v.balance(k)
}
