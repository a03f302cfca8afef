package market

import (
	"errors"
	"fmt"
	"math"
)

var ErrPriceOverflow = errors.New("price overflow")

// ComputeNotional returns price*size in quote units, failing instead of
// wrapping when the product does not fit in a uint64.
func ComputeNotional(price, size uint64) (uint64, error) {
	if price == 0 || size == 0 {
		return 0, nil
	}
	maxPrice := math.MaxUint64 / size
	if price > maxPrice {
		return 0, fmt.Errorf("%w: price %d size %d", ErrPriceOverflow, price, size)
	}
	return price * size, nil
}
