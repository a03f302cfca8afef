package storage

import (
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
)

// Pebble key schema
//
//   mkt:{market}                          → MarketRecord (JSON)
//   vault:{market}:{trader}               → base || quote (16 bytes, big-endian)
//   bal:{trader}:{asset}                  → amount (8 bytes, big-endian)
//   supply:{asset}                        → total minted (8 bytes)
//   ord:{market}:{orderID %020d}          → OrderRecord (JSON)
//   seq:{market}                          → next order id (8 bytes)
//   fill:{market}:{unix nanos %020d}:{id} → FillRecord (JSON)
//   pre:{market}:{trader}:{clientID %020d} → expiry, unix nanos (8 bytes)
//
// Addresses are rendered with Hex() so every key of a given prefix has the
// same length and prefix scans come back in address order.

const (
	prefixMarket  = "mkt:"
	prefixVault   = "vault:"
	prefixBalance = "bal:"
	prefixSupply  = "supply:"
	prefixOrder   = "ord:"
	prefixSeq     = "seq:"
	prefixFill    = "fill:"
	prefixPre     = "pre:"
)

func marketKey(market common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s", prefixMarket, market.Hex()))
}

func vaultKey(market, trader common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixVault, market.Hex(), trader.Hex()))
}

func vaultPrefix(market common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixVault, market.Hex()))
}

func balanceKey(trader common.Address, asset string) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixBalance, trader.Hex(), asset))
}

func supplyKey(asset string) []byte {
	return []byte(prefixSupply + asset)
}

// orderKey zero-pads the id so iteration order equals id order (time priority).
func orderKey(market common.Address, orderID uint64) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d", prefixOrder, market.Hex(), orderID))
}

func orderPrefix(market common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixOrder, market.Hex()))
}

func seqKey(market common.Address) []byte {
	return []byte(prefixSeq + market.Hex())
}

func fillKey(market common.Address, timestamp int64, fillID string) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d:%s", prefixFill, market.Hex(), timestamp, fillID))
}

func fillPrefix(market common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixFill, market.Hex()))
}

// keyUpperBound returns the exclusive upper bound for a prefix scan.
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}

// traderFromVaultKey extracts the trader address from a vault key.
func traderFromVaultKey(key []byte, market common.Address) (common.Address, error) {
	prefix := vaultPrefix(market)
	if len(key) != len(prefix)+42 { // "0x" + 40 hex chars
		return common.Address{}, fmt.Errorf("invalid vault key length: %d", len(key))
	}
	addrHex := string(key[len(prefix):])
	if !common.IsHexAddress(addrHex) {
		return common.Address{}, fmt.Errorf("invalid address in vault key: %s", addrHex)
	}
	return common.HexToAddress(addrHex), nil
}

// balanceKeyParts splits "bal:{trader}:{asset}".
func balanceKeyParts(key []byte) (common.Address, string, error) {
	rest := key[len(prefixBalance):]
	if len(rest) < 43 || rest[42] != ':' {
		return common.Address{}, "", fmt.Errorf("invalid balance key: %s", key)
	}
	addrHex := string(rest[:42])
	if !common.IsHexAddress(addrHex) {
		return common.Address{}, "", fmt.Errorf("invalid address in balance key: %s", addrHex)
	}
	return common.HexToAddress(addrHex), string(rest[43:]), nil
}

func preCancelKey(market, trader common.Address, clientID uint64) []byte {
	return []byte(fmt.Sprintf("%s%s:%s:%020d", prefixPre, market.Hex(), trader.Hex(), clientID))
}

func preCancelPrefix(market common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixPre, market.Hex()))
}

// preCancelKeyParts splits the "{trader}:{clientID}" tail of a pre-cancel key.
func preCancelKeyParts(key []byte, market common.Address) (common.Address, uint64, error) {
	rest := key[len(preCancelPrefix(market)):]
	if len(rest) != 42+1+20 || rest[42] != ':' {
		return common.Address{}, 0, fmt.Errorf("invalid pre-cancel key: %s", key)
	}
	addrHex := string(rest[:42])
	if !common.IsHexAddress(addrHex) {
		return common.Address{}, 0, fmt.Errorf("invalid address in pre-cancel key: %s", addrHex)
	}
	clientID, err := strconv.ParseUint(string(rest[43:]), 10, 64)
	if err != nil {
		return common.Address{}, 0, fmt.Errorf("invalid client id in pre-cancel key %s: %w", key, err)
	}
	return common.HexToAddress(addrHex), clientID, nil
}
