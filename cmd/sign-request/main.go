package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/hyperescrow/pkg/api"
	"github.com/uhyunpark/hyperescrow/pkg/crypto"
)

func main() {
	key := flag.String("key", "", "hex private key (generated when empty)")
	side := flag.String("side", "buy", "buy or sell")
	price := flag.Uint64("price", 1000, "limit price in quote units per base unit")
	size := flag.Uint64("size", 10, "size in base units")
	clientID := flag.Uint64("client-id", 0, "client order id (0 for none)")
	nonce := flag.Uint64("nonce", uint64(time.Now().UnixMilli()), "request nonce")
	marketAddr := flag.String("market", "0x0000000000000000000000000000000000001001", "market the order is signed for")
	flag.Parse()

	if !common.IsHexAddress(*marketAddr) {
		fmt.Fprintf(os.Stderr, "Error: invalid market %q\n", *marketAddr)
		os.Exit(1)
	}

	// Step 1: Generate or load key
	var (
		signer *crypto.Signer
		err    error
	)
	if *key == "" {
		fmt.Fprintln(os.Stderr, "Generating new keypair...")
		signer, err = crypto.GenerateKey()
	} else {
		signer, err = crypto.FromPrivateKeyHex(*key)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "Address: %s\n", signer.Address().Hex())
	if *key == "" {
		fmt.Fprintf(os.Stderr, "Private Key: %s (KEEP SECRET!)\n", signer.PrivateKeyHex())
	}

	// Step 2: Build and sign the payload
	auth := api.Auth{
		Trader: signer.Address().Hex(),
		Nonce:  *nonce,
		Action: api.ActionPlace,
		Market: common.HexToAddress(*marketAddr).Hex(),
	}
	req := api.PlaceOrderRequest{
		Auth:  auth,
		Price: *price,
		Size:  *size,
		Side:  *side,
	}
	if *clientID != 0 {
		req.ClientID = clientID
	}
	payload, err := json.Marshal(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error marshaling payload: %v\n", err)
		os.Exit(1)
	}
	sig, err := signer.SignPayload(payload)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error signing: %v\n", err)
		os.Exit(1)
	}

	// Step 3: Verify before printing
	if err := crypto.VerifyPayload(signer.Address(), payload, sig); err != nil {
		fmt.Fprintf(os.Stderr, "Verification failed: %v\n", err)
		os.Exit(1)
	}

	// Compact: the server verifies the payload bytes exactly as sent.
	out, err := json.Marshal(api.SignedRequest{Payload: payload, Signature: sig})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error marshaling envelope: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(out))
}
