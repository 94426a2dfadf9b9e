package main

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/chainforge/corechain/foundation/blockchain/signature"
)

// parseAddress accepts a 0x-prefixed or bare hex string, the same laxness
// go-ethereum's own HexToAddress allows.
func parseAddress(s string) signature.Address {
	return signature.Address(common.HexToAddress(s))
}

// parseHash accepts a 0x-prefixed or bare hex string for a block hash.
func parseHash(s string) signature.HashDigest {
	return signature.HashDigest(common.HexToHash(s))
}
