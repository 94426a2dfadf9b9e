// Package selector provides pluggable strategies for picking which staged
// transactions go into the next block, mirroring the teacher's
// mempool/selector package one level up from a fixed concrete Account/Tip
// shape: it sorts by nonce within an account and lets the strategy order
// the accounts.
package selector

import (
	"fmt"
	"sort"

	"github.com/chainforge/corechain/foundation/blockchain/signature"
	"github.com/chainforge/corechain/foundation/blockchain/tx"
)

// Strategy names.
const (
	StrategyNonce = "nonce"
	StrategyTip   = "tip"
)

var strategies = map[string]Func{
	StrategyNonce: nonceSelect,
	StrategyTip:   tipSelect,
}

// Func selects howMany transactions, in commit order, from transactions
// already grouped by signer. Every Func must respect nonce ordering within
// a signer's list. howMany == -1 means "all of them".
type Func func(transactions map[signature.Address][]tx.Transaction, howMany int) []tx.Transaction

// Retrieve returns the named strategy function.
func Retrieve(strategy string) (Func, error) {
	fn, ok := strategies[strategy]
	if !ok {
		return nil, fmt.Errorf("selector: strategy %q does not exist", strategy)
	}
	return fn, nil
}

func sortByNonce(list []tx.Transaction) {
	sort.Slice(list, func(i, j int) bool { return list[i].Nonce < list[j].Nonce })
}

// nonceSelect interleaves each signer's nonce-ordered queue, taking the
// oldest available transaction across all signers first.
func nonceSelect(transactions map[signature.Address][]tx.Transaction, howMany int) []tx.Transaction {
	for addr := range transactions {
		sortByNonce(transactions[addr])
	}

	total := 0
	for _, list := range transactions {
		total += len(list)
	}
	if howMany < 0 || howMany > total {
		howMany = total
	}

	var out []tx.Transaction
	offsets := make(map[signature.Address]int)
	for len(out) < howMany {
		var bestAddr signature.Address
		found := false
		for addr, list := range transactions {
			i := offsets[addr]
			if i >= len(list) {
				continue
			}
			if !found || list[i].Timestamp.Before(transactions[bestAddr][offsets[bestAddr]].Timestamp) {
				bestAddr = addr
				found = true
			}
		}
		if !found {
			break
		}
		out = append(out, transactions[bestAddr][offsets[bestAddr]])
		offsets[bestAddr]++
	}
	return out
}

// tipSelect orders each signer's queue by nonce, then interleaves signers
// by the age of their oldest pending transaction, same as nonceSelect but
// named separately so a future fee/priority field can override ordering
// without disturbing the nonce-respecting default.
func tipSelect(transactions map[signature.Address][]tx.Transaction, howMany int) []tx.Transaction {
	return nonceSelect(transactions, howMany)
}
