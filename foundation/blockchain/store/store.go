// Package store defines the persistent Store contract the blockchain
// engine requires (spec §4.1, §6): named global and per-chain namespaces
// for blocks, transactions, the chain index, state references, per-block
// state snapshots, staged transaction ids, and per-address nonces.
//
// Two implementations are provided: memory (foundation/blockchain/store/memory)
// for tests and ephemeral nodes, and leveldb (foundation/blockchain/store/leveldb)
// for durable, crash-consistent persistence.
package store

import (
	"github.com/chainforge/corechain/foundation/blockchain/block"
	"github.com/chainforge/corechain/foundation/blockchain/signature"
	"github.com/chainforge/corechain/foundation/blockchain/tx"
)

// ChainID identifies one logical BlockChain's set of per-chain namespaces.
type ChainID [16]byte

// String renders the chain id as a hyphenated hex string.
func (c ChainID) String() string {
	return formatUUID(c)
}

// IndexEntry is a single (block_hash, block_index) state reference, or a
// chain-index entry.
type IndexEntry struct {
	Hash  signature.HashDigest
	Index uint64
}

// Store is the full persistence contract of spec §4.1.
type Store interface {
	// -- Global namespaces --------------------------------------------

	PutBlock(b block.Block) error
	GetBlock(hash signature.HashDigest) (block.Block, bool, error)
	DeleteBlock(hash signature.HashDigest) (bool, error)
	IterateBlockHashes() ([]signature.HashDigest, error)

	PutTransaction(t tx.Transaction) error
	GetTransaction(id signature.HashDigest) (tx.Transaction, bool, error)
	DeleteTransaction(id signature.HashDigest) (bool, error)

	SetBlockStates(hash signature.HashDigest, delta map[signature.Address][]byte) error
	GetBlockStates(hash signature.HashDigest) (map[signature.Address][]byte, bool, error)

	// StageTransactionIDs marks each key of ids as staged, with true
	// meaning "should be broadcast" (locally originated).
	StageTransactionIDs(ids map[signature.HashDigest]bool) error
	UnstageTransactionIDs(ids []signature.HashDigest) error
	IterateStaged(toBroadcastOnly bool) ([]signature.HashDigest, error)

	GetCanonicalChainID() (ChainID, bool, error)
	SetCanonicalChainID(id ChainID) error

	// -- Per-chain namespaces -------------------------------------------

	CountIndex(chain ChainID) (uint64, error)
	// IndexBlockHash returns the hash at position i; negative i counts
	// from the tip (-1 = tip).
	IndexBlockHash(chain ChainID, i int64) (signature.HashDigest, bool, error)
	AppendIndex(chain ChainID, hash signature.HashDigest) (uint64, error)
	IterateIndex(chain ChainID, start, count int64) ([]signature.HashDigest, error)

	StoreStateReference(chain ChainID, addresses []signature.Address, blockHash signature.HashDigest, blockIndex uint64) error
	// LookupStateReference returns the greatest reference for addr whose
	// index is <= pivotIndex.
	LookupStateReference(chain ChainID, addr signature.Address, pivotIndex uint64) (IndexEntry, bool, error)
	// IterateStateReferences yields references for addr with
	// fromIndex >= index >= toIndex (descending), capped at limit (0 = no cap).
	IterateStateReferences(chain ChainID, addr signature.Address, fromIndex, toIndex uint64, limit int) ([]IndexEntry, error)
	// ListAllStateReferences returns, for every address that has at least
	// one reference, the ordered list of block hashes that touched it.
	// Only references with onlyAfter < index <= ignoreAfter are listed;
	// pass -1 for either to leave that bound unset.
	ListAllStateReferences(chain ChainID, onlyAfter, ignoreAfter int64) (map[signature.Address][]signature.HashDigest, error)

	// ForkStateReferences copies chain src's state-reference lists into
	// chain dst. Addresses not in strip get the full list; addresses in
	// strip are truncated to entries with index <= branchIndex.
	ForkStateReferences(src, dst ChainID, branchIndex uint64, strip map[signature.Address]bool) error

	GetTxNonce(chain ChainID, addr signature.Address) (int64, error)
	IncreaseTxNonce(chain ChainID, addr signature.Address, delta int64) (int64, error)
	ListTxNonces(chain ChainID) (map[signature.Address]int64, error)

	DeleteChainID(chain ChainID) error
}
