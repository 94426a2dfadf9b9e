// Package memory implements store.Store entirely in process memory, the
// way foundation/blockchain/storage/memory backs the teacher's single-chain
// Database with a mutex-guarded slice. Used by tests and ephemeral nodes.
package memory

import (
	"sort"
	"sync"

	"github.com/chainforge/corechain/foundation/blockchain/block"
	"github.com/chainforge/corechain/foundation/blockchain/signature"
	"github.com/chainforge/corechain/foundation/blockchain/store"
	"github.com/chainforge/corechain/foundation/blockchain/tx"
)

type chainData struct {
	index     []signature.HashDigest
	stateRefs map[signature.Address][]store.IndexEntry
	txNonce   map[signature.Address]int64
}

func newChainData() *chainData {
	return &chainData{
		stateRefs: make(map[signature.Address][]store.IndexEntry),
		txNonce:   make(map[signature.Address]int64),
	}
}

// Memory is an in-process store.Store implementation.
type Memory struct {
	mu sync.RWMutex

	blocks       map[signature.HashDigest]block.Block
	transactions map[signature.HashDigest]tx.Transaction
	blockStates  map[signature.HashDigest]map[signature.Address][]byte
	staged       map[signature.HashDigest]bool

	canonical    store.ChainID
	hasCanonical bool

	chains map[store.ChainID]*chainData
}

// New constructs an empty Memory store.
func New() *Memory {
	return &Memory{
		blocks:       make(map[signature.HashDigest]block.Block),
		transactions: make(map[signature.HashDigest]tx.Transaction),
		blockStates:  make(map[signature.HashDigest]map[signature.Address][]byte),
		staged:       make(map[signature.HashDigest]bool),
		chains:       make(map[store.ChainID]*chainData),
	}
}

func (m *Memory) chain(id store.ChainID) *chainData {
	c, ok := m.chains[id]
	if !ok {
		c = newChainData()
		m.chains[id] = c
	}
	return c
}

// emptyChain is the read-only view returned for a chain id that has never
// been written. It is shared and never mutated, so read-locked callers can
// consult it without racing the lazy insert chain performs under a write
// lock.
var emptyChain = newChainData()

// chainRO is chain's read-only counterpart: called under RLock, it must
// never insert into m.chains (a write to a shared map under a read lock).
func (m *Memory) chainRO(id store.ChainID) *chainData {
	if c, ok := m.chains[id]; ok {
		return c
	}
	return emptyChain
}

// =============================================================================
// Global namespaces

func (m *Memory) PutBlock(b block.Block) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.blocks[b.Hash()] = b
	return nil
}

func (m *Memory) GetBlock(hash signature.HashDigest) (block.Block, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.blocks[hash]
	return b, ok, nil
}

func (m *Memory) DeleteBlock(hash signature.HashDigest) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.blocks[hash]
	delete(m.blocks, hash)
	return ok, nil
}

func (m *Memory) IterateBlockHashes() ([]signature.HashDigest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]signature.HashDigest, 0, len(m.blocks))
	for h := range m.blocks {
		out = append(out, h)
	}
	return out, nil
}

func (m *Memory) PutTransaction(t tx.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.transactions[t.ID()] = t
	return nil
}

func (m *Memory) GetTransaction(id signature.HashDigest) (tx.Transaction, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.transactions[id]
	return t, ok, nil
}

func (m *Memory) DeleteTransaction(id signature.HashDigest) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.transactions[id]
	delete(m.transactions, id)
	return ok, nil
}

func (m *Memory) SetBlockStates(hash signature.HashDigest, delta map[signature.Address][]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := make(map[signature.Address][]byte, len(delta))
	for k, v := range delta {
		cp[k] = append([]byte(nil), v...)
	}
	m.blockStates[hash] = cp
	return nil
}

func (m *Memory) GetBlockStates(hash signature.HashDigest) (map[signature.Address][]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.blockStates[hash]
	if !ok {
		return nil, false, nil
	}
	cp := make(map[signature.Address][]byte, len(d))
	for k, v := range d {
		cp[k] = append([]byte(nil), v...)
	}
	return cp, true, nil
}

func (m *Memory) StageTransactionIDs(ids map[signature.HashDigest]bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, broadcast := range ids {
		m.staged[id] = broadcast
	}
	return nil
}

func (m *Memory) UnstageTransactionIDs(ids []signature.HashDigest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range ids {
		delete(m.staged, id)
	}
	return nil
}

func (m *Memory) IterateStaged(toBroadcastOnly bool) ([]signature.HashDigest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]signature.HashDigest, 0, len(m.staged))
	for id, broadcast := range m.staged {
		if toBroadcastOnly && !broadcast {
			continue
		}
		out = append(out, id)
	}
	return out, nil
}

func (m *Memory) GetCanonicalChainID() (store.ChainID, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.canonical, m.hasCanonical, nil
}

func (m *Memory) SetCanonicalChainID(id store.ChainID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.canonical = id
	m.hasCanonical = true
	return nil
}

// =============================================================================
// Per-chain namespaces

func (m *Memory) CountIndex(chain store.ChainID) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return uint64(len(m.chainRO(chain).index)), nil
}

func (m *Memory) IndexBlockHash(chain store.ChainID, i int64) (signature.HashDigest, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	idx := m.chainRO(chain).index
	pos := i
	if pos < 0 {
		pos = int64(len(idx)) + pos
	}
	if pos < 0 || pos >= int64(len(idx)) {
		return signature.HashDigest{}, false, nil
	}
	return idx[pos], true, nil
}

func (m *Memory) AppendIndex(chain store.ChainID, hash signature.HashDigest) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.chain(chain)
	c.index = append(c.index, hash)
	return uint64(len(c.index)), nil
}

func (m *Memory) IterateIndex(chain store.ChainID, start, count int64) ([]signature.HashDigest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	idx := m.chainRO(chain).index
	if start < 0 {
		start = 0
	}
	if start >= int64(len(idx)) {
		return nil, nil
	}
	end := int64(len(idx))
	if count > 0 && start+count < end {
		end = start + count
	}

	out := make([]signature.HashDigest, end-start)
	copy(out, idx[start:end])
	return out, nil
}

func (m *Memory) StoreStateReference(chain store.ChainID, addresses []signature.Address, blockHash signature.HashDigest, blockIndex uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.chain(chain)
	for _, addr := range addresses {
		c.stateRefs[addr] = append(c.stateRefs[addr], store.IndexEntry{Hash: blockHash, Index: blockIndex})
	}
	return nil
}

func (m *Memory) LookupStateReference(chain store.ChainID, addr signature.Address, pivotIndex uint64) (store.IndexEntry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	refs := m.chainRO(chain).stateRefs[addr]
	// refs is append-ordered, hence ascending by Index; binary search for
	// the greatest entry with Index <= pivotIndex.
	i := sort.Search(len(refs), func(i int) bool { return refs[i].Index > pivotIndex })
	if i == 0 {
		return store.IndexEntry{}, false, nil
	}
	return refs[i-1], true, nil
}

func (m *Memory) IterateStateReferences(chain store.ChainID, addr signature.Address, fromIndex, toIndex uint64, limit int) ([]store.IndexEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	refs := m.chainRO(chain).stateRefs[addr]
	out := make([]store.IndexEntry, 0, len(refs))
	for i := len(refs) - 1; i >= 0; i-- {
		e := refs[i]
		if e.Index > fromIndex {
			continue
		}
		if e.Index < toIndex {
			break
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) ListAllStateReferences(chain store.ChainID, onlyAfter, ignoreAfter int64) (map[signature.Address][]signature.HashDigest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c := m.chainRO(chain)
	out := make(map[signature.Address][]signature.HashDigest, len(c.stateRefs))
	for addr, refs := range c.stateRefs {
		var hashes []signature.HashDigest
		for _, e := range refs {
			if onlyAfter >= 0 && int64(e.Index) <= onlyAfter {
				continue
			}
			if ignoreAfter >= 0 && int64(e.Index) > ignoreAfter {
				continue
			}
			hashes = append(hashes, e.Hash)
		}
		if len(hashes) > 0 {
			out[addr] = hashes
		}
	}
	return out, nil
}

func (m *Memory) ForkStateReferences(src, dst store.ChainID, branchIndex uint64, strip map[signature.Address]bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	srcChain := m.chain(src)
	dstChain := m.chain(dst)

	for addr, refs := range srcChain.stateRefs {
		var kept []store.IndexEntry
		if strip[addr] {
			for _, e := range refs {
				if e.Index <= branchIndex {
					kept = append(kept, e)
				}
			}
		} else {
			kept = append(kept, refs...)
		}
		if len(kept) > 0 {
			cp := make([]store.IndexEntry, len(kept))
			copy(cp, kept)
			dstChain.stateRefs[addr] = cp
		}
	}

	return nil
}

func (m *Memory) GetTxNonce(chain store.ChainID, addr signature.Address) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.chainRO(chain).txNonce[addr], nil
}

func (m *Memory) IncreaseTxNonce(chain store.ChainID, addr signature.Address, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.chain(chain)
	c.txNonce[addr] += delta
	return c.txNonce[addr], nil
}

func (m *Memory) ListTxNonces(chain store.ChainID) (map[signature.Address]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c := m.chainRO(chain)
	out := make(map[signature.Address]int64, len(c.txNonce))
	for addr, n := range c.txNonce {
		out[addr] = n
	}
	return out, nil
}

func (m *Memory) DeleteChainID(chain store.ChainID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.chains, chain)
	return nil
}

var _ store.Store = (*Memory)(nil)
