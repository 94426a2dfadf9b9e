// Package leveldb implements store.Store on top of goleveldb, the way
// josephblackelite-nhbchain's gateway/auth.LevelDBNoncePersistence layers a
// domain-specific key scheme and batched writes over a single on-disk
// leveldb.DB.
package leveldb

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/chainforge/corechain/foundation/blockchain/block"
	"github.com/chainforge/corechain/foundation/blockchain/chainerr"
	"github.com/chainforge/corechain/foundation/blockchain/signature"
	"github.com/chainforge/corechain/foundation/blockchain/store"
	"github.com/chainforge/corechain/foundation/blockchain/tx"
)

// Namespace prefixes. Per-chain namespaces are further scoped by the
// chain id's hyphenated string form plus ":", keeping every chain's index, state references,
// and nonces lexically grouped and disjoint from a sibling chain's.
const (
	nsBlock       = "b:"
	nsTx          = "t:"
	nsBlockStates = "s:"
	nsStaged      = "g:"
	nsCanonical   = "canonical"

	nsIndex   = "i:"
	nsStateRf = "r:"
	nsNonce   = "n:"
)

// LevelDB is a durable store.Store backed by a single goleveldb database.
type LevelDB struct {
	mu sync.Mutex
	db *leveldb.DB
}

// Open opens (or creates) the leveldb database at path.
func Open(path string) (*LevelDB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb store: %w", err)
	}
	return &LevelDB{db: db}, nil
}

// Close releases the underlying database handle.
func (l *LevelDB) Close() error {
	return l.db.Close()
}

func blockKey(hash signature.HashDigest) []byte {
	return []byte(nsBlock + hash.String())
}

func txKey(id signature.HashDigest) []byte {
	return []byte(nsTx + id.String())
}

func blockStatesKey(hash signature.HashDigest) []byte {
	return []byte(nsBlockStates + hash.String())
}

func stagedKey(id signature.HashDigest) []byte {
	return []byte(nsStaged + id.String())
}

func chainPrefix(chain store.ChainID) string {
	return chain.String() + ":"
}

func indexKey(chain store.ChainID, i uint64) []byte {
	return []byte(chainPrefix(chain) + nsIndex + string(store.EncodeIndex(i)))
}

func stateRefKey(chain store.ChainID, addr signature.Address, i uint64) []byte {
	return []byte(chainPrefix(chain) + nsStateRf + string(addr[:]) + string(store.EncodeIndex(i)))
}

func stateRefPrefix(chain store.ChainID, addr signature.Address) []byte {
	return []byte(chainPrefix(chain) + nsStateRf + string(addr[:]))
}

func nonceKey(chain store.ChainID, addr signature.Address) []byte {
	return []byte(chainPrefix(chain) + nsNonce + string(addr[:]))
}

// =============================================================================
// Global namespaces

func (l *LevelDB) PutBlock(b block.Block) error {
	data, err := b.MarshalForStorage()
	if err != nil {
		return &chainerr.StoreError{Op: "PutBlock", Err: err}
	}
	if err := l.db.Put(blockKey(b.Hash()), data, nil); err != nil {
		return &chainerr.StoreError{Op: "PutBlock", Err: err}
	}
	return nil
}

func (l *LevelDB) GetBlock(hash signature.HashDigest) (block.Block, bool, error) {
	data, err := l.db.Get(blockKey(hash), nil)
	if err == leveldb.ErrNotFound {
		return block.Block{}, false, nil
	}
	if err != nil {
		return block.Block{}, false, &chainerr.StoreError{Op: "GetBlock", Err: err}
	}
	b, err := block.UnmarshalFromStorage(data)
	if err != nil {
		return block.Block{}, false, &chainerr.StoreError{Op: "GetBlock", Err: err}
	}
	return b, true, nil
}

func (l *LevelDB) DeleteBlock(hash signature.HashDigest) (bool, error) {
	key := blockKey(hash)
	ok, err := l.db.Has(key, nil)
	if err != nil {
		return false, &chainerr.StoreError{Op: "DeleteBlock", Err: err}
	}
	if !ok {
		return false, nil
	}
	if err := l.db.Delete(key, nil); err != nil {
		return false, &chainerr.StoreError{Op: "DeleteBlock", Err: err}
	}
	return true, nil
}

func (l *LevelDB) IterateBlockHashes() ([]signature.HashDigest, error) {
	iter := l.db.NewIterator(util.BytesPrefix([]byte(nsBlock)), nil)
	defer iter.Release()

	var out []signature.HashDigest
	for iter.Next() {
		data := append([]byte(nil), iter.Value()...)
		b, err := block.UnmarshalFromStorage(data)
		if err != nil {
			return nil, &chainerr.StoreError{Op: "IterateBlockHashes", Err: err}
		}
		out = append(out, b.Hash())
	}
	if err := iter.Error(); err != nil {
		return nil, &chainerr.StoreError{Op: "IterateBlockHashes", Err: err}
	}
	return out, nil
}

func (l *LevelDB) PutTransaction(t tx.Transaction) error {
	data, err := json.Marshal(t)
	if err != nil {
		return &chainerr.StoreError{Op: "PutTransaction", Err: err}
	}
	if err := l.db.Put(txKey(t.ID()), data, nil); err != nil {
		return &chainerr.StoreError{Op: "PutTransaction", Err: err}
	}
	return nil
}

func (l *LevelDB) GetTransaction(id signature.HashDigest) (tx.Transaction, bool, error) {
	data, err := l.db.Get(txKey(id), nil)
	if err == leveldb.ErrNotFound {
		return tx.Transaction{}, false, nil
	}
	if err != nil {
		return tx.Transaction{}, false, &chainerr.StoreError{Op: "GetTransaction", Err: err}
	}
	var t tx.Transaction
	if err := json.Unmarshal(data, &t); err != nil {
		return tx.Transaction{}, false, &chainerr.StoreError{Op: "GetTransaction", Err: err}
	}
	return t, true, nil
}

func (l *LevelDB) DeleteTransaction(id signature.HashDigest) (bool, error) {
	key := txKey(id)
	ok, err := l.db.Has(key, nil)
	if err != nil {
		return false, &chainerr.StoreError{Op: "DeleteTransaction", Err: err}
	}
	if !ok {
		return false, nil
	}
	if err := l.db.Delete(key, nil); err != nil {
		return false, &chainerr.StoreError{Op: "DeleteTransaction", Err: err}
	}
	return true, nil
}

func (l *LevelDB) SetBlockStates(hash signature.HashDigest, delta map[signature.Address][]byte) error {
	data, err := json.Marshal(delta)
	if err != nil {
		return &chainerr.StoreError{Op: "SetBlockStates", Err: err}
	}
	if err := l.db.Put(blockStatesKey(hash), data, nil); err != nil {
		return &chainerr.StoreError{Op: "SetBlockStates", Err: err}
	}
	return nil
}

func (l *LevelDB) GetBlockStates(hash signature.HashDigest) (map[signature.Address][]byte, bool, error) {
	data, err := l.db.Get(blockStatesKey(hash), nil)
	if err == leveldb.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, &chainerr.StoreError{Op: "GetBlockStates", Err: err}
	}
	var delta map[signature.Address][]byte
	if err := json.Unmarshal(data, &delta); err != nil {
		return nil, false, &chainerr.StoreError{Op: "GetBlockStates", Err: err}
	}
	return delta, true, nil
}

func (l *LevelDB) StageTransactionIDs(ids map[signature.HashDigest]bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	batch := new(leveldb.Batch)
	for id, broadcast := range ids {
		v := []byte{0}
		if broadcast {
			v = []byte{1}
		}
		batch.Put(stagedKey(id), v)
	}
	if err := l.db.Write(batch, nil); err != nil {
		return &chainerr.StoreError{Op: "StageTransactionIDs", Err: err}
	}
	return nil
}

func (l *LevelDB) UnstageTransactionIDs(ids []signature.HashDigest) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	batch := new(leveldb.Batch)
	for _, id := range ids {
		batch.Delete(stagedKey(id))
	}
	if err := l.db.Write(batch, nil); err != nil {
		return &chainerr.StoreError{Op: "UnstageTransactionIDs", Err: err}
	}
	return nil
}

func (l *LevelDB) IterateStaged(toBroadcastOnly bool) ([]signature.HashDigest, error) {
	iter := l.db.NewIterator(util.BytesPrefix([]byte(nsStaged)), nil)
	defer iter.Release()

	var out []signature.HashDigest
	for iter.Next() {
		broadcast := len(iter.Value()) > 0 && iter.Value()[0] == 1
		if toBroadcastOnly && !broadcast {
			continue
		}
		key := strings.TrimPrefix(string(iter.Key()), nsStaged)
		id, err := parseHashHex(key)
		if err != nil {
			continue
		}
		out = append(out, id)
	}
	if err := iter.Error(); err != nil {
		return nil, &chainerr.StoreError{Op: "IterateStaged", Err: err}
	}
	return out, nil
}

func (l *LevelDB) GetCanonicalChainID() (store.ChainID, bool, error) {
	data, err := l.db.Get([]byte(nsCanonical), nil)
	if err == leveldb.ErrNotFound {
		return store.ChainID{}, false, nil
	}
	if err != nil {
		return store.ChainID{}, false, &chainerr.StoreError{Op: "GetCanonicalChainID", Err: err}
	}
	var id store.ChainID
	copy(id[:], data)
	return id, true, nil
}

func (l *LevelDB) SetCanonicalChainID(id store.ChainID) error {
	if err := l.db.Put([]byte(nsCanonical), id[:], nil); err != nil {
		return &chainerr.StoreError{Op: "SetCanonicalChainID", Err: err}
	}
	return nil
}

// =============================================================================
// Per-chain namespaces

func (l *LevelDB) CountIndex(chain store.ChainID) (uint64, error) {
	iter := l.db.NewIterator(util.BytesPrefix([]byte(chainPrefix(chain)+nsIndex)), nil)
	defer iter.Release()

	var n uint64
	for iter.Next() {
		n++
	}
	if err := iter.Error(); err != nil {
		return 0, &chainerr.StoreError{Op: "CountIndex", Err: err}
	}
	return n, nil
}

func (l *LevelDB) IndexBlockHash(chain store.ChainID, i int64) (signature.HashDigest, bool, error) {
	count, err := l.CountIndex(chain)
	if err != nil {
		return signature.HashDigest{}, false, err
	}

	pos := i
	if pos < 0 {
		pos = int64(count) + pos
	}
	if pos < 0 || pos >= int64(count) {
		return signature.HashDigest{}, false, nil
	}

	data, err := l.db.Get(indexKey(chain, uint64(pos)), nil)
	if err == leveldb.ErrNotFound {
		return signature.HashDigest{}, false, nil
	}
	if err != nil {
		return signature.HashDigest{}, false, &chainerr.StoreError{Op: "IndexBlockHash", Err: err}
	}

	var h signature.HashDigest
	copy(h[:], data)
	return h, true, nil
}

func (l *LevelDB) AppendIndex(chain store.ChainID, hash signature.HashDigest) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	count, err := l.CountIndex(chain)
	if err != nil {
		return 0, err
	}
	if err := l.db.Put(indexKey(chain, count), hash[:], nil); err != nil {
		return 0, &chainerr.StoreError{Op: "AppendIndex", Err: err}
	}
	return count + 1, nil
}

func (l *LevelDB) IterateIndex(chain store.ChainID, start, count int64) ([]signature.HashDigest, error) {
	total, err := l.CountIndex(chain)
	if err != nil {
		return nil, err
	}
	if start < 0 {
		start = 0
	}
	if start >= int64(total) {
		return nil, nil
	}
	end := int64(total)
	if count > 0 && start+count < end {
		end = start + count
	}

	out := make([]signature.HashDigest, 0, end-start)
	for i := start; i < end; i++ {
		h, ok, err := l.IndexBlockHash(chain, i)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, h)
		}
	}
	return out, nil
}

func (l *LevelDB) StoreStateReference(chain store.ChainID, addresses []signature.Address, blockHash signature.HashDigest, blockIndex uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	batch := new(leveldb.Batch)
	for _, addr := range addresses {
		batch.Put(stateRefKey(chain, addr, blockIndex), blockHash[:])
	}
	if err := l.db.Write(batch, nil); err != nil {
		return &chainerr.StoreError{Op: "StoreStateReference", Err: err}
	}
	return nil
}

func (l *LevelDB) LookupStateReference(chain store.ChainID, addr signature.Address, pivotIndex uint64) (store.IndexEntry, bool, error) {
	prefix := stateRefPrefix(chain, addr)
	iter := l.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()

	var best store.IndexEntry
	found := false
	for iter.First(); iter.Valid(); iter.Next() {
		key := iter.Key()
		idx := store.DecodeIndex(key[len(key)-8:])
		if idx > pivotIndex {
			break
		}
		var h signature.HashDigest
		copy(h[:], iter.Value())
		best = store.IndexEntry{Hash: h, Index: idx}
		found = true
	}
	if err := iter.Error(); err != nil {
		return store.IndexEntry{}, false, &chainerr.StoreError{Op: "LookupStateReference", Err: err}
	}
	return best, found, nil
}

func (l *LevelDB) IterateStateReferences(chain store.ChainID, addr signature.Address, fromIndex, toIndex uint64, limit int) ([]store.IndexEntry, error) {
	prefix := stateRefPrefix(chain, addr)
	iter := l.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()

	var all []store.IndexEntry
	for iter.First(); iter.Valid(); iter.Next() {
		key := iter.Key()
		idx := store.DecodeIndex(key[len(key)-8:])
		var h signature.HashDigest
		copy(h[:], iter.Value())
		all = append(all, store.IndexEntry{Hash: h, Index: idx})
	}
	if err := iter.Error(); err != nil {
		return nil, &chainerr.StoreError{Op: "IterateStateReferences", Err: err}
	}

	var out []store.IndexEntry
	for i := len(all) - 1; i >= 0; i-- {
		e := all[i]
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

func (l *LevelDB) ListAllStateReferences(chain store.ChainID, onlyAfter, ignoreAfter int64) (map[signature.Address][]signature.HashDigest, error) {
	iter := l.db.NewIterator(util.BytesPrefix([]byte(chainPrefix(chain)+nsStateRf)), nil)
	defer iter.Release()

	out := make(map[signature.Address][]signature.HashDigest)
	for iter.First(); iter.Valid(); iter.Next() {
		key := iter.Key()
		if len(key) < 20+8 {
			continue
		}
		var addr signature.Address
		copy(addr[:], key[len(key)-28:len(key)-8])
		idx := store.DecodeIndex(key[len(key)-8:])

		if onlyAfter >= 0 && int64(idx) <= onlyAfter {
			continue
		}
		if ignoreAfter >= 0 && int64(idx) > ignoreAfter {
			continue
		}

		var h signature.HashDigest
		copy(h[:], iter.Value())
		out[addr] = append(out[addr], h)
	}
	if err := iter.Error(); err != nil {
		return nil, &chainerr.StoreError{Op: "ListAllStateReferences", Err: err}
	}
	return out, nil
}

func (l *LevelDB) ForkStateReferences(src, dst store.ChainID, branchIndex uint64, strip map[signature.Address]bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	iter := l.db.NewIterator(util.BytesPrefix([]byte(chainPrefix(src)+nsStateRf)), nil)
	defer iter.Release()

	batch := new(leveldb.Batch)
	for iter.First(); iter.Valid(); iter.Next() {
		key := iter.Key()
		if len(key) < 20+8 {
			continue
		}
		var addr signature.Address
		copy(addr[:], key[len(key)-28:len(key)-8])
		idx := store.DecodeIndex(key[len(key)-8:])

		if strip[addr] && idx > branchIndex {
			continue
		}

		batch.Put(stateRefKey(dst, addr, idx), append([]byte(nil), iter.Value()...))
	}
	if err := iter.Error(); err != nil {
		return &chainerr.StoreError{Op: "ForkStateReferences", Err: err}
	}
	if batch.Len() > 0 {
		if err := l.db.Write(batch, nil); err != nil {
			return &chainerr.StoreError{Op: "ForkStateReferences", Err: err}
		}
	}
	return nil
}

func (l *LevelDB) GetTxNonce(chain store.ChainID, addr signature.Address) (int64, error) {
	data, err := l.db.Get(nonceKey(chain, addr), nil)
	if err == leveldb.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, &chainerr.StoreError{Op: "GetTxNonce", Err: err}
	}
	return int64(store.DecodeIndex(data)), nil
}

func (l *LevelDB) IncreaseTxNonce(chain store.ChainID, addr signature.Address, delta int64) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cur, err := l.GetTxNonce(chain, addr)
	if err != nil {
		return 0, err
	}
	next := cur + delta
	if err := l.db.Put(nonceKey(chain, addr), store.EncodeIndex(uint64(next)), nil); err != nil {
		return 0, &chainerr.StoreError{Op: "IncreaseTxNonce", Err: err}
	}
	return next, nil
}

func (l *LevelDB) ListTxNonces(chain store.ChainID) (map[signature.Address]int64, error) {
	iter := l.db.NewIterator(util.BytesPrefix([]byte(chainPrefix(chain)+nsNonce)), nil)
	defer iter.Release()

	out := make(map[signature.Address]int64)
	for iter.First(); iter.Valid(); iter.Next() {
		key := iter.Key()
		if len(key) < 20 {
			continue
		}
		var addr signature.Address
		copy(addr[:], key[len(key)-20:])
		out[addr] = int64(store.DecodeIndex(iter.Value()))
	}
	if err := iter.Error(); err != nil {
		return nil, &chainerr.StoreError{Op: "ListTxNonces", Err: err}
	}
	return out, nil
}

func (l *LevelDB) DeleteChainID(chain store.ChainID) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	prefix := []byte(chainPrefix(chain))
	iter := l.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()

	batch := new(leveldb.Batch)
	for iter.First(); iter.Valid(); iter.Next() {
		batch.Delete(append([]byte(nil), iter.Key()...))
	}
	if err := iter.Error(); err != nil {
		return &chainerr.StoreError{Op: "DeleteChainID", Err: err}
	}
	if batch.Len() > 0 {
		if err := l.db.Write(batch, nil); err != nil {
			return &chainerr.StoreError{Op: "DeleteChainID", Err: err}
		}
	}
	return nil
}

func parseHashHex(s string) (signature.HashDigest, error) {
	var h signature.HashDigest
	s = strings.TrimPrefix(s, "0x")
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, err
	}
	if len(b) != len(h) {
		return h, fmt.Errorf("leveldb: malformed hash key %q", s)
	}
	copy(h[:], b)
	return h, nil
}

var _ store.Store = (*LevelDB)(nil)
