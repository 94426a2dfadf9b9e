// Package mempool maintains the shared pool of staged-but-not-yet-mined
// transactions described in spec §4.3.7, the way the teacher's mempool
// package maintains an account-keyed transaction cache in front of a
// pluggable selection strategy — generalized here to read the staged set
// from a store.Store rather than holding its own copy.
package mempool

import (
	"fmt"

	"github.com/chainforge/corechain/foundation/blockchain/mempool/selector"
	"github.com/chainforge/corechain/foundation/blockchain/signature"
	"github.com/chainforge/corechain/foundation/blockchain/store"
	"github.com/chainforge/corechain/foundation/blockchain/tx"
)

// Mempool is a thin, stateless view over a Store's staged-transaction
// namespace: it is safe to construct one per goroutine since all of its
// state lives in the Store.
type Mempool struct {
	db       store.Store
	selectFn selector.Func
}

// New constructs a Mempool using the default nonce-respecting strategy.
func New(db store.Store) (*Mempool, error) {
	return NewWithStrategy(db, selector.StrategyTip)
}

// NewWithStrategy constructs a Mempool using the named selection strategy.
func NewWithStrategy(db store.Store, strategy string) (*Mempool, error) {
	selectFn, err := selector.Retrieve(strategy)
	if err != nil {
		return nil, err
	}
	return &Mempool{db: db, selectFn: selectFn}, nil
}

// Stage persists t and marks it staged. broadcast distinguishes a locally
// originated transaction, which the caller should relay to peers, from one
// received already staged by a peer.
func (mp *Mempool) Stage(t tx.Transaction, broadcast bool) error {
	if err := mp.db.PutTransaction(t); err != nil {
		return fmt.Errorf("mempool: stage: %w", err)
	}
	return mp.db.StageTransactionIDs(map[signature.HashDigest]bool{t.ID(): broadcast})
}

// Unstage removes the given transaction ids from the staged set. It does
// not delete the underlying transaction records, which remain addressable
// by ID for as long as the Store keeps them.
func (mp *Mempool) Unstage(ids []signature.HashDigest) error {
	return mp.db.UnstageTransactionIDs(ids)
}

// Count returns the number of currently staged transactions.
func (mp *Mempool) Count() (int, error) {
	ids, err := mp.db.IterateStaged(false)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// ToBroadcast returns the staged transaction ids flagged for relay to
// peers.
func (mp *Mempool) ToBroadcast() ([]signature.HashDigest, error) {
	return mp.db.IterateStaged(true)
}

// PickBest applies the configured selection strategy to the currently
// staged transactions and returns up to howMany of them, in the order the
// miner should include them in the next block. howMany == -1 means "all
// staged transactions."
func (mp *Mempool) PickBest(howMany int) ([]tx.Transaction, error) {
	ids, err := mp.db.IterateStaged(false)
	if err != nil {
		return nil, fmt.Errorf("mempool: pick best: %w", err)
	}

	grouped := make(map[signature.Address][]tx.Transaction)
	for _, id := range ids {
		t, ok, err := mp.db.GetTransaction(id)
		if err != nil {
			return nil, fmt.Errorf("mempool: pick best: %w", err)
		}
		if !ok {
			continue
		}
		grouped[t.Signer] = append(grouped[t.Signer], t)
	}

	return mp.selectFn(grouped, howMany), nil
}
