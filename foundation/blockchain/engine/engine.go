// Package engine implements the BlockChain described in spec §4.3: the
// single mutable entry point that validates and appends blocks, evaluates
// their actions against a Store-backed state history, mines new blocks
// from the staged pool, and reorganizes onto a competing chain via
// Fork/Swap. It is parameterized by a policy.BlockPolicy and a
// store.Store, mirroring the way the teacher's foundation/blockchain/state
// package is parameterized by a Genesis file and a storage.Storer.
package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/chainforge/corechain/foundation/blockchain/action"
	"github.com/chainforge/corechain/foundation/blockchain/block"
	"github.com/chainforge/corechain/foundation/blockchain/chainerr"
	"github.com/chainforge/corechain/foundation/blockchain/genesis"
	"github.com/chainforge/corechain/foundation/blockchain/policy"
	"github.com/chainforge/corechain/foundation/blockchain/render"
	"github.com/chainforge/corechain/foundation/blockchain/signature"
	"github.com/chainforge/corechain/foundation/blockchain/store"
	"github.com/chainforge/corechain/foundation/blockchain/tx"

	"crypto/ecdsa"
	"sync"
)

// EventHandler is the instance-scoped logging hook, exactly the shape of
// the teacher's state.EventHandler: the engine never imports a logging
// package of its own, leaving that choice to whatever wires it up
// (cmd/corechain adapts a zap.SugaredLogger into one).
type EventHandler func(v string, args ...any)

// BlockChain is the engine of spec §4.3. Construct one with New or
// Bootstrap; every exported method is safe to call concurrently.
type BlockChain struct {
	policy   policy.BlockPolicy
	store    store.Store
	registry *action.Registry
	renders  *render.Registry
	ev       EventHandler

	lock   rwLock
	txLock sync.Mutex

	// id is guarded by lock: readers see a stable id across one
	// RLock/RUnlock window, writers (Swap) change it under a write lock.
	id store.ChainID
}

// New attaches a BlockChain to db's canonical chain id, allocating one if
// db has never been used before.
func New(db store.Store, p policy.BlockPolicy, registry *action.Registry, ev EventHandler) (*BlockChain, error) {
	if ev == nil {
		ev = func(string, ...any) {}
	}

	id, ok, err := db.GetCanonicalChainID()
	if err != nil {
		return nil, &chainerr.StoreError{Op: "New", Err: err}
	}
	if !ok {
		id, err = store.NewChainID()
		if err != nil {
			return nil, err
		}
		if err := db.SetCanonicalChainID(id); err != nil {
			return nil, &chainerr.StoreError{Op: "New", Err: err}
		}
	}

	return &BlockChain{
		policy:   p,
		store:    db,
		registry: registry,
		renders:  render.NewRegistry(),
		ev:       ev,
		id:       id,
	}, nil
}

// Bootstrap attaches a BlockChain the way New does, and if its chain is
// still empty, builds (without a proof-of-work search) and appends the
// genesis block carrying g's seed state
// (spec §8 scenario 1, supplemented per SPEC_FULL.md §3 with a genesis
// descriptor instead of an implicit empty state).
func Bootstrap(db store.Store, p policy.BlockPolicy, registry *action.Registry, ev EventHandler, g genesis.Genesis) (*BlockChain, error) {
	c, err := New(db, p, registry, ev)
	if err != nil {
		return nil, err
	}

	count, err := db.CountIndex(c.id)
	if err != nil {
		return nil, &chainerr.StoreError{Op: "Bootstrap", Err: err}
	}
	if count > 0 {
		return c, nil
	}

	c.ev("engine: bootstrap: creating genesis block chain[%s]", g.ChainName)
	genesisBlock := block.New(block.Header{Index: 0, Timestamp: g.Date, Difficulty: g.Difficulty}, nil)
	if err := c.Append(genesisBlock, g.Date, false, false); err != nil {
		return nil, err
	}

	if len(g.SeedState) > 0 {
		if err := db.SetBlockStates(genesisBlock.Hash(), g.SeedState); err != nil {
			return nil, &chainerr.StoreError{Op: "Bootstrap", Err: err}
		}
		addrs := make([]signature.Address, 0, len(g.SeedState))
		for addr := range g.SeedState {
			addrs = append(addrs, addr)
		}
		if err := db.StoreStateReference(c.id, addrs, genesisBlock.Hash(), genesisBlock.Header.Index); err != nil {
			return nil, &chainerr.StoreError{Op: "Bootstrap", Err: err}
		}
	}

	return c, nil
}

// ID returns the chain identity this instance currently represents. It
// changes across a Swap.
func (c *BlockChain) ID() store.ChainID {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.id
}

// Renders exposes the render notification fan-out so callers can subscribe
// external observers (spec §3's Renderer sink).
func (c *BlockChain) Renders() *render.Registry {
	return c.renders
}

// =============================================================================
// chainView adapts BlockChain to policy.Chain without re-entering c.lock;
// it is only ever constructed by code that already holds at least a read
// lock on c.

type chainView struct{ c *BlockChain }

func (v chainView) Tip() (block.Block, bool)                  { return v.c.tipUnlocked() }
func (v chainView) BlockAt(index int64) (block.Block, bool, error) { return v.c.blockAtUnlocked(index) }
func (v chainView) Len() (uint64, error)                      { return v.c.lenUnlocked() }

// Tip, BlockAt, and Len are BlockChain's own self-locking implementation
// of policy.Chain, for callers outside the engine (e.g. a policy
// implementation driven directly in a test).
func (c *BlockChain) Tip() (block.Block, bool) {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.tipUnlocked()
}

func (c *BlockChain) BlockAt(index int64) (block.Block, bool, error) {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.blockAtUnlocked(index)
}

func (c *BlockChain) Len() (uint64, error) {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.lenUnlocked()
}

func (c *BlockChain) tipUnlocked() (block.Block, bool) {
	b, ok, err := c.blockAtUnlocked(-1)
	if err != nil || !ok {
		return block.Block{}, false
	}
	return b, true
}

func (c *BlockChain) blockAtUnlocked(index int64) (block.Block, bool, error) {
	hash, ok, err := c.store.IndexBlockHash(c.id, index)
	if err != nil {
		return block.Block{}, false, &chainerr.StoreError{Op: "BlockAt", Err: err}
	}
	if !ok {
		return block.Block{}, false, nil
	}
	return c.store.GetBlock(hash)
}

func (c *BlockChain) lenUnlocked() (uint64, error) {
	count, err := c.store.CountIndex(c.id)
	if err != nil {
		return 0, &chainerr.StoreError{Op: "Len", Err: err}
	}
	return count, nil
}

// =============================================================================
// 4.3.1 Append

// Append validates b against the current tip and policy, persists it, and
// (unless disabled) evaluates its actions. It does not mutate the chain
// at all if validation fails.
func (c *BlockChain) Append(b block.Block, now time.Time, evaluateActions, renderActions bool) error {
	h := c.lock.URLock()

	if err := c.policy.ValidateNextBlock(chainView{c}, b, now); err != nil {
		h.Release()
		return err
	}

	perSigner := make(map[signature.Address]int64)
	for _, t := range b.Transactions {
		expected, err := c.store.GetTxNonce(c.id, t.Signer)
		if err != nil {
			h.Release()
			return &chainerr.StoreError{Op: "Append", Err: err}
		}
		expected += perSigner[t.Signer]
		if t.Nonce != expected {
			h.Release()
			return &chainerr.InvalidTxNonceError{Expected: expected, Actual: t.Nonce}
		}
		perSigner[t.Signer]++
	}

	h.Upgrade()

	if err := c.store.PutBlock(b); err != nil {
		h.Release()
		return &chainerr.StoreError{Op: "Append", Err: err}
	}
	if _, err := c.store.AppendIndex(c.id, b.Hash()); err != nil {
		h.Release()
		return &chainerr.StoreError{Op: "Append", Err: err}
	}
	for signer, count := range perSigner {
		if _, err := c.store.IncreaseTxNonce(c.id, signer, count); err != nil {
			h.Release()
			return &chainerr.StoreError{Op: "Append", Err: err}
		}
	}
	ids := make([]signature.HashDigest, 0, len(b.Transactions))
	for _, t := range b.Transactions {
		ids = append(ids, t.ID())
	}
	if len(ids) > 0 {
		if err := c.store.UnstageTransactionIDs(ids); err != nil {
			h.Release()
			return &chainerr.StoreError{Op: "Append", Err: err}
		}
	}

	h.Release()

	c.ev("engine: append: block[%s] index[%d]", b.Hash(), b.Header.Index)

	if evaluateActions {
		return c.ExecuteActions(b, renderActions)
	}
	return nil
}

// =============================================================================
// 4.3.2 ExecuteActions

// ExecuteActions evaluates b's actions against state as of b's previous
// block. It is idempotent with respect to persisted state: a block whose
// state was already written is not re-evaluated unless renderActions asks
// for fresh render callbacks.
func (c *BlockChain) ExecuteActions(b block.Block, renderActions bool) error {
	_, hasStates, err := c.store.GetBlockStates(b.Hash())
	if err != nil {
		return &chainerr.StoreError{Op: "ExecuteActions", Err: err}
	}

	var evaluations []action.Evaluation
	if !hasStates || renderActions {
		evals, merged, err := c.evaluateBlock(b)
		if err != nil {
			return err
		}
		evaluations = evals

		if !hasStates {
			if err := c.store.SetBlockStates(b.Hash(), merged); err != nil {
				return &chainerr.StoreError{Op: "ExecuteActions", Err: err}
			}
			if len(merged) > 0 {
				addrs := make([]signature.Address, 0, len(merged))
				for addr := range merged {
					addrs = append(addrs, addr)
				}
				if err := c.store.StoreStateReference(c.id, addrs, b.Hash(), b.Header.Index); err != nil {
					return &chainerr.StoreError{Op: "ExecuteActions", Err: err}
				}
			}
		}
	}

	if renderActions {
		for _, e := range evaluations {
			if e.Err != nil {
				e.Action.RenderError(e.Input, e.Err)
				continue
			}
			c.renders.Render(e.Action, e.Input, e.Output)
		}
	}

	return nil
}

// storeBackedDelta is the base StateDelta layer for a block's evaluation:
// it answers GetState by consulting the engine's own state history as of
// offset, recovering missing block-state snapshots on demand. GetBalance
// always reports 0 — balances are action-local bookkeeping within a
// single block's AccountStateDelta chain, not part of the persisted
// cross-block keyspace (spec §6 lists no balance keyspace).
type storeBackedDelta struct {
	chain  *BlockChain
	offset signature.HashDigest
}

func (s *storeBackedDelta) GetState(addr signature.Address) ([]byte, bool) {
	if s.offset == signature.ZeroDigest {
		return nil, false
	}
	result, err := s.chain.coreGetStates([]signature.Address{addr}, s.offset, true)
	if err != nil {
		// StateDelta.GetState has no error return, so a lookup failure here
		// can only be surfaced as "no state" to the calling action; log it
		// so a failed recovery doesn't disappear silently.
		s.chain.ev("engine: storeBackedDelta: get state for %s at %s: %s", addr, s.offset, err)
		return nil, false
	}
	v, ok := result[addr]
	return v, ok
}

func (s *storeBackedDelta) GetBalance(signature.Address, string) uint64 { return 0 }

// evaluateBlock runs every action of every transaction in b, in order,
// threading the accumulated AccountStateDelta through as ctx.Previous, and
// returns both the evaluation record and the merged snapshot of every
// address any action touched (for persistence — AccountStateDelta.Snapshot
// only reports its own layer, so the engine merges across layers itself).
func (c *BlockChain) evaluateBlock(b block.Block) ([]action.Evaluation, map[signature.Address][]byte, error) {
	base := &storeBackedDelta{chain: c, offset: b.Header.PreviousHash}

	var current action.StateDelta = action.NewAccountStateDelta(base)
	merged := make(map[signature.Address][]byte)
	var evaluations []action.Evaluation
	actionIndex := 0

	run := func(signer signature.Address, a action.Action) {
		ctx := action.Context{
			Signer:     signer,
			Miner:      b.Header.Miner,
			BlockIndex: b.Header.Index,
			Random:     action.NewRandom(action.Seed(b.PreEvaluationHash(), actionIndex)),
			Previous:   current,
		}
		output, err := a.Execute(ctx)
		evaluations = append(evaluations, action.Evaluation{Action: a, Input: ctx, Output: output, Err: err})
		if err == nil && output != nil {
			current = output
			for addr, v := range output.Snapshot() {
				merged[addr] = v
			}
		}
		actionIndex++
	}

	for _, t := range b.Transactions {
		actions, err := t.Actions(c.registry)
		if err != nil {
			return nil, nil, fmt.Errorf("engine: evaluate: %w", err)
		}
		for _, a := range actions {
			run(t.Signer, a)
		}
	}

	if ba := c.policy.BlockAction(); ba != nil {
		run(b.Header.Miner, ba)
	}

	return evaluations, merged, nil
}

// =============================================================================
// 4.3.3 GetStates

// GetStates projects the requested addresses' state as of offset (a block
// hash), per spec §4.3.3. complete=true lets the engine recover missing
// block-state snapshots by replaying forward from genesis instead of
// failing with IncompleteBlockStatesError.
func (c *BlockChain) GetStates(addresses []signature.Address, offset signature.HashDigest, complete bool) (map[signature.Address][]byte, error) {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.coreGetStates(addresses, offset, complete)
}

func (c *BlockChain) coreGetStates(addresses []signature.Address, offset signature.HashDigest, complete bool) (map[signature.Address][]byte, error) {
	if offset == signature.ZeroDigest {
		return map[signature.Address][]byte{}, nil
	}

	offsetBlock, ok, err := c.store.GetBlock(offset)
	if err != nil {
		return nil, &chainerr.StoreError{Op: "GetStates", Err: err}
	}
	if !ok {
		return nil, chainerr.ErrNotFound
	}
	pivot := offsetBlock.Header.Index

	// A block with no transactions and no block action has nothing to
	// evaluate; any other block must have its own states persisted.
	if len(offsetBlock.Transactions) > 0 || c.policy.BlockAction() != nil {
		if _, has, err := c.store.GetBlockStates(offset); err != nil {
			return nil, &chainerr.StoreError{Op: "GetStates", Err: err}
		} else if !has {
			if !complete {
				return nil, &chainerr.IncompleteBlockStatesError{BlockHash: offset}
			}
			if err := c.recoverBlockStates(offset); err != nil {
				return nil, err
			}
		}
	}

	groups := make(map[signature.HashDigest][]signature.Address)
	for _, addr := range addresses {
		entry, found, err := c.store.LookupStateReference(c.id, addr, pivot)
		if err != nil {
			return nil, &chainerr.StoreError{Op: "GetStates", Err: err}
		}
		if !found {
			continue
		}
		groups[entry.Hash] = append(groups[entry.Hash], addr)
	}

	out := make(map[signature.Address][]byte)
	for hash, addrs := range groups {
		states, ok, err := c.store.GetBlockStates(hash)
		if err != nil {
			return nil, &chainerr.StoreError{Op: "GetStates", Err: err}
		}
		if !ok {
			if !complete {
				return nil, &chainerr.IncompleteBlockStatesError{BlockHash: hash}
			}
			if err := c.recoverBlockStates(hash); err != nil {
				return nil, err
			}
			states, ok, err = c.store.GetBlockStates(hash)
			if err != nil {
				return nil, &chainerr.StoreError{Op: "GetStates", Err: err}
			}
			if !ok {
				return nil, &chainerr.IncompleteBlockStatesError{BlockHash: hash}
			}
		}
		for _, addr := range addrs {
			if v, ok := states[addr]; ok {
				out[addr] = v
			}
		}
	}
	return out, nil
}

// recoverBlockStates walks forward from genesis to target, executing
// (without rendering) every block whose state was never persisted.
func (c *BlockChain) recoverBlockStates(target signature.HashDigest) error {
	targetBlock, ok, err := c.store.GetBlock(target)
	if err != nil {
		return &chainerr.StoreError{Op: "recoverBlockStates", Err: err}
	}
	if !ok {
		return chainerr.ErrNotFound
	}

	for i := int64(0); i <= int64(targetBlock.Header.Index); i++ {
		b, ok, err := c.blockAtUnlocked(i)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if _, has, err := c.store.GetBlockStates(b.Hash()); err != nil {
			return &chainerr.StoreError{Op: "recoverBlockStates", Err: err}
		} else if has {
			continue
		}
		if err := c.ExecuteActions(b, false); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// 4.3.4 Mining

// MineBlock gathers a nonce-contiguous set of staged transactions per
// signer, mines a block on top of the current tip, and appends it.
func (c *BlockChain) MineBlock(ctx context.Context, miner signature.Address, now time.Time) (block.Block, error) {
	h := c.lock.URLock()

	nextIndex, err := c.store.CountIndex(c.id)
	if err != nil {
		h.Release()
		return block.Block{}, &chainerr.StoreError{Op: "MineBlock", Err: err}
	}

	var previousHash signature.HashDigest
	if tip, ok := c.tipUnlocked(); ok {
		previousHash = tip.Hash()
	}

	difficulty, err := c.policy.GetNextDifficulty(chainView{c})
	if err != nil {
		h.Release()
		return block.Block{}, err
	}

	txs, err := c.pickStaged()
	if err != nil {
		h.Release()
		return block.Block{}, err
	}

	h.Release()

	c.ev("engine: mine: index[%d] difficulty[%d] transactions[%d]", nextIndex, difficulty, len(txs))

	mined, err := block.Mine(ctx, nextIndex, difficulty, miner, previousHash, now, txs)
	if err != nil {
		return block.Block{}, err
	}

	if err := c.Append(mined, now, true, true); err != nil {
		return block.Block{}, err
	}
	return mined, nil
}

// GetNextTxNonce is store.GetTxNonce extended by the longest contiguous
// ascending run of nonces present among signer's staged transactions.
func (c *BlockChain) GetNextTxNonce(signer signature.Address) (int64, error) {
	c.lock.RLock()
	defer c.lock.RUnlock()

	staged, err := c.stagedBySigner()
	if err != nil {
		return 0, err
	}

	base, err := c.store.GetTxNonce(c.id, signer)
	if err != nil {
		return 0, &chainerr.StoreError{Op: "GetNextTxNonce", Err: err}
	}

	run, err := c.contiguousRun(signer, staged[signer])
	if err != nil {
		return 0, err
	}
	return base + int64(len(run)), nil
}

func (c *BlockChain) stagedBySigner() (map[signature.Address][]tx.Transaction, error) {
	ids, err := c.store.IterateStaged(false)
	if err != nil {
		return nil, &chainerr.StoreError{Op: "stagedBySigner", Err: err}
	}

	out := make(map[signature.Address][]tx.Transaction)
	for _, id := range ids {
		t, ok, err := c.store.GetTransaction(id)
		if err != nil {
			return nil, &chainerr.StoreError{Op: "stagedBySigner", Err: err}
		}
		if !ok {
			continue
		}
		out[t.Signer] = append(out[t.Signer], t)
	}
	for signer := range out {
		list := out[signer]
		sort.Slice(list, func(i, j int) bool { return list[i].Nonce < list[j].Nonce })
		out[signer] = list
	}
	return out, nil
}

func (c *BlockChain) contiguousRun(signer signature.Address, staged []tx.Transaction) ([]tx.Transaction, error) {
	base, err := c.store.GetTxNonce(c.id, signer)
	if err != nil {
		return nil, &chainerr.StoreError{Op: "contiguousRun", Err: err}
	}

	var out []tx.Transaction
	expected := base
	for _, t := range staged {
		if t.Nonce != expected {
			break
		}
		out = append(out, t)
		expected++
	}
	return out, nil
}

func (c *BlockChain) pickStaged() ([]tx.Transaction, error) {
	bySigner, err := c.stagedBySigner()
	if err != nil {
		return nil, err
	}

	var out []tx.Transaction
	for signer, list := range bySigner {
		run, err := c.contiguousRun(signer, list)
		if err != nil {
			return nil, err
		}
		out = append(out, run...)
	}
	return out, nil
}

// =============================================================================
// 4.3.7 Staging

// StagedTx pairs a transaction with the "should broadcast" flag spec
// §4.3.7 requires: true for locally originated transactions, false for
// ones relayed in already staged by a peer.
type StagedTx struct {
	Tx        tx.Transaction
	Broadcast bool
}

// StageTransactions persists and stages each item under the write lock.
func (c *BlockChain) StageTransactions(items []StagedTx) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	ids := make(map[signature.HashDigest]bool, len(items))
	for _, item := range items {
		if err := c.store.PutTransaction(item.Tx); err != nil {
			return &chainerr.StoreError{Op: "StageTransactions", Err: err}
		}
		ids[item.Tx.ID()] = item.Broadcast
	}
	if len(ids) == 0 {
		return nil
	}
	if err := c.store.StageTransactionIDs(ids); err != nil {
		return &chainerr.StoreError{Op: "StageTransactions", Err: err}
	}
	return nil
}

// UnstageTransactions removes the given ids from the staged set.
func (c *BlockChain) UnstageTransactions(ids []signature.HashDigest) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	if err := c.store.UnstageTransactionIDs(ids); err != nil {
		return &chainerr.StoreError{Op: "UnstageTransactions", Err: err}
	}
	return nil
}

// ToBroadcast returns the staged transaction ids flagged for relay.
func (c *BlockChain) ToBroadcast() ([]signature.HashDigest, error) {
	c.lock.RLock()
	defer c.lock.RUnlock()

	ids, err := c.store.IterateStaged(true)
	if err != nil {
		return nil, &chainerr.StoreError{Op: "ToBroadcast", Err: err}
	}
	return ids, nil
}

// =============================================================================
// tx_lock — MakeTransaction

// MakeTransaction signs a new Transaction using the next nonce this
// signer would need, serialized by tx_lock so concurrent callers get
// consecutive nonces without gaps (spec §5).
func (c *BlockChain) MakeTransaction(privateKey *ecdsa.PrivateKey, updatedAddresses []signature.Address, actions []action.Action, now time.Time) (tx.Transaction, error) {
	c.txLock.Lock()
	defer c.txLock.Unlock()

	signer := signature.AddressFromPublicKey(&privateKey.PublicKey)
	nonce, err := c.GetNextTxNonce(signer)
	if err != nil {
		return tx.Transaction{}, err
	}
	return tx.New(nonce, privateKey, updatedAddresses, actions, now)
}

// =============================================================================
// 4.3.5 Fork

// Fork allocates a sibling chain identity that shares canonical history up
// to and including branchHash, with per-address state-reference lists and
// per-signer nonces adjusted to drop everything above the branch point.
func (c *BlockChain) Fork(ctx context.Context, branchHash signature.HashDigest) (*BlockChain, error) {
	h := c.lock.URLock()
	defer h.Release()

	branchBlock, ok, err := c.store.GetBlock(branchHash)
	if err != nil {
		return nil, &chainerr.StoreError{Op: "Fork", Err: err}
	}
	if !ok {
		return nil, chainerr.ErrNotFound
	}

	newID, err := store.NewChainID()
	if err != nil {
		return nil, err
	}

	count, err := c.store.CountIndex(c.id)
	if err != nil {
		return nil, &chainerr.StoreError{Op: "Fork", Err: err}
	}

	for i := int64(0); i <= int64(branchBlock.Header.Index); i++ {
		if err := ctx.Err(); err != nil {
			return nil, chainerr.ErrOperationCanceled
		}
		hash, ok, err := c.store.IndexBlockHash(c.id, i)
		if err != nil {
			return nil, &chainerr.StoreError{Op: "Fork", Err: err}
		}
		if !ok {
			continue
		}
		if _, err := c.store.AppendIndex(newID, hash); err != nil {
			return nil, &chainerr.StoreError{Op: "Fork", Err: err}
		}
	}

	stripped := make(map[signature.Address]bool)
	strippedTxCounts := make(map[signature.Address]int64)

	for i := int64(branchBlock.Header.Index) + 1; i < int64(count); i++ {
		if err := ctx.Err(); err != nil {
			return nil, chainerr.ErrOperationCanceled
		}
		hash, ok, err := c.store.IndexBlockHash(c.id, i)
		if err != nil {
			return nil, &chainerr.StoreError{Op: "Fork", Err: err}
		}
		if !ok {
			continue
		}
		b, ok, err := c.store.GetBlock(hash)
		if err != nil {
			return nil, &chainerr.StoreError{Op: "Fork", Err: err}
		}
		if !ok {
			continue
		}

		for _, t := range b.Transactions {
			strippedTxCounts[t.Signer]++
		}

		states, ok, err := c.store.GetBlockStates(hash)
		if err != nil {
			return nil, &chainerr.StoreError{Op: "Fork", Err: err}
		}
		if ok {
			for addr := range states {
				stripped[addr] = true
			}
		}
	}

	if err := c.store.ForkStateReferences(c.id, newID, branchBlock.Header.Index, stripped); err != nil {
		return nil, &chainerr.StoreError{Op: "Fork", Err: err}
	}

	nonces, err := c.store.ListTxNonces(c.id)
	if err != nil {
		return nil, &chainerr.StoreError{Op: "Fork", Err: err}
	}
	for addr, nonce := range nonces {
		adjusted := nonce - strippedTxCounts[addr]
		if adjusted < 0 {
			return nil, fmt.Errorf("engine: fork: negative nonce for %s after stripping", addr)
		}
		if adjusted == 0 {
			continue
		}
		if _, err := c.store.IncreaseTxNonce(newID, addr, adjusted); err != nil {
			return nil, &chainerr.StoreError{Op: "Fork", Err: err}
		}
	}

	c.ev("engine: fork: branch[%s] old[%s] new[%s]", branchHash, c.id, newID)

	return &BlockChain{
		policy:   c.policy,
		store:    c.store,
		registry: c.registry,
		renders:  render.NewRegistry(),
		ev:       c.ev,
		id:       newID,
	}, nil
}

// =============================================================================
// 4.3.6 Swap

// Swap atomically replaces c's identity with other's. With render=true it
// unrenders c's blocks above the common branch point in reverse canonical
// order, then renders other's blocks above that point in canonical order.
// The branch-point search and unrender pass only need to read, so they run
// under the upgradeable read lock; Upgrade promotes it to a full write lock
// before the identity mutation, which is held through the render pass too.
func (c *BlockChain) Swap(ctx context.Context, other *BlockChain, doRender bool) error {
	h := c.lock.URLock()
	defer h.Release()

	branchpoint := int64(-1)

	if doRender {
		lenA, err := c.store.CountIndex(c.id)
		if err != nil {
			return &chainerr.StoreError{Op: "Swap", Err: err}
		}
		lenB, err := c.store.CountIndex(other.id)
		if err != nil {
			return &chainerr.StoreError{Op: "Swap", Err: err}
		}

		minLen := lenA
		if lenB < minLen {
			minLen = lenB
		}

		for i := int64(minLen) - 1; i >= 0; i-- {
			if err := ctx.Err(); err != nil {
				return chainerr.ErrOperationCanceled
			}
			ha, ok, err := c.store.IndexBlockHash(c.id, i)
			if err != nil || !ok {
				break
			}
			hb, ok, err := c.store.IndexBlockHash(other.id, i)
			if err != nil || !ok {
				break
			}
			if ha == hb {
				branchpoint = i
				break
			}
		}

		var unrenderEvals []action.Evaluation
		for i := branchpoint + 1; i < int64(lenA); i++ {
			if err := ctx.Err(); err != nil {
				return chainerr.ErrOperationCanceled
			}
			b, ok, err := c.blockAtUnlocked(i)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			evals, _, err := c.evaluateBlock(b)
			if err != nil {
				return err
			}
			unrenderEvals = append(unrenderEvals, evals...)
		}
		for i := len(unrenderEvals) - 1; i >= 0; i-- {
			e := unrenderEvals[i]
			if e.Err != nil {
				e.Action.UnrenderError(e.Input, e.Err)
				continue
			}
			c.renders.Unrender(e.Action, e.Input, e.Output)
		}
	}

	h.Upgrade()

	oldID := c.id
	c.id = other.id
	if err := c.store.SetCanonicalChainID(other.id); err != nil {
		return &chainerr.StoreError{Op: "Swap", Err: err}
	}
	if err := c.store.DeleteChainID(oldID); err != nil {
		return &chainerr.StoreError{Op: "Swap", Err: err}
	}

	c.ev("engine: swap: old[%s] new[%s]", oldID, other.id)

	if doRender {
		lenB, err := c.store.CountIndex(c.id)
		if err != nil {
			return &chainerr.StoreError{Op: "Swap", Err: err}
		}
		for i := branchpoint + 1; i < int64(lenB); i++ {
			if err := ctx.Err(); err != nil {
				return chainerr.ErrOperationCanceled
			}
			b, ok, err := c.blockAtUnlocked(i)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			evals, _, err := c.evaluateBlock(b)
			if err != nil {
				return err
			}
			for _, e := range evals {
				if e.Err != nil {
					e.Action.RenderError(e.Input, e.Err)
					continue
				}
				c.renders.Render(e.Action, e.Input, e.Output)
			}
		}
	}

	return nil
}

// =============================================================================
// 4.3.8 Block locator

// BlockLocator returns block hashes from the tip backward, with stride
// doubling once threshold entries have been emitted.
func (c *BlockChain) BlockLocator(threshold int) ([]signature.HashDigest, error) {
	c.lock.RLock()
	defer c.lock.RUnlock()

	count, err := c.lenUnlocked()
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, nil
	}

	var out []signature.HashDigest
	step := int64(1)
	for i := int64(count) - 1; i >= 0; i -= step {
		hash, ok, err := c.store.IndexBlockHash(c.id, i)
		if err != nil {
			return nil, &chainerr.StoreError{Op: "BlockLocator", Err: err}
		}
		if ok {
			out = append(out, hash)
		}
		if len(out) >= threshold {
			step *= 2
		}
	}
	return out, nil
}

// FindBranchPoint returns the first hash in locator present in this
// chain's block set, falling back to genesis.
func (c *BlockChain) FindBranchPoint(locator []signature.HashDigest) (signature.HashDigest, error) {
	c.lock.RLock()
	defer c.lock.RUnlock()

	for _, h := range locator {
		b, ok, err := c.store.GetBlock(h)
		if err != nil || !ok {
			continue
		}
		if onChain, ok, err := c.store.IndexBlockHash(c.id, int64(b.Header.Index)); err == nil && ok && onChain == h {
			return h, nil
		}
	}

	genesisHash, ok, err := c.store.IndexBlockHash(c.id, 0)
	if err != nil {
		return signature.HashDigest{}, &chainerr.StoreError{Op: "FindBranchPoint", Err: err}
	}
	if !ok {
		return signature.HashDigest{}, chainerr.ErrNotFound
	}
	return genesisHash, nil
}

// FindNextHashes yields up to count hashes starting just after the
// locator's branch point, stopping early if stop is emitted.
func (c *BlockChain) FindNextHashes(locator []signature.HashDigest, stop *signature.HashDigest, count int) ([]signature.HashDigest, error) {
	branch, err := c.FindBranchPoint(locator)
	if err != nil {
		return nil, err
	}

	c.lock.RLock()
	defer c.lock.RUnlock()

	branchBlock, ok, err := c.store.GetBlock(branch)
	if err != nil {
		return nil, &chainerr.StoreError{Op: "FindNextHashes", Err: err}
	}
	if !ok {
		return nil, chainerr.ErrNotFound
	}

	var out []signature.HashDigest
	for i := int64(branchBlock.Header.Index) + 1; len(out) < count; i++ {
		hash, ok, err := c.store.IndexBlockHash(c.id, i)
		if err != nil {
			return nil, &chainerr.StoreError{Op: "FindNextHashes", Err: err}
		}
		if !ok {
			break
		}
		out = append(out, hash)
		if stop != nil && hash == *stop {
			break
		}
	}
	return out, nil
}

var _ policy.Chain = (*BlockChain)(nil)
