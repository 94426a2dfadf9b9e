package engine_test

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/chainforge/corechain/foundation/blockchain/action"
	"github.com/chainforge/corechain/foundation/blockchain/block"
	"github.com/chainforge/corechain/foundation/blockchain/chainerr"
	"github.com/chainforge/corechain/foundation/blockchain/engine"
	"github.com/chainforge/corechain/foundation/blockchain/genesis"
	"github.com/chainforge/corechain/foundation/blockchain/policy"
	"github.com/chainforge/corechain/foundation/blockchain/render"
	"github.com/chainforge/corechain/foundation/blockchain/signature"
	"github.com/chainforge/corechain/foundation/blockchain/store"
	"github.com/chainforge/corechain/foundation/blockchain/store/memory"
	"github.com/chainforge/corechain/foundation/blockchain/tx"
)

// setStateAction is the fixture action shared by every scenario below: it
// overwrites a single address's opaque state, the same "S -> value" shape
// spec §8's scenarios describe.
type setStateAction struct {
	Addr  signature.Address
	Value []byte
}

func (a *setStateAction) Execute(ctx action.Context) (*action.AccountStateDelta, error) {
	return action.NewAccountStateDelta(ctx.Previous).SetState(a.Addr, a.Value), nil
}
func (a *setStateAction) Render(action.Context, *action.AccountStateDelta)   {}
func (a *setStateAction) Unrender(action.Context, *action.AccountStateDelta) {}
func (a *setStateAction) RenderError(action.Context, error)                  {}
func (a *setStateAction) UnrenderError(action.Context, error)                {}
func (a *setStateAction) Type() string                                       { return "set-state" }
func (a *setStateAction) PlainValue() (json.RawMessage, error)                { return json.Marshal(a) }
func (a *setStateAction) LoadPlainValue(v json.RawMessage) error              { return json.Unmarshal(v, a) }

func newRegistry() *action.Registry {
	r := action.NewRegistry()
	r.Register("set-state", func() action.Action { return &setStateAction{} })
	return r
}

func newChain(t *testing.T) (*engine.BlockChain, store.Store) {
	t.Helper()

	db := memory.New()
	p := policy.NewFixed(2)
	c, err := engine.Bootstrap(db, p, newRegistry(), nil, genesis.Genesis{
		ChainName:  "test",
		Date:       time.Now().UTC(),
		Difficulty: 2,
	})
	if err != nil {
		t.Fatalf("bootstrap: %s", err)
	}
	return c, db
}

func newSigner(t *testing.T) (signature.Address, *ecdsa.PrivateKey) {
	t.Helper()

	pk, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %s", err)
	}
	return signature.AddressFromPublicKey(&pk.PublicKey), pk
}

// =============================================================================
// Scenario 1: genesis only.

func Test_GenesisOnly(t *testing.T) {
	c, _ := newChain(t)

	tip, ok := c.Tip()
	if !ok {
		t.Fatalf("expected a genesis block to exist after bootstrap")
	}
	if tip.Header.Index != 0 || len(tip.Transactions) != 0 {
		t.Fatalf("got index=%d len(tx)=%d, want genesis with no transactions", tip.Header.Index, len(tip.Transactions))
	}

	states, err := c.GetStates([]signature.Address{{0x01}}, signature.ZeroDigest, false)
	if err != nil {
		t.Fatalf("get states with no offset: %s", err)
	}
	if len(states) != 0 {
		t.Fatalf("got %d states, want none for a null offset", len(states))
	}

	mined, err := c.MineBlock(context.Background(), signature.Address{0xAA}, time.Now().UTC())
	if err != nil {
		t.Fatalf("mine block: %s", err)
	}
	if mined.Header.Index != 1 || len(mined.Transactions) != 0 {
		t.Fatalf("got index=%d len(tx)=%d, want block 1 with no transactions", mined.Header.Index, len(mined.Transactions))
	}
}

// =============================================================================
// Scenario 2: two-block linear state history.

func Test_TwoBlockLinearStateHistory(t *testing.T) {
	c, _ := newChain(t)

	signer, pk := newSigner(t)

	tx1, err := c.MakeTransaction(pk, []signature.Address{signer}, []action.Action{&setStateAction{Addr: signer, Value: []byte("A")}}, time.Now().UTC())
	if err != nil {
		t.Fatalf("make tx1: %s", err)
	}
	if err := c.StageTransactions([]engine.StagedTx{{Tx: tx1, Broadcast: true}}); err != nil {
		t.Fatalf("stage tx1: %s", err)
	}

	block1, err := c.MineBlock(context.Background(), signature.Address{0x01}, time.Now().UTC())
	if err != nil {
		t.Fatalf("mine block 1: %s", err)
	}

	tx2, err := c.MakeTransaction(pk, []signature.Address{signer}, []action.Action{&setStateAction{Addr: signer, Value: []byte("B")}}, time.Now().UTC())
	if err != nil {
		t.Fatalf("make tx2: %s", err)
	}
	if err := c.StageTransactions([]engine.StagedTx{{Tx: tx2, Broadcast: true}}); err != nil {
		t.Fatalf("stage tx2: %s", err)
	}

	if _, err := c.MineBlock(context.Background(), signature.Address{0x01}, time.Now().UTC()); err != nil {
		t.Fatalf("mine block 2: %s", err)
	}

	tip, _ := c.Tip()
	atTip, err := c.GetStates([]signature.Address{signer}, tip.Hash(), false)
	if err != nil {
		t.Fatalf("get states at tip: %s", err)
	}
	if string(atTip[signer]) != "B" {
		t.Fatalf("got %q at tip, want %q", atTip[signer], "B")
	}

	atBlock1, err := c.GetStates([]signature.Address{signer}, block1.Hash(), false)
	if err != nil {
		t.Fatalf("get states at block 1: %s", err)
	}
	if string(atBlock1[signer]) != "A" {
		t.Fatalf("got %q at block 1, want %q", atBlock1[signer], "A")
	}

	nonce, err := c.GetNextTxNonce(signer)
	if err != nil {
		t.Fatalf("get next tx nonce: %s", err)
	}
	if nonce != 2 {
		t.Fatalf("got next tx nonce %d, want 2", nonce)
	}
}

// =============================================================================
// Scenario 3: fork and swap.

func Test_ForkAndSwapRerendersTheBranch(t *testing.T) {
	c, _ := newChain(t)

	signer, pk := newSigner(t)

	var mainBlocks []block.Block
	for i := 0; i < 5; i++ {
		a := &setStateAction{Addr: signer, Value: []byte(fmt.Sprintf("main-%d", i))}
		txn, err := c.MakeTransaction(pk, []signature.Address{signer}, []action.Action{a}, time.Now().UTC())
		if err != nil {
			t.Fatalf("make main tx %d: %s", i, err)
		}
		if err := c.StageTransactions([]engine.StagedTx{{Tx: txn, Broadcast: true}}); err != nil {
			t.Fatalf("stage main tx %d: %s", i, err)
		}
		b, err := c.MineBlock(context.Background(), signature.Address{0x01}, time.Now().UTC())
		if err != nil {
			t.Fatalf("mine main block %d: %s", i, err)
		}
		mainBlocks = append(mainBlocks, b)
	}

	branch := mainBlocks[2] // block index 3

	forked, err := c.Fork(context.Background(), branch.Hash())
	if err != nil {
		t.Fatalf("fork: %s", err)
	}

	for i := 0; i < 3; i++ {
		a := &setStateAction{Addr: signer, Value: []byte(fmt.Sprintf("fork-%d", i))}
		txn, err := forked.MakeTransaction(pk, []signature.Address{signer}, []action.Action{a}, time.Now().UTC())
		if err != nil {
			t.Fatalf("make fork tx %d: %s", i, err)
		}
		if err := forked.StageTransactions([]engine.StagedTx{{Tx: txn, Broadcast: true}}); err != nil {
			t.Fatalf("stage fork tx %d: %s", i, err)
		}
		if _, err := forked.MineBlock(context.Background(), signature.Address{0x02}, time.Now().UTC()); err != nil {
			t.Fatalf("mine fork block %d: %s", i, err)
		}
	}

	var mu sync.Mutex
	var rendered, unrendered []string
	c.Renders().Subscribe(render.Sink{
		Rendered: func(a action.Action, _ action.Context, _ *action.AccountStateDelta) {
			mu.Lock()
			defer mu.Unlock()
			rendered = append(rendered, string(a.(*setStateAction).Value))
		},
		Unrendered: func(a action.Action, _ action.Context, _ *action.AccountStateDelta) {
			mu.Lock()
			defer mu.Unlock()
			unrendered = append(unrendered, string(a.(*setStateAction).Value))
		},
	})

	if err := c.Swap(context.Background(), forked, true); err != nil {
		t.Fatalf("swap: %s", err)
	}

	wantUnrendered := []string{"main-4", "main-3"}
	if fmt.Sprint(unrendered) != fmt.Sprint(wantUnrendered) {
		t.Fatalf("got unrendered %v, want %v", unrendered, wantUnrendered)
	}

	wantRendered := []string{"fork-0", "fork-1", "fork-2"}
	if fmt.Sprint(rendered) != fmt.Sprint(wantRendered) {
		t.Fatalf("got rendered %v, want %v", rendered, wantRendered)
	}

	if c.ID() != forked.ID() {
		t.Fatalf("got chain id %s after swap, want %s", c.ID(), forked.ID())
	}

	tip, _ := c.Tip()
	states, err := c.GetStates([]signature.Address{signer}, tip.Hash(), false)
	if err != nil {
		t.Fatalf("get states after swap: %s", err)
	}
	if string(states[signer]) != "fork-2" {
		t.Fatalf("got %q after swap, want %q", states[signer], "fork-2")
	}
}

// =============================================================================
// Scenario 4: InvalidTxNonce.

func Test_AppendRejectsInvalidTxNonce(t *testing.T) {
	c, _ := newChain(t)

	signer, pk := newSigner(t)

	// Nonce 0 is expected; sign nonce 1 directly to bypass MakeTransaction's
	// automatic nonce assignment and force the mismatch.
	txn, err := tx.New(1, pk, []signature.Address{signer}, []action.Action{&setStateAction{Addr: signer, Value: []byte("x")}}, time.Now().UTC())
	if err != nil {
		t.Fatalf("new tx: %s", err)
	}

	tip, _ := c.Tip()
	mined, err := block.Mine(context.Background(), tip.Header.Index+1, 2, signature.Address{0x01}, tip.Hash(), time.Now().UTC(), []tx.Transaction{txn})
	if err != nil {
		t.Fatalf("mine: %s", err)
	}

	err = c.Append(mined, time.Now().UTC(), true, true)
	var nonceErr *chainerr.InvalidTxNonceError
	if !errors.As(err, &nonceErr) {
		t.Fatalf("got err %v, want *chainerr.InvalidTxNonceError", err)
	}
	if nonceErr.Expected != 0 || nonceErr.Actual != 1 {
		t.Fatalf("got expected=%d actual=%d, want expected=0 actual=1", nonceErr.Expected, nonceErr.Actual)
	}

	newTip, _ := c.Tip()
	if newTip.Hash() != tip.Hash() {
		t.Fatalf("chain advanced despite a rejected append")
	}
}

// =============================================================================
// Scenario 5: incomplete block states recovery.

func Test_GetStatesRecoversMissingBlockStates(t *testing.T) {
	c, _ := newChain(t)

	signer, pk := newSigner(t)

	txn, err := c.MakeTransaction(pk, []signature.Address{signer}, []action.Action{&setStateAction{Addr: signer, Value: []byte("A")}}, time.Now().UTC())
	if err != nil {
		t.Fatalf("make tx: %s", err)
	}
	if err := c.StageTransactions([]engine.StagedTx{{Tx: txn, Broadcast: true}}); err != nil {
		t.Fatalf("stage tx: %s", err)
	}

	tip, _ := c.Tip()
	mined, err := block.Mine(context.Background(), tip.Header.Index+1, 2, signature.Address{0x01}, tip.Hash(), time.Now().UTC(), []tx.Transaction{txn})
	if err != nil {
		t.Fatalf("mine: %s", err)
	}

	// evaluateActions=false leaves this block's states unpersisted, the way
	// a fast-sync peer might append blocks before evaluating them.
	if err := c.Append(mined, time.Now().UTC(), false, false); err != nil {
		t.Fatalf("append: %s", err)
	}

	_, err = c.GetStates([]signature.Address{signer}, mined.Hash(), false)
	var incErr *chainerr.IncompleteBlockStatesError
	if !errors.As(err, &incErr) {
		t.Fatalf("got err %v, want *chainerr.IncompleteBlockStatesError", err)
	}

	states, err := c.GetStates([]signature.Address{signer}, mined.Hash(), true)
	if err != nil {
		t.Fatalf("get states with complete=true: %s", err)
	}
	if string(states[signer]) != "A" {
		t.Fatalf("got %q, want %q after recovery", states[signer], "A")
	}
}

// =============================================================================
// Scenario 6: concurrent staging and mining.

func Test_ConcurrentStagingRespectsNonceContiguity(t *testing.T) {
	c, _ := newChain(t)

	signerA, pkA := newSigner(t)
	signerB, pkB := newSigner(t)

	stage := func(signer signature.Address, pk *ecdsa.PrivateKey, value string) error {
		txn, err := c.MakeTransaction(pk, []signature.Address{signer}, []action.Action{&setStateAction{Addr: signer, Value: []byte(value)}}, time.Now().UTC())
		if err != nil {
			return err
		}
		return c.StageTransactions([]engine.StagedTx{{Tx: txn, Broadcast: false}})
	}

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	wg.Add(2)
	go func() { defer wg.Done(); errs <- stage(signerA, pkA, "from-a") }()
	go func() { defer wg.Done(); errs <- stage(signerB, pkB, "from-b") }()
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("stage: %s", err)
		}
	}

	mined, err := c.MineBlock(context.Background(), signature.Address{0x03}, time.Now().UTC())
	if err != nil {
		t.Fatalf("mine: %s", err)
	}
	if len(mined.Transactions) != 2 {
		t.Fatalf("got %d transactions in mined block, want 2 nonce-0 transactions from disjoint signers", len(mined.Transactions))
	}
	for _, txn := range mined.Transactions {
		if txn.Nonce != 0 {
			t.Fatalf("got nonce %d in mined block, want 0 for every first transaction from a fresh signer", txn.Nonce)
		}
	}
}
