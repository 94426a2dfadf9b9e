package memory_test

import (
	"testing"

	"github.com/chainforge/corechain/foundation/blockchain/signature"
	"github.com/chainforge/corechain/foundation/blockchain/store"
	"github.com/chainforge/corechain/foundation/blockchain/store/memory"
)

func Test_CanonicalChainIDRoundTrip(t *testing.T) {
	m := memory.New()

	if _, ok, err := m.GetCanonicalChainID(); err != nil || ok {
		t.Fatalf("expected no canonical chain id yet, got ok=%v err=%v", ok, err)
	}

	id, err := store.NewChainID()
	if err != nil {
		t.Fatalf("new chain id: %s", err)
	}

	if err := m.SetCanonicalChainID(id); err != nil {
		t.Fatalf("set canonical: %s", err)
	}

	got, ok, err := m.GetCanonicalChainID()
	if err != nil || !ok {
		t.Fatalf("expected canonical chain id, got ok=%v err=%v", ok, err)
	}
	if got != id {
		t.Fatalf("got %s, want %s", got, id)
	}
}

func Test_IndexAppendAndLookup(t *testing.T) {
	m := memory.New()
	chain, _ := store.NewChainID()

	var hashes []signature.HashDigest
	for i := 0; i < 5; i++ {
		h := signature.Hash(i)
		hashes = append(hashes, h)
		if _, err := m.AppendIndex(chain, h); err != nil {
			t.Fatalf("append index: %s", err)
		}
	}

	count, err := m.CountIndex(chain)
	if err != nil || count != 5 {
		t.Fatalf("got count %d err %v, want 5", count, err)
	}

	tip, ok, err := m.IndexBlockHash(chain, -1)
	if err != nil || !ok || tip != hashes[4] {
		t.Fatalf("got tip %s ok=%v err=%v, want %s", tip, ok, err, hashes[4])
	}

	first, ok, err := m.IndexBlockHash(chain, 0)
	if err != nil || !ok || first != hashes[0] {
		t.Fatalf("got first %s ok=%v err=%v, want %s", first, ok, err, hashes[0])
	}
}

func Test_LookupStateReferenceFindsClosestPriorEntry(t *testing.T) {
	m := memory.New()
	chain, _ := store.NewChainID()
	addr := signature.Address{0x01}

	for _, idx := range []uint64{2, 5, 9} {
		h := signature.Hash(idx)
		if err := m.StoreStateReference(chain, []signature.Address{addr}, h, idx); err != nil {
			t.Fatalf("store state reference: %s", err)
		}
	}

	entry, ok, err := m.LookupStateReference(chain, addr, 7)
	if err != nil || !ok {
		t.Fatalf("lookup: ok=%v err=%v", ok, err)
	}
	if entry.Index != 5 {
		t.Fatalf("got index %d, want 5", entry.Index)
	}

	_, ok, err = m.LookupStateReference(chain, addr, 1)
	if err != nil || ok {
		t.Fatalf("expected no entry at or before index 1, got ok=%v err=%v", ok, err)
	}
}

func Test_ForkStateReferencesStripsPastBranchPoint(t *testing.T) {
	m := memory.New()
	src, _ := store.NewChainID()
	dst, _ := store.NewChainID()
	addr := signature.Address{0x02}

	for _, idx := range []uint64{1, 2, 3, 4} {
		h := signature.Hash(idx)
		if err := m.StoreStateReference(src, []signature.Address{addr}, h, idx); err != nil {
			t.Fatalf("store state reference: %s", err)
		}
	}

	if err := m.ForkStateReferences(src, dst, 2, map[signature.Address]bool{addr: true}); err != nil {
		t.Fatalf("fork state references: %s", err)
	}

	refs, err := m.IterateStateReferences(dst, addr, 10, 0, 0)
	if err != nil {
		t.Fatalf("iterate state references: %s", err)
	}
	if len(refs) != 2 {
		t.Fatalf("got %d refs, want 2", len(refs))
	}
}

func Test_TxNonceIncrease(t *testing.T) {
	m := memory.New()
	chain, _ := store.NewChainID()
	addr := signature.Address{0x03}

	n, err := m.IncreaseTxNonce(chain, addr, 1)
	if err != nil || n != 1 {
		t.Fatalf("got n=%d err=%v, want 1", n, err)
	}

	n, err = m.GetTxNonce(chain, addr)
	if err != nil || n != 1 {
		t.Fatalf("got n=%d err=%v, want 1", n, err)
	}
}
