package leveldb_test

import (
	"path/filepath"
	"testing"

	"github.com/chainforge/corechain/foundation/blockchain/signature"
	"github.com/chainforge/corechain/foundation/blockchain/store"
	"github.com/chainforge/corechain/foundation/blockchain/store/leveldb"
)

func openTestStore(t *testing.T) *leveldb.LevelDB {
	t.Helper()

	dir := t.TempDir()
	db, err := leveldb.Open(filepath.Join(dir, "corechain"))
	if err != nil {
		t.Fatalf("open leveldb store: %s", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func Test_IndexAppendAndLookup(t *testing.T) {
	db := openTestStore(t)
	chain, _ := store.NewChainID()

	var hashes []signature.HashDigest
	for i := 0; i < 4; i++ {
		h := signature.Hash(i)
		hashes = append(hashes, h)
		if _, err := db.AppendIndex(chain, h); err != nil {
			t.Fatalf("append index: %s", err)
		}
	}

	count, err := db.CountIndex(chain)
	if err != nil || count != 4 {
		t.Fatalf("got count %d err %v, want 4", count, err)
	}

	tip, ok, err := db.IndexBlockHash(chain, -1)
	if err != nil || !ok || tip != hashes[3] {
		t.Fatalf("got tip %s ok=%v err=%v, want %s", tip, ok, err, hashes[3])
	}
}

func Test_StateReferenceRoundTrip(t *testing.T) {
	db := openTestStore(t)
	chain, _ := store.NewChainID()
	addr := signature.Address{0x09}

	for _, idx := range []uint64{1, 4, 8} {
		if err := db.StoreStateReference(chain, []signature.Address{addr}, signature.Hash(idx), idx); err != nil {
			t.Fatalf("store state reference: %s", err)
		}
	}

	entry, ok, err := db.LookupStateReference(chain, addr, 6)
	if err != nil || !ok || entry.Index != 4 {
		t.Fatalf("got entry=%+v ok=%v err=%v, want index 4", entry, ok, err)
	}
}

func Test_TxNonceRoundTrip(t *testing.T) {
	db := openTestStore(t)
	chain, _ := store.NewChainID()
	addr := signature.Address{0x0a}

	if _, err := db.IncreaseTxNonce(chain, addr, 1); err != nil {
		t.Fatalf("increase nonce: %s", err)
	}
	n, err := db.GetTxNonce(chain, addr)
	if err != nil || n != 1 {
		t.Fatalf("got n=%d err=%v, want 1", n, err)
	}
}

func Test_StagedTransactionIDsRoundTrip(t *testing.T) {
	db := openTestStore(t)

	broadcastID := signature.Hash("broadcast")
	quietID := signature.Hash("quiet")

	ids := map[signature.HashDigest]bool{
		broadcastID: true,
		quietID:     false,
	}
	if err := db.StageTransactionIDs(ids); err != nil {
		t.Fatalf("stage transaction ids: %s", err)
	}

	all, err := db.IterateStaged(false)
	if err != nil {
		t.Fatalf("iterate staged: %s", err)
	}
	if len(all) != 2 {
		t.Fatalf("got %d staged ids, want 2", len(all))
	}

	onlyBroadcast, err := db.IterateStaged(true)
	if err != nil {
		t.Fatalf("iterate staged (broadcast only): %s", err)
	}
	if len(onlyBroadcast) != 1 || onlyBroadcast[0] != broadcastID {
		t.Fatalf("got %v, want only %s", onlyBroadcast, broadcastID)
	}

	if err := db.UnstageTransactionIDs([]signature.HashDigest{broadcastID, quietID}); err != nil {
		t.Fatalf("unstage transaction ids: %s", err)
	}
	remaining, err := db.IterateStaged(false)
	if err != nil || len(remaining) != 0 {
		t.Fatalf("got remaining=%v err=%v, want none after unstaging", remaining, err)
	}
}

func Test_CanonicalChainIDPersists(t *testing.T) {
	db := openTestStore(t)
	id, _ := store.NewChainID()

	if err := db.SetCanonicalChainID(id); err != nil {
		t.Fatalf("set canonical: %s", err)
	}
	got, ok, err := db.GetCanonicalChainID()
	if err != nil || !ok || got != id {
		t.Fatalf("got %s ok=%v err=%v, want %s", got, ok, err, id)
	}
}
