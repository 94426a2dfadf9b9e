package block_test

import (
	"context"
	"testing"
	"time"

	"github.com/chainforge/corechain/foundation/blockchain/block"
	"github.com/chainforge/corechain/foundation/blockchain/signature"
)

func Test_MineProducesValidGenesisSuccessor(t *testing.T) {
	now := time.Now().UTC()
	genesis := block.New(block.Header{Index: 0, Timestamp: now}, nil)

	miner := signature.Address{0x01}
	mined, err := block.Mine(context.Background(), 1, 2, miner, genesis.Hash(), now.Add(time.Second), nil)
	if err != nil {
		t.Fatalf("mine: %s", err)
	}

	if err := mined.Validate(genesis, now.Add(time.Minute)); err != nil {
		t.Fatalf("validate: %s", err)
	}
}

func Test_MineRespectsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := block.Mine(ctx, 1, 1<<40, signature.Address{}, signature.ZeroDigest, time.Now().UTC(), nil)
	if err == nil {
		t.Fatalf("expected mining to observe cancellation")
	}
}

func Test_ValidateRejectsStaleTimestamp(t *testing.T) {
	now := time.Now().UTC()
	genesis := block.New(block.Header{Index: 0, Timestamp: now}, nil)

	mined, err := block.Mine(context.Background(), 1, 2, signature.Address{}, genesis.Hash(), now.Add(-time.Hour), nil)
	if err != nil {
		t.Fatalf("mine: %s", err)
	}

	if err := mined.Validate(genesis, now); err == nil {
		t.Fatalf("expected validation to reject a timestamp before the previous block")
	}
}

func Test_MarshalRoundTrip(t *testing.T) {
	now := time.Now().UTC()
	genesis := block.New(block.Header{Index: 0, Timestamp: now}, nil)

	data, err := genesis.MarshalForStorage()
	if err != nil {
		t.Fatalf("marshal: %s", err)
	}

	got, err := block.UnmarshalFromStorage(data)
	if err != nil {
		t.Fatalf("unmarshal: %s", err)
	}
	if got.Hash() != genesis.Hash() {
		t.Fatalf("got hash %s, want %s", got.Hash(), genesis.Hash())
	}
}
