package policy_test

import (
	"testing"
	"time"

	"github.com/chainforge/corechain/foundation/blockchain/block"
	"github.com/chainforge/corechain/foundation/blockchain/policy"
)

type stubChain struct {
	blocks []block.Block
}

func (s stubChain) Tip() (block.Block, bool) {
	if len(s.blocks) == 0 {
		return block.Block{}, false
	}
	return s.blocks[len(s.blocks)-1], true
}

func (s stubChain) BlockAt(index int64) (block.Block, bool, error) {
	if len(s.blocks) == 0 {
		return block.Block{}, false, nil
	}
	i := index
	if i < 0 {
		i = int64(len(s.blocks)) + i
	}
	if i < 0 || i >= int64(len(s.blocks)) {
		return block.Block{}, false, nil
	}
	return s.blocks[i], true, nil
}

func (s stubChain) Len() (uint64, error) {
	return uint64(len(s.blocks)), nil
}

func Test_FixedNeverChangesDifficulty(t *testing.T) {
	p := policy.NewFixed(7)

	got, err := p.GetNextDifficulty(stubChain{})
	if err != nil || got != 7 {
		t.Fatalf("got %d err %v, want 7", got, err)
	}

	chain := stubChain{blocks: []block.Block{
		block.New(block.Header{Index: 0, Difficulty: 7}, nil),
	}}
	got, err = p.GetNextDifficulty(chain)
	if err != nil || got != 7 {
		t.Fatalf("got %d err %v, want 7 regardless of chain state", got, err)
	}
}

func Test_RetargetIncreasesDifficultyWhenBlocksComeTooFast(t *testing.T) {
	p := policy.NewRetarget(4, 10*time.Second, 2, 1)

	now := time.Now().UTC()
	chain := stubChain{blocks: []block.Block{
		block.New(block.Header{Index: 0, Difficulty: 4, Timestamp: now}, nil),
		block.New(block.Header{Index: 1, Difficulty: 4, Timestamp: now.Add(time.Second)}, nil),
	}}

	got, err := p.GetNextDifficulty(chain)
	if err != nil {
		t.Fatalf("get next difficulty: %s", err)
	}
	if got <= 4 {
		t.Fatalf("got %d, want an increase since blocks arrived faster than expected", got)
	}
}

func Test_RetargetHoldsBetweenWindows(t *testing.T) {
	p := policy.NewRetarget(4, 10*time.Second, 4, 1)

	now := time.Now().UTC()
	chain := stubChain{blocks: []block.Block{
		block.New(block.Header{Index: 0, Difficulty: 4, Timestamp: now}, nil),
		block.New(block.Header{Index: 1, Difficulty: 4, Timestamp: now.Add(time.Second)}, nil),
	}}

	got, err := p.GetNextDifficulty(chain)
	if err != nil {
		t.Fatalf("get next difficulty: %s", err)
	}
	if got != 4 {
		t.Fatalf("got %d, want unchanged difficulty mid-window", got)
	}
}

func Test_ValidateBlocksRejectsBrokenContinuity(t *testing.T) {
	p := policy.NewFixed(2)
	now := time.Now().UTC()

	genesis := block.New(block.Header{Index: 0, Timestamp: now}, nil)
	broken := block.New(block.Header{Index: 5, Timestamp: now}, nil)

	if err := p.ValidateBlocks([]block.Block{genesis, broken}, now.Add(time.Minute)); err == nil {
		t.Fatalf("expected a non-contiguous block sequence to fail validation")
	}
}
