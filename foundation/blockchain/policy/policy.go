// Package policy supplies the pluggable consensus rules spec §6 calls
// BlockPolicy: next-block difficulty, per-block/per-range validation, and
// an optional implicit block action. The teacher's blockchain.go doc
// comment describes difficulty retargeting against an expected block
// time without implementing it (it mines at the genesis file's fixed
// difficulty); Retarget here is that description made concrete.
package policy

import (
	"time"

	"github.com/chainforge/corechain/foundation/blockchain/action"
	"github.com/chainforge/corechain/foundation/blockchain/block"
	"github.com/chainforge/corechain/foundation/blockchain/chainerr"
)

// Chain is the minimal view of chain history a BlockPolicy needs. The
// engine package's BlockChain satisfies it.
type Chain interface {
	Tip() (block.Block, bool)
	BlockAt(index int64) (block.Block, bool, error)
	Len() (uint64, error)
}

// BlockPolicy is the consensus surface spec §6 defers to: difficulty
// calculation, validation, and an optional implicit action appended to
// every block's evaluation.
type BlockPolicy interface {
	GetNextDifficulty(chain Chain) (uint64, error)
	ValidateNextBlock(chain Chain, b block.Block, now time.Time) error
	ValidateBlocks(blocks []block.Block, now time.Time) error
	BlockAction() action.Action
}

// Fixed never adjusts difficulty, the way the teacher's genesis-driven
// mining loop always mines at genesis.Difficulty.
type Fixed struct {
	Difficulty uint64
}

// NewFixed constructs a Fixed policy at the given difficulty.
func NewFixed(difficulty uint64) Fixed {
	return Fixed{Difficulty: difficulty}
}

func (f Fixed) GetNextDifficulty(Chain) (uint64, error) {
	return f.Difficulty, nil
}

func (f Fixed) ValidateNextBlock(chain Chain, b block.Block, now time.Time) error {
	return validateAgainstTip(chain, b, now)
}

func (f Fixed) ValidateBlocks(blocks []block.Block, now time.Time) error {
	return validateSequence(blocks, now)
}

func (f Fixed) BlockAction() action.Action { return nil }

// Retarget adjusts difficulty toward ExpectedBlockTime every Window
// blocks, the way the teacher's package doc describes Ethereum-style
// retargeting: average block time higher than expected decreases
// difficulty, lower increases it.
type Retarget struct {
	Initial           uint64
	ExpectedBlockTime time.Duration
	Window            uint64
	Min               uint64
}

// NewRetarget constructs a Retarget policy. Min floors difficulty so
// retargeting cannot collapse it to zero.
func NewRetarget(initial uint64, expected time.Duration, window, min uint64) Retarget {
	return Retarget{Initial: initial, ExpectedBlockTime: expected, Window: window, Min: min}
}

func (r Retarget) GetNextDifficulty(chain Chain) (uint64, error) {
	count, err := chain.Len()
	if err != nil {
		return 0, err
	}
	if count == 0 || count%r.Window != 0 {
		tip, ok := chain.Tip()
		if !ok {
			return r.Initial, nil
		}
		return tip.Header.Difficulty, nil
	}

	newest, ok, err := chain.BlockAt(-1)
	if err != nil {
		return 0, err
	}
	if !ok {
		return r.Initial, nil
	}

	oldestIndex := int64(count) - int64(r.Window)
	if oldestIndex < 0 {
		oldestIndex = 0
	}
	oldest, ok, err := chain.BlockAt(oldestIndex)
	if err != nil {
		return 0, err
	}
	if !ok {
		return newest.Header.Difficulty, nil
	}

	elapsed := newest.Header.Timestamp.Sub(oldest.Header.Timestamp)
	if elapsed <= 0 {
		return newest.Header.Difficulty, nil
	}
	actualPerBlock := elapsed / time.Duration(r.Window)

	next := newest.Header.Difficulty
	switch {
	case actualPerBlock > r.ExpectedBlockTime:
		next = next / 2
	case actualPerBlock < r.ExpectedBlockTime:
		next = next * 2
	}
	if next < r.Min {
		next = r.Min
	}
	return next, nil
}

func (r Retarget) ValidateNextBlock(chain Chain, b block.Block, now time.Time) error {
	return validateAgainstTip(chain, b, now)
}

func (r Retarget) ValidateBlocks(blocks []block.Block, now time.Time) error {
	return validateSequence(blocks, now)
}

func (r Retarget) BlockAction() action.Action { return nil }

// =============================================================================

func validateAgainstTip(chain Chain, b block.Block, now time.Time) error {
	tip, ok := chain.Tip()
	if !ok {
		if b.Header.Index != 0 {
			return chainerr.ErrInvalidIndex
		}
		return b.Validate(block.Block{}, now)
	}
	return b.Validate(tip, now)
}

func validateSequence(blocks []block.Block, now time.Time) error {
	for i, b := range blocks {
		if i == 0 {
			if b.Header.Index != 0 {
				continue
			}
			if err := b.Validate(block.Block{}, now); err != nil {
				return err
			}
			continue
		}
		if err := b.Validate(blocks[i-1], now); err != nil {
			return err
		}
	}
	return nil
}
