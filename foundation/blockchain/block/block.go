// Package block implements the immutable Block record: canonicalization,
// Hashcash-style proof-of-work mining, and structural validation. It knows
// nothing about Store or the engine that appends blocks to a chain.
package block

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"math"
	"math/big"
	"sort"
	"time"

	"github.com/chainforge/corechain/foundation/blockchain/chainerr"
	"github.com/chainforge/corechain/foundation/blockchain/signature"
	"github.com/chainforge/corechain/foundation/blockchain/tx"
)

// AllowedTimestampSkew is the maximum amount a block's timestamp may lead
// the evaluation instant, per spec §9's resolved open question.
const AllowedTimestampSkew = 15 * time.Second

// Header carries every field of a Block except its transaction list.
type Header struct {
	Index        uint64               `json:"index"`
	PreviousHash signature.HashDigest `json:"previous_hash"`
	Timestamp    time.Time            `json:"timestamp"`
	Miner        signature.Address    `json:"miner"`
	Difficulty   uint64               `json:"difficulty"`
	Nonce        []byte               `json:"nonce"`
}

// Block is the immutable tuple described in spec §3. Transactions is kept
// hash-sorted so two nodes building the same set of transactions into a
// block produce byte-identical, hence hash-identical, blocks.
type Block struct {
	Header       Header
	Transactions []tx.Transaction
	hash         signature.HashDigest
}

// canonical is the JSON shape actually hashed: it excludes the memoized
// Block.hash field and fixes key order via struct field order.
type canonical struct {
	Header       Header
	Transactions []tx.Transaction
}

// New constructs and hashes a Block without mining it; used by validators
// that already have a solved nonce in hand (e.g. blocks received from a
// peer) and by tests.
func New(header Header, transactions []tx.Transaction) Block {
	sorted := sortTransactions(transactions)
	b := Block{Header: header, Transactions: sorted}
	b.hash = computeHash(b)
	return b
}

// Hash returns the block's memoized SHA-256 digest.
func (b Block) Hash() signature.HashDigest {
	return b.hash
}

// PreEvaluationHash is the hash of the block before any of its
// transactions have been executed: identical to Hash() since the core
// never mutates a block in place, but named separately because §4.2's
// deterministic-random seed and §7's InvalidPreEvaluationHash both talk
// about it as a distinct concept from the final persisted hash.
func (b Block) PreEvaluationHash() signature.HashDigest {
	return b.hash
}

// computeHash hashes every block the same way, genesis included: genesis
// gets a real, addressable hash like any other block so state seeded under
// it is reachable by offset. signature.ZeroDigest stays reserved for the
// placeholder "no previous block" value (genesis's own PreviousHash, and
// the synthetic previous passed to Validate when there is no tip yet).
func computeHash(b Block) signature.HashDigest {
	return signature.Hash(canonical{Header: b.Header, Transactions: b.Transactions})
}

func sortTransactions(in []tx.Transaction) []tx.Transaction {
	out := make([]tx.Transaction, len(in))
	copy(out, in)
	sort.Slice(out, func(i, j int) bool {
		hi, hj := out[i].ID(), out[j].ID()
		return bytes.Compare(hi[:], hj[:]) < 0
	})
	return out
}

// =============================================================================

// Mine searches for a Nonce such that the resulting block's hash satisfies
// the Hashcash rule for difficulty. It polls ctx at every attempt batch and
// returns ErrOperationCanceled on cancellation.
func Mine(ctx context.Context, index uint64, difficulty uint64, miner signature.Address, previousHash signature.HashDigest, timestamp time.Time, transactions []tx.Transaction) (Block, error) {
	header := Header{
		Index:        index,
		PreviousHash: previousHash,
		Timestamp:    timestamp,
		Miner:        miner,
		Difficulty:   difficulty,
	}

	sorted := sortTransactions(transactions)

	startNonce, err := randomNonceSeed()
	if err != nil {
		return Block{}, err
	}

	nonce := startNonce
	var attempts uint64
	for {
		attempts++
		if attempts%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return Block{}, chainerr.ErrOperationCanceled
			}
		}

		header.Nonce = encodeNonce(nonce)
		b := Block{Header: header, Transactions: sorted}
		b.hash = computeHash(b)

		if isHashSolved(difficulty, b.hash) {
			return b, nil
		}

		nonce++
	}
}

// randomNonceSeed picks a random starting point so two miners racing the
// same block don't retrace each other's search in lockstep.
func randomNonceSeed() (uint64, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(math.MaxInt64))
	if err != nil {
		return 0, err
	}
	return n.Uint64(), nil
}

func encodeNonce(n uint64) []byte {
	out := make([]byte, 8)
	for i := 0; i < 8; i++ {
		out[i] = byte(n >> (8 * i))
	}
	return out
}

// isHashSolved reports whether hash, read as a big-endian integer, is less
// than 2^256 / difficulty (the Hashcash rule of spec §3).
func isHashSolved(difficulty uint64, hash signature.HashDigest) bool {
	if difficulty == 0 {
		return true
	}

	target := new(big.Int).Div(maxDigest, new(big.Int).SetUint64(difficulty))
	value := new(big.Int).SetBytes(hash[:])
	return value.Cmp(target) < 0
}

var maxDigest = func() *big.Int {
	max := new(big.Int).Lsh(big.NewInt(1), 256)
	return max.Sub(max, big.NewInt(1))
}()

// =============================================================================

// Outcome is the result of Validate: either nil (valid) or one of the
// chainerr sentinels/typed errors.
type Outcome = error

// Validate checks a block's structural invariants against its declared
// previous block, per spec §4.2(validate). It does not check the per-signer
// nonce contiguity rule; that requires Store access and is the engine's
// job (spec §4.3.1 step 3).
func (b Block) Validate(previous Block, now time.Time) Outcome {
	// Genesis is declared by a genesis descriptor, not mined: it carries
	// whatever difficulty the descriptor names without ever having searched
	// for a nonce that solves it.
	if b.Header.Index > 0 && !isHashSolved(b.Header.Difficulty, b.hash) {
		return chainerr.ErrInvalidHash
	}

	nextIndex := previous.Header.Index + 1
	if previous.Header.Index == 0 && previous.hash == signature.ZeroDigest && b.Header.Index == 0 {
		nextIndex = 0
	}
	if b.Header.Index != nextIndex {
		return chainerr.ErrInvalidIndex
	}

	if b.Header.Index > 0 {
		if b.Header.PreviousHash != previous.Hash() {
			return chainerr.ErrInvalidPreviousHash
		}
		if !previous.Header.Timestamp.IsZero() && b.Header.Timestamp.Before(previous.Header.Timestamp) {
			return chainerr.ErrInvalidTimestamp
		}
	}

	if b.Header.Timestamp.After(now.Add(AllowedTimestampSkew)) {
		return chainerr.ErrInvalidTimestamp
	}

	for _, t := range b.Transactions {
		if err := t.Verify(); err != nil {
			return err
		}
	}

	return nil
}

// MarshalForStorage returns the JSON encoding used to persist a block,
// including its memoized hash so a Store implementation can detect
// bit-rot on read without recomputing it.
func (b Block) MarshalForStorage() ([]byte, error) {
	type onDisk struct {
		Hash         signature.HashDigest `json:"hash"`
		Header       Header               `json:"header"`
		Transactions []tx.Transaction     `json:"transactions"`
	}
	return json.Marshal(onDisk{Hash: b.hash, Header: b.Header, Transactions: b.Transactions})
}

// UnmarshalFromStorage parses the encoding produced by MarshalForStorage
// and verifies the stored hash still matches the recomputed one.
func UnmarshalFromStorage(data []byte) (Block, error) {
	type onDisk struct {
		Hash         signature.HashDigest `json:"hash"`
		Header       Header               `json:"header"`
		Transactions []tx.Transaction     `json:"transactions"`
	}
	var d onDisk
	if err := json.Unmarshal(data, &d); err != nil {
		return Block{}, err
	}

	b := Block{Header: d.Header, Transactions: d.Transactions}
	b.hash = computeHash(b)
	if b.hash != d.Hash {
		return Block{}, chainerr.ErrInvalidHash
	}

	return b, nil
}
