// Package chainerr defines the sentinel error values the blockchain engine
// and its collaborators return, replacing an exception hierarchy with
// wrap-and-check errors in the standard library style.
package chainerr

import (
	"errors"
	"fmt"
)

// Sentinels for the InvalidBlock family (spec §7).
var (
	ErrInvalidHash              = errors.New("chainerr: invalid hash")
	ErrInvalidPreEvaluationHash = errors.New("chainerr: invalid pre-evaluation hash")
	ErrInvalidIndex             = errors.New("chainerr: invalid index")
	ErrInvalidPreviousHash      = errors.New("chainerr: invalid previous hash")
	ErrInvalidTimestamp         = errors.New("chainerr: invalid timestamp")
	ErrInvalidNonce             = errors.New("chainerr: invalid proof-of-work nonce")
)

// Sentinels for the InvalidTransaction family.
var (
	ErrInvalidSignature        = errors.New("chainerr: invalid signature")
	ErrInvalidUpdatedAddresses = errors.New("chainerr: invalid updated addresses")
)

// Other top-level sentinels.
var (
	// ErrNotFound is returned by Store lookups that found nothing; it is
	// not a failure condition and callers are expected to check for it.
	ErrNotFound = errors.New("chainerr: not found")

	// ErrOperationCanceled is returned by any cooperatively-cancellable
	// operation (mining, fork, swap) when its context is canceled.
	ErrOperationCanceled = errors.New("chainerr: operation canceled")

	// ErrChainForked names the condition where a resync/fork is needed
	// rather than a simple append. Nothing in this module returns it: an
	// append whose block is ahead of the tip's successor fails with
	// ErrInvalidIndex.
	ErrChainForked = errors.New("chainerr: chain has forked, resync required")

	// ErrNoStagedTransactions names an empty staging pool. Nothing in this
	// module returns it: MineBlock mines a block with no transactions when
	// nothing is staged.
	ErrNoStagedTransactions = errors.New("chainerr: no staged transactions")
)

// InvalidTxNonceError reports a per-signer nonce mismatch during Append,
// carrying both the expected and the actual value (spec §7).
type InvalidTxNonceError struct {
	Expected int64
	Actual   int64
}

func (e *InvalidTxNonceError) Error() string {
	return fmt.Sprintf("chainerr: invalid tx nonce: expected %d, got %d", e.Expected, e.Actual)
}

// IncompleteBlockStatesError reports that GetStates encountered a block
// whose state delta was never persisted and complete=false was requested.
type IncompleteBlockStatesError struct {
	BlockHash fmt.Stringer
}

func (e *IncompleteBlockStatesError) Error() string {
	return fmt.Sprintf("chainerr: incomplete block states at block %s, retry with complete=true", e.BlockHash)
}

// StoreError wraps a failure surfaced by the Store implementation.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("chainerr: store: %s: %s", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}
