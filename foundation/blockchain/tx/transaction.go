// Package tx implements the signed, ordered action list that is the unit
// of work submitted by clients and batched into blocks.
package tx

import (
	"crypto/ecdsa"
	"fmt"
	"time"

	"github.com/chainforge/corechain/foundation/blockchain/action"
	"github.com/chainforge/corechain/foundation/blockchain/chainerr"
	"github.com/chainforge/corechain/foundation/blockchain/signature"
)

// Transaction is the immutable tuple of spec §3: a signed, nonce-ordered
// batch of actions from a single signer.
type Transaction struct {
	Nonce            int64               `json:"nonce"`
	Signer           signature.Address   `json:"signer"`
	PublicKey        []byte              `json:"public_key"`
	UpdatedAddresses []signature.Address `json:"updated_addresses"`
	Timestamp        time.Time           `json:"timestamp"`
	ActionPlains     []action.Plain      `json:"actions"`
	Signature        []byte              `json:"signature"`

	loaded []action.Action
}

// unsigned is hashed/signed in place of Transaction: it has every field
// except Signature itself.
type unsigned struct {
	Nonce            int64
	Signer           signature.Address
	PublicKey        []byte
	UpdatedAddresses []signature.Address
	Timestamp        time.Time
	ActionPlains     []action.Plain
}

func (t Transaction) unsigned() unsigned {
	return unsigned{
		Nonce:            t.Nonce,
		Signer:           t.Signer,
		PublicKey:        t.PublicKey,
		UpdatedAddresses: t.UpdatedAddresses,
		Timestamp:        t.Timestamp,
		ActionPlains:     t.ActionPlains,
	}
}

// New builds and signs a Transaction over the given actions, taking
// UpdatedAddresses from whatever the caller already knows will change.
// The set is signed as given; the engine does not check it against the
// addresses the actions actually touch during evaluation.
func New(nonce int64, privateKey *ecdsa.PrivateKey, updatedAddresses []signature.Address, actions []action.Action, now time.Time) (Transaction, error) {
	plains := make([]action.Plain, len(actions))
	for i, a := range actions {
		p, err := action.ToPlain(a)
		if err != nil {
			return Transaction{}, err
		}
		plains[i] = p
	}

	pubBytes := publicKeyBytes(&privateKey.PublicKey)

	t := Transaction{
		Nonce:            nonce,
		Signer:           signature.AddressFromPublicKey(&privateKey.PublicKey),
		PublicKey:        pubBytes,
		UpdatedAddresses: updatedAddresses,
		Timestamp:        now,
		ActionPlains:     plains,
		loaded:           actions,
	}

	sig, err := signature.Sign(t.unsigned(), privateKey)
	if err != nil {
		return Transaction{}, err
	}
	t.Signature = sig

	return t, nil
}

// ID returns the transaction's content hash, used to key the staging pool
// and to hash-sort a block's transaction list.
func (t Transaction) ID() signature.HashDigest {
	return signature.Hash(t)
}

// Verify checks the transaction's structural invariants: the signature
// verifies, and the claimed signer matches the public key (spec §3).
func (t Transaction) Verify() error {
	if err := signature.Verify(t.Signature); err != nil {
		return fmt.Errorf("%w: %s", chainerr.ErrInvalidSignature, err)
	}

	signer, err := signature.FromAddress(t.unsigned(), t.Signature)
	if err != nil {
		return fmt.Errorf("%w: %s", chainerr.ErrInvalidSignature, err)
	}
	if signer != t.Signer {
		return chainerr.ErrInvalidSignature
	}

	if t.Nonce < 0 {
		return chainerr.ErrInvalidNonce
	}

	return nil
}

// Actions reconstitutes the concrete Action values carried by this
// transaction using registry, or returns the values cached at
// construction time (New) without needing a registry at all.
func (t Transaction) Actions(registry *action.Registry) ([]action.Action, error) {
	if t.loaded != nil {
		return t.loaded, nil
	}

	out := make([]action.Action, len(t.ActionPlains))
	for i, p := range t.ActionPlains {
		a, err := registry.FromPlain(p)
		if err != nil {
			return nil, err
		}
		out[i] = a
	}
	return out, nil
}

// publicKeyBytes encodes an ECDSA public key as its X coordinate's bytes
// followed by its Y coordinate's bytes (big-endian, without the 0x04
// prefix or zero padding). Verify does not use it: the signer is
// recovered from the signature itself.
func publicKeyBytes(pub *ecdsa.PublicKey) []byte {
	return append(pub.X.Bytes(), pub.Y.Bytes()...)
}
