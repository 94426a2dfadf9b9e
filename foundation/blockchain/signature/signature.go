// Package signature provides helper functions for handling the blockchain's
// identity and signing needs: address derivation, digest hashing, and
// secp256k1 signing/verification over canonical JSON encodings.
package signature

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// AddressLength is the size in bytes of an Address.
const AddressLength = 20

// DigestLength is the size in bytes of a HashDigest.
const DigestLength = 32

// SignatureLength is the size in bytes of a signature produced by Sign.
const SignatureLength = crypto.SignatureLength

// ZeroDigest represents a digest of all zeros, used for the genesis block's
// previous hash slot.
var ZeroDigest HashDigest

// corechainID disambiguates signatures produced by this library from any
// other scheme that happens to sign the same bytes. Ethereum and Bitcoin
// both embed a similar constant into their signing scheme.
const corechainID = 31

// =============================================================================

// Address is the 20-byte identity derived from the Keccak-256 digest of an
// uncompressed secp256k1 public key, keeping only the last 20 bytes.
type Address [AddressLength]byte

// String renders the address as a 0x-prefixed hex string.
func (a Address) String() string {
	return common.Address(a).Hex()
}

// IsZero reports whether the address is the zero value.
func (a Address) IsZero() bool {
	return a == Address{}
}

// AddressFromPublicKey derives the Address owning the given public key.
func AddressFromPublicKey(pub *ecdsa.PublicKey) Address {
	return Address(crypto.PubkeyToAddress(*pub))
}

// HashDigest is a 32-byte SHA-256 digest, used for block and state-root
// identifiers.
type HashDigest [DigestLength]byte

// String renders the digest as a 0x-prefixed hex string.
func (h HashDigest) String() string {
	return "0x" + hex.EncodeToString(h[:])
}

// Hash returns the SHA-256 digest of the canonical JSON encoding of value.
func Hash(value any) HashDigest {
	data, err := json.Marshal(value)
	if err != nil {
		return ZeroDigest
	}
	return sha256.Sum256(data)
}

// =============================================================================

// Sign produces a 65-byte [R|S|V] signature over value using privateKey.
func Sign(value any, privateKey *ecdsa.PrivateKey) ([]byte, error) {
	data, err := stamp(value)
	if err != nil {
		return nil, err
	}

	sig, err := crypto.Sign(data, privateKey)
	if err != nil {
		return nil, err
	}

	publicKey, err := crypto.SigToPub(data, sig)
	if err != nil {
		return nil, err
	}

	rs := sig[:crypto.RecoveryIDOffset]
	if !crypto.VerifySignature(crypto.FromECDSAPub(publicKey), data, rs) {
		return nil, errors.New("signature: invalid signature")
	}

	out := make([]byte, SignatureLength)
	copy(out, sig)
	out[64] = sig[64] + corechainID

	return out, nil
}

// Verify checks that sig conforms to the library's signature standards
// (bound recovery id, canonical S value) without needing the signer's
// public key.
func Verify(sig []byte) error {
	if len(sig) != SignatureLength {
		return errors.New("signature: wrong length")
	}

	uintV := uint64(sig[64]) - corechainID
	if uintV != 0 && uintV != 1 {
		return errors.New("signature: invalid recovery id")
	}

	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:64])
	if !crypto.ValidateSignatureValues(byte(uintV), r, s, true) {
		return errors.New("signature: invalid signature values")
	}

	return nil
}

// FromAddress recovers the Address that produced sig over value.
func FromAddress(value any, sig []byte) (Address, error) {
	data, err := stamp(value)
	if err != nil {
		return Address{}, err
	}

	raw, err := toRawSignature(sig)
	if err != nil {
		return Address{}, err
	}

	publicKey, err := crypto.SigToPub(data, raw)
	if err != nil {
		return Address{}, err
	}

	return AddressFromPublicKey(publicKey), nil
}

// =============================================================================

// stamp returns a hash of 32 bytes that represents value with the
// corechain stamp embedded, so signatures produced here can never be
// confused with a signature over the same bytes produced by another
// protocol.
func stamp(value any) ([]byte, error) {
	v, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}

	txHash := crypto.Keccak256(v)

	stamp := []byte("\x19corechain Signed Message:\n32")
	data := crypto.Keccak256(stamp, txHash)

	return data, nil
}

// toRawSignature strips the corechainID offset from the recovery byte so
// the signature is in the 65-byte [R|S|V] format crypto.SigToPub expects.
func toRawSignature(sig []byte) ([]byte, error) {
	if len(sig) != SignatureLength {
		return nil, errors.New("signature: wrong length")
	}

	raw := make([]byte, SignatureLength)
	copy(raw, sig)
	raw[64] = sig[64] - corechainID

	return raw, nil
}
