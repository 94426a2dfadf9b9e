package store

import (
	"encoding/binary"

	"github.com/google/uuid"
)

// NewChainID allocates a fresh, random ChainID. Fork uses this to give a
// sibling chain an identity distinct from its parent.
func NewChainID() (ChainID, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return ChainID{}, err
	}
	return ChainID(id), nil
}

func formatUUID(id ChainID) string {
	return uuid.UUID(id).String()
}

// EncodeIndex big-endian-encodes a block/state index so lexical byte order
// over encoded keys matches numeric order (spec §6's persistent-layout
// requirement for any key mixing an address and an index).
func EncodeIndex(i uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, i)
	return buf
}

// DecodeIndex is EncodeIndex's inverse.
func DecodeIndex(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}
