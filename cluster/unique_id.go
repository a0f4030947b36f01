package cluster

import (
	"encoding/hex"

	"github.com/google/uuid"
)

const UniqueIDLength = 16

// UniqueID identifies messages, RPC calls and members. Equality and hashing
// are byte-wise, so a UniqueID can be used directly as a map key.
type UniqueID [UniqueIDLength]byte

func NewUniqueID() UniqueID {
	return UniqueID(uuid.New())
}

func UniqueIDFromBytes(b []byte) (UniqueID, bool) {
	var id UniqueID
	if len(b) != UniqueIDLength {
		return id, false
	}
	copy(id[:], b)
	return id, true
}

func (u UniqueID) Bytes() []byte {
	out := make([]byte, UniqueIDLength)
	copy(out, u[:])
	return out
}

func (u UniqueID) IsZero() bool {
	return u == UniqueID{}
}

func (u UniqueID) String() string {
	return hex.EncodeToString(u[:])
}
