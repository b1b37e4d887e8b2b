// Package mesh implements the peer-to-peer mesh overlay runtime: PeerLink
// handshakes, connection management, discovery, gossip, a consistent-hash
// DHT, and end-to-end encryption over a partial mesh of WebRTC data
// channels.
package mesh

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// idLen is the length in bytes of a PeerId (160 bits).
const idLen = 20

// PeerId is a 160-bit peer identity, rendered as 40 lowercase hex
// characters. Total ordering is the lexicographic order of the hex
// string; XOR distance is computed byte-wise over the raw bytes.
type PeerId [idLen]byte

// ParsePeerId decodes a 40-character hex string into a PeerId.
func ParsePeerId(s string) (PeerId, error) {
	var id PeerId
	if len(s) != idLen*2 {
		return id, fmt.Errorf("mesh: peer id %q has wrong length %d, want %d", s, len(s), idLen*2)
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("mesh: invalid peer id %q: %w", s, err)
	}
	copy(id[:], b)
	return id, nil
}

// NewRandomPeerId generates a random PeerId, mainly for tests and
// ephemeral identities.
func NewRandomPeerId() PeerId {
	var id PeerId
	_, _ = rand.Read(id[:])
	return id
}

// PeerIdFromPublicKey derives a stable PeerId from a signing public key
// by truncating its SHA-256 digest to 160 bits.
func PeerIdFromPublicKey(pub []byte) PeerId {
	var id PeerId
	sum := sha256.Sum256(pub)
	copy(id[:], sum[:idLen])
	return id
}

// String renders the PeerId as 40 lowercase hex characters.
func (id PeerId) String() string {
	return hex.EncodeToString(id[:])
}

// IsZero reports whether id is the zero value (never a valid identity).
func (id PeerId) IsZero() bool {
	return id == PeerId{}
}

// Less reports whether id sorts lexicographically before other, using
// the same ordering as comparing their hex-string renderings.
func (id PeerId) Less(other PeerId) bool {
	for i := range id {
		if id[i] != other[i] {
			return id[i] < other[i]
		}
	}
	return false
}

// XorDistance computes the XOR distance between two PeerIds as a
// 160-bit value, compared byte-wise most-significant-byte first.
func (id PeerId) XorDistance(other PeerId) PeerId {
	var d PeerId
	for i := range id {
		d[i] = id[i] ^ other[i]
	}
	return d
}

// CloserTo reports whether a is closer to target than b is, using
// byte-wise XOR distance comparison.
func CloserTo(target, a, b PeerId) bool {
	da := target.XorDistance(a)
	db := target.XorDistance(b)
	for i := range da {
		if da[i] != db[i] {
			return da[i] < db[i]
		}
	}
	return false
}

// ShouldInitiate implements the default (non-isolated) initiator
// election rule of spec §4.2/§4.3: the lexicographically larger peer
// id initiates the connection.
func ShouldInitiate(self, target PeerId) bool {
	return target.Less(self)
}
