package core

import (
	"crypto/sha256"
	"encoding/binary"

	"PerpRisk/internal/state"
)

const GenesisHashSeed = "PerpRisk:position:genesis:v1"

// GenesisHash is the chain root for one position.
func GenesisHash(positionID string) [32]byte {
	return sha256.Sum256([]byte(GenesisHashSeed + ":" + positionID))
}

// ComputeHash calculates hash[N] = SHA-256(hash[N-1] || version || digest)
func ComputeHash(prev [32]byte, version int64, digest []byte) [32]byte {
	hasher := sha256.New()

	hasher.Write(prev[:])

	var verBuf [8]byte
	binary.LittleEndian.PutUint64(verBuf[:], uint64(version))
	hasher.Write(verBuf[:])

	hasher.Write(digest)

	var hash [32]byte
	copy(hash[:], hasher.Sum(nil))
	return hash
}

// seal bumps the version and extends the position's hash chain. prev is the
// committed position, nil for a new one.
func seal(prev, next *state.Position) {
	chainTip := GenesisHash(next.PositionID)
	if prev != nil {
		chainTip = prev.StateHash
		next.Version = prev.Version + 1
	} else {
		next.Version = 1
	}
	next.StateHash = ComputeHash(chainTip, next.Version, next.CanonicalBytes())
}
