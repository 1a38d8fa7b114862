package blocks

import (
	"math/bits"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
)

const (
	// HashModulus is the modulus of the rolling chunk checksum. It is part of
	// the on-disk format and must match between writer and verifier.
	HashModulus uint64 = 1<<61 - 1

	// HashBase is the base of the rolling chunk checksum.
	HashBase uint64 = 0x100000001b3
)

// ErrChecksumMismatch is returned when the stored checksum of a chunk does
// not match the checksum computed from its bytes.
var ErrChecksumMismatch = errors.New("checksum mismatch")

// RollByte appends byte b to rolling hash h: h' = (base*h + b) mod modulus.
func RollByte(h Hash, b byte) Hash {
	hi, lo := bits.Mul64(uint64(h), HashBase)
	lo, carry := bits.Add64(lo, uint64(b), 0)
	// hi is far below the modulus (h < 2^61, base < 2^41), so Div64 is safe.
	_, rem := bits.Div64(hi+carry, lo, HashModulus)
	return Hash(rem)
}

// RollingChecksum computes the rolling checksum of p.
func RollingChecksum(p []byte) Hash {
	var h Hash
	for _, b := range p {
		h = RollByte(h, b)
	}
	return h
}

// VerifyChunk verifies that the rolling checksum of p matches the stored one.
func VerifyChunk(chunk Pointer, p []byte, expected Hash) error {
	checksum := RollingChecksum(p)
	if checksum == expected {
		return nil
	}
	return errors.Wrapf(ErrChecksumMismatch, "chunk %d, computed: %x, expected: %x",
		chunk, uint64(checksum), uint64(expected))
}

// MetaChecksum computes the self-checksum used by the reserved metadata
// regions of the drivers. It is not part of the chunk checksum scheme.
func MetaChecksum(p []byte) Hash {
	return Hash(xxhash.Sum64(p))
}
