package mining

import (
	"math/big"
)

// CompactToTarget expands a compact "nBits" difficulty encoding into the
// full 256-bit proof-of-work target, big-endian.
func CompactToTarget(bits uint32) [32]byte {
	exponent := uint(bits >> 24)
	mantissa := new(big.Int).SetUint64(uint64(bits & 0x007fffff))

	var target *big.Int
	if exponent <= 3 {
		target = new(big.Int).Rsh(mantissa, 8*(3-exponent))
	} else {
		target = new(big.Int).Lsh(mantissa, 8*(exponent-3))
	}

	var out [32]byte
	target.FillBytes(out[:])
	return out
}

// TargetToCompact is the inverse of CompactToTarget, producing the
// canonical compact encoding with no sign bit set.
func TargetToCompact(target [32]byte) uint32 {
	n := new(big.Int).SetBytes(target[:])
	if n.Sign() == 0 {
		return 0
	}

	size := uint32((n.BitLen() + 7) / 8)
	var mantissa uint32
	if size <= 3 {
		mantissa = uint32(n.Uint64() << (8 * (3 - size)))
	} else {
		mantissa = uint32(new(big.Int).Rsh(n, 8*uint(size-3)).Uint64())
	}
	// Avoid the sign bit of the mantissa.
	if mantissa&0x00800000 != 0 {
		mantissa >>= 8
		size++
	}
	return size<<24 | mantissa
}
