package security

import (
	"crypto/sha256"
	"crypto/subtle"
)

// Equal reports whether a and b are identical in time independent of where
// they differ. Both sides are digested first so the length of the stored
// value does not leak either.
func Equal(a, b string) bool {
	return Bit(a, b) == 1
}

// Bit returns 1 when a and b are equal and 0 otherwise, for callers folding
// several comparisons together without branching.
func Bit(a, b string) int {
	da := sha256.Sum256([]byte(a))
	db := sha256.Sum256([]byte(b))
	return subtle.ConstantTimeCompare(da[:], db[:])
}

// BoolBit converts b to 0 or 1.
func BoolBit(b bool) int {
	var v int
	if b {
		v = 1
	}
	return v
}
