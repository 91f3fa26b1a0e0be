// Package bitwise implements a fixed 64-bit flag mask, used for the
// per-record NULL bitmap in serialized rows.
package bitwise

// Mask is a set of up to 64 numbered flags.
type Mask uint64

// Set returns the mask with flag k raised.
func (m Mask) Set(k int) Mask {
	return m | (1 << k)
}

// IsSet reports whether flag k is raised.
func (m Mask) IsSet(k int) bool {
	return m&(1<<k) != 0
}
