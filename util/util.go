// Package util holds the small generic numeric helpers every other
// package in this module leans on, generalizing biscuit's util.Int
// helpers to golang.org/x/exp/constraints.
package util

import "golang.org/x/exp/constraints"

// Rounddown rounds v down to the nearest multiple of n. n must be a
// power of two.
func Rounddown[T constraints.Integer](v, n T) T {
	return v &^ (n - 1)
}

// Roundup rounds v up to the nearest multiple of n. n must be a power
// of two.
func Roundup[T constraints.Integer](v, n T) T {
	return Rounddown(v+n-1, n)
}

// Min returns the smaller of a and b.
func Min[T constraints.Ordered](a, b T) T {
	if a < b {
		return a
	}
	return b
}

// Max returns the larger of a and b.
func Max[T constraints.Ordered](a, b T) T {
	if a > b {
		return a
	}
	return b
}

// IsPow2 reports whether v is a nonzero power of two.
func IsPow2[T constraints.Integer](v T) bool {
	return v > 0 && v&(v-1) == 0
}

// Log2Ceil returns the smallest k such that 2^k >= v. v must be > 0.
func Log2Ceil[T constraints.Integer](v T) uint {
	if v <= 1 {
		return 0
	}
	var k uint
	n := v - 1
	for n > 0 {
		n >>= 1
		k++
	}
	return k
}

// Log2Floor returns the largest k such that 2^k <= v. v must be > 0.
func Log2Floor[T constraints.Integer](v T) uint {
	var k uint
	for v > 1 {
		v >>= 1
		k++
	}
	return k
}

// Readn copies up to len(dst) bytes from src starting at off.
func Readn(dst []uint8, src []uint8, off int) int {
	return copy(dst, src[off:])
}

// Writen copies src into dst starting at off, growing dst if necessary.
func Writen(dst []uint8, src []uint8, off int) []uint8 {
	if off+len(src) > len(dst) {
		grown := make([]uint8, off+len(src))
		copy(grown, dst)
		dst = grown
	}
	copy(dst[off:], src)
	return dst
}
