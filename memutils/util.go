package memutils

import (
	cerrors "github.com/cockroachdb/errors"
)

type Number interface {
	~int | ~uint | ~int32 | ~int64 | ~uint32 | ~uint64
}

func CheckPow2[T Number](number T, name string) error {
	if number&(number-1) != 0 {
		return cerrors.Wrapf(PowerOfTwoError, "%s is %#x", name, uint64(number))
	}
	return nil
}

func AlignUp(value uint64, alignment uint64) uint64 {
	return (value + alignment - 1) & ^(alignment - 1)
}

func AlignDown(value uint64, alignment uint64) uint64 {
	return value & ^(alignment - 1)
}

// IsAligned reports whether value is a multiple of alignment, which must be a power of two
func IsAligned(value uint64, alignment uint64) bool {
	return value&(alignment-1) == 0
}

// CheckAligned returns an ErrInvalidArgument-marked error naming the value if it is not a
// multiple of alignment
func CheckAligned(value uint64, alignment uint64, name string) error {
	if !IsAligned(value, alignment) {
		return cerrors.Wrapf(ErrInvalidArgument, "%s %#x is not aligned to %#x", name, value, alignment)
	}
	return nil
}

// Overlaps reports whether the half-open ranges [aStart, aEnd) and [bStart, bEnd) share any address
func Overlaps(aStart, aEnd, bStart, bEnd uint64) bool {
	return aStart < bEnd && bStart < aEnd
}

func Max[T Number](a, b T) T {
	if a > b {
		return a
	}
	return b
}

func Min[T Number](a, b T) T {
	if a < b {
		return a
	}
	return b
}
