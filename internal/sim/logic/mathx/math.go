package mathx

import "math"

func FloorDiv(a, b int) int {
	// b > 0
	q := a / b
	r := a % b
	if r < 0 {
		q--
	}
	return q
}

func Mod(a, b int) int {
	// b > 0
	m := a % b
	if m < 0 {
		m += b
	}
	return m
}

func AbsInt(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

func ClampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// FloorInt converts a world coordinate into the index of the cell containing it.
func FloorInt(f float64) int {
	return int(math.Floor(f))
}

// Signum returns -1, 0 or 1. Values within eps of zero count as zero.
func Signum(f, eps float64) int {
	switch {
	case f > eps:
		return 1
	case f < -eps:
		return -1
	default:
		return 0
	}
}
