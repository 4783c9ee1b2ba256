// Package ordkey implements the fractional index used to order siblings.
//
// A Key is a point in a dense-enough uint32 domain. New keys are minted by
// averaging two existing bounds, so a sibling can be placed between two others
// without renumbering anything else. When two bounds are adjacent integers the
// midpoint collapses onto the lower bound; callers detect that with Exhausted.
package ordkey

import (
	"fmt"
	"math"
)

type Key uint32

const (
	Min Key = 0
	Max Key = math.MaxUint32

	eighthMax = Max / 8
)

// Hinted maps a small placement hint to a key. Keys are strictly increasing in
// h and start at one eighth of the domain, leaving room below for keys that
// should sort ahead of every hinted sibling.
func Hinted(h uint8) Key {
	x := uint32(h)
	return Key(x*x*x+4*x) + eighthMax
}

// Between returns the floor average of min and max. The arguments are not
// checked for ordering. For min <= max the result lies in [min, max], and it
// equals min whenever max-min <= 1.
func Between(min, max Key) Key {
	return Key((uint64(min) + uint64(max)) / 2)
}

// Before returns the midpoint between the bottom of the domain and a.
func Before(a Key) Key {
	return Between(Min, a)
}

// After returns the midpoint between a and the top of the domain.
func After(a Key) Key {
	return Between(a, Max)
}

// MoveBetween sets k to Between(min, max).
func (k *Key) MoveBetween(min, max Key) {
	*k = Between(min, max)
}

// Exhausted reports whether no key exists strictly between lo and hi.
func Exhausted(lo, hi Key) bool {
	if lo > hi {
		lo, hi = hi, lo
	}
	return hi-lo <= 1
}

// Spread returns n ascending keys evenly spaced strictly inside (Min, Max).
func Spread(n int) []Key {
	if n <= 0 {
		return nil
	}
	step := uint64(Max) / uint64(n+1)
	if step == 0 {
		step = 1
	}
	out := make([]Key, n)
	for i := range out {
		out[i] = Key(step * uint64(i+1))
	}
	return out
}

func (k Key) String() string {
	return fmt.Sprintf("%08x", uint32(k))
}
