package net

import (
	"math/bits"
	"sync/atomic"
)

const (
	minOutboundSize = 64
	maxOutboundSize = 64 << 10
)

// AdaptiveAllocator guesses the size of the next outbound buffer from the
// previous frames. It grows to the next power of two at once and shrinks by
// half only after two consecutive frames that would have fit in half.
type AdaptiveAllocator struct {
	guess atomic.Int32
	small atomic.Int32
}

// Guess returns the capacity to allocate for the next frame.
func (a *AdaptiveAllocator) Guess() int {
	if g := a.guess.Load(); g > 0 {
		return int(g)
	}
	return minOutboundSize
}

// Record feeds back the final size of a frame.
func (a *AdaptiveAllocator) Record(n int) {
	size := int32(roundUpPow2(n))
	cur := int32(a.Guess())
	switch {
	case size > cur:
		a.guess.Store(size)
		a.small.Store(0)
	case size <= cur/2:
		if a.small.Add(1) >= 2 {
			a.guess.Store(max(cur/2, minOutboundSize))
			a.small.Store(0)
		}
	default:
		a.small.Store(0)
	}
}

func roundUpPow2(n int) int {
	if n <= minOutboundSize {
		return minOutboundSize
	}
	if n >= maxOutboundSize {
		return maxOutboundSize
	}
	return 1 << bits.Len(uint(n-1))
}
