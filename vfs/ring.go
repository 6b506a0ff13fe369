package vfs

import (
	"golang.org/x/exp/constraints"
)

// ringBuffer is a fixed capacity FIFO of integers, indexed by free running
// read and write offsets.
type ringBuffer[E constraints.Integer] struct {
	s    []E
	r, w uint
}

func newRingBuffer[E constraints.Integer](size int) *ringBuffer[E] {
	if size <= 0 || size&(size-1) != 0 {
		panic(`vfs: ring: size must be a power of 2`)
	}
	return &ringBuffer[E]{s: make([]E, size)}
}

func (x *ringBuffer[E]) mask(val uint) uint {
	return val & (uint(len(x.s)) - 1)
}

func (x *ringBuffer[E]) Len() int {
	return int(x.w - x.r)
}

func (x *ringBuffer[E]) Cap() int {
	return len(x.s)
}

func (x *ringBuffer[E]) Free() int {
	return len(x.s) - x.Len()
}

// Read moves up to len(p) values out of the buffer, returning the count.
func (x *ringBuffer[E]) Read(p []E) int {
	n := min(len(p), x.Len())
	if n == 0 {
		return 0
	}
	i := int(x.mask(x.r))
	c := copy(p[:n], x.s[i:])
	copy(p[c:n], x.s)
	x.r += uint(n)
	if x.r == x.w {
		x.r, x.w = 0, 0
	}
	return n
}

// Write appends as much of p as fits, returning the count.
func (x *ringBuffer[E]) Write(p []E) int {
	n := min(len(p), x.Free())
	if n == 0 {
		return 0
	}
	i := int(x.mask(x.w))
	c := copy(x.s[i:], p[:n])
	copy(x.s, p[c:n])
	x.w += uint(n)
	return n
}
