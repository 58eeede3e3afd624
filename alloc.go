// The MIT License (MIT)
//
// # Copyright (c) 2016 xtaci
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package yamux

import (
	"errors"
	"sync"
)

// allocator hands out []byte buffers from a set of size-classed pools, so
// the read loop can satisfy an inbound Data frame's payload without
// allocating fresh memory on every frame. Buffers are classed by the next
// power of two at or above the requested size, same trick used by
// net/http's and smux's internal allocators.
type allocator struct {
	pools []sync.Pool
}

var defaultAllocator = newAllocator()

func newAllocator() *allocator {
	a := &allocator{pools: make([]sync.Pool, 18)} // 1B .. 128KiB; larger requests bypass the pools
	for i := range a.pools {
		size := 1 << uint(i)
		a.pools[i].New = func() any {
			b := make([]byte, size)
			return &b
		}
	}
	return a
}

// get returns a buffer with length exactly size, cap a power of two >= size.
// A size above the largest class (128KiB) gets a plain allocation whose cap
// is exactly size.
func (a *allocator) get(size int) *[]byte {
	if size <= 0 {
		return nil
	}
	bits := msb(size)
	idx := bits
	if size != 1<<bits {
		idx++
	}
	if idx >= len(a.pools) {
		b := make([]byte, size)
		return &b
	}
	p := a.pools[idx].Get().(*[]byte)
	*p = (*p)[:size]
	return p
}

// put returns a buffer to its pool. cap(*p) must be a power of two.
func (a *allocator) put(p *[]byte) error {
	if p == nil {
		return errors.New("allocator: put of nil buffer")
	}
	bits := msb(cap(*p))
	if cap(*p) == 0 || cap(*p) != 1<<bits || bits >= len(a.pools) {
		return nil // outsized buffer, drop it for GC instead of erroring the caller
	}
	a.pools[bits].Put(p)
	return nil
}

// msb returns the position of the most significant set bit in v.
func msb(v int) int {
	n := 0
	for v > 1 {
		v >>= 1
		n++
	}
	return n
}
