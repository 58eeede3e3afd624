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

import "sync"

// semaphore is a bounded async gate used to cap the number of
// remotely-opened streams awaiting Accept. release always adds the permit
// back to the count and, if a goroutine is blocked in acquire, wakes one
// of them to claim it. The permit is not handed to that goroutine
// directly: a tryAcquire or a newly arriving acquire that runs first can
// take it, and the woken goroutine then waits again, so waiters are not
// guaranteed to be served in arrival order.
type semaphore struct {
	mu      sync.Mutex
	cond    sync.Cond
	permits int
	waiting int
	closed  bool
	err     error
}

func newSemaphore(permits int) *semaphore {
	s := &semaphore{permits: permits}
	s.cond.L = &s.mu
	return s
}

// acquire blocks until a permit is available, then holds it.
func (s *semaphore) acquire() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.permits < 1 && !s.closed {
		s.waiting++
		s.cond.Wait()
		s.waiting--
	}
	if s.closed {
		return s.err
	}
	s.permits--
	return nil
}

// tryAcquire acquires a permit without blocking. It reports whether a
// permit was obtained.
func (s *semaphore) tryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.permits < 1 {
		return false
	}
	s.permits--
	return true
}

// release adds a permit back to the count. If a goroutine is blocked in
// acquire, one is woken to try to claim it.
func (s *semaphore) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.permits++
	if s.waiting > 0 {
		s.cond.Signal()
	}
}

// close unblocks every pending acquire with err.
func (s *semaphore) close(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		s.err = err
		s.cond.Broadcast()
	}
}
