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
	"io"
	"sync"
	"sync/atomic"
	"time"
)

type streamState int

const (
	streamInit streamState = iota
	streamSYNSent
	streamSYNReceived
	streamEstablished
	streamLocalClose
	streamRemoteClose
	streamClosed
	streamReset
)

// Stream is a single multiplexed, bidirectional, ordered byte channel
// within a Session. The zero value is not usable; streams are created by
// Session.OpenStream or by the session's read loop on an inbound SYN.
type Stream struct {
	id      uint32
	session *Session

	state     streamState
	stateLock sync.Mutex
	resetErr  error // populated when state becomes streamReset

	sendWindow uint32 // atomic

	recvWindow uint32      // guarded by recvLock
	recvBuf    []*[]byte   // ordered, pooled chunks awaiting Read
	recvLen    int         // guarded by recvLock; bytes currently buffered
	recvLock   sync.Mutex

	recvNotifyCh chan struct{}
	sendNotifyCh chan struct{}

	openTimer   *time.Timer
	openTimerMu sync.Mutex

	closeTimer   *time.Timer
	closeTimerMu sync.Mutex

	readDeadline  atomic.Value // time.Time
	writeDeadline atomic.Value // time.Time
}

func newStream(session *Session, id uint32, state streamState) *Stream {
	return &Stream{
		id:           id,
		session:      session,
		state:        state,
		sendWindow:   session.config.MaxStreamWindowSize,
		recvWindow:   session.config.MaxStreamWindowSize,
		recvNotifyCh: make(chan struct{}, 1),
		sendNotifyCh: make(chan struct{}, 1),
	}
}

// ID returns the stream's identifier.
func (s *Stream) ID() uint32 {
	return s.id
}

// Session returns the stream's owning session.
func (s *Stream) Session() *Session {
	return s.session
}

// Read copies buffered payload into b. It blocks when no data is
// available and the stream has not reached a terminal or half-closed
// (remote FIN) state, and returns io.EOF once the remote side has sent
// FIN and all buffered bytes have been drained.
func (s *Stream) Read(b []byte) (int, error) {
	for {
		s.recvLock.Lock()
		if len(s.recvBuf) > 0 {
			chunk := s.recvBuf[0]
			n := copy(b, *chunk)
			s.recvLen -= n
			if n == len(*chunk) {
				s.recvBuf = s.recvBuf[1:]
				defaultAllocator.put(chunk)
			} else {
				*chunk = (*chunk)[n:]
			}
			s.recvLock.Unlock()
			if err := s.sendWindowUpdate(0); err != nil {
				return n, err
			}
			return n, nil
		}
		s.recvLock.Unlock()

		s.stateLock.Lock()
		state := s.state
		resetErr := s.resetErr
		s.stateLock.Unlock()

		switch state {
		case streamRemoteClose, streamClosed:
			return 0, io.EOF
		case streamReset:
			if resetErr != nil {
				return 0, resetErr
			}
			return 0, ErrConnectionReset
		}

		dlCh, stop := deadlineChan(&s.readDeadline)
		select {
		case <-s.recvNotifyCh:
			stop()
		case <-s.session.shutdownCh:
			stop()
			return 0, s.session.shutdownErrOrDefault()
		case <-dlCh:
			return 0, ErrTimeout
		}
	}
}

// Write writes all of b, splitting it across one or more Data frames as
// the send window allows. It returns once every byte has been handed to
// the session's writer, or on the first error.
func (s *Stream) Write(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	var written int
	for written < len(b) {
		n, err := s.writeOnce(b[written:])
		written += n
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

func (s *Stream) writeOnce(b []byte) (int, error) {
	for {
		s.stateLock.Lock()
		state := s.state
		resetErr := s.resetErr
		s.stateLock.Unlock()

		switch state {
		case streamLocalClose, streamClosed:
			return 0, ErrStreamClosed
		case streamReset:
			if resetErr != nil {
				return 0, resetErr
			}
			return 0, ErrConnectionReset
		}

		window := atomic.LoadUint32(&s.sendWindow)
		if window == 0 {
			dlCh, stop := deadlineChan(&s.writeDeadline)
			select {
			case <-s.sendNotifyCh:
				stop()
				continue
			case <-s.session.shutdownCh:
				stop()
				return 0, s.session.shutdownErrOrDefault()
			case <-dlCh:
				return 0, ErrTimeout
			}
		}

		k := window
		if uint32(len(b)) < k {
			k = uint32(len(b))
		}

		flags := s.sendFlags()
		var hdr header
		hdr.encode(typeData, flags, s.id, k)
		if err := s.session.sendFrame(hdr, b[:k]); err != nil {
			return 0, err
		}
		atomic.AddUint32(&s.sendWindow, ^uint32(k-1)) // == -k, modular arithmetic
		return int(k), nil
	}
}

// sendFlags returns the flags that belong on the stream's next outbound
// frame, advancing the handshake state as a side effect. It is safe to
// call from multiple send paths: once the handshake flag for the current
// state has been emitted, subsequent calls return 0 until the state
// changes again.
func (s *Stream) sendFlags() uint16 {
	s.stateLock.Lock()
	defer s.stateLock.Unlock()
	var flags uint16
	switch s.state {
	case streamInit:
		flags |= flagSYN
		s.state = streamSYNSent
	case streamSYNReceived:
		flags |= flagACK
		s.state = streamEstablished
	}
	return flags
}

// sendWindowUpdate grants back unused receive credit to the peer,
// piggybacking extraFlags (FIN/RST, or whatever sendFlags contributes)
// when nonzero. A frame is only emitted when the unused credit is at
// least half the maximum window, or when flags force the issue.
func (s *Stream) sendWindowUpdate(extraFlags uint16) error {
	max := s.session.config.MaxStreamWindowSize

	s.recvLock.Lock()
	bufLen := uint32(s.recvLen)
	delta := max - bufLen - s.recvWindow
	flags := s.sendFlags() | extraFlags
	if delta < max/2 && flags == 0 {
		s.recvLock.Unlock()
		return nil
	}
	s.recvWindow += delta
	s.recvLock.Unlock()

	var hdr header
	hdr.encode(typeWindowUpdate, flags, s.id, delta)
	return s.session.sendFrame(hdr, nil)
}

// Close performs a graceful half-close: it sends FIN and leaves the read
// side open until the peer FINs in turn. Calling Close again on an
// already locally-closed or remote-closed stream fully destroys it.
func (s *Stream) Close() error {
	var sendFIN, destroy bool

	s.stateLock.Lock()
	switch s.state {
	case streamSYNSent, streamSYNReceived, streamEstablished:
		s.state = streamLocalClose
		sendFIN = true
	case streamLocalClose, streamRemoteClose:
		s.state = streamClosed
		sendFIN = true
		destroy = true
	}
	s.stateLock.Unlock()

	if !sendFIN {
		return nil
	}

	if destroy {
		s.clearTimers()
	} else if s.session.config.StreamCloseTimeout > 0 {
		s.armCloseTimer()
	}

	flags := s.sendFlags() | flagFIN
	var hdr header
	hdr.encode(typeWindowUpdate, flags, s.id, 0)

	var err error
	if !s.session.isShutdown() {
		err = s.session.sendFrame(hdr, nil)
	}

	s.notifyWaiting()
	if destroy {
		s.session.closeStream(s.id)
	}
	return err
}

// Reset abruptly tears down the stream: it sends RST and unblocks every
// pending Read/Write with ErrConnectionReset.
func (s *Stream) Reset() error {
	s.stateLock.Lock()
	if s.state == streamClosed || s.state == streamReset {
		s.stateLock.Unlock()
		return nil
	}
	s.state = streamReset
	s.resetErr = ErrConnectionReset
	s.stateLock.Unlock()

	s.clearTimers()
	s.notifyWaiting()
	s.recycleBuffers()

	var hdr header
	hdr.encode(typeWindowUpdate, flagRST, s.id, 0)
	var err error
	if !s.session.isShutdown() {
		err = s.session.sendFrame(hdr, nil)
	}
	s.session.closeStream(s.id)
	return err
}

// forceReset is used when this side unilaterally discovers a per-stream
// protocol violation (e.g. a receive window overrun, or an unexpected
// FIN). The failure is contained to the stream: the session keeps
// running.
func (s *Stream) forceReset(err error) {
	s.stateLock.Lock()
	if s.state == streamClosed || s.state == streamReset {
		s.stateLock.Unlock()
		return
	}
	s.state = streamReset
	s.resetErr = err
	s.stateLock.Unlock()

	s.clearTimers()
	s.notifyWaiting()
	s.recycleBuffers()

	var hdr header
	hdr.encode(typeWindowUpdate, flagRST, s.id, 0)
	sess := s.session
	go func() { _ = sess.sendFrame(hdr, nil) }()
	sess.closeStream(s.id)
}

// forceClose is invoked by the session when it is tearing itself down; it
// does not attempt to send anything on a pipe that may already be gone.
func (s *Stream) forceClose() {
	s.stateLock.Lock()
	if s.state != streamClosed && s.state != streamReset {
		s.state = streamReset
		s.resetErr = ErrSessionShutdown
	}
	s.stateLock.Unlock()
	s.clearTimers()
	s.notifyWaiting()
	s.recycleBuffers()
}

// onData is invoked by the session's read loop for an inbound Data frame.
func (s *Stream) onData(flags uint16, buf *[]byte) {
	s.processFlags(flags)

	if buf == nil || len(*buf) == 0 {
		return
	}

	s.recvLock.Lock()
	if uint32(len(*buf)) > s.recvWindow {
		s.recvLock.Unlock()
		defaultAllocator.put(buf)
		s.forceReset(ErrRecvWindowExceeded)
		return
	}
	s.recvWindow -= uint32(len(*buf))
	s.recvBuf = append(s.recvBuf, buf)
	s.recvLen += len(*buf)
	s.recvLock.Unlock()

	asyncNotify(s.recvNotifyCh)
}

// onWindowUpdate is invoked by the session's read loop for an inbound
// WindowUpdate frame; delta may be zero when the frame exists only to
// carry FIN/RST.
func (s *Stream) onWindowUpdate(flags uint16, delta uint32) {
	s.processFlags(flags)
	if delta > 0 {
		atomic.AddUint32(&s.sendWindow, delta)
		asyncNotify(s.sendNotifyCh)
	}
}

// processFlags applies SYN/ACK/FIN/RST to the state machine. Protocol
// violations discovered here (an unexpected FIN) are contained to the
// stream via forceReset rather than propagated to the caller.
func (s *Stream) processFlags(flags uint16) {
	var establish, notify, destroy, badFIN bool

	s.stateLock.Lock()
	if flags&flagACK != 0 {
		if s.state == streamSYNSent {
			s.state = streamEstablished
		}
		establish = true
	}
	if flags&flagFIN != 0 {
		switch s.state {
		case streamSYNSent, streamSYNReceived, streamEstablished:
			s.state = streamRemoteClose
			notify = true
		case streamLocalClose:
			s.state = streamClosed
			notify = true
			destroy = true
		default:
			badFIN = true
		}
	}
	if flags&flagRST != 0 {
		s.state = streamReset
		s.resetErr = ErrConnectionReset
		notify = true
	}
	s.stateLock.Unlock()

	if establish {
		s.clearOpenTimer()
		s.session.establishStream(s.id)
	}
	if notify {
		s.notifyWaiting()
	}
	if destroy {
		s.session.closeStream(s.id)
	}
	if badFIN {
		s.forceReset(ErrUnexpectedFlag)
	}
}

func (s *Stream) notifyWaiting() {
	asyncNotify(s.recvNotifyCh)
	asyncNotify(s.sendNotifyCh)
}

func (s *Stream) recycleBuffers() {
	s.recvLock.Lock()
	for _, chunk := range s.recvBuf {
		defaultAllocator.put(chunk)
	}
	s.recvBuf = nil
	s.recvLen = 0
	s.recvLock.Unlock()
}

// armOpenTimer starts the stream-open timer. A stream still in the
// session's inflight set (no ACK received and not yet closed) when
// StreamOpenTimeout elapses is treated as evidence of a broken peer and
// takes the whole session down.
func (s *Stream) armOpenTimer() {
	timeout := s.session.config.StreamOpenTimeout
	if timeout <= 0 {
		return
	}
	s.openTimerMu.Lock()
	s.openTimer = time.AfterFunc(timeout, func() {
		if s.session.isInflight(s.id) {
			s.session.exitErr(ErrStreamOpenTimeout, goAwayInternalErr, false)
		}
	})
	s.openTimerMu.Unlock()
}

func (s *Stream) armCloseTimer() {
	timeout := s.session.config.StreamCloseTimeout
	if timeout <= 0 {
		return
	}
	s.closeTimerMu.Lock()
	s.closeTimer = time.AfterFunc(timeout, func() {
		s.forceReset(ErrConnectionReset)
	})
	s.closeTimerMu.Unlock()
}

func (s *Stream) clearOpenTimer() {
	s.openTimerMu.Lock()
	if s.openTimer != nil {
		s.openTimer.Stop()
		s.openTimer = nil
	}
	s.openTimerMu.Unlock()
}

func (s *Stream) clearTimers() {
	s.clearOpenTimer()

	s.closeTimerMu.Lock()
	if s.closeTimer != nil {
		s.closeTimer.Stop()
		s.closeTimer = nil
	}
	s.closeTimerMu.Unlock()
}

// Shrink drops the receive queue's backing array when no chunks are
// buffered, so a long-lived idle stream does not keep it alive. It returns
// nothing to the allocator: Read already hands each chunk back as soon as
// it is drained.
func (s *Stream) Shrink() {
	s.recvLock.Lock()
	if len(s.recvBuf) == 0 {
		s.recvBuf = nil
	}
	s.recvLock.Unlock()
}

// SetReadDeadline sets the deadline for future Read calls.
func (s *Stream) SetReadDeadline(t time.Time) error {
	s.readDeadline.Store(t)
	asyncNotify(s.recvNotifyCh)
	return nil
}

// SetWriteDeadline sets the deadline for future Write calls.
func (s *Stream) SetWriteDeadline(t time.Time) error {
	s.writeDeadline.Store(t)
	asyncNotify(s.sendNotifyCh)
	return nil
}

// SetDeadline sets both the read and write deadlines.
func (s *Stream) SetDeadline(t time.Time) error {
	if err := s.SetReadDeadline(t); err != nil {
		return err
	}
	return s.SetWriteDeadline(t)
}

func asyncNotify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// deadlineChan builds a channel that fires when the time.Time stored in
// dl elapses, or a nil channel (never fires) if no deadline is set.
func deadlineChan(dl *atomic.Value) (<-chan time.Time, func()) {
	if d, ok := dl.Load().(time.Time); ok && !d.IsZero() {
		t := time.NewTimer(time.Until(d))
		return t.C, func() { t.Stop() }
	}
	return nil, func() {}
}
