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
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// writeRequest is a single pending frame handed to the session's writer
// goroutine. result is buffered 1 so the writer never blocks delivering
// it back to the caller.
type writeRequest struct {
	hdr    header
	body   []byte
	result chan error
}

// Session multiplexes many Streams over a single underlying connection.
// One Session owns exactly one reader goroutine (dispatching inbound
// frames), one writer goroutine (serializing outbound frames), and,
// optionally, one keep-alive goroutine.
type Session struct {
	conn     io.ReadWriteCloser
	config   *Config
	isClient bool

	nextStreamID uint32
	idLock       sync.Mutex

	streams    map[uint32]*Stream
	inflight   map[uint32]struct{}
	streamLock sync.Mutex

	acceptCh  chan *Stream
	acceptSem *semaphore

	pings    map[uint32]chan struct{}
	nextPing uint32
	pingLock sync.Mutex

	writeCh chan writeRequest

	shutdownCh   chan struct{}
	shutdownOnce sync.Once
	shutdownErr  error
	shutdownLock sync.Mutex

	localGoAway  int32 // atomic bool
	remoteGoAway int32 // atomic bool
}

func newSession(config *Config, conn io.ReadWriteCloser, isClient bool) *Session {
	s := &Session{
		conn:       conn,
		config:     config,
		isClient:   isClient,
		streams:    make(map[uint32]*Stream),
		inflight:   make(map[uint32]struct{}),
		acceptCh:   make(chan *Stream, config.AcceptBacklog),
		acceptSem:  newSemaphore(config.AcceptBacklog),
		pings:      make(map[uint32]chan struct{}),
		writeCh:    make(chan writeRequest),
		shutdownCh: make(chan struct{}),
	}
	if isClient {
		s.nextStreamID = 1
	} else {
		s.nextStreamID = 2
	}

	go s.recvLoop()
	go s.sendLoop()
	if config.EnableKeepAlive {
		go s.keepaliveLoop()
	}
	return s
}

// OpenStream allocates the next stream ID for this side's parity and
// returns a Stream in the Init state. The first frame it sends (on the
// first Write) carries SYN.
func (s *Session) OpenStream() (*Stream, error) {
	if s.isShutdown() {
		return nil, s.shutdownErrOrDefault()
	}
	if atomic.LoadInt32(&s.remoteGoAway) == 1 {
		return nil, ErrRemoteGoAway
	}
	if atomic.LoadInt32(&s.localGoAway) == 1 {
		return nil, ErrSessionShutdown
	}

	s.idLock.Lock()
	if s.nextStreamID >= math.MaxUint32-1 {
		s.idLock.Unlock()
		return nil, ErrStreamsExhausted
	}
	id := s.nextStreamID
	s.nextStreamID += 2
	s.idLock.Unlock()

	stream := newStream(s, id, streamInit)
	stream.armOpenTimer()

	s.streamLock.Lock()
	s.streams[id] = stream
	s.inflight[id] = struct{}{}
	s.streamLock.Unlock()

	return stream, nil
}

// AcceptStream blocks until a remotely-opened stream is available, the
// session shuts down, or returns immediately if one is already queued.
// Popping a stream here is what releases its accept-backlog permit: the
// backlog bounds streams admitted-but-not-yet-accepted, not total open
// stream count.
func (s *Session) AcceptStream() (*Stream, error) {
	select {
	case stream := <-s.acceptCh:
		s.acceptSem.release()
		return stream, nil
	case <-s.shutdownCh:
		return nil, s.shutdownErrOrDefault()
	}
}

// NumStreams reports the number of streams currently tracked by the
// session, accepted or not, established or still mid-handshake.
func (s *Session) NumStreams() int {
	s.streamLock.Lock()
	defer s.streamLock.Unlock()
	return len(s.streams)
}

// NumStreamsInflight reports the number of locally-opened streams still
// awaiting their peer's ACK. It bounds the set of streams the open timer
// in stream.go will fire session-fatally on, guarding against an accept
// race where the peer never acknowledges one of our opens.
func (s *Session) NumStreamsInflight() int {
	s.streamLock.Lock()
	defer s.streamLock.Unlock()
	return len(s.inflight)
}

// isInflight reports whether id still belongs to a locally-opened,
// un-ACKed stream. Consulted by the stream-open timer so that "still
// waiting on ACK" has one source of truth shared with OpenStream and
// establishStream, rather than being re-derived from per-stream state.
func (s *Session) isInflight(id uint32) bool {
	s.streamLock.Lock()
	defer s.streamLock.Unlock()
	_, ok := s.inflight[id]
	return ok
}

// IsClosed reports whether the session has begun shutting down.
func (s *Session) IsClosed() bool {
	return s.isShutdown()
}

// Ping round-trips a Ping/Ack pair and reports the elapsed time. It has
// no deadline of its own beyond the session's lifetime; callers wanting a
// bound should race it against their own timer.
func (s *Session) Ping() (time.Duration, error) {
	return s.pingTimeout(0)
}

func (s *Session) pingTimeout(timeout time.Duration) (time.Duration, error) {
	s.pingLock.Lock()
	id := s.nextPing
	s.nextPing++
	ch := make(chan struct{})
	s.pings[id] = ch
	s.pingLock.Unlock()

	var hdr header
	hdr.encode(typePing, flagSYN, 0, id)

	start := time.Now()
	if err := s.sendFrame(hdr, nil); err != nil {
		s.pingLock.Lock()
		delete(s.pings, id)
		s.pingLock.Unlock()
		return 0, err
	}

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case <-ch:
		if s.isShutdown() {
			return 0, s.shutdownErrOrDefault()
		}
		return time.Since(start), nil
	case <-s.shutdownCh:
		return 0, s.shutdownErrOrDefault()
	case <-timeoutCh:
		s.pingLock.Lock()
		delete(s.pings, id)
		s.pingLock.Unlock()
		return 0, ErrTimeout
	}
}

// GoAway signals the peer that this side will not open further streams
// and marks the session so its own OpenStream calls fail from now on.
// Streams already open continue to operate until closed normally.
func (s *Session) GoAway() error {
	atomic.StoreInt32(&s.localGoAway, 1)
	var hdr header
	hdr.encode(typeGoAway, 0, 0, goAwayNormal)
	return s.sendFrame(hdr, nil)
}

// Close tears the session down: every stream is cancelled with
// ErrSessionShutdown, the underlying connection is closed, and all
// blocked Accept/Open/Ping calls return.
func (s *Session) Close() error {
	var didShutdown bool
	s.shutdownOnce.Do(func() {
		didShutdown = true
		s.shutdownLock.Lock()
		if s.shutdownErr == nil {
			s.shutdownErr = ErrSessionShutdown
		}
		s.shutdownLock.Unlock()
		close(s.shutdownCh)
	})
	if !didShutdown {
		return nil
	}

	s.acceptSem.close(s.shutdownErrOrDefault())

	s.streamLock.Lock()
	streams := s.streams
	s.streams = make(map[uint32]*Stream)
	s.inflight = make(map[uint32]struct{})
	s.streamLock.Unlock()
	for _, st := range streams {
		st.forceClose()
	}

	s.pingLock.Lock()
	for id, ch := range s.pings {
		close(ch)
		delete(s.pings, id)
	}
	s.pingLock.Unlock()

	return s.conn.Close()
}

// exitErr marks the session as failed with err, optionally attempting a
// best-effort GoAway write directly on the connection (bypassing the
// writer goroutine, which may itself be the thing that's stuck), then
// tears everything down.
func (s *Session) exitErr(err error, code uint32, sendGoAway bool) {
	s.shutdownLock.Lock()
	if s.shutdownErr == nil {
		s.shutdownErr = err
	}
	s.shutdownLock.Unlock()

	if sendGoAway && !s.isShutdown() {
		var hdr header
		hdr.encode(typeGoAway, 0, 0, code)
		buf := make([]byte, headerSize)
		copy(buf, hdr[:])
		_, _ = s.conn.Write(buf)
	}
	_ = s.Close()
}

func (s *Session) isShutdown() bool {
	select {
	case <-s.shutdownCh:
		return true
	default:
		return false
	}
}

func (s *Session) shutdownErrOrDefault() error {
	s.shutdownLock.Lock()
	defer s.shutdownLock.Unlock()
	if s.shutdownErr != nil {
		return s.shutdownErr
	}
	return ErrSessionShutdown
}

// sendFrame enqueues a frame onto the writer and waits for it to be
// written. Once the writer has taken the frame, the write is bounded by
// ConnectionWriteTimeout: a frame not written within the budget is
// treated as session-fatal, matching a peer that has stopped reading.
// Waiting for the writer to take the frame is bounded only by session
// shutdown.
func (s *Session) sendFrame(hdr header, body []byte) error {
	req := writeRequest{hdr: hdr, body: body, result: make(chan error, 1)}

	select {
	case s.writeCh <- req:
	case <-s.shutdownCh:
		return s.shutdownErrOrDefault()
	}

	timer := time.NewTimer(s.config.ConnectionWriteTimeout)
	defer timer.Stop()

	select {
	case err := <-req.result:
		return err
	case <-s.shutdownCh:
		return s.shutdownErrOrDefault()
	case <-timer.C:
		go s.exitErr(ErrConnectionWriteTimeout, goAwayInternalErr, false)
		return ErrConnectionWriteTimeout
	}
}

// sendFrameAsync fires a frame without waiting for the result; used from
// the read loop so a slow writer never stalls frame dispatch.
func (s *Session) sendFrameAsync(hdr header) {
	go func() { _ = s.sendFrame(hdr, nil) }()
}

func (s *Session) sendLoop() {
	buf := make([]byte, headerSize)
	for {
		select {
		case req := <-s.writeCh:
			copy(buf, req.hdr[:])
			_, err := s.conn.Write(buf)
			if err == nil && len(req.body) > 0 {
				_, err = s.conn.Write(req.body)
			}
			select {
			case req.result <- err:
			default:
			}
			if err != nil {
				go s.exitErr(err, 0, false)
				return
			}
		case <-s.shutdownCh:
			return
		}
	}
}

func (s *Session) keepaliveLoop() {
	ticker := time.NewTicker(s.config.KeepAliveInterval)
	defer ticker.Stop()

	misses := 0
	for {
		select {
		case <-ticker.C:
			_, err := s.pingTimeout(s.config.ConnectionWriteTimeout)
			if err != nil {
				misses++
				if misses >= 2 {
					s.exitErr(ErrKeepAliveTimeout, goAwayInternalErr, true)
					return
				}
			} else {
				misses = 0
			}
		case <-s.shutdownCh:
			return
		}
	}
}

// recvLoop reads and dispatches inbound frames until the connection
// fails or a protocol violation is detected, at which point the session
// exits with a best-effort GoAway.
func (s *Session) recvLoop() {
	var hdr header
	for {
		if _, err := io.ReadFull(s.conn, hdr[:]); err != nil {
			s.exitErr(err, 0, false)
			return
		}
		if err := hdr.validate(); err != nil {
			s.exitErr(err, goAwayProtoErr, true)
			return
		}

		var err error
		switch hdr.MsgType() {
		case typeData, typeWindowUpdate:
			err = s.handleStreamMessage(hdr)
		case typePing:
			s.handlePing(hdr)
		case typeGoAway:
			s.handleGoAway(hdr)
		}
		if err != nil {
			s.exitErr(err, goAwayProtoErr, true)
			return
		}
	}
}

func (s *Session) handlePing(hdr header) {
	token := hdr.Length()
	if hdr.Flags()&flagSYN != 0 {
		var reply header
		reply.encode(typePing, flagACK, 0, token)
		s.sendFrameAsync(reply)
		return
	}
	if hdr.Flags()&flagACK != 0 {
		s.pingLock.Lock()
		ch, ok := s.pings[token]
		delete(s.pings, token)
		s.pingLock.Unlock()
		if ok {
			close(ch)
		}
	}
}

func (s *Session) handleGoAway(hdr header) {
	atomic.StoreInt32(&s.remoteGoAway, 1)
	_ = hdr.Length() // error code, informational only; we never tear down on receipt
}

// handleStreamMessage dispatches a Data or WindowUpdate frame to its
// stream, admitting a new remotely-opened stream on an unseen id that
// carries SYN. A duplicate SYN, or a SYN on an unseen id whose parity
// violates this side's expectation, is a session-fatal protocol error; an unseen
// id with no SYN, or a SYN that overflows the accept backlog, is
// answered with a stream-level RST and otherwise ignored.
func (s *Session) handleStreamMessage(hdr header) error {
	id := hdr.StreamID()
	flags := hdr.Flags()
	isData := hdr.MsgType() == typeData

	s.streamLock.Lock()
	stream, ok := s.streams[id]
	s.streamLock.Unlock()

	if !ok {
		if flags&flagSYN == 0 {
			if err := s.drainPayload(isData, hdr.Length()); err != nil {
				return err
			}
			s.resetUnknown(id)
			return nil
		}
		if !s.remoteParityOK(id) {
			return errors.Wrap(ErrInvalidMsgType, "stream id parity violates role")
		}

		if !s.acceptSem.tryAcquire() {
			if err := s.drainPayload(isData, hdr.Length()); err != nil {
				return err
			}
			s.resetUnknown(id)
			return nil
		}

		stream = newStream(s, id, streamSYNReceived)
		s.streamLock.Lock()
		s.streams[id] = stream
		s.streamLock.Unlock()

		select {
		case s.acceptCh <- stream:
		default:
			// acceptCh is sized to AcceptBacklog and acceptSem already
			// bounds concurrent admissions, so this should not happen.
		}
	} else if flags&flagSYN != 0 {
		// A SYN for a stream id we already know about: either this side
		// opened it locally and the peer independently reused the id
		// (parity violation elsewhere would normally prevent this), or
		// the peer sent SYN twice. Either way it is a protocol error.
		if err := s.drainPayload(isData, hdr.Length()); err != nil {
			return err
		}
		return ErrDuplicateStream
	}

	if isData {
		var buf *[]byte
		if n := hdr.Length(); n > 0 {
			buf = defaultAllocator.get(int(n))
			if _, err := io.ReadFull(s.conn, *buf); err != nil {
				return err
			}
		}
		stream.onData(flags, buf)
		return nil
	}

	stream.onWindowUpdate(flags, hdr.Length())
	return nil
}

func (s *Session) drainPayload(isData bool, length uint32) error {
	if !isData || length == 0 {
		return nil
	}
	_, err := io.CopyN(io.Discard, s.conn, int64(length))
	return err
}

func (s *Session) resetUnknown(id uint32) {
	var hdr header
	hdr.encode(typeWindowUpdate, flagRST, id, 0)
	s.sendFrameAsync(hdr)
}

func (s *Session) remoteParityOK(id uint32) bool {
	if s.isClient {
		return id%2 == 0
	}
	return id%2 == 1
}

// establishStream removes id from the set of un-ACKed locally-opened
// streams; called once that stream's handshake completes.
func (s *Session) establishStream(id uint32) {
	s.streamLock.Lock()
	delete(s.inflight, id)
	s.streamLock.Unlock()
}

// closeStream removes a stream from the session's registry. The
// accept-backlog permit for a remotely-opened stream was already
// released when it was popped by AcceptStream, so nothing is released
// here.
func (s *Session) closeStream(id uint32) {
	s.streamLock.Lock()
	delete(s.streams, id)
	delete(s.inflight, id)
	s.streamLock.Unlock()
}
