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

import "errors"

var (
	// ErrInvalidVersion means we received a frame with an invalid version
	ErrInvalidVersion = errors.New("invalid protocol version")

	// ErrInvalidMsgType means we received a frame with an invalid message type
	ErrInvalidMsgType = errors.New("invalid msg type")

	// ErrUnexpectedFlag means we received a flag combination that is not
	// legal for the current stream state
	ErrUnexpectedFlag = errors.New("unexpected flag")

	// ErrSessionShutdown is used if there is a shutdown during an operation
	ErrSessionShutdown = errors.New("session shutdown")

	// ErrStreamsExhausted is returned if we have no more stream IDs to issue
	ErrStreamsExhausted = errors.New("streams exhausted")

	// ErrDuplicateStream is used if a duplicate stream is opened inbound
	ErrDuplicateStream = errors.New("duplicate stream initiated")

	// ErrRecvWindowExceeded indicates the window was exceeded
	ErrRecvWindowExceeded = errors.New("recv window exceeded")

	// ErrStreamClosed is returned when using a closed stream
	ErrStreamClosed = errors.New("stream closed")

	// ErrConnectionReset is sent if the stream is reset
	ErrConnectionReset = errors.New("connection reset")

	// ErrConnectionWriteTimeout indicates that we hit the timeout writing
	// to the underlying stream
	ErrConnectionWriteTimeout = errors.New("connection write timeout")

	// ErrKeepAliveTimeout is sent if a missed keepalive caused the stream close
	ErrKeepAliveTimeout = errors.New("keepalive timeout")

	// ErrStreamOpenTimeout is sent if a stream takes too long to ACK its SYN
	ErrStreamOpenTimeout = errors.New("stream open timeout")

	// ErrRemoteGoAway is used if we receive a go away from the remote side
	ErrRemoteGoAway = errors.New("remote end is not accepting connections")

	// ErrTimeout is a generic timeout error, returned for an exceeded
	// per-call read/write deadline
	ErrTimeout = errors.New("i/o deadline reached")
)
