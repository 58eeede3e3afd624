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
	"encoding/binary"
	"fmt"
)

// protoVersion is the only version this implementation speaks.
const protoVersion uint8 = 0

// frame types
const (
	typeData byte = iota
	typeWindowUpdate
	typePing
	typeGoAway
)

// frame flags, combined with bitwise-OR
const (
	flagSYN uint16 = 1 << iota
	flagACK
	flagFIN
	flagRST
)

// GoAway error codes, carried in a GoAway frame's length field.
const (
	goAwayNormal uint32 = iota
	goAwayProtoErr
	goAwayInternalErr
)

const (
	sizeOfVersion  = 1
	sizeOfType     = 1
	sizeOfFlags    = 2
	sizeOfStreamID = 4
	sizeOfLength   = 4
	headerSize     = sizeOfVersion + sizeOfType + sizeOfFlags + sizeOfStreamID + sizeOfLength
)

// initialStreamWindow is 256KiB, the default MaxStreamWindowSize. New
// streams start with the configured MaxStreamWindowSize as both their send
// and receive window.
const initialStreamWindow uint32 = 262144

// header is the on-the-wire representation of a 12-byte frame header:
//
//	version(1) type(1) flags(2) streamID(4) length(4), all big-endian.
type header [headerSize]byte

func (h header) Version() uint8 {
	return h[0]
}

func (h header) MsgType() byte {
	return h[1]
}

func (h header) Flags() uint16 {
	return binary.BigEndian.Uint16(h[2:4])
}

func (h header) StreamID() uint32 {
	return binary.BigEndian.Uint32(h[4:8])
}

func (h header) Length() uint32 {
	return binary.BigEndian.Uint32(h[8:12])
}

func (h header) String() string {
	return fmt.Sprintf("Vsn:%d Type:%d Flags:%d StreamID:%d Length:%d",
		h.Version(), h.MsgType(), h.Flags(), h.StreamID(), h.Length())
}

// encode packs msgType/flags/streamID/length into h.
func (h *header) encode(msgType byte, flags uint16, streamID uint32, length uint32) {
	h[0] = protoVersion
	h[1] = msgType
	binary.BigEndian.PutUint16(h[2:4], flags)
	binary.BigEndian.PutUint32(h[4:8], streamID)
	binary.BigEndian.PutUint32(h[8:12], length)
}

// validate enforces the framing invariants from the wire format that do
// not depend on stream state: version, known type, and the zero/non-zero
// streamID split between session-level and stream-level frames.
func (h header) validate() error {
	if h.Version() != protoVersion {
		return ErrInvalidVersion
	}
	switch h.MsgType() {
	case typeData, typeWindowUpdate:
		if h.StreamID() == 0 {
			return ErrInvalidMsgType
		}
	case typePing, typeGoAway:
		if h.StreamID() != 0 {
			return ErrInvalidMsgType
		}
	default:
		return ErrInvalidMsgType
	}
	return nil
}
