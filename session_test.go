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
	"bytes"
	"io"
	"net"
	"testing"
	"time"
)

func testConfig() *Config {
	c := DefaultConfig()
	c.EnableKeepAlive = false
	c.AcceptBacklog = 4
	c.ConnectionWriteTimeout = 2 * time.Second
	return c
}

// newPair wires a Client session and a Server session together over an
// in-memory net.Pipe, the way a real caller would wire one over TCP.
func newPair(t *testing.T, clientCfg, serverCfg *Config) (*Session, *Session) {
	t.Helper()
	left, right := net.Pipe()

	client, err := Client(left, clientCfg)
	if err != nil {
		t.Fatalf("Client: %v", err)
	}
	server, err := Server(right, serverCfg)
	if err != nil {
		t.Fatalf("Server: %v", err)
	}
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !cond() {
		t.Fatal("condition not met before timeout")
	}
}

func TestSessionEchoRoundTrip(t *testing.T) {
	client, server := newPair(t, testConfig(), testConfig())

	serverErr := make(chan error, 1)
	go func() {
		st, err := server.AcceptStream()
		if err != nil {
			serverErr <- err
			return
		}
		buf := make([]byte, 5)
		if _, err := io.ReadFull(st, buf); err != nil {
			serverErr <- err
			return
		}
		if _, err := st.Write(buf); err != nil {
			serverErr <- err
			return
		}
		serverErr <- nil
	}()

	cs, err := client.OpenStream()
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	if _, err := cs.Write([]byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	buf := make([]byte, 5)
	if _, err := io.ReadFull(cs, buf); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(buf, []byte("hello")) {
		t.Fatalf("echoed payload = %q, want %q", buf, "hello")
	}

	if err := <-serverErr; err != nil {
		t.Fatalf("server side: %v", err)
	}
}

func TestSessionBackpressure(t *testing.T) {
	clientCfg := testConfig()
	clientCfg.MaxStreamWindowSize = 4096
	serverCfg := testConfig()
	serverCfg.MaxStreamWindowSize = 4096

	client, server := newPair(t, clientCfg, serverCfg)

	payload := bytes.Repeat([]byte{0x42}, 64*1024)

	serverErr := make(chan error, 1)
	go func() {
		st, err := server.AcceptStream()
		if err != nil {
			serverErr <- err
			return
		}
		got := make([]byte, len(payload))
		_, err = io.ReadFull(st, got)
		if err == nil && !bytes.Equal(got, payload) {
			err = io.ErrUnexpectedEOF
		}
		serverErr <- err
	}()

	cs, err := client.OpenStream()
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}

	writeDone := make(chan error, 1)
	go func() {
		_, err := cs.Write(payload)
		writeDone <- err
	}()

	select {
	case err := <-writeDone:
		if err != nil {
			t.Fatalf("Write: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("write did not complete under flow control")
	}

	if err := <-serverErr; err != nil {
		t.Fatalf("server side: %v", err)
	}
}

func TestSessionReset(t *testing.T) {
	client, server := newPair(t, testConfig(), testConfig())

	serverStream := make(chan *Stream, 1)
	go func() {
		st, err := server.AcceptStream()
		if err == nil {
			serverStream <- st
		}
	}()

	cs, err := client.OpenStream()
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	if _, err := cs.Write([]byte("x")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	st := <-serverStream
	if err := st.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	buf := make([]byte, 1)
	waitFor(t, 2*time.Second, func() bool {
		_, err := cs.Read(buf)
		return err == ErrConnectionReset
	})
}

func TestSessionAcceptBacklog(t *testing.T) {
	clientCfg := testConfig()
	serverCfg := testConfig()
	serverCfg.AcceptBacklog = 1
	client, server := newPair(t, clientCfg, serverCfg)

	s1, err := client.OpenStream()
	if err != nil {
		t.Fatalf("OpenStream s1: %v", err)
	}
	if _, err := s1.Write([]byte("a")); err != nil {
		t.Fatalf("Write s1: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return server.NumStreams() >= 1 })

	s2, err := client.OpenStream()
	if err != nil {
		t.Fatalf("OpenStream s2: %v", err)
	}
	if _, err := s2.Write([]byte("b")); err != nil {
		t.Fatalf("Write s2: %v", err)
	}

	// Backlog is exhausted by s1 (not yet accepted), so s2's SYN is
	// answered with RST and s2 never becomes usable.
	buf := make([]byte, 1)
	waitFor(t, 2*time.Second, func() bool {
		_, err := s2.Read(buf)
		return err == ErrConnectionReset
	})

	accepted, err := server.AcceptStream()
	if err != nil {
		t.Fatalf("AcceptStream: %v", err)
	}
	if accepted.ID() != s1.ID() {
		t.Fatalf("accepted stream id = %d, want %d", accepted.ID(), s1.ID())
	}

	// Accepting s1 freed the one backlog permit, so a fresh stream can
	// now be admitted.
	s3, err := client.OpenStream()
	if err != nil {
		t.Fatalf("OpenStream s3: %v", err)
	}
	if _, err := s3.Write([]byte("c")); err != nil {
		t.Fatalf("Write s3: %v", err)
	}

	s3Server, err := server.AcceptStream()
	if err != nil {
		t.Fatalf("AcceptStream s3: %v", err)
	}
	if s3Server.ID() != s3.ID() {
		t.Fatalf("accepted stream id = %d, want %d", s3Server.ID(), s3.ID())
	}
}

func TestSessionGoAway(t *testing.T) {
	client, server := newPair(t, testConfig(), testConfig())

	// Establish one stream before the server announces it is going away,
	// to confirm existing streams keep working afterward.
	serverStream := make(chan *Stream, 1)
	go func() {
		st, err := server.AcceptStream()
		if err == nil {
			serverStream <- st
		}
	}()
	cs, err := client.OpenStream()
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	if _, err := cs.Write([]byte("x")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	st := <-serverStream

	if err := server.GoAway(); err != nil {
		t.Fatalf("GoAway: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		_, err := client.OpenStream()
		return err == ErrRemoteGoAway
	})

	// The stream opened before GoAway still carries data both ways.
	if _, err := st.Write([]byte("y")); err != nil {
		t.Fatalf("post-GoAway write on existing stream: %v", err)
	}
	buf := make([]byte, 1)
	if _, err := io.ReadFull(cs, buf); err != nil {
		t.Fatalf("post-GoAway read on existing stream: %v", err)
	}
	if buf[0] != 'y' {
		t.Fatalf("read %q, want %q", buf, "y")
	}
}

type blackholeConn struct {
	closeCh chan struct{}
}

func newBlackholeConn() *blackholeConn {
	return &blackholeConn{closeCh: make(chan struct{})}
}

func (c *blackholeConn) Read(p []byte) (int, error) {
	<-c.closeCh
	return 0, io.EOF
}

func (c *blackholeConn) Write(p []byte) (int, error) {
	return len(p), nil
}

func (c *blackholeConn) Close() error {
	select {
	case <-c.closeCh:
	default:
		close(c.closeCh)
	}
	return nil
}

func TestSessionKeepAliveTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EnableKeepAlive = true
	cfg.KeepAliveInterval = 15 * time.Millisecond
	cfg.ConnectionWriteTimeout = 15 * time.Millisecond

	conn := newBlackholeConn()
	t.Cleanup(func() { conn.Close() })

	session, err := Client(conn, cfg)
	if err != nil {
		t.Fatalf("Client: %v", err)
	}

	waitFor(t, 2*time.Second, session.IsClosed)

	if _, err := session.OpenStream(); err != ErrKeepAliveTimeout {
		t.Fatalf("OpenStream after keepalive timeout = %v, want %v", err, ErrKeepAliveTimeout)
	}
}

func TestSessionNumStreams(t *testing.T) {
	client, server := newPair(t, testConfig(), testConfig())
	_ = server

	if n := client.NumStreams(); n != 0 {
		t.Fatalf("NumStreams() = %d, want 0", n)
	}
	st, err := client.OpenStream()
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	if n := client.NumStreams(); n != 1 {
		t.Fatalf("NumStreams() = %d, want 1", n)
	}
	st.Close()
}

func TestSessionNumStreamsInflight(t *testing.T) {
	client, server := newPair(t, testConfig(), testConfig())

	if n := client.NumStreamsInflight(); n != 0 {
		t.Fatalf("NumStreamsInflight() = %d, want 0", n)
	}

	st, err := client.OpenStream()
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	if n := client.NumStreamsInflight(); n != 1 {
		t.Fatalf("NumStreamsInflight() = %d, want 1 before SYN is ACKed", n)
	}

	// Writing carries the SYN; the server's first Read piggybacks ACK on
	// its window update, at which point the stream is no longer inflight.
	if _, err := st.Write([]byte("x")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	go func() {
		ss, err := server.AcceptStream()
		if err != nil {
			return
		}
		buf := make([]byte, 1)
		ss.Read(buf)
	}()

	waitFor(t, 2*time.Second, func() bool { return client.NumStreamsInflight() == 0 })
}
