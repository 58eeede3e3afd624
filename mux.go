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
	"log"
	"os"
	"time"

	"github.com/pkg/errors"
)

// Config is used to tune the Session. Every field has a default supplied
// by DefaultConfig; a nil *Config passed to Client/Server is replaced by
// the defaults.
type Config struct {
	// AcceptBacklog is the maximum number of remotely-opened streams that
	// may be admitted but not yet delivered to AcceptStream.
	AcceptBacklog int

	// EnableKeepAlive controls whether the session sends periodic Pings.
	EnableKeepAlive bool

	// KeepAliveInterval is the period between keep-alive Pings.
	KeepAliveInterval time.Duration

	// ConnectionWriteTimeout caps how long a single frame write to the
	// underlying connection may take before the session is torn down.
	ConnectionWriteTimeout time.Duration

	// MaxStreamWindowSize bounds the receive credit advertised per stream.
	MaxStreamWindowSize uint32

	// StreamOpenTimeout bounds how long a locally-opened stream may sit
	// un-ACKed before the whole session is shut down. Zero disables it.
	StreamOpenTimeout time.Duration

	// StreamCloseTimeout bounds how long a half-closed stream waits for
	// the peer's FIN before it is force-reset. Zero disables it.
	StreamCloseTimeout time.Duration

	// Logger receives diagnostic output. Defaults to a logger writing to
	// os.Stderr if nil.
	Logger *log.Logger
}

// DefaultConfig returns the configuration used when Client/Server are
// called with a nil *Config.
func DefaultConfig() *Config {
	return &Config{
		AcceptBacklog:          256,
		EnableKeepAlive:        true,
		KeepAliveInterval:      30 * time.Second,
		ConnectionWriteTimeout: 10 * time.Second,
		MaxStreamWindowSize:    initialStreamWindow,
		StreamOpenTimeout:      300 * time.Second,
		StreamCloseTimeout:     70 * time.Second,
		Logger:                 log.New(os.Stderr, "", log.LstdFlags),
	}
}

// VerifyConfig checks a Config for internally-consistent values.
func VerifyConfig(config *Config) error {
	if config.AcceptBacklog <= 0 {
		return errors.New("backlog must be positive")
	}
	if config.EnableKeepAlive && config.KeepAliveInterval <= 0 {
		return errors.New("keep-alive interval must be positive")
	}
	if config.ConnectionWriteTimeout <= 0 {
		return errors.New("connection write timeout must be positive")
	}
	if config.MaxStreamWindowSize == 0 {
		return errors.New("max stream window must be positive")
	}
	return nil
}

func normalizeConfig(config *Config) (*Config, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	if err := VerifyConfig(config); err != nil {
		return nil, errors.Wrap(err, "yamux config")
	}
	return config, nil
}

// Server is used to wrap an existing connection for server-side
// multiplexing: it uses even stream IDs and does not send the first SYN.
func Server(conn io.ReadWriteCloser, config *Config) (*Session, error) {
	config, err := normalizeConfig(config)
	if err != nil {
		return nil, err
	}
	return newSession(config, conn, false), nil
}

// Client is used to wrap an existing connection for client-side
// multiplexing: it uses odd stream IDs starting at 1.
func Client(conn io.ReadWriteCloser, config *Config) (*Session, error) {
	config, err := normalizeConfig(config)
	if err != nil {
		return nil, err
	}
	return newSession(config, conn, true), nil
}
