// Copyright 2015 Matthew Holt and The Caddy Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package dialer defines the OutboundDialer contract every outbound kind
// implements (direct TCP, reject, and the various proxy protocols) and
// supplies the three built-in, protocol-free dialers.
package dialer

import (
	"context"
	"io"
	"net"

	"go.uber.org/zap"

	"github.com/hdtls/gatewayd/internal/gwerrors"
	"github.com/hdtls/gatewayd/internal/rule"
)

// Stream is a bidirectional byte pipe to the dialed peer. Implementations
// wrap a net.Conn (possibly TLS- or proxy-handshake-wrapped); Shutdown
// half-closes the write side without discarding unread bytes.
type Stream interface {
	io.Reader
	io.Writer
	// Shutdown half-closes the write side of the stream, signaling EOF to
	// the peer while reads remain possible until the peer closes its side.
	Shutdown() error
	// Close tears down the stream entirely.
	Close() error
	// LocalAddr and RemoteAddr mirror net.Conn, used for access logging.
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
}

// OutboundDialer is implemented by every outbound kind: Direct, Reject,
// RejectTinyGif, and each ProxyPolicy protocol. The core invokes Dial
// exactly once per inbound connection whose resolved policy is not reject.
type OutboundDialer interface {
	// Dial opens (and, for proxy policies, handshakes) a Stream to
	// destination. logger receives structured fields for the attempt.
	Dial(ctx context.Context, destination rule.Destination, logger *zap.Logger) (Stream, error)
}

// connStream adapts a net.Conn to Stream using its built-in half-close
// support where available (net.TCPConn.CloseWrite), falling back to a full
// Close when the underlying type doesn't support a write-only shutdown.
type connStream struct {
	net.Conn
}

// NewConnStream wraps conn as a Stream.
func NewConnStream(conn net.Conn) Stream {
	return connStream{Conn: conn}
}

func (s connStream) Shutdown() error {
	type closeWriter interface {
		CloseWrite() error
	}
	if cw, ok := s.Conn.(closeWriter); ok {
		return cw.CloseWrite()
	}
	return s.Conn.Close()
}

// direct dials a plain TCP connection to a HostPort destination.
type direct struct {
	dialer *net.Dialer
}

// NewDirect builds the Direct outbound dialer.
func NewDirect(d *net.Dialer) OutboundDialer {
	if d == nil {
		d = &net.Dialer{}
	}
	return &direct{dialer: d}
}

func (d *direct) Dial(ctx context.Context, destination rule.Destination, logger *zap.Logger) (Stream, error) {
	if destination.Kind != rule.HostPort {
		return nil, gwerrors.WithReason(gwerrors.UnsupportedAddress, destination.String())
	}
	conn, err := d.dialer.DialContext(ctx, "tcp", destination.String())
	if err != nil {
		if logger != nil {
			logger.Debug("direct dial failed", zap.String("destination", destination.String()), zap.Error(err))
		}
		return nil, gwerrors.Wrap(gwerrors.DialFailed, err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	return NewConnStream(conn), nil
}

// reject never dials; it always fails with Rejected.
type reject struct{}

// NewReject builds the Reject outbound dialer.
func NewReject() OutboundDialer { return reject{} }

func (reject) Dial(context.Context, rule.Destination, *zap.Logger) (Stream, error) {
	return nil, gwerrors.New(gwerrors.Rejected)
}

// rejectTinyGif behaves exactly like reject at the dialer layer; the
// 1x1 GIF response is written by the HTTP recipient, which distinguishes
// this kind from plain Reject by policy name (see internal/httpproxy).
type rejectTinyGif struct{}

// NewRejectTinyGif builds the RejectTinyGif outbound dialer.
func NewRejectTinyGif() OutboundDialer { return rejectTinyGif{} }

func (rejectTinyGif) Dial(context.Context, rule.Destination, *zap.Logger) (Stream, error) {
	return nil, gwerrors.New(gwerrors.Rejected)
}
