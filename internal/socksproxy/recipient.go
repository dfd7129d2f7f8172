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

// Package socksproxy implements a SOCKS5 (RFC 1928) inbound recipient:
// method negotiation, optional username/password subnegotiation (RFC
// 1929), a CONNECT request, then the same rule/policy dispatch and splice
// internal/httpproxy uses. Only the CONNECT command is supported; BIND and
// UDP ASSOCIATE are rejected with the RFC's "command not supported" reply.
package socksproxy

import (
	"bufio"
	"context"
	"encoding/binary"
	"net"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/hdtls/gatewayd/internal/dialer"
	"github.com/hdtls/gatewayd/internal/gwerrors"
	"github.com/hdtls/gatewayd/internal/metrics"
	"github.com/hdtls/gatewayd/internal/policy"
	"github.com/hdtls/gatewayd/internal/rule"
	"github.com/hdtls/gatewayd/internal/splice"
)

const (
	socksVersion5      = 0x05
	methodNoAuth       = 0x00
	methodUserPass     = 0x02
	methodNoAcceptable = 0xFF

	userPassVersion = 0x01

	cmdConnect = 0x01

	atypIPv4   = 0x01
	atypDomain = 0x03
	atypIPv6   = 0x04

	replySucceeded           = 0x00
	replyGeneralFailure      = 0x01
	replyConnectionRefused   = 0x05
	replyCommandNotSupported = 0x07
	replyAddressNotSupported = 0x08
)

// Config carries everything a Recipient needs to dispatch one SOCKS5
// connection. It mirrors internal/httpproxy.Config; the two packages share
// the same rule matcher and policy registry so one profile drives both
// inbound listeners identically.
type Config struct {
	Matcher           *rule.Matcher
	Registry          *policy.Registry
	PasswordReference string // required password in the username/password subnegotiation
	AuthRequired      bool
	DialTimeout       time.Duration // default 10s
	IdleDeadline      time.Duration // applied to the post-Ready splice; 0 disables it
	BytesPerSecond    int           // 0 disables per-connection rate limiting
	Logger            *zap.Logger
}

// Recipient serves one inbound SOCKS5 connection at a time; it carries no
// per-connection state itself so a single Recipient can be reused
// (concurrently) across every accepted connection.
type Recipient struct {
	cfg Config
}

// New builds a Recipient from cfg, applying defaults for zero-valued
// optional fields.
func New(cfg Config) *Recipient {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Recipient{cfg: cfg}
}

func (rcp *Recipient) rateLimiter() *rate.Limiter {
	if rcp.cfg.BytesPerSecond <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(rcp.cfg.BytesPerSecond), 32*1024)
}

// Serve drives one connection through method negotiation, optional auth,
// the CONNECT request, rule/policy dispatch, and a splice to the dialed
// outbound. It returns the terminal error, if any; a nil return means the
// connection was spliced through to completion.
func (rcp *Recipient) Serve(ctx context.Context, conn net.Conn) error {
	br := bufio.NewReader(conn)

	if err := rcp.negotiateMethod(br, conn); err != nil {
		return err
	}

	dest, err := readConnectRequest(br)
	if err != nil {
		writeReply(conn, replyGeneralFailureFor(err))
		return err
	}

	matched, ok := rcp.cfg.Matcher.Match(dest)
	if !ok {
		writeReply(conn, replyConnectionRefused)
		return gwerrors.WithReason(gwerrors.UnknownPolicy, "no rule matched "+dest.String())
	}

	outDialer, err := rcp.cfg.Registry.Resolve(matched.PolicyName)
	if err != nil {
		writeReply(conn, replyConnectionRefused)
		return gwerrors.WithReason(gwerrors.UnknownPolicy, matched.PolicyName)
	}

	dialCtx, cancel := context.WithTimeout(ctx, rcp.cfg.DialTimeout)
	stream, err := outDialer.Dial(dialCtx, dest, rcp.cfg.Logger)
	cancel()
	if err == nil {
		metrics.DialAttemptsTotal.WithLabelValues(matched.PolicyName, "success").Inc()
	} else {
		metrics.DialAttemptsTotal.WithLabelValues(matched.PolicyName, "failure").Inc()
	}
	if err != nil {
		writeReply(conn, replyConnectionRefused)
		return err
	}
	defer stream.Close()

	if err := writeReply(conn, replySucceeded); err != nil {
		return gwerrors.Wrap(gwerrors.ChannelInactive, err)
	}

	inbound := &inboundStream{br: br, conn: conn}
	stats, err := splice.Pipe(ctx, inbound, stream, rcp.cfg.IdleDeadline, rcp.rateLimiter())
	rcp.cfg.Logger.Debug("connection transfer complete",
		zap.String("destination", dest.String()),
		zap.String("policy", matched.PolicyName),
		zap.Int64("sent", stats.BytesAToB),
		zap.Int64("received", stats.BytesBToA),
	)
	return err
}

// negotiateMethod reads the client's method-selection request and replies
// with the method the Recipient will use: no-auth when AuthRequired is
// false, username/password (RFC 1929) otherwise. It returns an error (after
// writing methodNoAcceptable) if the client offers no usable method, or if
// AuthRequired and the username/password subnegotiation fails.
func (rcp *Recipient) negotiateMethod(br *bufio.Reader, conn net.Conn) error {
	header := make([]byte, 2)
	if _, err := readFull(br, header); err != nil {
		return gwerrors.Wrap(gwerrors.ChannelInactive, err)
	}
	if header[0] != socksVersion5 {
		return gwerrors.WithReason(gwerrors.BadRequest, "unsupported SOCKS version")
	}
	methods := make([]byte, header[1])
	if _, err := readFull(br, methods); err != nil {
		return gwerrors.Wrap(gwerrors.ChannelInactive, err)
	}

	want := byte(methodNoAuth)
	if rcp.cfg.AuthRequired {
		want = methodUserPass
	}
	offered := false
	for _, m := range methods {
		if m == want {
			offered = true
			break
		}
	}
	if !offered {
		_, _ = conn.Write([]byte{socksVersion5, methodNoAcceptable})
		return gwerrors.New(gwerrors.ProxyAuthenticationRequired)
	}
	if _, err := conn.Write([]byte{socksVersion5, want}); err != nil {
		return gwerrors.Wrap(gwerrors.ChannelInactive, err)
	}
	if want == methodNoAuth {
		return nil
	}
	return rcp.authenticate(br, conn)
}

// authenticate runs the username/password subnegotiation (RFC 1929) and
// checks the submitted password against PasswordReference verbatim,
// mirroring how internal/httpproxy compares Proxy-Authorization.
func (rcp *Recipient) authenticate(br *bufio.Reader, conn net.Conn) error {
	header := make([]byte, 2)
	if _, err := readFull(br, header); err != nil {
		return gwerrors.Wrap(gwerrors.ChannelInactive, err)
	}
	username := make([]byte, header[1])
	if _, err := readFull(br, username); err != nil {
		return gwerrors.Wrap(gwerrors.ChannelInactive, err)
	}
	passLen := make([]byte, 1)
	if _, err := readFull(br, passLen); err != nil {
		return gwerrors.Wrap(gwerrors.ChannelInactive, err)
	}
	password := make([]byte, passLen[0])
	if _, err := readFull(br, password); err != nil {
		return gwerrors.Wrap(gwerrors.ChannelInactive, err)
	}

	if string(password) != rcp.cfg.PasswordReference {
		_, _ = conn.Write([]byte{userPassVersion, 0x01})
		return gwerrors.New(gwerrors.ProxyAuthenticationRequired)
	}
	_, err := conn.Write([]byte{userPassVersion, 0x00})
	if err != nil {
		return gwerrors.Wrap(gwerrors.ChannelInactive, err)
	}
	return nil
}

// readConnectRequest parses a SOCKS5 request line, rejecting anything but
// CMD == CONNECT.
func readConnectRequest(br *bufio.Reader) (rule.Destination, error) {
	header := make([]byte, 4)
	if _, err := readFull(br, header); err != nil {
		return rule.Destination{}, gwerrors.Wrap(gwerrors.ChannelInactive, err)
	}
	if header[0] != socksVersion5 {
		return rule.Destination{}, gwerrors.WithReason(gwerrors.BadRequest, "unsupported SOCKS version")
	}
	if header[1] != cmdConnect {
		return rule.Destination{}, gwerrors.WithReason(gwerrors.UnsupportedAddress, "only CONNECT is supported")
	}

	var host string
	switch header[3] {
	case atypIPv4:
		addr := make([]byte, 4)
		if _, err := readFull(br, addr); err != nil {
			return rule.Destination{}, gwerrors.Wrap(gwerrors.ChannelInactive, err)
		}
		host = net.IP(addr).String()
	case atypIPv6:
		addr := make([]byte, 16)
		if _, err := readFull(br, addr); err != nil {
			return rule.Destination{}, gwerrors.Wrap(gwerrors.ChannelInactive, err)
		}
		host = net.IP(addr).String()
	case atypDomain:
		lenByte := make([]byte, 1)
		if _, err := readFull(br, lenByte); err != nil {
			return rule.Destination{}, gwerrors.Wrap(gwerrors.ChannelInactive, err)
		}
		domain := make([]byte, lenByte[0])
		if _, err := readFull(br, domain); err != nil {
			return rule.Destination{}, gwerrors.Wrap(gwerrors.ChannelInactive, err)
		}
		host = string(domain)
	default:
		return rule.Destination{}, gwerrors.WithReason(gwerrors.BadRequest, "unrecognized SOCKS5 address type")
	}

	portBuf := make([]byte, 2)
	if _, err := readFull(br, portBuf); err != nil {
		return rule.Destination{}, gwerrors.Wrap(gwerrors.ChannelInactive, err)
	}
	return rule.NewHostPort(host, binary.BigEndian.Uint16(portBuf)), nil
}

// writeReply sends a SOCKS5 reply with a zeroed BND.ADDR/BND.PORT; clients
// implementing RFC 1928 correctly never use the bound address of a CONNECT
// reply for anything.
func writeReply(conn net.Conn, reply byte) error {
	_, err := conn.Write([]byte{socksVersion5, reply, 0x00, atypIPv4, 0, 0, 0, 0, 0, 0})
	return err
}

// replyGeneralFailureFor chooses the reply code for a failed request parse:
// UnsupportedAddress (CMD != CONNECT) maps to "command not supported",
// BadRequest (such as an unrecognized ATYP) maps to "address not
// supported", and anything else is a general failure.
func replyGeneralFailureFor(err error) byte {
	if gwerrors.Is(err, gwerrors.UnsupportedAddress) {
		return replyCommandNotSupported
	}
	if gwerrors.Is(err, gwerrors.BadRequest) {
		return replyAddressNotSupported
	}
	return replyGeneralFailure
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// inboundStream adapts the inbound net.Conn (with its bufio.Reader, which
// may already hold bytes read past the parsed request) to dialer.Stream so
// the same splice primitive serves both the HTTP and SOCKS5 recipients.
type inboundStream struct {
	br   *bufio.Reader
	conn net.Conn
}

func (s *inboundStream) Read(p []byte) (int, error)  { return s.br.Read(p) }
func (s *inboundStream) Write(p []byte) (int, error) { return s.conn.Write(p) }
func (s *inboundStream) Close() error                { return s.conn.Close() }
func (s *inboundStream) LocalAddr() net.Addr         { return s.conn.LocalAddr() }
func (s *inboundStream) RemoteAddr() net.Addr        { return s.conn.RemoteAddr() }

func (s *inboundStream) Shutdown() error {
	type closeWriter interface {
		CloseWrite() error
	}
	if cw, ok := s.conn.(closeWriter); ok {
		return cw.CloseWrite()
	}
	return s.conn.Close()
}

func (s *inboundStream) SetDeadline(t time.Time) error {
	return s.conn.SetDeadline(t)
}

var _ dialer.Stream = (*inboundStream)(nil)
