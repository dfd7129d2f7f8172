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

// Package httpproxy implements the HTTP proxy recipient: the inbound-side
// state machine that parses a request head, authenticates, consults the
// rule matcher and policy registry, dials the resolved outbound, and
// either completes a CONNECT handshake or relays a re-framed plain HTTP
// request before becoming a transparent splice.
package httpproxy

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/hdtls/gatewayd/internal/dialer"
	"github.com/hdtls/gatewayd/internal/gwerrors"
	"github.com/hdtls/gatewayd/internal/httpmsg"
	"github.com/hdtls/gatewayd/internal/metrics"
	"github.com/hdtls/gatewayd/internal/policy"
	"github.com/hdtls/gatewayd/internal/rule"
	"github.com/hdtls/gatewayd/internal/splice"
)

// Config carries everything a Recipient needs to dispatch one connection.
type Config struct {
	Matcher           *rule.Matcher
	Registry          *policy.Registry
	PasswordReference string // required Proxy-Authorization value
	AuthRequired      bool
	DialTimeout       time.Duration // default 10s
	IdleDeadline      time.Duration // applied to the post-Ready splice; 0 disables it
	BytesPerSecond    int           // 0 disables per-connection rate limiting
	Logger            *zap.Logger
}

// rateLimiter builds a fresh per-connection token bucket when a rate limit
// is configured; the burst equals splice's copy buffer size so a single
// full read never blocks on WaitN's burst check.
func (rcp *Recipient) rateLimiter() *rate.Limiter {
	if rcp.cfg.BytesPerSecond <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(rcp.cfg.BytesPerSecond), 32*1024)
}

// Recipient serves one inbound HTTP proxy connection at a time; it carries
// no per-connection state itself so a single Recipient can be reused
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

// Serve drives one connection through Setup -> Waiting -> Preparing ->
// Ready|Failed. It returns the terminal error, if any; a nil return means
// the connection was spliced through to completion, or a RejectTinyGif
// policy was answered with the canned GIF. Every other rejection (bad
// head, failed auth, no matching rule, failed dial) writes its status
// response and then returns the error.
func (rcp *Recipient) Serve(ctx context.Context, conn net.Conn) error {
	br := bufio.NewReader(conn)

	head, err := httpmsg.ReadRequestHead(br)
	if err != nil {
		writeStatusResponse(conn, 400, true)
		return gwerrors.Wrap(gwerrors.BadRequest, err)
	}

	if rcp.cfg.AuthRequired {
		got, ok := head.Headers.Get("Proxy-Authorization")
		if !ok || got != rcp.cfg.PasswordReference {
			writeStatusResponse(conn, 407, true)
			return gwerrors.New(gwerrors.ProxyAuthenticationRequired)
		}
	}

	dest, err := destinationOf(head)
	if err != nil {
		writeStatusResponse(conn, 400, true)
		return err
	}

	matched, ok := rcp.cfg.Matcher.Match(dest)
	if !ok {
		writeStatusResponse(conn, 502, true)
		return gwerrors.WithReason(gwerrors.UnknownPolicy, "no rule matched "+dest.String())
	}

	outDialer, err := rcp.cfg.Registry.Resolve(matched.PolicyName)
	if err != nil {
		writeStatusResponse(conn, 502, true)
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
		if matched.PolicyName == policy.RejectTinyGif && gwerrors.Is(err, gwerrors.Rejected) && acceptsImage(head) {
			writeTinyGif(conn)
			return nil
		}
		writeStatusResponse(conn, statusForError(err), true)
		return err
	}
	defer stream.Close()

	inbound := &inboundStream{br: br, conn: conn}

	if head.IsConnect() {
		if _, err := io.WriteString(conn, "HTTP/1.1 200 Connection Established\r\nContent-Length: 0\r\n\r\n"); err != nil {
			return gwerrors.Wrap(gwerrors.ChannelInactive, err)
		}
		stats, err := splice.Pipe(ctx, inbound, stream, rcp.cfg.IdleDeadline, rcp.rateLimiter())
		rcp.logTransfer(dest, matched.PolicyName, stats)
		return err
	}

	stripped := head.Headers.Clone()
	httpmsg.StripHopByHop(&stripped)
	if err := relayAndFrame(stream, br, head, &stripped); err != nil {
		if gwerrors.Is(err, gwerrors.BadRequest) {
			writeStatusResponse(conn, 400, true)
		}
		return err
	}
	stats, err := splice.Pipe(ctx, inbound, stream, rcp.cfg.IdleDeadline, rcp.rateLimiter())
	rcp.logTransfer(dest, matched.PolicyName, stats)
	return err
}

// logTransfer reports one finished splice's byte counts in human-readable
// form (e.g. "4.2 MB" rather than a raw byte count).
func (rcp *Recipient) logTransfer(dest rule.Destination, policyName string, stats splice.Stats) {
	rcp.cfg.Logger.Debug("connection transfer complete",
		zap.String("destination", dest.String()),
		zap.String("policy", policyName),
		zap.String("sent", humanize.Bytes(uint64(stats.BytesAToB))),
		zap.String("received", humanize.Bytes(uint64(stats.BytesBToA))),
	)
}

// destinationOf derives the matcher's Destination from a request head:
// CONNECT's authority, or the Host header (port 80 when it names none) for
// everything else. The request path is not part of the destination.
func destinationOf(head *httpmsg.RequestHead) (rule.Destination, error) {
	if head.IsConnect() {
		d, err := rule.ParseHostPort(head.Authority)
		if err != nil {
			return rule.Destination{}, gwerrors.Wrap(gwerrors.BadRequest, err)
		}
		return d, nil
	}
	host, ok := head.Headers.Get("Host")
	if !ok || host == "" {
		return rule.Destination{}, gwerrors.New(gwerrors.BadRequest)
	}
	h, port, err := splitHostPortDefault(host, 80)
	if err != nil {
		return rule.Destination{}, gwerrors.Wrap(gwerrors.BadRequest, err)
	}
	return rule.NewHostPort(h, port), nil
}

func splitHostPortDefault(hostport string, defaultPort uint16) (string, uint16, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		// no port present
		return hostport, defaultPort, nil
	}
	p, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return "", 0, fmt.Errorf("httpproxy: invalid port in %q: %w", hostport, err)
	}
	return host, uint16(p), nil
}

// isHTTP11OrAbove reports whether a head's declared version is 1.1 or
// newer; only HTTP/1.1+ clients are guaranteed to support chunked
// transfer-encoding.
func isHTTP11OrAbove(head *httpmsg.RequestHead) bool {
	return head.Major > 1 || (head.Major == 1 && head.Minor >= 1)
}

// relayAndFrame writes the rewritten request head to outbound, then
// relays the body according to the framing rules: TRACE never carries a
// body; a present Content-Length passes bytes through unchanged; absent
// Content-Length on HTTP/1.1+ is re-emitted as chunked, chunk for chunk if
// the inbound body was itself chunked; absent Content-Length on HTTP/1.0
// is copied identity until EOF.
func relayAndFrame(outbound io.Writer, br *bufio.Reader, head *httpmsg.RequestHead, stripped *httpmsg.Headers) error {
	clStr, hasCL := head.Headers.Get("Content-Length")
	teVal, hasTE := head.Headers.Get("Transfer-Encoding")
	chunkedIn := hasTE && strings.EqualFold(strings.TrimSpace(teVal), "chunked")

	if hasCL && chunkedIn {
		return gwerrors.New(gwerrors.BadRequest)
	}

	noBody := head.Method == "TRACE"
	switch {
	case noBody:
		stripped.Del("Content-Length")
		stripped.Del("Transfer-Encoding")
	case hasCL:
		// Content-Length isn't hop-by-hop, so it survived the strip pass
		// already; nothing to add.
	case isHTTP11OrAbove(head):
		stripped.Add("Transfer-Encoding", "chunked")
	}

	if err := writeHead(outbound, head, stripped); err != nil {
		return gwerrors.Wrap(gwerrors.ChannelInactive, err)
	}

	if noBody {
		return nil
	}

	switch {
	case hasCL:
		n, err := strconv.ParseInt(clStr, 10, 64)
		if err != nil || n < 0 {
			return gwerrors.New(gwerrors.BadRequest)
		}
		if n == 0 {
			return nil
		}
		if _, err := io.CopyN(outbound, br, n); err != nil {
			return gwerrors.Wrap(gwerrors.ChannelInactive, err)
		}
		return nil
	case chunkedIn:
		for {
			data, final, trailers, err := httpmsg.ReadChunk(br)
			if err != nil {
				return gwerrors.Wrap(gwerrors.ChannelInactive, err)
			}
			if final {
				return httpmsg.WriteChunkedEnd(outbound, &trailers)
			}
			if err := httpmsg.WriteChunk(outbound, data); err != nil {
				return gwerrors.Wrap(gwerrors.ChannelInactive, err)
			}
		}
	default:
		// Neither Content-Length nor a chunked body: the request carries no
		// body. HTTP/1.1+ was announced as chunked above, so it ends with an
		// empty final chunk. HTTP/1.0 uses identity framing and relies on
		// connection close; the post-relay splice takes over from here.
		if isHTTP11OrAbove(head) {
			return httpmsg.WriteChunkedEnd(outbound, nil)
		}
		return nil
	}
}

// writeHead writes the request line (method + original target, verbatim)
// and headers.
func writeHead(w io.Writer, head *httpmsg.RequestHead, headers *httpmsg.Headers) error {
	if err := head.WriteRequestLine(w); err != nil {
		return err
	}
	if _, err := headers.WriteTo(w); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\r\n")
	return err
}

// acceptsImage reports whether a request's Accept header indicates the
// client will take an image/* response; RejectTinyGif serves the canned
// GIF only when this holds, and otherwise answers with the same 502
// response as Reject.
func acceptsImage(head *httpmsg.RequestHead) bool {
	accept, ok := head.Headers.Get("Accept")
	if !ok {
		return false
	}
	for _, part := range strings.Split(accept, ",") {
		part = strings.TrimSpace(part)
		if strings.HasPrefix(part, "image/") || part == "*/*" {
			return true
		}
	}
	return false
}

// tinyGif is the canned 1x1 transparent GIF RejectTinyGif serves instead
// of the 502 rejection response, when the request looks like it wants an
// image.
var tinyGif = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00, 0x80, 0x00,
	0x00, 0x00, 0x00, 0x00, 0xff, 0xff, 0xff, 0x21, 0xf9, 0x04, 0x01, 0x00,
	0x00, 0x00, 0x00, 0x2c, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00,
	0x00, 0x02, 0x02, 0x44, 0x01, 0x00, 0x3b,
}

func writeTinyGif(w io.Writer) {
	fmt.Fprintf(w, "HTTP/1.1 200 OK\r\nContent-Type: image/gif\r\nContent-Length: %d\r\nConnection: close\r\n\r\n", len(tinyGif))
	w.Write(tinyGif)
}

// statusForError maps a dispatch-engine error kind to the HTTP status the
// recipient writes before closing.
func statusForError(err error) int {
	switch {
	case gwerrors.Is(err, gwerrors.ProxyAuthenticationRequired):
		return 407
	case gwerrors.Is(err, gwerrors.BadRequest):
		return 400
	case gwerrors.Is(err, gwerrors.RequestTimeout):
		return 408
	default:
		return 502
	}
}

// writeStatusResponse writes a bare status line with Content-Length: 0,
// adding Connection: close when the caller is about to tear the
// connection down.
func writeStatusResponse(w io.Writer, status int, closeConn bool) {
	text := statusText(status)
	fmt.Fprintf(w, "HTTP/1.1 %d %s\r\nContent-Length: 0\r\n", status, text)
	if closeConn {
		io.WriteString(w, "Connection: close\r\n")
	}
	io.WriteString(w, "\r\n")
}

func statusText(status int) string {
	switch status {
	case 400:
		return "Bad Request"
	case 407:
		return "Proxy Authentication Required"
	case 408:
		return "Request Timeout"
	case 502:
		return "Bad Gateway"
	default:
		return "Error"
	}
}

// inboundStream adapts the inbound net.Conn (with its bufio.Reader, which
// may already hold bytes read past the parsed head) to dialer.Stream so
// the same splice primitive serves both the CONNECT and plain-HTTP paths.
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
