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

// Package connectclient implements the client side of an HTTP-CONNECT
// handshake, used when an outbound policy is itself an HTTP or HTTPS
// upstream proxy: Setup -> Waiting(timeout) -> Preparing(timeout) ->
// Ready | Failed.
package connectclient

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/hdtls/gatewayd/internal/gwerrors"
	"github.com/hdtls/gatewayd/internal/httpmsg"
	"github.com/hdtls/gatewayd/internal/rule"
)

// DefaultTimeout is the handshake timeout applied when Handshake.Timeout is
// zero.
const DefaultTimeout = 60 * time.Second

// Handshake drives one CONNECT negotiation against an already-dialed
// (and, if applicable, already TLS-wrapped) net.Conn to the upstream proxy.
// A Handshake is single-use: construct one per outbound connection attempt.
type Handshake struct {
	Destination       rule.Destination
	PasswordReference string // value sent as Proxy-Authorization, if AuthRequired
	AuthRequired      bool
	Timeout           time.Duration

	writes httpmsg.BufferedWrites
}

// New builds a Handshake for destination. passwordReference and
// authRequired control whether a Proxy-Authorization header is sent;
// timeout of 0 uses DefaultTimeout.
func New(destination rule.Destination, passwordReference string, authRequired bool, timeout time.Duration) *Handshake {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Handshake{
		Destination:       destination,
		PasswordReference: passwordReference,
		AuthRequired:      authRequired,
		Timeout:           timeout,
	}
}

// Write buffers a user write submitted before Ready is reached. completion,
// if non-nil, is invoked once the write is flushed (on success) or
// discarded (on handshake failure).
func (h *Handshake) Write(data []byte, completion func(error)) {
	h.writes.Append(data, completion)
}

// Mark advances the buffered-writes mark, so everything written so far
// flushes in the first post-Ready pass and anything written after flushes
// in the second. Callers that don't care about two-pass ordering can
// ignore this; Perform always drains both passes before returning.
func (h *Handshake) Mark() {
	h.writes.Mark()
}

// authority resolves the destination to the "host:port" CONNECT writes.
// URL destinations must themselves resolve to a host:port authority; Unix
// destinations are not meaningful upstream targets.
func authority(dest rule.Destination) (string, error) {
	switch dest.Kind {
	case rule.HostPort:
		return dest.String(), nil
	case rule.URL:
		u, err := url.Parse(dest.URL)
		if err != nil || u.Host == "" {
			return "", gwerrors.WithReason(gwerrors.UnsupportedAddress, dest.URL)
		}
		host := u.Host
		if u.Port() == "" {
			if u.Scheme == "https" {
				host = net.JoinHostPort(u.Hostname(), "443")
			} else {
				host = net.JoinHostPort(u.Hostname(), "80")
			}
		}
		return host, nil
	default:
		return "", gwerrors.WithReason(gwerrors.UnsupportedAddress, dest.String())
	}
}

// Perform runs the full handshake over conn: writes the CONNECT request,
// waits (bounded by h.Timeout) for the response head, validates it, and on
// success flushes any writes buffered via Write in two FIFO passes before
// returning nil. conn's deadline is cleared before returning so a
// subsequent idle deadline (owned by the coordinator) takes over.
func (h *Handshake) Perform(ctx context.Context, conn net.Conn) (err error) {
	auth, err := authority(h.Destination)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(h.Timeout)
	_ = conn.SetDeadline(deadline)

	cancelled := make(chan struct{})
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			close(cancelled)
			conn.Close()
		case <-done:
		}
	}()
	defer func() {
		select {
		case <-cancelled:
			err = gwerrors.WithReason(gwerrors.UserCancelled, "EOF during handshake")
		default:
		}
	}()

	var req []byte
	req = append(req, fmt.Sprintf("CONNECT %s HTTP/1.1\r\n", auth)...)
	if h.AuthRequired {
		req = append(req, fmt.Sprintf("Proxy-Authorization: %s\r\n", h.PasswordReference)...)
	}
	req = append(req, "\r\n"...)

	if _, werr := conn.Write(req); werr != nil {
		return classifyIOError(werr)
	}

	br := bufio.NewReader(conn)
	resp, rerr := http.ReadResponse(br, &http.Request{Method: "CONNECT"})
	if rerr != nil {
		return classifyIOError(rerr)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusProxyAuthRequired:
		return gwerrors.New(gwerrors.ProxyAuthenticationRequired)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return gwerrors.WithStatus(resp.StatusCode)
	}

	if resp.ContentLength > 0 {
		return gwerrors.WithReason(gwerrors.UnacceptableRead, "response body present after CONNECT")
	}

	// Preparing -> Ready: stop enforcing the handshake deadline; a
	// connection-wide idle deadline (if configured) takes over post-Ready.
	_ = conn.SetDeadline(time.Time{})

	for _, w := range h.writes.DrainAll() {
		_, werr := conn.Write(w.Data)
		if w.Completion != nil {
			w.Completion(werr)
		}
		if werr != nil {
			return classifyIOError(werr)
		}
	}

	return nil
}

// classifyIOError maps a low-level I/O failure from the handshake into the
// gwerrors kind the state machine contract promises: a deadline exceeded
// error becomes RequestTimeout; anything else becomes ChannelInactive.
func classifyIOError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return gwerrors.New(gwerrors.RequestTimeout)
	}
	return gwerrors.Wrap(gwerrors.ChannelInactive, err)
}

// Discard abandons any buffered writes, invoking their completions with
// err. Call this on a failed or cancelled handshake so callers waiting on
// a write's completion are always notified exactly once.
func (h *Handshake) Discard(err error) {
	h.writes.Discard(err)
}
