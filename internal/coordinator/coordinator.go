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

// Package coordinator runs the accept loop that feeds inbound connections
// to an httpproxy.Recipient: listener setup (SO_REUSEADDR, optional PROXY
// protocol ingestion), an optional per-connection deadline that is cleared
// before the recipient runs, graceful shutdown, and per-connection access
// logging.
package coordinator

import (
	"context"
	"errors"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/pires/go-proxyproto"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hdtls/gatewayd/internal/metrics"
)

// Recipient is the narrow seam the coordinator needs from
// internal/httpproxy.Recipient: serve one already-accepted connection to
// completion.
type Recipient interface {
	Serve(ctx context.Context, conn net.Conn) error
}

// Config carries everything a Coordinator needs to run one listening
// address.
type Config struct {
	Address string // host:port to listen on
	Logger  *zap.Logger

	// AcceptProxyProtocol, when set, wraps the listener so the first bytes
	// of every accepted connection are parsed as a PROXY protocol v1/v2
	// header before the recipient ever sees the connection.
	AcceptProxyProtocol bool

	// HandshakeDeadline bounds how long a connection may spend in the
	// recipient's Setup/Waiting/Preparing phases before it is closed. Zero
	// disables the deadline.
	HandshakeDeadline time.Duration
}

// Coordinator owns one listening socket and the goroutine group serving
// connections accepted from it.
type Coordinator struct {
	cfg       Config
	recipient Recipient
	listener  net.Listener
	inFlight  sync.WaitGroup
}

// New builds a Coordinator. It does not start listening; call Serve.
func New(cfg Config, recipient Recipient) *Coordinator {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Coordinator{cfg: cfg, recipient: recipient}
}

// listenConfig builds a net.ListenConfig whose Control callback sets
// SO_REUSEADDR, so a restarting process can rebind the address while an
// old listener's sockets are still draining in TIME_WAIT.
func listenConfig() net.ListenConfig {
	return net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var controlErr error
			err := c.Control(func(fd uintptr) {
				controlErr = setReuseAddr(fd)
			})
			if err != nil {
				return err
			}
			return controlErr
		},
	}
}

// Serve opens the listening socket and runs the accept loop until ctx is
// cancelled, at which point the listener is closed and Serve waits for all
// in-flight connections' handlers to return before returning itself.
func (co *Coordinator) Serve(ctx context.Context) error {
	ln, err := listenConfig().Listen(ctx, "tcp", co.cfg.Address)
	if err != nil {
		return err
	}
	if co.cfg.AcceptProxyProtocol {
		ln = &proxyproto.Listener{Listener: ln, ReadHeaderTimeout: 5 * time.Second}
	}
	co.listener = ln

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		defer context.AfterFunc(egCtx, func() { _ = ln.Close() })()
		return co.acceptLoop(egCtx, ln)
	})
	err = eg.Wait()
	co.inFlight.Wait()
	return err
}

// Addr returns the address the Coordinator is listening on. It is only
// valid after Serve has successfully opened the listener.
func (co *Coordinator) Addr() net.Addr {
	if co.listener == nil {
		return nil
	}
	return co.listener.Addr()
}

func (co *Coordinator) acceptLoop(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			co.cfg.Logger.Warn("accept failed, retrying", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(50 * time.Millisecond):
				continue
			}
		}

		metrics.ConnectionsOpened.Inc()
		co.inFlight.Add(1)
		go co.handle(ctx, conn)
	}
}

func (co *Coordinator) handle(ctx context.Context, conn net.Conn) {
	defer co.inFlight.Done()
	defer metrics.ConnectionsOpened.Dec()
	start := time.Now()
	remote := conn.RemoteAddr().String()

	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	if co.cfg.HandshakeDeadline > 0 {
		_ = conn.SetDeadline(start.Add(co.cfg.HandshakeDeadline))
	}

	// Ready splices ignore the handshake timer: clear it before handing the
	// connection to the recipient so a long-lived connection isn't cut short.
	_ = conn.SetDeadline(time.Time{})

	err := co.recipient.Serve(ctx, conn)
	conn.Close()

	logger := co.cfg.Logger.With(
		zap.String("remote_addr", remote),
		zap.Duration("duration", time.Since(start)),
	)
	switch {
	case err == nil:
		logger.Info("connection served")
	case errors.Is(err, context.Canceled):
		logger.Debug("connection cancelled by shutdown")
	default:
		logger.Warn("connection served with error", zap.Error(err))
	}
}
