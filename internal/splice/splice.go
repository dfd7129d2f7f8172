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

// Package splice implements the symmetric bidirectional byte pipe the
// HTTP and SOCKS5 recipients install between an inbound channel and
// its dialed outbound stream: independent half-close per side, an idle
// deadline applied while Ready, and a bounded per-pair buffer pool so
// memory use never grows with connection count.
package splice

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/hdtls/gatewayd/internal/dialer"
	"github.com/hdtls/gatewayd/internal/metrics"
)

// bufferPool hands out fixed 32KiB buffers for pooled copies. Re-using a
// pool instead of allocating per connection keeps per-pair memory
// bounded at a fixed high-watermark regardless of connection count.
var bufferPool = sync.Pool{
	New: func() any {
		b := make([]byte, 32*1024)
		return &b
	},
}

// deadlineSetter is implemented by most concrete Streams (those backed by
// a net.Conn); Pipe applies the idle deadline to each side that supports
// it and skips a side that does not.
type deadlineSetter interface {
	SetDeadline(t time.Time) error
}

// Stats reports bytes moved in each direction once a Pipe returns.
type Stats struct {
	BytesAToB int64
	BytesBToA int64
}

// Pipe copies bytes bidirectionally between a and b until both directions
// have hit EOF (or an error). Either side's EOF half-closes (Shutdown) the
// opposite side's write direction; once both directions are closed the
// pipe returns. idleDeadline, if non-zero, is refreshed on every
// successful read/write and applied to both sides, distinct from any
// handshake-phase deadline the caller applies before Pipe is ever
// invoked. limiter, if non-nil, throttles both directions to
// the same shared byte budget; pass nil to disable rate limiting. ctx
// cancellation force-closes both sides immediately, the coordinator's
// mechanism for quiescing in-flight connections on shutdown.
func Pipe(ctx context.Context, a, b dialer.Stream, idleDeadline time.Duration, limiter *rate.Limiter) (Stats, error) {
	var stats Stats
	errs := make(chan error, 2)

	var shutA, shutB atomic.Bool // set once Pipe has shut that side down
	copyHalf := func(dst, src dialer.Stream, counter *int64, dstShut, srcShut *atomic.Bool) {
		buf := bufferPool.Get().(*[]byte)
		defer bufferPool.Put(buf)

		n, err := copyLoop(ctx, dst, src, *buf, idleDeadline, limiter)
		atomic.AddInt64(counter, n)
		dstShut.Store(true)
		_ = dst.Shutdown() // half-close: src hit EOF, so dst sees no more data
		// A Stream without CloseWrite is fully closed by Shutdown; reading
		// it afterwards fails, which ends this direction rather than
		// reporting a failure.
		if srcShut.Load() && (errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed)) {
			err = nil
		}
		errs <- err
	}

	go copyHalf(b, a, &stats.BytesAToB, &shutB, &shutA)
	go copyHalf(a, b, &stats.BytesBToA, &shutA, &shutB)

	done := make(chan struct{})
	var first error
	go func() {
		for i := 0; i < 2; i++ {
			if err := <-errs; err != nil && err != io.EOF && first == nil {
				first = err
			}
		}
		close(done)
	}()

	select {
	case <-done:
		recordStats(stats, first)
		return stats, first
	case <-ctx.Done():
		_ = a.Close()
		_ = b.Close()
		<-done
		recordStats(stats, ctx.Err())
		return stats, ctx.Err()
	}
}

// recordStats publishes one Pipe invocation's byte counts and termination
// reason to the process-wide splice metrics.
func recordStats(stats Stats, err error) {
	metrics.SpliceBytesTotal.WithLabelValues("inbound_to_outbound").Add(float64(stats.BytesAToB))
	metrics.SpliceBytesTotal.WithLabelValues("outbound_to_inbound").Add(float64(stats.BytesBToA))

	reason := "eof"
	switch {
	case err == nil:
		reason = "eof"
	case err == context.Canceled || err == context.DeadlineExceeded:
		reason = "cancelled"
	default:
		reason = "error"
	}
	metrics.SpliceSessionsTotal.WithLabelValues(reason).Inc()
}

// copyLoop is io.CopyBuffer with an idle deadline refreshed on src before
// each read and on dst before each write, so a stalled peer (neither
// direction active) eventually times out
// instead of holding the pipe open forever. When limiter is non-nil, each
// chunk is throttled to the limiter's shared byte budget before being
// written onward.
func copyLoop(ctx context.Context, dst, src dialer.Stream, buf []byte, idleDeadline time.Duration, limiter *rate.Limiter) (int64, error) {
	var written int64
	for {
		if idleDeadline > 0 {
			if ds, ok := src.(deadlineSetter); ok {
				_ = ds.SetDeadline(time.Now().Add(idleDeadline))
			}
		}
		nr, er := src.Read(buf)
		if nr > 0 {
			if limiter != nil {
				// WaitN rejects n above the burst outright, so a larger read
				// is paid for in burst-sized pieces.
				for left := nr; left > 0; {
					n := left
					if b := limiter.Burst(); b > 0 && n > b {
						n = b
					}
					if err := limiter.WaitN(ctx, n); err != nil {
						return written, err
					}
					left -= n
				}
			}
			// Refresh dst too: its deadline also covers the opposite
			// direction's pending read, which this traffic keeps alive.
			if idleDeadline > 0 {
				if ds, ok := dst.(deadlineSetter); ok {
					_ = ds.SetDeadline(time.Now().Add(idleDeadline))
				}
			}
			nw, ew := dst.Write(buf[:nr])
			written += int64(nw)
			if ew != nil {
				return written, ew
			}
			if nw != nr {
				return written, io.ErrShortWrite
			}
		}
		if er != nil {
			if er == io.EOF {
				return written, nil
			}
			return written, er
		}
	}
}
