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

package coordinator

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type countingRecipient struct {
	served atomic.Int32
}

func (r *countingRecipient) Serve(ctx context.Context, conn net.Conn) error {
	r.served.Add(1)
	buf := make([]byte, 16)
	_, _ = conn.Read(buf)
	return nil
}

// longSpliceRecipient reads one chunk, sleeps well past the handshake
// deadline configured in its test, then reads a second chunk. It only
// succeeds if the handshake deadline was cleared before Serve ran.
type longSpliceRecipient struct {
	sleep  time.Duration
	result chan error
}

func (r *longSpliceRecipient) Serve(ctx context.Context, conn net.Conn) error {
	buf := make([]byte, 16)
	if _, err := conn.Read(buf); err != nil {
		r.result <- err
		return err
	}
	time.Sleep(r.sleep)
	_, err := conn.Read(buf)
	r.result <- err
	return err
}

func TestCoordinator_ServesAcceptedConnectionsAndShutsDownOnCancel(t *testing.T) {
	recipient := &countingRecipient{}
	co := New(Config{Address: "127.0.0.1:0"}, recipient)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- co.Serve(ctx) }()

	var addr net.Addr
	for i := 0; i < 100 && addr == nil; i++ {
		time.Sleep(10 * time.Millisecond)
		addr = co.Addr()
	}
	if addr == nil {
		t.Fatal("listener never became ready")
	}

	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	conn.Write([]byte("hi"))
	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for recipient.served.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if recipient.served.Load() == 0 {
		t.Fatal("expected recipient to be invoked")
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("unexpected error from Serve: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after context cancellation")
	}
}

func TestCoordinator_ClearsHandshakeDeadlineBeforeServingConnection(t *testing.T) {
	recipient := &longSpliceRecipient{sleep: 150 * time.Millisecond, result: make(chan error, 1)}
	co := New(Config{
		Address:           "127.0.0.1:0",
		HandshakeDeadline: 50 * time.Millisecond,
	}, recipient)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- co.Serve(ctx) }()

	var addr net.Addr
	for i := 0; i < 100 && addr == nil; i++ {
		time.Sleep(10 * time.Millisecond)
		addr = co.Addr()
	}
	if addr == nil {
		t.Fatal("listener never became ready")
	}

	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer conn.Close()

	conn.Write([]byte("a"))
	time.Sleep(100 * time.Millisecond) // past HandshakeDeadline, inside recipient's sleep
	conn.Write([]byte("b"))

	select {
	case err := <-recipient.result:
		if err != nil {
			t.Fatalf("expected second read to succeed once handshake deadline was cleared, got: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("recipient never reported a result")
	}
}
