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

package socksproxy

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/hdtls/gatewayd/internal/dialer"
	"github.com/hdtls/gatewayd/internal/policy"
	"github.com/hdtls/gatewayd/internal/rule"
)

// fakeStream is an in-memory dialer.Stream backed by a net.Pipe half, used
// so tests never touch the network.
type fakeStream struct {
	net.Conn
}

func (s fakeStream) Shutdown() error { return s.Conn.Close() }

// recordingFactory resolves every ProxyConfig to a stub dialer that hands
// back one side of a net.Pipe, keeping the other side for the test to
// drive directly.
type recordingFactory struct {
	pairs map[string]net.Conn
}

func (f *recordingFactory) Proxy(cfg *policy.Proxy) (dialer.OutboundDialer, error) {
	server, client := net.Pipe()
	f.pairs[cfg.ServerAddress] = server
	return stubDialer{conn: client}, nil
}

type stubDialer struct{ conn net.Conn }

func (d stubDialer) Dial(ctx context.Context, destination rule.Destination, logger *zap.Logger) (dialer.Stream, error) {
	return fakeStream{Conn: d.conn}, nil
}

func newRegistryWithProxy(t *testing.T, policyName, serverAddress string) (*policy.Registry, *recordingFactory) {
	t.Helper()
	factory := &recordingFactory{pairs: make(map[string]net.Conn)}
	reg, err := policy.New([]policy.ProxyConfig{
		{Name: policyName, Proxy: policy.Proxy{ServerAddress: serverAddress, Port: 443, Protocol: policy.ProtocolHTTP}},
	}, nil, factory, nil)
	if err != nil {
		t.Fatalf("building registry: %v", err)
	}
	return reg, factory
}

func pipeConn(t *testing.T) (client net.Conn, server net.Conn) {
	t.Helper()
	c, s := net.Pipe()
	return c, s
}

func TestServe_ConnectSuccessNoAuth(t *testing.T) {
	reg, factory := newRegistryWithProxy(t, "PROXY-A", "upstream.example")
	matcher := rule.NewMatcher(1, []*rule.Rule{rule.NewFinal("PROXY-A", "")}, nil, 0)

	rcp := New(Config{Matcher: matcher, Registry: reg, DialTimeout: time.Second})

	client, server := pipeConn(t)
	defer client.Close()

	done := make(chan error, 1)
	go func() { done <- rcp.Serve(context.Background(), server) }()

	// method negotiation: offer no-auth only
	if _, err := client.Write([]byte{0x05, 0x01, 0x00}); err != nil {
		t.Fatalf("write method negotiation: %v", err)
	}
	methodReply := readN(t, client, 2)
	if methodReply[0] != 0x05 || methodReply[1] != 0x00 {
		t.Fatalf("expected [05 00] method reply, got %v", methodReply)
	}

	// CONNECT example.com:443
	req := []byte{0x05, 0x01, 0x00, 0x03, byte(len("example.com"))}
	req = append(req, []byte("example.com")...)
	req = append(req, 0x01, 0xBB) // port 443
	if _, err := client.Write(req); err != nil {
		t.Fatalf("write connect request: %v", err)
	}
	reply := readN(t, client, 10)
	if reply[0] != 0x05 || reply[1] != replySucceeded {
		t.Fatalf("expected succeeded reply, got %v", reply)
	}

	upstream := factory.pairs["upstream.example"]
	defer upstream.Close()
	if _, err := upstream.Write([]byte("pong")); err != nil {
		t.Fatalf("upstream write: %v", err)
	}
	buf := make([]byte, 4)
	if _, err := io.ReadFull(client, buf); err != nil || string(buf) != "pong" {
		t.Fatalf("expected spliced bytes \"pong\", got %q err=%v", buf, err)
	}

	client.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after client closed")
	}
}

func TestServe_RequiresUsernamePasswordWhenAuthRequired(t *testing.T) {
	reg, factory := newRegistryWithProxy(t, "PROXY-A", "upstream.example")
	matcher := rule.NewMatcher(1, []*rule.Rule{rule.NewFinal("PROXY-A", "")}, nil, 0)

	rcp := New(Config{Matcher: matcher, Registry: reg, AuthRequired: true, PasswordReference: "secret"})

	client, server := pipeConn(t)
	defer client.Close()

	done := make(chan error, 1)
	go func() { done <- rcp.Serve(context.Background(), server) }()

	if _, err := client.Write([]byte{0x05, 0x01, 0x02}); err != nil {
		t.Fatalf("write method negotiation: %v", err)
	}
	methodReply := readN(t, client, 2)
	if methodReply[1] != methodUserPass {
		t.Fatalf("expected server to select username/password, got %v", methodReply)
	}

	auth := []byte{0x01, byte(len("user")), 'u', 's', 'e', 'r', byte(len("secret"))}
	auth = append(auth, []byte("secret")...)
	if _, err := client.Write(auth); err != nil {
		t.Fatalf("write auth: %v", err)
	}
	authReply := readN(t, client, 2)
	if authReply[1] != 0x00 {
		t.Fatalf("expected auth success, got %v", authReply)
	}

	req := []byte{0x05, 0x01, 0x00, 0x03, byte(len("example.com"))}
	req = append(req, []byte("example.com")...)
	req = append(req, 0x01, 0xBB)
	if _, err := client.Write(req); err != nil {
		t.Fatalf("write connect request: %v", err)
	}
	reply := readN(t, client, 10)
	if reply[1] != replySucceeded {
		t.Fatalf("expected succeeded reply, got %v", reply)
	}

	factory.pairs["upstream.example"].Close()
	client.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}
}

func TestServe_RejectsWrongPassword(t *testing.T) {
	reg, _ := newRegistryWithProxy(t, "PROXY-A", "upstream.example")
	matcher := rule.NewMatcher(1, []*rule.Rule{rule.NewFinal("PROXY-A", "")}, nil, 0)

	rcp := New(Config{Matcher: matcher, Registry: reg, AuthRequired: true, PasswordReference: "secret"})

	client, server := pipeConn(t)
	defer client.Close()

	done := make(chan error, 1)
	go func() { done <- rcp.Serve(context.Background(), server) }()

	client.Write([]byte{0x05, 0x01, 0x02})
	readN(t, client, 2)

	auth := []byte{0x01, byte(len("user")), 'u', 's', 'e', 'r', byte(len("wrong"))}
	auth = append(auth, []byte("wrong")...)
	client.Write(auth)
	authReply := readN(t, client, 2)
	if authReply[1] == 0x00 {
		t.Fatalf("expected auth failure reply, got %v", authReply)
	}

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected Serve to return an error for a rejected password")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}
}

func TestServe_RejectedByRule(t *testing.T) {
	matcher := rule.NewMatcher(1, []*rule.Rule{
		rule.NewLeaf(rule.DomainSuffix, "ads.example.net", policy.Reject, ""),
	}, nil, 0)
	reg, err := policy.New(nil, nil, &recordingFactory{pairs: map[string]net.Conn{}}, nil)
	if err != nil {
		t.Fatalf("building registry: %v", err)
	}

	rcp := New(Config{Matcher: matcher, Registry: reg})

	client, server := pipeConn(t)
	defer client.Close()

	done := make(chan error, 1)
	go func() { done <- rcp.Serve(context.Background(), server) }()

	client.Write([]byte{0x05, 0x01, 0x00})
	readN(t, client, 2)

	req := []byte{0x05, 0x01, 0x00, 0x03, byte(len("ads.example.net"))}
	req = append(req, []byte("ads.example.net")...)
	req = append(req, 0x00, 0x50)
	client.Write(req)

	reply := readN(t, client, 10)
	if reply[1] != replyConnectionRefused {
		t.Fatalf("expected connection-refused reply, got %v", reply)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}
}

func TestServe_RejectsBindCommand(t *testing.T) {
	reg, err := policy.New(nil, nil, &recordingFactory{pairs: map[string]net.Conn{}}, nil)
	if err != nil {
		t.Fatalf("building registry: %v", err)
	}
	matcher := rule.NewMatcher(1, nil, nil, 0)
	rcp := New(Config{Matcher: matcher, Registry: reg})

	client, server := pipeConn(t)
	defer client.Close()

	done := make(chan error, 1)
	go func() { done <- rcp.Serve(context.Background(), server) }()

	client.Write([]byte{0x05, 0x01, 0x00})
	readN(t, client, 2)

	// BIND (0x02) instead of CONNECT
	req := []byte{0x05, 0x02, 0x00, 0x01, 127, 0, 0, 1, 0x00, 0x50}
	client.Write(req)

	reply := readN(t, client, 10)
	if reply[1] != replyCommandNotSupported {
		t.Fatalf("expected command-not-supported reply, got %v", reply)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}
}

func readN(t *testing.T, r io.Reader, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		t.Fatalf("reading %d bytes: %v", n, err)
	}
	return buf
}
