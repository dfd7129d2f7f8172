package httpproxy

import (
	"bufio"
	"context"
	"io"
	"net"
	"strings"
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
	pairs map[string]net.Conn // keyed by Proxy.ServerAddress
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

	if _, err := io.WriteString(client, "CONNECT example.com:443 HTTP/1.1\r\nHost: example.com:443\r\n\r\n"); err != nil {
		t.Fatalf("write request: %v", err)
	}

	br := bufio.NewReader(client)
	status, err := br.ReadString('\n')
	if err != nil {
		t.Fatalf("read status line: %v", err)
	}
	if !strings.HasPrefix(status, "HTTP/1.1 200") {
		t.Fatalf("unexpected status line: %q", status)
	}

	upstream := factory.pairs["upstream.example"]
	defer upstream.Close()
	if _, err := upstream.Write([]byte("pong")); err != nil {
		t.Fatalf("upstream write: %v", err)
	}
	buf := make([]byte, 4)
	if _, err := io.ReadFull(br, buf); err != nil || string(buf) != "pong" {
		t.Fatalf("expected spliced bytes \"pong\", got %q err=%v", buf, err)
	}

	client.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after client closed")
	}
}

func TestServe_ConnectBadProxyAuth(t *testing.T) {
	reg, _ := newRegistryWithProxy(t, "PROXY-A", "upstream.example")
	matcher := rule.NewMatcher(1, []*rule.Rule{rule.NewFinal("PROXY-A", "")}, nil, 0)

	rcp := New(Config{Matcher: matcher, Registry: reg, AuthRequired: true, PasswordReference: "secret"})

	client, server := pipeConn(t)
	defer client.Close()

	done := make(chan error, 1)
	go func() { done <- rcp.Serve(context.Background(), server) }()

	io.WriteString(client, "CONNECT example.com:443 HTTP/1.1\r\nHost: example.com:443\r\nProxy-Authorization: wrong\r\n\r\n")

	br := bufio.NewReader(client)
	status, err := br.ReadString('\n')
	if err != nil {
		t.Fatalf("read status line: %v", err)
	}
	if !strings.HasPrefix(status, "HTTP/1.1 407") {
		t.Fatalf("expected 407, got %q", status)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}
}

func TestServe_PlainHTTPRejectedByRule(t *testing.T) {
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

	io.WriteString(client, "GET / HTTP/1.1\r\nHost: ads.example.net\r\n\r\n")

	br := bufio.NewReader(client)
	status, err := br.ReadString('\n')
	if err != nil {
		t.Fatalf("read status line: %v", err)
	}
	if !strings.HasPrefix(status, "HTTP/1.1 502") {
		t.Fatalf("expected 502, got %q", status)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}
}

func TestRelayAndFrame_ChunkedReframing(t *testing.T) {
	reg, factory := newRegistryWithProxy(t, "PROXY-A", "upstream.example")
	matcher := rule.NewMatcher(1, []*rule.Rule{rule.NewFinal("PROXY-A", "")}, nil, 0)

	rcp := New(Config{Matcher: matcher, Registry: reg})

	client, server := pipeConn(t)
	defer client.Close()

	done := make(chan error, 1)
	go func() { done <- rcp.Serve(context.Background(), server) }()

	raw := "POST / HTTP/1.1\r\nHost: example.com\r\nTransfer-Encoding: chunked\r\n\r\n" +
		"5\r\nhello\r\n7\r\nworld!!\r\n0\r\n\r\n"
	io.WriteString(client, raw)

	upstream := factory.pairs["upstream.example"]
	defer upstream.Close()

	ubr := bufio.NewReader(upstream)
	line, err := ubr.ReadString('\n')
	if err != nil || !strings.HasPrefix(line, "POST / HTTP/1.1") {
		t.Fatalf("unexpected relayed request line: %q err=%v", line, err)
	}
	for {
		hline, err := ubr.ReadString('\n')
		if err != nil {
			t.Fatalf("reading relayed headers: %v", err)
		}
		if hline == "\r\n" {
			break
		}
		if strings.HasPrefix(hline, "Transfer-Encoding") && !strings.Contains(hline, "chunked") {
			t.Fatalf("expected chunked Transfer-Encoding, got %q", hline)
		}
	}

	chunk1, err := ubr.ReadString('\n')
	if err != nil || strings.TrimSpace(chunk1) != "5" {
		t.Fatalf("expected chunk size 5, got %q err=%v", chunk1, err)
	}
	data1 := make([]byte, 5)
	io.ReadFull(ubr, data1)
	if string(data1) != "hello" {
		t.Fatalf("expected hello, got %q", data1)
	}

	client.Close()
	upstream.Close()
	<-done
}
