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

package dialer

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/hdtls/gatewayd/internal/policy"
	"github.com/hdtls/gatewayd/internal/rule"
)

func TestProtocolBuilder_UnknownProtocolErrors(t *testing.T) {
	b := NewProtocolBuilder(nil)
	if _, err := b.Proxy(&policy.Proxy{Protocol: "quic"}); err == nil {
		t.Fatal("expected error for unrecognized protocol")
	}
}

func TestProtocolBuilder_ShadowsocksRejectsBadCipher(t *testing.T) {
	b := NewProtocolBuilder(nil)
	if _, err := b.Proxy(&policy.Proxy{Protocol: policy.ProtocolShadowsocks, Algorithm: "not-a-cipher", Password: "secret"}); err == nil {
		t.Fatal("expected error for unrecognized cipher")
	}
}

func TestEncodeSocksAddr(t *testing.T) {
	ipv4 := encodeSocksAddr(rule.NewHostPort("93.184.216.34", 443))
	if ipv4[0] != 0x01 || len(ipv4) != 1+4+2 {
		t.Fatalf("unexpected ipv4 encoding: % x", ipv4)
	}

	domain := encodeSocksAddr(rule.NewHostPort("example.com", 80))
	if domain[0] != 0x03 || domain[1] != byte(len("example.com")) {
		t.Fatalf("unexpected domain encoding: % x", domain)
	}
	if string(domain[2:2+len("example.com")]) != "example.com" {
		t.Fatalf("unexpected domain bytes: %s", domain[2:])
	}
}

// fakeHTTPProxy accepts one connection, reads a CONNECT request line and
// headers, and replies 200 Connection Established.
func fakeHTTPProxy(t *testing.T) (addr string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		br := bufio.NewReader(conn)
		req, err := http.ReadRequest(br)
		if err != nil {
			return
		}
		if req.Method != "CONNECT" {
			conn.Write([]byte("HTTP/1.1 400 Bad Request\r\n\r\n"))
			return
		}
		conn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n"))
		io.Copy(conn, conn)
	}()
	t.Cleanup(func() { ln.Close() })
	return ln.Addr().String()
}

func TestHTTPUpstream_DialPerformsConnectHandshake(t *testing.T) {
	addr := fakeHTTPProxy(t)
	host, port := splitTestAddr(t, addr)

	b := NewProtocolBuilder(&net.Dialer{Timeout: 2 * time.Second})
	d, err := b.Proxy(&policy.Proxy{Protocol: policy.ProtocolHTTP, ServerAddress: host, Port: port})
	if err != nil {
		t.Fatalf("building dialer: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	stream, err := d.Dial(ctx, rule.NewHostPort("example.com", 443), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer stream.Close()
}

// fakeSOCKS5Server accepts one connection, performs a no-auth method
// negotiation, reads a CONNECT request, and replies success.
func fakeSOCKS5Server(t *testing.T) (addr string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		greeting := make([]byte, 2)
		if _, err := io.ReadFull(conn, greeting); err != nil {
			return
		}
		methods := make([]byte, greeting[1])
		if _, err := io.ReadFull(conn, methods); err != nil {
			return
		}
		conn.Write([]byte{0x05, 0x00})

		header := make([]byte, 4)
		if _, err := io.ReadFull(conn, header); err != nil {
			return
		}
		switch header[3] {
		case 0x01:
			io.ReadFull(conn, make([]byte, 4+2))
		case 0x03:
			lenByte := make([]byte, 1)
			io.ReadFull(conn, lenByte)
			io.ReadFull(conn, make([]byte, int(lenByte[0])+2))
		case 0x04:
			io.ReadFull(conn, make([]byte, 16+2))
		}
		conn.Write([]byte{0x05, 0x00, 0x00, 0x01, 0, 0, 0, 0, 0, 0})
		io.Copy(conn, conn)
	}()
	t.Cleanup(func() { ln.Close() })
	return ln.Addr().String()
}

func TestSOCKS5Upstream_DialPerformsHandshake(t *testing.T) {
	addr := fakeSOCKS5Server(t)
	host, port := splitTestAddr(t, addr)

	b := NewProtocolBuilder(&net.Dialer{Timeout: 2 * time.Second})
	d, err := b.Proxy(&policy.Proxy{Protocol: policy.ProtocolSOCKS5, ServerAddress: host, Port: port})
	if err != nil {
		t.Fatalf("building dialer: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	stream, err := d.Dial(ctx, rule.NewHostPort("example.com", 443), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer stream.Close()
}

func splitTestAddr(t *testing.T, addr string) (string, uint16) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("malformed test address %q: %v", addr, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		t.Fatalf("parsing port from %q: %v", addr, err)
	}
	return host, uint16(port)
}
