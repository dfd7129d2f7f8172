package connectclient

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/hdtls/gatewayd/internal/gwerrors"
	"github.com/hdtls/gatewayd/internal/rule"
)

func pipePair(t *testing.T) (client, server net.Conn) {
	t.Helper()
	c, s := net.Pipe()
	t.Cleanup(func() { c.Close(); s.Close() })
	return c, s
}

func TestHandshake_SuccessFlushesBufferedWritesInTwoPasses(t *testing.T) {
	client, server := pipePair(t)

	serverErr := make(chan error, 1)
	go func() {
		br := bufio.NewReader(server)
		req, err := http.ReadRequest(br)
		if err != nil {
			serverErr <- err
			return
		}
		if req.Method != "CONNECT" || req.Host != "example.com:443" {
			serverErr <- nil
			return
		}
		_, err = server.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n"))
		if err != nil {
			serverErr <- err
			return
		}

		buf := make([]byte, 6)
		if _, err := readFull(server, buf); err != nil {
			serverErr <- err
			return
		}
		if string(buf) != "abcdef" {
			serverErr <- nil
			return
		}
		serverErr <- nil
	}()

	h := New(rule.NewHostPort("example.com", 443), "", false, 2*time.Second)
	h.Write([]byte("abc"), nil)
	h.Mark()
	h.Write([]byte("def"), nil)

	if err := h.Perform(context.Background(), client); err != nil {
		t.Fatalf("unexpected handshake error: %v", err)
	}
	if err := <-serverErr; err != nil {
		t.Fatalf("server side error: %v", err)
	}
}

func TestHandshake_ProxyAuthRequired(t *testing.T) {
	client, server := pipePair(t)
	go func() {
		br := bufio.NewReader(server)
		http.ReadRequest(br)
		server.Write([]byte("HTTP/1.1 407 Proxy Authentication Required\r\nContent-Length: 0\r\n\r\n"))
	}()

	h := New(rule.NewHostPort("example.com", 443), "secret", true, 2*time.Second)
	err := h.Perform(context.Background(), client)
	if !gwerrors.Is(err, gwerrors.ProxyAuthenticationRequired) {
		t.Fatalf("expected ProxyAuthenticationRequired, got %v", err)
	}
}

func TestHandshake_UnacceptableStatus(t *testing.T) {
	client, server := pipePair(t)
	go func() {
		br := bufio.NewReader(server)
		http.ReadRequest(br)
		server.Write([]byte("HTTP/1.1 403 Forbidden\r\nContent-Length: 0\r\n\r\n"))
	}()

	h := New(rule.NewHostPort("example.com", 443), "", false, 2*time.Second)
	err := h.Perform(context.Background(), client)
	gerr, ok := err.(*gwerrors.Error)
	if !ok || gerr.Kind != gwerrors.UnacceptableStatus || gerr.Status != 403 {
		t.Fatalf("expected UnacceptableStatus(403), got %v", err)
	}
}

func TestHandshake_TimeoutWhenNoResponse(t *testing.T) {
	client, _ := pipePair(t)

	h := New(rule.NewHostPort("example.com", 443), "", false, 50*time.Millisecond)
	err := h.Perform(context.Background(), client)
	if !gwerrors.Is(err, gwerrors.RequestTimeout) {
		t.Fatalf("expected RequestTimeout, got %v", err)
	}
}

func TestHandshake_UnsupportedAddressForUnix(t *testing.T) {
	client, _ := pipePair(t)
	h := New(rule.NewUnix("/tmp/sock"), "", false, time.Second)
	err := h.Perform(context.Background(), client)
	if !gwerrors.Is(err, gwerrors.UnsupportedAddress) {
		t.Fatalf("expected UnsupportedAddress, got %v", err)
	}
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
