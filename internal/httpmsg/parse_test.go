package httpmsg

import (
	"bufio"
	"strings"
	"testing"
)

func TestReadRequestHead_Connect(t *testing.T) {
	raw := "CONNECT example.com:443 HTTP/1.1\r\nHost: example.com:443\r\n\r\n"
	head, err := ReadRequestHead(bufio.NewReader(strings.NewReader(raw)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if head.Method != "CONNECT" || head.Authority != "example.com:443" {
		t.Fatalf("unexpected head: %+v", head)
	}
	if head.Major != 1 || head.Minor != 1 {
		t.Fatalf("unexpected version: %d.%d", head.Major, head.Minor)
	}
}

func TestReadRequestHead_PreservesOrderAndDuplicates(t *testing.T) {
	raw := "GET /x HTTP/1.1\r\nHost: ads.example.net\r\nX-A: 1\r\nX-B: 2\r\nX-A: 3\r\n\r\n"
	head, err := ReadRequestHead(bufio.NewReader(strings.NewReader(raw)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	fields := head.Headers.Fields()
	want := []Field{{"Host", "ads.example.net"}, {"X-A", "1"}, {"X-B", "2"}, {"X-A", "3"}}
	if len(fields) != len(want) {
		t.Fatalf("expected %d fields, got %d: %+v", len(want), len(fields), fields)
	}
	for i, f := range want {
		if fields[i] != f {
			t.Fatalf("field %d: expected %+v, got %+v", i, f, fields[i])
		}
	}
}

func TestReadChunk_ParsesDataAndTerminator(t *testing.T) {
	raw := "5\r\nhello\r\n0\r\n\r\n"
	br := bufio.NewReader(strings.NewReader(raw))

	data, final, _, err := ReadChunk(br)
	if err != nil || final || string(data) != "hello" {
		t.Fatalf("unexpected first chunk: data=%q final=%v err=%v", data, final, err)
	}
	_, final, _, err = ReadChunk(br)
	if err != nil || !final {
		t.Fatalf("expected final chunk, got final=%v err=%v", final, err)
	}
}

func TestWriteChunk_SuppressesEmptyData(t *testing.T) {
	var sb strings.Builder
	if err := WriteChunk(&sb, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sb.Len() != 0 {
		t.Fatalf("expected no output for empty chunk, got %q", sb.String())
	}
	if err := WriteChunk(&sb, []byte("abcde")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sb.String() != "5\r\nabcde\r\n" {
		t.Fatalf("unexpected chunk encoding: %q", sb.String())
	}
}
