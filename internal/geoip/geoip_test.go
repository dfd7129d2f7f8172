package geoip

import (
	"net"
	"testing"
)

func TestOpen_MissingFileErrors(t *testing.T) {
	if _, err := Open("/nonexistent/path/to.mmdb"); err == nil {
		t.Fatal("expected error opening a nonexistent database")
	}
}

func TestReader_LookupOnUnopenedReaderFails(t *testing.T) {
	r := &Reader{}
	if _, ok := r.Lookup(net.ParseIP("8.8.8.8")); ok {
		t.Fatal("expected lookup against a nil db to fail")
	}
}

func TestReader_LookupRejectsNonIPLiteral(t *testing.T) {
	r := &Reader{}
	if _, ok := r.Lookup(nil); ok {
		t.Fatal("expected lookup of a nil IP to fail")
	}
}
