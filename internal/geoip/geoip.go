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

// Package geoip implements rule.IpCountryLookup against a MaxMind
// GeoLite2-Country-style database. The database itself is an external
// collaborator: its path comes from configuration and the core never
// writes to it, only reads.
package geoip

import (
	"net"
	"net/netip"
	"sync"

	"github.com/oschwald/maxminddb-golang/v2"
)

// countryRecord mirrors the subset of a GeoLite2-Country record this
// package actually reads.
type countryRecord struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
}

// Reader is a thread-safe, single-shared-instance GeoIP lookup backed by
// an mmap'd MaxMind database file. The zero value is not usable; build one
// with Open.
type Reader struct {
	mu sync.RWMutex
	db *maxminddb.Reader
}

// Open opens the database at path. The returned Reader may be shared
// across goroutines and is intended to be constructed once at startup and
// injected into the matcher, per the "no process-wide statics" rule.
func Open(path string) (*Reader, error) {
	db, err := maxminddb.Open(path)
	if err != nil {
		return nil, err
	}
	return &Reader{db: db}, nil
}

// Lookup implements rule.IpCountryLookup.
func (r *Reader) Lookup(ip net.IP) (string, bool) {
	addr, ok := netip.AddrFromSlice(ip)
	if !ok {
		return "", false
	}
	addr = addr.Unmap()

	// The read lock is held for the whole lookup so Reload and Close, which
	// take the write lock, never close a database a lookup is still using.
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.db == nil {
		return "", false
	}

	var rec countryRecord
	result := r.db.Lookup(addr)
	if err := result.Decode(&rec); err != nil || rec.Country.ISOCode == "" {
		return "", false
	}
	return rec.Country.ISOCode, true
}

// Reload atomically swaps in a freshly opened database at path, closing
// the previous one once readers have moved off it. Used when an operator
// rotates the GeoIP database file without a process restart.
func (r *Reader) Reload(path string) error {
	next, err := maxminddb.Open(path)
	if err != nil {
		return err
	}
	r.mu.Lock()
	prev := r.db
	r.db = next
	r.mu.Unlock()
	if prev != nil {
		return prev.Close()
	}
	return nil
}

// Close releases the underlying database file.
func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.db == nil {
		return nil
	}
	err := r.db.Close()
	r.db = nil
	return err
}
