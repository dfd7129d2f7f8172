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

// Package httpmsg holds the request-head representation, the ordered
// header multimap, and the buffered-writes-with-a-mark queue shared by the
// HTTP proxy recipient (internal/httpproxy) and the HTTP-CONNECT client
// handshake (internal/connectclient).
package httpmsg

import (
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// Field is one header line, preserving the exact casing it arrived with.
type Field struct {
	Name  string
	Value string
}

// Headers is an ordered multimap: insertion order and duplicates are
// preserved, matching RequestHead's documented contract that only the
// first Host is authoritative.
type Headers struct {
	fields []Field
}

// Add appends a field, preserving any existing fields of the same name.
func (h *Headers) Add(name, value string) {
	h.fields = append(h.fields, Field{Name: name, Value: value})
}

// Get returns the value of the first field matching name case-insensitively.
func (h *Headers) Get(name string) (string, bool) {
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			return f.Value, true
		}
	}
	return "", false
}

// Values returns every value for fields matching name case-insensitively,
// in declaration order.
func (h *Headers) Values(name string) []string {
	var out []string
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			out = append(out, f.Value)
		}
	}
	return out
}

// Del removes every field matching name case-insensitively.
func (h *Headers) Del(name string) {
	kept := h.fields[:0]
	for _, f := range h.fields {
		if !strings.EqualFold(f.Name, name) {
			kept = append(kept, f)
		}
	}
	h.fields = kept
}

// Len returns the number of fields.
func (h *Headers) Len() int { return len(h.fields) }

// Fields returns the underlying ordered field list. Callers must not
// mutate the returned slice.
func (h *Headers) Fields() []Field { return h.fields }

// Clone returns a deep copy.
func (h *Headers) Clone() Headers {
	out := Headers{fields: make([]Field, len(h.fields))}
	copy(out.fields, h.fields)
	return out
}

// WriteTo serializes the headers as "Name: Value\r\n" lines, in order.
func (h *Headers) WriteTo(w io.Writer) (int64, error) {
	var n int64
	for _, f := range h.fields {
		written, err := fmt.Fprintf(w, "%s: %s\r\n", f.Name, f.Value)
		n += int64(written)
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// hopByHopFieldNames are stripped unconditionally from a head before
// relay; these are connection-specific, not end-to-end, per RFC 7230 §6.1.
var hopByHopFieldNames = []string{
	"Proxy-Connection",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
	"Connection",
}

// StripHopByHop removes the fixed hop-by-hop field names plus any
// additional field named as a token in a Connection header's value (per
// RFC 7230 §6.1), validated with httpguts so malformed tokens are ignored
// rather than acted upon.
func StripHopByHop(h *Headers) {
	for _, v := range h.Values("Connection") {
		for _, tok := range strings.Split(v, ",") {
			tok = strings.TrimSpace(tok)
			if tok != "" && httpguts.ValidHeaderFieldName(tok) {
				h.Del(tok)
			}
		}
	}
	for _, name := range hopByHopFieldNames {
		h.Del(name)
	}
}
