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

package httpmsg

import "fmt"

// RequestHead is the parsed head of an inbound or outbound HTTP/1.x
// request: CONNECT's authority, or an absolute-form/origin-form
// method+path, plus headers in arrival order.
type RequestHead struct {
	Major, Minor int
	Method       string
	Authority    string // host:port, set for CONNECT
	Path         string // request-target, set for non-CONNECT
	Headers      Headers
}

// IsConnect reports whether this head represents a CONNECT request.
func (h *RequestHead) IsConnect() bool { return h.Method == "CONNECT" }

// Host returns the first Host header's value, or the Authority for
// CONNECT requests, since CONNECT carries its target in the
// request-line rather than a Host header.
func (h *RequestHead) Host() string {
	if h.IsConnect() {
		return h.Authority
	}
	if v, ok := h.Headers.Get("Host"); ok {
		return v
	}
	return ""
}

// WriteRequestLine writes "METHOD target HTTP/major.minor\r\n".
func (h *RequestHead) WriteRequestLine(w interface{ Write([]byte) (int, error) }) error {
	target := h.Path
	if h.IsConnect() {
		target = h.Authority
	}
	line := fmt.Sprintf("%s %s HTTP/%d.%d\r\n", h.Method, target, h.Major, h.Minor)
	_, err := w.Write([]byte(line))
	return err
}
