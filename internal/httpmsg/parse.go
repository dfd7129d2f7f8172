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

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"
)

// ReadRequestHead parses one HTTP/1.x request line plus headers from br,
// preserving header order and duplicates exactly as they arrived (net/http's
// map-based Header cannot make that guarantee across distinct field names,
// which is why this package parses requests itself instead of delegating
// to it).
func ReadRequestHead(br *bufio.Reader) (*RequestHead, error) {
	line, err := readCRLFLine(br)
	if err != nil {
		return nil, err
	}
	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 {
		return nil, fmt.Errorf("httpmsg: malformed request line %q", line)
	}
	method, target, version := parts[0], parts[1], parts[2]

	major, minor, err := parseHTTPVersion(version)
	if err != nil {
		return nil, err
	}

	head := &RequestHead{Major: major, Minor: minor, Method: method}
	if method == "CONNECT" {
		head.Authority = target
	} else {
		head.Path = target
	}

	for {
		hline, err := readCRLFLine(br)
		if err != nil {
			return nil, err
		}
		if hline == "" {
			break
		}
		name, value, ok := strings.Cut(hline, ":")
		if !ok {
			return nil, fmt.Errorf("httpmsg: malformed header line %q", hline)
		}
		head.Headers.Add(strings.TrimSpace(name), strings.TrimSpace(value))
	}

	return head, nil
}

// readCRLFLine reads one line up to and excluding the terminating "\r\n"
// (a bare "\n" terminator is also tolerated).
func readCRLFLine(br *bufio.Reader) (string, error) {
	line, err := br.ReadString('\n')
	if err != nil {
		return "", err
	}
	line = strings.TrimSuffix(line, "\n")
	line = strings.TrimSuffix(line, "\r")
	return line, nil
}

func parseHTTPVersion(v string) (major, minor int, err error) {
	const prefix = "HTTP/"
	if !strings.HasPrefix(v, prefix) {
		return 0, 0, fmt.Errorf("httpmsg: malformed HTTP version %q", v)
	}
	dot := strings.IndexByte(v, '.')
	if dot < 0 {
		return 0, 0, fmt.Errorf("httpmsg: malformed HTTP version %q", v)
	}
	major, err = strconv.Atoi(v[len(prefix):dot])
	if err != nil {
		return 0, 0, fmt.Errorf("httpmsg: malformed HTTP major version %q", v)
	}
	minor, err = strconv.Atoi(v[dot+1:])
	if err != nil {
		return 0, 0, fmt.Errorf("httpmsg: malformed HTTP minor version %q", v)
	}
	return major, minor, nil
}
