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

// Package policy implements the name->policy registry: leaf policies,
// selectable policy groups, cycle validation, and resolution into outbound
// dialers.
package policy

import (
	"fmt"

	"github.com/google/uuid"
)

// Protocol identifies the wire protocol a ProxyPolicy speaks to its
// upstream server.
type Protocol string

const (
	ProtocolHTTP        Protocol = "http"
	ProtocolSOCKS5      Protocol = "socks5"
	ProtocolShadowsocks Protocol = "shadowsocks"
	ProtocolVMess       Protocol = "vmess"
)

// Proxy is the configuration for a ProxyPolicy leaf.
type Proxy struct {
	ServerAddress string
	Port          uint16
	Protocol      Protocol

	Username string
	Password string

	AuthRequired        bool
	PreferHTTPTunneling bool
	OverTLS             bool
	OverWebsocket       bool
	WSPath              string
	SkipCertVerify      bool
	SNI                 string
	CertPinning         string
	Algorithm           string
}

// Validate checks invariants that don't depend on the rest of the registry:
// currently, that a VMESS proxy's username parses as a UUID.
func (p *Proxy) Validate() error {
	if p.Protocol == ProtocolVMess {
		if _, err := uuid.Parse(p.Username); err != nil {
			return fmt.Errorf("policy: vmess username %q is not a valid UUID: %w", p.Username, err)
		}
	}
	return nil
}
