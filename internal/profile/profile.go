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

// Package profile is the sole boundary that knows the Profile file
// grammar; every other package consumes the parsed Profile value. Profile
// documents are YAML, parsed with gopkg.in/yaml.v3.
package profile

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/hdtls/gatewayd/internal/policy"
	"github.com/hdtls/gatewayd/internal/rule"
)

// BasicSettings holds basic_settings; every field is optional, booleans
// default to false and lists to empty. auth_required/password_reference
// gate the inbound listener's own Proxy-Authorization check (the
// Preparing-phase authentication every accepted connection goes through),
// distinct from a ProxyPolicy's own auth_required/password, which instead
// govern this gateway's own CONNECT handshake against an upstream proxy.
type BasicSettings struct {
	LogLevel                     string   `yaml:"log_level"`
	DNSServers                   []string `yaml:"dns_servers"`
	Exceptions                   []string `yaml:"exceptions"`
	HTTPListenAddress            string   `yaml:"http_listen_address"`
	HTTPListenPort               uint16   `yaml:"http_listen_port"`
	SOCKSListenAddress           string   `yaml:"socks_listen_address"`
	SOCKSListenPort              uint16   `yaml:"socks_listen_port"`
	ExcludeSimpleHostnames       bool     `yaml:"exclude_simple_hostnames"`
	AuthRequired                 bool     `yaml:"auth_required"`
	PasswordReference            string   `yaml:"password_reference"`
	BandwidthLimitBytesPerSecond int      `yaml:"bandwidth_limit_bytes_per_second"`
}

// MitM holds the operator-provided root CA and the hostnames it should be
// used for; empty Hostnames disables MitM entirely.
type MitM struct {
	CACert    string   `yaml:"ca_cert"`
	CAKey     string   `yaml:"ca_key"`
	Hostnames []string `yaml:"hostnames"`
}

// policyYAML mirrors policy.ProxyConfig's fields for YAML decoding; kept
// distinct from policy.ProxyConfig/Proxy so this package stays the only
// one that knows the on-disk key names.
type policyYAML struct {
	Name                string `yaml:"name"`
	Protocol            string `yaml:"protocol"`
	ServerAddress       string `yaml:"server_address"`
	Port                uint16 `yaml:"port"`
	Username            string `yaml:"username"`
	Password            string `yaml:"password"`
	AuthRequired        bool   `yaml:"auth_required"`
	PreferHTTPTunneling bool   `yaml:"prefer_http_tunneling"`
	OverTLS             bool   `yaml:"over_tls"`
	OverWebsocket       bool   `yaml:"over_websocket"`
	WSPath              string `yaml:"ws_path"`
	SkipCertVerify      bool   `yaml:"skip_cert_verify"`
	SNI                 string `yaml:"sni"`
	CertPinning         string `yaml:"cert_pinning"`
	Algorithm           string `yaml:"algorithm"`
	Comment             string `yaml:"comment"`
}

type groupYAML struct {
	Name     string   `yaml:"name"`
	Members  []string `yaml:"members"`
	Selected string   `yaml:"selected"`
}

type document struct {
	BasicSettings BasicSettings `yaml:"basic_settings"`
	Rules         []string      `yaml:"rules"`
	MitM          MitM          `yaml:"mitm"`
	Policies      []policyYAML  `yaml:"policies"`
	PolicyGroups  []groupYAML   `yaml:"policy_groups"`
}

// Profile is the fully parsed, ready-to-consume configuration document:
// basic settings plus the rule list, MitM config, and the inputs
// policy.New needs to build a Registry.
type Profile struct {
	BasicSettings BasicSettings
	Rules         []*rule.Rule
	MitM          MitM
	Policies      []policy.ProxyConfig
	Groups        []policy.GroupConfig
}

// Load reads and parses the Profile at path.
func Load(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("profile: reading %s: %w", path, err)
	}
	return Parse(data)
}

// Parse parses a Profile document already read into memory.
func Parse(data []byte) (*Profile, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("profile: parsing yaml: %w", err)
	}

	rules := make([]*rule.Rule, 0, len(doc.Rules))
	for i, line := range doc.Rules {
		r, err := rule.ParseProfileLine(line)
		if err != nil {
			return nil, fmt.Errorf("profile: rules[%d]: %w", i, err)
		}
		rules = append(rules, r)
	}

	policies := make([]policy.ProxyConfig, 0, len(doc.Policies))
	for _, p := range doc.Policies {
		policies = append(policies, policy.ProxyConfig{
			Name:    p.Name,
			Comment: p.Comment,
			Proxy: policy.Proxy{
				ServerAddress:       p.ServerAddress,
				Port:                p.Port,
				Protocol:            policy.Protocol(p.Protocol),
				Username:            p.Username,
				Password:            p.Password,
				AuthRequired:        p.AuthRequired,
				PreferHTTPTunneling: p.PreferHTTPTunneling,
				OverTLS:             p.OverTLS,
				OverWebsocket:       p.OverWebsocket,
				WSPath:              p.WSPath,
				SkipCertVerify:      p.SkipCertVerify,
				SNI:                 p.SNI,
				CertPinning:         p.CertPinning,
				Algorithm:           p.Algorithm,
			},
		})
	}

	groups := make([]policy.GroupConfig, 0, len(doc.PolicyGroups))
	for _, g := range doc.PolicyGroups {
		groups = append(groups, policy.GroupConfig{Name: g.Name, Members: g.Members, Selected: g.Selected})
	}

	return &Profile{
		BasicSettings: doc.BasicSettings,
		Rules:         rules,
		MitM:          doc.MitM,
		Policies:      policies,
		Groups:        groups,
	}, nil
}
