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

// Package mitm mints per-hostname leaf TLS certificates on demand from an
// operator-supplied root CA, for the optional HTTP MitM path. This signs
// leaves under a private, already-trusted root rather than obtaining
// publicly-trusted certificates, so it deliberately uses crypto/tls and
// crypto/x509 directly instead of an ACME automation library: certmagic's
// job is public issuance, which doesn't apply here.
package mitm

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"strings"
	"time"

	"github.com/hdtls/gatewayd/internal/lru"
)

// leafLifetime is how long a minted leaf certificate is valid for; short
// enough that a compromised leaf expires quickly, long enough that the
// LRU cache rarely needs to re-mint.
const leafLifetime = 24 * time.Hour

// CA is an operator-provided root certificate and key used to sign
// on-demand leaf certificates.
type CA struct {
	cert *x509.Certificate
	key  *ecdsa.PrivateKey
}

// LoadCA parses a PEM-encoded certificate and an EC private key in either
// SEC1 ("EC PRIVATE KEY") or PKCS8 form.
func LoadCA(certPEM, keyPEM []byte) (*CA, error) {
	cert, err := parseCertificatePEM(certPEM)
	if err != nil {
		return nil, fmt.Errorf("mitm: parsing CA certificate: %w", err)
	}
	key, err := parseECPrivateKeyPEM(keyPEM)
	if err != nil {
		return nil, fmt.Errorf("mitm: parsing CA key: %w", err)
	}
	if !cert.IsCA {
		return nil, fmt.Errorf("mitm: certificate is not a CA certificate")
	}
	return &CA{cert: cert, key: key}, nil
}

// Signer mints and caches leaf certificates for a fixed set of allowed
// hostnames (exact match or "*.suffix" wildcard), keyed by SNI in an LRU
// cache so repeat handshakes to the same host reuse the minted leaf.
type Signer struct {
	ca        *CA
	hostnames []string
	cache     *lru.Cache[string, *tls.Certificate]
}

// NewSigner builds a Signer. cacheCapacity bounds the number of minted
// leaf certificates held at once.
func NewSigner(ca *CA, hostnames []string, cacheCapacity int) *Signer {
	return &Signer{ca: ca, hostnames: hostnames, cache: lru.New[string, *tls.Certificate](cacheCapacity, 0)}
}

// Allowed reports whether host is covered by the configured hostnames.
func (s *Signer) Allowed(host string) bool {
	for _, pattern := range s.hostnames {
		if matchesHostPattern(host, pattern) {
			return true
		}
	}
	return false
}

func matchesHostPattern(host, pattern string) bool {
	if pattern == host {
		return true
	}
	suffix, ok := strings.CutPrefix(pattern, "*.")
	if !ok {
		return false
	}
	return strings.HasSuffix(host, "."+suffix) || host == suffix
}

// ClientHelloCert implements the tls.Config.GetCertificate callback: it
// returns a cached leaf for hello's SNI, minting one on first use.
func (s *Signer) ClientHelloCert(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	host := hello.ServerName
	if host == "" {
		return nil, fmt.Errorf("mitm: client hello has no server name")
	}
	if !s.Allowed(host) {
		return nil, fmt.Errorf("mitm: %q is not in the configured hostname list", host)
	}
	if cert, ok := s.cache.Get(host); ok {
		return cert, nil
	}
	cert, err := s.mint(host)
	if err != nil {
		return nil, err
	}
	s.cache.Set(host, cert, 1)
	return cert, nil
}

func (s *Signer) mint(host string) (*tls.Certificate, error) {
	leafKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("mitm: generating leaf key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("mitm: generating serial: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: host},
		NotBefore:    time.Now().Add(-5 * time.Minute),
		NotAfter:     time.Now().Add(leafLifetime),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	if ip := net.ParseIP(host); ip != nil {
		template.IPAddresses = []net.IP{ip}
	} else {
		template.DNSNames = []string{host}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, s.ca.cert, &leafKey.PublicKey, s.ca.key)
	if err != nil {
		return nil, fmt.Errorf("mitm: signing leaf for %q: %w", host, err)
	}

	return &tls.Certificate{
		Certificate: [][]byte{der, s.ca.cert.Raw},
		PrivateKey:  leafKey,
		Leaf:        template,
	}, nil
}
