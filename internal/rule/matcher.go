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

package rule

import (
	"strconv"

	"github.com/cespare/xxhash/v2"

	"github.com/hdtls/gatewayd/internal/lru"
)

// Matcher is an ordered list of rules plus an optional Final fallback; the
// list itself is fixed at construction. Loader.ReloadExternal replaces a
// DomainSet/RuleSet rule's children atomically in place, so every Matcher
// holding that rule sees the reload at once, including connections that
// started before it, and results already in the match cache are not
// invalidated by it.
type Matcher struct {
	generation uint64
	rules      []*Rule // declaration order, Final excluded
	final      *Rule   // nil if no Final rule was declared
	geoip      IpCountryLookup
	cache      *lru.Cache[uint64, *Rule]
}

// NewMatcher builds a matcher from rules in declaration order. At most one
// Final rule is expected; if more than one is present, only the first is
// kept as the fallback and the rest are ignored (neither profile parsing nor
// the policy registry rejects a second Final rule). cacheCapacity bounds the
// hot-path result cache (0 disables it).
func NewMatcher(generation uint64, rules []*Rule, geoip IpCountryLookup, cacheCapacity int) *Matcher {
	m := &Matcher{generation: generation, geoip: geoip}
	for _, r := range rules {
		if r.Kind == Final && m.final == nil {
			m.final = r
			continue
		}
		m.rules = append(m.rules, r)
	}
	if cacheCapacity > 0 {
		m.cache = lru.New[uint64, *Rule](cacheCapacity, 0)
	}
	return m
}

// Generation returns the matcher's generation id, used by callers that need
// to pin a connection to the matcher snapshot in effect when it started.
func (m *Matcher) Generation() uint64 {
	return m.generation
}

// Match returns the first rule whose Matches(destination) is true, falling
// back to the Final rule if none of the declared rules match. It returns
// (nil, false) only when there is no Final rule and nothing else matched.
func (m *Matcher) Match(dest Destination) (*Rule, bool) {
	key := cacheKey(m.generation, dest)
	if m.cache != nil {
		if cached, ok := m.cache.Get(key); ok {
			return cached, cached != nil
		}
	}

	for _, r := range m.rules {
		if r.Matches(dest, m.geoip) {
			if m.cache != nil {
				m.cache.Set(key, r, 1)
			}
			return r, true
		}
	}
	if m.final != nil {
		if m.cache != nil {
			m.cache.Set(key, m.final, 1)
		}
		return m.final, true
	}
	if m.cache != nil {
		m.cache.Set(key, nil, 1)
	}
	return nil, false
}

// cacheKey hashes (generation, destination) with xxhash so the hot-path
// cache never pays for string concatenation on every lookup.
func cacheKey(generation uint64, dest Destination) uint64 {
	d := xxhash.New()
	_, _ = d.Write([]byte{byte(dest.Kind)})
	switch dest.Kind {
	case HostPort:
		_, _ = d.WriteString(dest.Host)
		_, _ = d.WriteString(strconv.Itoa(int(dest.Port)))
	case Unix:
		_, _ = d.WriteString(dest.Path)
	case URL:
		_, _ = d.WriteString(dest.URL)
	}
	var genBuf [8]byte
	for i := range genBuf {
		genBuf[i] = byte(generation >> (8 * i))
	}
	_, _ = d.Write(genBuf[:])
	return d.Sum64()
}
