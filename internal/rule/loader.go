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
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sync/singleflight"
)

// Fetcher retrieves the raw body of an external DOMAIN-SET/RULE-SET
// resource. The caller supplies the implementation; the module's non-test
// code contains none. The matcher only depends on this narrow contract.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// externalResourcesDir is the subdirectory of cacheRoot that holds
// downloaded resource bodies, named by sha1(expression).
const externalResourcesDir = "External Resources"

// Loader resolves DomainSet/RuleSet rules against a cache root on disk,
// deduplicating concurrent reloads of the same expression.
type Loader struct {
	cacheRoot string
	fetcher   Fetcher
	group     singleflight.Group
}

// NewLoader builds a Loader rooted at cacheRoot, using fetcher for anything
// that isn't a builtin token.
func NewLoader(cacheRoot string, fetcher Fetcher) *Loader {
	return &Loader{cacheRoot: cacheRoot, fetcher: fetcher}
}

// storagePath returns the on-disk path a resource with the given
// expression would be persisted at: <cache_root>/External Resources/<sha1(expression)>.
func (l *Loader) storagePath(expression string) string {
	sum := sha1.Sum([]byte(expression))
	return filepath.Join(l.cacheRoot, externalResourcesDir, hex.EncodeToString(sum[:]))
}

// ReloadExternal downloads (or synthesizes, for builtin tokens) the body of
// a DomainSet/RuleSet rule, atomically persists it, parses it into child
// rules, and atomically swaps the rule's children. Concurrent calls for the
// same expression are collapsed into a single fetch.
func (l *Loader) ReloadExternal(ctx context.Context, r *Rule) error {
	if r.Kind != DomainSet && r.Kind != RuleSet {
		return fmt.Errorf("rule: ReloadExternal called on non-external rule kind %s", r.Kind)
	}

	if IsBuiltinToken(r.Expression) {
		r.setChildren(builtinChildren(r.Expression, r.PolicyName))
		return nil
	}

	children, err, _ := l.group.Do(r.Expression, func() (any, error) {
		body, err := l.fetcher.Fetch(ctx, r.Expression)
		if err != nil {
			return nil, fmt.Errorf("rule: fetch %s: %w", r.Expression, err)
		}
		if err := l.persistAtomically(r.Expression, body); err != nil {
			return nil, err
		}
		return parseExternalBody(childKindFor(r.Kind), body, r.PolicyName), nil
	})
	if err != nil {
		return err
	}

	r.setChildren(children.([]*Rule))
	return nil
}

// childKindFor reports which variant a DomainSet/RuleSet's lines parse as:
// DomainSet lines are bare suffixes; RuleSet lines are full rule lines.
func childKindFor(parent Kind) Kind {
	if parent == DomainSet {
		return DomainSet
	}
	return RuleSet
}

// persistAtomically writes body to a temp file in the same directory as
// the final storage path, then renames over it, so a reader never observes
// a partially-written resource.
func (l *Loader) persistAtomically(expression string, body []byte) error {
	path := l.storagePath(expression)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("rule: create resource dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("rule: create temp resource file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		return fmt.Errorf("rule: write resource: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("rule: close resource: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rule: replace resource: %w", err)
	}
	return nil
}

// builtinChildren synthesizes the children for a no-download builtin token.
// LAN expands to a single rule matching any private/loopback/link-local IP
// literal; SYSTEM carries no synthesized entries (its role is reserved for
// operating-system-specific exclusions that have no portable equivalent
// here; a RuleSet pointed at it simply never matches through this branch).
func builtinChildren(token, inheritedPolicy string) []*Rule {
	switch token {
	case BuiltinLAN:
		return []*Rule{newPrivateIPRule(inheritedPolicy)}
	case BuiltinSystem:
		return nil
	default:
		return nil
	}
}

// readFile is a thin wrapper kept so tests can assert persistence without
// importing os directly in the test file.
func readFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}
