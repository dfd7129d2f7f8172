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

package policy

import (
	"fmt"
	"sync"

	"github.com/hdtls/gatewayd/internal/dialer"
)

// Builtin policy names; these are pre-registered and cannot be overridden
// by a profile.
const (
	Direct        = "DIRECT"
	Reject        = "REJECT"
	RejectTinyGif = "REJECT-TINYGIF"
)

// Factory builds an OutboundDialer for a ProxyPolicy's configuration. The
// concrete protocol dialers (HTTP-CONNECT upstream, Shadowsocks, SOCKS5,
// VMESS) live in internal/dialer; the registry only needs this narrow seam
// so it never imports protocol-specific code directly.
type Factory interface {
	Proxy(cfg *Proxy) (dialer.OutboundDialer, error)
}

// ProxyConfig names one ProxyPolicy leaf as it appears in a profile.
type ProxyConfig struct {
	Name    string
	Proxy   Proxy
	Comment string
}

// GroupConfig names one selectable policy group as it appears in a profile.
type GroupConfig struct {
	Name     string
	Members  []string
	Selected string
}

type leafKind int

const (
	leafDirect leafKind = iota
	leafReject
	leafRejectTinyGif
	leafProxy
)

type leaf struct {
	name   string
	kind   leafKind
	proxy  *Proxy
	dialer dialer.OutboundDialer
}

type group struct {
	mu       sync.RWMutex
	name     string
	members  []string
	selected string
}

// Registry holds the flat list of leaf policies and policy groups resolved
// from a profile. It is read-mostly: the only mutation after construction
// is Select, which changes a group's currently-selected member.
type Registry struct {
	leaves map[string]*leaf
	groups map[string]*group
	store  *Store // optional; persists group selections across restarts
}

// New validates and builds a Registry from the flat policy list and group
// list. It pre-registers the three builtins, rejects duplicate names,
// checks that every group member resolves to a known leaf or group, and
// rejects cycles among groups via DFS grey/black coloring.
func New(proxies []ProxyConfig, groups []GroupConfig, factory Factory, store *Store) (*Registry, error) {
	r := &Registry{
		leaves: make(map[string]*leaf),
		groups: make(map[string]*group),
		store:  store,
	}

	r.leaves[Direct] = &leaf{name: Direct, kind: leafDirect, dialer: dialer.NewDirect(nil)}
	r.leaves[Reject] = &leaf{name: Reject, kind: leafReject, dialer: dialer.NewReject()}
	r.leaves[RejectTinyGif] = &leaf{name: RejectTinyGif, kind: leafRejectTinyGif, dialer: dialer.NewRejectTinyGif()}

	for _, cfg := range proxies {
		if isBuiltin(cfg.Name) {
			return nil, fmt.Errorf("policy: %q collides with a builtin policy name", cfg.Name)
		}
		if _, exists := r.leaves[cfg.Name]; exists {
			return nil, fmt.Errorf("policy: duplicate policy name %q", cfg.Name)
		}
		proxy := cfg.Proxy
		if err := proxy.Validate(); err != nil {
			return nil, err
		}
		d, err := factory.Proxy(&proxy)
		if err != nil {
			return nil, fmt.Errorf("policy: building dialer for %q: %w", cfg.Name, err)
		}
		r.leaves[cfg.Name] = &leaf{name: cfg.Name, kind: leafProxy, proxy: &proxy, dialer: d}
	}

	for _, cfg := range groups {
		if isBuiltin(cfg.Name) {
			return nil, fmt.Errorf("policy: %q collides with a builtin policy name", cfg.Name)
		}
		if _, exists := r.leaves[cfg.Name]; exists {
			return nil, fmt.Errorf("policy: %q is already a leaf policy name", cfg.Name)
		}
		if _, exists := r.groups[cfg.Name]; exists {
			return nil, fmt.Errorf("policy: duplicate group name %q", cfg.Name)
		}
		if len(cfg.Members) == 0 {
			return nil, fmt.Errorf("policy: group %q has no members", cfg.Name)
		}
		selected := cfg.Selected
		if selected == "" {
			selected = cfg.Members[0]
		}
		r.groups[cfg.Name] = &group{name: cfg.Name, members: append([]string(nil), cfg.Members...), selected: selected}
	}

	if err := r.validateMembership(); err != nil {
		return nil, err
	}
	if err := r.validateNoCycles(); err != nil {
		return nil, err
	}

	if store != nil {
		for name, g := range r.groups {
			if persisted, ok := store.Load(name); ok && contains(g.members, persisted) {
				g.selected = persisted
			}
		}
	}

	return r, nil
}

func isBuiltin(name string) bool {
	return name == Direct || name == Reject || name == RejectTinyGif
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}

// validateMembership ensures every group member names a known leaf or
// group, and that each group's selected member is among its members.
func (r *Registry) validateMembership() error {
	for _, g := range r.groups {
		if !contains(g.members, g.selected) {
			return fmt.Errorf("policy: group %q selected %q is not one of its members", g.name, g.selected)
		}
		for _, m := range g.members {
			if _, ok := r.leaves[m]; ok {
				continue
			}
			if _, ok := r.groups[m]; ok {
				continue
			}
			return fmt.Errorf("policy: group %q member %q does not resolve to any policy", g.name, m)
		}
	}
	return nil
}

// color marks DFS visitation state for cycle detection.
type color int

const (
	white color = iota
	grey
	black
)

// validateNoCycles runs a DFS with grey/black coloring over the group
// membership graph (leaves are always terminal). A grey node reached again
// indicates a cycle.
func (r *Registry) validateNoCycles() error {
	colors := make(map[string]color, len(r.groups))
	var visit func(name string, path []string) error
	visit = func(name string, path []string) error {
		g, ok := r.groups[name]
		if !ok {
			return nil // leaf: terminal
		}
		switch colors[name] {
		case black:
			return nil
		case grey:
			return fmt.Errorf("policy: cycle detected among policy groups: %v", append(path, name))
		}
		colors[name] = grey
		for _, m := range g.members {
			if err := visit(m, append(path, name)); err != nil {
				return err
			}
		}
		colors[name] = black
		return nil
	}
	for name := range r.groups {
		if err := visit(name, nil); err != nil {
			return err
		}
	}
	return nil
}

// Resolve returns the OutboundDialer for name: a leaf's own dialer, or a
// group's currently-selected member's dialer, resolved recursively.
func (r *Registry) Resolve(name string) (dialer.OutboundDialer, error) {
	seen := make(map[string]bool)
	return r.resolve(name, seen)
}

func (r *Registry) resolve(name string, seen map[string]bool) (dialer.OutboundDialer, error) {
	if l, ok := r.leaves[name]; ok {
		return l.dialer, nil
	}
	g, ok := r.groups[name]
	if !ok {
		return nil, fmt.Errorf("policy: unknown policy %q", name)
	}
	if seen[name] {
		// unreachable given validateNoCycles ran at construction, but kept
		// as a hard stop rather than trusting that invariant forever.
		return nil, fmt.Errorf("policy: cycle detected resolving %q", name)
	}
	seen[name] = true
	g.mu.RLock()
	selected := g.selected
	g.mu.RUnlock()
	return r.resolve(selected, seen)
}

// Select changes group's currently-selected member to member, persisting
// the choice if a Store was configured. It returns an error if group isn't
// a known group or member isn't one of its members.
func (r *Registry) Select(groupName, member string) error {
	g, ok := r.groups[groupName]
	if !ok {
		return fmt.Errorf("policy: unknown policy group %q", groupName)
	}
	if !contains(g.members, member) {
		return fmt.Errorf("policy: %q is not a member of group %q", member, groupName)
	}
	g.mu.Lock()
	g.selected = member
	g.mu.Unlock()

	if r.store != nil {
		return r.store.Save(groupName, member)
	}
	return nil
}

// Selected returns group's currently-selected member.
func (r *Registry) Selected(groupName string) (string, error) {
	g, ok := r.groups[groupName]
	if !ok {
		return "", fmt.Errorf("policy: unknown policy group %q", groupName)
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.selected, nil
}
