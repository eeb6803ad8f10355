// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package gateway

import (
	"path"
	"strings"

	"github.com/mbeema/interpose/pkg/config"
)

// Scope is a node of the path-prefix tree carrying the gateway toggle.
// A nil toggle inherits from the enclosing scope; the root defaults to off.
type Scope struct {
	prefix   string
	enabled  *bool
	children []*Scope
}

// NewScopeTree builds the tree rooted at "/" from cfg.
func NewScopeTree(cfg config.GatewayConfig) *Scope {
	return &Scope{
		prefix:   "/",
		enabled:  cfg.Enabled,
		children: buildScopes(cfg.Scopes),
	}
}

func buildScopes(cfgs []config.ScopeConfig) []*Scope {
	var out []*Scope
	for _, c := range cfgs {
		out = append(out, &Scope{
			prefix:   strings.TrimSuffix(c.Prefix, "/"),
			enabled:  c.Enabled,
			children: buildScopes(c.Scopes),
		})
	}
	return out
}

// Enabled resolves the toggle for a request path: walk down the longest
// matching prefix at each level, keeping the innermost explicit setting.
func (s *Scope) Enabled(p string) bool {
	p = cleanPath(p)
	on := s.enabled != nil && *s.enabled
	for cur := s; ; {
		next := cur.match(p)
		if next == nil {
			return on
		}
		if next.enabled != nil {
			on = *next.enabled
		}
		cur = next
	}
}

func (s *Scope) match(p string) *Scope {
	var best *Scope
	for _, c := range s.children {
		if !covers(c.prefix, p) {
			continue
		}
		if best == nil || len(c.prefix) > len(best.prefix) {
			best = c
		}
	}
	return best
}

// covers matches whole path segments: "/api" covers "/api" and "/api/x"
// but not "/apix".
func covers(prefix, p string) bool {
	if prefix == "" {
		return true
	}
	return p == prefix || strings.HasPrefix(p, prefix+"/")
}

func cleanPath(p string) string {
	if p == "" {
		return "/"
	}
	if p[0] != '/' {
		p = "/" + p
	}
	return path.Clean(p)
}
