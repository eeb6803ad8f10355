// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package gateway

import (
	"testing"

	"github.com/mbeema/interpose/pkg/config"
)

func boolPtr(b bool) *bool { return &b }

func TestScopeInheritance(t *testing.T) {
	tree := NewScopeTree(config.GatewayConfig{
		Enabled: boolPtr(true),
		Scopes: []config.ScopeConfig{
			{Prefix: "/public", Enabled: boolPtr(false), Scopes: []config.ScopeConfig{
				{Prefix: "/public/admin", Enabled: boolPtr(true)},
				{Prefix: "/public/docs"},
			}},
			{Prefix: "/api"},
			{Prefix: "/api/health", Enabled: boolPtr(false)},
		},
	})

	tests := []struct {
		path string
		want bool
	}{
		{"/", true},
		{"/other", true},
		{"/public", false},
		{"/public/", false},
		{"/publicity", true},
		{"/public/docs/intro", false},
		{"/public/admin/users", true},
		{"/api/items", true},
		{"/api/health", false},
		{"/api/healthz", true},
		{"/public/../api/health", false},
		{"", true},
	}
	for _, tt := range tests {
		if got := tree.Enabled(tt.path); got != tt.want {
			t.Errorf("Enabled(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestScopeDefaultsDisabled(t *testing.T) {
	tree := NewScopeTree(config.GatewayConfig{
		Scopes: []config.ScopeConfig{
			{Prefix: "/inherit"},
			{Prefix: "/on", Enabled: boolPtr(true)},
		},
	})
	if tree.Enabled("/anything") {
		t.Error("unset main scope must default to disabled")
	}
	if tree.Enabled("/inherit/x") {
		t.Error("unset child must inherit the disabled default")
	}
	if !tree.Enabled("/on/x") {
		t.Error("explicit child toggle must win")
	}
}
