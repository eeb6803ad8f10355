// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/mbeema/interpose/pkg/resolve"
)

func TestResolveUnknownName(t *testing.T) {
	var out bytes.Buffer
	resolveCmd.SetOut(&out)
	resolveCmd.SetContext(context.Background())

	err := runResolve(resolveCmd, []string{"interpose_no_such_function_xyz"})
	if !errors.Is(err, resolve.ErrResolutionEmpty) {
		t.Fatalf("err = %v, want ErrResolutionEmpty", err)
	}
	if !strings.HasPrefix(out.String(), "ADDRESS") {
		t.Errorf("missing header: %q", out.String())
	}
}

func TestResolveBadSignature(t *testing.T) {
	resolveOpts.signature = "zz"
	defer func() { resolveOpts.signature = "" }()
	resolveCmd.SetContext(context.Background())

	if err := runResolve(resolveCmd, []string{"f"}); err == nil {
		t.Error("expected signature parse error")
	}
}

func TestServeLoadConfigDefaults(t *testing.T) {
	serveOpts.configPath, serveOpts.configDir = "", ""
	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Gateway.MainEnabled() {
		t.Error("gateway should default to disabled")
	}
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	versionCmd.SetOut(&out)
	versionCmd.Run(versionCmd, nil)
	if !strings.HasPrefix(out.String(), "interpose "+version) {
		t.Errorf("version output = %q", out.String())
	}
}
