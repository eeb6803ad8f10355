// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package decision provides the routines installed on the gateway's
// decision gate: scripted (Lua), compiled (WebAssembly) and fixed.
package decision

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/mbeema/interpose/pkg/config"
	"github.com/mbeema/interpose/pkg/gateway"
	"github.com/mbeema/interpose/pkg/hook"
)

// FieldBufferSize bounds every field a routine extracts. A field keeps at
// most MaxFieldLen bytes so a terminating NUL always fits.
const (
	FieldBufferSize = 512
	MaxFieldLen     = FieldBufferSize - 1
)

// Routine decides on a request view.
type Routine interface {
	Decide(ctx context.Context, view *gateway.View, fieldOffset int, extract gateway.ExtractFunc) (verdict uint64, status int)
	Name() string
	Close(ctx context.Context) error
}

// RoutineFunc adapts a gateway.DecideFunc to a Routine.
type RoutineFunc gateway.DecideFunc

func (f RoutineFunc) Decide(ctx context.Context, view *gateway.View, off int, extract gateway.ExtractFunc) (uint64, int) {
	return f(ctx, view, off, extract)
}
func (RoutineFunc) Name() string                { return "func" }
func (RoutineFunc) Close(context.Context) error { return nil }

// Static always returns the same verdict.
type Static struct {
	Verdict uint64
}

// Allow and Deny are the fixed routines.
var (
	Allow = Static{Verdict: 0}
	Deny  = Static{Verdict: 1}
)

func (s Static) Decide(context.Context, *gateway.View, int, gateway.ExtractFunc) (uint64, int) {
	return s.Verdict, 0
}

func (s Static) Name() string {
	if s.Verdict == 0 {
		return "allow"
	}
	return "deny"
}

func (Static) Close(context.Context) error { return nil }

// Install replaces the decision gate with r.
func Install(ctx context.Context, ic *hook.Interceptor, r Routine) error {
	if _, err := gateway.BindDecisionGate(ic); err != nil {
		return err
	}
	if err := ic.Replace(ctx, gateway.DecisionHandle(), gateway.HookFunc(r.Decide), r.Name()); err != nil {
		return fmt.Errorf("install %s routine: %w", r.Name(), err)
	}
	return nil
}

// Reinstall swaps the installed routine for r in one transaction, so no
// request sees the gate without a routine. A nil r removes the routine and
// leaves the gate failing closed.
func Reinstall(ctx context.Context, ic *hook.Interceptor, r Routine) error {
	if _, err := gateway.BindDecisionGate(ic); err != nil {
		return err
	}
	h := gateway.DecisionHandle()
	tx := ic.BeginTransaction(ctx)
	tx.Release(h)
	name := "none"
	if r != nil {
		name = r.Name()
		tx.Replace(h, gateway.HookFunc(r.Decide), name)
	}
	if err := tx.End(); err != nil {
		return fmt.Errorf("reinstall %s routine: %w", name, err)
	}
	return nil
}

// Retire closes a routine that a Reinstall replaced once every decision
// still running on it has returned. If ctx ends first the routine is left
// open and the error returned.
func Retire(ctx context.Context, ic *hook.Interceptor, r Routine) error {
	if r == nil {
		return nil
	}
	if err := ic.Drain(ctx); err != nil {
		return fmt.Errorf("retire %s routine: %w", r.Name(), err)
	}
	return r.Close(ctx)
}

// FromConfig builds the routine cfg selects. Engine "none" yields nil.
func FromConfig(ctx context.Context, cfg config.DecisionConfig, logger *zap.Logger) (Routine, error) {
	switch cfg.Engine {
	case "", "none":
		return nil, nil
	case "allow":
		return Allow, nil
	case "deny":
		return Deny, nil
	case "lua":
		src, err := os.ReadFile(cfg.Script)
		if err != nil {
			return nil, fmt.Errorf("read lua script: %w", err)
		}
		return NewLua(string(src), logger)
	case "wasm":
		bin, err := os.ReadFile(cfg.Module)
		if err != nil {
			return nil, fmt.Errorf("read wasm module: %w", err)
		}
		return NewWasm(ctx, bin, logger)
	}
	return nil, fmt.Errorf("unknown decision engine %q", cfg.Engine)
}
