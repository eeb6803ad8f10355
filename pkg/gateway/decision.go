// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package gateway

import (
	"context"
	"fmt"

	"github.com/mbeema/interpose/pkg/hook"
	"github.com/mbeema/interpose/pkg/resolve"
)

// StatusUnavailable is the status reported when no routine could run.
const StatusUnavailable = -1

// Decision is the result of a decision routine. Verdict is only meaningful
// when Status is not negative.
type Decision struct {
	Verdict uint64
	Status  int
}

// DecideFunc is the decision routine contract: inspect the view, extract
// the field at fieldOffset through extract, and return a verdict.
type DecideFunc func(ctx context.Context, view *View, fieldOffset int, extract ExtractFunc) (verdict uint64, status int)

// RunAtHandler is the decision entry point the gateway calls through its
// gate. Decision engines replace it; left alone it reports the routine as
// unavailable so requests fail closed.
//
//go:noinline
func RunAtHandler(ctx context.Context, view *View, fieldOffset int, extract ExtractFunc) (uint64, int) {
	return 0, StatusUnavailable
}

// DecisionHandle is the address engines replace.
func DecisionHandle() resolve.Handle {
	return resolve.HandleOf(RunAtHandler)
}

// BindDecisionGate returns the gate of RunAtHandler, binding it on first use.
func BindDecisionGate(ic *hook.Interceptor) (*hook.Gate, error) {
	h := DecisionHandle()
	if g, ok := ic.Lookup(h); ok {
		return g, nil
	}
	g, err := ic.Bind(h, HookFunc(RunAtHandler))
	if err != nil {
		return nil, fmt.Errorf("bind decision gate: %w", err)
	}
	return g, nil
}

// HookFunc adapts a DecideFunc to the gated calling convention. Calls with
// the wrong argument shapes report StatusUnavailable.
func HookFunc(fn DecideFunc) hook.Func {
	return func(ctx context.Context, args ...any) any {
		view, offset, extract, ok := decisionArgs(args)
		if !ok {
			return Decision{Status: StatusUnavailable}
		}
		verdict, status := fn(ctx, view, offset, extract)
		return Decision{Verdict: verdict, Status: status}
	}
}

func decisionArgs(args []any) (*View, int, ExtractFunc, bool) {
	if len(args) != 3 {
		return nil, 0, nil, false
	}
	view, ok1 := args[0].(*View)
	offset, ok2 := args[1].(int)
	extract, ok3 := args[2].(ExtractFunc)
	if !ok1 || !ok2 || !ok3 || extract == nil {
		return nil, 0, nil, false
	}
	return view, offset, extract, true
}
